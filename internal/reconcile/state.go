package reconcile

import (
	"sync"
	"time"

	"fleetwatch/internal/domain"
)

// State is the engine's in-memory sync state. One instance is owned by a
// Reconciler and shared by handle with readers such as the HTTP status route.
type State struct {
	mu           sync.Mutex
	running      bool
	lastSyncTime *time.Time
	lastError    string
	lastRun      *domain.SyncRun
	cycles       int
	skipped      int
	totals       domain.SyncCounters
}

// StateSnapshot is a copy of State safe to hand out.
type StateSnapshot struct {
	Running      bool                `json:"running"`
	LastSyncTime *time.Time          `json:"last_sync_time,omitempty"`
	LastError    string              `json:"last_error,omitempty"`
	LastRun      *domain.SyncRun     `json:"last_run,omitempty"`
	Cycles       int                 `json:"cycles"`
	Skipped      int                 `json:"skipped"`
	Totals       domain.SyncCounters `json:"totals"`
}

func NewState() *State {
	return &State{}
}

func (s *State) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := StateSnapshot{
		Running:   s.running,
		LastError: s.lastError,
		Cycles:    s.cycles,
		Skipped:   s.skipped,
		Totals:    s.totals,
	}
	if s.lastSyncTime != nil {
		t := *s.lastSyncTime
		out.LastSyncTime = &t
	}
	if s.lastRun != nil {
		run := *s.lastRun
		out.LastRun = &run
	}
	return out
}

// LastSyncTime is the finish time of the last cycle that reached the feed.
func (s *State) LastSyncTime() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSyncTime == nil {
		return nil
	}
	t := *s.lastSyncTime
	return &t
}

func (s *State) begin() {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
}

func (s *State) skip() {
	s.mu.Lock()
	s.skipped++
	s.mu.Unlock()
}

// finish records a completed or failed cycle and clears the running flag.
func (s *State) finish(run domain.SyncRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.cycles++
	s.totals.Add(run.Counters)
	r := run
	s.lastRun = &r
	s.lastError = run.Error
	if run.Outcome != domain.SyncFailed {
		t := run.FinishedAt
		s.lastSyncTime = &t
	}
}
