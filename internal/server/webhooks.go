package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fleetwatch/internal/config"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookDispatcher struct {
	engine   engine.Engine
	site     string
	webhooks []config.WebhookConfig
	client   *http.Client
	interval time.Duration
	logger   logrus.FieldLogger
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhookDispatcher posts new history entries to every enabled webhook
// until ctx is cancelled. Delivery starts from the newest entry at startup.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, logger logrus.FieldLogger) {
	d := newWebhookDispatcher(e, logger)
	if d == nil {
		return
	}
	go d.run(ctx)
}

func newWebhookDispatcher(e engine.Engine, logger logrus.FieldLogger) *webhookDispatcher {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &webhookDispatcher{
		engine:   e,
		site:     e.Config.Site.Name,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: defaultWebhookInterval,
		logger:   logger.WithField("component", "webhooks"),
		cursors:  make(map[int]int64),
	}
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	log := d.logger.WithField("url", hook.URL)
	cursor := d.cursorFor(ctx, idx)
	entries, err := d.engine.Repo.HistoryAfter(ctx, nil, cursor, defaultWebhookBatch)
	if err != nil {
		log.WithError(err).Warn("fetch history failed")
		return
	}
	filter := newActionFilter(hook.Actions)
	for _, h := range entries {
		if !filter.match(h.Action) {
			d.setCursor(idx, h.ID)
			continue
		}
		if err := d.postEntry(ctx, hook, h); err != nil {
			log.WithError(err).WithField("history_id", h.ID).Warn("webhook delivery failed")
			return
		}
		d.setCursor(idx, h.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestHistoryID(ctx, nil)
	if err != nil {
		d.logger.WithError(err).Warn("init webhook cursor failed")
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEntry struct {
	ID          int64   `json:"id"`
	Site        string  `json:"site,omitempty"`
	EquipmentID string  `json:"equipment_id"`
	Action      string  `json:"action"`
	UserID      *string `json:"user_id,omitempty"`
	OldValue    *string `json:"old_value,omitempty"`
	NewValue    *string `json:"new_value,omitempty"`
	Timestamp   string  `json:"timestamp"`
}

func (d *webhookDispatcher) postEntry(ctx context.Context, hook config.WebhookConfig, h domain.HistoryEntry) error {
	data, err := json.Marshal(webhookEntry{
		ID:          h.ID,
		Site:        d.site,
		EquipmentID: h.EquipmentID,
		Action:      h.Action,
		UserID:      h.UserID,
		OldValue:    h.OldValue,
		NewValue:    h.NewValue,
		Timestamp:   h.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fleetwatch-Action", h.Action)
	req.Header.Set("X-Fleetwatch-Delivery", fmt.Sprintf("%d", h.ID))
	req.Header.Set("X-Fleetwatch-Equipment", h.EquipmentID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Fleetwatch-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type actionFilter struct {
	all bool
	set map[string]struct{}
}

// newActionFilter matches exact actions. A trailing "*" matches a prefix,
// so "update:*" selects every field edit.
func newActionFilter(actions []string) actionFilter {
	if len(actions) == 0 {
		return actionFilter{all: true}
	}
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		key := strings.TrimSpace(a)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return actionFilter{all: true}
	}
	return actionFilter{set: set}
}

func (f actionFilter) match(action string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[action]; ok {
		return true
	}
	for k := range f.set {
		if strings.HasSuffix(k, "*") && strings.HasPrefix(action, strings.TrimSuffix(k, "*")) {
			return true
		}
	}
	return false
}
