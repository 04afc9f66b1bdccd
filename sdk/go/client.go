package fleetwatchsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Fleetwatch HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Equipment represents an active mirror row (partial).
type Equipment struct {
	ID             string     `json:"id"`
	EquipmentType  string     `json:"equipment_type"`
	Model          string     `json:"model"`
	Section        string     `json:"section"`
	Status         string     `json:"status"`
	Malfunction    string     `json:"malfunction,omitempty"`
	MechanicName   string     `json:"mechanic_name,omitempty"`
	ActualStart    *time.Time `json:"actual_start,omitempty"`
	PlannedHours   *float64   `json:"planned_hours,omitempty"`
	ManuallyEdited bool       `json:"manually_edited"`
	IsActive       bool       `json:"is_active"`
	DelayHours     *float64   `json:"delay_hours,omitempty"`
}

// ArchiveRecord represents an archived snapshot (partial).
type ArchiveRecord struct {
	ID                 string    `json:"id"`
	EquipmentID        string    `json:"equipment_id"`
	EquipmentType      string    `json:"equipment_type"`
	Status             string    `json:"status"`
	CompletedDate      time.Time `json:"completed_date"`
	CompletionUserName *string   `json:"completion_user_name,omitempty"`
	ArchiveReason      string    `json:"archive_reason"`
}

// ArchivePage is one page of archive rows.
type ArchivePage struct {
	Items []ArchiveRecord `json:"items"`
	Total int             `json:"total"`
	Page  int             `json:"page"`
	Limit int             `json:"limit"`
}

// HistoryEntry is one audit row.
type HistoryEntry struct {
	ID          int64     `json:"id"`
	EquipmentID string    `json:"equipment_id"`
	UserID      *string   `json:"user_id,omitempty"`
	Action      string    `json:"action"`
	OldValue    *string   `json:"old_value,omitempty"`
	NewValue    *string   `json:"new_value,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// SyncRun summarizes one reconciliation cycle.
type SyncRun struct {
	ID         string         `json:"id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Outcome    string         `json:"outcome"`
	Counters   map[string]int `json:"counters"`
	Error      string         `json:"error,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ArchiveQuery filters archive listings. Zero values are omitted.
type ArchiveQuery struct {
	Page          int
	Limit         int
	EquipmentID   string
	EquipmentType string
	Mechanic      string
	Reason        string
	DateFrom      string
	DateTo        string
}

func (q ArchiveQuery) values() url.Values {
	v := url.Values{}
	if q.Page > 0 {
		v.Set("page", fmt.Sprint(q.Page))
	}
	if q.Limit > 0 {
		v.Set("limit", fmt.Sprint(q.Limit))
	}
	for k, s := range map[string]string{
		"equipment_id":   q.EquipmentID,
		"equipment_type": q.EquipmentType,
		"mechanic":       q.Mechanic,
		"reason":         q.Reason,
		"date_from":      q.DateFrom,
		"date_to":        q.DateTo,
	} {
		if s != "" {
			v.Set(k, s)
		}
	}
	return v
}

// Equipment lists active rows, optionally filtered by status.
func (c *Client) Equipment(ctx context.Context, status string) ([]Equipment, error) {
	endpoint := "equipment"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Equipment
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// History returns the newest history entries for an equipment id.
func (c *Client) History(ctx context.Context, id string, limit int) ([]HistoryEntry, error) {
	endpoint := fmt.Sprintf("equipment/%s/history", url.PathEscape(id))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []HistoryEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateStatus sets status and, for Down, the malfunction text.
func (c *Client) UpdateStatus(ctx context.Context, id, status, malfunction string) (Equipment, error) {
	body := map[string]any{"status": status}
	if malfunction != "" {
		body["malfunction"] = malfunction
	}
	var resp Equipment
	err := c.do(ctx, http.MethodPut, "equipment/"+url.PathEscape(id), body, &resp)
	return resp, err
}

// Archive returns one page of archive rows.
func (c *Client) Archive(ctx context.Context, q ArchiveQuery) (ArchivePage, error) {
	endpoint := "archive"
	if v := q.values(); len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp ArchivePage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Launch archives a Ready or Standby unit. An empty reason means launched.
func (c *Client) Launch(ctx context.Context, id, reason string) (ArchiveRecord, error) {
	var body any
	if reason != "" {
		body = map[string]any{"completion_reason": reason}
	}
	var resp ArchiveRecord
	err := c.do(ctx, http.MethodPost, "archive/launch/"+url.PathEscape(id), body, &resp)
	return resp, err
}

// RunSync forces a reconciliation cycle.
func (c *Client) RunSync(ctx context.Context) (SyncRun, error) {
	var resp SyncRun
	err := c.do(ctx, http.MethodPost, "sync/run", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
