// Package client implements the edge-side transports to the central
// collector and hub: a request/response HTTP client used as the fallback
// delivery path, and a persistent socket used when live.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/snrraptopack/fatigue/internal/model"
)

// attemptTimeout bounds a single delivery attempt so one unreachable call
// cannot stall a whole sync pass.
const attemptTimeout = 10 * time.Second

// Collector is the HTTP client for the collector API.
type Collector struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewCollector creates a client targeting the given base URL (e.g.
// "http://hub.example.com:8080"). When token is non-empty, an Authorization
// header is set on every request.
func NewCollector(baseURL, token string) *Collector {
	return &Collector{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: attemptTimeout},
	}
}

// Ack is the collector's acknowledgment for a submitted alert.
type Ack struct {
	EventID string `json:"event_id"`
	Created bool   `json:"created"`
}

// SubmitAlert delivers one event to the collector. The call is idempotent
// on event id, so resending after a lost response is safe.
func (c *Collector) SubmitAlert(ctx context.Context, ev *model.Event) (*Ack, error) {
	var ack Ack
	if err := c.doJSON(ctx, http.MethodPost, "/v1/alerts", ev, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// ListAlertsResponse is a reconciliation page.
type ListAlertsResponse struct {
	Alerts []*model.StoredAlert `json:"alerts"`
	Total  int                  `json:"total"`
}

// ListAlerts pulls a reconciliation snapshot, e.g. on observer (re)connect.
func (c *Collector) ListAlerts(ctx context.Context, filter model.AlertFilter) (*ListAlertsResponse, error) {
	q := url.Values{}
	if filter.ParticipantID != "" {
		q.Set("participant_id", filter.ParticipantID)
	}
	if filter.Kind != "" {
		q.Set("kind", filter.Kind)
	}
	if len(filter.Priority) > 0 {
		ps := make([]string, 0, len(filter.Priority))
		for _, p := range filter.Priority {
			ps = append(ps, string(p))
		}
		q.Set("priority", strings.Join(ps, ","))
	}
	if filter.Since != nil {
		q.Set("since", filter.Since.UTC().Format(time.RFC3339))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}

	path := "/v1/alerts"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp ListAlertsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks collector reachability; the network monitor uses it as a
// probe target.
func (c *Collector) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// HealthURL is the probe endpoint for the network quality monitor.
func (c *Collector) HealthURL() string {
	return c.baseURL + "/v1/health"
}

// APIError represents an error response from the collector.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Permanent reports whether the collector explicitly rejected the payload,
// meaning a retry cannot succeed.
func (e *APIError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded (for DELETE/204 responses).
func (c *Collector) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	// 204 No Content — success with no body.
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}
