package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/AnshRaj112/serenify-sync/internal/models"
)

// Transport carries reconciliation traffic to the remote authority. Any
// returned error is treated as a transient network failure: the batch
// stays queued and is retried on the next trigger.
type Transport interface {
	// Send submits one reconciliation batch and returns the per-entry
	// outcomes.
	Send(ctx context.Context, req models.BatchRequest) (*models.BatchResponse, error)

	// Fetch reads the authoritative snapshot of one record. A missing
	// record returns (nil, nil).
	Fetch(ctx context.Context, entity models.EntityType, id string) (models.Record, error)
}

// HTTPTransport speaks the batch reconciliation protocol over HTTP.
type HTTPTransport struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPTransport builds a transport for the given server base URL. If
// client is nil, http.DefaultClient is used; callers control timeouts
// through the context they pass in.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{BaseURL: baseURL, Client: client}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, req models.BatchRequest) (*models.BatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/api/sync/batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build batch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Device-ID", req.DeviceID)

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("batch request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("batch request returned status %d", resp.StatusCode)
	}

	var out models.BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode batch response: %w", err)
	}
	return &out, nil
}

// Fetch implements Transport.
func (t *HTTPTransport) Fetch(ctx context.Context, entity models.EntityType, id string) (models.Record, error) {
	query := url.Values{}
	query.Set("type", string(entity))
	query.Set("id", id)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.BaseURL+"/api/sync/record?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch request returned status %d", resp.StatusCode)
	}

	var envelope struct {
		Record models.Payload `json:"record"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode fetch response: %w", err)
	}
	rec, err := envelope.Record.Record(entity)
	if err != nil {
		return nil, fmt.Errorf("fetch response is malformed: %w", err)
	}
	return rec, nil
}
