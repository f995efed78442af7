// Package syncer flushes the client operation queue to the sync service and
// maps server verdicts back onto queue entries.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Wire shapes of the sync API.

// BatchOperation is one operation as submitted to the reconciler.
type BatchOperation struct {
	OperationID string          `json:"operationId"`
	Kind        string          `json:"kind"`
	Data        json.RawMessage `json:"data"`
	Timestamp   time.Time       `json:"timestamp"`
}

// BatchResult is the server's verdict for one operation.
type BatchResult struct {
	OperationID  string          `json:"operationId"`
	Kind         string          `json:"kind"`
	Verdict      string          `json:"verdict"`
	ServerEntity json.RawMessage `json:"serverEntity,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// BatchSummary aggregates verdict counts.
type BatchSummary struct {
	Total     int `json:"total"`
	Success   int `json:"success"`
	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`
}

// BatchResponse is the full reconciler reply.
type BatchResponse struct {
	Results []BatchResult `json:"results"`
	Summary BatchSummary  `json:"summary"`
}

// Snapshot is the server's full current state for one owner.
type Snapshot struct {
	OwnerID      string            `json:"ownerId"`
	Entities     []json.RawMessage `json:"entities"`
	LastSyncedAt time.Time         `json:"lastSyncedAt"`
}

// Client talks to the sync service over HTTP.
type Client struct {
	baseURL           string
	token             string
	idempotencyHeader string
	httpClient        *http.Client
}

// NewClient creates a sync API client. idempotencyHeader may be empty to use
// the server default.
func NewClient(baseURL, token, idempotencyHeader string) *Client {
	if idempotencyHeader == "" {
		idempotencyHeader = "X-Idempotency-Key"
	}
	return &Client{
		baseURL:           baseURL,
		token:             token,
		idempotencyHeader: idempotencyHeader,
		httpClient:        &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitBatch posts an ordered batch of operations. Each call carries a fresh
// idempotency key, so a network-level retry of this one request cannot
// double-apply; a deliberate re-flush after a failure is a new request.
func (c *Client) SubmitBatch(ctx context.Context, ownerID string, ops []BatchOperation) (*BatchResponse, error) {
	payload := map[string]any{
		"ownerId":    ownerID,
		"operations": ops,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/offline-queue", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(c.idempotencyHeader, uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submitting batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	var out BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding batch response: %w", err)
	}
	return &out, nil
}

// FetchSnapshot retrieves the owner's full server-side state.
func (c *Client) FetchSnapshot(ctx context.Context, ownerID string) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sync/owner/"+ownerID+"/snapshot", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	var out Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &out, nil
}
