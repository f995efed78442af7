package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/mealsync/internal/queue"
)

// ErrSyncInFlight is returned when Flush is called while another flush for
// the same coordinator is still running. The caller treats it as a no-op.
var ErrSyncInFlight = errors.New("sync already in progress")

// DefaultDebounce coalesces bursts of online notifications into one flush.
const DefaultDebounce = time.Second

// Report summarizes one flush for the "N synced, M need attention" line.
type Report struct {
	Attempted int
	Synced    int
	Conflicts int
	Errors    int
}

// Coordinator owns the flush lifecycle for one client identity. The
// in-flight flag is a field, not package state, so independent coordinators
// never share or corrupt each other's flight state.
type Coordinator struct {
	queue   *queue.Queue
	client  *Client
	ownerID string

	inFlight atomic.Bool

	debounce time.Duration
	timerMu  sync.Mutex
	timer    *time.Timer

	logger *slog.Logger
}

// New creates a Coordinator. debounce <= 0 uses DefaultDebounce.
func New(q *queue.Queue, client *Client, ownerID string, debounce time.Duration) *Coordinator {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Coordinator{
		queue:    q,
		client:   client,
		ownerID:  ownerID,
		debounce: debounce,
		logger:   slog.Default(),
	}
}

// NotifyOnline schedules a debounced background flush. Repeated calls within
// the debounce window reset the timer, so a burst of offline→online
// transitions produces a single flush.
func (c *Coordinator) NotifyOnline() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, func() {
		report, err := c.Flush(context.Background())
		if err != nil && !errors.Is(err, ErrSyncInFlight) {
			c.logger.Warn("background sync failed", "error", err)
			return
		}
		if report.Attempted > 0 {
			c.logger.Info("background sync finished",
				"synced", report.Synced, "conflicts", report.Conflicts, "errors", report.Errors)
		}
	})
}

// Flush submits every retryable queued operation as one ordered batch and
// applies the returned verdicts. At most one flush runs at a time per
// coordinator; a concurrent call returns ErrSyncInFlight without touching
// the queue. An empty queue returns an empty report without calling the
// server.
func (c *Coordinator) Flush(ctx context.Context) (Report, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return Report{}, ErrSyncInFlight
	}
	defer c.inFlight.Store(false)

	ops := c.queue.Retryable() // already in client-timestamp order
	if len(ops) == 0 {
		return Report{}, nil
	}

	ids := make([]string, len(ops))
	batch := make([]BatchOperation, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
		data, err := operationData(op)
		if err != nil {
			return Report{}, fmt.Errorf("preparing operation %s: %w", op.ID, err)
		}
		batch[i] = BatchOperation{
			OperationID: op.ID,
			Kind:        op.Kind,
			Data:        data,
			Timestamp:   op.ClientTimestamp,
		}
	}
	if err := c.queue.MarkSyncing(ids); err != nil {
		return Report{}, fmt.Errorf("marking operations syncing: %w", err)
	}

	resp, err := c.client.SubmitBatch(ctx, c.ownerID, batch)
	if err != nil {
		// Whole-batch transport failure: every member reverts to error and
		// stays eligible for the next retry pass.
		msg := fmt.Sprintf("sync request failed: %v", err)
		for _, id := range ids {
			if markErr := c.queue.MarkError(id, msg); markErr != nil {
				c.logger.Error("failed to record transport failure", "operation_id", id, "error", markErr)
			}
		}
		return Report{Attempted: len(ops), Errors: len(ops)}, err
	}

	return c.applyVerdicts(ids, resp), nil
}

// applyVerdicts correlates results to queued operations by the echoed
// operation id and applies the status transitions.
func (c *Coordinator) applyVerdicts(ids []string, resp *BatchResponse) Report {
	report := Report{Attempted: len(ids)}

	byID := make(map[string]BatchResult, len(resp.Results))
	for _, res := range resp.Results {
		byID[res.OperationID] = res
	}

	for _, id := range ids {
		res, ok := byID[id]
		if !ok {
			report.Errors++
			if err := c.queue.MarkError(id, "no verdict returned for operation"); err != nil {
				c.logger.Error("failed to mark operation", "operation_id", id, "error", err)
			}
			continue
		}

		switch res.Verdict {
		case "success":
			report.Synced++
			if err := c.queue.MarkSuccess(id); err != nil {
				c.logger.Error("failed to mark operation success", "operation_id", id, "error", err)
				continue
			}
			// Successes are terminal; prune them immediately.
			if err := c.queue.Remove(id); err != nil {
				c.logger.Error("failed to prune synced operation", "operation_id", id, "error", err)
			}
		case "conflict":
			report.Conflicts++
			if err := c.queue.MarkConflict(id, res.Message, res.ServerEntity); err != nil {
				c.logger.Error("failed to mark operation conflict", "operation_id", id, "error", err)
			}
		default:
			report.Errors++
			msg := res.Message
			if msg == "" {
				msg = "server reported an error"
			}
			if err := c.queue.MarkError(id, msg); err != nil {
				c.logger.Error("failed to mark operation error", "operation_id", id, "error", err)
			}
		}
	}
	return report
}

// operationData builds the wire payload: the queued partial fields plus the
// target entry id for update and delete.
func operationData(op queue.Operation) (json.RawMessage, error) {
	fields := map[string]any{}
	if len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &fields); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
	}
	if op.EntryID != "" {
		fields["id"] = op.EntryID
	}
	return json.Marshal(fields)
}
