// Package queue is the client-resident durable log of mutations that have
// not reached the server yet. The whole queue is re-persisted to disk on
// every mutating call, so the on-disk copy never lags the in-memory one.
package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation statuses.
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusSuccess = "success"
	StatusError   = "error"
)

// MaxRetries caps automatic retry: an operation that has failed this many
// times must be discarded or resubmitted fresh by the user.
const MaxRetries = 3

// Operation is one queued local mutation. EntryID is set for update and
// delete; Payload carries the partial entry fields. ServerEntry holds the
// server's current copy when a sync attempt ended in conflict, for
// user-facing resolution.
type Operation struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	EntryID         string          `json:"entryId,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientTimestamp time.Time       `json:"clientTimestamp"`
	Status          string          `json:"status"`
	RetryCount      int             `json:"retryCount"`
	LastError       string          `json:"lastError,omitempty"`
	ServerEntry     json.RawMessage `json:"serverEntry,omitempty"`
}

// Retryable reports whether the operation is eligible for another automatic
// sync attempt.
func (op Operation) Retryable() bool {
	return op.Status == StatusError && op.RetryCount < MaxRetries
}

// Counts summarizes queue composition by status.
type Counts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Success int `json:"success"`
	Errors  int `json:"errors"`
	Total   int `json:"total"`
}

// Queue is a durable, ordered operation log backed by a single JSON file.
type Queue struct {
	mu   sync.Mutex
	path string
	ops  []Operation
}

// Open loads the queue file at path, or starts empty if it does not exist.
// Operations persisted as syncing belong to a flush that died with the
// previous process; they are reset to pending so they stay eligible for the
// next sync instead of being stranded.
func Open(path string) (*Queue, error) {
	q := &Queue{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading queue file: %w", err)
	}
	if err := json.Unmarshal(data, &q.ops); err != nil {
		return nil, fmt.Errorf("parsing queue file %s: %w", path, err)
	}

	recovered := false
	for i := range q.ops {
		if q.ops[i].Status == StatusSyncing {
			q.ops[i].Status = StatusPending
			recovered = true
		}
	}
	if recovered {
		if err := q.save(); err != nil {
			return nil, fmt.Errorf("recovering interrupted sync: %w", err)
		}
	}
	return q, nil
}

// save writes the full queue to disk via a temp file and rename, so a crash
// mid-write never leaves a truncated queue behind. Callers hold q.mu.
func (q *Queue) save() error {
	data, err := json.MarshalIndent(q.ops, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling queue: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return fmt.Errorf("creating queue directory: %w", err)
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing queue file: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("replacing queue file: %w", err)
	}
	return nil
}

// Enqueue appends a new pending operation and persists the queue.
func (q *Queue) Enqueue(kind, entryID string, payload json.RawMessage, clientTimestamp time.Time) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op := Operation{
		ID:              uuid.New().String(),
		Kind:            kind,
		EntryID:         entryID,
		Payload:         payload,
		ClientTimestamp: clientTimestamp,
		Status:          StatusPending,
	}
	q.ops = append(q.ops, op)
	if err := q.save(); err != nil {
		q.ops = q.ops[:len(q.ops)-1]
		return Operation{}, err
	}
	return op, nil
}

// List returns a copy of all operations ordered by client timestamp
// ascending. Timestamp order, not append order, defines replay order.
func (q *Queue) List() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Operation, len(q.ops))
	copy(out, q.ops)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ClientTimestamp.Before(out[j].ClientTimestamp)
	})
	return out
}

// Retryable returns the operations eligible for the next sync pass (pending,
// or errored under the retry cap) in client-timestamp order.
func (q *Queue) Retryable() []Operation {
	var out []Operation
	for _, op := range q.List() {
		if op.Status == StatusPending || op.Retryable() {
			out = append(out, op)
		}
	}
	return out
}

func (q *Queue) locate(id string) (int, error) {
	for i := range q.ops {
		if q.ops[i].ID == id {
			return i, nil
		}
	}
	return 0, fmt.Errorf("operation %s not in queue", id)
}

// MarkSyncing flags every given operation as in-flight.
func (q *Queue) MarkSyncing(ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		i, err := q.locate(id)
		if err != nil {
			return err
		}
		q.ops[i].Status = StatusSyncing
	}
	return q.save()
}

// MarkSuccess records a success verdict. Successful operations are terminal
// and eligible for pruning.
func (q *Queue) MarkSuccess(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, err := q.locate(id)
	if err != nil {
		return err
	}
	q.ops[i].Status = StatusSuccess
	q.ops[i].LastError = ""
	q.ops[i].ServerEntry = nil
	return q.save()
}

// MarkError records a failed attempt. The retry counter increments only on
// this transition.
func (q *Queue) MarkError(id, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, err := q.locate(id)
	if err != nil {
		return err
	}
	q.ops[i].Status = StatusError
	q.ops[i].RetryCount++
	q.ops[i].LastError = errMsg
	return q.save()
}

// MarkConflict records a conflict verdict: an error transition that also
// attaches the server's current entry so the user can pick a resolution.
func (q *Queue) MarkConflict(id, msg string, serverEntry json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, err := q.locate(id)
	if err != nil {
		return err
	}
	q.ops[i].Status = StatusError
	q.ops[i].RetryCount++
	q.ops[i].LastError = msg
	q.ops[i].ServerEntry = serverEntry
	return q.save()
}

// Remove deletes an operation from the queue.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, err := q.locate(id)
	if err != nil {
		return err
	}
	q.ops = append(q.ops[:i], q.ops[i+1:]...)
	return q.save()
}

// Counts tallies operations by status.
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := Counts{Total: len(q.ops)}
	for _, op := range q.ops {
		switch op.Status {
		case StatusPending:
			c.Pending++
		case StatusSyncing:
			c.Syncing++
		case StatusSuccess:
			c.Success++
		case StatusError:
			c.Errors++
		}
	}
	return c
}
