// Package reconcile applies client-submitted batches of offline mutations
// against canonical entries under a last-write-wins conflict policy.
package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/mealsync/internal/storage"
)

// Operation kinds understood by the reconciler.
const (
	KindCreate = "create"
	KindUpdate = "update"
	KindDelete = "delete"
)

// Per-operation verdicts.
const (
	VerdictSuccess  = "success"
	VerdictConflict = "conflict"
	VerdictError    = "error"
)

// Operation is one client-originated mutation inside a batch. Data carries
// the partial entry fields; for update and delete it must include "id", the
// target entry id.
type Operation struct {
	OperationID string          `json:"operationId,omitempty"`
	Kind        string          `json:"kind"`
	Data        json.RawMessage `json:"data"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Result is the terminal outcome of one operation. OperationID echoes the
// client-generated id so the client can correlate results without comparing
// payloads.
type Result struct {
	OperationID string         `json:"operationId,omitempty"`
	Kind        string         `json:"kind"`
	Verdict     string         `json:"verdict"`
	Entry       *storage.Entry `json:"serverEntity,omitempty"`
	Message     string         `json:"message,omitempty"`
}

// Summary aggregates verdict counts for a batch.
type Summary struct {
	Total     int `json:"total"`
	Success   int `json:"success"`
	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`
}

// EntityStore is the slice of canonical storage the reconciler needs. It
// reads the updated_at watermark but never owns it: PatchEntry stamps a fresh
// watermark and enforces the cutoff atomically.
type EntityStore interface {
	GetEntry(id, ownerID string) (storage.Entry, error)
	InsertEntry(e storage.Entry) error
	PatchEntry(id, ownerID string, fields map[string]any, ifNotModifiedSince time.Time) (storage.Entry, error)
	SoftDeleteEntry(id, ownerID string) error
}

// Reconciler applies ordered batches of operations for one owner at a time.
type Reconciler struct {
	store  EntityStore
	logger *slog.Logger
}

// New creates a Reconciler backed by the given store.
func New(store EntityStore) *Reconciler {
	return &Reconciler{store: store, logger: slog.Default()}
}

// Apply replays a batch of operations for ownerID. Operations are re-sorted
// ascending by client timestamp regardless of the submitted array order; a
// failure on one operation never aborts the remaining ones. Exactly one
// result is returned per submitted operation.
func (r *Reconciler) Apply(ownerID string, ops []Operation) ([]Result, Summary) {
	sorted := make([]Operation, len(ops))
	copy(sorted, ops)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	results := make([]Result, 0, len(sorted))
	summary := Summary{Total: len(sorted)}
	for _, op := range sorted {
		res := r.applyOne(ownerID, op)
		switch res.Verdict {
		case VerdictSuccess:
			summary.Success++
		case VerdictConflict:
			summary.Conflicts++
		default:
			summary.Errors++
		}
		results = append(results, res)
	}
	return results, summary
}

// applyOne executes a single operation. Any unexpected failure, including a
// panic, becomes a verdict=error result rather than aborting the batch.
func (r *Reconciler) applyOne(ownerID string, op Operation) (res Result) {
	res = Result{OperationID: op.OperationID, Kind: op.Kind}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("operation panicked", "owner_id", ownerID, "kind", op.Kind, "panic", rec)
			res.Verdict = VerdictError
			res.Entry = nil
			res.Message = fmt.Sprintf("internal error: %v", rec)
		}
	}()

	switch op.Kind {
	case KindCreate:
		return r.applyCreate(ownerID, op, res)
	case KindUpdate:
		return r.applyUpdate(ownerID, op, res)
	case KindDelete:
		return r.applyDelete(ownerID, op, res)
	default:
		res.Verdict = VerdictError
		res.Message = fmt.Sprintf("unknown operation kind %q", op.Kind)
		return res
	}
}

// entryFields is the wire shape of Operation.Data.
type entryFields struct {
	ID       string   `json:"id"`
	FoodName *string  `json:"foodName"`
	Quantity *float64 `json:"quantity"`
	Unit     *string  `json:"unit"`
	Calories *float64 `json:"calories"`
	MealType *string  `json:"mealType"`
}

// patchMap returns only the fields actually present in the payload, keyed by
// wire name, so updates are partial patches.
func (f entryFields) patchMap() map[string]any {
	m := make(map[string]any)
	if f.FoodName != nil {
		m["foodName"] = *f.FoodName
	}
	if f.Quantity != nil {
		m["quantity"] = *f.Quantity
	}
	if f.Unit != nil {
		m["unit"] = *f.Unit
	}
	if f.Calories != nil {
		m["calories"] = *f.Calories
	}
	if f.MealType != nil {
		m["mealType"] = *f.MealType
	}
	return m
}

func parseFields(data json.RawMessage) (entryFields, error) {
	var f entryFields
	if len(data) == 0 {
		return f, errors.New("missing operation data")
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("invalid operation data: %w", err)
	}
	return f, nil
}

func (r *Reconciler) applyCreate(ownerID string, op Operation, res Result) Result {
	f, err := parseFields(op.Data)
	if err != nil {
		res.Verdict = VerdictError
		res.Message = err.Error()
		return res
	}
	if f.FoodName == nil || *f.FoodName == "" {
		res.Verdict = VerdictError
		res.Message = "foodName is required"
		return res
	}

	now := time.Now().UTC()
	e := storage.Entry{
		ID:        uuid.New().String(), // server-allocated, client ids are not trusted
		OwnerID:   ownerID,
		FoodName:  *f.FoodName,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if f.Quantity != nil {
		e.Quantity = *f.Quantity
	}
	if f.Unit != nil {
		e.Unit = *f.Unit
	}
	if f.Calories != nil {
		e.Calories = *f.Calories
	}
	if f.MealType != nil {
		e.MealType = *f.MealType
	}

	if err := r.store.InsertEntry(e); err != nil {
		res.Verdict = VerdictError
		res.Message = fmt.Sprintf("storing entry: %v", err)
		return res
	}
	res.Verdict = VerdictSuccess
	res.Entry = &e
	return res
}

func (r *Reconciler) applyUpdate(ownerID string, op Operation, res Result) Result {
	f, err := parseFields(op.Data)
	if err != nil {
		res.Verdict = VerdictError
		res.Message = err.Error()
		return res
	}
	if f.ID == "" {
		res.Verdict = VerdictError
		res.Message = "update requires an entry id"
		return res
	}

	current, err := r.store.GetEntry(f.ID, ownerID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && current.Deleted) {
		res.Verdict = VerdictConflict
		res.Message = "Entry not found"
		return res
	}
	if err != nil {
		res.Verdict = VerdictError
		res.Message = fmt.Sprintf("loading entry: %v", err)
		return res
	}

	// Last-write-wins: a server watermark strictly newer than the client's
	// declared intent time means the client was editing a stale copy. The
	// cutoff is re-checked atomically inside PatchEntry.
	if current.UpdatedAt.After(op.Timestamp) {
		res.Verdict = VerdictConflict
		res.Message = "Server version is newer"
		res.Entry = &current
		return res
	}

	patched, err := r.store.PatchEntry(f.ID, ownerID, f.patchMap(), op.Timestamp)
	if errors.Is(err, storage.ErrStale) {
		// Lost the race between the read above and the conditional write.
		res.Verdict = VerdictConflict
		res.Message = "Server version is newer"
		res.Entry = &patched
		return res
	}
	if errors.Is(err, storage.ErrNotFound) {
		res.Verdict = VerdictConflict
		res.Message = "Entry not found"
		return res
	}
	if err != nil {
		res.Verdict = VerdictError
		res.Message = fmt.Sprintf("updating entry: %v", err)
		return res
	}
	res.Verdict = VerdictSuccess
	res.Entry = &patched
	return res
}

func (r *Reconciler) applyDelete(ownerID string, op Operation, res Result) Result {
	f, err := parseFields(op.Data)
	if err != nil {
		res.Verdict = VerdictError
		res.Message = err.Error()
		return res
	}
	if f.ID == "" {
		res.Verdict = VerdictError
		res.Message = "delete requires an entry id"
		return res
	}

	err = r.store.SoftDeleteEntry(f.ID, ownerID)
	if errors.Is(err, storage.ErrNotFound) {
		res.Verdict = VerdictConflict
		res.Message = "Entry not found"
		return res
	}
	if err != nil {
		res.Verdict = VerdictError
		res.Message = fmt.Sprintf("deleting entry: %v", err)
		return res
	}
	res.Verdict = VerdictSuccess
	return res
}
