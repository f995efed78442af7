package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return q
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	q := openTestQueue(t)
	if c := q.Counts(); c.Total != 0 {
		t.Errorf("counts = %+v, want empty", c)
	}
}

func TestEnqueue_AssignsIDAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	op, err := q.Enqueue("create", "", json.RawMessage(`{"foodName":"Apple"}`), time.Now())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if op.ID == "" {
		t.Error("operation id not assigned")
	}
	if op.Status != StatusPending || op.RetryCount != 0 {
		t.Errorf("op = %+v, want pending with zero retries", op)
	}

	// Reopen from disk: the operation must survive.
	q2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	ops := q2.List()
	if len(ops) != 1 || ops[0].ID != op.ID {
		t.Errorf("reloaded ops = %+v", ops)
	}
}

func TestOpen_RecoversInterruptedSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	op, err := q.Enqueue("create", "", json.RawMessage(`{"foodName":"Apple"}`), time.Now())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.MarkSyncing([]string{op.ID}); err != nil {
		t.Fatalf("MarkSyncing: %v", err)
	}

	// The process dies mid-flush here; the verdict that would move the
	// operation out of syncing never arrives. Reopening must not strand it.
	q2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	ops := q2.List()
	if len(ops) != 1 {
		t.Fatalf("reloaded %d ops, want 1", len(ops))
	}
	if ops[0].Status != StatusPending {
		t.Errorf("status = %q, want pending after recovery", ops[0].Status)
	}
	if got := q2.Retryable(); len(got) != 1 {
		t.Errorf("retryable = %d, want 1", len(got))
	}
	if ops[0].RetryCount != 0 {
		t.Errorf("retryCount = %d, recovery must not consume a retry", ops[0].RetryCount)
	}

	// Recovery is persisted, not just in-memory.
	q3, err := Open(path)
	if err != nil {
		t.Fatalf("second reopen: %v", err)
	}
	if got := q3.List()[0].Status; got != StatusPending {
		t.Errorf("persisted status = %q, want pending", got)
	}
}

func TestEnqueue_UniqueIDs(t *testing.T) {
	q := openTestQueue(t)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		op, err := q.Enqueue("create", "", nil, time.Now())
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if seen[op.ID] {
			t.Fatalf("duplicate id %s", op.ID)
		}
		seen[op.ID] = true
	}
}

func TestList_OrderedByClientTimestamp(t *testing.T) {
	q := openTestQueue(t)
	now := time.Now()

	// Enqueue out of timestamp order.
	late, _ := q.Enqueue("create", "", nil, now.Add(time.Minute))
	early, _ := q.Enqueue("create", "", nil, now.Add(-time.Minute))
	mid, _ := q.Enqueue("create", "", nil, now)

	ops := q.List()
	want := []string{early.ID, mid.ID, late.ID}
	for i, id := range want {
		if ops[i].ID != id {
			t.Fatalf("position %d = %s, want %s (timestamp order, not append order)", i, ops[i].ID, id)
		}
	}
}

func TestMarkError_IncrementsRetryCount(t *testing.T) {
	q := openTestQueue(t)
	op, _ := q.Enqueue("update", "e1", json.RawMessage(`{"quantity":5}`), time.Now())

	for i := 1; i <= 2; i++ {
		if err := q.MarkError(op.ID, "boom"); err != nil {
			t.Fatalf("MarkError: %v", err)
		}
		got := q.List()[0]
		if got.RetryCount != i {
			t.Errorf("RetryCount = %d after %d errors", got.RetryCount, i)
		}
		if got.LastError != "boom" {
			t.Errorf("LastError = %q", got.LastError)
		}
	}
}

func TestMarkSyncing_DoesNotTouchRetryCount(t *testing.T) {
	q := openTestQueue(t)
	op, _ := q.Enqueue("create", "", nil, time.Now())
	q.MarkError(op.ID, "x")

	if err := q.MarkSyncing([]string{op.ID}); err != nil {
		t.Fatalf("MarkSyncing: %v", err)
	}
	got := q.List()[0]
	if got.Status != StatusSyncing || got.RetryCount != 1 {
		t.Errorf("op = %+v, want syncing with RetryCount 1", got)
	}
}

func TestRetryable_ExcludesCappedOperations(t *testing.T) {
	q := openTestQueue(t)
	op, _ := q.Enqueue("create", "", nil, time.Now())

	for i := 0; i < MaxRetries; i++ {
		if got := q.Retryable(); len(got) != 1 {
			t.Fatalf("after %d errors: retryable = %d, want 1", i, len(got))
		}
		q.MarkSyncing([]string{op.ID})
		q.MarkError(op.ID, "still failing")
	}

	if got := q.Retryable(); len(got) != 0 {
		t.Errorf("after %d errors: retryable = %d, want 0", MaxRetries, len(got))
	}
	// The capped operation stays in the queue for the user to inspect.
	if c := q.Counts(); c.Errors != 1 {
		t.Errorf("counts = %+v", c)
	}
}

func TestRetryable_IncludesPendingAndErrored(t *testing.T) {
	q := openTestQueue(t)
	pending, _ := q.Enqueue("create", "", nil, time.Now())
	errored, _ := q.Enqueue("create", "", nil, time.Now().Add(time.Second))
	synced, _ := q.Enqueue("create", "", nil, time.Now().Add(2*time.Second))

	q.MarkError(errored.ID, "x")
	q.MarkSuccess(synced.ID)

	got := q.Retryable()
	if len(got) != 2 {
		t.Fatalf("retryable = %d, want 2", len(got))
	}
	if got[0].ID != pending.ID || got[1].ID != errored.ID {
		t.Errorf("retryable = [%s, %s]", got[0].ID, got[1].ID)
	}
}

func TestMarkConflict_AttachesServerEntry(t *testing.T) {
	q := openTestQueue(t)
	op, _ := q.Enqueue("update", "e1", nil, time.Now())

	server := json.RawMessage(`{"id":"e1","foodName":"Apple","quantity":999}`)
	if err := q.MarkConflict(op.ID, "Server version is newer", server); err != nil {
		t.Fatalf("MarkConflict: %v", err)
	}

	got := q.List()[0]
	if got.Status != StatusError || got.LastError != "Server version is newer" {
		t.Errorf("op = %+v", got)
	}
	if string(got.ServerEntry) != string(server) {
		t.Errorf("ServerEntry = %s", got.ServerEntry)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, _ := Open(path)
	op1, _ := q.Enqueue("create", "", nil, time.Now())
	op2, _ := q.Enqueue("create", "", nil, time.Now().Add(time.Second))

	if err := q.Remove(op1.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ops := q.List()
	if len(ops) != 1 || ops[0].ID != op2.ID {
		t.Errorf("ops = %+v", ops)
	}

	if err := q.Remove(op1.ID); err == nil {
		t.Error("removing a missing operation should error")
	}
}

func TestCounts(t *testing.T) {
	q := openTestQueue(t)
	a, _ := q.Enqueue("create", "", nil, time.Now())
	b, _ := q.Enqueue("create", "", nil, time.Now())
	c, _ := q.Enqueue("create", "", nil, time.Now())
	q.Enqueue("create", "", nil, time.Now())

	q.MarkSyncing([]string{a.ID})
	q.MarkSuccess(b.ID)
	q.MarkError(c.ID, "x")

	got := q.Counts()
	want := Counts{Pending: 1, Syncing: 1, Success: 1, Errors: 1, Total: 4}
	if got != want {
		t.Errorf("counts = %+v, want %+v", got, want)
	}
}

func TestOpen_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Error("expected error for corrupt queue file")
	}
}
