package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/mealsync/internal/reconcile"
	"github.com/kalambet/mealsync/internal/storage"
)

const testToken = "test-token-12345"

func setupSyncHandler(t *testing.T) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	handler := NewSyncHandler(SyncDeps{
		Store:      store,
		Reconciler: reconcile.New(store),
		Token:      testToken,
		Metrics:    NewMetrics(prometheus.NewRegistry()),
	})
	return handler, store
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestOfflineQueue_CreateSuccess(t *testing.T) {
	h, store := setupSyncHandler(t)
	owner := uuid.New().String()

	body := fmt.Sprintf(`{
		"ownerId": %q,
		"operations": [
			{"operationId":"op-1","kind":"create","data":{"foodName":"Apple","quantity":150},"timestamp":%q}
		]
	}`, owner, time.Now().Format(time.RFC3339))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/sync/offline-queue", body, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Results []struct {
			OperationID string         `json:"operationId"`
			Verdict     string         `json:"verdict"`
			Entry       *storage.Entry `json:"serverEntity"`
		} `json:"results"`
		Summary reconcile.Summary `json:"summary"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(resp.Results))
	}
	if resp.Results[0].Verdict != "success" || resp.Results[0].OperationID != "op-1" {
		t.Errorf("result = %+v", resp.Results[0])
	}
	if resp.Results[0].Entry == nil || resp.Results[0].Entry.FoodName != "Apple" || resp.Results[0].Entry.Quantity != 150 {
		t.Errorf("serverEntity = %+v", resp.Results[0].Entry)
	}
	want := reconcile.Summary{Total: 1, Success: 1}
	if resp.Summary != want {
		t.Errorf("summary = %+v, want %+v", resp.Summary, want)
	}

	entries, err := store.ListEntries(owner)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("stored entries = %d, want 1", len(entries))
	}
}

func TestOfflineQueue_MalformedOwner(t *testing.T) {
	h, _ := setupSyncHandler(t)

	body := `{"ownerId":"not-a-uuid","operations":[{"kind":"create","data":{"foodName":"X"}}]}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/sync/offline-queue", body, testToken))

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestOfflineQueue_EmptyOperations(t *testing.T) {
	h, _ := setupSyncHandler(t)
	owner := uuid.New().String()

	for _, body := range []string{
		fmt.Sprintf(`{"ownerId":%q,"operations":[]}`, owner),
		fmt.Sprintf(`{"ownerId":%q}`, owner),
	} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/sync/offline-queue", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rr.Code)
		}
	}
}

func TestOfflineQueue_Unauthorized(t *testing.T) {
	h, _ := setupSyncHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/sync/offline-queue", `{}`, ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestOfflineQueue_MixedVerdicts(t *testing.T) {
	h, _ := setupSyncHandler(t)
	owner := uuid.New().String()

	base := time.Now().Add(-time.Minute)
	body := fmt.Sprintf(`{
		"ownerId": %q,
		"operations": [
			{"operationId":"a","kind":"create","data":{"foodName":"Eggs"},"timestamp":%q},
			{"operationId":"b","kind":"update","data":{"id":%q,"quantity":5},"timestamp":%q},
			{"operationId":"c","kind":"bogus_type","data":{},"timestamp":%q}
		]
	}`, owner,
		base.Format(time.RFC3339),
		uuid.New().String(), base.Add(time.Second).Format(time.RFC3339),
		base.Add(2*time.Second).Format(time.RFC3339))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/sync/offline-queue", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var resp offlineQueueResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	want := reconcile.Summary{Total: 3, Success: 1, Conflicts: 1, Errors: 1}
	if resp.Summary != want {
		t.Errorf("summary = %+v, want %+v", resp.Summary, want)
	}
}

func TestSnapshot(t *testing.T) {
	h, store := setupSyncHandler(t)
	owner := uuid.New().String()

	now := time.Now().UTC()
	kept := storage.Entry{ID: uuid.New().String(), OwnerID: owner, FoodName: "Salad", CreatedAt: now, UpdatedAt: now}
	gone := storage.Entry{ID: uuid.New().String(), OwnerID: owner, FoodName: "Ghost", CreatedAt: now, UpdatedAt: now}
	other := storage.Entry{ID: uuid.New().String(), OwnerID: uuid.New().String(), FoodName: "NotYours", CreatedAt: now, UpdatedAt: now}
	for _, e := range []storage.Entry{kept, gone, other} {
		if err := store.InsertEntry(e); err != nil {
			t.Fatalf("InsertEntry: %v", err)
		}
	}
	if err := store.SoftDeleteEntry(gone.ID, owner); err != nil {
		t.Fatalf("SoftDeleteEntry: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/sync/owner/"+owner+"/snapshot", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		OwnerID      string          `json:"ownerId"`
		Entries      []storage.Entry `json:"entities"`
		LastSyncedAt time.Time       `json:"lastSyncedAt"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.OwnerID != owner {
		t.Errorf("ownerId = %q, want %q", resp.OwnerID, owner)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].FoodName != "Salad" {
		t.Errorf("entities = %+v, want only the live owned entry", resp.Entries)
	}
	if resp.LastSyncedAt.IsZero() {
		t.Error("lastSyncedAt not set")
	}
}

func TestSnapshot_MalformedOwner(t *testing.T) {
	h, _ := setupSyncHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/sync/owner/garbage/snapshot", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestSnapshot_EmptyOwner(t *testing.T) {
	h, _ := setupSyncHandler(t)
	owner := uuid.New().String()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/sync/owner/"+owner+"/snapshot", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"entities":[]`) {
		t.Errorf("empty snapshot should encode an empty array, got %s", rr.Body.String())
	}
}

func TestHealth(t *testing.T) {
	h, _ := setupSyncHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}
