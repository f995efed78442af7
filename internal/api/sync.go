package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/mealsync/internal/reconcile"
	"github.com/kalambet/mealsync/internal/storage"
)

const maxBatchBodySize = 5 << 20 // 5MB

// SyncDeps wires the sync handlers to their collaborators.
type SyncDeps struct {
	Store             *storage.Store
	Reconciler        *reconcile.Reconciler
	Token             string
	IdempotencyHeader string
	Metrics           *Metrics
}

// NewSyncHandler returns the HTTP surface of the sync service. /health and
// /metrics are open; the sync routes sit behind bearer auth and the
// idempotency replay guard.
func NewSyncHandler(deps SyncDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(Idempotency(deps.Store, deps.IdempotencyHeader, deps.Metrics))

		r.Post("/sync/offline-queue", handleOfflineQueue(deps))
		r.Get("/sync/owner/{ownerID}/snapshot", handleSnapshot(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type offlineQueueRequest struct {
	OwnerID    string                `json:"ownerId"`
	Operations []reconcile.Operation `json:"operations"`
}

type offlineQueueResponse struct {
	Results []reconcile.Result `json:"results"`
	Summary reconcile.Summary  `json:"summary"`
}

func handleOfflineQueue(deps SyncDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBatchBodySize)
		defer r.Body.Close()

		var req offlineQueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		// Shape validation rejects the whole request before any operation runs.
		if _, err := uuid.Parse(req.OwnerID); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "malformed ownerId")
			return
		}
		if len(req.Operations) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "operations must be a non-empty array")
			return
		}

		results, summary := deps.Reconciler.Apply(req.OwnerID, req.Operations)
		deps.Metrics.observeBatch(summary.Total, summary.Success, summary.Conflicts, summary.Errors)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(offlineQueueResponse{Results: results, Summary: summary})
	}
}

type snapshotResponse struct {
	OwnerID      string          `json:"ownerId"`
	Entries      []storage.Entry `json:"entities"`
	LastSyncedAt time.Time       `json:"lastSyncedAt"`
}

func handleSnapshot(deps SyncDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := chi.URLParam(r, "ownerID")
		if _, err := uuid.Parse(ownerID); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "malformed ownerId")
			return
		}

		entries, err := deps.Store.ListEntries(ownerID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list entries: %v", err)
			return
		}
		if entries == nil {
			entries = []storage.Entry{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshotResponse{
			OwnerID:      ownerID,
			Entries:      entries,
			LastSyncedAt: time.Now().UTC(),
		})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
