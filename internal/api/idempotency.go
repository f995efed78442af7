package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kalambet/mealsync/internal/storage"
)

// DefaultIdempotencyHeader is used when no header name is configured.
const DefaultIdempotencyHeader = "X-Idempotency-Key"

// IdempotencyStore is the slice of storage the replay guard needs.
type IdempotencyStore interface {
	GetIdempotencyRecord(key string) (storage.IdempotencyRecord, error)
	PutIdempotencyRecord(rec storage.IdempotencyRecord) (bool, error)
}

// Idempotency returns middleware that makes retried mutating requests safe:
// the first request carrying a given key executes normally and its response
// is captured; any repeat of the key replays the stored status, headers, and
// body verbatim without invoking the handler again.
//
// Only POST, PUT, and PATCH are guarded. A request without the header passes
// through undeduplicated.
func Idempotency(store IdempotencyStore, header string, metrics *Metrics) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultIdempotencyHeader
	}
	logger := slog.Default()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
			default:
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(header)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if rec, err := store.GetIdempotencyRecord(key); err == nil {
				metrics.observeReplay()
				replay(w, rec)
				return
			} else if !errors.Is(err, storage.ErrNotFound) {
				logger.Warn("idempotency lookup failed, executing request", "key", key, "error", err)
			}

			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(cw, r)

			headersJSON, err := json.Marshal(cw.Header())
			if err != nil {
				logger.Warn("marshalling response headers", "key", key, "error", err)
				headersJSON = []byte("{}")
			}
			// Insert-if-absent: when two retries of the same key raced past the
			// lookup, the first writer's response stays cached.
			stored, err := store.PutIdempotencyRecord(storage.IdempotencyRecord{
				Key:         key,
				HTTPStatus:  cw.status,
				Body:        cw.body.Bytes(),
				HeadersJSON: string(headersJSON),
				CreatedAt:   time.Now(),
			})
			if err != nil {
				logger.Warn("storing idempotency record", "key", key, "error", err)
			} else if !stored {
				logger.Debug("idempotency record already present, kept first writer", "key", key)
			}
		})
	}
}

func replay(w http.ResponseWriter, rec storage.IdempotencyRecord) {
	var headers map[string][]string
	if err := json.Unmarshal([]byte(rec.HeadersJSON), &headers); err == nil {
		for name, values := range headers {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
	}
	w.WriteHeader(rec.HTTPStatus)
	w.Write(rec.Body)
}

// captureWriter duplicates the response into a buffer while streaming it to
// the client, so the exact bytes can be replayed later.
type captureWriter struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func (c *captureWriter) WriteHeader(status int) {
	if !c.wroteHeader {
		c.status = status
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.wroteHeader = true
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}

// IdempotencySweepStore is the purge slice of storage used by the Sweeper.
type IdempotencySweepStore interface {
	PurgeIdempotencyRecords(olderThan time.Time) (int64, error)
}

// Sweeper periodically deletes idempotency records older than the retention
// window so the cache covers realistic retry windows without growing forever.
type Sweeper struct {
	store    IdempotencySweepStore
	ttl      time.Duration
	interval time.Duration
	metrics  *Metrics
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. ttl defaults to 24h and interval to 1h when
// non-positive.
func NewSweeper(store IdempotencySweepStore, ttl, interval time.Duration, metrics *Metrics) *Sweeper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:    store,
		ttl:      ttl,
		interval: interval,
		metrics:  metrics,
		logger:   slog.Default(),
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(); err != nil {
				s.logger.Error("idempotency sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single sweep and returns how many records were removed.
func (s *Sweeper) RunOnce() (int64, error) {
	n, err := s.store.PurgeIdempotencyRecords(time.Now().Add(-s.ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("purged expired idempotency records", "count", n)
	}
	s.metrics.observePurged(n)
	return n, nil
}
