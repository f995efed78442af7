package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStale is returned by PatchEntry when the target row exists but its
// updated_at watermark is newer than the caller's cutoff, so the conditional
// update matched zero rows.
var ErrStale = errors.New("entry modified since cutoff")

// Entry is a canonical food-log entry. UpdatedAt is the server-authoritative
// modification watermark; clients never write it directly.
type Entry struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"ownerId"`
	FoodName  string     `json:"foodName"`
	Quantity  float64    `json:"quantity"`
	Unit      string     `json:"unit,omitempty"`
	Calories  float64    `json:"calories,omitempty"`
	MealType  string     `json:"mealType,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Deleted   bool       `json:"deleted,omitempty"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// IdempotencyRecord is a cached response for a mutating request, keyed by the
// client-supplied idempotency token.
type IdempotencyRecord struct {
	Key         string
	HTTPStatus  int
	Body        []byte
	HeadersJSON string // response headers stored as a JSON object
	CreatedAt   time.Time
}
