// Package idempotency makes mutating HTTP operations safely retryable by
// keying a stored response onto a client-supplied Idempotency-Key and a
// hash of the request body.
package idempotency

import (
	"context"
	"time"
)

// Record is one stored idempotent response.
type Record struct {
	Key          string
	AccountID    string
	BodyHash     string
	StatusCode   int
	ResponseBody []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// ErrConflict is returned when a key is replayed with a different body.
var ErrConflict = conflictError{}

type conflictError struct{}

func (conflictError) Error() string { return "idempotency key reused with a different request body" }

// TTL is how long a record is honored before it is eligible for cleanup.
const TTL = 24 * time.Hour

// Store persists idempotency records. Implementations should delete
// expired records opportunistically on lookup rather than running a
// separate sweep.
type Store interface {
	// Get returns the record for key, or nil if none exists or it has
	// expired (an expired record is also deleted as a side effect).
	Get(ctx context.Context, key string) (*Record, error)
	// Put inserts a new record. Implementations may assume Get has
	// already been called and returned nil for this key.
	Put(ctx context.Context, rec *Record) error
}
