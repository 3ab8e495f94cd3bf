// Package idgen generates lexically sortable identifiers.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a ULID for the current time. Within one process, ids
// generated in the same millisecond still sort in generation order.
func NewID() string {
	return NewIDAt(time.Now())
}

// NewIDAt returns a ULID whose time component is t.
func NewIDAt(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Time extracts the timestamp of an id produced by this package.
func Time(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
