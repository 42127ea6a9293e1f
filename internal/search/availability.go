package search

import (
	"context"
	"sync"
	"time"

	"mangastream/catalogservice/internal/domain"
)

const defaultAvailabilityTTL = 30 * time.Second

// Availability answers whether the persistent index can serve a section at
// all. The router consults it on every request, so implementations are
// expected to be cheap.
type Availability interface {
	IndexPopulated(ctx context.Context, kind domain.SourceKind) bool
}

// RowCounter is the store-side probe the memoized checker wraps.
type RowCounter interface {
	CountBySourceKind(ctx context.Context, kind domain.SourceKind) (int, error)
}

type availabilityEntry struct {
	populated bool
	checkedAt time.Time
}

type memoizedAvailability struct {
	counter RowCounter
	ttl     time.Duration

	mu      sync.Mutex
	entries map[domain.SourceKind]availabilityEntry
}

// NewAvailability memoizes the row-count probe per source kind. A count error
// reports the index as unavailable for one TTL window rather than failing the
// request; the router falls through to a live tier instead.
func NewAvailability(counter RowCounter, ttl time.Duration) Availability {
	if ttl <= 0 {
		ttl = defaultAvailabilityTTL
	}
	return &memoizedAvailability{
		counter: counter,
		ttl:     ttl,
		entries: make(map[domain.SourceKind]availabilityEntry),
	}
}

func (a *memoizedAvailability) IndexPopulated(ctx context.Context, kind domain.SourceKind) bool {
	now := time.Now()

	a.mu.Lock()
	entry, ok := a.entries[kind]
	a.mu.Unlock()
	if ok && now.Sub(entry.checkedAt) < a.ttl {
		return entry.populated
	}

	count, err := a.counter.CountBySourceKind(ctx, kind)
	populated := err == nil && count > 0

	a.mu.Lock()
	a.entries[kind] = availabilityEntry{populated: populated, checkedAt: now}
	a.mu.Unlock()
	return populated
}
