package store

import (
	"context"
	"errors"
	"time"
)

// ErrCacheWrite marks a rejected insert or prune. It is never returned for reads.
var ErrCacheWrite = errors.New("cache write failed")

// ContentCache maps article links to extracted content, scoped by the feed
// that produced them.
type ContentCache interface {
	Lookup(ctx context.Context, itemLink string) (string, bool, error)
	Store(ctx context.Context, feedLink string, itemLink string, fetchedAt time.Time, content string) error
	Prune(ctx context.Context, feedLink string, keep []string) (int64, error)
	Count(ctx context.Context, feedLink string) (int64, error)
	Close() error
}

var _ ContentCache = (*SqliteStore)(nil)
