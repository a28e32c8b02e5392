package cache

import (
	"context"
	"time"

	"github.com/calmline/scoregate/internal/runtime/pipeline"
)

// Entry is a cached scoring verdict together with its lifetime bounds.
type Entry struct {
	Result    pipeline.ScoreResult `json:"result"`
	StoredAt  time.Time            `json:"storedAt"`
	ExpiresAt time.Time            `json:"expiresAt"`
}

// ScoreCache stores scoring verdicts keyed by message fingerprint. Lookup
// treats expired and missing entries identically; backends never return
// stale results.
type ScoreCache interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	DeletePrefix(ctx context.Context, prefix string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
