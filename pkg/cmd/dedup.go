package cmd

import (
	"context"
	"fmt"

	"github.com/cadencehq/cadence/pkg/dedup"
)

// NewDedupIndex creates the enrollment dedup index. A Redis URL enables
// cross-instance dedup; an empty URL falls back to a per-process index.
func NewDedupIndex(ctx context.Context, redisURL string) dedup.Index {
	if redisURL == "" {
		return dedup.NewMemoryIndex()
	}

	index, err := dedup.NewRedisIndex(ctx, redisURL, dedup.DefaultClaimTTL)
	if err != nil {
		panic(fmt.Errorf("failed to connect dedup index: %w", err))
	}

	return index
}
