package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/colligo/internal/models"
)

// Adapter is the contract every upstream source implements. Fetch owns its
// own timeout, reports failure through SourceResult.Err, and never panics.
type Adapter interface {
	Name() string
	Tier() models.SourceTier
	Fetch(ctx context.Context, query models.Query) models.SourceResult
}

// SafeFetch invokes an adapter's Fetch with panic containment so a
// misbehaving adapter degrades to an errored result instead of taking the
// tier group down.
func SafeFetch(ctx context.Context, adapter Adapter, query models.Query) (result models.SourceResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = models.SourceResult{
				Source:     adapter.Name(),
				Tier:       adapter.Tier(),
				DurationMs: time.Since(start).Milliseconds(),
				Err:        fmt.Sprintf("adapter panicked: %v", r),
			}
		}
	}()
	return adapter.Fetch(ctx, query)
}
