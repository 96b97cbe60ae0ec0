package sources

import (
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/models"
)

// Registry groups adapters by tier. Registration happens at startup;
// reads during a run are lock-free copies.
type Registry struct {
	mu     sync.RWMutex
	byTier map[models.SourceTier][]Adapter
	byName map[string]Adapter
	logger arbor.ILogger
}

// NewRegistry creates an empty adapter registry
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		byTier: make(map[models.SourceTier][]Adapter),
		byName: make(map[string]Adapter),
		logger: logger,
	}
}

// Register adds an adapter under its tier. Duplicate names are rejected.
func (r *Registry) Register(adapter Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[adapter.Name()]; exists {
		return fmt.Errorf("adapter %q already registered", adapter.Name())
	}
	r.byName[adapter.Name()] = adapter
	r.byTier[adapter.Tier()] = append(r.byTier[adapter.Tier()], adapter)

	r.logger.Debug().
		Str("adapter", adapter.Name()).
		Str("tier", string(adapter.Tier())).
		Msg("Source adapter registered")
	return nil
}

// ByTier returns the adapters registered for one tier
func (r *Registry) ByTier(tier models.SourceTier) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapters := make([]Adapter, len(r.byTier[tier]))
	copy(adapters, r.byTier[tier])
	return adapters
}

// ValidateCoverage checks every non-headless tier has at least one adapter
func (r *Registry) ValidateCoverage() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, tier := range models.NonHeadlessTiers() {
		if len(r.byTier[tier]) == 0 {
			return fmt.Errorf("no adapter registered for tier %s", tier)
		}
	}
	return nil
}

// Size returns the total number of registered adapters
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
