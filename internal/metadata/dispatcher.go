package metadata

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ISMeta/internal/aggregation"
	"ISMeta/internal/ism"
)

var (
	ErrNotFound   = errors.New("metadata not found")
	ErrNoProvider = errors.New("no provider for module type")
)

// Dispatcher builds metadata for any module config by routing on its type.
// Aggregation modules are built recursively through the dispatcher itself,
// so nested aggregations resolve their own submodules.
type Dispatcher struct {
	providers   map[ism.ModuleType]aggregation.Provider // providers serve leaf module types
	providersMu sync.RWMutex                            // providersMu protects providers
	builder     *aggregation.Builder                    // builder packs aggregation modules
}

// NewDispatcher creates a Dispatcher that already serves null modules.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		providers: make(map[ism.ModuleType]aggregation.Provider),
	}
	d.builder = aggregation.NewBuilder(d)
	d.providers[ism.TypeNull] = aggregation.ProviderFunc(buildNull)

	return d
}

// Register sets the provider for a leaf module type.
func (d *Dispatcher) Register(t ism.ModuleType, p aggregation.Provider) {
	d.providersMu.Lock()
	d.providers[t] = p
	d.providersMu.Unlock()
}

// Build returns the metadata for module.
func (d *Dispatcher) Build(ctx context.Context, msg *ism.Message, module *ism.ModuleConfig) ([]byte, error) {
	if module.Type == ism.TypeAggregation {
		return d.builder.Build(ctx, msg, module)
	}

	d.providersMu.RLock()
	p, ok := d.providers[module.Type]
	d.providersMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, module.Type)
	}

	return p.Build(ctx, msg, module)
}

// buildNull returns the empty metadata a null module accepts.
func buildNull(context.Context, *ism.Message, *ism.ModuleConfig) ([]byte, error) {
	return []byte{}, nil
}
