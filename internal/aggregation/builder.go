package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ISMeta/internal/ism"
	"ISMeta/internal/logger"
)

// ErrThresholdNotMet is matched by every *ThresholdError.
var ErrThresholdNotMet = errors.New("aggregation: threshold not met")

// Provider builds the metadata of a single submodule.
type Provider interface {
	Build(ctx context.Context, msg *ism.Message, module *ism.ModuleConfig) ([]byte, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, msg *ism.Message, module *ism.ModuleConfig) ([]byte, error)

// Build calls f.
func (f ProviderFunc) Build(ctx context.Context, msg *ism.Message, module *ism.ModuleConfig) ([]byte, error) {
	return f(ctx, msg, module)
}

// ThresholdError reports that too few submodules produced metadata.
type ThresholdError struct {
	Included  int           // Included is the number of submodules that succeeded
	Threshold int           // Threshold is the number required
	Failures  map[int]error // Failures maps submodule index to its provider error
}

// Error implements error.
func (e *ThresholdError) Error() string {
	return fmt.Sprintf("only built %d of %d required modules", e.Included, e.Threshold)
}

// Is matches ErrThresholdNotMet.
func (e *ThresholdError) Is(target error) bool {
	return target == ErrThresholdNotMet
}

// Builder gathers submodule metadata and packs it for an aggregation module.
type Builder struct {
	provider Provider // provider builds each submodule's metadata
}

// NewBuilder creates a Builder that fetches submodule metadata from p.
func NewBuilder(p Provider) *Builder {
	return &Builder{provider: p}
}

// Build collects metadata from every submodule of cfg in parallel and encodes it.
// Every request runs to completion; a failed submodule becomes a
// not-included slot. Fails only when fewer than cfg.Threshold succeed.
func (b *Builder) Build(ctx context.Context, msg *ism.Message, cfg *ism.ModuleConfig) ([]byte, error) {
	start := time.Now()
	slots, failures := b.collect(ctx, msg, cfg.Modules)

	included := slots.Included()

	for i, err := range failures {
		if err == nil {
			continue
		}

		logger.Debug("submodule metadata unavailable",
			"aggregation", cfg.Address.Hex(),
			"index", i,
			"module", cfg.Modules[i].Address.Hex(),
			"type", cfg.Modules[i].Type,
			"error", err,
		)
	}

	if included < cfg.Threshold {
		return nil, &ThresholdError{
			Included:  included,
			Threshold: cfg.Threshold,
			Failures:  failureMap(failures),
		}
	}

	blob, err := Encode(slots)
	if err != nil {
		return nil, err
	}

	logger.Debug("aggregation metadata built",
		"aggregation", cfg.Address.Hex(),
		"included", included,
		"threshold", cfg.Threshold,
		"bytes", len(blob),
		logger.Timed(start),
	)

	return blob, nil
}

// collect requests every submodule concurrently and waits for all of them.
// Each goroutine writes only its own index of slots and failures.
func (b *Builder) collect(ctx context.Context, msg *ism.Message, modules []ism.ModuleConfig) (Metadata, []error) {
	slots := make(Metadata, len(modules))
	failures := make([]error, len(modules))

	var wg sync.WaitGroup

	for i := range modules {
		wg.Add(1)

		go func(idx int) {
			defer wg.Done()

			data, err := b.buildOne(ctx, msg, &modules[idx])
			if err != nil {
				failures[idx] = err
				return
			}

			if data == nil {
				data = []byte{}
			}

			slots[idx] = data
		}(i)
	}

	wg.Wait()

	return slots, failures
}

// buildOne calls the provider, converting a panic into an error.
func (b *Builder) buildOne(ctx context.Context, msg *ism.Message, module *ism.ModuleConfig) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("provider panic: %v", r)
		}
	}()

	return b.provider.Build(ctx, msg, module)
}

// failureMap keeps the non-nil entries of failures keyed by index.
func failureMap(failures []error) map[int]error {
	m := make(map[int]error)

	for i, err := range failures {
		if err != nil {
			m[i] = err
		}
	}

	return m
}
