package metadata

import (
	"context"
	"errors"

	"ISMeta/internal/aggregation"
	"ISMeta/internal/ism"
)

// Chain tries providers in order and returns the first success.
// A failed chain returns every provider's error joined.
type Chain []aggregation.Provider

// Build implements aggregation.Provider.
func (c Chain) Build(ctx context.Context, msg *ism.Message, module *ism.ModuleConfig) ([]byte, error) {
	if len(c) == 0 {
		return nil, ErrNoProvider
	}

	var errs []error

	for _, p := range c {
		data, err := p.Build(ctx, msg, module)
		if err == nil {
			return data, nil
		}

		errs = append(errs, err)
	}

	return nil, errors.Join(errs...)
}
