package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ISMeta/internal/aggregation"
	"ISMeta/internal/ism"
	"ISMeta/internal/logger"
	"ISMeta/internal/network"
)

// defaultHandlerTimeout bounds a provider call made for a remote request.
const defaultHandlerTimeout = 20 * time.Second

// Handler answers metadata requests from peers using a local provider.
type Handler struct {
	provider aggregation.Provider // provider builds the requested metadata
	timeout  time.Duration        // timeout bounds each provider call
}

// NewHandler creates a Handler serving from p.
func NewHandler(p aggregation.Provider) *Handler {
	return &Handler{provider: p, timeout: defaultHandlerTimeout}
}

// HandleRequest processes a metadata request and returns the response.
// Designed to be used as network.Node.OnRequest handler.
func (h *Handler) HandleRequest(peer *network.Peer, data []byte) ([]byte, error) {
	req, err := DecodeRequest(data)
	if err != nil {
		return nil, fmt.Errorf("decode request:\n%w", err)
	}

	// Aggregations need the full module tree, which the request does not carry.
	if req.ModuleType == ism.TypeAggregation {
		return EncodeNegativeResponse(reasonUnsupported), nil
	}

	msg, err := ism.DecodeMessage(req.Message)
	if err != nil {
		return nil, fmt.Errorf("decode message:\n%w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	module := &ism.ModuleConfig{Type: req.ModuleType, Address: req.Module}

	metadata, err := h.provider.Build(ctx, msg, module)
	if err != nil {
		logger.Debug("metadata request refused",
			"peer", peer.Address(),
			"module", req.Module.Hex(),
			"type", req.ModuleType,
			"error", err,
		)

		return EncodeNegativeResponse(refusalReason(err)), nil
	}

	return EncodePositiveResponse(metadata), nil
}

// refusalReason maps a provider error to a negative response reason.
func refusalReason(err error) byte {
	switch {
	case errors.Is(err, ErrNotFound):
		return reasonNotFound
	case errors.Is(err, ErrNoProvider):
		return reasonUnsupported
	default:
		return reasonFailed
	}
}
