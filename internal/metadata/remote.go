package metadata

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"ISMeta/internal/ism"
	"ISMeta/internal/network"
)

// ErrPeerUnavailable is returned when the remote peer cannot be reached.
var ErrPeerUnavailable = errors.New("peer unavailable")

// RemoteProvider fetches submodule metadata from a peer.
// The peer must be in the node's address book or already connected.
type RemoteProvider struct {
	node    *network.Node     // node is the local network endpoint
	peer    ed25519.PublicKey // peer is the identity of the serving node
	timeout time.Duration     // timeout bounds each request when non-zero
}

// NewRemoteProvider creates a provider that asks peer through node.
// A zero timeout leaves the deadline to ctx and the network layer.
func NewRemoteProvider(node *network.Node, peer ed25519.PublicKey, timeout time.Duration) *RemoteProvider {
	return &RemoteProvider{node: node, peer: peer, timeout: timeout}
}

// Build requests module's metadata for msg from the peer.
func (r *RemoteProvider) Build(ctx context.Context, msg *ism.Message, module *ism.ModuleConfig) ([]byte, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	req := EncodeRequest(&MetadataRequest{
		ModuleType: module.Type,
		Module:     module.Address,
		Message:    msg.Encode(),
	})

	p, err := r.node.Peer(ctx, r.peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %s:\n%w", ErrPeerUnavailable, hex.EncodeToString(r.peer[:8]), err)
	}

	resp, err := p.Request(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("request %s from %s:\n%w", module.Address.Hex(), p.Address(), err)
	}

	return DecodeResponse(resp)
}
