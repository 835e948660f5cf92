package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"ISMeta/internal/logger"
)

// defaultRequestTimeout bounds a Request whose context has no deadline.
const defaultRequestTimeout = 30 * time.Second

// refusedCode is the stream error code sent when the handler fails.
const refusedCode quic.StreamErrorCode = 1

// ErrPeerClosed is returned by Request on a closed connection.
var ErrPeerClosed = errors.New("network: peer closed")

// Peer is a connection to a remote node.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote node's identity
	address   string            // address is the remote address
	conn      *quic.Conn
	node      *Node
	closed    atomic.Bool
}

// PublicKey returns the remote node's public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Close closes the connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// Request sends data on its own bidirectional stream and waits for the response.
// One stream carries exactly one request and one response.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrPeerClosed
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}

	if err := stream.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline:\n%w", err)
	}

	if err := writeMessage(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read response from %s:\n%w", p.address, err)
	}

	return response, nil
}

// serve answers request streams until the connection ends, then unregisters the peer.
func (p *Peer) serve() {
	defer func() {
		p.closed.Store(true)
		p.node.forget(p)
	}()

	for {
		stream, err := p.conn.AcceptStream(p.node.ctx)
		if err != nil {
			return
		}

		go p.answer(stream)
	}
}

// answer reads one request from stream and writes the handler's response.
// A handler error resets the stream instead of writing a response.
func (p *Peer) answer(stream *quic.Stream) {
	defer stream.Close()

	data, err := readMessage(stream)
	if err != nil {
		return
	}

	response, err := p.node.handle(p, data)
	if err != nil {
		logger.Debug("request handler failed", "peer", p.address, "error", err)
		stream.CancelWrite(refusedCode)
		return
	}

	if err := writeMessage(stream, response); err != nil {
		logger.Debug("write response failed", "peer", p.address, "error", err)
	}
}
