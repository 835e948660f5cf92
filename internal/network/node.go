package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/singleflight"

	"ISMeta/internal/logger"
)

const (
	// defaultDialTimeout bounds a dial whose context has no deadline.
	defaultDialTimeout = 5 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "ismeta/1"
)

var (
	ErrUnknownPeer      = errors.New("network: peer not connected and has no address")
	ErrIdentityMismatch = errors.New("network: peer identity mismatch")
	ErrClosed           = errors.New("network: node closed")
)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey  ed25519.PrivateKey // PrivateKey is the node's identity key
	ListenAddr  string             // ListenAddr is the UDP address to listen on (e.g., ":9400")
	DialTimeout time.Duration      // DialTimeout bounds dials made without a deadline
}

// Handler answers a request from a peer.
type Handler func(*Peer, []byte) ([]byte, error)

// Node is a QUIC endpoint that serves and issues request/response exchanges.
// Peers are identified by the ed25519 key in their TLS certificate. Peers in
// the address book are dialed on first use and redialed after a disconnect.
type Node struct {
	publicKey   ed25519.PublicKey
	listenAddr  string
	dialTimeout time.Duration
	tlsConfig   *tls.Config
	quicConfig  *quic.Config

	listener *quic.Listener

	mu    sync.RWMutex
	peers map[string]*Peer  // peers maps key hex to live connection
	book  map[string]string // book maps key hex to dial address

	dials singleflight.Group // dials collapses concurrent dials per key

	handler   Handler
	handlerMu sync.RWMutex

	ctx    context.Context    // ctx is cancelled on Close
	cancel context.CancelFunc // cancel cancels ctx
	wg     sync.WaitGroup     // wg tracks node goroutines
}

// NewNode creates a node. Call Start to accept connections; dialing works without it.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		publicKey:   cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr:  cfg.ListenAddr,
		dialTimeout: dialTimeout,
		tlsConfig: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			ClientAuth:         tls.RequireAnyClientCert,
			InsecureSkipVerify: true, // identity is the certificate key, checked against the book
			NextProtos:         []string{alpnProtocol},
		},
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		peers:  make(map[string]*Peer),
		book:   make(map[string]string),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address, or "" if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// AddPeer records the dial address of the peer with the given key.
func (n *Node) AddPeer(pubkey ed25519.PublicKey, addr string) {
	n.mu.Lock()
	n.book[hex.EncodeToString(pubkey)] = addr
	n.mu.Unlock()
}

// Connect dials addr and accepts whatever identity answers.
func (n *Node) Connect(ctx context.Context, addr string) (*Peer, error) {
	if n.ctx.Err() != nil {
		return nil, ErrClosed
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.dialTimeout)
		defer cancel()
	}

	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	return n.register(conn, addr)
}

// Peer returns a live connection to the peer with the given key,
// dialing its address book entry when not connected.
func (n *Node) Peer(ctx context.Context, pubkey ed25519.PublicKey) (*Peer, error) {
	keyHex := hex.EncodeToString(pubkey)

	n.mu.RLock()
	p, connected := n.peers[keyHex]
	addr, known := n.book[keyHex]
	n.mu.RUnlock()

	if connected {
		return p, nil
	}

	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, keyHex[:16])
	}

	ch := n.dials.DoChan(keyHex, func() (any, error) {
		return n.dialKnown(pubkey, addr)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Peer), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dialKnown dials addr and checks that it answers with pubkey.
// It runs detached from any single caller's context.
func (n *Node) dialKnown(pubkey ed25519.PublicKey, addr string) (*Peer, error) {
	p, err := n.Connect(n.ctx, addr)
	if err != nil {
		return nil, err
	}

	if !pubkey.Equal(p.PublicKey()) {
		p.Close()
		return nil, fmt.Errorf("%w: %s answered as %s", ErrIdentityMismatch, addr, hex.EncodeToString(p.PublicKey()[:8]))
	}

	logger.Debug("peer dialed", "peer", addr)

	return p, nil
}

// Request sends data to the peer with the given key and returns its response.
func (n *Node) Request(ctx context.Context, pubkey ed25519.PublicKey, data []byte) ([]byte, error) {
	p, err := n.Peer(ctx, pubkey)
	if err != nil {
		return nil, err
	}

	return p.Request(ctx, data)
}

// GetPeer returns the connected peer with the given key, or nil.
func (n *Node) GetPeer(pubkey ed25519.PublicKey) *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.peers[hex.EncodeToString(pubkey)]
}

// Peers returns all connected peers.
func (n *Node) Peers() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// OnRequest sets the handler for incoming requests.
func (n *Node) OnRequest(fn Handler) {
	n.handlerMu.Lock()
	n.handler = fn
	n.handlerMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.mu.Lock()
	peers := n.peers
	n.peers = make(map[string]*Peer)
	n.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}

	n.wg.Wait()

	return nil
}

// acceptLoop registers incoming connections until the listener closes.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		if _, err := n.register(conn, conn.RemoteAddr().String()); err != nil {
			logger.Debug("rejected incoming connection", "addr", conn.RemoteAddr().String(), "error", err)
		}
	}
}

// register tracks conn as the live connection of its certificate's key and
// starts serving its streams. A previous connection for the key is replaced.
func (n *Node) register(conn *quic.Conn, addr string) (*Peer, error) {
	pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		conn.CloseWithError(1, "bad identity")
		return nil, fmt.Errorf("extract public key: %w", err)
	}

	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		node:      n,
	}

	n.mu.Lock()
	n.peers[hex.EncodeToString(pubKey)] = peer
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.serve()
	}()

	return peer, nil
}

// forget drops p if it is still the live connection for its key.
// A booked peer is redialed by the next Peer call.
func (n *Node) forget(p *Peer) {
	keyHex := hex.EncodeToString(p.publicKey)

	n.mu.Lock()
	if n.peers[keyHex] == p {
		delete(n.peers, keyHex)
	}
	n.mu.Unlock()

	logger.Debug("peer disconnected", "peer", p.address)
}

// handle runs the request handler, failing when none is set.
func (n *Node) handle(p *Peer, data []byte) ([]byte, error) {
	n.handlerMu.RLock()
	fn := n.handler
	n.handlerMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(p, data)
}
