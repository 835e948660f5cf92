package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"ISMeta/internal/aggregation"
	"ISMeta/internal/ism"
	"ISMeta/internal/logger"
	"ISMeta/internal/metadata"
	"ISMeta/internal/network"
	"ISMeta/internal/storage"
)

// leafTypes are the module types served from the store and remote peers.
var leafTypes = []ism.ModuleType{
	ism.TypeRouting,
	ism.TypeLegacyMultisig,
	ism.TypeMerkleRootMultisig,
	ism.TypeMessageIDMultisig,
	ism.TypeCCIPRead,
}

// Node is a metadata node: a local store, peer connections and a dispatcher.
type Node struct {
	cfg        *FileConfig          // cfg is the loaded configuration
	storage    *storage.Storage     // storage is the backing key-value store
	store      *metadata.Store      // store serves prefetched metadata
	network    *network.Node        // network is nil until initNetwork
	dispatcher *metadata.Dispatcher // dispatcher builds metadata by module type
}

// NewNode opens the store described by cfg.
func NewNode(cfg *FileConfig) (*Node, error) {
	n := &Node{cfg: cfg}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	return n, nil
}

// initStorage opens the Pebble database and the metadata store over it.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.Open(n.cfg.DataPath+"/db", storage.Options{})
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	store, err := metadata.NewStore(db)
	if err != nil {
		db.Close()
		return fmt.Errorf("init store:\n%w", err)
	}

	n.storage = db
	n.store = store

	return nil
}

// initNetwork creates the QUIC node, connects the configured peers and
// wires the dispatcher over the store and those peers.
func (n *Node) initNetwork() error {
	priv, err := loadOrGenerateKey(n.cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := network.NewNode(network.Config{
		PrivateKey: priv,
		ListenAddr: n.cfg.Listen,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node

	timeout, _ := n.cfg.timeout()
	remotes := make(map[ism.ModuleType][]aggregation.Provider)

	for _, p := range n.cfg.Peers {
		pubkey, _ := p.publicKey()

		n.connectPeer(p.Address, pubkey)

		remote := metadata.NewRemoteProvider(node, pubkey, timeout)
		for _, name := range p.Types {
			t, _ := ism.ParseModuleType(name)
			remotes[t] = append(remotes[t], remote)
		}
	}

	n.dispatcher = metadata.NewDispatcher()

	for _, t := range leafTypes {
		chain := metadata.Chain{n.store}
		chain = append(chain, remotes[t]...)
		n.dispatcher.Register(t, chain)
	}

	return nil
}

// connectPeer books a configured peer and dials it once so unreachable
// peers show up at startup. Later requests redial on demand.
func (n *Node) connectPeer(addr string, pubkey ed25519.PublicKey) {
	n.network.AddPeer(pubkey, addr)

	peer, err := n.network.Peer(context.Background(), pubkey)
	if err != nil {
		logger.Warn("peer unreachable", "addr", addr, "error", err)
		return
	}

	logger.Info("connected to peer",
		"addr", peer.Address(),
		"pubkey", hex.EncodeToString(pubkey[:8]),
	)
}

// Serve answers peer metadata requests until a shutdown signal.
func (n *Node) Serve() error {
	if err := n.initNetwork(); err != nil {
		return err
	}

	n.network.OnRequest(n.requestHandler())

	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	logger.Info("serving metadata",
		"pubkey", hex.EncodeToString(n.network.PublicKey()),
		"quic", n.network.Addr(),
		"data", n.cfg.DataPath,
		"peers", len(n.cfg.Peers),
	)

	return n.waitForShutdown()
}

// requestHandler answers peers from the local store only. Forwarding a miss
// to remote providers would let two peers that list each other bounce a
// request back and forth.
func (n *Node) requestHandler() network.Handler {
	return metadata.NewHandler(n.store).HandleRequest
}

// Build builds the metadata for msg under the configured ISM.
func (n *Node) Build(ctx context.Context, msg *ism.Message) ([]byte, error) {
	module, err := n.cfg.ISM.moduleConfig()
	if err != nil {
		return nil, fmt.Errorf("ism config:\n%w", err)
	}

	if n.dispatcher == nil {
		if err := n.initNetwork(); err != nil {
			return nil, err
		}
	}

	start := time.Now()

	blob, err := n.dispatcher.Build(ctx, msg, module)
	if err != nil {
		return nil, err
	}

	logger.Info("metadata built",
		"message", msg.ID().Hex(),
		"type", module.Type,
		"len", len(blob),
		logger.Timed(start),
	)

	return blob, nil
}

// Put stores metadata for one submodule of a message.
func (n *Node) Put(msg *ism.Message, module common.Address, data []byte) error {
	return n.store.Put(msg.ID(), metadata.Entry{Module: module, Metadata: data})
}

// waitForShutdown blocks until SIGINT or SIGTERM, then closes the node.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components.
func (n *Node) Close() error {
	if n.network != nil {
		n.network.Close()
	}

	if n.store != nil {
		n.store.Close()
	}

	if n.storage != nil {
		return n.storage.Close()
	}

	return nil
}

// openNode loads the config at path and opens its node.
func openNode(path string) (*Node, error) {
	cfg, err := loadFileConfig(path)
	if err != nil {
		return nil, err
	}

	return NewNode(cfg)
}

// runServe implements "ismeta serve".
func runServe(args []string) error {
	var cf commonFlags

	fs := newFlagSet("serve", &cf)
	if err := fs.Parse(args); err != nil {
		return err
	}

	initLogging(cf.debug)

	n, err := openNode(cf.configPath)
	if err != nil {
		return err
	}

	if err := n.Serve(); err != nil {
		n.Close()
		return err
	}

	return nil
}

// runBuild implements "ismeta build".
func runBuild(args []string) error {
	var (
		cf      commonFlags
		message string
		wait    time.Duration
	)

	fs := newFlagSet("build", &cf)
	fs.StringVar(&message, "message", "", "hex-encoded message")
	fs.DurationVar(&wait, "timeout", 30*time.Second, "overall build timeout")

	if err := fs.Parse(args); err != nil {
		return err
	}

	initLogging(cf.debug)

	msg, err := parseMessage(message)
	if err != nil {
		return err
	}

	n, err := openNode(cf.configPath)
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	blob, err := n.Build(ctx, msg)
	if err != nil {
		return fmt.Errorf("build metadata:\n%w", err)
	}

	fmt.Println(hexutil.Encode(blob))

	return nil
}

// runPut implements "ismeta put".
func runPut(args []string) error {
	var (
		cf      commonFlags
		message string
		module  string
		data    string
	)

	fs := newFlagSet("put", &cf)
	fs.StringVar(&message, "message", "", "hex-encoded message")
	fs.StringVar(&module, "module", "", "submodule address")
	fs.StringVar(&data, "metadata", "0x", "hex-encoded submodule metadata")

	if err := fs.Parse(args); err != nil {
		return err
	}

	initLogging(cf.debug)

	msg, err := parseMessage(message)
	if err != nil {
		return err
	}

	if !common.IsHexAddress(module) {
		return fmt.Errorf("invalid module address %q", module)
	}

	raw, err := hexutil.Decode(data)
	if err != nil {
		return fmt.Errorf("decode metadata:\n%w", err)
	}

	n, err := openNode(cf.configPath)
	if err != nil {
		return err
	}
	defer n.Close()

	if err := n.Put(msg, common.HexToAddress(module), raw); err != nil {
		return fmt.Errorf("store metadata:\n%w", err)
	}

	logger.Info("metadata stored", "message", msg.ID().Hex(), "module", module, "len", len(raw))

	return nil
}

// runDecode implements "ismeta decode". The slot count comes from -count,
// or from the top-level module count of the configured ISM.
func runDecode(args []string) error {
	var (
		cf    commonFlags
		count int
		data  string
	)

	fs := newFlagSet("decode", &cf)
	fs.IntVar(&count, "count", -1, "number of submodules")
	fs.StringVar(&data, "metadata", "", "hex-encoded aggregation metadata")

	if err := fs.Parse(args); err != nil {
		return err
	}

	initLogging(cf.debug)

	if count < 0 {
		cfg, err := loadFileConfig(cf.configPath)
		if err != nil {
			return fmt.Errorf("no -count given:\n%w", err)
		}

		count = len(cfg.ISM.Modules)
	}

	m, err := aggregation.DecodeHex(data, count)
	if err != nil {
		return fmt.Errorf("decode metadata:\n%w", err)
	}

	for _, line := range formatSlots(m) {
		fmt.Println(line)
	}

	return nil
}

// parseMessage decodes a hex-encoded message.
func parseMessage(s string) (*ism.Message, error) {
	if s == "" {
		return nil, fmt.Errorf("-message is required")
	}

	raw, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode message hex:\n%w", err)
	}

	return ism.DecodeMessage(raw)
}

// formatSlots renders one line per slot: its index and payload, or "absent".
func formatSlots(m aggregation.Metadata) []string {
	lines := make([]string, len(m))

	for i, slot := range m {
		if slot == nil {
			lines[i] = fmt.Sprintf("%d: absent", i)
			continue
		}

		lines[i] = fmt.Sprintf("%d: %s", i, hexutil.Encode(slot))
	}

	return lines
}
