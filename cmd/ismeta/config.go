package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"ISMeta/internal/ism"
)

const (
	defaultDataPath       = "./data"
	defaultListenAddr     = ":9400"
	defaultRequestTimeout = 10 * time.Second
)

// FileConfig is the TOML node configuration.
type FileConfig struct {
	// DataPath is the directory for the metadata store.
	DataPath string `toml:"data_path"`

	// Listen is the QUIC listen address.
	Listen string `toml:"listen"`

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string `toml:"key_path"`

	// RequestTimeout bounds each remote metadata request, e.g. "5s".
	RequestTimeout string `toml:"request_timeout"`

	// Peers are the remote metadata servers.
	Peers []PeerConfig `toml:"peers"`

	// ISM is the security module tree metadata is built for.
	ISM ModuleFile `toml:"ism"`
}

// PeerConfig is one remote metadata server.
type PeerConfig struct {
	Address   string   `toml:"address"`    // Address is the peer's QUIC address
	PublicKey string   `toml:"public_key"` // PublicKey is the peer's hex Ed25519 key
	Types     []string `toml:"types"`      // Types are the module types requested from the peer
}

// ModuleFile is the TOML form of ism.ModuleConfig.
type ModuleFile struct {
	Type      string       `toml:"type"`
	Address   string       `toml:"address"`
	Threshold int          `toml:"threshold"`
	Modules   []ModuleFile `toml:"modules"`
}

// loadFileConfig reads, defaults and validates the TOML config at path.
func loadFileConfig(path string) (*FileConfig, error) {
	cfg := &FileConfig{}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s:\n%w", path, err)
	}

	if cfg.DataPath == "" {
		cfg.DataPath = defaultDataPath
	}

	if cfg.Listen == "" {
		cfg.Listen = defaultListenAddr
	}

	if _, err := cfg.timeout(); err != nil {
		return nil, err
	}

	for i, p := range cfg.Peers {
		if _, err := p.publicKey(); err != nil {
			return nil, fmt.Errorf("peer %d: %w", i, err)
		}

		for _, name := range p.Types {
			if _, err := ism.ParseModuleType(name); err != nil {
				return nil, fmt.Errorf("peer %d: %w", i, err)
			}
		}
	}

	return cfg, nil
}

// timeout returns the parsed request timeout.
func (c *FileConfig) timeout() (time.Duration, error) {
	if c.RequestTimeout == "" {
		return defaultRequestTimeout, nil
	}

	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil {
		return 0, fmt.Errorf("request_timeout: %w", err)
	}

	return d, nil
}

// publicKey decodes the peer's hex public key.
func (p PeerConfig) publicKey() (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(p.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}

	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key: got %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}

	return ed25519.PublicKey(raw), nil
}

// moduleConfig converts the TOML module tree and validates it.
func (m ModuleFile) moduleConfig() (*ism.ModuleConfig, error) {
	cfg, err := m.convert()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// convert builds the ism.ModuleConfig for m and its children.
func (m ModuleFile) convert() (*ism.ModuleConfig, error) {
	t, err := ism.ParseModuleType(m.Type)
	if err != nil {
		return nil, err
	}

	if m.Address != "" && !common.IsHexAddress(m.Address) {
		return nil, fmt.Errorf("%w: bad address %q", ism.ErrInvalidModule, m.Address)
	}

	cfg := &ism.ModuleConfig{
		Type:      t,
		Address:   common.HexToAddress(m.Address),
		Threshold: m.Threshold,
	}

	for i, child := range m.Modules {
		sub, err := child.convert()
		if err != nil {
			return nil, fmt.Errorf("submodule %d: %w", i, err)
		}

		cfg.Modules = append(cfg.Modules, *sub)
	}

	return cfg, nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
