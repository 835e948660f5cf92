package metadata

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"ISMeta/internal/ism"
	"ISMeta/internal/storage"
)

// ErrCorrupt is returned when a stored entry fails its checksum.
var ErrCorrupt = errors.New("stored metadata corrupt")

// keyPrefix namespaces metadata entries in the key-value store.
var keyPrefix = []byte("meta:")

// checksumSize is the length of the blake3 checksum stored before each value.
const checksumSize = 32

// Entry is one submodule's metadata for a message.
type Entry struct {
	Module   common.Address // Module is the submodule address
	Metadata []byte         // Metadata is the submodule's proof blob
}

// Store keeps prefetched submodule metadata in a key-value store.
// Key: "meta:" | messageID(32) | module(20). Value: blake3(raw) | zstd(raw).
type Store struct {
	db      *storage.Storage // db is the backing key-value store
	encoder *zstd.Encoder    // encoder compresses values
	decoder *zstd.Decoder    // decoder decompresses values
}

// NewStore wraps db. The store does not own db.
func NewStore(db *storage.Storage) (*Store, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}

	return &Store{db: db, encoder: encoder, decoder: decoder}, nil
}

// Close releases the compression state.
func (s *Store) Close() {
	s.encoder.Close()
	s.decoder.Close()
}

// Put stores the entries for a message atomically.
func (s *Store) Put(messageID common.Hash, entries ...Entry) error {
	return s.db.Update(func(b *storage.Batch) error {
		for _, e := range entries {
			if err := b.Put(storeKey(messageID, e.Module), s.pack(e.Metadata)); err != nil {
				return fmt.Errorf("stage %s:\n%w", e.Module.Hex(), err)
			}
		}

		return nil
	})
}

// Get returns the metadata stored for a message and module.
func (s *Store) Get(messageID common.Hash, module common.Address) ([]byte, error) {
	value, ok, err := s.db.Get(storeKey(messageID, module))
	if err != nil {
		return nil, fmt.Errorf("read %s:\n%w", module.Hex(), err)
	}

	if !ok {
		return nil, fmt.Errorf("%w: message %s module %s", ErrNotFound, messageID.Hex(), module.Hex())
	}

	return s.unpack(value)
}

// Entries returns every entry stored for a message, ordered by module address.
func (s *Store) Entries(messageID common.Hash) ([]Entry, error) {
	prefix := messagePrefix(messageID)

	var entries []Entry

	err := s.db.Scan(prefix, func(key, value []byte) error {
		raw, err := s.unpack(value)
		if err != nil {
			return err
		}

		entries = append(entries, Entry{
			Module:   common.BytesToAddress(key[len(prefix):]),
			Metadata: raw,
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Forget deletes every entry stored for a message.
func (s *Store) Forget(messageID common.Hash) error {
	return s.db.DeletePrefix(messagePrefix(messageID))
}

// Build serves a submodule's metadata from the store.
func (s *Store) Build(_ context.Context, msg *ism.Message, module *ism.ModuleConfig) ([]byte, error) {
	return s.Get(msg.ID(), module.Address)
}

// pack prefixes the compressed value with the checksum of the raw value.
// Empty values are stored as the checksum alone.
func (s *Store) pack(raw []byte) []byte {
	sum := blake3.Sum256(raw)

	out := make([]byte, checksumSize, checksumSize+len(raw))
	copy(out, sum[:])

	if len(raw) == 0 {
		return out
	}

	return s.encoder.EncodeAll(raw, out)
}

// unpack decompresses a stored value and verifies its checksum.
func (s *Store) unpack(value []byte) ([]byte, error) {
	if len(value) < checksumSize {
		return nil, fmt.Errorf("%w: value of %d bytes", ErrCorrupt, len(value))
	}

	raw := []byte{}

	if len(value) > checksumSize {
		decoded, err := s.decoder.DecodeAll(value[checksumSize:], raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		raw = decoded
	}

	sum := blake3.Sum256(raw)
	if !bytes.Equal(sum[:], value[:checksumSize]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	return raw, nil
}

// messagePrefix returns the key prefix of every entry for a message.
func messagePrefix(messageID common.Hash) []byte {
	key := make([]byte, 0, len(keyPrefix)+common.HashLength+common.AddressLength)
	key = append(key, keyPrefix...)

	return append(key, messageID[:]...)
}

// storeKey returns the key of one message and module entry.
func storeKey(messageID common.Hash, module common.Address) []byte {
	return append(messagePrefix(messageID), module[:]...)
}
