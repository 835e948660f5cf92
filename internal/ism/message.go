package ism

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// messageHeaderSize is the fixed prefix of a packed message before the body.
// version(1) + nonce(4) + origin(4) + sender(32) + destination(4) + recipient(32)
const messageHeaderSize = 77

// Message is a dispatched cross-chain message.
type Message struct {
	Version     uint8       // Version is the message format version
	Nonce       uint32      // Nonce is the origin mailbox's dispatch counter
	Origin      uint32      // Origin is the origin domain ID
	Sender      common.Hash // Sender is the left-padded sender address
	Destination uint32      // Destination is the destination domain ID
	Recipient   common.Hash // Recipient is the left-padded recipient address
	Body        []byte      // Body is the application payload
}

// Encode packs the message into its wire form.
// Format: [1B version] [4B nonce] [4B origin] [32B sender] [4B destination] [32B recipient] [NB body]
func (m *Message) Encode() []byte {
	buf := make([]byte, messageHeaderSize+len(m.Body))

	buf[0] = m.Version
	binary.BigEndian.PutUint32(buf[1:5], m.Nonce)
	binary.BigEndian.PutUint32(buf[5:9], m.Origin)
	copy(buf[9:41], m.Sender[:])
	binary.BigEndian.PutUint32(buf[41:45], m.Destination)
	copy(buf[45:77], m.Recipient[:])
	copy(buf[77:], m.Body)

	return buf
}

// ID returns the keccak256 hash of the packed message.
func (m *Message) ID() common.Hash {
	return crypto.Keccak256Hash(m.Encode())
}

// DecodeMessage unpacks a message from its wire form.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) < messageHeaderSize {
		return nil, fmt.Errorf("message too short: %d < %d", len(data), messageHeaderSize)
	}

	m := &Message{
		Version:     data[0],
		Nonce:       binary.BigEndian.Uint32(data[1:5]),
		Origin:      binary.BigEndian.Uint32(data[5:9]),
		Destination: binary.BigEndian.Uint32(data[41:45]),
		Body:        make([]byte, len(data)-messageHeaderSize),
	}
	copy(m.Sender[:], data[9:41])
	copy(m.Recipient[:], data[45:77])
	copy(m.Body, data[77:])

	return m, nil
}
