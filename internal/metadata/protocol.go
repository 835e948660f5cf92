package metadata

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"ISMeta/internal/ism"
)

// Message types for the metadata request protocol.
const (
	msgTypeRequest  = 0x01 // Request for submodule metadata
	msgTypePositive = 0x02 // Metadata follows
	msgTypeNegative = 0x03 // Metadata unavailable
)

// Negative response reasons.
const (
	reasonNotFound    = 0x01 // No metadata for the message and module
	reasonUnsupported = 0x02 // Module type not served by the responder
	reasonFailed      = 0x03 // Provider failed
)

// requestHeaderSize is type(1) + module type(1) + module address(20).
const requestHeaderSize = 1 + 1 + common.AddressLength

// MetadataRequest asks a peer for one submodule's metadata.
type MetadataRequest struct {
	ModuleType ism.ModuleType // ModuleType is the submodule's kind
	Module     common.Address // Module is the submodule address
	Message    []byte         // Message is the packed message
}

// EncodeRequest encodes a metadata request.
// Format: [1B type] [1B module type] [20B module address] [NB packed message]
func EncodeRequest(req *MetadataRequest) []byte {
	buf := make([]byte, requestHeaderSize+len(req.Message))
	buf[0] = msgTypeRequest
	buf[1] = byte(req.ModuleType)
	copy(buf[2:requestHeaderSize], req.Module[:])
	copy(buf[requestHeaderSize:], req.Message)

	return buf
}

// DecodeRequest decodes a metadata request.
func DecodeRequest(data []byte) (*MetadataRequest, error) {
	if len(data) < requestHeaderSize {
		return nil, fmt.Errorf("request too short: %d < %d", len(data), requestHeaderSize)
	}

	if data[0] != msgTypeRequest {
		return nil, fmt.Errorf("invalid message type: 0x%02x", data[0])
	}

	req := &MetadataRequest{
		ModuleType: ism.ModuleType(data[1]),
		Module:     common.BytesToAddress(data[2:requestHeaderSize]),
		Message:    make([]byte, len(data)-requestHeaderSize),
	}
	copy(req.Message, data[requestHeaderSize:])

	return req, nil
}

// EncodePositiveResponse encodes a response carrying metadata.
// Format: [1B type] [NB metadata]
func EncodePositiveResponse(metadata []byte) []byte {
	buf := make([]byte, 1+len(metadata))
	buf[0] = msgTypePositive
	copy(buf[1:], metadata)

	return buf
}

// EncodeNegativeResponse encodes a refusal.
// Format: [1B type] [1B reason]
func EncodeNegativeResponse(reason byte) []byte {
	return []byte{msgTypeNegative, reason}
}

// DecodeResponse returns the metadata of a positive response,
// or a *RemoteError for a negative one.
func DecodeResponse(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	switch data[0] {
	case msgTypePositive:
		metadata := make([]byte, len(data)-1)
		copy(metadata, data[1:])
		return metadata, nil

	case msgTypeNegative:
		if len(data) < 2 {
			return nil, fmt.Errorf("negative response too short: %d < 2", len(data))
		}
		return nil, &RemoteError{Reason: data[1]}

	default:
		return nil, fmt.Errorf("invalid message type: 0x%02x", data[0])
	}
}

// RemoteError is a refusal returned by a peer.
type RemoteError struct {
	Reason byte // Reason is the negative response code
}

// Error implements error.
func (e *RemoteError) Error() string {
	switch e.Reason {
	case reasonNotFound:
		return "remote: metadata not found"
	case reasonUnsupported:
		return "remote: module type not supported"
	case reasonFailed:
		return "remote: provider failed"
	default:
		return fmt.Sprintf("remote: refused (reason 0x%02x)", e.Reason)
	}
}

// Is lets a not-found refusal match ErrNotFound.
func (e *RemoteError) Is(target error) bool {
	return e.Reason == reasonNotFound && target == ErrNotFound
}
