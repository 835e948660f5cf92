package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize is the largest request or response payload (16 MiB).
const MaxMessageSize = 16 << 20

// lengthPrefixSize is the size of the frame length prefix.
const lengthPrefixSize = 4

// ErrMessageTooLarge is returned for frames over MaxMessageSize.
var ErrMessageTooLarge = errors.New("network: message too large")

// writeMessage writes data as one frame: [4B big-endian length] [payload].
func writeMessage(w io.Writer, data []byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	frame := binary.BigEndian.AppendUint32(make([]byte, 0, lengthPrefixSize+len(data)), uint32(len(data)))
	frame = append(frame, data...)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// readMessage reads one frame written by writeMessage.
func readMessage(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return data, nil
}
