package aggregation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// rangeSize is the size of one offset in a header entry.
const rangeSize = 4

var (
	ErrFormat   = errors.New("aggregation: malformed metadata")
	ErrOverflow = errors.New("aggregation: metadata exceeds 32-bit offsets")
)

// Metadata holds one slot per submodule, in the order of the aggregation
// module's submodule list. A nil slot is not included; a non-nil slot is
// included even when it is empty.
type Metadata [][]byte

// Included returns the number of included slots.
func (m Metadata) Included() int {
	n := 0

	for _, s := range m {
		if s != nil {
			n++
		}
	}

	return n
}

// Range is one header entry: the payload bounds of a submodule slot.
type Range struct {
	Start uint32 // Start is the offset of the first payload byte
	End   uint32 // End is the offset one past the last payload byte
}

// Included reports whether the entry describes an included slot.
// Included payloads always start after the header, so Start is never 0.
func (r Range) Included() bool {
	return r.Start > 0
}

// rangeIndex returns the header offset of the entry for index.
func rangeIndex(index int) int {
	return index * 2 * rangeSize
}

// HeaderSize returns the header length for count submodules.
func HeaderSize(count int) int {
	return rangeIndex(count)
}

// Encode packs metadata into the aggregation wire format.
// Format: [count x (4B start, 4B end)] [included payloads in index order]
func Encode(m Metadata) ([]byte, error) {
	lengths := make([]int, len(m))
	for i, s := range m {
		lengths[i] = len(s)
	}

	total, err := encodedSize(lengths)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, HeaderSize(len(m)), total)

	for i, s := range m {
		if s == nil {
			continue
		}

		start := len(buf)
		buf = append(buf, s...)
		end := len(buf)

		at := rangeIndex(i)
		binary.BigEndian.PutUint32(buf[at:at+rangeSize], uint32(start))
		binary.BigEndian.PutUint32(buf[at+rangeSize:at+2*rangeSize], uint32(end))
	}

	return buf, nil
}

// encodedSize returns the blob length for slots of the given payload lengths.
// Every offset must fit in 32 bits.
func encodedSize(lengths []int) (uint64, error) {
	total := uint64(HeaderSize(len(lengths)))
	for _, n := range lengths {
		total += uint64(n)
	}

	if total > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d bytes", ErrOverflow, total)
	}

	return total, nil
}

// RangeAt reads the header entry for index without touching other entries.
func RangeAt(blob []byte, index int) (Range, error) {
	if index < 0 {
		return Range{}, fmt.Errorf("%w: negative index %d", ErrFormat, index)
	}

	if index >= len(blob)/HeaderSize(1) {
		return Range{}, fmt.Errorf("%w: header entry %d beyond %d bytes", ErrFormat, index, len(blob))
	}

	at := rangeIndex(index)

	return Range{
		Start: binary.BigEndian.Uint32(blob[at : at+rangeSize]),
		End:   binary.BigEndian.Uint32(blob[at+rangeSize : at+2*rangeSize]),
	}, nil
}

// Decode unpacks count submodule slots from blob.
// count is not stored in the blob and must match the value used to encode.
// Only included slots are bounds-checked: an absent slot (start 0) is
// skipped whatever its end field holds.
func Decode(blob []byte, count int) (Metadata, error) {
	if count < 0 {
		return nil, fmt.Errorf("%w: negative count %d", ErrFormat, count)
	}

	if count > len(blob)/HeaderSize(1) {
		return nil, fmt.Errorf("%w: %d bytes too short for %d header entries", ErrFormat, len(blob), count)
	}

	m := make(Metadata, count)

	for i := 0; i < count; i++ {
		r, err := RangeAt(blob, i)
		if err != nil {
			return nil, err
		}

		if !r.Included() {
			continue
		}

		if r.Start > r.End {
			return nil, fmt.Errorf("%w: slot %d start %d > end %d", ErrFormat, i, r.Start, r.End)
		}

		if uint64(r.End) > uint64(len(blob)) {
			return nil, fmt.Errorf("%w: slot %d end %d beyond %d bytes", ErrFormat, i, r.End, len(blob))
		}

		slot := make([]byte, r.End-r.Start)
		copy(slot, blob[r.Start:r.End])
		m[i] = slot
	}

	return m, nil
}

// EncodeHex encodes metadata as a 0x-prefixed hex string.
func EncodeHex(m Metadata) (string, error) {
	blob, err := Encode(m)
	if err != nil {
		return "", err
	}

	return hexutil.Encode(blob), nil
}

// DecodeHex decodes a 0x-prefixed hex string into count submodule slots.
func DecodeHex(s string, count int) (Metadata, error) {
	blob, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	return Decode(blob, count)
}
