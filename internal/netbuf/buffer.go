// Package netbuf implements the bit-packed message buffers used for every
// message exchanged between the server and game clients.
//
// Values are written least significant bit first and are not byte aligned
// unless WritePadBits is called, so a bool only costs a single bit on the wire.
package netbuf

import (
	"errors"
	"math"
	"math/bits"
)

var (
	ErrReadPastEnd  = errors.New("netbuf: read past end of message")
	ErrTooLong      = errors.New("netbuf: length exceeds maximum")
	ErrOutOfRange   = errors.New("netbuf: value out of range")
	ErrInvalidRange = errors.New("netbuf: invalid range")
)

// MaxStringLength is the upper bound on string and blob lengths accepted by
// a Reader. Anything longer is treated as malformed data.
const MaxStringLength = 1 << 16

// Buffer is an append-only bit writer.
type Buffer struct {
	data    []byte
	bitsLen int
}

// NewBuffer returns an empty Buffer with room for capacity bytes.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity)}
}

// Bytes returns the written data. The final byte is zero padded when the
// length in bits isn't a multiple of eight.
func (b *Buffer) Bytes() []byte { return b.data }

// LengthBits returns the number of bits written so far.
func (b *Buffer) LengthBits() int { return b.bitsLen }

// LengthBytes returns the number of bytes needed to hold the written bits.
func (b *Buffer) LengthBytes() int { return len(b.data) }

// Reset clears the buffer while retaining its capacity.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.bitsLen = 0
}

// WriteBits writes the n low bits of v.
func (b *Buffer) WriteBits(v uint64, n int) {
	for n > 0 {
		bitPos := b.bitsLen % 8
		if bitPos == 0 {
			b.data = append(b.data, 0)
		}
		free := 8 - bitPos
		take := n
		if take > free {
			take = free
		}
		mask := uint64(1)<<uint(take) - 1
		b.data[len(b.data)-1] |= byte((v & mask) << uint(bitPos))

		v >>= uint(take)
		n -= take
		b.bitsLen += take
	}
}

func (b *Buffer) WriteBool(v bool) {
	if v {
		b.WriteBits(1, 1)
	} else {
		b.WriteBits(0, 1)
	}
}

// WritePadBits aligns the write position to the next byte boundary.
func (b *Buffer) WritePadBits() {
	if rem := b.bitsLen % 8; rem != 0 {
		b.bitsLen += 8 - rem
	}
}

func (b *Buffer) WriteUint8(v uint8)   { b.WriteBits(uint64(v), 8) }
func (b *Buffer) WriteUint16(v uint16) { b.WriteBits(uint64(v), 16) }
func (b *Buffer) WriteUint32(v uint32) { b.WriteBits(uint64(v), 32) }
func (b *Buffer) WriteUint64(v uint64) { b.WriteBits(v, 64) }
func (b *Buffer) WriteInt32(v int32)   { b.WriteBits(uint64(uint32(v)), 32) }

func (b *Buffer) WriteFloat32(v float32) { b.WriteUint32(math.Float32bits(v)) }

// WriteVarUint32 writes v using 7 bits per byte with a continuation bit.
func (b *Buffer) WriteVarUint32(v uint32) {
	for v >= 0x80 {
		b.WriteUint8(byte(v) | 0x80)
		v >>= 7
	}
	b.WriteUint8(byte(v))
}

// WriteBytes writes p without a length prefix.
func (b *Buffer) WriteBytes(p []byte) {
	if b.bitsLen%8 == 0 {
		b.data = append(b.data, p...)
		b.bitsLen += 8 * len(p)
		return
	}
	for _, c := range p {
		b.WriteUint8(c)
	}
}

func (b *Buffer) WriteLengthPrefixedBytes(p []byte) {
	b.WriteVarUint32(uint32(len(p)))
	b.WriteBytes(p)
}

func (b *Buffer) WriteString(s string) {
	b.WriteLengthPrefixedBytes([]byte(s))
}

// WriteRangedInteger writes v in the minimum number of bits needed to
// represent any value in [min, max].
func (b *Buffer) WriteRangedInteger(v, min, max int) error {
	if max < min {
		return ErrInvalidRange
	}
	if v < min || v > max {
		return ErrOutOfRange
	}
	b.WriteBits(uint64(v-min), BitsForRange(min, max))
	return nil
}

// BitsForRange returns the number of bits a ranged integer in [min, max] occupies.
func BitsForRange(min, max int) int {
	return bits.Len64(uint64(max - min))
}
