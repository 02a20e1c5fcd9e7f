package netbuf

import "math"

// Reader consumes a bit-packed message written by a Buffer.
type Reader struct {
	data    []byte
	bitPos  int
	bitsLen int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data, bitsLen: 8 * len(data)}
}

// RemainingBits returns the number of unread bits.
func (r *Reader) RemainingBits() int { return r.bitsLen - r.bitPos }

// RemainingBytes returns the unread data starting at the next byte boundary.
func (r *Reader) RemainingBytes() []byte {
	pos := (r.bitPos + 7) / 8
	if pos >= len(r.data) {
		return nil
	}
	return r.data[pos:]
}

func (r *Reader) ReadBits(n int) (uint64, error) {
	if n < 0 || n > 64 {
		return 0, ErrOutOfRange
	}
	if r.RemainingBits() < n {
		return 0, ErrReadPastEnd
	}

	var v uint64
	shift := 0
	for n > 0 {
		bitPos := r.bitPos % 8
		avail := 8 - bitPos
		take := n
		if take > avail {
			take = avail
		}
		chunk := uint64(r.data[r.bitPos/8]>>uint(bitPos)) & (uint64(1)<<uint(take) - 1)
		v |= chunk << uint(shift)

		shift += take
		n -= take
		r.bitPos += take
	}
	return v, nil
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadBits(1)
	return v == 1, err
}

// ReadPadBits skips to the next byte boundary.
func (r *Reader) ReadPadBits() {
	if rem := r.bitPos % 8; rem != 0 {
		r.bitPos += 8 - rem
		if r.bitPos > r.bitsLen {
			r.bitPos = r.bitsLen
		}
	}
}

func (r *Reader) ReadUint8() (uint8, error) {
	v, err := r.ReadBits(8)
	return uint8(v), err
}

func (r *Reader) ReadUint16() (uint16, error) {
	v, err := r.ReadBits(16)
	return uint16(v), err
}

func (r *Reader) ReadUint32() (uint32, error) {
	v, err := r.ReadBits(32)
	return uint32(v), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	return r.ReadBits(64)
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadBits(32)
	return int32(uint32(v)), err
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

func (r *Reader) ReadVarUint32() (uint32, error) {
	var v uint32
	for shift := 0; shift < 35; shift += 7 {
		c, err := r.ReadUint8()
		if err != nil {
			return 0, err
		}
		v |= uint32(c&0x7F) << uint(shift)
		if c&0x80 == 0 {
			return v, nil
		}
	}
	return 0, ErrTooLong
}

// ReadBytes reads exactly n bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrOutOfRange
	}
	if r.RemainingBits() < 8*n {
		return nil, ErrReadPastEnd
	}
	out := make([]byte, n)
	if r.bitPos%8 == 0 {
		copy(out, r.data[r.bitPos/8:])
		r.bitPos += 8 * n
		return out, nil
	}
	for i := range out {
		out[i], _ = r.ReadUint8()
	}
	return out, nil
}

func (r *Reader) ReadLengthPrefixedBytes() ([]byte, error) {
	n, err := r.ReadVarUint32()
	if err != nil {
		return nil, err
	}
	if n > MaxStringLength {
		return nil, ErrTooLong
	}
	return r.ReadBytes(int(n))
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadLengthPrefixedBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) ReadRangedInteger(min, max int) (int, error) {
	if max < min {
		return 0, ErrInvalidRange
	}
	v, err := r.ReadBits(BitsForRange(min, max))
	if err != nil {
		return 0, err
	}
	out := min + int(v)
	if out > max {
		return 0, ErrOutOfRange
	}
	return out, nil
}
