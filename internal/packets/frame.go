package packets

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
	"github.com/pierrec/lz4/v4"

	"github.com/dcrodman/ballast/internal/netbuf"
)

// MaxMessageSize bounds the size of any decoded (and decompressed) payload.
const MaxMessageSize = 1 << 20

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrDecompress     = errors.New("failed to decompress payload")
)

// Frame is a single message as it appears on the wire: header bitfield, the
// handshake step if IsConnectionInitializationStep is set, and the payload.
type Frame struct {
	Header  PacketHeader
	Step    ConnectionInitialization
	Payload []byte
}

func (f Frame) IsInitializationStep() bool { return f.Header.Has(IsConnectionInitializationStep) }

// EncodeFrame serializes f. Payloads larger than compressThreshold bytes are
// lz4 compressed if doing so makes them smaller; a threshold <= 0 disables
// compression entirely.
func EncodeFrame(f Frame, compressThreshold int) ([]byte, error) {
	if len(f.Payload) > MaxMessageSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds maximum of %d", len(f.Payload), MaxMessageSize)
	}

	header := f.Header &^ IsCompressed
	payload := f.Payload
	if compressThreshold > 0 && len(payload) > compressThreshold {
		compressed, err := compress(payload)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(payload) {
			header |= IsCompressed
			payload = compressed
		}
	}

	buf := netbuf.NewBuffer(len(payload) + 8)
	buf.WriteUint8(uint8(header))
	if header.Has(IsConnectionInitializationStep) {
		buf.WriteUint8(uint8(f.Step))
	}
	buf.WriteLengthPrefixedBytes(payload)
	return buf.Bytes(), nil
}

// DecodeFrame parses a frame produced by EncodeFrame, decompressing the
// payload when flagged. Any inconsistency is reported as ErrMalformedFrame.
func DecodeFrame(data []byte) (Frame, error) {
	r := netbuf.NewReader(data)

	h, err := r.ReadUint8()
	if err != nil {
		return Frame{}, fmt.Errorf("%w: reading header: %v", ErrMalformedFrame, err)
	}
	f := Frame{Header: PacketHeader(h)}
	if f.Header&^knownHeaderBits != 0 {
		return Frame{}, fmt.Errorf("%w: unknown header bits %08b", ErrMalformedFrame, h)
	}

	if f.IsInitializationStep() {
		step, err := r.ReadUint8()
		if err != nil {
			return Frame{}, fmt.Errorf("%w: reading step: %v", ErrMalformedFrame, err)
		}
		f.Step = ConnectionInitialization(step)
		if !f.Step.Valid() {
			return Frame{}, fmt.Errorf("%w: unknown step %d", ErrMalformedFrame, step)
		}
	}

	length, err := r.ReadVarUint32()
	if err != nil {
		return Frame{}, fmt.Errorf("%w: reading length: %v", ErrMalformedFrame, err)
	}
	if length > MaxMessageSize {
		return Frame{}, fmt.Errorf("%w: payload length %d too large", ErrMalformedFrame, length)
	}
	payload, err := r.ReadBytes(int(length))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: reading payload: %v", ErrMalformedFrame, err)
	}
	if r.RemainingBits() > 0 {
		return Frame{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, r.RemainingBits()/8)
	}

	if f.Header.Has(IsCompressed) {
		if payload, err = decompress(payload); err != nil {
			return Frame{}, err
		}
	}
	f.Payload = payload
	return f, nil
}

// Dump renders a frame for packet logging.
func Dump(direction string, f Frame) string {
	return fmt.Sprintf("%s frame (header=%06b step=%v len=%d)\n%s",
		direction, uint8(f.Header), f.Step, len(f.Payload), spew.Sdump(f.Payload))
}

func compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(src []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(src))
	out, err := io.ReadAll(io.LimitReader(zr, MaxMessageSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	if len(out) > MaxMessageSize {
		return nil, fmt.Errorf("%w: decompressed payload too large", ErrDecompress)
	}
	return out, nil
}
