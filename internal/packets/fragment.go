package packets

import (
	"errors"
	"fmt"

	"github.com/dcrodman/ballast/internal/netbuf"
)

const (
	// DefaultMaxFragmentSize is used when no fragment size is configured.
	DefaultMaxFragmentSize = 1200
	// MaxFragmentCount is the most fragments a single message may be split into.
	MaxFragmentCount = 1024
	// maxPartialMessages is the number of incomplete messages a Defragmenter
	// tracks before evicting the oldest.
	maxPartialMessages = 8

	fragmentHeaderSize = 6
)

var ErrBadFragment = errors.New("bad fragment")

// Fragmenter splits outbound messages that don't fit in a single frame.
type Fragmenter struct {
	maxSize int
	nextID  uint16
}

func NewFragmenter(maxSize int) *Fragmenter {
	if maxSize <= fragmentHeaderSize {
		maxSize = DefaultMaxFragmentSize
	}
	return &Fragmenter{maxSize: maxSize}
}

// Fragment returns the frames needed to carry payload. A payload that fits in
// a single frame is returned unchanged with no IsFragment flag.
func (f *Fragmenter) Fragment(header PacketHeader, payload []byte) ([]Frame, error) {
	if len(payload) <= f.maxSize {
		return []Frame{{Header: header, Payload: payload}}, nil
	}

	chunkSize := f.maxSize - fragmentHeaderSize
	count := (len(payload) + chunkSize - 1) / chunkSize
	if count > MaxFragmentCount {
		return nil, fmt.Errorf("message of %d bytes needs %d fragments (max %d)", len(payload), count, MaxFragmentCount)
	}

	id := f.nextID
	f.nextID++

	frames := make([]Frame, 0, count)
	for i := 0; i < count; i++ {
		end := (i + 1) * chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[i*chunkSize : end]

		buf := netbuf.NewBuffer(fragmentHeaderSize + len(chunk))
		buf.WriteUint16(id)
		buf.WriteUint16(uint16(i))
		buf.WriteUint16(uint16(count))
		buf.WriteBytes(chunk)

		frames = append(frames, Frame{Header: header | IsFragment, Payload: buf.Bytes()})
	}
	return frames, nil
}

type partialMessage struct {
	chunks   [][]byte
	received int
	size     int
	seq      uint64
}

// Defragmenter reassembles fragments produced by a Fragmenter.
type Defragmenter struct {
	partial map[uint16]*partialMessage
	seq     uint64
}

func NewDefragmenter() *Defragmenter {
	return &Defragmenter{partial: make(map[uint16]*partialMessage)}
}

// Pending returns the number of incomplete messages being tracked.
func (d *Defragmenter) Pending() int { return len(d.partial) }

// Add consumes the payload of an IsFragment frame. Once the last missing piece
// arrives the reassembled message is returned with complete set to true.
func (d *Defragmenter) Add(payload []byte) (message []byte, complete bool, err error) {
	r := netbuf.NewReader(payload)
	id, err := r.ReadUint16()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrBadFragment, err)
	}
	index, err := r.ReadUint16()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrBadFragment, err)
	}
	count, err := r.ReadUint16()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrBadFragment, err)
	}
	if count == 0 || count > MaxFragmentCount || index >= count {
		return nil, false, fmt.Errorf("%w: fragment %d of %d", ErrBadFragment, index, count)
	}
	chunk := r.RemainingBytes()

	msg, ok := d.partial[id]
	if !ok {
		d.evictIfFull()
		d.seq++
		msg = &partialMessage{chunks: make([][]byte, count), seq: d.seq}
		d.partial[id] = msg
	}
	if len(msg.chunks) != int(count) {
		delete(d.partial, id)
		return nil, false, fmt.Errorf("%w: fragment count changed for message %d", ErrBadFragment, id)
	}
	if msg.chunks[index] != nil {
		// Duplicate delivery.
		return nil, false, nil
	}
	if msg.size+len(chunk) > MaxMessageSize {
		delete(d.partial, id)
		return nil, false, fmt.Errorf("%w: reassembled message too large", ErrBadFragment)
	}

	msg.chunks[index] = append([]byte{}, chunk...)
	msg.received++
	msg.size += len(chunk)
	if msg.received < len(msg.chunks) {
		return nil, false, nil
	}

	delete(d.partial, id)
	out := make([]byte, 0, msg.size)
	for _, c := range msg.chunks {
		out = append(out, c...)
	}
	return out, true, nil
}

func (d *Defragmenter) evictIfFull() {
	if len(d.partial) < maxPartialMessages {
		return
	}
	var oldestID uint16
	var oldest *partialMessage
	for id, msg := range d.partial {
		if oldest == nil || msg.seq < oldest.seq {
			oldestID, oldest = id, msg
		}
	}
	delete(d.partial, oldestID)
}
