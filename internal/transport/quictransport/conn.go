package quictransport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/dcrodman/ballast/internal/packets"
	"github.com/dcrodman/ballast/internal/transport"
)

// Reliable frames are written to a single bidirectional stream, each prefixed
// with its length as a little-endian uint32. A zero length frame is a control
// frame: the client opens the stream with one and the server answers with one
// to signal approval.
const (
	frameHeaderSize = 4
	maxFrameSize    = packets.MaxMessageSize + 64

	disconnectCode quic.ApplicationErrorCode = 0x1
)

var errFrameTooLarge = errors.New("frame exceeds maximum size")

type conn struct {
	*transport.BaseConn
	qc     *quic.Conn
	stream *quic.Stream

	writeMu sync.Mutex
}

func newConn(id uint64, qc *quic.Conn, stream *quic.Stream) *conn {
	return &conn{
		BaseConn: transport.NewBaseConn(id, qc.RemoteAddr()),
		qc:       qc,
		stream:   stream,
	}
}

func (c *conn) writeFrame(data []byte) error {
	if len(data) > maxFrameSize {
		return errFrameTooLarge
	}
	frame := make([]byte, frameHeaderSize+len(data))
	binary.LittleEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[frameHeaderSize:], data)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.stream.Write(frame)
	return err
}

func (c *conn) send(data []byte, method transport.DeliveryMethod) error {
	if c.Status() != transport.Connected {
		return transport.ErrNotConnected
	}
	if len(data) == 0 {
		return nil
	}
	if method == transport.Unreliable {
		err := c.qc.SendDatagram(data)
		var tooLarge *quic.DatagramTooLargeError
		if !errors.As(err, &tooLarge) {
			return err
		}
		// Fall back to the stream for payloads that don't fit in a datagram.
	}
	return c.writeFrame(data)
}

func (c *conn) close(reason packets.DisconnectPacket) error {
	c.SetStatus(transport.Disconnected)
	return c.qc.CloseWithError(disconnectCode, string(reason.Encode()))
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", errFrameTooLarge, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// disconnectReason extracts the structured reason from a connection error,
// if the remote end supplied one.
func disconnectReason(err error) *packets.DisconnectPacket {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == disconnectCode {
		if reason, decodeErr := packets.DecodeDisconnectPacket([]byte(appErr.ErrorMessage)); decodeErr == nil {
			return &reason
		}
	}
	reason := packets.NewDisconnect(packets.ReasonDisconnected, "")
	var idleErr *quic.IdleTimeoutError
	if errors.As(err, &idleErr) {
		reason.Reason = packets.ReasonTimeout
	}
	return &reason
}

// readDatagrams forwards unreliable frames until the connection closes.
func readDatagrams(ctx context.Context, c *conn, deliver func([]byte)) {
	for {
		data, err := c.qc.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		deliver(data)
	}
}
