package quictransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/dcrodman/ballast/internal/packets"
	"github.com/dcrodman/ballast/internal/transport"
)

// Client is a single QUIC connection to a server.
type Client struct {
	conn   *conn
	events transport.EventQueue
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ transport.ClientTransport = (*Client)(nil)

// Dial connects to addr and opens the session stream. The server's approval
// is reported by a StatusChanged event once it arrives.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, cfg Config) (*Client, error) {
	if tlsConf == nil {
		tlsConf = &tls.Config{InsecureSkipVerify: true}
	}
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{ALPN}

	qc, err := quic.DialAddr(ctx, addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("error dialing %s: %w", addr, err)
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(disconnectCode, "")
		return nil, fmt.Errorf("error opening stream: %w", err)
	}

	c := &Client{conn: newConn(0, qc, stream)}
	if err := c.conn.writeFrame(nil); err != nil {
		_ = qc.CloseWithError(disconnectCode, "")
		return nil, fmt.Errorf("error opening session: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.readLoop(readCtx)
	return c, nil
}

func (c *Client) Conn() transport.Conn { return c.conn }

func (c *Client) readLoop(ctx context.Context) {
	defer c.wg.Done()
	go readDatagrams(ctx, c.conn, c.deliver)

	for {
		data, err := readFrame(c.conn.stream)
		if err != nil {
			if c.conn.Status() != transport.Disconnected {
				c.conn.SetStatus(transport.Disconnected)
				c.events.Push(transport.Event{
					Kind:       transport.StatusChanged,
					Conn:       c.conn,
					Disconnect: disconnectReason(err),
				})
			}
			return
		}
		if len(data) == 0 {
			if c.conn.Status() == transport.Connecting {
				c.conn.SetStatus(transport.Connected)
				c.events.Push(transport.Event{Kind: transport.StatusChanged, Conn: c.conn})
			}
			continue
		}
		c.deliver(data)
	}
}

func (c *Client) deliver(data []byte) {
	c.events.Push(transport.Event{Kind: transport.Data, Conn: c.conn, Data: data})
}

func (c *Client) Send(data []byte, method transport.DeliveryMethod) error {
	return c.conn.send(data, method)
}

func (c *Client) Poll() []transport.Event {
	return c.events.Drain()
}

func (c *Client) Close() error {
	var err error
	if c.conn.Status() != transport.Disconnected {
		err = c.conn.close(packets.NewDisconnect(packets.ReasonDisconnected, ""))
	}
	c.cancel()
	c.wg.Wait()
	return err
}
