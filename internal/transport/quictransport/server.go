// Package quictransport implements the session transport over QUIC. Reliable
// messages travel on one stream per connection and unreliable messages are
// sent as QUIC datagrams.
package quictransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/ballast/internal/packets"
	"github.com/dcrodman/ballast/internal/transport"
)

// ALPN is the application protocol negotiated by server and clients.
const ALPN = "ballast/1"

// Config contains the listener options for the QUIC server.
type Config struct {
	Address string
	TLS     *tls.Config
	// KeepAlivePeriod is how often idle connections are pinged.
	KeepAlivePeriod time.Duration
	// MaxIdleTimeout closes connections that have been silent this long.
	MaxIdleTimeout time.Duration
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: c.KeepAlivePeriod,
		MaxIdleTimeout:  c.MaxIdleTimeout,
	}
}

// Server accepts QUIC connections and exposes them as a transport.Transport.
type Server struct {
	Config Config
	Logger *logrus.Logger

	events transport.EventQueue
	nextID atomic.Uint64

	listener *quic.Listener
	socket   net.PacketConn
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[uint64]*conn
}

var _ transport.Transport = (*Server)(nil)

// Start opens the UDP socket and begins accepting connections in the
// background. Cancelling ctx stops the server.
func (s *Server) Start(ctx context.Context) error {
	tlsConf := s.Config.TLS
	if tlsConf == nil {
		generated, err := SelfSignedTLSConfig([]string{"127.0.0.1"})
		if err != nil {
			return fmt.Errorf("error generating certificate: %w", err)
		}
		tlsConf = generated
	}
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{ALPN}

	addr, err := net.ResolveUDPAddr("udp", s.Config.Address)
	if err != nil {
		return fmt.Errorf("error resolving address %s: %w", s.Config.Address, err)
	}
	socket, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("error listening on socket: %w", err)
	}
	listener, err := quic.Listen(socket, tlsConf, s.Config.quicConfig())
	if err != nil {
		_ = socket.Close()
		return fmt.Errorf("error creating quic listener: %w", err)
	}

	s.mu.Lock()
	s.conns = make(map[uint64]*conn)
	s.mu.Unlock()
	s.socket = socket
	s.listener = listener

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// LocalAddr returns the address the server is listening on once started.
func (s *Server) LocalAddr() net.Addr {
	if s.socket == nil {
		return nil
	}
	return s.socket.LocalAddr()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	s.Logger.Infof("[QUIC] waiting for connections on %v", s.socket.LocalAddr())

	for {
		qc, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.Logger.Warnf("[QUIC] failed to accept connection: %s", err)
			}
			break
		}
		s.wg.Add(1)
		go s.handleConnection(ctx, qc)
	}
	s.Logger.Infof("[QUIC] stopped accepting connections")
}

// handleConnection waits for the client's stream and then forwards frames
// from it until the connection closes.
func (s *Server) handleConnection(ctx context.Context, qc *quic.Conn) {
	defer s.wg.Done()

	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		_ = qc.CloseWithError(disconnectCode, "")
		return
	}
	// The client opens the stream with a control frame.
	if _, err := readFrame(stream); err != nil {
		_ = qc.CloseWithError(disconnectCode, "")
		return
	}

	c := newConn(s.nextID.Add(1), qc, stream)
	s.mu.Lock()
	s.conns[c.ID()] = c
	s.mu.Unlock()
	defer s.closeConnectionAndRecover(c)

	s.events.Push(transport.Event{Kind: transport.ConnectRequest, Conn: c})

	go readDatagrams(ctx, c, func(data []byte) { s.deliver(c, data) })
	for {
		data, err := readFrame(stream)
		if err != nil {
			if c.Status() != transport.Disconnected {
				c.SetStatus(transport.Disconnected)
				s.events.Push(transport.Event{
					Kind:       transport.StatusChanged,
					Conn:       c,
					Disconnect: disconnectReason(err),
				})
			}
			return
		}
		s.deliver(c, data)
	}
}

func (s *Server) deliver(c *conn, data []byte) {
	// Frames from unapproved connections and control frames are not surfaced.
	if len(data) == 0 || c.Status() != transport.Connected {
		return
	}
	s.events.Push(transport.Event{Kind: transport.Data, Conn: c, Data: data})
}

// closeConnectionAndRecover is the failsafe that catches any panics and
// removes the connection regardless of its state.
func (s *Server) closeConnectionAndRecover(c *conn) {
	if err := recover(); err != nil {
		s.Logger.Errorf("[QUIC] error in client communication with %s: error=%s, trace: %s",
			c.Endpoint(), err, debug.Stack())
		_ = c.close(packets.NewDisconnect(packets.ReasonUnknown, ""))
	}
	s.mu.Lock()
	delete(s.conns, c.ID())
	s.mu.Unlock()
}

func (s *Server) lookup(tc transport.Conn) (*conn, error) {
	c, ok := tc.(*conn)
	if !ok {
		return nil, fmt.Errorf("connection %d does not belong to this transport", tc.ID())
	}
	return c, nil
}

func (s *Server) Poll() []transport.Event {
	return s.events.Drain()
}

func (s *Server) Approve(tc transport.Conn) error {
	c, err := s.lookup(tc)
	if err != nil {
		return err
	}
	if c.Status() != transport.Connecting {
		return transport.ErrNotConnected
	}
	c.SetStatus(transport.Connected)
	return c.writeFrame(nil)
}

func (s *Server) Deny(tc transport.Conn, reason packets.DisconnectPacket) error {
	return s.Disconnect(tc, reason)
}

func (s *Server) Send(tc transport.Conn, data []byte, method transport.DeliveryMethod) error {
	c, err := s.lookup(tc)
	if err != nil {
		return err
	}
	return c.send(data, method)
}

func (s *Server) Disconnect(tc transport.Conn, reason packets.DisconnectPacket) error {
	c, err := s.lookup(tc)
	if err != nil {
		return err
	}
	if c.Status() == transport.Disconnected {
		return nil
	}
	return c.close(reason)
}

// Close disconnects every client with ServerShutdown and stops the listener.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	reason := packets.NewDisconnect(packets.ReasonServerShutdown, "")
	for _, c := range conns {
		_ = c.close(reason)
	}

	s.cancel()
	err := s.listener.Close()
	s.wg.Wait()
	if sockErr := s.socket.Close(); err == nil {
		err = sockErr
	}
	s.listener = nil
	return err
}
