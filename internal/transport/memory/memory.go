// Package memory provides an in-process Transport. Servers and clients on the
// same Network exchange frames through goroutine-safe queues, which makes it
// suitable for tests and for hosting a server inside another process.
package memory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dcrodman/ballast/internal/packets"
	"github.com/dcrodman/ballast/internal/transport"
)

var (
	ErrAddressInUse = errors.New("address already in use")
	ErrNoServer     = errors.New("no server listening on address")
	ErrForeignConn  = errors.New("connection does not belong to this transport")
)

// Network is a namespace of in-memory listeners.
type Network struct {
	mu      sync.Mutex
	servers map[string]*Server
	nextID  atomic.Uint64
}

func NewNetwork() *Network {
	return &Network{servers: make(map[string]*Server)}
}

// Listen registers a server transport on addr. It accepts connections once started.
func (n *Network) Listen(addr string) (*Server, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.servers[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, addr)
	}
	s := &Server{network: n, addr: addr, conns: make(map[uint64]*conn)}
	n.servers[addr] = s
	return s, nil
}

// Dial connects to the server on serverAddr as if from clientAddr, which must
// be a host:port pair. The returned client is usable once the server approves
// the connection.
func (n *Network) Dial(serverAddr, clientAddr string) (*Client, error) {
	remote, err := net.ResolveUDPAddr("udp", clientAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving client address: %w", err)
	}

	n.mu.Lock()
	s, ok := n.servers[serverAddr]
	n.mu.Unlock()
	if !ok || !s.running() {
		return nil, fmt.Errorf("%w: %s", ErrNoServer, serverAddr)
	}

	c := &conn{BaseConn: transport.NewBaseConn(n.nextID.Add(1), remote), server: s}
	c.client = &Client{conn: c}
	s.addConn(c)
	s.events.Push(transport.Event{Kind: transport.ConnectRequest, Conn: c})
	return c.client, nil
}

func (n *Network) remove(addr string) {
	n.mu.Lock()
	delete(n.servers, addr)
	n.mu.Unlock()
}

type conn struct {
	*transport.BaseConn
	server *Server
	client *Client
}

// Server is the server side of the in-memory transport.
type Server struct {
	network *Network
	addr    string
	events  transport.EventQueue

	mu      sync.Mutex
	started bool
	closed  bool
	conns   map[uint64]*conn
}

var _ transport.Transport = (*Server)(nil)

func (s *Server) Addr() string { return s.addr }

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	s.started = true
	return nil
}

func (s *Server) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.closed
}

func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = map[uint64]*conn{}
	s.mu.Unlock()

	reason := packets.NewDisconnect(packets.ReasonServerShutdown, "")
	for _, c := range conns {
		c.client.deliverDisconnect(reason)
	}
	s.network.remove(s.addr)
	return nil
}

func (s *Server) Poll() []transport.Event {
	return s.events.Drain()
}

func (s *Server) addConn(c *conn) {
	s.mu.Lock()
	s.conns[c.ID()] = c
	s.mu.Unlock()
}

func (s *Server) lookup(tc transport.Conn) (*conn, error) {
	c, ok := tc.(*conn)
	if !ok || c.server != s {
		return nil, ErrForeignConn
	}
	return c, nil
}

func (s *Server) release(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.ID())
	s.mu.Unlock()
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
	c.client.events.Push(transport.Event{Kind: transport.StatusChanged, Conn: c})
	return nil
}

func (s *Server) Deny(tc transport.Conn, reason packets.DisconnectPacket) error {
	return s.Disconnect(tc, reason)
}

func (s *Server) Send(tc transport.Conn, data []byte, method transport.DeliveryMethod) error {
	c, err := s.lookup(tc)
	if err != nil {
		return err
	}
	if c.Status() != transport.Connected {
		return transport.ErrNotConnected
	}
	c.client.events.Push(transport.Event{Kind: transport.Data, Conn: c, Data: append([]byte{}, data...)})
	return nil
}

// Disconnect closes the connection and delivers reason to the client. No
// event is raised on the server side for disconnects it initiates.
func (s *Server) Disconnect(tc transport.Conn, reason packets.DisconnectPacket) error {
	c, err := s.lookup(tc)
	if err != nil {
		return err
	}
	if c.Status() == transport.Disconnected {
		return nil
	}
	s.release(c)
	c.client.deliverDisconnect(reason)
	return nil
}

// Client is the client side of an in-memory connection.
type Client struct {
	conn   *conn
	events transport.EventQueue
}

var _ transport.ClientTransport = (*Client)(nil)

func (c *Client) Conn() transport.Conn { return c.conn }

func (c *Client) deliverDisconnect(reason packets.DisconnectPacket) {
	c.conn.SetStatus(transport.Disconnected)
	c.events.Push(transport.Event{Kind: transport.StatusChanged, Conn: c.conn, Disconnect: &reason})
}

func (c *Client) Send(data []byte, method transport.DeliveryMethod) error {
	if c.conn.Status() != transport.Connected {
		return transport.ErrNotConnected
	}
	c.conn.server.events.Push(transport.Event{Kind: transport.Data, Conn: c.conn, Data: append([]byte{}, data...)})
	return nil
}

func (c *Client) Poll() []transport.Event {
	return c.events.Drain()
}

// Close disconnects from the server, which observes a StatusChanged event.
func (c *Client) Close() error {
	if c.conn.Status() == transport.Disconnected {
		return nil
	}
	c.conn.SetStatus(transport.Disconnected)
	c.conn.server.release(c.conn)
	reason := packets.NewDisconnect(packets.ReasonDisconnected, "")
	c.conn.server.events.Push(transport.Event{Kind: transport.StatusChanged, Conn: c.conn, Disconnect: &reason})
	return nil
}
