// Package transport hides the concrete network library behind the small
// surface the session layer needs: connection approval, framed sends and a
// per-tick queue of inbound events.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/dcrodman/ballast/internal/auth"
	"github.com/dcrodman/ballast/internal/packets"
)

var (
	ErrAccountInfoSet = errors.New("account info already set for connection")
	ErrClosed         = errors.New("transport closed")
	ErrNotConnected   = errors.New("connection is not connected")
)

type Status int

const (
	Connecting Status = iota
	Connected
	Disconnected
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	}
	return "Unknown"
}

type DeliveryMethod int

const (
	Unreliable DeliveryMethod = iota
	Reliable
)

// Conn is a transport-level handle for a single remote peer.
type Conn interface {
	ID() uint64
	RemoteAddr() net.Addr
	// Endpoint is the remote IP address without the port, which is what bans
	// and saved permissions are keyed on.
	Endpoint() string
	Status() Status

	AccountInfo() auth.AccountInfo
	// SetAccountInfo may only be called once per session unless the info is
	// cleared first; otherwise ErrAccountInfoSet is returned.
	SetAccountInfo(info auth.AccountInfo) error
	ClearAccountInfo()
}

// BaseConn implements the bookkeeping shared by every Conn implementation.
type BaseConn struct {
	id   uint64
	addr net.Addr

	mu        sync.Mutex
	status    Status
	info      auth.AccountInfo
	infoIsSet bool
}

func NewBaseConn(id uint64, addr net.Addr) *BaseConn {
	return &BaseConn{id: id, addr: addr, status: Connecting}
}

func (c *BaseConn) ID() uint64           { return c.id }
func (c *BaseConn) RemoteAddr() net.Addr { return c.addr }

func (c *BaseConn) Endpoint() string {
	return EndpointOf(c.addr)
}

func (c *BaseConn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *BaseConn) SetStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *BaseConn) AccountInfo() auth.AccountInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *BaseConn) SetAccountInfo(info auth.AccountInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.infoIsSet {
		return ErrAccountInfoSet
	}
	c.info = info
	c.infoIsSet = true
	return nil
}

func (c *BaseConn) ClearAccountInfo() {
	c.mu.Lock()
	c.info = auth.AccountInfo{}
	c.infoIsSet = false
	c.mu.Unlock()
}

// EndpointOf returns the IP portion of addr, or its string form if it has none.
func EndpointOf(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.TCPAddr:
		return a.IP.String()
	case nil:
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// IsLoopback reports whether the connection originates from this machine.
func IsLoopback(c Conn) bool {
	ip := net.ParseIP(c.Endpoint())
	return ip != nil && ip.IsLoopback()
}

type EventKind int

const (
	// ConnectRequest is raised for a new remote peer awaiting Approve or Deny.
	ConnectRequest EventKind = iota
	// Data carries a single inbound frame.
	Data
	// StatusChanged reports that the connection was closed by the remote end
	// or the transport.
	StatusChanged
)

type Event struct {
	Kind EventKind
	Conn Conn
	Data []byte
	// Disconnect is the structured reason for a StatusChanged event, when one
	// was delivered.
	Disconnect *packets.DisconnectPacket
}

// Transport is the server side of a network transport. Poll is called once
// per tick from the server loop; every other method may be called from it.
type Transport interface {
	Start(ctx context.Context) error
	Close() error
	// Poll drains all events queued since the previous call.
	Poll() []Event

	Approve(conn Conn) error
	Deny(conn Conn, reason packets.DisconnectPacket) error
	Send(conn Conn, data []byte, method DeliveryMethod) error
	Disconnect(conn Conn, reason packets.DisconnectPacket) error
}

// ClientTransport is the client side of a network transport.
type ClientTransport interface {
	Send(data []byte, method DeliveryMethod) error
	Poll() []Event
	Close() error
}

// EventQueue is a goroutine-safe FIFO of events, drained by Poll.
type EventQueue struct {
	mu     sync.Mutex
	events []Event
}

func (q *EventQueue) Push(e Event) {
	q.mu.Lock()
	q.events = append(q.events, e)
	q.mu.Unlock()
}

func (q *EventQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.events
	q.events = nil
	return events
}
