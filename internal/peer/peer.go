// Package peer implements the server side of the session layer: connection
// approval, the handshake every client goes through before it's admitted and
// the registry of admitted clients. It also contains the matching client
// driver.
//
// ServerPeer is driven by Update from a single goroutine. Transport events and
// completed ticket verifications are only ever handled there, so none of the
// client lists need locking.
package peer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dcrodman/ballast/internal/auth"
	"github.com/dcrodman/ballast/internal/bans"
	"github.com/dcrodman/ballast/internal/content"
	"github.com/dcrodman/ballast/internal/metrics"
	"github.com/dcrodman/ballast/internal/packets"
	"github.com/dcrodman/ballast/internal/permissions"
	"github.com/dcrodman/ballast/internal/settings"
	"github.com/dcrodman/ballast/internal/transport"
)

// DefaultGameVersion is the version this server speaks.
const DefaultGameVersion = "1.0.0"

var (
	ErrMissingTransport = errors.New("peer: no transport configured")
	ErrMissingSettings  = errors.New("peer: no settings configured")
	ErrUnknownClient    = errors.New("peer: client is not connected")
	ErrNotStarted       = errors.New("peer: not started")
)

// Config holds the tunables of the session layer. Zero values are replaced
// with defaults.
type Config struct {
	// PendingTimeout is how long a pending client may go without sending a
	// valid handshake message.
	PendingTimeout time.Duration
	// StepResendInterval is how often the current handshake step is pushed
	// to a pending client.
	StepResendInterval time.Duration
	// ReconnectGracePeriod is how long after leaving a client may reconnect
	// without answering the password prompt again.
	ReconnectGracePeriod time.Duration
	// MalformedBanDuration is the length of the ban issued for undecodable
	// data from a pending client. Zero bans permanently.
	MalformedBanDuration time.Duration

	ConnectRatePerSecond float64
	ConnectBurst         int

	CompressionThreshold int
	MaxFragmentSize      int

	GameVersion          string
	MinCompatibleVersion string

	// OwnerKey is the one-time key given to whoever launched the server.
	OwnerKey int32
	// OwnerEndpoint, when set, is the endpoint the owner connects from.
	OwnerEndpoint string

	// TrustLocalClients admits loopback clients without a ticket even when
	// authentication is required. Meant for local testing only.
	TrustLocalClients bool
	PacketLogging     bool
}

func (c *Config) applyDefaults() {
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 20 * time.Second
	}
	if c.StepResendInterval <= 0 {
		c.StepResendInterval = time.Second
	}
	if c.ReconnectGracePeriod <= 0 {
		c.ReconnectGracePeriod = 5 * time.Minute
	}
	if c.ConnectRatePerSecond <= 0 {
		c.ConnectRatePerSecond = 1
	}
	if c.ConnectBurst <= 0 {
		c.ConnectBurst = 3
	}
	if c.CompressionThreshold == 0 {
		c.CompressionThreshold = 1024
	}
	if c.MaxFragmentSize <= 0 {
		c.MaxFragmentSize = packets.DefaultMaxFragmentSize
	}
	if c.GameVersion == "" {
		c.GameVersion = DefaultGameVersion
	}
	if c.MinCompatibleVersion == "" {
		c.MinCompatibleVersion = c.GameVersion
	}
}

// Options are the collaborators of a ServerPeer. Transport and Settings are
// required; the rest fall back to empty in-memory versions.
type Options struct {
	Transport   transport.Transport
	Settings    *settings.Settings
	Bans        *bans.List
	Auth        *auth.Registry
	Permissions *permissions.Store
	Content     *content.Registry
	Logger      *logrus.Logger
	Metrics     *metrics.SessionMetrics
	Config      Config
}

// ServerPeer owns every connection to the server.
type ServerPeer struct {
	// Callbacks, invoked synchronously from Update.
	OnMessageReceived        func(c *ConnectedClient, msg []byte)
	OnDisconnect             func(c *ConnectedClient, reason packets.DisconnectPacket)
	OnInitializationComplete func(c *ConnectedClient)
	OnOwnerDetermined        func(c *ConnectedClient)
	OnShutdown               func()

	transport   transport.Transport
	settings    *settings.Settings
	bans        *bans.List
	auth        *auth.Registry
	permissions *permissions.Store
	content     *content.Registry
	logger      *logrus.Logger
	metrics     *metrics.SessionMetrics
	config      Config

	gameVersion *version.Version
	minVersion  *version.Version

	// limiters holds a *rate.Limiter per endpoint.
	limiters *cache.Cache
	// recent remembers clients that left voluntarily, keyed by reconnectKey.
	recent *cache.Cache

	ctx             context.Context
	started         bool
	closed          bool
	ownerDetermined bool
	pending         []*PendingClient
	connected       []*ConnectedClient
	now             func() time.Time
}

func NewServerPeer(opts Options) (*ServerPeer, error) {
	if opts.Transport == nil {
		return nil, ErrMissingTransport
	}
	if opts.Settings == nil {
		return nil, ErrMissingSettings
	}
	cfg := opts.Config
	cfg.applyDefaults()

	gameVersion, err := version.NewVersion(cfg.GameVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid game version %q: %w", cfg.GameVersion, err)
	}
	minVersion, err := version.NewVersion(cfg.MinCompatibleVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid minimum compatible version %q: %w", cfg.MinCompatibleVersion, err)
	}

	p := &ServerPeer{
		transport:   opts.Transport,
		settings:    opts.Settings,
		bans:        opts.Bans,
		auth:        opts.Auth,
		permissions: opts.Permissions,
		content:     opts.Content,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		config:      cfg,
		gameVersion: gameVersion,
		minVersion:  minVersion,
		limiters:    cache.New(time.Minute, 5*time.Minute),
		recent:      cache.New(cfg.ReconnectGracePeriod, 2*cfg.ReconnectGracePeriod),
		now:         time.Now,
	}
	if p.bans == nil {
		if p.bans, err = bans.NewList(nil); err != nil {
			return nil, err
		}
	}
	if p.auth == nil {
		p.auth = auth.NewRegistry(0)
	}
	if p.content == nil {
		p.content = content.NewRegistry()
	}
	if p.logger == nil {
		p.logger = logrus.StandardLogger()
	}
	return p, nil
}

// Start starts the underlying transport.
func (p *ServerPeer) Start(ctx context.Context) error {
	if err := p.transport.Start(ctx); err != nil {
		return fmt.Errorf("error starting transport: %w", err)
	}
	p.ctx = ctx
	p.started = true
	p.logger.Infof("[PEER] accepting connections (version %s, minimum %s)", p.gameVersion, p.minVersion)
	return nil
}

// Close disconnects every client with ServerShutdown and closes the transport.
func (p *ServerPeer) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	shutdown := packets.NewDisconnect(packets.ReasonServerShutdown, "")
	for len(p.pending) > 0 {
		p.rejectPending(p.pending[0], shutdown)
	}
	for len(p.connected) > 0 {
		p.Disconnect(p.connected[0].Conn, shutdown)
	}
	err := p.transport.Close()
	p.limiters.Flush()
	p.recent.Flush()
	if p.OnShutdown != nil {
		p.OnShutdown()
	}
	return err
}

// Update handles every transport event and ticket verification that arrived
// since the previous call, then advances the handshake timers by dt.
func (p *ServerPeer) Update(dt time.Duration) {
	if !p.started || p.closed {
		return
	}
	for _, e := range p.transport.Poll() {
		switch e.Kind {
		case transport.ConnectRequest:
			p.handleConnectRequest(e.Conn)
		case transport.Data:
			p.handleData(e.Conn, e.Data)
		case transport.StatusChanged:
			p.handleStatusChanged(e)
		}
	}
	p.auth.Drain()

	for _, pc := range append([]*PendingClient(nil), p.pending...) {
		p.updatePending(pc, dt)
	}
	p.metrics.SetClients(len(p.pending), len(p.connected))
}

// PendingClients returns the clients still in the handshake.
func (p *ServerPeer) PendingClients() []*PendingClient {
	return append([]*PendingClient(nil), p.pending...)
}

// ConnectedClients returns the admitted clients in the order they connected.
func (p *ServerPeer) ConnectedClients() []*ConnectedClient {
	return append([]*ConnectedClient(nil), p.connected...)
}

func (p *ServerPeer) handleConnectRequest(conn transport.Conn) {
	endpoint := conn.Endpoint()
	log := p.logger.WithField("endpoint", endpoint)

	if !p.limiter(endpoint).Allow() {
		log.Warn("[PEER] connection attempts too frequent")
		p.deny(conn, packets.NewDisconnect(packets.ReasonRateLimited, ""))
		return
	}
	if banned, reason := p.bans.IsBanned(endpoint); banned {
		log.Infof("[PEER] rejected banned endpoint: %s", reason)
		p.deny(conn, packets.NewDisconnect(packets.ReasonBanned, reason))
		return
	}
	if len(p.pending)+len(p.connected) >= p.settings.MaxPlayers() {
		log.Info("[PEER] rejected connection, server full")
		p.deny(conn, packets.NewDisconnect(packets.ReasonServerFull, ""))
		return
	}
	if err := p.transport.Approve(conn); err != nil {
		log.Warnf("[PEER] error approving connection: %v", err)
		return
	}

	p.pending = append(p.pending, &PendingClient{
		Conn:       conn,
		step:       packets.AuthInfoAndVersion,
		timeout:    p.config.PendingTimeout,
		approvedAt: p.now(),
	})
	log.Debug("[PEER] connection approved")
}

func (p *ServerPeer) limiter(endpoint string) *rate.Limiter {
	if l, ok := p.limiters.Get(endpoint); ok {
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(p.config.ConnectRatePerSecond), p.config.ConnectBurst)
	p.limiters.SetDefault(endpoint, l)
	return l
}

func (p *ServerPeer) deny(conn transport.Conn, reason packets.DisconnectPacket) {
	if err := p.transport.Deny(conn, reason); err != nil {
		p.logger.WithField("endpoint", conn.Endpoint()).Warnf("[PEER] error denying connection: %v", err)
	}
	p.metrics.RecordDisconnect(reason.Reason)
}

func (p *ServerPeer) handleData(conn transport.Conn, data []byte) {
	if cc := p.findConnected(conn); cc != nil {
		p.handleConnectedData(cc, data)
		return
	}
	if pc := p.findPending(conn); pc != nil {
		p.handlePendingData(pc, data)
	}
}

func (p *ServerPeer) handleStatusChanged(e transport.Event) {
	reason := packets.NewDisconnect(packets.ReasonDisconnected, "")
	if e.Disconnect != nil {
		reason = *e.Disconnect
	}
	if cc := p.findConnected(e.Conn); cc != nil {
		p.logger.WithFields(logrus.Fields{"name": cc.Name, "endpoint": cc.Conn.Endpoint()}).
			Infof("[PEER] client disconnected: %v", reason)
		p.rememberDeparture(cc, reason.Reason)
		p.removeConnected(cc, reason)
		return
	}
	if pc := p.findPending(e.Conn); pc != nil {
		p.logger.WithField("endpoint", pc.Conn.Endpoint()).Debugf("[PEER] pending client left: %v", reason)
		p.removePending(pc)
	}
}

func (p *ServerPeer) findPending(conn transport.Conn) *PendingClient {
	for _, pc := range p.pending {
		if pc.Conn.ID() == conn.ID() {
			return pc
		}
	}
	return nil
}

func (p *ServerPeer) findConnected(conn transport.Conn) *ConnectedClient {
	for _, cc := range p.connected {
		if cc.Conn.ID() == conn.ID() {
			return cc
		}
	}
	return nil
}

func (p *ServerPeer) removePending(pc *PendingClient) {
	for i, other := range p.pending {
		if other == pc {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return
		}
	}
}

// sendFrame encodes and sends a single frame, logging failures.
func (p *ServerPeer) sendFrame(conn transport.Conn, f packets.Frame, method transport.DeliveryMethod, compress bool) error {
	threshold := 0
	if compress {
		threshold = p.config.CompressionThreshold
	}
	data, err := packets.EncodeFrame(f, threshold)
	if err != nil {
		return err
	}
	if p.config.PacketLogging {
		p.logger.Debug(packets.Dump("SEND "+conn.Endpoint(), f))
	}
	if err := p.transport.Send(conn, data, method); err != nil {
		p.logger.WithField("endpoint", conn.Endpoint()).Warnf("[PEER] error sending message: %v", err)
		return err
	}
	return nil
}

func (p *ServerPeer) logFrame(conn transport.Conn, f packets.Frame) {
	if p.config.PacketLogging {
		p.logger.Debug(packets.Dump("RECV "+conn.Endpoint(), f))
	}
}
