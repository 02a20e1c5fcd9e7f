// Package host runs a dedicated server: it wires the session layer to its
// configuration, storage and status endpoints and drives the tick loop.
package host

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/dcrodman/ballast/internal/auth"
	"github.com/dcrodman/ballast/internal/bans"
	"github.com/dcrodman/ballast/internal/content"
	"github.com/dcrodman/ballast/internal/core"
	"github.com/dcrodman/ballast/internal/core/data"
	"github.com/dcrodman/ballast/internal/metrics"
	"github.com/dcrodman/ballast/internal/netbuf"
	"github.com/dcrodman/ballast/internal/packets"
	"github.com/dcrodman/ballast/internal/peer"
	"github.com/dcrodman/ballast/internal/permissions"
	"github.com/dcrodman/ballast/internal/settings"
	"github.com/dcrodman/ballast/internal/status"
	"github.com/dcrodman/ballast/internal/transport"
	"github.com/dcrodman/ballast/internal/transport/quictransport"
)

const (
	// settingsResendInterval limits how often unacknowledged settings are
	// pushed to the same client.
	settingsResendInterval = time.Second
	banSweepInterval       = time.Minute
)

// Controller is the main entrypoint for a dedicated server. It's responsible
// for initializing any shared resources (such as database and logging),
// building the session layer and running it until told to stop.
type Controller struct {
	Config *core.Config
	Args   core.ServerArgs

	// Transport replaces the QUIC listener when set.
	Transport transport.Transport
	// Logger replaces the logger built from Config when set.
	Logger *logrus.Logger

	logger    *logrus.Logger
	logCloser io.Closer
	db        *gorm.DB
	bans      *bans.List
	grants    *permissions.Store
	settings  *settings.Settings
	content   *content.Registry
	auth      *auth.Registry
	registry  *prometheus.Registry
	metrics   *metrics.SessionMetrics
	status    *status.Server
	peer      *peer.ServerPeer

	shouldRun     atomic.Bool
	summary       atomic.Pointer[status.Summary]
	startedAt     time.Time
	sinceBanSweep time.Duration
}

// Init builds every component. Nothing is listening until Run is called.
func (c *Controller) Init(ctx context.Context) error {
	var err error
	if c.logger = c.Logger; c.logger == nil {
		if c.logger, c.logCloser, err = core.NewLogger(c.Config); err != nil {
			return fmt.Errorf("error initializing logger: %w", err)
		}
	}

	if err := c.initStorage(); err != nil {
		return err
	}
	if err := c.initSettings(); err != nil {
		return err
	}

	c.content = content.NewRegistry()
	defs := make([]content.Definition, 0, len(c.Config.ContentPackages))
	for _, pkg := range c.Config.ContentPackages {
		path := pkg.Path
		if path != "" {
			path = c.Config.QualifiedPath(path)
		}
		defs = append(defs, content.Definition{Name: pkg.Name, Version: pkg.Version, Path: path})
	}
	if err := c.content.Load(ctx, defs); err != nil {
		return fmt.Errorf("error loading content packages: %w", err)
	}

	c.auth = auth.NewRegistry(c.Config.Session.AuthTimeout)
	if c.Config.Auth.JWTSecret != "" {
		jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTConfig{
			Secret: c.Config.Auth.JWTSecret,
			Issuer: c.Config.Auth.JWTIssuer,
		})
		if err != nil {
			return fmt.Errorf("error initializing ticket authentication: %w", err)
		}
		c.auth.Register(jwtAuth)
	} else if c.settings.RequireAuthentication {
		c.logger.Warn("[HOST] authentication is required but no ticket authenticator is configured")
	}

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.metrics = metrics.NewSessionMetrics(c.registry)

	if err := c.initPeer(); err != nil {
		return err
	}

	if c.settings.Network.EnableUPnP {
		c.logger.Warnf("[HOST] UPnP port forwarding is unavailable; forward UDP port %d manually", c.settings.Network.Port)
	}
	if c.Config.Status.Enabled {
		c.status = &status.Server{
			Config:   status.Config{Address: net.JoinHostPort(c.Config.Hostname, strconv.Itoa(c.Config.Status.HTTPPort))},
			Logger:   c.logger,
			Summary:  c,
			Bans:     c.bans,
			Gatherer: c.registry,
		}
	}
	c.publishSummary()
	return nil
}

func (c *Controller) initStorage() error {
	dialector, err := data.Dialector(
		c.Config.Database.Engine,
		c.Config.QualifiedPath(c.Config.Database.Filename),
		c.Config.DatabaseURL(),
	)
	if err != nil {
		return err
	}
	if c.db, err = data.Open(dialector, c.Config.Debugging.DatabaseLoggingEnabled); err != nil {
		return err
	}

	if c.bans, err = bans.NewList(bans.GormStore{DB: c.db}); err != nil {
		return fmt.Errorf("error loading ban list: %w", err)
	}
	if n, err := c.bans.RemoveExpired(); err != nil {
		c.logger.Warnf("[HOST] error removing expired bans: %v", err)
	} else if n > 0 {
		c.logger.Infof("[HOST] removed %d expired bans", n)
	}

	if c.grants, err = permissions.Load(c.Config.QualifiedPath(c.Config.Files.PermissionsFile)); err != nil {
		return err
	}
	return nil
}

func (c *Controller) initSettings() error {
	var err error
	if c.settings, err = settings.Load(c.Config.QualifiedPath(c.Config.Files.SettingsFile)); err != nil {
		return err
	}
	for _, arg := range c.settings.ApplyArgs(c.Args) {
		c.logger.Warnf("[HOST] ignoring invalid argument %s", arg)
	}
	for _, arg := range c.Args.Ignored {
		c.logger.Debugf("[HOST] ignoring argument %q", arg)
	}
	return nil
}

func (c *Controller) initPeer() error {
	tr, err := c.buildTransport()
	if err != nil {
		return err
	}

	cfg := peer.Config{
		PendingTimeout:       c.Config.Session.PendingTimeout,
		StepResendInterval:   c.Config.Session.StepResendInterval,
		ReconnectGracePeriod: c.Config.Session.ReconnectGracePeriod,
		MalformedBanDuration: c.Config.Session.MalformedBanDuration,
		ConnectRatePerSecond: c.Config.Session.ConnectRatePerSecond,
		ConnectBurst:         c.Config.Session.ConnectBurst,
		CompressionThreshold: c.Config.Transport.CompressionThreshold,
		MaxFragmentSize:      c.Config.Transport.MaxFragmentSize,
		TrustLocalClients:    c.Config.Debugging.TrustLocalClients,
		PacketLogging:        c.Config.Debugging.PacketLoggingEnabled,
	}
	if c.Args.OwnerKey != nil {
		cfg.OwnerKey = *c.Args.OwnerKey
	}
	if c.Args.OwnerEndpoint != nil {
		cfg.OwnerEndpoint = *c.Args.OwnerEndpoint
	}

	c.peer, err = peer.NewServerPeer(peer.Options{
		Transport:   tr,
		Settings:    c.settings,
		Bans:        c.bans,
		Auth:        c.auth,
		Permissions: c.grants,
		Content:     c.content,
		Logger:      c.logger,
		Metrics:     c.metrics,
		Config:      cfg,
	})
	if err != nil {
		return fmt.Errorf("error creating server peer: %w", err)
	}
	c.peer.OnMessageReceived = c.handleMessage
	c.peer.OnInitializationComplete = c.handleClientConnected
	c.peer.OnDisconnect = c.handleClientDisconnected
	c.peer.OnOwnerDetermined = func(cc *peer.ConnectedClient) {
		c.logger.Infof("[HOST] %s is the server owner", cc.Name)
	}
	c.peer.OnShutdown = func() {
		c.logger.Info("[HOST] session layer shut down")
	}
	return nil
}

func (c *Controller) buildTransport() (transport.Transport, error) {
	if c.Transport != nil {
		return c.Transport, nil
	}

	var tlsConf *tls.Config
	if c.Config.Transport.CertificateFile != "" || c.Config.Transport.KeyFile != "" {
		var err error
		tlsConf, err = quictransport.LoadTLSConfig(
			c.Config.QualifiedPath(c.Config.Transport.CertificateFile),
			c.Config.QualifiedPath(c.Config.Transport.KeyFile),
		)
		if err != nil {
			return nil, err
		}
	}
	ip := c.settings.Network.ListenIP
	if ip == "" {
		ip = c.Config.Hostname
	}
	return &quictransport.Server{
		Config: quictransport.Config{
			Address:         net.JoinHostPort(ip, strconv.Itoa(c.settings.Network.Port)),
			TLS:             tlsConf,
			KeepAlivePeriod: 5 * time.Second,
			MaxIdleTimeout:  c.Config.Session.PendingTimeout,
		},
		Logger: c.logger,
	}, nil
}

// Run starts accepting connections and runs the tick loop until Shutdown is
// called, ctx is cancelled or the owner leaves. Everything is torn down
// before it returns.
func (c *Controller) Run(ctx context.Context) error {
	defer c.teardown()

	if err := c.peer.Start(ctx); err != nil {
		return err
	}
	if c.status != nil {
		if err := c.status.Start(ctx); err != nil {
			c.logger.Warnf("[HOST] status server unavailable: %v", err)
			c.status = nil
		}
	}
	c.startedAt = time.Now()
	c.shouldRun.Store(true)

	interval := c.tickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.logger.Infof("[HOST] %s is running at %d ticks per second", c.settings.ServerName(), c.settings.TickRate())

	for c.ShouldRun() {
		select {
		case <-ctx.Done():
			c.Shutdown()
		case now := <-ticker.C:
			c.tick(now)
			if next := c.tickInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
	return nil
}

// ShouldRun reports whether the tick loop should keep going.
func (c *Controller) ShouldRun() bool { return c.shouldRun.Load() }

// Shutdown stops the tick loop. It is safe to call from any goroutine.
func (c *Controller) Shutdown() { c.shouldRun.Store(false) }

// Summary implements status.SummarySource with the snapshot taken at the end
// of the last tick.
func (c *Controller) Summary() status.Summary {
	if s := c.summary.Load(); s != nil {
		return *s
	}
	return status.Summary{}
}

func (c *Controller) tickInterval() time.Duration {
	return time.Second / time.Duration(c.settings.TickRate())
}

// tick advances every timer by one tick interval, however late the tick
// actually fired.
func (c *Controller) tick(now time.Time) {
	dt := c.tickInterval()
	c.peer.Update(dt)
	c.pushSettings(now)

	c.sinceBanSweep += dt
	if c.sinceBanSweep >= banSweepInterval {
		c.sinceBanSweep = 0
		if n, err := c.bans.RemoveExpired(); err != nil {
			c.logger.Warnf("[HOST] error removing expired bans: %v", err)
		} else if n > 0 {
			c.logger.Debugf("[HOST] removed %d expired bans", n)
		}
	}
	c.publishSummary()
}

// pushSettings sends every client the settings categories it hasn't
// acknowledged, at most once per settingsResendInterval.
func (c *Controller) pushSettings(now time.Time) {
	peers := c.settingsPeers()
	for _, cc := range c.peer.ConnectedClients() {
		if c.settings.GetRequiredFlags(cc.SyncCursor()) == 0 {
			continue
		}
		if now.Sub(cc.SettingsWrittenAt()) < settingsResendInterval {
			continue
		}

		buf := netbuf.NewBuffer(256)
		buf.WriteUint8(uint8(MessageSettings))
		if err := c.settings.ServerWrite(buf, cc, peers); err != nil {
			c.logger.WithField("name", cc.Name).Warnf("[HOST] error writing settings: %v", err)
			continue
		}
		if err := c.peer.Send(buf.Bytes(), cc, transport.Reliable, true); err != nil {
			continue
		}
		cc.MarkSettingsWritten(now)
		c.metrics.RecordSettingsWrite()
	}
}

func (c *Controller) settingsPeers() []settings.Peer {
	clients := c.peer.ConnectedClients()
	peers := make([]settings.Peer, len(clients))
	for i, cc := range clients {
		peers[i] = cc
	}
	return peers
}

func (c *Controller) handleMessage(cc *peer.ConnectedClient, msg []byte) {
	log := c.logger.WithFields(logrus.Fields{"name": cc.Name, "endpoint": cc.Conn.Endpoint()})

	t, r, err := readMessageType(msg)
	if err != nil {
		log.Warnf("[HOST] dropped message: %v", err)
		c.metrics.RecordMalformed(metrics.StageConnected)
		return
	}

	switch t {
	case MessageSettingsAck:
		ack, err := settings.ReadAck(r)
		if err != nil {
			log.Warnf("[HOST] dropped settings ack: %v", err)
			c.metrics.RecordMalformed(metrics.StageConnected)
			return
		}
		c.settings.Acknowledge(cc.SyncCursor(), ack)

	case MessageSettingsChange:
		changed, err := c.settings.ServerRead(r, cc, c.settingsPeers())
		switch {
		case errors.Is(err, settings.ErrPermissionDenied):
			log.Warn("[HOST] rejected settings change from client without permission")
			return
		case errors.Is(err, settings.ErrMalformed):
			log.Warnf("[HOST] dropped settings change: %v", err)
			c.metrics.RecordMalformed(metrics.StageConnected)
			return
		case err != nil:
			log.Infof("[HOST] rejected settings change: %v", err)
			return
		}
		if changed != 0 {
			log.Infof("[HOST] settings changed: %v", changed)
			c.saveState()
		}

	default:
		log.Warnf("[HOST] dropped message: %v: %v", ErrUnknownMessage, t)
	}
}

func (c *Controller) handleClientConnected(cc *peer.ConnectedClient) {
	c.logger.WithField("endpoint", cc.Conn.Endpoint()).Infof("[HOST] %s joined the server", cc.Name)
}

func (c *Controller) handleClientDisconnected(cc *peer.ConnectedClient, reason packets.DisconnectPacket) {
	c.logger.WithField("endpoint", cc.Conn.Endpoint()).Infof("[HOST] %s left the server (%v)", cc.Name, reason)
	if cc.Owner {
		c.logger.Info("[HOST] the server owner left, shutting down")
		c.Shutdown()
	}
}

func (c *Controller) publishSummary() {
	summary := status.Summary{
		ServerName:  c.settings.ServerName(),
		PlayStyle:   c.settings.PlayStyle().String(),
		Public:      c.settings.IsPublic(),
		HasPassword: c.settings.HasPassword(),
		MaxPlayers:  c.settings.MaxPlayers(),
		Pending:     len(c.peer.PendingClients()),
		StartedAt:   c.startedAt,
	}
	for _, cc := range c.peer.ConnectedClients() {
		client := status.ClientSummary{Name: cc.Name, Endpoint: cc.Conn.Endpoint(), Owner: cc.Owner}
		if !cc.Account.IsNone() {
			client.Account = cc.Account.String()
		}
		summary.Clients = append(summary.Clients, client)
	}
	c.summary.Store(&summary)
}

func (c *Controller) saveState() {
	if err := c.settings.Save(c.Config.QualifiedPath(c.Config.Files.SettingsFile)); err != nil {
		c.logger.Errorf("[HOST] error saving settings: %v", err)
	}
	if err := c.grants.Save(); err != nil {
		c.logger.Errorf("[HOST] error saving permissions: %v", err)
	}
}

// teardown disconnects everyone, saves state and releases resources in
// dependency order.
func (c *Controller) teardown() {
	c.shouldRun.Store(false)
	if err := c.peer.Close(); err != nil {
		c.logger.Warnf("[HOST] error closing transport: %v", err)
	}
	c.publishSummary()
	c.saveState()

	if c.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c.status.Stop(ctx)
		cancel()
	}
	c.auth.Close()
	if err := data.Close(c.db); err != nil {
		c.logger.Warnf("[HOST] %v", err)
	}
	c.logger.Info("[HOST] shutdown complete")
	if c.logCloser != nil {
		c.logCloser.Close()
	}
}
