package peer

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/ballast/internal/auth"
	"github.com/dcrodman/ballast/internal/bans"
	"github.com/dcrodman/ballast/internal/metrics"
	"github.com/dcrodman/ballast/internal/names"
	"github.com/dcrodman/ballast/internal/packets"
	"github.com/dcrodman/ballast/internal/transport"
)

// PendingClient is a connection that has been approved but has not finished
// the handshake.
type PendingClient struct {
	Conn transport.Conn

	name     string
	ownerKey int32
	step     packets.ConnectionInitialization
	// updateTimer counts down to the next push of the current step.
	updateTimer time.Duration
	// timeout counts down to removal and is reset by every valid message.
	timeout time.Duration

	retries     int32
	salt        int32
	hasSalt     bool
	authStarted bool
	// skipPassword is set for clients reconnecting within the grace period.
	skipPassword bool
	approvedAt   time.Time
}

func (pc *PendingClient) Name() string                           { return pc.name }
func (pc *PendingClient) Step() packets.ConnectionInitialization { return pc.step }
func (pc *PendingClient) Retries() int                           { return int(pc.retries) }

func (pc *PendingClient) log(l *logrus.Logger) *logrus.Entry {
	fields := logrus.Fields{"endpoint": pc.Conn.Endpoint(), "step": pc.step}
	if pc.name != "" {
		fields["name"] = pc.name
	}
	return l.WithFields(fields)
}

func (p *ServerPeer) updatePending(pc *PendingClient, dt time.Duration) {
	pc.timeout -= dt
	if pc.timeout <= 0 {
		pc.log(p.logger).Info("[PEER] handshake timed out")
		p.rejectPending(pc, packets.NewDisconnect(packets.ReasonTimeout, ""))
		return
	}
	pc.updateTimer -= dt
	if pc.updateTimer <= 0 {
		pc.updateTimer = p.config.StepResendInterval
		p.pushStep(pc)
	}
}

// pushStep sends the state of the client's current step. It carries no
// state of its own and is repeated until the client answers.
func (p *ServerPeer) pushStep(pc *PendingClient) {
	var payload []byte
	switch pc.step {
	case packets.AuthInfoAndVersion:
	case packets.Password:
		if !pc.hasSalt {
			pc.salt = randomSalt()
			pc.hasSalt = true
		}
		challenge := packets.PasswordChallenge{Salt: pc.salt, Retries: pc.retries}
		payload = challenge.Encode()
	case packets.ContentPackageOrder:
		manifest, err := p.content.Manifest(p.ctx)
		if err != nil {
			pc.log(p.logger).Warnf("[PEER] error reading content manifest: %v", err)
			return
		}
		order := packets.ContentPackageManifest{
			ServerName:        p.settings.ServerName(),
			Packages:          manifest,
			AllowModDownloads: p.settings.AllowFileTransfers(),
		}
		payload = order.Encode()
	default:
		return
	}
	p.sendFrame(pc.Conn, packets.Frame{
		Header:  packets.IsConnectionInitializationStep | packets.IsServerMessage,
		Step:    pc.step,
		Payload: payload,
	}, transport.Reliable, true)
}

func (p *ServerPeer) handlePendingData(pc *PendingClient, data []byte) {
	f, err := packets.DecodeFrame(data)
	if err != nil {
		p.banMalformed(pc, err)
		return
	}
	p.logFrame(pc.Conn, f)

	if f.Header.Has(packets.IsDisconnectMessage) {
		pc.log(p.logger).Debug("[PEER] pending client disconnected")
		p.rejectPending(pc, packets.NewDisconnect(packets.ReasonDisconnected, ""))
		return
	}
	// Anything but an answer to the current step is a stale retransmit.
	if !f.IsInitializationStep() || f.Step != pc.step {
		return
	}

	switch pc.step {
	case packets.AuthInfoAndVersion:
		p.handleAuthRequest(pc, f.Payload)
	case packets.Password:
		p.handlePasswordResponse(pc, f.Payload)
	case packets.ContentPackageOrder:
		pc.timeout = p.config.PendingTimeout
		p.advance(pc, packets.Success)
	}
}

func (p *ServerPeer) handleAuthRequest(pc *PendingClient, payload []byte) {
	if pc.authStarted {
		return
	}
	req, err := packets.DecodeAuthRequest(payload)
	if err != nil {
		p.banMalformed(pc, err)
		return
	}
	pc.timeout = p.config.PendingTimeout

	if err := names.Validate(req.Name); err != nil {
		pc.log(p.logger).Infof("[PEER] rejected name %q: %v", req.Name, err)
		p.rejectPending(pc, packets.NewDisconnect(packets.ReasonInvalidName, err.Error()))
		return
	}
	if msg, ok := p.checkVersion(req.GameVersion); !ok {
		pc.log(p.logger).Infof("[PEER] rejected version %q: %s", req.GameVersion, msg)
		p.rejectPending(pc, packets.NewDisconnect(packets.ReasonInvalidVersion, msg))
		return
	}
	if p.nameTaken(pc, req.Name) {
		pc.log(p.logger).Infof("[PEER] rejected name %q, already in use", req.Name)
		p.rejectPending(pc, packets.NewDisconnect(packets.ReasonNameTaken, ""))
		return
	}
	pc.name = req.Name
	pc.ownerKey = req.OwnerKey

	kind := auth.TicketKind(req.TicketKind)
	if kind == auth.TicketNone || len(req.Ticket) == 0 || !p.auth.Has(kind) {
		switch {
		case p.config.TrustLocalClients && transport.IsLoopback(pc.Conn):
			pc.log(p.logger).Debug("[PEER] admitting trusted local client without a ticket")
		case p.settings.RequireAuthentication:
			pc.log(p.logger).Infof("[PEER] rejected client without a usable %v ticket", kind)
			p.rejectPending(pc, packets.NewDisconnect(packets.ReasonAuthenticationRequired, ""))
			return
		}
		p.authenticated(pc)
		return
	}

	pc.authStarted = true
	conn := pc.Conn
	err = p.auth.Verify(kind, req.Ticket, func(res auth.Result) {
		p.handleVerification(conn, res)
	})
	if err != nil {
		pc.log(p.logger).Warnf("[PEER] error starting ticket verification: %v", err)
		p.rejectPending(pc, packets.NewDisconnect(packets.ReasonAuthenticationFailed, ""))
	}
}

// handleVerification runs from auth.Registry.Drain. The client may have left
// while its ticket was being checked, in which case there's nothing to do.
func (p *ServerPeer) handleVerification(conn transport.Conn, res auth.Result) {
	pc := p.findPending(conn)
	if pc == nil {
		return
	}
	if res.Err != nil {
		pc.log(p.logger).Infof("[PEER] ticket verification failed: %v", res.Err)
		p.rejectPending(pc, packets.NewDisconnect(packets.ReasonAuthenticationFailed, ""))
		return
	}
	if err := pc.Conn.SetAccountInfo(res.Info); err != nil {
		pc.log(p.logger).Warnf("[PEER] error recording account: %v", err)
		p.rejectPending(pc, packets.NewDisconnect(packets.ReasonAuthenticationFailed, ""))
		return
	}
	for _, cc := range p.connected {
		if accountsOverlap(cc.Account, res.Info) {
			pc.log(p.logger).Infof("[PEER] account %v is already connected", res.Info)
			p.rejectPending(pc, packets.NewDisconnect(packets.ReasonSessionTaken, ""))
			return
		}
	}
	p.authenticated(pc)
}

// authenticated moves a client past AuthInfoAndVersion once its identity is
// settled.
func (p *ServerPeer) authenticated(pc *PendingClient) {
	if _, ok := p.recent.Get(reconnectKey(pc.Conn.Endpoint(), pc.Conn.AccountInfo(), pc.name)); ok {
		pc.skipPassword = true
	}
	if p.settings.HasPassword() && !pc.skipPassword {
		p.advance(pc, packets.Password)
		return
	}
	p.advance(pc, packets.ContentPackageOrder)
}

func (p *ServerPeer) handlePasswordResponse(pc *PendingClient, payload []byte) {
	if !pc.hasSalt {
		return
	}
	resp, err := packets.DecodePasswordResponse(payload)
	if err != nil {
		p.banMalformed(pc, err)
		return
	}
	pc.timeout = p.config.PendingTimeout

	if !p.settings.HasPassword() || auth.IsPasswordCorrect(resp.SaltedPassword, p.settings.PasswordHash(), pc.salt) {
		p.advance(pc, packets.ContentPackageOrder)
		return
	}

	pc.retries++
	pc.log(p.logger).Infof("[PEER] wrong password (attempt %d)", pc.retries)
	if p.settings.BanAfterWrongPassword() && int(pc.retries) > p.settings.MaxPasswordRetriesBeforeBan() {
		p.banPending(pc, "too many password failures", 0, packets.ReasonTooManyFailedLogins)
		return
	}
	// Let the client know right away rather than at the next resend.
	pc.updateTimer = 0
}

// advance moves pc to next. The ban list is consulted first and the step never
// moves backwards.
func (p *ServerPeer) advance(pc *PendingClient, next packets.ConnectionInitialization) {
	if banned, reason := p.bans.IsAnyBanned(pc.Conn.Endpoint(), pc.Conn.AccountInfo()); banned {
		pc.log(p.logger).Infof("[PEER] handshake aborted, client is banned: %s", reason)
		p.rejectPending(pc, packets.NewDisconnect(packets.ReasonBanned, reason))
		return
	}
	if next.Order() <= pc.step.Order() {
		return
	}
	pc.step = next
	pc.updateTimer = 0
	pc.timeout = p.config.PendingTimeout
	pc.log(p.logger).Debug("[PEER] handshake advanced")

	if next == packets.Success {
		p.promote(pc)
	}
}

func (p *ServerPeer) checkVersion(v string) (string, bool) {
	clientVersion, err := version.NewVersion(v)
	if err != nil {
		return fmt.Sprintf("unrecognized version %q", v), false
	}
	if clientVersion.LessThan(p.minVersion) {
		return fmt.Sprintf("version %s is older than the minimum supported %s", clientVersion, p.minVersion), false
	}
	if clientVersion.Segments()[0] > p.gameVersion.Segments()[0] {
		return fmt.Sprintf("version %s is newer than the server's %s", clientVersion, p.gameVersion), false
	}
	return "", true
}

// nameTaken reports whether name collides with a connected client or another
// pending client that has already given its name.
func (p *ServerPeer) nameTaken(self *PendingClient, name string) bool {
	for _, cc := range p.connected {
		if names.Collides(cc.Name, name) {
			return true
		}
	}
	for _, pc := range p.pending {
		if pc != self && pc.name != "" && names.Collides(pc.name, name) {
			return true
		}
	}
	return false
}

func (p *ServerPeer) rejectPending(pc *PendingClient, reason packets.DisconnectPacket) {
	p.removePending(pc)
	if err := p.transport.Disconnect(pc.Conn, reason); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		pc.log(p.logger).Warnf("[PEER] error disconnecting: %v", err)
	}
	p.metrics.RecordDisconnect(reason.Reason)
}

func (p *ServerPeer) banPending(pc *PendingClient, reason string, duration time.Duration, disconnect packets.DisconnectReason) {
	target := bans.Target{Endpoint: pc.Conn.Endpoint(), Account: pc.Conn.AccountInfo()}
	if _, err := p.bans.Ban(pc.name, target, reason, duration); err != nil {
		pc.log(p.logger).Errorf("[PEER] error banning client: %v", err)
	} else {
		pc.log(p.logger).Warnf("[PEER] banned: %s", reason)
		p.metrics.RecordBan()
	}
	p.rejectPending(pc, packets.NewDisconnect(disconnect, reason))
}

// banMalformed bans the endpoint of a pending client that sent undecodable
// data. Unauthenticated garbage is treated as hostile.
func (p *ServerPeer) banMalformed(pc *PendingClient, err error) {
	pc.log(p.logger).Warnf("[PEER] malformed message from pending client: %v", err)
	p.metrics.RecordMalformed(metrics.StagePending)
	target := bans.Target{Endpoint: pc.Conn.Endpoint()}
	if _, err := p.bans.Ban(pc.name, target, "malformed handshake data", p.config.MalformedBanDuration); err != nil {
		pc.log(p.logger).Errorf("[PEER] error banning client: %v", err)
	} else {
		p.metrics.RecordBan()
	}
	p.rejectPending(pc, packets.NewDisconnect(packets.ReasonMalformedData, ""))
}

func accountsOverlap(a, b auth.AccountInfo) bool {
	for _, id := range b.AllIDs() {
		if a.Matches(id) {
			return true
		}
	}
	return false
}

func randomSalt() int32 {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic(err)
		}
		if salt := int32(binary.LittleEndian.Uint32(b[:])); salt != 0 {
			return salt
		}
	}
}
