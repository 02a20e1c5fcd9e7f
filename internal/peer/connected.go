package peer

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/ballast/internal/auth"
	"github.com/dcrodman/ballast/internal/metrics"
	"github.com/dcrodman/ballast/internal/names"
	"github.com/dcrodman/ballast/internal/packets"
	"github.com/dcrodman/ballast/internal/permissions"
	"github.com/dcrodman/ballast/internal/settings"
	"github.com/dcrodman/ballast/internal/transport"
)

// ConnectedClient is a client that completed the handshake.
type ConnectedClient struct {
	SessionID   string
	Conn        transport.Conn
	Name        string
	Account     auth.AccountInfo
	Owner       bool
	ConnectedAt time.Time

	permissions  permissions.Permissions
	team         int
	cursor       *settings.SyncCursor
	fragmenter   *packets.Fragmenter
	defragmenter *packets.Defragmenter

	// lastSettingsWrite is when settings were last pushed to this client.
	lastSettingsWrite time.Time
}

func (c *ConnectedClient) Permissions() permissions.Permissions     { return c.permissions }
func (c *ConnectedClient) SetPermissions(p permissions.Permissions) { c.permissions = p }
func (c *ConnectedClient) TeamID() int                              { return c.team }
func (c *ConnectedClient) SetTeamID(team int)                       { c.team = team }
func (c *ConnectedClient) SyncCursor() *settings.SyncCursor         { return c.cursor }

// SettingsWrittenAt returns when settings were last sent with MarkSettingsWritten.
func (c *ConnectedClient) SettingsWrittenAt() time.Time    { return c.lastSettingsWrite }
func (c *ConnectedClient) MarkSettingsWritten(t time.Time) { c.lastSettingsWrite = t }

func (c *ConnectedClient) log(l *logrus.Logger) *logrus.Entry {
	return l.WithFields(logrus.Fields{"name": c.Name, "endpoint": c.Conn.Endpoint(), "session": c.SessionID})
}

func (p *ServerPeer) promote(pc *PendingClient) {
	p.removePending(pc)

	cc := &ConnectedClient{
		SessionID:    uuid.NewString(),
		Conn:         pc.Conn,
		Name:         pc.name,
		Account:      pc.Conn.AccountInfo(),
		ConnectedAt:  p.now(),
		cursor:       p.settings.NewSyncCursor(),
		fragmenter:   packets.NewFragmenter(p.config.MaxFragmentSize),
		defragmenter: packets.NewDefragmenter(),
	}
	if p.permissions != nil {
		if grant, ok := p.permissions.Lookup(cc.Conn.Endpoint(), cc.Account); ok {
			cc.permissions = grant.Permissions
		}
	}
	p.connected = append(p.connected, cc)

	p.sendFrame(cc.Conn, packets.Frame{
		Header: packets.IsConnectionInitializationStep | packets.IsServerMessage,
		Step:   packets.Success,
	}, transport.Reliable, false)
	p.metrics.RecordHandshake(p.now().Sub(pc.approvedAt).Seconds())
	cc.log(p.logger).Infof("[PEER] client connected (%v)", cc.Account)

	if !p.ownerDetermined && p.isOwner(pc) {
		p.ownerDetermined = true
		cc.Owner = true
		cc.permissions = permissions.All
		cc.log(p.logger).Info("[PEER] owner connected")
		if p.OnOwnerDetermined != nil {
			p.OnOwnerDetermined(cc)
		}
	}
	if p.OnInitializationComplete != nil {
		p.OnInitializationComplete(cc)
	}
}

// isOwner checks the owner claim of a client being promoted. With an owner
// endpoint configured the endpoint must match, and the key too if one is set.
// Otherwise only a loopback client holding the key qualifies.
func (p *ServerPeer) isOwner(pc *PendingClient) bool {
	keyMatches := p.config.OwnerKey != 0 && pc.ownerKey == p.config.OwnerKey
	if p.config.OwnerEndpoint != "" {
		return pc.Conn.Endpoint() == p.config.OwnerEndpoint && (p.config.OwnerKey == 0 || keyMatches)
	}
	return keyMatches && transport.IsLoopback(pc.Conn)
}

// GrantPermissions replaces the permissions of cc and saves them so they are
// restored the next time it connects. The owner always keeps every permission.
func (p *ServerPeer) GrantPermissions(cc *ConnectedClient, perms permissions.Permissions) {
	if cc.Owner {
		perms = permissions.All
	}
	if cc.permissions == perms {
		return
	}
	cc.permissions = perms
	// The property list is only sent in full to clients that can manage settings.
	p.settings.Resync(cc.cursor, settings.FlagProperties)

	if p.permissions != nil {
		if perms == permissions.None {
			p.permissions.Revoke(cc.Conn.Endpoint(), cc.Account)
		} else {
			p.permissions.Grant(cc.Name, cc.Conn.Endpoint(), cc.Account, perms)
		}
	}
	cc.log(p.logger).Infof("[PEER] permissions set to %v", perms)
}

func (p *ServerPeer) handleConnectedData(cc *ConnectedClient, data []byte) {
	if banned, reason := p.bans.IsAnyBanned(cc.Conn.Endpoint(), cc.Account); banned {
		cc.log(p.logger).Infof("[PEER] disconnecting banned client: %s", reason)
		p.Disconnect(cc.Conn, packets.NewDisconnect(packets.ReasonBanned, reason))
		return
	}

	f, err := packets.DecodeFrame(data)
	if err != nil {
		cc.log(p.logger).Warnf("[PEER] dropped malformed message: %v", err)
		p.metrics.RecordMalformed(metrics.StageConnected)
		return
	}
	p.logFrame(cc.Conn, f)

	switch {
	case f.Header.Has(packets.IsDisconnectMessage):
		reason := packets.NewDisconnect(packets.ReasonDisconnected, "")
		if len(f.Payload) > 0 {
			if decoded, err := packets.DecodeDisconnectPacket(f.Payload); err == nil {
				reason = decoded
			}
		}
		cc.log(p.logger).Infof("[PEER] client left: %v", reason)
		p.rememberDeparture(cc, reason.Reason)
		p.transport.Disconnect(cc.Conn, reason)
		p.removeConnected(cc, reason)
	case f.Header.Has(packets.IsHeartbeatMessage), f.IsInitializationStep():
		// Heartbeats and late handshake retransmits carry nothing.
	case f.Header.Has(packets.IsFragment):
		msg, complete, err := cc.defragmenter.Add(f.Payload)
		if err != nil {
			cc.log(p.logger).Warnf("[PEER] dropped bad fragment: %v", err)
			p.metrics.RecordMalformed(metrics.StageConnected)
			return
		}
		if complete {
			p.deliver(cc, msg)
		}
	default:
		p.deliver(cc, f.Payload)
	}
}

func (p *ServerPeer) deliver(cc *ConnectedClient, msg []byte) {
	if p.OnMessageReceived != nil {
		p.OnMessageReceived(cc, msg)
	}
}

// Send delivers msg to a connected client. Reliable messages larger than the
// fragment size are split and reassembled by the receiver. With compress set
// payloads above the compression threshold are compressed.
func (p *ServerPeer) Send(msg []byte, cc *ConnectedClient, method transport.DeliveryMethod, compress bool) error {
	if p.findConnected(cc.Conn) == nil {
		return ErrUnknownClient
	}
	header := packets.IsServerMessage
	if method != transport.Reliable || len(msg) <= p.config.MaxFragmentSize {
		return p.sendFrame(cc.Conn, packets.Frame{Header: header, Payload: msg}, method, compress)
	}

	frames, err := cc.fragmenter.Fragment(header, msg)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := p.sendFrame(cc.Conn, f, method, compress); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect removes a pending or connected client and closes its
// connection with reason.
func (p *ServerPeer) Disconnect(conn transport.Conn, reason packets.DisconnectPacket) error {
	if pc := p.findPending(conn); pc != nil {
		p.rejectPending(pc, reason)
		return nil
	}
	cc := p.findConnected(conn)
	if cc == nil {
		return ErrUnknownClient
	}
	err := p.transport.Disconnect(conn, reason)
	p.metrics.RecordDisconnect(reason.Reason)
	p.removeConnected(cc, reason)
	return err
}

// removeConnected drops cc from the registry and reports the disconnect.
func (p *ServerPeer) removeConnected(cc *ConnectedClient, reason packets.DisconnectPacket) {
	for i, other := range p.connected {
		if other == cc {
			p.connected = append(p.connected[:i], p.connected[i+1:]...)
			break
		}
	}
	if p.OnDisconnect != nil {
		p.OnDisconnect(cc, reason)
	}
}

// rememberDeparture starts the reconnect grace period for clients that left
// on their own.
func (p *ServerPeer) rememberDeparture(cc *ConnectedClient, reason packets.DisconnectReason) {
	switch reason {
	case packets.ReasonDisconnected, packets.ReasonTimeout, packets.ReasonUnknown:
		p.recent.SetDefault(reconnectKey(cc.Conn.Endpoint(), cc.Account, cc.Name), struct{}{})
	}
}

// reconnectKey identifies a returning client by account when it has one and
// by endpoint and name otherwise.
func reconnectKey(endpoint string, info auth.AccountInfo, name string) string {
	if !info.IsNone() {
		return "account|" + info.AccountID.String()
	}
	return "endpoint|" + endpoint + "|" + names.Normalize(name)
}
