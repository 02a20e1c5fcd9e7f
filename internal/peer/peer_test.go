package peer

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/ballast/internal/auth"
	"github.com/dcrodman/ballast/internal/bans"
	"github.com/dcrodman/ballast/internal/packets"
	"github.com/dcrodman/ballast/internal/permissions"
	"github.com/dcrodman/ballast/internal/settings"
	"github.com/dcrodman/ballast/internal/transport"
	"github.com/dcrodman/ballast/internal/transport/memory"
)

const serverAddr = "barotrauma:27015"

var (
	steamCaptain = auth.AccountID{Kind: "steam", Value: "76561198000000001"}
	steamMedic   = auth.AccountID{Kind: "steam", Value: "76561198000000002"}
)

// ticketAuthenticator accepts the tickets it was constructed with.
type ticketAuthenticator map[string]auth.AccountInfo

func (a ticketAuthenticator) Kind() auth.TicketKind { return auth.TicketJWT }

func (a ticketAuthenticator) VerifyTicket(_ context.Context, ticket []byte) (auth.AccountInfo, error) {
	info, ok := a[string(ticket)]
	if !ok {
		return auth.None, auth.ErrInvalidTicket
	}
	return info, nil
}

type harness struct {
	t        *testing.T
	network  *memory.Network
	server   *ServerPeer
	settings *settings.Settings
	bans     *bans.List
	logger   *logrus.Logger
}

func newHarness(t *testing.T, cfg Config, configure func(*settings.Settings)) *harness {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	network := memory.NewNetwork()
	tr, err := network.Listen(serverAddr)
	if err != nil {
		t.Fatalf("Listen() returned an unexpected error: %v", err)
	}

	s := settings.New()
	s.RequireAuthentication = false
	if configure != nil {
		configure(s)
	}
	banList, err := bans.NewList(nil)
	if err != nil {
		t.Fatal(err)
	}
	registry := auth.NewRegistry(time.Second, ticketAuthenticator{
		"captain-ticket": auth.NewAccountInfo(steamCaptain),
		"medic-ticket":   auth.NewAccountInfo(steamMedic),
		"alt-ticket":     auth.NewAccountInfo(auth.AccountID{Kind: "epic", Value: "alt"}, steamCaptain),
	})
	t.Cleanup(registry.Close)

	server, err := NewServerPeer(Options{
		Transport: tr,
		Settings:  s,
		Bans:      banList,
		Auth:      registry,
		Logger:    logger,
		Config:    cfg,
	})
	if err != nil {
		t.Fatalf("NewServerPeer() returned an unexpected error: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start() returned an unexpected error: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	return &harness{t: t, network: network, server: server, settings: s, bans: banList, logger: logger}
}

func (h *harness) dialRaw(clientAddr string) *memory.Client {
	h.t.Helper()
	c, err := h.network.Dial(serverAddr, clientAddr)
	if err != nil {
		h.t.Fatalf("Dial() returned an unexpected error: %v", err)
	}
	return c
}

func (h *harness) dial(clientAddr string, cfg ClientConfig) *ClientPeer {
	h.t.Helper()
	return NewClientPeer(h.dialRaw(clientAddr), cfg, h.logger)
}

// pump runs the server and clients until done returns true.
func (h *harness) pump(done func() bool, clients ...*ClientPeer) {
	h.t.Helper()
	for i := 0; i < 300; i++ {
		h.server.Update(50 * time.Millisecond)
		for _, c := range clients {
			c.Update()
		}
		if done() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatal("timed out pumping the session")
}

// settle runs the server and clients until c is connected or disconnected.
func (h *harness) settle(c *ClientPeer, others ...*ClientPeer) {
	h.t.Helper()
	h.pump(func() bool {
		_, gone := c.Disconnected()
		return c.Connected() || gone
	}, append(others, c)...)
}

func expectDisconnect(t *testing.T, c *ClientPeer, want packets.DisconnectReason) {
	t.Helper()
	got, ok := c.Disconnected()
	if !ok {
		t.Fatalf("expected a %v disconnect, client is still connected", want)
	}
	if got.Reason != want {
		t.Errorf("expected disconnect reason %v, got %v", want, got)
	}
}

func stepFrame(t *testing.T, step packets.ConnectionInitialization, payload []byte) []byte {
	t.Helper()
	data, err := packets.EncodeFrame(packets.Frame{Header: packets.IsConnectionInitializationStep, Step: step, Payload: payload}, 0)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestServerPeer_ConnectWithoutPassword(t *testing.T) {
	h := newHarness(t, Config{}, func(s *settings.Settings) { s.SetServerName("Coalition Outpost") })

	var completed []string
	h.server.OnInitializationComplete = func(cc *ConnectedClient) { completed = append(completed, cc.Name) }

	c := h.dial("10.0.0.2:50000", ClientConfig{Name: "Captain"})
	steps := []packets.ConnectionInitialization{}
	h.pump(func() bool {
		if len(steps) == 0 || steps[len(steps)-1] != c.Step() {
			steps = append(steps, c.Step())
		}
		return c.Connected()
	}, c)

	want := []packets.ConnectionInitialization{packets.AuthInfoAndVersion, packets.ContentPackageOrder, packets.Success}
	if diff := cmp.Diff(want, steps); diff != "" {
		t.Errorf("unexpected handshake steps; diff:\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Captain"}, completed); diff != "" {
		t.Errorf("unexpected completion callbacks; diff:\n%s", diff)
	}
	if c.ServerName() != "Coalition Outpost" {
		t.Errorf("expected the server name in the content order, got %q", c.ServerName())
	}
	if n := len(h.server.PendingClients()); n != 0 {
		t.Errorf("expected no pending clients, got %d", n)
	}
	connected := h.server.ConnectedClients()
	if len(connected) != 1 || connected[0].Name != "Captain" || connected[0].SessionID == "" {
		t.Errorf("unexpected connected clients: %+v", connected)
	}
}

func TestServerPeer_PasswordRetry(t *testing.T) {
	h := newHarness(t, Config{}, func(s *settings.Settings) {
		s.SetPassword("depth charge")
		s.Set(settings.PropBanAfterWrongPassword, true)
		s.Set(settings.PropMaxPasswordRetriesBeforeBan, 3)
	})

	c := h.dial("10.0.0.2:50000", ClientConfig{Name: "Captain"})
	c.PasswordFunc = func(retries int) (string, bool) {
		if retries == 0 {
			return "wrong", true
		}
		return "depth charge", true
	}
	maxRetries := 0
	h.pump(func() bool {
		for _, pc := range h.server.PendingClients() {
			if pc.Retries() > maxRetries {
				maxRetries = pc.Retries()
			}
		}
		_, gone := c.Disconnected()
		return c.Connected() || gone
	}, c)

	if !c.Connected() {
		t.Fatalf("expected the client to connect after retrying")
	}
	if maxRetries != 1 {
		t.Errorf("expected 1 password retry, got %d", maxRetries)
	}
	if banned, _ := h.bans.IsBanned("10.0.0.2"); banned {
		t.Errorf("expected no ban after a single wrong password")
	}
}

func TestServerPeer_PasswordBan(t *testing.T) {
	h := newHarness(t, Config{}, func(s *settings.Settings) {
		s.SetPassword("depth charge")
		s.Set(settings.PropBanAfterWrongPassword, true)
		s.Set(settings.PropMaxPasswordRetriesBeforeBan, 1)
	})

	c := h.dial("10.0.0.2:50000", ClientConfig{Name: "Captain", Password: "wrong"})
	h.settle(c)

	expectDisconnect(t, c, packets.ReasonTooManyFailedLogins)
	banned, reason := h.bans.IsBanned("10.0.0.2")
	if !banned || reason != "too many password failures" {
		t.Errorf("expected the endpoint to be banned for password failures, got %v %q", banned, reason)
	}
}

func TestServerPeer_Rejections(t *testing.T) {
	tests := map[string]struct {
		config    Config
		configure func(*settings.Settings)
		prepare   func(*harness)
		client    ClientConfig
		want      packets.DisconnectReason
	}{
		"version_below_minimum": {
			config: Config{GameVersion: "1.2.0", MinCompatibleVersion: "1.1.0"},
			client: ClientConfig{Name: "Captain", GameVersion: "1.0.9"},
			want:   packets.ReasonInvalidVersion,
		},
		"newer_major_version": {
			client: ClientConfig{Name: "Captain", GameVersion: "2.0.0"},
			want:   packets.ReasonInvalidVersion,
		},
		"reserved_name": {
			client: ClientConfig{Name: "Server"},
			want:   packets.ReasonInvalidName,
		},
		"missing_ticket": {
			configure: func(s *settings.Settings) { s.RequireAuthentication = true },
			client:    ClientConfig{Name: "Captain"},
			want:      packets.ReasonAuthenticationRequired,
		},
		"unknown_ticket": {
			configure: func(s *settings.Settings) { s.RequireAuthentication = true },
			client:    ClientConfig{Name: "Captain", TicketKind: auth.TicketJWT, Ticket: []byte("forged")},
			want:      packets.ReasonAuthenticationFailed,
		},
		"endpoint_banned": {
			prepare: func(h *harness) {
				h.bans.Ban("Griefer", bans.Target{Endpoint: "10.0.0.2"}, "griefing", 0)
			},
			client: ClientConfig{Name: "Captain"},
			want:   packets.ReasonBanned,
		},
		"account_banned_after_verification": {
			prepare: func(h *harness) {
				h.bans.Ban("Captain", bans.Target{Account: auth.NewAccountInfo(steamCaptain)}, "cheating", 0)
			},
			client: ClientConfig{Name: "Captain", TicketKind: auth.TicketJWT, Ticket: []byte("captain-ticket")},
			want:   packets.ReasonBanned,
		},
		"other_matching_id_banned": {
			prepare: func(h *harness) {
				h.bans.Ban("Captain", bans.Target{Account: auth.NewAccountInfo(steamCaptain)}, "cheating", 0)
			},
			client: ClientConfig{Name: "Alt", TicketKind: auth.TicketJWT, Ticket: []byte("alt-ticket")},
			want:   packets.ReasonBanned,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, tt.config, tt.configure)
			if tt.prepare != nil {
				tt.prepare(h)
			}
			c := h.dial("10.0.0.2:50000", tt.client)
			h.settle(c)

			expectDisconnect(t, c, tt.want)
			if n := len(h.server.PendingClients()) + len(h.server.ConnectedClients()); n != 0 {
				t.Errorf("expected the client to be removed, %d clients remain", n)
			}
		})
	}
}

func TestServerPeer_BanDuringHandshake(t *testing.T) {
	h := newHarness(t, Config{}, func(s *settings.Settings) { s.SetPassword("depth charge") })

	answer := false
	c := h.dial("10.0.0.2:50000", ClientConfig{Name: "Captain"})
	c.PasswordFunc = func(int) (string, bool) { return "depth charge", answer }
	h.pump(func() bool {
		pending := h.server.PendingClients()
		return len(pending) == 1 && pending[0].Step() == packets.Password && c.Step() == packets.Password
	}, c)

	if _, err := h.bans.Ban("Captain", bans.Target{Endpoint: "10.0.0.2"}, "griefing", 0); err != nil {
		t.Fatalf("Ban() returned an unexpected error: %v", err)
	}
	answer = true

	var steps []packets.ConnectionInitialization
	h.pump(func() bool {
		steps = append(steps, c.Step())
		_, gone := c.Disconnected()
		return gone
	}, c)

	expectDisconnect(t, c, packets.ReasonBanned)
	for _, step := range steps {
		if step != packets.Password {
			t.Fatalf("expected the handshake to stop at Password, client reached %v", step)
		}
	}
	if c.ServerName() != "" || c.Manifest() != nil {
		t.Errorf("expected no content package order to be sent to a banned client")
	}
	if n := len(h.server.PendingClients()) + len(h.server.ConnectedClients()); n != 0 {
		t.Errorf("expected the banned client to be removed, %d remain", n)
	}
}

func TestServerPeer_BanWhileConnected(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.dial("10.0.0.2:50000", ClientConfig{Name: "Captain"})
	h.settle(c)
	if !c.Connected() {
		t.Fatal("expected the client to connect")
	}

	var left []packets.DisconnectPacket
	h.server.OnDisconnect = func(_ *ConnectedClient, reason packets.DisconnectPacket) { left = append(left, reason) }
	if _, err := h.bans.Ban("Captain", bans.Target{Endpoint: "10.0.0.2"}, "griefing", time.Hour); err != nil {
		t.Fatalf("Ban() returned an unexpected error: %v", err)
	}

	delivered := false
	h.server.OnMessageReceived = func(*ConnectedClient, []byte) { delivered = true }
	if err := c.Send([]byte("hello"), transport.Reliable, false); err != nil {
		t.Fatalf("Send() returned an unexpected error: %v", err)
	}
	h.pump(func() bool {
		_, gone := c.Disconnected()
		return gone
	}, c)

	expectDisconnect(t, c, packets.ReasonBanned)
	if delivered {
		t.Errorf("expected the message from a banned client to be dropped")
	}
	if len(left) != 1 || left[0].Reason != packets.ReasonBanned {
		t.Errorf("expected one Banned disconnect callback, got %+v", left)
	}
	if n := len(h.server.ConnectedClients()); n != 0 {
		t.Errorf("expected no connected clients, got %d", n)
	}
}

func TestServerPeer_NameAndSessionTaken(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	first := h.dial("10.0.0.2:50000", ClientConfig{Name: "Captain", TicketKind: auth.TicketJWT, Ticket: []byte("captain-ticket")})
	h.settle(first)
	if !first.Connected() {
		t.Fatal("expected the first client to connect")
	}

	sameName := h.dial("10.0.0.3:50000", ClientConfig{Name: "Captain", TicketKind: auth.TicketJWT, Ticket: []byte("medic-ticket")})
	h.settle(sameName, first)
	expectDisconnect(t, sameName, packets.ReasonNameTaken)

	// alt-ticket lists the first client's account as another matching id.
	sameAccount := h.dial("10.0.0.4:50000", ClientConfig{Name: "Alt", TicketKind: auth.TicketJWT, Ticket: []byte("alt-ticket")})
	h.settle(sameAccount, first)
	expectDisconnect(t, sameAccount, packets.ReasonSessionTaken)

	if n := len(h.server.ConnectedClients()); n != 1 {
		t.Errorf("expected only the first client to stay connected, got %d", n)
	}
}

func TestServerPeer_ServerFull(t *testing.T) {
	h := newHarness(t, Config{}, func(s *settings.Settings) { s.SetMaxPlayers(1) })

	first := h.dial("10.0.0.2:50000", ClientConfig{Name: "Captain"})
	h.settle(first)
	second := h.dial("10.0.0.3:50000", ClientConfig{Name: "Medic"})
	h.settle(second, first)

	expectDisconnect(t, second, packets.ReasonServerFull)
}

func TestServerPeer_RateLimit(t *testing.T) {
	h := newHarness(t, Config{ConnectRatePerSecond: 0.01, ConnectBurst: 1}, nil)

	first := h.dial("10.0.0.2:50000", ClientConfig{Name: "Captain"})
	second := h.dial("10.0.0.2:50001", ClientConfig{Name: "Medic"})
	h.settle(second, first)

	expectDisconnect(t, second, packets.ReasonRateLimited)
	h.settle(first)
	if !first.Connected() {
		t.Errorf("expected the first attempt to be admitted")
	}
}

func TestServerPeer_Timeout(t *testing.T) {
	h := newHarness(t, Config{PendingTimeout: 500 * time.Millisecond}, nil)

	raw := h.dialRaw("10.0.0.2:50000")
	c := NewClientPeer(raw, ClientConfig{}, h.logger)
	// The client never answers, so only the server's countdown can end this.
	h.pump(func() bool {
		for _, e := range raw.Poll() {
			if e.Kind == transport.StatusChanged && e.Disconnect != nil {
				c.handleDisconnect(*e.Disconnect)
			}
		}
		_, gone := c.Disconnected()
		return gone
	})

	expectDisconnect(t, c, packets.ReasonTimeout)
	if n := len(h.server.PendingClients()); n != 0 {
		t.Errorf("expected the pending client to be removed, got %d", n)
	}
}

func TestServerPeer_StepsNeverRegress(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	raw := h.dialRaw("10.0.0.2:50000")
	h.server.Update(50 * time.Millisecond)

	req := packets.AuthRequest{Name: "Captain", GameVersion: DefaultGameVersion}
	if err := raw.Send(stepFrame(t, packets.AuthInfoAndVersion, req.Encode()), transport.Reliable); err != nil {
		t.Fatalf("Send() returned an unexpected error: %v", err)
	}
	h.server.Update(50 * time.Millisecond)

	pending := h.server.PendingClients()
	if len(pending) != 1 || pending[0].Step() != packets.ContentPackageOrder {
		t.Fatalf("expected the client at ContentPackageOrder, got %+v", pending)
	}

	// A retransmitted answer to an earlier step changes nothing.
	raw.Send(stepFrame(t, packets.AuthInfoAndVersion, req.Encode()), transport.Reliable)
	raw.Send(stepFrame(t, packets.Password, nil), transport.Reliable)
	h.server.Update(50 * time.Millisecond)

	pending = h.server.PendingClients()
	if len(pending) != 1 || pending[0].Step() != packets.ContentPackageOrder {
		t.Errorf("expected the client to stay at ContentPackageOrder, got %+v", pending)
	}
}

func TestServerPeer_MalformedPendingDataBansEndpoint(t *testing.T) {
	h := newHarness(t, Config{MalformedBanDuration: time.Hour}, nil)

	raw := h.dialRaw("10.0.0.2:50000")
	h.server.Update(50 * time.Millisecond)
	raw.Send([]byte{0xff, 0x01}, transport.Reliable)
	h.server.Update(50 * time.Millisecond)

	if banned, _ := h.bans.IsBanned("10.0.0.2"); !banned {
		t.Errorf("expected the endpoint to be banned")
	}
	var got *packets.DisconnectPacket
	for _, e := range raw.Poll() {
		if e.Kind == transport.StatusChanged && e.Disconnect != nil {
			got = e.Disconnect
		}
	}
	if got == nil || got.Reason != packets.ReasonMalformedData {
		t.Errorf("expected a MalformedData disconnect, got %v", got)
	}
	entries := h.bans.Entries()
	if len(entries) != 1 || entries[0].ExpiresAt == nil {
		t.Errorf("expected a single temporary ban, got %+v", entries)
	}
}

func TestServerPeer_MalformedConnectedDataIsDropped(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	var received [][]byte
	h.server.OnMessageReceived = func(_ *ConnectedClient, msg []byte) { received = append(received, msg) }

	c := h.dial("10.0.0.2:50000", ClientConfig{Name: "Captain"})
	h.settle(c)
	c.SendRaw([]byte{0xff, 0x01})
	if err := c.Send([]byte("ready"), transport.Reliable, false); err != nil {
		t.Fatalf("Send() returned an unexpected error: %v", err)
	}
	h.pump(func() bool { return len(received) > 0 }, c)

	if diff := cmp.Diff([][]byte{[]byte("ready")}, received); diff != "" {
		t.Errorf("unexpected messages; diff:\n%s", diff)
	}
	if n := len(h.server.ConnectedClients()); n != 1 {
		t.Errorf("expected the client to stay connected, got %d", n)
	}
	if banned, _ := h.bans.IsBanned("10.0.0.2"); banned {
		t.Errorf("expected no ban for malformed data from a connected client")
	}
}

func TestServerPeer_Owner(t *testing.T) {
	tests := map[string]struct {
		config    Config
		addr      string
		ownerKey  int32
		wantOwner bool
	}{
		"loopback_with_key": {
			config: Config{OwnerKey: 77}, addr: "127.0.0.1:50000", ownerKey: 77, wantOwner: true,
		},
		"loopback_wrong_key": {
			config: Config{OwnerKey: 77}, addr: "127.0.0.1:50000", ownerKey: 78,
		},
		"remote_with_key": {
			config: Config{OwnerKey: 77}, addr: "10.0.0.2:50000", ownerKey: 77,
		},
		"owner_endpoint": {
			config: Config{OwnerEndpoint: "10.0.0.2"}, addr: "10.0.0.2:50000", wantOwner: true,
		},
		"owner_endpoint_and_key": {
			config: Config{OwnerEndpoint: "10.0.0.2", OwnerKey: 77}, addr: "10.0.0.2:50000", ownerKey: 12,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, tt.config, nil)
			var owner *ConnectedClient
			h.server.OnOwnerDetermined = func(cc *ConnectedClient) { owner = cc }

			c := h.dial(tt.addr, ClientConfig{Name: "Captain", OwnerKey: tt.ownerKey})
			h.settle(c)
			if !c.Connected() {
				t.Fatal("expected the client to connect")
			}

			cc := h.server.ConnectedClients()[0]
			if cc.Owner != tt.wantOwner || (owner != nil) != tt.wantOwner {
				t.Errorf("expected owner=%v, got Owner=%v callback=%v", tt.wantOwner, cc.Owner, owner != nil)
			}
			if tt.wantOwner && cc.Permissions() != permissions.All {
				t.Errorf("expected the owner to hold every permission, got %v", cc.Permissions())
			}
		})
	}
}

func TestServerPeer_TrustLocalClients(t *testing.T) {
	h := newHarness(t, Config{TrustLocalClients: true}, func(s *settings.Settings) { s.RequireAuthentication = true })

	local := h.dial("127.0.0.1:50000", ClientConfig{Name: "Captain"})
	h.settle(local)
	if !local.Connected() {
		t.Errorf("expected the local client to be admitted without a ticket")
	}

	remote := h.dial("10.0.0.2:50000", ClientConfig{Name: "Medic"})
	h.settle(remote, local)
	expectDisconnect(t, remote, packets.ReasonAuthenticationRequired)
}

func TestServerPeer_GrantPermissions(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	c := h.dial("10.0.0.2:50000", ClientConfig{Name: "Captain"})
	h.settle(c)
	cc := h.server.ConnectedClients()[0]

	var ack settings.Ack
	for i := range ack.IDs {
		flag := settings.NetFlags(1 << i)
		ack.Flags |= flag
		ack.IDs[i] = h.settings.LastUpdateID(flag)
	}
	h.settings.Acknowledge(cc.SyncCursor(), ack)
	if required := h.settings.GetRequiredFlags(cc.SyncCursor()); required != 0 {
		t.Fatalf("expected nothing to be required after acknowledging, got %v", required)
	}

	h.server.GrantPermissions(cc, permissions.ManageSettings|permissions.Kick)
	if cc.Permissions() != permissions.ManageSettings|permissions.Kick {
		t.Errorf("unexpected permissions %v", cc.Permissions())
	}
	if required := h.settings.GetRequiredFlags(cc.SyncCursor()); required != settings.FlagProperties {
		t.Errorf("expected only the properties to be resent, got %v", required)
	}
}

func TestServerPeer_SendFragmentsLargeMessages(t *testing.T) {
	h := newHarness(t, Config{MaxFragmentSize: 64}, nil)

	var received []byte
	c := h.dial("10.0.0.2:50000", ClientConfig{Name: "Captain"})
	c.OnMessageReceived = func(msg []byte) { received = msg }
	h.settle(c)

	msg := bytes.Repeat([]byte("ballast tank "), 80)
	if err := h.server.Send(msg, h.server.ConnectedClients()[0], transport.Reliable, true); err != nil {
		t.Fatalf("Send() returned an unexpected error: %v", err)
	}
	h.pump(func() bool { return received != nil }, c)

	if !bytes.Equal(msg, received) {
		t.Errorf("expected the reassembled message to match, got %d bytes", len(received))
	}
}

func TestServerPeer_ReconnectSkipsPassword(t *testing.T) {
	h := newHarness(t, Config{}, func(s *settings.Settings) { s.SetPassword("depth charge") })

	var disconnects []packets.DisconnectReason
	h.server.OnDisconnect = func(_ *ConnectedClient, reason packets.DisconnectPacket) {
		disconnects = append(disconnects, reason.Reason)
	}

	first := h.dial("10.0.0.2:50000", ClientConfig{Name: "Captain", Password: "depth charge"})
	h.settle(first)
	if !first.Connected() {
		t.Fatal("expected the first connection to succeed")
	}
	first.Close()
	h.pump(func() bool { return len(h.server.ConnectedClients()) == 0 })

	again := h.dial("10.0.0.2:50001", ClientConfig{Name: "Captain"})
	again.PasswordFunc = func(int) (string, bool) {
		t.Error("expected no password prompt within the grace period")
		return "", false
	}
	h.settle(again)
	if !again.Connected() {
		t.Errorf("expected the returning client to connect")
	}
	if diff := cmp.Diff([]packets.DisconnectReason{packets.ReasonDisconnected}, disconnects); diff != "" {
		t.Errorf("unexpected disconnect callbacks; diff:\n%s", diff)
	}
}

func TestServerPeer_CloseDisconnectsEveryone(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	shutdown := false
	h.server.OnShutdown = func() { shutdown = true }

	connected := h.dial("10.0.0.2:50000", ClientConfig{Name: "Captain"})
	h.settle(connected)
	pending := h.dialRaw("10.0.0.3:50000")
	h.server.Update(50 * time.Millisecond)

	if err := h.server.Close(); err != nil {
		t.Fatalf("Close() returned an unexpected error: %v", err)
	}
	connected.Update()
	expectDisconnect(t, connected, packets.ReasonServerShutdown)

	var got *packets.DisconnectPacket
	for _, e := range pending.Poll() {
		if e.Disconnect != nil {
			got = e.Disconnect
		}
	}
	if got == nil || got.Reason != packets.ReasonServerShutdown {
		t.Errorf("expected the pending client to see ServerShutdown, got %v", got)
	}
	if !shutdown {
		t.Errorf("expected OnShutdown to be called")
	}
}

func TestNewServerPeer_Errors(t *testing.T) {
	tr, _ := memory.NewNetwork().Listen(serverAddr)
	tests := map[string]struct {
		opts Options
	}{
		"missing_transport": {opts: Options{Settings: settings.New()}},
		"missing_settings":  {opts: Options{Transport: tr}},
		"bad_version":       {opts: Options{Transport: tr, Settings: settings.New(), Config: Config{GameVersion: "not.a.version"}}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := NewServerPeer(tt.opts); err == nil {
				t.Errorf("expected an error")
			}
		})
	}
}
