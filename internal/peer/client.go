package peer

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/ballast/internal/auth"
	"github.com/dcrodman/ballast/internal/packets"
	"github.com/dcrodman/ballast/internal/transport"
)

var ErrClientDisconnected = errors.New("peer: disconnected from server")

// ClientConfig is what a client presents during the handshake.
type ClientConfig struct {
	Name        string
	Password    string
	OwnerKey    int32
	GameVersion string
	Language    string
	TicketKind  auth.TicketKind
	Ticket      []byte
	// CompressionThreshold applies to messages sent with compress set.
	CompressionThreshold int
}

// ClientPeer answers the server's handshake steps and then exchanges
// messages with it. Like ServerPeer it is driven by Update.
type ClientPeer struct {
	OnConnected       func()
	OnMessageReceived func(msg []byte)
	OnDisconnect      func(reason packets.DisconnectPacket)
	// PasswordFunc supplies the password to try. retries is the number of
	// wrong answers the server has seen so far. Returning false gives up and
	// leaves the server to time the handshake out.
	PasswordFunc func(retries int) (string, bool)

	transport transport.ClientTransport
	config    ClientConfig
	logger    *logrus.Logger

	step            packets.ConnectionInitialization
	answeredRetries int32
	connected       bool
	disconnect      *packets.DisconnectPacket
	serverName      string
	manifest        []packets.ContentPackage
	defragmenter    *packets.Defragmenter
}

func NewClientPeer(t transport.ClientTransport, cfg ClientConfig, logger *logrus.Logger) *ClientPeer {
	if cfg.GameVersion == "" {
		cfg.GameVersion = DefaultGameVersion
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &ClientPeer{
		transport:       t,
		config:          cfg,
		logger:          logger,
		step:            packets.AuthInfoAndVersion,
		answeredRetries: -1,
		defragmenter:    packets.NewDefragmenter(),
	}
	c.PasswordFunc = func(int) (string, bool) { return c.config.Password, true }
	return c
}

func (c *ClientPeer) Connected() bool { return c.connected }

// Disconnected returns the reason the server gave for closing the connection.
func (c *ClientPeer) Disconnected() (packets.DisconnectPacket, bool) {
	if c.disconnect == nil {
		return packets.DisconnectPacket{}, false
	}
	return *c.disconnect, true
}

// Step is the last handshake step the server asked about.
func (c *ClientPeer) Step() packets.ConnectionInitialization { return c.step }
func (c *ClientPeer) ServerName() string                     { return c.serverName }
func (c *ClientPeer) Manifest() []packets.ContentPackage     { return c.manifest }

// Update handles every event received since the previous call.
func (c *ClientPeer) Update() {
	for _, e := range c.transport.Poll() {
		switch e.Kind {
		case transport.StatusChanged:
			if e.Disconnect != nil {
				c.handleDisconnect(*e.Disconnect)
			}
		case transport.Data:
			c.handleData(e.Data)
		}
	}
}

func (c *ClientPeer) handleDisconnect(reason packets.DisconnectPacket) {
	if c.disconnect != nil {
		return
	}
	c.disconnect = &reason
	c.connected = false
	c.logger.Infof("[CLIENT] disconnected: %v", reason)
	if c.OnDisconnect != nil {
		c.OnDisconnect(reason)
	}
}

func (c *ClientPeer) handleData(data []byte) {
	f, err := packets.DecodeFrame(data)
	if err != nil {
		c.logger.Warnf("[CLIENT] dropped malformed message: %v", err)
		return
	}
	if f.IsInitializationStep() {
		c.handleStep(f)
		return
	}
	if f.Header.Has(packets.IsDisconnectMessage) {
		reason, err := packets.DecodeDisconnectPacket(f.Payload)
		if err != nil {
			reason = packets.NewDisconnect(packets.ReasonUnknown, "")
		}
		c.handleDisconnect(reason)
		return
	}

	msg := f.Payload
	if f.Header.Has(packets.IsFragment) {
		var complete bool
		if msg, complete, err = c.defragmenter.Add(f.Payload); err != nil {
			c.logger.Warnf("[CLIENT] dropped bad fragment: %v", err)
			return
		} else if !complete {
			return
		}
	}
	if c.OnMessageReceived != nil {
		c.OnMessageReceived(msg)
	}
}

func (c *ClientPeer) handleStep(f packets.Frame) {
	if c.connected {
		return
	}
	c.step = f.Step

	switch f.Step {
	case packets.AuthInfoAndVersion:
		req := packets.AuthRequest{
			Name:        c.config.Name,
			OwnerKey:    c.config.OwnerKey,
			GameVersion: c.config.GameVersion,
			Language:    c.config.Language,
			TicketKind:  uint8(c.config.TicketKind),
			Ticket:      c.config.Ticket,
		}
		c.sendStep(packets.AuthInfoAndVersion, req.Encode())

	case packets.Password:
		challenge, err := packets.DecodePasswordChallenge(f.Payload)
		if err != nil {
			c.logger.Warnf("[CLIENT] bad password challenge: %v", err)
			return
		}
		// Each retry count is answered once; repeats of the same challenge
		// are resends.
		if challenge.Retries == c.answeredRetries {
			return
		}
		password, ok := c.PasswordFunc(int(challenge.Retries))
		if !ok {
			return
		}
		c.answeredRetries = challenge.Retries
		resp := packets.PasswordResponse{SaltedPassword: auth.SaltPassword(auth.HashPassword(password), challenge.Salt)}
		c.sendStep(packets.Password, resp.Encode())

	case packets.ContentPackageOrder:
		order, err := packets.DecodeContentPackageManifest(f.Payload)
		if err != nil {
			c.logger.Warnf("[CLIENT] bad content package order: %v", err)
			return
		}
		c.serverName = order.ServerName
		c.manifest = order.Packages
		c.sendStep(packets.ContentPackageOrder, nil)

	case packets.Success:
		c.connected = true
		c.logger.Infof("[CLIENT] connected to %s", c.serverName)
		if c.OnConnected != nil {
			c.OnConnected()
		}
	}
}

func (c *ClientPeer) sendStep(step packets.ConnectionInitialization, payload []byte) {
	data, err := packets.EncodeFrame(packets.Frame{
		Header:  packets.IsConnectionInitializationStep,
		Step:    step,
		Payload: payload,
	}, 0)
	if err != nil {
		c.logger.Warnf("[CLIENT] error encoding %v answer: %v", step, err)
		return
	}
	if err := c.transport.Send(data, transport.Reliable); err != nil {
		c.logger.Warnf("[CLIENT] error sending %v answer: %v", step, err)
	}
}

// Send sends a message to the server once the handshake is complete.
func (c *ClientPeer) Send(msg []byte, method transport.DeliveryMethod, compress bool) error {
	if !c.connected {
		return ErrClientDisconnected
	}
	threshold := 0
	if compress {
		threshold = c.config.CompressionThreshold
	}
	data, err := packets.EncodeFrame(packets.Frame{Payload: msg}, threshold)
	if err != nil {
		return err
	}
	return c.transport.Send(data, method)
}

// SendRaw sends data without framing it.
func (c *ClientPeer) SendRaw(data []byte) error {
	return c.transport.Send(data, transport.Reliable)
}

// Close tells the server the client is leaving and closes the transport.
func (c *ClientPeer) Close() error {
	if c.disconnect == nil {
		reason := packets.NewDisconnect(packets.ReasonDisconnected, "")
		if data, err := packets.EncodeFrame(packets.Frame{Header: packets.IsDisconnectMessage, Payload: reason.Encode()}, 0); err == nil {
			c.transport.Send(data, transport.Reliable)
		}
		c.disconnect = &reason
	}
	c.connected = false
	return c.transport.Close()
}
