package host

import (
	"errors"
	"fmt"

	"github.com/dcrodman/ballast/internal/netbuf"
	"github.com/dcrodman/ballast/internal/settings"
)

var ErrUnknownMessage = errors.New("unknown message type")

// MessageType is the first byte of every message exchanged once a client
// has connected.
type MessageType uint8

const (
	// MessageSettings carries a settings write from the server.
	MessageSettings MessageType = iota + 1
	// MessageSettingsAck acknowledges the settings a client has applied.
	MessageSettingsAck
	// MessageSettingsChange is a settings change requested by a client.
	MessageSettingsChange
)

func (t MessageType) String() string {
	switch t {
	case MessageSettings:
		return "Settings"
	case MessageSettingsAck:
		return "SettingsAck"
	case MessageSettingsChange:
		return "SettingsChange"
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// readMessageType returns the type of msg and a reader positioned after it.
func readMessageType(msg []byte) (MessageType, *netbuf.Reader, error) {
	r := netbuf.NewReader(msg)
	t, err := r.ReadUint8()
	if err != nil {
		return 0, nil, fmt.Errorf("%w: empty message", settings.ErrMalformed)
	}
	return MessageType(t), r, nil
}

func EncodeSettingsAck(ack settings.Ack) []byte {
	buf := netbuf.NewBuffer(16)
	buf.WriteUint8(uint8(MessageSettingsAck))
	settings.WriteAck(buf, ack)
	return buf.Bytes()
}

func EncodeSettingsChange(change settings.Change) ([]byte, error) {
	buf := netbuf.NewBuffer(64)
	buf.WriteUint8(uint8(MessageSettingsChange))
	if err := settings.WriteChange(buf, change); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSettings reads a MessageSettings message as a client would.
func DecodeSettings(msg []byte) (settings.Update, error) {
	t, r, err := readMessageType(msg)
	if err != nil {
		return settings.Update{}, err
	}
	if t != MessageSettings {
		return settings.Update{}, fmt.Errorf("%w: expected %v, got %v", ErrUnknownMessage, MessageSettings, t)
	}
	return settings.ClientRead(r)
}
