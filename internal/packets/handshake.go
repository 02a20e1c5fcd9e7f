package packets

import (
	"fmt"

	"github.com/dcrodman/ballast/internal/netbuf"
)

// MaxContentPackages caps the manifest length accepted from the wire.
const MaxContentPackages = 1024

// AuthRequest is the client's answer to the AuthInfoAndVersion step.
type AuthRequest struct {
	Name string
	// OwnerKey is the one-time key handed to the process that launched the
	// server. Zero means no claim.
	OwnerKey    int32
	GameVersion string
	Language    string
	TicketKind  uint8
	Ticket      []byte
}

func (a *AuthRequest) Encode() []byte {
	buf := netbuf.NewBuffer(64 + len(a.Ticket))
	buf.WriteString(a.Name)
	buf.WriteBool(a.OwnerKey != 0)
	if a.OwnerKey != 0 {
		buf.WriteInt32(a.OwnerKey)
	}
	buf.WriteString(a.GameVersion)
	buf.WriteString(a.Language)
	buf.WriteUint8(a.TicketKind)
	buf.WriteLengthPrefixedBytes(a.Ticket)
	return buf.Bytes()
}

func DecodeAuthRequest(data []byte) (AuthRequest, error) {
	var a AuthRequest
	var err error
	r := netbuf.NewReader(data)

	if a.Name, err = r.ReadString(); err != nil {
		return a, fmt.Errorf("%w: reading name: %v", ErrMalformedFrame, err)
	}
	hasOwnerKey, err := r.ReadBool()
	if err != nil {
		return a, fmt.Errorf("%w: reading owner key flag: %v", ErrMalformedFrame, err)
	}
	if hasOwnerKey {
		if a.OwnerKey, err = r.ReadInt32(); err != nil {
			return a, fmt.Errorf("%w: reading owner key: %v", ErrMalformedFrame, err)
		}
	}
	if a.GameVersion, err = r.ReadString(); err != nil {
		return a, fmt.Errorf("%w: reading version: %v", ErrMalformedFrame, err)
	}
	if a.Language, err = r.ReadString(); err != nil {
		return a, fmt.Errorf("%w: reading language: %v", ErrMalformedFrame, err)
	}
	if a.TicketKind, err = r.ReadUint8(); err != nil {
		return a, fmt.Errorf("%w: reading ticket kind: %v", ErrMalformedFrame, err)
	}
	if a.Ticket, err = r.ReadLengthPrefixedBytes(); err != nil {
		return a, fmt.Errorf("%w: reading ticket: %v", ErrMalformedFrame, err)
	}
	return a, nil
}

// PasswordChallenge is pushed by the server while a client is at the Password step.
type PasswordChallenge struct {
	Salt    int32
	Retries int32
}

func (p *PasswordChallenge) Encode() []byte {
	buf := netbuf.NewBuffer(8)
	buf.WriteInt32(p.Salt)
	buf.WriteInt32(p.Retries)
	return buf.Bytes()
}

func DecodePasswordChallenge(data []byte) (PasswordChallenge, error) {
	var p PasswordChallenge
	var err error
	r := netbuf.NewReader(data)
	if p.Salt, err = r.ReadInt32(); err != nil {
		return p, fmt.Errorf("%w: reading salt: %v", ErrMalformedFrame, err)
	}
	if p.Retries, err = r.ReadInt32(); err != nil {
		return p, fmt.Errorf("%w: reading retries: %v", ErrMalformedFrame, err)
	}
	return p, nil
}

// PasswordResponse carries the password salted with the challenge's salt.
type PasswordResponse struct {
	SaltedPassword []byte
}

func (p *PasswordResponse) Encode() []byte {
	buf := netbuf.NewBuffer(4 + len(p.SaltedPassword))
	buf.WriteLengthPrefixedBytes(p.SaltedPassword)
	return buf.Bytes()
}

func DecodePasswordResponse(data []byte) (PasswordResponse, error) {
	var p PasswordResponse
	var err error
	r := netbuf.NewReader(data)
	if p.SaltedPassword, err = r.ReadLengthPrefixedBytes(); err != nil {
		return p, fmt.Errorf("%w: reading salted password: %v", ErrMalformedFrame, err)
	}
	return p, nil
}

type ContentPackage struct {
	Name    string
	Hash    string
	Version string
}

// ContentPackageManifest is the server's list of enabled content packages,
// in load order.
type ContentPackageManifest struct {
	ServerName        string
	Packages          []ContentPackage
	AllowModDownloads bool
}

func (c *ContentPackageManifest) Encode() []byte {
	buf := netbuf.NewBuffer(64 * (len(c.Packages) + 1))
	buf.WriteString(c.ServerName)
	buf.WriteVarUint32(uint32(len(c.Packages)))
	for _, p := range c.Packages {
		buf.WriteString(p.Name)
		buf.WriteString(p.Hash)
		buf.WriteString(p.Version)
	}
	buf.WriteBool(c.AllowModDownloads)
	return buf.Bytes()
}

func DecodeContentPackageManifest(data []byte) (ContentPackageManifest, error) {
	var c ContentPackageManifest
	var err error
	r := netbuf.NewReader(data)

	if c.ServerName, err = r.ReadString(); err != nil {
		return c, fmt.Errorf("%w: reading server name: %v", ErrMalformedFrame, err)
	}
	count, err := r.ReadVarUint32()
	if err != nil {
		return c, fmt.Errorf("%w: reading package count: %v", ErrMalformedFrame, err)
	}
	if count > MaxContentPackages {
		return c, fmt.Errorf("%w: %d content packages", ErrMalformedFrame, count)
	}
	for i := uint32(0); i < count; i++ {
		var p ContentPackage
		if p.Name, err = r.ReadString(); err != nil {
			return c, fmt.Errorf("%w: reading package name: %v", ErrMalformedFrame, err)
		}
		if p.Hash, err = r.ReadString(); err != nil {
			return c, fmt.Errorf("%w: reading package hash: %v", ErrMalformedFrame, err)
		}
		if p.Version, err = r.ReadString(); err != nil {
			return c, fmt.Errorf("%w: reading package version: %v", ErrMalformedFrame, err)
		}
		c.Packages = append(c.Packages, p)
	}
	if c.AllowModDownloads, err = r.ReadBool(); err != nil {
		return c, fmt.Errorf("%w: reading mod download flag: %v", ErrMalformedFrame, err)
	}
	return c, nil
}

// DisconnectPacket is the single structured cause delivered to a client
// whenever it is rejected or removed.
type DisconnectPacket struct {
	Reason  DisconnectReason
	Message string
}

func NewDisconnect(reason DisconnectReason, message string) DisconnectPacket {
	return DisconnectPacket{Reason: reason, Message: message}
}

func (d DisconnectPacket) Encode() []byte {
	buf := netbuf.NewBuffer(8 + len(d.Message))
	buf.WriteUint8(uint8(d.Reason))
	buf.WriteString(d.Message)
	return buf.Bytes()
}

func (d DisconnectPacket) String() string {
	if d.Message == "" {
		return d.Reason.String()
	}
	return fmt.Sprintf("%s (%s)", d.Reason, d.Message)
}

func DecodeDisconnectPacket(data []byte) (DisconnectPacket, error) {
	var d DisconnectPacket
	r := netbuf.NewReader(data)
	reason, err := r.ReadUint8()
	if err != nil {
		return d, fmt.Errorf("%w: reading reason: %v", ErrMalformedFrame, err)
	}
	d.Reason = DisconnectReason(reason)
	if d.Message, err = r.ReadString(); err != nil {
		return d, fmt.Errorf("%w: reading message: %v", ErrMalformedFrame, err)
	}
	return d, nil
}
