package settings

import (
	"fmt"
	"strings"

	"github.com/dcrodman/ballast/internal/netbuf"
)

// NetFlags names the independently synchronized categories of settings.
type NetFlags uint8

const (
	FlagName NetFlags = 1 << iota
	FlagMessage
	FlagProperties
	FlagMisc
	FlagLevelSeed
	FlagHiddenSubs

	numFlags = 6
	allFlags = FlagName | FlagMessage | FlagProperties | FlagMisc | FlagLevelSeed | FlagHiddenSubs
)

// orderedFlags lists every flag by index; flag i is 1 << i.
var orderedFlags = [numFlags]NetFlags{FlagName, FlagMessage, FlagProperties, FlagMisc, FlagLevelSeed, FlagHiddenSubs}

var flagNames = [numFlags]string{"Name", "Message", "Properties", "Misc", "LevelSeed", "HiddenSubs"}

func (f NetFlags) Has(flag NetFlags) bool { return f&flag != 0 }

func (f NetFlags) String() string {
	if f == 0 {
		return "None"
	}
	var parts []string
	for i, flag := range orderedFlags {
		if f.Has(flag) {
			parts = append(parts, flagNames[i])
		}
	}
	if f&^allFlags != 0 {
		parts = append(parts, fmt.Sprintf("0x%02x", uint8(f&^allFlags)))
	}
	return strings.Join(parts, "|")
}

// IsNewer reports whether update id a is more recent than b, treating the
// ids as a sequence that wraps around at 2^16.
func IsNewer(a, b uint16) bool {
	return a != b && a-b < 0x8000
}

// SyncCursor records which update of each category a client has acknowledged.
type SyncCursor struct {
	acked [numFlags]uint16
	// fullProperties is set until the client acknowledges a write that
	// contained every property rather than only the changed ones.
	fullProperties bool
}

// Acked returns the acknowledged update id for a single flag.
func (c *SyncCursor) Acked(flag NetFlags) uint16 {
	for i, f := range orderedFlags {
		if f == flag {
			return c.acked[i]
		}
	}
	return 0
}

// Ack is a client's acknowledgement of the settings it has applied.
type Ack struct {
	Flags NetFlags
	IDs   [numFlags]uint16
}

// WriteAck serializes an acknowledgement: a flags byte followed by the id of
// each flagged category in flag order.
func WriteAck(buf *netbuf.Buffer, ack Ack) {
	buf.WriteUint8(uint8(ack.Flags & allFlags))
	for i, flag := range orderedFlags {
		if ack.Flags.Has(flag) {
			buf.WriteUint16(ack.IDs[i])
		}
	}
}

func ReadAck(r *netbuf.Reader) (Ack, error) {
	var ack Ack
	flags, err := r.ReadUint8()
	if err != nil {
		return ack, fmt.Errorf("%w: reading ack flags: %v", ErrMalformed, err)
	}
	ack.Flags = NetFlags(flags)
	if ack.Flags&^allFlags != 0 {
		return ack, fmt.Errorf("%w: unknown flags %v", ErrMalformed, ack.Flags)
	}
	for i, flag := range orderedFlags {
		if !ack.Flags.Has(flag) {
			continue
		}
		if ack.IDs[i], err = r.ReadUint16(); err != nil {
			return ack, fmt.Errorf("%w: reading ack id: %v", ErrMalformed, err)
		}
	}
	return ack, nil
}
