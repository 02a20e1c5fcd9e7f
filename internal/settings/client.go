package settings

import (
	"fmt"
	"sort"

	"github.com/dcrodman/ballast/internal/netbuf"
)

var defsByKey = func() map[uint32]propertyDef {
	m := make(map[uint32]propertyDef, len(propertyDefs))
	for _, def := range propertyDefs {
		m[propertyKey(def.name)] = def
	}
	return m
}()

// Update is a settings write as decoded by a client.
type Update struct {
	Required           NetFlags
	PlayStyle          PlayStyle
	MaxPlayers         int
	HasPassword        bool
	IsPublic           bool
	AllowFileTransfers bool
	TickRate           int

	IDs           [numFlags]uint16
	ServerName    string
	ServerMessage string
	Misc          Misc
	LevelSeed     string
	HiddenSubs    []string
	// AdminBlock is set when the write carried the property list.
	AdminBlock bool
	Properties map[string]any
}

// Ack acknowledges every category present in u.
func (u Update) Ack() Ack {
	return Ack{Flags: u.Required, IDs: u.IDs}
}

// ClientRead decodes a message produced by ServerWrite.
func ClientRead(r *netbuf.Reader) (Update, error) {
	var u Update
	if err := readUpdate(r, &u); err != nil {
		return u, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return u, nil
}

func readUpdate(r *netbuf.Reader, u *Update) error {
	required, err := r.ReadUint8()
	if err != nil {
		return err
	}
	u.Required = NetFlags(required)
	if u.Required&^allFlags != 0 {
		return fmt.Errorf("unknown flags %v", u.Required)
	}
	style, err := r.ReadUint8()
	if err != nil {
		return err
	}
	u.PlayStyle = PlayStyle(style)
	maxPlayers, err := r.ReadUint8()
	if err != nil {
		return err
	}
	u.MaxPlayers = int(maxPlayers)
	if u.HasPassword, err = r.ReadBool(); err != nil {
		return err
	}
	if u.IsPublic, err = r.ReadBool(); err != nil {
		return err
	}
	if u.AllowFileTransfers, err = r.ReadBool(); err != nil {
		return err
	}
	r.ReadPadBits()
	if u.TickRate, err = r.ReadRangedInteger(MinTickRate, MaxTickRate); err != nil {
		return err
	}

	for i, flag := range orderedFlags {
		if !u.Required.Has(flag) {
			continue
		}
		if u.IDs[i], err = r.ReadUint16(); err != nil {
			return err
		}
		switch flag {
		case FlagName:
			u.ServerName, err = r.ReadString()
		case FlagMessage:
			u.ServerMessage, err = r.ReadString()
		case FlagProperties:
			if u.AdminBlock, err = r.ReadBool(); err != nil {
				return err
			}
			r.ReadPadBits()
			if u.AdminBlock {
				u.Properties, err = readProperties(r)
			}
		case FlagMisc:
			u.Misc, err = readMisc(r)
		case FlagLevelSeed:
			u.LevelSeed, err = r.ReadString()
		case FlagHiddenSubs:
			u.HiddenSubs, err = readStrings(r, MaxHiddenSubs)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func readProperties(r *netbuf.Reader) (map[string]any, error) {
	props := make(map[string]any)
	for {
		key, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		if key == 0 {
			return props, nil
		}
		def, ok := defsByKey[key]
		if !ok {
			return nil, fmt.Errorf("%w: key 0x%08x", ErrUnknownProperty, key)
		}
		if _, dup := props[def.name]; dup {
			return nil, fmt.Errorf("duplicate property %s", def.name)
		}
		if props[def.name], err = readValue(r, def.kind); err != nil {
			return nil, err
		}
	}
}

func writeProperties(buf *netbuf.Buffer, props map[string]any) error {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		key := propertyKey(name)
		def, ok := defsByKey[key]
		if !ok || def.name != name {
			return fmt.Errorf("%w: %s", ErrUnknownProperty, name)
		}
		value, err := coerce(def.kind, props[name])
		if err != nil {
			return fmt.Errorf("property %s: %w", name, err)
		}
		buf.WriteUint32(key)
		if err := writeValue(buf, def.kind, value); err != nil {
			return err
		}
	}
	buf.WriteUint32(0)
	return nil
}

// Change is a request from a client to modify settings. Only the categories
// named in Flags are read or applied.
type Change struct {
	Flags         NetFlags
	ServerName    string
	ServerMessage string
	Misc          Misc
	LevelSeed     string
	HiddenSubs    []string
	Properties    map[string]any
}

// WriteChange serializes a change: a flags byte followed by each flagged
// section in flag order. Properties are (key, value) pairs ending in a zero key.
func WriteChange(buf *netbuf.Buffer, c Change) error {
	buf.WriteUint8(uint8(c.Flags & allFlags))
	for _, flag := range orderedFlags {
		if !c.Flags.Has(flag) {
			continue
		}
		switch flag {
		case FlagName:
			buf.WriteString(c.ServerName)
		case FlagMessage:
			buf.WriteString(c.ServerMessage)
		case FlagProperties:
			if err := writeProperties(buf, c.Properties); err != nil {
				return err
			}
		case FlagMisc:
			writeMisc(buf, c.Misc)
		case FlagLevelSeed:
			buf.WriteString(c.LevelSeed)
		case FlagHiddenSubs:
			writeStrings(buf, c.HiddenSubs)
		}
	}
	return nil
}

func ReadChange(r *netbuf.Reader) (Change, error) {
	var c Change
	if err := readChange(r, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return c, nil
}

func readChange(r *netbuf.Reader, c *Change) error {
	flags, err := r.ReadUint8()
	if err != nil {
		return err
	}
	c.Flags = NetFlags(flags)
	if c.Flags&^allFlags != 0 {
		return fmt.Errorf("unknown flags %v", c.Flags)
	}
	for _, flag := range orderedFlags {
		if !c.Flags.Has(flag) {
			continue
		}
		switch flag {
		case FlagName:
			c.ServerName, err = r.ReadString()
		case FlagMessage:
			c.ServerMessage, err = r.ReadString()
		case FlagProperties:
			c.Properties, err = readProperties(r)
		case FlagMisc:
			c.Misc, err = readMisc(r)
		case FlagLevelSeed:
			c.LevelSeed, err = r.ReadString()
		case FlagHiddenSubs:
			c.HiddenSubs, err = readStrings(r, MaxHiddenSubs)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
