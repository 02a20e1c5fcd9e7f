// Package settings holds the replicated server settings and the per-client
// bookkeeping that decides which categories of them still have to be sent.
//
// Every mutation is stamped with an id from a single 16-bit counter and
// recorded against the category it belongs to. A client's SyncCursor holds
// the ids it has acknowledged, so the categories a client still needs are
// the ones whose last id is newer than its cursor. Settings is owned by the
// server loop and is not safe for concurrent use.
package settings

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dcrodman/ballast/internal/auth"
	"github.com/dcrodman/ballast/internal/netbuf"
	"github.com/dcrodman/ballast/internal/permissions"
)

var (
	ErrMalformed        = errors.New("malformed settings message")
	ErrUnknownProperty  = errors.New("unknown property")
	ErrWrongKind        = errors.New("wrong property kind")
	ErrPermissionDenied = errors.New("client may not change settings")
)

const (
	MinTickRate = 1
	MaxTickRate = 60

	MaxPlayersLimit = 255

	MaxServerNameLength    = 60
	MaxServerMessageLength = 2000
	MaxHiddenSubs          = 512

	GameModePvP = "pvp"
)

// PlayStyle is advertised to clients browsing for servers.
type PlayStyle uint8

const (
	Serious PlayStyle = iota
	Casual
	Roleplay
	Rampage
	SomethingDifferent
)

var playStyleNames = []string{"Serious", "Casual", "Roleplay", "Rampage", "SomethingDifferent"}

func (p PlayStyle) String() string {
	if int(p) < len(playStyleNames) {
		return playStyleNames[p]
	}
	return fmt.Sprintf("PlayStyle(%d)", uint8(p))
}

func ParsePlayStyle(s string) (PlayStyle, bool) {
	for i, name := range playStyleNames {
		if strings.EqualFold(name, s) {
			return PlayStyle(i), true
		}
	}
	return 0, false
}

// SelectionMode controls how the submarine or game mode of a round is chosen.
type SelectionMode uint8

const (
	Manual SelectionMode = iota
	Random
	Vote
)

var selectionModeNames = []string{"Manual", "Random", "Vote"}

func (m SelectionMode) String() string {
	if int(m) < len(selectionModeNames) {
		return selectionModeNames[m]
	}
	return fmt.Sprintf("SelectionMode(%d)", uint8(m))
}

func ParseSelectionMode(s string) (SelectionMode, bool) {
	for i, name := range selectionModeNames {
		if strings.EqualFold(name, s) {
			return SelectionMode(i), true
		}
	}
	return 0, false
}

// Misc groups the round setup options versioned under FlagMisc.
type Misc struct {
	GameMode          string
	SubSelectionMode  SelectionMode
	ModeSelectionMode SelectionMode
	AllowSpectating   bool
	VoiceChatEnabled  bool
}

// Network holds host-only options that are persisted but never replicated.
type Network struct {
	ListenIP   string
	Port       int
	QueryPort  int
	EnableUPnP bool
}

// Peer is a connected client as seen by settings synchronization.
type Peer interface {
	SyncCursor() *SyncCursor
	Permissions() permissions.Permissions
	TeamID() int
}

type Settings struct {
	Network Network
	// RequireAuthentication rejects clients that present no ticket.
	RequireAuthentication bool

	serverName         string
	serverMessage      string
	playStyle          PlayStyle
	maxPlayers         int
	passwordHash       string
	isPublic           bool
	allowFileTransfers bool
	tickRate           int
	levelSeed          string
	hiddenSubs         []string
	misc               Misc
	props              *properties

	// lastUpdate holds a separate counter per category. Ids from different
	// categories are never compared.
	lastUpdate [numFlags]uint16
}

// New returns the default settings. Every category starts at update id 1.
func New() *Settings {
	s := &Settings{
		Network:               Network{Port: 27015, QueryPort: 27016},
		RequireAuthentication: true,
		serverName:            "Server",
		playStyle:             Casual,
		maxPlayers:            16,
		isPublic:              false,
		allowFileTransfers:    true,
		tickRate:              20,
		misc:                  Misc{GameMode: "sandbox", SubSelectionMode: Manual, ModeSelectionMode: Manual, AllowSpectating: true, VoiceChatEnabled: true},
	}
	for i := range s.lastUpdate {
		s.lastUpdate[i] = 1
	}
	s.props = newProperties(1)
	return s
}

// bump advances the counter of flag and returns the new id.
func (s *Settings) bump(flag NetFlags) uint16 {
	for i, f := range orderedFlags {
		if f == flag {
			s.lastUpdate[i]++
			return s.lastUpdate[i]
		}
	}
	return 0
}

// LastUpdateID returns the id of the most recent change to flag.
func (s *Settings) LastUpdateID(flag NetFlags) uint16 {
	for i, f := range orderedFlags {
		if f == flag {
			return s.lastUpdate[i]
		}
	}
	return 0
}

func (s *Settings) ServerName() string          { return s.serverName }
func (s *Settings) ServerMessage() string       { return s.serverMessage }
func (s *Settings) PlayStyle() PlayStyle        { return s.playStyle }
func (s *Settings) MaxPlayers() int             { return s.maxPlayers }
func (s *Settings) IsPublic() bool              { return s.isPublic }
func (s *Settings) AllowFileTransfers() bool    { return s.allowFileTransfers }
func (s *Settings) TickRate() int               { return s.tickRate }
func (s *Settings) LevelSeed() string           { return s.levelSeed }
func (s *Settings) HiddenSubs() []string        { return append([]string(nil), s.hiddenSubs...) }
func (s *Settings) Misc() Misc                  { return s.misc }
func (s *Settings) HasPassword() bool           { return s.passwordHash != "" }
func (s *Settings) PasswordHash() string        { return s.passwordHash }
func (s *Settings) IsPvP() bool                 { return strings.EqualFold(s.misc.GameMode, GameModePvP) }
func (s *Settings) BanAfterWrongPassword() bool { return s.Bool(PropBanAfterWrongPassword) }

func (s *Settings) MaxPasswordRetriesBeforeBan() int {
	return int(s.Int(PropMaxPasswordRetriesBeforeBan))
}

func (s *Settings) SetServerName(name string) {
	name = truncate(name, MaxServerNameLength)
	if name != s.serverName {
		s.serverName = name
		s.bump(FlagName)
	}
}

func (s *Settings) SetServerMessage(msg string) {
	msg = truncate(msg, MaxServerMessageLength)
	if msg != s.serverMessage {
		s.serverMessage = msg
		s.bump(FlagMessage)
	}
}

func (s *Settings) SetLevelSeed(seed string) {
	if seed != s.levelSeed {
		s.levelSeed = seed
		s.bump(FlagLevelSeed)
	}
}

func (s *Settings) SetHiddenSubs(subs []string) {
	if len(subs) > MaxHiddenSubs {
		subs = subs[:MaxHiddenSubs]
	}
	if equalStrings(subs, s.hiddenSubs) {
		return
	}
	s.hiddenSubs = append([]string(nil), subs...)
	s.bump(FlagHiddenSubs)
}

func (s *Settings) SetMisc(m Misc) {
	if m != s.misc {
		s.misc = m
		s.bump(FlagMisc)
	}
}

// The fixed fields travel with every write; changes to them are versioned
// under FlagMisc so that clients are pushed a fresh copy.

func (s *Settings) SetPlayStyle(p PlayStyle) {
	if int(p) >= len(playStyleNames) {
		return
	}
	if p != s.playStyle {
		s.playStyle = p
		s.bump(FlagMisc)
	}
}

// SetMaxPlayers clamps n to [1, MaxPlayersLimit].
func (s *Settings) SetMaxPlayers(n int) {
	n = clamp(n, 1, MaxPlayersLimit)
	if n != s.maxPlayers {
		s.maxPlayers = n
		s.bump(FlagMisc)
	}
}

// SetTickRate clamps n to [MinTickRate, MaxTickRate].
func (s *Settings) SetTickRate(n int) {
	n = clamp(n, MinTickRate, MaxTickRate)
	if n != s.tickRate {
		s.tickRate = n
		s.bump(FlagMisc)
	}
}

func (s *Settings) SetPublic(public bool) {
	if public != s.isPublic {
		s.isPublic = public
		s.bump(FlagMisc)
	}
}

func (s *Settings) SetAllowFileTransfers(allow bool) {
	if allow != s.allowFileTransfers {
		s.allowFileTransfers = allow
		s.bump(FlagMisc)
	}
}

// SetPassword stores the hash of password. An empty password removes it.
func (s *Settings) SetPassword(password string) {
	hash := ""
	if password != "" {
		hash = auth.HashPassword(password)
	}
	s.setPasswordHash(hash)
}

func (s *Settings) setPasswordHash(hash string) {
	if hash != s.passwordHash {
		s.passwordHash = hash
		s.bump(FlagMisc)
	}
}

// Set changes a replicated property. Setting a property to the value it
// already holds does not produce an update.
func (s *Settings) Set(name string, value any) error {
	prop, ok := s.props.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProperty, name)
	}
	v, err := coerce(prop.kind, value)
	if err != nil {
		return fmt.Errorf("property %s: %w", name, err)
	}
	serialized, err := serializeValue(prop.kind, v)
	if err != nil {
		return err
	}
	if string(serialized) == string(prop.serialized) {
		return nil
	}
	_, err = s.props.set(name, v, s.bump(FlagProperties))
	return err
}

// Get returns the current value of a replicated property.
func (s *Settings) Get(name string) (any, bool) {
	prop, ok := s.props.byName[name]
	if !ok {
		return nil, false
	}
	return prop.value, true
}

func (s *Settings) Bool(name string) bool {
	v, _ := s.Get(name)
	b, _ := v.(bool)
	return b
}

func (s *Settings) Int(name string) int32 {
	v, _ := s.Get(name)
	i, _ := v.(int32)
	return i
}

func (s *Settings) Float(name string) float32 {
	v, _ := s.Get(name)
	f, _ := v.(float32)
	return f
}

func (s *Settings) Text(name string) string {
	v, _ := s.Get(name)
	str, _ := v.(string)
	return str
}

// NewSyncCursor returns a cursor for a newly connected client. Every
// category starts one update behind so the first write contains everything.
func (s *Settings) NewSyncCursor() *SyncCursor {
	c := &SyncCursor{fullProperties: true}
	for i := range c.acked {
		c.acked[i] = s.lastUpdate[i] - 1
	}
	return c
}

// Resync marks flags as unacknowledged on c. Clients whose right to manage
// settings changes need a full property list.
func (s *Settings) Resync(c *SyncCursor, flags NetFlags) {
	for i, flag := range orderedFlags {
		if flags.Has(flag) {
			c.acked[i] = s.lastUpdate[i] - 1
		}
	}
	if flags.Has(FlagProperties) {
		c.fullProperties = true
	}
}

// GetRequiredFlags returns the categories c has not acknowledged yet.
func (s *Settings) GetRequiredFlags(c *SyncCursor) NetFlags {
	var required NetFlags
	for i, flag := range orderedFlags {
		if IsNewer(s.lastUpdate[i], c.acked[i]) {
			required |= flag
		}
	}
	if c.fullProperties {
		required |= FlagProperties
	}
	return required
}

// Acknowledge advances c with the ids a client reports having applied. Ids
// older than the cursor or newer than the latest id of their category are
// ignored.
func (s *Settings) Acknowledge(c *SyncCursor, ack Ack) {
	for i, flag := range orderedFlags {
		if !ack.Flags.Has(flag) {
			continue
		}
		id := ack.IDs[i]
		if IsNewer(id, s.lastUpdate[i]) {
			continue
		}
		if IsNewer(id, c.acked[i]) {
			c.acked[i] = id
		}
		if flag == FlagProperties && !IsNewer(s.lastUpdate[i], c.acked[i]) {
			c.fullProperties = false
		}
	}
}

// CanManageSettings reports whether c may change settings. Outside of PvP
// this requires the ManageSettings permission. In PvP a client may also act
// for its team when no teammate holds the permission.
func (s *Settings) CanManageSettings(c Peer, peers []Peer) bool {
	if c.Permissions().Has(permissions.ManageSettings) {
		return true
	}
	if !s.IsPvP() || c.TeamID() == 0 {
		return false
	}
	for _, p := range peers {
		if p == c || p.TeamID() != c.TeamID() {
			continue
		}
		if p.Permissions().Has(permissions.ManageSettings) {
			return false
		}
	}
	return true
}

// ServerWrite serializes the settings c still needs. It doesn't modify the
// cursor: categories stay required until the client acknowledges them.
//
// Layout: required flags byte; play style byte; max players byte;
// has-password, is-public and allow-file-transfers bits; padding; tick rate
// as a ranged integer. Then, for each required flag in order, the flag's
// update id followed by its section. The Properties section is a bit
// telling whether the admin block follows, and the admin block is a list of
// (uint32 key, value) pairs terminated by a zero key.
func (s *Settings) ServerWrite(buf *netbuf.Buffer, c Peer, peers []Peer) error {
	cursor := c.SyncCursor()
	required := s.GetRequiredFlags(cursor)

	buf.WriteUint8(uint8(required))
	buf.WriteUint8(uint8(s.playStyle))
	buf.WriteUint8(uint8(s.maxPlayers))
	buf.WriteBool(s.HasPassword())
	buf.WriteBool(s.isPublic)
	buf.WriteBool(s.allowFileTransfers)
	buf.WritePadBits()
	if err := buf.WriteRangedInteger(s.tickRate, MinTickRate, MaxTickRate); err != nil {
		return fmt.Errorf("error writing tick rate: %w", err)
	}

	for i, flag := range orderedFlags {
		if !required.Has(flag) {
			continue
		}
		buf.WriteUint16(s.lastUpdate[i])
		switch flag {
		case FlagName:
			buf.WriteString(s.serverName)
		case FlagMessage:
			buf.WriteString(s.serverMessage)
		case FlagProperties:
			admin := s.CanManageSettings(c, peers)
			buf.WriteBool(admin)
			buf.WritePadBits()
			if admin {
				if err := s.writeProperties(buf, cursor.acked[i], cursor.fullProperties); err != nil {
					return err
				}
			}
		case FlagMisc:
			writeMisc(buf, s.misc)
		case FlagLevelSeed:
			buf.WriteString(s.levelSeed)
		case FlagHiddenSubs:
			writeStrings(buf, s.hiddenSubs)
		}
	}
	return nil
}

func (s *Settings) writeProperties(buf *netbuf.Buffer, since uint16, full bool) error {
	for _, prop := range s.props.list {
		if !full && !IsNewer(prop.lastChangedID, since) {
			continue
		}
		buf.WriteUint32(prop.key)
		if err := writeValue(buf, prop.kind, prop.value); err != nil {
			return fmt.Errorf("error writing property %s: %w", prop.name, err)
		}
	}
	buf.WriteUint32(0)
	return nil
}

// ServerRead reads a settings change sent by c and applies it if c is
// allowed to manage settings. It returns the categories that changed.
func (s *Settings) ServerRead(r *netbuf.Reader, c Peer, peers []Peer) (NetFlags, error) {
	if !s.CanManageSettings(c, peers) {
		return 0, ErrPermissionDenied
	}
	change, err := ReadChange(r)
	if err != nil {
		return 0, err
	}
	return s.Apply(change)
}

// Apply validates every part of change before applying any of it.
func (s *Settings) Apply(change Change) (NetFlags, error) {
	coerced := make(map[string]any, len(change.Properties))
	for name, value := range change.Properties {
		prop, ok := s.props.byName[name]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownProperty, name)
		}
		v, err := coerce(prop.kind, value)
		if err != nil {
			return 0, fmt.Errorf("property %s: %w", name, err)
		}
		coerced[name] = v
	}

	before := s.lastUpdate
	if change.Flags.Has(FlagName) {
		s.SetServerName(change.ServerName)
	}
	if change.Flags.Has(FlagMessage) {
		s.SetServerMessage(change.ServerMessage)
	}
	if change.Flags.Has(FlagMisc) {
		s.SetMisc(change.Misc)
	}
	if change.Flags.Has(FlagLevelSeed) {
		s.SetLevelSeed(change.LevelSeed)
	}
	if change.Flags.Has(FlagHiddenSubs) {
		s.SetHiddenSubs(change.HiddenSubs)
	}
	if change.Flags.Has(FlagProperties) {
		for _, prop := range s.props.list {
			if v, ok := coerced[prop.name]; ok {
				if err := s.Set(prop.name, v); err != nil {
					return 0, err
				}
			}
		}
	}

	var changed NetFlags
	for i, flag := range orderedFlags {
		if s.lastUpdate[i] != before[i] {
			changed |= flag
		}
	}
	return changed, nil
}

func writeMisc(buf *netbuf.Buffer, m Misc) {
	buf.WriteString(m.GameMode)
	buf.WriteUint8(uint8(m.SubSelectionMode))
	buf.WriteUint8(uint8(m.ModeSelectionMode))
	buf.WriteBool(m.AllowSpectating)
	buf.WriteBool(m.VoiceChatEnabled)
	buf.WritePadBits()
}

func readMisc(r *netbuf.Reader) (Misc, error) {
	var m Misc
	var err error
	if m.GameMode, err = r.ReadString(); err != nil {
		return m, err
	}
	sub, err := r.ReadUint8()
	if err != nil {
		return m, err
	}
	mode, err := r.ReadUint8()
	if err != nil {
		return m, err
	}
	if int(sub) >= len(selectionModeNames) || int(mode) >= len(selectionModeNames) {
		return m, fmt.Errorf("%w: bad selection mode", ErrMalformed)
	}
	m.SubSelectionMode, m.ModeSelectionMode = SelectionMode(sub), SelectionMode(mode)
	if m.AllowSpectating, err = r.ReadBool(); err != nil {
		return m, err
	}
	if m.VoiceChatEnabled, err = r.ReadBool(); err != nil {
		return m, err
	}
	r.ReadPadBits()
	return m, nil
}

func writeStrings(buf *netbuf.Buffer, list []string) {
	buf.WriteVarUint32(uint32(len(list)))
	for _, s := range list {
		buf.WriteString(s)
	}
}

func readStrings(r *netbuf.Reader, max int) ([]string, error) {
	n, err := r.ReadVarUint32()
	if err != nil {
		return nil, err
	}
	if int(n) > max {
		return nil, fmt.Errorf("%w: %d entries", ErrMalformed, n)
	}
	list := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

func clamp(n, min, max int) int {
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
