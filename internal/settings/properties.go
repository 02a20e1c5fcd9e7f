package settings

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"

	"github.com/dcrodman/ballast/internal/netbuf"
)

// Kind is the wire type of a replicated property.
type Kind uint8

const (
	KindBool Kind = iota
	KindInt
	KindFloat
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Names of the replicated properties.
const (
	PropAllowRespawn                = "AllowRespawn"
	PropRespawnInterval             = "RespawnInterval"
	PropAllowVoteKick               = "AllowVoteKick"
	PropAllowFriendlyFire           = "AllowFriendlyFire"
	PropAutoRestart                 = "AutoRestart"
	PropKillDisconnectedTime        = "KillDisconnectedTime"
	PropKarmaEnabled                = "KarmaEnabled"
	PropKarmaPreset                 = "KarmaPreset"
	PropLanguage                    = "Language"
	PropBanAfterWrongPassword       = "BanAfterWrongPassword"
	PropMaxPasswordRetriesBeforeBan = "MaxPasswordRetriesBeforeBan"
)

type propertyDef struct {
	name     string
	kind     Kind
	fallback any
}

var propertyDefs = []propertyDef{
	{PropAllowRespawn, KindBool, true},
	{PropRespawnInterval, KindFloat, float32(180)},
	{PropAllowVoteKick, KindBool, true},
	{PropAllowFriendlyFire, KindBool, true},
	{PropAutoRestart, KindBool, false},
	{PropKillDisconnectedTime, KindFloat, float32(120)},
	{PropKarmaEnabled, KindBool, false},
	{PropKarmaPreset, KindString, "default"},
	{PropLanguage, KindString, "English"},
	{PropBanAfterWrongPassword, KindBool, false},
	{PropMaxPasswordRetriesBeforeBan, KindInt, int32(3)},
}

type property struct {
	name  string
	key   uint32
	kind  Kind
	value any
	// serialized is the wire form of value and is what change detection
	// compares against.
	serialized    []byte
	lastChangedID uint16
}

// propertyKey derives the wire key of a property from its name. Zero is
// reserved as the terminator of a property list.
func propertyKey(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	key := h.Sum32()
	if key == 0 {
		key = 1
	}
	return key
}

// properties is the registry of replicated properties, kept sorted by key so
// that every write lists them in the same order.
type properties struct {
	list   []*property
	byName map[string]*property
	byKey  map[uint32]*property
}

func newProperties(initialID uint16) *properties {
	p := &properties{
		byName: make(map[string]*property, len(propertyDefs)),
		byKey:  make(map[uint32]*property, len(propertyDefs)),
	}
	for _, def := range propertyDefs {
		prop := &property{name: def.name, key: propertyKey(def.name), kind: def.kind, lastChangedID: initialID}
		if _, dup := p.byKey[prop.key]; dup {
			panic("settings: property key collision for " + def.name)
		}
		serialized, err := serializeValue(def.kind, def.fallback)
		if err != nil {
			panic("settings: bad default for " + def.name + ": " + err.Error())
		}
		prop.value, prop.serialized = def.fallback, serialized
		p.list = append(p.list, prop)
		p.byName[def.name] = prop
		p.byKey[prop.key] = prop
	}
	sort.Slice(p.list, func(i, j int) bool { return p.list[i].key < p.list[j].key })
	return p
}

// set stores value under id, reporting whether the serialized value changed.
func (p *properties) set(name string, value any, id uint16) (bool, error) {
	prop, ok := p.byName[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownProperty, name)
	}
	value, err := coerce(prop.kind, value)
	if err != nil {
		return false, fmt.Errorf("property %s: %w", name, err)
	}
	serialized, err := serializeValue(prop.kind, value)
	if err != nil {
		return false, fmt.Errorf("property %s: %w", name, err)
	}
	if bytes.Equal(serialized, prop.serialized) {
		return false, nil
	}
	prop.value, prop.serialized, prop.lastChangedID = value, serialized, id
	return true, nil
}

// coerce converts the loosely typed values accepted by Set into the single
// Go type used for each kind.
func coerce(kind Kind, value any) (any, error) {
	switch kind {
	case KindBool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case KindInt:
		switch v := value.(type) {
		case int32:
			return v, nil
		case int:
			return int32(v), nil
		}
	case KindFloat:
		switch v := value.(type) {
		case float32:
			return v, nil
		case float64:
			return float32(v), nil
		}
	case KindString:
		if v, ok := value.(string); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: want %v, got %T", ErrWrongKind, kind, value)
}

// parseValue converts the textual form used in the settings file.
func parseValue(kind Kind, text string) (any, error) {
	switch kind {
	case KindBool:
		return strconv.ParseBool(text)
	case KindInt:
		v, err := strconv.ParseInt(text, 10, 32)
		return int32(v), err
	case KindFloat:
		v, err := strconv.ParseFloat(text, 32)
		return float32(v), err
	case KindString:
		return text, nil
	}
	return nil, ErrWrongKind
}

func formatValue(value any) string {
	switch v := value.(type) {
	case bool:
		return strconv.FormatBool(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case string:
		return v
	}
	return fmt.Sprint(value)
}

func writeValue(buf *netbuf.Buffer, kind Kind, value any) error {
	switch kind {
	case KindBool:
		buf.WriteBool(value.(bool))
	case KindInt:
		buf.WriteInt32(value.(int32))
	case KindFloat:
		buf.WriteFloat32(value.(float32))
	case KindString:
		buf.WriteString(value.(string))
	default:
		return ErrWrongKind
	}
	return nil
}

func readValue(r *netbuf.Reader, kind Kind) (any, error) {
	switch kind {
	case KindBool:
		return r.ReadBool()
	case KindInt:
		return r.ReadInt32()
	case KindFloat:
		return r.ReadFloat32()
	case KindString:
		return r.ReadString()
	}
	return nil, ErrWrongKind
}

func serializeValue(kind Kind, value any) ([]byte, error) {
	buf := netbuf.NewBuffer(8)
	if err := writeValue(buf, kind, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
