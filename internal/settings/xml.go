package settings

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"

	"github.com/dcrodman/ballast/internal/core"
)

type settingsFile struct {
	XMLName xml.Name `xml:"serversettings"`

	Name                  string `xml:"name,attr"`
	PlayStyle             string `xml:"playstyle,attr"`
	MaxPlayers            int    `xml:"maxplayers,attr"`
	Password              string `xml:"password,attr,omitempty"`
	Public                bool   `xml:"public,attr"`
	AllowFileTransfers    bool   `xml:"allowfiletransfers,attr"`
	TickRate              int    `xml:"tickrate,attr"`
	RequireAuthentication bool   `xml:"requireauthentication,attr"`
	ListenIP              string `xml:"listenip,attr,omitempty"`
	Port                  int    `xml:"port,attr"`
	QueryPort             int    `xml:"queryport,attr"`
	EnableUPnP            bool   `xml:"enableupnp,attr"`
	GameMode              string `xml:"gamemode,attr"`
	SubSelectionMode      string `xml:"subselectionmode,attr"`
	ModeSelectionMode     string `xml:"modeselectionmode,attr"`
	AllowSpectating       bool   `xml:"allowspectating,attr"`
	VoiceChatEnabled      bool   `xml:"voicechatenabled,attr"`
	LevelSeed             string `xml:"levelseed,attr,omitempty"`

	Message    string         `xml:"ServerMessage,omitempty"`
	Properties []fileProperty `xml:"Property"`
	HiddenSubs []string       `xml:"HiddenSub"`
}

type fileProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Load reads the settings file at path. A missing file yields the defaults.
// Unknown properties and values that don't parse are skipped.
func Load(path string) (*Settings, error) {
	s := New()
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	} else if err != nil {
		return nil, fmt.Errorf("error reading settings file: %w", err)
	}

	var f settingsFile
	if err := xml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("error parsing settings file %s: %w", path, err)
	}

	s.SetServerName(f.Name)
	s.SetServerMessage(f.Message)
	if style, ok := ParsePlayStyle(f.PlayStyle); ok {
		s.SetPlayStyle(style)
	}
	if f.MaxPlayers > 0 {
		s.SetMaxPlayers(f.MaxPlayers)
	}
	if f.TickRate > 0 {
		s.SetTickRate(f.TickRate)
	}
	s.setPasswordHash(f.Password)
	s.SetPublic(f.Public)
	s.SetAllowFileTransfers(f.AllowFileTransfers)
	s.SetLevelSeed(f.LevelSeed)
	s.SetHiddenSubs(f.HiddenSubs)
	s.RequireAuthentication = f.RequireAuthentication

	s.Network.ListenIP = f.ListenIP
	if f.Port > 0 {
		s.Network.Port = f.Port
	}
	if f.QueryPort > 0 {
		s.Network.QueryPort = f.QueryPort
	}
	s.Network.EnableUPnP = f.EnableUPnP

	misc := s.Misc()
	if f.GameMode != "" {
		misc.GameMode = f.GameMode
	}
	if m, ok := ParseSelectionMode(f.SubSelectionMode); ok {
		misc.SubSelectionMode = m
	}
	if m, ok := ParseSelectionMode(f.ModeSelectionMode); ok {
		misc.ModeSelectionMode = m
	}
	misc.AllowSpectating = f.AllowSpectating
	misc.VoiceChatEnabled = f.VoiceChatEnabled
	s.SetMisc(misc)

	for _, p := range f.Properties {
		prop, ok := s.props.byName[p.Name]
		if !ok {
			continue
		}
		v, err := parseValue(prop.kind, p.Value)
		if err != nil {
			continue
		}
		if err := s.Set(p.Name, v); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Save writes the settings to path, replacing any existing file.
func (s *Settings) Save(path string) error {
	f := settingsFile{
		Name:                  s.serverName,
		PlayStyle:             s.playStyle.String(),
		MaxPlayers:            s.maxPlayers,
		Password:              s.passwordHash,
		Public:                s.isPublic,
		AllowFileTransfers:    s.allowFileTransfers,
		TickRate:              s.tickRate,
		RequireAuthentication: s.RequireAuthentication,
		ListenIP:              s.Network.ListenIP,
		Port:                  s.Network.Port,
		QueryPort:             s.Network.QueryPort,
		EnableUPnP:            s.Network.EnableUPnP,
		GameMode:              s.misc.GameMode,
		SubSelectionMode:      s.misc.SubSelectionMode.String(),
		ModeSelectionMode:     s.misc.ModeSelectionMode.String(),
		AllowSpectating:       s.misc.AllowSpectating,
		VoiceChatEnabled:      s.misc.VoiceChatEnabled,
		LevelSeed:             s.levelSeed,
		Message:               s.serverMessage,
		HiddenSubs:            s.hiddenSubs,
	}
	for _, def := range propertyDefs {
		f.Properties = append(f.Properties, fileProperty{Name: def.name, Value: formatValue(s.props.byName[def.name].value)})
	}

	out, err := xml.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding settings: %w", err)
	}
	return core.WriteFileAtomic(path, append([]byte(xml.Header), out...))
}
