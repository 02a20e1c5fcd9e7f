package settings

import (
	"github.com/dcrodman/ballast/internal/core"
)

// ApplyArgs overrides settings with the values given on the command line.
// Values that are out of range or rejected by the property are ignored and
// returned by name.
func (s *Settings) ApplyArgs(args core.ServerArgs) []string {
	var ignored []string
	if args.Name != nil {
		s.SetServerName(*args.Name)
	}
	if args.ListenIP != nil {
		s.Network.ListenIP = *args.ListenIP
	}
	if args.Port != nil {
		s.Network.Port = *args.Port
	}
	if args.QueryPort != nil {
		s.Network.QueryPort = *args.QueryPort
	}
	if args.EnableUPnP != nil {
		s.Network.EnableUPnP = *args.EnableUPnP
	}
	if args.Public != nil {
		s.SetPublic(*args.Public)
	}
	if args.NoPassword {
		s.SetPassword("")
	} else if args.Password != nil {
		s.SetPassword(*args.Password)
	}
	if args.MaxPlayers != nil {
		if *args.MaxPlayers < 1 || *args.MaxPlayers > MaxPlayersLimit {
			ignored = append(ignored, "-maxplayers")
		} else {
			s.SetMaxPlayers(*args.MaxPlayers)
		}
	}
	if args.PlayStyle != nil {
		if style, ok := ParsePlayStyle(*args.PlayStyle); ok {
			s.SetPlayStyle(style)
		} else {
			ignored = append(ignored, "-playstyle")
		}
	}
	set := func(arg, prop string, v any) {
		if err := s.Set(prop, v); err != nil {
			ignored = append(ignored, arg)
		}
	}
	if args.BanAfterWrongPassword != nil {
		set("-banafterwrongpassword", PropBanAfterWrongPassword, *args.BanAfterWrongPassword)
	}
	if args.KarmaEnabled != nil {
		set("-karma", PropKarmaEnabled, *args.KarmaEnabled)
	}
	if args.KarmaPreset != nil {
		set("-karmapreset", PropKarmaPreset, *args.KarmaPreset)
	}
	if args.Language != nil {
		set("-language", PropLanguage, *args.Language)
	}
	return ignored
}
