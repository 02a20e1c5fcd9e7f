package core

import (
	"strconv"
	"strings"
)

// ServerArgs are the overrides given on the server command line. Nil fields
// were not supplied (or were malformed) and leave the configured value alone.
type ServerArgs struct {
	ConfigDir string

	Name          *string
	ListenIP      *string
	Port          *int
	QueryPort     *int
	Public        *bool
	Password      *string
	NoPassword    bool
	EnableUPnP    *bool
	MaxPlayers    *int
	OwnerKey      *int32
	OwnerEndpoint *string
	PlayStyle     *string

	BanAfterWrongPassword *bool
	KarmaEnabled          *bool
	KarmaPreset           *string
	Language              *string

	// Ignored lists arguments that were unknown or whose value could not be
	// parsed.
	Ignored []string
}

var knownArgs = map[string]bool{
	"-config": true, "-name": true, "-ip": true, "-port": true, "-queryport": true,
	"-public": true, "-password": true, "-nopassword": true, "-upnp": true,
	"-maxplayers": true, "-ownerkey": true, "-endpoint": true, "-playstyle": true,
	"-banafterwrongpassword": true, "-karma": true, "-karmapreset": true, "-language": true,
}

// ParseServerArgs reads game-style "-name value" arguments. Parsing never
// fails: unknown arguments are skipped and malformed values are dropped so
// that defaults apply. A flag is never taken as the value of the argument
// before it.
func ParseServerArgs(args []string) ServerArgs {
	var sa ServerArgs
	for i := 0; i < len(args); i++ {
		arg := strings.ToLower(strings.TrimSpace(args[i]))
		value := func() (string, bool) {
			if i+1 >= len(args) || knownArgs[strings.ToLower(args[i+1])] {
				return "", false
			}
			i++
			return args[i], true
		}

		switch arg {
		case "-nopassword":
			sa.NoPassword = true
			sa.Password = nil
		case "-config":
			if v, ok := value(); ok {
				sa.ConfigDir = v
			}
		case "-name":
			sa.Name = stringArg(&sa, arg, value)
		case "-ip":
			sa.ListenIP = stringArg(&sa, arg, value)
		case "-password":
			if p := stringArg(&sa, arg, value); p != nil && !sa.NoPassword {
				sa.Password = p
			}
		case "-endpoint":
			sa.OwnerEndpoint = stringArg(&sa, arg, value)
		case "-playstyle":
			sa.PlayStyle = stringArg(&sa, arg, value)
		case "-karmapreset":
			sa.KarmaPreset = stringArg(&sa, arg, value)
		case "-language":
			sa.Language = stringArg(&sa, arg, value)
		case "-port":
			sa.Port = portArg(&sa, arg, value)
		case "-queryport":
			sa.QueryPort = portArg(&sa, arg, value)
		case "-maxplayers":
			sa.MaxPlayers = intArg(&sa, arg, value)
		case "-ownerkey":
			if v := intArg(&sa, arg, value); v != nil {
				key := int32(*v)
				sa.OwnerKey = &key
			}
		case "-public":
			sa.Public = boolArg(&sa, arg, value)
		case "-upnp":
			sa.EnableUPnP = boolArg(&sa, arg, value)
		case "-banafterwrongpassword":
			sa.BanAfterWrongPassword = boolArg(&sa, arg, value)
		case "-karma":
			sa.KarmaEnabled = boolArg(&sa, arg, value)
		default:
			sa.Ignored = append(sa.Ignored, args[i])
		}
	}
	return sa
}

func stringArg(sa *ServerArgs, name string, value func() (string, bool)) *string {
	v, ok := value()
	if !ok {
		sa.Ignored = append(sa.Ignored, name)
		return nil
	}
	return &v
}

func intArg(sa *ServerArgs, name string, value func() (string, bool)) *int {
	v, ok := value()
	if !ok {
		sa.Ignored = append(sa.Ignored, name)
		return nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 32)
	if err != nil {
		sa.Ignored = append(sa.Ignored, name+" "+v)
		return nil
	}
	i := int(n)
	return &i
}

func portArg(sa *ServerArgs, name string, value func() (string, bool)) *int {
	p := intArg(sa, name, value)
	if p != nil && (*p < 1 || *p > 65535) {
		sa.Ignored = append(sa.Ignored, name+" "+strconv.Itoa(*p))
		return nil
	}
	return p
}

func boolArg(sa *ServerArgs, name string, value func() (string, bool)) *bool {
	v, ok := value()
	if !ok {
		sa.Ignored = append(sa.Ignored, name)
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		sa.Ignored = append(sa.Ignored, name+" "+v)
		return nil
	}
	return &b
}
