package core

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func ptr[T any](v T) *T { return &v }

func TestParseServerArgs(t *testing.T) {
	tests := map[string]struct {
		args []string
		want ServerArgs
	}{
		"empty": {
			args: nil,
			want: ServerArgs{},
		},
		"host_launch": {
			args: []string{"-name", "Coalition Outpost", "-port", "27015", "-queryport", "27016",
				"-public", "true", "-maxplayers", "12", "-ownerkey", "4242", "-upnp", "false"},
			want: ServerArgs{
				Name:       ptr("Coalition Outpost"),
				Port:       ptr(27015),
				QueryPort:  ptr(27016),
				Public:     ptr(true),
				MaxPlayers: ptr(12),
				OwnerKey:   ptr(int32(4242)),
				EnableUPnP: ptr(false),
			},
		},
		"case_insensitive_names": {
			args: []string{"-NAME", "Outpost", "-PlayStyle", "roleplay", "-Language", "English"},
			want: ServerArgs{Name: ptr("Outpost"), PlayStyle: ptr("roleplay"), Language: ptr("English")},
		},
		"malformed_values_are_dropped": {
			args: []string{"-port", "99999", "-maxplayers", "lots", "-public", "maybe"},
			want: ServerArgs{Ignored: []string{"-port 99999", "-maxplayers lots", "-public maybe"}},
		},
		"unknown_arguments_are_skipped": {
			args: []string{"-fullscreen", "-name", "Outpost"},
			want: ServerArgs{Name: ptr("Outpost"), Ignored: []string{"-fullscreen"}},
		},
		"flag_is_not_a_value": {
			args: []string{"-name", "-port", "27015"},
			want: ServerArgs{Port: ptr(27015), Ignored: []string{"-name"}},
		},
		"nopassword_wins": {
			args: []string{"-password", "hunter2", "-nopassword", "-password", "again"},
			want: ServerArgs{NoPassword: true},
		},
		"karma_and_bans": {
			args: []string{"-karma", "1", "-karmapreset", "strict", "-banafterwrongpassword", "true", "-endpoint", "10.0.0.2"},
			want: ServerArgs{
				KarmaEnabled:          ptr(true),
				KarmaPreset:           ptr("strict"),
				BanAfterWrongPassword: ptr(true),
				OwnerEndpoint:         ptr("10.0.0.2"),
			},
		},
		"config_directory": {
			args: []string{"-config", "/etc/ballast", "-ip", "0.0.0.0"},
			want: ServerArgs{ConfigDir: "/etc/ballast", ListenIP: ptr("0.0.0.0")},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got := ParseServerArgs(tt.args)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseServerArgs() returned unexpected args; diff:\n%s", diff)
			}
		})
	}
}
