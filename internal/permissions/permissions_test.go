package permissions

import (
	"path/filepath"
	"testing"

	"github.com/go-test/deep"

	"github.com/dcrodman/ballast/internal/auth"
)

func TestPermissions_StringAndParse(t *testing.T) {
	tests := map[string]struct {
		perms Permissions
		text  string
	}{
		"none":     {perms: None, text: "None"},
		"all":      {perms: All, text: "All"},
		"single":   {perms: Kick, text: "Kick"},
		"multiple": {perms: Kick | Ban | ManageSettings, text: "Kick,Ban,ManageSettings"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := tt.perms.String(); got != tt.text {
				t.Errorf("String() want = %s, got = %s", tt.text, got)
			}
			parsed, err := Parse(tt.text)
			if err != nil {
				t.Fatalf("Parse() returned an unexpected error: %v", err)
			}
			if parsed != tt.perms {
				t.Errorf("Parse() want = %v, got = %v", tt.perms, parsed)
			}
		})
	}

	if p, err := Parse("kick unban"); err != nil || p != Kick|Unban {
		t.Errorf("expected whitespace separated names to parse, got %v, %v", p, err)
	}
	if _, err := Parse("Kick,Teleport"); err == nil {
		t.Error("expected unknown permission to fail")
	}
	if !All.Has(ManageSettings) || Kick.Has(Ban) {
		t.Error("Has() returned the wrong result")
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "permissions.xml")
	steam := auth.AccountID{Kind: "steam", Value: "1"}

	store, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned an unexpected error for a missing file: %v", err)
	}
	store.Grant("Moderator", "10.0.0.1", auth.NewAccountInfo(steam), Kick|Ban)
	store.Grant("LAN Friend", "192.168.1.20", auth.None, ManageRound)
	// Replaces the previous grant for the same account.
	store.Grant("Moderator", "10.0.0.2", auth.NewAccountInfo(steam), Kick|Ban|Unban)
	if err := store.Save(); err != nil {
		t.Fatalf("Save() returned an unexpected error: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned an unexpected error: %v", err)
	}
	if diff := deep.Equal(store.Grants(), reloaded.Grants()); diff != nil {
		t.Errorf("grants changed after reload: %v", diff)
	}

	tests := map[string]struct {
		endpoint string
		info     auth.AccountInfo
		want     Permissions
		found    bool
	}{
		"account_from_any_endpoint": {endpoint: "172.16.0.1", info: auth.NewAccountInfo(steam), want: Kick | Ban | Unban, found: true},
		"endpoint_grant":            {endpoint: "192.168.1.20", info: auth.None, want: ManageRound, found: true},
		"account_grant_needs_id":    {endpoint: "10.0.0.2", info: auth.None, found: false},
		"unknown":                   {endpoint: "8.8.8.8", info: auth.None, found: false},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			g, ok := reloaded.Lookup(tt.endpoint, tt.info)
			if ok != tt.found || g.Permissions != tt.want {
				t.Errorf("Lookup() want = (%v, %v), got = (%v, %v)", tt.want, tt.found, g.Permissions, ok)
			}
		})
	}

	if !reloaded.Revoke("192.168.1.20", auth.None) {
		t.Error("expected Revoke() to remove the endpoint grant")
	}
	if reloaded.Revoke("192.168.1.20", auth.None) {
		t.Error("expected a second Revoke() to find nothing")
	}
}
