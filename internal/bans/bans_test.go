package bans

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"

	"github.com/dcrodman/ballast/internal/auth"
	"github.com/dcrodman/ballast/internal/core/data"
)

var (
	steamID = auth.AccountID{Kind: "steam", Value: "76561198000000001"}
	epicID  = auth.AccountID{Kind: "epic", Value: "e1"}
)

func TestList_BanPrecedence(t *testing.T) {
	l, _ := NewList(nil)

	if _, err := l.Ban("Endpoint Griefer", Target{Endpoint: "10.0.0.1"}, "griefing", 0); err != nil {
		t.Fatalf("Ban() returned an unexpected error: %v", err)
	}
	// The account is preferred even though an endpoint is also known.
	if _, err := l.Ban("Account Cheater", Target{Endpoint: "10.0.0.2", Account: auth.NewAccountInfo(epicID)}, "cheating", 0); err != nil {
		t.Fatalf("Ban() returned an unexpected error: %v", err)
	}

	tests := map[string]struct {
		endpoint   string
		info       auth.AccountInfo
		wantBanned bool
		wantReason string
	}{
		"banned_endpoint_unknown_account": {
			endpoint: "10.0.0.1", info: auth.None, wantBanned: true, wantReason: "griefing",
		},
		"banned_endpoint_clean_account": {
			endpoint: "10.0.0.1", info: auth.NewAccountInfo(steamID), wantBanned: true, wantReason: "griefing",
		},
		"banned_primary_account": {
			endpoint: "10.9.9.9", info: auth.NewAccountInfo(epicID), wantBanned: true, wantReason: "cheating",
		},
		"banned_secondary_account": {
			endpoint: "10.9.9.9", info: auth.NewAccountInfo(steamID, epicID), wantBanned: true, wantReason: "cheating",
		},
		"account_ban_does_not_cover_endpoint": {
			endpoint: "10.0.0.2", info: auth.None, wantBanned: false,
		},
		"clean": {
			endpoint: "10.9.9.9", info: auth.NewAccountInfo(steamID), wantBanned: false,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			banned, reason := l.IsAnyBanned(tt.endpoint, tt.info)
			if banned != tt.wantBanned || reason != tt.wantReason {
				t.Errorf("IsAnyBanned() want = (%v, %q), got = (%v, %q)", tt.wantBanned, tt.wantReason, banned, reason)
			}
		})
	}

	if banned, _ := l.IsBanned("10.0.0.1"); !banned {
		t.Error("expected IsBanned to match the endpoint ban")
	}
	if banned, _ := l.IsAccountBanned(epicID); !banned {
		t.Error("expected IsAccountBanned to match the account ban")
	}
	if banned, _ := l.IsBanned(""); banned {
		t.Error("expected an empty endpoint never to match")
	}
}

func TestList_Expiry(t *testing.T) {
	l, _ := NewList(nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if _, err := l.Ban("Temp", Target{Endpoint: "10.0.0.1"}, "cool off", time.Hour); err != nil {
		t.Fatalf("Ban() returned an unexpected error: %v", err)
	}
	if _, err := l.Ban("Perm", Target{Endpoint: "10.0.0.2"}, "forever", 0); err != nil {
		t.Fatalf("Ban() returned an unexpected error: %v", err)
	}
	if banned, _ := l.IsBanned("10.0.0.1"); !banned {
		t.Fatal("expected temporary ban to be active")
	}

	now = now.Add(time.Hour)
	if banned, _ := l.IsBanned("10.0.0.1"); banned {
		t.Error("expected expired ban not to match")
	}
	if got := len(l.Entries()); got != 1 {
		t.Errorf("expected 1 active entry, got %d", got)
	}
	removed, err := l.RemoveExpired()
	if err != nil || removed != 1 {
		t.Errorf("RemoveExpired() = %d, %v", removed, err)
	}
}

func TestList_Errors(t *testing.T) {
	l, _ := NewList(nil)
	if _, err := l.Ban("Nobody", Target{}, "", 0); !errors.Is(err, ErrNoTarget) {
		t.Errorf("expected ErrNoTarget, got %v", err)
	}
	if err := l.Unban(42); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestList_PersistsToStore(t *testing.T) {
	db, err := data.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), false)
	if err != nil {
		t.Fatalf("error initializing test database: %s", err)
	}
	t.Cleanup(func() { _ = data.Close(db) })
	store := GormStore{DB: db}

	l, err := NewList(store)
	if err != nil {
		t.Fatalf("NewList() returned an unexpected error: %v", err)
	}
	accountBan, err := l.Ban("Cheater", Target{Account: auth.NewAccountInfo(steamID)}, "aimbot", 0)
	if err != nil {
		t.Fatalf("Ban() returned an unexpected error: %v", err)
	}
	endpointBan, _ := l.Ban("Flooder", Target{Endpoint: "10.0.0.7"}, "flooding", 24*time.Hour)

	reloaded, err := NewList(store)
	if err != nil {
		t.Fatalf("NewList() returned an unexpected error reloading: %v", err)
	}
	if banned, reason := reloaded.IsAccountBanned(steamID); !banned || reason != "aimbot" {
		t.Errorf("expected reloaded account ban, got (%v, %q)", banned, reason)
	}
	if banned, _ := reloaded.IsBanned("10.0.0.7"); !banned {
		t.Error("expected reloaded endpoint ban")
	}

	if err := reloaded.Unban(accountBan.ID); err != nil {
		t.Fatalf("Unban() returned an unexpected error: %v", err)
	}
	again, _ := NewList(store)
	entries := again.Entries()
	if len(entries) != 1 || entries[0].ID != endpointBan.ID {
		t.Errorf("expected only the endpoint ban to remain, got %+v", entries)
	}
}
