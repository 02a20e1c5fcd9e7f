// Package bans implements the ban list consulted at connection approval,
// at every handshake step and on every message from a connected client.
package bans

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/dcrodman/ballast/internal/auth"
	"github.com/dcrodman/ballast/internal/core/data"
)

var (
	ErrNoTarget = errors.New("ban target has neither an account nor an endpoint")
	ErrNotFound = errors.New("ban not found")
)

// Store persists ban entries. A nil Store keeps the list in memory only.
type Store interface {
	LoadBans() ([]data.Ban, error)
	CreateBan(ban *data.Ban) error
	DeleteBan(id uint64) error
	DeleteExpiredBans(now time.Time) (int64, error)
}

// GormStore is the database backed Store.
type GormStore struct {
	DB *gorm.DB
}

func (s GormStore) LoadBans() ([]data.Ban, error) { return data.FindBans(s.DB) }
func (s GormStore) CreateBan(ban *data.Ban) error { return data.CreateBan(s.DB, ban) }
func (s GormStore) DeleteBan(id uint64) error     { return data.DeleteBan(s.DB, id) }
func (s GormStore) DeleteExpiredBans(now time.Time) (int64, error) {
	return data.DeleteExpiredBans(s.DB, now)
}

// Entry is a single ban. Exactly one of Endpoint and AccountID is set.
type Entry struct {
	ID        uint64
	Name      string
	Endpoint  string
	AccountID *auth.AccountID
	Reason    string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

func (e Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Target names whoever is being banned. When an account is known the ban is
// keyed on it instead of the endpoint.
type Target struct {
	Endpoint string
	Account  auth.AccountInfo
}

// List is the authoritative ban list. It is safe for concurrent use.
type List struct {
	store Store
	now   func() time.Time

	mu      sync.RWMutex
	entries []Entry
	nextID  uint64
}

// NewList loads every entry from store.
func NewList(store Store) (*List, error) {
	l := &List{store: store, now: time.Now}
	if store == nil {
		return l, nil
	}

	rows, err := store.LoadBans()
	if err != nil {
		return nil, fmt.Errorf("error loading bans: %w", err)
	}
	for _, row := range rows {
		entry, err := entryFromRow(row)
		if err != nil {
			return nil, err
		}
		l.entries = append(l.entries, entry)
		if row.ID > l.nextID {
			l.nextID = row.ID
		}
	}
	return l, nil
}

func entryFromRow(row data.Ban) (Entry, error) {
	e := Entry{
		ID:        row.ID,
		Name:      row.Name,
		Endpoint:  row.Endpoint,
		Reason:    row.Reason,
		ExpiresAt: row.ExpiresAt,
		CreatedAt: row.CreatedAt,
	}
	if row.AccountID != "" {
		id, err := auth.ParseAccountID(row.AccountID)
		if err != nil {
			return Entry{}, fmt.Errorf("ban %d has invalid account id %q: %w", row.ID, row.AccountID, err)
		}
		e.AccountID = &id
	}
	return e, nil
}

// IsBanned checks for an active ban on endpoint.
func (l *List) IsBanned(endpoint string) (bool, string) {
	return l.IsAnyBanned(endpoint, auth.None)
}

// IsAccountBanned checks for an active ban on id.
func (l *List) IsAccountBanned(id auth.AccountID) (bool, string) {
	return l.IsAnyBanned("", auth.NewAccountInfo(id))
}

// IsAnyBanned checks the endpoint and every account id in info in a single
// pass. An empty endpoint is never matched.
func (l *List) IsAnyBanned(endpoint string, info auth.AccountInfo) (bool, string) {
	ids := info.AllIDs()
	now := l.now()

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.expired(now) {
			continue
		}
		if e.Endpoint != "" && e.Endpoint == endpoint {
			return true, e.Reason
		}
		if e.AccountID != nil {
			for _, id := range ids {
				if id == *e.AccountID {
					return true, e.Reason
				}
			}
		}
	}
	return false, ""
}

// Ban adds an entry for target. A zero duration bans permanently.
func (l *List) Ban(name string, target Target, reason string, duration time.Duration) (Entry, error) {
	now := l.now()
	entry := Entry{Name: name, Reason: reason, CreatedAt: now}
	switch {
	case !target.Account.IsNone():
		id := *target.Account.AccountID
		entry.AccountID = &id
	case target.Endpoint != "":
		entry.Endpoint = target.Endpoint
	default:
		return Entry{}, ErrNoTarget
	}
	if duration > 0 {
		expiry := now.Add(duration)
		entry.ExpiresAt = &expiry
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store != nil {
		row := data.Ban{
			Name:      entry.Name,
			Endpoint:  entry.Endpoint,
			Reason:    entry.Reason,
			ExpiresAt: entry.ExpiresAt,
			CreatedAt: entry.CreatedAt,
		}
		if entry.AccountID != nil {
			row.AccountID = entry.AccountID.String()
		}
		if err := l.store.CreateBan(&row); err != nil {
			return Entry{}, fmt.Errorf("error saving ban: %w", err)
		}
		entry.ID = row.ID
		if row.ID > l.nextID {
			l.nextID = row.ID
		}
	} else {
		l.nextID++
		entry.ID = l.nextID
	}
	l.entries = append(l.entries, entry)
	return entry, nil
}

// Unban removes the entry with the given ID.
func (l *List) Unban(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.ID != id {
			continue
		}
		if l.store != nil {
			if err := l.store.DeleteBan(id); err != nil {
				return fmt.Errorf("error deleting ban: %w", err)
			}
		}
		l.entries = append(l.entries[:i], l.entries[i+1:]...)
		return nil
	}
	return ErrNotFound
}

// RemoveExpired drops every expired entry and returns how many were removed.
func (l *List) RemoveExpired() (int, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store != nil {
		if _, err := l.store.DeleteExpiredBans(now); err != nil {
			return 0, fmt.Errorf("error deleting expired bans: %w", err)
		}
	}
	kept := l.entries[:0]
	for _, e := range l.entries {
		if !e.expired(now) {
			kept = append(kept, e)
		}
	}
	removed := len(l.entries) - len(kept)
	l.entries = kept
	return removed, nil
}

// Entries returns a copy of every active entry ordered by ID.
func (l *List) Entries() []Entry {
	now := l.now()

	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if !e.expired(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
