package permissions

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dcrodman/ballast/internal/auth"
	"github.com/dcrodman/ballast/internal/core"
)

// Grant restores permissions to a client identified by account id or, for
// unauthenticated clients, by endpoint.
type Grant struct {
	Name        string
	Endpoint    string
	AccountID   *auth.AccountID
	Permissions Permissions
}

func (g Grant) matches(endpoint string, info auth.AccountInfo) bool {
	if g.AccountID != nil {
		return info.Matches(*g.AccountID)
	}
	return g.Endpoint != "" && g.Endpoint == endpoint
}

type xmlGrants struct {
	XMLName xml.Name   `xml:"ClientPermissions"`
	Clients []xmlGrant `xml:"Client"`
}

type xmlGrant struct {
	Name        string `xml:"name,attr"`
	Endpoint    string `xml:"endpoint,attr,omitempty"`
	AccountID   string `xml:"accountid,attr,omitempty"`
	Permissions string `xml:"permissions,attr"`
}

// Store holds the saved grants loaded from the permissions file. It is safe
// for concurrent use.
type Store struct {
	path string

	mu     sync.Mutex
	grants []Grant
}

// Load reads the permissions file at path. A missing file yields an empty store.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	} else if err != nil {
		return nil, fmt.Errorf("error reading permissions file: %w", err)
	}

	var doc xmlGrants
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("error parsing permissions file %s: %w", path, err)
	}
	for _, c := range doc.Clients {
		perms, err := Parse(c.Permissions)
		if err != nil {
			return nil, fmt.Errorf("error parsing permissions for %s: %w", c.Name, err)
		}
		g := Grant{Name: c.Name, Endpoint: c.Endpoint, Permissions: perms}
		if c.AccountID != "" {
			id, err := auth.ParseAccountID(c.AccountID)
			if err != nil {
				return nil, fmt.Errorf("error parsing account id for %s: %w", c.Name, err)
			}
			g.AccountID = &id
		}
		s.grants = append(s.grants, g)
	}
	return s, nil
}

// Lookup finds the saved grant for a client.
func (s *Store) Lookup(endpoint string, info auth.AccountInfo) (Grant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.grants {
		if g.matches(endpoint, info) {
			return g, true
		}
	}
	return Grant{}, false
}

// Grant saves perms for a client, replacing any existing grant for it.
// Authenticated clients are keyed on their account id.
func (s *Store) Grant(name, endpoint string, info auth.AccountInfo, perms Permissions) {
	g := Grant{Name: name, Permissions: perms}
	if info.IsNone() {
		g.Endpoint = endpoint
	} else {
		id := *info.AccountID
		g.AccountID = &id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(endpoint, info)
	s.grants = append(s.grants, g)
}

// Revoke removes the saved grant for a client, reporting whether one existed.
func (s *Store) Revoke(endpoint string, info auth.AccountInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(endpoint, info)
}

func (s *Store) removeLocked(endpoint string, info auth.AccountInfo) bool {
	kept := s.grants[:0]
	for _, g := range s.grants {
		if !g.matches(endpoint, info) {
			kept = append(kept, g)
		}
	}
	removed := len(kept) != len(s.grants)
	s.grants = kept
	return removed
}

func (s *Store) Grants() []Grant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Grant(nil), s.grants...)
}

// Save writes the store back to the file it was loaded from.
func (s *Store) Save() error {
	s.mu.Lock()
	doc := xmlGrants{}
	for _, g := range s.grants {
		c := xmlGrant{Name: g.Name, Endpoint: g.Endpoint, Permissions: g.Permissions.String()}
		if g.AccountID != nil {
			c.AccountID = g.AccountID.String()
		}
		doc.Clients = append(doc.Clients, c)
	}
	s.mu.Unlock()

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding permissions: %w", err)
	}
	return core.WriteFileAtomic(s.path, append([]byte(xml.Header), out...))
}
