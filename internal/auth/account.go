package auth

import (
	"errors"
	"strings"
)

var ErrInvalidAccountID = errors.New("invalid account id")

// AccountID identifies a player on an external identity platform.
type AccountID struct {
	Kind  string
	Value string
}

// ParseAccountID parses the "kind:value" form produced by AccountID.String.
func ParseAccountID(s string) (AccountID, error) {
	kind, value, ok := strings.Cut(s, ":")
	if !ok || kind == "" || value == "" {
		return AccountID{}, ErrInvalidAccountID
	}
	return AccountID{Kind: strings.ToLower(kind), Value: value}, nil
}

func (id AccountID) String() string {
	return id.Kind + ":" + id.Value
}

// AccountInfo is the identity resolved for a connection. A nil AccountID
// means the client is unauthenticated.
type AccountInfo struct {
	AccountID        *AccountID
	OtherMatchingIDs []AccountID
}

// None is the identity of an unauthenticated client.
var None = AccountInfo{}

func NewAccountInfo(id AccountID, others ...AccountID) AccountInfo {
	return AccountInfo{AccountID: &id, OtherMatchingIDs: others}
}

func (a AccountInfo) IsNone() bool { return a.AccountID == nil }

// AllIDs returns the primary id followed by every other matching id.
func (a AccountInfo) AllIDs() []AccountID {
	ids := make([]AccountID, 0, len(a.OtherMatchingIDs)+1)
	if a.AccountID != nil {
		ids = append(ids, *a.AccountID)
	}
	return append(ids, a.OtherMatchingIDs...)
}

// Matches reports whether id is the primary or any of the other matching ids.
func (a AccountInfo) Matches(id AccountID) bool {
	for _, known := range a.AllIDs() {
		if known == id {
			return true
		}
	}
	return false
}

func (a AccountInfo) String() string {
	if a.IsNone() {
		return "none"
	}
	return a.AccountID.String()
}
