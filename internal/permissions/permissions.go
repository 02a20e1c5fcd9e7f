// Package permissions defines the privileges a connected client can hold and
// the saved grants file that restores them on reconnect.
package permissions

import (
	"fmt"
	"math/bits"
	"strings"
)

type Permissions uint32

const (
	ManageRound Permissions = 1 << iota
	Kick
	Ban
	Unban
	ManageSettings
	ManageCampaign
	ConsoleCommands
	ServerLog
	ManagePermissions
	KarmaImmunity

	None Permissions = 0
	All  Permissions = ManageRound | Kick | Ban | Unban | ManageSettings | ManageCampaign |
		ConsoleCommands | ServerLog | ManagePermissions | KarmaImmunity
)

var names = []struct {
	perm Permissions
	name string
}{
	{ManageRound, "ManageRound"},
	{Kick, "Kick"},
	{Ban, "Ban"},
	{Unban, "Unban"},
	{ManageSettings, "ManageSettings"},
	{ManageCampaign, "ManageCampaign"},
	{ConsoleCommands, "ConsoleCommands"},
	{ServerLog, "ServerLog"},
	{ManagePermissions, "ManagePermissions"},
	{KarmaImmunity, "KarmaImmunity"},
}

func (p Permissions) Has(perm Permissions) bool { return p&perm == perm }

func (p Permissions) Count() int { return bits.OnesCount32(uint32(p & All)) }

// String formats p as a comma separated list of names, "None" or "All".
func (p Permissions) String() string {
	switch p & All {
	case None:
		return "None"
	case All:
		return "All"
	}
	var parts []string
	for _, n := range names {
		if p.Has(n.perm) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// Parse reads the form produced by String. Names are case insensitive and
// may be separated by commas or whitespace.
func Parse(s string) (Permissions, error) {
	var p Permissions
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	for _, f := range fields {
		switch strings.ToLower(f) {
		case "none":
			continue
		case "all":
			p |= All
			continue
		}
		found := false
		for _, n := range names {
			if strings.EqualFold(n.name, f) {
				p |= n.perm
				found = true
				break
			}
		}
		if !found {
			return None, fmt.Errorf("unknown permission %q", f)
		}
	}
	return p, nil
}
