package identity

import (
	"sort"
	"strings"
)

// Capability is one resource-access grant. Values are ESI scope names.
type Capability string

const (
	CapPublic        Capability = ""
	CapStructureInfo Capability = "esi-universe.read_structures.v1"
	CapSkills        Capability = "esi-skills.read_skills.v1"
	CapSkillQueue    Capability = "esi-skills.read_skillqueue.v1"
	CapImplants      Capability = "esi-clones.read_implants.v1"
	CapLocation      Capability = "esi-location.read_location.v1"
	CapAssets        Capability = "esi-assets.read_assets.v1"
	CapWallet        Capability = "esi-wallet.read_character_wallet.v1"
)

// CapabilitySet is the set of grants carried by one credential.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from caps.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// ParseScopes builds a set from a space separated scope string as returned by
// the SSO token endpoint.
func ParseScopes(scopes string) CapabilitySet {
	fields := strings.Fields(scopes)
	s := make(CapabilitySet, len(fields))
	for _, f := range fields {
		s[Capability(f)] = struct{}{}
	}
	return s
}

// Contains reports whether c is granted. CapPublic is always granted.
func (s CapabilitySet) Contains(c Capability) bool {
	if c == CapPublic {
		return true
	}
	_, ok := s[c]
	return ok
}

// Strings returns the sorted scope names.
func (s CapabilitySet) Strings() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}
