package esi

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/yairfalse/esiwatch/internal/identity"
)

// ResourceID identifies one polling target.
type ResourceID int

const (
	CitadelInfo ResourceID = iota + 1
	CharacterSheet
	Attributes
	Implants
	Skills
	SkillQueue
	Location
	Assets
	WalletBalance
)

// Descriptor describes a remote resource and how it is polled.
type Descriptor struct {
	ID   ResourceID
	Name string
	// Path is relative to the base URL; {name} segments are filled from
	// request params.
	Path           string
	Capability     identity.Capability
	QueryOnStartup bool
	// Parent groups this resource with others whose completion is reported
	// as a single update. Zero means none.
	Parent   ResourceID
	Basic    bool
	Interval time.Duration
}

// Grouped reports whether the resource belongs to a completion group.
func (d Descriptor) Grouped() bool { return d.Parent != 0 }

// URL expands the path template against base.
func (d Descriptor) URL(base string, params map[string]string) (string, error) {
	path := d.Path
	for k, v := range params {
		path = strings.ReplaceAll(path, "{"+k+"}", url.PathEscape(v))
	}
	if strings.Contains(path, "{") {
		return "", fmt.Errorf("resource %s: unfilled path parameter in %q", d.Name, path)
	}
	return strings.TrimRight(base, "/") + path, nil
}

var resources = map[ResourceID]Descriptor{
	CitadelInfo: {
		ID: CitadelInfo, Name: "citadel_info",
		Path:       "/v2/universe/structures/{structure_id}/",
		Capability: identity.CapStructureInfo,
		Interval:   time.Hour,
	},
	CharacterSheet: {
		ID: CharacterSheet, Name: "character_sheet",
		Path:           "/v5/characters/{character_id}/",
		Capability:     identity.CapPublic,
		QueryOnStartup: true,
		Parent:         CharacterSheet,
		Basic:          true,
		Interval:       time.Hour,
	},
	Attributes: {
		ID: Attributes, Name: "attributes",
		Path:       "/v1/characters/{character_id}/attributes/",
		Capability: identity.CapSkills,
		Parent:     CharacterSheet,
		Basic:      true,
		Interval:   time.Hour,
	},
	Implants: {
		ID: Implants, Name: "implants",
		Path:       "/v2/characters/{character_id}/implants/",
		Capability: identity.CapImplants,
		Parent:     CharacterSheet,
		Basic:      true,
		Interval:   5 * time.Minute,
	},
	Skills: {
		ID: Skills, Name: "skills",
		Path:       "/v4/characters/{character_id}/skills/",
		Capability: identity.CapSkills,
		Parent:     CharacterSheet,
		Basic:      true,
		Interval:   2 * time.Minute,
	},
	SkillQueue: {
		ID: SkillQueue, Name: "skill_queue",
		Path:           "/v2/characters/{character_id}/skillqueue/",
		Capability:     identity.CapSkillQueue,
		QueryOnStartup: true,
		Basic:          true,
		Interval:       2 * time.Minute,
	},
	Location: {
		ID: Location, Name: "location",
		Path:       "/v2/characters/{character_id}/location/",
		Capability: identity.CapLocation,
		Interval:   5 * time.Second,
	},
	Assets: {
		ID: Assets, Name: "assets",
		Path:       "/v5/characters/{character_id}/assets/",
		Capability: identity.CapAssets,
		Interval:   time.Hour,
	},
	WalletBalance: {
		ID: WalletBalance, Name: "wallet_balance",
		Path:       "/v1/characters/{character_id}/wallet/",
		Capability: identity.CapWallet,
		Interval:   2 * time.Minute,
	},
}

// Lookup returns the descriptor for id.
func Lookup(id ResourceID) (Descriptor, bool) {
	d, ok := resources[id]
	return d, ok
}

// MustLookup returns the descriptor for id and panics for unknown IDs.
func MustLookup(id ResourceID) Descriptor {
	d, ok := resources[id]
	if !ok {
		panic(fmt.Sprintf("esi: unknown resource %d", id))
	}
	return d
}

// ByName finds a descriptor by its name.
func ByName(name string) (Descriptor, bool) {
	for _, d := range resources {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Resources returns every descriptor ordered by ID.
func Resources() []Descriptor {
	out := make([]Descriptor, 0, len(resources))
	for _, d := range resources {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (id ResourceID) String() string {
	if d, ok := resources[id]; ok {
		return d.Name
	}
	return fmt.Sprintf("resource(%d)", int(id))
}
