// Package structure resolves player-owned structure IDs to names. Lookups
// for the same ID are coalesced into one request that rotates through every
// identity able to see structures until one of them gets an answer.
package structure

import "time"

// Structure is a resolved cache entry.
type Structure struct {
	ID            int64     `json:"id" yaml:"id"`
	Name          string    `json:"name" yaml:"name"`
	SolarSystemID int64     `json:"solar_system_id,omitempty" yaml:"solar_system_id,omitempty"`
	TypeID        int64     `json:"type_id,omitempty" yaml:"type_id,omitempty"`
	OwnerID       int64     `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	ResolvedAt    time.Time `json:"resolved_at" yaml:"resolved_at"`
}

func lessByID(a, b Structure) bool { return a.ID < b.ID }
