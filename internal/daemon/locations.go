package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/yairfalse/esiwatch/internal/esi"
	"github.com/yairfalse/esiwatch/internal/monitor"
)

// locationHandler keeps the raw payload like any other snapshot and starts
// a lookup for every location it names, with the polling identity as the
// preferred requester.
func (d *Daemon) locationHandler(desc esi.Descriptor, extract func([]byte) ([]int64, error)) monitor.Handler {
	raw := d.snapshots.Handler(desc.Name)
	return monitor.HandlerFunc(func(identityID int64, data []byte) (func(), error) {
		keep, err := raw.Decode(identityID, data)
		if err != nil || data == nil {
			return keep, err
		}
		ids, err := extract(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", desc.Name, err)
		}
		return func() {
			keep()
			ident, ok := d.registry.Get(identityID)
			if !ok {
				return
			}
			for _, id := range ids {
				d.stations.Resolve(id, ident)
			}
		}, nil
	})
}

// characterLocationIDs returns the station or structure the character is
// docked in. Undocked characters yield nothing.
func characterLocationIDs(data []byte) ([]int64, error) {
	var loc struct {
		StationID   int64 `json:"station_id"`
		StructureID int64 `json:"structure_id"`
	}
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil, err
	}
	switch {
	case loc.StructureID != 0:
		return []int64{loc.StructureID}, nil
	case loc.StationID != 0:
		return []int64{loc.StationID}, nil
	}
	return nil, nil
}

// hangarFlags mark items sitting directly in a station or structure, where
// location_id names the station. Other flags point at a containing item.
var hangarFlags = map[string]bool{
	"Hangar":      true,
	"Deliveries":  true,
	"AssetSafety": true,
}

// assetLocationIDs returns the distinct stations and structures holding
// assets, in first seen order.
func assetLocationIDs(data []byte) ([]int64, error) {
	var items []struct {
		LocationID   int64  `json:"location_id"`
		LocationType string `json:"location_type"`
		LocationFlag string `json:"location_flag"`
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	seen := make(map[int64]struct{}, len(items))
	var ids []int64
	for _, it := range items {
		docked := it.LocationType == "station" || (it.LocationType == "item" && hangarFlags[it.LocationFlag])
		if !docked || it.LocationID == 0 {
			continue
		}
		if _, ok := seen[it.LocationID]; ok {
			continue
		}
		seen[it.LocationID] = struct{}{}
		ids = append(ids, it.LocationID)
	}
	return ids, nil
}
