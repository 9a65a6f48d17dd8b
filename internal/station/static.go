package station

import (
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed stations.yaml
var bundledStations []byte

type staticFile struct {
	Stations []staticEntry `yaml:"stations"`
}

type staticEntry struct {
	ID            int64  `yaml:"id"`
	Name          string `yaml:"name"`
	SolarSystemID int64  `yaml:"solar_system_id"`
	TypeID        int64  `yaml:"type_id"`
	OwnerID       int64  `yaml:"owner_id"`
}

// StaticTable maps NPC station IDs to their fixed data.
type StaticTable map[int64]Station

// BundledStatic returns the table compiled into the binary.
func BundledStatic() (StaticTable, error) {
	return parseStatic(bundledStations)
}

// LoadStatic reads a YAML station table from path.
func LoadStatic(path string) (StaticTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open station table: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadStatic(f)
}

// ReadStatic reads a YAML station table.
func ReadStatic(r io.Reader) (StaticTable, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read station table: %w", err)
	}
	return parseStatic(data)
}

// Merge returns t with other's entries added over it.
func (t StaticTable) Merge(other StaticTable) StaticTable {
	out := make(StaticTable, len(t)+len(other))
	for id, st := range t {
		out[id] = st
	}
	for id, st := range other {
		out[id] = st
	}
	return out
}

func parseStatic(data []byte) (StaticTable, error) {
	var file staticFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse station table: %w", err)
	}

	table := make(StaticTable, len(file.Stations))
	for i, e := range file.Stations {
		if e.ID <= 0 || e.Name == "" {
			return nil, fmt.Errorf("station table entry %d: id and name are required", i)
		}
		if IsDynamic(e.ID) {
			return nil, fmt.Errorf("station table entry %d: id %d is in the structure range", i, e.ID)
		}
		table[e.ID] = Station{
			ID:            e.ID,
			Name:          e.Name,
			SolarSystemID: e.SolarSystemID,
			TypeID:        e.TypeID,
			OwnerID:       e.OwnerID,
			Static:        true,
		}
	}
	return table, nil
}
