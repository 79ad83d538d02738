package registry

import (
	"fmt"
	"maps"
	"sort"
)

// DefaultVolumes is the nominal volume (litres) of every machine on the floor.
var DefaultVolumes = map[string]float64{
	"DD50-1": 800, "DD50-2": 800, "DD100": 900, "DD200-1": 1800, "DD200-2": 1800, "DD600": 3960,
	"DL2-1": 16, "DL500-1": 5, "DL500-2": 5, "DL500-3": 5, "DL500-4": 5,
	"DL250-1": 3.5, "DL250-2": 3.5, "DL250-3": 3.5, "DL250-4": 3.5,
	"DL125-1": 2, "DL125-2": 2, "DL125-3": 2, "DL125-4": 2,
	"RK3-1": 26, "RK3-2": 26, "RK3-3": 26, "RK3-4": 26, "RK3-5": 26, "RK3-6": 26,
	"RK6-1": 44, "RK6-2": 44, "RK6-3": 44, "RK6-4": 44, "RK6-5": 44, "RK6-6": 44,
	"LX4": 60, "LX5": 60, "LX6": 60, "LX7": 60, "LX8": 60, "LX9": 60, "LX10": 60, "LX11": 60,
	"LX12": 60, "LX13": 60, "LX14": 60, "LX15": 60, "LX16": 60, "LX17": 60,
	"A5": 225, "B6": 225, "B7": 225, "A4": 145, "B1": 225, "B5": 145,
}

// Registry is the read-only machine → nominal volume table. It is built once
// and never mutated, so it is safe for concurrent use without locking.
type Registry struct {
	volumes map[string]float64
}

// New builds a Registry from the given mapping. The map is copied.
func New(volumes map[string]float64) (*Registry, error) {
	if len(volumes) == 0 {
		return nil, fmt.Errorf("machine registry is empty")
	}
	for id, v := range volumes {
		if id == "" {
			return nil, fmt.Errorf("machine registry contains an empty machine id")
		}
		if v <= 0 {
			return nil, fmt.Errorf("machine %q has non-positive volume %v", id, v)
		}
	}
	return &Registry{volumes: maps.Clone(volumes)}, nil
}

// Default returns the Registry built from DefaultVolumes.
func Default() *Registry {
	r, err := New(DefaultVolumes)
	if err != nil {
		panic(err)
	}
	return r
}

// LookupVolume returns the nominal volume of a machine.
func (r *Registry) LookupVolume(machine string) (float64, bool) {
	v, ok := r.volumes[machine]
	return v, ok
}

// Has reports whether machine is registered.
func (r *Registry) Has(machine string) bool {
	_, ok := r.volumes[machine]
	return ok
}

// Machines returns a copy of the mapping.
func (r *Registry) Machines() map[string]float64 {
	return maps.Clone(r.volumes)
}

// IDs returns the machine ids in lexical order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.volumes))
	for id := range r.volumes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
