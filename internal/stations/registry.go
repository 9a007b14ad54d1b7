// Package stations holds the static kiln station registry. Capacity is
// measured in half-shelf units. The registry is immutable after process
// start, so reads need no locking.
package stations

import "strings"

// Registry maps station ids to capacities.
type Registry struct {
	capacities map[string]int
}

// defaultStations is the studio's fixed kiln fleet.
var defaultStations = map[string]int{
	"kiln-main":    8,
	"kiln-annex":   6,
	"kiln-test":    2,
	"kiln-raku":    4,
	"kiln-salt":    4,
}

// NewRegistry returns a registry over the given capacities; nil uses the
// studio defaults.
func NewRegistry(capacities map[string]int) *Registry {
	if capacities == nil {
		capacities = defaultStations
	}
	caps := make(map[string]int, len(capacities))
	for id, c := range capacities {
		if c < 1 {
			continue
		}
		caps[Normalize(id)] = c
	}
	return &Registry{capacities: caps}
}

// Normalize canonicalizes a station id: lowercase, trimmed.
func Normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// IsKnown reports whether the station exists.
func (r *Registry) IsKnown(id string) bool {
	_, ok := r.capacities[Normalize(id)]
	return ok
}

// Capacity returns the station's capacity in half-shelves.
func (r *Registry) Capacity(id string) (int, bool) {
	c, ok := r.capacities[Normalize(id)]
	return c, ok
}

// IDs returns all known station ids.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.capacities))
	for id := range r.capacities {
		out = append(out, id)
	}
	return out
}
