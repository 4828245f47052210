package source

import (
	"encoding/json"

	"golang.org/x/exp/maps"

	"github.com/millrace/focus/pkg/xmuc"
)

// ConferenceSourceMap maps an owner (endpoint) to the sources it advertises.
// The map itself is mutable and owned by whoever created it; the values keep
// the EndpointSourceSet immutability convention.
type ConferenceSourceMap map[xmuc.EndpointID]EndpointSourceSet

func NewConferenceSourceMap() ConferenceSourceMap {
	return make(ConferenceSourceMap)
}

// SingleOwner is a convenience for the common "this endpoint's sources only"
// shape used all over the signaling paths.
func SingleOwner(owner xmuc.EndpointID, set EndpointSourceSet) ConferenceSourceMap {
	return ConferenceSourceMap{owner: set.Copy()}
}

func (m ConferenceSourceMap) IsEmpty() bool {
	for _, set := range m {
		if !set.IsEmpty() {
			return false
		}
	}
	return true
}

func (m ConferenceSourceMap) Owners() []xmuc.EndpointID {
	return maps.Keys(m)
}

func (m ConferenceSourceMap) Copy() ConferenceSourceMap {
	copied := make(ConferenceSourceMap, len(m))
	for owner, set := range m {
		copied[owner] = set.Copy()
	}
	return copied
}

// Add unions `set` into the owner's entry.
func (m ConferenceSourceMap) Add(owner xmuc.EndpointID, set EndpointSourceSet) {
	m[owner] = m[owner].Union(set)
}

// AddMap unions every entry of `other` into this map.
func (m ConferenceSourceMap) AddMap(other ConferenceSourceMap) {
	for owner, set := range other {
		m.Add(owner, set)
	}
}

// Remove subtracts `set` from the owner's entry, dropping the owner once
// empty. Groups referencing a removed ssrc go away with it.
func (m ConferenceSourceMap) Remove(owner xmuc.EndpointID, set EndpointSourceSet) {
	remaining := m[owner].Minus(set)
	if remaining.IsEmpty() {
		delete(m, owner)
	} else {
		m[owner] = remaining
	}
}

// RemoveMap subtracts every entry of `other` from this map.
func (m ConferenceSourceMap) RemoveMap(other ConferenceSourceMap) {
	for owner, set := range other {
		m.Remove(owner, set)
	}
}

// RemoveOwner drops the owner entirely, returning what was removed.
func (m ConferenceSourceMap) RemoveOwner(owner xmuc.EndpointID) EndpointSourceSet {
	removed := m[owner]
	delete(m, owner)
	return removed
}

// FindOwner returns the endpoint currently advertising the given ssrc.
func (m ConferenceSourceMap) FindOwner(ssrc Ssrc) (xmuc.EndpointID, bool) {
	for owner, set := range m {
		if set.Has(ssrc) {
			return owner, true
		}
	}
	return "", false
}

// FilterMediaTypes applies EndpointSourceSet.FilterMediaTypes to every entry,
// returning a new map without empty entries.
func (m ConferenceSourceMap) FilterMediaTypes(mediaTypes ...MediaType) ConferenceSourceMap {
	filtered := make(ConferenceSourceMap, len(m))
	for owner, set := range m {
		if kept := set.FilterMediaTypes(mediaTypes...); !kept.IsEmpty() {
			filtered[owner] = kept
		}
	}
	return filtered
}

// StripSimulcast applies EndpointSourceSet.StripSimulcast to every entry.
func (m ConferenceSourceMap) StripSimulcast() ConferenceSourceMap {
	stripped := make(ConferenceSourceMap, len(m))
	for owner, set := range m {
		stripped[owner] = set.StripSimulcast()
	}
	return stripped
}

func (m ConferenceSourceMap) Equal(other ConferenceSourceMap) bool {
	if len(m) != len(other) {
		return false
	}
	for owner, set := range m {
		if !set.Equal(other[owner]) {
			return false
		}
	}
	return true
}

// ToJSON renders a debug projection of the map (owner -> sources/groups).
func (m ConferenceSourceMap) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
