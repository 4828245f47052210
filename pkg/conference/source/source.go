/*
Copyright 2023 The Millrace Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package source models the media sources advertised by conference endpoints
// and the set algebra the focus performs on them. Everything here is pure
// data: no locks, no I/O. Sets are treated as immutable values; operations
// return new sets and never alias the inputs' slices.
package source

import (
	"fmt"
	"sort"

	"golang.org/x/exp/slices"
)

type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

type VideoType string

const (
	VideoCamera  VideoType = "camera"
	VideoDesktop VideoType = "desktop"
	VideoNone    VideoType = "none"
)

// Ssrc is an RTP synchronization source identifier.
type Ssrc uint32

// Source is one RTP stream advertised by an endpoint. Two sources are the
// same source iff their ssrcs are equal; on conflicting writes the later
// write wins, matching the wire semantics.
type Source struct {
	Ssrc      Ssrc      `json:"ssrc"`
	MediaType MediaType `json:"mediaType"`
	// Endpoint-assigned unique name, e.g. "abcdef-v0".
	Name      string    `json:"name,omitempty"`
	VideoType VideoType `json:"videoType,omitempty"`
	Muted     bool      `json:"muted,omitempty"`
	// "streamId trackId", optional.
	Msid string `json:"msid,omitempty"`
}

func (s Source) String() string {
	return fmt.Sprintf("%s[ssrc=%d name=%s]", s.MediaType, s.Ssrc, s.Name)
}

type GroupSemantics string

const (
	SemanticsFid   GroupSemantics = "FID"
	SemanticsSim   GroupSemantics = "SIM"
	SemanticsFecFr GroupSemantics = "FEC-FR"
)

// SsrcGroup ties several ssrcs of one endpoint together (retransmission
// pairs, simulcast layers). Order of ssrcs is significant.
type SsrcGroup struct {
	Semantics GroupSemantics `json:"semantics"`
	Ssrcs     []Ssrc         `json:"sources"`
}

func (g SsrcGroup) Contains(ssrc Ssrc) bool {
	return slices.Contains(g.Ssrcs, ssrc)
}

func (g SsrcGroup) Equal(other SsrcGroup) bool {
	return g.Semantics == other.Semantics && slices.Equal(g.Ssrcs, other.Ssrcs)
}

func (g SsrcGroup) Copy() SsrcGroup {
	return SsrcGroup{Semantics: g.Semantics, Ssrcs: slices.Clone(g.Ssrcs)}
}

func (g SsrcGroup) String() string {
	return fmt.Sprintf("%s%v", g.Semantics, g.Ssrcs)
}

// EndpointSourceSet is the complete set of sources and groups advertised by
// one endpoint. Within a set ssrcs are unique and groups only reference ssrcs
// present in Sources; NewEndpointSourceSet establishes this, the algebra
// preserves it.
type EndpointSourceSet struct {
	Sources []Source    `json:"sources,omitempty"`
	Groups  []SsrcGroup `json:"groups,omitempty"`
}

// NewEndpointSourceSet builds a set from raw slices, deduplicating sources by
// ssrc (later entries win) and dropping groups that reference unknown ssrcs.
// Use Validate for strict admission of client-advertised sets.
func NewEndpointSourceSet(sources []Source, groups []SsrcGroup) EndpointSourceSet {
	byssrc := make(map[Ssrc]Source, len(sources))
	order := make([]Ssrc, 0, len(sources))
	for _, s := range sources {
		if _, seen := byssrc[s.Ssrc]; !seen {
			order = append(order, s.Ssrc)
		}
		byssrc[s.Ssrc] = s
	}

	set := EndpointSourceSet{}
	for _, ssrc := range order {
		set.Sources = append(set.Sources, byssrc[ssrc])
	}

	for _, g := range groups {
		known := true
		for _, ssrc := range g.Ssrcs {
			if _, ok := byssrc[ssrc]; !ok {
				known = false
				break
			}
		}
		if known && len(g.Ssrcs) > 0 {
			set.Groups = append(set.Groups, g.Copy())
		}
	}

	return set
}

func (s EndpointSourceSet) IsEmpty() bool {
	return len(s.Sources) == 0 && len(s.Groups) == 0
}

func (s EndpointSourceSet) Copy() EndpointSourceSet {
	copied := EndpointSourceSet{
		Sources: slices.Clone(s.Sources),
		Groups:  make([]SsrcGroup, 0, len(s.Groups)),
	}
	for _, g := range s.Groups {
		copied.Groups = append(copied.Groups, g.Copy())
	}
	return copied
}

// Ssrcs returns all ssrcs in the set, sorted.
func (s EndpointSourceSet) Ssrcs() []Ssrc {
	ssrcs := make([]Ssrc, 0, len(s.Sources))
	for _, src := range s.Sources {
		ssrcs = append(ssrcs, src.Ssrc)
	}
	sort.Slice(ssrcs, func(i, j int) bool { return ssrcs[i] < ssrcs[j] })
	return ssrcs
}

func (s EndpointSourceSet) Get(ssrc Ssrc) (Source, bool) {
	for _, src := range s.Sources {
		if src.Ssrc == ssrc {
			return src, true
		}
	}
	return Source{}, false
}

func (s EndpointSourceSet) Has(ssrc Ssrc) bool {
	_, ok := s.Get(ssrc)
	return ok
}

// FirstOfType returns the first source of the given media type, if any.
func (s EndpointSourceSet) FirstOfType(mediaType MediaType) (Source, bool) {
	for _, src := range s.Sources {
		if src.MediaType == mediaType {
			return src, true
		}
	}
	return Source{}, false
}

// Union merges the two sets. On ssrc conflicts the source from `other` wins.
func (s EndpointSourceSet) Union(other EndpointSourceSet) EndpointSourceSet {
	result := s.Copy()

	for _, src := range other.Sources {
		if i := slices.IndexFunc(result.Sources, func(existing Source) bool {
			return existing.Ssrc == src.Ssrc
		}); i >= 0 {
			result.Sources[i] = src
		} else {
			result.Sources = append(result.Sources, src)
		}
	}

	for _, g := range other.Groups {
		if !slices.ContainsFunc(result.Groups, g.Equal) {
			result.Groups = append(result.Groups, g.Copy())
		}
	}

	return result
}

// Minus removes every source whose ssrc appears in `other`, along with any
// group that references a removed ssrc. Groups present in `other` are removed
// as well.
func (s EndpointSourceSet) Minus(other EndpointSourceSet) EndpointSourceSet {
	removed := make(map[Ssrc]struct{}, len(other.Sources))
	for _, src := range other.Sources {
		removed[src.Ssrc] = struct{}{}
	}

	result := EndpointSourceSet{}
	for _, src := range s.Sources {
		if _, gone := removed[src.Ssrc]; !gone {
			result.Sources = append(result.Sources, src)
		}
	}

	for _, g := range s.Groups {
		if slices.ContainsFunc(other.Groups, g.Equal) {
			continue
		}
		references := false
		for ssrc := range removed {
			if g.Contains(ssrc) {
				references = true
				break
			}
		}
		if !references {
			result.Groups = append(result.Groups, g.Copy())
		}
	}

	return result
}

// FilterMediaTypes keeps only sources of the given media types (and the
// groups that survive). The filter is monotone: filtering a subset yields a
// subset of the filtered set.
func (s EndpointSourceSet) FilterMediaTypes(mediaTypes ...MediaType) EndpointSourceSet {
	dropped := EndpointSourceSet{}
	for _, src := range s.Sources {
		if !slices.Contains(mediaTypes, src.MediaType) {
			dropped.Sources = append(dropped.Sources, src)
		}
	}
	return s.Minus(dropped)
}

// StripSimulcast collapses each SIM group to its primary (first) ssrc,
// removing the secondary layers, their retransmission pairs and the SIM
// groups themselves. Sets without SIM groups are returned unchanged.
func (s EndpointSourceSet) StripSimulcast() EndpointSourceSet {
	secondary := make(map[Ssrc]struct{})
	for _, g := range s.Groups {
		if g.Semantics == SemanticsSim {
			for _, ssrc := range g.Ssrcs[1:] {
				secondary[ssrc] = struct{}{}
			}
		}
	}

	// Retransmission ssrcs paired with a secondary layer go away with it.
	for _, g := range s.Groups {
		if g.Semantics == SemanticsFid && len(g.Ssrcs) == 2 {
			if _, gone := secondary[g.Ssrcs[0]]; gone {
				secondary[g.Ssrcs[1]] = struct{}{}
			}
		}
	}

	result := EndpointSourceSet{}
	for _, src := range s.Sources {
		if _, gone := secondary[src.Ssrc]; !gone {
			result.Sources = append(result.Sources, src)
		}
	}

	for _, g := range s.Groups {
		if g.Semantics == SemanticsSim {
			continue
		}
		references := false
		for ssrc := range secondary {
			if g.Contains(ssrc) {
				references = true
				break
			}
		}
		if !references {
			result.Groups = append(result.Groups, g.Copy())
		}
	}

	return result
}

// Equal compares two sets as sets: same sources (all fields) for the same
// ssrcs and the same groups, regardless of order.
func (s EndpointSourceSet) Equal(other EndpointSourceSet) bool {
	if len(s.Sources) != len(other.Sources) || len(s.Groups) != len(other.Groups) {
		return false
	}
	for _, src := range s.Sources {
		found, ok := other.Get(src.Ssrc)
		if !ok || found != src {
			return false
		}
	}
	for _, g := range s.Groups {
		if !slices.ContainsFunc(other.Groups, g.Equal) {
			return false
		}
	}
	return true
}

func (s EndpointSourceSet) String() string {
	return fmt.Sprintf("sources=%v groups=%v", s.Sources, s.Groups)
}
