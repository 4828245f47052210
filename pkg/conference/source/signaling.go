package source

import "github.com/millrace/focus/pkg/xmuc"

// SignalKind says whether a Signal adds or removes sources on the endpoint.
type SignalKind int

const (
	SignalRemove SignalKind = iota
	SignalAdd
)

// Signal is one source-add or source-remove to be sent to an endpoint.
type Signal struct {
	Kind    SignalKind
	Sources ConferenceSourceMap
}

// Signaling tracks, for one endpoint, the difference between what the
// conference has already told it (`signaled`) and what it should be told
// (`updated`), and produces minimal deltas between the two. The endpoint's
// capability filter is applied here and only here: callers pass unfiltered
// conference state in and must not re-filter what comes out.
//
// Not safe for concurrent use; owned by the conference that owns the endpoint.
type Signaling struct {
	signaled ConferenceSourceMap
	updated  ConferenceSourceMap
	filter   Filter
}

func NewSignaling(filter Filter) *Signaling {
	return &Signaling{
		signaled: NewConferenceSourceMap(),
		updated:  NewConferenceSourceMap(),
		filter:   filter,
	}
}

// AddSources records sources that should (eventually) be signaled.
func (s *Signaling) AddSources(sources ConferenceSourceMap) {
	s.updated.AddMap(sources)
}

// RemoveSources records sources that should (eventually) be withdrawn.
func (s *Signaling) RemoveSources(sources ConferenceSourceMap) {
	s.updated.RemoveMap(sources)
}

// RemoveOwner withdraws everything a given endpoint advertised.
func (s *Signaling) RemoveOwner(owner xmuc.EndpointID) {
	s.updated.RemoveOwner(owner)
}

// Update computes the pending deltas, advances `signaled` to `updated` and
// returns at most one Remove followed by at most one Add. An empty result
// means the endpoint is up to date.
func (s *Signaling) Update() []Signal {
	filteredUpdated := s.filter.Apply(s.updated)
	filteredSignaled := s.filter.Apply(s.signaled)

	toRemove := diff(filteredSignaled, filteredUpdated)
	toAdd := diff(filteredUpdated, filteredSignaled)

	s.signaled = s.updated.Copy()

	var signals []Signal
	if !toRemove.IsEmpty() {
		signals = append(signals, Signal{Kind: SignalRemove, Sources: toRemove})
	}
	if !toAdd.IsEmpty() {
		signals = append(signals, Signal{Kind: SignalAdd, Sources: toAdd})
	}
	return signals
}

// Reset forces both views to `sources`, as happens when a session is
// (re)established and the full state goes out in the initial offer. Returns
// the filtered set for inclusion in that offer.
func (s *Signaling) Reset(sources ConferenceSourceMap) ConferenceSourceMap {
	s.signaled = sources.Copy()
	s.updated = sources.Copy()
	return s.filter.Apply(sources)
}

// HasPending reports whether Update would produce any signal.
func (s *Signaling) HasPending() bool {
	filteredUpdated := s.filter.Apply(s.updated)
	filteredSignaled := s.filter.Apply(s.signaled)
	return !diff(filteredSignaled, filteredUpdated).IsEmpty() ||
		!diff(filteredUpdated, filteredSignaled).IsEmpty()
}

// diff returns the sources and groups present in `a` but not in `b`
// (sources compared by ssrc, groups by semantics and members).
func diff(a, b ConferenceSourceMap) ConferenceSourceMap {
	result := NewConferenceSourceMap()
	for owner, setA := range a {
		setB := b[owner]

		delta := EndpointSourceSet{}
		for _, src := range setA.Sources {
			if !setB.Has(src.Ssrc) {
				delta.Sources = append(delta.Sources, src)
			}
		}
		for _, g := range setA.Groups {
			present := false
			for _, other := range setB.Groups {
				if g.Equal(other) {
					present = true
					break
				}
			}
			if !present {
				delta.Groups = append(delta.Groups, g.Copy())
			}
		}

		if !delta.IsEmpty() {
			result[owner] = delta
		}
	}
	return result
}
