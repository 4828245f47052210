package colibri

import (
	"sync"

	"github.com/millrace/focus/pkg/xmuc"
)

// sessionState is the mutable part of a Session. The embedded mutex guards
// the maps only and is never held across an RPC; the per-endpoint `busy`
// mutex is what serializes RPCs for one endpoint.
type sessionState struct {
	sync.Mutex

	conferenceID string
	endpoints    map[xmuc.EndpointID]*endpointState
	relays       []string

	// Held across the RPC that creates the bridge-side conference, so only
	// one allocation can be "the first" one.
	firstAllocation sync.Mutex
}

type endpointState struct {
	busy sync.Mutex
}

// endpoint returns the state for an endpoint, creating it if needed.
func (s *sessionState) endpoint(id xmuc.EndpointID) *endpointState {
	s.Lock()
	defer s.Unlock()

	ep, ok := s.endpoints[id]
	if !ok {
		ep = &endpointState{}
		s.endpoints[id] = ep
	}
	return ep
}

func (s *sessionState) remove(id xmuc.EndpointID) {
	s.Lock()
	defer s.Unlock()
	delete(s.endpoints, id)
}
