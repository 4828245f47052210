package colibri

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/millrace/focus/pkg/bridge"
	"github.com/millrace/focus/pkg/conference/source"
	"github.com/millrace/focus/pkg/jingle"
	"github.com/millrace/focus/pkg/xmuc"
)

// DefaultRequestTimeout bounds a single bridge RPC.
const DefaultRequestTimeout = 10 * time.Second

// Session is the conversation between one conference and one bridge.
//
// Concurrency: operations on different endpoints run in parallel, operations
// on the same endpoint are serialized (per-endpoint mutex). The registry
// mutex is never held across an RPC.
type Session struct {
	// Opaque session id handed to clients as `bridgeSessionId`; a client
	// whose id no longer matches is talking about a torn-down session.
	id string

	bridge         *bridge.Bridge
	api            API
	roomName       string
	meetingID      string
	requestTimeout time.Duration
	logger         *logrus.Entry

	state sessionState
}

func NewSession(b *bridge.Bridge, api API, roomName, meetingID string, requestTimeout time.Duration, logger *logrus.Entry) *Session {
	if requestTimeout == 0 {
		requestTimeout = DefaultRequestTimeout
	}

	id := uuid.NewString()[:8]
	return &Session{
		id:             id,
		bridge:         b,
		api:            api,
		roomName:       roomName,
		meetingID:      meetingID,
		requestTimeout: requestTimeout,
		logger: logger.WithFields(logrus.Fields{
			"bridge":         b.Address(),
			"bridge_session": id,
		}),
		state: sessionState{endpoints: make(map[xmuc.EndpointID]*endpointState)},
	}
}

func (s *Session) ID() string             { return s.id }
func (s *Session) Bridge() *bridge.Bridge { return s.bridge }

func (s *Session) ConferenceID() string {
	s.state.Lock()
	defer s.state.Unlock()
	return s.state.conferenceID
}

func (s *Session) Has(endpoint xmuc.EndpointID) bool {
	s.state.Lock()
	defer s.state.Unlock()
	_, ok := s.state.endpoints[endpoint]
	return ok
}

func (s *Session) Participants() []xmuc.EndpointID {
	s.state.Lock()
	defer s.state.Unlock()
	return maps.Keys(s.state.endpoints)
}

func (s *Session) ParticipantCount() int {
	s.state.Lock()
	defer s.state.Unlock()
	return len(s.state.endpoints)
}

// Allocate creates the endpoint on the bridge, creating the bridge-side
// conference with the first allocation. The error, if any, is classified per
// ErrorKind; the caller decides what to do with the bridge.
func (s *Session) Allocate(ctx context.Context, request AllocateRequest) (*AllocateResponse, error) {
	endpoint := xmuc.EndpointID(request.EndpointID)

	ep := s.state.endpoint(endpoint)
	ep.busy.Lock()
	defer ep.busy.Unlock()

	// The first allocation for the session creates the conference on the
	// bridge; serialize it so that concurrent joiners don't create two.
	s.state.firstAllocation.Lock()
	conferenceID := s.ConferenceID()
	if conferenceID != "" {
		s.state.firstAllocation.Unlock()
	} else {
		defer s.state.firstAllocation.Unlock()
	}

	request.ConferenceID = conferenceID
	request.RoomName = s.roomName
	request.MeetingID = s.meetingID

	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	response, err := s.api.AllocateEndpoint(ctx, request)
	if err != nil {
		s.state.remove(endpoint)
		return nil, fmt.Errorf("allocating %s: %w", endpoint, err)
	}

	s.state.Lock()
	s.state.conferenceID = response.ConferenceID
	s.state.Unlock()

	s.logger.WithField("endpoint_id", endpoint).Debug("allocated endpoint")
	return response, nil
}

// UpdateSources pushes the current owner -> sources view for an endpoint.
func (s *Session) UpdateSources(ctx context.Context, endpoint xmuc.EndpointID, sources source.ConferenceSourceMap) error {
	return s.update(ctx, endpoint, UpdateRequest{Sources: sources})
}

// UpdateTransport pushes trickle/final ICE information for an endpoint.
func (s *Session) UpdateTransport(ctx context.Context, endpoint xmuc.EndpointID, transport jingle.Transport) error {
	return s.update(ctx, endpoint, UpdateRequest{Transport: &transport})
}

// SetForceMute tells the bridge to stop accepting the endpoint's media.
func (s *Session) SetForceMute(ctx context.Context, endpoint xmuc.EndpointID, mute ForceMute) error {
	return s.update(ctx, endpoint, UpdateRequest{ForceMute: &mute})
}

func (s *Session) update(ctx context.Context, endpoint xmuc.EndpointID, request UpdateRequest) error {
	s.state.Lock()
	ep, known := s.state.endpoints[endpoint]
	request.ConferenceID = s.state.conferenceID
	s.state.Unlock()

	if !known || request.ConferenceID == "" {
		return NewError(KindBadRequest, fmt.Sprintf("endpoint %s is not allocated here", endpoint))
	}
	request.EndpointID = string(endpoint)

	ep.busy.Lock()
	defer ep.busy.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	if err := s.api.UpdateEndpoint(ctx, request); err != nil {
		return fmt.Errorf("updating %s: %w", endpoint, err)
	}
	return nil
}

// Expire removes the endpoint from this session, expiring it on the bridge.
// Once the last endpoint is gone the bridge-side conference is expired too.
// Returns the number of endpoints left. Expiry failures are logged, not
// returned: the bridge will time the resources out on its own.
func (s *Session) Expire(ctx context.Context, endpoint xmuc.EndpointID) int {
	s.state.Lock()
	_, known := s.state.endpoints[endpoint]
	conferenceID := s.state.conferenceID
	delete(s.state.endpoints, endpoint)
	remaining := len(s.state.endpoints)
	s.state.Unlock()

	if known && conferenceID != "" {
		ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()

		if err := s.api.ExpireEndpoint(ctx, conferenceID, string(endpoint)); err != nil {
			s.logger.WithError(err).WithField("endpoint_id", endpoint).
				Warn("failed to expire endpoint on bridge")
		}
	}

	if remaining == 0 {
		s.expireConference(ctx)
	}
	return remaining
}

// ExpireAll tears the whole session down, best effort with a short bounded
// retry (conference teardown should not leave dangling bridge resources just
// because one RPC got lost).
func (s *Session) ExpireAll(ctx context.Context) {
	s.state.Lock()
	conferenceID := s.state.conferenceID
	s.state.endpoints = make(map[xmuc.EndpointID]*endpointState)
	s.state.Unlock()

	if conferenceID == "" {
		return
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()

		err := s.api.ExpireConference(ctx, conferenceID)
		if err != nil && !IsBridgeFault(err) {
			// Not retryable; the bridge already forgot us.
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		s.logger.WithError(err).Warn("failed to expire conference on bridge")
	}
}

func (s *Session) expireConference(ctx context.Context) {
	s.state.Lock()
	conferenceID := s.state.conferenceID
	s.state.conferenceID = ""
	s.state.Unlock()

	if conferenceID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	if err := s.api.ExpireConference(ctx, conferenceID); err != nil {
		s.logger.WithError(err).Warn("failed to expire conference on bridge")
	}
}

// Reset discards all local bridge-side state after the bridge reported
// ConferenceNotFound: the next allocation starts a fresh conference. Returns
// the endpoints that have to be re-allocated.
func (s *Session) Reset() []xmuc.EndpointID {
	s.state.Lock()
	defer s.state.Unlock()

	affected := maps.Keys(s.state.endpoints)
	s.state.conferenceID = ""
	s.state.endpoints = make(map[xmuc.EndpointID]*endpointState)
	s.state.relays = nil

	s.logger.WithField("endpoints", len(affected)).Info("bridge forgot the conference, resetting session")
	return affected
}

// SetRelays reconciles the relay (octo) mesh: the set of other bridges this
// bridge must forward to/from for this conference. A no-change call is free.
func (s *Session) SetRelays(ctx context.Context, relayIDs []string) error {
	sorted := slices.Clone(relayIDs)
	slices.Sort(sorted)

	s.state.Lock()
	if slices.Equal(s.state.relays, sorted) {
		s.state.Unlock()
		return nil
	}
	conferenceID := s.state.conferenceID
	s.state.Unlock()

	if conferenceID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	if err := s.api.SetRelays(ctx, conferenceID, sorted); err != nil {
		return fmt.Errorf("setting relays: %w", err)
	}

	s.state.Lock()
	s.state.relays = sorted
	s.state.Unlock()

	s.logger.WithField("relays", sorted).Debug("updated relay mesh")
	return nil
}

// DebugState is the JSON-friendly projection used by the debug endpoint.
func (s *Session) DebugState() map[string]any {
	s.state.Lock()
	defer s.state.Unlock()
	return map[string]any{
		"id":            s.id,
		"bridge":        s.bridge.Address(),
		"conference_id": s.state.conferenceID,
		"endpoints":     maps.Keys(s.state.endpoints),
		"relays":        s.state.relays,
	}
}
