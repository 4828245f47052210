package jingle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"

	"github.com/millrace/focus/pkg/conference/source"
)

// State of a session. Transitions are one-way: Pending -> Active and any
// state -> Ended.
type State int32

const (
	StatePending State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

var (
	ErrSessionEnded     = errors.New("jingle: session has ended")
	ErrSessionNotActive = errors.New("jingle: session is not active")
)

// Session is one negotiation with one endpoint. A fresh sid is generated per
// session; restarting a participant means creating a new Session, never
// reusing an old one. The state field is atomic so that readers outside the
// conference loop (debug snapshots) don't race; all mutations happen from
// the conference that owns the participant.
type Session struct {
	sid   string
	peer  jid.JID
	state atomic.Int32

	encodeSourcesAsJSON bool

	sender Sender
	logger *logrus.Entry
}

func NewSession(peer jid.JID, encodeSourcesAsJSON bool, sender Sender, logger *logrus.Entry) *Session {
	sid := uuid.NewString()
	return &Session{
		sid:                 sid,
		peer:                peer,
		encodeSourcesAsJSON: encodeSourcesAsJSON,
		sender:              sender,
		logger:              logger.WithField("sid", sid),
	}
}

func (s *Session) SID() string  { return s.sid }
func (s *Session) Peer() jid.JID { return s.peer }

func (s *Session) State() State {
	return State(s.state.Load())
}

// Initiate sends the initial offer (session-initiate). The session stays
// Pending until the endpoint answers.
func (s *Session) Initiate(ctx context.Context, offer Offer) error {
	return s.sendOffer(ctx, ActionSessionInitiate, offer)
}

// ReplaceTransport sends the offer as a transport-replace. Used on the
// replacement session after a restart or a bridge move; the previous session
// must already have been terminated with reason `replaced`.
func (s *Session) ReplaceTransport(ctx context.Context, offer Offer) error {
	return s.sendOffer(ctx, ActionTransportReplace, offer)
}

func (s *Session) sendOffer(ctx context.Context, action Action, offer Offer) error {
	if s.State() == StateEnded {
		return ErrSessionEnded
	}

	err := s.sender.Send(ctx, OutgoingRequest{
		To:                  s.peer,
		SID:                 s.sid,
		Action:              action,
		Offer:               &offer,
		EncodeSourcesAsJSON: s.encodeSourcesAsJSON,
	})
	if err != nil {
		return fmt.Errorf("jingle: sending %s: %w", action, err)
	}
	return nil
}

// Accept moves the session to Active; called when the endpoint answers with
// session-accept or transport-accept. Accepting twice is a no-op; accepting
// an ended session fails.
func (s *Session) Accept() error {
	for {
		switch current := s.state.Load(); State(current) {
		case StateEnded:
			return ErrSessionEnded
		case StateActive:
			return nil
		default:
			if s.state.CompareAndSwap(current, int32(StateActive)) {
				s.logger.Debug("session accepted")
				return nil
			}
		}
	}
}

// Terminate ends the session. When sendIQ is set, a best-effort
// session-terminate is sent to the endpoint; a failed send only gets logged
// (the endpoint may already be gone). Terminating twice is a no-op.
func (s *Session) Terminate(ctx context.Context, reason TerminateReason, sendIQ bool) {
	previous := State(s.state.Swap(int32(StateEnded)))
	if previous == StateEnded {
		return
	}

	if !sendIQ {
		return
	}

	err := s.sender.Send(ctx, OutgoingRequest{
		To:     s.peer,
		SID:    s.sid,
		Action: ActionSessionTerminate,
		Reason: reason,
	})
	if err != nil {
		s.logger.WithError(err).Warn("failed to send session-terminate")
	}
}

// AddSources signals a source-add. Only valid on an active session: callers
// queue deltas for pending sessions and fold them into the initial offer.
func (s *Session) AddSources(ctx context.Context, sources source.ConferenceSourceMap) error {
	return s.sendSources(ctx, ActionSourceAdd, sources)
}

// RemoveSources signals a source-remove.
func (s *Session) RemoveSources(ctx context.Context, sources source.ConferenceSourceMap) error {
	return s.sendSources(ctx, ActionSourceRemove, sources)
}

func (s *Session) sendSources(ctx context.Context, action Action, sources source.ConferenceSourceMap) error {
	if s.State() != StateActive {
		return ErrSessionNotActive
	}
	if sources.IsEmpty() {
		return nil
	}

	err := s.sender.Send(ctx, OutgoingRequest{
		To:                  s.peer,
		SID:                 s.sid,
		Action:              action,
		Sources:             sources,
		EncodeSourcesAsJSON: s.encodeSourcesAsJSON,
	})
	if err != nil {
		return fmt.Errorf("jingle: sending %s: %w", action, err)
	}
	return nil
}

// RequestMute asks the endpoint to mute itself over session-info.
func (s *Session) RequestMute(ctx context.Context, mediaType source.MediaType, mute bool) error {
	if s.State() == StateEnded {
		return ErrSessionEnded
	}

	return s.sender.Send(ctx, OutgoingRequest{
		To:     s.peer,
		SID:    s.sid,
		Action: ActionSessionInfo,
		Mute:   &MuteRequest{MediaType: mediaType, Mute: mute},
	})
}
