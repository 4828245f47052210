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

// Package participant models one endpoint of a conference: the chat-room
// member behind it, its jingle session, its source-signaling state and its
// restart budget.
package participant

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/millrace/focus/pkg/conference/source"
	"github.com/millrace/focus/pkg/jingle"
	"github.com/millrace/focus/pkg/xmuc"
)

// Participant is owned by exactly one conference and, except for the restart
// limiter and the session state (which are internally synchronized), must
// only be touched from that conference's processing loop.
type Participant struct {
	member   xmuc.Member
	joinedAt time.Time

	Logger *logrus.Entry

	session   *jingle.Session
	signaling *source.Signaling

	restart *RestartLimiter

	// Serializes everything we send to this endpoint.
	sends *SendQueue

	// Cancels the in-flight invite task, nil when none is running.
	inviteCancel context.CancelFunc

	// A source-signaling flush is already scheduled for this participant.
	flushScheduled bool

	// A re-invite is already scheduled (no bridge had capacity last time).
	inviteRetryScheduled bool
}

func New(member xmuc.Member, stripSimulcast bool, restartConfig RestartConfig, logger *logrus.Entry) *Participant {
	return &Participant{
		member:   member,
		joinedAt: time.Now(),
		Logger:   logger.WithField("endpoint_id", member.EndpointID),
		signaling: source.NewSignaling(
			source.FilterFor(member.Capabilities, stripSimulcast)),
		restart: NewRestartLimiter(restartConfig.WithDefaults()),
		sends:   NewSendQueue(),
	}
}

func (p *Participant) EndpointID() xmuc.EndpointID { return p.member.EndpointID }
func (p *Participant) Member() xmuc.Member         { return p.member }
func (p *Participant) JoinedAt() time.Time         { return p.joinedAt }

// UpdateMember refreshes the member snapshot from a new presence. The
// endpoint id never changes for a live participant.
func (p *Participant) UpdateMember(member xmuc.Member) {
	p.member = member
}

func (p *Participant) HasCapability(c xmuc.Capability) bool {
	return p.member.Capabilities.Has(c)
}

func (p *Participant) Signaling() *source.Signaling { return p.signaling }

func (p *Participant) Session() *jingle.Session { return p.session }

// SetSession installs a new jingle session. The caller must have terminated
// the previous one: a participant has at most one live negotiation.
func (p *Participant) SetSession(session *jingle.Session) {
	p.session = session
}

// OwnsSession reports whether an incoming IQ with the given sid refers to
// the participant's current session. IQs for replaced sessions are answered
// with item-not-found by the conference.
func (p *Participant) OwnsSession(sid string) bool {
	return p.session != nil && p.session.SID() == sid
}

// HasActiveSession reports whether source deltas can be signaled right now.
func (p *Participant) HasActiveSession() bool {
	return p.session != nil && p.session.State() == jingle.StateActive
}

// AcceptRestartRequest is the rate-limit gate for restart requests.
func (p *Participant) AcceptRestartRequest() bool {
	return p.restart.Accept()
}

// StartInvite records the cancel handle of a newly started invite task,
// canceling any previous one: replacing an in-flight invite is always
// allowed and always wins.
func (p *Participant) StartInvite(cancel context.CancelFunc) {
	if p.inviteCancel != nil {
		p.inviteCancel()
	}
	p.inviteCancel = cancel
}

// InviteDone clears the invite handle (the task finished on its own).
func (p *Participant) InviteDone() {
	p.inviteCancel = nil
}

// CancelInvite aborts the in-flight invite task, if any.
func (p *Participant) CancelInvite() {
	if p.inviteCancel != nil {
		p.inviteCancel()
		p.inviteCancel = nil
	}
}

func (p *Participant) HasInviteInFlight() bool {
	return p.inviteCancel != nil
}

// MarkFlushScheduled flags that a delayed source-signaling flush is pending.
// Returns false if one was already scheduled.
func (p *Participant) MarkFlushScheduled() bool {
	if p.flushScheduled {
		return false
	}
	p.flushScheduled = true
	return true
}

func (p *Participant) ClearFlushScheduled() {
	p.flushScheduled = false
}

// MarkInviteRetryScheduled flags that a delayed re-invite is pending. Returns
// false if one was already scheduled.
func (p *Participant) MarkInviteRetryScheduled() bool {
	if p.inviteRetryScheduled {
		return false
	}
	p.inviteRetryScheduled = true
	return true
}

func (p *Participant) ClearInviteRetryScheduled() {
	p.inviteRetryScheduled = false
}

// QueueSend hands an outgoing send to the participant's send queue: tasks run
// one at a time, in the order they were queued.
func (p *Participant) QueueSend(task func()) {
	p.sends.Enqueue(task)
}

// StopSends shuts the send queue down once the queued sends have drained.
// Called when the participant is removed from the conference.
func (p *Participant) StopSends() {
	p.sends.Close()
}

// DebugState is the JSON-friendly projection used by the debug endpoint.
func (p *Participant) DebugState() map[string]any {
	state := map[string]any{
		"endpoint_id": p.member.EndpointID,
		"role":        p.member.Role.String(),
		"region":      p.member.Region,
		"stats_id":    p.member.StatsID,
		"visitor":     p.member.IsVisitor,
		"joined_at":   p.joinedAt,
	}
	if p.session != nil {
		state["session_sid"] = p.session.SID()
		state["session_state"] = p.session.State().String()
	}
	return state
}
