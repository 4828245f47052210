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

// Package jingle owns the per-participant offer/answer negotiation: the
// session state machine and the types exchanged with the signaling transport.
// The wire encoding (XML vs JSON-encoded sources) is the transport's problem.
package jingle

import (
	"context"

	"mellium.im/xmpp/jid"

	"github.com/millrace/focus/pkg/conference/source"
)

// Action is the jingle action of a request, in either direction.
type Action string

const (
	ActionSessionInitiate  Action = "session-initiate"
	ActionSessionAccept    Action = "session-accept"
	ActionSessionInfo      Action = "session-info"
	ActionSessionTerminate Action = "session-terminate"
	ActionTransportReplace Action = "transport-replace"
	ActionTransportAccept  Action = "transport-accept"
	ActionTransportInfo    Action = "transport-info"
	ActionSourceAdd        Action = "source-add"
	ActionSourceRemove     Action = "source-remove"
)

// TerminateReason explains a session-terminate.
type TerminateReason string

const (
	ReasonSuccess           TerminateReason = "success"
	ReasonBusy              TerminateReason = "busy"
	ReasonCancel            TerminateReason = "cancel"
	ReasonReplaced          TerminateReason = "replaced"
	ReasonExpired           TerminateReason = "expired"
	ReasonGone              TerminateReason = "gone"
	ReasonConnectivityError TerminateReason = "connectivity-error"
)

// Candidate is one ICE candidate as handed over by a bridge.
type Candidate struct {
	Foundation string `json:"foundation"`
	Component  int    `json:"component"`
	Protocol   string `json:"protocol"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Type       string `json:"type"`
	Priority   uint32 `json:"priority"`
}

// Transport is the ICE/DTLS description for one endpoint, produced by a
// bridge and forwarded verbatim to the endpoint.
type Transport struct {
	Ufrag        string      `json:"ufrag"`
	Pwd          string      `json:"pwd"`
	Fingerprint  string      `json:"fingerprint"`
	Candidates   []Candidate `json:"candidates,omitempty"`
	WebsocketURL string      `json:"websocketUrl,omitempty"`
}

func (t Transport) IsEmpty() bool {
	return t.Ufrag == "" && t.Pwd == "" && len(t.Candidates) == 0
}

// SessionParams are the conference-level knobs included in an offer.
type SessionParams struct {
	// Participant counts above which new joiners start muted, 0 = disabled.
	StartAudioMutedAfter int `json:"startAudioMuted,omitempty"`
	StartVideoMutedAfter int `json:"startVideoMuted,omitempty"`
}

// Offer is the payload of a session-initiate or transport-replace: the media
// contents we negotiate, the transport of the assigned bridge and the sources
// of the other participants, pre-filtered for the recipient.
type Offer struct {
	// Media contents in the offer: "audio", "video" and optionally "data".
	Contents []string
	Transport Transport
	Sources   source.ConferenceSourceMap
	Params    SessionParams
}

// MuteRequest asks the endpoint to mute itself (used when the bridge cannot
// force-mute it).
type MuteRequest struct {
	MediaType source.MediaType
	Mute      bool
}

// OutgoingRequest is one jingle IQ from the focus to an endpoint.
type OutgoingRequest struct {
	To     jid.JID
	SID    string
	Action Action

	// Set for session-initiate and transport-replace.
	Offer *Offer
	// Set for source-add and source-remove.
	Sources source.ConferenceSourceMap
	// Set for session-terminate.
	Reason TerminateReason
	// Set for session-info mute pushes.
	Mute *MuteRequest

	// Encode sources as JSON instead of XML extensions (endpoint capability).
	EncodeSourcesAsJSON bool
}

// Sender delivers outgoing requests to the signaling transport. A nil error
// means the endpoint acknowledged the IQ.
type Sender interface {
	Send(ctx context.Context, request OutgoingRequest) error
}
