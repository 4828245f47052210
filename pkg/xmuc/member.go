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

// Package xmuc is the boundary between the focus and the multi-user chat room
// it uses to discover endpoints. The wire protocol lives behind the Room and
// RoomFactory interfaces; this package only defines the member model, the
// events a room emits and the typed IQ errors the focus replies with.
package xmuc

import (
	"mellium.im/xmpp/jid"
)

// EndpointID is the identity of one endpoint in a conference, i.e. the MUC
// resource (nickname) of the member. Unique within a room.
type EndpointID string

func (id EndpointID) String() string { return string(id) }

// Role of a member within the chat room. The order matters: higher roles have
// strictly more rights.
type Role int

const (
	RoleVisitor Role = iota
	RoleMember
	RoleModerator
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleVisitor:
		return "visitor"
	case RoleMember:
		return "member"
	case RoleModerator:
		return "moderator"
	case RoleOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// Whether the role is allowed to moderate the room (mute others, etc).
func (r Role) HasModeratorRights() bool {
	return r >= RoleModerator
}

// Capability advertised by an endpoint in its presence.
type Capability string

const (
	CapAudio         Capability = "audio"
	CapVideo         Capability = "video"
	CapRtx           Capability = "rtx"
	CapRed           Capability = "red"
	CapTcc           Capability = "tcc"
	CapRemb          Capability = "remb"
	CapSctp          Capability = "sctp"
	CapSsrcRewriting Capability = "ssrc-rewriting"
	CapJSONSources   Capability = "json-sources"
	CapAudioMute     Capability = "audio-mute"
)

// CapabilitySet is the set of features an endpoint supports.
type CapabilitySet map[Capability]struct{}

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

func (s CapabilitySet) Copy() CapabilitySet {
	copied := make(CapabilitySet, len(s))
	for c := range s {
		copied[c] = struct{}{}
	}
	return copied
}

// Per-ssrc information advertised in a member's presence (keyed by the string
// form of the ssrc). Only the bits the focus needs for mute tracking.
type SourceInfo struct {
	Muted     bool   `json:"muted"`
	VideoType string `json:"videoType,omitempty"`
}

// Member is a snapshot of one chat-room occupant, as last seen in presence.
// Value type: the room hands out copies, the conference owns its own view.
type Member struct {
	EndpointID EndpointID
	// The occupant JID (room@muc.example/<EndpointID>).
	JID jid.JID
	// The real JID of the occupant, zero value if the room is anonymous.
	RealJID jid.JID

	Role         Role
	StatsID      string
	Region       string
	Capabilities CapabilitySet
	SourceInfos  map[string]SourceInfo

	IsJibri       bool
	IsJigasi      bool
	IsTranscriber bool
	IsVisitor     bool

	AudioMuted bool
	VideoMuted bool
}

// BareJID is the canonical string used to identify this member in moderation
// whitelists: the bare real JID when the room is non-anonymous, the occupant
// JID otherwise. Nothing downstream parses JIDs again.
func (m Member) BareJID() string {
	if !m.RealJID.Equal(jid.JID{}) {
		return m.RealJID.Bare().String()
	}
	return m.JID.String()
}

// Hidden members (recorders, transcribers) don't count as real participants:
// they never trigger a conference start and are skipped by auto-owner.
func (m Member) IsHidden() bool {
	return m.IsJibri || m.IsTranscriber
}
