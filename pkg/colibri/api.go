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

// Package colibri drives the per-(conference, bridge) resource lifecycle:
// endpoints are allocated, updated and expired on a bridge through the API
// adapter, and the relay mesh between bridges is maintained. The wire codec
// for the bridge RPCs lives behind the API interface.
package colibri

import (
	"context"
	"errors"
	"fmt"

	"github.com/millrace/focus/pkg/conference/source"
	"github.com/millrace/focus/pkg/jingle"
)

// ErrorKind classifies a failed bridge RPC. The engine reacts differently to
// each kind, see the Session method docs.
type ErrorKind int

const (
	// The request was malformed; deterministic, not the bridge's fault.
	KindBadRequest ErrorKind = iota
	// The bridge does not know the conference (it restarted or expired us).
	KindConferenceNotFound
	// The bridge did not answer in time.
	KindTimeout
	// The RPC could not be delivered.
	KindTransport
	// Anything else, treated like a bridge fault.
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindBadRequest:
		return "bad-request"
	case KindConferenceNotFound:
		return "conference-not-found"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error is a typed bridge RPC failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "colibri: " + e.Kind.String()
	}
	return fmt.Sprintf("colibri: %s: %s", e.Kind, e.Message)
}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// KindOf extracts the classification from any error returned by a Session or
// an API implementation.
func KindOf(err error) ErrorKind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsBridgeFault reports whether the error should count against the bridge's
// health (as opposed to our own request being bad or stale).
func IsBridgeFault(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindTransport, KindUnknown:
		return true
	default:
		return false
	}
}

// TransportPrefs are the transport options requested for an endpoint.
type TransportPrefs struct {
	// Open an SCTP data channel for the endpoint.
	UseSctp bool
	// The bridge acts as the ICE controlling side.
	IceControlling bool
}

// AllocateRequest creates an endpoint on a bridge. An empty ConferenceID asks
// the bridge to create the conference as well.
type AllocateRequest struct {
	ConferenceID string
	RoomName     string
	MeetingID    string

	EndpointID string
	StatsID    string

	Media          []source.MediaType
	InitialSources source.EndpointSourceSet
	InitialLastN   int
	Transport      TransportPrefs

	// The bridge rewrites ssrcs and is authoritative for what the endpoint
	// receives; the focus then skips source signaling for it.
	UseSsrcRewriting bool
}

// AllocateResponse is the bridge's answer to a successful allocation.
type AllocateResponse struct {
	ConferenceID string
	Transport    jingle.Transport
	// Sources the bridge itself sends towards the endpoint (mixed audio
	// levels, probing); forwarded to the endpoint in the offer.
	BridgeSources source.EndpointSourceSet
}

// ForceMute tells the bridge to drop media from an endpoint.
type ForceMute struct {
	Audio bool
	Video bool
}

// UpdateRequest pushes new state for an allocated endpoint. Nil fields are
// left untouched on the bridge.
type UpdateRequest struct {
	ConferenceID string
	EndpointID   string

	// The owner -> sources view the bridge needs for forwarding.
	Sources   source.ConferenceSourceMap
	Transport *jingle.Transport
	ForceMute *ForceMute
}

// API is the bridge RPC adapter. Implementations return *Error for
// bridge-reported failures and plain errors for local ones. All calls are
// blocking; deadlines come from the context.
type API interface {
	AllocateEndpoint(ctx context.Context, request AllocateRequest) (*AllocateResponse, error)
	UpdateEndpoint(ctx context.Context, request UpdateRequest) error
	ExpireEndpoint(ctx context.Context, conferenceID, endpointID string) error
	ExpireConference(ctx context.Context, conferenceID string) error
	SetRelays(ctx context.Context, conferenceID string, relayIDs []string) error
}

// APIFactory hands out the API adapter bound to one bridge; a Session talks
// to exactly one bridge and never names it in its RPCs.
type APIFactory interface {
	APIFor(bridgeAddress string) API
}
