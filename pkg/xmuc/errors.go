package xmuc

import (
	"mellium.im/xmpp/stanza"
)

// IQError is a typed IQ-level failure: a stanza error condition plus a
// human-readable reason. It is what request handlers return to the transport,
// which encodes it onto the wire.
type IQError struct {
	Condition stanza.Condition
	Type      stanza.ErrorType
	Reason    string
}

func (e *IQError) Error() string {
	if e.Reason == "" {
		return string(e.Condition)
	}
	return string(e.Condition) + ": " + e.Reason
}

// AsStanzaError converts the error to the mellium representation.
func (e *IQError) AsStanzaError() stanza.Error {
	return stanza.Error{Type: e.Type, Condition: e.Condition}
}

// The request was malformed (bad source set, unknown ssrcs, ...). The sender
// may fix it and retry.
func BadRequest(reason string) *IQError {
	return &IQError{Condition: stanza.BadRequest, Type: stanza.Modify, Reason: reason}
}

// The request referenced a session or entity we don't own (stale sid).
func ItemNotFound(reason string) *IQError {
	return &IQError{Condition: stanza.ItemNotFound, Type: stanza.Cancel, Reason: reason}
}

// The sender is not allowed to perform the operation (visitors, non-moderators).
func Forbidden(reason string) *IQError {
	return &IQError{Condition: stanza.Forbidden, Type: stanza.Auth, Reason: reason}
}

// The request was rejected by a rate limit; the sender should back off.
func ResourceConstraint(reason string) *IQError {
	return &IQError{Condition: stanza.ResourceConstraint, Type: stanza.Wait, Reason: reason}
}

// No resources are available to serve the request right now (all bridges
// overloaded); the sender should retry later.
func ServiceUnavailable(reason string) *IQError {
	return &IQError{Condition: stanza.ServiceUnavailable, Type: stanza.Wait, Reason: reason}
}

// Something on our side went wrong while handling an otherwise valid request.
func InternalServerError(reason string) *IQError {
	return &IQError{Condition: stanza.InternalServerError, Type: stanza.Cancel, Reason: reason}
}
