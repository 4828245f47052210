package common

import "sync/atomic"

// Default capacity for the channels created by NewChannel. Mailboxes of the
// conferences are expected to be drained quickly, so the buffer only exists to
// absorb short bursts (i.e. a flood of presence updates when a room is joined).
const DefaultChannelSize = 256

// Creates a new channel, returns two counterparts of it where one can only send
// and another can only receive. Unlike traditional Go channels, these allow the
// receiver to mark the channel as closed, after which `Send` returns the message
// back to the caller instead of blocking forever on a mailbox nobody reads.
func NewChannel[M any]() (Sender[M], Receiver[M]) {
	channel := make(chan M, DefaultChannelSize)
	closed := &atomic.Bool{}
	sender := Sender[M]{channel, closed}
	receiver := Receiver[M]{channel, closed}
	return sender, receiver
}

type Sender[M any] struct {
	channel        chan<- M
	receiverClosed *atomic.Bool
}

// Send a message. Returns `nil` if the message was sent, or the message itself
// if the receiver has already closed its end (so that the caller can decide
// what to do with an undeliverable message instead of dropping it silently).
func (s *Sender[M]) Send(message M) *M {
	if !s.receiverClosed.Load() {
		s.channel <- message
		return nil
	}
	return &message
}

type Receiver[M any] struct {
	Channel        <-chan M
	receiverClosed *atomic.Bool
}

// Mark the receiving side as closed. Senders observe this on their next Send.
// The underlying channel is deliberately not closed: other senders may still
// hold a reference and closing it under them would panic.
func (r *Receiver[M]) Close() {
	r.receiverClosed.Store(true)
}
