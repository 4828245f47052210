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

// Package xmppclient is the signaling transport of the focus: one XMPP client
// connection that joins chat rooms on behalf of the conferences, delivers
// jingle IQs to endpoints and routes incoming IQs to the conference registry.
//
// The conference engine never sees stanzas; this package translates between
// the wire and the types of the xmuc, jingle and conference packages.
package xmppclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"mellium.im/sasl"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/stanza"

	"github.com/millrace/focus/pkg/conference"
	"github.com/millrace/focus/pkg/xmuc"
)

const (
	nsJingle = "urn:xmpp:jingle:1"
	nsFocus  = "urn:millrace:focus"
)

// Timeout for outgoing stanzas sent outside of a caller-provided context.
const sendTimeout = 10 * time.Second

// Config of the XMPP connection.
type Config struct {
	// Account JID of the focus, e.g. "focus@auth.example.com".
	JID      string `yaml:"jid"`
	Password string `yaml:"password"`
	// Nickname used in every room, "focus" by default.
	Nickname string `yaml:"nickname"`
	// How long an incoming IQ may wait for the conference to answer.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Nickname == "" {
		c.Nickname = "focus"
	}
	if c.DispatchTimeout == 0 {
		c.DispatchTimeout = 15 * time.Second
	}
	return c
}

// Dispatcher is where incoming requests go; implemented by the conference
// registry.
type Dispatcher interface {
	Dispatch(ctx context.Context, from jid.JID, content any) conference.Response
	EnsureConference(ctx context.Context, roomName string) error
}

// Client is one XMPP connection. It implements xmuc.RoomFactory and
// jingle.Sender for the conferences running on top of it.
type Client struct {
	config  Config
	session *xmpp.Session
	logger  *logrus.Entry

	mu    sync.Mutex
	rooms map[string]*Room
}

// Dial connects and authenticates. Serve must be called afterwards to start
// processing incoming stanzas.
func Dial(ctx context.Context, config Config, logger *logrus.Entry) (*Client, error) {
	config = config.withDefaults()

	origin, err := jid.Parse(config.JID)
	if err != nil {
		return nil, fmt.Errorf("xmppclient: invalid jid %q: %w", config.JID, err)
	}

	session, err := xmpp.DialClientSession(ctx, origin,
		xmpp.StartTLS(&tls.Config{
			ServerName: origin.Domainpart(),
			MinVersion: tls.VersionTLS12,
		}),
		xmpp.SASL("", config.Password, sasl.ScramSha256, sasl.ScramSha1, sasl.Plain),
		xmpp.BindResource(),
	)
	if err != nil {
		return nil, fmt.Errorf("xmppclient: failed to connect: %w", err)
	}

	logger.WithField("jid", session.LocalAddr().String()).Info("connected to the XMPP server")
	return &Client{
		config:  config,
		session: session,
		logger:  logger.WithField("component", "xmpp"),
		rooms:   make(map[string]*Room),
	}, nil
}

// Serve processes incoming stanzas until the connection dies. Blocking.
func (c *Client) Serve(dispatcher Dispatcher) error {
	handler := &iqHandler{client: c, dispatcher: dispatcher}

	m := mux.New(stanza.NSClient,
		mux.PresenceFunc(stanza.AvailablePresence, xml.Name{}, c.handlePresence),
		mux.PresenceFunc(stanza.UnavailablePresence, xml.Name{}, c.handlePresence),
		mux.IQFunc(stanza.SetIQ, xml.Name{Space: nsJingle, Local: "jingle"}, handler.handleJingle),
		mux.IQFunc(stanza.SetIQ, xml.Name{Space: nsFocus, Local: "conference"}, handler.handleConference),
		mux.IQFunc(stanza.SetIQ, xml.Name{Space: nsFocus, Local: "mute"}, handler.handleMute),
		mux.IQFunc(stanza.SetIQ, xml.Name{Space: nsFocus, Local: "mute-all"}, handler.handleMuteAll),
	)
	return c.session.Serve(m)
}

func (c *Client) Close() error {
	return c.session.Close()
}

func (c *Client) addRoom(room *Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room.roomJID.String()] = room
}

func (c *Client) removeRoom(room *Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rooms[room.roomJID.String()] == room {
		delete(c.rooms, room.roomJID.String())
	}
}

func (c *Client) roomFor(bareJID string) *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[bareJID]
}

// handlePresence routes MUC presence to the room it belongs to. Presence for
// rooms we are not in is dropped.
func (c *Client) handlePresence(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	room := c.roomFor(p.From.Bare().String())
	if room == nil {
		return nil
	}

	d := xml.NewTokenDecoder(t)
	var pres occupantPresence
	if err := d.Decode(&pres); err != nil {
		return err
	}
	pres.Presence = p
	room.handlePresence(pres)
	return nil
}

func (c *Client) sendPresence(ctx context.Context, p stanza.Presence, payload xml.TokenReader) error {
	return c.session.Send(ctx, p.Wrap(payload))
}

// sendIQ sends an IQ and waits for the response, converting an error response
// into a stanza.Error.
func (c *Client) sendIQ(ctx context.Context, iq stanza.IQ, payload xml.TokenReader) error {
	response, err := c.session.SendIQElement(ctx, payload, iq)
	if err != nil {
		return err
	}
	defer response.Close()

	tok, err := response.Token()
	if err != nil {
		return err
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return fmt.Errorf("xmppclient: unexpected response token %T", tok)
	}
	for _, attr := range start.Attr {
		if attr.Name.Local == "type" && attr.Value == string(stanza.ErrorIQ) {
			stanzaErr, err := stanza.UnmarshalError(response)
			if err != nil {
				return err
			}
			return stanzaErr
		}
	}
	return nil
}

// marshalReader renders a value into a token stream, for the stanza payload
// APIs that want an xml.TokenReader.
func marshalReader(v any) (xml.TokenReader, error) {
	encoded, err := xml.Marshal(v)
	if err != nil {
		return nil, err
	}
	return xml.NewDecoder(bytes.NewReader(encoded)), nil
}

// iqHandler decodes incoming IQs and hands them to the dispatcher. The
// dispatch itself runs off the serve goroutine: conference creation joins a
// room and must be able to observe presence while the request is in flight.
type iqHandler struct {
	client     *Client
	dispatcher Dispatcher
}

func (h *iqHandler) handleJingle(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	var wire wireJingle
	if err := xml.NewTokenDecoder(t).DecodeElement(&wire, start); err != nil {
		return err
	}

	content, err := decodeJingle(&wire)
	if err != nil {
		h.client.logger.WithError(err).WithField("from", iq.From.String()).
			Warn("dropping malformed jingle IQ")
		go h.reply(iq, xmuc.BadRequest(err.Error()))
		return nil
	}

	go h.dispatchAndReply(iq, content)
	return nil
}

func (h *iqHandler) handleConference(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	var wire struct {
		XMLName xml.Name `xml:"urn:millrace:focus conference"`
		Room    string   `xml:"room,attr"`
	}
	if err := xml.NewTokenDecoder(t).DecodeElement(&wire, start); err != nil {
		return err
	}
	if wire.Room == "" {
		go h.reply(iq, xmuc.BadRequest("missing room attribute"))
		return nil
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.client.config.DispatchTimeout)
		defer cancel()
		if err := h.dispatcher.EnsureConference(ctx, wire.Room); err != nil {
			h.reply(iq, xmuc.ServiceUnavailable(err.Error()))
			return
		}
		h.reply(iq, nil)
	}()
	return nil
}

func (h *iqHandler) handleMute(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	var wire struct {
		XMLName xml.Name `xml:"urn:millrace:focus mute"`
		Target  string   `xml:"target,attr"`
		Media   string   `xml:"media,attr"`
		Muted   bool     `xml:"muted,attr"`
	}
	if err := xml.NewTokenDecoder(t).DecodeElement(&wire, start); err != nil {
		return err
	}

	target := xmuc.EndpointID(wire.Target)
	if target == "" {
		target = xmuc.EndpointID(iq.From.Resourcepart())
	}
	go h.dispatchAndReply(iq, conference.MuteEndpoint{
		Target:    target,
		MediaType: mediaTypeFromWire(wire.Media),
		Mute:      wire.Muted,
	})
	return nil
}

func (h *iqHandler) handleMuteAll(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	var wire struct {
		XMLName xml.Name `xml:"urn:millrace:focus mute-all"`
		Media   string   `xml:"media,attr"`
		Enable  bool     `xml:"enable,attr"`
	}
	if err := xml.NewTokenDecoder(t).DecodeElement(&wire, start); err != nil {
		return err
	}

	go h.dispatchAndReply(iq, conference.MuteAll{
		MediaType: mediaTypeFromWire(wire.Media),
		Enable:    wire.Enable,
	})
	return nil
}

func (h *iqHandler) dispatchAndReply(iq stanza.IQ, content any) {
	ctx, cancel := context.WithTimeout(context.Background(), h.client.config.DispatchTimeout)
	defer cancel()

	response := h.dispatcher.Dispatch(ctx, iq.From, content)
	h.reply(iq, response.Err)
}

func (h *iqHandler) reply(iq stanza.IQ, iqErr *xmuc.IQError) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	reply := stanza.IQ{ID: iq.ID, To: iq.From, Type: stanza.ResultIQ}
	var payload xml.TokenReader
	if iqErr != nil {
		reply.Type = stanza.ErrorIQ
		payload = iqErr.AsStanzaError().TokenReader()
	}
	if err := h.client.session.Send(ctx, reply.Wrap(payload)); err != nil {
		h.client.logger.WithError(err).WithField("to", iq.From.String()).
			Warn("failed to send IQ reply")
	}
}
