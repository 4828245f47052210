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

package xmppclient

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"

	"github.com/millrace/focus/pkg/common"
	"github.com/millrace/focus/pkg/xmuc"
)

// CreateRoom implements xmuc.RoomFactory.
func (c *Client) CreateRoom(name string, events common.Sender[xmuc.Event]) (xmuc.Room, error) {
	roomJID, err := jid.Parse(name)
	if err != nil {
		return nil, fmt.Errorf("xmppclient: invalid room name %q: %w", name, err)
	}
	selfJID, err := roomJID.WithResource(c.config.Nickname)
	if err != nil {
		return nil, fmt.Errorf("xmppclient: cannot join %q as %q: %w", name, c.config.Nickname, err)
	}

	return &Room{
		client:     c,
		name:       name,
		roomJID:    roomJID,
		selfJID:    selfJID,
		logger:     c.logger.WithField("room", name),
		events:     events,
		members:    make(map[string]xmuc.Member),
		extensions: make(map[string]xmuc.PresenceExtension),
		joined:     make(chan struct{}),
	}, nil
}

// Room is one joined MUC room. Presence is delivered by the client's serve
// goroutine; the public methods are called by the conference, hence the lock
// around the member and extension state.
type Room struct {
	client  *Client
	name    string
	roomJID jid.JID
	selfJID jid.JID
	logger  *logrus.Entry
	events  common.Sender[xmuc.Event]

	mu         sync.Mutex
	config     xmuc.RoomConfig
	members    map[string]xmuc.Member
	extensions map[string]xmuc.PresenceExtension
	joinedOnce bool
	leaving    bool

	joined chan struct{}
}

func (r *Room) Name() string { return r.name }

func (r *Room) Config() xmuc.RoomConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// Join sends the initial presence and waits until the room confirms it. The
// room roster arrives as regular presence before the self-presence and is
// forwarded as MemberJoined events.
func (r *Room) Join(ctx context.Context) error {
	r.client.addRoom(r)

	payload := xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Space: muc.NS, Local: "x"},
	})
	if err := r.client.sendPresence(ctx, stanza.Presence{To: r.selfJID}, payload); err != nil {
		r.client.removeRoom(r)
		return fmt.Errorf("xmppclient: failed to join %q: %w", r.name, err)
	}

	select {
	case <-r.joined:
	case <-ctx.Done():
		r.client.removeRoom(r)
		return ctx.Err()
	}

	r.fetchConfig(ctx)
	r.logger.Info("joined the room")
	return nil
}

// fetchConfig pulls the room configuration form. Best effort: a room that
// refuses the query keeps the zero config.
func (r *Room) fetchConfig(ctx context.Context) {
	data, err := muc.GetConfig(ctx, r.roomJID, r.client.session)
	if err != nil {
		r.logger.WithError(err).Debug("could not fetch the room config form")
		return
	}

	meetingID, _ := data.GetString("muc#roominfo_meetingId")
	mainRoom, _ := data.GetString("muc#roominfo_main_room")
	whois, _ := data.GetString("muc#roomconfig_whois")

	r.mu.Lock()
	r.config = xmuc.RoomConfig{
		MeetingID:      meetingID,
		MainRoom:       mainRoom,
		IsBreakoutRoom: mainRoom != "",
		NonAnonymous:   whois == "anyone",
	}
	r.mu.Unlock()
}

func (r *Room) Leave() {
	r.mu.Lock()
	r.leaving = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	presence := stanza.Presence{To: r.selfJID, Type: stanza.UnavailablePresence}
	if err := r.client.sendPresence(ctx, presence, nil); err != nil {
		r.logger.WithError(err).Warn("failed to send the leave presence")
	}
	r.client.removeRoom(r)
	r.logger.Info("left the room")
}

func (r *Room) SetPresenceExtension(ext xmuc.PresenceExtension) error {
	r.mu.Lock()
	r.extensions[ext.ElementName()] = ext
	r.mu.Unlock()
	return r.resendPresence()
}

func (r *Room) RemovePresenceExtension(name string) error {
	r.mu.Lock()
	delete(r.extensions, name)
	r.mu.Unlock()
	return r.resendPresence()
}

// resendPresence republishes the focus's own presence with the current set of
// extensions, in a stable order.
func (r *Room) resendPresence() error {
	r.mu.Lock()
	names := make([]string, 0, len(r.extensions))
	for name := range r.extensions {
		names = append(names, name)
	}
	sort.Strings(names)
	readers := make([]xml.TokenReader, 0, len(names))
	for _, name := range names {
		reader, err := extensionReader(name, r.extensions[name])
		if err != nil {
			r.mu.Unlock()
			return err
		}
		readers = append(readers, reader)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return r.client.sendPresence(ctx, stanza.Presence{To: r.selfJID},
		xmlstream.MultiReader(readers...))
}

// extensionReader encodes an extension under its advertised element name.
func extensionReader(name string, ext xmuc.PresenceExtension) (xml.TokenReader, error) {
	var buf bytes.Buffer
	encoder := xml.NewEncoder(&buf)
	start := xml.StartElement{Name: xml.Name{Space: nsFocus, Local: name}}
	if err := encoder.EncodeElement(ext, start); err != nil {
		return nil, err
	}
	if err := encoder.Flush(); err != nil {
		return nil, err
	}
	return xml.NewDecoder(bytes.NewReader(buf.Bytes())), nil
}

func (r *Room) GrantOwnership(ctx context.Context, member xmuc.Member) error {
	query := struct {
		XMLName xml.Name `xml:"http://jabber.org/protocol/muc#admin query"`
		Item    struct {
			Affiliation string `xml:"affiliation,attr"`
			JID         string `xml:"jid,attr,omitempty"`
			Nick        string `xml:"nick,attr,omitempty"`
		} `xml:"item"`
	}{}
	query.Item.Affiliation = "owner"
	if !member.RealJID.Equal(jid.JID{}) {
		query.Item.JID = member.RealJID.Bare().String()
	} else {
		query.Item.Nick = string(member.EndpointID)
	}

	payload, err := marshalReader(query)
	if err != nil {
		return err
	}
	return r.client.sendIQ(ctx, stanza.IQ{To: r.roomJID, Type: stanza.SetIQ}, payload)
}

// occupantPresence is the full decoded form of a MUC presence, including the
// focus-specific extensions endpoints advertise.
type occupantPresence struct {
	stanza.Presence

	MUCUser *struct {
		Item struct {
			Affiliation string `xml:"affiliation,attr"`
			Role        string `xml:"role,attr"`
			JID         string `xml:"jid,attr"`
			Actor       struct {
				Nick string `xml:"nick,attr"`
			} `xml:"actor"`
			Reason string `xml:"reason"`
		} `xml:"item"`
		Status []struct {
			Code int `xml:"code,attr"`
		} `xml:"status"`
		Destroy *struct {
			Reason string `xml:"reason"`
		} `xml:"destroy"`
	} `xml:"http://jabber.org/protocol/muc#user x"`

	StatsID string `xml:"urn:millrace:focus stats-id"`
	Region  struct {
		ID string `xml:"id,attr"`
	} `xml:"urn:millrace:focus region"`
	Features struct {
		Feature []struct {
			Var string `xml:"var,attr"`
		} `xml:"feature"`
	} `xml:"urn:millrace:focus features"`
	SourceInfo string `xml:"urn:millrace:focus source-info"`
	AudioMuted string `xml:"urn:millrace:focus audiomuted"`
	VideoMuted string `xml:"urn:millrace:focus videomuted"`
}

func (p *occupantPresence) hasStatus(code int) bool {
	if p.MUCUser == nil {
		return false
	}
	for _, status := range p.MUCUser.Status {
		if status.Code == code {
			return true
		}
	}
	return false
}

func (r *Room) handlePresence(p occupantPresence) {
	resource := p.From.Resourcepart()
	if resource == r.client.config.Nickname {
		r.handleSelfPresence(p)
		return
	}

	if p.Type == stanza.UnavailablePresence {
		r.handleOccupantLeft(p, resource)
		return
	}
	r.handleOccupantPresence(p, resource)
}

func (r *Room) handleSelfPresence(p occupantPresence) {
	if p.Type == stanza.UnavailablePresence {
		r.mu.Lock()
		leaving := r.leaving
		r.mu.Unlock()
		if leaving {
			return
		}

		reason := "the focus was removed from the room"
		if p.MUCUser != nil && p.MUCUser.Destroy != nil {
			reason = p.MUCUser.Destroy.Reason
		}
		r.emit(xmuc.RoomDestroyed{Reason: reason})
		return
	}

	if p.hasStatus(110) {
		r.mu.Lock()
		if !r.joinedOnce {
			r.joinedOnce = true
			close(r.joined)
		}
		r.mu.Unlock()
	}
}

func (r *Room) handleOccupantPresence(p occupantPresence, resource string) {
	member := r.memberFromPresence(p, resource)

	r.mu.Lock()
	previous, known := r.members[resource]
	r.members[resource] = member
	r.mu.Unlock()

	switch {
	case !known:
		r.emit(xmuc.MemberJoined{Member: member})
	case previous.Role != member.Role:
		r.emit(xmuc.RoleChanged{Member: member})
	default:
		r.emit(xmuc.PresenceChanged{Member: member})
	}
}

func (r *Room) handleOccupantLeft(p occupantPresence, resource string) {
	r.mu.Lock()
	member, known := r.members[resource]
	delete(r.members, resource)
	r.mu.Unlock()
	if !known {
		return
	}

	if p.hasStatus(307) {
		kicked := xmuc.MemberKicked{Member: member}
		if p.MUCUser != nil {
			kicked.Actor = p.MUCUser.Item.Actor.Nick
			kicked.Reason = p.MUCUser.Item.Reason
		}
		r.emit(kicked)
		return
	}
	r.emit(xmuc.MemberLeft{Member: member})
}

func (r *Room) memberFromPresence(p occupantPresence, resource string) xmuc.Member {
	member := xmuc.Member{
		EndpointID:   xmuc.EndpointID(resource),
		JID:          p.From,
		StatsID:      p.StatsID,
		Region:       p.Region.ID,
		Capabilities: xmuc.NewCapabilitySet(),
		AudioMuted:   p.AudioMuted == "true",
		VideoMuted:   p.VideoMuted == "true",
	}

	affiliation, role := "", ""
	if p.MUCUser != nil {
		affiliation = p.MUCUser.Item.Affiliation
		role = p.MUCUser.Item.Role
		if p.MUCUser.Item.JID != "" {
			if real, err := jid.Parse(p.MUCUser.Item.JID); err == nil {
				member.RealJID = real
			}
		}
	}
	member.Role = roleFromWire(affiliation, role)
	member.IsVisitor = role == "visitor"

	for _, feature := range p.Features.Feature {
		switch feature.Var {
		case "recorder":
			member.IsJibri = true
		case "sip-gateway":
			member.IsJigasi = true
		case "transcriber":
			member.IsTranscriber = true
		default:
			member.Capabilities[xmuc.Capability(feature.Var)] = struct{}{}
		}
	}

	if p.SourceInfo != "" {
		infos := make(map[string]xmuc.SourceInfo)
		if err := json.Unmarshal([]byte(p.SourceInfo), &infos); err == nil {
			member.SourceInfos = infos
		} else {
			r.logger.WithError(err).WithField("endpoint_id", resource).
				Debug("ignoring malformed source-info")
		}
	}
	return member
}

func roleFromWire(affiliation, role string) xmuc.Role {
	switch affiliation {
	case "owner":
		return xmuc.RoleOwner
	case "admin":
		return xmuc.RoleModerator
	}
	switch role {
	case "moderator":
		return xmuc.RoleModerator
	case "visitor":
		return xmuc.RoleVisitor
	default:
		return xmuc.RoleMember
	}
}

func (r *Room) emit(content any) {
	if undelivered := r.events.Send(xmuc.Event{Content: content}); undelivered != nil {
		r.logger.Debug("dropping room event: the conference is gone")
	}
}
