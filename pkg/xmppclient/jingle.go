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
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"

	"mellium.im/xmpp/stanza"

	"github.com/millrace/focus/pkg/conference"
	"github.com/millrace/focus/pkg/conference/source"
	"github.com/millrace/focus/pkg/jingle"
)

// Send implements jingle.Sender: one jingle IQ to an endpoint, waiting for
// the ack.
func (c *Client) Send(ctx context.Context, request jingle.OutgoingRequest) error {
	wire, err := encodeJingle(request)
	if err != nil {
		return fmt.Errorf("xmppclient: failed to encode %s: %w", request.Action, err)
	}
	payload, err := marshalReader(wire)
	if err != nil {
		return err
	}
	return c.sendIQ(ctx, stanza.IQ{To: request.To, Type: stanza.SetIQ}, payload)
}

// The wire form of a jingle IQ payload. Sources are either inlined as XML
// description elements or, for endpoints that advertise the json-sources
// capability, carried as one JSON document.
type wireJingle struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle:1 jingle"`
	Action  string   `xml:"action,attr"`
	SID     string   `xml:"sid,attr"`

	Contents      []wireContent      `xml:"content"`
	Reason        *wireReason        `xml:"reason"`
	JSONSources   string             `xml:"urn:millrace:focus json-sources,omitempty"`
	Params        *wireParams        `xml:"urn:millrace:focus session-params"`
	BridgeSession *wireBridgeSession `xml:"urn:millrace:focus bridge-session"`
	IceState      string             `xml:"urn:millrace:focus ice-state,omitempty"`
	Mute          *wireMute          `xml:"urn:millrace:focus mute"`
}

type wireContent struct {
	Name        string           `xml:"name,attr"`
	Description *wireDescription `xml:"description"`
	Transport   *wireTransport   `xml:"transport"`
}

type wireDescription struct {
	Media   string       `xml:"media,attr"`
	Sources []wireSource `xml:"source"`
	Groups  []wireGroup  `xml:"ssrc-group"`
}

type wireSource struct {
	Ssrc      uint32 `xml:"ssrc,attr"`
	Owner     string `xml:"owner,attr,omitempty"`
	Name      string `xml:"name,attr,omitempty"`
	VideoType string `xml:"video-type,attr,omitempty"`
	Muted     bool   `xml:"muted,attr,omitempty"`
	Msid      string `xml:"msid,attr,omitempty"`
}

type wireGroup struct {
	Semantics string          `xml:"semantics,attr"`
	Owner     string          `xml:"owner,attr,omitempty"`
	Sources   []wireGroupSsrc `xml:"source"`
}

type wireGroupSsrc struct {
	Ssrc uint32 `xml:"ssrc,attr"`
}

type wireTransport struct {
	Ufrag        string          `xml:"ufrag,attr,omitempty"`
	Pwd          string          `xml:"pwd,attr,omitempty"`
	WebsocketURL string          `xml:"websocket-url,attr,omitempty"`
	Fingerprint  string          `xml:"fingerprint,omitempty"`
	Candidates   []wireCandidate `xml:"candidate"`
}

type wireCandidate struct {
	Foundation string `xml:"foundation,attr"`
	Component  int    `xml:"component,attr"`
	Protocol   string `xml:"protocol,attr"`
	IP         string `xml:"ip,attr"`
	Port       int    `xml:"port,attr"`
	Type       string `xml:"type,attr"`
	Priority   uint32 `xml:"priority,attr"`
}

type wireReason struct {
	Condition string `xml:"condition,attr"`
}

type wireParams struct {
	StartAudioMutedAfter int `xml:"start-audio-muted,attr,omitempty"`
	StartVideoMutedAfter int `xml:"start-video-muted,attr,omitempty"`
}

type wireBridgeSession struct {
	ID      string `xml:"id,attr"`
	Restart bool   `xml:"restart,attr,omitempty"`
}

type wireMute struct {
	Media string `xml:"media,attr"`
	Muted bool   `xml:"muted,attr"`
}

func encodeJingle(request jingle.OutgoingRequest) (*wireJingle, error) {
	w := &wireJingle{Action: string(request.Action), SID: request.SID}

	switch {
	case request.Offer != nil:
		offer := request.Offer

		var sourceContents []wireContent
		if request.EncodeSourcesAsJSON {
			encoded, err := offer.Sources.ToJSON()
			if err != nil {
				return nil, err
			}
			w.JSONSources = string(encoded)
		} else {
			sourceContents = contentsForSources(offer.Sources)
		}

		for _, name := range offer.Contents {
			content := wireContent{Name: name}
			for _, withSources := range sourceContents {
				if withSources.Name == name {
					content.Description = withSources.Description
				}
			}
			w.Contents = append(w.Contents, content)
		}
		if len(w.Contents) > 0 {
			transport := transportToWire(offer.Transport)
			w.Contents[0].Transport = &transport
		}
		if offer.Params != (jingle.SessionParams{}) {
			w.Params = &wireParams{
				StartAudioMutedAfter: offer.Params.StartAudioMutedAfter,
				StartVideoMutedAfter: offer.Params.StartVideoMutedAfter,
			}
		}

	case request.Sources != nil:
		if request.EncodeSourcesAsJSON {
			encoded, err := request.Sources.ToJSON()
			if err != nil {
				return nil, err
			}
			w.JSONSources = string(encoded)
		} else {
			w.Contents = contentsForSources(request.Sources)
		}
	}

	if request.Reason != "" {
		w.Reason = &wireReason{Condition: string(request.Reason)}
	}
	if request.Mute != nil {
		w.Mute = &wireMute{Media: string(request.Mute.MediaType), Muted: request.Mute.Mute}
	}
	return w, nil
}

// contentsForSources renders a conference source map as per-media contents,
// with the owner on every source. Owners are sorted so the output is stable.
func contentsForSources(m source.ConferenceSourceMap) []wireContent {
	owners := m.Owners()
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })

	descriptions := map[source.MediaType]*wireDescription{
		source.MediaAudio: {Media: string(source.MediaAudio)},
		source.MediaVideo: {Media: string(source.MediaVideo)},
	}

	for _, owner := range owners {
		set := m[owner]
		for _, src := range set.Sources {
			description := descriptions[src.MediaType]
			if description == nil {
				continue
			}
			description.Sources = append(description.Sources, wireSource{
				Ssrc:      uint32(src.Ssrc),
				Owner:     string(owner),
				Name:      src.Name,
				VideoType: string(src.VideoType),
				Muted:     src.Muted,
				Msid:      src.Msid,
			})
		}
		for _, group := range set.Groups {
			description := descriptions[groupMedia(set, group)]
			if description == nil {
				continue
			}
			encoded := wireGroup{Semantics: string(group.Semantics), Owner: string(owner)}
			for _, ssrc := range group.Ssrcs {
				encoded.Sources = append(encoded.Sources, wireGroupSsrc{Ssrc: uint32(ssrc)})
			}
			description.Groups = append(description.Groups, encoded)
		}
	}

	var contents []wireContent
	for _, media := range []source.MediaType{source.MediaAudio, source.MediaVideo} {
		description := descriptions[media]
		if len(description.Sources) > 0 || len(description.Groups) > 0 {
			contents = append(contents, wireContent{Name: string(media), Description: description})
		}
	}
	return contents
}

// groupMedia decides which content a group is carried in, from the media type
// of its primary ssrc.
func groupMedia(set source.EndpointSourceSet, group source.SsrcGroup) source.MediaType {
	if len(group.Ssrcs) > 0 {
		if src, ok := set.Get(group.Ssrcs[0]); ok {
			return src.MediaType
		}
	}
	return source.MediaVideo
}

func transportToWire(t jingle.Transport) wireTransport {
	wire := wireTransport{
		Ufrag:        t.Ufrag,
		Pwd:          t.Pwd,
		WebsocketURL: t.WebsocketURL,
		Fingerprint:  t.Fingerprint,
	}
	for _, candidate := range t.Candidates {
		wire.Candidates = append(wire.Candidates, wireCandidate{
			Foundation: candidate.Foundation,
			Component:  candidate.Component,
			Protocol:   candidate.Protocol,
			IP:         candidate.IP,
			Port:       candidate.Port,
			Type:       candidate.Type,
			Priority:   candidate.Priority,
		})
	}
	return wire
}

func transportFromWire(wire *wireTransport) *jingle.Transport {
	if wire == nil {
		return nil
	}
	t := &jingle.Transport{
		Ufrag:        wire.Ufrag,
		Pwd:          wire.Pwd,
		WebsocketURL: wire.WebsocketURL,
		Fingerprint:  wire.Fingerprint,
	}
	for _, candidate := range wire.Candidates {
		t.Candidates = append(t.Candidates, jingle.Candidate{
			Foundation: candidate.Foundation,
			Component:  candidate.Component,
			Protocol:   candidate.Protocol,
			IP:         candidate.IP,
			Port:       candidate.Port,
			Type:       candidate.Type,
			Priority:   candidate.Priority,
		})
	}
	return t
}

func firstTransport(w *wireJingle) *jingle.Transport {
	for _, content := range w.Contents {
		if content.Transport != nil {
			return transportFromWire(content.Transport)
		}
	}
	return nil
}

// endpointSourcesFromWire collects the sources an endpoint advertises about
// itself (owner attributes are ignored on the incoming path).
func endpointSourcesFromWire(w *wireJingle) (source.EndpointSourceSet, error) {
	if w.JSONSources != "" {
		var m source.ConferenceSourceMap
		if err := json.Unmarshal([]byte(w.JSONSources), &m); err != nil {
			return source.EndpointSourceSet{}, fmt.Errorf("malformed json sources: %w", err)
		}
		merged := source.EndpointSourceSet{}
		for _, set := range m {
			merged = merged.Union(set)
		}
		return merged, nil
	}

	var sources []source.Source
	var groups []source.SsrcGroup
	for _, content := range w.Contents {
		if content.Description == nil {
			continue
		}
		media := source.MediaType(content.Description.Media)
		if media == "" {
			media = source.MediaType(content.Name)
		}
		for _, src := range content.Description.Sources {
			sources = append(sources, source.Source{
				Ssrc:      source.Ssrc(src.Ssrc),
				MediaType: media,
				Name:      src.Name,
				VideoType: source.VideoType(src.VideoType),
				Muted:     src.Muted,
				Msid:      src.Msid,
			})
		}
		for _, g := range content.Description.Groups {
			group := source.SsrcGroup{Semantics: source.GroupSemantics(g.Semantics)}
			for _, ssrc := range g.Sources {
				group.Ssrcs = append(group.Ssrcs, source.Ssrc(ssrc.Ssrc))
			}
			groups = append(groups, group)
		}
	}
	return source.NewEndpointSourceSet(sources, groups), nil
}

func bridgeSessionID(w *wireJingle) string {
	if w.BridgeSession == nil {
		return ""
	}
	return w.BridgeSession.ID
}

// decodeJingle turns a wire payload into the conference request it carries.
func decodeJingle(w *wireJingle) (any, error) {
	switch jingle.Action(w.Action) {
	case jingle.ActionSessionAccept:
		sources, err := endpointSourcesFromWire(w)
		if err != nil {
			return nil, err
		}
		return conference.SessionAccept{
			SID:       w.SID,
			Sources:   sources,
			Transport: firstTransport(w),
		}, nil

	case jingle.ActionTransportAccept:
		return conference.TransportAccept{SID: w.SID, Transport: firstTransport(w)}, nil

	case jingle.ActionTransportInfo:
		info := conference.TransportInfo{SID: w.SID}
		if transport := firstTransport(w); transport != nil {
			info.Transport = *transport
		}
		return info, nil

	case jingle.ActionSourceAdd:
		sources, err := endpointSourcesFromWire(w)
		if err != nil {
			return nil, err
		}
		return conference.SourceAdd{SID: w.SID, Sources: sources}, nil

	case jingle.ActionSourceRemove:
		sources, err := endpointSourcesFromWire(w)
		if err != nil {
			return nil, err
		}
		return conference.SourceRemove{SID: w.SID, Sources: sources}, nil

	case jingle.ActionSessionInfo:
		if w.IceState == "failed" {
			return conference.IceFailed{SID: w.SID, BridgeSessionID: bridgeSessionID(w)}, nil
		}
		return nil, fmt.Errorf("unsupported session-info payload")

	case jingle.ActionSessionTerminate:
		terminate := conference.SessionTerminate{SID: w.SID, BridgeSessionID: bridgeSessionID(w)}
		if w.Reason != nil {
			terminate.Reason = jingle.TerminateReason(w.Reason.Condition)
		}
		if w.BridgeSession != nil {
			terminate.Restart = w.BridgeSession.Restart
		}
		return terminate, nil
	}
	return nil, fmt.Errorf("unsupported jingle action %q", w.Action)
}

func mediaTypeFromWire(media string) source.MediaType {
	if media == string(source.MediaVideo) {
		return source.MediaVideo
	}
	return source.MediaAudio
}
