package conference

import (
	"context"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/millrace/focus/pkg/colibri"
	"github.com/millrace/focus/pkg/conference/participant"
	"github.com/millrace/focus/pkg/conference/source"
	"github.com/millrace/focus/pkg/xmuc"
)

// moderationState is the per-media-type A/V moderation: when enabled, only
// whitelisted members (by bare JID) may send that media type; everyone else
// is force-muted and stays muted.
type moderationState struct {
	enabled   bool
	whitelist map[string]struct{}
}

// AVModerationExtension is published in the focus's room presence so clients
// can render the moderation state.
type AVModerationExtension struct {
	MediaType source.MediaType `json:"mediaType"`
	Enabled   bool             `json:"enabled"`
	Whitelist []string         `json:"whitelist,omitempty"`
}

func (e AVModerationExtension) ElementName() string {
	return "av-moderation-" + string(e.MediaType)
}

func (c *Conference) moderationFor(mediaType source.MediaType) *moderationState {
	state := c.moderation[mediaType]
	if state == nil {
		state = &moderationState{whitelist: make(map[string]struct{})}
		c.moderation[mediaType] = state
	}
	return state
}

// moderationAllows reports whether the member may send the media type.
func (c *Conference) moderationAllows(member xmuc.Member, mediaType source.MediaType) bool {
	state := c.moderation[mediaType]
	if state == nil || !state.enabled {
		return true
	}
	if member.Role.HasModeratorRights() {
		return true
	}
	_, listed := state.whitelist[member.BareJID()]
	return listed
}

// forceMuteFor is the bridge-side mute a participant should currently have.
func (c *Conference) forceMuteFor(p *participant.Participant) colibri.ForceMute {
	member := p.Member()
	return colibri.ForceMute{
		Audio: !c.moderationAllows(member, source.MediaAudio),
		Video: !c.moderationAllows(member, source.MediaVideo),
	}
}

func (c *Conference) handleMuteAll(request Request, content MuteAll) *xmuc.IQError {
	actor := c.getParticipant(request)
	if actor == nil {
		return xmuc.ItemNotFound("unknown participant")
	}
	if !actor.Member().Role.HasModeratorRights() {
		return xmuc.Forbidden("only moderators can moderate the room")
	}

	state := c.moderationFor(content.MediaType)
	state.enabled = content.Enable
	state.whitelist = make(map[string]struct{})
	if content.Enable {
		// Moderators keep their media; so does whoever flipped the switch.
		state.whitelist[actor.Member().BareJID()] = struct{}{}
	}

	c.logger.WithFields(map[string]any{
		"media_type": content.MediaType,
		"enabled":    content.Enable,
		"actor":      actor.EndpointID(),
	}).Info("av moderation changed")

	for _, p := range c.participants {
		c.applyModeration(p, content.MediaType)
	}
	c.publishModeration(content.MediaType)
	return nil
}

func (c *Conference) handleMuteEndpoint(request Request, content MuteEndpoint) *xmuc.IQError {
	sender := c.getParticipant(request)
	if sender == nil {
		return xmuc.ItemNotFound("unknown participant")
	}
	target := c.participants[content.Target]
	if target == nil {
		return xmuc.ItemNotFound("unknown participant " + string(content.Target))
	}

	if sender != target && !sender.Member().Role.HasModeratorRights() {
		return xmuc.Forbidden("only moderators can mute others")
	}

	state := c.moderationFor(content.MediaType)
	bareJID := target.Member().BareJID()
	if content.Mute {
		delete(state.whitelist, bareJID)
	} else if sender != target && state.enabled {
		// Nobody can be force-unmuted; whitelisting lets the target unmute
		// itself.
		state.whitelist[bareJID] = struct{}{}
	}

	c.applyModeration(target, content.MediaType)
	if state.enabled {
		c.publishModeration(content.MediaType)
	}

	if content.Mute && !c.canForceMute(target, content.MediaType) {
		// The bridge cannot shut this endpoint up; ask the client directly.
		c.requestClientMute(target, content.MediaType)
	}
	return nil
}

// applyModeration reconciles the bridge-side force-mute of one participant
// with the current moderation state.
func (c *Conference) applyModeration(p *participant.Participant, mediaType source.MediaType) {
	if !c.canForceMute(p, mediaType) {
		if !c.moderationAllows(p.Member(), mediaType) {
			c.requestClientMute(p, mediaType)
		}
		return
	}
	c.pushForceMute(p, c.forceMuteFor(p))
}

// canForceMute: audio force-mute needs client support (the client has to stop
// sending, or its own audio meter keeps running); video can always be dropped
// bridge-side.
func (c *Conference) canForceMute(p *participant.Participant, mediaType source.MediaType) bool {
	if c.assignments[p.EndpointID()] == nil {
		return false
	}
	if mediaType == source.MediaAudio {
		return p.HasCapability(xmuc.CapAudioMute)
	}
	return true
}

func (c *Conference) pushForceMute(p *participant.Participant, mute colibri.ForceMute) {
	endpoint := p.EndpointID()
	bridgeSession := c.assignments[endpoint]
	if bridgeSession == nil {
		return
	}

	go func() {
		if err := bridgeSession.SetForceMute(context.Background(), endpoint, mute); err != nil {
			c.taskSink.Send(bridgeFault{bridgeSession: bridgeSession, endpoint: endpoint, err: err})
		}
	}()
}

// requestClientMute asks the endpoint to mute itself over session-info.
func (c *Conference) requestClientMute(p *participant.Participant, mediaType source.MediaType) {
	session := p.Session()
	if session == nil {
		return
	}

	logger := p.Logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := session.RequestMute(ctx, mediaType, true); err != nil {
			logger.WithError(err).Warn("failed to request mute")
		}
	}()
}

// publishModeration pushes the current whitelist into the focus presence.
func (c *Conference) publishModeration(mediaType source.MediaType) {
	state := c.moderationFor(mediaType)
	whitelist := maps.Keys(state.whitelist)
	slices.Sort(whitelist)

	ext := AVModerationExtension{
		MediaType: mediaType,
		Enabled:   state.enabled,
		Whitelist: whitelist,
	}

	logger := c.logger
	go func() {
		if err := c.room.SetPresenceExtension(ext); err != nil {
			logger.WithError(err).Warn("failed to publish moderation state")
		}
	}()
}
