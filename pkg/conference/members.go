package conference

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/millrace/focus/pkg/conference/participant"
	"github.com/millrace/focus/pkg/conference/source"
	"github.com/millrace/focus/pkg/jingle"
	"github.com/millrace/focus/pkg/xmuc"
)

func (c *Conference) onMemberJoined(member xmuc.Member) {
	if _, rejoined := c.participants[member.EndpointID]; rejoined {
		// Same nickname, fresh presence: treat as an update.
		c.onPresenceChanged(member)
		return
	}

	p := participant.New(member, c.config.StripSimulcast, c.config.Restart, c.logger)
	c.participants[member.EndpointID] = p

	p.Logger.WithFields(logrus.Fields{
		"role":    member.Role.String(),
		"region":  member.Region,
		"visitor": member.IsVisitor,
		"hidden":  member.IsHidden(),
	}).Info("participant joined")
	c.stats.ParticipantsJoined.Add(context.Background(), 1)
	c.telemetry.AddEvent("participant joined",
		attribute.String("endpoint_id", string(member.EndpointID)))
	c.updateSenderCounts(nil, &member)

	c.maybeGrantOwner()
	c.maybeStartConference()
}

// maybeStartConference invites everyone once enough non-hidden members are in
// the room; from then on every new joiner is invited right away.
func (c *Conference) maybeStartConference() {
	if !c.started {
		if c.nonHiddenCount() < c.config.MinParticipants {
			return
		}
		c.started = true
		c.logger.Info("starting the conference")
	}

	for _, p := range c.participants {
		if p.Session() == nil && !p.HasInviteInFlight() {
			c.inviteParticipant(p, inviteOptions{})
		}
	}
}

func (c *Conference) onMemberLeft(member xmuc.Member) {
	p, ok := c.participants[member.EndpointID]
	if !ok {
		return
	}
	delete(c.participants, member.EndpointID)

	p.Logger.Info("participant left")
	c.stats.ParticipantsLeft.Add(context.Background(), 1)
	c.telemetry.AddEvent("participant left",
		attribute.String("endpoint_id", string(member.EndpointID)))
	present := p.Member()
	c.updateSenderCounts(&present, nil)

	c.removeParticipantState(p, jingle.ReasonGone)
	c.maybeGrantOwner()

	if c.nonHiddenCount() == 0 {
		c.stop()
	}
}

// removeParticipantState unwinds everything a participant holds: the in-flight
// invite, the jingle session, its sources (withdrawn from everyone else) and
// its bridge allocation.
func (c *Conference) removeParticipantState(p *participant.Participant, reason jingle.TerminateReason) {
	endpoint := p.EndpointID()

	p.CancelInvite()
	if session := p.Session(); session != nil {
		p.SetSession(nil)
		p.QueueSend(func() {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			session.Terminate(ctx, reason, true)
		})
	}
	p.StopSends()

	if removed := c.sources.RemoveOwner(endpoint); !removed.IsEmpty() {
		for _, other := range c.participants {
			other.Signaling().RemoveOwner(endpoint)
			c.scheduleFlush(other)
		}
	}

	c.releaseBridgeAssignment(endpoint, true)
}

func (c *Conference) onPresenceChanged(member xmuc.Member) {
	p, ok := c.participants[member.EndpointID]
	if !ok {
		return
	}

	previous := p.Member()
	p.UpdateMember(member)

	if previous.AudioMuted != member.AudioMuted || previous.VideoMuted != member.VideoMuted {
		p.Logger.WithFields(logrus.Fields{
			"audio_muted": member.AudioMuted,
			"video_muted": member.VideoMuted,
		}).Debug("mute state changed")
	}
	c.updateSenderCounts(&previous, &member)
}

// senderFlags reports whether the member counts as an audio/video sender.
// Hidden members and visitors never send.
func senderFlags(member xmuc.Member) (audio, video bool) {
	if member.IsHidden() || member.IsVisitor {
		return false, false
	}
	return !member.AudioMuted, !member.VideoMuted
}

// updateSenderCounts folds a member transition (joined, left or presence
// update) into the conference's audio/video-sender counts, exporting the new
// values and notifying the listener on every change.
func (c *Conference) updateSenderCounts(previous, current *xmuc.Member) {
	var prevAudio, prevVideo, curAudio, curVideo bool
	if previous != nil {
		prevAudio, prevVideo = senderFlags(*previous)
	}
	if current != nil {
		curAudio, curVideo = senderFlags(*current)
	}

	if prevAudio != curAudio {
		delta := 1
		if prevAudio {
			delta = -1
		}
		c.audioSenders += delta
		c.stats.AudioSenders.Add(context.Background(), int64(delta))
		c.notifySenderCount(source.MediaAudio, c.audioSenders)
	}
	if prevVideo != curVideo {
		delta := 1
		if prevVideo {
			delta = -1
		}
		c.videoSenders += delta
		c.stats.VideoSenders.Add(context.Background(), int64(delta))
		c.notifySenderCount(source.MediaVideo, c.videoSenders)
	}
}

func (c *Conference) notifySenderCount(mediaType source.MediaType, count int) {
	c.logger.WithFields(logrus.Fields{
		"media": mediaType,
		"count": count,
	}).Debug("sender count changed")
	if c.listener != nil {
		c.listener.SenderCountChanged(c.name, mediaType, count)
	}
}

func (c *Conference) onRoleChanged(member xmuc.Member) {
	p, ok := c.participants[member.EndpointID]
	if !ok {
		return
	}
	previous := p.Member()
	p.UpdateMember(member)
	p.Logger.WithField("role", member.Role.String()).Info("role changed")
	c.updateSenderCounts(&previous, &member)
}

// maybeGrantOwner keeps the meeting moderated: when auto-owner is enabled and
// nobody with moderator rights is left, the longest-present eligible member is
// promoted. The role change comes back to us as a room event.
func (c *Conference) maybeGrantOwner() {
	if !c.config.EnableAutoOwner {
		return
	}

	var candidate *participant.Participant
	for _, p := range c.participants {
		member := p.Member()
		if member.Role.HasModeratorRights() {
			return
		}
		if member.IsVisitor || member.IsHidden() {
			continue
		}
		if candidate == nil || p.JoinedAt().Before(candidate.JoinedAt()) {
			candidate = p
		}
	}
	if candidate == nil {
		return
	}

	member := candidate.Member()
	logger := candidate.Logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := c.room.GrantOwnership(ctx, member); err != nil {
			logger.WithError(err).Warn("failed to grant ownership")
		}
	}()
}
