package conference

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/millrace/focus/pkg/bridge"
	"github.com/millrace/focus/pkg/colibri"
	"github.com/millrace/focus/pkg/conference/participant"
	"github.com/millrace/focus/pkg/conference/source"
	"github.com/millrace/focus/pkg/jingle"
	"github.com/millrace/focus/pkg/xmuc"
)

type inviteOptions struct {
	// Send the offer as transport-replace instead of session-initiate.
	replaceTransport bool
	// Never assign this bridge (moving off of it).
	excludedBridge *bridge.Bridge
}

// inviteParticipant runs the invite pipeline: pick a bridge, allocate the
// endpoint on it, then send the offer. Only the bridge RPC and the IQ send
// leave the loop; everything else happens right here. Re-inviting a
// participant with an invite in flight cancels the earlier one.
//
// When no bridge can take the participant, the returned error carries the
// retry advice for IQ-triggered invites; the participant is additionally told
// over jingle and a delayed re-invite is scheduled, so that members joining a
// full fleet are picked up once it recovers.
func (c *Conference) inviteParticipant(p *participant.Participant, opts inviteOptions) *xmuc.IQError {
	endpoint := p.EndpointID()
	member := p.Member()

	bridgeSession := c.assignments[endpoint]
	if bridgeSession == nil {
		selected, err := c.bridges.SelectFor(bridge.SelectionParams{
			ConferenceBridges: c.conferenceBridges(),
			ParticipantRegion: member.Region,
			ExcludedBridge:    opts.excludedBridge,
		})
		if err != nil {
			p.Logger.WithError(err).Error("cannot invite: no bridge")
			c.rejectInvite(p)
			c.scheduleInviteRetry(p)
			if errors.Is(err, bridge.ErrOverloaded) {
				return xmuc.ResourceConstraint("all bridges are at capacity, retry later")
			}
			return xmuc.ServiceUnavailable("no operational bridge available")
		}

		bridgeSession = c.bridgeSessions[selected.Address()]
		if bridgeSession == nil {
			bridgeSession = colibri.NewSession(
				selected, c.bridgeAPIs.APIFor(selected.Address()),
				c.name, c.room.Config().MeetingID,
				c.config.BridgeRequestTimeout, c.logger)
			c.bridgeSessions[selected.Address()] = bridgeSession
		}
		c.assignments[endpoint] = bridgeSession
		c.updateRelays()
	}

	// The previous negotiation, if any, dies before the new offer goes out.
	// No terminate IQ: the replacement offer itself tells the client.
	if previous := p.Session(); previous != nil {
		previous.Terminate(context.Background(), jingle.ReasonReplaced, false)
	}
	session := jingle.NewSession(
		member.JID, p.HasCapability(xmuc.CapJSONSources), c.jingleSender, p.Logger)
	p.SetSession(session)

	request := colibri.AllocateRequest{
		EndpointID:     string(endpoint),
		StatsID:        member.StatsID,
		Media:          []source.MediaType{source.MediaAudio, source.MediaVideo},
		InitialSources: c.sources[endpoint].Copy(),
		InitialLastN:   c.config.InitialLastN,
		Transport: colibri.TransportPrefs{
			UseSctp:        p.HasCapability(xmuc.CapSctp),
			IceControlling: true,
		},
		UseSsrcRewriting: c.usesSsrcRewriting(p),
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.StartInvite(cancel)

	initial := !opts.replaceTransport
	go func() {
		span := c.telemetry.CreateChild("allocate",
			attribute.String("endpoint_id", string(endpoint)),
			attribute.String("bridge", bridgeSession.Bridge().Address()))
		defer span.End()

		response, err := bridgeSession.Allocate(ctx, request)
		if err != nil {
			span.Fail(err)
		}
		if ctx.Err() != nil {
			span.AddEvent("canceled")
			if err == nil {
				// Canceled after the allocation committed: free it right away.
				bridgeSession.Expire(context.Background(), endpoint)
			}
			return
		}
		c.taskSink.Send(allocationDone{
			endpoint:      endpoint,
			session:       session,
			bridgeSession: bridgeSession,
			response:      response,
			err:           err,
			initial:       initial,
		})
	}()
	return nil
}

// rejectInvite tells the endpoint that no media resources are available right
// now. An existing negotiation ends with reason busy; an endpoint that never
// got an offer still receives the terminate notice so it can surface the
// failure instead of waiting forever.
func (c *Conference) rejectInvite(p *participant.Participant) {
	session := p.Session()
	p.SetSession(nil)
	if session == nil {
		session = jingle.NewSession(
			p.Member().JID, p.HasCapability(xmuc.CapJSONSources), c.jingleSender, p.Logger)
	}
	p.QueueSend(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		session.Terminate(ctx, jingle.ReasonBusy, true)
	})
}

// scheduleInviteRetry arms a delayed re-invite for a participant the fleet
// had no room for. At most one retry is pending per participant; the retry
// re-arms itself through inviteParticipant for as long as selection fails.
func (c *Conference) scheduleInviteRetry(p *participant.Participant) {
	if !p.MarkInviteRetryScheduled() {
		return
	}

	endpoint := p.EndpointID()
	time.AfterFunc(c.config.InviteRetryInterval, func() {
		c.taskSink.Send(inviteRetryDue{endpoint: endpoint})
	})
}

func (c *Conference) onInviteRetryDue(result inviteRetryDue) {
	p := c.participants[result.endpoint]
	if p == nil {
		return
	}
	p.ClearInviteRetryScheduled()

	if !c.started || p.Session() != nil || p.HasInviteInFlight() {
		return
	}
	p.Logger.Info("retrying invite")
	c.inviteParticipant(p, inviteOptions{})
}

func (c *Conference) usesSsrcRewriting(p *participant.Participant) bool {
	return c.config.UseSsrcRewriting && p.HasCapability(xmuc.CapSsrcRewriting)
}

func (c *Conference) onAllocationDone(result allocationDone) {
	p := c.participants[result.endpoint]
	if p == nil || p.Session() != result.session {
		// The participant left or was re-invited while we were allocating.
		if result.err == nil {
			go result.bridgeSession.Expire(context.Background(), result.endpoint)
		}
		return
	}
	p.InviteDone()

	if result.err != nil {
		p.Logger.WithError(result.err).Error("failed to allocate endpoint")
		c.handleBridgeError(result.bridgeSession, result.err)
		return
	}

	// The offer carries the whole conference minus the participant's own
	// sources, plus whatever the bridge injects. With ssrc rewriting the
	// bridge is authoritative and the offer carries no peer sources at all.
	var state source.ConferenceSourceMap
	if c.usesSsrcRewriting(p) {
		state = source.NewConferenceSourceMap()
	} else {
		state = c.sources.Copy()
		delete(state, result.endpoint)
	}
	if !result.response.BridgeSources.IsEmpty() {
		state[bridgeOwner] = result.response.BridgeSources.Copy()
	}
	offerSources := p.Signaling().Reset(state)

	contents := []string{"audio", "video"}
	if p.HasCapability(xmuc.CapSctp) {
		contents = append(contents, "data")
	}
	offer := jingle.Offer{
		Contents:  contents,
		Transport: result.response.Transport,
		Sources:   offerSources,
		Params: jingle.SessionParams{
			StartAudioMutedAfter: c.config.StartAudioMutedAfter,
			StartVideoMutedAfter: c.config.StartVideoMutedAfter,
		},
	}

	session := result.session
	initial := result.initial
	go func() {
		action := jingle.ActionTransportReplace
		if initial {
			action = jingle.ActionSessionInitiate
		}
		span := c.telemetry.CreateChild("offer",
			attribute.String("endpoint_id", string(result.endpoint)),
			attribute.String("action", string(action)))
		defer span.End()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		var err error
		if initial {
			err = session.Initiate(ctx, offer)
		} else {
			err = session.ReplaceTransport(ctx, offer)
		}
		if err != nil {
			span.Fail(err)
		}
		c.taskSink.Send(offerSent{endpoint: result.endpoint, session: session, err: err})
	}()

	// A/V moderation applies from the first frame on.
	if mute := c.forceMuteFor(p); mute.Audio || mute.Video {
		c.pushForceMute(p, mute)
	}
}

func (c *Conference) onOfferSent(result offerSent) {
	p := c.participants[result.endpoint]
	if p == nil || p.Session() != result.session {
		return
	}
	if result.err == nil {
		p.Logger.Debug("offer sent")
		return
	}

	// The endpoint did not take the offer; it will either retry through a
	// fresh join or its presence will time out.
	p.Logger.WithError(result.err).Warn("failed to send offer")
	if errors.Is(result.err, jingle.ErrSessionEnded) {
		return
	}
	p.SetSession(nil)
	result.session.Terminate(context.Background(), jingle.ReasonConnectivityError, false)
}

// releaseBridgeAssignment unbinds the endpoint from its bridge session,
// optionally expiring it bridge-side, and drops the session once nobody uses
// it anymore.
func (c *Conference) releaseBridgeAssignment(endpoint xmuc.EndpointID, expireOnBridge bool) {
	bridgeSession := c.assignments[endpoint]
	if bridgeSession == nil {
		return
	}
	delete(c.assignments, endpoint)

	if expireOnBridge {
		go bridgeSession.Expire(context.Background(), endpoint)
	}

	remaining := 0
	for _, session := range c.assignments {
		if session == bridgeSession {
			remaining++
		}
	}
	if remaining == 0 {
		delete(c.bridgeSessions, bridgeSession.Bridge().Address())
	}
	c.updateRelays()
}

// updateRelays re-derives the octo mesh: every bridge of the conference must
// relay to every other one. Driven after each bridge-membership change.
func (c *Conference) updateRelays() {
	if len(c.bridgeSessions) == 0 {
		return
	}

	relayIDs := make(map[string]string, len(c.bridgeSessions))
	for address, session := range c.bridgeSessions {
		relayIDs[address] = session.Bridge().RelayID()
	}

	for address, session := range c.bridgeSessions {
		var peers []string
		for other, relayID := range relayIDs {
			if other != address && relayID != "" {
				peers = append(peers, relayID)
			}
		}

		session := session
		logger := c.logger.WithField("bridge", address)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := session.SetRelays(ctx, peers); err != nil {
				logger.WithError(err).Warn("failed to update relay mesh")
			}
		}()
	}
}
