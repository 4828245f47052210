package conference

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/millrace/focus/pkg/conference/participant"
	"github.com/millrace/focus/pkg/conference/source"
	"github.com/millrace/focus/pkg/jingle"
	"github.com/millrace/focus/pkg/xmuc"
)

// resolveSession validates that the request's sid refers to the sender's
// current session. Stale sids (from replaced sessions) always get
// item-not-found, so a slow client can never mutate state it no longer owns.
func (c *Conference) resolveSession(request Request, sid string) (*participant.Participant, *xmuc.IQError) {
	p := c.getParticipant(request)
	if p == nil {
		return nil, xmuc.ItemNotFound("unknown participant")
	}
	if !p.OwnsSession(sid) {
		return nil, xmuc.ItemNotFound("unknown session " + sid)
	}
	return p, nil
}

func (c *Conference) handleSessionAccept(request Request, content SessionAccept) *xmuc.IQError {
	p, iqErr := c.resolveSession(request, content.SID)
	if iqErr != nil {
		return iqErr
	}

	accepted, iqErr := c.validateAdvertised(p, content.Sources)
	if iqErr != nil {
		return iqErr
	}

	if err := p.Session().Accept(); err != nil {
		return xmuc.ItemNotFound("unknown session " + content.SID)
	}
	p.Logger.Debug("session accepted")

	if content.Transport != nil && !content.Transport.IsEmpty() {
		c.forwardTransport(p, *content.Transport)
	}
	if !accepted.IsEmpty() {
		c.admitSources(p, accepted)
	}

	// Deltas queued while the session was pending go out now.
	c.scheduleFlush(p)
	return nil
}

func (c *Conference) handleTransportAccept(request Request, content TransportAccept) *xmuc.IQError {
	p, iqErr := c.resolveSession(request, content.SID)
	if iqErr != nil {
		return iqErr
	}

	if err := p.Session().Accept(); err != nil {
		return xmuc.ItemNotFound("unknown session " + content.SID)
	}
	p.Logger.Debug("transport accepted")

	if content.Transport != nil && !content.Transport.IsEmpty() {
		c.forwardTransport(p, *content.Transport)
	}
	c.scheduleFlush(p)
	return nil
}

func (c *Conference) handleTransportInfo(request Request, content TransportInfo) *xmuc.IQError {
	p, iqErr := c.resolveSession(request, content.SID)
	if iqErr != nil {
		// Gateways trickle candidates across a restart; accept them slightly
		// out of order instead of stalling the call.
		gateway := c.getParticipant(request)
		if gateway == nil || !gateway.Member().IsJigasi {
			return iqErr
		}
		gateway.Logger.WithField("sid", content.SID).
			Warn("accepting out-of-order transport-info from gateway")
		p = gateway
	}

	c.forwardTransport(p, content.Transport)
	return nil
}

func (c *Conference) handleSourceAdd(request Request, content SourceAdd) *xmuc.IQError {
	p, iqErr := c.resolveSession(request, content.SID)
	if iqErr != nil {
		return iqErr
	}

	accepted, iqErr := c.validateAdvertised(p, content.Sources)
	if iqErr != nil {
		return iqErr
	}
	if accepted.IsEmpty() {
		return nil
	}

	c.admitSources(p, accepted)
	return nil
}

func (c *Conference) handleSourceRemove(request Request, content SourceRemove) *xmuc.IQError {
	p, iqErr := c.resolveSession(request, content.SID)
	if iqErr != nil {
		return iqErr
	}
	endpoint := p.EndpointID()

	owned := c.sources[endpoint]
	for _, src := range content.Sources.Sources {
		if !owned.Has(src.Ssrc) {
			c.countValidationFailure()
			return xmuc.BadRequest("source is not advertised by the sender")
		}
	}

	c.sources.Remove(endpoint, content.Sources)
	removed := source.SingleOwner(endpoint, content.Sources)
	for _, other := range c.participants {
		if other == p {
			continue
		}
		other.Signaling().RemoveSources(removed)
		c.scheduleFlush(other)
	}

	c.pushSourcesToBridge(p)
	return nil
}

func (c *Conference) handleIceFailed(request Request, content IceFailed) *xmuc.IQError {
	c.stats.RestartsRequested.Add(context.Background(), 1)

	p, iqErr := c.resolveSession(request, content.SID)
	if iqErr != nil {
		return iqErr
	}
	if iqErr := c.checkBridgeSession(p, content.BridgeSessionID); iqErr != nil {
		return iqErr
	}

	if !p.AcceptRestartRequest() {
		return xmuc.ResourceConstraint("too many restart requests")
	}
	p.Logger.Info("restarting session after ICE failure")

	// Fresh channels, possibly on a different bridge, offered over
	// transport-replace on the surviving signaling path.
	c.releaseBridgeAssignment(p.EndpointID(), true)
	return c.inviteParticipant(p, inviteOptions{replaceTransport: true})
}

func (c *Conference) handleSessionTerminate(request Request, content SessionTerminate) *xmuc.IQError {
	if content.Restart {
		c.stats.RestartsRequested.Add(context.Background(), 1)
	}

	p, iqErr := c.resolveSession(request, content.SID)
	if iqErr != nil {
		return iqErr
	}
	if iqErr := c.checkBridgeSession(p, content.BridgeSessionID); iqErr != nil {
		return iqErr
	}

	p.Logger.WithFields(map[string]any{
		"reason":  content.Reason,
		"restart": content.Restart,
	}).Info("session terminated by participant")

	// The client ended the session; no terminate IQ goes back.
	session := p.Session()
	p.SetSession(nil)
	session.Terminate(context.Background(), content.Reason, false)

	if removed := c.sources.RemoveOwner(p.EndpointID()); !removed.IsEmpty() {
		for _, other := range c.participants {
			if other == p {
				continue
			}
			other.Signaling().RemoveOwner(p.EndpointID())
			c.scheduleFlush(other)
		}
	}
	c.releaseBridgeAssignment(p.EndpointID(), true)

	if !content.Restart {
		return nil
	}
	if !p.AcceptRestartRequest() {
		return xmuc.ResourceConstraint("too many restart requests")
	}
	return c.inviteParticipant(p, inviteOptions{})
}

// checkBridgeSession rejects requests that reference a bridge session the
// participant is no longer on (the client missed a move).
func (c *Conference) checkBridgeSession(p *participant.Participant, bridgeSessionID string) *xmuc.IQError {
	if bridgeSessionID == "" {
		return nil
	}
	current := c.assignments[p.EndpointID()]
	if current == nil || current.ID() != bridgeSessionID {
		return xmuc.ItemNotFound("invalid bridge session id " + bridgeSessionID)
	}
	return nil
}

// validateAdvertised applies the source validation rules, including the
// visitor check. Sources from hidden recorders are dropped silently.
func (c *Conference) validateAdvertised(p *participant.Participant, advertised source.EndpointSourceSet) (source.EndpointSourceSet, *xmuc.IQError) {
	if advertised.IsEmpty() {
		return source.EndpointSourceSet{}, nil
	}
	if p.Member().IsVisitor {
		c.countValidationFailure()
		return source.EndpointSourceSet{}, xmuc.Forbidden("visitors cannot send media")
	}

	accepted, err := source.Validate(p.EndpointID(), advertised, c.sources,
		source.ValidationLimits{MaxSsrcsPerEndpoint: c.config.MaxSsrcsPerEndpoint})
	if err != nil {
		p.Logger.WithError(err).Warn("rejected source advertisement")
		c.countValidationFailure()
		return source.EndpointSourceSet{}, xmuc.BadRequest(err.Reason)
	}
	return accepted, nil
}

func (c *Conference) countValidationFailure() {
	c.stats.SourceValidationFailures.Add(context.Background(), 1)
}

// admitSources records newly advertised sources and fans them out: queued into
// every other participant's signaling and pushed to the owner's bridge.
func (c *Conference) admitSources(p *participant.Participant, accepted source.EndpointSourceSet) {
	endpoint := p.EndpointID()
	c.sources.Add(endpoint, accepted)

	added := source.SingleOwner(endpoint, accepted)
	for _, other := range c.participants {
		if other == p {
			continue
		}
		other.Signaling().AddSources(added)
		c.scheduleFlush(other)
	}

	c.pushSourcesToBridge(p)
}

// pushSourcesToBridge mirrors the owner's current source set to its bridge.
func (c *Conference) pushSourcesToBridge(p *participant.Participant) {
	endpoint := p.EndpointID()
	bridgeSession := c.assignments[endpoint]
	if bridgeSession == nil {
		return
	}

	snapshot := source.SingleOwner(endpoint, c.sources[endpoint])
	go func() {
		span := c.telemetry.CreateChild("update sources",
			attribute.String("endpoint_id", string(endpoint)))
		defer span.End()

		if err := bridgeSession.UpdateSources(context.Background(), endpoint, snapshot); err != nil {
			span.Fail(err)
			c.taskSink.Send(bridgeFault{bridgeSession: bridgeSession, endpoint: endpoint, err: err})
		}
	}()
}

// forwardTransport relays the endpoint's ICE information to its bridge.
func (c *Conference) forwardTransport(p *participant.Participant, transport jingle.Transport) {
	endpoint := p.EndpointID()
	bridgeSession := c.assignments[endpoint]
	if bridgeSession == nil {
		p.Logger.Warn("dropping transport update: no bridge assigned")
		return
	}

	go func() {
		span := c.telemetry.CreateChild("update transport",
			attribute.String("endpoint_id", string(endpoint)))
		defer span.End()

		if err := bridgeSession.UpdateTransport(context.Background(), endpoint, transport); err != nil {
			span.Fail(err)
			c.taskSink.Send(bridgeFault{bridgeSession: bridgeSession, endpoint: endpoint, err: err})
		}
	}()
}
