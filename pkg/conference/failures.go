package conference

import (
	"context"

	"github.com/millrace/focus/pkg/colibri"
	"github.com/millrace/focus/pkg/conference/participant"
	"github.com/millrace/focus/pkg/xmuc"
)

func (c *Conference) onBridgeFault(result bridgeFault) {
	logger := c.logger.WithField("bridge", result.bridgeSession.Bridge().Address())
	logger.WithError(result.err).WithField("endpoint_id", result.endpoint).
		Warn("bridge RPC failed")
	c.handleBridgeError(result.bridgeSession, result.err)
}

// handleBridgeError reacts to a failed bridge RPC based on its classification:
// deterministic rejections are ours to fix, a forgotten conference is rebuilt
// on the same bridge, anything else takes the bridge out of rotation and moves
// its participants elsewhere.
func (c *Conference) handleBridgeError(bridgeSession *colibri.Session, err error) {
	switch kind := colibri.KindOf(err); {
	case kind == colibri.KindBadRequest:
		// Not the bridge's fault; nothing to recover.

	case kind == colibri.KindConferenceNotFound:
		c.restartBridgeSession(bridgeSession)

	case colibri.IsBridgeFault(err):
		c.stats.BridgeFailures.Add(context.Background(), 1)
		bridgeSession.Bridge().MarkNonOperational()
		c.moveOffBridge(bridgeSession)
	}
}

// restartBridgeSession handles a bridge that forgot us (it restarted): local
// state is discarded and everyone on it is re-allocated into a fresh
// bridge-side conference, on the same bridge. The bridge is healthy; it is
// not marked non-operational.
func (c *Conference) restartBridgeSession(bridgeSession *colibri.Session) {
	affected := bridgeSession.Reset()

	for _, endpoint := range affected {
		p := c.participants[endpoint]
		if p == nil || c.assignments[endpoint] != bridgeSession {
			continue
		}
		c.inviteParticipant(p, inviteOptions{replaceTransport: true})
	}
}

// moveOffBridge re-invites every participant of a bridge session onto another
// bridge. The old allocations are expired best-effort; a dead bridge just
// won't answer.
func (c *Conference) moveOffBridge(bridgeSession *colibri.Session) {
	excluded := bridgeSession.Bridge()

	var moving []*participant.Participant
	for endpoint, session := range c.assignments {
		if session != bridgeSession {
			continue
		}
		if p := c.participants[endpoint]; p != nil {
			moving = append(moving, p)
		}
	}

	for _, p := range moving {
		c.moveParticipant(p)
	}
	if len(moving) > 0 {
		c.stats.ParticipantsMoved.Add(context.Background(), int64(len(moving)))
		c.logger.WithFields(map[string]any{
			"bridge": excluded.Address(),
			"moved":  len(moving),
		}).Info("moved participants off bridge")
	}
}

// moveParticipant unbinds the participant from its current bridge and
// re-invites it onto a different one over transport-replace.
func (c *Conference) moveParticipant(p *participant.Participant) {
	excluded := c.assignments[p.EndpointID()]
	c.releaseBridgeAssignment(p.EndpointID(), true)

	opts := inviteOptions{replaceTransport: true}
	if excluded != nil {
		opts.excludedBridge = excluded.Bridge()
	}
	c.inviteParticipant(p, opts)
}

func (c *Conference) handleMoveEndpoint(content MoveEndpoint) *xmuc.IQError {
	p := c.participants[content.Endpoint]
	if p == nil {
		return xmuc.ItemNotFound("unknown participant " + string(content.Endpoint))
	}
	if c.assignments[content.Endpoint] == nil {
		return xmuc.ItemNotFound("participant has no bridge")
	}

	c.moveParticipant(p)
	c.stats.ParticipantsMoved.Add(context.Background(), 1)
	return nil
}

func (c *Conference) handleMoveEndpoints(content MoveEndpoints) *xmuc.IQError {
	bridgeSession := c.bridgeSessions[content.Bridge]
	if bridgeSession == nil {
		return xmuc.ItemNotFound("no such bridge in this conference")
	}

	if content.Count <= 0 {
		c.moveOffBridge(bridgeSession)
		return nil
	}

	moved := 0
	for endpoint, session := range c.assignments {
		if moved >= content.Count {
			break
		}
		if session != bridgeSession {
			continue
		}
		if p := c.participants[endpoint]; p != nil {
			c.moveParticipant(p)
			moved++
		}
	}
	if moved > 0 {
		c.stats.ParticipantsMoved.Add(context.Background(), int64(moved))
	}
	return nil
}
