package conference

import (
	"context"

	"github.com/millrace/focus/pkg/jingle"
	"github.com/millrace/focus/pkg/xmuc"
)

// processMessages is the conference's main loop. All state mutations happen
// here, one message at a time.
func (c *Conference) processMessages() {
	for {
		select {
		case event := <-c.roomEvents.Channel:
			c.processRoomEvent(event)
		case request := <-c.requests.Channel:
			request.Reply.Resolve(c.processRequest(request))
		case result := <-c.taskResults.Channel:
			c.processTaskResult(result)
		}

		if c.ended {
			c.shutdown()
			return
		}
	}
}

func (c *Conference) processRoomEvent(event xmuc.Event) {
	switch e := event.Content.(type) {
	case xmuc.MemberJoined:
		c.onMemberJoined(e.Member)
	case xmuc.MemberLeft:
		c.onMemberLeft(e.Member)
	case xmuc.MemberKicked:
		c.logger.WithFields(map[string]any{
			"endpoint_id": e.Member.EndpointID,
			"actor":       e.Actor,
			"reason":      e.Reason,
		}).Info("member kicked")
		c.onMemberLeft(e.Member)
	case xmuc.PresenceChanged:
		c.onPresenceChanged(e.Member)
	case xmuc.RoleChanged:
		c.onRoleChanged(e.Member)
	case xmuc.RoomDestroyed:
		c.logger.WithField("reason", e.Reason).Info("room destroyed")
		c.stop()
	default:
		c.logger.Warnf("unknown room event %T", event.Content)
	}
}

func (c *Conference) processRequest(request Request) Response {
	switch content := request.Content.(type) {
	case SessionAccept:
		return Response{Err: c.handleSessionAccept(request, content)}
	case TransportAccept:
		return Response{Err: c.handleTransportAccept(request, content)}
	case TransportInfo:
		return Response{Err: c.handleTransportInfo(request, content)}
	case SourceAdd:
		return Response{Err: c.handleSourceAdd(request, content)}
	case SourceRemove:
		return Response{Err: c.handleSourceRemove(request, content)}
	case IceFailed:
		return Response{Err: c.handleIceFailed(request, content)}
	case SessionTerminate:
		return Response{Err: c.handleSessionTerminate(request, content)}
	case MuteEndpoint:
		return Response{Err: c.handleMuteEndpoint(request, content)}
	case MuteAll:
		return Response{Err: c.handleMuteAll(request, content)}
	case MoveEndpoint:
		return Response{Err: c.handleMoveEndpoint(content)}
	case MoveEndpoints:
		return Response{Err: c.handleMoveEndpoints(content)}
	case DebugState:
		return Response{Debug: c.debugState()}
	default:
		c.logger.Warnf("unknown request %T", request.Content)
		return Response{Err: xmuc.BadRequest("unknown request")}
	}
}

func (c *Conference) processTaskResult(result any) {
	switch r := result.(type) {
	case allocationDone:
		c.onAllocationDone(r)
	case offerSent:
		c.onOfferSent(r)
	case flushDue:
		c.onFlushDue(r)
	case inviteRetryDue:
		c.onInviteRetryDue(r)
	case bridgeFault:
		c.onBridgeFault(r)
	default:
		c.logger.Warnf("unknown task result %T", result)
	}
}

// shutdown runs once, after stop() flipped the ended flag: late senders get
// their messages back, queued requests are answered, Done is closed.
func (c *Conference) shutdown() {
	c.roomEvents.Close()
	c.requests.Close()
	c.taskResults.Close()

	for {
		select {
		case request := <-c.requests.Channel:
			request.Reply.Resolve(Response{Err: xmuc.ItemNotFound("the conference has ended")})
		default:
			close(c.done)
			return
		}
	}
}

// stop tears the conference down: every session is terminated, every bridge
// resource expired (best-effort) and the room left.
func (c *Conference) stop() {
	if c.ended {
		return
	}
	c.ended = true

	for _, p := range c.participants {
		p.CancelInvite()
		if session := p.Session(); session != nil {
			p.SetSession(nil)
			p.QueueSend(func() {
				ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
				defer cancel()
				session.Terminate(ctx, jingle.ReasonGone, true)
			})
		}
		p.StopSends()

		member := p.Member()
		c.updateSenderCounts(&member, nil)
	}

	for _, bridgeSession := range c.bridgeSessions {
		bridgeSession := bridgeSession
		go bridgeSession.ExpireAll(context.Background())
	}

	c.room.Leave()

	ctx := context.Background()
	c.stats.ConferencesEnded.Add(ctx, 1)
	c.stats.LiveConferences.Add(ctx, -1)
	c.telemetry.End()
	c.logger.Info("conference ended")
}
