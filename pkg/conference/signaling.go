package conference

import (
	"context"
	"time"

	"github.com/millrace/focus/pkg/conference/participant"
	"github.com/millrace/focus/pkg/conference/source"
)

// scheduleFlush arms the delayed source-signaling flush for a participant.
// Deltas accumulating within the delay window coalesce into a single
// remove/add pair; opposite deltas cancel out entirely. Endpoints with ssrc
// rewriting never get source signals (the bridge is authoritative for them).
func (c *Conference) scheduleFlush(p *participant.Participant) {
	if c.usesSsrcRewriting(p) {
		return
	}
	if !p.HasActiveSession() {
		// Pending sessions fold the queued state into the initial offer;
		// the accept handler re-schedules.
		return
	}
	if !p.Signaling().HasPending() {
		return
	}
	if !p.MarkFlushScheduled() {
		return
	}

	endpoint := p.EndpointID()
	delay := c.config.Signaling.DelayFor(len(c.participants))
	time.AfterFunc(delay, func() {
		c.taskSink.Send(flushDue{endpoint: endpoint})
	})
}

func (c *Conference) onFlushDue(result flushDue) {
	p := c.participants[result.endpoint]
	if p == nil {
		return
	}
	p.ClearFlushScheduled()

	if !p.HasActiveSession() {
		return
	}
	signals := p.Signaling().Update()
	if len(signals) == 0 {
		return
	}

	// Through the participant's send queue: removes go before adds within one
	// flush, and consecutive flushes keep their order on the wire.
	session := p.Session()
	logger := p.Logger
	p.QueueSend(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		for _, signal := range signals {
			var err error
			if signal.Kind == source.SignalRemove {
				err = session.RemoveSources(ctx, signal.Sources)
			} else {
				err = session.AddSources(ctx, signal.Sources)
			}
			if err != nil {
				logger.WithError(err).Warn("failed to signal source delta")
			}
		}
	})
}
