package conference

import (
	"mellium.im/xmpp/jid"

	"github.com/millrace/focus/pkg/colibri"
	"github.com/millrace/focus/pkg/common"
	"github.com/millrace/focus/pkg/conference/source"
	"github.com/millrace/focus/pkg/jingle"
	"github.com/millrace/focus/pkg/xmuc"
)

// Request is one message submitted to the conference mailbox by an IQ handler
// or an operator surface. Content is one of the types below; the reply is
// resolved exactly once by the processing loop.
type Request struct {
	// Occupant JID of the sender; its resource is the endpoint id. Zero for
	// operator requests (moves, debug).
	From    jid.JID
	Content any
	Reply   *common.Future[Response]
}

// Response to a request. A nil Err means success.
type Response struct {
	Err *xmuc.IQError
	// Set for DebugState requests.
	Debug map[string]any
}

func NewRequest(from jid.JID, content any) Request {
	return Request{From: from, Content: content, Reply: common.NewFuture[Response]()}
}

// The jingle requests a participant may send. SID is always validated against
// the participant's current session.
type (
	SessionAccept struct {
		SID       string
		Sources   source.EndpointSourceSet
		Transport *jingle.Transport
	}
	TransportAccept struct {
		SID       string
		Transport *jingle.Transport
	}
	TransportInfo struct {
		SID       string
		Transport jingle.Transport
	}
	SourceAdd struct {
		SID     string
		Sources source.EndpointSourceSet
	}
	SourceRemove struct {
		SID     string
		Sources source.EndpointSourceSet
	}
	// The participant reports failed ICE connectivity and asks for a restart.
	IceFailed struct {
		SID             string
		BridgeSessionID string
	}
	SessionTerminate struct {
		SID             string
		BridgeSessionID string
		Reason          jingle.TerminateReason
		// Re-invite after ending the session (subject to the rate limit).
		Restart bool
	}
)

// Moderation requests.
type (
	// Mute or unmute one participant. Muting someone else requires moderator
	// rights; unmuting someone else only whitelists them so they may unmute
	// themselves.
	MuteEndpoint struct {
		Target    xmuc.EndpointID
		MediaType source.MediaType
		Mute      bool
	}
	// Enable or disable A/V moderation for a media type: everyone but the
	// moderators (and later whitelisted members) is muted and kept muted.
	MuteAll struct {
		MediaType source.MediaType
		Enable    bool
	}
)

// Operator requests.
type (
	// Move one participant off its current bridge: the current bridge is
	// excluded from selection and the participant is re-invited onto whichever
	// other bridge ranks best. There is no way to pick the destination.
	MoveEndpoint struct {
		Endpoint xmuc.EndpointID
	}
	// Move up to Count participants off the given bridge (all when Count <= 0).
	MoveEndpoints struct {
		Bridge string
		Count  int
	}
	// DebugState asks for the JSON-friendly state snapshot.
	DebugState struct{}
)

// Results of async tasks (bridge RPCs, IQ sends, flush timers), posted back to
// the mailbox so that all state mutations stay on the processing loop.
type (
	allocationDone struct {
		endpoint      xmuc.EndpointID
		session       *jingle.Session
		bridgeSession *colibri.Session
		response      *colibri.AllocateResponse
		err           error
		// session-initiate vs transport-replace.
		initial bool
	}
	offerSent struct {
		endpoint xmuc.EndpointID
		session  *jingle.Session
		err      error
	}
	flushDue struct {
		endpoint xmuc.EndpointID
	}
	inviteRetryDue struct {
		endpoint xmuc.EndpointID
	}
	bridgeFault struct {
		bridgeSession *colibri.Session
		endpoint      xmuc.EndpointID
		err           error
	}
)
