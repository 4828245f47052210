package xmuc

import (
	"context"
	"errors"

	"github.com/millrace/focus/pkg/common"
)

// Errors surfaced by room implementations. Stanza-level losses are recoverable
// (the caller logs and skips); a dead room means the conference is over.
var (
	ErrNotConnected = errors.New("xmuc: not connected to the chat service")
	ErrNoResponse   = errors.New("xmuc: no response received before the deadline")
	ErrRoomGone     = errors.New("xmuc: the room does not exist anymore")
)

// Events emitted by a room. Delivered in the order the chat service produced
// them, over the sink passed to RoomFactory.CreateRoom.
type (
	MemberJoined    struct{ Member Member }
	MemberLeft      struct{ Member Member }
	MemberKicked    struct {
		Member Member
		Actor  string
		Reason string
	}
	RoleChanged     struct{ Member Member }
	PresenceChanged struct{ Member Member }
	RoomDestroyed   struct{ Reason string }
)

// Event is one room event; Content is one of the types above.
type Event struct {
	Content any
}

// PresenceExtension is an element the focus publishes in its own room
// presence (e.g. the A/V moderation status). The room keeps at most one
// extension per element name; setting an extension replaces the previous one.
type PresenceExtension interface {
	ElementName() string
}

// RoomConfig is the subset of the MUC configuration form the focus cares
// about, echoed by the room implementation after joining.
type RoomConfig struct {
	MeetingID      string
	IsBreakoutRoom bool
	MainRoom       string
	// Set when the room is configured with whois=anyone, i.e. real JIDs are
	// visible to everyone and members carry a RealJID.
	NonAnonymous bool
}

// Room is one joined multi-user chat room, the focus's window onto a meeting.
type Room interface {
	// The room address, e.g. "orange@conference.example.com".
	Name() string
	Config() RoomConfig

	Join(ctx context.Context) error
	Leave()

	// Replace-or-set an extension in the focus's own presence.
	SetPresenceExtension(ext PresenceExtension) error
	// Remove a previously published extension by element name.
	RemovePresenceExtension(name string) error

	GrantOwnership(ctx context.Context, member Member) error
}

// RoomFactory creates rooms bound to an event sink. The factory is owned by
// the process (one per chat connection); rooms are owned by conferences.
type RoomFactory interface {
	CreateRoom(name string, events common.Sender[Event]) (Room, error)
}
