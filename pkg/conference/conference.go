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

// Package conference implements the conference engine: the per-meeting state
// machine that discovers endpoints through a chat room, allocates media
// resources on bridges, negotiates jingle sessions and keeps every endpoint's
// view of the other endpoints' sources up to date.
//
// Each conference is a mailbox actor: room events, participant requests and
// async task results are funneled into one processing goroutine, which is the
// only place conference state is mutated. Network round-trips (bridge RPCs,
// outgoing IQs) run in task goroutines that post their results back.
package conference

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"mellium.im/xmpp/jid"

	"github.com/millrace/focus/pkg/bridge"
	"github.com/millrace/focus/pkg/colibri"
	"github.com/millrace/focus/pkg/common"
	"github.com/millrace/focus/pkg/conference/participant"
	"github.com/millrace/focus/pkg/conference/source"
	"github.com/millrace/focus/pkg/jingle"
	"github.com/millrace/focus/pkg/telemetry"
	"github.com/millrace/focus/pkg/xmuc"
)

// Timeout for a single outgoing IQ send.
const sendTimeout = 10 * time.Second

// Owner used for sources the bridge itself injects towards endpoints.
const bridgeOwner = xmuc.EndpointID("jvb")

// Dependencies are the process-wide services a conference is built on.
type Dependencies struct {
	RoomFactory  xmuc.RoomFactory
	JingleSender jingle.Sender
	Bridges      *bridge.Selector
	BridgeAPIs   colibri.APIFactory
	Stats        *telemetry.Stats
	Logger       *logrus.Entry
	// Optional observer of conference state changes.
	Listener Listener
}

// Listener observes conference-level state changes. Callbacks run on the
// conference's processing loop and must return quickly.
type Listener interface {
	// The number of participants able to send the media type changed.
	SenderCountChanged(roomName string, mediaType source.MediaType, count int)
}

type Conference struct {
	name      string
	config    Config
	logger    *logrus.Entry
	stats     *telemetry.Stats
	telemetry *telemetry.Telemetry
	listener  Listener

	room         xmuc.Room
	jingleSender jingle.Sender
	bridges      *bridge.Selector
	bridgeAPIs   colibri.APIFactory

	roomEvents  common.Receiver[xmuc.Event]
	requests    common.Receiver[Request]
	taskResults common.Receiver[any]

	// Senders kept for Submit and for the task goroutines.
	requestSink common.Sender[Request]
	taskSink    common.Sender[any]

	// All of the below is owned by the processing loop.
	participants   map[xmuc.EndpointID]*participant.Participant
	sources        source.ConferenceSourceMap
	bridgeSessions map[string]*colibri.Session
	assignments    map[xmuc.EndpointID]*colibri.Session
	moderation     map[source.MediaType]*moderationState
	audioSenders   int
	videoSenders   int
	started        bool
	ended          bool

	done chan struct{}
}

// StartConference joins the room and spawns the processing loop. The
// conference runs until the room is gone or the last member leaves; Done is
// closed when it is fully torn down.
func StartConference(ctx context.Context, roomName string, config Config, deps Dependencies) (*Conference, error) {
	config = config.WithDefaults()
	logger := deps.Logger.WithField("conference", roomName)

	eventSink, eventSource := common.NewChannel[xmuc.Event]()
	room, err := deps.RoomFactory.CreateRoom(roomName, eventSink)
	if err != nil {
		return nil, err
	}
	if err := room.Join(ctx); err != nil {
		return nil, err
	}

	requestSink, requestSource := common.NewChannel[Request]()
	taskSink, taskSource := common.NewChannel[any]()

	conference := &Conference{
		name:      roomName,
		config:    config,
		logger:    logger,
		stats:     deps.Stats,
		telemetry: telemetry.NewTelemetry(ctx, "conference", attribute.String("room", roomName)),
		listener:  deps.Listener,

		room:         room,
		jingleSender: deps.JingleSender,
		bridges:      deps.Bridges,
		bridgeAPIs:   deps.BridgeAPIs,

		roomEvents:  eventSource,
		requests:    requestSource,
		taskResults: taskSource,
		requestSink: requestSink,
		taskSink:    taskSink,

		participants:   make(map[xmuc.EndpointID]*participant.Participant),
		sources:        source.NewConferenceSourceMap(),
		bridgeSessions: make(map[string]*colibri.Session),
		assignments:    make(map[xmuc.EndpointID]*colibri.Session),
		moderation:     make(map[source.MediaType]*moderationState),

		done: make(chan struct{}),
	}

	deps.Stats.ConferencesCreated.Add(ctx, 1)
	deps.Stats.LiveConferences.Add(ctx, 1)
	logger.Info("conference created")

	go conference.processMessages()
	return conference, nil
}

func (c *Conference) Name() string { return c.name }

// Done is closed once the conference has fully stopped.
func (c *Conference) Done() <-chan struct{} { return c.done }

// Submit hands a request to the processing loop. Returns false if the
// conference has already ended (the reply future is then never resolved).
func (c *Conference) Submit(request Request) bool {
	return c.requestSink.Send(request) == nil
}

// SubmitAndWait submits a request and waits for the reply.
func (c *Conference) SubmitAndWait(ctx context.Context, request Request) (Response, error) {
	if !c.Submit(request) {
		return Response{Err: xmuc.ItemNotFound("the conference has ended")}, nil
	}
	return request.Reply.Wait(ctx)
}

// DebugState fetches the JSON-friendly state snapshot from the loop.
func (c *Conference) DebugState(ctx context.Context) (map[string]any, error) {
	response, err := c.SubmitAndWait(ctx, NewRequest(jid.JID{}, DebugState{}))
	if err != nil {
		return nil, err
	}
	return response.Debug, nil
}

// getParticipant resolves the sender of a request, from the resource part of
// its occupant JID.
func (c *Conference) getParticipant(request Request) *participant.Participant {
	return c.participants[xmuc.EndpointID(request.From.Resourcepart())]
}

// conferenceBridges is the selector's view of the bridges this conference
// already uses, with their participant counts.
func (c *Conference) conferenceBridges() map[*bridge.Bridge]int {
	counts := make(map[*bridge.Bridge]int, len(c.bridgeSessions))
	for _, session := range c.assignments {
		counts[session.Bridge()]++
	}
	return counts
}

// nonHiddenCount counts the members that matter for the start threshold:
// recorders and transcribers don't make a meeting.
func (c *Conference) nonHiddenCount() int {
	count := 0
	for _, p := range c.participants {
		if !p.Member().IsHidden() {
			count++
		}
	}
	return count
}
