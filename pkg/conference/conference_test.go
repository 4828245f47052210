package conference_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/millrace/focus/pkg/bridge"
	"github.com/millrace/focus/pkg/colibri"
	"github.com/millrace/focus/pkg/common"
	"github.com/millrace/focus/pkg/conference"
	"github.com/millrace/focus/pkg/conference/participant"
	"github.com/millrace/focus/pkg/conference/source"
	"github.com/millrace/focus/pkg/jingle"
	"github.com/millrace/focus/pkg/telemetry"
	"github.com/millrace/focus/pkg/xmuc"
)

const roomName = "orange@conference.example.com"

// --- fake chat room ---

type fakeRoomFactory struct {
	mu   sync.Mutex
	room *fakeRoom
}

func (f *fakeRoomFactory) CreateRoom(name string, events common.Sender[xmuc.Event]) (xmuc.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.room = &fakeRoom{name: name, events: events, extensions: make(map[string]xmuc.PresenceExtension)}
	return f.room, nil
}

type fakeRoom struct {
	name   string
	events common.Sender[xmuc.Event]

	mu         sync.Mutex
	left       bool
	extensions map[string]xmuc.PresenceExtension
	granted    []xmuc.EndpointID
}

func (r *fakeRoom) Name() string                 { return r.name }
func (r *fakeRoom) Config() xmuc.RoomConfig      { return xmuc.RoomConfig{MeetingID: "meeting-1"} }
func (r *fakeRoom) Join(context.Context) error   { return nil }

func (r *fakeRoom) Leave() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left = true
}

func (r *fakeRoom) isLeft() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.left
}

func (r *fakeRoom) SetPresenceExtension(ext xmuc.PresenceExtension) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensions[ext.ElementName()] = ext
	return nil
}

func (r *fakeRoom) RemovePresenceExtension(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.extensions, name)
	return nil
}

func (r *fakeRoom) GrantOwnership(_ context.Context, member xmuc.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.granted = append(r.granted, member.EndpointID)
	return nil
}

func (r *fakeRoom) extension(name string) xmuc.PresenceExtension {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.extensions[name]
}

func (r *fakeRoom) grantedOwners() []xmuc.EndpointID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]xmuc.EndpointID(nil), r.granted...)
}

func (r *fakeRoom) joinMember(m xmuc.Member) {
	r.events.Send(xmuc.Event{Content: xmuc.MemberJoined{Member: m}})
}

func (r *fakeRoom) leaveMember(m xmuc.Member) {
	r.events.Send(xmuc.Event{Content: xmuc.MemberLeft{Member: m}})
}

func (r *fakeRoom) changePresence(m xmuc.Member) {
	r.events.Send(xmuc.Event{Content: xmuc.PresenceChanged{Member: m}})
}

// --- fake jingle transport ---

type fakeSender struct {
	mu       sync.Mutex
	requests []jingle.OutgoingRequest
	// Runs before a request is recorded, without the lock held. Lets tests
	// slow selected deliveries down.
	beforeSend func(jingle.OutgoingRequest)
}

func (s *fakeSender) Send(_ context.Context, request jingle.OutgoingRequest) error {
	s.mu.Lock()
	hook := s.beforeSend
	s.mu.Unlock()
	if hook != nil {
		hook(request)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, request)
	return nil
}

func (s *fakeSender) setBeforeSend(hook func(jingle.OutgoingRequest)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeSend = hook
}

func (s *fakeSender) to(endpoint string, action jingle.Action) []jingle.OutgoingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matching []jingle.OutgoingRequest
	for _, r := range s.requests {
		if r.To.Resourcepart() == endpoint && r.Action == action {
			matching = append(matching, r)
		}
	}
	return matching
}

func (s *fakeSender) last(endpoint string, action jingle.Action) *jingle.OutgoingRequest {
	matching := s.to(endpoint, action)
	if len(matching) == 0 {
		return nil
	}
	return &matching[len(matching)-1]
}

// countMentions counts the requests to the endpoint with the given action
// that carry the ssrc.
func (s *fakeSender) countMentions(endpoint string, action jingle.Action, ssrc source.Ssrc) int {
	count := 0
	for _, r := range s.to(endpoint, action) {
		if _, ok := r.Sources.FindOwner(ssrc); ok {
			count++
		}
	}
	return count
}

// actionsMentioning lists, in arrival order, the actions of the requests to
// the endpoint that carry the ssrc.
func (s *fakeSender) actionsMentioning(endpoint string, ssrc source.Ssrc) []jingle.Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	var actions []jingle.Action
	for _, r := range s.requests {
		if r.To.Resourcepart() != endpoint {
			continue
		}
		if _, ok := r.Sources.FindOwner(ssrc); ok {
			actions = append(actions, r.Action)
		}
	}
	return actions
}

// mentionsSsrc reports whether any request to the endpoint carries the ssrc.
func (s *fakeSender) mentionsSsrc(endpoint string, ssrc source.Ssrc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.requests {
		if r.To.Resourcepart() != endpoint {
			continue
		}
		maps := []source.ConferenceSourceMap{r.Sources}
		if r.Offer != nil {
			maps = append(maps, r.Offer.Sources)
		}
		for _, m := range maps {
			if _, ok := m.FindOwner(ssrc); ok {
				return true
			}
		}
	}
	return false
}

// --- fake bridge ---

type fakeAPI struct {
	address string

	mu          sync.Mutex
	conferences int
	allocations []colibri.AllocateRequest
	updates     []colibri.UpdateRequest
	expired     []string
	expiredConf []string
	fail        map[string]error
}

func (f *fakeAPI) setError(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, method)
	} else {
		f.fail[method] = err
	}
}

func (f *fakeAPI) AllocateEndpoint(_ context.Context, request colibri.AllocateRequest) (*colibri.AllocateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["allocate"]; err != nil {
		return nil, err
	}

	conferenceID := request.ConferenceID
	if conferenceID == "" {
		f.conferences++
		conferenceID = fmt.Sprintf("%s-conf-%d", f.address, f.conferences)
	}
	f.allocations = append(f.allocations, request)
	return &colibri.AllocateResponse{
		ConferenceID: conferenceID,
		Transport:    jingle.Transport{Ufrag: f.address + "/" + request.EndpointID, Pwd: "pwd"},
	}, nil
}

func (f *fakeAPI) UpdateEndpoint(_ context.Context, request colibri.UpdateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["update"]; err != nil {
		return err
	}
	f.updates = append(f.updates, request)
	return nil
}

func (f *fakeAPI) ExpireEndpoint(_ context.Context, _, endpointID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, endpointID)
	return nil
}

func (f *fakeAPI) ExpireConference(_ context.Context, conferenceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiredConf = append(f.expiredConf, conferenceID)
	return nil
}

func (f *fakeAPI) SetRelays(context.Context, string, []string) error { return nil }

func (f *fakeAPI) allocationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.allocations)
}

func (f *fakeAPI) conferenceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conferences
}

func (f *fakeAPI) expiredConferences() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.expiredConf...)
}

type fakeAPIFactory struct {
	mu   sync.Mutex
	apis map[string]*fakeAPI
}

func (f *fakeAPIFactory) APIFor(address string) colibri.API { return f.api(address) }

func (f *fakeAPIFactory) api(address string) *fakeAPI {
	f.mu.Lock()
	defer f.mu.Unlock()
	api, ok := f.apis[address]
	if !ok {
		api = &fakeAPI{address: address, fail: make(map[string]error)}
		f.apis[address] = api
	}
	return api
}

// --- listener ---

// senderCountRecorder remembers every sender-count change per media type.
type senderCountRecorder struct {
	mu     sync.Mutex
	counts map[source.MediaType][]int
}

func (r *senderCountRecorder) SenderCountChanged(_ string, mediaType source.MediaType, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[mediaType] = append(r.counts[mediaType], count)
}

func (r *senderCountRecorder) last(mediaType source.MediaType) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := r.counts[mediaType]
	if len(counts) == 0 {
		return 0, false
	}
	return counts[len(counts)-1], true
}

// --- fixture ---

type fixture struct {
	t       *testing.T
	conf    *conference.Conference
	room    *fakeRoom
	sender  *fakeSender
	apis    *fakeAPIFactory
	fleet   *bridge.Selector
	senders *senderCountRecorder
}

func newFixture(t *testing.T, config conference.Config, bridges ...string) *fixture {
	t.Helper()
	logger := logrus.NewEntry(logrus.New())

	fleet := bridge.NewSelector(bridge.SelectionConfig{}, logger)
	for _, address := range bridges {
		fleet.AddOrUpdate(address, bridge.LoadReport{
			Healthy: true, Version: "2.1", RelayID: "relay-" + address,
		})
	}

	factory := &fakeRoomFactory{}
	sender := &fakeSender{}
	apis := &fakeAPIFactory{apis: make(map[string]*fakeAPI)}
	senders := &senderCountRecorder{counts: make(map[source.MediaType][]int)}

	conf, err := conference.StartConference(context.Background(), roomName, config, conference.Dependencies{
		RoomFactory:  factory,
		JingleSender: sender,
		Bridges:      fleet,
		BridgeAPIs:   apis,
		Stats:        telemetry.NopStats(),
		Logger:       logger,
		Listener:     senders,
	})
	require.NoError(t, err)

	return &fixture{t: t, conf: conf, room: factory.room, sender: sender, apis: apis, fleet: fleet, senders: senders}
}

func member(id string, role xmuc.Role, caps ...xmuc.Capability) xmuc.Member {
	if len(caps) == 0 {
		caps = []xmuc.Capability{xmuc.CapAudio, xmuc.CapVideo}
	}
	return xmuc.Member{
		EndpointID:   xmuc.EndpointID(id),
		JID:          jid.MustParse(roomName + "/" + id),
		Role:         role,
		Capabilities: xmuc.NewCapabilitySet(caps...),
	}
}

func (f *fixture) submit(from xmuc.Member, content any) conference.Response {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	response, err := f.conf.SubmitAndWait(ctx, conference.NewRequest(from.JID, content))
	require.NoError(f.t, err)
	return response
}

// waitForOffer waits for an offer to the endpoint with a sid different from
// any in `previous`.
func (f *fixture) waitForOffer(endpoint string, action jingle.Action, previous ...string) jingle.OutgoingRequest {
	f.t.Helper()

	isNew := func(sid string) bool {
		for _, old := range previous {
			if sid == old {
				return false
			}
		}
		return true
	}

	var request *jingle.OutgoingRequest
	require.Eventually(f.t, func() bool {
		request = f.sender.last(endpoint, action)
		return request != nil && isNew(request.SID)
	}, 2*time.Second, 5*time.Millisecond, "no %s sent to %s", action, endpoint)
	return *request
}

func (f *fixture) accept(m xmuc.Member, sid string, set source.EndpointSourceSet) {
	f.t.Helper()
	response := f.submit(m, conference.SessionAccept{SID: sid, Sources: set})
	require.Nil(f.t, response.Err)
}

// joinTwo brings two members in and accepts both sessions.
func (f *fixture) joinTwo(a, b xmuc.Member, aSet, bSet source.EndpointSourceSet) (sidA, sidB string) {
	f.t.Helper()
	f.room.joinMember(a)
	f.room.joinMember(b)

	offerA := f.waitForOffer(string(a.EndpointID), jingle.ActionSessionInitiate)
	offerB := f.waitForOffer(string(b.EndpointID), jingle.ActionSessionInitiate)
	f.accept(a, offerA.SID, aSet)
	f.accept(b, offerB.SID, bSet)
	return offerA.SID, offerB.SID
}

func audio(ssrc source.Ssrc, name string) source.Source {
	return source.Source{Ssrc: ssrc, MediaType: source.MediaAudio, Name: name}
}

func video(ssrc source.Ssrc, name string, videoType source.VideoType) source.Source {
	return source.Source{Ssrc: ssrc, MediaType: source.MediaVideo, Name: name, VideoType: videoType}
}

func set(sources ...source.Source) source.EndpointSourceSet {
	return source.NewEndpointSourceSet(sources, nil)
}

// --- scenarios ---

func TestTwoParticipantJoin(t *testing.T) {
	f := newFixture(t, conference.Config{}, "jvb-a")
	a := member("a", xmuc.RoleModerator)
	b := member("b", xmuc.RoleMember)

	// One member is not a meeting: nothing goes out.
	f.room.joinMember(a)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.sender.to("a", jingle.ActionSessionInitiate))

	f.room.joinMember(b)
	offerA := f.waitForOffer("a", jingle.ActionSessionInitiate)
	offerB := f.waitForOffer("b", jingle.ActionSessionInitiate)

	require.NotNil(t, offerA.Offer)
	assert.ElementsMatch(t, []string{"audio", "video"}, offerA.Offer.Contents)
	assert.Empty(t, offerA.Offer.Sources, "nobody advertised anything yet")
	assert.NotEmpty(t, offerA.Offer.Transport.Ufrag)

	f.accept(a, offerA.SID, set(audio(1001, "a-a0"), video(1002, "a-v0", source.VideoCamera)))
	f.accept(b, offerB.SID, set(audio(2001, "b-a0"), video(2002, "b-v0", source.VideoCamera)))

	// A learns about B's sources in a single source-add, and vice versa.
	require.Eventually(t, func() bool {
		return f.sender.mentionsSsrc("a", 2001) && f.sender.mentionsSsrc("b", 1001)
	}, 2*time.Second, 5*time.Millisecond)

	addsToA := f.sender.to("a", jingle.ActionSourceAdd)
	require.Len(t, addsToA, 1)
	assert.True(t, addsToA[0].Sources["b"].Has(2001))
	assert.True(t, addsToA[0].Sources["b"].Has(2002))

	// A latecomer sees the whole conference in its initial offer.
	c := member("c", xmuc.RoleMember)
	f.room.joinMember(c)
	offerC := f.waitForOffer("c", jingle.ActionSessionInitiate)
	assert.True(t, offerC.Offer.Sources["a"].Has(1001))
	assert.True(t, offerC.Offer.Sources["b"].Has(2001))
}

func TestSourceToggleCoalesces(t *testing.T) {
	config := conference.Config{
		Signaling: conference.SignalingConfig{
			DelayRules: []conference.DelayRule{{MinParticipants: 0, Delay: 200 * time.Millisecond}},
		},
	}
	f := newFixture(t, config, "jvb-a")
	a := member("a", xmuc.RoleModerator)
	b := member("b", xmuc.RoleMember)
	sidA, _ := f.joinTwo(a, b,
		set(audio(1001, "a-a0")), set(audio(2001, "b-a0")))

	// A new source reaches B exactly once, after the batching delay.
	response := f.submit(a, conference.SourceAdd{
		SID: sidA, Sources: set(video(1003, "a-v1", source.VideoDesktop))})
	require.Nil(t, response.Err)

	require.Eventually(t, func() bool {
		return f.sender.mentionsSsrc("b", 1003)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.sender.countMentions("b", jingle.ActionSourceAdd, 1003))

	// Add and remove within the delay window cancel out: B hears nothing.
	response = f.submit(a, conference.SourceAdd{
		SID: sidA, Sources: set(audio(1004, "a-a1"))})
	require.Nil(t, response.Err)
	response = f.submit(a, conference.SourceRemove{
		SID: sidA, Sources: set(audio(1004, "a-a1"))})
	require.Nil(t, response.Err)

	time.Sleep(600 * time.Millisecond)
	assert.False(t, f.sender.mentionsSsrc("b", 1004))
}

func TestVisitorCannotSendMedia(t *testing.T) {
	f := newFixture(t, conference.Config{}, "jvb-a")
	a := member("a", xmuc.RoleModerator)
	b := member("b", xmuc.RoleMember)
	f.joinTwo(a, b, set(audio(1001, "a-a0")), set(audio(2001, "b-a0")))

	visitor := member("c", xmuc.RoleVisitor)
	visitor.IsVisitor = true
	f.room.joinMember(visitor)
	offerC := f.waitForOffer("c", jingle.ActionSessionInitiate)

	response := f.submit(visitor, conference.SessionAccept{
		SID: offerC.SID, Sources: set(audio(3001, "c-a0"))})
	require.NotNil(t, response.Err)
	assert.Equal(t, stanza.Forbidden, response.Err.Condition)

	// The rejected sources never reach anyone.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, f.sender.mentionsSsrc("a", 3001))
	assert.False(t, f.sender.mentionsSsrc("b", 3001))

	// A sourceless accept is fine: visitors receive.
	response = f.submit(visitor, conference.SessionAccept{SID: offerC.SID})
	assert.Nil(t, response.Err)
}

func TestBridgeFailureMovesParticipants(t *testing.T) {
	f := newFixture(t, conference.Config{}, "jvb-a", "jvb-b")
	a := member("a", xmuc.RoleModerator)
	b := member("b", xmuc.RoleMember)
	sidA, sidB := f.joinTwo(a, b, set(audio(1001, "a-a0")), set(audio(2001, "b-a0")))

	// Deterministic tie-break puts the whole conference on jvb-a.
	require.Eventually(t, func() bool {
		return f.apis.api("jvb-a").allocationCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	// The next endpoint update times out; the bridge is written off.
	f.apis.api("jvb-a").setError("update", colibri.NewError(colibri.KindTimeout, "no answer"))
	response := f.submit(a, conference.SourceAdd{
		SID: sidA, Sources: set(video(1002, "a-v0", source.VideoCamera))})
	require.Nil(t, response.Err)

	replaceA := f.waitForOffer("a", jingle.ActionTransportReplace, sidA)
	replaceB := f.waitForOffer("b", jingle.ActionTransportReplace, sidB)
	assert.Contains(t, replaceA.Offer.Transport.Ufrag, "jvb-b/")
	assert.Contains(t, replaceB.Offer.Transport.Ufrag, "jvb-b/")

	assert.False(t, f.fleet.Get("jvb-a").IsOperational(f.fleet.Quarantine()))
	assert.Equal(t, 2, f.apis.api("jvb-b").allocationCount())
}

func TestRestartRateLimiting(t *testing.T) {
	config := conference.Config{
		Restart: participant.RestartConfig{
			MinInterval: time.Nanosecond,
			MaxRequests: 2,
			Window:      10 * time.Second,
		},
	}
	f := newFixture(t, config, "jvb-a")
	a := member("a", xmuc.RoleModerator)
	d := member("d", xmuc.RoleMember)
	_, sid1 := f.joinTwo(a, d, set(audio(1001, "a-a0")), set(audio(4001, "d-a0")))

	// The first two restarts are honored, each with a fresh sid.
	response := f.submit(d, conference.SessionTerminate{
		SID: sid1, Reason: jingle.ReasonConnectivityError, Restart: true})
	require.Nil(t, response.Err)
	sid2 := f.waitForOffer("d", jingle.ActionSessionInitiate, sid1).SID

	response = f.submit(d, conference.SessionTerminate{
		SID: sid2, Reason: jingle.ReasonConnectivityError, Restart: true})
	require.Nil(t, response.Err)
	sid3 := f.waitForOffer("d", jingle.ActionSessionInitiate, sid1, sid2).SID

	// The third one hits the limit: session stays ended, client backs off.
	response = f.submit(d, conference.SessionTerminate{
		SID: sid3, Reason: jingle.ReasonConnectivityError, Restart: true})
	require.NotNil(t, response.Err)
	assert.Equal(t, stanza.ResourceConstraint, response.Err.Condition)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, f.sender.to("d", jingle.ActionSessionInitiate), 3)
}

func TestBridgeForgotConference(t *testing.T) {
	f := newFixture(t, conference.Config{}, "jvb-a")
	a := member("a", xmuc.RoleModerator)
	b := member("b", xmuc.RoleMember)
	sidA, sidB := f.joinTwo(a, b, set(audio(1001, "a-a0")), set(audio(2001, "b-a0")))

	api := f.apis.api("jvb-a")
	require.Eventually(t, func() bool { return api.allocationCount() == 2 },
		2*time.Second, 5*time.Millisecond)

	// The bridge restarted and forgot us: everything is rebuilt on the same
	// bridge, in a fresh bridge-side conference.
	api.setError("update", colibri.NewError(colibri.KindConferenceNotFound, "restarted"))
	response := f.submit(a, conference.SourceAdd{
		SID: sidA, Sources: set(video(1002, "a-v0", source.VideoCamera))})
	require.Nil(t, response.Err)

	f.waitForOffer("a", jingle.ActionTransportReplace, sidA)
	f.waitForOffer("b", jingle.ActionTransportReplace, sidB)

	assert.Equal(t, 2, api.conferenceCount(), "a fresh bridge-side conference was created")
	assert.True(t, f.fleet.Get("jvb-a").IsOperational(f.fleet.Quarantine()),
		"a forgetful bridge is not a failed bridge")
}

func TestStaleBridgeSessionIDRejected(t *testing.T) {
	f := newFixture(t, conference.Config{}, "jvb-a")
	a := member("a", xmuc.RoleModerator)
	b := member("b", xmuc.RoleMember)
	sidA, _ := f.joinTwo(a, b, set(audio(1001, "a-a0")), set(audio(2001, "b-a0")))

	response := f.submit(a, conference.IceFailed{SID: sidA, BridgeSessionID: "stale"})
	require.NotNil(t, response.Err)
	assert.Equal(t, stanza.ItemNotFound, response.Err.Condition)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.sender.to("a", jingle.ActionTransportReplace), "no restart for a stale bridge session")
}

func TestStaleSIDNeverMutatesState(t *testing.T) {
	f := newFixture(t, conference.Config{}, "jvb-a")
	a := member("a", xmuc.RoleModerator)
	d := member("d", xmuc.RoleMember)
	_, sid1 := f.joinTwo(a, d, set(audio(1001, "a-a0")), set(audio(4001, "d-a0")))

	response := f.submit(d, conference.SessionTerminate{
		SID: sid1, Reason: jingle.ReasonConnectivityError, Restart: true})
	require.Nil(t, response.Err)
	f.waitForOffer("d", jingle.ActionSessionInitiate, sid1)

	// Everything bearing the replaced sid bounces.
	for _, content := range []any{
		conference.SessionAccept{SID: sid1},
		conference.SourceAdd{SID: sid1, Sources: set(audio(4002, "d-a1"))},
		conference.SessionTerminate{SID: sid1},
	} {
		response := f.submit(d, content)
		require.NotNil(t, response.Err)
		assert.Equal(t, stanza.ItemNotFound, response.Err.Condition)
	}
}

func TestTeardownOnLastMemberLeaving(t *testing.T) {
	f := newFixture(t, conference.Config{}, "jvb-a")
	a := member("a", xmuc.RoleModerator)
	b := member("b", xmuc.RoleMember)
	f.joinTwo(a, b, set(audio(1001, "a-a0")), set(audio(2001, "b-a0")))

	f.room.leaveMember(a)
	f.room.leaveMember(b)

	select {
	case <-f.conf.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("conference did not end")
	}

	assert.True(t, f.room.isLeft())
	require.Eventually(t, func() bool {
		return len(f.apis.api("jvb-a").expiredConferences()) > 0
	}, 2*time.Second, 5*time.Millisecond, "bridge resources were not expired")
}

func TestAVModeration(t *testing.T) {
	f := newFixture(t, conference.Config{}, "jvb-a")
	moderator := member("a", xmuc.RoleModerator)
	b := member("b", xmuc.RoleMember) // no audio-mute support
	f.joinTwo(moderator, b, set(audio(1001, "a-a0")), set(audio(2001, "b-a0")))

	response := f.submit(moderator, conference.MuteAll{MediaType: source.MediaAudio, Enable: true})
	require.Nil(t, response.Err)

	// The whitelist goes into presence, and the unsupporting client is asked
	// to mute itself over session-info.
	require.Eventually(t, func() bool {
		ext := f.room.extension("av-moderation-audio")
		return ext != nil && ext.(conference.AVModerationExtension).Enabled
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		last := f.sender.last("b", jingle.ActionSessionInfo)
		return last != nil && last.Mute != nil && last.Mute.Mute
	}, 2*time.Second, 5*time.Millisecond)

	// Unmuting whitelists the target so it may unmute itself.
	response = f.submit(moderator, conference.MuteEndpoint{
		Target: "b", MediaType: source.MediaAudio, Mute: false})
	require.Nil(t, response.Err)
	require.Eventually(t, func() bool {
		ext := f.room.extension("av-moderation-audio")
		return ext != nil && len(ext.(conference.AVModerationExtension).Whitelist) == 2
	}, 2*time.Second, 5*time.Millisecond)

	// Non-moderators cannot moderate.
	response = f.submit(b, conference.MuteAll{MediaType: source.MediaAudio, Enable: false})
	require.NotNil(t, response.Err)
	assert.Equal(t, stanza.Forbidden, response.Err.Condition)
}

func TestAutoOwnerGrant(t *testing.T) {
	f := newFixture(t, conference.Config{EnableAutoOwner: true}, "jvb-a")

	f.room.joinMember(member("a", xmuc.RoleMember))
	require.Eventually(t, func() bool {
		granted := f.room.grantedOwners()
		return len(granted) == 1 && granted[0] == "a"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDebugState(t *testing.T) {
	f := newFixture(t, conference.Config{}, "jvb-a")
	a := member("a", xmuc.RoleModerator)
	b := member("b", xmuc.RoleMember)
	f.joinTwo(a, b, set(audio(1001, "a-a0")), set(audio(2001, "b-a0")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := f.conf.DebugState(ctx)
	require.NoError(t, err)

	assert.Equal(t, roomName, state["name"])
	assert.Len(t, state["participants"], 2)
	assert.Len(t, state["bridge_sessions"], 1)
}

func TestOverloadedFleetRejectsAndRetries(t *testing.T) {
	config := conference.Config{InviteRetryInterval: 100 * time.Millisecond}
	f := newFixture(t, config)
	f.fleet.AddOrUpdate("jvb-a", bridge.LoadReport{
		Healthy: true, Version: "2.1", RelayID: "relay-a", Stress: 0.95,
	})

	a := member("a", xmuc.RoleModerator)
	b := member("b", xmuc.RoleMember)
	f.room.joinMember(a)
	f.room.joinMember(b)

	// Both members are told the fleet is full instead of waiting forever.
	for _, endpoint := range []string{"a", "b"} {
		endpoint := endpoint
		require.Eventually(t, func() bool {
			last := f.sender.last(endpoint, jingle.ActionSessionTerminate)
			return last != nil && last.Reason == jingle.ReasonBusy
		}, 2*time.Second, 5*time.Millisecond, "no busy notice to %s", endpoint)
	}
	assert.Empty(t, f.sender.to("a", jingle.ActionSessionInitiate))
	assert.Empty(t, f.sender.to("b", jingle.ActionSessionInitiate))

	// Once the bridge recovers, the stranded members are invited.
	f.fleet.AddOrUpdate("jvb-a", bridge.LoadReport{
		Healthy: true, Version: "2.1", RelayID: "relay-a", Stress: 0.1,
	})
	f.waitForOffer("a", jingle.ActionSessionInitiate)
	f.waitForOffer("b", jingle.ActionSessionInitiate)
}

func TestRestartRejectedWhenFleetOverloaded(t *testing.T) {
	f := newFixture(t, conference.Config{}, "jvb-a")
	a := member("a", xmuc.RoleModerator)
	b := member("b", xmuc.RoleMember)
	sidA, _ := f.joinTwo(a, b, set(audio(1001, "a-a0")), set(audio(2001, "b-a0")))

	f.fleet.AddOrUpdate("jvb-a", bridge.LoadReport{
		Healthy: true, Version: "2.1", RelayID: "relay-a", Stress: 0.95,
	})

	// The restart request bounces with retry advice.
	response := f.submit(a, conference.IceFailed{SID: sidA})
	require.NotNil(t, response.Err)
	assert.Equal(t, stanza.ResourceConstraint, response.Err.Condition)

	require.Eventually(t, func() bool {
		last := f.sender.last("a", jingle.ActionSessionTerminate)
		return last != nil && last.Reason == jingle.ReasonBusy
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSourceDeltasKeepOrderAcrossFlushes(t *testing.T) {
	f := newFixture(t, conference.Config{}, "jvb-a")
	a := member("a", xmuc.RoleModerator)
	b := member("b", xmuc.RoleMember)
	sidA, _ := f.joinTwo(a, b, set(audio(1001, "a-a0")), set(audio(2001, "b-a0")))

	require.Eventually(t, func() bool {
		return f.sender.mentionsSsrc("b", 1001) && f.sender.mentionsSsrc("a", 2001)
	}, 2*time.Second, 5*time.Millisecond)

	// Slow the add delivery down: the remove from the next flush must still
	// arrive after it.
	f.sender.setBeforeSend(func(r jingle.OutgoingRequest) {
		if r.Action == jingle.ActionSourceAdd {
			time.Sleep(300 * time.Millisecond)
		}
	})

	response := f.submit(a, conference.SourceAdd{
		SID: sidA, Sources: set(video(1003, "a-v1", source.VideoDesktop))})
	require.Nil(t, response.Err)
	// Let the first flush pick the add up before the remove lands.
	time.Sleep(100 * time.Millisecond)
	response = f.submit(a, conference.SourceRemove{
		SID: sidA, Sources: set(video(1003, "a-v1", source.VideoDesktop))})
	require.Nil(t, response.Err)

	require.Eventually(t, func() bool {
		return len(f.sender.actionsMentioning("b", 1003)) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t,
		[]jingle.Action{jingle.ActionSourceAdd, jingle.ActionSourceRemove},
		f.sender.actionsMentioning("b", 1003),
		"a remove must never overtake the add that introduced the source")
}

func TestSenderCountsFollowMuteState(t *testing.T) {
	f := newFixture(t, conference.Config{}, "jvb-a")
	a := member("a", xmuc.RoleModerator)
	b := member("b", xmuc.RoleMember)
	f.room.joinMember(a)
	f.room.joinMember(b)

	require.Eventually(t, func() bool {
		count, ok := f.senders.last(source.MediaAudio)
		return ok && count == 2
	}, 2*time.Second, 5*time.Millisecond)

	// B mutes its audio: the audio count drops, the video count stays.
	muted := b
	muted.AudioMuted = true
	f.room.changePresence(muted)
	require.Eventually(t, func() bool {
		count, ok := f.senders.last(source.MediaAudio)
		return ok && count == 1
	}, 2*time.Second, 5*time.Millisecond)
	videoCount, ok := f.senders.last(source.MediaVideo)
	require.True(t, ok)
	assert.Equal(t, 2, videoCount)

	// A leaves: it was the last audio sender.
	f.room.leaveMember(a)
	require.Eventually(t, func() bool {
		count, ok := f.senders.last(source.MediaAudio)
		return ok && count == 0
	}, 2*time.Second, 5*time.Millisecond)
	videoCount, _ = f.senders.last(source.MediaVideo)
	assert.Equal(t, 1, videoCount)
}

func TestInvitePipelineEmitsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	f := newFixture(t, conference.Config{}, "jvb-a")
	a := member("a", xmuc.RoleModerator)
	b := member("b", xmuc.RoleMember)
	f.joinTwo(a, b, set(audio(1001, "a-a0")), set(audio(2001, "b-a0")))

	require.Eventually(t, func() bool {
		names := make(map[string]bool)
		for _, span := range recorder.Ended() {
			names[span.Name()] = true
		}
		return names["allocate"] && names["offer"]
	}, 2*time.Second, 5*time.Millisecond, "no allocation/offer spans recorded")
}
