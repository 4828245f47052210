package xmppclient

import (
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millrace/focus/pkg/conference"
	"github.com/millrace/focus/pkg/conference/source"
	"github.com/millrace/focus/pkg/jingle"
)

func TestEncodeOffer(t *testing.T) {
	sources := source.NewConferenceSourceMap()
	sources.Add("alice", source.NewEndpointSourceSet([]source.Source{
		{Ssrc: 1001, MediaType: source.MediaAudio, Name: "alice-a0"},
		{Ssrc: 1002, MediaType: source.MediaVideo, Name: "alice-v0"},
		{Ssrc: 1003, MediaType: source.MediaVideo},
	}, []source.SsrcGroup{
		{Semantics: source.SemanticsFid, Ssrcs: []source.Ssrc{1002, 1003}},
	}))
	sources.Add("jvb", source.NewEndpointSourceSet([]source.Source{
		{Ssrc: 9999, MediaType: source.MediaAudio, Name: "jvb-mixed"},
	}, nil))

	wire, err := encodeJingle(jingle.OutgoingRequest{
		SID:    "sid-1",
		Action: jingle.ActionSessionInitiate,
		Offer: &jingle.Offer{
			Contents: []string{"audio", "video", "data"},
			Transport: jingle.Transport{
				Ufrag:       "uf",
				Pwd:         "pw",
				Fingerprint: "AA:BB",
				Candidates:  []jingle.Candidate{{Foundation: "1", Component: 1, Protocol: "udp", IP: "10.0.0.1", Port: 10000, Type: "host", Priority: 12345}},
			},
			Sources: sources,
			Params:  jingle.SessionParams{StartAudioMutedAfter: 10},
		},
	})
	require.NoError(t, err)

	require.Len(t, wire.Contents, 3)
	assert.Equal(t, "audio", wire.Contents[0].Name)
	require.NotNil(t, wire.Contents[0].Transport)
	assert.Equal(t, "uf", wire.Contents[0].Transport.Ufrag)
	assert.Len(t, wire.Contents[0].Transport.Candidates, 1)

	require.NotNil(t, wire.Contents[0].Description)
	var owners []string
	for _, src := range wire.Contents[0].Description.Sources {
		owners = append(owners, src.Owner)
	}
	assert.Equal(t, []string{"alice", "jvb"}, owners)

	require.NotNil(t, wire.Contents[1].Description)
	assert.Len(t, wire.Contents[1].Description.Sources, 2)
	require.Len(t, wire.Contents[1].Description.Groups, 1)
	assert.Equal(t, "FID", wire.Contents[1].Description.Groups[0].Semantics)

	// The data content carries no description and no second transport.
	assert.Nil(t, wire.Contents[2].Description)
	assert.Nil(t, wire.Contents[2].Transport)

	require.NotNil(t, wire.Params)
	assert.Equal(t, 10, wire.Params.StartAudioMutedAfter)

	_, err = xml.Marshal(wire)
	require.NoError(t, err)
}

func TestDecodeSessionAccept(t *testing.T) {
	raw := `<jingle xmlns="urn:xmpp:jingle:1" action="session-accept" sid="sid-7">
		<content name="audio">
			<description media="audio">
				<source ssrc="2001" name="bob-a0"/>
			</description>
			<transport ufrag="client-uf" pwd="client-pw"/>
		</content>
		<content name="video">
			<description media="video">
				<source ssrc="2002" name="bob-v0"/>
			</description>
		</content>
	</jingle>`

	var wire wireJingle
	require.NoError(t, xml.Unmarshal([]byte(raw), &wire))

	content, err := decodeJingle(&wire)
	require.NoError(t, err)
	accept, ok := content.(conference.SessionAccept)
	require.True(t, ok)

	assert.Equal(t, "sid-7", accept.SID)
	require.NotNil(t, accept.Transport)
	assert.Equal(t, "client-uf", accept.Transport.Ufrag)

	audio, ok := accept.Sources.Get(2001)
	require.True(t, ok)
	assert.Equal(t, source.MediaAudio, audio.MediaType)
	video, ok := accept.Sources.Get(2002)
	require.True(t, ok)
	assert.Equal(t, source.MediaVideo, video.MediaType)
}

func TestDecodeTerminateWithRestart(t *testing.T) {
	raw := `<jingle xmlns="urn:xmpp:jingle:1" action="session-terminate" sid="sid-3">
		<reason condition="connectivity-error"/>
		<bridge-session xmlns="urn:millrace:focus" id="bs-1" restart="true"/>
	</jingle>`

	var wire wireJingle
	require.NoError(t, xml.Unmarshal([]byte(raw), &wire))

	content, err := decodeJingle(&wire)
	require.NoError(t, err)
	terminate, ok := content.(conference.SessionTerminate)
	require.True(t, ok)

	assert.Equal(t, "bs-1", terminate.BridgeSessionID)
	assert.True(t, terminate.Restart)
	assert.Equal(t, jingle.ReasonConnectivityError, terminate.Reason)
}

func TestDecodeJSONSources(t *testing.T) {
	raw := `<jingle xmlns="urn:xmpp:jingle:1" action="source-add" sid="sid-9">
		<json-sources xmlns="urn:millrace:focus">{"carol":{"sources":[{"ssrc":3001,"mediaType":"audio"}]}}</json-sources>
	</jingle>`

	var wire wireJingle
	require.NoError(t, xml.Unmarshal([]byte(raw), &wire))

	content, err := decodeJingle(&wire)
	require.NoError(t, err)
	add, ok := content.(conference.SourceAdd)
	require.True(t, ok)
	assert.True(t, add.Sources.Has(3001))
}

func TestDecodeUnknownActionFails(t *testing.T) {
	wire := wireJingle{Action: "content-modify", SID: "sid-1"}
	_, err := decodeJingle(&wire)
	assert.Error(t, err)
}
