package source_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millrace/focus/pkg/conference/source"
	"github.com/millrace/focus/pkg/xmuc"
)

func audioSource(ssrc source.Ssrc, name string) source.Source {
	return source.Source{Ssrc: ssrc, MediaType: source.MediaAudio, Name: name}
}

func videoSource(ssrc source.Ssrc, name string, videoType source.VideoType) source.Source {
	return source.Source{Ssrc: ssrc, MediaType: source.MediaVideo, Name: name, VideoType: videoType}
}

// A typical endpoint: one audio source, three simulcast layers with RTX pairs.
func simulcastSet() source.EndpointSourceSet {
	return source.NewEndpointSourceSet(
		[]source.Source{
			audioSource(1001, "ep-a0"),
			videoSource(1002, "ep-v0", source.VideoCamera),
			videoSource(1003, "ep-v0", ""),
			videoSource(1004, "ep-v0", ""),
			videoSource(1012, "ep-v0", ""),
			videoSource(1013, "ep-v0", ""),
			videoSource(1014, "ep-v0", ""),
		},
		[]source.SsrcGroup{
			{Semantics: source.SemanticsSim, Ssrcs: []source.Ssrc{1002, 1003, 1004}},
			{Semantics: source.SemanticsFid, Ssrcs: []source.Ssrc{1002, 1012}},
			{Semantics: source.SemanticsFid, Ssrcs: []source.Ssrc{1003, 1013}},
			{Semantics: source.SemanticsFid, Ssrcs: []source.Ssrc{1004, 1014}},
		},
	)
}

func TestNewEndpointSourceSetDeduplicates(t *testing.T) {
	set := source.NewEndpointSourceSet(
		[]source.Source{
			audioSource(1, "a"),
			{Ssrc: 1, MediaType: source.MediaAudio, Name: "a", Muted: true},
		},
		nil,
	)

	require.Len(t, set.Sources, 1)
	// Later write wins.
	assert.True(t, set.Sources[0].Muted)
}

func TestNewEndpointSourceSetDropsDanglingGroups(t *testing.T) {
	set := source.NewEndpointSourceSet(
		[]source.Source{audioSource(1, "a")},
		[]source.SsrcGroup{{Semantics: source.SemanticsFid, Ssrcs: []source.Ssrc{1, 2}}},
	)

	assert.Empty(t, set.Groups)
}

func TestUnionMinusRoundTrip(t *testing.T) {
	a := source.NewEndpointSourceSet([]source.Source{audioSource(1, "a")}, nil)
	b := source.NewEndpointSourceSet([]source.Source{audioSource(2, "b")}, nil)

	union := a.Union(b)
	require.Len(t, union.Sources, 2)

	assert.True(t, union.Minus(b).Equal(a))
	assert.True(t, union.Minus(a).Equal(b))
}

func TestMinusRemovesReferencingGroups(t *testing.T) {
	set := simulcastSet()
	removed := set.Minus(source.NewEndpointSourceSet(
		[]source.Source{videoSource(1002, "ep-v0", source.VideoCamera)}, nil))

	assert.False(t, removed.Has(1002))
	for _, g := range removed.Groups {
		assert.False(t, g.Contains(1002), "group %s still references a removed ssrc", g)
	}
}

func TestFilterMediaTypes(t *testing.T) {
	set := simulcastSet()

	audioOnly := set.FilterMediaTypes(source.MediaAudio)
	require.Len(t, audioOnly.Sources, 1)
	assert.Equal(t, source.Ssrc(1001), audioOnly.Sources[0].Ssrc)
	assert.Empty(t, audioOnly.Groups)

	everything := set.FilterMediaTypes(source.MediaAudio, source.MediaVideo)
	assert.True(t, everything.Equal(set))
}

func TestStripSimulcast(t *testing.T) {
	stripped := simulcastSet().StripSimulcast()

	// The audio source, the primary layer and its RTX pair survive.
	assert.ElementsMatch(t, []source.Ssrc{1001, 1002, 1012}, stripped.Ssrcs())

	require.Len(t, stripped.Groups, 1)
	assert.Equal(t, source.SemanticsFid, stripped.Groups[0].Semantics)
	assert.Equal(t, []source.Ssrc{1002, 1012}, stripped.Groups[0].Ssrcs)
}

func TestStripSimulcastNoSimIsIdentity(t *testing.T) {
	set := source.NewEndpointSourceSet(
		[]source.Source{audioSource(1, "a"), videoSource(2, "v", source.VideoCamera)},
		[]source.SsrcGroup{{Semantics: source.SemanticsFid, Ssrcs: []source.Ssrc{2, 2}}},
	)

	assert.True(t, set.StripSimulcast().Equal(set))
}

const owner = xmuc.EndpointID("abcdef")

func TestMapAddRemoveIdempotence(t *testing.T) {
	set := simulcastSet()

	m := source.NewConferenceSourceMap()
	m.Add(owner, set)

	added := m.Copy()
	m.Add(owner, set)
	assert.True(t, m.Equal(added), "add is idempotent")

	m.Remove(owner, set)
	assert.True(t, m.IsEmpty(), "add then remove is the identity")
	assert.NotContains(t, m, owner)
}

func TestMapFindOwner(t *testing.T) {
	m := source.NewConferenceSourceMap()
	m.Add(owner, simulcastSet())

	found, ok := m.FindOwner(1002)
	require.True(t, ok)
	assert.Equal(t, owner, found)

	_, ok = m.FindOwner(9999)
	assert.False(t, ok)
}

func TestMapCopyIsDeep(t *testing.T) {
	m := source.NewConferenceSourceMap()
	m.Add(owner, simulcastSet())

	copied := m.Copy()
	m.Remove(owner, simulcastSet())

	assert.True(t, m.IsEmpty())
	assert.False(t, copied.IsEmpty())
}

// filter(a) - filter(b) == filter(a - b) for monotone filters.
func TestFilterCommutesWithMinus(t *testing.T) {
	a := simulcastSet()
	b := source.NewEndpointSourceSet(
		[]source.Source{audioSource(1001, "ep-a0")}, nil)

	left := a.FilterMediaTypes(source.MediaVideo).Minus(b.FilterMediaTypes(source.MediaVideo))
	right := a.Minus(b).FilterMediaTypes(source.MediaVideo)
	assert.True(t, left.Equal(right))

	strippedLeft := a.StripSimulcast().Minus(b.StripSimulcast())
	strippedRight := a.Minus(b).StripSimulcast()
	assert.True(t, strippedLeft.Equal(strippedRight))
}

func TestMapToJSON(t *testing.T) {
	m := source.NewConferenceSourceMap()
	m.Add(owner, simulcastSet())

	encoded, err := m.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"abcdef"`)
	assert.Contains(t, string(encoded), `"ssrc":1001`)
}
