package source

import "github.com/millrace/focus/pkg/xmuc"

// Filter is the per-endpoint projection applied to source maps before they
// are signaled: media types the endpoint can receive and whether simulcast
// layers are stripped. Both projections are monotone, which the delta logic
// in Signaling relies on.
//
// This is also the extension point for receiver-compat variants (e.g. the
// legacy single-stream clients that needed desktop sources to suppress the
// camera): such a policy would slot in as another projection here.
type Filter struct {
	receiveAudio   bool
	receiveVideo   bool
	stripSimulcast bool
}

// FilterFor derives the filter from an endpoint's capabilities. An endpoint
// that advertises no media capabilities at all is assumed to take everything
// (old clients that predate capability advertisement).
func FilterFor(caps xmuc.CapabilitySet, stripSimulcast bool) Filter {
	audio := caps.Has(xmuc.CapAudio)
	video := caps.Has(xmuc.CapVideo)
	if !audio && !video {
		audio, video = true, true
	}
	return Filter{receiveAudio: audio, receiveVideo: video, stripSimulcast: stripSimulcast}
}

// PassEverything is the identity filter.
func PassEverything() Filter {
	return Filter{receiveAudio: true, receiveVideo: true}
}

func (f Filter) Apply(m ConferenceSourceMap) ConferenceSourceMap {
	var mediaTypes []MediaType
	if f.receiveAudio {
		mediaTypes = append(mediaTypes, MediaAudio)
	}
	if f.receiveVideo {
		mediaTypes = append(mediaTypes, MediaVideo)
	}

	result := m.FilterMediaTypes(mediaTypes...)
	if f.stripSimulcast {
		result = result.StripSimulcast()
	}
	return result
}
