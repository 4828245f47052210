package source

import (
	"fmt"

	"github.com/millrace/focus/pkg/xmuc"
)

// ValidationLimits bounds what one endpoint may advertise.
type ValidationLimits struct {
	// Maximum number of sources per endpoint, 0 means unlimited.
	MaxSsrcsPerEndpoint int
}

// ValidationError describes why an advertised source set was rejected. It is
// deterministic (same inputs, same verdict) and never the bridge's fault.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func rejected(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks a source set advertised by `owner` against the current
// conference state. On success it returns the set to be admitted.
//
// The checks, in order: non-zero ssrcs, no duplicate ssrcs within the set, no
// ssrc owned by a different endpoint, groups reference only advertised ssrcs,
// at most one camera and one desktop video source, and the per-endpoint limit.
func Validate(
	owner xmuc.EndpointID,
	advertised EndpointSourceSet,
	conference ConferenceSourceMap,
	limits ValidationLimits,
) (EndpointSourceSet, *ValidationError) {
	seen := make(map[Ssrc]struct{}, len(advertised.Sources))
	for _, src := range advertised.Sources {
		if src.Ssrc == 0 {
			return EndpointSourceSet{}, rejected("illegal ssrc 0 in source %q", src.Name)
		}
		if _, dup := seen[src.Ssrc]; dup {
			return EndpointSourceSet{}, rejected("duplicate ssrc %d", src.Ssrc)
		}
		seen[src.Ssrc] = struct{}{}

		if existing, ok := conference.FindOwner(src.Ssrc); ok && existing != owner {
			return EndpointSourceSet{}, rejected("ssrc %d is already used by %s", src.Ssrc, existing)
		}
	}

	// Group members must be advertised either in this set or previously by
	// the same owner.
	owned := conference[owner]
	for _, g := range advertised.Groups {
		if len(g.Ssrcs) == 0 {
			return EndpointSourceSet{}, rejected("empty ssrc group %s", g.Semantics)
		}
		for _, ssrc := range g.Ssrcs {
			if _, ok := seen[ssrc]; ok {
				continue
			}
			if owned.Has(ssrc) {
				continue
			}
			return EndpointSourceSet{}, rejected("group %s references unknown ssrc %d", g, ssrc)
		}
	}

	merged := owned.Union(advertised)
	if err := checkVideoTypeLimits(merged); err != nil {
		return EndpointSourceSet{}, err
	}

	if limits.MaxSsrcsPerEndpoint > 0 && len(merged.Sources) > limits.MaxSsrcsPerEndpoint {
		return EndpointSourceSet{}, rejected(
			"too many sources: %d, at most %d allowed", len(merged.Sources), limits.MaxSsrcsPerEndpoint)
	}

	return advertised.Copy(), nil
}

// An endpoint gets one camera and one desktop video source. Simulcast layers
// don't count (only the primary ssrc of each SIM group is considered), and
// neither do sources without an explicit video type (retransmission pairs).
func checkVideoTypeLimits(set EndpointSourceSet) *ValidationError {
	primary := set.StripSimulcast()

	var cameras, desktops int
	for _, src := range primary.Sources {
		if src.MediaType != MediaVideo {
			continue
		}
		switch src.VideoType {
		case VideoCamera:
			cameras++
		case VideoDesktop:
			desktops++
		}
	}

	if cameras > 1 {
		return rejected("more than one camera source")
	}
	if desktops > 1 {
		return rejected("more than one desktop source")
	}
	return nil
}
