package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Stats are the process-wide counters. One instance per process, shared by
// all conferences; counters are safe for concurrent use.
type Stats struct {
	ConferencesCreated metric.Int64Counter
	ConferencesEnded   metric.Int64Counter
	LiveConferences    metric.Int64UpDownCounter

	ParticipantsJoined metric.Int64Counter
	ParticipantsLeft   metric.Int64Counter

	// Participants currently able to send the media type: unmuted, not
	// hidden, not a visitor.
	AudioSenders metric.Int64UpDownCounter
	VideoSenders metric.Int64UpDownCounter

	// Participants re-invited onto a different bridge after a failure.
	ParticipantsMoved metric.Int64Counter
	// Restart requests received (ICE failures and terminate-with-restart),
	// counted before the rate limit is applied.
	RestartsRequested metric.Int64Counter

	SourceValidationFailures metric.Int64Counter
	BridgeFailures           metric.Int64Counter
}

// NewStats exposes the focus counters through the given Prometheus registry.
func NewStats(registry *prometheus.Registry) (*Stats, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)).Meter(Service)

	var errs []error
	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil {
			errs = append(errs, err)
		}
		return c
	}
	gauge := func(name, description string) metric.Int64UpDownCounter {
		c, err := meter.Int64UpDownCounter(name, metric.WithDescription(description))
		if err != nil {
			errs = append(errs, err)
		}
		return c
	}

	stats := &Stats{
		ConferencesCreated:       counter("focus_conferences_created", "Conferences started by this focus."),
		ConferencesEnded:         counter("focus_conferences_ended", "Conferences ended by this focus."),
		ParticipantsJoined:       counter("focus_participants_joined", "Participants that joined a conference."),
		ParticipantsLeft:         counter("focus_participants_left", "Participants that left a conference."),
		ParticipantsMoved:        counter("focus_participants_moved", "Participants moved off a failed or draining bridge."),
		RestartsRequested:        counter("focus_participants_requested_restart", "Session restart requests from participants."),
		SourceValidationFailures: counter("focus_source_validation_failures", "Rejected source advertisements."),
		BridgeFailures:           counter("focus_bridge_failures", "Bridges marked non-operational after a failed RPC."),

		LiveConferences: gauge("focus_live_conferences", "Conferences currently running."),
		AudioSenders:    gauge("focus_audio_senders", "Participants currently able to send audio."),
		VideoSenders:    gauge("focus_video_senders", "Participants currently able to send video."),
	}

	return stats, errors.Join(errs...)
}

// NopStats returns counters backed by a throwaway registry, for tests.
func NopStats() *Stats {
	stats, err := NewStats(prometheus.NewRegistry())
	if err != nil {
		panic(err)
	}
	return stats
}
