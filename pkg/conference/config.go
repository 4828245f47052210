package conference

import (
	"time"

	"github.com/millrace/focus/pkg/conference/participant"
)

// Config is the per-conference configuration, read once at startup and shared
// by all conferences of the process.
type Config struct {
	// Hold off invites until this many non-hidden members are in the room.
	MinParticipants int `yaml:"min_participants"`

	// Grant room ownership to the longest-present eligible member when no
	// moderator is left.
	EnableAutoOwner bool `yaml:"enable_auto_owner"`

	// Restart-request rate limit, per participant.
	Restart participant.RestartConfig `yaml:"restart"`

	// Batching delays for source signaling.
	Signaling SignalingConfig `yaml:"signaling"`

	// Timeout of a single bridge RPC, 0 for the colibri default.
	BridgeRequestTimeout time.Duration `yaml:"bridge_request_timeout"`

	// How long to wait before re-inviting a participant that could not get a
	// bridge (the whole fleet was overloaded or unavailable).
	InviteRetryInterval time.Duration `yaml:"invite_retry_interval"`

	// Let the bridge rewrite ssrcs for endpoints that support it; the focus
	// then skips source signaling for those endpoints.
	UseSsrcRewriting bool `yaml:"use_ssrc_rewriting"`
	// Strip simulcast layers from everything we signal.
	StripSimulcast bool `yaml:"strip_simulcast"`

	// Maximum number of sources one endpoint may advertise, 0 = unlimited.
	MaxSsrcsPerEndpoint int `yaml:"max_ssrcs_per_endpoint"`
	// Initial last-n passed to the bridge on allocation, 0 = unlimited.
	InitialLastN int `yaml:"initial_last_n"`

	// Participant counts above which new joiners start muted, 0 = disabled.
	StartAudioMutedAfter int `yaml:"start_audio_muted_after"`
	StartVideoMutedAfter int `yaml:"start_video_muted_after"`
}

func (c Config) WithDefaults() Config {
	if c.MinParticipants == 0 {
		c.MinParticipants = 2
	}
	if c.MaxSsrcsPerEndpoint == 0 {
		c.MaxSsrcsPerEndpoint = 20
	}
	if c.InviteRetryInterval == 0 {
		c.InviteRetryInterval = 15 * time.Second
	}
	c.Restart = c.Restart.WithDefaults()
	c.Signaling = c.Signaling.withDefaults()
	return c
}

// SignalingConfig maps the conference size to the delay with which source
// deltas are batched: bigger conferences prefer fewer, larger signals.
type SignalingConfig struct {
	DelayRules []DelayRule `yaml:"delay_rules"`
}

// DelayRule applies its delay to conferences with at least MinParticipants
// participants; the rule with the highest matching threshold wins.
type DelayRule struct {
	MinParticipants int           `yaml:"min_participants"`
	Delay           time.Duration `yaml:"delay"`
}

func (c SignalingConfig) withDefaults() SignalingConfig {
	if len(c.DelayRules) == 0 {
		c.DelayRules = []DelayRule{
			{MinParticipants: 0, Delay: 0},
			{MinParticipants: 20, Delay: 500 * time.Millisecond},
			{MinParticipants: 50, Delay: time.Second},
			{MinParticipants: 100, Delay: 3 * time.Second},
		}
	}
	return c
}

func (c SignalingConfig) DelayFor(participants int) time.Duration {
	var (
		best      time.Duration
		threshold = -1
	)
	for _, rule := range c.DelayRules {
		if participants >= rule.MinParticipants && rule.MinParticipants > threshold {
			best, threshold = rule.Delay, rule.MinParticipants
		}
	}
	return best
}
