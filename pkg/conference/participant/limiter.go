package participant

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RestartConfig bounds how often one participant may trigger a session
// restart (ICE failure or session-terminate with restart).
type RestartConfig struct {
	// Minimum pause between two accepted restarts.
	MinInterval time.Duration `yaml:"min_interval"`
	// At most MaxRequests accepted restarts per Window.
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

func (c RestartConfig) WithDefaults() RestartConfig {
	if c.MinInterval == 0 {
		c.MinInterval = 10 * time.Second
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 3
	}
	if c.Window == 0 {
		c.Window = time.Minute
	}
	return c
}

// RestartLimiter is the single source of truth for "should this restart
// request be honored". A token bucket (MaxRequests per Window) combined with
// a minimum spacing between accepted requests.
type RestartLimiter struct {
	mu          sync.Mutex
	bucket      *rate.Limiter
	minInterval time.Duration
	lastAccept  time.Time
}

func NewRestartLimiter(config RestartConfig) *RestartLimiter {
	if config.MaxRequests <= 0 || config.Window <= 0 {
		config = config.WithDefaults()
	}
	return &RestartLimiter{
		bucket:      rate.NewLimiter(rate.Every(config.Window/time.Duration(config.MaxRequests)), config.MaxRequests),
		minInterval: config.MinInterval,
	}
}

// Accept returns whether a restart may proceed now, consuming a token if so.
// A rejected request does not consume anything.
func (l *RestartLimiter) Accept() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if !l.lastAccept.IsZero() && now.Sub(l.lastAccept) < l.minInterval {
		return false
	}
	if !l.bucket.Allow() {
		return false
	}

	l.lastAccept = now
	return true
}
