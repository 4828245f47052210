package bridge

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

var (
	// No operational, non-draining bridge exists at all.
	ErrNoBridgeAvailable = errors.New("bridge: no operational bridge available")
	// Bridges exist but all candidates are over the stress threshold; the
	// caller should reject the request with retry advice.
	ErrOverloaded = errors.New("bridge: all bridges are overloaded")
)

// SelectionConfig tunes the selector.
type SelectionConfig struct {
	// Stress level above which a bridge is considered full.
	MaxStress float64 `yaml:"max_stress"`
	// How long a failed bridge stays out of selection.
	FailureQuarantine time.Duration `yaml:"failure_quarantine"`
	// Refuse to mix bridge major versions within one conference.
	VersionPinning bool `yaml:"version_pinning"`
}

func (c SelectionConfig) withDefaults() SelectionConfig {
	if c.MaxStress == 0 {
		c.MaxStress = 0.8
	}
	if c.FailureQuarantine == 0 {
		c.FailureQuarantine = 30 * time.Second
	}
	return c
}

// SelectionParams describe one selection request.
type SelectionParams struct {
	// Bridges already used by the conference, with their participant count.
	ConferenceBridges map[*Bridge]int
	// Region of the participant a bridge is selected for, "" if unknown.
	ParticipantRegion string
	// Never pick this bridge (used when moving participants off of it).
	ExcludedBridge *Bridge
}

// Selector is the process-wide registry of known bridges. Reads (selection)
// vastly outnumber writes (fleet changes), hence the RWMutex. The selector
// never calls back into a conference.
type Selector struct {
	mu      sync.RWMutex
	bridges map[string]*Bridge

	config SelectionConfig
	logger *logrus.Entry
}

func NewSelector(config SelectionConfig, logger *logrus.Entry) *Selector {
	return &Selector{
		bridges: make(map[string]*Bridge),
		config:  config.withDefaults(),
		logger:  logger.WithField("component", "bridge_selector"),
	}
}

// AddOrUpdate ingests a load report, creating the bridge on first discovery.
func (s *Selector) AddOrUpdate(address string, report LoadReport) *Bridge {
	s.mu.Lock()
	b, ok := s.bridges[address]
	if !ok {
		b = New(address)
		s.bridges[address] = b
	}
	s.mu.Unlock()

	if !ok {
		s.logger.WithFields(logrus.Fields{
			"bridge":  address,
			"version": report.Version,
			"region":  report.Region,
		}).Info("discovered new bridge")
	}

	b.Update(report)
	return b
}

func (s *Selector) Get(address string) *Bridge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bridges[address]
}

// Lost marks a bridge that disappeared from the fleet as unhealthy. The
// bridge object stays around; a later report revives it.
func (s *Selector) Lost(address string) {
	if b := s.Get(address); b != nil {
		b.Update(LoadReport{Healthy: false})
		s.logger.WithField("bridge", address).Info("lost bridge")
	}
}

func (s *Selector) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bridges)
}

func (s *Selector) All() []*Bridge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Values(s.bridges)
}

func (s *Selector) Quarantine() time.Duration {
	return s.config.FailureQuarantine
}

// SelectFor picks the best bridge for a new participant, or ErrOverloaded /
// ErrNoBridgeAvailable.
func (s *Selector) SelectFor(params SelectionParams) (*Bridge, error) {
	candidates := s.All()

	snapshots := make([]snapshot, 0, len(candidates))
	for _, b := range candidates {
		snapshots = append(snapshots, b.snapshot(s.config.FailureQuarantine))
	}

	return selectBridge(snapshots, params, s.config)
}

// selectBridge is the deterministic ranking: pure given its inputs.
//
//  1. Only operational, non-draining bridges are candidates.
//  2. With version pinning, bridges on a different major version than the
//     conference's existing bridges are excluded.
//  3. A bridge already in the conference with capacity left wins.
//  4. Then bridges in the participant's region.
//  5. Ties break by lowest stress, then by address for determinism.
func selectBridge(candidates []snapshot, params SelectionParams, config SelectionConfig) (*Bridge, error) {
	usable := make([]snapshot, 0, len(candidates))
	for _, c := range candidates {
		if c.operational && !c.draining && c.bridge != params.ExcludedBridge {
			usable = append(usable, c)
		}
	}
	if len(usable) == 0 {
		return nil, ErrNoBridgeAvailable
	}

	if config.VersionPinning && len(params.ConferenceBridges) > 0 {
		pinned := ""
		for b := range params.ConferenceBridges {
			pinned = majorVersion(b.Version())
			break
		}

		matching := make([]snapshot, 0, len(usable))
		for _, c := range usable {
			if majorVersion(c.version) == pinned {
				matching = append(matching, c)
			}
		}
		if len(matching) == 0 {
			return nil, ErrNoBridgeAvailable
		}
		usable = matching
	}

	overloaded := true
	for _, c := range usable {
		if c.stress < config.MaxStress {
			overloaded = false
			break
		}
	}
	if overloaded {
		return nil, ErrOverloaded
	}

	inConference := func(c snapshot) bool {
		_, ok := params.ConferenceBridges[c.bridge]
		return ok && c.stress < config.MaxStress
	}
	inRegion := func(c snapshot) bool {
		return params.ParticipantRegion != "" && c.region == params.ParticipantRegion
	}

	sort.Slice(usable, func(i, j int) bool {
		a, b := usable[i], usable[j]
		if inConference(a) != inConference(b) {
			return inConference(a)
		}
		if inRegion(a) != inRegion(b) {
			return inRegion(a)
		}
		if a.stress != b.stress {
			return a.stress < b.stress
		}
		return a.bridge.Address() < b.bridge.Address()
	})

	return usable[0].bridge, nil
}
