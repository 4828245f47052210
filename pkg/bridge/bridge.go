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

// Package bridge tracks the fleet of media bridges known to the focus and
// picks the best one for each new participant.
package bridge

import (
	"strings"
	"sync"
	"time"
)

// LoadReport is the health/load signal a bridge publishes about itself.
type LoadReport struct {
	Version          string
	Region           string
	RelayID          string
	Stress           float64
	Draining         bool
	GracefulShutdown bool
	Healthy          bool
}

// Bridge is one known media bridge. Created on first discovery and never
// deleted: when a bridge goes away or fails, health transitions take it out
// of selection and bring it back later. Safe for concurrent use.
type Bridge struct {
	// Opaque address of the bridge on the bridge service (e.g. its JID).
	// Immutable.
	address string

	mu               sync.Mutex
	version          string
	region           string
	relayID          string
	stress           float64
	draining         bool
	gracefulShutdown bool
	healthy          bool
	// Zero when the bridge never failed; otherwise the instant of the last
	// failure, used for the quarantine window.
	lastFailure time.Time
	lastSeen    time.Time
}

func New(address string) *Bridge {
	return &Bridge{address: address, healthy: true}
}

func (b *Bridge) Address() string { return b.address }

// Update ingests a load report from the bridge. A healthy report also clears
// a previous failure, ending the quarantine early.
func (b *Bridge) Update(report LoadReport) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.version = report.Version
	b.region = report.Region
	b.relayID = report.RelayID
	b.stress = report.Stress
	b.draining = report.Draining
	b.gracefulShutdown = report.GracefulShutdown
	b.healthy = report.Healthy
	b.lastSeen = time.Now()
	if report.Healthy {
		b.lastFailure = time.Time{}
	}
}

// MarkNonOperational records a failure (allocation timeout, transport error).
// The bridge is excluded from selection until the quarantine window passes.
func (b *Bridge) MarkNonOperational() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = time.Now()
}

// IsOperational reports whether the bridge may currently be selected: it is
// healthy and any past failure is older than the quarantine window.
func (b *Bridge) IsOperational(quarantine time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.healthy {
		return false
	}
	if b.lastFailure.IsZero() {
		return true
	}
	return time.Since(b.lastFailure) > quarantine
}

func (b *Bridge) Region() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.region
}

func (b *Bridge) RelayID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.relayID
}

func (b *Bridge) Version() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

func (b *Bridge) Stress() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stress
}

func (b *Bridge) IsDraining() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.draining || b.gracefulShutdown
}

// snapshot is an immutable view used by the (pure) selection logic.
type snapshot struct {
	bridge      *Bridge
	region      string
	version     string
	stress      float64
	draining    bool
	operational bool
}

func (b *Bridge) snapshot(quarantine time.Duration) snapshot {
	operational := b.IsOperational(quarantine)

	b.mu.Lock()
	defer b.mu.Unlock()
	return snapshot{
		bridge:      b,
		region:      b.region,
		version:     b.version,
		stress:      b.stress,
		draining:    b.draining || b.gracefulShutdown,
		operational: operational,
	}
}

// DebugState is the JSON-friendly projection used by the debug endpoint.
func (b *Bridge) DebugState() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"address":   b.address,
		"version":   b.version,
		"region":    b.region,
		"relay_id":  b.relayID,
		"stress":    b.stress,
		"draining":  b.draining || b.gracefulShutdown,
		"healthy":   b.healthy,
		"last_seen": b.lastSeen,
	}
}

// majorVersion extracts the part of a bridge version that must match for two
// bridges to interoperate in one conference ("2.1-123-gabc" -> "2").
func majorVersion(version string) string {
	if i := strings.IndexAny(version, ".-"); i >= 0 {
		return version[:i]
	}
	return version
}
