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

// Package focus holds the process-level conference registry: the component
// that owns all live conferences, creates them on demand and routes incoming
// signaling requests to the right one.
package focus

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"

	"github.com/millrace/focus/pkg/conference"
	"github.com/millrace/focus/pkg/xmuc"
)

// Validator vets a room name before a conference is created for it. A non-nil
// error rejects the creation request.
type Validator func(roomName string) error

// Registry tracks the live conferences of this focus instance, keyed by room
// name. The mutex only covers the map itself: conference creation and request
// dispatch run outside of it, so a slow room join never blocks lookups.
type Registry struct {
	config   conference.Config
	deps     conference.Dependencies
	validate Validator
	logger   *logrus.Entry

	mu      sync.Mutex
	entries map[string]*entry
}

// entry guards one conference slot. Concurrent creators for the same room
// agree on a single entry; everyone but the winner waits on `ready`.
type entry struct {
	ready chan struct{}
	conf  *conference.Conference
	err   error
}

func NewRegistry(config conference.Config, deps conference.Dependencies, validate Validator) *Registry {
	return &Registry{
		config:   config,
		deps:     deps,
		validate: validate,
		logger:   deps.Logger.WithField("component", "registry"),
		entries:  make(map[string]*entry),
	}
}

// GetOrCreate returns the conference for the room, starting one if none is
// running. Concurrent calls for the same room share a single creation attempt.
func (r *Registry) GetOrCreate(ctx context.Context, roomName string) (*conference.Conference, error) {
	if r.validate != nil {
		if err := r.validate(roomName); err != nil {
			return nil, err
		}
	}

	for {
		e, creator := r.entryFor(roomName)
		if creator {
			return r.create(ctx, roomName, e)
		}

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}

		select {
		case <-e.conf.Done():
			// Ended while we were waiting; drop the stale entry and retry.
			r.remove(roomName, e)
		default:
			return e.conf, nil
		}
	}
}

func (r *Registry) entryFor(roomName string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[roomName]; ok {
		return e, false
	}
	e := &entry{ready: make(chan struct{})}
	r.entries[roomName] = e
	return e, true
}

func (r *Registry) create(ctx context.Context, roomName string, e *entry) (*conference.Conference, error) {
	conf, err := conference.StartConference(ctx, roomName, r.config, r.deps)
	e.conf, e.err = conf, err
	close(e.ready)

	if err != nil {
		r.remove(roomName, e)
		r.logger.WithError(err).WithField("conference", roomName).
			Error("failed to start conference")
		return nil, err
	}

	go func() {
		<-conf.Done()
		r.remove(roomName, e)
	}()
	return conf, nil
}

func (r *Registry) remove(roomName string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[roomName] == e {
		delete(r.entries, roomName)
	}
}

// Get returns the running conference for the room, nil if there is none (or
// one is still starting).
func (r *Registry) Get(roomName string) *conference.Conference {
	r.mu.Lock()
	e := r.entries[roomName]
	r.mu.Unlock()

	if e == nil {
		return nil
	}
	select {
	case <-e.ready:
	default:
		return nil
	}
	if e.err != nil {
		return nil
	}
	return e.conf
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) RoomNames() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// EnsureConference starts a conference for the room if none is running. This
// is the entry point for client-side conference requests.
func (r *Registry) EnsureConference(ctx context.Context, roomName string) error {
	_, err := r.GetOrCreate(ctx, roomName)
	return err
}

// Dispatch routes a signaling request to the conference of the sender's room
// (the bare part of the occupant JID) and waits for the reply.
func (r *Registry) Dispatch(ctx context.Context, from jid.JID, content any) conference.Response {
	roomName := from.Bare().String()
	conf := r.Get(roomName)
	if conf == nil {
		return conference.Response{Err: xmuc.ItemNotFound("no conference for " + roomName)}
	}

	response, err := conf.SubmitAndWait(ctx, conference.NewRequest(from, content))
	if err != nil {
		return conference.Response{Err: xmuc.InternalServerError(err.Error())}
	}
	return response
}

// DebugState collects the state snapshots of all live conferences.
func (r *Registry) DebugState(ctx context.Context) map[string]any {
	state := make(map[string]any)
	for _, name := range r.RoomNames() {
		conf := r.Get(name)
		if conf == nil {
			continue
		}
		debug, err := conf.DebugState(ctx)
		if err != nil {
			state[name] = map[string]any{"error": err.Error()}
			continue
		}
		state[name] = debug
	}
	return state
}
