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

package participant

import "sync"

// SendQueue runs tasks one at a time, in submission order, on its own
// goroutine. Each participant owns one, so that its outgoing signals hit the
// wire in the order the conference emitted them while sends to different
// participants still run in parallel.
type SendQueue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool

	wake chan struct{}
}

func NewSendQueue() *SendQueue {
	q := &SendQueue{wake: make(chan struct{}, 1)}
	go q.run()
	return q
}

// Enqueue appends a task. Enqueue never blocks; tasks submitted after Close
// are dropped.
func (q *SendQueue) Enqueue(task func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	q.signal()
}

// Close stops the queue once the already queued tasks have run.
func (q *SendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.signal()
}

func (q *SendQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *SendQueue) run() {
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.tasks) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			task := q.tasks[0]
			q.tasks = q.tasks[1:]
			q.mu.Unlock()

			task()
		}
	}
}
