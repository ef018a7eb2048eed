// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package statemachine

import (
	"sync"
	"time"
)

type queued struct {
	ev       Event
	enqueued time.Time
}

// EventQueue is a thread-safe FIFO of posted events.
type EventQueue struct {
	mu    sync.Mutex
	items []queued
}

func NewEventQueue() *EventQueue {
	return &EventQueue{}
}

// Enqueue appends all events as one unit.
func (q *EventQueue) Enqueue(evs ...Event) {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, ev := range evs {
		q.items = append(q.items, queued{ev: ev, enqueued: now})
	}
}

// Dequeue pops the oldest event.
func (q *EventQueue) Dequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Event{}, false
	}

	head := q.items[0]
	q.items[0] = queued{}
	q.items = q.items[1:]

	if len(q.items) == 0 {
		// drop the backing array once drained, it only grows otherwise
		q.items = nil
	}

	return head.ev, true
}

// Clear discards everything queued and returns how many events were dropped.
func (q *EventQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = nil

	return n
}

// ClearWhere discards the events drop matches, keeping the rest in order,
// and returns how many were dropped.
func (q *EventQueue) ClearWhere(drop func(Event) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]

	for _, it := range q.items {
		if !drop(it.ev) {
			kept = append(kept, it)
		}
	}

	n := len(q.items) - len(kept)

	clear(q.items[len(kept):])

	if len(kept) == 0 {
		kept = nil
	}

	q.items = kept

	return n
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// OldestAge is how long the head event has been waiting, zero when empty.
func (q *EventQueue) OldestAge() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return 0
	}

	return time.Since(q.items[0].enqueued)
}
