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

// Package command runs the network work of a state machine off its
// dispatch goroutine and reports the outcome as exactly one event.
package command

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
	"github.com/united-manufacturing-hub/syncengine/pkg/transport"
)

var (
	// ErrNotExecutable is returned when Execute is called on a command that
	// already ran or was cancelled. Every command executes at most once.
	ErrNotExecutable = errors.New("command cannot be executed")
)

// Command is one unit of asynchronous protocol work.
type Command interface {
	ID() string
	Name() string
	// Execute starts the work and returns without waiting for it.
	Execute(ctx context.Context) error
	// Cancel stops the work. It is idempotent, safe from any goroutine, and
	// no outcome is posted after it returned.
	Cancel()
	// CancelCleanup reverts side effects of an interrupted command, such as
	// pending operations marked dispatched. Runs at most once.
	CancelCleanup()
}

// Retryable commands can produce a fresh command for the next attempt
// after a TempFail.
type Retryable interface {
	Command
	// Retry records reason and returns the next attempt, or false once the
	// retry budget is spent.
	Retry(reason error) (Command, bool)
}

// Poster is the receiving end of command outcomes, a statemachine.Machine.
type Poster interface {
	Epoch() uint64
	OfferIfEpoch(epoch uint64, ev statemachine.Event) (bool, func())
}

// Base carries identity and the retry counters shared by all commands. The
// counters are owned by the controller's dispatch and not synchronized.
type Base struct {
	id   string
	name string

	RetriesMax  int
	RetriesLeft int
}

// NewBase creates a Base with a fresh id and a full retry budget.
func NewBase(name string, retriesMax int) Base {
	return Base{
		id:          uuid.NewString(),
		name:        name,
		RetriesMax:  retriesMax,
		RetriesLeft: retriesMax,
	}
}

func (b *Base) ID() string   { return b.id }
func (b *Base) Name() string { return b.name }

// ResetRetries restores the full budget, used when a new class of request
// begins.
func (b *Base) ResetRetries() {
	b.RetriesLeft = b.RetriesMax
}

// DecRetries consumes one retry and reports whether one was available.
func (b *Base) DecRetries() bool {
	if b.RetriesLeft <= 0 {
		return false
	}

	b.RetriesLeft--

	return true
}

// Result is the Arg of every event a command posts.
type Result struct {
	Event   statemachine.EventType
	Message string

	CommandID string
	Command   string
	Response  *transport.Response
	Err       error
	// Value carries whatever the command decoded for the action.
	Value any
}

func (r *Result) event() statemachine.Event {
	return statemachine.Event{Type: r.Event, Arg: r, Message: r.Message}
}

// ResultOf extracts the command result from a posted event.
func ResultOf(ev statemachine.Event) (*Result, bool) {
	r, ok := ev.Arg.(*Result)

	return r, ok && r != nil
}
