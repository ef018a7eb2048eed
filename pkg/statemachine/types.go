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

// Package statemachine is the table-driven state machine every protocol
// controller and sub-workflow is built on.
//
// A Definition lists the declared states and events and one Node per
// state. Each Node classifies events into three sets:
//
//   - On: handled, runs an Action and moves to the next state
//   - Drop: expected but uninteresting, discarded silently
//   - Invalid: must never arrive here, reported as an engine defect
//
// Anything else is unhandled and reported the same way as Invalid. Events
// are dispatched strictly one at a time in the order they were posted.
package statemachine

import "fmt"

// State is an opaque state code. Protocols declare their own states
// starting at StateLast+1.
type State uint32

const (
	StateStart State = 0
	StateStop  State = 1
	StateLast        = StateStop
)

// EventType is an opaque event code. Protocols declare their own events
// starting at EventLast+1.
type EventType uint32

const (
	EventLaunch   EventType = 0
	EventSuccess  EventType = 1
	EventHardFail EventType = 2
	EventTempFail EventType = 3
	EventLast               = EventTempFail
)

var (
	reservedStates = map[State]string{
		StateStart: "Start",
		StateStop:  "Stop",
	}
	reservedEvents = map[EventType]string{
		EventLaunch:   "Launch",
		EventSuccess:  "Success",
		EventHardFail: "HardFail",
		EventTempFail: "TempFail",
	}
)

// Event is one posted occurrence. Arg carries data from the poster to the
// action (command results, user input). Message is for logs only.
type Event struct {
	Type    EventType
	Arg     any
	Message string
}

// NewEvent builds an Event without argument.
func NewEvent(t EventType, message string) Event {
	return Event{Type: t, Message: message}
}

// Action runs for a handled event. Returning (s, true) moves the machine
// to s. Returning false keeps the fixed target of the transition, or for
// dynamic transitions means the action already applied the state itself
// through SetState.
type Action func(m *Machine, ev Event) (State, bool)

// Trans is one entry of a Node's On set.
type Trans struct {
	Event EventType
	Act   Action
	// Next is the fixed target. Ignored for dynamic transitions.
	Next State
	// Dynamic transitions let the action pick the destination.
	Dynamic bool
	// Reach lists the states a dynamic action may land in. Only used for
	// the reachability check.
	Reach []State
}

// To is a transition to a fixed state.
func To(ev EventType, act Action, next State) Trans {
	return Trans{Event: ev, Act: act, Next: next}
}

// Dyn is a transition whose action decides the destination. reach names
// every state the action can produce.
func Dyn(ev EventType, act Action, reach ...State) Trans {
	return Trans{Event: ev, Act: act, Dynamic: true, Reach: reach}
}

// Nop is an Action that does nothing.
func Nop(*Machine, Event) (State, bool) { return 0, false }

// Node is the full transition table of one state.
type Node struct {
	State   State
	On      []Trans
	Drop    []EventType
	Invalid []EventType
}

func (n *Node) lookup(t EventType) (Trans, bool) {
	for _, tr := range n.On {
		if tr.Event == t {
			return tr, true
		}
	}

	return Trans{}, false
}

func (n *Node) drops(t EventType) bool {
	return containsEvent(n.Drop, t)
}

func (n *Node) rejects(t EventType) bool {
	return containsEvent(n.Invalid, t)
}

func containsEvent(set []EventType, t EventType) bool {
	for _, e := range set {
		if e == t {
			return true
		}
	}

	return false
}

// Names resolves state and event codes for logs.
type Names struct {
	States map[State]string
	Events map[EventType]string
}

func (n Names) StateName(s State) string {
	if name, ok := n.States[s]; ok {
		return name
	}

	if name, ok := reservedStates[s]; ok {
		return name
	}

	return fmt.Sprintf("State(%d)", s)
}

func (n Names) EventName(t EventType) string {
	if name, ok := n.Events[t]; ok {
		return name
	}

	if name, ok := reservedEvents[t]; ok {
		return name
	}

	return fmt.Sprintf("Event(%d)", t)
}
