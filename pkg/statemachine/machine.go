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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/syncengine/pkg/logger"
	"github.com/united-manufacturing-hub/syncengine/pkg/metrics"
	"github.com/united-manufacturing-hub/syncengine/pkg/sentry"
)

var (
	ErrNilDefinition   = errors.New("state machine definition is nil")
	ErrUndeclaredState = errors.New("state is not declared")
	ErrAlreadyStarted  = errors.New("state machine already dispatched events")
)

// TransitionFunc runs after every committed transition, including
// self-transitions.
type TransitionFunc func(m *Machine, from, to State, ev Event)

// StateChangeFunc runs after a transition that changed the state.
type StateChangeFunc func(m *Machine, from, to State)

// Config configures a Machine.
type Config struct {
	Definition *Definition
	// ID identifies the instance in logs, usually the account id.
	ID     string
	Logger *zap.SugaredLogger

	OnTransition  TransitionFunc
	OnStateChange StateChangeFunc

	// StrictInvalid panics on Invalid and unhandled events instead of
	// reporting them. Meant for tests and debug builds.
	StrictInvalid bool
}

// Machine is one running instance of a Definition.
//
// Posting never blocks on dispatch: the first poster that finds the
// machine idle becomes the pump and drains the queue; everyone else only
// enqueues. Exactly one event is dispatched at a time.
type Machine struct {
	def    *Definition
	names  Names
	nodes  map[State]*Node
	id     string
	logger *zap.SugaredLogger

	onTransition  TransitionFunc
	onStateChange StateChangeFunc
	strict        bool

	state atomic.Uint32
	epoch atomic.Uint64

	// mu guards pumping, stopRequested and the pop side of the queue, so
	// a check-and-enqueue or a clear is atomic with respect to dispatch.
	mu            sync.Mutex
	queue         *EventQueue
	pumping       bool
	stopRequested bool
	started       bool

	dispatched atomic.Uint64
	lastActive atomic.Int64
}

// New validates the definition and creates a machine in state Start.
func New(cfg Config) (*Machine, error) {
	if cfg.Definition == nil {
		return nil, ErrNilDefinition
	}

	if err := cfg.Definition.Validate(); err != nil {
		return nil, err
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.For(logger.ComponentStateMachine)
	}

	m := &Machine{
		def:           cfg.Definition,
		names:         cfg.Definition.Names(),
		nodes:         make(map[State]*Node, len(cfg.Definition.Nodes)),
		id:            cfg.ID,
		logger:        cfg.Logger,
		onTransition:  cfg.OnTransition,
		onStateChange: cfg.OnStateChange,
		strict:        cfg.StrictInvalid,
		queue:         NewEventQueue(),
	}

	for i := range cfg.Definition.Nodes {
		node := &cfg.Definition.Nodes[i]
		m.nodes[node.State] = node
	}

	m.lastActive.Store(time.Now().UnixNano())

	return m, nil
}

// MustNew panics on an invalid definition. Tables are static, so this is
// meant for package level construction in tests and tools.
func MustNew(cfg Config) *Machine {
	m, err := New(cfg)
	if err != nil {
		panic(err)
	}

	return m
}

func (m *Machine) ID() string { return m.id }

func (m *Machine) Name() string { return m.def.Name }

func (m *Machine) Definition() *Definition { return m.def }

func (m *Machine) State() State { return State(m.state.Load()) }

func (m *Machine) StateName(s State) string { return m.names.StateName(s) }

func (m *Machine) EventName(t EventType) string { return m.names.EventName(t) }

// SetState applies a state directly. Dynamic actions use it when they
// decide the destination themselves.
func (m *Machine) SetState(s State) {
	m.state.Store(uint32(s))
}

// Restore seeds the state before the first event, used to resume from a
// persisted state.
func (m *Machine) Restore(s State) error {
	if _, ok := m.names.States[s]; !ok || s == StateStop {
		return fmt.Errorf("%w: %d", ErrUndeclaredState, s)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}

	m.state.Store(uint32(s))

	return nil
}

// Start posts Launch.
func (m *Machine) Start() {
	m.PostEvent(NewEvent(EventLaunch, "start"))
}

// Post posts an event without argument.
func (m *Machine) Post(t EventType, message string) {
	m.PostEvent(Event{Type: t, Message: message})
}

// PostWithArg posts an event carrying arg to the action.
func (m *Machine) PostWithArg(t EventType, arg any, message string) {
	m.PostEvent(Event{Type: t, Arg: arg, Message: message})
}

// PostEvent enqueues ev and dispatches unless another goroutine is already
// dispatching for this machine.
func (m *Machine) PostEvent(ev Event) {
	m.PostSequence(ev)
}

// PostSequence enqueues several events back to back; no other poster can
// interleave between them.
func (m *Machine) PostSequence(evs ...Event) {
	if len(evs) == 0 {
		return
	}

	m.mu.Lock()
	m.started = true
	m.queue.Enqueue(evs...)

	if m.pumping {
		m.mu.Unlock()

		return
	}

	m.pumping = true
	m.mu.Unlock()

	m.pump()
}

// Epoch identifies the current generation of asynchronous work. It moves
// on every ClearEventQueue and on Stop.
func (m *Machine) Epoch() uint64 {
	return m.epoch.Load()
}

// PostIfEpoch posts ev only if no ClearEventQueue or Stop happened since
// epoch was read. Commands use it so a result that arrives after the
// controller moved on is dropped instead of dispatched.
func (m *Machine) PostIfEpoch(epoch uint64, ev Event) bool {
	accepted, drain := m.OfferIfEpoch(epoch, ev)
	if drain != nil {
		drain()
	}

	return accepted
}

// OfferIfEpoch is PostIfEpoch split in two: the event is enqueued right
// away, and when the caller became the pump it gets a drain func to run
// once it released its own locks.
func (m *Machine) OfferIfEpoch(epoch uint64, ev Event) (bool, func()) {
	m.mu.Lock()

	if m.epoch.Load() != epoch {
		m.mu.Unlock()
		m.logger.Debugf("SM(%s:%s): dropping stale %s/%s from epoch %d", m.def.Name, m.id, m.EventName(ev.Type), ev.Message, epoch)

		return false, nil
	}

	m.started = true
	m.queue.Enqueue(ev)

	if m.pumping {
		m.mu.Unlock()

		return true, nil
	}

	m.pumping = true
	m.mu.Unlock()

	return true, m.pump
}

// ClearEventQueue discards queued events and invalidates the current epoch.
func (m *Machine) ClearEventQueue() {
	m.mu.Lock()
	n := m.queue.Clear()
	m.epoch.Add(1)
	m.mu.Unlock()

	if n > 0 {
		m.logger.Debugf("SM(%s:%s): cleared %d queued events", m.def.Name, m.id, n)
	}
}

// ClearEventQueueWhere discards only the queued events drop matches and
// invalidates the current epoch. Everything else stays queued in order.
func (m *Machine) ClearEventQueueWhere(drop func(Event) bool) {
	m.mu.Lock()
	n := m.queue.ClearWhere(drop)
	m.epoch.Add(1)
	m.mu.Unlock()

	if n > 0 {
		m.logger.Debugf("SM(%s:%s): cleared %d queued events", m.def.Name, m.id, n)
	}
}

// Stop moves the machine to Stop. Queued events are discarded and later
// ones are dropped. When called during dispatch the state is applied
// after the running action.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue.Clear()
	m.epoch.Add(1)

	if m.pumping {
		m.stopRequested = true

		return
	}

	m.state.Store(uint32(StateStop))
}

func (m *Machine) IsStopped() bool { return m.State() == StateStop }

// QueueLen is the number of events waiting for dispatch.
func (m *Machine) QueueLen() int { return m.queue.Len() }

// QueueAge is how long the oldest queued event has been waiting.
func (m *Machine) QueueAge() time.Duration { return m.queue.OldestAge() }

// Dispatched counts events taken off the queue.
func (m *Machine) Dispatched() uint64 { return m.dispatched.Load() }

// LastActive is the time of the last dispatch.
func (m *Machine) LastActive() time.Time { return time.Unix(0, m.lastActive.Load()) }

// pump drains the queue. A panic escaping dispatch, such as a strict mode
// defect, hands the pump role back so the next Post dispatches again.
func (m *Machine) pump() {
	drained := false

	defer func() {
		if !drained {
			m.mu.Lock()
			m.pumping = false
			m.mu.Unlock()
		}
	}()

	for {
		m.mu.Lock()

		if m.stopRequested {
			m.stopRequested = false
			m.state.Store(uint32(StateStop))
		}

		ev, ok := m.queue.Dequeue()
		if !ok {
			m.pumping = false
			drained = true
			m.mu.Unlock()

			return
		}

		m.mu.Unlock()

		m.dispatch(ev)
	}
}

func (m *Machine) dispatch(ev Event) {
	m.dispatched.Add(1)
	m.lastActive.Store(time.Now().UnixNano())

	from := m.State()
	sn, en := m.StateName(from), m.EventName(ev.Type)

	if from == StateStop {
		m.logger.Infof("SM(%s:%s): S=%s & E=%s/%s => dropped, machine stopped", m.def.Name, m.id, sn, en, ev.Message)
		metrics.IncEventDispatched(m.def.Name, "stop")

		return
	}

	node, ok := m.nodes[from]
	if !ok {
		m.defect(metrics.DefectNoNode, from, ev, "no node for state")

		return
	}

	if node.drops(ev.Type) {
		m.logger.Infof("SM(%s:%s): S=%s & E=%s/%s => dropped", m.def.Name, m.id, sn, en, ev.Message)
		metrics.IncEventDispatched(m.def.Name, "drop")

		return
	}

	if node.rejects(ev.Type) {
		m.defect(metrics.DefectInvalid, from, ev, "invalid event")

		return
	}

	tr, ok := node.lookup(ev.Type)
	if !ok {
		m.defect(metrics.DefectUnhandled, from, ev, "unhandled event")

		return
	}

	started := time.Now()

	next, committed := m.run(tr, from, ev)
	if !committed {
		return
	}

	metrics.ObserveDispatchDuration(m.def.Name, time.Since(started))
	metrics.IncEventDispatched(m.def.Name, "on")

	m.logger.Debugf("SM(%s:%s): S=%s & E=%s/%s => S=%s", m.def.Name, m.id, sn, en, ev.Message, m.StateName(next))

	m.notify(from, next, ev)
}

// notify runs the transition callbacks. A panicking callback is reported
// like a panicking action; the transition itself stays committed.
func (m *Machine) notify(from, next State, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.defect(metrics.DefectPanic, next, ev, fmt.Sprintf("transition callback panicked: %v", r))
		}
	}()

	if m.onTransition != nil {
		m.onTransition(m, from, next, ev)
	}

	if next != from && m.onStateChange != nil {
		m.onStateChange(m, from, next)
	}
}

// run executes the action and applies the resulting state. A panicking
// action is reported and leaves the state untouched.
func (m *Machine) run(tr Trans, from State, ev Event) (next State, committed bool) {
	defer func() {
		if r := recover(); r != nil {
			m.state.Store(uint32(from))
			m.defect(metrics.DefectPanic, from, ev, fmt.Sprintf("action panicked: %v", r))

			committed = false
		}
	}()

	next = tr.Next

	if tr.Act != nil {
		s, ok := tr.Act(m, ev)

		switch {
		case ok:
			next = s
		case tr.Dynamic:
			next = m.State()
		}
	} else if tr.Dynamic {
		next = m.State()
	}

	m.state.Store(uint32(next))

	return next, true
}

func (m *Machine) defect(kind string, state State, ev Event, what string) {
	metrics.IncMachineDefect(m.def.Name, kind)

	msg := fmt.Sprintf("SM(%s:%s): S=%s & E=%s/%s: %s", m.def.Name, m.id, m.StateName(state), m.EventName(ev.Type), ev.Message, what)

	if m.strict && kind != metrics.DefectPanic {
		panic(msg)
	}

	sentry.ReportFSMErrorf(m.logger, m.id, m.def.Name, "dispatch", "%s", msg)
}
