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
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/multierr"
)

// ErrInvalidDefinition wraps every validation failure.
var ErrInvalidDefinition = errors.New("invalid state machine definition")

// Definition is a transition table plus the state and event space it is
// written against. Definitions are data; build them once and share them
// between machines.
type Definition struct {
	// Name labels logs, metrics and defect reports, e.g. "imap".
	Name string
	// States and Events declare the protocol specific codes. The reserved
	// Start/Stop states and Launch/Success/HardFail/TempFail events are
	// always part of the space and must not be redeclared under another
	// name.
	States map[State]string
	Events map[EventType]string
	Nodes  []Node
	// Total requires every node to classify every declared event.
	Total bool
}

// Names returns the name maps including the reserved codes.
func (d *Definition) Names() Names {
	names := Names{
		States: make(map[State]string, len(d.States)+len(reservedStates)),
		Events: make(map[EventType]string, len(d.Events)+len(reservedEvents)),
	}

	for s, n := range reservedStates {
		names.States[s] = n
	}

	for s, n := range d.States {
		names.States[s] = n
	}

	for e, n := range reservedEvents {
		names.Events[e] = n
	}

	for e, n := range d.Events {
		names.Events[e] = n
	}

	return names
}

var validated sync.Map // fingerprint -> error (nil stored as errNil)

var errNil = errors.New("")

// Validate checks the table once per distinct structure; later calls with
// an identical table return the cached result.
func (d *Definition) Validate() error {
	key := d.fingerprint()
	if cached, ok := validated.Load(key); ok {
		if err := cached.(error); err != errNil { //nolint:errorlint // sentinel identity
			return err
		}

		return nil
	}

	err := d.validate()
	if err == nil {
		validated.Store(key, errNil)
	} else {
		validated.Store(key, err)
	}

	return err
}

func (d *Definition) validate() error {
	var errs error

	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	names := d.Names()

	if d.Name == "" {
		fail("definition has no name")
	}

	for s, n := range d.States {
		if r, ok := reservedStates[s]; ok && r != n {
			fail("state %d declared as %q collides with reserved state %s", s, n, r)
		}
	}

	for e, n := range d.Events {
		if r, ok := reservedEvents[e]; ok && r != n {
			fail("event %d declared as %q collides with reserved event %s", e, n, r)
		}
	}

	checkUniqueNames(names, fail)

	nodes := make(map[State]*Node, len(d.Nodes))

	for i := range d.Nodes {
		node := &d.Nodes[i]
		sn := names.StateName(node.State)

		if _, ok := names.States[node.State]; !ok {
			fail("node for undeclared state %d", node.State)

			continue
		}

		if node.State == StateStop {
			fail("node for terminal state Stop")

			continue
		}

		if _, dup := nodes[node.State]; dup {
			fail("duplicate node for state %s", sn)

			continue
		}

		nodes[node.State] = node

		d.validateNode(node, names, fail)
	}

	for s := range names.States {
		if s == StateStop {
			continue
		}

		if _, ok := nodes[s]; !ok {
			fail("state %s has no node", names.StateName(s))
		}
	}

	for _, s := range d.unreachable(nodes, names) {
		fail("state %s is unreachable from Start", names.StateName(s))
	}

	if errs != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidDefinition, d.Name, errs)
	}

	return nil
}

func checkUniqueNames(names Names, fail func(string, ...any)) {
	seenStates := make(map[string]State, len(names.States))
	for s, n := range names.States {
		if other, ok := seenStates[n]; ok && other != s {
			fail("state name %q used by %d and %d", n, other, s)
		}

		seenStates[n] = s
	}

	seenEvents := make(map[string]EventType, len(names.Events))
	for e, n := range names.Events {
		if other, ok := seenEvents[n]; ok && other != e {
			fail("event name %q used by %d and %d", n, other, e)
		}

		seenEvents[n] = e
	}
}

func (d *Definition) validateNode(node *Node, names Names, fail func(string, ...any)) {
	sn := names.StateName(node.State)
	classified := make(map[EventType]string, len(names.Events))

	classify := func(e EventType, set string) {
		if _, ok := names.Events[e]; !ok {
			fail("%s: %s entry for undeclared event %d", sn, set, e)

			return
		}

		if prev, ok := classified[e]; ok {
			fail("%s: event %s appears in %s and %s", sn, names.EventName(e), prev, set)

			return
		}

		classified[e] = set
	}

	for _, tr := range node.On {
		classify(tr.Event, "On")

		if tr.Dynamic {
			for _, r := range tr.Reach {
				if _, ok := names.States[r]; !ok {
					fail("%s: %s may reach undeclared state %d", sn, names.EventName(tr.Event), r)
				}
			}

			continue
		}

		if _, ok := names.States[tr.Next]; !ok {
			fail("%s: %s targets undeclared state %d", sn, names.EventName(tr.Event), tr.Next)
		}
	}

	for _, e := range node.Drop {
		classify(e, "Drop")
	}

	for _, e := range node.Invalid {
		classify(e, "Invalid")
	}

	if !d.Total {
		return
	}

	for e := range names.Events {
		if _, ok := classified[e]; !ok {
			fail("%s: event %s is not classified", sn, names.EventName(e))
		}
	}
}

// unreachable walks fixed targets and the Reach hints of dynamic
// transitions from Start.
func (d *Definition) unreachable(nodes map[State]*Node, names Names) []State {
	seen := map[State]bool{StateStart: true}
	queue := []State{StateStart}

	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]

		node, ok := nodes[s]
		if !ok {
			continue
		}

		for _, tr := range node.On {
			targets := tr.Reach
			if !tr.Dynamic {
				targets = []State{tr.Next}
			}

			for _, t := range targets {
				if !seen[t] {
					seen[t] = true
					queue = append(queue, t)
				}
			}
		}
	}

	var missing []State

	for s := range names.States {
		if s == StateStop || seen[s] {
			continue
		}

		missing = append(missing, s)
	}

	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })

	return missing
}

// fingerprint hashes the structure of the table. Actions are not part of
// it, they cannot make a table invalid.
func (d *Definition) fingerprint() uint64 {
	var b strings.Builder

	b.WriteString(d.Name)
	b.WriteString(strconv.FormatBool(d.Total))

	writeStates := func(m map[State]string) {
		keys := make([]int, 0, len(m))
		for s := range m {
			keys = append(keys, int(s))
		}

		sort.Ints(keys)

		for _, k := range keys {
			fmt.Fprintf(&b, "|s%d=%s", k, m[State(k)])
		}
	}

	writeEvents := func(m map[EventType]string) {
		keys := make([]int, 0, len(m))
		for e := range m {
			keys = append(keys, int(e))
		}

		sort.Ints(keys)

		for _, k := range keys {
			fmt.Fprintf(&b, "|e%d=%s", k, m[EventType(k)])
		}
	}

	writeStates(d.States)
	writeEvents(d.Events)

	for _, n := range d.Nodes {
		fmt.Fprintf(&b, "|n%d:", n.State)

		for _, tr := range n.On {
			fmt.Fprintf(&b, "on%d>%d/%t%v,", tr.Event, tr.Next, tr.Dynamic, tr.Reach)
		}

		fmt.Fprintf(&b, "drop%v,inv%v", n.Drop, n.Invalid)
	}

	return xxhash.Sum64String(b.String())
}
