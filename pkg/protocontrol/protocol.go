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

package protocontrol

import (
	"sort"

	"github.com/united-manufacturing-hub/syncengine/pkg/pending"
	"github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
)

// ParkedName is the name every protocol gives its parked state. The
// protocol state store refuses to persist it.
const ParkedName = "Parked"

// protocol is what differs between controllers: the state space, the
// states the shared actions land in, and the table itself.
type protocol struct {
	name      string
	component string
	caps      []pending.Capability

	states map[statemachine.State]string
	events map[statemachine.EventType]string
	// status maps a server reply status to an event on top of the common ones.
	status map[string]statemachine.EventType

	authFail    statemachine.EventType
	getServConf statemachine.EventType

	parked, idle, qop, hotQop statemachine.State
	// Zero when the protocol has no such state.
	fetch, fsync, sync, ping statemachine.State

	classes map[statemachine.State]stateClass
	// resume maps a persisted state to the state to drive from, user waits
	// are not resumed since the question is gone with the process.
	resume map[statemachine.State]statemachine.State

	nodes func(c *Control) []statemachine.Node
}

// event looks a protocol event up by name.
func (p *protocol) event(name string) (statemachine.EventType, bool) {
	for e, n := range p.events {
		if n == name {
			return e, true
		}
	}

	return 0, false
}

func (p *protocol) syncs() bool { return p.sync != 0 }

func (p *protocol) allEvents() map[statemachine.EventType]string {
	all := make(map[statemachine.EventType]string, len(baseEvents)+len(p.events))
	for e, n := range baseEvents {
		all[e] = n
	}

	for e, n := range p.events {
		all[e] = n
	}

	return all
}

func (p *protocol) classOf(s statemachine.State) stateClass {
	if s == statemachine.StateStart || s == statemachine.StateStop {
		return classStart
	}

	if c, ok := p.classes[s]; ok {
		return c
	}

	return classRunning
}

func (p *protocol) resumeFrom(saved statemachine.State) statemachine.State {
	if r, ok := p.resume[saved]; ok {
		return r
	}

	return saved
}

// pickReach lists every state DoPick can land in.
func (p *protocol) pickReach() []statemachine.State {
	reach := []statemachine.State{p.idle, p.qop, p.hotQop}

	for _, s := range []statemachine.State{p.fetch, p.fsync, p.sync, p.ping} {
		if s != 0 {
			reach = append(reach, s)
		}
	}

	return reach
}

// driveReach lists every state DoDrive can land in.
func (p *protocol) driveReach() []statemachine.State {
	reach := []statemachine.State{statemachine.StateStart}

	for s := range p.states {
		if s == p.parked {
			continue
		}

		if r, ok := p.resume[s]; ok && r != s {
			continue
		}

		reach = append(reach, s)
	}

	sort.Slice(reach, func(i, j int) bool { return reach[i] < reach[j] })

	return reach
}

// seal classifies every event a node neither handles nor drops as
// Invalid, which makes the table total.
func seal(declared map[statemachine.EventType]string, nodes ...statemachine.Node) []statemachine.Node {
	all := []statemachine.EventType{
		statemachine.EventLaunch,
		statemachine.EventSuccess,
		statemachine.EventHardFail,
		statemachine.EventTempFail,
	}

	for e := range declared {
		all = append(all, e)
	}

	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	for i := range nodes {
		node := &nodes[i]
		seen := make(map[statemachine.EventType]bool, len(node.On)+len(node.Drop)+len(node.Invalid))

		for _, tr := range node.On {
			seen[tr.Event] = true
		}

		for _, e := range node.Drop {
			seen[e] = true
		}

		for _, e := range node.Invalid {
			seen[e] = true
		}

		for _, e := range all {
			if !seen[e] {
				node.Invalid = append(node.Invalid, e)
			}
		}
	}

	return nodes
}

func events(evs ...statemachine.EventType) []statemachine.EventType { return evs }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
