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

package statemachine_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	sm "github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
)

const (
	stIdle sm.State = sm.StateLast + 1 + iota
	stBusy
	stDone
)

const (
	evGo sm.EventType = sm.EventLast + 1 + iota
	evPoke
	evNoise
)

var sampleStates = map[sm.State]string{stIdle: "Idle", stBusy: "Busy", stDone: "Done"}

var sampleEvents = map[sm.EventType]string{evGo: "Go", evPoke: "Poke", evNoise: "Noise"}

func sampleDefinition(name string) *sm.Definition {
	return &sm.Definition{
		Name:   name,
		States: sampleStates,
		Events: sampleEvents,
		Nodes: []sm.Node{
			{State: sm.StateStart, On: []sm.Trans{sm.To(sm.EventLaunch, nil, stIdle)}},
			{State: stIdle, On: []sm.Trans{sm.To(evGo, nil, stBusy)}, Drop: []sm.EventType{evNoise}},
			{State: stBusy, On: []sm.Trans{sm.To(sm.EventSuccess, nil, stDone)}, Invalid: []sm.EventType{evGo}},
			{State: stDone},
		},
	}
}

var _ = Describe("Definition", func() {
	It("accepts a well formed table", func() {
		Expect(sampleDefinition("sample-ok").Validate()).To(Succeed())
	})

	It("caches the result for identical tables", func() {
		a, b := sampleDefinition("sample-cache"), sampleDefinition("sample-cache")
		Expect(a.Validate()).To(Succeed())
		Expect(b.Validate()).To(Succeed())
	})

	It("rejects an event classified twice in one node", func() {
		def := sampleDefinition("sample-dup-class")
		def.Nodes[1].Invalid = []sm.EventType{evNoise}

		err := def.Validate()
		Expect(err).To(MatchError(sm.ErrInvalidDefinition))
		Expect(err.Error()).To(ContainSubstring("Noise appears in Drop and Invalid"))
	})

	It("rejects targets and events that are not declared", func() {
		def := sampleDefinition("sample-undeclared")
		def.Nodes[3].On = []sm.Trans{sm.To(sm.EventType(99), nil, sm.State(77))}

		err := def.Validate()
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("undeclared event 99"))
		Expect(err.Error()).To(ContainSubstring("targets undeclared state 77"))
	})

	It("rejects states without a node and unreachable states", func() {
		def := sampleDefinition("sample-missing")
		def.Nodes = def.Nodes[:3]
		def.Nodes[2].On = nil

		err := def.Validate()
		Expect(err.Error()).To(ContainSubstring("state Done has no node"))
		Expect(err.Error()).To(ContainSubstring("state Done is unreachable from Start"))
	})

	It("follows reach hints of dynamic transitions", func() {
		def := sampleDefinition("sample-dyn")
		def.Nodes[1].On = []sm.Trans{sm.Dyn(evGo, sm.Nop, stBusy)}
		Expect(def.Validate()).To(Succeed())

		def = sampleDefinition("sample-dyn-blind")
		def.Nodes[1].On = []sm.Trans{sm.Dyn(evGo, sm.Nop)}
		Expect(def.Validate()).To(MatchError(ContainSubstring("state Busy is unreachable")))
	})

	It("rejects a node for Stop and redeclared reserved codes", func() {
		def := sampleDefinition("sample-reserved")
		def.States = map[sm.State]string{stIdle: "Idle", stBusy: "Busy", stDone: "Done", sm.StateStop: "Halt"}
		def.Nodes = append(def.Nodes, sm.Node{State: sm.StateStop})

		err := def.Validate()
		Expect(err.Error()).To(ContainSubstring("collides with reserved state Stop"))
		Expect(err.Error()).To(ContainSubstring("node for terminal state Stop"))
	})

	It("requires full classification when Total is set", func() {
		def := sampleDefinition("sample-total")
		def.Total = true

		err := def.Validate()
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("Idle: event Poke is not classified"))
	})

	It("refuses to build a machine from an invalid table", func() {
		def := sampleDefinition("sample-refuse")
		def.Name = ""

		_, err := sm.New(sm.Config{Definition: def})
		Expect(errors.Is(err, sm.ErrInvalidDefinition)).To(BeTrue())

		_, err = sm.New(sm.Config{})
		Expect(err).To(MatchError(sm.ErrNilDefinition))
	})
})
