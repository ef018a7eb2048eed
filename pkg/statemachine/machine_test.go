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
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	sm "github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
)

type recorded struct {
	from, to sm.State
	ev       sm.EventType
}

var _ = Describe("Machine", func() {
	var (
		def     *sm.Definition
		machine *sm.Machine
		mu      sync.Mutex
		trail   []recorded
	)

	build := func(strict bool) {
		var err error
		machine, err = sm.New(sm.Config{
			Definition: def,
			ID:         "acc-1",
			Logger:     zaptest.NewLogger(GinkgoT()).Sugar(),
			OnTransition: func(_ *sm.Machine, from, to sm.State, ev sm.Event) {
				mu.Lock()
				defer mu.Unlock()
				trail = append(trail, recorded{from, to, ev.Type})
			},
			StrictInvalid: strict,
		})
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(func() {
		trail = nil
		def = sampleDefinition("sample")
	})

	Context("dispatch", func() {
		BeforeEach(func() { build(false) })

		It("walks the table in posting order", func() {
			machine.Start()
			machine.Post(evGo, "go")
			machine.Post(sm.EventSuccess, "done")

			Expect(machine.State()).To(Equal(stDone))
			Expect(trail).To(Equal([]recorded{
				{sm.StateStart, stIdle, sm.EventLaunch},
				{stIdle, stBusy, evGo},
				{stBusy, stDone, sm.EventSuccess},
			}))
		})

		It("drops events from the Drop set without a transition", func() {
			machine.Start()
			machine.Post(evNoise, "noise")

			Expect(machine.State()).To(Equal(stIdle))
			Expect(trail).To(HaveLen(1))
		})

		It("keeps the state on Invalid and unhandled events", func() {
			machine.Start()
			machine.Post(evGo, "go")
			machine.Post(evGo, "again")
			machine.Post(evPoke, "poke")

			Expect(machine.State()).To(Equal(stBusy))
			Expect(trail).To(HaveLen(2))
			Expect(machine.Dispatched()).To(Equal(uint64(4)))
		})

		It("drops everything once stopped", func() {
			machine.Start()
			machine.Stop()
			machine.Post(evGo, "late")

			Expect(machine.IsStopped()).To(BeTrue())
			Expect(trail).To(HaveLen(1))
		})
	})

	Context("strict mode", func() {
		BeforeEach(func() { build(true) })

		It("panics on an Invalid event", func() {
			machine.Start()
			machine.Post(evGo, "go")

			Expect(func() { machine.Post(evGo, "again") }).To(PanicWith(ContainSubstring("S=Busy & E=Go/again: invalid event")))
		})

		It("dispatches again after a defect panicked", func() {
			machine.Start()
			machine.Post(evGo, "go")

			Expect(func() { machine.Post(evGo, "again") }).To(Panic())

			machine.Post(sm.EventSuccess, "done")
			Expect(machine.State()).To(Equal(stDone))
		})
	})

	Context("actions", func() {
		It("lets dynamic actions pick the state", func() {
			def.Nodes[1].On = []sm.Trans{sm.Dyn(evGo, func(m *sm.Machine, _ sm.Event) (sm.State, bool) {
				m.SetState(stDone)

				return 0, false
			}, stBusy, stDone)}
			build(false)

			machine.Start()
			machine.Post(evGo, "go")

			Expect(machine.State()).To(Equal(stDone))
		})

		It("keeps the fixed target when the action returns false", func() {
			def.Nodes[1].On = []sm.Trans{sm.To(evGo, sm.Nop, stBusy)}
			build(false)

			machine.Start()
			machine.Post(evGo, "go")

			Expect(machine.State()).To(Equal(stBusy))
		})

		It("queues events posted from inside an action after the current one", func() {
			def.Nodes[1].On = []sm.Trans{sm.To(evGo, func(m *sm.Machine, _ sm.Event) (sm.State, bool) {
				m.Post(sm.EventSuccess, "from action")

				Expect(m.State()).To(Equal(stIdle))

				return 0, false
			}, stBusy)}
			build(false)

			machine.Start()
			machine.Post(evGo, "go")

			Expect(machine.State()).To(Equal(stDone))
		})

		It("survives a panicking action and keeps the state", func() {
			def.Nodes[1].On = []sm.Trans{sm.To(evGo, func(*sm.Machine, sm.Event) (sm.State, bool) {
				panic("boom")
			}, stBusy)}
			build(false)

			machine.Start()
			machine.Post(evGo, "go")
			Expect(machine.State()).To(Equal(stIdle))

			machine.Post(evNoise, "still alive")
			Expect(machine.Dispatched()).To(Equal(uint64(3)))
		})

		It("keeps dispatching after a transition callback panics", func() {
			var calls atomic.Int32

			m, err := sm.New(sm.Config{
				Definition: def,
				ID:         "acc-4",
				Logger:     zaptest.NewLogger(GinkgoT()).Sugar(),
				OnTransition: func(*sm.Machine, sm.State, sm.State, sm.Event) {
					if calls.Add(1) == 1 {
						panic("sink down")
					}
				},
				OnStateChange: func(*sm.Machine, sm.State, sm.State) {
					if calls.Load() == 2 {
						panic("sink down again")
					}
				},
			})
			Expect(err).NotTo(HaveOccurred())

			m.Start()
			Expect(m.State()).To(Equal(stIdle))

			m.Post(evGo, "go")
			Expect(m.State()).To(Equal(stBusy))

			m.Post(sm.EventSuccess, "done")
			Expect(m.State()).To(Equal(stDone))
			Expect(calls.Load()).To(Equal(int32(3)))
		})

		It("applies Stop requested by an action after that action", func() {
			def.Nodes[1].On = []sm.Trans{sm.To(evGo, func(m *sm.Machine, _ sm.Event) (sm.State, bool) {
				m.Post(sm.EventSuccess, "queued")
				m.Stop()

				return 0, false
			}, stBusy)}
			build(false)

			machine.Start()
			machine.Post(evGo, "go")

			Expect(machine.IsStopped()).To(BeTrue())
			Expect(trail).To(HaveLen(2))
		})
	})

	Context("queue control", func() {
		BeforeEach(func() { build(false) })

		It("drops results posted against an old epoch", func() {
			machine.Start()
			epoch := machine.Epoch()

			machine.ClearEventQueue()

			Expect(machine.PostIfEpoch(epoch, sm.NewEvent(evGo, "stale"))).To(BeFalse())
			Expect(machine.State()).To(Equal(stIdle))

			Expect(machine.PostIfEpoch(machine.Epoch(), sm.NewEvent(evGo, "fresh"))).To(BeTrue())
			Expect(machine.State()).To(Equal(stBusy))
		})

		It("discards events queued behind a clearing action", func() {
			def2 := sampleDefinition("sample-clear")
			def2.Nodes[1].On = []sm.Trans{sm.To(evGo, func(m *sm.Machine, _ sm.Event) (sm.State, bool) {
				m.ClearEventQueue()

				return 0, false
			}, stBusy)}

			m, err := sm.New(sm.Config{Definition: def2, ID: "acc-2"})
			Expect(err).NotTo(HaveOccurred())

			m.PostSequence(sm.NewEvent(sm.EventLaunch, "start"), sm.NewEvent(evGo, "go"), sm.NewEvent(sm.EventSuccess, "dropped"))

			Expect(m.State()).To(Equal(stBusy))
			Expect(m.QueueLen()).To(BeZero())
		})

		It("discards only the queued events a selective clear matches", func() {
			stale := func(ev sm.Event) bool {
				_, ok := ev.Arg.(string)

				return ok
			}

			def2 := sampleDefinition("sample-clear-where")
			def2.Nodes[1].On = []sm.Trans{sm.To(evGo, func(m *sm.Machine, _ sm.Event) (sm.State, bool) {
				m.ClearEventQueueWhere(stale)

				return 0, false
			}, stBusy)}

			m, err := sm.New(sm.Config{Definition: def2, ID: "acc-5", StrictInvalid: true})
			Expect(err).NotTo(HaveOccurred())

			m.PostSequence(
				sm.NewEvent(sm.EventLaunch, "start"),
				sm.NewEvent(evGo, "go"),
				sm.Event{Type: evGo, Arg: "outcome", Message: "stale"},
				sm.NewEvent(sm.EventSuccess, "kept"),
			)

			Expect(m.State()).To(Equal(stDone))
			Expect(m.QueueLen()).To(BeZero())
			Expect(m.Dispatched()).To(Equal(uint64(3)))
		})

		It("does not touch sibling machines", func() {
			sibling, err := sm.New(sm.Config{Definition: def, ID: "acc-3"})
			Expect(err).NotTo(HaveOccurred())

			machine.Start()
			sibling.Start()
			siblingEpoch := sibling.Epoch()

			machine.ClearEventQueue()
			machine.Stop()

			Expect(sibling.Epoch()).To(Equal(siblingEpoch))
			Expect(sibling.PostIfEpoch(siblingEpoch, sm.NewEvent(evGo, "go"))).To(BeTrue())
			Expect(sibling.State()).To(Equal(stBusy))
		})

		It("restores a state only before the first event", func() {
			Expect(machine.Restore(stBusy)).To(Succeed())
			Expect(machine.State()).To(Equal(stBusy))

			Expect(machine.Restore(sm.StateStop)).To(MatchError(sm.ErrUndeclaredState))

			machine.Post(sm.EventSuccess, "done")
			Expect(machine.Restore(stIdle)).To(MatchError(sm.ErrAlreadyStarted))
		})
	})

	Context("concurrency", func() {
		It("never runs two actions at once and dispatches every event", func() {
			var (
				inFlight  atomic.Int32
				overlap   atomic.Bool
				handled   atomic.Int32
				posters   = 16
				perPoster = 50
			)

			def.Nodes[1].On = append(def.Nodes[1].On, sm.To(evPoke, func(*sm.Machine, sm.Event) (sm.State, bool) {
				if inFlight.Add(1) > 1 {
					overlap.Store(true)
				}

				time.Sleep(10 * time.Microsecond)
				handled.Add(1)
				inFlight.Add(-1)

				return 0, false
			}, stIdle))
			build(false)
			machine.Start()

			var wg sync.WaitGroup
			for i := 0; i < posters; i++ {
				wg.Add(1)

				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					for j := 0; j < perPoster; j++ {
						machine.Post(evPoke, "poke")
					}
				}()
			}

			wg.Wait()

			Eventually(handled.Load).Should(BeEquivalentTo(posters * perPoster))
			Expect(overlap.Load()).To(BeFalse())
			Expect(machine.QueueLen()).To(BeZero())
		})
	})
})
