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

package command_test

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/syncengine/pkg/command"
	"github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
	"github.com/united-manufacturing-hub/syncengine/pkg/transport"
)

var _ = Describe("Transport command", func() {
	var (
		o   *owner
		ft  *fakeTransport
		ctx context.Context
	)

	newCmd := func(rules command.Rules, classify command.Classifier) *command.Async {
		return command.NewTransport(command.TransportConfig{
			Config: command.Config{
				Name:   "sync",
				Poster: o,
				Policy: command.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
				Logger: zaptest.NewLogger(GinkgoT()).Sugar(),
			},
			Transport: ft,
			Request: func() (*transport.Request, error) {
				return &transport.Request{Method: http.MethodPost, Path: "/sync"}, nil
			},
			Classify: classify,
			Rules:    rules,
		})
	}

	BeforeEach(func() {
		ctx = context.Background()
		o = newOwner()
		ft = &fakeTransport{fn: respond(200, "{}")}
	})

	It("posts exactly one Success carrying the result", func() {
		cmd := newCmd(command.Rules{}, nil)
		Expect(cmd.Execute(ctx)).To(Succeed())

		Eventually(cmd.Done()).Should(BeClosed())
		Eventually(o.State).Should(Equal(stOk))

		events := o.Events()
		Expect(events).To(HaveLen(1))

		result, ok := command.ResultOf(events[0])
		Expect(ok).To(BeTrue())
		Expect(result.CommandID).To(Equal(cmd.ID()))
		Expect(result.Response.StatusCode).To(Equal(200))
		Expect(cmd.Lifecycle()).To(Equal(command.LifecycleStateCompleted))
	})

	It("executes at most once", func() {
		cmd := newCmd(command.Rules{}, nil)
		Expect(cmd.Execute(ctx)).To(Succeed())
		Expect(cmd.Execute(ctx)).To(MatchError(command.ErrNotExecutable))

		Eventually(cmd.Done()).Should(BeClosed())
		Expect(ft.Calls()).To(Equal(1))
	})

	It("routes auth failures to the owner's AuthFail", func() {
		ft.fn = respond(http.StatusUnauthorized, "")

		cmd := newCmd(command.RulesFor(ownerDefinition, evAuthFail, true), nil)
		Expect(cmd.Execute(ctx)).To(Succeed())

		Eventually(o.State).Should(Equal(stAuth))
	})

	It("turns an undeclared classification into HardFail", func() {
		cmd := newCmd(command.RulesFor(ownerDefinition, evAuthFail, true), func(*transport.Response) *command.Result {
			return &command.Result{Event: statemachine.EventType(42), Message: "BOGUS"}
		})
		Expect(cmd.Execute(ctx)).To(Succeed())

		Eventually(o.State).Should(Equal(stFail))
		result, _ := command.ResultOf(o.Events()[0])
		Expect(result.Message).To(Equal("BADCLASS"))
	})

	It("escalates the fourth TempFail to HardFail with RetriesMax 3", func() {
		ft.fn = respond(http.StatusServiceUnavailable, "")

		var cmd command.Command = newCmd(command.Rules{}, nil)
		Expect(cmd.(*command.Async).RetriesLeft).To(Equal(3))

		attempts := 0
		for {
			attempts++
			Expect(cmd.Execute(ctx)).To(Succeed())
			Eventually(cmd.(*command.Async).Done()).Should(BeClosed())

			result, ok := command.ResultOf(o.Events()[attempts-1])
			Expect(ok).To(BeTrue())
			Expect(result.Event).To(Equal(statemachine.EventTempFail))

			next, retry := command.OnTempFail(cmd, result.Err)
			if !retry {
				break
			}

			Expect(next.ID()).NotTo(Equal(cmd.ID()))
			Expect(next.(*command.Async).RetriesLeft).To(Equal(3 - attempts))
			cmd = next
		}

		Expect(attempts).To(Equal(4))
		Expect(ft.Calls()).To(Equal(4))
	})

	It("drops an outcome produced after the owner cleared its queue", func() {
		cmd := newCmd(command.Rules{}, nil)
		o.ClearEventQueue()

		Expect(cmd.Execute(ctx)).To(Succeed())
		Eventually(cmd.Done()).Should(BeClosed())

		Consistently(o.Events, 50*time.Millisecond).Should(BeEmpty())
		Expect(o.State()).To(Equal(stWait))
	})
})

var _ = Describe("Cancel", func() {
	var (
		o       *owner
		ft      *fakeTransport
		cleanup atomic.Int32
		cmd     *command.Async
	)

	BeforeEach(func() {
		o = newOwner()
		cleanup.Store(0)
		ft = &fakeTransport{fn: func(ctx context.Context, _ *transport.Request) (*transport.Response, error) {
			<-ctx.Done()

			return nil, ctx.Err()
		}}
		cmd = command.NewTransport(command.TransportConfig{
			Config: command.Config{
				Name:    "fetch",
				Poster:  o,
				Cleanup: func() { cleanup.Add(1) },
				Logger:  zaptest.NewLogger(GinkgoT()).Sugar(),
			},
			Transport: ft,
			Request: func() (*transport.Request, error) {
				return &transport.Request{Method: http.MethodGet, Path: "/body"}, nil
			},
		})
	})

	It("is idempotent and nothing is posted afterwards", func() {
		Expect(cmd.Execute(context.Background())).To(Succeed())
		Eventually(ft.Calls).Should(Equal(1))

		cmd.Cancel()
		cmd.Cancel()

		Eventually(cmd.Done()).Should(BeClosed())
		Expect(cmd.Lifecycle()).To(Equal(command.LifecycleStateCancelled))
		Consistently(o.Events, 50*time.Millisecond).Should(BeEmpty())
	})

	It("closes Done for a command that never ran", func() {
		cmd.Cancel()

		Expect(cmd.Done()).To(BeClosed())
		Expect(cmd.Execute(context.Background())).To(MatchError(command.ErrNotExecutable))
		Expect(ft.Calls()).To(BeZero())
	})

	It("is a no-op after completion", func() {
		ft.fn = respond(200, "")
		Expect(cmd.Execute(context.Background())).To(Succeed())
		Eventually(cmd.Done()).Should(BeClosed())

		cmd.Cancel()

		Expect(cmd.Lifecycle()).To(Equal(command.LifecycleStateCompleted))
		Expect(o.Events()).To(HaveLen(1))
	})

	It("runs the cleanup hook once", func() {
		cmd.Cancel()
		cmd.CancelCleanup()
		cmd.CancelCleanup()

		Expect(cleanup.Load()).To(Equal(int32(1)))
	})

	It("can be called by the action handling the command's own outcome", func() {
		var self *command.Async

		def := &statemachine.Definition{
			Name:   "self-cancel",
			States: map[statemachine.State]string{stWait: "Wait", stOk: "Ok"},
			Nodes: []statemachine.Node{
				{State: statemachine.StateStart, On: []statemachine.Trans{statemachine.To(statemachine.EventLaunch, nil, stWait)}},
				{State: stWait, On: []statemachine.Trans{statemachine.To(statemachine.EventSuccess, func(*statemachine.Machine, statemachine.Event) (statemachine.State, bool) {
					self.Cancel()

					return 0, false
				}, stOk)}},
				{State: stOk},
			},
		}
		m := statemachine.MustNew(statemachine.Config{Definition: def, ID: "acc-2"})
		m.Start()

		self = command.NewWait(command.Config{Name: "idle", Poster: m}, time.Millisecond, statemachine.EventSuccess, "idle done")
		Expect(self.Execute(context.Background())).To(Succeed())

		Eventually(m.State).Should(Equal(stOk))
		Expect(self.Lifecycle()).To(Equal(command.LifecycleStateCompleted))
	})
})

var _ = Describe("Classify", func() {
	DescribeTable("transport failures",
		func(err error, want statemachine.EventType, message string) {
			result := command.Classify(nil, err, nil, command.Rules{})
			Expect(result.Event).To(Equal(want))
			Expect(result.Message).To(Equal(message))
		},
		Entry("timeout", context.DeadlineExceeded, statemachine.EventTempFail, "TIMEOUT"),
		Entry("offline", transport.ErrNoNetwork, statemachine.EventTempFail, "NONET"),
		Entry("malformed payload", transport.ErrDecode, statemachine.EventHardFail, "PROTOCOL"),
		Entry("connection reset", errors.New("read: connection reset by peer"), statemachine.EventTempFail, "NETWORK"),
	)

	DescribeTable("server status",
		func(status int, want statemachine.EventType) {
			result := command.Classify(&transport.Response{StatusCode: status}, nil, nil, command.Rules{})
			Expect(result.Event).To(Equal(want))
		},
		Entry("ok", 200, statemachine.EventSuccess),
		Entry("throttled", 429, statemachine.EventTempFail),
		Entry("server error", 502, statemachine.EventTempFail),
		Entry("unauthorized without AuthFail", 401, statemachine.EventHardFail),
		Entry("not found", 404, statemachine.EventHardFail),
	)

	It("fails hard when a classifier reports an undecodable payload", func() {
		result := command.Classify(&transport.Response{StatusCode: 200, Body: []byte("<")}, nil, func(resp *transport.Response) *command.Result {
			var v map[string]any
			err := resp.DecodeJSON(&v)

			return &command.Result{Event: statemachine.EventSuccess, Err: err}
		}, command.Rules{})

		Expect(result.Event).To(Equal(statemachine.EventHardFail))
	})
})

var _ = Describe("Base", func() {
	It("counts retries down and resets them", func() {
		b := command.NewBase("ping", 2)
		Expect(b.ID()).NotTo(BeEmpty())

		Expect(b.DecRetries()).To(BeTrue())
		Expect(b.DecRetries()).To(BeTrue())
		Expect(b.DecRetries()).To(BeFalse())

		b.ResetRetries()
		Expect(b.RetriesLeft).To(Equal(2))
	})
})
