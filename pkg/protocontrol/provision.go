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
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/united-manufacturing-hub/syncengine/pkg/command"
	sm "github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
)

// Provisioning states.
const (
	ProvGetWait sm.State = sm.StateLast + 1 + iota
	ProvAckWait
)

type provisionParams struct {
	Phase     string `json:"phase"`
	PolicyKey string `json:"policyKey,omitempty"`
	Wipe      bool   `json:"wipe,omitempty"`
}

// provision is the two step policy exchange: fetch the policy, then
// acknowledge it. It runs on its own machine and reports one outcome to
// the controller, like any other command.
type provision struct {
	id    string
	a     *ActiveSync
	epoch uint64
	sm    *sm.Machine

	mu        sync.Mutex
	ctx       context.Context
	cur       command.Command
	started   bool
	cancelled bool
	finished  bool

	// sub-machine owned
	policyKey string
	wipe      bool
}

func (a *ActiveSync) provisionDefinition(p *provision) *sm.Definition {
	all := a.proto.allEvents()
	finish := p.doFinish

	return &sm.Definition{
		Name: a.proto.name + "-provision",
		States: map[sm.State]string{
			ProvGetWait: "GetWait",
			ProvAckWait: "AckWait",
		},
		Events: all,
		Total:  true,
		Nodes: seal(all,
			sm.Node{
				State: sm.StateStart,
				On: []sm.Trans{
					sm.To(sm.EventLaunch, p.doGet, ProvGetWait),
				},
			},
			sm.Node{
				State: ProvGetWait,
				On: []sm.Trans{
					sm.To(sm.EventLaunch, p.doGet, ProvGetWait),
					sm.To(sm.EventSuccess, p.doAck, ProvAckWait),
					sm.Dyn(sm.EventTempFail, p.doRetry, ProvGetWait, sm.StateStop),
					sm.To(sm.EventHardFail, finish, sm.StateStop),
					sm.To(AsAuthFail, finish, sm.StateStop),
					sm.To(AsReDisc, finish, sm.StateStop),
					sm.To(AsReSync, finish, sm.StateStop),
					sm.To(AsReProv, p.doGet, ProvGetWait),
					sm.To(AsWipe, p.doWipe, ProvAckWait),
				},
			},
			sm.Node{
				State: ProvAckWait,
				Drop:  events(AsWipe),
				On: []sm.Trans{
					sm.To(sm.EventLaunch, p.doAck, ProvAckWait),
					sm.To(sm.EventSuccess, finish, sm.StateStop),
					sm.Dyn(sm.EventTempFail, p.doRetry, ProvAckWait, sm.StateStop),
					sm.To(sm.EventHardFail, finish, sm.StateStop),
					sm.To(AsAuthFail, finish, sm.StateStop),
					sm.To(AsReDisc, finish, sm.StateStop),
					sm.To(AsReSync, finish, sm.StateStop),
					sm.To(AsReProv, p.doGet, ProvGetWait),
				},
			},
		),
	}
}

// newProvision builds the command inside an action, so it carries the
// controller's current epoch.
func (a *ActiveSync) newProvision() *provision {
	p := &provision{
		id:    uuid.NewString(),
		a:     a,
		epoch: a.sm.Epoch(),
	}

	machine, err := sm.New(sm.Config{
		Definition:    a.provisionDefinition(p),
		ID:            a.cfg.AccountID,
		Logger:        a.logger.With("command", "provision", "command_id", p.id),
		StrictInvalid: a.cfg.StrictInvalid,
	})
	if err != nil {
		// the table is static, this only trips when someone edits it wrong
		panic(fmt.Sprintf("provision table: %v", err))
	}

	p.sm = machine

	return p
}

func (p *provision) ID() string   { return p.id }
func (p *provision) Name() string { return p.a.proto.name + ".provision" }

func (p *provision) Execute(ctx context.Context) error {
	p.mu.Lock()
	if p.started || p.cancelled {
		p.mu.Unlock()

		return fmt.Errorf("%w: %s", command.ErrNotExecutable, p.Name())
	}

	p.started = true
	p.ctx = ctx
	p.mu.Unlock()

	p.sm.Start()

	return nil
}

func (p *provision) Cancel() {
	p.mu.Lock()
	p.cancelled = true
	cur := p.cur
	p.cur = nil
	p.mu.Unlock()

	if cur != nil {
		cur.Cancel()
	}

	p.sm.Stop()
}

// CancelCleanup has nothing to revert, provisioning owns no pending work.
func (p *provision) CancelCleanup() {}

// step runs the next exchange unless the provision was cancelled.
func (p *provision) step(cmd command.Command) {
	p.mu.Lock()
	if p.cancelled || p.finished {
		p.mu.Unlock()

		return
	}

	p.cur = cmd
	ctx := p.ctx
	p.mu.Unlock()

	if err := cmd.Execute(ctx); err != nil {
		p.a.logger.Errorf("Failed to start %s: %v", cmd.Name(), err)
	}
}

// each phase gets its own retry budget
func (p *provision) exchange(params provisionParams) command.Command {
	return p.a.exchangeFor(p.sm, "provision", params, 0)
}

func (p *provision) doGet(*sm.Machine, sm.Event) (sm.State, bool) {
	p.step(p.exchange(provisionParams{Phase: "get"}))

	return 0, false
}

func (p *provision) doAck(_ *sm.Machine, ev sm.Event) (sm.State, bool) {
	res, _ := command.ResultOf(ev)
	if r := replyOf(res); r != nil && r.PolicyKey != "" {
		p.policyKey = r.PolicyKey
	}

	p.step(p.exchange(provisionParams{Phase: "ack", PolicyKey: p.policyKey, Wipe: p.wipe}))

	return 0, false
}

// doWipe acknowledges a remote wipe request.
func (p *provision) doWipe(m *sm.Machine, ev sm.Event) (sm.State, bool) {
	p.wipe = true
	p.a.logger.Warnf("Server requested a remote wipe of %s", p.a.cfg.AccountID)

	return p.doAck(m, ev)
}

func (p *provision) doRetry(m *sm.Machine, ev sm.Event) (sm.State, bool) {
	res, _ := command.ResultOf(ev)

	p.mu.Lock()
	cur := p.cur
	p.mu.Unlock()

	if cur != nil {
		if next, ok := command.OnTempFail(cur, reasonOf(res)); ok {
			p.step(next)

			return m.State(), true
		}
	}

	p.finish(sm.EventHardFail, res, "PROVRETRIES")

	return sm.StateStop, true
}

func (p *provision) doFinish(_ *sm.Machine, ev sm.Event) (sm.State, bool) {
	res, _ := command.ResultOf(ev)
	p.finish(ev.Type, res, ev.Message)

	return 0, false
}

// finish posts the outcome to the controller once.
func (p *provision) finish(t sm.EventType, inner *command.Result, message string) {
	p.mu.Lock()
	if p.cancelled || p.finished {
		p.mu.Unlock()

		return
	}

	p.finished = true
	p.cur = nil

	res := &command.Result{Event: t, Message: message, CommandID: p.id, Command: p.Name()}
	if inner != nil {
		res.Response, res.Err, res.Value = inner.Response, inner.Err, inner.Value
	}

	accepted, drain := p.a.sm.OfferIfEpoch(p.epoch, sm.Event{Type: t, Arg: res, Message: message})
	p.mu.Unlock()

	if !accepted {
		p.a.logger.Debugf("Provision outcome %s arrived after the controller moved on", message)
	}

	if drain != nil {
		drain()
	}
}
