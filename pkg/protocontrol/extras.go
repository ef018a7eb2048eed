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
	"github.com/united-manufacturing-hub/syncengine/pkg/command"
	"github.com/united-manufacturing-hub/syncengine/pkg/commstatus"
	"github.com/united-manufacturing-hub/syncengine/pkg/pending"
	"github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
)

// extra is a hot operation run next to the main command on its own
// single state machine.
type extra struct {
	sm  *statemachine.Machine
	cmd *opCommand
}

// extraDefinition is the one node table an extra runs on: the first
// outcome ends it.
func (c *Control) extraDefinition() *statemachine.Definition {
	all := c.proto.allEvents()

	on := []statemachine.Trans{
		statemachine.To(statemachine.EventLaunch, statemachine.Nop, statemachine.StateStart),
		statemachine.To(statemachine.EventSuccess, c.doExDone, statemachine.StateStop),
		statemachine.To(statemachine.EventHardFail, c.doExDone, statemachine.StateStop),
		statemachine.To(statemachine.EventTempFail, c.doExDone, statemachine.StateStop),
	}

	for _, ev := range c.outcomeEvents() {
		on = append(on, statemachine.To(ev, c.doExDone, statemachine.StateStop))
	}

	return &statemachine.Definition{
		Name:   c.proto.name + "-extra",
		Events: all,
		Nodes:  seal(all, statemachine.Node{State: statemachine.StateStart, On: on}),
		Total:  true,
	}
}

// outcomeEvents lists the protocol events a server reply can produce.
func (c *Control) outcomeEvents() []statemachine.EventType {
	seen := map[statemachine.EventType]bool{
		statemachine.EventSuccess:  true,
		statemachine.EventHardFail: true,
		statemachine.EventTempFail: true,
	}

	var evs []statemachine.EventType

	add := func(ev statemachine.EventType) {
		if ev != 0 && !seen[ev] {
			seen[ev] = true
			evs = append(evs, ev)
		}
	}

	add(c.proto.authFail)

	for _, status := range sortedKeys(c.proto.status) {
		add(c.proto.status[status])
	}

	return evs
}

func (c *Control) extrasAllowed() bool {
	return c.cfg.Health.Quality(c.cfg.AccountID) == commstatus.QualityOK &&
		c.cfg.Health.Speed() != commstatus.SpeedCellSlow
}

// ExtrasInFlight is the number of extras running.
func (c *Control) ExtrasInFlight() int {
	c.extrasMu.Lock()
	defer c.extrasMu.Unlock()

	return len(c.extras)
}

// doExtraOrDont starts a hot operation next to the running command when
// the connection can take it. Otherwise, with no extra in flight, it
// preempts the main command and picks.
func (c *Control) doExtraOrDont(m *statemachine.Machine, ev statemachine.Event) (statemachine.State, bool) {
	if c.extrasAllowed() && c.extrasSem.TryAcquire(1) {
		op, err := c.cfg.Strategy.PickUserDemand(c.ctx, c)

		switch {
		case err != nil:
			c.extrasSem.Release(1)
			c.logger.Errorf("Strategy failed to pick user demand: %v", err)
		case op == nil:
			c.extrasSem.Release(1)
			c.logger.Debugf("No user demand for an extra")
		default:
			if err := c.cfg.Pending.MarkDispatched(c.ctx, op.Token); err != nil {
				c.extrasSem.Release(1)
				c.logger.Warnf("Could not dispatch operation %s as extra: %v", op.Token, err)

				break
			}

			op.Attempts++

			if err := c.startExtra(op); err != nil {
				c.extrasSem.Release(1)
				c.logger.Errorf("Failed to start extra for %s: %v", op.Token, err)
			}
		}

		return m.State(), true
	}

	if c.ExtrasInFlight() == 0 && m.State() != c.proto.hotQop {
		return c.doPick(m, ev)
	}

	return m.State(), true
}

func (c *Control) startExtra(op *pending.Operation) error {
	sm, err := statemachine.New(statemachine.Config{
		Definition:    c.extraDef,
		ID:            c.cfg.AccountID + "/" + op.Token,
		Logger:        c.logger,
		StrictInvalid: c.cfg.StrictInvalid,
	})
	if err != nil {
		c.requeue(op)

		return err
	}

	x := &extra{sm: sm, cmd: c.newOpCommand(op, sm)}

	c.extrasMu.Lock()
	c.extras[sm] = x
	c.extrasMu.Unlock()

	c.logger.Debugf("Running %s (%s) as extra", op.Token, op.Kind)

	if err := x.cmd.Execute(c.ctx); err != nil {
		c.extrasMu.Lock()
		delete(c.extras, sm)
		c.extrasMu.Unlock()
		c.requeue(op)

		return err
	}

	return nil
}

// doExDone ends an extra: the operation is resolved, the slot freed and
// the main machine told to look for more work.
func (c *Control) doExDone(m *statemachine.Machine, ev statemachine.Event) (statemachine.State, bool) {
	c.extrasMu.Lock()
	x, ok := c.extras[m]
	delete(c.extras, m)
	c.extrasMu.Unlock()

	if !ok {
		return 0, false
	}

	res, _ := command.ResultOf(ev)
	c.settle(x.cmd.st, res)
	c.extrasSem.Release(1)

	if c.ctx.Err() == nil {
		c.sm.Post(EventPendQHot, "EXDONE")
	}

	return 0, false
}

// cancelExtras stops every extra and requeues its operation.
func (c *Control) cancelExtras() {
	c.extrasMu.Lock()
	extras := c.extras
	c.extras = make(map[*statemachine.Machine]*extra)
	c.extrasMu.Unlock()

	for _, x := range extras {
		x.cmd.Cancel()
		x.cmd.CancelCleanup()
		x.sm.Stop()
		c.extrasSem.Release(1)
	}
}
