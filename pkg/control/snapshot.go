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

package control

import (
	"context"
	"sort"
	"time"

	"github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/syncengine/pkg/config"
	"github.com/united-manufacturing-hub/syncengine/pkg/pending"
	"github.com/united-manufacturing-hub/syncengine/pkg/sentry"
)

// Snapshot is the engine state published once per tick. Readers get deep
// copies and may keep them.
type Snapshot struct {
	Tick        uint64               `json:"tick"`
	Time        time.Time            `json:"time"`
	Net         string               `json:"net"`
	Speed       string               `json:"speed"`
	Controllers []ControllerSnapshot `json:"controllers"`
}

type ControllerSnapshot struct {
	AccountID      string              `json:"accountId"`
	Protocol       string              `json:"protocol"`
	Desired        config.DesiredState `json:"desired"`
	State          string              `json:"state"`
	BackEndState   string              `json:"backEndState"`
	Quality        string              `json:"quality"`
	QueuedEvents   int                 `json:"queuedEvents"`
	Dispatched     uint64              `json:"dispatched"`
	LastActive     time.Time           `json:"lastActive"`
	LastSync       time.Time           `json:"lastSync,omitzero"`
	ExtrasInFlight int                 `json:"extrasInFlight"`
	Pending        map[string]int      `json:"pending,omitempty"`
	Request        *UserRequest        `json:"request,omitempty"`
}

// Find returns the controller entry of an account protocol.
func (s Snapshot) Find(accountID, protocol string) (ControllerSnapshot, bool) {
	for _, c := range s.Controllers {
		if c.AccountID == accountID && c.Protocol == protocol {
			return c, true
		}
	}

	return ControllerSnapshot{}, false
}

func (e *Engine) describe(ctx context.Context, en *entry) ControllerSnapshot {
	c := en.ctrl
	m := c.Machine()

	e.mu.RLock()
	desired := en.desired
	var req *UserRequest

	if r, ok := e.requests[key{c.AccountID(), c.Protocol()}]; ok {
		req = &r
	}
	e.mu.RUnlock()

	out := ControllerSnapshot{
		AccountID:      c.AccountID(),
		Protocol:       c.Protocol(),
		Desired:        desired,
		State:          c.StateName(),
		BackEndState:   c.BackEndState().String(),
		Quality:        e.health.Quality(c.AccountID()).String(),
		QueuedEvents:   m.QueueLen(),
		Dispatched:     m.Dispatched(),
		LastActive:     m.LastActive(),
		LastSync:       c.LastSync(),
		ExtrasInFlight: c.ExtrasInFlight(),
		Request:        req,
	}

	ops, err := e.pending.List(ctx, c.AccountID())
	if err != nil {
		e.logger.Debugf("Listing pending operations of %s: %v", c.AccountID(), err)

		return out
	}

	caps := make(map[pending.Capability]bool)
	for _, cp := range c.Capabilities() {
		caps[cp] = true
	}

	for _, op := range ops {
		if !caps[op.Capability] {
			continue
		}

		if out.Pending == nil {
			out.Pending = make(map[string]int)
		}

		out.Pending[string(op.State)]++
	}

	return out
}

func (e *Engine) publish(items []ControllerSnapshot) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].AccountID != items[j].AccountID {
			return items[i].AccountID < items[j].AccountID
		}

		return items[i].Protocol < items[j].Protocol
	})

	e.snapMu.Lock()
	defer e.snapMu.Unlock()

	e.tick++
	e.snapshot = Snapshot{
		Tick:        e.tick,
		Time:        time.Now(),
		Net:         e.health.NetStatus().String(),
		Speed:       e.health.Speed().String(),
		Controllers: items,
	}
}

// Snapshot returns a copy of the last published snapshot.
func (e *Engine) Snapshot() Snapshot {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()

	var out Snapshot
	if err := deepcopy.Copy(&out, &e.snapshot); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, e.logger, "Failed to deep copy snapshot: %v", err)

		return Snapshot{Tick: e.snapshot.Tick, Time: e.snapshot.Time}
	}

	return out
}
