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
	"time"

	"github.com/united-manufacturing-hub/syncengine/pkg/pending"
)

// PickAction is what a controller does next.
type PickAction int

const (
	PickNone PickAction = iota
	PickWait
	PickPing
	PickSync
	PickFSync
	PickFetch
	PickQOp
	PickHotQOp
)

func (a PickAction) String() string {
	switch a {
	case PickWait:
		return "wait"
	case PickPing:
		return "ping"
	case PickSync:
		return "sync"
	case PickFSync:
		return "fsync"
	case PickFetch:
		return "fetch"
	case PickQOp:
		return "qop"
	case PickHotQOp:
		return "hotqop"
	default:
		return "none"
	}
}

// Pick is a strategy decision. Op is set for the operation actions.
type Pick struct {
	Action PickAction
	Op     *pending.Operation
	// Wait bounds PickWait, zero uses the idle timeout.
	Wait time.Duration
}

// Strategy decides what a controller works on. It is called from inside
// actions, one call at a time per controller.
type Strategy interface {
	Pick(ctx context.Context, c *Control) (Pick, error)
	// PickUserDemand returns a hot operation worth running next to the
	// main command, or nil.
	PickUserDemand(ctx context.Context, c *Control) (*pending.Operation, error)
}

// DefaultStrategy runs queued operations first, then keeps the folder
// list and the inbox fresh, then rests.
type DefaultStrategy struct {
	// SyncInterval is how stale the inbox may get. The inbox is synced once
	// after every start regardless, zero disables the periodic sync.
	SyncInterval time.Duration
	// Push parks a long poll on the server instead of resting.
	Push bool
}

func (s *DefaultStrategy) Pick(ctx context.Context, c *Control) (Pick, error) {
	op, err := c.Pending().NextEligible(ctx, c.AccountID(), c.Capabilities()...)
	if err != nil {
		return Pick{}, err
	}

	if op != nil {
		switch {
		case op.Kind == pending.KindDownloadBody:
			return Pick{Action: PickFetch, Op: op}, nil
		case op.Hot:
			return Pick{Action: PickHotQOp, Op: op}, nil
		default:
			return Pick{Action: PickQOp, Op: op}, nil
		}
	}

	if c.proto.syncs() {
		if c.NeedFolderSync() {
			return Pick{Action: PickFSync}, nil
		}

		last := c.LastSync()
		if last.IsZero() || (s.SyncInterval > 0 && time.Since(last) >= s.SyncInterval) {
			return Pick{Action: PickSync}, nil
		}
	}

	if s.Push && c.proto.ping != 0 {
		return Pick{Action: PickPing}, nil
	}

	return Pick{Action: PickWait}, nil
}

func (s *DefaultStrategy) PickUserDemand(ctx context.Context, c *Control) (*pending.Operation, error) {
	op, err := c.Pending().NextEligible(ctx, c.AccountID(), c.Capabilities()...)
	if err != nil || op == nil || !op.Hot {
		return nil, err
	}

	return op, nil
}
