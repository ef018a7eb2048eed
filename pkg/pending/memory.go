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

package pending

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tiendc/go-deepcopy"
)

// MemoryQueue keeps operations in memory. Callers always get copies.
type MemoryQueue struct {
	mu     sync.Mutex
	ops    map[string]*Operation
	seq    int64
	closed bool
	now    func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{ops: make(map[string]*Operation), now: time.Now}
}

func clone(op *Operation) *Operation {
	var out Operation
	if err := deepcopy.Copy(&out, op); err != nil {
		// only reachable with unsupported field types
		panic(err)
	}

	return &out
}

func (q *MemoryQueue) Enqueue(_ context.Context, op *Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	if err := prepare(op, q.now()); err != nil {
		return err
	}

	if pred, ok := q.ops[op.Predecessor]; ok && op.Predecessor != "" && isUnfinished(pred.State) {
		op.State = StatePredBlocked
	}

	q.seq++
	op.Seq = q.seq
	q.ops[op.Token] = clone(op)

	return nil
}

func (q *MemoryQueue) NextEligible(_ context.Context, accountID string, caps ...Capability) (*Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	now := q.now()

	var best *Operation

	for _, op := range q.ops {
		if op.AccountID != accountID || !isEligible(op, now) || !hasCapability(op, caps) {
			continue
		}

		if best == nil || before(op, best) {
			best = op
		}
	}

	if best == nil {
		return nil, nil
	}

	return clone(best), nil
}

// update applies fn to the stored operation under the lock.
func (q *MemoryQueue) update(token string, fn func(op *Operation) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	op, ok := q.ops[token]
	if !ok {
		return ErrNotFound
	}

	if err := fn(op); err != nil {
		return err
	}

	op.UpdatedAt = q.now()

	return nil
}

func (q *MemoryQueue) MarkDispatched(_ context.Context, token string) error {
	return q.update(token, func(op *Operation) error {
		if !isEligible(op, q.now()) {
			return expect(op, StateEligible)
		}

		op.State = StateDispatched
		op.Attempts++

		return nil
	})
}

func (q *MemoryQueue) ResolveAsSuccess(_ context.Context, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	op, ok := q.ops[token]
	if !ok {
		return ErrNotFound
	}

	if err := expect(op, StateDispatched); err != nil {
		return err
	}

	delete(q.ops, token)
	q.releaseSuccessors(token, StateEligible, "")

	return nil
}

func (q *MemoryQueue) ResolveAsHardFail(_ context.Context, token, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	op, ok := q.ops[token]
	if !ok {
		return ErrNotFound
	}

	if !isUnfinished(op.State) {
		return expect(op, StateDispatched)
	}

	op.State = StateFailed
	op.Reason = reason
	op.UpdatedAt = q.now()
	q.releaseSuccessors(token, StateFailed, "predecessor failed: "+reason)

	return nil
}

// releaseSuccessors moves the PredBlocked successors of token to state,
// cascading failures down the chain.
func (q *MemoryQueue) releaseSuccessors(token string, state State, reason string) {
	for _, succ := range q.ops {
		if succ.Predecessor != token || succ.State != StatePredBlocked {
			continue
		}

		succ.State = state
		succ.Reason = reason
		succ.UpdatedAt = q.now()

		if state == StateFailed {
			q.releaseSuccessors(succ.Token, StateFailed, reason)
		}
	}
}

func (q *MemoryQueue) ResolveAsDeferred(_ context.Context, token, reason string) error {
	return q.update(token, func(op *Operation) error {
		if err := expect(op, StateDispatched); err != nil {
			return err
		}

		op.State = StateDeferred
		op.Reason = reason
		op.NotBefore = q.now().Add(DeferInterval)

		return nil
	})
}

func (q *MemoryQueue) Requeue(_ context.Context, token string) error {
	return q.update(token, func(op *Operation) error {
		if err := expect(op, StateDispatched); err != nil {
			return err
		}

		op.State = StateEligible

		return nil
	})
}

func (q *MemoryQueue) ResolveAsUserBlocked(_ context.Context, token, reason string) error {
	return q.update(token, func(op *Operation) error {
		if err := expect(op, StateDispatched); err != nil {
			return err
		}

		op.State = StateUserBlocked
		op.Reason = reason

		return nil
	})
}

func (q *MemoryQueue) UnblockUser(_ context.Context, token string) error {
	return q.update(token, func(op *Operation) error {
		if err := expect(op, StateUserBlocked); err != nil {
			return err
		}

		op.State = StateEligible
		op.Reason = ""

		return nil
	})
}

func (q *MemoryQueue) ResolveAllDelayNotAllowedAsFailed(_ context.Context, accountID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}

	n := 0

	for _, op := range q.ops {
		if op.AccountID != accountID || !op.DelayNotAllowed || !isUnfinished(op.State) {
			continue
		}

		op.State = StateFailed
		op.Reason = "account unavailable"
		op.UpdatedAt = q.now()
		q.releaseSuccessors(op.Token, StateFailed, "predecessor failed: account unavailable")
		n++
	}

	return n, nil
}

func (q *MemoryQueue) ResolveAllDispatchedAsDeferred(_ context.Context, accountID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}

	n := 0
	now := q.now()

	for _, op := range q.ops {
		if op.AccountID != accountID || op.State != StateDispatched {
			continue
		}

		op.State = StateDeferred
		op.Reason = "interrupted"
		op.NotBefore = now
		op.UpdatedAt = now
		n++
	}

	return n, nil
}

func (q *MemoryQueue) Get(_ context.Context, token string) (*Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	op, ok := q.ops[token]
	if !ok {
		return nil, ErrNotFound
	}

	return clone(op), nil
}

func (q *MemoryQueue) List(_ context.Context, accountID string) ([]*Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	var out []*Operation

	for _, op := range q.ops {
		if op.AccountID == accountID {
			out = append(out, clone(op))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	return out, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	q.closed = true

	return nil
}
