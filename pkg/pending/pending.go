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

// Package pending is the queue of user requested mail operations waiting
// to be carried out against the server.
package pending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("pending operation not found")
	ErrInvalidState = errors.New("pending operation is in the wrong state")
	ErrClosed       = errors.New("pending queue is closed")
)

// State of a pending operation.
type State string

const (
	// StateEligible can be picked by the controller.
	StateEligible State = "eligible"
	// StateDeferred waits until NotBefore, then behaves like Eligible.
	StateDeferred State = "deferred"
	// StateDispatched is owned by a running command.
	StateDispatched State = "dispatched"
	// StatePredBlocked waits for its predecessor to finish.
	StatePredBlocked State = "pred_blocked"
	// StateUserBlocked needs the user to fix something first.
	StateUserBlocked State = "user_blocked"
	StateFailed      State = "failed"
	// StateDeleted is reported for operations that completed and left the queue.
	StateDeleted State = "deleted"
)

// Kind of mail operation.
type Kind string

const (
	KindSendEmail    Kind = "send_email"
	KindMarkRead     Kind = "mark_read"
	KindMoveEmail    Kind = "move_email"
	KindDeleteEmail  Kind = "delete_email"
	KindDownloadBody Kind = "download_body"
)

// Capability is what a protocol controller must offer to run an operation.
type Capability string

const (
	CapabilityEmailReaderWriter Capability = "email_reader_writer"
	CapabilityEmailSender       Capability = "email_sender"
)

// CapabilityOf returns the capability an operation kind requires.
func CapabilityOf(k Kind) Capability {
	if k == KindSendEmail {
		return CapabilityEmailSender
	}

	return CapabilityEmailReaderWriter
}

// Operation is one queued request.
type Operation struct {
	Token      string     `json:"token"`
	Seq        int64      `json:"seq"`
	AccountID  string     `json:"accountId"`
	Kind       Kind       `json:"kind"`
	Capability Capability `json:"capability"`
	// Hot operations have a user waiting and go before background work.
	Hot bool `json:"hot"`
	// DelayNotAllowed operations fail instead of waiting when the account
	// is parked.
	DelayNotAllowed bool      `json:"delayNotAllowed"`
	State           State     `json:"state"`
	Predecessor     string    `json:"predecessor,omitempty"`
	NotBefore       time.Time `json:"notBefore"`
	Reason          string    `json:"reason,omitempty"`
	Attempts        int       `json:"attempts"`
	Payload         []byte    `json:"payload,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Queue is the pending operation store. Only state machine actions call
// the mutating methods.
type Queue interface {
	// Enqueue stores op, assigning Token, Seq and State. An operation with a
	// Predecessor that is still queued starts PredBlocked.
	Enqueue(ctx context.Context, op *Operation) error
	// NextEligible returns the oldest eligible operation of the account,
	// hot before background, restricted to caps when given. Nil when none.
	NextEligible(ctx context.Context, accountID string, caps ...Capability) (*Operation, error)
	MarkDispatched(ctx context.Context, token string) error
	// ResolveAsSuccess removes the operation and unblocks its successors.
	ResolveAsSuccess(ctx context.Context, token string) error
	// ResolveAsHardFail fails the operation and its successors.
	ResolveAsHardFail(ctx context.Context, token, reason string) error
	// ResolveAsDeferred hands the operation back for a later attempt.
	ResolveAsDeferred(ctx context.Context, token, reason string) error
	// Requeue makes a dispatched operation eligible again right away, for
	// work interrupted before it had an outcome.
	Requeue(ctx context.Context, token string) error
	// ResolveAsUserBlocked parks a dispatched operation until UnblockUser.
	ResolveAsUserBlocked(ctx context.Context, token, reason string) error
	UnblockUser(ctx context.Context, token string) error
	// ResolveAllDelayNotAllowedAsFailed fails every unfinished operation of
	// the account that must not wait. Returns how many were failed.
	ResolveAllDelayNotAllowedAsFailed(ctx context.Context, accountID string) (int, error)
	// ResolveAllDispatchedAsDeferred makes operations left dispatched by a
	// previous run eligible again.
	ResolveAllDispatchedAsDeferred(ctx context.Context, accountID string) (int, error)
	Get(ctx context.Context, token string) (*Operation, error)
	List(ctx context.Context, accountID string) ([]*Operation, error)
	Close() error
}

// DeferInterval is how long ResolveAsDeferred keeps an operation back.
var DeferInterval = 30 * time.Second

func prepare(op *Operation, now time.Time) error {
	if op.AccountID == "" {
		return fmt.Errorf("%w: operation without account", ErrInvalidState)
	}

	if op.Kind == "" {
		return fmt.Errorf("%w: operation without kind", ErrInvalidState)
	}

	if op.Token == "" {
		op.Token = uuid.NewString()
	}

	if op.Capability == "" {
		op.Capability = CapabilityOf(op.Kind)
	}

	op.State = StateEligible
	op.CreatedAt = now
	op.UpdatedAt = now

	return nil
}

// isEligible reports whether op may be picked at now.
func isEligible(op *Operation, now time.Time) bool {
	switch op.State {
	case StateEligible:
		return true
	case StateDeferred:
		return !now.Before(op.NotBefore)
	default:
		return false
	}
}

func isUnfinished(s State) bool {
	switch s {
	case StateEligible, StateDeferred, StateDispatched, StatePredBlocked, StateUserBlocked:
		return true
	default:
		return false
	}
}

func hasCapability(op *Operation, caps []Capability) bool {
	if len(caps) == 0 {
		return true
	}

	for _, c := range caps {
		if op.Capability == c {
			return true
		}
	}

	return false
}

// before orders eligible operations: hot first, then FIFO.
func before(a, b *Operation) bool {
	if a.Hot != b.Hot {
		return a.Hot
	}

	return a.Seq < b.Seq
}

func expect(op *Operation, allowed ...State) error {
	for _, s := range allowed {
		if op.State == s {
			return nil
		}
	}

	return fmt.Errorf("%w: %s is %s", ErrInvalidState, op.Token, op.State)
}
