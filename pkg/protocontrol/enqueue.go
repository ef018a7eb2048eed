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

	"github.com/united-manufacturing-hub/syncengine/pkg/pending"
)

// EnqueueOptions tunes a queued operation.
type EnqueueOptions struct {
	Hot bool
	// DelayNotAllowed fails the operation instead of keeping it while the
	// controller is parked.
	DelayNotAllowed bool
	// Predecessor holds the operation until that one finished.
	Predecessor string
}

// Enqueue queues an operation for this controller and announces it. It
// returns the operation token.
func (c *Control) Enqueue(ctx context.Context, kind pending.Kind, payload any, opts EnqueueOptions) (string, error) {
	if !c.supports(pending.CapabilityOf(kind)) {
		return "", fmt.Errorf("%w: %s cannot run %s", ErrUnsupported, c.proto.name, kind)
	}

	op, err := pending.NewOperation(c.cfg.AccountID, kind, payload)
	if err != nil {
		return "", err
	}

	op.Hot = opts.Hot
	op.DelayNotAllowed = opts.DelayNotAllowed
	op.Predecessor = opts.Predecessor

	if err := c.cfg.Pending.Enqueue(ctx, op); err != nil {
		return "", fmt.Errorf("enqueue %s for %s: %w", kind, c.cfg.AccountID, err)
	}

	if op.Hot {
		c.sm.Post(EventPendQHot, "PENDQHOT")
	} else {
		c.sm.Post(EventPendQ, "PENDQ")
	}

	return op.Token, nil
}

func (c *Control) supports(capability pending.Capability) bool {
	for _, have := range c.proto.caps {
		if have == capability {
			return true
		}
	}

	return false
}

// SendEmail queues an outgoing message. Sending always has a user waiting.
func (c *Control) SendEmail(ctx context.Context, msg pending.SendEmail) (string, error) {
	return c.Enqueue(ctx, pending.KindSendEmail, msg, EnqueueOptions{Hot: true})
}

func (c *Control) MarkEmailRead(ctx context.Context, m pending.MarkRead) (string, error) {
	return c.Enqueue(ctx, pending.KindMarkRead, m, EnqueueOptions{})
}

func (c *Control) MoveEmail(ctx context.Context, m pending.MoveEmail) (string, error) {
	return c.Enqueue(ctx, pending.KindMoveEmail, m, EnqueueOptions{})
}

func (c *Control) DeleteEmail(ctx context.Context, m pending.DeleteEmail) (string, error) {
	return c.Enqueue(ctx, pending.KindDeleteEmail, m, EnqueueOptions{})
}

// DownloadBody queues a body fetch for a message the user opened. With
// doNotDelay the fetch fails rather than waits for a parked controller.
func (c *Control) DownloadBody(ctx context.Context, m pending.DownloadBody, doNotDelay bool) (string, error) {
	return c.Enqueue(ctx, pending.KindDownloadBody, m, EnqueueOptions{Hot: true, DelayNotAllowed: doNotDelay})
}
