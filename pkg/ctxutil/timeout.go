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

// Package ctxutil holds deadline helpers for the engine tick.
package ctxutil

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoDeadline is returned for a context without deadline.
	ErrNoDeadline = errors.New("context has no deadline")
	// ErrInsufficientTime is returned by callers that refuse to start work
	// which would overrun the deadline.
	ErrInsufficientTime = errors.New("insufficient time remaining before deadline")
)

// HasSufficientTime reports whether at least required is left before the
// deadline of ctx. Running short is not an error, callers skip optional
// work instead.
func HasSufficientTime(ctx context.Context, required time.Duration) (remaining time.Duration, sufficient bool, err error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0, false, ErrNoDeadline
	}

	remaining = time.Until(deadline)

	return remaining, remaining >= required, nil
}

// WithTickBudget derives a context that ends after factor of interval, so
// the rest of the tick stays free for bookkeeping.
func WithTickBudget(ctx context.Context, interval time.Duration, factor float64) (context.Context, context.CancelFunc) {
	if factor <= 0 || factor > 1 {
		factor = 1
	}

	return context.WithTimeout(ctx, time.Duration(float64(interval)*factor))
}
