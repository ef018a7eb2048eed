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

package command

import (
	"context"
	"time"

	"github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
)

// NewWait creates a command that holds for d and then posts ev. Controllers
// use it as the housekeeping command of an idle account and to honour a
// server requested pause.
func NewWait(cfg Config, d time.Duration, ev statemachine.EventType, message string) *Async {
	if cfg.Timeout < d {
		cfg.Timeout = d + time.Second
	}

	return NewAsync(cfg, func(ctx context.Context) *Result {
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return &Result{Event: statemachine.EventTempFail, Message: "WAITABORT", Err: ctx.Err()}
		case <-timer.C:
			return &Result{Event: ev, Message: message}
		}
	})
}

// NewFunc creates a command around a plain function, for work that does
// not go through a transport such as disconnecting.
func NewFunc(cfg Config, fn func(ctx context.Context) error) *Async {
	return NewAsync(cfg, func(ctx context.Context) *Result {
		if err := fn(ctx); err != nil {
			return classifyError(err)
		}

		return &Result{Event: statemachine.EventSuccess, Message: "OK"}
	})
}
