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

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

const (
	LifecycleStateCreated   = "created"
	LifecycleStateExecuting = "executing"
	LifecycleStateCompleted = "completed"
	LifecycleStateCancelled = "cancelled"

	LifecycleEventExecute  = "execute"
	LifecycleEventComplete = "complete"
	LifecycleEventCancel   = "cancel"
)

// newLifecycle builds the created -> executing -> completed | cancelled
// machine that gates Execute, the outcome post and Cancel. Callers hold
// the command mutex around every Event call.
func newLifecycle(id, name string, logger *zap.SugaredLogger) *fsm.FSM {
	return fsm.NewFSM(
		LifecycleStateCreated,
		fsm.Events{
			{Name: LifecycleEventExecute, Src: []string{LifecycleStateCreated}, Dst: LifecycleStateExecuting},
			{Name: LifecycleEventComplete, Src: []string{LifecycleStateExecuting}, Dst: LifecycleStateCompleted},
			{Name: LifecycleEventCancel, Src: []string{LifecycleStateCreated, LifecycleStateExecuting}, Dst: LifecycleStateCancelled},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debugf("Command %s(%s): %s -> %s", name, id, e.Src, e.Dst)
			},
		},
	)
}
