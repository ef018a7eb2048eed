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
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/syncengine/pkg/backoff"
	"github.com/united-manufacturing-hub/syncengine/pkg/constants"
	"github.com/united-manufacturing-hub/syncengine/pkg/logger"
	"github.com/united-manufacturing-hub/syncengine/pkg/metrics"
	"github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
)

// Work is the body of a command. It runs on its own goroutine and returns
// the outcome; it must return promptly once ctx is done.
type Work func(ctx context.Context) *Result

// Config is shared by every command constructor.
type Config struct {
	Name   string
	Poster Poster
	// RetriesMax bounds TempFail retries, zero means CommandRetriesMax.
	RetriesMax int
	// Policy shapes the delay between attempts.
	Policy RetryPolicy
	// Timeout bounds one attempt, zero means CommandTimeout.
	Timeout time.Duration
	// Cleanup is run by CancelCleanup.
	Cleanup func()
	Logger  *zap.SugaredLogger
}

func (c Config) withDefaults() Config {
	if c.RetriesMax <= 0 {
		c.RetriesMax = constants.CommandRetriesMax
	}

	if c.Timeout <= 0 {
		c.Timeout = constants.CommandTimeout
	}

	if c.Policy == (RetryPolicy{}) {
		c.Policy = DefaultRetryPolicy()
	}

	if c.Logger == nil {
		c.Logger = logger.For(logger.ComponentCommand)
	}

	return c
}

// Async runs a Work on its own goroutine and posts its Result to the
// Poster, guarded by the epoch read at construction.
type Async struct {
	Base

	cfg     Config
	work    Work
	epoch   uint64
	delay   time.Duration
	retries *backoff.BackoffManager
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	lifecycle *fsm.FSM
	cancel    context.CancelFunc
	done      chan struct{}

	cleanupOnce sync.Once
}

// NewAsync creates a command around work. Construct it from inside the
// owning machine's action so it captures the right epoch.
func NewAsync(cfg Config, work Work) *Async {
	cfg = cfg.withDefaults()

	manager := backoff.NewBackoffManager(backoff.Config{
		InitialInterval: cfg.Policy.InitialInterval,
		MaxInterval:     cfg.Policy.MaxInterval,
		MaxRetries:      uint64(cfg.RetriesMax),
		Logger:          cfg.Logger,
	})

	return newAttempt(cfg, work, manager, 0)
}

func newAttempt(cfg Config, work Work, retries *backoff.BackoffManager, delay time.Duration) *Async {
	c := &Async{
		Base:    NewBase(cfg.Name, cfg.RetriesMax),
		cfg:     cfg,
		work:    work,
		delay:   delay,
		retries: retries,
		done:    make(chan struct{}),
	}

	if left := retries.RetriesLeft(); left < uint64(cfg.RetriesMax) {
		c.RetriesLeft = int(left)
	}

	c.logger = cfg.Logger.With("command", cfg.Name, "command_id", c.ID())
	c.lifecycle = newLifecycle(c.ID(), cfg.Name, c.logger)

	if cfg.Poster != nil {
		c.epoch = cfg.Poster.Epoch()
	}

	return c
}

// Delay is how long the attempt waits before it starts working.
func (c *Async) Delay() time.Duration { return c.delay }

// Lifecycle returns the lifecycle state, one of the LifecycleState values.
func (c *Async) Lifecycle() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lifecycle.Current()
}

// Done is closed once the command finished, was cancelled before running,
// or its goroutine exited after a cancel.
func (c *Async) Done() <-chan struct{} { return c.done }

func (c *Async) Execute(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.lifecycle.Event(ctx, LifecycleEventExecute); err != nil {
		return fmt.Errorf("%w: %s is %s", ErrNotExecutable, c.Name(), c.lifecycle.Current())
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go c.run(runCtx, cancel)

	return nil
}

func (c *Async) run(ctx context.Context, cancel context.CancelFunc) {
	defer close(c.done)
	defer cancel()

	if c.delay > 0 {
		timer := time.NewTimer(c.delay)

		select {
		case <-ctx.Done():
			timer.Stop()
			c.logger.Debugf("Cancelled during retry delay of %s", c.delay)

			return
		case <-timer.C:
		}
	}

	workCtx, cancelWork := context.WithTimeout(ctx, c.cfg.Timeout)
	started := time.Now()
	result := c.work(workCtx)

	cancelWork()

	if ctx.Err() != nil {
		c.logger.Debugf("Dropping outcome of interrupted command: %v", ctx.Err())

		return
	}

	if result == nil {
		result = &Result{Event: statemachine.EventHardFail, Message: "NORESULT"}
	}

	result.CommandID = c.ID()
	result.Command = c.Name()

	metrics.ObserveCommandDuration(c.Name(), time.Since(started))
	metrics.IncCommandOutcome(c.Name(), outcomeLabel(result.Event))

	c.post(result)
}

// post delivers the outcome unless Cancel won the race. The event is
// enqueued under the command mutex, the dispatch runs after releasing it
// so an action may cancel this very command.
func (c *Async) post(result *Result) {
	c.mu.Lock()

	if c.lifecycle.Is(LifecycleStateCancelled) {
		c.mu.Unlock()

		return
	}

	_ = c.lifecycle.Event(context.Background(), LifecycleEventComplete)

	if c.cfg.Poster == nil {
		c.mu.Unlock()

		return
	}

	accepted, drain := c.cfg.Poster.OfferIfEpoch(c.epoch, result.event())
	c.mu.Unlock()

	if !accepted {
		c.logger.Debugf("Outcome %s/%s arrived after the owner moved on", outcomeLabel(result.Event), result.Message)
	}

	if drain != nil {
		drain()
	}
}

func (c *Async) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lifecycle.Can(LifecycleEventCancel) {
		return
	}

	wasCreated := c.lifecycle.Is(LifecycleStateCreated)
	_ = c.lifecycle.Event(context.Background(), LifecycleEventCancel)

	if c.cancel != nil {
		c.cancel()
	}

	if wasCreated {
		close(c.done)
	}
}

func (c *Async) CancelCleanup() {
	if c.cfg.Cleanup == nil {
		return
	}

	c.cleanupOnce.Do(c.cfg.Cleanup)
}

// Retry records reason against the shared retry budget and returns the
// next attempt, which waits for the backoff delay before working.
func (c *Async) Retry(reason error) (Command, bool) {
	delay, permanent := c.retries.SetError(reason, time.Now())
	if permanent {
		c.logger.Infof("Retries exhausted after %d attempts: %v", c.RetriesMax+1, reason)

		return nil, false
	}

	next := newAttempt(c.cfg, c.work, c.retries, delay)
	c.logger.Debugf("Retrying as %s in %s, %d retries left", next.ID(), delay, next.RetriesLeft)

	return next, true
}
