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

package starvationchecker

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/syncengine/pkg/logger"
	"github.com/united-manufacturing-hub/syncengine/pkg/metrics"
	"github.com/united-manufacturing-hub/syncengine/pkg/sentry"
)

// Watched is a state machine whose oldest queued event can be inspected.
// *statemachine.Machine satisfies it.
type Watched interface {
	ID() string
	Name() string
	QueueAge() time.Duration
}

// Starved describes one finding of a check.
type Starved struct {
	// Machine is empty when the engine tick itself stalled.
	Machine string
	ID      string
	Age     time.Duration
}

// StarvationChecker detects two kinds of stalls: an engine that stopped
// ticking, and state machines that keep events queued without dispatching
// them, which means an action blocked the pump.
//
// A background goroutine checks every interval until Stop.
type StarvationChecker struct {
	lastTick            time.Time
	ctx                 context.Context //nolint:containedctx // This is intentional for background service lifecycle
	logger              *zap.SugaredLogger
	cancel              context.CancelFunc
	watched             map[string]Watched
	wg                  sync.WaitGroup
	starvationThreshold time.Duration
	interval            time.Duration
	mutex               sync.RWMutex
}

// NewStarvationChecker starts a checker that runs every second. It must be
// stopped with Stop.
func NewStarvationChecker(threshold time.Duration) *StarvationChecker {
	return NewStarvationCheckerWithInterval(threshold, time.Second)
}

func NewStarvationCheckerWithInterval(threshold, interval time.Duration) *StarvationChecker {
	ctx, cancel := context.WithCancel(context.Background())
	checker := &StarvationChecker{
		starvationThreshold: threshold,
		interval:            interval,
		lastTick:            time.Now(),
		watched:             make(map[string]Watched),
		logger:              logger.For(logger.ComponentStarvationChecker),
		ctx:                 ctx,
		cancel:              cancel,
	}

	checker.wg.Add(1)

	go checker.checkStarvationLoop()

	checker.logger.Infof("Starvation checker created with threshold %s", threshold)

	return checker
}

func (s *StarvationChecker) checkStarvationLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Check()
		}
	}
}

// Check reports every stall above the threshold and returns them, engine
// first, then machines by name and id.
func (s *StarvationChecker) Check() []Starved {
	s.mutex.RLock()
	sinceTick := time.Since(s.lastTick)
	watched := make([]Watched, 0, len(s.watched))

	for _, w := range s.watched {
		watched = append(watched, w)
	}
	s.mutex.RUnlock()

	var found []Starved

	if sinceTick > s.starvationThreshold {
		found = append(found, Starved{Age: sinceTick})
		metrics.AddStarvationTime(sinceTick.Seconds())
		sentry.ReportIssuef(sentry.IssueTypeWarning, s.logger, "[StarvationChecker.Check] Engine starvation detected: %.2f seconds since last tick", sinceTick.Seconds())
	}

	var machines []Starved

	for _, w := range watched {
		age := w.QueueAge()
		if age <= s.starvationThreshold {
			continue
		}

		machines = append(machines, Starved{Machine: w.Name(), ID: w.ID(), Age: age})
		metrics.AddStarvationTime(age.Seconds())
		sentry.ReportIssuefWithContext(sentry.IssueTypeWarning, s.logger,
			map[string]interface{}{"fsm_type": w.Name(), "instance_id": w.ID()},
			"[StarvationChecker.Check] Dispatch starvation detected: event queued for %.2f seconds", age.Seconds())
	}

	sort.Slice(machines, func(i, j int) bool {
		if machines[i].Machine != machines[j].Machine {
			return machines[i].Machine < machines[j].Machine
		}

		return machines[i].ID < machines[j].ID
	})

	if len(found) == 0 && len(machines) == 0 {
		s.logger.Debugf("Engine is healthy, last tick was %.2f seconds ago", sinceTick.Seconds())
	}

	return append(found, machines...)
}

// Watch adds a machine. A machine with the same name and id replaces the
// earlier one.
func (s *StarvationChecker) Watch(w Watched) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.watched[key(w)] = w
}

func (s *StarvationChecker) Unwatch(w Watched) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.watched, key(w))
}

func key(w Watched) string { return w.Name() + "/" + w.ID() }

// Stop terminates the background check.
func (s *StarvationChecker) Stop() {
	s.logger.Info("Stopping starvation checker")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Starvation checker stopped")
}

// Tick marks the engine as alive. The engine calls it once per cycle.
func (s *StarvationChecker) Tick() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.lastTick = time.Now()
}

func (s *StarvationChecker) LastTick() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.lastTick
}
