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

package backoff

import (
	"fmt"
	"sync"
	"time"

	cbackoff "github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// Config configures a BackoffManager.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxRetries is the number of failures that are retried. The failure
	// after that is permanent. Zero means retry forever.
	MaxRetries uint64
	Logger     *zap.SugaredLogger
}

// BackoffManager tracks consecutive failures of one operation and decides
// when the next attempt may run and when to give up.
//
// With MaxRetries = 3 the first three SetError calls return a delay and
// the fourth reports permanent failure.
type BackoffManager struct {
	mu sync.Mutex

	policy    cbackoff.BackOff
	cfg       Config
	lastError error
	failures  uint64
	suspended time.Time
	permanent bool
}

func NewBackoffManager(cfg Config) *BackoffManager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	m := &BackoffManager{cfg: cfg}
	m.policy = m.newPolicy()

	return m
}

func (m *BackoffManager) newPolicy() cbackoff.BackOff {
	exp := cbackoff.NewExponentialBackOff()
	if m.cfg.InitialInterval > 0 {
		exp.InitialInterval = m.cfg.InitialInterval
	}

	if m.cfg.MaxInterval > 0 {
		exp.MaxInterval = m.cfg.MaxInterval
	}
	// retries are bounded by count, not by wall time
	exp.MaxElapsedTime = 0
	exp.Reset()

	if m.cfg.MaxRetries == 0 {
		return exp
	}

	return cbackoff.WithMaxRetries(exp, m.cfg.MaxRetries)
}

// SetError records a failure. It returns the delay before the next attempt
// and false, or zero and true once retries are exhausted.
func (m *BackoffManager) SetError(err error, now time.Time) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastError = err
	m.failures++

	if m.permanent {
		return 0, true
	}

	next := m.policy.NextBackOff()
	if next == cbackoff.Stop {
		m.permanent = true
		m.cfg.Logger.Debugf("giving up after %d failures: %v", m.failures, err)

		return 0, true
	}

	m.suspended = now.Add(next)

	return next, false
}

// ShouldSkipOperation reports whether now falls inside the suspension
// window of the last failure, or the operation failed permanently.
func (m *BackoffManager) ShouldSkipOperation(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.permanent || now.Before(m.suspended)
}

func (m *BackoffManager) IsPermanentlyFailed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.permanent
}

// RetriesLeft is MaxRetries minus the failures seen so far.
func (m *BackoffManager) RetriesLeft() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxRetries == 0 {
		return ^uint64(0)
	}

	if m.failures >= m.cfg.MaxRetries {
		return 0
	}

	return m.cfg.MaxRetries - m.failures
}

// Reset clears the failure history, used when a new class of request
// begins or after a success.
func (m *BackoffManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastError = nil
	m.failures = 0
	m.suspended = time.Time{}
	m.permanent = false
	m.policy = m.newPolicy()
}

// GetBackoffError describes the current state as an error recognised by
// IsTemporaryBackoffError and IsPermanentFailureError, nil when healthy.
func (m *BackoffManager) GetBackoffError(now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.permanent:
		return fmt.Errorf("%s after %d failures: %w", PermanentFailureError, m.failures, m.lastError)
	case now.Before(m.suspended):
		return fmt.Errorf("%s, retry in %s: %w", TemporaryBackoffError, m.suspended.Sub(now).Round(time.Millisecond), m.lastError)
	default:
		return nil
	}
}
