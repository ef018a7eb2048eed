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

// Package commstatus tracks network reachability, link speed and the
// per-account server quality the protocol controllers react to.
package commstatus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/syncengine/pkg/constants"
	"github.com/united-manufacturing-hub/syncengine/pkg/logger"
)

type NetStatus int

const (
	NetDown NetStatus = iota
	NetUp
)

func (n NetStatus) String() string {
	if n == NetUp {
		return "up"
	}

	return "down"
}

// Quality of the server of one account, derived from recent results.
type Quality int

const (
	QualityOK Quality = iota
	QualityDegraded
	QualityUnusable
)

func (q Quality) String() string {
	switch q {
	case QualityOK:
		return "ok"
	case QualityDegraded:
		return "degraded"
	default:
		return "unusable"
	}
}

type Speed int

const (
	SpeedUnknown Speed = iota
	SpeedWiFi
	SpeedCellFast
	SpeedCellSlow
)

func (s Speed) String() string {
	switch s {
	case SpeedWiFi:
		return "wifi"
	case SpeedCellFast:
		return "cell_fast"
	case SpeedCellSlow:
		return "cell_slow"
	default:
		return "unknown"
	}
}

type ChangeKind int

const (
	ChangeNet ChangeKind = iota
	ChangeQuality
	ChangeSpeed
)

// Change is delivered to subscribers. AccountID is only set for
// ChangeQuality.
type Change struct {
	Kind      ChangeKind
	AccountID string
	Net       NetStatus
	Quality   Quality
	Speed     Speed
}

type Config struct {
	// Window is how long a single result counts towards the quality.
	Window time.Duration
	// InitialNet is the status before the platform reported anything.
	InitialNet NetStatus
	Logger     *zap.SugaredLogger
}

type account struct {
	samples *expiremap.ExpireMap[uint64, bool]
	quality Quality
}

// Monitor is safe for concurrent use. Subscribers are called on the
// goroutine that caused the change, never under the monitor lock.
type Monitor struct {
	window time.Duration
	logger *zap.SugaredLogger

	net   atomic.Int32
	speed atomic.Int32
	seq   atomic.Uint64

	mu       sync.Mutex
	accounts map[string]*account
	subs     map[uint64]func(Change)
	nextSub  uint64
}

func NewMonitor(cfg Config) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = constants.QualityWindow
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.For(logger.ComponentCommStatus)
	}

	m := &Monitor{
		window:   cfg.Window,
		logger:   cfg.Logger,
		accounts: make(map[string]*account),
		subs:     make(map[uint64]func(Change)),
	}
	m.net.Store(int32(cfg.InitialNet))

	return m
}

func (m *Monitor) NetStatus() NetStatus { return NetStatus(m.net.Load()) }

func (m *Monitor) Speed() Speed { return Speed(m.speed.Load()) }

// Quality of accountID's server. Accounts without enough samples are OK.
func (m *Monitor) Quality(accountID string) Quality {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.accounts[accountID]; ok {
		return a.quality
	}

	return QualityOK
}

// Subscribe registers fn for every change and returns its cancel func.
func (m *Monitor) Subscribe(fn func(Change)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		delete(m.subs, id)
	}
}

func (m *Monitor) SetNetStatus(s NetStatus) {
	if NetStatus(m.net.Swap(int32(s))) == s {
		return
	}

	m.logger.Infof("Network is %s", s)
	m.notify(Change{Kind: ChangeNet, Net: s, Speed: m.Speed()})
}

func (m *Monitor) SetSpeed(s Speed) {
	if Speed(m.speed.Swap(int32(s))) == s {
		return
	}

	m.logger.Debugf("Link speed is %s", s)
	m.notify(Change{Kind: ChangeSpeed, Net: m.NetStatus(), Speed: s})
}

// ReportCommResult records the outcome of one exchange with the server of
// accountID.
func (m *Monitor) ReportCommResult(accountID string, ok bool) {
	m.mu.Lock()

	a, found := m.accounts[accountID]
	if !found {
		a = &account{samples: expiremap.NewEx[uint64, bool](m.window, m.window)}
		m.accounts[accountID] = a
	}

	a.samples.Set(m.seq.Add(1), ok)
	change, changed := m.recompute(accountID, a)

	m.mu.Unlock()

	if changed {
		m.notify(change)
	}
}

// Refresh re-evaluates every account so expired samples can lift a
// degraded quality without new traffic.
func (m *Monitor) Refresh() {
	var changes []Change

	m.mu.Lock()

	for id, a := range m.accounts {
		if c, changed := m.recompute(id, a); changed {
			changes = append(changes, c)
		}
	}

	m.mu.Unlock()

	for _, c := range changes {
		m.notify(c)
	}
}

// Forget drops the samples of a removed account.
func (m *Monitor) Forget(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.accounts, accountID)
}

func (m *Monitor) recompute(accountID string, a *account) (Change, bool) {
	total, failed := 0, 0

	a.samples.Range(func(_ uint64, ok bool) bool {
		total++

		if !ok {
			failed++
		}

		return true
	})

	q := rate(total, failed)
	if q == a.quality {
		return Change{}, false
	}

	m.logger.Infof("Server quality of %s changed from %s to %s (%d/%d failed)", accountID, a.quality, q, failed, total)
	a.quality = q

	return Change{Kind: ChangeQuality, AccountID: accountID, Quality: q, Net: m.NetStatus(), Speed: m.Speed()}, true
}

func rate(total, failed int) Quality {
	if total < constants.QualityMinSamples {
		return QualityOK
	}

	ratio := float64(failed) / float64(total)

	switch {
	case ratio >= constants.QualityUnusableRatio:
		return QualityUnusable
	case ratio >= constants.QualityDegradedRatio:
		return QualityDegraded
	default:
		return QualityOK
	}
}

func (m *Monitor) notify(c Change) {
	m.mu.Lock()
	subs := make([]func(Change), 0, len(m.subs))

	for _, fn := range m.subs {
		subs = append(subs, fn)
	}

	m.mu.Unlock()

	for _, fn := range subs {
		fn(c)
	}
}
