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

// Package control runs the protocol controllers of every configured
// account.
//
// The engine creates all controllers up front, then starts them, so that
// recovery of interrupted work (which is per account) finishes before any
// controller dispatches again. A ticker loop afterwards keeps each
// controller at its desired state, feeds the comm health monitor and
// publishes a snapshot for the API.
package control

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/united-manufacturing-hub/syncengine/pkg/backoff"
	"github.com/united-manufacturing-hub/syncengine/pkg/command"
	"github.com/united-manufacturing-hub/syncengine/pkg/commstatus"
	"github.com/united-manufacturing-hub/syncengine/pkg/config"
	"github.com/united-manufacturing-hub/syncengine/pkg/constants"
	"github.com/united-manufacturing-hub/syncengine/pkg/ctxutil"
	"github.com/united-manufacturing-hub/syncengine/pkg/logger"
	"github.com/united-manufacturing-hub/syncengine/pkg/metrics"
	"github.com/united-manufacturing-hub/syncengine/pkg/pending"
	"github.com/united-manufacturing-hub/syncengine/pkg/protocolstate"
	"github.com/united-manufacturing-hub/syncengine/pkg/protocontrol"
	"github.com/united-manufacturing-hub/syncengine/pkg/sentry"
	"github.com/united-manufacturing-hub/syncengine/pkg/starvationchecker"
	"github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
	"github.com/united-manufacturing-hub/syncengine/pkg/transport"
)

var ErrNoController = errors.New("no controller for this account and protocol")

// Controller is what the engine needs from a protocol controller. The
// protocontrol types satisfy it.
type Controller interface {
	AccountID() string
	Protocol() string
	Machine() *statemachine.Machine
	StateName() string
	IsParked() bool
	BackEndState() protocontrol.BackEndState
	Capabilities() []pending.Capability
	ExtrasInFlight() int
	LastSync() time.Time

	Execute() bool
	ForceStop()
	Remove()
	Removed() <-chan struct{}
	OnHealth(ch commstatus.Change)

	CredResp(cred protocontrol.Credentials)
	ServerConfResp(server protocontrol.ServerConfig, force bool)
	CertAskResp(accept bool)
	Enqueue(ctx context.Context, kind pending.Kind, payload any, opts protocontrol.EnqueueOptions) (string, error)
}

// TransportFactory builds the transport of one account protocol.
type TransportFactory func(accountID string, p config.ProtocolConfig) (transport.Transport, error)

// Config configures an Engine.
type Config struct {
	// Full is the initial configuration, defaults applied.
	Full config.FullConfig
	// ConfigManager is polled every tick when set.
	ConfigManager config.ConfigManager

	Pending pending.Queue
	States  protocolstate.Store
	Health  *commstatus.Monitor
	// NewTransport defaults to an HTTP transport per account protocol.
	NewTransport TransportFactory
	Logger       *zap.SugaredLogger
}

type key struct {
	account  string
	protocol string
}

func (k key) String() string { return k.account + "/" + k.protocol }

type entry struct {
	ctrl    Controller
	desired config.DesiredState
}

// Engine owns the controllers. All methods are safe for concurrent use.
type Engine struct {
	engineCfg    config.EngineConfig
	configMgr    config.ConfigManager
	pending      pending.Queue
	states       protocolstate.Store
	health       *commstatus.Monitor
	newTransport TransportFactory
	logger       *zap.SugaredLogger
	starvation   *starvationchecker.StarvationChecker

	// applyMu serializes config changes, which wait for removals.
	applyMu *semaphore.Weighted

	mu       sync.RWMutex
	entries  map[key]*entry
	accounts map[string]config.AccountConfig
	requests map[key]UserRequest
	started  bool
	unsub    func()

	snapMu   sync.RWMutex
	snapshot Snapshot
	tick     uint64
}

// NewEngine creates every configured controller without starting any.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Pending == nil:
		return nil, fmt.Errorf("%w: no pending queue", config.ErrInvalid)
	case cfg.States == nil:
		return nil, fmt.Errorf("%w: no protocol state store", config.ErrInvalid)
	}

	full := cfg.Full.WithDefaults()
	if err := full.Validate(); err != nil {
		return nil, err
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.For(logger.ComponentEngine)
	}

	if cfg.Health == nil {
		cfg.Health = commstatus.NewMonitor(commstatus.Config{InitialNet: commstatus.NetUp})
	}

	e := &Engine{
		engineCfg:  full.Engine,
		configMgr:  cfg.ConfigManager,
		pending:    cfg.Pending,
		states:     cfg.States,
		health:     cfg.Health,
		logger:     cfg.Logger,
		starvation: starvationchecker.NewStarvationChecker(constants.StarvationThreshold),
		applyMu:    semaphore.NewWeighted(1),
		entries:    make(map[key]*entry),
		accounts:   make(map[string]config.AccountConfig),
		requests:   make(map[key]UserRequest),
	}

	e.newTransport = cfg.NewTransport
	if e.newTransport == nil {
		e.newTransport = e.httpTransport
	}

	for _, acc := range full.Accounts {
		if err := e.addAccount(acc); err != nil {
			e.removeAll()
			e.starvation.Stop()

			return nil, err
		}
	}

	metrics.InitErrorCounter(metrics.ComponentEngine, "main")

	return e, nil
}

func (e *Engine) httpTransport(accountID string, p config.ProtocolConfig) (transport.Transport, error) {
	return transport.NewHTTPTransport(transport.HTTPConfig{
		BaseURL:     p.BaseURL,
		Timeout:     e.engineCfg.CommandTimeout,
		InsecureTLS: p.InsecureTLS,
		Online:      func() bool { return e.health.NetStatus() == commstatus.NetUp },
		Logger:      logger.ForAccount(logger.ComponentTransport, accountID),
	})
}

func (e *Engine) newController(accountID string, p config.ProtocolConfig) (Controller, error) {
	tr, err := e.newTransport(accountID, p)
	if err != nil {
		return nil, fmt.Errorf("transport for %s/%s: %w", accountID, p.Protocol, err)
	}

	cfg := protocontrol.Config{
		AccountID: accountID,
		Pending:   e.pending,
		States:    e.states,
		Transport: tr,
		Health:    e.health,
		Strategy: &protocontrol.DefaultStrategy{
			SyncInterval: e.engineCfg.SyncInterval,
			Push:         e.engineCfg.Push,
		},
		Owner:          e,
		Status:         e.onStatus,
		Server:         protocontrol.ServerConfig{Host: p.Host, Port: p.Port, TLS: p.TLS},
		Credentials:    protocontrol.Credentials{Username: p.Username, Password: p.Password},
		RetryPolicy:    command.DefaultRetryPolicy(),
		CommandTimeout: e.engineCfg.CommandTimeout,
		IdleTimeout:    e.engineCfg.IdleTimeout,
		MaxExtras:      e.engineCfg.MaxExtras,
		StrictInvalid:  e.engineCfg.StrictInvalid,
	}

	switch p.Protocol {
	case config.ProtocolImap:
		c, err := protocontrol.NewImap(cfg)
		if err != nil {
			return nil, err
		}

		return c, nil
	case config.ProtocolSmtp:
		c, err := protocontrol.NewSmtp(cfg)
		if err != nil {
			return nil, err
		}

		return c, nil
	case config.ProtocolActiveSync:
		c, err := protocontrol.NewActiveSync(cfg)
		if err != nil {
			return nil, err
		}

		return c, nil
	default:
		return nil, fmt.Errorf("%w: unknown protocol %q", config.ErrInvalid, p.Protocol)
	}
}

// addAccount creates the controllers of one account. All of them exist
// before the caller starts any.
func (e *Engine) addAccount(acc config.AccountConfig) error {
	created := make(map[key]*entry, len(acc.Protocols))

	for _, p := range acc.Protocols {
		ctrl, err := e.newController(acc.ID, p)
		if err != nil {
			for _, en := range created {
				en.ctrl.Remove()
			}

			return err
		}

		created[key{acc.ID, p.Protocol}] = &entry{ctrl: ctrl, desired: acc.DesiredState}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for k, en := range created {
		e.entries[k] = en
		e.starvation.Watch(en.ctrl.Machine())
	}

	e.accounts[acc.ID] = acc

	return nil
}

// Start subscribes to health changes and launches every active controller.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()

		return
	}

	e.started = true
	e.unsub = e.health.Subscribe(e.onHealth)

	var active []Controller

	for _, en := range e.entries {
		if en.desired == config.DesiredActive {
			active = append(active, en.ctrl)
		}
	}

	total := len(e.entries)
	e.mu.Unlock()

	for _, c := range active {
		c.Execute()
	}

	e.logger.Infof("Engine started %d of %d controllers", len(active), total)
}

func (e *Engine) snapshotEntries() []*entry {
	out := make([]*entry, 0, len(e.entries))
	for _, en := range e.entries {
		out = append(out, en)
	}

	return out
}

func (e *Engine) onHealth(ch commstatus.Change) {
	e.mu.RLock()
	var active []Controller

	for _, en := range e.entries {
		if en.desired == config.DesiredActive {
			active = append(active, en.ctrl)
		}
	}
	e.mu.RUnlock()

	for _, c := range active {
		if ch.Kind == commstatus.ChangeQuality && ch.AccountID != c.AccountID() {
			continue
		}

		c.OnHealth(ch)
	}
}

// Run starts the engine and reconciles every tick until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	e.Start()

	interval := e.engineCfg.TickerTime
	if interval <= 0 {
		interval = constants.DefaultTickerTime
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()

			tickCtx, cancel := context.WithTimeout(ctx, interval)
			err := e.Reconcile(tickCtx)

			cancel()

			cycle := time.Since(start)
			if cycle > interval {
				e.logger.Warnf("Engine tick took longer than the ticker time: %v", cycle)
			}

			metrics.ObserveReconcileTime(metrics.ComponentEngine, "main", cycle)

			switch {
			case err == nil:
			case errors.Is(err, context.DeadlineExceeded):
				sentry.ReportIssuef(sentry.IssueTypeWarning, e.logger, "Engine tick timed out: %v", err)
			case errors.Is(err, context.Canceled):
				e.logger.Infof("Engine cancelled")

				return nil
			default:
				metrics.IncErrorCountAndLog(metrics.ComponentEngine, "main", err, e.logger)
				sentry.ReportIssuef(sentry.IssueTypeError, e.logger, "Engine error: %v", err)

				return err
			}
		}
	}
}

// Reconcile runs one tick: pick up config changes, hold every controller
// at its desired state and publish a new snapshot.
func (e *Engine) Reconcile(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	e.starvation.Tick()

	if err := e.pollConfig(ctx); err != nil {
		return err
	}

	e.health.Refresh()

	e.mu.RLock()
	entries := e.snapshotEntries()
	e.mu.RUnlock()

	interval := e.engineCfg.TickerTime
	if interval <= 0 {
		interval = constants.DefaultTickerTime
	}

	innerCtx, cancel := ctxutil.WithTickBudget(ctx, interval, constants.EngineTimeFactor)
	defer cancel()

	var (
		mu    sync.Mutex
		items = make([]ControllerSnapshot, 0, len(entries))
	)

	g, gctx := errgroup.WithContext(innerCtx)
	g.SetLimit(constants.MaxConcurrentControllers)

	for _, en := range entries {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			e.holdDesired(en)

			item := e.describe(gctx, en)

			mu.Lock()
			items = append(items, item)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	e.publish(items)

	return nil
}

// pollConfig applies changes from the config manager. Temporary backoff
// skips the change, a permanent failure stops the engine.
func (e *Engine) pollConfig(ctx context.Context) error {
	if e.configMgr == nil {
		return nil
	}

	full, err := e.configMgr.GetConfig(ctx, time.Now())

	switch {
	case err == nil:
		return e.Apply(ctx, full)
	case backoff.IsTemporaryBackoffError(err):
		e.logger.Debugf("Skipping config change due to temporary backoff: %v", err)

		return nil
	case backoff.IsPermanentFailureError(err):
		metrics.IncErrorCountAndLog(metrics.ComponentEngine, "config_permanent_failure", err, e.logger)

		return fmt.Errorf("config permanently failed, needs intervention: %w", err)
	default:
		sentry.ReportIssuef(sentry.IssueTypeError, e.logger, "Config error: %v", err)

		return nil
	}
}

// holdDesired parks controllers that should be parked and relaunches
// active ones that ended up parked, for example after a failed resume.
func (e *Engine) holdDesired(en *entry) {
	e.mu.RLock()
	desired, started := en.desired, e.started
	e.mu.RUnlock()

	if !started {
		return
	}

	switch desired {
	case config.DesiredParked:
		if !en.ctrl.IsParked() {
			en.ctrl.ForceStop()
		}
	case config.DesiredActive:
		// never launched, or parked behind our back
		idle := en.ctrl.IsParked() || en.ctrl.Machine().Dispatched() == 0
		if idle && e.health.NetStatus() == commstatus.NetUp &&
			e.health.Quality(en.ctrl.AccountID()) != commstatus.QualityUnusable {
			en.ctrl.Execute()
		}
	}
}

// Apply moves the engine to full. Accounts whose server settings changed
// are removed and created again, with every protocol of the account, so a
// new controller never recovers work a sibling still runs.
func (e *Engine) Apply(ctx context.Context, full config.FullConfig) error {
	if err := e.applyMu.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.applyMu.Release(1)

	full = full.WithDefaults()

	e.mu.RLock()
	current := make(map[string]config.AccountConfig, len(e.accounts))
	for id, acc := range e.accounts {
		current[id] = acc
	}
	started := e.started
	e.mu.RUnlock()

	wanted := make(map[string]config.AccountConfig, len(full.Accounts))
	for _, acc := range full.Accounts {
		wanted[acc.ID] = acc
	}

	for id, acc := range current {
		next, ok := wanted[id]
		if ok && reflect.DeepEqual(acc.Protocols, next.Protocols) {
			if acc.DesiredState != next.DesiredState {
				e.setDesired(id, next.DesiredState)
			}

			continue
		}

		if err := e.removeAccount(ctx, id); err != nil {
			return err
		}
	}

	for id, acc := range wanted {
		e.mu.RLock()
		_, exists := e.accounts[id]
		e.mu.RUnlock()

		if exists {
			continue
		}

		if err := e.addAccount(acc); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, e.logger, "Failed to add account %s: %v", id, err)

			continue
		}

		e.logger.Infof("Added account %s", id)

		if started && acc.DesiredState == config.DesiredActive {
			e.forAccount(id, func(c Controller) { c.Execute() })
		}
	}

	return nil
}

func (e *Engine) setDesired(accountID string, state config.DesiredState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for k, en := range e.entries {
		if k.account == accountID {
			en.desired = state
		}
	}

	if acc, ok := e.accounts[accountID]; ok {
		acc.DesiredState = state
		e.accounts[accountID] = acc
	}

	e.logger.Infof("Account %s is now %s", accountID, state)
}

func (e *Engine) forAccount(accountID string, fn func(Controller)) {
	e.mu.RLock()
	var ctrls []Controller

	for k, en := range e.entries {
		if k.account == accountID {
			ctrls = append(ctrls, en.ctrl)
		}
	}
	e.mu.RUnlock()

	for _, c := range ctrls {
		fn(c)
	}
}

// removeAccount removes the controllers of an account and waits until
// they forgot their persisted state.
func (e *Engine) removeAccount(ctx context.Context, accountID string) error {
	e.mu.Lock()
	var removed []Controller

	for k, en := range e.entries {
		if k.account != accountID {
			continue
		}

		removed = append(removed, en.ctrl)
		delete(e.entries, k)
		delete(e.requests, k)
		e.starvation.Unwatch(en.ctrl.Machine())
	}

	delete(e.accounts, accountID)
	e.mu.Unlock()

	for _, c := range removed {
		c.Remove()
	}

	for _, c := range removed {
		select {
		case <-c.Removed():
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s/%s to be removed: %w", accountID, c.Protocol(), ctx.Err())
		}
	}

	e.health.Forget(accountID)
	e.logger.Infof("Removed account %s", accountID)

	return nil
}

func (e *Engine) removeAll() {
	e.mu.Lock()
	entries := e.snapshotEntries()
	e.entries = make(map[key]*entry)
	e.mu.Unlock()

	for _, en := range entries {
		en.ctrl.Remove()
	}
}

// Shutdown parks every controller and waits for them, or for ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}

	entries := e.snapshotEntries()
	e.mu.Unlock()

	for _, en := range entries {
		en.ctrl.ForceStop()
	}

	defer e.starvation.Stop()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		parked := 0

		for _, en := range entries {
			if en.ctrl.IsParked() {
				parked++
			}
		}

		if parked == len(entries) {
			e.logger.Infof("All %d controllers parked", parked)

			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%d of %d controllers still running: %w", len(entries)-parked, len(entries), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Controller returns the controller of an account protocol.
func (e *Engine) Controller(accountID, protocol string) (Controller, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	en, ok := e.entries[key{accountID, protocol}]
	if !ok {
		return nil, false
	}

	return en.ctrl, true
}

// Enqueue hands an operation to the account's controller that can run it.
func (e *Engine) Enqueue(ctx context.Context, accountID string, kind pending.Kind, payload any, opts protocontrol.EnqueueOptions) (string, error) {
	want := pending.CapabilityOf(kind)

	e.mu.RLock()
	var target Controller

	for k, en := range e.entries {
		if k.account != accountID {
			continue
		}

		for _, c := range en.ctrl.Capabilities() {
			// ActiveSync can send as well, a dedicated sender wins
			if c == want && (target == nil || k.protocol == config.ProtocolSmtp) {
				target = en.ctrl
			}
		}
	}
	e.mu.RUnlock()

	if target == nil {
		return "", fmt.Errorf("%w: %s cannot run %s", ErrNoController, accountID, kind)
	}

	return target.Enqueue(ctx, kind, payload, opts)
}

// SetDesiredState parks or resumes an account, persisting the change when a
// config manager is set.
func (e *Engine) SetDesiredState(ctx context.Context, accountID string, state config.DesiredState) error {
	e.mu.RLock()
	_, ok := e.accounts[accountID]
	e.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", config.ErrAccountNotFound, accountID)
	}

	if e.configMgr != nil {
		if err := e.configMgr.SetDesiredState(ctx, accountID, state); err != nil {
			return err
		}
	}

	e.setDesired(accountID, state)

	switch state {
	case config.DesiredParked:
		e.forAccount(accountID, func(c Controller) { c.ForceStop() })
	case config.DesiredActive:
		e.forAccount(accountID, func(c Controller) { c.Execute() })
	}

	return nil
}

// Validate checks server settings and credentials without creating an
// account.
func (e *Engine) Validate(ctx context.Context, accountID string, p config.ProtocolConfig) (protocontrol.ValidateResult, error) {
	tr, err := e.newTransport(accountID, p)
	if err != nil {
		return 0, err
	}

	results := make(chan protocontrol.ValidateResult, 1)

	v, err := protocontrol.NewValidator(protocontrol.ValidateConfig{
		AccountID:   accountID,
		Protocol:    p.Protocol,
		Server:      protocontrol.ServerConfig{Host: p.Host, Port: p.Port, TLS: p.TLS},
		Credentials: protocontrol.Credentials{Username: p.Username, Password: p.Password},
		Transport:   tr,
		RetryPolicy: command.DefaultRetryPolicy(),
		OnResult:    func(r protocontrol.ValidateResult) { results <- r },
	})
	if err != nil {
		return 0, err
	}

	v.Execute()

	select {
	case r := <-results:
		return r, nil
	case <-ctx.Done():
		v.Cancel()

		return 0, ctx.Err()
	}
}
