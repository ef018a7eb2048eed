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

// Package protocontrol holds the per-account protocol controllers. Each
// controller is a statemachine table plus the actions it runs; every
// interaction with the server is a command whose outcome comes back as an
// event.
package protocontrol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/united-manufacturing-hub/syncengine/pkg/command"
	"github.com/united-manufacturing-hub/syncengine/pkg/commstatus"
	"github.com/united-manufacturing-hub/syncengine/pkg/constants"
	"github.com/united-manufacturing-hub/syncengine/pkg/logger"
	"github.com/united-manufacturing-hub/syncengine/pkg/metrics"
	"github.com/united-manufacturing-hub/syncengine/pkg/pending"
	"github.com/united-manufacturing-hub/syncengine/pkg/protocolstate"
	"github.com/united-manufacturing-hub/syncengine/pkg/sentry"
	"github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
	"github.com/united-manufacturing-hub/syncengine/pkg/transport"
)

var (
	ErrInvalidConfig = errors.New("invalid protocol controller config")
	ErrUnsupported   = errors.New("operation not supported by this protocol")
)

// Health is the part of the comm status monitor a controller needs.
type Health interface {
	NetStatus() commstatus.NetStatus
	Speed() commstatus.Speed
	Quality(accountID string) commstatus.Quality
	ReportCommResult(accountID string, ok bool)
}

// Config configures a controller.
type Config struct {
	AccountID string

	Pending   pending.Queue
	States    protocolstate.Store
	Transport transport.Transport
	// Health defaults to an always healthy network.
	Health   Health
	Strategy Strategy
	Owner    Owner
	Status   StatusFunc

	Server      ServerConfig
	Credentials Credentials

	RetryPolicy    command.RetryPolicy
	CommandTimeout time.Duration
	// IdleTimeout is how long the controller rests when there is no work.
	IdleTimeout time.Duration
	// MaxExtras bounds hot operations run next to the main command.
	MaxExtras int

	StrictInvalid bool
	Logger        *zap.SugaredLogger
}

func (cfg *Config) validate() error {
	switch {
	case cfg.AccountID == "":
		return fmt.Errorf("%w: no account id", ErrInvalidConfig)
	case cfg.Pending == nil:
		return fmt.Errorf("%w: no pending queue", ErrInvalidConfig)
	case cfg.States == nil:
		return fmt.Errorf("%w: no protocol state store", ErrInvalidConfig)
	case cfg.Transport == nil:
		return fmt.Errorf("%w: no transport", ErrInvalidConfig)
	}

	return nil
}

// Control is the machinery shared by every protocol controller. Fields
// marked dispatch-owned are only touched from inside actions.
type Control struct {
	cfg       Config
	proto     *protocol
	sm        *statemachine.Machine
	rules     command.Rules
	transport transport.Transport
	logger    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	// dispatch-owned
	cmd       command.Command
	needFSync bool
	lastSync  time.Time

	preset  atomic.Int32
	lastBES atomic.Int32
	saved   atomic.Uint32
	isSaved atomic.Bool
	synced  atomic.Bool
	removed atomic.Bool

	forceServer atomic.Bool

	credMu sync.RWMutex
	cred   Credentials
	server ServerConfig

	extraDef  *statemachine.Definition
	extrasSem *semaphore.Weighted
	extrasMu  sync.Mutex
	extras    map[*statemachine.Machine]*extra
}

const noPreset = -1

type removeRequest struct{}

func newControl(cfg Config, proto *protocol) (*Control, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.ForAccount(proto.component, cfg.AccountID)
	}

	if cfg.Health == nil {
		cfg.Health = alwaysUp{}
	}

	if cfg.Strategy == nil {
		cfg.Strategy = &DefaultStrategy{}
	}

	if cfg.Owner == nil {
		cfg.Owner = logOwner{logger: cfg.Logger}
	}

	if cfg.RetryPolicy == (command.RetryPolicy{}) {
		cfg.RetryPolicy = command.DefaultRetryPolicy()
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = constants.IdleTimeout
	}

	if cfg.MaxExtras <= 0 {
		cfg.MaxExtras = constants.MaxConcurrentExtras
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Control{
		cfg:       cfg,
		proto:     proto,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		needFSync: true,
		cred:      cfg.Credentials,
		server:    cfg.Server,
		extrasSem: semaphore.NewWeighted(int64(cfg.MaxExtras)),
		extras:    make(map[*statemachine.Machine]*extra),
		transport: &reportingTransport{inner: cfg.Transport, health: cfg.Health, accountID: cfg.AccountID},
	}
	c.preset.Store(noPreset)

	def := &statemachine.Definition{
		Name:   proto.name,
		States: proto.states,
		Events: proto.allEvents(),
		Nodes:  proto.nodes(c),
		Total:  true,
	}

	sm, err := statemachine.New(statemachine.Config{
		Definition:    def,
		ID:            cfg.AccountID,
		Logger:        cfg.Logger,
		OnTransition:  c.updateSavedState,
		StrictInvalid: cfg.StrictInvalid,
	})
	if err != nil {
		cancel()

		return nil, err
	}

	c.sm = sm
	c.rules = command.RulesFor(def, proto.authFail, proto.authFail != 0)
	c.extraDef = c.extraDefinition()

	if err := c.recover(ctx); err != nil {
		cancel()

		return nil, err
	}

	c.lastBES.Store(int32(c.BackEndState()))
	metrics.SetControllerState(cfg.AccountID, proto.name, int(sm.State()))

	return c, nil
}

// recover hands back work a previous run left dispatched and resumes the
// persisted protocol state.
func (c *Control) recover(ctx context.Context) error {
	n, err := c.cfg.Pending.ResolveAllDispatchedAsDeferred(ctx, c.cfg.AccountID)
	if err != nil {
		return fmt.Errorf("recover pending operations of %s: %w", c.cfg.AccountID, err)
	}

	if n > 0 {
		c.logger.Infof("Deferred %d operations left dispatched by a previous run", n)
	}

	synced, err := c.cfg.States.HasSyncedInbox(ctx, c.cfg.AccountID)
	if err != nil {
		return fmt.Errorf("read inbox flag of %s: %w", c.cfg.AccountID, err)
	}

	c.synced.Store(synced)

	rec, ok, err := c.cfg.States.Read(ctx, c.cfg.AccountID, c.proto.name)
	if err != nil {
		return fmt.Errorf("read %s state of %s: %w", c.proto.name, c.cfg.AccountID, err)
	}

	if !ok {
		return nil
	}

	if err := c.sm.Restore(rec.State); err != nil {
		c.logger.Warnf("Ignoring persisted state %s (%d): %v", rec.Name, rec.State, err)

		return nil
	}

	c.saved.Store(uint32(rec.State))
	c.isSaved.Store(true)
	c.logger.Infof("Resuming in %s", rec.Name)

	return nil
}

func (c *Control) AccountID() string { return c.cfg.AccountID }

func (c *Control) Protocol() string { return c.proto.name }

// Machine exposes the state machine for supervision.
func (c *Control) Machine() *statemachine.Machine { return c.sm }

func (c *Control) State() statemachine.State { return c.sm.State() }

func (c *Control) StateName() string { return c.sm.StateName(c.sm.State()) }

func (c *Control) IsParked() bool { return c.sm.State() == c.proto.parked }

// NeedFolderSync and LastSync are for strategies, which run inside actions.
func (c *Control) NeedFolderSync() bool { return c.needFSync }

func (c *Control) LastSync() time.Time { return c.lastSync }

func (c *Control) Capabilities() []pending.Capability { return c.proto.caps }

func (c *Control) Pending() pending.Queue { return c.cfg.Pending }

func (c *Control) endpoint() (ServerConfig, Credentials) {
	c.credMu.RLock()
	defer c.credMu.RUnlock()

	return c.server, c.cred
}

// Execute starts or resumes the controller. It refuses while the network
// is down.
func (c *Control) Execute() bool {
	if c.removed.Load() {
		return false
	}

	if c.cfg.Health.NetStatus() != commstatus.NetUp {
		c.logger.Infof("Not starting %s, network is down", c.proto.name)

		return false
	}

	c.sm.Post(statemachine.EventLaunch, "EXECUTE")

	return true
}

// ForceStop parks the controller.
func (c *Control) ForceStop() {
	c.sm.Post(EventPark, "FORCESTOP")
}

// Remove parks the controller for good and deletes its persisted state.
func (c *Control) Remove() {
	c.sm.PostWithArg(EventPark, removeRequest{}, "REMOVE")
}

// Removed is closed once Remove completed.
func (c *Control) Removed() <-chan struct{} { return c.ctx.Done() }

// OnHealth reacts to comm status changes.
func (c *Control) OnHealth(ch commstatus.Change) {
	switch ch.Kind {
	case commstatus.ChangeNet:
		if ch.Net == commstatus.NetUp {
			c.Execute()
		} else {
			c.ForceStop()
		}
	case commstatus.ChangeQuality:
		if ch.AccountID != c.cfg.AccountID {
			return
		}

		switch ch.Quality {
		case commstatus.QualityOK:
			c.Execute()
		case commstatus.QualityDegraded:
			c.logger.Infof("Connection quality degraded, not starting extra work")
		case commstatus.QualityUnusable:
			c.ForceStop()
		}
	case commstatus.ChangeSpeed:
	}
}

// CredResp delivers credentials asked for through Owner.CredReq.
func (c *Control) CredResp(cred Credentials) {
	c.credMu.Lock()
	changed := !c.cred.Equal(cred)
	c.cred = cred
	c.credMu.Unlock()

	c.logger.Infof("Credentials %s received, changed=%t", cred.Fingerprint(), changed)
	c.postUi("UiSetCred", nil, "CREDRESP")
}

// ServerConfResp delivers server settings asked for through
// Owner.ServConfReq. force skips asking the server to confirm them.
func (c *Control) ServerConfResp(server ServerConfig, force bool) {
	c.credMu.Lock()
	c.server = server
	c.credMu.Unlock()
	c.forceServer.Store(force)

	c.postUi("UiSetServConf", force, "SERVCONFRESP")
}

// CertAskResp delivers the user's answer to Owner.CertAskReq.
func (c *Control) CertAskResp(accept bool) {
	name := "UiCertOkNo"
	if accept {
		name = "UiCertOkYes"
	}

	c.postUi(name, nil, "CERTASKRESP")
}

func (c *Control) postUi(name string, arg any, message string) {
	ev, ok := c.proto.event(name)
	if !ok {
		c.logger.Warnf("%s does not take %s, ignoring it", c.proto.name, name)

		return
	}

	c.sm.PostWithArg(ev, arg, message)
}

// SetCmd cancels the running command and installs cmd. Actions only.
func (c *Control) SetCmd(cmd command.Command) {
	c.CancelCmd()
	c.cmd = cmd
}

// CancelCmd cancels the running command and reverts what it left half
// done. Actions only.
func (c *Control) CancelCmd() {
	if c.cmd == nil {
		return
	}

	c.cmd.Cancel()
	c.cmd.CancelCleanup()
	c.cmd = nil
}

// ExecuteCmd starts the installed command. Actions only.
func (c *Control) ExecuteCmd() {
	if c.cmd == nil {
		return
	}

	if err := c.cmd.Execute(c.ctx); err != nil {
		c.logger.Errorf("Failed to start %s: %v", c.cmd.Name(), err)
	}
}

func (c *Control) run(cmd command.Command) {
	c.SetCmd(cmd)
	c.ExecuteCmd()
}

// retryCmd replaces a command that failed temporarily with its next
// attempt. The failed attempt is complete, so it is not cancelled.
func (c *Control) retryCmd(reason error) bool {
	if c.cmd == nil {
		return false
	}

	next, ok := command.OnTempFail(c.cmd, reason)
	if !ok {
		return false
	}

	c.cmd = next
	c.ExecuteCmd()

	return true
}

func (c *Control) presetBackEnd(s BackEndState) { c.preset.Store(int32(s)) }

// BackEndState derives the user facing status from the current state.
func (c *Control) BackEndState() BackEndState {
	if p := c.preset.Load(); p != noPreset {
		return BackEndState(p)
	}

	s := c.sm.State()
	if s == c.proto.parked {
		if !c.isSaved.Load() {
			return BackEndNotYetStarted
		}

		s = statemachine.State(c.saved.Load())
	}

	switch c.proto.classOf(s) {
	case classStart:
		return BackEndNotYetStarted
	case classDiscovery:
		return BackEndRunning
	case classCredWait:
		return BackEndCredWait
	case classServerConfWait:
		return BackEndServerConfWait
	case classCertAskWait:
		return BackEndCertAskWait
	}

	if c.synced.Load() {
		return BackEndPostAutoDPostInboxSync
	}

	return BackEndPostAutoDPreInboxSync
}

// updateSavedState runs after every transition: it persists the state,
// except Parked and Stop, and reports BackEndState changes.
func (c *Control) updateSavedState(m *statemachine.Machine, _, to statemachine.State, _ statemachine.Event) {
	if to != c.proto.parked && to != statemachine.StateStop && !c.removed.Load() &&
		(!c.isSaved.Load() || statemachine.State(c.saved.Load()) != to) {
		rec := protocolstate.Record{State: to, Name: m.StateName(to), UpdatedAt: time.Now()}

		if err := c.cfg.States.Write(c.ctx, c.cfg.AccountID, c.proto.name, rec); err != nil {
			sentry.ReportAccountErrorf(c.logger, c.cfg.AccountID, c.proto.name, "persist_state", "Failed to persist %s: %v", rec.Name, err)
		} else {
			c.saved.Store(uint32(to))
			c.isSaved.Store(true)
		}
	}

	bes := c.BackEndState()
	c.preset.Store(noPreset)

	if old := BackEndState(c.lastBES.Swap(int32(bes))); old != bes {
		c.logger.Infof("Back end state %s -> %s", old, bes)

		if c.cfg.Status != nil {
			c.cfg.Status(c.cfg.AccountID, c.proto.name, bes)
		}
	}

	metrics.SetControllerState(c.cfg.AccountID, c.proto.name, int(to))
}

// Actions shared by every protocol.

type discoverParams struct {
	// SkipAutodiscovery uses the configured server as is.
	SkipAutodiscovery bool `json:"skipAutodiscovery,omitempty"`
}

func (c *Control) doDisc(verb string) statemachine.Action {
	return func(*statemachine.Machine, statemachine.Event) (statemachine.State, bool) {
		c.presetBackEnd(BackEndRunning)
		c.run(c.exchange(verb, discoverParams{SkipAutodiscovery: c.forceServer.Load()}, constants.DiscoveryRetries))

		return 0, false
	}
}

// doDiscTempFail retries discovery and asks the user for server settings
// once the budget is spent.
func (c *Control) doDiscTempFail(m *statemachine.Machine, ev statemachine.Event) (statemachine.State, bool) {
	res, _ := command.ResultOf(ev)
	if c.retryCmd(reasonOf(res)) {
		return 0, false
	}

	return c.doDiscHardFail(m, ev)
}

func (c *Control) doDiscHardFail(m *statemachine.Machine, ev statemachine.Event) (statemachine.State, bool) {
	reason := AutoDCannotConnect
	if ev.Type == statemachine.EventHardFail {
		reason = AutoDServerRejected
	}

	m.PostWithArg(c.proto.getServConf, reason, "DISCFAIL")

	return 0, false
}

func (c *Control) doUiCredReq(*statemachine.Machine, statemachine.Event) (statemachine.State, bool) {
	c.CancelCmd()
	c.presetBackEnd(BackEndCredWait)
	c.cfg.Owner.CredReq(c.cfg.AccountID, c.proto.name)

	return 0, false
}

func (c *Control) doUiServConfReq(_ *statemachine.Machine, ev statemachine.Event) (statemachine.State, bool) {
	c.CancelCmd()

	reason := AutoDCannotFindServer

	switch arg := ev.Arg.(type) {
	case AutoDFailure:
		reason = arg
	case *command.Result:
		reason = AutoDCannotConnect
	}

	c.presetBackEnd(BackEndServerConfWait)
	c.cfg.Owner.ServConfReq(c.cfg.AccountID, c.proto.name, reason)

	return 0, false
}

func (c *Control) doConn(*statemachine.Machine, statemachine.Event) (statemachine.State, bool) {
	c.run(c.exchange("connect", nil, 0))

	return 0, false
}

func (c *Control) park() statemachine.Trans {
	return statemachine.To(EventPark, c.doPark, c.proto.parked)
}

func (c *Control) doFSync(*statemachine.Machine, statemachine.Event) (statemachine.State, bool) {
	c.run(c.exchange("fsync", nil, 0))

	return 0, false
}

func (c *Control) doFSyncDone(m *statemachine.Machine, ev statemachine.Event) (statemachine.State, bool) {
	c.needFSync = false

	return c.doPick(m, ev)
}

func (c *Control) doReFSync(m *statemachine.Machine, ev statemachine.Event) (statemachine.State, bool) {
	c.needFSync = true

	return c.doFSync(m, ev)
}

func (c *Control) doSync(*statemachine.Machine, statemachine.Event) (statemachine.State, bool) {
	c.run(c.exchange("sync", map[string]string{"folder": "INBOX"}, 0))

	return 0, false
}

func (c *Control) doSyncDone(m *statemachine.Machine, ev statemachine.Event) (statemachine.State, bool) {
	c.lastSync = time.Now()

	if !c.synced.Load() {
		if err := c.cfg.States.SetSyncedInbox(c.ctx, c.cfg.AccountID, true); err != nil {
			c.logger.Errorf("Failed to record inbox sync: %v", err)
		}

		c.synced.Store(true)
	}

	return c.doPick(m, ev)
}

// doRetryOrFail retries the running command on TempFail and turns an
// exhausted budget into HardFail.
func (c *Control) doRetryOrFail(m *statemachine.Machine, ev statemachine.Event) (statemachine.State, bool) {
	res, _ := command.ResultOf(ev)
	if !c.retryCmd(reasonOf(res)) {
		m.PostWithArg(statemachine.EventHardFail, res, "RETRIESOUT")
	}

	return 0, false
}

// doWait honours a server asking the client to come back later.
func (c *Control) doWait(_ *statemachine.Machine, ev statemachine.Event) (statemachine.State, bool) {
	d := c.cfg.IdleTimeout

	res, _ := command.ResultOf(ev)
	if r := replyOf(res); r != nil && r.wait() > 0 {
		d = r.wait()
	}

	c.settleCurrent(ev)
	c.run(c.wait(d, "WAITDONE"))

	return 0, false
}

// doPick settles the operation the event finished, then picks the next
// piece of work.
func (c *Control) doPick(_ *statemachine.Machine, ev statemachine.Event) (statemachine.State, bool) {
	c.settleCurrent(ev)

	return c.pick(), true
}

// doNopOrPick keeps a running command, otherwise picks.
func (c *Control) doNopOrPick(m *statemachine.Machine, ev statemachine.Event) (statemachine.State, bool) {
	if c.cmd != nil {
		return m.State(), true
	}

	return c.doPick(m, ev)
}

// doOpTempFail retries an operation in place and defers it once the
// retry budget is spent.
func (c *Control) doOpTempFail(m *statemachine.Machine, ev statemachine.Event) (statemachine.State, bool) {
	res, _ := command.ResultOf(ev)
	if c.retryCmd(reasonOf(res)) {
		return m.State(), true
	}

	return c.doPick(m, ev)
}

// isCommandOutcome matches results posted by commands. Control events such
// as Park, PendQ and UI answers are never cleared.
func isCommandOutcome(ev statemachine.Event) bool {
	_, ok := command.ResultOf(ev)

	return ok
}

func (c *Control) pick() statemachine.State {
	c.CancelCmd()
	c.sm.ClearEventQueueWhere(isCommandOutcome)

	choice, err := c.cfg.Strategy.Pick(c.ctx, c)
	if err != nil {
		c.logger.Errorf("Strategy failed to pick: %v", err)

		choice = Pick{Action: PickWait}
	}

	switch choice.Action {
	case PickQOp, PickHotQOp, PickFetch:
		if s, ok := c.dispatch(choice); ok {
			return s
		}
	case PickFSync:
		if c.proto.fsync != 0 {
			c.run(c.exchange("fsync", nil, 0))

			return c.proto.fsync
		}
	case PickSync:
		if c.proto.sync != 0 {
			c.run(c.exchange("sync", map[string]string{"folder": "INBOX"}, 0))

			return c.proto.sync
		}
	case PickPing:
		if c.proto.ping != 0 {
			cmd := c.exchange("ping", map[string]int{"heartbeatSeconds": int(c.cfg.IdleTimeout / time.Second)}, 0)
			c.run(cmd)

			return c.proto.ping
		}
	case PickNone, PickWait:
	}

	d := choice.Wait
	if d <= 0 {
		d = c.cfg.IdleTimeout
	}

	c.run(c.wait(d, "IDLEDONE"))

	return c.proto.idle
}

func (c *Control) dispatch(choice Pick) (statemachine.State, bool) {
	if choice.Op == nil {
		return 0, false
	}

	if err := c.cfg.Pending.MarkDispatched(c.ctx, choice.Op.Token); err != nil {
		c.logger.Warnf("Could not dispatch operation %s: %v", choice.Op.Token, err)

		return 0, false
	}

	choice.Op.Attempts++
	c.run(c.newOpCommand(choice.Op, c.sm))

	switch {
	case choice.Action == PickFetch && c.proto.fetch != 0:
		return c.proto.fetch, true
	case choice.Action == PickHotQOp:
		return c.proto.hotQop, true
	default:
		return c.proto.qop, true
	}
}

// doPark cancels everything and lands in Parked. Operations that must not
// wait are failed.
func (c *Control) doPark(m *statemachine.Machine, ev statemachine.Event) (statemachine.State, bool) {
	c.SetCmd(nil)
	c.cancelExtras()
	m.ClearEventQueueWhere(isCommandOutcome)

	n, err := c.cfg.Pending.ResolveAllDelayNotAllowedAsFailed(c.ctx, c.cfg.AccountID)
	if err != nil {
		c.logger.Errorf("Failed to fail undelayable operations: %v", err)
	} else if n > 0 {
		c.logger.Infof("Failed %d operations that could not wait", n)
	}

	if _, remove := ev.Arg.(removeRequest); remove {
		c.finishRemove(m)

		return 0, false
	}

	c.run(c.exchange("disconnect", nil, 1))

	return 0, false
}

// doReparked handles Park while already parked.
func (c *Control) doReparked(m *statemachine.Machine, ev statemachine.Event) (statemachine.State, bool) {
	if _, remove := ev.Arg.(removeRequest); remove {
		c.SetCmd(nil)
		c.finishRemove(m)
	}

	return 0, false
}

func (c *Control) doParkFinish(*statemachine.Machine, statemachine.Event) (statemachine.State, bool) {
	c.cmd = nil
	c.logger.Debugf("Disconnected")

	return 0, false
}

func (c *Control) finishRemove(m *statemachine.Machine) {
	c.removed.Store(true)

	if err := c.cfg.States.Delete(context.Background(), c.cfg.AccountID, c.proto.name); err != nil {
		c.logger.Errorf("Failed to delete persisted state: %v", err)
	}

	metrics.RemoveController(c.cfg.AccountID, c.proto.name)
	m.Stop()
	c.cancel()
	c.logger.Infof("Removed")
}

// doDrive leaves Parked for the persisted state and relaunches.
func (c *Control) doDrive(m *statemachine.Machine, _ statemachine.Event) (statemachine.State, bool) {
	next := statemachine.StateStart
	if c.isSaved.Load() {
		next = c.proto.resumeFrom(statemachine.State(c.saved.Load()))
	}

	m.Post(statemachine.EventLaunch, "DRIVE")

	return next, true
}

// reportingTransport feeds every exchange into the comm status monitor.
type reportingTransport struct {
	inner     transport.Transport
	health    Health
	accountID string
}

func (t *reportingTransport) Execute(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	resp, err := t.inner.Execute(ctx, req)

	if ctx.Err() == nil {
		t.health.ReportCommResult(t.accountID, err == nil && resp != nil && resp.StatusCode < 500)
	}

	return resp, err
}

type alwaysUp struct{}

func (alwaysUp) NetStatus() commstatus.NetStatus   { return commstatus.NetUp }
func (alwaysUp) Speed() commstatus.Speed           { return commstatus.SpeedUnknown }
func (alwaysUp) Quality(string) commstatus.Quality { return commstatus.QualityOK }
func (alwaysUp) ReportCommResult(string, bool)     {}
