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
	"sync"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/syncengine/pkg/command"
	"github.com/united-manufacturing-hub/syncengine/pkg/constants"
	"github.com/united-manufacturing-hub/syncengine/pkg/logger"
	sm "github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
	"github.com/united-manufacturing-hub/syncengine/pkg/transport"
)

// ValidateResult is the single outcome of a config validation.
type ValidateResult int

const (
	ValidateSuccess ValidateResult = iota
	ValidateAuthFail
	ValidateServerConfFail
	ValidateNetworkFail
)

func (r ValidateResult) String() string {
	switch r {
	case ValidateSuccess:
		return "success"
	case ValidateAuthFail:
		return "auth_fail"
	case ValidateServerConfFail:
		return "server_conf_fail"
	case ValidateNetworkFail:
		return "network_fail"
	default:
		return fmt.Sprintf("validate_result_%d", int(r))
	}
}

// Validation states.
const (
	ValidateDiscW sm.State = sm.StateLast + 1 + iota
	ValidateConnW
)

// Validation events.
const (
	ValidateEvAuthFail sm.EventType = sm.EventLast + 1 + iota
	ValidateEvGetServConf
)

// ValidateConfig configures a Validator.
type ValidateConfig struct {
	AccountID string
	// Protocol is the endpoint family to check, e.g. ProtocolImap.
	Protocol    string
	Server      ServerConfig
	Credentials Credentials
	Transport   transport.Transport
	RetryPolicy command.RetryPolicy
	// OnResult is called exactly once unless the validation is cancelled.
	OnResult func(ValidateResult)
	Logger   *zap.SugaredLogger
}

// Validator checks server settings and credentials before an account is
// added: discover, then connect, then report.
type Validator struct {
	cfg    ValidateConfig
	sm     *sm.Machine
	rules  command.Rules
	logger *zap.SugaredLogger

	mu        sync.Mutex
	cmd       command.Command
	cancelled bool
	reported  bool
}

func NewValidator(cfg ValidateConfig) (*Validator, error) {
	switch {
	case cfg.Transport == nil:
		return nil, fmt.Errorf("%w: no transport", ErrInvalidConfig)
	case cfg.Protocol == "":
		return nil, fmt.Errorf("%w: no protocol", ErrInvalidConfig)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.ForAccount(logger.ComponentConfigValidate, cfg.AccountID)
	}

	v := &Validator{cfg: cfg, logger: cfg.Logger}

	eventNames := map[sm.EventType]string{
		ValidateEvAuthFail:    "AuthFail",
		ValidateEvGetServConf: "GetServConf",
	}

	def := &sm.Definition{
		Name: "validate-" + cfg.Protocol,
		States: map[sm.State]string{
			ValidateDiscW: "DiscW",
			ValidateConnW: "ConnW",
		},
		Events: eventNames,
		Total:  true,
		Nodes: seal(eventNames,
			sm.Node{
				State: sm.StateStart,
				On: []sm.Trans{
					sm.To(sm.EventLaunch, v.doStep("discover", constants.DiscoveryRetries), ValidateDiscW),
				},
			},
			sm.Node{
				State: ValidateDiscW,
				Drop:  events(sm.EventLaunch),
				On: []sm.Trans{
					sm.To(sm.EventSuccess, v.doStep("connect", 0), ValidateConnW),
					sm.Dyn(sm.EventTempFail, v.doRetry, ValidateDiscW, sm.StateStop),
					sm.To(sm.EventHardFail, v.report(ValidateServerConfFail), sm.StateStop),
					sm.To(ValidateEvAuthFail, v.report(ValidateAuthFail), sm.StateStop),
					sm.To(ValidateEvGetServConf, v.report(ValidateServerConfFail), sm.StateStop),
				},
			},
			sm.Node{
				State: ValidateConnW,
				Drop:  events(sm.EventLaunch),
				On: []sm.Trans{
					sm.To(sm.EventSuccess, v.report(ValidateSuccess), sm.StateStop),
					sm.Dyn(sm.EventTempFail, v.doRetry, ValidateConnW, sm.StateStop),
					sm.To(sm.EventHardFail, v.report(ValidateServerConfFail), sm.StateStop),
					sm.To(ValidateEvAuthFail, v.report(ValidateAuthFail), sm.StateStop),
					sm.To(ValidateEvGetServConf, v.report(ValidateServerConfFail), sm.StateStop),
				},
			},
		),
	}

	machine, err := sm.New(sm.Config{Definition: def, ID: cfg.AccountID, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}

	v.sm = machine
	v.rules = command.RulesFor(def, ValidateEvAuthFail, true)

	return v, nil
}

// Execute starts the validation.
func (v *Validator) Execute() {
	v.sm.Start()
}

// Cancel abandons the validation, OnResult is not called afterwards.
func (v *Validator) Cancel() {
	v.mu.Lock()
	v.cancelled = true
	cmd := v.cmd
	v.cmd = nil
	v.mu.Unlock()

	if cmd != nil {
		cmd.Cancel()
	}

	v.sm.Stop()
}

func (v *Validator) State() sm.State { return v.sm.State() }

func (v *Validator) doStep(verb string, retries int) sm.Action {
	return func(*sm.Machine, sm.Event) (sm.State, bool) {
		cmd := command.NewTransport(command.TransportConfig{
			Config: command.Config{
				Name:       "validate." + verb,
				Poster:     v.sm,
				RetriesMax: retries,
				Policy:     v.cfg.RetryPolicy,
				Logger:     v.logger,
			},
			Transport: v.cfg.Transport,
			Request: func() (*transport.Request, error) {
				return newRequest(v.cfg.Protocol, verb, v.cfg.AccountID, v.cfg.Server, v.cfg.Credentials, nil)
			},
			Classify: classifierFor(map[string]sm.EventType{
				"authfail": ValidateEvAuthFail,
				"servconf": ValidateEvGetServConf,
			}),
			Rules: v.rules,
		})

		v.start(cmd)

		return 0, false
	}
}

func (v *Validator) start(cmd command.Command) {
	v.mu.Lock()
	if v.cancelled {
		v.mu.Unlock()

		return
	}

	v.cmd = cmd
	v.mu.Unlock()

	if err := cmd.Execute(context.Background()); err != nil {
		v.logger.Errorf("Failed to start %s: %v", cmd.Name(), err)
	}
}

func (v *Validator) doRetry(m *sm.Machine, ev sm.Event) (sm.State, bool) {
	res, _ := command.ResultOf(ev)

	v.mu.Lock()
	cmd := v.cmd
	v.mu.Unlock()

	if cmd != nil {
		if next, ok := command.OnTempFail(cmd, reasonOf(res)); ok {
			v.start(next)

			return m.State(), true
		}
	}

	v.deliver(ValidateNetworkFail)

	return sm.StateStop, true
}

func (v *Validator) report(r ValidateResult) sm.Action {
	return func(*sm.Machine, sm.Event) (sm.State, bool) {
		v.deliver(r)

		return 0, false
	}
}

func (v *Validator) deliver(r ValidateResult) {
	v.mu.Lock()
	if v.cancelled || v.reported {
		v.mu.Unlock()

		return
	}

	v.reported = true
	v.cmd = nil
	v.mu.Unlock()

	v.logger.Infof("Validation of %s finished: %s", v.cfg.Protocol, r)

	if v.cfg.OnResult != nil {
		v.cfg.OnResult(r)
	}
}
