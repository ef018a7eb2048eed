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

// Package config is the engine configuration file: which accounts exist,
// how to reach their servers and how the engine paces itself.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/tiendc/go-deepcopy"
	"go.uber.org/multierr"

	"github.com/united-manufacturing-hub/syncengine/pkg/constants"
)

var ErrInvalid = errors.New("invalid config")

// Protocol names as they appear in the file.
const (
	ProtocolImap       = "imap"
	ProtocolSmtp       = "smtp"
	ProtocolActiveSync = "activesync"
)

// DesiredState of an account.
type DesiredState string

const (
	DesiredActive DesiredState = "active"
	DesiredParked DesiredState = "parked"
)

type FullConfig struct {
	Version  string          `yaml:"version"`
	Agent    AgentConfig     `yaml:"agent"`   // requires restart to take effect
	Engine   EngineConfig    `yaml:"engine"`  // requires restart to take effect
	Storage  StorageConfig   `yaml:"storage"` // requires restart to take effect
	Accounts []AccountConfig `yaml:"accounts"`
}

type AgentConfig struct {
	APIAddr     string `yaml:"apiAddr,omitempty"`
	MetricsAddr string `yaml:"metricsAddr,omitempty"`
	// DebounceErrors collapses repeated error reports.
	DebounceErrors bool `yaml:"debounceErrors,omitempty"`
}

type EngineConfig struct {
	TickerTime     time.Duration `yaml:"tickerTime,omitempty"`
	SyncInterval   time.Duration `yaml:"syncInterval,omitempty"`
	IdleTimeout    time.Duration `yaml:"idleTimeout,omitempty"`
	CommandTimeout time.Duration `yaml:"commandTimeout,omitempty"`
	MaxExtras      int           `yaml:"maxExtras,omitempty"`
	Push           bool          `yaml:"push,omitempty"`
	// StrictInvalid turns table defects into panics. Debug builds only.
	StrictInvalid bool `yaml:"strictInvalid,omitempty"`
}

type StorageConfig struct {
	// Backend is sqlite or memory.
	Backend string `yaml:"backend,omitempty"`
	DBPath  string `yaml:"dbPath,omitempty"`
}

const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

type AccountConfig struct {
	ID           string           `yaml:"id"`
	DesiredState DesiredState     `yaml:"desiredState,omitempty"`
	Protocols    []ProtocolConfig `yaml:"protocols"`
}

// ProtocolConfig is one server of an account. Password is usually left
// empty in the file and read from PasswordEnv.
type ProtocolConfig struct {
	Protocol    string `yaml:"protocol"`
	BaseURL     string `yaml:"baseUrl"`
	Host        string `yaml:"host,omitempty"`
	Port        int    `yaml:"port,omitempty"`
	TLS         bool   `yaml:"tls,omitempty"`
	InsecureTLS bool   `yaml:"insecureTls,omitempty"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	PasswordEnv string `yaml:"passwordEnv,omitempty"`
}

// Clone returns a deep copy.
func (c FullConfig) Clone() FullConfig {
	var out FullConfig
	if err := deepcopy.Copy(&out, &c); err != nil {
		// only plain data in here
		panic(err)
	}

	return out
}

// WithDefaults fills everything left empty.
func (c FullConfig) WithDefaults() FullConfig {
	out := c.Clone()

	if out.Agent.APIAddr == "" {
		out.Agent.APIAddr = constants.DefaultAPIAddr
	}

	if out.Agent.MetricsAddr == "" {
		out.Agent.MetricsAddr = constants.DefaultMetricsAddr
	}

	if out.Engine.TickerTime <= 0 {
		out.Engine.TickerTime = constants.DefaultTickerTime
	}

	if out.Engine.IdleTimeout <= 0 {
		out.Engine.IdleTimeout = constants.IdleTimeout
	}

	if out.Engine.CommandTimeout <= 0 {
		out.Engine.CommandTimeout = constants.CommandTimeout
	}

	if out.Engine.MaxExtras <= 0 {
		out.Engine.MaxExtras = constants.MaxConcurrentExtras
	}

	if out.Storage.Backend == "" {
		out.Storage.Backend = BackendSQLite
	}

	if out.Storage.DBPath == "" {
		out.Storage.DBPath = constants.DefaultDBPath
	}

	for i := range out.Accounts {
		if out.Accounts[i].DesiredState == "" {
			out.Accounts[i].DesiredState = DesiredActive
		}
	}

	return out
}

// Account looks an account up by id.
func (c FullConfig) Account(id string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}

	return AccountConfig{}, false
}

// Validate reports every problem at once.
func (c FullConfig) Validate() error {
	var errs error

	errs = multierr.Append(errs, checkVersion(c.Version))

	switch c.Storage.Backend {
	case "", BackendSQLite, BackendMemory:
	default:
		errs = multierr.Append(errs, fmt.Errorf("%w: unknown storage backend %q", ErrInvalid, c.Storage.Backend))
	}

	if c.Engine.TickerTime < 0 || c.Engine.SyncInterval < 0 || c.Engine.IdleTimeout < 0 || c.Engine.CommandTimeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: engine durations must not be negative", ErrInvalid))
	}

	seen := make(map[string]bool, len(c.Accounts))

	for i, a := range c.Accounts {
		if a.ID == "" {
			errs = multierr.Append(errs, fmt.Errorf("%w: account %d has no id", ErrInvalid, i))

			continue
		}

		if seen[a.ID] {
			errs = multierr.Append(errs, fmt.Errorf("%w: account %s is listed twice", ErrInvalid, a.ID))
		}

		seen[a.ID] = true

		errs = multierr.Append(errs, a.validate())
	}

	return errs
}

func (a AccountConfig) validate() error {
	var errs error

	switch a.DesiredState {
	case "", DesiredActive, DesiredParked:
	default:
		errs = multierr.Append(errs, fmt.Errorf("%w: account %s has unknown desired state %q", ErrInvalid, a.ID, a.DesiredState))
	}

	if len(a.Protocols) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: account %s has no protocols", ErrInvalid, a.ID))
	}

	protos := make(map[string]bool, len(a.Protocols))

	for _, p := range a.Protocols {
		if err := p.Validate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("account %s: %w", a.ID, err))
		}

		if protos[p.Protocol] {
			errs = multierr.Append(errs, fmt.Errorf("%w: account %s lists %s twice", ErrInvalid, a.ID, p.Protocol))
		}

		protos[p.Protocol] = true
	}

	return errs
}

// Validate checks the settings of a single protocol.
func (p ProtocolConfig) Validate() error {
	switch p.Protocol {
	case ProtocolImap, ProtocolSmtp, ProtocolActiveSync:
	default:
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalid, p.Protocol)
	}

	if p.BaseURL == "" {
		return fmt.Errorf("%w: no baseUrl for %s", ErrInvalid, p.Protocol)
	}

	return nil
}

func checkVersion(v string) error {
	if v == "" {
		return fmt.Errorf("%w: version is missing", ErrInvalid)
	}

	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: version %q: %w", ErrInvalid, v, err)
	}

	constraint, err := semver.NewConstraint(constants.SupportedConfigVersion)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if !constraint.Check(version) {
		return fmt.Errorf("%w: version %s does not satisfy %s", ErrInvalid, v, constants.SupportedConfigVersion)
	}

	return nil
}
