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

package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/syncengine/pkg/backoff"
	"github.com/united-manufacturing-hub/syncengine/pkg/constants"
	"github.com/united-manufacturing-hub/syncengine/pkg/logger"
	"github.com/united-manufacturing-hub/syncengine/pkg/metrics"
	"github.com/united-manufacturing-hub/syncengine/pkg/sentry"
)

var ErrAccountNotFound = errors.New("account not found in config")

// ConfigManager provides the desired configuration to the engine.
type ConfigManager interface {
	// GetConfig returns the validated config with defaults and environment
	// overrides applied. During a backoff it returns a backoff error.
	GetConfig(ctx context.Context, now time.Time) (FullConfig, error)
	// SetDesiredState parks or resumes an account in the file.
	SetDesiredState(ctx context.Context, accountID string, state DesiredState) error
}

// FileConfigManager reads the YAML file on every GetConfig. Read errors
// back off so a broken file does not flood the log every tick.
type FileConfigManager struct {
	path    string
	logger  *zap.SugaredLogger
	backoff *backoff.BackoffManager

	// mu serializes reads against read-modify-write cycles, weight one
	mu *semaphore.Weighted
}

func NewFileConfigManager(path string) *FileConfigManager {
	if path == "" {
		path = constants.DefaultConfigPath
	}

	log := logger.For(logger.ComponentConfig)

	return &FileConfigManager{
		path:   path,
		logger: log,
		backoff: backoff.NewBackoffManager(backoff.Config{
			InitialInterval: time.Second,
			MaxInterval:     time.Minute,
			MaxRetries:      constants.ConfigMaxRetries,
			Logger:          log,
		}),
		mu: semaphore.NewWeighted(1),
	}
}

func (m *FileConfigManager) Path() string { return m.path }

func (m *FileConfigManager) GetConfig(ctx context.Context, now time.Time) (FullConfig, error) {
	start := time.Now()
	defer func() {
		metrics.ObserveReconcileTime(metrics.ComponentConfig, "get_config", time.Since(start))
	}()

	if m.backoff.ShouldSkipOperation(now) {
		if m.backoff.IsPermanentlyFailed() {
			sentry.ReportIssuef(sentry.IssueTypeError, m.logger, "Config is permanently broken: %v", m.backoff.GetBackoffError(now))
		}

		return FullConfig{}, m.backoff.GetBackoffError(now)
	}

	if err := m.mu.Acquire(ctx, 1); err != nil {
		return FullConfig{}, fmt.Errorf("failed to lock config file: %w", err)
	}
	defer m.mu.Release(1)

	raw, err := m.read()
	if err == nil {
		cfg := ApplyEnvOverrides(raw, m.logger).WithDefaults()
		if err = cfg.Validate(); err == nil {
			m.backoff.Reset()

			return cfg, nil
		}
	}

	m.backoff.SetError(err, now)

	return FullConfig{}, err
}

// SetDesiredState rewrites the file with the account's new desired state.
// Environment overrides are not written back.
func (m *FileConfigManager) SetDesiredState(ctx context.Context, accountID string, state DesiredState) error {
	if state != DesiredActive && state != DesiredParked {
		return fmt.Errorf("%w: unknown desired state %q", ErrInvalid, state)
	}

	if err := m.mu.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to lock config file: %w", err)
	}
	defer m.mu.Release(1)

	raw, err := m.read()
	if err != nil {
		return err
	}

	found := false

	for i := range raw.Accounts {
		if raw.Accounts[i].ID == accountID {
			raw.Accounts[i].DesiredState = state
			found = true
		}
	}

	if !found {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}

	return m.write(raw)
}

// WriteConfig replaces the file.
func (m *FileConfigManager) WriteConfig(ctx context.Context, cfg FullConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := m.mu.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to lock config file: %w", err)
	}
	defer m.mu.Release(1)

	return m.write(cfg)
}

func (m *FileConfigManager) read() (FullConfig, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return FullConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// write goes through a temp file and a rename so readers never see half a
// file.
func (m *FileConfigManager) write(cfg FullConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".syncengine-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}

	m.logger.Infof("Successfully wrote config to %s", m.path)

	return nil
}

// Parse decodes a config file. Unknown keys are rejected, an empty file is
// an error.
func Parse(data []byte) (FullConfig, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return FullConfig{}, fmt.Errorf("%w: config file is empty", ErrInvalid)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg FullConfig
	if err := dec.Decode(&cfg); err != nil {
		return FullConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}
