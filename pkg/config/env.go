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
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/syncengine/pkg/constants"
	"github.com/united-manufacturing-hub/syncengine/pkg/sentry"
)

// ConfigPath is CONFIG_PATH, or the default location when unset.
func ConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}

	return constants.DefaultConfigPath
}

// ApplyEnvOverrides returns a copy of cfg with environment variables
// applied. Set variables win over the file:
//
//	SYNCENGINE_API_ADDR, SYNCENGINE_METRICS_ADDR, SYNCENGINE_DB_PATH,
//	SYNCENGINE_STORAGE_BACKEND, SYNCENGINE_TICKER_TIME, SYNCENGINE_PUSH,
//	SYNCENGINE_STRICT_INVALID
//
// Passwords named by passwordEnv are resolved here too. The result is never
// written back, so secrets stay out of the file.
func ApplyEnvOverrides(cfg FullConfig, log *zap.SugaredLogger) FullConfig {
	out := cfg.Clone()

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	str("SYNCENGINE_API_ADDR", &out.Agent.APIAddr)
	str("SYNCENGINE_METRICS_ADDR", &out.Agent.MetricsAddr)
	str("SYNCENGINE_DB_PATH", &out.Storage.DBPath)
	str("SYNCENGINE_STORAGE_BACKEND", &out.Storage.Backend)

	if err := envDuration("SYNCENGINE_TICKER_TIME", &out.Engine.TickerTime); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Ignoring SYNCENGINE_TICKER_TIME: %v", err)
	}

	if err := envBool("SYNCENGINE_PUSH", &out.Engine.Push); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Ignoring SYNCENGINE_PUSH: %v", err)
	}

	if err := envBool("SYNCENGINE_STRICT_INVALID", &out.Engine.StrictInvalid); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Ignoring SYNCENGINE_STRICT_INVALID: %v", err)
	}

	for i := range out.Accounts {
		for j := range out.Accounts[i].Protocols {
			p := &out.Accounts[i].Protocols[j]
			if p.PasswordEnv == "" {
				continue
			}

			pw := os.Getenv(p.PasswordEnv)
			if pw == "" {
				sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Account %s (%s): password variable %s is not set", out.Accounts[i].ID, p.Protocol, p.PasswordEnv)

				continue
			}

			p.Password = pw
		}
	}

	return out
}

// envBool accepts true/false, 1/0, yes/no and on/off. dst is left alone
// when key is unset.
func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}

	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		*dst = true
	case "false", "0", "no", "off":
		*dst = false
	default:
		return fmt.Errorf("%s must be a boolean, got %q", key, v)
	}

	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s must be a duration: %w", key, err)
	}

	*dst = d

	return nil
}
