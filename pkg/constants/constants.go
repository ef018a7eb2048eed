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

package constants

import "time"

const (
	// DefaultAppVersion is what main reports when not built with ldflags.
	// Sentry stays disabled for this version.
	DefaultAppVersion = "0.0.0-dev"

	DefaultDevelopmentEnvironment = "development"
	DefaultProductionEnvironment  = "production"
)

const (
	// DefaultConfigPath is read when CONFIG_PATH is unset.
	DefaultConfigPath = "/data/syncengine.yaml"
	// DefaultDBPath backs the pending queue and protocol state stores.
	DefaultDBPath = "/data/syncengine.db"

	DefaultAPIAddr     = ":8081"
	DefaultMetricsAddr = ":8080"

	// SupportedConfigVersion is the semver constraint a config file must satisfy.
	SupportedConfigVersion = "^1.0.0"

	// ConfigMaxRetries is how many consecutive bad reads of the config
	// file are tolerated before the engine gives up.
	ConfigMaxRetries = 10
)

const (
	// DefaultTickerTime is how often the engine reconciles controllers
	// against the comm health monitor.
	DefaultTickerTime = 500 * time.Millisecond

	// EngineTimeFactor leaves room for snapshotting at the end of a tick.
	EngineTimeFactor = 0.8

	// MaxConcurrentControllers bounds the engine errgroup.
	MaxConcurrentControllers = 16

	// StarvationThreshold is the time a machine may keep an event queued
	// without dispatching before the watchdog reports it.
	StarvationThreshold = 15 * time.Second

	// SnapshotLogInterval is the period of the status summary in main.
	SnapshotLogInterval = 30 * time.Second
)
