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

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/united-manufacturing-hub/syncengine/pkg/api"
	"github.com/united-manufacturing-hub/syncengine/pkg/commstatus"
	"github.com/united-manufacturing-hub/syncengine/pkg/config"
	"github.com/united-manufacturing-hub/syncengine/pkg/constants"
	"github.com/united-manufacturing-hub/syncengine/pkg/control"
	"github.com/united-manufacturing-hub/syncengine/pkg/logger"
	"github.com/united-manufacturing-hub/syncengine/pkg/metrics"
	"github.com/united-manufacturing-hub/syncengine/pkg/sentry"
)

// appVersion is set through -ldflags "-X main.appVersion=...".
var appVersion = constants.DefaultAppVersion

// shutdownTimeout leaves room for the controllers to park before the
// supervisor kills the process.
const shutdownTimeout = 5 * time.Second

func main() {
	logger.Initialize()
	defer func() { _ = logger.Sync() }()

	sentry.InitSentry(appVersion, true)

	log := logger.For(logger.ComponentCore)
	log.Infof("Starting syncengine %s...", appVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := config.ConfigPath()

	configManager := config.NewFileConfigManager(configPath)

	full, err := configManager.GetConfig(ctx, time.Now())
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load config from %s: %v", configPath, err)
		os.Exit(1)
	}

	metricsServer := metrics.SetupMetricsEndpoint(full.Agent.MetricsAddr)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown metrics server: %v", err)
		}
	}()

	st, err := openStores(ctx, full.Storage, log)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to open stores: %v", err)
		os.Exit(1)
	}
	defer st.close(log)

	health := commstatus.NewMonitor(commstatus.Config{InitialNet: commstatus.NetUp})

	engine, err := control.NewEngine(control.Config{
		Full:          full,
		ConfigManager: configManager,
		Pending:       st.queue,
		States:        st.states,
		Health:        health,
	})
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to create engine: %v", err)
		os.Exit(1)
	}

	apiCfg := api.DefaultServerConfig()
	apiCfg.Addr = full.Agent.APIAddr

	apiServer, err := api.NewServer(engine, apiCfg, logger.For(logger.ComponentAPI))
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to create API server: %v", err)
		os.Exit(1)
	}

	go func() {
		if err := apiServer.Start(); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "API server stopped: %v", err)
		}
	}()

	go snapshotLogger(ctx, engine)

	if err := engine.Run(ctx); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Engine failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := apiServer.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("Failed to stop API server: %v", err)
	}

	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Engine shutdown incomplete: %v", err)
	}

	log.Info("syncengine stopped")
}

// snapshotLogger logs a summary of the engine every SnapshotLogInterval.
func snapshotLogger(ctx context.Context, engine *control.Engine) {
	ticker := time.NewTicker(constants.SnapshotLogInterval)
	defer ticker.Stop()

	log := logger.For("SnapshotLogger")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := engine.Snapshot()
			if snap.Tick == 0 {
				sentry.ReportIssuef(sentry.IssueTypeWarning, log, "No engine snapshot available yet")

				continue
			}

			log.Infof("=== Engine snapshot (tick %d, net %s, %s) - %d controllers ===",
				snap.Tick, snap.Net, snap.Speed, len(snap.Controllers))

			for _, c := range snap.Controllers {
				line := []any{
					"account", c.AccountID,
					"protocol", c.Protocol,
					"desired", c.Desired,
					"state", c.State,
					"backend", c.BackEndState,
					"quality", c.Quality,
					"pending", c.Pending,
				}

				if c.Request != nil {
					line = append(line, "waiting_for", c.Request.Kind)
				}

				log.Infow("controller", line...)
			}
		}
	}
}
