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

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/syncengine/pkg/logger"
	"github.com/united-manufacturing-hub/syncengine/pkg/sentry"
)

const (
	// Component Labels.
	ComponentEngine        = "engine"
	ComponentConfig        = "config"
	ComponentAPI           = "api"
	ComponentStateMachine  = "state_machine"
	ComponentCommand       = "command"
	ComponentProtoControl  = "proto_control"
	ComponentPending       = "pending"
	ComponentProtocolState = "protocol_state"
	ComponentTransport     = "transport"
)

// Defect kinds for the state machine defect counter.
const (
	DefectInvalid   = "invalid"
	DefectUnhandled = "unhandled"
	DefectNoNode    = "no_node"
	DefectPanic     = "panic"
)

var (
	namespace = "syncengine"
	subsystem = "core"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	reconcileTime = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconcile_duration_milliseconds",
			Help:      "Time taken by one engine tick (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.95: 0.01,
				0.99: 0.01,
			},
		},
		[]string{"component", "instance"},
	)

	starvationSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatch_starved_total_seconds",
			Help:      "Total seconds state machines had queued events without dispatching",
		},
	)

	eventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_dispatched_total",
			Help:      "Events dispatched by state machines, by table and outcome (on, drop, stop)",
		},
		[]string{"machine", "outcome"},
	)

	machineDefects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "machine_defects_total",
			Help:      "Engine defects (invalid, unhandled, missing node, action panic) by table",
		},
		[]string{"machine", "kind"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent running one transition action",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
		[]string{"machine"},
	)

	commandOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "command_outcomes_total",
			Help:      "Command outcomes by command name and outcome event",
		},
		[]string{"command", "outcome"},
	)

	commandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "command_duration_seconds",
			Help:      "Transport round trip time of commands",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	controllerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "controller_backend_state",
			Help:      "Coarse backend state per account (see BackEndState ordinal)",
		},
		[]string{"account", "protocol"},
	)

	pendingResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_resolved_total",
			Help:      "Pending operations resolved, by result",
		},
		[]string{"result"},
	)
)

// SetupMetricsEndpoint starts serving /metrics in the background.
func SetupMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log := logger.For(logger.ComponentCore)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to start metrics server: %v", err)
		}
	}()

	return server
}

// IncErrorCountAndLog increments the error counter and logs the error.
func IncErrorCountAndLog(component, instance string, err error, log *zap.SugaredLogger) {
	IncErrorCount(component, instance)

	if log != nil {
		log.Errorf("%s/%s: %v", component, instance, err)
	}
}

func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

// InitErrorCounter makes the series visible with a zero value.
func InitErrorCounter(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Add(0)
}

func ObserveReconcileTime(component, instance string, duration time.Duration) {
	reconcileTime.WithLabelValues(component, instance).Observe(float64(duration.Milliseconds()))
}

func AddStarvationTime(seconds float64) {
	starvationSeconds.Add(seconds)
}

func IncEventDispatched(machine, outcome string) {
	eventsDispatched.WithLabelValues(machine, outcome).Inc()
}

func IncMachineDefect(machine, kind string) {
	machineDefects.WithLabelValues(machine, kind).Inc()
}

func ObserveDispatchDuration(machine string, duration time.Duration) {
	dispatchDuration.WithLabelValues(machine).Observe(duration.Seconds())
}

func IncCommandOutcome(command, outcome string) {
	commandOutcomes.WithLabelValues(command, outcome).Inc()
}

func ObserveCommandDuration(command string, duration time.Duration) {
	commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func SetControllerState(account, protocol string, state int) {
	controllerState.WithLabelValues(account, protocol).Set(float64(state))
}

// RemoveController drops the series of a removed account.
func RemoveController(account, protocol string) {
	controllerState.DeleteLabelValues(account, protocol)
}

func IncPendingResolved(result string) {
	pendingResolved.WithLabelValues(result).Inc()
}
