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

package sentry

import (
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/syncengine/pkg/constants"
)

var shouldDebounceErrors = true

// EnableTestMode disables debouncing for testing.
func EnableTestMode() {
	shouldDebounceErrors = false
}

// DisableTestMode restores normal debouncing behavior.
func DisableTestMode() {
	shouldDebounceErrors = true
}

// Environment maps an app version to the sentry environment: releases
// without a prerelease suffix are production, everything else development.
func Environment(appVersion string) string {
	version, err := semver.NewVersion(appVersion)
	if err != nil || version.Prerelease() != "" {
		return constants.DefaultDevelopmentEnvironment
	}

	return constants.DefaultProductionEnvironment
}

// InitSentry initializes sentry for the given app version. The DSN is read
// from SENTRY_DSN; without one, or for the default dev version, reporting
// stays local to the logs.
func InitSentry(appVersion string, debounceErrors bool) {
	shouldDebounceErrors = debounceErrors

	if appVersion == "" || appVersion == constants.DefaultAppVersion {
		zap.S().Debug("Sentry disabled for local development build")

		return
	}

	dsn := os.Getenv("SENTRY_DSN")
	if dsn == "" {
		zap.S().Debug("Sentry disabled, SENTRY_DSN is not set")

		return
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:           dsn,
		Environment:   Environment(appVersion),
		Release:       "syncengine@" + appVersion,
		EnableTracing: false,
	})
	if err != nil {
		zap.S().Errorf("Failed to initialize Sentry: %s", err)
	}
}

func getMeaningfulErrorTitle(err error) string {
	message := err.Error()

	// first phrase only, the rest goes into the value
	idx := strings.IndexAny(message, ".,:")
	if idx > 0 {
		message = message[:idx]
	}

	if len(message) > 100 {
		message = message[:97] + "..."
	}

	return message
}

func createSentryEvent(level sentry.Level, err error) *sentry.Event {
	event := sentry.NewEvent()
	event.Level = level
	event.Message = err.Error()
	event.Exception = []sentry.Exception{{
		Type:       getMeaningfulErrorTitle(err),
		Value:      err.Error(),
		Stacktrace: sentry.ExtractStacktrace(err),
	}}

	if level == sentry.LevelFatal || level == sentry.LevelError {
		threads, stacktrace := captureGoroutinesAsThreads()
		event.Threads = threads
		event.Attachments = append(event.Attachments, &sentry.Attachment{
			Filename:    "stacktrace.txt",
			ContentType: "text/plain",
			Payload:     stacktrace,
		})
	}

	event.Fingerprint = []string{
		"{{ default }}",
		"level: " + getLevelString(level),
	}

	return event
}

// createSentryEventWithContext adds context as tags (scalars) or extra
// data (everything else). Keys listed in FingerprintKeys also refine the
// grouping.
func createSentryEventWithContext(level sentry.Level, err error, context map[string]interface{}) *sentry.Event {
	event := createSentryEvent(level, err)
	if len(context) == 0 {
		return event
	}

	if event.Tags == nil {
		event.Tags = make(map[string]string)
	}

	for key, value := range context {
		switch v := value.(type) {
		case string:
			event.Tags[key] = v
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
			event.Tags[key] = fmt.Sprintf("%v", v)
		default:
			if event.Extra == nil {
				event.Extra = make(map[string]interface{})
			}

			event.Extra[key] = v
		}

		for _, fk := range FingerprintKeys {
			if key == fk {
				event.Fingerprint = append(event.Fingerprint, fmt.Sprintf("%s: %v", key, value))
			}
		}
	}

	return event
}

func getLevelString(level sentry.Level) string {
	switch level {
	case sentry.LevelDebug:
		return "debug"
	case sentry.LevelInfo:
		return "info"
	case sentry.LevelWarning:
		return "warning"
	case sentry.LevelError:
		return "error"
	case sentry.LevelFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

func sendSentryEvent(event *sentry.Event) {
	localHub := sentry.CurrentHub().Clone()
	localHub.CaptureEvent(event)
}
