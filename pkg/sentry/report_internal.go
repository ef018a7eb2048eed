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
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"
)

const debounceWindow = 2 * time.Hour

// reportedKey marks log entries that were already turned into a sentry
// event, so SentryHook does not send them twice.
const reportedKey = "sentry_reported"

// lastSent remembers per grouping key when it was last sent. Entries
// expire with the debounce window, so a present key means "too soon".
var lastSent = expiremap.NewEx[string, time.Time](10*time.Minute, debounceWindow)

// debounced reports whether an event with this key was sent within the
// window, and records the send otherwise. Debouncing is per grouping key
// so one noisy machine does not mute defects from the others.
func debounced(level sentry.Level, err error, context map[string]interface{}) bool {
	if !shouldDebounceErrors {
		return false
	}

	key := debounceKey(level, err, context)
	if sent, ok := lastSent.Load(key); ok && time.Since(*sent) < debounceWindow {
		return true
	}

	lastSent.Set(key, time.Now())

	return false
}

func debounceKey(level sentry.Level, err error, context map[string]interface{}) string {
	parts := []string{getLevelString(level), getMeaningfulErrorTitle(err)}

	for _, k := range FingerprintKeys {
		if v, ok := context[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}

	sort.Strings(parts[2:])

	return strings.Join(parts, "|")
}

// reportFatal sends the event, flushes and panics.
func reportFatal(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Error("The sync engine has encountered a fatal error and will now terminate.")
	log.Errorf("Error: %s", err)
	log.Errorf("Stack trace: %s", string(debug.Stack()))

	sendSentryEvent(createSentryEventWithContext(sentry.LevelFatal, err, context))
	sentry.Flush(5 * time.Second)

	log.Panic("Fatal error")
}

// reportError always logs; the sentry event is debounced.
func reportError(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Errorw(err.Error(), contextFields(context)...)

	if debounced(sentry.LevelError, err, context) {
		return
	}

	sendSentryEvent(createSentryEventWithContext(sentry.LevelError, err, context))
}

func reportWarning(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Warnw(err.Error(), contextFields(context)...)

	if debounced(sentry.LevelWarning, err, context) {
		return
	}

	sendSentryEvent(createSentryEventWithContext(sentry.LevelWarning, err, context))
}

func contextFields(context map[string]interface{}) []interface{} {
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	fields := make([]interface{}, 0, 2*len(keys)+2)
	fields = append(fields, reportedKey, true)

	for _, k := range keys {
		fields = append(fields, k, context[k])
	}

	return fields
}
