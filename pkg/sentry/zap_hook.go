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
	"math"
	"strconv"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap/zapcore"
)

// FingerprintKeys are the field keys that affect Sentry grouping.
// They carry the kind of problem, never instance data like account ids.
var FingerprintKeys = []string{"operation", "fsm_type", "service_type", "state", "event"}

// SentryHook wraps a zapcore.Core and forwards Warn and above to sentry
// from a separate goroutine. Entries produced by ReportIssue carry
// reportedKey and are skipped, they already have an event.
type SentryHook struct {
	zapcore.Core

	fields []zapcore.Field
}

func NewSentryHook(core zapcore.Core) *SentryHook {
	return &SentryHook{Core: core}
}

// With keeps a copy of the context fields so tags survive derived loggers.
func (h *SentryHook) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(h.fields)+len(fields))
	merged = append(merged, h.fields...)
	merged = append(merged, fields...)

	return &SentryHook{Core: h.Core.With(fields), fields: merged}
}

func (h *SentryHook) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if h.Enabled(entry.Level) {
		return ce.AddCore(entry, h)
	}

	return ce
}

func (h *SentryHook) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	if entry.Level >= zapcore.WarnLevel && !hasField(fields, reportedKey) {
		all := make([]zapcore.Field, 0, len(h.fields)+len(fields))
		all = append(all, h.fields...)
		all = append(all, fields...)

		go captureToSentry(entry, all)
	}

	return h.Core.Write(entry, fields)
}

func hasField(fields []zapcore.Field, key string) bool {
	for _, f := range fields {
		if f.Key == key {
			return true
		}
	}

	return false
}

func captureToSentry(entry zapcore.Entry, fields []zapcore.Field) {
	context := extractFieldsAsContext(fields)
	level := zapLevelToSentry(entry.Level)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)

		fingerprint := []string{"{{ default }}", "level: " + getLevelString(level)}
		for _, key := range FingerprintKeys {
			if v, ok := context[key]; ok {
				fingerprint = append(fingerprint, key+": "+v)
			}
		}

		scope.SetFingerprint(fingerprint)

		if entry.LoggerName != "" {
			scope.SetTag("component", entry.LoggerName)
		}

		for k, v := range context {
			scope.SetTag(k, v)
		}

		sentry.CaptureMessage(entry.Message)
	})
}

// extractFieldsAsContext renders zap fields as strings for sentry tags.
func extractFieldsAsContext(fields []zapcore.Field) map[string]string {
	context := make(map[string]string, len(fields))

	for _, field := range fields {
		switch field.Type {
		case zapcore.StringType:
			context[field.Key] = field.String
		case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type, zapcore.DurationType:
			context[field.Key] = strconv.FormatInt(field.Integer, 10)
		case zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type:
			context[field.Key] = strconv.FormatUint(uint64(field.Integer), 10)
		case zapcore.BoolType:
			context[field.Key] = strconv.FormatBool(field.Integer == 1)
		case zapcore.Float64Type:
			context[field.Key] = strconv.FormatFloat(math.Float64frombits(uint64(field.Integer)), 'g', -1, 64)
		case zapcore.ErrorType:
			if err, ok := field.Interface.(error); ok {
				context[field.Key] = err.Error()
			}
		default:
			if field.Interface != nil {
				context[field.Key] = fmt.Sprintf("%v", field.Interface)
			}
		}
	}

	return context
}

func zapLevelToSentry(level zapcore.Level) sentry.Level {
	switch level {
	case zapcore.DebugLevel:
		return sentry.LevelDebug
	case zapcore.InfoLevel:
		return sentry.LevelInfo
	case zapcore.WarnLevel:
		return sentry.LevelWarning
	case zapcore.ErrorLevel:
		return sentry.LevelError
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return sentry.LevelFatal
	default:
		return sentry.LevelInfo
	}
}
