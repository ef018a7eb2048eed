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

package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the logging level.
type LogLevel string

// LogFormat represents the logging format.
type LogFormat string

const (
	DebugLevel LogLevel = "DEBUG"
	InfoLevel  LogLevel = "INFO"
	WarnLevel  LogLevel = "WARN"
	ErrorLevel LogLevel = "ERROR"
	// ProductionLevel is an alias for InfoLevel, used for easier configuration.
	ProductionLevel LogLevel = "PRODUCTION"

	// FormatConsole is zap's stock console encoder.
	FormatConsole LogFormat = "CONSOLE"
	// FormatJSON is structured output for log shippers.
	FormatJSON LogFormat = "JSON"
	// FormatPretty is the default, see PrettyConsoleEncoder.
	FormatPretty LogFormat = "PRETTY"
)

var (
	initOnce    sync.Once
	initialized bool
)

func parseLevel(level LogLevel) zapcore.Level {
	switch LogLevel(strings.ToUpper(string(level))) {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case InfoLevel, ProductionLevel:
		return zapcore.InfoLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseFormat falls back to defaultFormat for anything it does not know.
func ParseFormat(raw string, defaultFormat LogFormat) LogFormat {
	switch f := LogFormat(strings.ToUpper(raw)); f {
	case FormatConsole, FormatJSON, FormatPretty:
		return f
	default:
		return defaultFormat
	}
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05 MST"))
}

func encoderConfig(format LogFormat) zapcore.EncoderConfig {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if format == FormatJSON {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder

		return cfg
	}

	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeTime = timeEncoder
	cfg.ConsoleSeparator = " | "

	return cfg
}

// New creates a zap logger writing to stdout with the given level and format.
func New(logLevel string, logFormat LogFormat) *zap.Logger {
	cfg := encoderConfig(logFormat)

	var encoder zapcore.Encoder

	switch logFormat {
	case FormatPretty:
		encoder = NewPrettyConsoleEncoder(cfg)
	case FormatConsole:
		encoder = zapcore.NewConsoleEncoder(cfg)
	default:
		encoder = zapcore.NewJSONEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.NewAtomicLevelAt(parseLevel(LogLevel(logLevel))))

	return zap.New(core, zap.AddCaller())
}

// Initialize sets up the global logger from LOGGING_LEVEL and LOGGING_FORMAT.
// Only the first call has an effect.
func Initialize() {
	initOnce.Do(func() {
		level := os.Getenv("LOGGING_LEVEL")
		if level == "" {
			level = string(ProductionLevel)
		}

		format := ParseFormat(os.Getenv("LOGGING_FORMAT"), FormatPretty)
		log := New(level, format)
		log.Info("Logger initialized", zap.String("level", level), zap.String("format", string(format)))

		zap.ReplaceGlobals(log)

		initialized = true
	})
}

// GetLogger returns the global logger, initializing it if needed.
func GetLogger() *zap.Logger {
	if !initialized {
		Initialize()
	}

	return zap.L()
}

// Sync flushes any buffered log entries.
func Sync() error {
	return zap.L().Sync()
}

// For creates a named logger for a specific component.
func For(component string) *zap.SugaredLogger {
	if !initialized {
		Initialize()
	}

	return zap.S().Named(component)
}

// ForAccount is For with the account id attached to every entry.
func ForAccount(component, accountID string) *zap.SugaredLogger {
	return For(component).With("account", accountID)
}
