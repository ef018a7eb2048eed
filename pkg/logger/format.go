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
	"fmt"
	"strconv"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// PrettyConsoleEncoder renders entries as
//
//	[INFO]	[statemachine/machine.go:120]	[StateMachine]	message - key=value, key=value
//
// Timestamps are left to the process supervisor. Context fields added
// through With are kept by the embedded console encoder and rendered
// after the entry fields.
type PrettyConsoleEncoder struct {
	zapcore.Encoder

	cfg  zapcore.EncoderConfig
	ctx  *zapcore.MapObjectEncoder
	pool buffer.Pool
}

// NewPrettyConsoleEncoder creates a new PrettyConsoleEncoder instance.
func NewPrettyConsoleEncoder(cfg zapcore.EncoderConfig) zapcore.Encoder {
	return &PrettyConsoleEncoder{
		Encoder: zapcore.NewConsoleEncoder(cfg),
		cfg:     cfg,
		ctx:     zapcore.NewMapObjectEncoder(),
		pool:    buffer.NewPool(),
	}
}

// Clone copies the accumulated context so loggers created through With
// do not share field state.
func (e *PrettyConsoleEncoder) Clone() zapcore.Encoder {
	ctx := zapcore.NewMapObjectEncoder()
	for k, v := range e.ctx.Fields {
		ctx.Fields[k] = v
	}

	return &PrettyConsoleEncoder{
		Encoder: e.Encoder.Clone(),
		cfg:     e.cfg,
		ctx:     ctx,
		pool:    e.pool,
	}
}

// AddString records context fields for the pretty rendering; the rest of
// the ObjectEncoder surface is served by the embedded encoder.
func (e *PrettyConsoleEncoder) AddString(key, value string) {
	e.ctx.Fields[key] = value
	e.Encoder.AddString(key, value)
}

func (e *PrettyConsoleEncoder) AddInt64(key string, value int64) {
	e.ctx.Fields[key] = value
	e.Encoder.AddInt64(key, value)
}

func (e *PrettyConsoleEncoder) AddBool(key string, value bool) {
	e.ctx.Fields[key] = value
	e.Encoder.AddBool(key, value)
}

// EncodeEntry formats a log entry in a human-readable format.
func (e *PrettyConsoleEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	line := e.pool.Get()

	line.AppendString(" [")
	line.AppendString(entry.Level.CapitalString())
	line.AppendString("]\t")

	if entry.Caller.Defined {
		line.AppendByte('[')
		line.AppendString(entry.Caller.TrimmedPath())
		line.AppendByte(':')
		line.AppendString(strconv.Itoa(entry.Caller.Line))
		line.AppendString("]\t")
	}

	if entry.LoggerName != "" {
		line.AppendByte('[')
		line.AppendString(entry.LoggerName)
		line.AppendString("]\t\t\t")
	}

	line.AppendString(entry.Message)

	if len(fields) > 0 || len(e.ctx.Fields) > 0 {
		line.AppendString(" - ")
		appendFields(line, fields, e.ctx.Fields)
	}

	line.AppendString(e.cfg.LineEnding)

	return line, nil
}

func appendFields(line *buffer.Buffer, fields []zapcore.Field, ctx map[string]interface{}) {
	enc := zapcore.NewMapObjectEncoder()
	first := true

	sep := func() {
		if !first {
			line.AppendString(", ")
		}

		first = false
	}

	for _, field := range fields {
		field.AddTo(enc)
		sep()
		line.AppendString(field.Key)
		line.AppendByte('=')
		line.AppendString(fmt.Sprintf("%v", enc.Fields[field.Key]))
	}

	for k, v := range ctx {
		sep()
		line.AppendString(k)
		line.AppendByte('=')
		line.AppendString(fmt.Sprintf("%v", v))
	}
}
