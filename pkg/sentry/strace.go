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
	"bytes"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/DataDog/gostackparse"
	"github.com/getsentry/sentry-go"
)

// pumpFuncMarker identifies goroutines currently dispatching a state
// machine event. They are flagged as current so the dispatching thread is
// the one sentry opens first.
const pumpFuncMarker = "statemachine.(*Machine).pump"

// captureGoroutinesAsThreads converts all goroutines into sentry threads
// and also returns the raw dump for the attachment.
func captureGoroutinesAsThreads() ([]sentry.Thread, []byte) {
	stack := entireStack()

	goroutines, errs := gostackparse.Parse(bytes.NewReader(stack))
	if len(errs) > 0 && len(goroutines) == 0 {
		return nil, stack
	}

	threads := make([]sentry.Thread, 0, len(goroutines))
	for _, g := range goroutines {
		threads = append(threads, convertGoroutineToThread(g))
	}

	return threads, stack
}

func entireStack() []byte {
	buf := make([]byte, 1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return buf[:n]
		}

		buf = make([]byte, 2*len(buf))
	}
}

func convertGoroutineToThread(g *gostackparse.Goroutine) sentry.Thread {
	frames := make([]sentry.Frame, 0, len(g.Stack))
	current := false

	for _, gf := range g.Stack {
		if strings.Contains(gf.Func, pumpFuncMarker) {
			current = true
		}

		frames = append(frames, sentry.Frame{
			Function: gf.Func,
			Filename: filepath.Base(gf.File),
			Lineno:   gf.Line,
			AbsPath:  gf.File,
		})
	}

	return sentry.Thread{
		ID:         strconv.Itoa(g.ID),
		Name:       fmt.Sprintf("Goroutine %d [%s]", g.ID, g.State),
		Stacktrace: &sentry.Stacktrace{Frames: frames},
		Current:    current,
	}
}
