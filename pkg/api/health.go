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

package api

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/united-manufacturing-hub/syncengine/pkg/constants"
)

// healthProbe reads host and process figures for the health endpoint.
// Failing reads leave their figure at zero.
type healthProbe struct {
	started time.Time
	proc    *process.Process
}

func newHealthProbe() *healthProbe {
	p := &healthProbe{started: time.Now()}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil { //nolint:gosec // pids fit in 32 bits
		p.proc = proc
	}

	return p
}

type healthResponse struct {
	Status     string  `json:"status"`
	Uptime     string  `json:"uptime"`
	Tick       uint64  `json:"tick"`
	TickAge    string  `json:"tickAge,omitempty"`
	CPUPercent float64 `json:"cpuPercent"`
	MemPercent float64 `json:"memPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
	Goroutines int     `json:"goroutines"`
}

func (p *healthProbe) fill(out *healthResponse) {
	out.Uptime = time.Since(p.started).Round(time.Second).String()
	out.Goroutines = runtime.NumGoroutine()

	// zero interval compares against the previous call, it does not block
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		out.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		out.MemPercent = vm.UsedPercent
	}

	if p.proc != nil {
		if info, err := p.proc.MemoryInfo(); err == nil {
			out.RSSBytes = info.RSS
		}
	}
}

// getHealth answers 503 while the engine has not ticked yet or stopped
// ticking.
func (s *Server) getHealth(c *gin.Context) {
	snap := s.backend.Snapshot()

	out := healthResponse{Status: "ok", Tick: snap.Tick}
	s.health.fill(&out)

	code := http.StatusOK

	switch {
	case snap.Tick == 0:
		out.Status = "starting"
		code = http.StatusServiceUnavailable
	default:
		age := time.Since(snap.Time)
		out.TickAge = age.Round(time.Millisecond).String()

		if age > constants.StarvationThreshold {
			out.Status = "stalled"
			code = http.StatusServiceUnavailable
		}
	}

	c.JSON(code, out)
}
