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

package transport

import (
	"sort"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
)

// Latency summarizes the samples of one window in milliseconds.
type Latency struct {
	AvgMs float64 `json:"avgMs"`
	MaxMs float64 `json:"maxMs"`
	MinMs float64 `json:"minMs"`
	P95Ms float64 `json:"p95Ms"`
	P99Ms float64 `json:"p99Ms"`
	// Samples is the number of requests in the window.
	Samples int `json:"samples"`
}

func newLatencyWindow(window time.Duration) *expiremap.ExpireMap[time.Time, time.Duration] {
	return expiremap.NewEx[time.Time, time.Duration](window, window)
}

func calculateLatency(latencies *expiremap.ExpireMap[time.Time, time.Duration]) Latency {
	var (
		durations []time.Duration
		sum       time.Duration
	)

	latencies.Range(func(_ time.Time, value time.Duration) bool {
		durations = append(durations, value)
		sum += value

		return true
	})

	if len(durations) == 0 {
		return Latency{}
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	at := func(q float64) time.Duration {
		idx := int(float64(n) * q)
		if idx >= n {
			idx = n - 1
		}

		return durations[idx]
	}

	return Latency{
		AvgMs:   ms(sum / time.Duration(n)),
		MaxMs:   ms(durations[n-1]),
		MinMs:   ms(durations[0]),
		P95Ms:   ms(at(0.95)),
		P99Ms:   ms(at(0.99)),
		Samples: n,
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
