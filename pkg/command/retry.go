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

package command

import (
	"time"

	"github.com/united-manufacturing-hub/syncengine/pkg/constants"
)

// RetryPolicy shapes the exponential delay between TempFail attempts. The
// number of attempts is bounded by Config.RetriesMax.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: constants.RetryInitialInterval,
		MaxInterval:     constants.RetryMaxInterval,
	}
}

// OnTempFail is what a TempFail action calls with the failed command. It
// returns the next attempt to execute, or false when the caller has to
// escalate to HardFail. Commands that cannot retry always escalate.
func OnTempFail(cmd Command, reason error) (Command, bool) {
	r, ok := cmd.(Retryable)
	if !ok {
		return nil, false
	}

	return r.Retry(reason)
}
