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

package constants

import "time"

const (
	// CommandRetriesMax is the default RetriesMax of a network command.
	CommandRetriesMax = 3

	// DiscoveryRetries is how many discovery TempFails are tolerated before
	// the user is asked for the server configuration.
	DiscoveryRetries = 5

	// MaxConcurrentExtras caps user-demand requests running beside the
	// main command of an account.
	MaxConcurrentExtras = 4

	// CommandTimeout bounds a single transport round trip.
	CommandTimeout = 60 * time.Second

	// IdleTimeout is how long a housekeeping idle command holds the
	// connection before it completes and the controller picks again.
	IdleTimeout = 5 * time.Minute
)

const (
	// RetryInitialInterval is the first TempFail backoff delay.
	RetryInitialInterval = 2 * time.Second
	// RetryMaxInterval caps the exponential TempFail backoff.
	RetryMaxInterval = 2 * time.Minute
)

const (
	// QualityWindow is the lifetime of a single comm result sample.
	QualityWindow = 5 * time.Minute
	// QualityDegradedRatio and QualityUnusableRatio are the failure ratios
	// over the window at which the server quality drops.
	QualityDegradedRatio = 0.3
	QualityUnusableRatio = 0.7
	// QualityMinSamples is needed before the ratio is trusted.
	QualityMinSamples = 4
)

const (
	// PayloadCompressionThreshold is the payload size from which pending
	// payloads are stored zstd-compressed.
	PayloadCompressionThreshold = 1024
)
