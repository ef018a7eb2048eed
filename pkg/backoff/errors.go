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

package backoff

import (
	"errors"
	"strings"
)

const (
	// TemporaryBackoffError prefixes errors returned while an operation is
	// suspended between retries.
	TemporaryBackoffError = "operation suspended due to temporary error"
	// PermanentFailureError prefixes errors returned once retries ran out.
	PermanentFailureError = "operation permanently failed"
)

// IsTemporaryBackoffError checks if the error is a temporary backoff error
func IsTemporaryBackoffError(err error) bool {
	if err == nil {
		return false
	}

	return strings.Contains(err.Error(), TemporaryBackoffError)
}

// IsPermanentFailureError checks if the error is a permanent failure error
func IsPermanentFailureError(err error) bool {
	if err == nil {
		return false
	}

	return strings.Contains(err.Error(), PermanentFailureError)
}

// IsBackoffError checks if the error is any type of backoff error
func IsBackoffError(err error) bool {
	return IsTemporaryBackoffError(err) || IsPermanentFailureError(err)
}

// ExtractOriginalError unwraps err down to its root cause.
func ExtractOriginalError(err error) error {
	if err == nil {
		return nil
	}

	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}

		err = next
	}
}
