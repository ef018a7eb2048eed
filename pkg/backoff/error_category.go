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

import "errors"

// ErrorCategory classifies failures by how the caller should react. Command
// classification maps the categories onto outcome events: transient errors
// become TempFail, permanent errors HardFail, ignored errors are logged only.
type ErrorCategory int

const (
	// CategoryIgnored is noise, for example a cancelled context after the
	// owner already moved on.
	CategoryIgnored ErrorCategory = iota

	// CategoryTransient is retryable: no network, DNS failure, connection
	// reset, timeout, server busy.
	CategoryTransient

	// CategoryPermanent is a protocol violation or a malformed response.
	// Retrying the same request cannot succeed.
	CategoryPermanent
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryIgnored:
		return "ignored"
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError is a wrapper that includes the underlying error plus a Category.
type CategorizedError struct {
	Err      error
	Category ErrorCategory
}

func (ce *CategorizedError) Error() string {
	return ce.Err.Error()
}

func (ce *CategorizedError) Unwrap() error {
	return ce.Err
}

func (ce *CategorizedError) IsCategory(category ErrorCategory) bool {
	return ce.Category == category
}

func NewIgnoredError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryIgnored}
}

func NewTransientError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryTransient}
}

func NewPermanentError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryPermanent}
}

// CategorizeError treats anything not yet categorized as transient.
func CategorizeError(err error) error {
	if err == nil {
		return nil
	}

	var ce *CategorizedError
	if errors.As(err, &ce) {
		return err
	}

	return NewTransientError(err)
}

// CategoryOf returns the category of err, transient when uncategorized.
func CategoryOf(err error) ErrorCategory {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}

	return CategoryTransient
}

func IsIgnoredError(err error) bool {
	var ce *CategorizedError

	return errors.As(err, &ce) && ce.IsCategory(CategoryIgnored)
}

func IsTransientError(err error) bool {
	var ce *CategorizedError

	return errors.As(err, &ce) && ce.IsCategory(CategoryTransient)
}

func IsPermanentError(err error) bool {
	var ce *CategorizedError

	return errors.As(err, &ce) && ce.IsCategory(CategoryPermanent)
}
