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
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/united-manufacturing-hub/syncengine/pkg/backoff"
	"github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
	"github.com/united-manufacturing-hub/syncengine/pkg/transport"
)

// Classifier maps a 2xx response to the outcome of the exchange. A nil
// Classifier treats every 2xx as Success.
type Classifier func(resp *transport.Response) *Result

// Rules tell Classify about the owner's event space.
type Rules struct {
	// AuthFail is posted for 401/403 when HasAuthFail is set, HardFail
	// otherwise.
	AuthFail    statemachine.EventType
	HasAuthFail bool
	// Known reports whether the owner declares an event. A classifier
	// producing anything else is turned into HardFail.
	Known func(statemachine.EventType) bool
}

// RulesFor derives Rules from a definition.
func RulesFor(def *statemachine.Definition, authFail statemachine.EventType, hasAuthFail bool) Rules {
	names := def.Names()

	return Rules{
		AuthFail:    authFail,
		HasAuthFail: hasAuthFail,
		Known: func(t statemachine.EventType) bool {
			_, ok := names.Events[t]

			return ok
		},
	}
}

// Classify turns a transport outcome into exactly one event. Transport
// failures are mapped before any protocol status is looked at.
func Classify(resp *transport.Response, err error, classify Classifier, rules Rules) *Result {
	if err != nil {
		return classifyError(err)
	}

	switch {
	case resp == nil:
		return &Result{Event: statemachine.EventHardFail, Message: "NORESPONSE", Err: errors.New("transport returned neither response nor error")}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if rules.HasAuthFail {
			return &Result{Event: rules.AuthFail, Message: "AUTH", Response: resp}
		}

		return &Result{Event: statemachine.EventHardFail, Message: "AUTH", Response: resp}
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return &Result{Event: statemachine.EventTempFail, Message: fmt.Sprintf("SERVER%d", resp.StatusCode), Response: resp}
	case !resp.OK():
		return &Result{Event: statemachine.EventHardFail, Message: fmt.Sprintf("STATUS%d", resp.StatusCode), Response: resp}
	}

	if classify == nil {
		return &Result{Event: statemachine.EventSuccess, Message: "OK", Response: resp}
	}

	result := classify(resp)
	if result == nil {
		return &Result{Event: statemachine.EventHardFail, Message: "NOCLASS", Response: resp}
	}

	result.Response = resp

	if result.Err != nil && backoff.IsPermanentError(result.Err) && result.Event != statemachine.EventHardFail {
		// a payload that cannot be decoded will not decode on a retry either
		result.Event = statemachine.EventHardFail
	}

	if rules.Known != nil && !rules.Known(result.Event) {
		return &Result{
			Event:    statemachine.EventHardFail,
			Message:  "BADCLASS",
			Response: resp,
			Err:      fmt.Errorf("classifier produced undeclared event %d", result.Event),
		}
	}

	return result
}

func classifyError(err error) *Result {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Result{Event: statemachine.EventTempFail, Message: "TIMEOUT", Err: err}
	case errors.Is(err, transport.ErrNoNetwork):
		return &Result{Event: statemachine.EventTempFail, Message: "NONET", Err: err}
	case errors.Is(err, transport.ErrDecode), backoff.IsPermanentError(err):
		return &Result{Event: statemachine.EventHardFail, Message: "PROTOCOL", Err: err}
	default:
		return &Result{Event: statemachine.EventTempFail, Message: "NETWORK", Err: err}
	}
}

func outcomeLabel(t statemachine.EventType) string {
	switch t {
	case statemachine.EventSuccess:
		return "success"
	case statemachine.EventTempFail:
		return "tempfail"
	case statemachine.EventHardFail:
		return "hardfail"
	default:
		return "protocol"
	}
}
