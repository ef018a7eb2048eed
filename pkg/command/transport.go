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

	"github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
	"github.com/united-manufacturing-hub/syncengine/pkg/transport"
)

// TransportConfig configures a command that performs one request.
type TransportConfig struct {
	Config

	Transport transport.Transport
	// Request builds the request for each attempt.
	Request  func() (*transport.Request, error)
	Classify Classifier
	Rules    Rules
}

// NewTransport creates a command executing one request through the
// transport and posting the classified outcome.
func NewTransport(cfg TransportConfig) *Async {
	return NewAsync(cfg.Config, func(ctx context.Context) *Result {
		req, err := cfg.Request()
		if err != nil {
			return &Result{Event: statemachine.EventHardFail, Message: "REQUEST", Err: err}
		}

		resp, err := cfg.Transport.Execute(ctx, req)

		return Classify(resp, err, cfg.Classify, cfg.Rules)
	})
}
