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

// Package transport is the network boundary of the sync engine. Commands
// hand it a Request and get back either a Response carrying the server's
// status or an error describing why no response arrived.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/syncengine/pkg/backoff"
)

var (
	// ErrDecode marks a response body that could not be decoded.
	ErrDecode = errors.New("malformed response payload")
	// ErrNoNetwork is returned without touching the wire when the transport
	// knows the network is down.
	ErrNoNetwork = errors.New("network unavailable")
)

// Transport executes one request. Implementations must honour ctx
// cancellation and must not retry on their own.
type Transport interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// Request is one protocol exchange.
type Request struct {
	Method string
	// Path is appended to the transport's base URL. A full URL is used as is.
	Path   string
	Header http.Header
	Body   []byte
	// Timeout bounds this request on top of ctx. Zero uses the transport default.
	Timeout time.Duration
}

// NewJSONRequest builds a request with a JSON encoded body.
func NewJSONRequest(method, path string, payload any) (*Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")

	return &Request{Method: method, Path: path, Header: header, Body: body}, nil
}

// Response is what the server answered, whatever the status.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// FirstByte is the time from sending to the first response byte.
	FirstByte time.Duration
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// DecodeJSON decodes the body into v. Decoding failures are permanent: the
// same bytes will not decode on a retry.
func (r *Response) DecodeJSON(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return backoff.NewPermanentError(fmt.Errorf("%w: empty body", ErrDecode))
	}

	if err := json.Unmarshal(r.Body, v); err != nil {
		return backoff.NewPermanentError(fmt.Errorf("%w: %w", ErrDecode, err))
	}

	return nil
}
