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
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptrace"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/united-manufacturing-hub/syncengine/pkg/backoff"
	"github.com/united-manufacturing-hub/syncengine/pkg/constants"
	"github.com/united-manufacturing-hub/syncengine/pkg/logger"
)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 32 << 20

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	// BaseURL is prefixed to relative request paths, e.g. https://mail.example.com
	BaseURL     string
	Timeout     time.Duration
	InsecureTLS bool
	// Client overrides the client built from the fields above. Tests use it
	// to install an interceptor.
	Client *http.Client
	// Online reports whether the network is up. Nil means always online.
	Online func() bool
	Logger *zap.SugaredLogger
}

// HTTPTransport runs requests over HTTP(S) for one account. Cookies set by
// the server are kept for the next request.
type HTTPTransport struct {
	cfg    HTTPConfig
	client *http.Client
	logger *zap.SugaredLogger

	latenciesFRB  *expiremap.ExpireMap[time.Time, time.Duration]
	latenciesDNS  *expiremap.ExpireMap[time.Time, time.Duration]
	latenciesConn *expiremap.ExpireMap[time.Time, time.Duration]
	latenciesTLS  *expiremap.ExpireMap[time.Time, time.Duration]
}

// NewHTTPTransport creates a transport with its own cookie jar.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.CommandTimeout
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.For(logger.ComponentTransport)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				ForceAttemptHTTP2: false,
				TLSNextProto:      make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: cfg.InsecureTLS, //nolint:gosec // opt-in per account for self-signed servers
				},
			},
			Timeout: cfg.Timeout,
		}
	}

	client.Jar = jar

	return &HTTPTransport{
		cfg:           cfg,
		client:        client,
		logger:        cfg.Logger,
		latenciesFRB:  newLatencyWindow(constants.QualityWindow),
		latenciesDNS:  newLatencyWindow(constants.QualityWindow),
		latenciesConn: newLatencyWindow(constants.QualityWindow),
		latenciesTLS:  newLatencyWindow(constants.QualityWindow),
	}, nil
}

type timings struct {
	firstByte, dns, tls, conn time.Duration
}

func setupClientTrace(requestStart *time.Time, t *timings) *httptrace.ClientTrace {
	var dnsStart, tlsStart, connStart time.Time

	return &httptrace.ClientTrace{
		DNSStart:             func(_ httptrace.DNSStartInfo) { dnsStart = time.Now() },
		DNSDone:              func(_ httptrace.DNSDoneInfo) { t.dns = time.Since(dnsStart) },
		TLSHandshakeStart:    func() { tlsStart = time.Now() },
		TLSHandshakeDone:     func(_ tls.ConnectionState, _ error) { t.tls = time.Since(tlsStart) },
		ConnectStart:         func(_, _ string) { connStart = time.Now() },
		ConnectDone:          func(_, _ string, _ error) { t.conn = time.Since(connStart) },
		GotFirstResponseByte: func() { t.firstByte = time.Since(*requestStart) },
	}
}

// Execute sends req. Every failure to obtain a response is returned as a
// transient error, any response (including 4xx/5xx) is returned as is.
func (t *HTTPTransport) Execute(ctx context.Context, req *Request) (resp *Response, err error) {
	if t.cfg.Online != nil && !t.cfg.Online() {
		return nil, backoff.NewTransientError(ErrNoNetwork)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.cfg.Timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, t.url(req.Path), bytes.NewReader(req.Body))
	if err != nil {
		return nil, backoff.NewPermanentError(fmt.Errorf("build request: %w", err))
	}

	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}

	var (
		requestStart time.Time
		timing       timings
	)

	trace := setupClientTrace(&requestStart, &timing)

	requestStart = time.Now()

	response, err := t.client.Do(httpReq.WithContext(httptrace.WithClientTrace(httpReq.Context(), trace)))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}

		return nil, backoff.NewTransientError(enhanceConnectionError(err))
	}

	defer func() {
		if cerr := response.Body.Close(); cerr != nil {
			t.logger.Debugf("Error closing response body: %v", cerr)
		}
	}()

	if timing.firstByte == 0 {
		timing.firstByte = time.Since(requestStart)
	}

	now := time.Now()
	t.latenciesFRB.Set(now, timing.firstByte)
	t.latenciesDNS.Set(now, timing.dns)
	t.latenciesConn.Set(now, timing.conn)
	t.latenciesTLS.Set(now, timing.tls)

	body, err := io.ReadAll(io.LimitReader(response.Body, maxBodySize))
	if err != nil {
		return nil, backoff.NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	t.logger.Debugf("%s %s -> %d (%s)", req.Method, req.Path, response.StatusCode, timing.firstByte)

	return &Response{
		StatusCode: response.StatusCode,
		Header:     response.Header,
		Body:       body,
		FirstByte:  timing.firstByte,
	}, nil
}

func (t *HTTPTransport) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}

	return strings.TrimRight(t.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// Client exposes the underlying client.
func (t *HTTPTransport) Client() *http.Client {
	return t.client
}

// LatencyTillFirstByte summarizes recent time-to-first-byte samples.
func (t *HTTPTransport) LatencyTillFirstByte() Latency {
	return calculateLatency(t.latenciesFRB)
}

func (t *HTTPTransport) LatencyTillDNS() Latency {
	return calculateLatency(t.latenciesDNS)
}

func (t *HTTPTransport) LatencyTillConn() Latency {
	return calculateLatency(t.latenciesConn)
}

func (t *HTTPTransport) LatencyTillTLS() Latency {
	return calculateLatency(t.latenciesTLS)
}

func enhanceConnectionError(err error) error {
	msg := err.Error()

	switch {
	case strings.Contains(msg, "EOF"):
		return fmt.Errorf("connection closed unexpectedly before receiving response: %w", err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return fmt.Errorf("request timed out: %w", err)
	case strings.Contains(msg, "connection refused"):
		return fmt.Errorf("connection refused: %w", err)
	case strings.Contains(msg, "no such host"):
		return fmt.Errorf("name resolution failed: %w", err)
	}

	return fmt.Errorf("connection error: %w", err)
}
