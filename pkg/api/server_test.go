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

package api_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/syncengine/pkg/api"
	"github.com/united-manufacturing-hub/syncengine/pkg/config"
	"github.com/united-manufacturing-hub/syncengine/pkg/control"
	"github.com/united-manufacturing-hub/syncengine/pkg/pending"
	"github.com/united-manufacturing-hub/syncengine/pkg/protocontrol"
)

type enqueued struct {
	account string
	kind    pending.Kind
	payload string
	opts    protocontrol.EnqueueOptions
}

type fakeBackend struct {
	mu       sync.Mutex
	snapshot control.Snapshot
	enqueued []enqueued
	creds    map[string]protocontrol.Credentials
	servers  map[string]protocontrol.ServerConfig
	certs    map[string]bool
	desired  map[string]config.DesiredState
	validate func(ctx context.Context, p config.ProtocolConfig) (protocontrol.ValidateResult, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		creds:   map[string]protocontrol.Credentials{},
		servers: map[string]protocontrol.ServerConfig{},
		certs:   map[string]bool{},
		desired: map[string]config.DesiredState{},
	}
}

func (f *fakeBackend) Snapshot() control.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.snapshot
}

func (f *fakeBackend) known(account, protocol string) error {
	if _, ok := f.snapshot.Find(account, protocol); !ok {
		return fmt.Errorf("%w: %s/%s", control.ErrNoController, account, protocol)
	}

	return nil
}

func (f *fakeBackend) Enqueue(_ context.Context, account string, kind pending.Kind, payload any, opts protocontrol.EnqueueOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if kind == pending.KindSendEmail {
		if err := f.known(account, config.ProtocolSmtp); err != nil {
			return "", err
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	f.enqueued = append(f.enqueued, enqueued{account: account, kind: kind, payload: string(data), opts: opts})

	return fmt.Sprintf("op-%d", len(f.enqueued)), nil
}

func (f *fakeBackend) CredResp(account, protocol string, cred protocontrol.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.known(account, protocol); err != nil {
		return err
	}

	f.creds[account+"/"+protocol] = cred

	return nil
}

func (f *fakeBackend) ServerConfResp(account, protocol string, server protocontrol.ServerConfig, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.known(account, protocol); err != nil {
		return err
	}

	f.servers[account+"/"+protocol] = server

	return nil
}

func (f *fakeBackend) CertAskResp(account, protocol string, accept bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.known(account, protocol); err != nil {
		return err
	}

	f.certs[account+"/"+protocol] = accept

	return nil
}

func (f *fakeBackend) SetDesiredState(_ context.Context, account string, state config.DesiredState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if account != "jane" {
		return fmt.Errorf("%w: %s", config.ErrAccountNotFound, account)
	}

	f.desired[account] = state

	return nil
}

func (f *fakeBackend) Validate(ctx context.Context, _ string, p config.ProtocolConfig) (protocontrol.ValidateResult, error) {
	return f.validate(ctx, p)
}

var _ = Describe("Server", func() {
	var (
		backend *fakeBackend
		server  *api.Server
	)

	do := func(method, path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer

		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}

		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")

		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)

		return rec
	}

	decode := func(rec *httptest.ResponseRecorder) map[string]any {
		var out map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())

		return out
	}

	BeforeEach(func() {
		backend = newFakeBackend()
		backend.snapshot = control.Snapshot{
			Tick: 3,
			Time: time.Now(),
			Net:  "up",
			Controllers: []control.ControllerSnapshot{
				{AccountID: "jane", Protocol: config.ProtocolImap, State: "IdleW", BackEndState: "post_autod_post_inbox_sync"},
				{AccountID: "jane", Protocol: config.ProtocolSmtp, State: "UiCrdW", BackEndState: "cred_wait",
					Request: &control.UserRequest{Kind: control.RequestCredentials}},
			},
		}
		backend.validate = func(context.Context, config.ProtocolConfig) (protocontrol.ValidateResult, error) {
			return protocontrol.ValidateSuccess, nil
		}

		var err error
		server, err = api.NewServer(backend, nil, zaptest.NewLogger(GinkgoT()).Sugar())
		Expect(err).NotTo(HaveOccurred())
	})

	It("rejects a broken config", func() {
		_, err := api.NewServer(backend, &api.ServerConfig{}, nil)
		Expect(err).To(HaveOccurred())

		_, err = api.NewServer(nil, nil, nil)
		Expect(err).To(HaveOccurred())
	})

	Describe("health", func() {
		It("is ok while the engine ticks", func() {
			rec := do(http.MethodGet, "/health", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))

			out := decode(rec)
			Expect(out["status"]).To(Equal("ok"))
			Expect(out["tick"]).To(BeNumerically("==", 3))
			Expect(out["goroutines"]).To(BeNumerically(">", 0))
		})

		It("is unavailable before the first tick", func() {
			backend.snapshot = control.Snapshot{}

			rec := do(http.MethodGet, "/health", nil)
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(decode(rec)["status"]).To(Equal("starting"))
		})

		It("is unavailable when the engine stalled", func() {
			backend.snapshot.Time = time.Now().Add(-time.Hour)

			rec := do(http.MethodGet, "/health", nil)
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(decode(rec)["status"]).To(Equal("stalled"))
		})
	})

	It("serves the snapshot", func() {
		rec := do(http.MethodGet, "/api/v1/status", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))

		var snap control.Snapshot
		Expect(json.Unmarshal(rec.Body.Bytes(), &snap)).To(Succeed())
		Expect(snap.Tick).To(Equal(uint64(3)))
		Expect(snap.Controllers).To(HaveLen(2))
	})

	It("serves a single controller", func() {
		rec := do(http.MethodGet, "/api/v1/accounts/jane/smtp", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))

		out := decode(rec)
		Expect(out["state"]).To(Equal("UiCrdW"))
		Expect(out["request"]).To(HaveKeyWithValue("kind", "credentials"))

		Expect(do(http.MethodGet, "/api/v1/accounts/jane/activesync", nil).Code).To(Equal(http.StatusNotFound))
	})

	Describe("operations", func() {
		It("queues an operation", func() {
			rec := do(http.MethodPost, "/api/v1/accounts/jane/operations", map[string]any{
				"kind":    "mark_read",
				"payload": map[string]any{"serverId": "42", "folder": "INBOX", "read": true},
				"hot":     true,
			})
			Expect(rec.Code).To(Equal(http.StatusAccepted))
			Expect(decode(rec)["token"]).To(Equal("op-1"))

			Expect(backend.enqueued).To(HaveLen(1))
			Expect(backend.enqueued[0].kind).To(Equal(pending.KindMarkRead))
			Expect(backend.enqueued[0].opts.Hot).To(BeTrue())
			Expect(backend.enqueued[0].payload).To(MatchJSON(`{"serverId":"42","folder":"INBOX","read":true}`))
		})

		It("refuses unknown kinds and missing payloads", func() {
			rec := do(http.MethodPost, "/api/v1/accounts/jane/operations", map[string]any{"kind": "format_disk", "payload": map[string]any{}})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			rec = do(http.MethodPost, "/api/v1/accounts/jane/operations", map[string]any{"kind": "mark_read"})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			Expect(backend.enqueued).To(BeEmpty())
		})

		It("reports accounts that cannot run the operation", func() {
			rec := do(http.MethodPost, "/api/v1/accounts/bob/operations", map[string]any{
				"kind":    "send_email",
				"payload": map[string]any{"to": []string{"x@example.com"}},
			})
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("answers", func() {
		It("delivers credentials", func() {
			rec := do(http.MethodPost, "/api/v1/accounts/jane/smtp/credentials", map[string]any{"username": "jane", "password": "s3cret"})
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(backend.creds).To(HaveKeyWithValue("jane/smtp", protocontrol.Credentials{Username: "jane", Password: "s3cret"}))

			rec = do(http.MethodPost, "/api/v1/accounts/jane/smtp/credentials", map[string]any{"password": "s3cret"})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			rec = do(http.MethodPost, "/api/v1/accounts/bob/smtp/credentials", map[string]any{"username": "bob"})
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("delivers server settings", func() {
			rec := do(http.MethodPost, "/api/v1/accounts/jane/imap/serverconfig", map[string]any{"host": "imap.example.org", "port": 993, "tls": true})
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(backend.servers).To(HaveKeyWithValue("jane/imap", protocontrol.ServerConfig{Host: "imap.example.org", Port: 993, TLS: true}))
		})

		It("delivers a certificate decision, including a refusal", func() {
			rec := do(http.MethodPost, "/api/v1/accounts/jane/imap/certificate", map[string]any{"accept": false})
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(backend.certs).To(HaveKeyWithValue("jane/imap", false))

			rec = do(http.MethodPost, "/api/v1/accounts/jane/imap/certificate", map[string]any{})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	It("parks and resumes accounts", func() {
		Expect(do(http.MethodPost, "/api/v1/accounts/jane/park", nil).Code).To(Equal(http.StatusNoContent))
		Expect(backend.desired["jane"]).To(Equal(config.DesiredParked))

		Expect(do(http.MethodPost, "/api/v1/accounts/jane/resume", nil).Code).To(Equal(http.StatusNoContent))
		Expect(backend.desired["jane"]).To(Equal(config.DesiredActive))

		Expect(do(http.MethodPost, "/api/v1/accounts/bob/park", nil).Code).To(Equal(http.StatusNotFound))
	})

	Describe("validate", func() {
		body := map[string]any{
			"accountId": "probe",
			"protocol":  "imap",
			"baseUrl":   "https://gw.example.com",
			"username":  "jane",
			"password":  "pw",
		}

		It("returns the outcome", func() {
			var seen config.ProtocolConfig
			backend.validate = func(_ context.Context, p config.ProtocolConfig) (protocontrol.ValidateResult, error) {
				seen = p

				return protocontrol.ValidateAuthFail, nil
			}

			rec := do(http.MethodPost, "/api/v1/validate", body)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode(rec)["result"]).To(Equal("auth_fail"))
			Expect(seen.Username).To(Equal("jane"))
			Expect(seen.Password).To(Equal("pw"))
		})

		It("refuses unknown protocols", func() {
			bad := map[string]any{"accountId": "probe", "protocol": "pop3", "baseUrl": "https://gw.example.com"}

			Expect(do(http.MethodPost, "/api/v1/validate", bad).Code).To(Equal(http.StatusBadRequest))
		})

		It("reports a timeout", func() {
			backend.validate = func(context.Context, config.ProtocolConfig) (protocontrol.ValidateResult, error) {
				return 0, context.DeadlineExceeded
			}

			Expect(do(http.MethodPost, "/api/v1/validate", body).Code).To(Equal(http.StatusGatewayTimeout))
		})
	})
})
