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

package protocontrol_test

import (
	"context"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/syncengine/pkg/pending"
	"github.com/united-manufacturing-hub/syncengine/pkg/protocolstate"
	"github.com/united-manufacturing-hub/syncengine/pkg/protocontrol"
	"github.com/united-manufacturing-hub/syncengine/pkg/transport"
)

var _ = Describe("ActiveSync", func() {
	var (
		server *fakeServer
		owner  *fakeOwner
		as     *protocontrol.ActiveSync
	)

	BeforeEach(func() {
		server = newFakeServer()
		owner = &fakeOwner{}
		server.handle("/activesync/provision", func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if contains(`"phase":"get"`)(string(req.Body)) {
				return reply(map[string]any{"status": "ok", "policyKey": "pk-1"})(ctx, req)
			}

			return httpStatus(200)(ctx, req)
		})
	})

	JustBeforeEach(func() {
		var err error
		as, err = protocontrol.NewActiveSync(protocontrol.Config{
			AccountID:     account,
			Pending:       pending.NewMemoryQueue(),
			States:        protocolstate.NewMemoryStore(),
			Transport:     server,
			Owner:         owner,
			RetryPolicy:   fastRetries,
			IdleTimeout:   time.Hour,
			StrictInvalid: true,
			Logger:        zaptest.NewLogger(GinkgoT()).Sugar(),
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		as.Remove()
		Eventually(as.Removed()).Should(BeClosed())
	})

	It("sets the account up before the first sync", func() {
		Expect(as.Execute()).To(BeTrue())

		Eventually(as.State).Should(Equal(protocontrol.AsIdleW))
		for _, verb := range []string{"discover", "options", "settings", "fsync", "sync"} {
			Expect(server.callsTo("/activesync/"+verb)).To(Equal(1), verb)
		}

		bodies := server.bodiesOf("/activesync/provision")
		Expect(bodies).To(HaveLen(2))
		Expect(bodies[1]).To(ContainSubstring(`"phase":"ack"`))
		Expect(bodies[1]).To(ContainSubstring(`"policyKey":"pk-1"`))
	})

	It("acknowledges a remote wipe", func() {
		server.handle("/activesync/provision", func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if contains(`"phase":"get"`)(string(req.Body)) {
				return status("wipe")(ctx, req)
			}

			return httpStatus(200)(ctx, req)
		})

		Expect(as.Execute()).To(BeTrue())

		Eventually(as.State).Should(Equal(protocontrol.AsIdleW))
		Expect(server.bodiesOf("/activesync/provision")[1]).To(ContainSubstring(`"wipe":true`))
	})

	It("retries each provisioning step on its own budget", func() {
		var acks atomic.Int32
		server.handle("/activesync/provision", func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if contains(`"phase":"get"`)(string(req.Body)) {
				return reply(map[string]any{"policyKey": "pk-2"})(ctx, req)
			}

			if acks.Add(1) < 3 {
				return httpStatus(503)(ctx, req)
			}

			return httpStatus(200)(ctx, req)
		})

		Expect(as.Execute()).To(BeTrue())

		Eventually(as.State).Should(Equal(protocontrol.AsIdleW))
		Expect(acks.Load()).To(Equal(int32(3)))
	})

	It("starts over with discovery when provisioning keeps failing", func() {
		var discoveries atomic.Int32
		server.handle("/activesync/discover", func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			discoveries.Add(1)

			return httpStatus(200)(ctx, req)
		})
		server.handle("/activesync/provision", func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if discoveries.Load() == 1 {
				return httpStatus(503)(ctx, req)
			}

			return httpStatus(200)(ctx, req)
		})

		Expect(as.Execute()).To(BeTrue())

		Eventually(as.State).Should(Equal(protocontrol.AsIdleW))
		Expect(discoveries.Load()).To(Equal(int32(2)))
	})

	It("asks the user about an untrusted certificate", func() {
		server.handle("/activesync/discover", func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if contains(`"acceptCertificate":true`)(string(req.Body)) {
				return httpStatus(200)(ctx, req)
			}

			return reply(map[string]any{"status": "certask", "subject": "CN=mail.example.com"})(ctx, req)
		})

		Expect(as.Execute()).To(BeTrue())

		Eventually(as.State).Should(Equal(protocontrol.AsUiCertOkW))
		Expect(owner.certRequests()).To(ConsistOf("CN=mail.example.com"))
		Expect(as.BackEndState()).To(Equal(protocontrol.BackEndCertAskWait))

		as.CertAskResp(true)

		Eventually(as.State).Should(Equal(protocontrol.AsIdleW))
	})

	It("asks for server settings when the certificate is refused", func() {
		server.handle("/activesync/discover", status("certask"))

		Expect(as.Execute()).To(BeTrue())
		Eventually(as.State).Should(Equal(protocontrol.AsUiCertOkW))

		as.CertAskResp(false)

		Eventually(as.State).Should(Equal(protocontrol.AsUiServConfW))
		Expect(owner.servConfRequests()).To(ConsistOf(protocontrol.AutoDServerRejected))
	})

	It("asks for credentials again when they expire after setup", func() {
		server.handle("/activesync/sync", status("authfail"))

		Expect(as.Execute()).To(BeTrue())

		Eventually(as.State).Should(Equal(protocontrol.AsUiPCrdW))
		Expect(owner.credRequests()).To(Equal(1))

		server.handle("/activesync/sync", nil)
		as.CredResp(protocontrol.Credentials{Username: "jane", Password: "rotated"})

		Eventually(as.State).Should(Equal(protocontrol.AsIdleW))
		Expect(server.callsTo("/activesync/discover")).To(Equal(1))
		Expect(server.callsTo("/activesync/options")).To(Equal(2))
	})

	It("repeats the folder sync and goes on to the inbox", func() {
		var fsyncs atomic.Int32
		server.handle("/activesync/fsync", func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if fsyncs.Add(1) == 1 {
				return status("resync")(ctx, req)
			}

			return httpStatus(200)(ctx, req)
		})

		Expect(as.Execute()).To(BeTrue())

		Eventually(as.State).Should(Equal(protocontrol.AsIdleW))
		Expect(fsyncs.Load()).To(Equal(int32(2)))
		Expect(server.callsTo("/activesync/sync")).To(Equal(1))
	})

	It("parks in the middle of provisioning", func() {
		server.handle("/activesync/provision", hang())

		Expect(as.Execute()).To(BeTrue())
		Eventually(as.State).Should(Equal(protocontrol.AsProvW))
		Eventually(func() int { return server.callsTo("/activesync/provision") }).Should(Equal(1))

		as.ForceStop()

		Eventually(as.State).Should(Equal(protocontrol.AsParked))
		Consistently(as.State, 100*time.Millisecond).Should(Equal(protocontrol.AsParked))
		Expect(server.callsTo("/activesync/provision")).To(Equal(1))
	})
})
