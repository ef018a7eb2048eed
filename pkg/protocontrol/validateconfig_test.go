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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/syncengine/pkg/protocontrol"
	"github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
)

var _ = Describe("Validator", func() {
	var (
		server  *fakeServer
		results chan protocontrol.ValidateResult
		v       *protocontrol.Validator
	)

	BeforeEach(func() {
		server = newFakeServer()
		results = make(chan protocontrol.ValidateResult, 4)

		var err error
		v, err = protocontrol.NewValidator(protocontrol.ValidateConfig{
			AccountID:   account,
			Protocol:    protocontrol.ProtocolImap,
			Server:      protocontrol.ServerConfig{Host: "imap.example.com", Port: 993, TLS: true},
			Credentials: protocontrol.Credentials{Username: "jane", Password: "secret"},
			Transport:   server,
			RetryPolicy: fastRetries,
			OnResult:    func(r protocontrol.ValidateResult) { results <- r },
			Logger:      zaptest.NewLogger(GinkgoT()).Sugar(),
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("needs a transport and a protocol", func() {
		_, err := protocontrol.NewValidator(protocontrol.ValidateConfig{Protocol: protocontrol.ProtocolImap})
		Expect(err).To(MatchError(protocontrol.ErrInvalidConfig))

		_, err = protocontrol.NewValidator(protocontrol.ValidateConfig{Transport: server})
		Expect(err).To(MatchError(protocontrol.ErrInvalidConfig))
	})

	It("succeeds after discovery and connect", func() {
		v.Execute()

		Eventually(results).Should(Receive(Equal(protocontrol.ValidateSuccess)))
		Expect(server.callsTo("/imap/discover")).To(Equal(1))
		Expect(server.callsTo("/imap/connect")).To(Equal(1))
		Expect(server.headerOf("/imap/connect").Get("Authorization")).To(HavePrefix("Basic "))
		Eventually(v.State).Should(Equal(statemachine.StateStop))
		Consistently(results, 50*time.Millisecond).ShouldNot(Receive())
	})

	It("reports rejected credentials", func() {
		server.handle("/imap/connect", httpStatus(401))

		v.Execute()

		Eventually(results).Should(Receive(Equal(protocontrol.ValidateAuthFail)))
	})

	It("reports an auth failure announced in the reply", func() {
		server.handle("/imap/discover", status("authfail"))

		v.Execute()

		Eventually(results).Should(Receive(Equal(protocontrol.ValidateAuthFail)))
		Expect(server.callsTo("/imap/connect")).To(BeZero())
	})

	It("reports bad server settings", func() {
		server.handle("/imap/discover", httpStatus(404))

		v.Execute()

		Eventually(results).Should(Receive(Equal(protocontrol.ValidateServerConfFail)))
		Expect(server.callsTo("/imap/discover")).To(Equal(1))
	})

	It("gives up on an unreachable server after retrying", func() {
		server.handle("/imap/connect", httpStatus(503))

		v.Execute()

		Eventually(results).Should(Receive(Equal(protocontrol.ValidateNetworkFail)))
		Expect(server.callsTo("/imap/connect")).To(BeNumerically(">", 1))
		Consistently(results, 50*time.Millisecond).ShouldNot(Receive())
	})

	It("stays silent once cancelled", func() {
		server.handle("/imap/connect", hang())

		v.Execute()
		Eventually(func() int { return server.callsTo("/imap/connect") }).Should(Equal(1))

		v.Cancel()

		Expect(v.State()).To(Equal(statemachine.StateStop))
		Consistently(results, 100*time.Millisecond).ShouldNot(Receive())
	})
})
