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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/syncengine/pkg/commstatus"
	"github.com/united-manufacturing-hub/syncengine/pkg/pending"
	"github.com/united-manufacturing-hub/syncengine/pkg/protocolstate"
	"github.com/united-manufacturing-hub/syncengine/pkg/protocontrol"
)

var _ = Describe("Smtp", func() {
	var (
		ctx    context.Context
		server *fakeServer
		queue  *pending.MemoryQueue
		store  *protocolstate.MemoryStore
		owner  *fakeOwner
		status *statusLog
		health *commstatus.Monitor
		smtp   *protocontrol.Smtp
	)

	newSmtp := func() *protocontrol.Smtp {
		c, err := protocontrol.NewSmtp(protocontrol.Config{
			AccountID:     account,
			Pending:       queue,
			States:        store,
			Transport:     server,
			Health:        health,
			Owner:         owner,
			Status:        status.record,
			Credentials:   protocontrol.Credentials{Username: "jane", Password: "secret"},
			RetryPolicy:   fastRetries,
			IdleTimeout:   time.Hour,
			StrictInvalid: true,
			Logger:        zaptest.NewLogger(GinkgoT()).Sugar(),
		})
		Expect(err).NotTo(HaveOccurred())

		return c
	}

	BeforeEach(func() {
		ctx = context.Background()
		server = newFakeServer()
		queue = pending.NewMemoryQueue()
		store = protocolstate.NewMemoryStore()
		owner = &fakeOwner{}
		status = &statusLog{}
		health = commstatus.NewMonitor(commstatus.Config{InitialNet: commstatus.NetUp})
		smtp = newSmtp()
	})

	AfterEach(func() {
		smtp.Remove()
		Eventually(smtp.Removed()).Should(BeClosed())
	})

	It("refuses an incomplete config", func() {
		_, err := protocontrol.NewSmtp(protocontrol.Config{AccountID: account})
		Expect(err).To(MatchError(protocontrol.ErrInvalidConfig))
	})

	It("connects and idles when there is nothing to send", func() {
		Expect(smtp.Execute()).To(BeTrue())

		Eventually(smtp.State).Should(Equal(protocontrol.SmtpIdleW))
		Expect(server.callsTo("/smtp/discover")).To(Equal(1))
		Expect(server.callsTo("/smtp/connect")).To(Equal(1))
		Expect(server.headerOf("/smtp/connect").Get("Authorization")).To(HavePrefix("Basic "))
		Expect(smtp.BackEndState()).To(Equal(protocontrol.BackEndPostAutoDPreInboxSync))
	})

	It("sends a queued message once and removes it from the queue", func() {
		token, err := smtp.SendEmail(ctx, pending.SendEmail{MessageID: "m-1", To: []string{"bob@example.com"}, Subject: "hi"})
		Expect(err).NotTo(HaveOccurred())

		Expect(smtp.Execute()).To(BeTrue())

		Eventually(smtp.State).Should(Equal(protocontrol.SmtpIdleW))
		Expect(server.callsTo("/smtp/op/send_email")).To(Equal(1))
		Expect(server.bodiesOf("/smtp/op/send_email")[0]).To(ContainSubstring(`"messageId":"m-1"`))

		_, err = queue.Get(ctx, token)
		Expect(err).To(MatchError(pending.ErrNotFound))
	})

	It("sends a message queued while idle", func() {
		Expect(smtp.Execute()).To(BeTrue())
		Eventually(smtp.State).Should(Equal(protocontrol.SmtpIdleW))

		_, err := smtp.SendEmail(ctx, pending.SendEmail{MessageID: "m-2"})
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() int { return server.callsTo("/smtp/op/send_email") }).Should(Equal(1))
		Eventually(smtp.State).Should(Equal(protocontrol.SmtpIdleW))
	})

	It("does not take operations it cannot run", func() {
		_, err := smtp.MoveEmail(ctx, pending.MoveEmail{ServerID: "1", From: "INBOX", To: "Archive"})
		Expect(err).To(MatchError(protocontrol.ErrUnsupported))
	})

	It("asks for server settings once connecting keeps failing", func() {
		server.handle("/smtp/connect", httpStatus(503))

		Expect(smtp.Execute()).To(BeTrue())

		Eventually(smtp.State).Should(Equal(protocontrol.SmtpUiServConfW))
		Expect(server.callsTo("/smtp/connect")).To(BeNumerically(">", 1))
		Expect(owner.servConfRequests()).To(ConsistOf(protocontrol.AutoDCannotConnect))
		Expect(smtp.BackEndState()).To(Equal(protocontrol.BackEndServerConfWait))
		Expect(status.all()).To(ContainElement(protocontrol.BackEndServerConfWait))

		By("retrying discovery with the new settings")
		server.handle("/smtp/connect", nil)
		smtp.ServerConfResp(protocontrol.ServerConfig{Host: "smtp.example.com", Port: 587, TLS: true}, true)

		Eventually(smtp.State).Should(Equal(protocontrol.SmtpIdleW))
		Expect(server.bodiesOf("/smtp/discover")).To(ContainElement(Satisfy(contains(`"skipAutodiscovery":true`))))
		Expect(server.bodiesOf("/smtp/discover")).To(ContainElement(Satisfy(contains(`"host":"smtp.example.com"`))))
	})

	It("asks for credentials when the server rejects them", func() {
		server.handle("/smtp/discover", httpStatus(401))

		Expect(smtp.Execute()).To(BeTrue())

		Eventually(smtp.State).Should(Equal(protocontrol.SmtpUiCrdW))
		Expect(owner.credRequests()).To(Equal(1))
		Expect(smtp.BackEndState()).To(Equal(protocontrol.BackEndCredWait))

		server.handle("/smtp/discover", nil)
		smtp.CredResp(protocontrol.Credentials{Username: "jane", Password: "better"})

		Eventually(smtp.State).Should(Equal(protocontrol.SmtpIdleW))
	})

	It("cancels the running send when parked and hands the message back", func() {
		server.handle("/smtp/op/send_email", hang())

		token, err := smtp.SendEmail(ctx, pending.SendEmail{MessageID: "m-3"})
		Expect(err).NotTo(HaveOccurred())
		Expect(smtp.Execute()).To(BeTrue())

		Eventually(func() int { return server.callsTo("/smtp/op/send_email") }).Should(Equal(1))
		Eventually(smtp.State).Should(Equal(protocontrol.SmtpHotQOpW))

		smtp.ForceStop()

		Eventually(smtp.State).Should(Equal(protocontrol.SmtpParked))
		Eventually(func() int { return server.callsTo("/smtp/disconnect") }).Should(Equal(1))

		op, err := queue.Get(ctx, token)
		Expect(err).NotTo(HaveOccurred())
		Expect(op.State).To(Equal(pending.StateEligible))

		dispatched := smtp.Machine().Dispatched()
		Consistently(smtp.State, 100*time.Millisecond).Should(Equal(protocontrol.SmtpParked))
		// only the disconnect outcome may arrive after parking
		Expect(smtp.Machine().Dispatched()).To(BeNumerically("<=", dispatched+1))
	})

	It("fails messages that must not wait when parked", func() {
		server.handle("/smtp/connect", hang())

		token, err := smtp.Enqueue(ctx, pending.KindSendEmail, pending.SendEmail{MessageID: "m-4"},
			protocontrol.EnqueueOptions{Hot: true, DelayNotAllowed: true})
		Expect(err).NotTo(HaveOccurred())

		Expect(smtp.Execute()).To(BeTrue())
		Eventually(smtp.State).Should(Equal(protocontrol.SmtpConnW))

		smtp.ForceStop()

		Eventually(func() pending.State {
			op, err := queue.Get(ctx, token)
			Expect(err).NotTo(HaveOccurred())

			return op.State
		}).Should(Equal(pending.StateFailed))
	})

	It("resumes after parking", func() {
		Expect(smtp.Execute()).To(BeTrue())
		Eventually(smtp.State).Should(Equal(protocontrol.SmtpIdleW))

		smtp.ForceStop()
		Eventually(smtp.IsParked).Should(BeTrue())
		Expect(smtp.BackEndState()).To(Equal(protocontrol.BackEndPostAutoDPreInboxSync))

		Expect(smtp.Execute()).To(BeTrue())
		Eventually(smtp.State).Should(Equal(protocontrol.SmtpIdleW))
	})

	It("follows the network", func() {
		unsubscribe := health.Subscribe(smtp.OnHealth)
		DeferCleanup(unsubscribe)

		Expect(smtp.Execute()).To(BeTrue())
		Eventually(smtp.State).Should(Equal(protocontrol.SmtpIdleW))

		health.SetNetStatus(commstatus.NetDown)
		Eventually(smtp.State).Should(Equal(protocontrol.SmtpParked))
		Expect(smtp.Execute()).To(BeFalse())

		health.SetNetStatus(commstatus.NetUp)
		Eventually(smtp.State).Should(Equal(protocontrol.SmtpIdleW))
	})

	It("persists its state and resumes from it", func() {
		Expect(smtp.Execute()).To(BeTrue())
		Eventually(smtp.State).Should(Equal(protocontrol.SmtpIdleW))

		rec, ok, err := store.Read(ctx, account, protocontrol.ProtocolSmtp)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(rec.Name).To(Equal("IdleW"))

		smtp.ForceStop()
		Eventually(smtp.IsParked).Should(BeTrue())

		rec, _, err = store.Read(ctx, account, protocontrol.ProtocolSmtp)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Name).To(Equal("IdleW"))

		again := newSmtp()
		Expect(again.State()).To(Equal(protocontrol.SmtpIdleW))
		Expect(again.BackEndState()).To(Equal(protocontrol.BackEndPostAutoDPreInboxSync))

		again.Remove()
		Eventually(again.Removed()).Should(BeClosed())
	})

	It("forgets its state when removed", func() {
		Expect(smtp.Execute()).To(BeTrue())
		Eventually(smtp.State).Should(Equal(protocontrol.SmtpIdleW))

		smtp.Remove()
		Eventually(smtp.Removed()).Should(BeClosed())
		Expect(smtp.Machine().IsStopped()).To(BeTrue())
		Expect(smtp.Execute()).To(BeFalse())

		_, ok, err := store.Read(ctx, account, protocontrol.ProtocolSmtp)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})
})
