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
	"github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
	"github.com/united-manufacturing-hub/syncengine/pkg/transport"
)

var _ = Describe("Imap", func() {
	var (
		ctx      context.Context
		server   *fakeServer
		queue    *pending.MemoryQueue
		store    *protocolstate.MemoryStore
		owner    *fakeOwner
		strategy *protocontrol.DefaultStrategy
		imap     *protocontrol.Imap
	)

	newImap := func() *protocontrol.Imap {
		c, err := protocontrol.NewImap(protocontrol.Config{
			AccountID:     account,
			Pending:       queue,
			States:        store,
			Transport:     server,
			Owner:         owner,
			Strategy:      strategy,
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
		strategy = &protocontrol.DefaultStrategy{}
	})

	JustBeforeEach(func() {
		imap = newImap()
	})

	AfterEach(func() {
		imap.Remove()
		Eventually(imap.Removed()).Should(BeClosed())
	})

	It("discovers, syncs folders and the inbox, then idles", func() {
		Expect(imap.Execute()).To(BeTrue())

		Eventually(imap.State).Should(Equal(protocontrol.ImapIdleW))
		Expect(server.callsTo("/imap/discover")).To(Equal(1))
		Expect(server.callsTo("/imap/fsync")).To(Equal(1))
		Expect(server.callsTo("/imap/sync")).To(Equal(1))

		synced, err := store.HasSyncedInbox(ctx, account)
		Expect(err).NotTo(HaveOccurred())
		Expect(synced).To(BeTrue())
		Expect(imap.BackEndState()).To(Equal(protocontrol.BackEndPostAutoDPostInboxSync))
	})

	It("runs background operations in queue order", func() {
		_, err := imap.MarkEmailRead(ctx, pending.MarkRead{ServerID: "1", Folder: "INBOX", Read: true})
		Expect(err).NotTo(HaveOccurred())
		_, err = imap.DeleteEmail(ctx, pending.DeleteEmail{ServerID: "2", Folder: "INBOX"})
		Expect(err).NotTo(HaveOccurred())

		Expect(imap.Execute()).To(BeTrue())

		Eventually(imap.State).Should(Equal(protocontrol.ImapIdleW))
		Expect(server.callsTo("/imap/op/mark_read")).To(Equal(1))
		Expect(server.callsTo("/imap/op/delete_email")).To(Equal(1))

		ops, err := queue.List(ctx, account)
		Expect(err).NotTo(HaveOccurred())
		Expect(ops).To(BeEmpty())
	})

	It("fails an operation the server refuses and continues", func() {
		server.handle("/imap/op/move_email", status("hardfail"))

		token, err := imap.MoveEmail(ctx, pending.MoveEmail{ServerID: "3", From: "INBOX", To: "Nope"})
		Expect(err).NotTo(HaveOccurred())

		Expect(imap.Execute()).To(BeTrue())
		Eventually(imap.State).Should(Equal(protocontrol.ImapIdleW))

		op, err := queue.Get(ctx, token)
		Expect(err).NotTo(HaveOccurred())
		Expect(op.State).To(Equal(pending.StateFailed))
	})

	It("defers an operation once its retries are spent", func() {
		server.handle("/imap/op/mark_read", httpStatus(503))

		token, err := imap.MarkEmailRead(ctx, pending.MarkRead{ServerID: "4", Folder: "INBOX"})
		Expect(err).NotTo(HaveOccurred())

		Expect(imap.Execute()).To(BeTrue())
		Eventually(imap.State).Should(Equal(protocontrol.ImapIdleW))
		Expect(server.callsTo("/imap/op/mark_read")).To(BeNumerically(">", 1))

		op, err := queue.Get(ctx, token)
		Expect(err).NotTo(HaveOccurred())
		Expect(op.State).To(Equal(pending.StateDeferred))
	})

	It("requeues a retried operation that is interrupted by a park", func() {
		var attempts atomic.Int32
		server.handle("/imap/op/mark_read", func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if attempts.Add(1) == 1 {
				return httpStatus(503)(ctx, req)
			}

			return hang()(ctx, req)
		})

		token, err := imap.MarkEmailRead(ctx, pending.MarkRead{ServerID: "8", Folder: "INBOX"})
		Expect(err).NotTo(HaveOccurred())

		Expect(imap.Execute()).To(BeTrue())
		Eventually(func() int { return server.callsTo("/imap/op/mark_read") }).Should(Equal(2))

		imap.ForceStop()
		Eventually(imap.IsParked).Should(BeTrue())

		Eventually(func() pending.State {
			op, err := queue.Get(ctx, token)
			Expect(err).NotTo(HaveOccurred())

			return op.State
		}).Should(Equal(pending.StateEligible))
	})

	It("asks for credentials and starts over with new ones", func() {
		server.handle("/imap/discover", status("authfail"))

		Expect(imap.Execute()).To(BeTrue())
		Eventually(imap.State).Should(Equal(protocontrol.ImapUiCrdW))
		Expect(owner.credRequests()).To(Equal(1))

		server.handle("/imap/discover", nil)
		imap.CredResp(protocontrol.Credentials{Username: "jane", Password: "new"})

		Eventually(imap.State).Should(Equal(protocontrol.ImapIdleW))
	})

	It("asks for server settings when discovery cannot reach the server", func() {
		server.handle("/imap/discover", httpStatus(502))

		Expect(imap.Execute()).To(BeTrue())

		Eventually(imap.State).Should(Equal(protocontrol.ImapUiServConfW))
		Expect(server.callsTo("/imap/discover")).To(BeNumerically(">", 1))
		Expect(owner.servConfRequests()).To(ConsistOf(protocontrol.AutoDCannotConnect))
	})

	It("does not retry a discovery the server refused", func() {
		server.handle("/imap/discover", httpStatus(404))

		Expect(imap.Execute()).To(BeTrue())

		Eventually(imap.State).Should(Equal(protocontrol.ImapUiServConfW))
		Expect(server.callsTo("/imap/discover")).To(Equal(1))
		Expect(owner.servConfRequests()).To(ConsistOf(protocontrol.AutoDServerRejected))
	})

	It("repeats the folder sync when the server asks for it", func() {
		var calls atomic.Int32
		server.handle("/imap/sync", func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if calls.Add(1) == 1 {
				return status("refsync")(ctx, req)
			}

			return httpStatus(200)(ctx, req)
		})

		Expect(imap.Execute()).To(BeTrue())

		Eventually(imap.State).Should(Equal(protocontrol.ImapIdleW))
		Expect(server.callsTo("/imap/fsync")).To(Equal(2))
		Expect(server.callsTo("/imap/sync")).To(Equal(2))
	})

	It("backs off when the server asks to wait", func() {
		server.handle("/imap/fsync", reply(map[string]any{"status": "wait", "waitSeconds": 3600}))

		Expect(imap.Execute()).To(BeTrue())

		Eventually(imap.State).Should(Equal(protocontrol.ImapIdleW))
		Expect(server.callsTo("/imap/sync")).To(Equal(0))
	})

	It("parks even when the park is queued behind work that picks", func() {
		Expect(imap.Execute()).To(BeTrue())
		Eventually(imap.State).Should(Equal(protocontrol.ImapIdleW))

		imap.Machine().PostSequence(
			statemachine.NewEvent(protocontrol.EventPendQ, "PENDQ"),
			statemachine.NewEvent(protocontrol.EventPark, "FORCESTOP"),
		)

		Eventually(imap.IsParked).Should(BeTrue())
	})

	It("is removed when the removal is queued behind work that picks", func() {
		Expect(imap.Execute()).To(BeTrue())
		Eventually(imap.State).Should(Equal(protocontrol.ImapIdleW))

		imap.Machine().PostSequence(
			statemachine.NewEvent(protocontrol.EventPendQ, "PENDQ"),
			protocontrol.RemoveEvent(),
		)

		Eventually(imap.Removed()).Should(BeClosed())
	})

	Context("with push", func() {
		BeforeEach(func() {
			strategy.Push = true
		})

		It("parks a long poll instead of idling", func() {
			server.handle("/imap/ping", hang())

			Expect(imap.Execute()).To(BeTrue())

			Eventually(imap.State).Should(Equal(protocontrol.ImapPingW))
			Expect(server.bodiesOf("/imap/ping")[0]).To(ContainSubstring(`"heartbeatSeconds":3600`))
		})
	})

	It("runs a hot operation next to a slow background one", func() {
		release := make(chan struct{})
		server.handle("/imap/op/move_email", gate(release))

		move, err := imap.MoveEmail(ctx, pending.MoveEmail{ServerID: "5", From: "INBOX", To: "Archive"})
		Expect(err).NotTo(HaveOccurred())

		Expect(imap.Execute()).To(BeTrue())
		Eventually(imap.State).Should(Equal(protocontrol.ImapQOpW))

		body, err := imap.DownloadBody(ctx, pending.DownloadBody{ServerID: "6", Folder: "INBOX"}, false)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() int { return server.callsTo("/imap/op/download_body") }).Should(Equal(1))
		Eventually(func() error {
			_, err := queue.Get(ctx, body)

			return err
		}).Should(MatchError(pending.ErrNotFound))
		Eventually(imap.ExtrasInFlight).Should(BeZero())
		Expect(imap.State()).To(Equal(protocontrol.ImapQOpW))

		close(release)

		Eventually(imap.State).Should(Equal(protocontrol.ImapIdleW))
		_, err = queue.Get(ctx, move)
		Expect(err).To(MatchError(pending.ErrNotFound))
	})

	Context("after a restart", func() {
		BeforeEach(func() {
			Expect(store.Write(ctx, account, protocontrol.ProtocolImap, protocolstate.Record{
				State: protocontrol.ImapUiCrdW,
				Name:  "UiCrdW",
			})).To(Succeed())
			Expect(store.SetSyncedInbox(ctx, account, true)).To(Succeed())

			op, err := pending.NewOperation(account, pending.KindMarkRead, pending.MarkRead{ServerID: "7"})
			Expect(err).NotTo(HaveOccurred())
			Expect(queue.Enqueue(ctx, op)).To(Succeed())
			_, err = queue.NextEligible(ctx, account)
			Expect(err).NotTo(HaveOccurred())
			Expect(queue.MarkDispatched(ctx, op.Token)).To(Succeed())
		})

		It("resumes the persisted state and hands back interrupted work", func() {
			Expect(imap.State()).To(Equal(protocontrol.ImapUiCrdW))
			Expect(imap.BackEndState()).To(Equal(protocontrol.BackEndCredWait))

			ops, err := queue.List(ctx, account)
			Expect(err).NotTo(HaveOccurred())
			Expect(ops).To(HaveLen(1))
			Expect(ops[0].State).To(Equal(pending.StateDeferred))

			imap.ForceStop()
			Eventually(imap.IsParked).Should(BeTrue())

			By("driving from discovery rather than the stale question")
			Expect(imap.Execute()).To(BeTrue())
			Eventually(imap.State).Should(Equal(protocontrol.ImapIdleW))
			Expect(owner.credRequests()).To(BeZero())
		})
	})
})
