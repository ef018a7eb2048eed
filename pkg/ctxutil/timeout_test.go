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

package ctxutil_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/syncengine/pkg/ctxutil"
)

var _ = Describe("HasSufficientTime", func() {
	It("needs a deadline", func() {
		remaining, sufficient, err := ctxutil.HasSufficientTime(context.Background(), 10*time.Millisecond)

		Expect(err).To(MatchError(ctxutil.ErrNoDeadline))
		Expect(sufficient).To(BeFalse())
		Expect(remaining).To(BeZero())
	})

	It("accepts a deadline far enough away", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		remaining, sufficient, err := ctxutil.HasSufficientTime(ctx, 100*time.Millisecond)

		Expect(err).NotTo(HaveOccurred())
		Expect(sufficient).To(BeTrue())
		Expect(remaining).To(BeNumerically(">", 100*time.Millisecond))
	})

	It("reports a close deadline without failing", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer cancel()

		time.Sleep(2 * time.Millisecond)

		remaining, sufficient, err := ctxutil.HasSufficientTime(ctx, 10*time.Millisecond)

		Expect(err).NotTo(HaveOccurred())
		Expect(sufficient).To(BeFalse())
		Expect(remaining).To(BeNumerically("<", 10*time.Millisecond))
	})
})

var _ = Describe("WithTickBudget", func() {
	It("ends before the tick does", func() {
		ctx, cancel := ctxutil.WithTickBudget(context.Background(), time.Second, 0.5)
		defer cancel()

		deadline, ok := ctx.Deadline()
		Expect(ok).To(BeTrue())
		Expect(time.Until(deadline)).To(BeNumerically("<=", 500*time.Millisecond))
	})

	It("falls back to the whole tick for a nonsense factor", func() {
		ctx, cancel := ctxutil.WithTickBudget(context.Background(), 200*time.Millisecond, 3)
		defer cancel()

		deadline, _ := ctx.Deadline()
		Expect(time.Until(deadline)).To(BeNumerically(">", 100*time.Millisecond))
		Expect(time.Until(deadline)).To(BeNumerically("<=", 200*time.Millisecond))
	})
})
