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

package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/syncengine/pkg/backoff"
	"github.com/united-manufacturing-hub/syncengine/pkg/config"
	"github.com/united-manufacturing-hub/syncengine/pkg/constants"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

const sample = `
version: 1.2.0
engine:
  tickerTime: 250ms
  syncInterval: 10m
  push: true
storage:
  backend: memory
accounts:
  - id: jane
    protocols:
      - protocol: imap
        baseUrl: https://gw.example.com
        host: imap.example.com
        port: 993
        tls: true
        username: jane
        passwordEnv: SYNCENGINE_TEST_JANE_PASSWORD
      - protocol: smtp
        baseUrl: https://gw.example.com
  - id: work
    desiredState: parked
    protocols:
      - protocol: activesync
        baseUrl: https://eas.example.com
`

var _ = Describe("Parse", func() {
	It("reads a complete file", func() {
		cfg, err := config.Parse([]byte(sample))
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.Version).To(Equal("1.2.0"))
		Expect(cfg.Engine.TickerTime).To(Equal(250 * time.Millisecond))
		Expect(cfg.Engine.SyncInterval).To(Equal(10 * time.Minute))
		Expect(cfg.Engine.Push).To(BeTrue())
		Expect(cfg.Accounts).To(HaveLen(2))
		Expect(cfg.Accounts[0].Protocols[0].Port).To(Equal(993))
		Expect(cfg.Validate()).To(Succeed())
	})

	It("rejects unknown keys", func() {
		_, err := config.Parse([]byte("version: 1.0.0\nengin:\n  push: true\n"))
		Expect(err).To(HaveOccurred())
	})

	It("rejects an empty file", func() {
		_, err := config.Parse([]byte("  \n"))
		Expect(err).To(MatchError(config.ErrInvalid))
	})
})

var _ = Describe("FullConfig", func() {
	var cfg config.FullConfig

	BeforeEach(func() {
		var err error
		cfg, err = config.Parse([]byte(sample))
		Expect(err).NotTo(HaveOccurred())
	})

	It("fills defaults without touching the original", func() {
		full := cfg.WithDefaults()

		Expect(full.Agent.APIAddr).To(Equal(constants.DefaultAPIAddr))
		Expect(full.Engine.TickerTime).To(Equal(250 * time.Millisecond))
		Expect(full.Engine.IdleTimeout).To(Equal(constants.IdleTimeout))
		Expect(full.Accounts[0].DesiredState).To(Equal(config.DesiredActive))
		Expect(full.Accounts[1].DesiredState).To(Equal(config.DesiredParked))

		Expect(cfg.Agent.APIAddr).To(BeEmpty())
		Expect(cfg.Accounts[0].DesiredState).To(BeEmpty())
	})

	It("clones deeply", func() {
		clone := cfg.Clone()
		clone.Accounts[0].Protocols[0].Host = "changed"

		Expect(cfg.Accounts[0].Protocols[0].Host).To(Equal("imap.example.com"))
	})

	It("looks accounts up by id", func() {
		a, ok := cfg.Account("work")
		Expect(ok).To(BeTrue())
		Expect(a.Protocols[0].Protocol).To(Equal(config.ProtocolActiveSync))

		_, ok = cfg.Account("nobody")
		Expect(ok).To(BeFalse())
	})

	DescribeTable("rejects",
		func(mutate func(*config.FullConfig), fragment string) {
			mutate(&cfg)

			err := cfg.Validate()
			Expect(err).To(MatchError(config.ErrInvalid))
			Expect(err.Error()).To(ContainSubstring(fragment))
		},
		Entry("a missing version", func(c *config.FullConfig) { c.Version = "" }, "version is missing"),
		Entry("an unsupported version", func(c *config.FullConfig) { c.Version = "2.0.0" }, "does not satisfy"),
		Entry("a garbled version", func(c *config.FullConfig) { c.Version = "one" }, `version "one"`),
		Entry("duplicate accounts", func(c *config.FullConfig) { c.Accounts[1].ID = "jane" }, "listed twice"),
		Entry("an unknown protocol", func(c *config.FullConfig) { c.Accounts[0].Protocols[1].Protocol = "pop3" }, `unknown protocol "pop3"`),
		Entry("a protocol listed twice", func(c *config.FullConfig) { c.Accounts[0].Protocols[1].Protocol = "imap" }, "lists imap twice"),
		Entry("a missing base url", func(c *config.FullConfig) { c.Accounts[1].Protocols[0].BaseURL = "" }, "no baseUrl"),
		Entry("an account without protocols", func(c *config.FullConfig) { c.Accounts[1].Protocols = nil }, "no protocols"),
		Entry("an unknown desired state", func(c *config.FullConfig) { c.Accounts[1].DesiredState = "gone" }, "unknown desired state"),
		Entry("an unknown backend", func(c *config.FullConfig) { c.Storage.Backend = "redis" }, "unknown storage backend"),
	)

	It("reports every problem at once", func() {
		cfg.Version = ""
		cfg.Accounts[1].ID = "jane"

		err := cfg.Validate()
		Expect(err.Error()).To(ContainSubstring("version is missing"))
		Expect(err.Error()).To(ContainSubstring("listed twice"))
	})
})

var _ = Describe("ApplyEnvOverrides", func() {
	It("prefers the environment and resolves passwords", func() {
		GinkgoT().Setenv("SYNCENGINE_DB_PATH", "/tmp/other.db")
		GinkgoT().Setenv("SYNCENGINE_TICKER_TIME", "1s")
		GinkgoT().Setenv("SYNCENGINE_PUSH", "off")
		GinkgoT().Setenv("SYNCENGINE_TEST_JANE_PASSWORD", "hunter2")

		cfg, err := config.Parse([]byte(sample))
		Expect(err).NotTo(HaveOccurred())

		out := config.ApplyEnvOverrides(cfg, zaptest.NewLogger(GinkgoT()).Sugar())

		Expect(out.Storage.DBPath).To(Equal("/tmp/other.db"))
		Expect(out.Engine.TickerTime).To(Equal(time.Second))
		Expect(out.Engine.Push).To(BeFalse())
		Expect(out.Accounts[0].Protocols[0].Password).To(Equal("hunter2"))
		Expect(cfg.Accounts[0].Protocols[0].Password).To(BeEmpty())
	})

	It("keeps the file value when a variable does not parse", func() {
		GinkgoT().Setenv("SYNCENGINE_TICKER_TIME", "soon")
		GinkgoT().Setenv("SYNCENGINE_STRICT_INVALID", "maybe")

		cfg, err := config.Parse([]byte(sample))
		Expect(err).NotTo(HaveOccurred())

		out := config.ApplyEnvOverrides(cfg, zaptest.NewLogger(GinkgoT()).Sugar())

		Expect(out.Engine.TickerTime).To(Equal(cfg.Engine.TickerTime))
		Expect(out.Engine.StrictInvalid).To(Equal(cfg.Engine.StrictInvalid))
	})

	It("reads the config path from the environment", func() {
		GinkgoT().Setenv("CONFIG_PATH", "")
		Expect(config.ConfigPath()).To(Equal(constants.DefaultConfigPath))

		GinkgoT().Setenv("CONFIG_PATH", "/etc/other.yaml")
		Expect(config.ConfigPath()).To(Equal("/etc/other.yaml"))
	})
})

var _ = Describe("FileConfigManager", func() {
	var (
		path string
		m    *config.FileConfigManager
		ctx  context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		path = filepath.Join(GinkgoT().TempDir(), "syncengine.yaml")
		Expect(os.WriteFile(path, []byte(sample), 0o600)).To(Succeed())
		m = config.NewFileConfigManager(path)
	})

	It("returns the config with defaults", func() {
		cfg, err := m.GetConfig(ctx, time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Agent.MetricsAddr).To(Equal(constants.DefaultMetricsAddr))
		Expect(cfg.Accounts).To(HaveLen(2))
	})

	It("backs off after a bad read", func() {
		Expect(os.WriteFile(path, []byte("version: [\n"), 0o600)).To(Succeed())

		now := time.Now()
		_, err := m.GetConfig(ctx, now)
		Expect(err).To(HaveOccurred())
		Expect(backoff.IsBackoffError(err)).To(BeFalse())

		_, err = m.GetConfig(ctx, now)
		Expect(backoff.IsTemporaryBackoffError(err)).To(BeTrue())

		Expect(os.WriteFile(path, []byte(sample), 0o600)).To(Succeed())

		_, err = m.GetConfig(ctx, now.Add(time.Hour))
		Expect(err).NotTo(HaveOccurred())
	})

	It("persists a desired state change without secrets from the environment", func() {
		GinkgoT().Setenv("SYNCENGINE_TEST_JANE_PASSWORD", "hunter2")

		Expect(m.SetDesiredState(ctx, "jane", config.DesiredParked)).To(Succeed())

		data, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).NotTo(ContainSubstring("hunter2"))

		cfg, err := m.GetConfig(ctx, time.Now())
		Expect(err).NotTo(HaveOccurred())

		jane, _ := cfg.Account("jane")
		Expect(jane.DesiredState).To(Equal(config.DesiredParked))
		Expect(jane.Protocols[0].Password).To(Equal("hunter2"))
	})

	It("refuses to change an unknown account", func() {
		Expect(m.SetDesiredState(ctx, "nobody", config.DesiredParked)).To(MatchError(config.ErrAccountNotFound))
	})

	It("refuses to write an invalid config", func() {
		Expect(m.WriteConfig(ctx, config.FullConfig{})).To(MatchError(config.ErrInvalid))
	})
})
