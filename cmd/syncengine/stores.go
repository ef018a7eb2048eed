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

package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/syncengine/pkg/config"
	"github.com/united-manufacturing-hub/syncengine/pkg/pending"
	"github.com/united-manufacturing-hub/syncengine/pkg/protocolstate"
)

type stores struct {
	queue  pending.Queue
	states protocolstate.Store
}

// openStores opens the pending queue and the protocol state store. Both
// share one database file in separate tables.
func openStores(ctx context.Context, cfg config.StorageConfig, log *zap.SugaredLogger) (*stores, error) {
	if cfg.Backend == config.BackendMemory {
		log.Warn("Using in-memory storage, pending operations do not survive a restart")

		return &stores{queue: pending.NewMemoryQueue(), states: protocolstate.NewMemoryStore()}, nil
	}

	queue, err := pending.NewSQLiteQueue(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("pending queue: %w", err)
	}

	states, err := protocolstate.NewSQLiteStore(ctx, cfg.DBPath)
	if err != nil {
		_ = queue.Close()

		return nil, fmt.Errorf("protocol state store: %w", err)
	}

	log.Infof("Using sqlite storage at %s", cfg.DBPath)

	return &stores{queue: queue, states: states}, nil
}

func (s *stores) close(log *zap.SugaredLogger) {
	if err := s.queue.Close(); err != nil {
		log.Errorf("Failed to close pending queue: %v", err)
	}

	if err := s.states.Close(); err != nil {
		log.Errorf("Failed to close protocol state store: %v", err)
	}
}
