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

package protocolstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/syncengine/pkg/logger"
	"github.com/united-manufacturing-hub/syncengine/pkg/persistence"
	"github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS protocol_state (
		account_id TEXT NOT NULL,
		protocol TEXT NOT NULL,
		state INTEGER NOT NULL,
		name TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (account_id, protocol)
	)`,
	`CREATE TABLE IF NOT EXISTS account_flags (
		account_id TEXT PRIMARY KEY,
		synced_inbox INTEGER NOT NULL DEFAULT 0
	)`,
}

// SQLiteStore keeps protocol state in the engine database.
type SQLiteStore struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool
}

func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := persistence.OpenSQLite(ctx, dbPath, sqliteSchema, logger.For(logger.ComponentProtocolState))
	if err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *SQLiteStore) Read(ctx context.Context, accountID, protocol string) (Record, bool, error) {
	if s.isClosed() {
		return Record{}, false, ErrClosed
	}

	var (
		rec     Record
		state   uint32
		updated int64
	)

	err := s.db.QueryRowContext(ctx, `SELECT state, name, updated_at FROM protocol_state WHERE account_id = ? AND protocol = ?`,
		accountID, protocol).Scan(&state, &rec.Name, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}

	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read state of %s/%s: %w", accountID, protocol, err)
	}

	rec.State = statemachine.State(state)
	rec.UpdatedAt = time.Unix(0, updated)

	return rec, true, nil
}

func (s *SQLiteStore) Write(ctx context.Context, accountID, protocol string, rec Record) error {
	if rec.Name == ParkedName {
		return ErrParked
	}

	if s.isClosed() {
		return ErrClosed
	}

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO protocol_state (account_id, protocol, state, name, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, protocol) DO UPDATE SET state = excluded.state, name = excluded.name, updated_at = excluded.updated_at`,
		accountID, protocol, uint32(rec.State), rec.Name, rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write state of %s/%s: %w", accountID, protocol, err)
	}

	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, accountID, protocol string) error {
	if s.isClosed() {
		return ErrClosed
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM protocol_state WHERE account_id = ? AND protocol = ?`, accountID, protocol); err != nil {
		return fmt.Errorf("failed to delete state of %s/%s: %w", accountID, protocol, err)
	}

	return nil
}

func (s *SQLiteStore) HasSyncedInbox(ctx context.Context, accountID string) (bool, error) {
	if s.isClosed() {
		return false, ErrClosed
	}

	var synced bool

	err := s.db.QueryRowContext(ctx, `SELECT synced_inbox FROM account_flags WHERE account_id = ?`, accountID).Scan(&synced)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to read flags of %s: %w", accountID, err)
	}

	return synced, nil
}

func (s *SQLiteStore) SetSyncedInbox(ctx context.Context, accountID string, synced bool) error {
	if s.isClosed() {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO account_flags (account_id, synced_inbox) VALUES (?, ?)
		ON CONFLICT (account_id) DO UPDATE SET synced_inbox = excluded.synced_inbox`, accountID, synced)
	if err != nil {
		return fmt.Errorf("failed to write flags of %s: %w", accountID, err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.closed = true

	return s.db.Close()
}
