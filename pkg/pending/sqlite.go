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

package pending

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/syncengine/pkg/logger"
	"github.com/united-manufacturing-hub/syncengine/pkg/persistence"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS pending (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		token TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		capability TEXT NOT NULL,
		hot INTEGER NOT NULL DEFAULT 0,
		delay_not_allowed INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		predecessor TEXT NOT NULL DEFAULT '',
		not_before INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		payload BLOB,
		compressed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS pending_account_state ON pending (account_id, state)`,
	`CREATE INDEX IF NOT EXISTS pending_predecessor ON pending (predecessor)`,
}

const selectColumns = `seq, token, account_id, kind, capability, hot, delay_not_allowed, state,
	predecessor, not_before, reason, attempts, payload, compressed, created_at, updated_at`

// SQLiteQueue persists operations so they survive restarts. Payloads from
// PayloadCompressionThreshold on are stored zstd-compressed.
type SQLiteQueue struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time

	mu     sync.Mutex
	closed bool
}

func NewSQLiteQueue(ctx context.Context, dbPath string) (*SQLiteQueue, error) {
	log := logger.For(logger.ComponentPending)

	db, err := persistence.OpenSQLite(ctx, dbPath, sqliteSchema, log)
	if err != nil {
		return nil, err
	}

	return &SQLiteQueue{db: db, logger: log, now: time.Now}, nil
}

func (q *SQLiteQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.closed
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (*Operation, error) {
	var (
		op                   Operation
		hot, dna, compressed bool
		notBefore, created   int64
		updated              int64
		payload              []byte
	)

	err := row.Scan(&op.Seq, &op.Token, &op.AccountID, &op.Kind, &op.Capability, &hot, &dna, &op.State,
		&op.Predecessor, &notBefore, &op.Reason, &op.Attempts, &payload, &compressed, &created, &updated)
	if err != nil {
		return nil, err
	}

	if compressed {
		if payload, err = decompress(payload); err != nil {
			return nil, fmt.Errorf("decompress payload of %s: %w", op.Token, err)
		}
	}

	op.Hot = hot
	op.DelayNotAllowed = dna
	op.Payload = payload
	op.NotBefore = fromUnixNano(notBefore)
	op.CreatedAt = fromUnixNano(created)
	op.UpdatedAt = fromUnixNano(updated)

	return &op, nil
}

func fromUnixNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}

	return time.Unix(0, v)
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func getTx(ctx context.Context, tx *sql.Tx, token string) (*Operation, error) {
	op, err := scanOperation(tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM pending WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return op, err
}

func setStateTx(ctx context.Context, tx *sql.Tx, op *Operation, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE pending SET state = ?, reason = ?, not_before = ?, attempts = ?, updated_at = ? WHERE token = ?`,
		op.State, op.Reason, toUnixNano(op.NotBefore), op.Attempts, now.UnixNano(), op.Token)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", op.Token, err)
	}

	return nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, op *Operation) error {
	if q.isClosed() {
		return ErrClosed
	}

	now := q.now()
	if err := prepare(op, now); err != nil {
		return err
	}

	payload, compressed, err := compress(op.Payload)
	if err != nil {
		return fmt.Errorf("compress payload: %w", err)
	}

	return persistence.InTx(ctx, q.db, func(tx *sql.Tx) error {
		if op.Predecessor != "" {
			pred, err := getTx(ctx, tx, op.Predecessor)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}

			if pred != nil && isUnfinished(pred.State) {
				op.State = StatePredBlocked
			}
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO pending
			(token, account_id, kind, capability, hot, delay_not_allowed, state, predecessor, not_before, reason, attempts, payload, compressed, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			op.Token, op.AccountID, op.Kind, op.Capability, op.Hot, op.DelayNotAllowed, op.State, op.Predecessor,
			toUnixNano(op.NotBefore), op.Reason, op.Attempts, payload, compressed, now.UnixNano(), now.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert operation: %w", err)
		}

		op.Seq, err = res.LastInsertId()

		return err
	})
}

func (q *SQLiteQueue) NextEligible(ctx context.Context, accountID string, caps ...Capability) (*Operation, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}

	query := `SELECT ` + selectColumns + ` FROM pending
		WHERE account_id = ? AND (state = ? OR (state = ? AND not_before <= ?))`
	args := []any{accountID, StateEligible, StateDeferred, q.now().UnixNano()}

	if len(caps) > 0 {
		query += ` AND capability IN (?` + strings.Repeat(", ?", len(caps)-1) + `)`
		for _, c := range caps {
			args = append(args, c)
		}
	}

	query += ` ORDER BY hot DESC, seq ASC LIMIT 1`

	op, err := scanOperation(q.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to pick operation: %w", err)
	}

	return op, nil
}

// transition loads token, lets fn mutate it and writes the result back.
func (q *SQLiteQueue) transition(ctx context.Context, token string, fn func(op *Operation, now time.Time) error) error {
	if q.isClosed() {
		return ErrClosed
	}

	now := q.now()

	return persistence.InTx(ctx, q.db, func(tx *sql.Tx) error {
		op, err := getTx(ctx, tx, token)
		if err != nil {
			return err
		}

		if err := fn(op, now); err != nil {
			return err
		}

		return setStateTx(ctx, tx, op, now)
	})
}

func (q *SQLiteQueue) MarkDispatched(ctx context.Context, token string) error {
	return q.transition(ctx, token, func(op *Operation, now time.Time) error {
		if !isEligible(op, now) {
			return expect(op, StateEligible)
		}

		op.State = StateDispatched
		op.Attempts++

		return nil
	})
}

func (q *SQLiteQueue) ResolveAsSuccess(ctx context.Context, token string) error {
	if q.isClosed() {
		return ErrClosed
	}

	now := q.now()

	return persistence.InTx(ctx, q.db, func(tx *sql.Tx) error {
		op, err := getTx(ctx, tx, token)
		if err != nil {
			return err
		}

		if err := expect(op, StateDispatched); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM pending WHERE token = ?`, token); err != nil {
			return fmt.Errorf("failed to delete %s: %w", token, err)
		}

		_, err = tx.ExecContext(ctx, `UPDATE pending SET state = ?, reason = '', updated_at = ? WHERE predecessor = ? AND state = ?`,
			StateEligible, now.UnixNano(), token, StatePredBlocked)

		return err
	})
}

func (q *SQLiteQueue) ResolveAsHardFail(ctx context.Context, token, reason string) error {
	if q.isClosed() {
		return ErrClosed
	}

	now := q.now()

	return persistence.InTx(ctx, q.db, func(tx *sql.Tx) error {
		op, err := getTx(ctx, tx, token)
		if err != nil {
			return err
		}

		if !isUnfinished(op.State) {
			return expect(op, StateDispatched)
		}

		op.State = StateFailed
		op.Reason = reason

		if err := setStateTx(ctx, tx, op, now); err != nil {
			return err
		}

		return failSuccessorsTx(ctx, tx, token, "predecessor failed: "+reason, now)
	})
}

func failSuccessorsTx(ctx context.Context, tx *sql.Tx, token, reason string, now time.Time) error {
	rows, err := tx.QueryContext(ctx, `SELECT token FROM pending WHERE predecessor = ? AND state = ?`, token, StatePredBlocked)
	if err != nil {
		return fmt.Errorf("failed to find successors of %s: %w", token, err)
	}

	var successors []string

	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			_ = rows.Close()

			return err
		}

		successors = append(successors, t)
	}

	_ = rows.Close()

	if err := rows.Err(); err != nil {
		return err
	}

	for _, t := range successors {
		if _, err := tx.ExecContext(ctx, `UPDATE pending SET state = ?, reason = ?, updated_at = ? WHERE token = ?`,
			StateFailed, reason, now.UnixNano(), t); err != nil {
			return fmt.Errorf("failed to fail successor %s: %w", t, err)
		}

		if err := failSuccessorsTx(ctx, tx, t, reason, now); err != nil {
			return err
		}
	}

	return nil
}

func (q *SQLiteQueue) ResolveAsDeferred(ctx context.Context, token, reason string) error {
	return q.transition(ctx, token, func(op *Operation, now time.Time) error {
		if err := expect(op, StateDispatched); err != nil {
			return err
		}

		op.State = StateDeferred
		op.Reason = reason
		op.NotBefore = now.Add(DeferInterval)

		return nil
	})
}

func (q *SQLiteQueue) Requeue(ctx context.Context, token string) error {
	return q.transition(ctx, token, func(op *Operation, _ time.Time) error {
		if err := expect(op, StateDispatched); err != nil {
			return err
		}

		op.State = StateEligible

		return nil
	})
}

func (q *SQLiteQueue) ResolveAsUserBlocked(ctx context.Context, token, reason string) error {
	return q.transition(ctx, token, func(op *Operation, _ time.Time) error {
		if err := expect(op, StateDispatched); err != nil {
			return err
		}

		op.State = StateUserBlocked
		op.Reason = reason

		return nil
	})
}

func (q *SQLiteQueue) UnblockUser(ctx context.Context, token string) error {
	return q.transition(ctx, token, func(op *Operation, _ time.Time) error {
		if err := expect(op, StateUserBlocked); err != nil {
			return err
		}

		op.State = StateEligible
		op.Reason = ""

		return nil
	})
}

func (q *SQLiteQueue) ResolveAllDelayNotAllowedAsFailed(ctx context.Context, accountID string) (int, error) {
	if q.isClosed() {
		return 0, ErrClosed
	}

	now := q.now()
	n := 0

	err := persistence.InTx(ctx, q.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT token FROM pending WHERE account_id = ? AND delay_not_allowed = 1 AND state IN (?, ?, ?, ?, ?)`,
			accountID, StateEligible, StateDeferred, StateDispatched, StatePredBlocked, StateUserBlocked)
		if err != nil {
			return fmt.Errorf("failed to select operations: %w", err)
		}

		var tokens []string

		for rows.Next() {
			var t string
			if err := rows.Scan(&t); err != nil {
				_ = rows.Close()

				return err
			}

			tokens = append(tokens, t)
		}

		_ = rows.Close()

		if err := rows.Err(); err != nil {
			return err
		}

		const reason = "account unavailable"

		for _, t := range tokens {
			if _, err := tx.ExecContext(ctx, `UPDATE pending SET state = ?, reason = ?, updated_at = ? WHERE token = ?`,
				StateFailed, reason, now.UnixNano(), t); err != nil {
				return err
			}

			if err := failSuccessorsTx(ctx, tx, t, "predecessor failed: "+reason, now); err != nil {
				return err
			}
		}

		n = len(tokens)

		return nil
	})

	return n, err
}

func (q *SQLiteQueue) ResolveAllDispatchedAsDeferred(ctx context.Context, accountID string) (int, error) {
	if q.isClosed() {
		return 0, ErrClosed
	}

	now := q.now().UnixNano()

	res, err := q.db.ExecContext(ctx, `UPDATE pending SET state = ?, reason = 'interrupted', not_before = ?, updated_at = ? WHERE account_id = ? AND state = ?`,
		StateDeferred, now, now, accountID, StateDispatched)
	if err != nil {
		return 0, fmt.Errorf("failed to defer dispatched operations: %w", err)
	}

	n, err := res.RowsAffected()

	return int(n), err
}

func (q *SQLiteQueue) Get(ctx context.Context, token string) (*Operation, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}

	op, err := scanOperation(q.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM pending WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return op, err
}

func (q *SQLiteQueue) List(ctx context.Context, accountID string) ([]*Operation, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}

	rows, err := q.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM pending WHERE account_id = ? ORDER BY seq`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Operation

	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, op)
	}

	return out, rows.Err()
}

func (q *SQLiteQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	q.closed = true

	if err := q.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}
