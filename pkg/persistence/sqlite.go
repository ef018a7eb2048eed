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

// Package persistence opens the sqlite database shared by the pending
// queue and the protocol state store.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store is closed")
	// ErrNetworkFilesystem refuses databases on NFS/SMB mounts, where WAL
	// locking is not reliable.
	ErrNetworkFilesystem = errors.New("database path is on a network filesystem")
)

// OpenSQLite opens (creating if needed) the database at dbPath with the
// pragmas every store relies on, and applies schema.
func OpenSQLite(ctx context.Context, dbPath string, schema []string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("database directory %s: %w", dir, err)
		}

		isNetwork, fsType, err := IsNetworkFilesystem(dir)
		if err != nil {
			logger.Warnf("Could not determine filesystem of %s: %v", dir, err)
		} else if isNetwork {
			return nil, fmt.Errorf("%w: %s is on %s", ErrNetworkFilesystem, dir, fsType)
		}
	}

	db, err := sql.Open("sqlite3", buildConnectionString(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return db, nil
}

func buildConnectionString(dbPath string) string {
	baseParams := "?cache=shared&mode=rwc&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_cache_size=-64000"

	if runtime.GOOS == "darwin" {
		baseParams += "&_fullfsync=1"
	}

	return dbPath + baseParams
}

// InTx runs fn in a transaction, committing on success.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
