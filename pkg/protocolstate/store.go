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

// Package protocolstate persists the last state of every protocol
// controller so an account resumes where it stopped.
package protocolstate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
)

// ParkedName is the state name every protocol uses for its parked state.
// Parked is transient and never written.
const ParkedName = "Parked"

var (
	ErrParked = errors.New("parked state is not persisted")
	ErrClosed = errors.New("protocol state store is closed")
)

// Record is one persisted controller state. Name is kept next to the code
// for logs and to detect a state that no longer exists.
type Record struct {
	State     statemachine.State
	Name      string
	UpdatedAt time.Time
}

// Store is the persisted protocol state.
type Store interface {
	// Read returns the record of accountID/protocol; false when none exists.
	Read(ctx context.Context, accountID, protocol string) (Record, bool, error)
	// Write stores rec. Records named ParkedName are refused with ErrParked.
	Write(ctx context.Context, accountID, protocol string, rec Record) error
	// Delete drops the record, used when an account is removed.
	Delete(ctx context.Context, accountID, protocol string) error
	HasSyncedInbox(ctx context.Context, accountID string) (bool, error)
	SetSyncedInbox(ctx context.Context, accountID string, synced bool) error
	Close() error
}

type key struct {
	account  string
	protocol string
}

// MemoryStore is a Store without durability, used in tests and for
// accounts configured as ephemeral.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[key]Record
	synced  map[string]bool
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[key]Record),
		synced:  make(map[string]bool),
	}
}

func (s *MemoryStore) Read(_ context.Context, accountID, protocol string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, false, ErrClosed
	}

	rec, ok := s.records[key{accountID, protocol}]

	return rec, ok, nil
}

func (s *MemoryStore) Write(_ context.Context, accountID, protocol string, rec Record) error {
	if rec.Name == ParkedName {
		return ErrParked
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	s.records[key{accountID, protocol}] = rec

	return nil
}

func (s *MemoryStore) Delete(_ context.Context, accountID, protocol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	delete(s.records, key{accountID, protocol})

	return nil
}

func (s *MemoryStore) HasSyncedInbox(_ context.Context, accountID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrClosed
	}

	return s.synced[accountID], nil
}

func (s *MemoryStore) SetSyncedInbox(_ context.Context, accountID string, synced bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.synced[accountID] = synced

	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.closed = true

	return nil
}
