// Copyright 2026 Google LLC. All Rights Reserved.
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

// Package storage defines the transactional storage contract used by the
// relay and a registry of named storage providers.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/merklerelay/relay/types"
)

var (
	// ErrNotFound is returned when a root node or endpoint slot does not
	// exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrRelayNeedsInit is returned when reading state from a store that
	// has not been seeded with a genesis anchor.
	ErrRelayNeedsInit = errors.New("storage: relay state not initialised")
)

// RelayState is the singleton bookkeeping record of a relay.
type RelayState struct {
	// Genesis is the hash of the genesis anchor node.
	Genesis types.Hash
	// Longest is the cached longest-chain endpoint.
	Longest types.Hash
	// Forks is the number of fork lines created so far. Fork IDs are
	// allocated from it.
	Forks uint64
	// Submissions is the number of accepted submissions. Sequence numbers
	// are allocated from it.
	Submissions uint64
}

// ReadOnlyRelayTX is a read-only view of relay state. All values returned
// are copies and may be modified by the caller.
type ReadOnlyRelayTX interface {
	// GetRoot returns the node with hash h, or ErrNotFound.
	GetRoot(ctx context.Context, h types.Hash) (*types.RootNode, error)
	// ReadState returns the relay state, or ErrRelayNeedsInit.
	ReadState(ctx context.Context) (*RelayState, error)
	// EndpointCount returns the length of the endpoint list.
	EndpointCount(ctx context.Context) (uint64, error)
	// GetEndpoint returns the endpoint at position i, or ErrNotFound.
	GetEndpoint(ctx context.Context, i uint64) (types.Hash, error)
	// GetStake returns the stake balance of owner, 0 if it has none.
	GetStake(ctx context.Context, owner string) (uint64, error)
	// CountLockedRoots returns the number of roots submitted by owner
	// whose lock is still in force at now.
	CountLockedRoots(ctx context.Context, owner string, now time.Time) (uint64, error)
}

// ReadWriteRelayTX extends ReadOnlyRelayTX with mutations. Nothing written
// through it is visible outside the transaction until it commits.
type ReadWriteRelayTX interface {
	ReadOnlyRelayTX

	// PutRoot inserts or replaces n.
	PutRoot(ctx context.Context, n *types.RootNode) error
	// WriteState replaces the relay state.
	WriteState(ctx context.Context, s *RelayState) error
	// AppendEndpoint adds h at the end of the endpoint list and returns
	// its position.
	AppendEndpoint(ctx context.Context, h types.Hash) (uint64, error)
	// SetEndpoint overwrites position i of the endpoint list.
	SetEndpoint(ctx context.Context, i uint64, h types.Hash) error
	// PopEndpoint removes the last entry of the endpoint list.
	PopEndpoint(ctx context.Context) (types.Hash, error)
	// SetStake sets the stake balance of owner.
	SetStake(ctx context.Context, owner string, amount uint64) error
}

// ReadOnlyTransaction is a snapshot of relay state. Commit or Close must
// be called when the caller is finished with it.
type ReadOnlyTransaction interface {
	ReadOnlyRelayTX
	Commit(ctx context.Context) error
	Close() error
}

// RelayTXFunc is the func signature for passing into ReadWriteTransaction.
type RelayTXFunc func(context.Context, ReadWriteRelayTX) error

// RelayStorage is implemented by concrete storage mechanisms.
type RelayStorage interface {
	// CheckDatabaseAccessible returns nil if the database is accessible, or
	// an error otherwise.
	CheckDatabaseAccessible(ctx context.Context) error

	// Snapshot starts a read-only transaction. It observes a consistent
	// view and never sees a partially applied ReadWriteTransaction.
	Snapshot(ctx context.Context) (ReadOnlyTransaction, error)

	// ReadWriteTransaction starts a RW transaction on the underlying
	// storage and calls f with it exactly once. If f returns an error the
	// transaction is rolled back and the error returned; otherwise it is
	// committed. Read-write transactions are serialised.
	ReadWriteTransaction(ctx context.Context, f RelayTXFunc) error
}

// RunInSnapshot opens a snapshot on s, calls f and commits.
func RunInSnapshot(ctx context.Context, s RelayStorage, f func(context.Context, ReadOnlyRelayTX) error) error {
	tx, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()
	if err := f(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
