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

// Package testonly holds test-specific code for relay storage layers.
package testonly

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/merklerelay/relay/storage"
	"github.com/merklerelay/relay/types"
	"golang.org/x/sync/errgroup"
)

var (
	bigIntComparer = cmp.Comparer(func(a, b *big.Int) bool {
		if a == nil || b == nil {
			return a == b
		}
		return a.Cmp(b) == 0
	})
	timeComparer = cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })

	errAbort = errors.New("abort")
)

// RelayStorageTester runs a suite of tests against RelayStorage
// implementations.
type RelayStorageTester struct {
	// NewStorage returns a storage with no relay state in it.
	NewStorage func(t *testing.T) storage.RelayStorage
}

// RunAllTests runs all the tests against the storage.
func (tester *RelayStorageTester) RunAllTests(t *testing.T) {
	t.Run("TestUninitialised", tester.TestUninitialised)
	t.Run("TestRootRoundTrip", tester.TestRootRoundTrip)
	t.Run("TestEndpointList", tester.TestEndpointList)
	t.Run("TestStakeAndLocks", tester.TestStakeAndLocks)
	t.Run("TestRollback", tester.TestRollback)
	t.Run("TestSnapshotIsolation", tester.TestSnapshotIsolation)
	t.Run("TestConcurrentAccess", tester.TestConcurrentAccess)
}

// Node returns a RootNode with the fields the storage layer cares about
// populated from seed.
func Node(seed byte, submitter string, lockedUntil time.Time) *types.RootNode {
	n := &types.RootNode{
		Hash:            types.Hash{seed, 0xaa},
		ParentAnchor:    types.Hash{seed - 1, 0xaa},
		LastLeafHash:    types.Hash{seed, 0xbb},
		BlockNumber:     uint64(seed) * 10,
		TotalDifficulty: new(big.Int).Lsh(big.NewInt(int64(seed)), 70),
		LengthUpdate:    10,
		ForkID:          1,
		LatestFork:      types.Hash{0xff},
		Submitter:       submitter,
		Successors:      []types.Hash{{seed + 1, 0xaa}},
		Sequence:        uint64(seed),
	}
	if !lockedUntil.IsZero() {
		n.LockedUntil = lockedUntil.UTC().Truncate(time.Microsecond)
	}
	return n
}

func read(ctx context.Context, t *testing.T, s storage.RelayStorage, f func(storage.ReadOnlyRelayTX) error) {
	t.Helper()
	if err := storage.RunInSnapshot(ctx, s, func(_ context.Context, tx storage.ReadOnlyRelayTX) error {
		return f(tx)
	}); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
}

func write(ctx context.Context, t *testing.T, s storage.RelayStorage, f func(storage.ReadWriteRelayTX) error) {
	t.Helper()
	if err := s.ReadWriteTransaction(ctx, func(_ context.Context, tx storage.ReadWriteRelayTX) error {
		return f(tx)
	}); err != nil {
		t.Fatalf("ReadWriteTransaction: %v", err)
	}
}

// TestUninitialised checks the behaviour of an empty store.
func (tester *RelayStorageTester) TestUninitialised(t *testing.T) {
	ctx := context.Background()
	s := tester.NewStorage(t)
	if err := s.CheckDatabaseAccessible(ctx); err != nil {
		t.Fatalf("CheckDatabaseAccessible() = %v", err)
	}
	read(ctx, t, s, func(tx storage.ReadOnlyRelayTX) error {
		if _, err := tx.ReadState(ctx); !errors.Is(err, storage.ErrRelayNeedsInit) {
			t.Errorf("ReadState() = %v, want %v", err, storage.ErrRelayNeedsInit)
		}
		if _, err := tx.GetRoot(ctx, types.Hash{1}); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetRoot() = %v, want %v", err, storage.ErrNotFound)
		}
		if n, err := tx.EndpointCount(ctx); err != nil || n != 0 {
			t.Errorf("EndpointCount() = %d, %v; want 0, nil", n, err)
		}
		if _, err := tx.GetEndpoint(ctx, 0); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetEndpoint(0) = %v, want %v", err, storage.ErrNotFound)
		}
		if b, err := tx.GetStake(ctx, "nobody"); err != nil || b != 0 {
			t.Errorf("GetStake() = %d, %v; want 0, nil", b, err)
		}
		return nil
	})
}

// TestRootRoundTrip checks that nodes and state are stored faithfully and
// that updates replace earlier versions.
func (tester *RelayStorageTester) TestRootRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := tester.NewStorage(t)
	now := time.Now()
	genesis := Node(1, "", time.Time{})
	genesis.LengthUpdate = 0
	genesis.Successors = nil
	n := Node(2, "alice", now.Add(time.Hour))
	state := &storage.RelayState{Genesis: genesis.Hash, Longest: n.Hash, Forks: 3, Submissions: 7}

	write(ctx, t, s, func(tx storage.ReadWriteRelayTX) error {
		for _, r := range []*types.RootNode{genesis, n} {
			if err := tx.PutRoot(ctx, r); err != nil {
				return err
			}
		}
		return tx.WriteState(ctx, state)
	})
	// Mutating the caller's copy must not reach the store.
	n.Successors[0] = types.Hash{0xde, 0xad}
	n.TotalDifficulty.SetInt64(1)

	want := Node(2, "alice", now.Add(time.Hour))
	read(ctx, t, s, func(tx storage.ReadOnlyRelayTX) error {
		got, err := tx.GetRoot(ctx, want.Hash)
		if err != nil {
			t.Fatalf("GetRoot(): %v", err)
		}
		if diff := cmp.Diff(want, got, bigIntComparer, timeComparer); diff != "" {
			t.Errorf("GetRoot() diff (-want +got):\n%s", diff)
		}
		gotG, err := tx.GetRoot(ctx, genesis.Hash)
		if err != nil {
			t.Fatalf("GetRoot(genesis): %v", err)
		}
		if gotG.Submitter != "" || !gotG.IsEndpoint() || !gotG.IsGenesis() {
			t.Errorf("GetRoot(genesis) = %+v", gotG)
		}
		gotState, err := tx.ReadState(ctx)
		if err != nil {
			t.Fatalf("ReadState(): %v", err)
		}
		if diff := cmp.Diff(state, gotState); diff != "" {
			t.Errorf("ReadState() diff (-want +got):\n%s", diff)
		}
		return nil
	})

	write(ctx, t, s, func(tx storage.ReadWriteRelayTX) error {
		r, err := tx.GetRoot(ctx, want.Hash)
		if err != nil {
			return err
		}
		r.Successors = append(r.Successors, types.Hash{9})
		r.IterableIndex = 4
		return tx.PutRoot(ctx, r)
	})
	read(ctx, t, s, func(tx storage.ReadOnlyRelayTX) error {
		got, err := tx.GetRoot(ctx, want.Hash)
		if err != nil {
			t.Fatalf("GetRoot(): %v", err)
		}
		if len(got.Successors) != 2 || got.IterableIndex != 4 {
			t.Errorf("GetRoot() after update = %+v", got)
		}
		return nil
	})
}

// TestEndpointList checks append, set and pop on the endpoint list.
func (tester *RelayStorageTester) TestEndpointList(t *testing.T) {
	ctx := context.Background()
	s := tester.NewStorage(t)
	a, b, c := types.Hash{0xa}, types.Hash{0xb}, types.Hash{0xc}

	write(ctx, t, s, func(tx storage.ReadWriteRelayTX) error {
		for i, h := range []types.Hash{a, b, c} {
			got, err := tx.AppendEndpoint(ctx, h)
			if err != nil {
				return err
			}
			if got != uint64(i) {
				t.Errorf("AppendEndpoint(%v) = %d, want %d", h, got, i)
			}
		}
		// Swap-remove a.
		if err := tx.SetEndpoint(ctx, 0, c); err != nil {
			return err
		}
		popped, err := tx.PopEndpoint(ctx)
		if err != nil {
			return err
		}
		if popped != c {
			t.Errorf("PopEndpoint() = %v, want %v", popped, c)
		}
		if err := tx.SetEndpoint(ctx, 2, a); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("SetEndpoint(2) = %v, want %v", err, storage.ErrNotFound)
		}
		return nil
	})

	read(ctx, t, s, func(tx storage.ReadOnlyRelayTX) error {
		n, err := tx.EndpointCount(ctx)
		if err != nil {
			t.Fatalf("EndpointCount(): %v", err)
		}
		var got []types.Hash
		for i := uint64(0); i < n; i++ {
			h, err := tx.GetEndpoint(ctx, i)
			if err != nil {
				t.Fatalf("GetEndpoint(%d): %v", i, err)
			}
			got = append(got, h)
		}
		if diff := cmp.Diff([]types.Hash{c, b}, got); diff != "" {
			t.Errorf("endpoints diff (-want +got):\n%s", diff)
		}
		if _, err := tx.GetEndpoint(ctx, 2); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetEndpoint(2) = %v, want %v", err, storage.ErrNotFound)
		}
		return nil
	})

	write(ctx, t, s, func(tx storage.ReadWriteRelayTX) error {
		for i := 0; i < 2; i++ {
			if _, err := tx.PopEndpoint(ctx); err != nil {
				return err
			}
		}
		if _, err := tx.PopEndpoint(ctx); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("PopEndpoint(empty) = %v, want %v", err, storage.ErrNotFound)
		}
		return nil
	})
}

// TestStakeAndLocks checks stake balances and the locked root count.
func (tester *RelayStorageTester) TestStakeAndLocks(t *testing.T) {
	ctx := context.Background()
	s := tester.NewStorage(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	write(ctx, t, s, func(tx storage.ReadWriteRelayTX) error {
		if err := tx.SetStake(ctx, "alice", 500); err != nil {
			return err
		}
		if err := tx.SetStake(ctx, "alice/bob", 7); err != nil {
			return err
		}
		for i, r := range []*types.RootNode{
			Node(2, "alice", now.Add(time.Minute)),
			Node(3, "alice", now.Add(time.Hour)),
			Node(4, "alice", now.Add(-time.Second)),
			Node(5, "alice/bob", now.Add(time.Hour)),
			Node(6, "", time.Time{}),
		} {
			if err := tx.PutRoot(ctx, r); err != nil {
				t.Fatalf("PutRoot(%d): %v", i, err)
			}
		}
		return nil
	})

	for _, tc := range []struct {
		owner string
		at    time.Time
		want  uint64
	}{
		{owner: "alice", at: now, want: 2},
		{owner: "alice", at: now.Add(time.Minute), want: 1},
		{owner: "alice", at: now.Add(-time.Hour), want: 3},
		{owner: "alice", at: now.Add(2 * time.Hour), want: 0},
		{owner: "alice/bob", at: now, want: 1},
		{owner: "carol", at: now, want: 0},
	} {
		read(ctx, t, s, func(tx storage.ReadOnlyRelayTX) error {
			got, err := tx.CountLockedRoots(ctx, tc.owner, tc.at)
			if err != nil {
				t.Fatalf("CountLockedRoots(): %v", err)
			}
			if got != tc.want {
				t.Errorf("CountLockedRoots(%q, %v) = %d, want %d", tc.owner, tc.at, got, tc.want)
			}
			return nil
		})
	}

	read(ctx, t, s, func(tx storage.ReadOnlyRelayTX) error {
		for owner, want := range map[string]uint64{"alice": 500, "alice/bob": 7, "carol": 0} {
			if got, err := tx.GetStake(ctx, owner); err != nil || got != want {
				t.Errorf("GetStake(%q) = %d, %v; want %d, nil", owner, got, err, want)
			}
		}
		return nil
	})
}

// TestRollback checks that a failed transaction leaves no trace.
func (tester *RelayStorageTester) TestRollback(t *testing.T) {
	ctx := context.Background()
	s := tester.NewStorage(t)
	base := &storage.RelayState{Genesis: types.Hash{1}, Longest: types.Hash{1}}
	write(ctx, t, s, func(tx storage.ReadWriteRelayTX) error {
		if _, err := tx.AppendEndpoint(ctx, types.Hash{1}); err != nil {
			return err
		}
		return tx.WriteState(ctx, base)
	})

	err := s.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.ReadWriteRelayTX) error {
		if err := tx.PutRoot(ctx, Node(2, "alice", time.Now().Add(time.Hour))); err != nil {
			return err
		}
		if err := tx.SetStake(ctx, "alice", 10); err != nil {
			return err
		}
		if err := tx.SetEndpoint(ctx, 0, types.Hash{2}); err != nil {
			return err
		}
		if _, err := tx.AppendEndpoint(ctx, types.Hash{3}); err != nil {
			return err
		}
		if err := tx.WriteState(ctx, &storage.RelayState{Genesis: types.Hash{1}, Longest: types.Hash{2}, Submissions: 1}); err != nil {
			return err
		}
		// Writes are visible inside the transaction.
		if got, err := tx.GetStake(ctx, "alice"); err != nil || got != 10 {
			t.Errorf("GetStake() inside TX = %d, %v; want 10, nil", got, err)
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("ReadWriteTransaction() = %v, want %v", err, errAbort)
	}

	read(ctx, t, s, func(tx storage.ReadOnlyRelayTX) error {
		if _, err := tx.GetRoot(ctx, Node(2, "", time.Time{}).Hash); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetRoot() after rollback = %v, want %v", err, storage.ErrNotFound)
		}
		if got, _ := tx.GetStake(ctx, "alice"); got != 0 {
			t.Errorf("GetStake() after rollback = %d, want 0", got)
		}
		if got, _ := tx.CountLockedRoots(ctx, "alice", time.Now()); got != 0 {
			t.Errorf("CountLockedRoots() after rollback = %d, want 0", got)
		}
		if n, _ := tx.EndpointCount(ctx); n != 1 {
			t.Errorf("EndpointCount() after rollback = %d, want 1", n)
		}
		if h, _ := tx.GetEndpoint(ctx, 0); h != (types.Hash{1}) {
			t.Errorf("GetEndpoint(0) after rollback = %v, want %v", h, types.Hash{1})
		}
		got, err := tx.ReadState(ctx)
		if err != nil {
			t.Fatalf("ReadState(): %v", err)
		}
		if diff := cmp.Diff(base, got); diff != "" {
			t.Errorf("ReadState() after rollback diff (-want +got):\n%s", diff)
		}
		return nil
	})
}

// TestSnapshotIsolation checks that a snapshot does not observe writes
// made after it was taken.
func (tester *RelayStorageTester) TestSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	s := tester.NewStorage(t)
	write(ctx, t, s, func(tx storage.ReadWriteRelayTX) error {
		return tx.SetStake(ctx, "alice", 1)
	})

	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot(): %v", err)
	}
	if got, err := snap.GetStake(ctx, "alice"); err != nil || got != 1 {
		t.Errorf("GetStake() = %d, %v; want 1, nil", got, err)
	}
	done := make(chan error, 1)
	go func() {
		done <- s.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.ReadWriteRelayTX) error {
			return tx.SetStake(ctx, "alice", 2)
		})
	}()
	// Whether the writer waits for the snapshot or runs alongside it, the
	// snapshot keeps seeing the value it started with.
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ReadWriteTransaction(): %v", err)
		}
		done <- nil
	case <-time.After(50 * time.Millisecond):
	}
	if got, err := snap.GetStake(ctx, "alice"); err != nil || got != 1 {
		t.Errorf("GetStake() in old snapshot = %d, %v; want 1, nil", got, err)
	}
	if err := snap.Commit(ctx); err != nil {
		t.Fatalf("Commit(): %v", err)
	}
	if err := snap.Close(); err != nil {
		t.Errorf("Close() after Commit() = %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("ReadWriteTransaction(): %v", err)
	}

	read(ctx, t, s, func(tx storage.ReadOnlyRelayTX) error {
		if got, err := tx.GetStake(ctx, "alice"); err != nil || got != 2 {
			t.Errorf("GetStake() after commit = %d, %v; want 2, nil", got, err)
		}
		return nil
	})
}

// TestConcurrentAccess runs read-write transactions and snapshots in
// parallel. Every writer moves one unit of stake between two accounts, so
// a committed state always holds the same total and no move is lost.
func (tester *RelayStorageTester) TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s := tester.NewStorage(t)
	const (
		writers = 8
		readers = 4
		moves   = 10
		total   = writers * moves
	)
	write(ctx, t, s, func(tx storage.ReadWriteRelayTX) error {
		return tx.SetStake(ctx, "from", total)
	})

	move := func(ctx context.Context, tx storage.ReadWriteRelayTX) error {
		from, err := tx.GetStake(ctx, "from")
		if err != nil {
			return err
		}
		to, err := tx.GetStake(ctx, "to")
		if err != nil {
			return err
		}
		if from == 0 {
			return fmt.Errorf("source drained with %d moved", to)
		}
		if err := tx.SetStake(ctx, "from", from-1); err != nil {
			return err
		}
		return tx.SetStake(ctx, "to", to+1)
	}

	done := make(chan struct{})
	var rg errgroup.Group
	for i := 0; i < readers; i++ {
		rg.Go(func() error {
			for {
				select {
				case <-done:
					return nil
				default:
				}
				err := storage.RunInSnapshot(ctx, s, func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
					from, err := tx.GetStake(ctx, "from")
					if err != nil {
						return err
					}
					to, err := tx.GetStake(ctx, "to")
					if err != nil {
						return err
					}
					if from+to != total {
						return fmt.Errorf("snapshot saw from=%d to=%d, want sum %d", from, to, total)
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
		})
	}

	var wg errgroup.Group
	for i := 0; i < writers; i++ {
		wg.Go(func() error {
			for j := 0; j < moves; j++ {
				if err := s.ReadWriteTransaction(ctx, move); err != nil {
					return err
				}
			}
			return nil
		})
	}
	werr := wg.Wait()
	close(done)
	if err := rg.Wait(); err != nil {
		t.Errorf("reader: %v", err)
	}
	if werr != nil {
		t.Fatalf("writer: %v", werr)
	}

	read(ctx, t, s, func(tx storage.ReadOnlyRelayTX) error {
		for owner, want := range map[string]uint64{"from": 0, "to": total} {
			if got, err := tx.GetStake(ctx, owner); err != nil || got != want {
				t.Errorf("GetStake(%q) = %d, %v; want %d, nil", owner, got, err, want)
			}
		}
		return nil
	})
}
