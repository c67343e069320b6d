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

package memory

import (
	"context"
	"testing"

	"github.com/merklerelay/relay/storage"
	"github.com/merklerelay/relay/storage/testonly"
	"github.com/merklerelay/relay/types"
)

func TestMemoryRelayStorage(t *testing.T) {
	tester := &testonly.RelayStorageTester{
		NewStorage: func(*testing.T) storage.RelayStorage { return NewRelayStorage() },
	}
	tester.RunAllTests(t)
}

func TestReadWriteTransactionCancelled(t *testing.T) {
	s := NewRelayStorage()
	ctx, cancel := context.WithCancel(context.Background())
	err := s.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.ReadWriteRelayTX) error {
		if err := tx.SetStake(ctx, "alice", 5); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if err != context.Canceled {
		t.Fatalf("ReadWriteTransaction() = %v, want %v", err, context.Canceled)
	}
	var got uint64
	if err := storage.RunInSnapshot(context.Background(), s, func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
		var err error
		got, err = tx.GetStake(ctx, "alice")
		return err
	}); err != nil {
		t.Fatalf("RunInSnapshot(): %v", err)
	}
	if got != 0 {
		t.Errorf("GetStake() = %d after cancelled transaction, want 0", got)
	}
}

func TestDumpRoots(t *testing.T) {
	ctx := context.Background()
	s := NewRelayStorage()
	if err := s.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.ReadWriteRelayTX) error {
		for _, seed := range []byte{3, 1, 2} {
			if err := tx.PutRoot(ctx, testonly.Node(seed, "", zeroTime)); err != nil {
				return err
			}
		}
		return tx.SetStake(ctx, "alice", 1)
	}); err != nil {
		t.Fatalf("ReadWriteTransaction(): %v", err)
	}
	var got []types.Hash
	DumpRoots(s, func(n *types.RootNode) { got = append(got, n.Hash) })
	if len(got) != 3 {
		t.Fatalf("DumpRoots() visited %d roots, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].String() >= got[i].String() {
			t.Errorf("DumpRoots() out of key order: %v", got)
		}
	}
	Dump(s)
}
