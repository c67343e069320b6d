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
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/merklerelay/relay/storage"
	"github.com/merklerelay/relay/types"
	"k8s.io/klog/v2"
)

const degree = 8

const (
	stateKey       = "/state"
	endpointLenKey = "/endpoints/len"
	rootPrefix     = "/root/"
	endpointPrefix = "/endpoints/slot/"
	stakePrefix    = "/stake/"
	lockPrefix     = "/locks/"
)

func rootKey(h types.Hash) *kv {
	return &kv{k: rootPrefix + h.String()}
}

func endpointKey(i uint64) *kv {
	return &kv{k: fmt.Sprintf("%s%020d", endpointPrefix, i)}
}

func stakeKey(owner string) *kv {
	return &kv{k: stakePrefix + owner}
}

// lockOwnerPrefix returns the prefix of all lock index keys of owner. The
// owner is hex encoded so that it cannot contain the separator.
func lockOwnerPrefix(owner string) string {
	return lockPrefix + hex.EncodeToString([]byte(owner)) + "/"
}

func lockKey(owner string, h types.Hash) *kv {
	return &kv{k: lockOwnerPrefix(owner) + h.String()}
}

// kv is a simple key->value type which implements btree's Item interface.
// Values are never modified once inserted: updates replace the item, so
// clones of the tree can share them.
type kv struct {
	k string
	v interface{}
}

// Less than by k's string key
func (a kv) Less(b btree.Item) bool {
	return strings.Compare(a.k, b.(*kv).k) < 0
}

// RelayStorage is an in-memory storage.RelayStorage.
type RelayStorage struct {
	// mu guards store. Writers hold it exclusively for the whole
	// transaction.
	mu    sync.RWMutex
	store *btree.BTree
}

// NewRelayStorage returns an empty in-memory relay store.
func NewRelayStorage() *RelayStorage {
	return &RelayStorage{store: btree.New(degree)}
}

// CheckDatabaseAccessible implements storage.RelayStorage.
func (m *RelayStorage) CheckDatabaseAccessible(context.Context) error {
	return nil
}

// Snapshot implements storage.RelayStorage.
func (m *RelayStorage) Snapshot(ctx context.Context) (storage.ReadOnlyTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	return &snapshotTX{relayTX: relayTX{tx: m.store}, unlock: m.mu.RUnlock}, nil
}

// ReadWriteTransaction implements storage.RelayStorage.
func (m *RelayStorage) ReadWriteTransaction(ctx context.Context, f storage.RelayTXFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &relayTX{tx: m.store.Clone()}
	if err := f(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		klog.Warningf("memory: discarding transaction: %v", err)
		return err
	}
	// update the shared view of the store post TX:
	m.store = tx.tx
	return nil
}

type snapshotTX struct {
	relayTX
	once   sync.Once
	unlock func()
}

func (t *snapshotTX) Commit(context.Context) error {
	t.once.Do(t.unlock)
	return nil
}

func (t *snapshotTX) Close() error {
	t.once.Do(t.unlock)
	return nil
}

// relayTX reads from and writes to tx. For snapshots tx is the committed
// tree and only the read methods are reachable.
type relayTX struct {
	tx *btree.BTree
}

func (t *relayTX) get(k *kv) (interface{}, bool) {
	i := t.tx.Get(k)
	if i == nil {
		return nil, false
	}
	return i.(*kv).v, true
}

func (t *relayTX) GetRoot(_ context.Context, h types.Hash) (*types.RootNode, error) {
	v, ok := t.get(rootKey(h))
	if !ok {
		return nil, fmt.Errorf("root %v: %w", h, storage.ErrNotFound)
	}
	// Return a copy to protect against the caller modifying the stored one.
	return v.(*types.RootNode).Clone(), nil
}

func (t *relayTX) ReadState(context.Context) (*storage.RelayState, error) {
	v, ok := t.get(&kv{k: stateKey})
	if !ok {
		return nil, storage.ErrRelayNeedsInit
	}
	s := *v.(*storage.RelayState)
	return &s, nil
}

func (t *relayTX) EndpointCount(context.Context) (uint64, error) {
	v, ok := t.get(&kv{k: endpointLenKey})
	if !ok {
		return 0, nil
	}
	return v.(uint64), nil
}

func (t *relayTX) GetEndpoint(ctx context.Context, i uint64) (types.Hash, error) {
	n, err := t.EndpointCount(ctx)
	if err != nil {
		return types.Hash{}, err
	}
	if i >= n {
		return types.Hash{}, fmt.Errorf("endpoint %d of %d: %w", i, n, storage.ErrNotFound)
	}
	v, ok := t.get(endpointKey(i))
	if !ok {
		return types.Hash{}, fmt.Errorf("endpoint %d missing below length %d", i, n)
	}
	return v.(types.Hash), nil
}

func (t *relayTX) GetStake(_ context.Context, owner string) (uint64, error) {
	v, ok := t.get(stakeKey(owner))
	if !ok {
		return 0, nil
	}
	return v.(uint64), nil
}

func (t *relayTX) CountLockedRoots(_ context.Context, owner string, now time.Time) (uint64, error) {
	prefix := lockOwnerPrefix(owner)
	var n uint64
	t.tx.AscendGreaterOrEqual(&kv{k: prefix}, func(i btree.Item) bool {
		e := i.(*kv)
		if !strings.HasPrefix(e.k, prefix) {
			return false
		}
		if e.v.(time.Time).After(now) {
			n++
		}
		return true
	})
	return n, nil
}

func (t *relayTX) PutRoot(_ context.Context, n *types.RootNode) error {
	if n == nil || n.TotalDifficulty == nil {
		return fmt.Errorf("memory: refusing to store incomplete root node %+v", n)
	}
	k := rootKey(n.Hash)
	if old, ok := t.get(k); ok {
		if o := old.(*types.RootNode); o.Submitter != "" {
			t.tx.Delete(lockKey(o.Submitter, o.Hash))
		}
	}
	k.v = n.Clone()
	t.tx.ReplaceOrInsert(k)
	if n.Submitter != "" {
		l := lockKey(n.Submitter, n.Hash)
		l.v = n.LockedUntil
		t.tx.ReplaceOrInsert(l)
	}
	return nil
}

func (t *relayTX) WriteState(_ context.Context, s *storage.RelayState) error {
	c := *s
	t.tx.ReplaceOrInsert(&kv{k: stateKey, v: &c})
	return nil
}

func (t *relayTX) AppendEndpoint(ctx context.Context, h types.Hash) (uint64, error) {
	n, err := t.EndpointCount(ctx)
	if err != nil {
		return 0, err
	}
	k := endpointKey(n)
	k.v = h
	t.tx.ReplaceOrInsert(k)
	t.tx.ReplaceOrInsert(&kv{k: endpointLenKey, v: n + 1})
	return n, nil
}

func (t *relayTX) SetEndpoint(ctx context.Context, i uint64, h types.Hash) error {
	n, err := t.EndpointCount(ctx)
	if err != nil {
		return err
	}
	if i >= n {
		return fmt.Errorf("set endpoint %d of %d: %w", i, n, storage.ErrNotFound)
	}
	k := endpointKey(i)
	k.v = h
	t.tx.ReplaceOrInsert(k)
	return nil
}

func (t *relayTX) PopEndpoint(ctx context.Context) (types.Hash, error) {
	n, err := t.EndpointCount(ctx)
	if err != nil {
		return types.Hash{}, err
	}
	if n == 0 {
		return types.Hash{}, fmt.Errorf("pop from empty endpoint list: %w", storage.ErrNotFound)
	}
	i := t.tx.Delete(endpointKey(n - 1))
	t.tx.ReplaceOrInsert(&kv{k: endpointLenKey, v: n - 1})
	if i == nil {
		return types.Hash{}, fmt.Errorf("endpoint %d missing below length %d", n-1, n)
	}
	return i.(*kv).v.(types.Hash), nil
}

func (t *relayTX) SetStake(_ context.Context, owner string, amount uint64) error {
	k := stakeKey(owner)
	k.v = amount
	t.tx.ReplaceOrInsert(k)
	return nil
}
