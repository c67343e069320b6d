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

// Package registry maintains the fork-aware DAG of accepted header batch
// roots and selects the canonical head by total difficulty.
//
// All operations run against a storage transaction supplied by the caller;
// a failing operation leaves its partial writes in that transaction, which
// the caller is expected to roll back.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/merklerelay/relay/headers"
	"github.com/merklerelay/relay/merkle"
	"github.com/merklerelay/relay/storage"
	"github.com/merklerelay/relay/types"
	"k8s.io/klog/v2"
)

var (
	// ErrUnknownParent is returned when a batch extends a root that is
	// not registered.
	ErrUnknownParent = errors.New("registry: unknown parent root")
	// ErrUnknownRoot is returned when looking up an unregistered root.
	ErrUnknownRoot = errors.New("registry: unknown root")
	// ErrDuplicateRoot is returned when a batch summarises to a root that
	// is already registered.
	ErrDuplicateRoot = errors.New("registry: root already registered")
	// ErrDiscontinuousBatch is returned for empty batches and batches that
	// do not extend their parent header by header.
	ErrDiscontinuousBatch = errors.New("registry: batch does not continue its parent")
	// ErrEndpointOutOfRange is returned for an endpoint index past the end
	// of the endpoint list.
	ErrEndpointOutOfRange = errors.New("registry: endpoint index out of range")
	// ErrGenesisMismatch is returned when initialising a store that was
	// seeded with a different genesis anchor.
	ErrGenesisMismatch = errors.New("registry: store holds a different genesis")
	// ErrInconsistent is returned by CheckInvariants.
	ErrInconsistent = errors.New("registry: inconsistent state")
)

// Genesis describes the anchor the DAG grows from.
type Genesis struct {
	// Anchor is the hash under which the genesis node is registered.
	Anchor types.Hash
	// BlockHash is the source-chain hash of the genesis block. The first
	// header of a batch extending genesis must name it as parent.
	BlockHash types.Hash
	// Number is the height of the genesis block.
	Number uint64
	// TotalDifficulty is the total difficulty at the genesis block.
	TotalDifficulty *big.Int
}

// Registry applies the root registration rules.
type Registry struct {
	Hasher     merkle.TreeHasher
	Codec      headers.Codec
	LockPeriod time.Duration
}

// Init seeds tx with the genesis node. Initialising again with the same
// anchor is a no-op.
func (r *Registry) Init(ctx context.Context, tx storage.ReadWriteRelayTX, g Genesis) (*types.RootNode, error) {
	if g.TotalDifficulty == nil || g.TotalDifficulty.Sign() < 0 {
		return nil, fmt.Errorf("registry: genesis total difficulty %v is invalid", g.TotalDifficulty)
	}
	if g.Anchor.IsZero() {
		return nil, errors.New("registry: genesis anchor must not be zero")
	}
	state, err := tx.ReadState(ctx)
	switch {
	case err == nil:
		if state.Genesis != g.Anchor {
			return nil, fmt.Errorf("%w: have %v, want %v", ErrGenesisMismatch, state.Genesis, g.Anchor)
		}
		return tx.GetRoot(ctx, g.Anchor)
	case !errors.Is(err, storage.ErrRelayNeedsInit):
		return nil, err
	}

	n := &types.RootNode{
		Hash:            g.Anchor,
		LastLeafHash:    g.BlockHash,
		BlockNumber:     g.Number,
		TotalDifficulty: new(big.Int).Set(g.TotalDifficulty),
	}
	idx, err := tx.AppendEndpoint(ctx, n.Hash)
	if err != nil {
		return nil, err
	}
	n.IterableIndex = idx
	if err := tx.PutRoot(ctx, n); err != nil {
		return nil, err
	}
	if err := tx.WriteState(ctx, &storage.RelayState{Genesis: n.Hash, Longest: n.Hash}); err != nil {
		return nil, err
	}
	klog.Infof("registry: initialised with genesis %v at block %d", n.Hash, n.BlockNumber)
	return n, nil
}

// Get returns the node registered under h.
func (r *Registry) Get(ctx context.Context, tx storage.ReadOnlyRelayTX, h types.Hash) (*types.RootNode, error) {
	n, err := tx.GetRoot(ctx, h)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrUnknownRoot, h)
	}
	return n, err
}

// Endpoint returns the endpoint at position i of the endpoint list.
func (r *Registry) Endpoint(ctx context.Context, tx storage.ReadOnlyRelayTX, i uint64) (types.Hash, error) {
	h, err := tx.GetEndpoint(ctx, i)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Hash{}, fmt.Errorf("%w: %d", ErrEndpointOutOfRange, i)
	}
	return h, err
}

// NumberOfForks returns the number of endpoints.
func (r *Registry) NumberOfForks(ctx context.Context, tx storage.ReadOnlyRelayTX) (uint64, error) {
	return tx.EndpointCount(ctx)
}

// LongestChainEndpoint returns the cached canonical head.
func (r *Registry) LongestChainEndpoint(ctx context.Context, tx storage.ReadOnlyRelayTX) (types.Hash, error) {
	s, err := tx.ReadState(ctx)
	if err != nil {
		return types.Hash{}, err
	}
	return s.Longest, nil
}

// Submission is the outcome of a successful Submit.
type Submission struct {
	Node *types.RootNode
	// Longest reports whether Node became the longest-chain endpoint.
	Longest bool
}

// Submit registers batch as a child of parent. The caller is responsible
// for the stake check and for rolling tx back if an error is returned.
func (r *Registry) Submit(ctx context.Context, tx storage.ReadWriteRelayTX, batch []*headers.Header, parent types.Hash, submitter string, now time.Time) (*Submission, error) {
	p, err := tx.GetRoot(ctx, parent)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrUnknownParent, parent)
	}
	if err != nil {
		return nil, err
	}
	last, lastHash, err := r.checkContinuity(p, batch)
	if err != nil {
		return nil, err
	}
	leaves, err := headers.Encode(r.Codec, batch)
	if err != nil {
		return nil, err
	}
	rootBytes, err := merkle.RootHash(r.Hasher, leaves)
	if err != nil {
		return nil, err
	}
	root, err := types.BytesToHash(rootBytes)
	if err != nil {
		return nil, fmt.Errorf("registry: hasher produced a %d byte root", len(rootBytes))
	}
	switch _, err := tx.GetRoot(ctx, root); {
	case err == nil:
		return nil, fmt.Errorf("%w: %v", ErrDuplicateRoot, root)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	state, err := tx.ReadState(ctx)
	if err != nil {
		return nil, err
	}
	n := &types.RootNode{
		Hash:            root,
		ParentAnchor:    parent,
		LastLeafHash:    lastHash,
		BlockNumber:     last.Number,
		TotalDifficulty: new(big.Int).Set(last.TotalDifficulty),
		LengthUpdate:    uint64(len(batch)),
		Submitter:       submitter,
		LockedUntil:     now.Add(r.LockPeriod),
		Sequence:        state.Submissions + 1,
	}

	switch len(p.Successors) {
	case 0:
		n.ForkID = p.ForkID
		n.LatestFork = p.LatestFork
		if err := r.removeEndpoint(ctx, tx, p); err != nil {
			return nil, err
		}
	case 1:
		state.Forks++
		n.ForkID = state.Forks
		n.LatestFork = p.Hash
		if err := r.repointLatestFork(ctx, tx, p.Successors[0], p.LatestFork, p.Hash); err != nil {
			return nil, err
		}
	default:
		state.Forks++
		n.ForkID = state.Forks
		n.LatestFork = p.Hash
	}
	p.Successors = append(p.Successors, n.Hash)
	if err := tx.PutRoot(ctx, p); err != nil {
		return nil, err
	}

	if n.IterableIndex, err = tx.AppendEndpoint(ctx, n.Hash); err != nil {
		return nil, err
	}
	if err := tx.PutRoot(ctx, n); err != nil {
		return nil, err
	}

	longest, err := tx.GetRoot(ctx, state.Longest)
	if err != nil {
		return nil, fmt.Errorf("registry: cached longest endpoint: %w", err)
	}
	becameLongest := n.TotalDifficulty.Cmp(longest.TotalDifficulty) > 0 || parent == state.Longest
	if becameLongest {
		state.Longest = n.Hash
	}
	state.Submissions++
	if err := tx.WriteState(ctx, state); err != nil {
		return nil, err
	}
	klog.V(1).Infof("registry: %v extends %v with %d headers to block %d (fork %d, longest %v)",
		n.Hash, parent, n.LengthUpdate, n.BlockNumber, n.ForkID, becameLongest)
	return &Submission{Node: n, Longest: becameLongest}, nil
}

// checkContinuity verifies that batch extends p header by header and
// returns the last header and its block hash.
func (r *Registry) checkContinuity(p *types.RootNode, batch []*headers.Header) (*headers.Header, types.Hash, error) {
	if len(batch) == 0 {
		return nil, types.Hash{}, fmt.Errorf("%w: empty batch", ErrDiscontinuousBatch)
	}
	prevHash, prevNumber, prevTD := p.LastLeafHash, p.BlockNumber, p.TotalDifficulty
	for i, h := range batch {
		if err := h.Validate(); err != nil {
			return nil, types.Hash{}, fmt.Errorf("header %d: %w", i, err)
		}
		if h.ParentHash != prevHash {
			return nil, types.Hash{}, fmt.Errorf("%w: header %d names parent %v, want %v", ErrDiscontinuousBatch, i, h.ParentHash, prevHash)
		}
		if h.Number != prevNumber+1 {
			return nil, types.Hash{}, fmt.Errorf("%w: header %d has number %d, want %d", ErrDiscontinuousBatch, i, h.Number, prevNumber+1)
		}
		if h.TotalDifficulty.Cmp(prevTD) < 0 {
			return nil, types.Hash{}, fmt.Errorf("%w: header %d lowers total difficulty from %v to %v", ErrDiscontinuousBatch, i, prevTD, h.TotalDifficulty)
		}
		bh, err := r.Codec.BlockHash(h)
		if err != nil {
			return nil, types.Hash{}, fmt.Errorf("header %d: %w", i, err)
		}
		prevHash, prevNumber, prevTD = bh, h.Number, h.TotalDifficulty
	}
	return batch[len(batch)-1], prevHash, nil
}

// removeEndpoint swap-removes p from the endpoint list.
func (r *Registry) removeEndpoint(ctx context.Context, tx storage.ReadWriteRelayTX, p *types.RootNode) error {
	n, err := tx.EndpointCount(ctx)
	if err != nil {
		return err
	}
	if n == 0 || p.IterableIndex >= n {
		return fmt.Errorf("%w: endpoint %v has index %d of %d", ErrInconsistent, p.Hash, p.IterableIndex, n)
	}
	if at, err := tx.GetEndpoint(ctx, p.IterableIndex); err != nil {
		return err
	} else if at != p.Hash {
		return fmt.Errorf("%w: endpoint slot %d holds %v, want %v", ErrInconsistent, p.IterableIndex, at, p.Hash)
	}
	if last := n - 1; p.IterableIndex != last {
		lastHash, err := tx.GetEndpoint(ctx, last)
		if err != nil {
			return err
		}
		moved, err := tx.GetRoot(ctx, lastHash)
		if err != nil {
			return err
		}
		moved.IterableIndex = p.IterableIndex
		if err := tx.SetEndpoint(ctx, p.IterableIndex, lastHash); err != nil {
			return err
		}
		if err := tx.PutRoot(ctx, moved); err != nil {
			return err
		}
	}
	_, err = tx.PopEndpoint(ctx)
	return err
}

// repointLatestFork walks the single-successor chain starting at h and
// replaces from with to. The walk stops after the first fork point, whose
// descendants already refer to it.
func (r *Registry) repointLatestFork(ctx context.Context, tx storage.ReadWriteRelayTX, h, from, to types.Hash) error {
	for {
		n, err := tx.GetRoot(ctx, h)
		if err != nil {
			return err
		}
		if n.LatestFork != from {
			return fmt.Errorf("%w: %v has latest fork %v, want %v", ErrInconsistent, n.Hash, n.LatestFork, from)
		}
		n.LatestFork = to
		if err := tx.PutRoot(ctx, n); err != nil {
			return err
		}
		if len(n.Successors) != 1 {
			return nil
		}
		h = n.Successors[0]
	}
}
