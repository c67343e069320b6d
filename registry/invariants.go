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

package registry

import (
	"context"
	"fmt"

	"github.com/merklerelay/relay/storage"
	"github.com/merklerelay/relay/types"
)

// dag is an in-memory copy of every node reachable from genesis.
type dag struct {
	genesis types.Hash
	nodes   map[types.Hash]*types.RootNode
	// order lists the nodes breadth first from genesis.
	order []*types.RootNode
}

func loadDAG(ctx context.Context, tx storage.ReadOnlyRelayTX) (*dag, *storage.RelayState, error) {
	state, err := tx.ReadState(ctx)
	if err != nil {
		return nil, nil, err
	}
	d := &dag{genesis: state.Genesis, nodes: make(map[types.Hash]*types.RootNode)}
	queue := []types.Hash{state.Genesis}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if _, seen := d.nodes[h]; seen {
			return nil, nil, fmt.Errorf("%w: %v reachable twice", ErrInconsistent, h)
		}
		n, err := tx.GetRoot(ctx, h)
		if err != nil {
			return nil, nil, fmt.Errorf("loading %v: %w", h, err)
		}
		d.nodes[h] = n
		d.order = append(d.order, n)
		queue = append(queue, n.Successors...)
	}
	return d, state, nil
}

func (d *dag) parent(n *types.RootNode) *types.RootNode {
	if n.Hash == d.genesis {
		return nil
	}
	return d.nodes[n.ParentAnchor]
}

// longest picks the canonical head without using the cached value: the
// highest total difficulty wins; among equals, the chain that reached that
// difficulty first, then the earliest submitted successor at each branch.
func (d *dag) longest() types.Hash {
	var best *types.RootNode
	for _, n := range d.order {
		if best == nil || n.TotalDifficulty.Cmp(best.TotalDifficulty) > 0 {
			best = n
		}
	}
	// Find the earliest node at which some chain reached the maximum.
	var start *types.RootNode
	for _, n := range d.order {
		if n.TotalDifficulty.Cmp(best.TotalDifficulty) != 0 {
			continue
		}
		if p := d.parent(n); p != nil && p.TotalDifficulty.Cmp(n.TotalDifficulty) == 0 {
			continue
		}
		if start == nil || n.Sequence < start.Sequence {
			start = n
		}
	}
	for len(start.Successors) > 0 {
		var next *types.RootNode
		for _, s := range start.Successors {
			c := d.nodes[s]
			if next == nil || c.Sequence < next.Sequence {
				next = c
			}
		}
		start = next
	}
	return start.Hash
}

// DeriveLongestEndpoint recomputes the canonical head from the whole DAG.
// It always agrees with LongestChainEndpoint.
func (r *Registry) DeriveLongestEndpoint(ctx context.Context, tx storage.ReadOnlyRelayTX) (types.Hash, error) {
	d, _, err := loadDAG(ctx, tx)
	if err != nil {
		return types.Hash{}, err
	}
	return d.longest(), nil
}

// CheckInvariants verifies the structural invariants of the DAG, the
// endpoint list and the cached head.
func (r *Registry) CheckInvariants(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
	d, state, err := loadDAG(ctx, tx)
	if err != nil {
		return err
	}
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInconsistent, fmt.Sprintf(format, args...))
	}

	if got, want := uint64(len(d.nodes)), state.Submissions+1; got != want {
		return fail("%d nodes reachable, want %d", got, want)
	}
	seqs := make(map[uint64]types.Hash)
	forkIDs := map[uint64]types.Hash{}
	var endpoints uint64
	for _, n := range d.order {
		if other, dup := seqs[n.Sequence]; dup {
			return fail("%v and %v share sequence %d", n.Hash, other, n.Sequence)
		}
		seqs[n.Sequence] = n.Hash
		if n.IsEndpoint() {
			endpoints++
		}

		var wantLatest types.Hash
		for a := d.parent(n); a != nil; a = d.parent(a) {
			if len(a.Successors) >= 2 {
				wantLatest = a.Hash
				break
			}
		}
		if n.LatestFork != wantLatest {
			return fail("%v has latest fork %v, want %v", n.Hash, n.LatestFork, wantLatest)
		}

		for i, s := range n.Successors {
			c := d.nodes[s]
			if c.ParentAnchor != n.Hash {
				return fail("%v lists successor %v whose parent is %v", n.Hash, s, c.ParentAnchor)
			}
			if c.BlockNumber != n.BlockNumber+c.LengthUpdate {
				return fail("%v ends at block %d, want %d", c.Hash, c.BlockNumber, n.BlockNumber+c.LengthUpdate)
			}
			if c.TotalDifficulty.Cmp(n.TotalDifficulty) < 0 {
				return fail("%v has lower total difficulty than its parent", c.Hash)
			}
			if c.Sequence <= n.Sequence {
				return fail("%v was submitted before its parent", c.Hash)
			}
			if i == 0 {
				if c.ForkID != n.ForkID {
					return fail("first successor %v has fork %d, want %d", c.Hash, c.ForkID, n.ForkID)
				}
				continue
			}
			if c.ForkID > state.Forks {
				return fail("%v has fork %d beyond %d allocated", c.Hash, c.ForkID, state.Forks)
			}
			if other, dup := forkIDs[c.ForkID]; dup {
				return fail("%v and %v both open fork %d", c.Hash, other, c.ForkID)
			}
			forkIDs[c.ForkID] = c.Hash
		}
	}

	count, err := tx.EndpointCount(ctx)
	if err != nil {
		return err
	}
	if count != endpoints {
		return fail("endpoint list has %d entries, DAG has %d endpoints", count, endpoints)
	}
	listed := make(map[types.Hash]bool)
	for i := uint64(0); i < count; i++ {
		h, err := tx.GetEndpoint(ctx, i)
		if err != nil {
			return err
		}
		n, ok := d.nodes[h]
		switch {
		case !ok:
			return fail("endpoint slot %d holds unknown %v", i, h)
		case !n.IsEndpoint():
			return fail("endpoint slot %d holds %v which has successors", i, h)
		case n.IterableIndex != i:
			return fail("endpoint %v is in slot %d but has index %d", h, i, n.IterableIndex)
		case listed[h]:
			return fail("endpoint %v listed twice", h)
		}
		listed[h] = true
	}

	if n, ok := d.nodes[state.Longest]; !ok || !n.IsEndpoint() {
		return fail("cached longest %v is not an endpoint", state.Longest)
	}
	if derived := d.longest(); derived != state.Longest {
		return fail("cached longest %v, derived %v", state.Longest, derived)
	}
	return nil
}
