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
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/merklerelay/relay/headers"
	"github.com/merklerelay/relay/merkle/keccak"
	"github.com/merklerelay/relay/storage"
	"github.com/merklerelay/relay/storage/memory"
	"github.com/merklerelay/relay/testonly"
	"github.com/merklerelay/relay/types"
)

var (
	codec   = headers.NewBinaryCodec(keccak.DefaultHasher)
	now     = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	genesis = Genesis{
		Anchor:          types.Hash{0x47, 0x45, 0x4e},
		BlockHash:       types.Hash{0xb0},
		Number:          1000,
		TotalDifficulty: big.NewInt(5000),
	}
)

type harness struct {
	t    *testing.T
	s    storage.RelayStorage
	r    *Registry
	salt int
}

func newHarness(t *testing.T) (*harness, *types.RootNode) {
	t.Helper()
	h := &harness{
		t: t,
		s: memory.NewRelayStorage(),
		r: &Registry{Hasher: keccak.DefaultHasher, Codec: codec, LockPeriod: time.Hour},
	}
	var g *types.RootNode
	if err := h.s.ReadWriteTransaction(context.Background(), func(ctx context.Context, tx storage.ReadWriteRelayTX) error {
		var err error
		g, err = h.r.Init(ctx, tx, genesis)
		return err
	}); err != nil {
		t.Fatalf("Init(): %v", err)
	}
	return h, g
}

func (h *harness) submitBatch(batch []*headers.Header, parent types.Hash) (*Submission, error) {
	var sub *Submission
	err := h.s.ReadWriteTransaction(context.Background(), func(ctx context.Context, tx storage.ReadWriteRelayTX) error {
		var err error
		sub, err = h.r.Submit(ctx, tx, batch, parent, "alice", now)
		return err
	})
	return sub, err
}

// extend submits n headers on top of parent, each adding tdStep.
func (h *harness) extend(parent *types.RootNode, n int, tdStep int64) *Submission {
	h.t.Helper()
	h.salt++
	sub, err := h.submitBatch(testonly.Extend(codec, parent, n, tdStep, fmt.Sprint(h.salt)), parent.Hash)
	if err != nil {
		h.t.Fatalf("Submit(%d headers on %v): %v", n, parent.Hash, err)
	}
	return sub
}

func (h *harness) get(hash types.Hash) *types.RootNode {
	h.t.Helper()
	var n *types.RootNode
	h.read(func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
		var err error
		n, err = h.r.Get(ctx, tx, hash)
		return err
	})
	return n
}

func (h *harness) read(f func(context.Context, storage.ReadOnlyRelayTX) error) {
	h.t.Helper()
	if err := storage.RunInSnapshot(context.Background(), h.s, f); err != nil {
		h.t.Fatalf("snapshot: %v", err)
	}
}

func (h *harness) endpoints() []types.Hash {
	h.t.Helper()
	var eps []types.Hash
	h.read(func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
		n, err := h.r.NumberOfForks(ctx, tx)
		if err != nil {
			return err
		}
		for i := uint64(0); i < n; i++ {
			e, err := h.r.Endpoint(ctx, tx, i)
			if err != nil {
				return err
			}
			eps = append(eps, e)
		}
		return nil
	})
	return eps
}

func (h *harness) longest() types.Hash {
	h.t.Helper()
	var l types.Hash
	h.read(func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
		var err error
		l, err = h.r.LongestChainEndpoint(ctx, tx)
		return err
	})
	return l
}

func (h *harness) checkInvariants() {
	h.t.Helper()
	h.read(func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
		if err := h.r.CheckInvariants(ctx, tx); err != nil {
			h.t.Errorf("CheckInvariants(): %v", err)
		}
		derived, err := h.r.DeriveLongestEndpoint(ctx, tx)
		if err != nil {
			return err
		}
		cached, err := h.r.LongestChainEndpoint(ctx, tx)
		if err != nil {
			return err
		}
		if derived != cached {
			h.t.Errorf("DeriveLongestEndpoint() = %v, cached %v", derived, cached)
		}
		return nil
	})
}

func TestInit(t *testing.T) {
	h, g := newHarness(t)
	if !g.IsGenesis() || g.Submitter != "" || g.Hash != genesis.Anchor || g.LastLeafHash != genesis.BlockHash {
		t.Errorf("genesis node = %+v", g)
	}
	if diff := cmp.Diff([]types.Hash{genesis.Anchor}, h.endpoints()); diff != "" {
		t.Errorf("endpoints diff (-want +got):\n%s", diff)
	}
	if got := h.longest(); got != genesis.Anchor {
		t.Errorf("LongestChainEndpoint() = %v, want genesis", got)
	}
	h.checkInvariants()

	// Same genesis again is a no-op.
	if err := h.s.ReadWriteTransaction(context.Background(), func(ctx context.Context, tx storage.ReadWriteRelayTX) error {
		_, err := h.r.Init(ctx, tx, genesis)
		return err
	}); err != nil {
		t.Errorf("second Init() = %v, want nil", err)
	}
	other := genesis
	other.Anchor = types.Hash{0x99}
	if err := h.s.ReadWriteTransaction(context.Background(), func(ctx context.Context, tx storage.ReadWriteRelayTX) error {
		_, err := h.r.Init(ctx, tx, other)
		return err
	}); !errors.Is(err, ErrGenesisMismatch) {
		t.Errorf("Init(other genesis) = %v, want %v", err, ErrGenesisMismatch)
	}
	h.checkInvariants()
}

func TestInitRejectsBadGenesis(t *testing.T) {
	r := &Registry{Hasher: keccak.DefaultHasher, Codec: codec}
	for _, g := range []Genesis{
		{Anchor: types.Hash{1}},
		{Anchor: types.Hash{1}, TotalDifficulty: big.NewInt(-1)},
		{TotalDifficulty: big.NewInt(1)},
	} {
		err := memory.NewRelayStorage().ReadWriteTransaction(context.Background(), func(ctx context.Context, tx storage.ReadWriteRelayTX) error {
			_, err := r.Init(ctx, tx, g)
			return err
		})
		if err == nil {
			t.Errorf("Init(%+v) succeeded, want error", g)
		}
	}
}

func TestSubmitLinear(t *testing.T) {
	h, g := newHarness(t)
	a := h.extend(g, 3, 10)
	if !a.Longest {
		t.Error("first batch on genesis is not longest")
	}
	want := &types.RootNode{
		Hash:            a.Node.Hash,
		ParentAnchor:    g.Hash,
		LastLeafHash:    a.Node.LastLeafHash,
		BlockNumber:     genesis.Number + 3,
		TotalDifficulty: big.NewInt(5030),
		LengthUpdate:    3,
		Submitter:       "alice",
		LockedUntil:     now.Add(time.Hour),
		Sequence:        1,
	}
	got := h.get(a.Node.Hash)
	if diff := cmp.Diff(want, got, cmp.Comparer(func(x, y *big.Int) bool { return x.Cmp(y) == 0 })); diff != "" {
		t.Errorf("Get() diff (-want +got):\n%s", diff)
	}
	b := h.extend(a.Node, 1, 0)
	if !b.Longest {
		t.Error("extension of the longest chain with equal difficulty is not longest")
	}
	if got := h.get(g.Hash).Successors; !cmp.Equal(got, []types.Hash{a.Node.Hash}) {
		t.Errorf("genesis successors = %v", got)
	}
	if diff := cmp.Diff([]types.Hash{b.Node.Hash}, h.endpoints()); diff != "" {
		t.Errorf("endpoints diff (-want +got):\n%s", diff)
	}
	if got := h.longest(); got != b.Node.Hash {
		t.Errorf("LongestChainEndpoint() = %v, want %v", got, b.Node.Hash)
	}
	h.checkInvariants()
}

func TestSubmitFork(t *testing.T) {
	h, g := newHarness(t)
	a := h.extend(g, 2, 10).Node
	b := h.extend(a, 2, 10).Node
	c := h.extend(a, 2, 5)

	if c.Longest {
		t.Error("lighter fork became longest")
	}
	if diff := cmp.Diff([]types.Hash{b.Hash, c.Node.Hash}, h.endpoints()); diff != "" {
		t.Errorf("endpoints diff (-want +got):\n%s", diff)
	}
	b = h.get(b.Hash)
	if b.ForkID != a.ForkID {
		t.Errorf("first successor fork = %d, want parent's %d", b.ForkID, a.ForkID)
	}
	if c.Node.ForkID <= b.ForkID {
		t.Errorf("second successor fork = %d, want > %d", c.Node.ForkID, b.ForkID)
	}
	if b.LatestFork != a.Hash || c.Node.LatestFork != a.Hash {
		t.Errorf("latest forks = %v, %v; want %v", b.LatestFork, c.Node.LatestFork, a.Hash)
	}
	if got := h.longest(); got != b.Hash {
		t.Errorf("LongestChainEndpoint() = %v, want %v", got, b.Hash)
	}

	// The fork overtakes.
	d := h.extend(c.Node, 1, 30)
	if !d.Longest || h.longest() != d.Node.Hash {
		t.Errorf("heavier fork did not become longest")
	}
	h.checkInvariants()
}

func TestForkIDsIncrease(t *testing.T) {
	h, g := newHarness(t)
	a := h.extend(g, 1, 1).Node
	var last uint64
	for i := 0; i < 4; i++ {
		n := h.extend(a, 1, int64(i)).Node
		if i == 0 {
			continue
		}
		if n.ForkID <= last {
			t.Errorf("successor %d has fork %d, want > %d", i, n.ForkID, last)
		}
		last = n.ForkID
	}
	// Forks opened elsewhere keep increasing registry-wide.
	g = h.get(g.Hash)
	if n := h.extend(g, 1, 1).Node; n.ForkID <= last {
		t.Errorf("fork at genesis has id %d, want > %d", n.ForkID, last)
	}
	h.checkInvariants()
}

func TestLatestForkRepointing(t *testing.T) {
	h, g := newHarness(t)
	a := h.extend(g, 1, 1).Node
	b := h.extend(a, 1, 1).Node
	c := h.extend(b, 1, 1).Node
	d := h.extend(c, 1, 1).Node
	for _, n := range []*types.RootNode{a, b, c, d} {
		if !n.LatestFork.IsZero() {
			t.Fatalf("%v has latest fork %v before any fork", n.Hash, n.LatestFork)
		}
	}

	latest := func(n *types.RootNode) types.Hash { return h.get(n.Hash).LatestFork }

	// Forking at a re-points the whole chain below it.
	e := h.extend(a, 1, 0).Node
	for _, n := range []*types.RootNode{b, c, d, e} {
		if got := latest(n); got != a.Hash {
			t.Errorf("after fork at a: %v latest fork = %v, want a", n.Hash, got)
		}
	}
	// Forking at c re-points only d.
	f := h.extend(c, 1, 0).Node
	if got := latest(d); got != c.Hash {
		t.Errorf("after fork at c: d latest fork = %v, want c", got)
	}
	if got := latest(f); got != c.Hash {
		t.Errorf("after fork at c: f latest fork = %v, want c", got)
	}
	if got := latest(b); got != a.Hash {
		t.Errorf("after fork at c: b latest fork = %v, want a", got)
	}
	// A third successor re-points nothing.
	h.extend(a, 1, 0)
	if got := latest(b); got != a.Hash {
		t.Errorf("after third successor: b latest fork = %v, want a", got)
	}
	// Forking at b re-points c, the first fork point below it, and stops.
	i := h.extend(b, 1, 0).Node
	if got := latest(c); got != b.Hash {
		t.Errorf("after fork at b: c latest fork = %v, want b", got)
	}
	if got := latest(d); got != c.Hash {
		t.Errorf("after fork at b: d latest fork = %v, want c", got)
	}
	if got := latest(i); got != b.Hash {
		t.Errorf("after fork at b: i latest fork = %v, want b", got)
	}
	h.checkInvariants()
}

func TestEndpointSwapRemove(t *testing.T) {
	h, g := newHarness(t)
	a := h.extend(g, 1, 1).Node
	b := h.extend(a, 1, 1).Node
	c := h.extend(a, 1, 1).Node
	if diff := cmp.Diff([]types.Hash{b.Hash, c.Hash}, h.endpoints()); diff != "" {
		t.Fatalf("endpoints diff (-want +got):\n%s", diff)
	}
	d := h.extend(b, 1, 1).Node
	if diff := cmp.Diff([]types.Hash{c.Hash, d.Hash}, h.endpoints()); diff != "" {
		t.Errorf("endpoints diff (-want +got):\n%s", diff)
	}
	if got := h.get(c.Hash).IterableIndex; got != 0 {
		t.Errorf("moved endpoint index = %d, want 0", got)
	}
	if got := h.get(d.Hash).IterableIndex; got != 1 {
		t.Errorf("new endpoint index = %d, want 1", got)
	}
	// Extending the last endpoint needs no swap.
	e := h.extend(h.get(d.Hash), 1, 1).Node
	if diff := cmp.Diff([]types.Hash{c.Hash, e.Hash}, h.endpoints()); diff != "" {
		t.Errorf("endpoints diff (-want +got):\n%s", diff)
	}
	h.read(func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
		if _, err := h.r.Endpoint(ctx, tx, 2); !errors.Is(err, ErrEndpointOutOfRange) {
			t.Errorf("Endpoint(2) = %v, want %v", err, ErrEndpointOutOfRange)
		}
		return nil
	})
	h.checkInvariants()
}

func TestLongestChainTies(t *testing.T) {
	h, g := newHarness(t)
	a := h.extend(g, 1, 10)
	b := h.extend(h.get(g.Hash), 1, 10)
	if !a.Longest || b.Longest {
		t.Errorf("longest flags = %v, %v; want true, false", a.Longest, b.Longest)
	}
	// Equal difficulty on the other branch does not take over.
	b2 := h.extend(b.Node, 2, 0)
	if b2.Longest || h.longest() != a.Node.Hash {
		t.Errorf("equal-difficulty extension of non-longest branch took over")
	}
	h.checkInvariants()
	// Equal difficulty on the longest branch moves the head along.
	a2 := h.extend(a.Node, 1, 0)
	if !a2.Longest || h.longest() != a2.Node.Hash {
		t.Errorf("equal-difficulty extension of longest branch did not move head")
	}
	h.checkInvariants()
	// A second equal extension of the old head is not longest.
	a3 := h.extend(a.Node, 1, 0)
	if a3.Longest {
		t.Errorf("second successor of a non-endpoint became longest")
	}
	h.checkInvariants()
	// Strictly heavier wins wherever it is.
	b3 := h.extend(b2.Node, 1, 1)
	if !b3.Longest || h.longest() != b3.Node.Hash {
		t.Errorf("heavier extension did not become longest")
	}
	h.checkInvariants()
}

func TestSubmitErrors(t *testing.T) {
	h, g := newHarness(t)
	a := h.extend(g, 2, 10).Node

	good := func() []*headers.Header { return testonly.Extend(codec, a, 2, 10, "err") }
	for _, tc := range []struct {
		desc    string
		batch   func() []*headers.Header
		parent  types.Hash
		wantErr error
	}{
		{desc: "unknown parent", batch: good, parent: types.Hash{0xee}, wantErr: ErrUnknownParent},
		{desc: "empty", batch: func() []*headers.Header { return nil }, parent: a.Hash, wantErr: ErrDiscontinuousBatch},
		{desc: "wrong parent block", batch: good, parent: g.Hash, wantErr: ErrDiscontinuousBatch},
		{
			desc: "broken link",
			batch: func() []*headers.Header {
				b := good()
				b[1].ParentHash = types.Hash{1}
				return b
			},
			parent:  a.Hash,
			wantErr: ErrDiscontinuousBatch,
		},
		{
			desc: "number gap",
			batch: func() []*headers.Header {
				return testonly.HeaderChain(codec, a.LastLeafHash, a.BlockNumber+1, a.TotalDifficulty, 1, 1, "gap")
			},
			parent:  a.Hash,
			wantErr: ErrDiscontinuousBatch,
		},
		{
			desc: "difficulty drops",
			batch: func() []*headers.Header {
				return testonly.HeaderChain(codec, a.LastLeafHash, a.BlockNumber, new(big.Int).Sub(a.TotalDifficulty, big.NewInt(5)), 1, 1, "drop")
			},
			parent:  a.Hash,
			wantErr: ErrDiscontinuousBatch,
		},
		{
			desc: "missing difficulty",
			batch: func() []*headers.Header {
				b := good()
				b[0].TotalDifficulty = nil
				return b
			},
			parent:  a.Hash,
			wantErr: headers.ErrInvalidHeader,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			h.t = t
			before := h.endpoints()
			if _, err := h.submitBatch(tc.batch(), tc.parent); !errors.Is(err, tc.wantErr) {
				t.Fatalf("Submit() = %v, want %v", err, tc.wantErr)
			}
			if diff := cmp.Diff(before, h.endpoints()); diff != "" {
				t.Errorf("endpoints changed by rejected submission (-before +after):\n%s", diff)
			}
			h.checkInvariants()
		})
	}
	h.t = t

	// Resubmitting the same batch yields the same root.
	batch := good()
	first, err := h.submitBatch(batch, a.Hash)
	if err != nil {
		t.Fatalf("Submit(): %v", err)
	}
	before := h.longest()
	if _, err := h.submitBatch(batch, a.Hash); !errors.Is(err, ErrDuplicateRoot) {
		t.Errorf("Submit(duplicate) = %v, want %v", err, ErrDuplicateRoot)
	}
	if h.longest() != before || before != first.Node.Hash {
		t.Errorf("duplicate submission changed the head")
	}
	h.read(func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
		if _, err := h.r.Get(ctx, tx, types.Hash{0x12}); !errors.Is(err, ErrUnknownRoot) {
			t.Errorf("Get(unknown) = %v, want %v", err, ErrUnknownRoot)
		}
		return nil
	})
	h.checkInvariants()
}

func TestRandomForks(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprint(seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			h, g := newHarness(t)
			nodes := []types.Hash{g.Hash}
			steps := []int64{0, 0, 1, 2, 5}
			for i := 0; i < 60; i++ {
				parent := h.get(nodes[rng.Intn(len(nodes))])
				sub := h.extend(parent, 1+rng.Intn(3), steps[rng.Intn(len(steps))])
				nodes = append(nodes, sub.Node.Hash)
				if sub.Longest != (h.longest() == sub.Node.Hash) {
					t.Fatalf("step %d: Submission.Longest = %v disagrees with stored head", i, sub.Longest)
				}
				h.checkInvariants()
				if t.Failed() {
					t.FailNow()
				}
			}
			if got, want := uint64(len(h.endpoints())), countLeaves(h, nodes); got != want {
				t.Errorf("NumberOfForks() = %d, want %d", got, want)
			}
		})
	}
}

func countLeaves(h *harness, nodes []types.Hash) uint64 {
	var n uint64
	for _, hash := range nodes {
		if h.get(hash).IsEndpoint() {
			n++
		}
	}
	return n
}
