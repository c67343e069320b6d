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

// Package relay composes the Merkle tree engine, the stake ledger and the
// root registry into the relay's public operations. Every mutating
// operation runs inside a single storage transaction, so a rejected call
// leaves no trace.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/merklerelay/relay/headers"
	"github.com/merklerelay/relay/merkle"
	"github.com/merklerelay/relay/merkle/keccak"
	"github.com/merklerelay/relay/monitoring"
	"github.com/merklerelay/relay/registry"
	"github.com/merklerelay/relay/stake"
	"github.com/merklerelay/relay/storage"
	"github.com/merklerelay/relay/types"
	"github.com/merklerelay/relay/util/clock"
	"k8s.io/klog/v2"
)

// DefaultLockPeriod is the dispute window used when Options.LockPeriod is
// zero.
const DefaultLockPeriod = 7 * 24 * time.Hour

// Options configures a Service. Only Storage is required.
type Options struct {
	Storage storage.RelayStorage
	// Hasher defaults to the Keccak-256 hasher.
	Hasher merkle.TreeHasher
	// Codec defaults to a BinaryCodec over Hasher.
	Codec headers.Codec
	// Oracle, if set, checks every header of a batch before it is accepted.
	Oracle               headers.DifficultyOracle
	RequiredStakePerRoot uint64
	LockPeriod           time.Duration
	// TimeSource defaults to the system clock.
	TimeSource clock.TimeSource
	// Notifier defaults to LogNotifier.
	Notifier      Notifier
	MetricFactory monitoring.MetricFactory
}

// Service implements the relay operations.
type Service struct {
	storage  storage.RelayStorage
	codec    headers.Codec
	hasher   merkle.TreeHasher
	verifier merkle.Verifier
	oracle   headers.DifficultyOracle
	ledger   stake.Ledger
	registry *registry.Registry
	ts       clock.TimeSource
	notifier Notifier
}

// New returns a Service configured by opts.
func New(opts Options) (*Service, error) {
	if opts.Storage == nil {
		return nil, errors.New("relay: no storage configured")
	}
	once.Do(func() {
		createMetrics(opts.MetricFactory)
	})
	if opts.Hasher == nil {
		opts.Hasher = keccak.DefaultHasher
	}
	if opts.Codec == nil {
		opts.Codec = headers.NewBinaryCodec(opts.Hasher)
	}
	if opts.LockPeriod == 0 {
		opts.LockPeriod = DefaultLockPeriod
	}
	if opts.LockPeriod < 0 {
		return nil, fmt.Errorf("relay: negative lock period %v", opts.LockPeriod)
	}
	if opts.TimeSource == nil {
		opts.TimeSource = clock.System
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{}
	}
	return &Service{
		storage:  opts.Storage,
		codec:    opts.Codec,
		hasher:   opts.Hasher,
		verifier: merkle.NewVerifier(opts.Hasher),
		oracle:   opts.Oracle,
		ledger:   stake.Ledger{RequiredStakePerRoot: opts.RequiredStakePerRoot},
		registry: &registry.Registry{
			Hasher:     opts.Hasher,
			Codec:      opts.Codec,
			LockPeriod: opts.LockPeriod,
		},
		ts:       opts.TimeSource,
		notifier: opts.Notifier,
	}, nil
}

// Codec returns the header codec used for leaves.
func (s *Service) Codec() headers.Codec {
	return s.codec
}

// Init seeds the storage with g. It is a no-op if the storage already
// holds the same genesis.
func (s *Service) Init(ctx context.Context, g registry.Genesis) (*types.RootNode, error) {
	var n *types.RootNode
	err := s.storage.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.ReadWriteRelayTX) error {
		var err error
		if n, err = s.registry.Init(ctx, tx, g); err != nil {
			return err
		}
		return updateGauges(ctx, tx)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// SubmitRoot registers batch as a successor of parent on behalf of
// submitter and locks RequiredStakePerRoot of its stake for the lock
// period.
func (s *Service) SubmitRoot(ctx context.Context, batch []*headers.Header, parent types.Hash, submitter string) (*types.RootNode, error) {
	start := s.ts.Now()
	sub, err := s.submit(ctx, batch, parent, submitter, start)
	if err != nil {
		submitRejections.Inc(reason(err))
		klog.Warningf("SubmitRoot(parent=%v, submitter=%q, %d headers): %v", parent, submitter, len(batch), err)
		return nil, err
	}
	rootsSubmitted.Inc()
	submitLatency.Observe(clock.SecondsSince(s.ts, start))

	if err := s.notifier.Notify(ctx, newRootEvent(sub.Node, sub.Longest)); err != nil {
		notifyErrors.Inc()
		klog.Warningf("SubmitRoot: notify %v: %v", sub.Node.Hash, err)
	}
	return sub.Node, nil
}

// submit checks the submitter's stake first, then the headers, then the
// registry rules. The stake is checked again inside the write transaction
// since the oracle runs outside it.
func (s *Service) submit(ctx context.Context, batch []*headers.Header, parent types.Hash, submitter string, now time.Time) (*registry.Submission, error) {
	if err := storage.RunInSnapshot(ctx, s.storage, func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
		return s.ledger.RequireSubmissionStake(ctx, tx, submitter, now)
	}); err != nil {
		return nil, err
	}
	for i, h := range batch {
		if err := h.Validate(); err != nil {
			return nil, fmt.Errorf("header %d: %w", i, err)
		}
	}
	if err := headers.VerifyAll(ctx, s.oracle, batch); err != nil {
		return nil, err
	}
	var sub *registry.Submission
	err := s.storage.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.ReadWriteRelayTX) error {
		if err := s.ledger.RequireSubmissionStake(ctx, tx, submitter, now); err != nil {
			return err
		}
		var err error
		if sub, err = s.registry.Submit(ctx, tx, batch, parent, submitter, now); err != nil {
			return err
		}
		return updateGauges(ctx, tx)
	})
	return sub, err
}

func updateGauges(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
	count, err := tx.EndpointCount(ctx)
	if err != nil {
		return err
	}
	state, err := tx.ReadState(ctx)
	if err != nil {
		return err
	}
	head, err := tx.GetRoot(ctx, state.Longest)
	if err != nil {
		return fmt.Errorf("relay: longest endpoint: %w", err)
	}
	endpoints.Set(float64(count))
	longestBlock.Set(float64(head.BlockNumber))
	return nil
}

// VerifyBlock reports whether leaf, an encoded header, is included in the
// batch summarised by the registered root claimedRoot. Proofs whose
// hashes and positions differ in length are rejected with
// merkle.ErrLengthMismatch. An unknown root, or the genesis anchor, is
// never a valid claim.
func (s *Service) VerifyBlock(ctx context.Context, proofHashes [][]byte, proofPositions []bool, leaf []byte, claimedRoot types.Hash) (bool, error) {
	if len(proofHashes) != len(proofPositions) {
		verifyBlocks.Inc("malformed")
		return false, fmt.Errorf("%w: %d hashes, %d positions", merkle.ErrLengthMismatch, len(proofHashes), len(proofPositions))
	}
	var n *types.RootNode
	err := storage.RunInSnapshot(ctx, s.storage, func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
		var err error
		n, err = s.registry.Get(ctx, tx, claimedRoot)
		return err
	})
	switch {
	case errors.Is(err, registry.ErrUnknownRoot):
		verifyBlocks.Inc("unknown_root")
		return false, nil
	case err != nil:
		return false, err
	case n.IsGenesis():
		verifyBlocks.Inc("unknown_root")
		return false, nil
	}
	ok, err := s.verifier.VerifyInclusion(claimedRoot.Bytes(), leaf, proofHashes, proofPositions)
	if err != nil {
		verifyBlocks.Inc("malformed")
		return false, err
	}
	if ok {
		verifyBlocks.Inc("valid")
	} else {
		verifyBlocks.Inc("invalid")
	}
	return ok, nil
}

// VerifyHeader is VerifyBlock for a decoded header.
func (s *Service) VerifyHeader(ctx context.Context, proofHashes [][]byte, proofPositions []bool, h *headers.Header, claimedRoot types.Hash) (bool, error) {
	if len(proofHashes) != len(proofPositions) {
		verifyBlocks.Inc("malformed")
		return false, fmt.Errorf("%w: %d hashes, %d positions", merkle.ErrLengthMismatch, len(proofHashes), len(proofPositions))
	}
	leaf, err := s.codec.Encode(h)
	if err != nil {
		return false, err
	}
	return s.VerifyBlock(ctx, proofHashes, proofPositions, leaf, claimedRoot)
}

// Proof is an inclusion proof for one header of a batch.
type Proof struct {
	Root      types.Hash `json:"root"`
	Leaf      []byte     `json:"leaf"`
	Hashes    [][]byte   `json:"proof_hashes"`
	Positions []bool     `json:"proof_positions"`
}

// GetProof builds the tree over batch and returns the proof for the
// header at index. It does not consult storage.
func (s *Service) GetProof(batch []*headers.Header, index int) (*Proof, error) {
	leaves, err := headers.Encode(s.codec, batch)
	if err != nil {
		return nil, err
	}
	tree, err := merkle.NewTree(s.hasher, leaves)
	if err != nil {
		return nil, err
	}
	steps, err := tree.InclusionProof(index)
	if err != nil {
		return nil, err
	}
	root, err := types.BytesToHash(tree.Root())
	if err != nil {
		return nil, err
	}
	hashes, positions := merkle.SplitProof(steps)
	return &Proof{Root: root, Leaf: leaves[index], Hashes: hashes, Positions: positions}, nil
}

// GetExtendedRootMetadata returns the node registered under h.
func (s *Service) GetExtendedRootMetadata(ctx context.Context, h types.Hash) (*types.RootNode, error) {
	var n *types.RootNode
	err := storage.RunInSnapshot(ctx, s.storage, func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
		var err error
		n, err = s.registry.Get(ctx, tx, h)
		return err
	})
	return n, err
}

// GetEndpoint returns the endpoint at position i.
func (s *Service) GetEndpoint(ctx context.Context, i uint64) (types.Hash, error) {
	var h types.Hash
	err := storage.RunInSnapshot(ctx, s.storage, func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
		var err error
		h, err = s.registry.Endpoint(ctx, tx, i)
		return err
	})
	return h, err
}

// GetNumberOfForks returns the number of endpoints.
func (s *Service) GetNumberOfForks(ctx context.Context) (uint64, error) {
	var n uint64
	err := storage.RunInSnapshot(ctx, s.storage, func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
		var err error
		n, err = s.registry.NumberOfForks(ctx, tx)
		return err
	})
	return n, err
}

// GetLongestChainEndpoint returns the canonical head.
func (s *Service) GetLongestChainEndpoint(ctx context.Context) (types.Hash, error) {
	var h types.Hash
	err := storage.RunInSnapshot(ctx, s.storage, func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
		var err error
		h, err = s.registry.LongestChainEndpoint(ctx, tx)
		return err
	})
	return h, err
}

// DepositStake adds amount to the stake of owner. transferred is the
// value that accompanied the call and must equal amount.
func (s *Service) DepositStake(ctx context.Context, owner string, amount, transferred uint64) (uint64, error) {
	var bal uint64
	err := s.storage.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.ReadWriteRelayTX) error {
		var err error
		bal, err = s.ledger.Deposit(ctx, tx, owner, amount, transferred)
		return err
	})
	stakeOps.Inc("deposit", result(err))
	if err != nil {
		klog.Warningf("DepositStake(%q, %d): %v", owner, amount, err)
		return 0, err
	}
	klog.V(1).Infof("DepositStake(%q, %d): balance %d", owner, amount, bal)
	return bal, nil
}

// WithdrawStake removes amount from the unlocked stake of owner.
func (s *Service) WithdrawStake(ctx context.Context, owner string, amount uint64) (uint64, error) {
	now := s.ts.Now()
	var bal uint64
	err := s.storage.ReadWriteTransaction(ctx, func(ctx context.Context, tx storage.ReadWriteRelayTX) error {
		var err error
		bal, err = s.ledger.Withdraw(ctx, tx, owner, amount, now)
		return err
	})
	stakeOps.Inc("withdraw", result(err))
	if err != nil {
		klog.Warningf("WithdrawStake(%q, %d): %v", owner, amount, err)
		return 0, err
	}
	klog.V(1).Infof("WithdrawStake(%q, %d): balance %d", owner, amount, bal)
	return bal, nil
}

// GetStake returns the total stake of owner.
func (s *Service) GetStake(ctx context.Context, owner string) (uint64, error) {
	var bal uint64
	err := storage.RunInSnapshot(ctx, s.storage, func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
		var err error
		bal, err = s.ledger.Balance(ctx, tx, owner)
		return err
	})
	return bal, err
}

// GetLockedStake returns the part of owner's stake locked by submissions
// still inside their lock period.
func (s *Service) GetLockedStake(ctx context.Context, owner string) (uint64, error) {
	now := s.ts.Now()
	var locked uint64
	err := storage.RunInSnapshot(ctx, s.storage, func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
		var err error
		locked, err = s.ledger.Locked(ctx, tx, owner, now)
		return err
	})
	return locked, err
}

// GetRequiredStakePerRoot returns the stake locked by each submission.
func (s *Service) GetRequiredStakePerRoot() uint64 {
	return s.ledger.RequiredStakePerRoot
}

// CheckInvariants verifies the stored DAG, endpoint list and cached head.
func (s *Service) CheckInvariants(ctx context.Context) error {
	return storage.RunInSnapshot(ctx, s.storage, func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
		return s.registry.CheckInvariants(ctx, tx)
	})
}

// WatchInvariants runs CheckInvariants every interval until ctx is done
// or a check fails.
func (s *Service) WatchInvariants(ctx context.Context, interval time.Duration) error {
	for {
		if err := clock.SleepSource(ctx, interval, s.ts); err != nil {
			return err
		}
		if err := s.CheckInvariants(ctx); err != nil {
			klog.Errorf("relay invariants violated: %v", err)
			return err
		}
		klog.V(2).Info("relay invariants hold")
	}
}
