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

package types

import (
	"math/big"
	"time"
)

// RootNode is one accepted header batch in the relay's fork DAG, keyed by
// the Merkle root of the batch. The genesis anchor is stored as a RootNode
// with LengthUpdate 0 and no submitter.
type RootNode struct {
	// Hash is the Merkle root of the batch.
	Hash Hash `json:"hash"`
	// ParentAnchor is the root (or genesis anchor) the batch extends.
	ParentAnchor Hash `json:"parent_anchor"`
	// LastLeafHash is the block hash of the final header of the batch.
	LastLeafHash Hash `json:"last_leaf_hash"`
	// BlockNumber is the height of the final header of the batch.
	BlockNumber uint64 `json:"block_number"`
	// TotalDifficulty is the cumulative difficulty at BlockNumber.
	TotalDifficulty *big.Int `json:"total_difficulty"`
	// LengthUpdate is the number of headers in the batch.
	LengthUpdate uint64 `json:"length_update"`
	// ForkID identifies the fork line this node belongs to.
	ForkID uint64 `json:"fork_id"`
	// IterableIndex is the node's slot in the endpoint list. Only
	// meaningful while the node has no successors.
	IterableIndex uint64 `json:"iterable_index"`
	// LatestFork is the nearest ancestor with two or more successors.
	LatestFork Hash `json:"latest_fork"`
	// Submitter owns the stake backing this node.
	Submitter string `json:"submitter,omitempty"`
	// LockedUntil is the time after which the backing stake is released.
	LockedUntil time.Time `json:"locked_until"`
	// Successors holds the hashes of the child nodes.
	Successors []Hash `json:"successors"`
	// Sequence is the submission order of the node; 0 for genesis.
	Sequence uint64 `json:"sequence"`
}

// IsGenesis reports whether n is the genesis anchor rather than a
// submitted batch.
func (n *RootNode) IsGenesis() bool {
	return n.LengthUpdate == 0
}

// IsEndpoint reports whether n currently has no successors.
func (n *RootNode) IsEndpoint() bool {
	return len(n.Successors) == 0
}

// Clone returns a deep copy of n.
func (n *RootNode) Clone() *RootNode {
	if n == nil {
		return nil
	}
	c := *n
	if n.TotalDifficulty != nil {
		c.TotalDifficulty = new(big.Int).Set(n.TotalDifficulty)
	}
	if n.Successors != nil {
		c.Successors = append([]Hash(nil), n.Successors...)
	}
	return &c
}
