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

package merkle

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyTree is returned when a tree is requested over no leaves.
	ErrEmptyTree = errors.New("merkle: no leaves")
	// ErrIndexOutOfRange is returned for a proof request outside the tree.
	ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")
)

// ProofStep is one level of an audit proof. IsRight is true when Sibling
// is the right operand, i.e. the running hash is combined as
// HashChildren(running, Sibling).
type ProofStep struct {
	Sibling []byte
	IsRight bool
}

// Tree is a fully materialised Merkle tree. levels[0] holds the leaf
// hashes and the last level holds the root.
type Tree struct {
	hasher TreeHasher
	levels [][][]byte
}

// NewTree hashes leaves and builds every level of the tree above them.
func NewTree(hasher TreeHasher, leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	level := make([][]byte, len(leaves))
	for i, l := range leaves {
		level[i] = hasher.HashLeaf(l)
	}
	t := &Tree{hasher: hasher, levels: [][][]byte{level}}
	for len(level) > 1 {
		level = t.nextLevel(level)
		t.levels = append(t.levels, level)
	}
	return t, nil
}

// nextLevel combines adjacent pairs of hashes. An unpaired last hash is
// combined with itself.
func (t *Tree) nextLevel(level [][]byte) [][]byte {
	next := make([][]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		l, r := level[i], level[i]
		if i+1 < len(level) {
			r = level[i+1]
		}
		next = append(next, t.hasher.HashChildren(l, r))
	}
	return next
}

// Root returns the root hash of the tree.
func (t *Tree) Root() []byte {
	root := t.levels[len(t.levels)-1][0]
	return append([]byte(nil), root...)
}

// Size returns the number of leaves.
func (t *Tree) Size() int {
	return len(t.levels[0])
}

// Height returns the number of levels above the leaves, which is also the
// length of every inclusion proof.
func (t *Tree) Height() int {
	return len(t.levels) - 1
}

// LeafHash returns the hash of the leaf at index.
func (t *Tree) LeafHash(index int) ([]byte, error) {
	if index < 0 || index >= t.Size() {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, t.Size())
	}
	return append([]byte(nil), t.levels[0][index]...), nil
}

// InclusionProof returns the audit path for the leaf at index, ordered from
// the leaf level towards the root.
func (t *Tree) InclusionProof(index int) ([]ProofStep, error) {
	if index < 0 || index >= t.Size() {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, t.Size())
	}
	proof := make([]ProofStep, 0, t.Height())
	for _, level := range t.levels[:len(t.levels)-1] {
		var step ProofStep
		if index&1 == 0 {
			sibling := index + 1
			if sibling == len(level) {
				// Padded level: the node is paired with itself.
				sibling = index
			}
			step = ProofStep{Sibling: level[sibling], IsRight: true}
		} else {
			step = ProofStep{Sibling: level[index-1], IsRight: false}
		}
		step.Sibling = append([]byte(nil), step.Sibling...)
		proof = append(proof, step)
		index >>= 1
	}
	return proof, nil
}

// RootHash returns the root of the tree built over leaves.
func RootHash(hasher TreeHasher, leaves [][]byte) ([]byte, error) {
	t, err := NewTree(hasher, leaves)
	if err != nil {
		return nil, err
	}
	return t.Root(), nil
}

// InclusionProof returns the audit path for leaves[index].
func InclusionProof(hasher TreeHasher, leaves [][]byte, index int) ([]ProofStep, error) {
	t, err := NewTree(hasher, leaves)
	if err != nil {
		return nil, err
	}
	return t.InclusionProof(index)
}

// SplitProof converts a proof into the parallel hash and position arrays
// accepted by Verifier.VerifyInclusion.
func SplitProof(proof []ProofStep) ([][]byte, []bool) {
	hashes := make([][]byte, len(proof))
	positions := make([]bool, len(proof))
	for i, s := range proof {
		hashes[i] = s.Sibling
		positions[i] = s.IsRight
	}
	return hashes, positions
}
