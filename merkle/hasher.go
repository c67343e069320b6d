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

// Package merkle builds binary Merkle trees over ordered leaves, produces
// audit proofs for individual leaves and verifies them.
//
// Trees are built bottom up: every leaf is hashed, then adjacent hashes are
// paired left to right. A level with an odd number of nodes pairs its last
// hash with itself.
package merkle

// TreeHasher provides the hash functions used to build and verify trees.
type TreeHasher interface {
	// HashLeaf computes the hash of a leaf.
	HashLeaf(leaf []byte) []byte
	// HashChildren computes an interior node from its left and right
	// children.
	HashChildren(l, r []byte) []byte
	// Size is the number of bytes in the underlying hash function.
	Size() int
}
