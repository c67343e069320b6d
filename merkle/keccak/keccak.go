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

// Package keccak provides the legacy Keccak-256 tree hasher used by
// Ethereum-style chains. Leaves and interior nodes are hashed without
// domain separation prefixes, so roots match trees built with merkletreejs
// and keccak256 over the same leaves.
package keccak

import (
	"hash"

	"golang.org/x/crypto/sha3"
)

// Hasher implements merkle.TreeHasher with Keccak-256.
type Hasher struct{}

// DefaultHasher is a ready to use Keccak-256 hasher.
var DefaultHasher = Hasher{}

func (Hasher) new() hash.Hash {
	return sha3.NewLegacyKeccak256()
}

// Sum returns Keccak-256 of the concatenation of data.
func (t Hasher) Sum(data ...[]byte) []byte {
	h := t.new()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// HashLeaf returns keccak(leaf).
func (t Hasher) HashLeaf(leaf []byte) []byte {
	return t.Sum(leaf)
}

// HashChildren returns keccak(l || r).
func (t Hasher) HashChildren(l, r []byte) []byte {
	return t.Sum(l, r)
}

// Size returns the number of bytes in a Keccak-256 digest.
func (Hasher) Size() int {
	return 32
}
