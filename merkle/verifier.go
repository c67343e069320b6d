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
	"bytes"
	"errors"
	"fmt"
)

// ErrLengthMismatch is returned when the proof hashes and proof positions
// supplied for a verification differ in length.
var ErrLengthMismatch = errors.New("merkle: proof and position have different length")

// RootMismatchError occurs when an inclusion proof fails.
type RootMismatchError struct {
	ExpectedRoot   []byte
	CalculatedRoot []byte
}

func (e RootMismatchError) Error() string {
	return fmt.Sprintf("calculated root %x does not match expected root %x", e.CalculatedRoot, e.ExpectedRoot)
}

// Verifier verifies inclusion proofs produced by Tree.
type Verifier struct {
	hasher TreeHasher
}

// NewVerifier returns a new Verifier for trees built with hasher.
func NewVerifier(hasher TreeHasher) Verifier {
	return Verifier{hasher: hasher}
}

// RootFromProof recombines leaf with the proof hashes and returns the root
// they lead to. positions[i] reports whether hashes[i] is the right operand.
func (v Verifier) RootFromProof(leaf []byte, hashes [][]byte, positions []bool) ([]byte, error) {
	if len(hashes) != len(positions) {
		return nil, fmt.Errorf("%w: %d hashes, %d positions", ErrLengthMismatch, len(hashes), len(positions))
	}
	h := v.hasher.HashLeaf(leaf)
	for i, sibling := range hashes {
		if positions[i] {
			h = v.hasher.HashChildren(h, sibling)
		} else {
			h = v.hasher.HashChildren(sibling, h)
		}
	}
	return h, nil
}

// VerifyInclusion reports whether leaf is included under root. A proof
// that is well formed but leads elsewhere yields false and a nil error;
// mismatched hash and position lengths are an error.
func (v Verifier) VerifyInclusion(root, leaf []byte, hashes [][]byte, positions []bool) (bool, error) {
	calc, err := v.RootFromProof(leaf, hashes, positions)
	if err != nil {
		return false, err
	}
	return bytes.Equal(calc, root), nil
}

// CheckInclusion is like VerifyInclusion but reports a failed proof as a
// RootMismatchError.
func (v Verifier) CheckInclusion(root, leaf []byte, hashes [][]byte, positions []bool) error {
	calc, err := v.RootFromProof(leaf, hashes, positions)
	if err != nil {
		return err
	}
	if !bytes.Equal(calc, root) {
		return RootMismatchError{ExpectedRoot: root, CalculatedRoot: calc}
	}
	return nil
}

// VerifyProof reports whether proof shows leaf to be included under root.
func (v Verifier) VerifyProof(root, leaf []byte, proof []ProofStep) bool {
	hashes, positions := SplitProof(proof)
	ok, err := v.VerifyInclusion(root, leaf, hashes, positions)
	return err == nil && ok
}
