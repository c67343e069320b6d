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

// Package headers defines the source-chain header value accepted by the
// relay, the codec that turns a header into a Merkle leaf and the optional
// difficulty oracle hook.
package headers

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/merklerelay/relay/types"
)

// ErrInvalidHeader is returned for headers that are malformed or that a
// DifficultyOracle rejected.
var ErrInvalidHeader = errors.New("headers: invalid header")

// Header is a source-chain block header as seen by the relay.
type Header struct {
	ParentHash      types.Hash `json:"parent_hash"`
	Number          uint64     `json:"number"`
	TotalDifficulty *big.Int   `json:"total_difficulty"`
	Time            uint64     `json:"time"`
	// Extra is opaque source payload, e.g. the raw source encoding.
	Extra []byte `json:"extra,omitempty"`
}

// Validate checks the fields the relay relies on.
func (h *Header) Validate() error {
	if h == nil {
		return fmt.Errorf("%w: nil header", ErrInvalidHeader)
	}
	if h.TotalDifficulty == nil {
		return fmt.Errorf("%w: block %d has no total difficulty", ErrInvalidHeader, h.Number)
	}
	if h.TotalDifficulty.Sign() < 0 {
		return fmt.Errorf("%w: block %d has negative total difficulty %v", ErrInvalidHeader, h.Number, h.TotalDifficulty)
	}
	return nil
}

// Codec turns headers into Merkle leaves and block hashes.
type Codec interface {
	// Encode returns the canonical encoding of h, used as its Merkle leaf.
	Encode(h *Header) ([]byte, error)
	// BlockHash returns the source-chain hash of h.
	BlockHash(h *Header) (types.Hash, error)
}

// Decoder is implemented by codecs that can parse their own encodings.
type Decoder interface {
	Decode(b []byte) (*Header, error)
}

// DifficultyOracle validates a header's proof of work. A nil oracle
// accepts everything.
type DifficultyOracle interface {
	VerifyHeader(ctx context.Context, h *Header) error
}

// Encode returns the leaves of batch in order.
func Encode(c Codec, batch []*Header) ([][]byte, error) {
	leaves := make([][]byte, len(batch))
	for i, h := range batch {
		l, err := c.Encode(h)
		if err != nil {
			return nil, fmt.Errorf("header %d: %w", i, err)
		}
		leaves[i] = l
	}
	return leaves, nil
}

// Decode parses encoded headers with c, which must also be a Decoder.
func Decode(c Codec, encoded [][]byte) ([]*Header, error) {
	d, ok := c.(Decoder)
	if !ok {
		return nil, fmt.Errorf("%w: codec %T cannot decode headers", ErrInvalidHeader, c)
	}
	batch := make([]*Header, len(encoded))
	for i, b := range encoded {
		h, err := d.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("header %d: %w", i, err)
		}
		batch[i] = h
	}
	return batch, nil
}

// VerifyAll runs oracle over every header of batch.
func VerifyAll(ctx context.Context, oracle DifficultyOracle, batch []*Header) error {
	if oracle == nil {
		return nil
	}
	for i, h := range batch {
		if err := oracle.VerifyHeader(ctx, h); err != nil {
			if errors.Is(err, ErrInvalidHeader) {
				return fmt.Errorf("header %d: %w", i, err)
			}
			return fmt.Errorf("header %d: %w: %v", i, ErrInvalidHeader, err)
		}
	}
	return nil
}
