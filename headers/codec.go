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

package headers

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/merklerelay/relay/merkle"
	"github.com/merklerelay/relay/types"
)

const (
	codecVersion = 1
	// maxFieldLen bounds the variable length fields of an encoding.
	maxFieldLen = 1<<16 - 1
)

// BinaryCodec encodes headers as:
//
//	uint16 version
//	[32]byte parent_hash
//	uint64 number
//	opaque total_difficulty<0..65535>   (big-endian magnitude)
//	uint64 time
//	opaque extra<0..65535>
//
// with all integers big-endian. The block hash is the leaf hash of the
// encoding, so a header's block hash and its Merkle leaf hash coincide.
type BinaryCodec struct {
	Hasher merkle.TreeHasher
}

// NewBinaryCodec returns a BinaryCodec hashing with h.
func NewBinaryCodec(h merkle.TreeHasher) BinaryCodec {
	return BinaryCodec{Hasher: h}
}

// Encode implements Codec.
func (c BinaryCodec) Encode(h *Header) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	td := h.TotalDifficulty.Bytes()
	if len(td) > maxFieldLen || len(h.Extra) > maxFieldLen {
		return nil, fmt.Errorf("%w: field too long", ErrInvalidHeader)
	}
	var buf bytes.Buffer
	buf.Grow(2 + types.HashSize + 8 + 2 + len(td) + 8 + 2 + len(h.Extra))
	var scratch [8]byte
	binary.BigEndian.PutUint16(scratch[:2], codecVersion)
	buf.Write(scratch[:2])
	buf.Write(h.ParentHash[:])
	binary.BigEndian.PutUint64(scratch[:], h.Number)
	buf.Write(scratch[:])
	writeOpaque(&buf, td)
	binary.BigEndian.PutUint64(scratch[:], h.Time)
	buf.Write(scratch[:])
	writeOpaque(&buf, h.Extra)
	return buf.Bytes(), nil
}

func writeOpaque(buf *bytes.Buffer, b []byte) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

// Decode parses an encoding produced by Encode.
func (c BinaryCodec) Decode(b []byte) (*Header, error) {
	r := bytes.NewReader(b)
	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if version != codecVersion {
		return nil, fmt.Errorf("%w: encoding version %d, want %d", ErrInvalidHeader, version, codecVersion)
	}
	h := &Header{}
	if _, err := io.ReadFull(r, h.ParentHash[:]); err != nil {
		return nil, fmt.Errorf("%w: parent hash: %v", ErrInvalidHeader, err)
	}
	if err := binary.Read(r, binary.BigEndian, &h.Number); err != nil {
		return nil, fmt.Errorf("%w: number: %v", ErrInvalidHeader, err)
	}
	td, err := readOpaque(r)
	if err != nil {
		return nil, fmt.Errorf("%w: total difficulty: %v", ErrInvalidHeader, err)
	}
	h.TotalDifficulty = new(big.Int).SetBytes(td)
	if err := binary.Read(r, binary.BigEndian, &h.Time); err != nil {
		return nil, fmt.Errorf("%w: time: %v", ErrInvalidHeader, err)
	}
	if h.Extra, err = readOpaque(r); err != nil {
		return nil, fmt.Errorf("%w: extra: %v", ErrInvalidHeader, err)
	}
	if len(h.Extra) == 0 {
		h.Extra = nil
	}
	if r.Len() > 0 {
		return nil, fmt.Errorf("%w: trailing data (%d bytes)", ErrInvalidHeader, r.Len())
	}
	return h, nil
}

func readOpaque(r *bytes.Reader) ([]byte, error) {
	var l uint16
	if err := binary.Read(r, binary.BigEndian, &l); err != nil {
		return nil, err
	}
	if int(l) > r.Len() {
		return nil, errors.New("truncated field")
	}
	b := make([]byte, l)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// BlockHash implements Codec.
func (c BinaryCodec) BlockHash(h *Header) (types.Hash, error) {
	enc, err := c.Encode(h)
	if err != nil {
		return types.Hash{}, err
	}
	return types.BytesToHash(c.Hasher.HashLeaf(enc))
}
