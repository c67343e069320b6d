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

package testonly

import (
	"fmt"
	"math/big"

	"github.com/merklerelay/relay/headers"
	"github.com/merklerelay/relay/types"
)

// HeaderChain returns n headers extending the block with hash parent at
// height number and total difficulty td. Each header adds tdStep to the
// total difficulty. salt is stored in Extra so that chains with the same
// shape produce different roots.
func HeaderChain(c headers.Codec, parent types.Hash, number uint64, td *big.Int, n int, tdStep int64, salt string) []*headers.Header {
	batch := make([]*headers.Header, n)
	prev := parent
	cur := new(big.Int).Set(td)
	for i := range batch {
		cur = new(big.Int).Add(cur, big.NewInt(tdStep))
		h := &headers.Header{
			ParentHash:      prev,
			Number:          number + uint64(i) + 1,
			TotalDifficulty: cur,
			Time:            uint64(1600000000 + i),
			Extra:           []byte(fmt.Sprintf("%s/%d", salt, i)),
		}
		bh, err := c.BlockHash(h)
		if err != nil {
			panic(err)
		}
		batch[i] = h
		prev = bh
	}
	return batch
}

// Extend returns n headers continuing the batch summarised by node.
func Extend(c headers.Codec, node *types.RootNode, n int, tdStep int64, salt string) []*headers.Header {
	return HeaderChain(c, node.LastLeafHash, node.BlockNumber, node.TotalDifficulty, n, tdStep, salt)
}
