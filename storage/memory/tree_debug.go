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

package memory

import (
	"strings"

	"github.com/google/btree"
	"github.com/merklerelay/relay/types"
	"k8s.io/klog/v2"
)

// This file contains utilities that are not part of the Storage API contracts but may
// be useful for development or debugging.

// Dump ascends the committed store, logging the items contained.
func Dump(m *RelayStorage) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.store.Ascend(func(i btree.Item) bool {
		klog.Infof("%#v", i)
		return true
	})
}

// DumpRoots traverses the committed root nodes in key order and calls
// callback on each of them.
func DumpRoots(m *RelayStorage, callback func(*types.RootNode)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.store.AscendGreaterOrEqual(&kv{k: rootPrefix}, func(bi btree.Item) bool {
		i := bi.(*kv)
		if !strings.HasPrefix(i.k, rootPrefix) {
			// Then we've finished iterating over roots
			return false
		}
		callback(i.v.(*types.RootNode).Clone())
		return true
	})
}
