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

// Package memory provides a simple in-process implementation of the relay
// storage interfaces.
//
// The storage implementation is based on a BTree, which provides an ordered
// key-value space which can be used to store arbitrary items, as well as
// scan ranges of keys in order.
//
// Writable transactions exclusively lock the store and operate on a
// copy-on-write clone of the BTree, which replaces the shared view on
// commit. Snapshots share the store's read lock and so never observe a
// partially applied transaction.
package memory
