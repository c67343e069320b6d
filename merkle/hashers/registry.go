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

// Package hashers is a registry of named tree hashing strategies.
package hashers

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"

	"github.com/merklerelay/relay/merkle"
	"github.com/merklerelay/relay/merkle/keccak"
	"github.com/transparency-dev/merkle/rfc6962"
)

// Names of the built-in strategies.
const (
	Keccak256 = "keccak256"
	SHA256    = "sha256"
	RFC6962   = "rfc6962"
)

// Default is the strategy used when none is configured.
const Default = Keccak256

var (
	mu      sync.RWMutex
	byName  = make(map[string]merkle.TreeHasher)
	builtin = map[string]merkle.TreeHasher{
		Keccak256: keccak.DefaultHasher,
		SHA256:    sha256Hasher{},
		RFC6962:   rfc6962.DefaultHasher,
	}
)

func init() {
	for name, h := range builtin {
		if err := Register(name, h); err != nil {
			panic(err)
		}
	}
}

// Register makes h available under name.
func Register(name string, h merkle.TreeHasher) error {
	mu.Lock()
	defer mu.Unlock()
	if name == "" {
		return fmt.Errorf("hasher name must not be empty")
	}
	if _, ok := byName[name]; ok {
		return fmt.Errorf("hasher %q already registered", name)
	}
	byName[name] = h
	return nil
}

// New returns the hasher registered under name.
func New(name string) (merkle.TreeHasher, error) {
	mu.RLock()
	defer mu.RUnlock()
	h, ok := byName[name]
	if !ok {
		return nil, fmt.Errorf("hasher %q is unknown", name)
	}
	return h, nil
}

// Names returns the sorted names of all registered hashers.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	r := make([]string, 0, len(byName))
	for k := range byName {
		r = append(r, k)
	}
	sort.Strings(r)
	return r
}

// sha256Hasher hashes leaves and children with plain SHA-256, using the
// same prefix-free layout as the Keccak strategy.
type sha256Hasher struct{}

func (sha256Hasher) HashLeaf(leaf []byte) []byte {
	s := sha256.Sum256(leaf)
	return s[:]
}

func (sha256Hasher) HashChildren(l, r []byte) []byte {
	h := sha256.New()
	h.Write(l)
	h.Write(r)
	return h.Sum(nil)
}

func (sha256Hasher) Size() int {
	return sha256.Size
}
