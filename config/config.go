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

// Package config loads the YAML relay configuration.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/merklerelay/relay/registry"
	"github.com/merklerelay/relay/types"
	"gopkg.in/yaml.v2"
)

// Genesis is the YAML form of registry.Genesis. Hashes are hex strings
// and the total difficulty a decimal string, so that difficulties beyond
// 64 bits survive the round trip.
type Genesis struct {
	Anchor          string `yaml:"anchor"`
	BlockHash       string `yaml:"block_hash"`
	Number          uint64 `yaml:"number"`
	TotalDifficulty string `yaml:"total_difficulty"`
}

// Relay is the relay configuration.
type Relay struct {
	Genesis              Genesis       `yaml:"genesis"`
	RequiredStakePerRoot uint64        `yaml:"required_stake_per_root"`
	LockPeriod           time.Duration `yaml:"lock_period"`
	// HashStrategy names a merkle/hashers strategy. Empty means the
	// default.
	HashStrategy string `yaml:"hash_strategy,omitempty"`
}

// Parse decodes a relay configuration. Unknown keys are rejected.
func Parse(b []byte) (*Relay, error) {
	var c Relay
	if err := yaml.UnmarshalStrict(b, &c); err != nil {
		return nil, fmt.Errorf("config: %v", err)
	}
	if _, err := c.RegistryGenesis(); err != nil {
		return nil, err
	}
	if c.LockPeriod < 0 {
		return nil, fmt.Errorf("config: negative lock_period %v", c.LockPeriod)
	}
	return &c, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Relay, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// RegistryGenesis converts the genesis section.
func (c *Relay) RegistryGenesis() (registry.Genesis, error) {
	anchor, err := types.ParseHash(c.Genesis.Anchor)
	if err != nil {
		return registry.Genesis{}, fmt.Errorf("config: genesis.anchor: %v", err)
	}
	if anchor.IsZero() {
		return registry.Genesis{}, errors.New("config: genesis.anchor must not be zero")
	}
	var blockHash types.Hash
	if c.Genesis.BlockHash != "" {
		if blockHash, err = types.ParseHash(c.Genesis.BlockHash); err != nil {
			return registry.Genesis{}, fmt.Errorf("config: genesis.block_hash: %v", err)
		}
	}
	td := new(big.Int)
	if c.Genesis.TotalDifficulty != "" {
		if _, ok := td.SetString(c.Genesis.TotalDifficulty, 10); !ok {
			return registry.Genesis{}, fmt.Errorf("config: genesis.total_difficulty %q is not a decimal integer", c.Genesis.TotalDifficulty)
		}
	}
	if td.Sign() < 0 {
		return registry.Genesis{}, fmt.Errorf("config: negative genesis.total_difficulty %v", td)
	}
	return registry.Genesis{
		Anchor:          anchor,
		BlockHash:       blockHash,
		Number:          c.Genesis.Number,
		TotalDifficulty: td,
	}, nil
}
