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

// Package stake implements the collateral ledger backing root submissions.
//
// Every accepted root locks RequiredStakePerRoot of its submitter's balance
// until the root's LockedUntil time. Locks are per submission: an owner
// with k roots still inside their lock period has k*RequiredStakePerRoot
// locked.
package stake

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"time"

	"github.com/merklerelay/relay/storage"
)

var (
	// ErrAmountMismatch is returned when the value transferred with a
	// deposit differs from the declared amount.
	ErrAmountMismatch = errors.New("stake: transferred value does not match amount")
	// ErrInsufficientStake is returned when a submitter does not have
	// RequiredStakePerRoot unlocked.
	ErrInsufficientStake = errors.New("stake: insufficient unlocked stake to submit")
	// ErrInsufficientUnlockedStake is returned when a withdrawal would
	// dip into the balance or into locked stake.
	ErrInsufficientUnlockedStake = errors.New("stake: insufficient unlocked stake to withdraw")
	// ErrEmptyOwner is returned for operations on the empty identity.
	ErrEmptyOwner = errors.New("stake: empty owner")
	// ErrBalanceOverflow is returned when a deposit would overflow the
	// balance.
	ErrBalanceOverflow = errors.New("stake: balance overflow")
)

// Ledger applies the stake rules to the accounts held in a storage
// transaction.
type Ledger struct {
	RequiredStakePerRoot uint64
}

// Deposit credits amount to owner. transferred is the value that actually
// accompanied the request and must equal amount.
func (l Ledger) Deposit(ctx context.Context, tx storage.ReadWriteRelayTX, owner string, amount, transferred uint64) (uint64, error) {
	if owner == "" {
		return 0, ErrEmptyOwner
	}
	if transferred != amount {
		return 0, fmt.Errorf("%w: declared %d, transferred %d", ErrAmountMismatch, amount, transferred)
	}
	bal, err := tx.GetStake(ctx, owner)
	if err != nil {
		return 0, err
	}
	sum, carry := bits.Add64(bal, amount, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: %d + %d", ErrBalanceOverflow, bal, amount)
	}
	if err := tx.SetStake(ctx, owner, sum); err != nil {
		return 0, err
	}
	return sum, nil
}

// Withdraw debits amount from owner, provided the remaining balance still
// covers everything locked at now.
func (l Ledger) Withdraw(ctx context.Context, tx storage.ReadWriteRelayTX, owner string, amount uint64, now time.Time) (uint64, error) {
	if owner == "" {
		return 0, ErrEmptyOwner
	}
	bal, err := tx.GetStake(ctx, owner)
	if err != nil {
		return 0, err
	}
	locked, err := l.Locked(ctx, tx, owner, now)
	if err != nil {
		return 0, err
	}
	if amount > bal || bal-amount < locked {
		return 0, fmt.Errorf("%w: balance %d, locked %d, requested %d", ErrInsufficientUnlockedStake, bal, locked, amount)
	}
	if amount == 0 {
		// Accounts only come into being through Deposit.
		return bal, nil
	}
	if err := tx.SetStake(ctx, owner, bal-amount); err != nil {
		return 0, err
	}
	return bal - amount, nil
}

// Balance returns the total stake of owner, locked or not.
func (l Ledger) Balance(ctx context.Context, tx storage.ReadOnlyRelayTX, owner string) (uint64, error) {
	return tx.GetStake(ctx, owner)
}

// Locked returns the stake of owner that is locked at now. It saturates
// rather than overflowing.
func (l Ledger) Locked(ctx context.Context, tx storage.ReadOnlyRelayTX, owner string, now time.Time) (uint64, error) {
	if owner == "" {
		return 0, nil
	}
	n, err := tx.CountLockedRoots(ctx, owner, now)
	if err != nil {
		return 0, err
	}
	hi, lo := bits.Mul64(n, l.RequiredStakePerRoot)
	if hi != 0 {
		return math.MaxUint64, nil
	}
	return lo, nil
}

// Unlocked returns the part of owner's balance that is free at now.
func (l Ledger) Unlocked(ctx context.Context, tx storage.ReadOnlyRelayTX, owner string, now time.Time) (uint64, error) {
	bal, err := l.Balance(ctx, tx, owner)
	if err != nil {
		return 0, err
	}
	locked, err := l.Locked(ctx, tx, owner, now)
	if err != nil {
		return 0, err
	}
	if locked >= bal {
		return 0, nil
	}
	return bal - locked, nil
}

// RequireSubmissionStake checks that owner can lock one more
// RequiredStakePerRoot at now.
func (l Ledger) RequireSubmissionStake(ctx context.Context, tx storage.ReadOnlyRelayTX, owner string, now time.Time) error {
	if owner == "" {
		return ErrEmptyOwner
	}
	free, err := l.Unlocked(ctx, tx, owner, now)
	if err != nil {
		return err
	}
	if free < l.RequiredStakePerRoot {
		return fmt.Errorf("%w: %q has %d unlocked, %d required", ErrInsufficientStake, owner, free, l.RequiredStakePerRoot)
	}
	return nil
}
