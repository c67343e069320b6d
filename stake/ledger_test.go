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

package stake

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/merklerelay/relay/storage"
	"github.com/merklerelay/relay/storage/memory"
	stestonly "github.com/merklerelay/relay/storage/testonly"
	"github.com/merklerelay/relay/util/clock"
)

const required = 100

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	s      *memory.RelayStorage
	ts     *clock.FakeTimeSource
	ledger Ledger
	seed   byte
}

func newFixture() *fixture {
	return &fixture{s: memory.NewRelayStorage(), ts: clock.NewFake(epoch), ledger: Ledger{RequiredStakePerRoot: required}, seed: 1}
}

func (f *fixture) rw(t *testing.T, fn func(context.Context, storage.ReadWriteRelayTX) error) error {
	t.Helper()
	return f.s.ReadWriteTransaction(context.Background(), fn)
}

// lock records a root submitted by owner, locked for d from now.
func (f *fixture) lock(t *testing.T, owner string, d time.Duration) {
	t.Helper()
	f.seed++
	n := stestonly.Node(f.seed, owner, f.ts.Now().Add(d))
	if err := f.rw(t, func(ctx context.Context, tx storage.ReadWriteRelayTX) error {
		return tx.PutRoot(ctx, n)
	}); err != nil {
		t.Fatalf("PutRoot(): %v", err)
	}
}

func (f *fixture) deposit(t *testing.T, owner string, amount uint64) {
	t.Helper()
	if err := f.rw(t, func(ctx context.Context, tx storage.ReadWriteRelayTX) error {
		_, err := f.ledger.Deposit(ctx, tx, owner, amount, amount)
		return err
	}); err != nil {
		t.Fatalf("Deposit(%q, %d): %v", owner, amount, err)
	}
}

func (f *fixture) balances(t *testing.T, owner string) (bal, locked, free uint64) {
	t.Helper()
	if err := storage.RunInSnapshot(context.Background(), f.s, func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
		var err error
		if bal, err = f.ledger.Balance(ctx, tx, owner); err != nil {
			return err
		}
		if locked, err = f.ledger.Locked(ctx, tx, owner, f.ts.Now()); err != nil {
			return err
		}
		free, err = f.ledger.Unlocked(ctx, tx, owner, f.ts.Now())
		return err
	}); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return bal, locked, free
}

func TestDeposit(t *testing.T) {
	for _, tc := range []struct {
		desc        string
		owner       string
		amount      uint64
		transferred uint64
		wantErr     error
		wantBalance uint64
	}{
		{desc: "ok", owner: "alice", amount: 50, transferred: 50, wantBalance: 60},
		{desc: "zero", owner: "alice", amount: 0, transferred: 0, wantBalance: 10},
		{desc: "mismatch", owner: "alice", amount: 50, transferred: 49, wantErr: ErrAmountMismatch, wantBalance: 10},
		{desc: "overpay", owner: "alice", amount: 50, transferred: 51, wantErr: ErrAmountMismatch, wantBalance: 10},
		{desc: "empty owner", owner: "", amount: 1, transferred: 1, wantErr: ErrEmptyOwner},
		{desc: "overflow", owner: "alice", amount: math.MaxUint64, transferred: math.MaxUint64, wantErr: ErrBalanceOverflow, wantBalance: 10},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFixture()
			f.deposit(t, "alice", 10)
			err := f.rw(t, func(ctx context.Context, tx storage.ReadWriteRelayTX) error {
				_, err := f.ledger.Deposit(ctx, tx, tc.owner, tc.amount, tc.transferred)
				return err
			})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Deposit() = %v, want %v", err, tc.wantErr)
			}
			if tc.owner == "" {
				return
			}
			if bal, _, _ := f.balances(t, tc.owner); bal != tc.wantBalance {
				t.Errorf("balance = %d, want %d", bal, tc.wantBalance)
			}
		})
	}
}

func TestWithdraw(t *testing.T) {
	for _, tc := range []struct {
		desc        string
		locks       int
		amount      uint64
		wantErr     error
		wantBalance uint64
	}{
		{desc: "all unlocked", locks: 0, amount: 250, wantBalance: 0},
		{desc: "part", locks: 1, amount: 150, wantBalance: 100},
		{desc: "into lock", locks: 1, amount: 151, wantErr: ErrInsufficientUnlockedStake, wantBalance: 250},
		{desc: "over balance", locks: 0, amount: 251, wantErr: ErrInsufficientUnlockedStake, wantBalance: 250},
		{desc: "fully locked", locks: 3, amount: 1, wantErr: ErrInsufficientUnlockedStake, wantBalance: 250},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFixture()
			f.deposit(t, "alice", 250)
			for i := 0; i < tc.locks; i++ {
				f.lock(t, "alice", time.Hour)
			}
			err := f.rw(t, func(ctx context.Context, tx storage.ReadWriteRelayTX) error {
				_, err := f.ledger.Withdraw(ctx, tx, "alice", tc.amount, f.ts.Now())
				return err
			})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Withdraw() = %v, want %v", err, tc.wantErr)
			}
			if bal, _, _ := f.balances(t, "alice"); bal != tc.wantBalance {
				t.Errorf("balance = %d, want %d", bal, tc.wantBalance)
			}
		})
	}
}

// setStakeRecorder records the owners whose balance was written.
type setStakeRecorder struct {
	storage.ReadWriteRelayTX
	owners []string
}

func (r *setStakeRecorder) SetStake(ctx context.Context, owner string, amount uint64) error {
	r.owners = append(r.owners, owner)
	return r.ReadWriteRelayTX.SetStake(ctx, owner, amount)
}

func TestWithdrawZeroCreatesNoAccount(t *testing.T) {
	f := newFixture()
	f.deposit(t, "alice", 10)
	for _, owner := range []string{"alice", "nobody"} {
		var rec *setStakeRecorder
		err := f.rw(t, func(ctx context.Context, tx storage.ReadWriteRelayTX) error {
			rec = &setStakeRecorder{ReadWriteRelayTX: tx}
			bal, err := f.ledger.Withdraw(ctx, rec, owner, 0, f.ts.Now())
			if err == nil && bal != map[string]uint64{"alice": 10}[owner] {
				t.Errorf("Withdraw(%q, 0) = %d", owner, bal)
			}
			return err
		})
		if err != nil {
			t.Fatalf("Withdraw(%q, 0): %v", owner, err)
		}
		if len(rec.owners) != 0 {
			t.Errorf("Withdraw(%q, 0) wrote balances of %v, want no writes", owner, rec.owners)
		}
	}
}

func TestLocksExpire(t *testing.T) {
	f := newFixture()
	f.deposit(t, "alice", 250)
	f.lock(t, "alice", time.Hour)
	f.lock(t, "alice", 2*time.Hour)
	f.lock(t, "bob", 3*time.Hour)

	for _, step := range []struct {
		advance    time.Duration
		wantLocked uint64
		wantFree   uint64
	}{
		{advance: 0, wantLocked: 200, wantFree: 50},
		{advance: time.Hour, wantLocked: 100, wantFree: 150},
		{advance: time.Hour, wantLocked: 0, wantFree: 250},
	} {
		f.ts.Advance(step.advance)
		bal, locked, free := f.balances(t, "alice")
		if bal != 250 || locked != step.wantLocked || free != step.wantFree {
			t.Errorf("at %v: balance, locked, free = %d, %d, %d; want 250, %d, %d", f.ts.Now(), bal, locked, free, step.wantLocked, step.wantFree)
		}
	}
}

func TestUnlockedSaturates(t *testing.T) {
	f := newFixture()
	f.deposit(t, "alice", 150)
	f.lock(t, "alice", time.Hour)
	f.lock(t, "alice", time.Hour)
	if _, locked, free := f.balances(t, "alice"); locked != 200 || free != 0 {
		t.Errorf("locked, free = %d, %d; want 200, 0", locked, free)
	}
}

func TestRequireSubmissionStake(t *testing.T) {
	f := newFixture()
	check := func() error {
		return storage.RunInSnapshot(context.Background(), f.s, func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
			return f.ledger.RequireSubmissionStake(ctx, tx, "alice", f.ts.Now())
		})
	}
	if err := check(); !errors.Is(err, ErrInsufficientStake) {
		t.Errorf("RequireSubmissionStake() without deposit = %v, want %v", err, ErrInsufficientStake)
	}
	f.deposit(t, "alice", 2*required)
	if err := check(); err != nil {
		t.Errorf("RequireSubmissionStake() = %v, want nil", err)
	}
	f.lock(t, "alice", time.Hour)
	if err := check(); err != nil {
		t.Errorf("RequireSubmissionStake() with one lock = %v, want nil", err)
	}
	f.lock(t, "alice", time.Hour)
	if err := check(); !errors.Is(err, ErrInsufficientStake) {
		t.Errorf("RequireSubmissionStake() with two locks = %v, want %v", err, ErrInsufficientStake)
	}
	f.ts.Advance(time.Hour)
	if err := check(); err != nil {
		t.Errorf("RequireSubmissionStake() after expiry = %v, want nil", err)
	}
	if err := storage.RunInSnapshot(context.Background(), f.s, func(ctx context.Context, tx storage.ReadOnlyRelayTX) error {
		return f.ledger.RequireSubmissionStake(ctx, tx, "", f.ts.Now())
	}); !errors.Is(err, ErrEmptyOwner) {
		t.Errorf("RequireSubmissionStake(\"\") = %v, want %v", err, ErrEmptyOwner)
	}
}

func TestLockedSaturatesOnOverflow(t *testing.T) {
	f := newFixture()
	f.ledger.RequiredStakePerRoot = math.MaxUint64
	f.lock(t, "alice", time.Hour)
	f.lock(t, "alice", time.Hour)
	if _, locked, _ := f.balances(t, "alice"); locked != math.MaxUint64 {
		t.Errorf("Locked() = %d, want %d", locked, uint64(math.MaxUint64))
	}
}
