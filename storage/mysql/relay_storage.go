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

package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/merklerelay/relay/storage"
	"github.com/merklerelay/relay/types"
	"k8s.io/klog/v2"
)

const (
	selectLockSQL    = "SELECT Id FROM RelayLock WHERE Id = 0 FOR UPDATE"
	insertLockSQL    = "INSERT IGNORE INTO RelayLock(Id) VALUES(0)"
	selectStateSQL   = "SELECT Genesis, Longest, Forks, Submissions FROM RelayState WHERE Id = 0"
	replaceStateSQL  = "REPLACE INTO RelayState(Id, Genesis, Longest, Forks, Submissions) VALUES(0, ?, ?, ?, ?)"
	selectRootSQL    = `SELECT ParentAnchor, LastLeafHash, BlockNumber, TotalDifficulty, LengthUpdate, ForkId,
		IterableIndex, LatestFork, Submitter, LockedUntilNanos, Sequence FROM Roots WHERE Hash = ?`
	selectSuccessors = "SELECT Successor FROM RootSuccessors WHERE Hash = ? ORDER BY Position"
	upsertRootSQL    = `INSERT INTO Roots(Hash, ParentAnchor, LastLeafHash, BlockNumber, TotalDifficulty, LengthUpdate,
		ForkId, IterableIndex, LatestFork, Submitter, LockedUntilNanos, Sequence)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE ParentAnchor = VALUES(ParentAnchor), LastLeafHash = VALUES(LastLeafHash),
		BlockNumber = VALUES(BlockNumber), TotalDifficulty = VALUES(TotalDifficulty),
		LengthUpdate = VALUES(LengthUpdate), ForkId = VALUES(ForkId), IterableIndex = VALUES(IterableIndex),
		LatestFork = VALUES(LatestFork), Submitter = VALUES(Submitter),
		LockedUntilNanos = VALUES(LockedUntilNanos), Sequence = VALUES(Sequence)`
	deleteSuccessorsSQL = "DELETE FROM RootSuccessors WHERE Hash = ?"
	insertSuccessorSQL  = "INSERT INTO RootSuccessors(Hash, Position, Successor) VALUES(?, ?, ?)"
	countEndpointsSQL   = "SELECT COUNT(*) FROM Endpoints"
	selectEndpointSQL   = "SELECT Hash FROM Endpoints WHERE Position = ?"
	insertEndpointSQL   = "INSERT INTO Endpoints(Position, Hash) VALUES(?, ?)"
	updateEndpointSQL   = "UPDATE Endpoints SET Hash = ? WHERE Position = ?"
	deleteEndpointSQL   = "DELETE FROM Endpoints WHERE Position = ?"
	selectStakeSQL      = "SELECT Balance FROM Stakes WHERE Owner = ?"
	upsertStakeSQL      = "INSERT INTO Stakes(Owner, Balance) VALUES(?, ?) ON DUPLICATE KEY UPDATE Balance = VALUES(Balance)"
	countLockedSQL      = "SELECT COUNT(*) FROM Roots WHERE Submitter = ? AND LockedUntilNanos > ?"
)

// OpenDB opens a database connection for all MySQL-based storage implementations.
func OpenDB(dbURL string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dbURL)
	if err != nil {
		// Don't log uri as it could contain credentials
		klog.Warningf("Could not open MySQL database, check config: %s", err)
		return nil, err
	}

	if _, err := db.ExecContext(context.TODO(), "SET sql_mode = 'STRICT_ALL_TABLES'"); err != nil {
		klog.Warningf("Failed to set strict mode on mysql db: %s", err)
		return nil, err
	}

	return db, nil
}

// RelayStorage is a storage.RelayStorage backed by MySQL.
type RelayStorage struct {
	db *sql.DB
}

// NewRelayStorage returns a RelayStorage using db, which must hold the
// relay schema.
func NewRelayStorage(db *sql.DB) *RelayStorage {
	return &RelayStorage{db: db}
}

// CheckDatabaseAccessible implements storage.RelayStorage.
func (m *RelayStorage) CheckDatabaseAccessible(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// Snapshot implements storage.RelayStorage.
func (m *RelayStorage) Snapshot(ctx context.Context) (storage.ReadOnlyTransaction, error) {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		klog.Warningf("Could not start snapshot TX: %s", err)
		return nil, err
	}
	return &snapshotTX{relayTX: relayTX{tx: tx}}, nil
}

// ReadWriteTransaction implements storage.RelayStorage.
func (m *RelayStorage) ReadWriteTransaction(ctx context.Context, f storage.RelayTXFunc) error {
	tx, err := m.db.BeginTx(ctx, nil /* opts */)
	if err != nil {
		klog.Warningf("Could not start relay TX: %s", err)
		return err
	}
	defer func() {
		if tx != nil {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				klog.Warningf("Rollback error: %v", err)
			}
		}
	}()

	if err := lockRelay(ctx, tx); err != nil {
		return err
	}
	if err := f(ctx, &relayTX{tx: tx}); err != nil {
		return err
	}
	err, tx = tx.Commit(), nil
	if err != nil {
		klog.Warningf("TX commit error: %s", err)
	}
	return err
}

// lockRelay takes the row lock that serialises writers.
func lockRelay(ctx context.Context, tx *sql.Tx) error {
	var id int
	err := tx.QueryRowContext(ctx, selectLockSQL).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, insertLockSQL); err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx, selectLockSQL).Scan(&id)
	}
	return err
}

type snapshotTX struct {
	relayTX
}

func (t *snapshotTX) Commit(context.Context) error {
	return t.tx.Commit()
}

func (t *snapshotTX) Close() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		klog.Warningf("Rollback error on Close(): %v", err)
		return err
	}
	return nil
}

type relayTX struct {
	tx *sql.Tx
}

func toHash(b []byte) (types.Hash, error) {
	h, err := types.BytesToHash(b)
	if err != nil {
		return h, fmt.Errorf("corrupt hash in database: %v", err)
	}
	return h, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (t *relayTX) GetRoot(ctx context.Context, h types.Hash) (*types.RootNode, error) {
	var (
		parent, last, latest []byte
		td                   []byte
		locked               int64
	)
	n := &types.RootNode{Hash: h}
	err := t.tx.QueryRowContext(ctx, selectRootSQL, h.Bytes()).Scan(
		&parent, &last, &n.BlockNumber, &td, &n.LengthUpdate, &n.ForkID,
		&n.IterableIndex, &latest, &n.Submitter, &locked, &n.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("root %v: %w", h, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if n.ParentAnchor, err = toHash(parent); err != nil {
		return nil, err
	}
	if n.LastLeafHash, err = toHash(last); err != nil {
		return nil, err
	}
	if n.LatestFork, err = toHash(latest); err != nil {
		return nil, err
	}
	n.TotalDifficulty = new(big.Int).SetBytes(td)
	n.LockedUntil = fromNanos(locked)

	rows, err := t.tx.QueryContext(ctx, selectSuccessors, h.Bytes())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var s []byte
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		sh, err := toHash(s)
		if err != nil {
			return nil, err
		}
		n.Successors = append(n.Successors, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return n, nil
}

func (t *relayTX) ReadState(ctx context.Context) (*storage.RelayState, error) {
	var genesis, longest []byte
	s := &storage.RelayState{}
	err := t.tx.QueryRowContext(ctx, selectStateSQL).Scan(&genesis, &longest, &s.Forks, &s.Submissions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRelayNeedsInit
	}
	if err != nil {
		return nil, err
	}
	if s.Genesis, err = toHash(genesis); err != nil {
		return nil, err
	}
	if s.Longest, err = toHash(longest); err != nil {
		return nil, err
	}
	return s, nil
}

func (t *relayTX) EndpointCount(ctx context.Context) (uint64, error) {
	var n uint64
	if err := t.tx.QueryRowContext(ctx, countEndpointsSQL).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *relayTX) GetEndpoint(ctx context.Context, i uint64) (types.Hash, error) {
	var b []byte
	err := t.tx.QueryRowContext(ctx, selectEndpointSQL, i).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Hash{}, fmt.Errorf("endpoint %d: %w", i, storage.ErrNotFound)
	}
	if err != nil {
		return types.Hash{}, err
	}
	return toHash(b)
}

func (t *relayTX) GetStake(ctx context.Context, owner string) (uint64, error) {
	var b uint64
	err := t.tx.QueryRowContext(ctx, selectStakeSQL, owner).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return b, err
}

func (t *relayTX) CountLockedRoots(ctx context.Context, owner string, now time.Time) (uint64, error) {
	var n uint64
	if err := t.tx.QueryRowContext(ctx, countLockedSQL, owner, now.UnixNano()).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *relayTX) PutRoot(ctx context.Context, n *types.RootNode) error {
	if n == nil || n.TotalDifficulty == nil {
		return fmt.Errorf("mysql: refusing to store incomplete root node %+v", n)
	}
	if _, err := t.tx.ExecContext(ctx, upsertRootSQL,
		n.Hash.Bytes(), n.ParentAnchor.Bytes(), n.LastLeafHash.Bytes(), n.BlockNumber,
		n.TotalDifficulty.Bytes(), n.LengthUpdate, n.ForkID, n.IterableIndex, n.LatestFork.Bytes(),
		n.Submitter, toNanos(n.LockedUntil), n.Sequence); err != nil {
		klog.Warningf("Failed to store root %v: %s", n.Hash, err)
		return err
	}
	if _, err := t.tx.ExecContext(ctx, deleteSuccessorsSQL, n.Hash.Bytes()); err != nil {
		return err
	}
	for i, s := range n.Successors {
		if _, err := t.tx.ExecContext(ctx, insertSuccessorSQL, n.Hash.Bytes(), i, s.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func (t *relayTX) WriteState(ctx context.Context, s *storage.RelayState) error {
	_, err := t.tx.ExecContext(ctx, replaceStateSQL, s.Genesis.Bytes(), s.Longest.Bytes(), s.Forks, s.Submissions)
	return err
}

func (t *relayTX) AppendEndpoint(ctx context.Context, h types.Hash) (uint64, error) {
	n, err := t.EndpointCount(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := t.tx.ExecContext(ctx, insertEndpointSQL, n, h.Bytes()); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *relayTX) SetEndpoint(ctx context.Context, i uint64, h types.Hash) error {
	n, err := t.EndpointCount(ctx)
	if err != nil {
		return err
	}
	if i >= n {
		return fmt.Errorf("set endpoint %d of %d: %w", i, n, storage.ErrNotFound)
	}
	_, err = t.tx.ExecContext(ctx, updateEndpointSQL, h.Bytes(), i)
	return err
}

func (t *relayTX) PopEndpoint(ctx context.Context) (types.Hash, error) {
	n, err := t.EndpointCount(ctx)
	if err != nil {
		return types.Hash{}, err
	}
	if n == 0 {
		return types.Hash{}, fmt.Errorf("pop from empty endpoint list: %w", storage.ErrNotFound)
	}
	h, err := t.GetEndpoint(ctx, n-1)
	if err != nil {
		return types.Hash{}, err
	}
	if _, err := t.tx.ExecContext(ctx, deleteEndpointSQL, n-1); err != nil {
		return types.Hash{}, err
	}
	return h, nil
}

func (t *relayTX) SetStake(ctx context.Context, owner string, amount uint64) error {
	_, err := t.tx.ExecContext(ctx, upsertStakeSQL, owner, amount)
	return err
}
