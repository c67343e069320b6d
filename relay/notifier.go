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

package relay

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/merklerelay/relay/monitoring"
	"github.com/merklerelay/relay/types"
	"k8s.io/klog/v2"
)

// NewRoot is emitted once for every accepted submission, after it has
// been committed.
type NewRoot struct {
	Root            types.Hash `json:"root"`
	Parent          types.Hash `json:"parent"`
	Submitter       string     `json:"submitter"`
	BlockNumber     uint64     `json:"block_number"`
	TotalDifficulty *big.Int   `json:"total_difficulty"`
	// Longest reports whether Root became the longest chain endpoint.
	Longest bool `json:"longest"`
}

func newRootEvent(n *types.RootNode, longest bool) NewRoot {
	return NewRoot{
		Root:            n.Hash,
		Parent:          n.ParentAnchor,
		Submitter:       n.Submitter,
		BlockNumber:     n.BlockNumber,
		TotalDifficulty: new(big.Int).Set(n.TotalDifficulty),
		Longest:         longest,
	}
}

// Notifier delivers NewRoot events to external watchers. A failed
// notification never undoes the submission that produced it.
type Notifier interface {
	Notify(ctx context.Context, ev NewRoot) error
}

// LogNotifier writes every event to the log.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(_ context.Context, ev NewRoot) error {
	klog.Infof("NewRoot %v (parent %v, block %d, td %v, submitter %q, longest %v)",
		ev.Root, ev.Parent, ev.BlockNumber, ev.TotalDifficulty, ev.Submitter, ev.Longest)
	return nil
}

// MultiNotifier forwards each event to every notifier in turn and returns
// the combined errors.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ctx context.Context, ev NewRoot) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Broadcaster fans events out to in-process subscribers. Delivery never
// blocks: an event is dropped for a subscriber whose buffer is full.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan NewRoot
	nextID int
	closed bool
}

// NewBroadcaster returns a Broadcaster that counts drops with mf.
func NewBroadcaster(mf monitoring.MetricFactory) *Broadcaster {
	broadcastOnce.Do(func() {
		createBroadcastMetrics(mf)
	})
	return &Broadcaster{subs: make(map[int]chan NewRoot)}
}

// Subscribe registers a subscriber with a buffer of size events. The
// returned func unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe(size int) (<-chan NewRoot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan NewRoot, size)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Notify implements Notifier.
func (b *Broadcaster) Notify(_ context.Context, ev NewRoot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			broadcastDropped.Inc()
			klog.V(2).Infof("broadcaster: dropped %v for subscriber %d", ev.Root, id)
		}
	}
	return nil
}

// Close closes every subscriber channel. Later subscribers get a closed
// channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.closed = true
}
