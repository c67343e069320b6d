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
	"errors"
	"sync"

	"github.com/merklerelay/relay/headers"
	"github.com/merklerelay/relay/merkle"
	"github.com/merklerelay/relay/monitoring"
	"github.com/merklerelay/relay/registry"
	"github.com/merklerelay/relay/stake"
)

const (
	reasonLabel = "reason"
	resultLabel = "result"
	opLabel     = "op"
)

var (
	once             sync.Once
	rootsSubmitted   monitoring.Counter
	submitRejections monitoring.Counter
	verifyBlocks     monitoring.Counter
	endpoints        monitoring.Gauge
	longestBlock     monitoring.Gauge
	stakeOps         monitoring.Counter
	submitLatency    monitoring.Histogram
	notifyErrors     monitoring.Counter

	broadcastOnce    sync.Once
	broadcastDropped monitoring.Counter
)

func createMetrics(mf monitoring.MetricFactory) {
	if mf == nil {
		mf = monitoring.InertMetricFactory{}
	}
	rootsSubmitted = mf.NewCounter("relay_roots_submitted", "Number of header batch roots accepted")
	submitRejections = mf.NewCounter("relay_submit_rejections", "Number of rejected root submissions", reasonLabel)
	verifyBlocks = mf.NewCounter("relay_verify_block", "Number of block inclusion checks by outcome", resultLabel)
	endpoints = mf.NewGauge("relay_endpoints", "Number of fork endpoints")
	longestBlock = mf.NewGauge("relay_longest_block_number", "Block number of the longest chain endpoint")
	stakeOps = mf.NewCounter("relay_stake_operations", "Number of stake operations by outcome", opLabel, resultLabel)
	submitLatency = mf.NewHistogramWithBuckets("relay_submit_latency_seconds", "Latency of root submissions in seconds", monitoring.ExpBuckets(0.001, 2, 16))
	notifyErrors = mf.NewCounter("relay_notify_errors", "Number of NewRoot notifications that failed")
}

func createBroadcastMetrics(mf monitoring.MetricFactory) {
	if mf == nil {
		mf = monitoring.InertMetricFactory{}
	}
	broadcastDropped = mf.NewCounter("relay_broadcast_dropped", "Number of NewRoot events dropped for slow subscribers")
}

// reason classifies a submission failure for the rejections metric.
func reason(err error) string {
	switch {
	case errors.Is(err, stake.ErrInsufficientStake):
		return "insufficient_stake"
	case errors.Is(err, stake.ErrEmptyOwner):
		return "empty_owner"
	case errors.Is(err, registry.ErrUnknownParent):
		return "unknown_parent"
	case errors.Is(err, registry.ErrDiscontinuousBatch):
		return "discontinuous"
	case errors.Is(err, registry.ErrDuplicateRoot):
		return "duplicate"
	case errors.Is(err, headers.ErrInvalidHeader):
		return "invalid_header"
	case errors.Is(err, merkle.ErrEmptyTree):
		return "empty_batch"
	default:
		return "other"
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
