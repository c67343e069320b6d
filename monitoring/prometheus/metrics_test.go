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

package prometheus

import (
	"testing"

	"github.com/merklerelay/relay/monitoring/testonly"
	"github.com/prometheus/client_golang/prometheus"
)

func TestCounter(t *testing.T) {
	testonly.TestCounter(t, MetricFactory{Prefix: "test_", Registerer: prometheus.NewRegistry()})
}

func TestGauge(t *testing.T) {
	testonly.TestGauge(t, MetricFactory{Prefix: "test_", Registerer: prometheus.NewRegistry()})
}

func TestHistogram(t *testing.T) {
	testonly.TestHistogram(t, MetricFactory{Prefix: "test_", Registerer: prometheus.NewRegistry()})
}

func TestHistogramWithBuckets(t *testing.T) {
	mf := MetricFactory{Registerer: prometheus.NewRegistry()}
	h := mf.NewHistogramWithBuckets("latency", "latency", []float64{1, 2, 4}, "op")
	h.Observe(1.5, "submit")
	h.Observe(3, "submit")
	if count, sum := h.Info("submit"); count != 2 || sum != 4.5 {
		t.Errorf("Info() = %d, %v; want 2, 4.5", count, sum)
	}
	if count, _ := h.Info("verify"); count != 0 {
		t.Errorf("Info(verify) count = %d, want 0", count)
	}
}

func TestSeparateRegistries(t *testing.T) {
	// The same name may be registered once per registry.
	for i := 0; i < 2; i++ {
		mf := MetricFactory{Registerer: prometheus.NewRegistry()}
		mf.NewCounter("dup", "dup").Inc()
	}
}
