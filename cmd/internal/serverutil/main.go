// Copyright 2017 Google Inc. All Rights Reserved.
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

// Package serverutil holds code for running relay servers.
package serverutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/merklerelay/relay/util"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Main encapsulates the data and logic to start a relay server.
type Main struct {
	// HTTPEndpoint is the address the HTTP server listens on.
	HTTPEndpoint string

	// TLS Certificate and Key files for the server.
	TLSCertFile, TLSKeyFile string

	DBClose func() error

	// RegisterHandlersFn is called to bind the API handlers.
	RegisterHandlersFn func(*http.ServeMux)

	// MetricsHandler serves /metrics. Defaults to promhttp.Handler().
	MetricsHandler http.Handler

	// IsHealthy will be called whenever "/healthz" is called on the mux.
	// A nil return value from this function will result in a 200-OK response
	// on the /healthz endpoint.
	IsHealthy func(context.Context) error
	// HealthyDeadline is the maximum duration to wait for a successful
	// IsHealthy() call.
	HealthyDeadline time.Duration

	// BackgroundTasks run alongside the server and are cancelled when it
	// stops. A task returning an error other than a context error stops
	// the server.
	BackgroundTasks []func(context.Context) error

	// ShutdownTimeout bounds the graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration
}

func (m *Main) healthz(rw http.ResponseWriter, req *http.Request) {
	if m.IsHealthy != nil {
		ctx, cancel := context.WithTimeout(req.Context(), m.HealthyDeadline)
		defer cancel()
		if err := m.IsHealthy(ctx); err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			rw.Write([]byte(err.Error()))
			return
		}
	}
	rw.Write([]byte("ok"))
}

// Run starts the configured server. Blocks until the server exits, which
// happens on SIGINT/SIGTERM, when ctx is cancelled or when a background
// task fails.
func (m *Main) Run(ctx context.Context) error {
	if m.HealthyDeadline == 0 {
		m.HealthyDeadline = 5 * time.Second
	}
	if m.ShutdownTimeout == 0 {
		m.ShutdownTimeout = 5 * time.Second
	}
	if m.MetricsHandler == nil {
		m.MetricsHandler = promhttp.Handler()
	}
	if m.DBClose != nil {
		defer func() {
			if err := m.DBClose(); err != nil {
				klog.Errorf("Closing storage: %v", err)
			}
		}()
	}

	mux := http.NewServeMux()
	if m.RegisterHandlersFn != nil {
		m.RegisterHandlersFn(mux)
	}
	mux.Handle("/metrics", m.MetricsHandler)
	mux.HandleFunc("/healthz", m.healthz)

	lis, err := net.Listen("tcp", m.HTTPEndpoint)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		klog.Infof("HTTP server starting on %v", lis.Addr())
		var err error
		// Let ServeTLS handle the error case when only one of the flags is set.
		if m.TLSCertFile != "" || m.TLSKeyFile != "" {
			err = srv.ServeTLS(lis, m.TLSCertFile, m.TLSKeyFile)
		} else {
			err = srv.Serve(lis)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		util.AwaitSignal(gctx, cancel)
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), m.ShutdownTimeout)
		defer scancel()
		return srv.Shutdown(sctx)
	})
	for _, task := range m.BackgroundTasks {
		task := task
		g.Go(func() error {
			if err := task(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	err = g.Wait()
	klog.Infof("Stopping server, about to exit")
	klog.Flush()
	return err
}
