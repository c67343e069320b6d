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

package serverutil_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/merklerelay/relay/cmd/internal/serverutil"

	_ "net/http/pprof"
)

func pickFreePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected addr type: %T", ln.Addr())
	}
	return addr.Port
}

func httpGetStatus(t *testing.T, url string) int {
	t.Helper()

	resp, err := http.Get(url) //nolint:gosec
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.ReadAll(resp.Body)
	return resp.StatusCode
}

func waitForStatus(t *testing.T, url string, want int) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url) //nolint:gosec
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == want {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d from %s", want, url)
}

func TestHTTPServerDoesNotExposeDefaultServeMux(t *testing.T) {
	httpPort := pickFreePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	closed := make(chan struct{})
	m := &serverutil.Main{
		HTTPEndpoint: fmt.Sprintf("127.0.0.1:%d", httpPort),
		DBClose: func() error {
			close(closed)
			return nil
		},
		RegisterHandlersFn: func(mux *http.ServeMux) {
			mux.HandleFunc("/relay/v1/ping", func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte("pong"))
			})
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Run(ctx)
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", httpPort)
	waitForStatus(t, baseURL+"/healthz", http.StatusOK)

	if got := httpGetStatus(t, baseURL+"/metrics"); got != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", got)
	}
	if got := httpGetStatus(t, baseURL+"/relay/v1/ping"); got != http.StatusOK {
		t.Fatalf("expected 200 from /relay/v1/ping, got %d", got)
	}
	if got := httpGetStatus(t, baseURL+"/debug/pprof/"); got != http.StatusNotFound {
		t.Fatalf("expected 404 from /debug/pprof/, got %d", got)
	}

	cancel()
	select {
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for server shutdown")
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	}
	select {
	case <-closed:
	default:
		t.Error("DBClose was not called")
	}
}

func TestUnhealthy(t *testing.T) {
	httpPort := pickFreePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	m := &serverutil.Main{
		HTTPEndpoint: fmt.Sprintf("127.0.0.1:%d", httpPort),
		IsHealthy: func(context.Context) error {
			return errors.New("storage unreachable")
		},
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Run(ctx)
	}()
	waitForStatus(t, fmt.Sprintf("http://127.0.0.1:%d/healthz", httpPort), http.StatusServiceUnavailable)
	cancel()
	<-errCh
}

func TestBackgroundTaskFailureStopsServer(t *testing.T) {
	errTask := errors.New("invariants violated")
	m := &serverutil.Main{
		HTTPEndpoint: fmt.Sprintf("127.0.0.1:%d", pickFreePort(t)),
		BackgroundTasks: []func(context.Context) error{
			func(context.Context) error { return errTask },
		},
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Run(context.Background())
	}()
	select {
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for server shutdown")
	case err := <-errCh:
		if !errors.Is(err, errTask) {
			t.Errorf("Run() = %v, want %v", err, errTask)
		}
	}
}
