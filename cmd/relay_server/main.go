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

// The relay_server binary serves the Merkle header relay over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/merklerelay/relay/cmd"
	"github.com/merklerelay/relay/cmd/internal/provider"
	"github.com/merklerelay/relay/cmd/internal/serverutil"
	"github.com/merklerelay/relay/config"
	"github.com/merklerelay/relay/headers"
	"github.com/merklerelay/relay/merkle/hashers"
	"github.com/merklerelay/relay/monitoring/prometheus"
	"github.com/merklerelay/relay/relay"
	"github.com/merklerelay/relay/relay/redisnotify"
	"github.com/merklerelay/relay/server"
	"github.com/merklerelay/relay/storage"
	"github.com/merklerelay/relay/util/clock"
	"k8s.io/klog/v2"
)

var (
	httpEndpoint   = flag.String("http_endpoint", "localhost:8093", "Endpoint for HTTP (host:port)")
	tlsCertFile    = flag.String("tls_cert_file", "", "Path to the TLS server certificate. If unset, the server will use unsecured connections.")
	tlsKeyFile     = flag.String("tls_key_file", "", "Path to the TLS server key. If unset, the server will use unsecured connections.")
	healthzTimeout = flag.Duration("healthz_timeout", time.Second*5, "Timeout used during healthz checks")
	requestTimeout = flag.Duration("request_timeout", 30*time.Second, "Deadline for each relay request")

	storageSystem = flag.String("storage_system", provider.DefaultStorageSystem, fmt.Sprintf("Storage system to use. One of: %v", storage.Providers()))
	relayConfig   = flag.String("relay_config", "", "Path to the YAML relay configuration (genesis, stake, lock period)")
	hashStrategy  = flag.String("hash_strategy", "", fmt.Sprintf("Tree hashing strategy, overriding the relay config. One of: %v", hashers.Names()))

	redisAddr    = flag.String("redis_addr", "", "If set, publish NewRoot events to the Redis server at this address")
	redisChannel = flag.String("redis_channel", redisnotify.DefaultChannel, "Redis channel for NewRoot events")
	watchRoots   = flag.Bool("watch_roots", true, "If true, stream NewRoot events to HTTP clients of "+server.PathPrefix+"watch-roots")

	checkInvariants   = flag.Bool("check_invariants", false, "If true, verify the stored fork DAG before serving")
	invariantInterval = flag.Duration("invariant_check_interval", 0, "If non-zero, re-verify the stored fork DAG at this interval and stop on failure")

	configFile = flag.String("config", "", "Config file containing flags, file contents can be overridden by command line flags")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *configFile != "" {
		if err := cmd.ParseFlagFile(*configFile); err != nil {
			klog.Exitf("Failed to load flags from config file %q: %s", *configFile, err)
		}
	}

	klog.CopyStandardLogTo("WARNING")
	klog.Info("**** Relay Server Starting ****")

	if *relayConfig == "" {
		klog.Exit("--relay_config must be supplied")
	}
	cfg, err := config.Load(*relayConfig)
	if err != nil {
		klog.Exitf("Failed to load relay config %q: %v", *relayConfig, err)
	}
	genesis, err := cfg.RegistryGenesis()
	if err != nil {
		klog.Exitf("Invalid genesis: %v", err)
	}
	strategy := cfg.HashStrategy
	if *hashStrategy != "" {
		strategy = *hashStrategy
	}
	if strategy == "" {
		strategy = hashers.Default
	}
	hasher, err := hashers.New(strategy)
	if err != nil {
		klog.Exitf("Failed to create hasher: %v", err)
	}

	mf := prometheus.MetricFactory{}

	sp, err := storage.NewProvider(*storageSystem, mf)
	if err != nil {
		klog.Exitf("Failed to get storage provider: %v", err)
	}
	st := sp.RelayStorage()

	notifier := relay.MultiNotifier{relay.LogNotifier{}}
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer rdb.Close()
		notifier = append(notifier, redisnotify.New(rdb, *redisChannel))
		klog.Infof("Publishing NewRoot events to redis %v channel %q", *redisAddr, *redisChannel)
	}
	var roots *relay.Broadcaster
	if *watchRoots {
		roots = relay.NewBroadcaster(mf)
		notifier = append(notifier, roots)
	}

	svc, err := relay.New(relay.Options{
		Storage:              st,
		Hasher:               hasher,
		Codec:                headers.NewBinaryCodec(hasher),
		RequiredStakePerRoot: cfg.RequiredStakePerRoot,
		LockPeriod:           cfg.LockPeriod,
		TimeSource:           clock.System,
		Notifier:             notifier,
		MetricFactory:        mf,
	})
	if err != nil {
		klog.Exitf("Failed to create relay: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, err := svc.Init(ctx, genesis)
	if err != nil {
		klog.Exitf("Failed to initialise relay storage: %v", err)
	}
	klog.Infof("Relay genesis %v at block %d, hash strategy %q", g.Hash, g.BlockNumber, strategy)
	if *checkInvariants {
		if err := svc.CheckInvariants(ctx); err != nil {
			klog.Exitf("Stored relay state is inconsistent: %v", err)
		}
		klog.Info("Relay invariants hold")
	}

	m := serverutil.Main{
		HTTPEndpoint:       *httpEndpoint,
		TLSCertFile:        *tlsCertFile,
		TLSKeyFile:         *tlsKeyFile,
		DBClose:            sp.Close,
		RegisterHandlersFn: server.NewRelayContext(svc, *requestTimeout).WatchRoots(roots).RegisterHandlers,
		IsHealthy:          st.CheckDatabaseAccessible,
		HealthyDeadline:    *healthzTimeout,
	}
	if roots != nil {
		// End open watch-roots streams on shutdown.
		m.BackgroundTasks = append(m.BackgroundTasks, func(ctx context.Context) error {
			<-ctx.Done()
			roots.Close()
			return nil
		})
	}
	if *invariantInterval > 0 {
		m.BackgroundTasks = append(m.BackgroundTasks, func(ctx context.Context) error {
			return svc.WatchInvariants(ctx, *invariantInterval)
		})
	}

	if err := m.Run(ctx); err != nil {
		klog.Exitf("Server exited with error: %v", err)
	}
}
