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

// Package redisnotify publishes relay NewRoot events on a Redis pub/sub
// channel.
package redisnotify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis"
	"github.com/merklerelay/relay/relay"
	"k8s.io/klog/v2"
)

// DefaultChannel is the channel used when none is configured.
const DefaultChannel = "relay:new_root"

// RedisClient is the subset of Redis client methods used by Publisher. It
// is satisfied by *redis.Client, *redis.ClusterClient and *redis.Ring.
type RedisClient interface {
	Publish(channel string, message interface{}) *redis.IntCmd
}

// Publisher is a relay.Notifier that sends each event as a JSON message.
type Publisher struct {
	c       RedisClient
	channel string
}

// New returns a Publisher on channel, or on DefaultChannel if it is empty.
func New(client RedisClient, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{c: client, channel: channel}
}

// Notify implements relay.Notifier.
func (p *Publisher) Notify(ctx context.Context, ev relay.NewRoot) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redisnotify: marshal %v: %v", ev.Root, err)
	}
	receivers, err := withClientContext(ctx, p.c).Publish(p.channel, msg).Result()
	if err != nil {
		return fmt.Errorf("redisnotify: publish %v on %q: %v", ev.Root, p.channel, err)
	}
	klog.V(2).Infof("redisnotify: published %v to %d receivers", ev.Root, receivers)
	return nil
}

func withClientContext(ctx context.Context, client RedisClient) RedisClient {
	type withContextable interface {
		WithContext(context.Context) RedisClient
	}

	switch c := client.(type) {
	case *redis.Client:
		return c.WithContext(ctx)
	case *redis.ClusterClient:
		return c.WithContext(ctx)
	case *redis.Ring:
		return c.WithContext(ctx)
	case withContextable:
		return c.WithContext(ctx)
	}
	return client
}
