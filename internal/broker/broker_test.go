/*
 *
 * Copyright 2025 The shmbus Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shmbus/internal/mempool"
	"shmbus/internal/port"
	"shmbus/internal/queue"
	"shmbus/internal/runtime"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Pools = []mempool.PoolEntry{{Size: 256, Count: 16}, {Size: 4096, Count: 4}}
	cfg.PortPoolCapacity = 16
	cfg.MaxPublishers = 8
	cfg.MaxSubscribers = 8
	cfg.DiscoveryIntervalMs = 20
	cfg.KeepAliveThresholdMs = 400
	return cfg
}

// startBroker runs a broker for the duration of the test.
func startBroker(t *testing.T, cfg Config) {
	t.Helper()
	b, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("broker did not stop")
		}
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

var itestSvc = port.ServiceDescription{Service: "imu", Instance: "body", Event: "samples"}

// takeBlocking polls Take, parking on the notification event while the
// queue is empty. The replay signal fires once for a whole history batch,
// so waiting before every take would hang on already-queued chunks.
func takeBlocking(t *testing.T, ctx context.Context, sub *runtime.Subscriber) mempool.Chunk {
	t.Helper()
	for {
		got, _, err := sub.Take()
		if err == nil {
			return got
		}
		require.ErrorIs(t, err, port.ErrEmpty)
		require.NoError(t, sub.WaitForData(ctx))
	}
}

func TestBrokerEndToEnd(t *testing.T) {
	startBroker(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rt, err := runtime.Dial(ctx, "itest-app")
	require.NoError(t, err)
	defer rt.Close(context.Background())

	pub, err := rt.NewPublisher(ctx, itestSvc, runtime.PublisherOptions{OfferOnCreate: true})
	require.NoError(t, err)

	sub, err := rt.NewSubscriber(ctx, itestSvc, runtime.SubscriberOptions{
		QueueCapacity: 8,
		Policy:        queue.DiscardOldest,
	})
	require.NoError(t, err)

	waitFor(t, func() bool { return sub.State() == port.SubSubscribed },
		"subscriber never reached SUBSCRIBED")

	chunk, err := pub.Loan(64)
	require.NoError(t, err)
	payload := chunk.Payload()
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, pub.Send(chunk))

	require.NoError(t, sub.WaitForData(ctx))
	got, overflow, err := sub.Take()
	require.NoError(t, err)
	assert.False(t, overflow)
	for i, v := range got.Payload() {
		require.Equal(t, byte(i), v)
	}
	sub.Release(got)

	require.NoError(t, sub.Close(ctx))
	require.NoError(t, pub.Close(ctx))
}

func TestBrokerLateJoinHistory(t *testing.T) {
	startBroker(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rt, err := runtime.Dial(ctx, "itest-history")
	require.NoError(t, err)
	defer rt.Close(context.Background())

	pub, err := rt.NewPublisher(ctx, itestSvc, runtime.PublisherOptions{
		OfferOnCreate:   true,
		HistoryCapacity: 3,
	})
	require.NoError(t, err)

	for i := byte(1); i <= 4; i++ {
		chunk, err := pub.Loan(16)
		require.NoError(t, err)
		chunk.Payload()[0] = i
		require.NoError(t, pub.Send(chunk))
	}

	sub, err := rt.NewSubscriber(ctx, itestSvc, runtime.SubscriberOptions{
		QueueCapacity:    8,
		RequestedHistory: 3,
		Policy:           queue.DiscardOldest,
	})
	require.NoError(t, err)

	waitFor(t, func() bool { return sub.State() == port.SubSubscribed },
		"late joiner never connected")

	for _, want := range []byte{2, 3, 4} {
		got := takeBlocking(t, ctx, sub)
		assert.Equal(t, want, got.Payload()[0])
		sub.Release(got)
	}

	require.NoError(t, sub.Close(ctx))
	require.NoError(t, pub.Close(ctx))
}

func TestBrokerCrashCleanup(t *testing.T) {
	cfg := testConfig()
	b, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dialCancel()

	// A keep-alive interval far beyond the broker threshold stands in for
	// a crashed process: registration succeeds, then the epoch goes stale.
	rt, err := runtime.Dial(dialCtx, "itest-crash",
		runtime.WithKeepAliveInterval(time.Hour))
	require.NoError(t, err)

	_, err = rt.NewPublisher(dialCtx, itestSvc, runtime.PublisherOptions{OfferOnCreate: true})
	require.NoError(t, err)
	_, err = rt.NewPublisher(dialCtx, itestSvc, runtime.PublisherOptions{OfferOnCreate: true})
	require.NoError(t, err)

	// The port pool's used counter is atomic and safe to poll from the
	// test while the dispatch goroutine works.
	waitFor(t, func() bool { return b.gate.PubPool.UsedChunkCount() == 2 },
		"ports never appeared")

	// Within keepAliveThresholdMs + discoveryIntervalMs the broker sweeps
	// the process and returns its port records.
	waitFor(t, func() bool { return b.gate.PubPool.UsedChunkCount() == 0 },
		"stale process was not swept")

	// A later subscriber must not see a stale offer.
	rt2, err := runtime.Dial(dialCtx, "itest-after-crash")
	require.NoError(t, err)
	defer rt2.Close(context.Background())

	sub, err := rt2.NewSubscriber(dialCtx, itestSvc, runtime.SubscriberOptions{QueueCapacity: 2})
	require.NoError(t, err)
	time.Sleep(3 * time.Duration(cfg.DiscoveryIntervalMs) * time.Millisecond)
	assert.Equal(t, port.SubWaitForOffer, sub.State())
	require.NoError(t, sub.Close(dialCtx))
}
