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

package port

import (
	"testing"
	"unsafe"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shmbus/internal/mempool"
	"shmbus/internal/queue"
	"shmbus/internal/relptr"
)

// world is an in-process stand-in for the broker's segments: one data
// arena for chunks and one port arena for port records, both on heap
// memory behind a single registry.
type world struct {
	t          *testing.T
	reg        *relptr.Registry
	alloc      *mempool.Allocator
	pubPool    *mempool.MemPool
	subPool    *mempool.MemPool
	nextPortID uint64
}

func align64(v uint64) uint64 { return (v + 63) &^ 63 }

func newWorld(t *testing.T, cfg mempool.Config, portCount uint64) *world {
	t.Helper()
	reg := relptr.NewRegistry()

	dataMem := make([]byte, mempool.SegmentSize(cfg))
	require.NoError(t, reg.Register(2, unsafe.Pointer(&dataMem[0]), uint64(len(dataMem))))
	alloc, err := mempool.InitDataSegment(reg, 2, dataMem, cfg)
	require.NoError(t, err)

	pubStateOff := uint64(0)
	pubBlocksOff := align64(mempool.PoolStateSize(portCount))
	subStateOff := align64(pubBlocksOff + portCount*PublisherPortSize)
	subBlocksOff := align64(subStateOff + mempool.PoolStateSize(portCount))
	total := subBlocksOff + portCount*SubscriberPortSize

	portMem := make([]byte, total)
	require.NoError(t, reg.Register(3, unsafe.Pointer(&portMem[0]), total))

	return &world{
		t:          t,
		reg:        reg,
		alloc:      alloc,
		pubPool:    mempool.InitPool(reg, 3, pubStateOff, PublisherPortSize, portCount, pubBlocksOff),
		subPool:    mempool.InitPool(reg, 3, subStateOff, SubscriberPortSize, portCount, subBlocksOff),
		nextPortID: 1,
	}
}

var testSvc = ServiceDescription{Service: "radar", Instance: "front", Event: "objects"}

func (w *world) newPublisher(qos QoS) *Publisher {
	w.t.Helper()
	block, ok := w.pubPool.GetChunk()
	require.True(w.t, ok)
	id := w.nextPortID
	w.nextPortID++
	InitPublisherPort(w.reg, block, testSvc, uuid.New(), id, 100, qos)
	return PublisherPortAt(w.reg, block, w.alloc)
}

func (w *world) newSubscriber(qos QoS) *Subscriber {
	w.t.Helper()
	block, ok := w.subPool.GetChunk()
	require.True(w.t, ok)
	id := w.nextPortID
	w.nextPortID++
	InitSubscriberPort(w.reg, block, testSvc, uuid.New(), id, 200, qos)
	return SubscriberPortAt(w.reg, block)
}

// chunksInUse sums claimed blocks across payload pools.
func (w *world) chunksInUse() uint64 {
	var used uint64
	usage := w.alloc.Usage()
	for _, u := range usage[:len(usage)-1] {
		used += u.Used
	}
	return used
}

func TestRoundTrip(t *testing.T) {
	cfg := mempool.Config{Pools: []mempool.PoolEntry{{Size: 256, Count: 4}}}
	w := newWorld(t, cfg, 4)

	pub := w.newPublisher(QoS{OfferOnCreate: true})
	sub := w.newSubscriber(QoS{QueueCapacity: 4, Policy: queue.DiscardOldest})
	require.NoError(t, pub.ConnectSubscriber(sub.Ref()))
	sub.AckSubscribed()

	chunk, err := pub.Loan(128, 8)
	require.NoError(t, err)
	payload := chunk.Payload()
	for i := range payload {
		payload[i] = byte(i + 1) // 0x01..0x80
	}
	require.NoError(t, pub.Send(chunk))

	got, overflow, err := sub.Take()
	require.NoError(t, err)
	assert.False(t, overflow)
	gotPayload := got.Payload()
	require.Equal(t, 128, len(gotPayload))
	for i := range gotPayload {
		assert.Equal(t, byte(i+1), gotPayload[i])
	}
	assert.Equal(t, pub.Descriptor().PortID(), got.Header().OriginID())

	sub.Release(got)
	pub.ReleaseAll() // no history (capacity 0): Send already dropped the sender's reference

	assert.Equal(t, uint64(0), w.chunksInUse(), "pool reports all blocks free")
}

func TestSendOnNotOfferedPort(t *testing.T) {
	cfg := mempool.Config{Pools: []mempool.PoolEntry{{Size: 256, Count: 4}}}
	w := newWorld(t, cfg, 2)

	pub := w.newPublisher(QoS{})
	chunk, err := pub.Loan(16, 8)
	require.NoError(t, err)

	assert.ErrorIs(t, pub.Send(chunk), ErrNotOffered)
	pub.ReleaseLoan(chunk)
	assert.Equal(t, uint64(0), w.chunksInUse(), "no chunk leaks on protocol error")
}

func TestOverflowDiscardOldest(t *testing.T) {
	cfg := mempool.Config{Pools: []mempool.PoolEntry{{Size: 256, Count: 8}}}
	w := newWorld(t, cfg, 2)

	pub := w.newPublisher(QoS{OfferOnCreate: true})
	sub := w.newSubscriber(QoS{QueueCapacity: 2, Policy: queue.DiscardOldest})
	require.NoError(t, pub.ConnectSubscriber(sub.Ref()))

	for i := byte(1); i <= 3; i++ {
		chunk, err := pub.Loan(16, 8)
		require.NoError(t, err)
		chunk.Payload()[0] = i
		require.NoError(t, pub.Send(chunk))
	}

	// a was evicted: takes yield b, c, Empty; overflow exactly once.
	got, overflow, err := sub.Take()
	require.NoError(t, err)
	assert.True(t, overflow, "overflow surfaced on first take")
	assert.Equal(t, byte(2), got.Payload()[0])
	sub.Release(got)

	got, overflow, err = sub.Take()
	require.NoError(t, err)
	assert.False(t, overflow, "overflow flag cleared after surfacing")
	assert.Equal(t, byte(3), got.Payload()[0])
	sub.Release(got)

	_, overflow, err = sub.Take()
	assert.ErrorIs(t, err, ErrEmpty)
	assert.False(t, overflow)

	pub.ReleaseAll()
	assert.Equal(t, uint64(0), w.chunksInUse())
}

func TestOverflowRejectNew(t *testing.T) {
	cfg := mempool.Config{Pools: []mempool.PoolEntry{{Size: 256, Count: 8}}}
	w := newWorld(t, cfg, 2)

	// Zero history so the sender's own reference is dropped after fan-out
	// and rejected chunks return to the pool immediately.
	pub := w.newPublisher(QoS{OfferOnCreate: true, HistoryCapacity: 0})
	sub := w.newSubscriber(QoS{QueueCapacity: 2, Policy: queue.RejectNew})
	require.NoError(t, pub.ConnectSubscriber(sub.Ref()))

	for i := byte(1); i <= 3; i++ {
		chunk, err := pub.Loan(16, 8)
		require.NoError(t, err)
		chunk.Payload()[0] = i
		// Publisher-side send succeeds: rejection happens per subscriber
		// queue, not at the sender.
		require.NoError(t, pub.Send(chunk))
	}

	// Chunk c was rejected and its count rolled back: only a and b are in
	// flight.
	assert.Equal(t, uint64(2), w.chunksInUse())

	got, overflow, err := sub.Take()
	require.NoError(t, err)
	assert.True(t, overflow)
	assert.Equal(t, byte(1), got.Payload()[0])
	sub.Release(got)

	got, _, err = sub.Take()
	require.NoError(t, err)
	assert.Equal(t, byte(2), got.Payload()[0])
	sub.Release(got)

	_, _, err = sub.Take()
	assert.ErrorIs(t, err, ErrEmpty)

	assert.Equal(t, uint64(0), w.chunksInUse(), "block free after releases")
}

func TestLateJoinHistory(t *testing.T) {
	cfg := mempool.Config{Pools: []mempool.PoolEntry{{Size: 256, Count: 8}}}
	w := newWorld(t, cfg, 2)

	pub := w.newPublisher(QoS{OfferOnCreate: true, HistoryCapacity: 3})

	for i := byte(1); i <= 4; i++ {
		chunk, err := pub.Loan(16, 8)
		require.NoError(t, err)
		chunk.Payload()[0] = i
		require.NoError(t, pub.Send(chunk))
	}

	sub := w.newSubscriber(QoS{QueueCapacity: 8, Policy: queue.DiscardOldest, RequestedHistory: 3})
	require.NoError(t, pub.ConnectSubscriber(sub.Ref()))

	// min(N, H) most recent sends, in send order: 2, 3, 4.
	for _, want := range []byte{2, 3, 4} {
		got, _, err := sub.Take()
		require.NoError(t, err)
		assert.Equal(t, want, got.Payload()[0])
		sub.Release(got)
	}
	_, _, err := sub.Take()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestHistoryThenLiveNeverInterleaves(t *testing.T) {
	cfg := mempool.Config{Pools: []mempool.PoolEntry{{Size: 256, Count: 16}}}
	w := newWorld(t, cfg, 2)

	pub := w.newPublisher(QoS{OfferOnCreate: true, HistoryCapacity: 2})
	for i := byte(1); i <= 2; i++ {
		chunk, err := pub.Loan(16, 8)
		require.NoError(t, err)
		chunk.Payload()[0] = i
		require.NoError(t, pub.Send(chunk))
	}

	sub := w.newSubscriber(QoS{QueueCapacity: 8, Policy: queue.DiscardOldest, RequestedHistory: 2})
	require.NoError(t, pub.ConnectSubscriber(sub.Ref()))

	chunk, err := pub.Loan(16, 8)
	require.NoError(t, err)
	chunk.Payload()[0] = 3
	require.NoError(t, pub.Send(chunk))

	for _, want := range []byte{1, 2, 3} {
		got, _, err := sub.Take()
		require.NoError(t, err)
		assert.Equal(t, want, got.Payload()[0], "history first, then live")
		sub.Release(got)
	}
}

func TestLimitedHistoryReplay(t *testing.T) {
	cfg := mempool.Config{Pools: []mempool.PoolEntry{{Size: 256, Count: 8}}}
	w := newWorld(t, cfg, 2)

	pub := w.newPublisher(QoS{OfferOnCreate: true, HistoryCapacity: 3})
	for i := byte(1); i <= 2; i++ {
		chunk, err := pub.Loan(16, 8)
		require.NoError(t, err)
		chunk.Payload()[0] = i
		require.NoError(t, pub.Send(chunk))
	}

	// Fewer sends than requested history: replay is truncated to what
	// exists.
	sub := w.newSubscriber(QoS{QueueCapacity: 8, Policy: queue.DiscardOldest, RequestedHistory: 3})
	require.NoError(t, pub.ConnectSubscriber(sub.Ref()))

	for _, want := range []byte{1, 2} {
		got, _, err := sub.Take()
		require.NoError(t, err)
		assert.Equal(t, want, got.Payload()[0])
		sub.Release(got)
	}
	_, _, err := sub.Take()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestPerPublisherOrder(t *testing.T) {
	cfg := mempool.Config{Pools: []mempool.PoolEntry{{Size: 256, Count: 64}}}
	w := newWorld(t, cfg, 2)

	pub := w.newPublisher(QoS{OfferOnCreate: true})
	sub := w.newSubscriber(QoS{QueueCapacity: 64, Policy: queue.DiscardOldest})
	require.NoError(t, pub.ConnectSubscriber(sub.Ref()))

	for i := 0; i < 32; i++ {
		chunk, err := pub.Loan(16, 8)
		require.NoError(t, err)
		chunk.Payload()[0] = byte(i)
		require.NoError(t, pub.Send(chunk))
	}

	var lastSeq uint64
	for i := 0; i < 32; i++ {
		got, _, err := sub.Take()
		require.NoError(t, err)
		assert.Equal(t, byte(i), got.Payload()[0])
		if i > 0 {
			assert.Equal(t, lastSeq+1, got.Header().Sequence(), "sequence numbers are dense")
		}
		lastSeq = got.Header().Sequence()
		sub.Release(got)
	}
}

func TestOfferStateMachine(t *testing.T) {
	cfg := mempool.Config{Pools: []mempool.PoolEntry{{Size: 256, Count: 4}}}
	w := newWorld(t, cfg, 2)

	pub := w.newPublisher(QoS{})
	assert.Equal(t, PubNotOffered, pub.State())

	pub.Offer()
	assert.Equal(t, PubOfferRequested, pub.State())
	assert.True(t, pub.AckOffer())
	assert.Equal(t, PubOffered, pub.State())

	pub.StopOffer()
	assert.Equal(t, PubStopOfferRequested, pub.State())
	assert.True(t, pub.AckStopOffer())
	assert.Equal(t, PubNotOffered, pub.State())

	// Offer withdrawn before the broker saw it collapses directly.
	pub.Offer()
	pub.StopOffer()
	assert.Equal(t, PubNotOffered, pub.State())
}

func TestSubscriberStateMachine(t *testing.T) {
	cfg := mempool.Config{Pools: []mempool.PoolEntry{{Size: 256, Count: 4}}}
	w := newWorld(t, cfg, 2)

	sub := w.newSubscriber(QoS{QueueCapacity: 2})
	assert.Equal(t, SubSubscribeRequested, sub.State())

	sub.AckWaitForOffer()
	assert.Equal(t, SubWaitForOffer, sub.State())

	sub.AckSubscribed()
	assert.Equal(t, SubSubscribed, sub.State())

	sub.Unsubscribe()
	assert.Equal(t, SubUnsubscribeRequested, sub.State())
	sub.AckUnsubscribed()
	assert.Equal(t, SubNotSubscribed, sub.State())

	sub.Resubscribe()
	assert.Equal(t, SubSubscribeRequested, sub.State())
}

func TestTooManyLoans(t *testing.T) {
	cfg := mempool.Config{Pools: []mempool.PoolEntry{{Size: 256, Count: 16}}}
	w := newWorld(t, cfg, 2)

	pub := w.newPublisher(QoS{OfferOnCreate: true})
	var chunks []mempool.Chunk
	for i := 0; i < MaxInFlightLoans; i++ {
		chunk, err := pub.Loan(16, 8)
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}

	_, err := pub.Loan(16, 8)
	assert.ErrorIs(t, err, ErrTooManyLoans)

	for _, c := range chunks {
		pub.ReleaseLoan(c)
	}
	assert.Equal(t, uint64(0), w.chunksInUse())
}

func TestConnectionListFull(t *testing.T) {
	cfg := mempool.Config{Pools: []mempool.PoolEntry{{Size: 256, Count: 4}}}
	w := newWorld(t, cfg, MaxSubscribersPerPublisher+2)

	pub := w.newPublisher(QoS{OfferOnCreate: true})
	for i := 0; i < MaxSubscribersPerPublisher; i++ {
		sub := w.newSubscriber(QoS{QueueCapacity: 1})
		require.NoError(t, pub.ConnectSubscriber(sub.Ref()))
	}

	extra := w.newSubscriber(QoS{QueueCapacity: 1})
	assert.ErrorIs(t, pub.ConnectSubscriber(extra.Ref()), ErrTooManyConsumers)
}

func TestDisconnectStopsDelivery(t *testing.T) {
	cfg := mempool.Config{Pools: []mempool.PoolEntry{{Size: 256, Count: 8}}}
	w := newWorld(t, cfg, 2)

	pub := w.newPublisher(QoS{OfferOnCreate: true})
	sub := w.newSubscriber(QoS{QueueCapacity: 4, Policy: queue.DiscardOldest})
	require.NoError(t, pub.ConnectSubscriber(sub.Ref()))

	chunk, err := pub.Loan(16, 8)
	require.NoError(t, err)
	require.NoError(t, pub.Send(chunk))

	pub.DisconnectSubscriber(sub.Ref())

	chunk, err = pub.Loan(16, 8)
	require.NoError(t, err)
	require.NoError(t, pub.Send(chunk))

	// Only the pre-disconnect chunk arrives; it is still released cleanly.
	got, _, err := sub.Take()
	require.NoError(t, err)
	sub.Release(got)
	_, _, err = sub.Take()
	assert.ErrorIs(t, err, ErrEmpty)

	pub.ReleaseAll()
	sub.DrainAndRelease()
	assert.Equal(t, uint64(0), w.chunksInUse())
}

func TestTeardownReleasesEverything(t *testing.T) {
	cfg := mempool.Config{Pools: []mempool.PoolEntry{{Size: 256, Count: 16}}}
	w := newWorld(t, cfg, 2)

	pub := w.newPublisher(QoS{OfferOnCreate: true, HistoryCapacity: 4})
	sub := w.newSubscriber(QoS{QueueCapacity: 4, Policy: queue.DiscardOldest})
	require.NoError(t, pub.ConnectSubscriber(sub.Ref()))

	// Leave chunks everywhere: a loan, history entries, queued deliveries
	// and a taken-but-unreleased sample.
	for i := 0; i < 4; i++ {
		chunk, err := pub.Loan(16, 8)
		require.NoError(t, err)
		require.NoError(t, pub.Send(chunk))
	}
	_, err := pub.Loan(16, 8)
	require.NoError(t, err)
	_, _, err = sub.Take()
	require.NoError(t, err)

	require.NotZero(t, w.chunksInUse())

	// Broker-side teardown after a crash: ledgers, history and queue give
	// every block back.
	pub.DisconnectSubscriber(sub.Ref())
	pub.ReleaseAll()
	sub.DrainAndRelease()

	assert.Equal(t, uint64(0), w.chunksInUse(), "crash cleanup returns all chunks")
}

func TestDescriptorIdentity(t *testing.T) {
	cfg := mempool.Config{Pools: []mempool.PoolEntry{{Size: 256, Count: 4}}}
	w := newWorld(t, cfg, 2)

	pub := w.newPublisher(QoS{HistoryCapacity: 3})
	d := pub.Descriptor()
	assert.Equal(t, testSvc, d.Service())
	assert.Equal(t, RolePublisher, d.Role())
	assert.Equal(t, uint32(100), d.PID())
	assert.Equal(t, uint32(3), d.QoS().HistoryCapacity)
	assert.NotEqual(t, uuid.Nil, d.UID())
}
