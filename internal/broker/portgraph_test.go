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
	"log/slog"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shmbus/internal/control"
	"shmbus/internal/mempool"
	"shmbus/internal/port"
	"shmbus/internal/relptr"
)

// graphWorld builds a port graph over heap-backed pools, bypassing the
// shared-memory gate; the graph itself only needs the pools and a registry.
type graphWorld struct {
	reg   *relptr.Registry
	alloc *mempool.Allocator
	graph *PortGraph
	gate  *control.Gate
}

func align64(v uint64) uint64 { return (v + 63) &^ 63 }

func newGraphWorld(t *testing.T) *graphWorld {
	t.Helper()
	reg := relptr.NewRegistry()

	cfg := mempool.Config{Pools: []mempool.PoolEntry{{Size: 256, Count: 16}}}
	dataMem := make([]byte, mempool.SegmentSize(cfg))
	require.NoError(t, reg.Register(2, unsafe.Pointer(&dataMem[0]), uint64(len(dataMem))))
	alloc, err := mempool.InitDataSegment(reg, 2, dataMem, cfg)
	require.NoError(t, err)

	const portCount = 8
	pubStateOff := uint64(0)
	pubBlocksOff := align64(mempool.PoolStateSize(portCount))
	subStateOff := align64(pubBlocksOff + portCount*port.PublisherPortSize)
	subBlocksOff := align64(subStateOff + mempool.PoolStateSize(portCount))
	total := subBlocksOff + portCount*port.SubscriberPortSize
	portMem := make([]byte, total)
	require.NoError(t, reg.Register(3, unsafe.Pointer(&portMem[0]), total))

	gate := &control.Gate{
		PubPool: mempool.InitPool(reg, 3, pubStateOff, port.PublisherPortSize, portCount, pubBlocksOff),
		SubPool: mempool.InitPool(reg, 3, subStateOff, port.SubscriberPortSize, portCount, subBlocksOff),
	}

	bcfg := DefaultConfig()
	bcfg.MaxPublishers = 4
	bcfg.MaxSubscribers = 4
	graph := NewPortGraph(reg, gate, bcfg, slog.Default(), NewMetrics())
	return &graphWorld{reg: reg, alloc: alloc, graph: graph, gate: gate}
}

var graphSvc = port.ServiceDescription{Service: "lidar", Instance: "roof", Event: "points"}

func (w *graphWorld) publisherView(ref relptr.Ref) *port.Publisher {
	return port.PublisherPortAt(w.reg, ref, w.alloc)
}

func (w *graphWorld) subscriberView(ref relptr.Ref) *port.Subscriber {
	return port.SubscriberPortAt(w.reg, ref)
}

func TestGraphMatchOnCreate(t *testing.T) {
	w := newGraphWorld(t)

	pubRef, err := w.graph.CreatePublisherPort(graphSvc, 10, port.QoS{OfferOnCreate: true})
	require.NoError(t, err)
	subRef, err := w.graph.CreateSubscriberPort(graphSvc, 20, port.QoS{QueueCapacity: 4})
	require.NoError(t, err)

	sub := w.subscriberView(subRef)
	assert.Equal(t, port.SubSubscribed, sub.State(), "matching publisher exists: connect immediately")

	pub := w.publisherView(pubRef)
	require.Len(t, pub.Connections(), 1)
	assert.Equal(t, subRef, pub.Connections()[0])
}

func TestGraphWaitForOfferPromotion(t *testing.T) {
	w := newGraphWorld(t)

	subRef, err := w.graph.CreateSubscriberPort(graphSvc, 20, port.QoS{QueueCapacity: 4})
	require.NoError(t, err)
	sub := w.subscriberView(subRef)
	assert.Equal(t, port.SubWaitForOffer, sub.State(), "no offer yet")

	_, err = w.graph.CreatePublisherPort(graphSvc, 10, port.QoS{OfferOnCreate: true})
	require.NoError(t, err)
	assert.Equal(t, port.SubSubscribed, sub.State(), "promoted when the offer appeared")
}

func TestGraphNoMatchDifferentTopic(t *testing.T) {
	w := newGraphWorld(t)

	other := port.ServiceDescription{Service: "lidar", Instance: "roof", Event: "reflectivity"}
	_, err := w.graph.CreatePublisherPort(other, 10, port.QoS{OfferOnCreate: true})
	require.NoError(t, err)

	subRef, err := w.graph.CreateSubscriberPort(graphSvc, 20, port.QoS{QueueCapacity: 4})
	require.NoError(t, err)
	assert.Equal(t, port.SubWaitForOffer, w.subscriberView(subRef).State(),
		"matching is exact string equality on all three identifiers")
}

func TestGraphQoSCheck(t *testing.T) {
	w := newGraphWorld(t)

	_, err := w.graph.CreatePublisherPort(graphSvc, 10, port.QoS{OfferOnCreate: true, HistoryCapacity: 3})
	require.NoError(t, err)

	subRef, err := w.graph.CreateSubscriberPort(graphSvc, 20,
		port.QoS{QueueCapacity: 4, RequestedHistory: 5})
	require.NoError(t, err)
	assert.Equal(t, port.SubWaitForOffer, w.subscriberView(subRef).State(),
		"requested history above publisher history must not connect")
}

func TestGraphOfferRequestedTick(t *testing.T) {
	w := newGraphWorld(t)

	pubRef, err := w.graph.CreatePublisherPort(graphSvc, 10, port.QoS{})
	require.NoError(t, err)
	subRef, err := w.graph.CreateSubscriberPort(graphSvc, 20, port.QoS{QueueCapacity: 4})
	require.NoError(t, err)

	pub := w.publisherView(pubRef)
	sub := w.subscriberView(subRef)
	assert.Equal(t, port.SubWaitForOffer, sub.State())

	pub.Offer()
	w.graph.Tick()
	assert.Equal(t, port.PubOffered, pub.State())
	assert.Equal(t, port.SubSubscribed, sub.State())

	pub.StopOffer()
	w.graph.Tick()
	assert.Equal(t, port.PubNotOffered, pub.State())
	assert.Equal(t, port.SubWaitForOffer, sub.State(), "disconnect parks the subscriber")
	assert.Empty(t, pub.Connections())
}

func TestGraphUnsubscribeTick(t *testing.T) {
	w := newGraphWorld(t)

	pubRef, err := w.graph.CreatePublisherPort(graphSvc, 10, port.QoS{OfferOnCreate: true})
	require.NoError(t, err)
	subRef, err := w.graph.CreateSubscriberPort(graphSvc, 20, port.QoS{QueueCapacity: 4})
	require.NoError(t, err)

	sub := w.subscriberView(subRef)
	sub.Unsubscribe()
	w.graph.Tick()

	assert.Equal(t, port.SubNotSubscribed, sub.State())
	assert.Empty(t, w.publisherView(pubRef).Connections())
}

func TestGraphRemovePublisher(t *testing.T) {
	w := newGraphWorld(t)

	pubRef, err := w.graph.CreatePublisherPort(graphSvc, 10,
		port.QoS{OfferOnCreate: true, HistoryCapacity: 2})
	require.NoError(t, err)
	subRef, err := w.graph.CreateSubscriberPort(graphSvc, 20, port.QoS{QueueCapacity: 4})
	require.NoError(t, err)

	pub := w.publisherView(pubRef)
	chunk, err := pub.Loan(16, 8)
	require.NoError(t, err)
	require.NoError(t, pub.Send(chunk))

	require.NoError(t, w.graph.RemovePort(pubRef))

	assert.Equal(t, port.SubWaitForOffer, w.subscriberView(subRef).State())
	assert.Equal(t, uint64(0), w.gate.PubPool.UsedChunkCount(), "port record returned")

	// The delivered chunk is still readable by the subscriber and frees
	// cleanly afterwards.
	sub := w.subscriberView(subRef)
	got, _, err := sub.Take()
	require.NoError(t, err)
	sub.Release(got)
	assert.Equal(t, uint64(0), w.alloc.Usage()[0].Used)
}

func TestGraphRemoveUnknownPort(t *testing.T) {
	w := newGraphWorld(t)
	assert.Error(t, w.graph.RemovePort(relptr.PackRef(3, 0)))
}

func TestGraphCrashCleanup(t *testing.T) {
	w := newGraphWorld(t)

	// Two publishers in one process, chunks in flight.
	pubRef1, err := w.graph.CreatePublisherPort(graphSvc, 42,
		port.QoS{OfferOnCreate: true, HistoryCapacity: 2})
	require.NoError(t, err)
	pubRef2, err := w.graph.CreatePublisherPort(graphSvc, 42, port.QoS{OfferOnCreate: true})
	require.NoError(t, err)

	pub1 := w.publisherView(pubRef1)
	chunk, err := pub1.Loan(16, 8)
	require.NoError(t, err)
	require.NoError(t, pub1.Send(chunk))
	_, err = pub1.Loan(16, 8)
	require.NoError(t, err)

	require.NotZero(t, w.alloc.Usage()[0].Used)

	// The owning process dies; discovery removes its ports as if by
	// RemovePort.
	w.graph.RemoveProcessPorts(42)

	pubs, _ := w.graph.Counts()
	assert.Zero(t, pubs)
	assert.Equal(t, uint64(0), w.gate.PubPool.UsedChunkCount())
	assert.Equal(t, uint64(0), w.alloc.Usage()[0].Used, "all chunks returned to the pool")

	// A later subscriber must not see a stale offer.
	subRef, err := w.graph.CreateSubscriberPort(graphSvc, 43, port.QoS{QueueCapacity: 2})
	require.NoError(t, err)
	assert.Equal(t, port.SubWaitForOffer, w.subscriberView(subRef).State())
	_ = pubRef2
}

func TestGraphPortLimits(t *testing.T) {
	w := newGraphWorld(t)

	for i := 0; i < 4; i++ {
		_, err := w.graph.CreatePublisherPort(graphSvc, 10, port.QoS{})
		require.NoError(t, err)
	}
	_, err := w.graph.CreatePublisherPort(graphSvc, 10, port.QoS{})
	assert.ErrorIs(t, err, ErrTooManyPorts)

	for i := 0; i < 4; i++ {
		_, err := w.graph.CreateSubscriberPort(graphSvc, 20, port.QoS{QueueCapacity: 1})
		require.NoError(t, err)
	}
	_, err = w.graph.CreateSubscriberPort(graphSvc, 20, port.QoS{QueueCapacity: 1})
	assert.ErrorIs(t, err, ErrTooManyPorts)
}
