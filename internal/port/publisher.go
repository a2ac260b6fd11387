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
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"

	"shmbus/internal/mempool"
	"shmbus/internal/relptr"
)

// PublisherPortSize is the in-segment size of one publisher port record.
const PublisherPortSize = 1024

// publisherRecord is the fixed layout of a publisher port inside the
// management segment.
type publisherRecord struct {
	desc      descriptor                          // 0x000
	sendSeq   uint64                              // 0x100: next sequence number
	loanCount uint64                              // 0x108: observational loan counter
	histHead  uint64                              // 0x110: monotonic history append count
	reserved  [40]byte                            // 0x118-0x13F
	history   [MaxHistoryCapacity]uint64          // 0x140: ring of recent chunk refs
	loans     [MaxInFlightLoans]uint64            // 0x1C0: outstanding-loan ledger
	conns     [MaxSubscribersPerPublisher]uint64  // 0x200: connected subscriber refs
}

// Publisher is a process-local view over a publisher port record. The
// owning client drives Loan/Send/Offer/StopOffer; the broker drives
// connect, disconnect and teardown. All mutation is lock-free.
type Publisher struct {
	reg   *relptr.Registry
	ref   relptr.Ref
	rec   *publisherRecord
	alloc *mempool.Allocator
}

// InitPublisherPort initialises a freshly claimed publisher record. The
// initial state is OFFERED or NOT_OFFERED depending on QoS.
func InitPublisherPort(reg *relptr.Registry, ref relptr.Ref, svc ServiceDescription, uid uuid.UUID, portID uint64, pid uint32, qos QoS) *Publisher {
	p := PublisherPortAt(reg, ref, nil)
	initial := uint32(PubNotOffered)
	if qos.OfferOnCreate {
		initial = uint32(PubOffered)
	}
	if qos.HistoryCapacity > MaxHistoryCapacity {
		qos.HistoryCapacity = MaxHistoryCapacity
	}
	initDescriptor(&p.rec.desc, svc, uid, portID, RolePublisher, pid, qos, initial)
	atomic.StoreUint64(&p.rec.sendSeq, 0)
	atomic.StoreUint64(&p.rec.loanCount, 0)
	atomic.StoreUint64(&p.rec.histHead, 0)
	p.loanLedger().init()
	for i := range p.rec.conns {
		atomic.StoreUint64(&p.rec.conns[i], 0)
	}
	return p
}

// PublisherPortAt attaches to an existing publisher record. alloc may be
// nil for views that never loan (the broker's).
func PublisherPortAt(reg *relptr.Registry, ref relptr.Ref, alloc *mempool.Allocator) *Publisher {
	return &Publisher{
		reg:   reg,
		ref:   ref,
		rec:   (*publisherRecord)(ref.Resolve(reg)),
		alloc: alloc,
	}
}

// Ref returns the relative pointer to the port record.
func (p *Publisher) Ref() relptr.Ref { return p.ref }

// Descriptor returns the port descriptor view.
func (p *Publisher) Descriptor() Descriptor { return Descriptor{d: &p.rec.desc} }

// State returns the current chunk-sender state.
func (p *Publisher) State() PublisherState {
	return PublisherState(p.Descriptor().loadState())
}

func (p *Publisher) loanLedger() usedList {
	return usedListAt(unsafe.Pointer(p.rec), unsafe.Offsetof(p.rec.loans), MaxInFlightLoans)
}

// Offer requests the OFFERED state. The broker acknowledges on its next
// discovery pass; until then the port reports OFFER_REQUESTED.
func (p *Publisher) Offer() {
	p.Descriptor().casState(uint32(PubNotOffered), uint32(PubOfferRequested))
}

// StopOffer requests withdrawal of the offer.
func (p *Publisher) StopOffer() {
	d := p.Descriptor()
	if d.casState(uint32(PubOfferRequested), uint32(PubNotOffered)) {
		return
	}
	d.casState(uint32(PubOffered), uint32(PubStopOfferRequested))
}

// AckOffer is the broker-side acknowledgement OFFER_REQUESTED -> OFFERED.
func (p *Publisher) AckOffer() bool {
	return p.Descriptor().casState(uint32(PubOfferRequested), uint32(PubOffered))
}

// AckStopOffer is the broker-side acknowledgement STOP_OFFER_REQUESTED ->
// NOT_OFFERED.
func (p *Publisher) AckStopOffer() bool {
	return p.Descriptor().casState(uint32(PubStopOfferRequested), uint32(PubNotOffered))
}

// Loan claims a chunk for a payload of the given size and alignment. The
// chunk is tracked in the outstanding-loan ledger until Send or Release so
// a crashed publisher cannot leak it.
func (p *Publisher) Loan(payloadSize, payloadAlign uint32) (mempool.Chunk, error) {
	chunk, err := p.alloc.Loan(payloadSize, payloadAlign)
	if err != nil {
		return mempool.Chunk{}, err
	}
	if !p.loanLedger().claim(chunk.Ref()) {
		chunk.Release()
		return mempool.Chunk{}, ErrTooManyLoans
	}
	atomic.AddUint64(&p.rec.loanCount, 1)
	return chunk, nil
}

// ReleaseLoan returns a loaned chunk without sending it.
func (p *Publisher) ReleaseLoan(chunk mempool.Chunk) {
	p.loanLedger().clear(chunk.Ref())
	atomic.AddUint64(&p.rec.loanCount, ^uint64(0))
	chunk.Release()
}

// Send delivers a loaned chunk to every connected subscriber and appends
// it to the history ring. The sender's own reference moves into the
// history; with a zero history capacity it is dropped after fan-out.
//
// Each subscriber's reference count is incremented before the push, so a
// consumer can never observe a chunk whose count does not yet cover it. A
// rejected push rolls the increment back; an evicted reference is
// decremented by the pushing side.
func (p *Publisher) Send(chunk mempool.Chunk) error {
	if p.State() != PubOffered {
		return ErrNotOffered
	}

	ref := chunk.Ref()
	m := chunk.Management()

	seq := atomic.AddUint64(&p.rec.sendSeq, 1) - 1
	mempool.StampSend(chunk.Header(), p.Descriptor().PortID(), seq)

	p.loanLedger().clear(ref)
	atomic.AddUint64(&p.rec.loanCount, ^uint64(0))

	// Move the sender's reference into the history ring, releasing the
	// evicted entry when the ring was full.
	h := uint64(p.rec.desc.historyCapacity)
	if h > 0 {
		head := atomic.LoadUint64(&p.rec.histHead)
		if head >= h {
			old := relptr.Ref(atomic.LoadUint64(&p.rec.history[head%h]))
			if !old.IsNull() {
				mempool.ManagementAt(p.reg, old).DecrementRefCount()
			}
		}
		atomic.StoreUint64(&p.rec.history[head%h], uint64(ref))
		atomic.StoreUint64(&p.rec.histHead, head+1)
	}

	p.fanOut(ref, m)

	if h == 0 {
		m.DecrementRefCount()
	}
	return nil
}

func (p *Publisher) fanOut(ref relptr.Ref, m mempool.Management) {
	for i := range p.rec.conns {
		subRef := relptr.Ref(atomic.LoadUint64(&p.rec.conns[i]))
		if subRef.IsNull() {
			continue
		}
		sub := SubscriberPortAt(p.reg, subRef)
		m.IncrementRefCount()
		ok := sub.Queue().Push(ref, func(evicted relptr.Ref) {
			mempool.ManagementAt(p.reg, evicted).DecrementRefCount()
		})
		if !ok {
			m.DecrementRefCount()
			continue
		}
		sub.Notifier().Signal()
	}
}

// ConnectSubscriber links a subscriber queue to this publisher and replays
// up to the subscriber's requested history, oldest first, with the same
// reference-count discipline as Send. Called on the broker's dispatch
// thread.
func (p *Publisher) ConnectSubscriber(subRef relptr.Ref) error {
	claimed := false
	for i := range p.rec.conns {
		if atomic.CompareAndSwapUint64(&p.rec.conns[i], 0, uint64(subRef)) {
			claimed = true
			break
		}
	}
	if !claimed {
		return ErrTooManyConsumers
	}

	sub := SubscriberPortAt(p.reg, subRef)
	want := uint64(sub.Descriptor().QoS().RequestedHistory)
	h := uint64(p.rec.desc.historyCapacity)
	if want == 0 || h == 0 {
		return nil
	}

	head := atomic.LoadUint64(&p.rec.histHead)
	avail := head
	if avail > h {
		avail = h
	}
	if want > avail {
		want = avail
	}
	if want == 0 {
		return nil
	}

	for i := head - want; i < head; i++ {
		ref := relptr.Ref(atomic.LoadUint64(&p.rec.history[i%h]))
		if ref.IsNull() {
			continue
		}
		m := mempool.ManagementAt(p.reg, ref)
		m.IncrementRefCount()
		if !sub.Queue().Push(ref, func(evicted relptr.Ref) {
			mempool.ManagementAt(p.reg, evicted).DecrementRefCount()
		}) {
			m.DecrementRefCount()
		}
	}
	sub.Notifier().Signal()
	return nil
}

// DisconnectSubscriber unlinks a subscriber queue. Chunks already in its
// queue keep their counts; the subscriber's own teardown releases them.
func (p *Publisher) DisconnectSubscriber(subRef relptr.Ref) {
	for i := range p.rec.conns {
		atomic.CompareAndSwapUint64(&p.rec.conns[i], uint64(subRef), 0)
	}
}

// Connections returns the currently linked subscriber references.
func (p *Publisher) Connections() []relptr.Ref {
	var out []relptr.Ref
	for i := range p.rec.conns {
		if v := atomic.LoadUint64(&p.rec.conns[i]); v != 0 {
			out = append(out, relptr.Ref(v))
		}
	}
	return out
}

// ReleaseAll drops every chunk reference the port still owns: the history
// ring and any outstanding loans. Called by the broker when the port is
// removed, including after a crash.
func (p *Publisher) ReleaseAll() {
	h := uint64(p.rec.desc.historyCapacity)
	if h > 0 {
		head := atomic.LoadUint64(&p.rec.histHead)
		count := head
		if count > h {
			count = h
		}
		for i := head - count; i < head; i++ {
			ref := relptr.Ref(atomic.SwapUint64(&p.rec.history[i%h], 0))
			if !ref.IsNull() {
				mempool.ManagementAt(p.reg, ref).DecrementRefCount()
			}
		}
		atomic.StoreUint64(&p.rec.histHead, 0)
	}
	p.loanLedger().drain(func(ref relptr.Ref) {
		mempool.ManagementAt(p.reg, ref).DecrementRefCount()
	})
}
