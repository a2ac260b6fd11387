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
	"context"
	"unsafe"

	"github.com/google/uuid"

	"shmbus/internal/mempool"
	"shmbus/internal/queue"
	"shmbus/internal/relptr"
	"shmbus/internal/shm"
)

// SubscriberPortSize is the in-segment size of one subscriber port record,
// delivery queue included.
const SubscriberPortSize = 5120

// Offsets within subscriberRecord. The delivery queue is laid out behind
// the fixed fields rather than as a struct member because its size comes
// from the queue package.
const (
	subEventOff = 0x100
	subHeldOff  = 0x140
	subQueueOff = 0x340
)

// subscriberRecord is the fixed layout of a subscriber port inside the
// management segment.
type subscriberRecord struct {
	desc     descriptor             // 0x000
	eventW   [shm.EventSize]byte    // 0x100: notification event words
	pad      [56]byte               // 0x108-0x13F
	held     [MaxHeldSamples]uint64 // 0x140: taken-but-unreleased ledger
	// delivery queue occupies [0x340, 0x340+queue.DeliveryQueueSize())
}

// Subscriber is a process-local view over a subscriber port record. The
// owning client drives Take/Release and blocks on the notification event;
// publisher processes push into the delivery queue; the broker connects,
// disconnects and tears down.
type Subscriber struct {
	reg *relptr.Registry
	ref relptr.Ref
	rec *subscriberRecord
	q   *queue.DeliveryQueue
	ev  *shm.Event
}

// InitSubscriberPort initialises a freshly claimed subscriber record. A
// subscriber port comes into existence because the client asked to
// subscribe, so it starts in SUBSCRIBE_REQUESTED.
func InitSubscriberPort(reg *relptr.Registry, ref relptr.Ref, svc ServiceDescription, uid uuid.UUID, portID uint64, pid uint32, qos QoS) *Subscriber {
	if qos.QueueCapacity == 0 {
		qos.QueueCapacity = 1
	}
	if qos.QueueCapacity > queue.MaxDeliveryCapacity {
		qos.QueueCapacity = queue.MaxDeliveryCapacity
	}

	base := ref.Resolve(reg)
	rec := (*subscriberRecord)(base)
	initDescriptor(&rec.desc, svc, uid, portID, RoleSubscriber, pid, qos, uint32(SubSubscribeRequested))

	s := &Subscriber{reg: reg, ref: ref, rec: rec}
	s.ev = shm.InitEventFromPtr(unsafe.Pointer(uintptr(base) + subEventOff))
	s.heldLedger().init()
	s.q = queue.InitDeliveryQueue(reg,
		relptr.PackRef(ref.Segment(), ref.Offset()+subQueueOff),
		uint64(qos.QueueCapacity), qos.Policy)
	return s
}

// SubscriberPortAt attaches to an existing subscriber record.
func SubscriberPortAt(reg *relptr.Registry, ref relptr.Ref) *Subscriber {
	base := ref.Resolve(reg)
	return &Subscriber{
		reg: reg,
		ref: ref,
		rec: (*subscriberRecord)(base),
		q:   queue.DeliveryQueueAt(reg, relptr.PackRef(ref.Segment(), ref.Offset()+subQueueOff)),
		ev:  shm.EventFromPtr(unsafe.Pointer(uintptr(base) + subEventOff)),
	}
}

// Ref returns the relative pointer to the port record.
func (s *Subscriber) Ref() relptr.Ref { return s.ref }

// Descriptor returns the port descriptor view.
func (s *Subscriber) Descriptor() Descriptor { return Descriptor{d: &s.rec.desc} }

// State returns the current subscription state.
func (s *Subscriber) State() SubscriberState {
	return SubscriberState(s.Descriptor().loadState())
}

// Queue returns the delivery queue view.
func (s *Subscriber) Queue() *queue.DeliveryQueue { return s.q }

// Notifier returns the notification event publishers signal after a push.
func (s *Subscriber) Notifier() *shm.Event { return s.ev }

func (s *Subscriber) heldLedger() usedList {
	return usedListAt(unsafe.Pointer(s.rec), unsafe.Offsetof(s.rec.held), MaxHeldSamples)
}

// Unsubscribe requests detachment from the matched publisher. The broker
// acknowledges on its next discovery pass.
func (s *Subscriber) Unsubscribe() {
	d := s.Descriptor()
	if d.casState(uint32(SubSubscribeRequested), uint32(SubNotSubscribed)) {
		return
	}
	if d.casState(uint32(SubWaitForOffer), uint32(SubNotSubscribed)) {
		return
	}
	d.casState(uint32(SubSubscribed), uint32(SubUnsubscribeRequested))
}

// Resubscribe re-arms a NOT_SUBSCRIBED port.
func (s *Subscriber) Resubscribe() {
	s.Descriptor().casState(uint32(SubNotSubscribed), uint32(SubSubscribeRequested))
}

// Broker-side acknowledgements.

// AckSubscribed marks the port connected: either freshly requested or
// promoted out of WAIT_FOR_OFFER.
func (s *Subscriber) AckSubscribed() {
	d := s.Descriptor()
	if !d.casState(uint32(SubSubscribeRequested), uint32(SubSubscribed)) {
		d.casState(uint32(SubWaitForOffer), uint32(SubSubscribed))
	}
}

// AckWaitForOffer parks the port until a matching offer appears.
func (s *Subscriber) AckWaitForOffer() {
	d := s.Descriptor()
	if !d.casState(uint32(SubSubscribeRequested), uint32(SubWaitForOffer)) {
		d.casState(uint32(SubSubscribed), uint32(SubWaitForOffer))
	}
}

// AckUnsubscribed completes an unsubscribe request.
func (s *Subscriber) AckUnsubscribed() {
	s.Descriptor().casState(uint32(SubUnsubscribeRequested), uint32(SubNotSubscribed))
}

// Take pops one chunk from the delivery queue. overflow reports, exactly
// once per overflow episode, that the queue dropped or rejected chunks
// since the previous Take. With an empty queue ErrEmpty is returned.
func (s *Subscriber) Take() (mempool.Chunk, bool, error) {
	overflow := s.q.TakeOverflowFlag()
	ref, ok := s.q.TryPop()
	if !ok {
		return mempool.Chunk{}, overflow, ErrEmpty
	}
	if !s.heldLedger().claim(ref) {
		// The ledger is the crash-cleanup ground truth; a sample that
		// cannot be tracked must not be handed out.
		mempool.ManagementAt(s.reg, ref).DecrementRefCount()
		return mempool.Chunk{}, overflow, ErrTooManySamples
	}
	return mempool.ChunkAt(s.reg, ref), overflow, nil
}

// Release returns a taken chunk. The last reference frees the block.
func (s *Subscriber) Release(chunk mempool.Chunk) {
	s.heldLedger().clear(chunk.Ref())
	chunk.Release()
}

// WaitForData blocks until the delivery queue is signalled or ctx is done.
// Spurious wakeups are possible; callers loop around Take.
func (s *Subscriber) WaitForData(ctx context.Context) error {
	return s.ev.Wait(ctx)
}

// DrainAndRelease empties the delivery queue and the held-samples ledger,
// dropping every reference. Called on teardown by the owning client or, if
// it crashed, by the broker.
func (s *Subscriber) DrainAndRelease() {
	for {
		ref, ok := s.q.TryPop()
		if !ok {
			break
		}
		mempool.ManagementAt(s.reg, ref).DecrementRefCount()
	}
	s.heldLedger().drain(func(ref relptr.Ref) {
		mempool.ManagementAt(s.reg, ref).DecrementRefCount()
	})
}
