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

package queue

import (
	"sync/atomic"

	"shmbus/internal/relptr"
)

// OverflowPolicy selects what a full delivery queue does with new chunks.
type OverflowPolicy uint32

const (
	// DiscardOldest evicts the oldest queued chunk to make room. A push
	// never fails under this policy.
	DiscardOldest OverflowPolicy = iota
	// RejectNew refuses the new chunk and leaves the queue untouched.
	RejectNew
)

// String returns the policy name.
func (p OverflowPolicy) String() string {
	switch p {
	case DiscardOldest:
		return "DISCARD_OLDEST"
	case RejectNew:
		return "REJECT_NEW"
	default:
		return "unknown"
	}
}

// MaxDeliveryCapacity is the physical slot count of every delivery queue.
// The subscriber's requested capacity is enforced logically on top, so all
// queues have one fixed in-segment footprint.
const MaxDeliveryCapacity = 256

const deliveryHeaderSize = 64

// deliveryHeader precedes the embedded index queue.
type deliveryHeader struct {
	capacity uint64   // 0x00: logical capacity Q (<= MaxDeliveryCapacity)
	policy   uint32   // 0x08: OverflowPolicy
	overflow uint32   // 0x0C: sticky overflow flag, cleared by TakeOverflowFlag
	count    uint64   // 0x10: logical occupancy, reserved before the physical push
	reserved [40]byte // 0x18-0x3F
}

// DeliveryQueue is the bounded queue of chunk references feeding one
// subscriber. Pushes come from publisher processes, pops from the
// subscriber; the broker drains it on teardown.
type DeliveryQueue struct {
	hdr *deliveryHeader
	iq  *IndexQueue
}

// DeliveryQueueSize returns the fixed in-segment footprint.
func DeliveryQueueSize() uint64 {
	return deliveryHeaderSize + IndexQueueSize(MaxDeliveryCapacity)
}

// InitDeliveryQueue initialises a delivery queue at ref with the given
// logical capacity and policy. Capacities are clamped to
// [1, MaxDeliveryCapacity].
func InitDeliveryQueue(reg *relptr.Registry, ref relptr.Ref, capacity uint64, policy OverflowPolicy) *DeliveryQueue {
	if capacity == 0 {
		capacity = 1
	}
	if capacity > MaxDeliveryCapacity {
		capacity = MaxDeliveryCapacity
	}
	d := deliveryAt(reg, ref, false)
	d.hdr.capacity = capacity
	atomic.StoreUint32(&d.hdr.policy, uint32(policy))
	atomic.StoreUint32(&d.hdr.overflow, 0)
	atomic.StoreUint64(&d.hdr.count, 0)
	d.iq = InitIndexQueue(reg, relptr.PackRef(ref.Segment(), ref.Offset()+deliveryHeaderSize), MaxDeliveryCapacity)
	return d
}

// DeliveryQueueAt attaches to an initialised delivery queue.
func DeliveryQueueAt(reg *relptr.Registry, ref relptr.Ref) *DeliveryQueue {
	return deliveryAt(reg, ref, true)
}

func deliveryAt(reg *relptr.Registry, ref relptr.Ref, attach bool) *DeliveryQueue {
	hdr := (*deliveryHeader)(ref.Resolve(reg))
	d := &DeliveryQueue{hdr: hdr}
	if attach {
		d.iq = IndexQueueAt(reg, relptr.PackRef(ref.Segment(), ref.Offset()+deliveryHeaderSize))
	}
	return d
}

// Capacity returns the logical capacity Q.
func (d *DeliveryQueue) Capacity() uint64 { return d.hdr.capacity }

// Policy returns the overflow policy.
func (d *DeliveryQueue) Policy() OverflowPolicy {
	return OverflowPolicy(atomic.LoadUint32(&d.hdr.policy))
}

// Size returns the logical number of queued references (reservations
// included).
func (d *DeliveryQueue) Size() uint64 { return atomic.LoadUint64(&d.hdr.count) }

// Push enqueues a chunk reference. Under DiscardOldest it always succeeds;
// every evicted reference is handed to onEvict so the caller can drop its
// count. Under RejectNew it returns false on a full queue and the caller
// rolls its increment back. Either overflow raises the sticky flag.
//
// The logical count is reserved with a CAS before the physical push, so
// concurrent producers cannot race a Size check past the capacity: the
// queue never exceeds Q even transiently under RejectNew.
func (d *DeliveryQueue) Push(ref relptr.Ref, onEvict func(relptr.Ref)) bool {
	switch d.Policy() {
	case RejectNew:
		for {
			c := atomic.LoadUint64(&d.hdr.count)
			if c >= d.hdr.capacity {
				atomic.StoreUint32(&d.hdr.overflow, 1)
				return false
			}
			if atomic.CompareAndSwapUint64(&d.hdr.count, c, c+1) {
				break
			}
		}
		// Physical occupancy never exceeds the logical count and the
		// logical count never exceeds Q <= MaxDeliveryCapacity, so the
		// reserved slot is always available.
		if !d.iq.TryPush(uint64(ref)) {
			atomic.AddUint64(&d.hdr.count, ^uint64(0))
			atomic.StoreUint32(&d.hdr.overflow, 1)
			return false
		}
		return true

	default: // DiscardOldest
		for {
			for atomic.LoadUint64(&d.hdr.count) >= d.hdr.capacity {
				v, ok := d.iq.TryPop()
				if !ok {
					break
				}
				atomic.AddUint64(&d.hdr.count, ^uint64(0))
				atomic.StoreUint32(&d.hdr.overflow, 1)
				if onEvict != nil {
					onEvict(relptr.Ref(v))
				}
			}
			if d.iq.TryPush(uint64(ref)) {
				atomic.AddUint64(&d.hdr.count, 1)
				return true
			}
		}
	}
}

// TryPop dequeues the oldest chunk reference.
func (d *DeliveryQueue) TryPop() (relptr.Ref, bool) {
	v, ok := d.iq.TryPop()
	if ok {
		atomic.AddUint64(&d.hdr.count, ^uint64(0))
	}
	return relptr.Ref(v), ok
}

// TakeOverflowFlag returns whether an overflow happened since the last call
// and clears the flag.
func (d *DeliveryQueue) TakeOverflowFlag() bool {
	return atomic.SwapUint32(&d.hdr.overflow, 0) == 1
}
