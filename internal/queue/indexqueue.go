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
	"unsafe"

	"shmbus/internal/relptr"
)

const indexQueueHeaderSize = 64

// indexQueueHeader is the fixed-layout queue descriptor inside a segment.
type indexQueueHeader struct {
	capacity uint64   // 0x00: power-of-two slot count
	enqPos   uint64   // 0x08: monotonic enqueue position
	deqPos   uint64   // 0x10: monotonic dequeue position
	reserved [40]byte // 0x18-0x3F
}

// slot pairs a value with a sequence word that encodes the slot's state
// relative to the monotonic positions: seq == pos means free for the pusher
// at pos, seq == pos+1 means filled for the popper at pos.
type slot struct {
	seq   uint64
	value uint64
}

// IndexQueue is a bounded MPMC queue of single machine words living in
// shared memory. Push and pop are lock-free CAS loops over the monotonic
// positions; the per-slot sequence numbers rule out loss and duplication.
type IndexQueue struct {
	hdr     *indexQueueHeader
	slots   *slot
	capMask uint64
}

// IndexQueueSize returns the in-segment footprint for the given capacity.
func IndexQueueSize(capacity uint64) uint64 {
	return indexQueueHeaderSize + capacity*uint64(unsafe.Sizeof(slot{}))
}

// InitIndexQueue initialises a queue at ref. capacity must be a power of
// two; the caller guarantees IndexQueueSize(capacity) bytes at ref.
func InitIndexQueue(reg *relptr.Registry, ref relptr.Ref, capacity uint64) *IndexQueue {
	q := IndexQueueAt(reg, ref)
	q.hdr.capacity = capacity
	atomic.StoreUint64(&q.hdr.enqPos, 0)
	atomic.StoreUint64(&q.hdr.deqPos, 0)
	q.capMask = capacity - 1
	for i := uint64(0); i < capacity; i++ {
		s := q.slotAt(i)
		atomic.StoreUint64(&s.seq, i)
		s.value = 0
	}
	return q
}

// IndexQueueAt attaches to a queue previously initialised at ref.
func IndexQueueAt(reg *relptr.Registry, ref relptr.Ref) *IndexQueue {
	base := ref.Resolve(reg)
	hdr := (*indexQueueHeader)(base)
	return &IndexQueue{
		hdr:     hdr,
		slots:   (*slot)(unsafe.Pointer(uintptr(base) + indexQueueHeaderSize)),
		capMask: hdr.capacity - 1,
	}
}

func (q *IndexQueue) slotAt(pos uint64) *slot {
	return (*slot)(unsafe.Pointer(uintptr(unsafe.Pointer(q.slots)) + uintptr(pos&q.capMask)*unsafe.Sizeof(slot{})))
}

// Capacity returns the number of slots.
func (q *IndexQueue) Capacity() uint64 { return q.hdr.capacity }

// Size returns the approximate number of queued values.
func (q *IndexQueue) Size() uint64 {
	enq := atomic.LoadUint64(&q.hdr.enqPos)
	deq := atomic.LoadUint64(&q.hdr.deqPos)
	if enq < deq {
		return 0
	}
	return enq - deq
}

// TryPush enqueues v. It returns false when the queue is full.
func (q *IndexQueue) TryPush(v uint64) bool {
	pos := atomic.LoadUint64(&q.hdr.enqPos)
	for {
		s := q.slotAt(pos)
		seq := atomic.LoadUint64(&s.seq)
		switch {
		case seq == pos:
			if atomic.CompareAndSwapUint64(&q.hdr.enqPos, pos, pos+1) {
				atomic.StoreUint64(&s.value, v)
				atomic.StoreUint64(&s.seq, pos+1)
				return true
			}
			pos = atomic.LoadUint64(&q.hdr.enqPos)
		case seq < pos:
			// The slot still holds a value from one lap ago: full.
			return false
		default:
			pos = atomic.LoadUint64(&q.hdr.enqPos)
		}
	}
}

// TryPop dequeues one value. ok is false when the queue is empty.
func (q *IndexQueue) TryPop() (uint64, bool) {
	pos := atomic.LoadUint64(&q.hdr.deqPos)
	for {
		s := q.slotAt(pos)
		seq := atomic.LoadUint64(&s.seq)
		switch {
		case seq == pos+1:
			if atomic.CompareAndSwapUint64(&q.hdr.deqPos, pos, pos+1) {
				v := atomic.LoadUint64(&s.value)
				atomic.StoreUint64(&s.seq, pos+q.hdr.capacity)
				return v, true
			}
			pos = atomic.LoadUint64(&q.hdr.deqPos)
		case seq <= pos:
			// The slot has not been filled for this lap: empty.
			return 0, false
		default:
			pos = atomic.LoadUint64(&q.hdr.deqPos)
		}
	}
}
