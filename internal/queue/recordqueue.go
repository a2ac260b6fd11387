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

const recordQueueHeaderSize = 64

// recordQueueHeader is the fixed-layout descriptor of a record queue.
type recordQueueHeader struct {
	capacity   uint64   // 0x00: power-of-two slot count
	recordSize uint64   // 0x08: payload bytes per slot
	enqPos     uint64   // 0x10
	deqPos     uint64   // 0x18
	reserved   [32]byte // 0x20-0x3F
}

// RecordQueue is a bounded MPMC queue of fixed-size byte records in shared
// memory. Any process mapping the segment may push; the broker pops. It is
// the many-writers inbox that carries registration requests before a client
// has a control channel of its own.
type RecordQueue struct {
	hdr     *recordQueueHeader
	base    unsafe.Pointer // first slot
	capMask uint64
}

// RecordQueueSize returns the in-segment footprint for the given capacity
// and record size.
func RecordQueueSize(capacity, recordSize uint64) uint64 {
	return recordQueueHeaderSize + capacity*(8+recordSize)
}

// InitRecordQueue initialises a record queue at ref. capacity must be a
// power of two.
func InitRecordQueue(reg *relptr.Registry, ref relptr.Ref, capacity, recordSize uint64) *RecordQueue {
	q := recordQueueAt(reg, ref)
	q.hdr.capacity = capacity
	q.hdr.recordSize = recordSize
	atomic.StoreUint64(&q.hdr.enqPos, 0)
	atomic.StoreUint64(&q.hdr.deqPos, 0)
	q.capMask = capacity - 1
	for i := uint64(0); i < capacity; i++ {
		atomic.StoreUint64(q.seqAt(i), i)
	}
	return q
}

// RecordQueueAt attaches to an initialised record queue.
func RecordQueueAt(reg *relptr.Registry, ref relptr.Ref) *RecordQueue {
	q := recordQueueAt(reg, ref)
	q.capMask = q.hdr.capacity - 1
	return q
}

func recordQueueAt(reg *relptr.Registry, ref relptr.Ref) *RecordQueue {
	base := ref.Resolve(reg)
	return &RecordQueue{
		hdr:  (*recordQueueHeader)(base),
		base: unsafe.Pointer(uintptr(base) + recordQueueHeaderSize),
	}
}

func (q *RecordQueue) slotSize() uintptr { return uintptr(8 + q.hdr.recordSize) }

func (q *RecordQueue) seqAt(pos uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(uintptr(q.base) + uintptr(pos&q.capMask)*q.slotSize()))
}

func (q *RecordQueue) dataAt(pos uint64) []byte {
	p := unsafe.Pointer(uintptr(q.base) + uintptr(pos&q.capMask)*q.slotSize() + 8)
	return unsafe.Slice((*byte)(p), q.hdr.recordSize)
}

// RecordSize returns the payload size per record.
func (q *RecordQueue) RecordSize() uint64 { return q.hdr.recordSize }

// TryPush copies rec into the queue. rec must be exactly RecordSize bytes.
// Returns false when the queue is full.
func (q *RecordQueue) TryPush(rec []byte) bool {
	if uint64(len(rec)) != q.hdr.recordSize {
		return false
	}
	pos := atomic.LoadUint64(&q.hdr.enqPos)
	for {
		seqp := q.seqAt(pos)
		seq := atomic.LoadUint64(seqp)
		switch {
		case seq == pos:
			if atomic.CompareAndSwapUint64(&q.hdr.enqPos, pos, pos+1) {
				copy(q.dataAt(pos), rec)
				atomic.StoreUint64(seqp, pos+1)
				return true
			}
			pos = atomic.LoadUint64(&q.hdr.enqPos)
		case seq < pos:
			return false
		default:
			pos = atomic.LoadUint64(&q.hdr.enqPos)
		}
	}
}

// TryPop copies the oldest record into buf (exactly RecordSize bytes).
// Returns false when the queue is empty.
func (q *RecordQueue) TryPop(buf []byte) bool {
	if uint64(len(buf)) != q.hdr.recordSize {
		return false
	}
	pos := atomic.LoadUint64(&q.hdr.deqPos)
	for {
		seqp := q.seqAt(pos)
		seq := atomic.LoadUint64(seqp)
		switch {
		case seq == pos+1:
			if atomic.CompareAndSwapUint64(&q.hdr.deqPos, pos, pos+1) {
				copy(buf, q.dataAt(pos))
				atomic.StoreUint64(seqp, pos+q.hdr.capacity)
				return true
			}
			pos = atomic.LoadUint64(&q.hdr.deqPos)
		case seq <= pos:
			return false
		default:
			pos = atomic.LoadUint64(&q.hdr.deqPos)
		}
	}
}
