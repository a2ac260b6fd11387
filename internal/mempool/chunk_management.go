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

package mempool

import (
	"sync/atomic"

	"shmbus/internal/relptr"
)

// ManagementRecordSize is the block size of the management pool. The record
// itself is 32 bytes; the full block keeps pools 64-byte granular.
const ManagementRecordSize = 64

// managementRecord holds shared ownership state for one chunk. It lives in
// a dedicated small-block pool so ChunkHeaders stay payload-sized.
type managementRecord struct {
	chunkHeaderRef uint64 // 0x00: Ref to the payload block / ChunkHeader
	originPoolRef  uint64 // 0x08: Ref to the pool the block came from
	mgmtPoolRef    uint64 // 0x10: Ref to the pool this record lives in
	refCount       int64  // 0x18: atomic reference count
}

// Management is a view over a chunk's management record. refCount >= 1
// while any port or sample holds the chunk; the 1 -> 0 transition is the
// unique release that returns both blocks to their pools.
type Management struct {
	reg *relptr.Registry
	ref relptr.Ref
}

// ManagementAt attaches to the management record referenced by ref.
func ManagementAt(reg *relptr.Registry, ref relptr.Ref) Management {
	return Management{reg: reg, ref: ref}
}

func (m Management) record() *managementRecord {
	return (*managementRecord)(m.ref.Resolve(m.reg))
}

// Ref returns the relative pointer to the record, the value that travels
// through delivery queues.
func (m Management) Ref() relptr.Ref { return m.ref }

// ChunkHeaderRef returns the reference to the chunk's payload block.
func (m Management) ChunkHeaderRef() relptr.Ref {
	return relptr.Ref(atomic.LoadUint64(&m.record().chunkHeaderRef))
}

// RefCount returns the current reference count.
func (m Management) RefCount() int64 {
	return atomic.LoadInt64(&m.record().refCount)
}

// IncrementRefCount adds one reference. Called once per connected
// subscriber before the chunk reference is pushed into its queue.
func (m Management) IncrementRefCount() {
	atomic.AddInt64(&m.record().refCount, 1)
}

// DecrementRefCount drops one reference. On the 1 -> 0 transition the
// payload block is returned to its origin pool and then the management
// record to its own pool; the record must go last because it holds the pool
// back-pointers. Reports whether this call performed the release.
func (m Management) DecrementRefCount() bool {
	rec := m.record()
	n := atomic.AddInt64(&rec.refCount, -1)
	if n > 0 {
		return false
	}
	if n < 0 {
		fatalf("mempool: chunk refcount underflow (%d)", n)
	}

	chunkRef := relptr.Ref(atomic.LoadUint64(&rec.chunkHeaderRef))
	originRef := relptr.Ref(atomic.LoadUint64(&rec.originPoolRef))
	mgmtRef := relptr.Ref(atomic.LoadUint64(&rec.mgmtPoolRef))

	PoolAt(m.reg, originRef).FreeChunk(chunkRef)
	PoolAt(m.reg, mgmtRef).FreeChunk(m.ref)
	return true
}

// initManagement fills a freshly claimed management block. The count starts
// at 1, held by the loaning publisher's chunk handle.
func initManagement(reg *relptr.Registry, self, chunkHeader, originPool, mgmtPool relptr.Ref) Management {
	m := ManagementAt(reg, self)
	rec := m.record()
	atomic.StoreUint64(&rec.chunkHeaderRef, uint64(chunkHeader))
	atomic.StoreUint64(&rec.originPoolRef, uint64(originPool))
	atomic.StoreUint64(&rec.mgmtPoolRef, uint64(mgmtPool))
	atomic.StoreInt64(&rec.refCount, 1)
	return m
}
