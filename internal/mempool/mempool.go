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
	"unsafe"

	"shmbus/internal/relptr"
)

// poolStateSize is the fixed part of a pool's in-segment state, before the
// free-list link array.
const poolStateSize = 64

// indexSentinel terminates the free list.
const indexSentinel = uint32(0xFFFFFFFF)

// poolState is the fixed-layout pool descriptor inside a segment.
type poolState struct {
	blockSize  uint64   // 0x00: size of one block in bytes (multiple of 64)
	blockCount uint64   // 0x08: number of blocks
	blocksOff  uint64   // 0x10: segment offset of the block array
	head       uint64   // 0x18: free-list head {tag u32 | index u32}
	used       uint64   // 0x20: observational used-block counter
	reserved   [24]byte // 0x28-0x3F: padding to 64B
	// free-list link array (blockCount uint32 entries) starts at 0x40
}

// MemPool is a process-local view over a pool's shared state. The free list
// is an index-linked LIFO; claim and release are lock-free CAS loops with a
// 32-bit ABA tag in the head word. The bounded index set makes duplicate
// free-list entries impossible short of memory corruption.
type MemPool struct {
	reg      *relptr.Registry
	seg      relptr.SegmentID
	stateOff uint64
	state    *poolState
	links    *uint32 // first element of the link array
}

// PoolStateSize returns the total in-segment size of a pool's state area
// for the given block count.
func PoolStateSize(blockCount uint64) uint64 {
	return poolStateSize + alignUp8(4*blockCount)
}

func alignUp8(v uint64) uint64 { return (v + 7) &^ 7 }

// InitPool initialises pool state at stateOff inside the registered segment
// seg and threads every block index onto the free list.
func InitPool(reg *relptr.Registry, seg relptr.SegmentID, stateOff, blockSize, blockCount, blocksOff uint64) *MemPool {
	p := PoolAt(reg, relptr.PackRef(seg, stateOff))
	p.state.blockSize = blockSize
	p.state.blockCount = blockCount
	p.state.blocksOff = blocksOff
	atomic.StoreUint64(&p.state.used, 0)

	links := p.linkSlice()
	for i := uint64(0); i < blockCount; i++ {
		if i+1 < blockCount {
			links[i] = uint32(i + 1)
		} else {
			links[i] = indexSentinel
		}
	}
	atomic.StoreUint64(&p.state.head, packHead(0, 0))
	return p
}

// PoolAt attaches to pool state referenced by ref. The segment must already
// be registered in reg.
func PoolAt(reg *relptr.Registry, ref relptr.Ref) *MemPool {
	base := ref.Resolve(reg)
	st := (*poolState)(base)
	return &MemPool{
		reg:      reg,
		seg:      ref.Segment(),
		stateOff: ref.Offset(),
		state:    st,
		links:    (*uint32)(unsafe.Pointer(uintptr(base) + poolStateSize)),
	}
}

func (p *MemPool) linkSlice() []uint32 {
	return unsafe.Slice(p.links, p.state.blockCount)
}

// Ref returns the relative pointer to this pool's state, the form stored in
// chunk management records.
func (p *MemPool) Ref() relptr.Ref {
	return relptr.PackRef(p.seg, p.stateOff)
}

// BlockSize returns the size of one block.
func (p *MemPool) BlockSize() uint64 { return p.state.blockSize }

// ChunkCount returns the total number of blocks in the pool.
func (p *MemPool) ChunkCount() uint64 { return p.state.blockCount }

// UsedChunkCount returns the number of blocks currently claimed. The value
// is observational and may be racy.
func (p *MemPool) UsedChunkCount() uint64 { return atomic.LoadUint64(&p.state.used) }

// GetChunk claims one block and returns its relative pointer. ok is false
// when the pool is empty. Wait-free on success.
func (p *MemPool) GetChunk() (relptr.Ref, bool) {
	links := p.linkSlice()
	for {
		head := atomic.LoadUint64(&p.state.head)
		tag, idx := unpackHead(head)
		if idx == indexSentinel {
			return relptr.NullRef, false
		}
		next := atomic.LoadUint32(&links[idx])
		if atomic.CompareAndSwapUint64(&p.state.head, head, packHead(tag+1, next)) {
			atomic.AddUint64(&p.state.used, 1)
			return relptr.PackRef(p.seg, p.state.blocksOff+uint64(idx)*p.state.blockSize), true
		}
	}
}

// FreeChunk returns a block to the free list. The reference must point at a
// block boundary inside this pool; anything else means the caller is confused
// about ownership and the process aborts.
func (p *MemPool) FreeChunk(ref relptr.Ref) {
	idx := p.indexOf(ref)
	links := p.linkSlice()
	for {
		head := atomic.LoadUint64(&p.state.head)
		tag, cur := unpackHead(head)
		atomic.StoreUint32(&links[idx], cur)
		if atomic.CompareAndSwapUint64(&p.state.head, head, packHead(tag+1, idx)) {
			atomic.AddUint64(&p.state.used, ^uint64(0))
			return
		}
	}
}

// Contains reports whether ref points at a block boundary inside this pool.
func (p *MemPool) Contains(ref relptr.Ref) bool {
	if ref.Segment() != p.seg {
		return false
	}
	off := ref.Offset()
	if off < p.state.blocksOff {
		return false
	}
	rel := off - p.state.blocksOff
	if rel%p.state.blockSize != 0 {
		return false
	}
	return rel/p.state.blockSize < p.state.blockCount
}

// BlockRef returns the relative pointer to block i.
func (p *MemPool) BlockRef(i uint64) relptr.Ref {
	return relptr.PackRef(p.seg, p.state.blocksOff+i*p.state.blockSize)
}

func (p *MemPool) indexOf(ref relptr.Ref) uint32 {
	if ref.Segment() != p.seg {
		fatalf("mempool: freeing block from segment %d into pool of segment %d", ref.Segment(), p.seg)
	}
	off := ref.Offset()
	if off < p.state.blocksOff {
		fatalf("mempool: free of offset %d below pool base %d", off, p.state.blocksOff)
	}
	rel := off - p.state.blocksOff
	if rel%p.state.blockSize != 0 {
		fatalf("mempool: free of misaligned offset %d (block size %d)", off, p.state.blockSize)
	}
	idx := rel / p.state.blockSize
	if idx >= p.state.blockCount {
		fatalf("mempool: free of offset %d beyond pool end", off)
	}
	return uint32(idx)
}

func packHead(tag, idx uint32) uint64 {
	return uint64(tag)<<32 | uint64(idx)
}

func unpackHead(head uint64) (tag, idx uint32) {
	return uint32(head >> 32), uint32(head)
}
