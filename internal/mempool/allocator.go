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
	"fmt"
	"time"
	"unsafe"

	"shmbus/internal/relptr"
)

// Data segment layout constants.
const (
	// SegmentMagic identifies a shmbus data segment.
	SegmentMagic = "SHMBUS\x00\x00"

	// SegmentVersion is the current layout version.
	SegmentVersion = uint32(1)

	// SegmentHeaderSize is the fixed header at the start of a data segment:
	// magic, version, id, total size, pool count, then the pool table.
	SegmentHeaderSize = 512

	// MaxPoolsPerSegment bounds the pool table (one slot is taken by the
	// management pool).
	MaxPoolsPerSegment = 15
)

type poolTableEntry struct {
	blockSize  uint64
	blockCount uint64
	stateOff   uint64
}

// segmentHeader is the fixed layout at offset 0 of a data segment.
type segmentHeader struct {
	magic     [8]byte            // 0x00
	version   uint32             // 0x08
	segID     uint32             // 0x0C: broker-assigned segment id
	totalSize uint64             // 0x10
	poolCount uint32             // 0x18: number of payload pools
	mgmtIndex uint32             // 0x1C: pool table index of the management pool
	table     [16]poolTableEntry // 0x20: pool table
}

// Allocator composes the pools of one data segment: payload pools of
// increasing block size plus the management pool. Loan picks the smallest
// pool that fits and fails rather than falling back to a larger one, so a
// misbehaving size class can never starve its neighbours.
type Allocator struct {
	reg   *relptr.Registry
	seg   relptr.SegmentID
	pools []*MemPool
	mgmt  *MemPool
}

// SegmentSize returns the total size of a data segment laid out for cfg:
// header, per-pool state and block arrays, and the management pool.
func SegmentSize(cfg Config) uint64 {
	size, _ := planLayout(cfg)
	return size
}

type poolPlacement struct {
	blockSize  uint64
	blockCount uint64
	stateOff   uint64
	blocksOff  uint64
}

func planLayout(cfg Config) (uint64, []poolPlacement) {
	placements := make([]poolPlacement, 0, len(cfg.Pools)+1)
	cursor := uint64(SegmentHeaderSize)
	place := func(blockSize, blockCount uint64) {
		stateOff := cursor
		cursor = alignUp64(cursor + PoolStateSize(blockCount))
		blocksOff := cursor
		cursor = alignUp64(cursor + blockSize*blockCount)
		placements = append(placements, poolPlacement{
			blockSize:  blockSize,
			blockCount: blockCount,
			stateOff:   stateOff,
			blocksOff:  blocksOff,
		})
	}
	for _, p := range cfg.Pools {
		place(uint64(p.Size), uint64(p.Count))
	}
	// Management pool last: one record per payload block.
	place(ManagementRecordSize, cfg.TotalChunks())
	return cursor, placements
}

func alignUp64(v uint64) uint64 { return (v + 63) &^ 63 }

// InitDataSegment lays out and initialises the pools of a freshly created
// data segment. The segment must already be registered under segID in reg.
func InitDataSegment(reg *relptr.Registry, segID relptr.SegmentID, mem []byte, cfg Config) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	total, placements := planLayout(cfg)
	if total > uint64(len(mem)) {
		return nil, fmt.Errorf("segment too small: need %d, have %d", total, len(mem))
	}

	hdr := (*segmentHeader)(unsafe.Pointer(&mem[0]))
	copy(hdr.magic[:], SegmentMagic)
	hdr.version = SegmentVersion
	hdr.segID = uint32(segID)
	hdr.totalSize = total
	hdr.poolCount = uint32(len(cfg.Pools))
	hdr.mgmtIndex = uint32(len(placements) - 1)
	for i, pl := range placements {
		hdr.table[i] = poolTableEntry{blockSize: pl.blockSize, blockCount: pl.blockCount, stateOff: pl.stateOff}
	}

	a := &Allocator{reg: reg, seg: segID}
	for i, pl := range placements {
		pool := InitPool(reg, segID, pl.stateOff, pl.blockSize, pl.blockCount, pl.blocksOff)
		if i == len(placements)-1 {
			a.mgmt = pool
		} else {
			a.pools = append(a.pools, pool)
		}
	}
	return a, nil
}

// OpenDataSegment validates the header of an already-mapped data segment
// and attaches pool views. The segment must be registered under segID.
func OpenDataSegment(reg *relptr.Registry, segID relptr.SegmentID, mem []byte) (*Allocator, error) {
	return openDataSegment(reg, segID, mem, true)
}

// OpenDataSegmentAnyID attaches to a data segment mapped under a local
// scratch id, skipping the id check. Inspection tooling only: references
// built this way must not cross the process boundary.
func OpenDataSegmentAnyID(reg *relptr.Registry, segID relptr.SegmentID, mem []byte) (*Allocator, error) {
	return openDataSegment(reg, segID, mem, false)
}

func openDataSegment(reg *relptr.Registry, segID relptr.SegmentID, mem []byte, checkID bool) (*Allocator, error) {
	if uint64(len(mem)) < SegmentHeaderSize {
		return nil, fmt.Errorf("segment too small for header: %d bytes", len(mem))
	}
	hdr := (*segmentHeader)(unsafe.Pointer(&mem[0]))
	if string(hdr.magic[:]) != SegmentMagic {
		return nil, fmt.Errorf("invalid segment magic")
	}
	if hdr.version != SegmentVersion {
		return nil, fmt.Errorf("unsupported segment version %d, expected %d", hdr.version, SegmentVersion)
	}
	if checkID && hdr.segID != uint32(segID) {
		return nil, fmt.Errorf("segment id mismatch: header says %d, mapped as %d", hdr.segID, segID)
	}
	if hdr.totalSize > uint64(len(mem)) {
		return nil, fmt.Errorf("segment truncated: header says %d, mapped %d", hdr.totalSize, len(mem))
	}
	if hdr.poolCount == 0 || hdr.poolCount > MaxPoolsPerSegment || hdr.mgmtIndex != hdr.poolCount {
		return nil, fmt.Errorf("corrupt pool table: count=%d mgmt=%d", hdr.poolCount, hdr.mgmtIndex)
	}

	a := &Allocator{reg: reg, seg: segID}
	for i := uint32(0); i <= hdr.poolCount; i++ {
		entry := hdr.table[i]
		pool := PoolAt(reg, relptr.PackRef(segID, entry.stateOff))
		if i == hdr.mgmtIndex {
			a.mgmt = pool
		} else {
			a.pools = append(a.pools, pool)
		}
	}
	return a, nil
}

// Loan claims a block for a payload of the given size and alignment, writes
// the chunk header, claims a management record and returns the chunk handle
// with a reference count of 1.
func (a *Allocator) Loan(payloadSize, payloadAlign uint32) (Chunk, error) {
	needed := RequiredBlockSize(payloadSize, payloadAlign)
	pool := a.poolFor(needed)
	if pool == nil {
		return Chunk{}, fmt.Errorf("%w: need %d bytes", ErrChunkTooLarge, needed)
	}

	block, ok := pool.GetChunk()
	if !ok {
		return Chunk{}, fmt.Errorf("%w: pool of %d-byte blocks exhausted", ErrOutOfChunks, pool.BlockSize())
	}
	mgmtBlock, ok := a.mgmt.GetChunk()
	if !ok {
		pool.FreeChunk(block)
		return Chunk{}, fmt.Errorf("%w: management pool exhausted", ErrOutOfChunks)
	}

	initChunkHeader(a.reg, block, pool.BlockSize(), payloadSize, payloadAlign, mgmtBlock)
	initManagement(a.reg, mgmtBlock, block, pool.Ref(), a.mgmt.Ref())
	return ChunkAt(a.reg, mgmtBlock), nil
}

// poolFor returns the smallest pool whose blocks hold needed bytes, or nil.
func (a *Allocator) poolFor(needed uint64) *MemPool {
	for _, p := range a.pools {
		if p.BlockSize() >= needed {
			return p
		}
	}
	return nil
}

// SegmentID returns the id of the segment this allocator manages.
func (a *Allocator) SegmentID() relptr.SegmentID { return a.seg }

// PoolUsage is an observational snapshot of one pool.
type PoolUsage struct {
	BlockSize  uint64
	BlockCount uint64
	Used       uint64
}

// Usage returns per-pool usage including the management pool (last entry).
func (a *Allocator) Usage() []PoolUsage {
	out := make([]PoolUsage, 0, len(a.pools)+1)
	for _, p := range a.pools {
		out = append(out, PoolUsage{BlockSize: p.BlockSize(), BlockCount: p.ChunkCount(), Used: p.UsedChunkCount()})
	}
	out = append(out, PoolUsage{BlockSize: a.mgmt.BlockSize(), BlockCount: a.mgmt.ChunkCount(), Used: a.mgmt.UsedChunkCount()})
	return out
}

// StampSend fills the send-time metadata of a chunk header.
func StampSend(h *ChunkHeader, originID, seq uint64) {
	h.SetOriginID(originID)
	h.SetSequence(seq)
	h.SetTimestamp(time.Now().UnixNano())
}
