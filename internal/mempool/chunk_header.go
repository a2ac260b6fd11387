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

// ChunkHeaderSize is the fixed size of the metadata at the start of every
// payload block.
const ChunkHeaderSize = 64

// backOffsetSize is the uint32 stored immediately before the user payload,
// holding the distance from the header start to the payload start. It is
// what makes the payload -> header round-trip possible for any alignment.
const backOffsetSize = 4

// ChunkHeader is the fixed-layout record at the start of a block. The
// payload begins at header + payloadOffset; the alignment padding between
// them is computed once at construction and never changes.
type ChunkHeader struct {
	chunkSize        uint32   // 0x00: usable block size (the pool block size)
	payloadSize      uint32   // 0x04: user payload size in bytes
	payloadAlignment uint32   // 0x08: user payload alignment
	payloadOffset    uint32   // 0x0C: offset from header start to payload
	originID         uint64   // 0x10: unique id of the originating publisher port
	sequence         uint64   // 0x18: per-publisher sequence number
	timestamp        int64    // 0x20: send timestamp slot (unix nanos)
	mgmtRef          uint64   // 0x28: Ref to the ChunkManagement record
	reserved         [16]byte // 0x30-0x3F
}

// PayloadOffsetFor computes the payload offset for the given alignment,
// leaving room for the back-offset word between header and payload.
func PayloadOffsetFor(align uint32) uint32 {
	if align == 0 {
		align = 1
	}
	off := uint32(ChunkHeaderSize + backOffsetSize)
	return (off + align - 1) &^ (align - 1)
}

// RequiredBlockSize returns the smallest block that can carry a payload of
// the given size and alignment.
func RequiredBlockSize(payloadSize, align uint32) uint64 {
	return uint64(PayloadOffsetFor(align)) + uint64(payloadSize)
}

// HeaderAt returns the ChunkHeader view for a payload block reference.
func HeaderAt(reg *relptr.Registry, block relptr.Ref) *ChunkHeader {
	return (*ChunkHeader)(block.Resolve(reg))
}

// initChunkHeader writes a fresh header into the block and plants the
// back-offset word in front of the payload.
func initChunkHeader(reg *relptr.Registry, block relptr.Ref, blockSize uint64, payloadSize, align uint32, mgmt relptr.Ref) *ChunkHeader {
	h := HeaderAt(reg, block)
	h.chunkSize = uint32(blockSize)
	h.payloadSize = payloadSize
	h.payloadAlignment = align
	h.payloadOffset = PayloadOffsetFor(align)
	h.originID = 0
	h.sequence = 0
	h.timestamp = 0
	h.mgmtRef = uint64(mgmt)

	back := (*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(h)) + uintptr(h.payloadOffset) - backOffsetSize))
	*back = h.payloadOffset
	return h
}

// ChunkSize returns the usable size of the underlying block.
func (h *ChunkHeader) ChunkSize() uint32 { return h.chunkSize }

// PayloadSize returns the user payload size.
func (h *ChunkHeader) PayloadSize() uint32 { return h.payloadSize }

// PayloadAlignment returns the user payload alignment.
func (h *ChunkHeader) PayloadAlignment() uint32 { return h.payloadAlignment }

// Payload returns the user payload bytes in place; writing to the slice
// writes into shared memory.
func (h *ChunkHeader) Payload() []byte {
	p := unsafe.Pointer(uintptr(unsafe.Pointer(h)) + uintptr(h.payloadOffset))
	return unsafe.Slice((*byte)(p), h.payloadSize)
}

// OriginID returns the unique id of the publisher that loaned the chunk.
func (h *ChunkHeader) OriginID() uint64 { return atomic.LoadUint64(&h.originID) }

// SetOriginID stamps the originating publisher's unique id.
func (h *ChunkHeader) SetOriginID(id uint64) { atomic.StoreUint64(&h.originID, id) }

// Sequence returns the per-publisher sequence number.
func (h *ChunkHeader) Sequence() uint64 { return atomic.LoadUint64(&h.sequence) }

// SetSequence stamps the per-publisher sequence number.
func (h *ChunkHeader) SetSequence(seq uint64) { atomic.StoreUint64(&h.sequence, seq) }

// Timestamp returns the send timestamp in unix nanoseconds, 0 if unsent.
func (h *ChunkHeader) Timestamp() int64 { return atomic.LoadInt64(&h.timestamp) }

// SetTimestamp fills the timestamp slot.
func (h *ChunkHeader) SetTimestamp(ns int64) { atomic.StoreInt64(&h.timestamp, ns) }

// ManagementRef returns the back-pointer to the chunk's management record.
func (h *ChunkHeader) ManagementRef() relptr.Ref { return relptr.Ref(h.mgmtRef) }

// HeaderFromPayload recovers the ChunkHeader from a user payload pointer by
// reading the back-offset word planted at construction.
func HeaderFromPayload(p unsafe.Pointer) *ChunkHeader {
	back := (*uint32)(unsafe.Pointer(uintptr(p) - backOffsetSize))
	return (*ChunkHeader)(unsafe.Pointer(uintptr(p) - uintptr(*back)))
}
