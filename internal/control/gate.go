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

package control

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"shmbus/internal/mempool"
	"shmbus/internal/port"
	"shmbus/internal/queue"
	"shmbus/internal/relptr"
	"shmbus/internal/shm"
)

// The gate is the broker's well-known segment: the registration inbox any
// process may push into, its doorbell event, and the pools of publisher and
// subscriber port records. Clients map it first, under the fixed id below,
// and everything else follows from the handshake.
const (
	// GateName is the well-known segment name clients open to register.
	GateName = "gate"

	// GateMagic identifies a shmbus gate segment.
	GateMagic = "SHMBUSGT"

	// GateVersion is the current gate layout version.
	GateVersion = uint32(1)

	// GateSegmentID is the fixed relative-pointer id of the gate segment.
	GateSegmentID = relptr.SegmentID(1)

	// InboxCapacity is the registration inbox depth (power of two).
	InboxCapacity = uint64(64)

	gateHeaderSize = 128
)

// gateHeader is the fixed layout at offset 0 of the gate segment.
type gateHeader struct {
	magic        [8]byte  // 0x00: "SHMBUSGT"
	version      uint32   // 0x08
	pad          uint32   // 0x0C
	totalSize    uint64   // 0x10
	inboxOff     uint64   // 0x18
	doorbellOff  uint64   // 0x20
	pubPoolOff   uint64   // 0x28
	subPoolOff   uint64   // 0x30
	portCapacity uint64   // 0x38: ports per role
	ready        uint32   // 0x40: broker finished initialising (0->1)
	pad2         uint32   // 0x44
	reserved     [56]byte // 0x48-0x7F
}

// Gate is a process-local view over the gate segment.
type Gate struct {
	Seg      *shm.Segment
	Inbox    *queue.RecordQueue
	Doorbell *shm.Event
	PubPool  *mempool.MemPool
	SubPool  *mempool.MemPool
}

type gateLayout struct {
	inboxOff    uint64
	doorbellOff uint64
	pubStateOff uint64
	pubBlocks   uint64
	subStateOff uint64
	subBlocks   uint64
	total       uint64
}

func planGate(portCapacity uint64) gateLayout {
	var l gateLayout
	cursor := uint64(gateHeaderSize)
	l.inboxOff = cursor
	cursor = shm.AlignUp(cursor+queue.RecordQueueSize(InboxCapacity, MessageSize), 64)
	l.doorbellOff = cursor
	cursor = shm.AlignUp(cursor+shm.EventSize, 64)
	l.pubStateOff = cursor
	cursor = shm.AlignUp(cursor+mempool.PoolStateSize(portCapacity), 64)
	l.pubBlocks = cursor
	cursor = shm.AlignUp(cursor+portCapacity*port.PublisherPortSize, 64)
	l.subStateOff = cursor
	cursor = shm.AlignUp(cursor+mempool.PoolStateSize(portCapacity), 64)
	l.subBlocks = cursor
	cursor = shm.AlignUp(cursor+portCapacity*port.SubscriberPortSize, 64)
	l.total = cursor
	return l
}

// GateSize returns the gate segment size for the given per-role port
// capacity.
func GateSize(portCapacity uint64) uint64 {
	return planGate(portCapacity).total
}

// InitGate lays out and initialises a freshly created gate segment. The
// caller has created seg with GateSize bytes and registered it in reg under
// GateSegmentID. Broker side.
func InitGate(reg *relptr.Registry, seg *shm.Segment, portCapacity uint64) (*Gate, error) {
	l := planGate(portCapacity)
	if l.total > seg.Size() {
		return nil, fmt.Errorf("gate segment too small: need %d, have %d", l.total, seg.Size())
	}

	hdr := (*gateHeader)(seg.Base())
	copy(hdr.magic[:], GateMagic)
	hdr.version = GateVersion
	hdr.totalSize = l.total
	hdr.inboxOff = l.inboxOff
	hdr.doorbellOff = l.doorbellOff
	hdr.pubPoolOff = l.pubStateOff
	hdr.subPoolOff = l.subStateOff
	hdr.portCapacity = portCapacity

	g := &Gate{Seg: seg}
	g.Inbox = queue.InitRecordQueue(reg, relptr.PackRef(GateSegmentID, l.inboxOff), InboxCapacity, MessageSize)
	g.Doorbell = shm.InitEventAt(seg.Mem, l.doorbellOff)
	g.PubPool = mempool.InitPool(reg, GateSegmentID, l.pubStateOff, port.PublisherPortSize, portCapacity, l.pubBlocks)
	g.SubPool = mempool.InitPool(reg, GateSegmentID, l.subStateOff, port.SubscriberPortSize, portCapacity, l.subBlocks)

	atomic.StoreUint32(&hdr.ready, 1)
	return g, nil
}

// OpenGate polls for the well-known gate segment until the broker has
// marked it ready or ctx expires, maps it and registers it in reg. Client
// side.
func OpenGate(ctx context.Context, reg *relptr.Registry) (*Gate, error) {
	return OpenGateAt(ctx, reg, GateName)
}

// OpenGateAt is OpenGate for an explicitly named gate segment.
func OpenGateAt(ctx context.Context, reg *relptr.Registry, name string) (*Gate, error) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		if shm.Exists(name) {
			g, err := tryOpenGate(reg, name)
			if err == nil {
				return g, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("broker gate: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func tryOpenGate(reg *relptr.Registry, name string) (*Gate, error) {
	seg, err := shm.Open(name)
	if err != nil {
		return nil, err
	}
	if seg.Size() < gateHeaderSize {
		seg.Close()
		return nil, fmt.Errorf("gate segment too small")
	}
	hdr := (*gateHeader)(seg.Base())
	if string(hdr.magic[:]) != GateMagic || hdr.version != GateVersion {
		seg.Close()
		return nil, fmt.Errorf("invalid gate segment")
	}
	if atomic.LoadUint32(&hdr.ready) == 0 {
		seg.Close()
		return nil, fmt.Errorf("gate not ready")
	}
	if hdr.totalSize > seg.Size() {
		seg.Close()
		return nil, fmt.Errorf("gate segment truncated")
	}

	if err := reg.Register(GateSegmentID, seg.Base(), seg.Size()); err != nil {
		seg.Close()
		return nil, err
	}

	return &Gate{
		Seg:      seg,
		Inbox:    queue.RecordQueueAt(reg, relptr.PackRef(GateSegmentID, hdr.inboxOff)),
		Doorbell: shm.EventAt(seg.Mem, hdr.doorbellOff),
		PubPool:  mempool.PoolAt(reg, relptr.PackRef(GateSegmentID, hdr.pubPoolOff)),
		SubPool:  mempool.PoolAt(reg, relptr.PackRef(GateSegmentID, hdr.subPoolOff)),
	}, nil
}

// Close unregisters and unmaps the gate segment. Client side.
func (g *Gate) Close(reg *relptr.Registry) error {
	reg.Unregister(GateSegmentID)
	return g.Seg.Close()
}
