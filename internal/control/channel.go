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

	"shmbus/internal/shm"
)

// Control segment layout constants.
const (
	// ChannelMagic identifies a shmbus control segment.
	ChannelMagic = "SHMBUSCT"

	// ChannelVersion is the current control layout version.
	ChannelVersion = uint32(1)

	// channelHeaderSize is the fixed header at the start of a control
	// segment (128-byte aligned).
	channelHeaderSize = 128

	// DefaultRingCapacity sizes each direction of a control channel.
	DefaultRingCapacity = uint64(16384)
)

// channelHeader is the fixed layout at offset 0 of a control segment.
type channelHeader struct {
	magic       [8]byte  // 0x00: "SHMBUSCT"
	version     uint32   // 0x08
	pad         uint32   // 0x0C
	totalSize   uint64   // 0x10
	ringAOff    uint64   // 0x18: client -> broker requests
	ringACap    uint64   // 0x20
	ringBOff    uint64   // 0x28: broker -> client replies
	ringBCap    uint64   // 0x30
	brokerReady uint32   // 0x38: broker finished initialising (0->1)
	clientReady uint32   // 0x3C: client attached (0->1)
	closed      uint32   // 0x40
	pad2        uint32   // 0x44
	reserved    [56]byte // 0x48-0x7F
}

// CtlSegmentName derives a client's control segment name from its pid, so
// broker and client compute it independently.
func CtlSegmentName(pid uint32) string {
	return fmt.Sprintf("ctl_%d", pid)
}

// Channel is one client's bidirectional control channel: a dedicated
// segment holding a request ring (client to broker) and a reply ring
// (broker to client). The broker creates it during registration; the
// client polls for it by name.
type Channel struct {
	seg      *shm.Segment
	hdr      *channelHeader
	requests *shm.Ring
	replies  *shm.Ring
}

// CreateChannel creates and initialises a control segment. Broker side.
func CreateChannel(name string, ringCap uint64) (*Channel, error) {
	if !shm.IsPowerOfTwo(ringCap) || ringCap < shm.MinRingCapacity {
		return nil, fmt.Errorf("invalid control ring capacity %d", ringCap)
	}

	ringAOff := uint64(channelHeaderSize)
	ringBOff := shm.AlignUp(ringAOff+shm.RingHeaderSize+ringCap, 64)
	total := shm.AlignUp(ringBOff+shm.RingHeaderSize+ringCap, 64)

	seg, err := shm.Create(name, total, 0600)
	if err != nil {
		return nil, err
	}

	hdr := (*channelHeader)(seg.Base())
	copy(hdr.magic[:], ChannelMagic)
	hdr.version = ChannelVersion
	hdr.totalSize = total
	hdr.ringAOff = ringAOff
	hdr.ringACap = ringCap
	hdr.ringBOff = ringBOff
	hdr.ringBCap = ringCap

	a, err := shm.InitRing(seg.Mem, ringAOff, ringCap)
	if err != nil {
		seg.Close()
		seg.Unlink()
		return nil, err
	}
	b, err := shm.InitRing(seg.Mem, ringBOff, ringCap)
	if err != nil {
		seg.Close()
		seg.Unlink()
		return nil, err
	}

	atomic.StoreUint32(&hdr.brokerReady, 1)
	return &Channel{seg: seg, hdr: hdr, requests: a, replies: b}, nil
}

// OpenChannel polls for the named control segment until the broker has
// marked it ready or ctx expires. Client side.
func OpenChannel(ctx context.Context, name string) (*Channel, error) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		if shm.Exists(name) {
			ch, err := tryOpenChannel(name)
			if err == nil {
				atomic.StoreUint32(&ch.hdr.clientReady, 1)
				return ch, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("control channel %s: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func tryOpenChannel(name string) (*Channel, error) {
	seg, err := shm.Open(name)
	if err != nil {
		return nil, err
	}
	if seg.Size() < channelHeaderSize {
		seg.Close()
		return nil, fmt.Errorf("control segment too small")
	}

	hdr := (*channelHeader)(seg.Base())
	if string(hdr.magic[:]) != ChannelMagic {
		seg.Close()
		return nil, fmt.Errorf("invalid control segment magic")
	}
	if hdr.version != ChannelVersion {
		seg.Close()
		return nil, fmt.Errorf("unsupported control version %d", hdr.version)
	}
	if atomic.LoadUint32(&hdr.brokerReady) == 0 {
		seg.Close()
		return nil, fmt.Errorf("broker not ready")
	}
	if hdr.totalSize > seg.Size() {
		seg.Close()
		return nil, fmt.Errorf("control segment truncated")
	}

	a, err := shm.OpenRing(seg.Mem, hdr.ringAOff)
	if err != nil {
		seg.Close()
		return nil, err
	}
	b, err := shm.OpenRing(seg.Mem, hdr.ringBOff)
	if err != nil {
		seg.Close()
		return nil, err
	}
	return &Channel{seg: seg, hdr: hdr, requests: a, replies: b}, nil
}

// Name returns the control segment name.
func (c *Channel) Name() string { return c.seg.Name }

// ClientReady reports whether the client has attached.
func (c *Channel) ClientReady() bool {
	return atomic.LoadUint32(&c.hdr.clientReady) != 0
}

// SendRequest writes one request record. Client side.
func (c *Channel) SendRequest(ctx context.Context, msg []byte) error {
	if len(msg) != MessageSize {
		return ErrBadMessage
	}
	return c.requests.Write(ctx, msg)
}

// RecvRequest reads one request record into buf. Broker side.
func (c *Channel) RecvRequest(ctx context.Context, buf []byte) error {
	if len(buf) != MessageSize {
		return ErrBadMessage
	}
	return c.requests.ReadFull(ctx, buf)
}

// SendReply writes one reply record. Broker side.
func (c *Channel) SendReply(ctx context.Context, msg []byte) error {
	if len(msg) != MessageSize {
		return ErrBadMessage
	}
	return c.replies.Write(ctx, msg)
}

// RecvReply reads one reply record into buf. Client side.
func (c *Channel) RecvReply(ctx context.Context, buf []byte) error {
	if len(buf) != MessageSize {
		return ErrBadMessage
	}
	return c.replies.ReadFull(ctx, buf)
}

// Close marks the channel closed, wakes both sides and unmaps the segment.
func (c *Channel) Close() error {
	atomic.StoreUint32(&c.hdr.closed, 1)
	c.requests.Close()
	c.replies.Close()
	return c.seg.Close()
}

// Unlink removes the control segment file. Broker side, after Close.
func (c *Channel) Unlink() error {
	return c.seg.Unlink()
}
