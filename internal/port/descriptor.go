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
	"sync/atomic"

	"github.com/google/uuid"

	"shmbus/internal/queue"
)

// Capacity limits baked into the port record layouts. Pools of fixed-size
// records mean every limit is a hard compile-time bound.
const (
	// MaxIdentifierLength caps each of the service/instance/event strings.
	MaxIdentifierLength = 61

	// MaxHistoryCapacity bounds a publisher's history ring.
	MaxHistoryCapacity = 16

	// MaxInFlightLoans bounds the chunks one publisher may hold loaned but
	// unsent at a time.
	MaxInFlightLoans = 8

	// MaxSubscribersPerPublisher bounds a publisher's connection list.
	MaxSubscribersPerPublisher = 64

	// MaxHeldSamples bounds the chunks a subscriber may hold between Take
	// and Release.
	MaxHeldSamples = 64
)

// DescriptorSize is the in-segment size of a port descriptor.
const DescriptorSize = 256

// ServiceDescription identifies a topic by three identifier strings.
// Matching is exact string equality on all three.
type ServiceDescription struct {
	Service  string
	Instance string
	Event    string
}

// QoS carries the quality-of-service knobs of a port. For publishers
// HistoryCapacity and OfferOnCreate apply; for subscribers QueueCapacity,
// Policy and RequestedHistory.
type QoS struct {
	HistoryCapacity  uint32
	QueueCapacity    uint32
	Policy           queue.OverflowPolicy
	RequestedHistory uint32
	OfferOnCreate    bool
}

// cappedString is a fixed 64-byte identifier field: length, truncation
// flag, then the bytes.
type cappedString struct {
	length    uint8
	truncated uint8
	bytes     [62]byte
}

func (c *cappedString) set(s string) {
	n := len(s)
	if n > MaxIdentifierLength {
		n = MaxIdentifierLength
		c.truncated = 1
	} else {
		c.truncated = 0
	}
	c.length = uint8(n)
	copy(c.bytes[:], s[:n])
}

func (c *cappedString) get() string {
	return string(c.bytes[:c.length])
}

// descriptor is the fixed-layout port identity record inside the
// management segment. Written by the broker at creation; the state word is
// the only field both sides mutate afterwards.
type descriptor struct {
	service          cappedString // 0x00
	instance         cappedString // 0x40
	event            cappedString // 0x80
	uid              [16]byte     // 0xC0: 128-bit unique port id
	portID           uint64       // 0xD0: broker-assigned numeric id (chunk origin id)
	role             uint32       // 0xD8
	state            uint32       // 0xDC: PublisherState or SubscriberState
	pid              uint32       // 0xE0: owning process id
	historyCapacity  uint32       // 0xE4
	queueCapacity    uint32       // 0xE8
	policy           uint32       // 0xEC
	requestedHistory uint32       // 0xF0
	offerOnCreate    uint32       // 0xF4
	reserved         [8]byte      // 0xF8-0xFF
}

// Descriptor is a process-local view over a port descriptor.
type Descriptor struct {
	d *descriptor
}

// Service returns the service description.
func (d Descriptor) Service() ServiceDescription {
	return ServiceDescription{
		Service:  d.d.service.get(),
		Instance: d.d.instance.get(),
		Event:    d.d.event.get(),
	}
}

// UID returns the 128-bit unique port id.
func (d Descriptor) UID() uuid.UUID {
	return uuid.UUID(d.d.uid)
}

// PortID returns the broker-assigned numeric id.
func (d Descriptor) PortID() uint64 { return d.d.portID }

// Role returns the port role.
func (d Descriptor) Role() Role { return Role(d.d.role) }

// PID returns the owning process id.
func (d Descriptor) PID() uint32 { return d.d.pid }

// QoS returns the port's quality-of-service settings.
func (d Descriptor) QoS() QoS {
	return QoS{
		HistoryCapacity:  d.d.historyCapacity,
		QueueCapacity:    d.d.queueCapacity,
		Policy:           queue.OverflowPolicy(d.d.policy),
		RequestedHistory: d.d.requestedHistory,
		OfferOnCreate:    d.d.offerOnCreate != 0,
	}
}

func (d Descriptor) loadState() uint32 {
	return atomic.LoadUint32(&d.d.state)
}

func (d Descriptor) storeState(s uint32) {
	atomic.StoreUint32(&d.d.state, s)
}

func (d Descriptor) casState(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(&d.d.state, old, new)
}

func initDescriptor(d *descriptor, svc ServiceDescription, uid uuid.UUID, portID uint64, role Role, pid uint32, qos QoS, initialState uint32) {
	d.service.set(svc.Service)
	d.instance.set(svc.Instance)
	d.event.set(svc.Event)
	copy(d.uid[:], uid[:])
	d.portID = portID
	d.role = uint32(role)
	d.pid = pid
	d.historyCapacity = qos.HistoryCapacity
	d.queueCapacity = qos.QueueCapacity
	d.policy = uint32(qos.Policy)
	d.requestedHistory = qos.RequestedHistory
	if qos.OfferOnCreate {
		d.offerOnCreate = 1
	} else {
		d.offerOnCreate = 0
	}
	atomic.StoreUint32(&d.state, initialState)
}
