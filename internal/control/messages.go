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

// Package control implements the client <-> broker control plane: a taxonomy
// of fixed-size request/reply records and the per-client channel that
// carries them, a pair of byte rings inside a small control segment.
//
// Every message is exactly MessageSize bytes, little-endian, self-describing
// through its leading kind byte. Strings are capped with a truncation flag.
// Encoding works on caller-provided buffers; the hot path never allocates.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"

	"shmbus/internal/queue"
	"shmbus/internal/relptr"
)

// MessageSize is the fixed wire size of every control message.
const MessageSize = 256

// Message kinds. Replies set the high bit of the request kind.
const (
	KindRegApp     = uint8(0x01)
	KindUnregApp   = uint8(0x02)
	KindCreatePub  = uint8(0x03)
	KindCreateSub  = uint8(0x04)
	KindRemovePort = uint8(0x05)
	KindKeepAlive  = uint8(0x06)

	replyBit          = uint8(0x80)
	KindRegAppReply     = KindRegApp | replyBit
	KindUnregAppReply   = KindUnregApp | replyBit
	KindCreatePubReply  = KindCreatePub | replyBit
	KindCreateSubReply  = KindCreateSub | replyBit
	KindRemovePortReply = KindRemovePort | replyBit
)

// Status codes carried in replies.
const (
	StatusOK = uint8(iota)
	StatusErrCapacity
	StatusErrProtocol
	StatusErrNoSuchPort
	StatusErrAlreadyRegistered
	StatusErrInternal
)

// StatusError converts a non-OK status into an error.
func StatusError(status uint8) error {
	switch status {
	case StatusOK:
		return nil
	case StatusErrCapacity:
		return errors.New("broker: capacity exhausted")
	case StatusErrProtocol:
		return errors.New("broker: protocol error")
	case StatusErrNoSuchPort:
		return errors.New("broker: unknown port handle")
	case StatusErrAlreadyRegistered:
		return errors.New("broker: application already registered")
	default:
		return errors.New("broker: internal error")
	}
}

// String caps on the control wire.
const (
	maxAppName     = 63
	maxCtlName     = 30
	maxSegName     = 22
	maxIdentifier  = 46
	maxSegmentInfo = 5
)

// ErrBadMessage is returned when a record fails to decode.
var ErrBadMessage = errors.New("malformed control message")

// Kind returns the message kind of an encoded record.
func Kind(b []byte) uint8 {
	if len(b) < 1 {
		return 0
	}
	return b[0]
}

// putString encodes s at b[off] as {len, truncated, bytes[cap]} and returns
// the offset past the field.
func putString(b []byte, off int, s string, cap int) int {
	n := len(s)
	truncated := byte(0)
	if n > cap {
		n = cap
		truncated = 1
	}
	b[off] = byte(n)
	b[off+1] = truncated
	copy(b[off+2:off+2+cap], s[:n])
	return off + 2 + cap
}

// getString decodes a string field written by putString.
func getString(b []byte, off int, cap int) (string, int, error) {
	n := int(b[off])
	if n > cap {
		return "", 0, ErrBadMessage
	}
	return string(b[off+2 : off+2+n]), off + 2 + cap, nil
}

// RegApp registers an application with the broker. It travels through the
// shared registration inbox, before the client has a channel of its own.
type RegApp struct {
	AppName string
	PID     uint32
}

// Encode writes the record into b (MessageSize bytes).
func (m RegApp) Encode(b []byte) {
	clear(b[:MessageSize])
	b[0] = KindRegApp
	binary.LittleEndian.PutUint32(b[4:8], m.PID)
	putString(b, 8, m.AppName, maxAppName)
}

// DecodeRegApp parses a RegApp record.
func DecodeRegApp(b []byte) (RegApp, error) {
	if Kind(b) != KindRegApp {
		return RegApp{}, ErrBadMessage
	}
	name, _, err := getString(b, 8, maxAppName)
	if err != nil {
		return RegApp{}, err
	}
	return RegApp{AppName: name, PID: binary.LittleEndian.Uint32(b[4:8])}, nil
}

// SegmentInfo describes one shared segment in a registration reply.
type SegmentInfo struct {
	Name string
	ID   relptr.SegmentID
	Size uint64
}

// RegAppReply answers a RegApp: the name of the client's control segment
// and the list of data segments to map.
type RegAppReply struct {
	Status     uint8
	CtlSegment string
	Segments   []SegmentInfo
}

// Encode writes the record into b.
func (m RegAppReply) Encode(b []byte) error {
	if len(m.Segments) > maxSegmentInfo {
		return fmt.Errorf("%w: %d segments exceed reply capacity", ErrBadMessage, len(m.Segments))
	}
	clear(b[:MessageSize])
	b[0] = KindRegAppReply
	b[1] = m.Status
	off := putString(b, 8, m.CtlSegment, maxCtlName)
	b[off] = byte(len(m.Segments))
	off++
	for _, s := range m.Segments {
		off = putString(b, off, s.Name, maxSegName)
		binary.LittleEndian.PutUint16(b[off:off+2], uint16(s.ID))
		binary.LittleEndian.PutUint64(b[off+2:off+10], s.Size)
		off += 10
	}
	return nil
}

// DecodeRegAppReply parses a RegAppReply record.
func DecodeRegAppReply(b []byte) (RegAppReply, error) {
	if Kind(b) != KindRegAppReply {
		return RegAppReply{}, ErrBadMessage
	}
	m := RegAppReply{Status: b[1]}
	name, off, err := getString(b, 8, maxCtlName)
	if err != nil {
		return RegAppReply{}, err
	}
	m.CtlSegment = name
	count := int(b[off])
	off++
	if count > maxSegmentInfo {
		return RegAppReply{}, ErrBadMessage
	}
	for i := 0; i < count; i++ {
		var s SegmentInfo
		s.Name, off, err = getString(b, off, maxSegName)
		if err != nil {
			return RegAppReply{}, err
		}
		s.ID = relptr.SegmentID(binary.LittleEndian.Uint16(b[off : off+2]))
		s.Size = binary.LittleEndian.Uint64(b[off+2 : off+10])
		off += 10
		m.Segments = append(m.Segments, s)
	}
	return m, nil
}

// UnregApp deregisters an application.
type UnregApp struct {
	PID uint32
}

// Encode writes the record into b.
func (m UnregApp) Encode(b []byte) {
	clear(b[:MessageSize])
	b[0] = KindUnregApp
	binary.LittleEndian.PutUint32(b[4:8], m.PID)
}

// DecodeUnregApp parses an UnregApp record.
func DecodeUnregApp(b []byte) (UnregApp, error) {
	if Kind(b) != KindUnregApp {
		return UnregApp{}, ErrBadMessage
	}
	return UnregApp{PID: binary.LittleEndian.Uint32(b[4:8])}, nil
}

// CreatePub asks the broker for a publisher port.
type CreatePub struct {
	Service         string
	Instance        string
	Event           string
	HistoryCapacity uint32
	OfferOnCreate   bool
}

// Encode writes the record into b.
func (m CreatePub) Encode(b []byte) {
	clear(b[:MessageSize])
	b[0] = KindCreatePub
	binary.LittleEndian.PutUint32(b[4:8], m.HistoryCapacity)
	if m.OfferOnCreate {
		b[8] = 1
	}
	off := putString(b, 12, m.Service, maxIdentifier)
	off = putString(b, off, m.Instance, maxIdentifier)
	putString(b, off, m.Event, maxIdentifier)
}

// DecodeCreatePub parses a CreatePub record.
func DecodeCreatePub(b []byte) (CreatePub, error) {
	if Kind(b) != KindCreatePub {
		return CreatePub{}, ErrBadMessage
	}
	m := CreatePub{
		HistoryCapacity: binary.LittleEndian.Uint32(b[4:8]),
		OfferOnCreate:   b[8] == 1,
	}
	var err error
	off := 12
	if m.Service, off, err = getString(b, off, maxIdentifier); err != nil {
		return CreatePub{}, err
	}
	if m.Instance, off, err = getString(b, off, maxIdentifier); err != nil {
		return CreatePub{}, err
	}
	if m.Event, _, err = getString(b, off, maxIdentifier); err != nil {
		return CreatePub{}, err
	}
	return m, nil
}

// CreateSub asks the broker for a subscriber port.
type CreateSub struct {
	Service          string
	Instance         string
	Event            string
	QueueCapacity    uint32
	RequestedHistory uint32
	Policy           queue.OverflowPolicy
}

// Encode writes the record into b.
func (m CreateSub) Encode(b []byte) {
	clear(b[:MessageSize])
	b[0] = KindCreateSub
	binary.LittleEndian.PutUint32(b[4:8], m.QueueCapacity)
	binary.LittleEndian.PutUint32(b[8:12], m.RequestedHistory)
	b[12] = byte(m.Policy)
	off := putString(b, 16, m.Service, maxIdentifier)
	off = putString(b, off, m.Instance, maxIdentifier)
	putString(b, off, m.Event, maxIdentifier)
}

// DecodeCreateSub parses a CreateSub record.
func DecodeCreateSub(b []byte) (CreateSub, error) {
	if Kind(b) != KindCreateSub {
		return CreateSub{}, ErrBadMessage
	}
	m := CreateSub{
		QueueCapacity:    binary.LittleEndian.Uint32(b[4:8]),
		RequestedHistory: binary.LittleEndian.Uint32(b[8:12]),
		Policy:           queue.OverflowPolicy(b[12]),
	}
	var err error
	off := 16
	if m.Service, off, err = getString(b, off, maxIdentifier); err != nil {
		return CreateSub{}, err
	}
	if m.Instance, off, err = getString(b, off, maxIdentifier); err != nil {
		return CreateSub{}, err
	}
	if m.Event, _, err = getString(b, off, maxIdentifier); err != nil {
		return CreateSub{}, err
	}
	return m, nil
}

// PortReply answers CreatePub, CreateSub and RemovePort.
type PortReply struct {
	Kind    uint8
	Status  uint8
	PortRef relptr.Ref
}

// Encode writes the record into b.
func (m PortReply) Encode(b []byte) {
	clear(b[:MessageSize])
	b[0] = m.Kind
	b[1] = m.Status
	binary.LittleEndian.PutUint64(b[8:16], uint64(m.PortRef))
}

// DecodePortReply parses a reply record of the given kind.
func DecodePortReply(b []byte, kind uint8) (PortReply, error) {
	if Kind(b) != kind {
		return PortReply{}, ErrBadMessage
	}
	return PortReply{
		Kind:    b[0],
		Status:  b[1],
		PortRef: relptr.Ref(binary.LittleEndian.Uint64(b[8:16])),
	}, nil
}

// RemovePort asks the broker to tear a port down.
type RemovePort struct {
	PortRef relptr.Ref
}

// Encode writes the record into b.
func (m RemovePort) Encode(b []byte) {
	clear(b[:MessageSize])
	b[0] = KindRemovePort
	binary.LittleEndian.PutUint64(b[8:16], uint64(m.PortRef))
}

// DecodeRemovePort parses a RemovePort record.
func DecodeRemovePort(b []byte) (RemovePort, error) {
	if Kind(b) != KindRemovePort {
		return RemovePort{}, ErrBadMessage
	}
	return RemovePort{PortRef: relptr.Ref(binary.LittleEndian.Uint64(b[8:16]))}, nil
}

// KeepAlive refreshes the sender's liveness epoch. It has no reply.
type KeepAlive struct {
	PID uint32
}

// Encode writes the record into b.
func (m KeepAlive) Encode(b []byte) {
	clear(b[:MessageSize])
	b[0] = KindKeepAlive
	binary.LittleEndian.PutUint32(b[4:8], m.PID)
}

// DecodeKeepAlive parses a KeepAlive record.
func DecodeKeepAlive(b []byte) (KeepAlive, error) {
	if Kind(b) != KindKeepAlive {
		return KeepAlive{}, ErrBadMessage
	}
	return KeepAlive{PID: binary.LittleEndian.Uint32(b[4:8])}, nil
}
