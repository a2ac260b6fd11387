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

package runtime

import (
	"context"
	"fmt"

	"shmbus/internal/control"
	"shmbus/internal/mempool"
	"shmbus/internal/port"
	"shmbus/internal/queue"
	"shmbus/internal/relptr"
)

// SubscriberOptions is the subscriber-side QoS surface.
type SubscriberOptions struct {
	// QueueCapacity bounds the delivery queue.
	QueueCapacity uint32
	// RequestedHistory asks for up to this many retained chunks on join.
	RequestedHistory uint32
	// Policy selects the behaviour of a full delivery queue.
	Policy queue.OverflowPolicy
}

// Subscriber is the untyped user handle over a subscriber port.
type Subscriber struct {
	rt     *Runtime
	s      *port.Subscriber
	ref    relptr.Ref
	closed bool
}

// NewSubscriber asks the broker for a subscriber port on the given topic.
// If a matching offer exists the port connects immediately; otherwise it
// rests in WAIT_FOR_OFFER until one appears.
func (rt *Runtime) NewSubscriber(ctx context.Context, svc port.ServiceDescription, opts SubscriberOptions) (*Subscriber, error) {
	var req, rep [control.MessageSize]byte
	control.CreateSub{
		Service:          svc.Service,
		Instance:         svc.Instance,
		Event:            svc.Event,
		QueueCapacity:    opts.QueueCapacity,
		RequestedHistory: opts.RequestedHistory,
		Policy:           opts.Policy,
	}.Encode(req[:])

	if err := rt.roundTrip(ctx, req[:], rep[:]); err != nil {
		return nil, fmt.Errorf("create subscriber: %w", err)
	}
	r, err := control.DecodePortReply(rep[:], control.KindCreateSubReply)
	if err != nil {
		return nil, err
	}
	if err := control.StatusError(r.Status); err != nil {
		return nil, err
	}

	return &Subscriber{
		rt:  rt,
		s:   port.SubscriberPortAt(rt.reg, r.PortRef),
		ref: r.PortRef,
	}, nil
}

// Take pops one chunk. overflow reports, once per episode, that the queue
// dropped or rejected chunks since the previous Take. port.ErrEmpty is
// returned when nothing is queued.
func (s *Subscriber) Take() (mempool.Chunk, bool, error) {
	return s.s.Take()
}

// Release returns a taken chunk; the last reference frees the block.
func (s *Subscriber) Release(chunk mempool.Chunk) {
	s.s.Release(chunk)
}

// WaitForData blocks until a publisher signals the delivery queue or ctx
// is done. Wakeups can be spurious; loop around Take.
func (s *Subscriber) WaitForData(ctx context.Context) error {
	return s.s.WaitForData(ctx)
}

// Unsubscribe detaches from the matched publisher asynchronously.
func (s *Subscriber) Unsubscribe() { s.s.Unsubscribe() }

// Resubscribe re-arms an unsubscribed port.
func (s *Subscriber) Resubscribe() { s.s.Resubscribe() }

// State returns the current subscription state.
func (s *Subscriber) State() port.SubscriberState { return s.s.State() }

// Close drains the queue, releases every held chunk and removes the port
// at the broker.
func (s *Subscriber) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.s.DrainAndRelease()

	var req, rep [control.MessageSize]byte
	control.RemovePort{PortRef: s.ref}.Encode(req[:])
	if err := s.rt.roundTrip(ctx, req[:], rep[:]); err != nil {
		return fmt.Errorf("remove subscriber port: %w", err)
	}
	r, err := control.DecodePortReply(rep[:], control.KindRemovePortReply)
	if err != nil {
		return err
	}
	return control.StatusError(r.Status)
}
