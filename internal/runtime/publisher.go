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
	"shmbus/internal/relptr"
)

// PublisherOptions is the publisher-side QoS surface.
type PublisherOptions struct {
	// HistoryCapacity is how many sent chunks are retained for replay to
	// late-joining subscribers.
	HistoryCapacity uint32
	// OfferOnCreate starts the port in the OFFERED state.
	OfferOnCreate bool
}

// Publisher is the untyped user handle over a publisher port.
type Publisher struct {
	rt     *Runtime
	p      *port.Publisher
	ref    relptr.Ref
	closed bool
}

// NewPublisher asks the broker for a publisher port on the given topic.
func (rt *Runtime) NewPublisher(ctx context.Context, svc port.ServiceDescription, opts PublisherOptions) (*Publisher, error) {
	var req, rep [control.MessageSize]byte
	control.CreatePub{
		Service:         svc.Service,
		Instance:        svc.Instance,
		Event:           svc.Event,
		HistoryCapacity: opts.HistoryCapacity,
		OfferOnCreate:   opts.OfferOnCreate,
	}.Encode(req[:])

	if err := rt.roundTrip(ctx, req[:], rep[:]); err != nil {
		return nil, fmt.Errorf("create publisher: %w", err)
	}
	r, err := control.DecodePortReply(rep[:], control.KindCreatePubReply)
	if err != nil {
		return nil, err
	}
	if err := control.StatusError(r.Status); err != nil {
		return nil, err
	}

	return &Publisher{
		rt:  rt,
		p:   port.PublisherPortAt(rt.reg, r.PortRef, rt.defAlloc),
		ref: r.PortRef,
	}, nil
}

// Loan claims a chunk for an 8-byte aligned payload of the given size.
func (p *Publisher) Loan(payloadSize uint32) (mempool.Chunk, error) {
	return p.p.Loan(payloadSize, 8)
}

// LoanAligned claims a chunk with an explicit payload alignment.
func (p *Publisher) LoanAligned(payloadSize, align uint32) (mempool.Chunk, error) {
	return p.p.Loan(payloadSize, align)
}

// Send publishes a loaned chunk to every connected subscriber.
func (p *Publisher) Send(chunk mempool.Chunk) error {
	return p.p.Send(chunk)
}

// ReleaseLoan returns a loaned chunk without publishing it.
func (p *Publisher) ReleaseLoan(chunk mempool.Chunk) {
	p.p.ReleaseLoan(chunk)
}

// Offer advertises the topic. The broker acknowledges asynchronously.
func (p *Publisher) Offer() { p.p.Offer() }

// StopOffer withdraws the advertisement.
func (p *Publisher) StopOffer() { p.p.StopOffer() }

// State returns the current chunk-sender state.
func (p *Publisher) State() port.PublisherState { return p.p.State() }

// Close removes the port at the broker.
func (p *Publisher) Close(ctx context.Context) error {
	if p.closed {
		return nil
	}
	p.closed = true

	var req, rep [control.MessageSize]byte
	control.RemovePort{PortRef: p.ref}.Encode(req[:])
	if err := p.rt.roundTrip(ctx, req[:], rep[:]); err != nil {
		return fmt.Errorf("remove publisher port: %w", err)
	}
	r, err := control.DecodePortReply(rep[:], control.KindRemovePortReply)
	if err != nil {
		return err
	}
	return control.StatusError(r.Status)
}
