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

// Package runtime is the client side of the transport: it performs the
// registration handshake with the broker, maps the shared segments, keeps
// the liveness epoch fresh and hands out untyped publisher and subscriber
// handles. The typed request/reply façade on top of these handles is a
// separate concern and lives elsewhere.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"shmbus/internal/control"
	"shmbus/internal/mempool"
	"shmbus/internal/relptr"
	"shmbus/internal/shm"
)

// DefaultKeepAliveInterval is how often the runtime refreshes its epoch.
// It must be comfortably below the broker's keep-alive threshold.
const DefaultKeepAliveInterval = 500 * time.Millisecond

// Runtime is one process's connection to the broker.
type Runtime struct {
	name      string
	pid       uint32
	log       *slog.Logger
	reg       *relptr.Registry
	gate      *control.Gate
	ch        *control.Channel
	dataSegs  []*shm.Segment
	segIDs    []relptr.SegmentID
	defAlloc  *mempool.Allocator
	keepAlive time.Duration

	mu     sync.Mutex // serialises the control channel
	closed bool

	kaCancel context.CancelFunc
	kaDone   chan struct{}
}

// Option customises the runtime.
type Option func(*Runtime)

// WithLogger sets the runtime's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.log = l }
}

// WithKeepAliveInterval overrides the keep-alive cadence.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(r *Runtime) { r.keepAlive = d }
}

// Dial registers this process with the broker and maps every shared
// segment the broker announces. It blocks until the broker answers or ctx
// expires.
func Dial(ctx context.Context, appName string, opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		name:      appName,
		pid:       uint32(os.Getpid()),
		log:       slog.Default().With("component", "runtime", "app", appName),
		reg:       relptr.NewRegistry(),
		keepAlive: DefaultKeepAliveInterval,
	}
	for _, opt := range opts {
		opt(rt)
	}

	gate, err := control.OpenGate(ctx, rt.reg)
	if err != nil {
		return nil, err
	}
	rt.gate = gate

	// Push the registration record into the shared inbox and ring the
	// doorbell. The inbox can be momentarily full with many processes
	// starting at once.
	var reg [control.MessageSize]byte
	control.RegApp{AppName: appName, PID: rt.pid}.Encode(reg[:])
	for !gate.Inbox.TryPush(reg[:]) {
		select {
		case <-ctx.Done():
			gate.Close(rt.reg)
			return nil, fmt.Errorf("registration inbox full: %w", ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
	gate.Doorbell.Signal()

	ch, err := control.OpenChannel(ctx, control.CtlSegmentName(rt.pid))
	if err != nil {
		gate.Close(rt.reg)
		return nil, err
	}
	rt.ch = ch

	buf := make([]byte, control.MessageSize)
	if err := ch.RecvReply(ctx, buf); err != nil {
		rt.unwind()
		return nil, fmt.Errorf("registration reply: %w", err)
	}
	rep, err := control.DecodeRegAppReply(buf)
	if err != nil {
		rt.unwind()
		return nil, err
	}
	if err := control.StatusError(rep.Status); err != nil {
		rt.unwind()
		return nil, err
	}

	for _, info := range rep.Segments {
		seg, err := shm.Open(info.Name)
		if err != nil {
			rt.unwind()
			return nil, fmt.Errorf("map data segment %s: %w", info.Name, err)
		}
		if err := rt.reg.Register(info.ID, seg.Base(), seg.Size()); err != nil {
			seg.Close()
			rt.unwind()
			return nil, err
		}
		alloc, err := mempool.OpenDataSegment(rt.reg, info.ID, seg.Mem)
		if err != nil {
			rt.unwind()
			return nil, fmt.Errorf("attach data segment %s: %w", info.Name, err)
		}
		rt.dataSegs = append(rt.dataSegs, seg)
		rt.segIDs = append(rt.segIDs, info.ID)
		if rt.defAlloc == nil {
			rt.defAlloc = alloc
		}
	}
	if rt.defAlloc == nil {
		rt.unwind()
		return nil, fmt.Errorf("broker announced no data segments")
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	rt.kaCancel = cancel
	rt.kaDone = make(chan struct{})
	go rt.keepAliveLoop(kaCtx)

	rt.log.Info("connected to broker", "segments", len(rt.dataSegs))
	return rt, nil
}

// keepAliveLoop deposits a fresh liveness epoch at every tick. A broker
// that stops hearing these reclaims every port this process owns.
func (rt *Runtime) keepAliveLoop(ctx context.Context) {
	defer close(rt.kaDone)
	ticker := time.NewTicker(rt.keepAlive)
	defer ticker.Stop()

	var buf [control.MessageSize]byte
	control.KeepAlive{PID: rt.pid}.Encode(buf[:])
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.mu.Lock()
			if !rt.closed {
				sendCtx, cancel := context.WithTimeout(ctx, rt.keepAlive)
				if err := rt.ch.SendRequest(sendCtx, buf[:]); err != nil {
					rt.log.Warn("keep-alive not delivered", "err", err)
				}
				cancel()
			}
			rt.mu.Unlock()
		}
	}
}

// roundTrip sends one request and reads the matching reply. Replies come
// back in request order; keep-alives have no reply, so the next record on
// the reply ring always answers the request just sent.
func (rt *Runtime) roundTrip(ctx context.Context, req []byte, reply []byte) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return fmt.Errorf("runtime closed")
	}
	if err := rt.ch.SendRequest(ctx, req); err != nil {
		return err
	}
	return rt.ch.RecvReply(ctx, reply)
}

// Registry returns the process-local relative-pointer registry.
func (rt *Runtime) Registry() *relptr.Registry { return rt.reg }

// Allocator returns the default data segment's allocator.
func (rt *Runtime) Allocator() *mempool.Allocator { return rt.defAlloc }

// Close deregisters from the broker and unmaps every segment.
func (rt *Runtime) Close(ctx context.Context) error {
	if rt.kaCancel != nil {
		rt.kaCancel()
		<-rt.kaDone
	}

	var req, rep [control.MessageSize]byte
	control.UnregApp{PID: rt.pid}.Encode(req[:])
	if err := rt.roundTrip(ctx, req[:], rep[:]); err != nil {
		rt.log.Warn("deregistration failed", "err", err)
	}

	rt.mu.Lock()
	rt.closed = true
	rt.mu.Unlock()
	rt.unwind()
	return nil
}

func (rt *Runtime) unwind() {
	for i, seg := range rt.dataSegs {
		rt.reg.Unregister(rt.segIDs[i])
		seg.Close()
	}
	rt.dataSegs = nil
	rt.segIDs = nil
	if rt.ch != nil {
		rt.ch.Close()
		rt.ch = nil
	}
	if rt.gate != nil {
		rt.gate.Close(rt.reg)
		rt.gate = nil
	}
}
