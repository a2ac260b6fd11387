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

// Package broker implements the central daemon that owns the shared
// segments and mediates discovery, connection and teardown. All registry
// mutation is serialised on a single dispatch goroutine; client control
// traffic and the discovery tick both funnel into it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"shmbus/internal/control"
	"shmbus/internal/port"
	"shmbus/internal/queue"
	"shmbus/internal/relptr"
	"shmbus/internal/shm"
	"shmbus/internal/timer"
)

// clientProc is the broker's record of one registered client process.
type clientProc struct {
	name     string
	pid      uint32
	ch       *control.Channel
	lastSeen time.Time
	cancel   context.CancelFunc
}

// command is one unit of work for the dispatch goroutine: a control record
// plus its origin, or a discovery tick.
type command struct {
	pid       uint32
	fromInbox bool
	tick      bool
	msg       [control.MessageSize]byte
}

// Broker owns the gate, the data segments and the port graph, and serves
// the control plane.
type Broker struct {
	cfg     Config
	log     *slog.Logger
	reg     *relptr.Registry
	gate    *control.Gate
	segs    *SegmentManager
	graph   *PortGraph
	metrics *Metrics
	procs   map[uint32]*clientProc
	cmds    chan command
	timers  *timer.Pool
}

// Option customises broker construction.
type Option func(*Broker)

// WithLogger sets the broker's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithPrometheus registers the broker's metrics with r.
func WithPrometheus(r prometheus.Registerer) Option {
	return func(b *Broker) {
		if err := b.metrics.Register(r); err != nil {
			b.log.Warn("metric registration failed", "err", err)
		}
	}
}

// New creates the broker: gate segment, data segments and empty port graph.
// Leftover segment files from a previous run are removed first; nothing is
// persisted across broker restarts.
func New(cfg Config, opts ...Option) (*Broker, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:     cfg,
		log:     slog.Default().With("component", "broker"),
		reg:     relptr.NewRegistry(),
		metrics: NewMetrics(),
		procs:   make(map[uint32]*clientProc),
		cmds:    make(chan command, 128),
		timers:  timer.NewPool(4),
	}
	for _, opt := range opts {
		opt(b)
	}

	shm.Remove(control.GateName)
	gateSeg, err := shm.Create(control.GateName, control.GateSize(uint64(cfg.PortPoolCapacity)), 0600)
	if err != nil {
		return nil, fmt.Errorf("create gate: %w", err)
	}
	if err := b.reg.Register(control.GateSegmentID, gateSeg.Base(), gateSeg.Size()); err != nil {
		gateSeg.Close()
		gateSeg.Unlink()
		return nil, err
	}
	gate, err := control.InitGate(b.reg, gateSeg, uint64(cfg.PortPoolCapacity))
	if err != nil {
		gateSeg.Close()
		gateSeg.Unlink()
		return nil, err
	}
	b.gate = gate

	segs, err := NewSegmentManager(b.reg, cfg, b.log)
	if err != nil {
		b.closeGate()
		return nil, err
	}
	b.segs = segs
	b.graph = NewPortGraph(b.reg, gate, cfg, b.log, b.metrics)

	b.log.Info("broker ready",
		"accessGroups", len(cfg.AccessGroups),
		"portPoolCapacity", cfg.PortPoolCapacity)
	return b, nil
}

// Run serves the control plane until ctx is cancelled, then tears
// everything down.
func (b *Broker) Run(ctx context.Context) error {
	// The discovery tick arrives through the command funnel like every
	// other unit of work, so the dispatch goroutine stays the single
	// mutator. A tick that finds the funnel full is dropped; the next one
	// covers for it.
	tick, err := b.timers.Schedule(
		time.Duration(b.cfg.DiscoveryIntervalMs)*time.Millisecond, true,
		func() {
			select {
			case b.cmds <- command{tick: true}:
			default:
			}
		})
	if err != nil {
		return err
	}
	defer b.timers.Cancel(tick)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.inboxLoop(ctx) })
	g.Go(func() error { return b.dispatchLoop(ctx) })
	err = g.Wait()
	b.teardown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// inboxLoop drains the registration inbox whenever the doorbell rings.
func (b *Broker) inboxLoop(ctx context.Context) error {
	buf := make([]byte, control.MessageSize)
	for {
		if err := b.gate.Doorbell.Wait(ctx); err != nil {
			return err
		}
		for b.gate.Inbox.TryPop(buf) {
			var cmd command
			cmd.fromInbox = true
			copy(cmd.msg[:], buf)
			select {
			case b.cmds <- cmd:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// dispatchLoop is the single mutator of the port graph and the process
// table.
func (b *Broker) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-b.cmds:
			if cmd.tick {
				b.discoveryTick(ctx)
				continue
			}
			b.handle(ctx, cmd)
		}
	}
}

// discoveryTick advances port state machines and sweeps stale processes.
func (b *Broker) discoveryTick(ctx context.Context) {
	b.graph.Tick()

	threshold := time.Duration(b.cfg.KeepAliveThresholdMs) * time.Millisecond
	now := time.Now()
	for pid, proc := range b.procs {
		if now.Sub(proc.lastSeen) > threshold {
			b.log.Warn("process missed keep-alives, sweeping",
				"app", proc.name, "pid", pid, "lastSeen", proc.lastSeen)
			b.metrics.StaleProcessSweeps.Inc()
			b.removeProcess(pid)
		}
	}

	for _, s := range b.segs.Segments() {
		for _, u := range s.Alloc.Usage() {
			b.metrics.ChunksInUse.WithLabelValues(s.Name, strconv.FormatUint(u.BlockSize, 10)).Set(float64(u.Used))
		}
	}
	_ = ctx
}

func (b *Broker) handle(ctx context.Context, cmd command) {
	switch control.Kind(cmd.msg[:]) {
	case control.KindRegApp:
		b.handleRegister(ctx, cmd)
	case control.KindKeepAlive:
		if ka, err := control.DecodeKeepAlive(cmd.msg[:]); err == nil {
			if proc, ok := b.procs[ka.PID]; ok {
				proc.lastSeen = time.Now()
			}
		}
	case control.KindCreatePub:
		b.handleCreatePub(ctx, cmd)
	case control.KindCreateSub:
		b.handleCreateSub(ctx, cmd)
	case control.KindRemovePort:
		b.handleRemovePort(ctx, cmd)
	case control.KindUnregApp:
		b.handleUnregister(ctx, cmd)
	default:
		b.log.Warn("unknown control message", "kind", control.Kind(cmd.msg[:]), "pid", cmd.pid)
	}
}

func (b *Broker) handleRegister(ctx context.Context, cmd command) {
	req, err := control.DecodeRegApp(cmd.msg[:])
	if err != nil {
		b.log.Warn("malformed registration", "err", err)
		return
	}
	if _, ok := b.procs[req.PID]; ok {
		b.log.Warn("duplicate registration", "app", req.AppName, "pid", req.PID)
		return
	}

	name := control.CtlSegmentName(req.PID)
	shm.Remove(name)
	ch, err := control.CreateChannel(name, control.DefaultRingCapacity)
	if err != nil {
		b.log.Error("control channel creation failed", "app", req.AppName, "err", err)
		return
	}

	procCtx, cancel := context.WithCancel(ctx)
	proc := &clientProc{
		name:     req.AppName,
		pid:      req.PID,
		ch:       ch,
		lastSeen: time.Now(),
		cancel:   cancel,
	}
	b.procs[req.PID] = proc
	b.metrics.ProcessesRegistered.Set(float64(len(b.procs)))

	go b.clientLoop(procCtx, proc)

	reply := control.RegAppReply{
		Status:     control.StatusOK,
		CtlSegment: name,
		Segments:   b.segs.Infos(),
	}
	var buf [control.MessageSize]byte
	if err := reply.Encode(buf[:]); err != nil {
		b.log.Error("registration reply too large", "err", err)
		return
	}
	b.sendReply(ctx, proc, buf[:])
	b.log.Info("application registered", "app", req.AppName, "pid", req.PID)
}

// clientLoop pumps one client's request ring into the dispatch funnel.
func (b *Broker) clientLoop(ctx context.Context, proc *clientProc) {
	buf := make([]byte, control.MessageSize)
	for {
		if err := proc.ch.RecvRequest(ctx, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				b.log.Debug("client channel closed", "pid", proc.pid, "err", err)
			}
			return
		}
		var cmd command
		cmd.pid = proc.pid
		copy(cmd.msg[:], buf)
		select {
		case b.cmds <- cmd:
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broker) handleCreatePub(ctx context.Context, cmd command) {
	proc, ok := b.procs[cmd.pid]
	if !ok {
		return
	}
	reply := control.PortReply{Kind: control.KindCreatePubReply, Status: control.StatusOK}

	req, err := control.DecodeCreatePub(cmd.msg[:])
	if err != nil {
		reply.Status = control.StatusErrProtocol
	} else {
		svc := port.ServiceDescription{Service: req.Service, Instance: req.Instance, Event: req.Event}
		qos := port.QoS{HistoryCapacity: req.HistoryCapacity, OfferOnCreate: req.OfferOnCreate}
		ref, err := b.graph.CreatePublisherPort(svc, cmd.pid, qos)
		if err != nil {
			reply.Status = control.StatusErrCapacity
		} else {
			reply.PortRef = ref
		}
	}

	var buf [control.MessageSize]byte
	reply.Encode(buf[:])
	b.sendReply(ctx, proc, buf[:])
}

func (b *Broker) handleCreateSub(ctx context.Context, cmd command) {
	proc, ok := b.procs[cmd.pid]
	if !ok {
		return
	}
	reply := control.PortReply{Kind: control.KindCreateSubReply, Status: control.StatusOK}

	req, err := control.DecodeCreateSub(cmd.msg[:])
	if err != nil {
		reply.Status = control.StatusErrProtocol
	} else {
		svc := port.ServiceDescription{Service: req.Service, Instance: req.Instance, Event: req.Event}
		qos := port.QoS{
			QueueCapacity:    req.QueueCapacity,
			RequestedHistory: req.RequestedHistory,
			Policy:           queue.OverflowPolicy(req.Policy),
		}
		ref, err := b.graph.CreateSubscriberPort(svc, cmd.pid, qos)
		if err != nil {
			reply.Status = control.StatusErrCapacity
		} else {
			reply.PortRef = ref
		}
	}

	var buf [control.MessageSize]byte
	reply.Encode(buf[:])
	b.sendReply(ctx, proc, buf[:])
}

func (b *Broker) handleRemovePort(ctx context.Context, cmd command) {
	proc, ok := b.procs[cmd.pid]
	if !ok {
		return
	}
	reply := control.PortReply{Kind: control.KindRemovePortReply, Status: control.StatusOK}

	req, err := control.DecodeRemovePort(cmd.msg[:])
	if err != nil {
		reply.Status = control.StatusErrProtocol
	} else if err := b.graph.RemovePort(req.PortRef); err != nil {
		reply.Status = control.StatusErrNoSuchPort
	}

	var buf [control.MessageSize]byte
	reply.Encode(buf[:])
	b.sendReply(ctx, proc, buf[:])
}

func (b *Broker) handleUnregister(ctx context.Context, cmd command) {
	req, err := control.DecodeUnregApp(cmd.msg[:])
	if err != nil {
		return
	}
	proc, ok := b.procs[req.PID]
	if !ok {
		return
	}

	var buf [control.MessageSize]byte
	reply := control.PortReply{Kind: control.KindUnregAppReply, Status: control.StatusOK}
	reply.Encode(buf[:])
	b.sendReply(ctx, proc, buf[:])

	b.removeProcess(req.PID)
	b.log.Info("application unregistered", "app", proc.name, "pid", req.PID)
}

// removeProcess tears down one client: its ports, their chunks and its
// control channel.
func (b *Broker) removeProcess(pid uint32) {
	proc, ok := b.procs[pid]
	if !ok {
		return
	}
	b.graph.RemoveProcessPorts(pid)
	proc.cancel()
	proc.ch.Close()
	proc.ch.Unlink()
	delete(b.procs, pid)
	b.metrics.ProcessesRegistered.Set(float64(len(b.procs)))
}

func (b *Broker) sendReply(ctx context.Context, proc *clientProc, msg []byte) {
	// A stuck client must not wedge the dispatch loop.
	sendCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := proc.ch.SendReply(sendCtx, msg); err != nil {
		b.log.Warn("reply not delivered", "pid", proc.pid, "err", err)
	}
}

func (b *Broker) closeGate() {
	b.reg.Unregister(control.GateSegmentID)
	b.gate.Seg.Close()
	b.gate.Seg.Unlink()
}

// teardown releases everything. No state survives the broker.
func (b *Broker) teardown() {
	b.timers.CancelAll()
	for pid := range b.procs {
		b.removeProcess(pid)
	}
	if b.segs != nil {
		b.segs.Close()
	}
	b.closeGate()
	b.log.Info("broker stopped")
}

