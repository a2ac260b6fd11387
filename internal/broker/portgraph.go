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

package broker

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"shmbus/internal/control"
	"shmbus/internal/port"
	"shmbus/internal/relptr"
)

// ErrPortPoolExhausted is returned when no port record can be claimed.
var ErrPortPoolExhausted = errors.New("port pool exhausted")

// ErrTooManyPorts is returned when the configured per-role limit is hit.
var ErrTooManyPorts = errors.New("port limit reached")

// PortGraph is the broker-resident registry that matches publishers and
// subscribers and owns every per-connection link. It is mutated exclusively
// on the broker's dispatch goroutine; there are no concurrent writers.
type PortGraph struct {
	reg        *relptr.Registry
	gate       *control.Gate
	cfg        Config
	log        *slog.Logger
	metrics    *Metrics
	publishers map[relptr.Ref]*port.Publisher
	subscribers map[relptr.Ref]*port.Subscriber
	owners     map[relptr.Ref]uint32 // port ref -> owning pid
	nextPortID uint64
	links      int
}

// NewPortGraph creates an empty port graph over the gate's port pools.
func NewPortGraph(reg *relptr.Registry, gate *control.Gate, cfg Config, log *slog.Logger, metrics *Metrics) *PortGraph {
	return &PortGraph{
		reg:         reg,
		gate:        gate,
		cfg:         cfg,
		log:         log,
		metrics:     metrics,
		publishers:  make(map[relptr.Ref]*port.Publisher),
		subscribers: make(map[relptr.Ref]*port.Subscriber),
		owners:      make(map[relptr.Ref]uint32),
		nextPortID:  1,
	}
}

// CreatePublisherPort allocates a publisher record, registers it and fires
// connects for every waiting subscriber when the port starts offered.
func (g *PortGraph) CreatePublisherPort(svc port.ServiceDescription, pid uint32, qos port.QoS) (relptr.Ref, error) {
	if len(g.publishers) >= g.cfg.MaxPublishers {
		return relptr.NullRef, ErrTooManyPorts
	}
	block, ok := g.gate.PubPool.GetChunk()
	if !ok {
		return relptr.NullRef, ErrPortPoolExhausted
	}

	id := g.nextPortID
	g.nextPortID++
	pub := port.InitPublisherPort(g.reg, block, svc, uuid.New(), id, pid, qos)
	g.publishers[block] = pub
	g.owners[block] = pid
	g.metrics.PortsCreated.WithLabelValues("publisher").Inc()
	g.metrics.PortsActive.WithLabelValues("publisher").Inc()
	g.log.Info("publisher port created",
		"service", svc.Service, "instance", svc.Instance, "event", svc.Event,
		"port", id, "pid", pid)

	if pub.State() == port.PubOffered {
		g.matchPublisher(pub)
	}
	return block, nil
}

// CreateSubscriberPort allocates a subscriber record, registers it and
// connects it to every matching offered publisher, or parks it in
// WAIT_FOR_OFFER.
func (g *PortGraph) CreateSubscriberPort(svc port.ServiceDescription, pid uint32, qos port.QoS) (relptr.Ref, error) {
	if len(g.subscribers) >= g.cfg.MaxSubscribers {
		return relptr.NullRef, ErrTooManyPorts
	}
	block, ok := g.gate.SubPool.GetChunk()
	if !ok {
		return relptr.NullRef, ErrPortPoolExhausted
	}

	id := g.nextPortID
	g.nextPortID++
	sub := port.InitSubscriberPort(g.reg, block, svc, uuid.New(), id, pid, qos)
	g.subscribers[block] = sub
	g.owners[block] = pid
	g.metrics.PortsCreated.WithLabelValues("subscriber").Inc()
	g.metrics.PortsActive.WithLabelValues("subscriber").Inc()
	g.log.Info("subscriber port created",
		"service", svc.Service, "instance", svc.Instance, "event", svc.Event,
		"port", id, "pid", pid)

	g.matchSubscriber(sub)
	return block, nil
}

// RemovePort removes a port of either role, disconnects its peers and
// returns every chunk it still references to the pools.
func (g *PortGraph) RemovePort(ref relptr.Ref) error {
	if pub, ok := g.publishers[ref]; ok {
		g.removePublisher(ref, pub)
		return nil
	}
	if sub, ok := g.subscribers[ref]; ok {
		g.removeSubscriber(ref, sub)
		return nil
	}
	return errors.New("unknown port handle")
}

func (g *PortGraph) removePublisher(ref relptr.Ref, pub *port.Publisher) {
	for _, subRef := range pub.Connections() {
		pub.DisconnectSubscriber(subRef)
		g.links--
		if sub, ok := g.subscribers[subRef]; ok {
			// The producer went away, not the subscription: wait for the
			// next offer.
			sub.AckWaitForOffer()
		}
	}
	pub.ReleaseAll()
	delete(g.publishers, ref)
	delete(g.owners, ref)
	g.gate.PubPool.FreeChunk(ref)
	g.metrics.PortsRemoved.WithLabelValues("publisher").Inc()
	g.metrics.PortsActive.WithLabelValues("publisher").Dec()
	g.metrics.ConnectionsActive.Set(float64(g.links))
	g.log.Info("publisher port removed", "port", pub.Descriptor().PortID())
}

func (g *PortGraph) removeSubscriber(ref relptr.Ref, sub *port.Subscriber) {
	for _, pub := range g.publishers {
		for _, subRef := range pub.Connections() {
			if subRef == ref {
				pub.DisconnectSubscriber(ref)
				g.links--
			}
		}
	}
	sub.DrainAndRelease()
	delete(g.subscribers, ref)
	delete(g.owners, ref)
	g.gate.SubPool.FreeChunk(ref)
	g.metrics.PortsRemoved.WithLabelValues("subscriber").Inc()
	g.metrics.PortsActive.WithLabelValues("subscriber").Dec()
	g.metrics.ConnectionsActive.Set(float64(g.links))
	g.log.Info("subscriber port removed", "port", sub.Descriptor().PortID())
}

// RemoveProcessPorts removes every port owned by pid, as if by RemovePort.
func (g *PortGraph) RemoveProcessPorts(pid uint32) {
	for ref, owner := range g.owners {
		if owner != pid {
			continue
		}
		if pub, ok := g.publishers[ref]; ok {
			g.removePublisher(ref, pub)
		} else if sub, ok := g.subscribers[ref]; ok {
			g.removeSubscriber(ref, sub)
		}
	}
}

// Tick advances the port state machines: acknowledges offer and subscribe
// requests, performs matching and tears down requested disconnects. Runs on
// the dispatch goroutine, driven by the discovery interval.
func (g *PortGraph) Tick() {
	for _, pub := range g.publishers {
		switch pub.State() {
		case port.PubOfferRequested:
			if pub.AckOffer() {
				g.matchPublisher(pub)
			}
		case port.PubStopOfferRequested:
			for _, subRef := range pub.Connections() {
				pub.DisconnectSubscriber(subRef)
				g.links--
				if sub, ok := g.subscribers[subRef]; ok {
					sub.AckWaitForOffer()
				}
			}
			pub.AckStopOffer()
			g.metrics.ConnectionsActive.Set(float64(g.links))
		}
	}
	for _, sub := range g.subscribers {
		switch sub.State() {
		case port.SubSubscribeRequested:
			g.matchSubscriber(sub)
		case port.SubUnsubscribeRequested:
			for _, pub := range g.publishers {
				for _, subRef := range pub.Connections() {
					if subRef == sub.Ref() {
						pub.DisconnectSubscriber(subRef)
						g.links--
					}
				}
			}
			sub.AckUnsubscribed()
			g.metrics.ConnectionsActive.Set(float64(g.links))
		}
	}
}

// matchPublisher connects every waiting matching subscriber to pub.
func (g *PortGraph) matchPublisher(pub *port.Publisher) {
	svc := pub.Descriptor().Service()
	for _, sub := range g.subscribers {
		state := sub.State()
		if state != port.SubWaitForOffer && state != port.SubSubscribeRequested {
			continue
		}
		if sub.Descriptor().Service() != svc {
			continue
		}
		g.connect(pub, sub)
	}
}

// matchSubscriber connects sub to every matching offered publisher, or
// parks it until one appears.
func (g *PortGraph) matchSubscriber(sub *port.Subscriber) {
	svc := sub.Descriptor().Service()
	connected := false
	for _, pub := range g.publishers {
		if pub.State() != port.PubOffered {
			continue
		}
		if pub.Descriptor().Service() != svc {
			continue
		}
		if g.connect(pub, sub) {
			connected = true
		}
	}
	if !connected {
		sub.AckWaitForOffer()
	}
}

// connect performs the QoS check and links one publisher to one subscriber,
// replaying history per the subscriber's request.
func (g *PortGraph) connect(pub *port.Publisher, sub *port.Subscriber) bool {
	for _, existing := range pub.Connections() {
		if existing == sub.Ref() {
			return true
		}
	}
	// QoS compatibility is a unilateral subscriber-side check: it cannot
	// request more history than the publisher keeps.
	if sub.Descriptor().QoS().RequestedHistory > pub.Descriptor().QoS().HistoryCapacity {
		g.log.Debug("subscription rejected: requested history exceeds publisher history",
			"publisher", pub.Descriptor().PortID(), "subscriber", sub.Descriptor().PortID())
		return false
	}
	if err := pub.ConnectSubscriber(sub.Ref()); err != nil {
		g.log.Warn("connect failed",
			"publisher", pub.Descriptor().PortID(),
			"subscriber", sub.Descriptor().PortID(), "err", err)
		return false
	}
	sub.AckSubscribed()
	g.links++
	g.metrics.ConnectionsActive.Set(float64(g.links))
	g.log.Debug("link established",
		"publisher", pub.Descriptor().PortID(), "subscriber", sub.Descriptor().PortID())
	return true
}

// Counts returns the number of live publisher and subscriber ports.
func (g *PortGraph) Counts() (pubs, subs int) {
	return len(g.publishers), len(g.subscribers)
}
