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

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the broker's operational counters and gauges. Liveness
// losses never surface as errors on any API; they only move these numbers.
type Metrics struct {
	ProcessesRegistered prometheus.Gauge
	PortsActive         *prometheus.GaugeVec
	PortsCreated        *prometheus.CounterVec
	PortsRemoved        *prometheus.CounterVec
	ConnectionsActive   prometheus.Gauge
	StaleProcessSweeps  prometheus.Counter
	ChunksInUse         *prometheus.GaugeVec
}

// NewMetrics creates the broker metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		ProcessesRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shmbus",
			Subsystem: "broker",
			Name:      "processes_registered",
			Help:      "Number of currently registered client processes",
		}),
		PortsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shmbus",
			Subsystem: "broker",
			Name:      "ports_active",
			Help:      "Number of live ports by role",
		}, []string{"role"}),
		PortsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmbus",
			Subsystem: "broker",
			Name:      "ports_created_total",
			Help:      "Total ports created by role",
		}, []string{"role"}),
		PortsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmbus",
			Subsystem: "broker",
			Name:      "ports_removed_total",
			Help:      "Total ports removed by role",
		}, []string{"role"}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shmbus",
			Subsystem: "broker",
			Name:      "connections_active",
			Help:      "Number of live publisher-subscriber links",
		}),
		StaleProcessSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmbus",
			Subsystem: "broker",
			Name:      "stale_process_sweeps_total",
			Help:      "Processes garbage-collected after missing keep-alives",
		}),
		ChunksInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shmbus",
			Subsystem: "mempool",
			Name:      "chunks_in_use",
			Help:      "Claimed blocks per segment and pool block size",
		}, []string{"segment", "block_size"}),
	}
}

// Register registers all metrics with the given registerer.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.ProcessesRegistered,
		m.PortsActive,
		m.PortsCreated,
		m.PortsRemoved,
		m.ConnectionsActive,
		m.StaleProcessSweeps,
		m.ChunksInUse,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
