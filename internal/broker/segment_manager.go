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
	"fmt"
	"log/slog"

	"shmbus/internal/control"
	"shmbus/internal/mempool"
	"shmbus/internal/relptr"
	"shmbus/internal/shm"
)

// DataSegment is one broker-owned payload segment: the mapping, its pools
// and the access group it belongs to.
type DataSegment struct {
	Name  string
	ID    relptr.SegmentID
	Group string
	Seg   *shm.Segment
	Alloc *mempool.Allocator
}

// SegmentManager creates the data segments from the static configuration at
// broker startup and publishes their mapping information for the client
// handshake. There is no overcommit and no resize.
type SegmentManager struct {
	reg      *relptr.Registry
	segments []*DataSegment
	log      *slog.Logger
}

// NewSegmentManager creates one segment per access group. Segment ids start
// right after the gate's.
func NewSegmentManager(reg *relptr.Registry, cfg Config, log *slog.Logger) (*SegmentManager, error) {
	m := &SegmentManager{reg: reg, log: log}

	for i, group := range cfg.AccessGroups {
		poolCfg := group.PoolConfig(cfg)
		mode, err := group.FileMode()
		if err != nil {
			m.Close()
			return nil, err
		}

		name := "data_" + group.Name
		id := control.GateSegmentID + relptr.SegmentID(i) + 1
		size := mempool.SegmentSize(poolCfg)

		shm.Remove(name)
		seg, err := shm.Create(name, size, mode)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("create data segment %s: %w", name, err)
		}
		if err := reg.Register(id, seg.Base(), seg.Size()); err != nil {
			seg.Close()
			seg.Unlink()
			m.Close()
			return nil, err
		}
		alloc, err := mempool.InitDataSegment(reg, id, seg.Mem, poolCfg)
		if err != nil {
			reg.Unregister(id)
			seg.Close()
			seg.Unlink()
			m.Close()
			return nil, fmt.Errorf("initialise data segment %s: %w", name, err)
		}

		m.segments = append(m.segments, &DataSegment{
			Name:  name,
			ID:    id,
			Group: group.Name,
			Seg:   seg,
			Alloc: alloc,
		})
		log.Info("data segment ready",
			"name", name, "group", group.Name, "id", uint16(id), "size", size)
	}

	return m, nil
}

// Segments returns all data segments.
func (m *SegmentManager) Segments() []*DataSegment { return m.segments }

// Infos returns the handshake description of every data segment.
func (m *SegmentManager) Infos() []control.SegmentInfo {
	out := make([]control.SegmentInfo, 0, len(m.segments))
	for _, s := range m.segments {
		out = append(out, control.SegmentInfo{Name: s.Name, ID: s.ID, Size: s.Seg.Size()})
	}
	return out
}

// Default returns the segment of the first access group.
func (m *SegmentManager) Default() *DataSegment {
	if len(m.segments) == 0 {
		return nil
	}
	return m.segments[0]
}

// Close unmaps and unlinks every segment. All state dies with the broker.
func (m *SegmentManager) Close() {
	for _, s := range m.segments {
		m.reg.Unregister(s.ID)
		s.Seg.Close()
		s.Seg.Unlink()
	}
	m.segments = nil
}
