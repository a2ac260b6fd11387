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

package mempool

import (
	"fmt"
)

// PoolEntry configures one fixed-size pool: the block size (which must
// accommodate the chunk header and alignment padding on top of the user
// payload) and the number of blocks.
type PoolEntry struct {
	Size  uint32 `yaml:"size"`
	Count uint32 `yaml:"count"`
}

// Config enumerates the pools of one data segment in ascending block size.
// Pools are created once at broker startup; there is no growth afterwards.
type Config struct {
	Pools []PoolEntry `yaml:"pools"`
}

// DefaultConfig returns a small general-purpose pool set.
func DefaultConfig() Config {
	return Config{Pools: []PoolEntry{
		{Size: 128, Count: 64},
		{Size: 1024, Count: 32},
		{Size: 16384, Count: 16},
		{Size: 131072, Count: 8},
	}}
}

// Validate checks the pool set: non-empty, 64-byte granular block sizes
// large enough for a chunk header, strictly ascending, non-zero counts.
func (c Config) Validate() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("no pools configured")
	}
	if len(c.Pools) > MaxPoolsPerSegment {
		return fmt.Errorf("too many pools: %d > %d", len(c.Pools), MaxPoolsPerSegment)
	}
	prev := uint32(0)
	for i, p := range c.Pools {
		if p.Size%64 != 0 {
			return fmt.Errorf("pool %d: block size %d is not a multiple of 64", i, p.Size)
		}
		if uint64(p.Size) < ChunkHeaderSize+backOffsetSize {
			return fmt.Errorf("pool %d: block size %d cannot hold a chunk header", i, p.Size)
		}
		if p.Count == 0 {
			return fmt.Errorf("pool %d: block count is zero", i)
		}
		if p.Size <= prev {
			return fmt.Errorf("pool %d: block sizes must be strictly ascending", i)
		}
		prev = p.Size
	}
	return nil
}

// TotalChunks returns the number of payload blocks across all pools, which
// is also the management pool's block count: every live chunk owns exactly
// one management record.
func (c Config) TotalChunks() uint64 {
	var n uint64
	for _, p := range c.Pools {
		n += uint64(p.Count)
	}
	return n
}
