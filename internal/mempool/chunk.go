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

import "shmbus/internal/relptr"

// Chunk is the process-local handle for one delivered payload block: header,
// payload and management record together. The zero Chunk is invalid.
type Chunk struct {
	reg  *relptr.Registry
	mgmt relptr.Ref
}

// ChunkAt rebuilds a chunk handle from a management reference popped out of
// a delivery queue.
func ChunkAt(reg *relptr.Registry, mgmt relptr.Ref) Chunk {
	return Chunk{reg: reg, mgmt: mgmt}
}

// IsValid reports whether the handle refers to a chunk.
func (c Chunk) IsValid() bool { return c.reg != nil && !c.mgmt.IsNull() }

// Ref returns the management reference, the value pushed through queues.
func (c Chunk) Ref() relptr.Ref { return c.mgmt }

// Management returns the chunk's management record view.
func (c Chunk) Management() Management { return ManagementAt(c.reg, c.mgmt) }

// Header returns the chunk header view.
func (c Chunk) Header() *ChunkHeader {
	return HeaderAt(c.reg, c.Management().ChunkHeaderRef())
}

// Payload returns the user payload bytes in place.
func (c Chunk) Payload() []byte { return c.Header().Payload() }

// Release drops this handle's reference; the last release returns the chunk
// to its pools.
func (c Chunk) Release() { c.Management().DecrementRefCount() }
