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

// Package mempool implements the fixed-size block pools that back zero-copy
// payload delivery, and the chunk metadata layered on top of them.
//
// A data segment holds several pools of increasing block size plus one
// management pool. Payload blocks start with a ChunkHeader; the matching
// ChunkManagement record (reference count and pool back-pointers) lives in
// the management pool so that payload blocks stay payload-sized. A block is
// either on its pool's free list or owned by exactly one live management
// record; the last reference release returns the payload block first and
// the management record last.
//
// All pool state lives inside the segment and is manipulated with lock-free
// index operations, so any process mapping the segment can claim and
// release blocks.
package mempool
