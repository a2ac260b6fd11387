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

// Package shm provides the raw shared memory primitives the transport is
// built on: named memory-mapped segment files, a blocking byte ring for the
// control plane, a futex-backed notification event, and the futex wrappers
// themselves.
//
// Segments are plain files under /dev/shm (with a temp-dir fallback) mapped
// read/write into every participating process. All synchronisation across
// the mapping uses atomics on words inside the mapping plus shared futexes;
// no process-private mutex ever crosses the boundary.
package shm
