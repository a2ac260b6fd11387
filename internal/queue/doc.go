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

// Package queue implements bounded lock-free queues laid out in shared
// memory: the index queue of single-word values (per-slot sequence number
// design), the delivery queue of chunk references with overflow policies on
// top of it, and a fixed-size record queue used as the broker's
// registration inbox.
//
// The queues are MPMC-capable; the delivery queue is optimised for the one
// producer / one consumer case but stays safe under more. Every push that
// returns success is visible to subsequent pops in a total order compatible
// with each producer's program order; no element is lost or duplicated.
package queue
