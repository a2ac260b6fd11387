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

// Package port implements publisher and subscriber ports: the shared-memory
// resident endpoint records the broker matches and the client processes
// drive on the fast path.
//
// A port record lives in the management segment and is reachable from both
// sides through relative pointers. The client-side fast path (loan, send,
// take, release) is lock-free; state transitions requested by the client
// are acknowledged asynchronously by the broker's discovery loop.
//
// Explicit states keep the protocol observable: tests assert on transitions
// instead of on timing.
package port
