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

package shm

import "errors"

// ErrFutexTimeout is returned by FutexWaitTimeout when the wait times out.
var ErrFutexTimeout = errors.New("futex timeout")

// ErrFutexNotSupported is returned on platforms without futex support.
var ErrFutexNotSupported = errors.New("futex operations not supported on this platform")

// ErrRingClosed indicates that the ring has been closed for writing.
var ErrRingClosed = errors.New("ring closed")
