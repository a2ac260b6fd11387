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
	"errors"
	"fmt"
)

// ErrOutOfChunks is returned when the pool that fits the request has no
// free blocks. Larger pools are never raided: falling back would trade the
// bounded-latency guarantee for occasional luck.
var ErrOutOfChunks = errors.New("out of chunks")

// ErrChunkTooLarge is returned when no configured pool can hold the
// requested payload.
var ErrChunkTooLarge = errors.New("payload exceeds largest configured block size")

// fatal invariant hook. Freeing a foreign block, refcount underflow and the
// like mean shared memory is corrupt; the process must not continue.
var fatalf = func(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}
