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

package port

import (
	"sync/atomic"
	"unsafe"

	"shmbus/internal/relptr"
)

// usedList is the per-port outstanding-chunks ledger: a fixed array of
// atomic reference slots inside the port record. The owning process claims
// a slot while it holds a chunk reference that no shared structure (history
// ring, delivery queue) accounts for; the broker walks the list on teardown
// and releases whatever a crashed process left behind.
type usedList struct {
	slots *uint64
	n     uint64
}

func usedListAt(base unsafe.Pointer, off uintptr, n uint64) usedList {
	return usedList{slots: (*uint64)(unsafe.Pointer(uintptr(base) + off)), n: n}
}

func (u usedList) slice() []uint64 {
	return unsafe.Slice(u.slots, u.n)
}

func (u usedList) init() {
	s := u.slice()
	for i := range s {
		atomic.StoreUint64(&s[i], 0)
	}
}

// claim stores ref in a free slot. Reports false when the ledger is full.
func (u usedList) claim(ref relptr.Ref) bool {
	s := u.slice()
	for i := range s {
		if atomic.CompareAndSwapUint64(&s[i], 0, uint64(ref)) {
			return true
		}
	}
	return false
}

// clear removes ref from the ledger.
func (u usedList) clear(ref relptr.Ref) {
	s := u.slice()
	for i := range s {
		if atomic.CompareAndSwapUint64(&s[i], uint64(ref), 0) {
			return
		}
	}
}

// drain empties the ledger, handing every outstanding reference to fn.
func (u usedList) drain(fn func(relptr.Ref)) {
	s := u.slice()
	for i := range s {
		v := atomic.SwapUint64(&s[i], 0)
		if v != 0 {
			fn(relptr.Ref(v))
		}
	}
}
