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

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
	"unsafe"
)

// EventSize is the size of an event word pair inside a segment.
const EventSize = 8

// eventWords is the shared layout of an Event: a futex sequence word plus a
// latched pending flag. The pending flag makes the event level-triggered:
// a Signal that races ahead of the Wait is not lost.
type eventWords struct {
	seq     uint32 // futex word, incremented on every signal
	pending uint32 // 1 while a signal has not been consumed
}

// Event is a cross-process notification primitive backed by a futex word in
// shared memory. Publishers signal it after pushing into a delivery queue;
// the subscriber blocks on it while its queue is empty.
type Event struct {
	w *eventWords
}

// EventAt returns an Event view over the EventSize bytes at off inside mem.
func EventAt(mem []byte, off uint64) *Event {
	return &Event{w: (*eventWords)(unsafe.Pointer(uintptr(unsafe.Pointer(&mem[0])) + uintptr(off)))}
}

// EventFromPtr returns an Event view over EventSize bytes at p.
func EventFromPtr(p unsafe.Pointer) *Event {
	return &Event{w: (*eventWords)(p)}
}

// InitEventFromPtr zeroes and returns the Event at p.
func InitEventFromPtr(p unsafe.Pointer) *Event {
	e := EventFromPtr(p)
	atomic.StoreUint32(&e.w.seq, 0)
	atomic.StoreUint32(&e.w.pending, 0)
	return e
}

// InitEventAt zeroes and returns the Event at off inside mem.
func InitEventAt(mem []byte, off uint64) *Event {
	e := EventAt(mem, off)
	atomic.StoreUint32(&e.w.seq, 0)
	atomic.StoreUint32(&e.w.pending, 0)
	return e
}

// Signal latches the event and wakes all waiters. Safe to call from any
// process mapping the segment; never blocks.
func (e *Event) Signal() {
	atomic.StoreUint32(&e.w.pending, 1)
	atomic.AddUint32(&e.w.seq, 1)
	FutexWake(&e.w.seq, 1<<30)
}

// TryTake consumes a pending signal without blocking.
func (e *Event) TryTake() bool {
	return atomic.SwapUint32(&e.w.pending, 0) == 1
}

// Wait blocks until the event is signalled or ctx is done. A pending signal
// latched before Wait is consumed immediately.
func (e *Event) Wait(ctx context.Context) error {
	for {
		// Snapshot the sequence before checking the flag; a signal landing
		// in between bumps the sequence and the futex wait falls through.
		seen := atomic.LoadUint32(&e.w.seq)
		if atomic.SwapUint32(&e.w.pending, 0) == 1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		timeoutNs := (50 * time.Millisecond).Nanoseconds()
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return context.DeadlineExceeded
			}
			if ns := remaining.Nanoseconds(); ns < timeoutNs {
				timeoutNs = ns
			}
		}
		if err := FutexWaitTimeout(&e.w.seq, seen, timeoutNs); err != nil && !errors.Is(err, ErrFutexTimeout) {
			return err
		}
	}
}

// TimedWait waits up to d for a signal. It returns ErrFutexTimeout when no
// signal arrived in time.
func (e *Event) TimedWait(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := e.Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrFutexTimeout
		}
		return err
	}
	return nil
}
