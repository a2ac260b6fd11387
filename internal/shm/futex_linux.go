//go:build linux && (amd64 || arm64)

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
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The futex words live inside shared segments and are waited on from
// different processes, so the operations must NOT carry the PRIVATE flag.

// Linux futex(2) operation codes. golang.org/x/sys/unix does not export
// these (only the FUTEX syscall number), so they are defined here from the
// kernel UAPI (linux/futex.h).
const (
	futexWait = 0
	futexWake = 1
)

// FutexWait waits for the value at addr to change from val.
// It returns when either:
//   - The value at addr is no longer equal to val
//   - Another process calls FutexWake on the same address
//   - The system call is interrupted
//
// Call this only when the logical condition is unmet and *addr == val, and
// always re-check the condition after it returns: spurious wakeups happen.
func FutexWait(addr *uint32, val uint32) error {
	// Re-check the value atomically before entering the syscall. This closes
	// the lost-wake race where the other side increments the sequence and
	// wakes between our snapshot and the futex entry.
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWait,
		uintptr(val),
		0, // timeout - infinite (NULL)
		0,
		0,
	)

	if errno != 0 {
		// EAGAIN: the value no longer matched. EINTR: signal. Neither is an
		// error for the caller; it re-checks the condition anyway.
		if errno == unix.EAGAIN || errno == unix.EINTR {
			return nil
		}
		return fmt.Errorf("futex wait failed: %w", errno)
	}
	return nil
}

// FutexWaitTimeout waits on addr until the value changes from val or the
// timeout elapses. timeoutNs <= 0 means wait forever. Returns
// ErrFutexTimeout when the wait times out.
func FutexWaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	if timeoutNs <= 0 {
		return FutexWait(addr, val)
	}

	if atomic.LoadUint32(addr) != val {
		return nil
	}

	ts := unix.Timespec{
		Sec:  timeoutNs / 1e9,
		Nsec: timeoutNs % 1e9,
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWait,
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)

	if errno != 0 {
		if errno == unix.EAGAIN || errno == unix.EINTR {
			return nil
		}
		if errno == unix.ETIMEDOUT {
			return ErrFutexTimeout
		}
		return fmt.Errorf("futex wait failed: %w", errno)
	}
	return nil
}

// FutexWake wakes up to n waiters blocked on addr and returns the number of
// waiters actually woken.
func FutexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWake,
		uintptr(n),
		0,
		0,
		0,
	)

	if errno != 0 {
		return 0, fmt.Errorf("futex wake failed: %w", errno)
	}
	return int(r1), nil
}
