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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentCreateOpen(t *testing.T) {
	name := fmt.Sprintf("test-seg-%d", time.Now().UnixNano())
	defer Remove(name)

	seg, err := Create(name, 8192, 0600)
	require.NoError(t, err)
	assert.Equal(t, uint64(8192), seg.Size())
	assert.True(t, Exists(name))

	// Writes through one mapping are visible through another.
	seg.Mem[100] = 0xCD

	seg2, err := Open(name)
	require.NoError(t, err)
	assert.Equal(t, byte(0xCD), seg2.Mem[100])

	require.NoError(t, seg2.Close())
	require.NoError(t, seg.Close())
	require.NoError(t, seg.Unlink())
	assert.False(t, Exists(name))
}

func TestSegmentExclusiveCreate(t *testing.T) {
	name := fmt.Sprintf("test-seg-excl-%d", time.Now().UnixNano())
	defer Remove(name)

	seg, err := Create(name, 4096, 0600)
	require.NoError(t, err)
	defer seg.Close()

	_, err = Create(name, 4096, 0600)
	assert.Error(t, err, "leftover segments are an error, not reusable")
}

func TestSegmentOpenMissing(t *testing.T) {
	_, err := Open(fmt.Sprintf("test-seg-missing-%d", time.Now().UnixNano()))
	assert.Error(t, err)
}

func TestEventSignalWait(t *testing.T) {
	name := fmt.Sprintf("test-event-%d", time.Now().UnixNano())
	seg, err := Create(name, 4096, 0600)
	require.NoError(t, err)
	defer func() {
		seg.Close()
		Remove(name)
	}()

	ev := InitEventAt(seg.Mem, 0)

	// A signal latched before the wait is consumed immediately.
	ev.Signal()
	require.NoError(t, ev.Wait(context.Background()))

	// Nothing pending: wait must time out.
	assert.ErrorIs(t, ev.TimedWait(50*time.Millisecond), ErrFutexTimeout)

	// Cross-goroutine wakeup.
	done := make(chan error, 1)
	go func() {
		done <- ev.Wait(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)
	ev.Signal()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not woken")
	}

	assert.False(t, ev.TryTake())
	ev.Signal()
	assert.True(t, ev.TryTake())
}
