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

package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOneShot(t *testing.T) {
	p := NewPool(4)
	var fired atomic.Int32

	_, err := p.Schedule(10*time.Millisecond, false, func() { fired.Add(1) })
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return fired.Load() == 1 },
		time.Second, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load(), "one-shot fires once")
	assert.Zero(t, p.Active())
}

func TestPeriodic(t *testing.T) {
	p := NewPool(4)
	var fired atomic.Int32

	h, err := p.Schedule(5*time.Millisecond, true, func() { fired.Add(1) })
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return fired.Load() >= 3 },
		time.Second, time.Millisecond)

	require.True(t, p.Cancel(h))
	n := fired.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, fired.Load(), n+1, "at most one in-flight expiry after cancel")
}

func TestCancelBeforeFire(t *testing.T) {
	p := NewPool(4)
	var fired atomic.Int32

	h, err := p.Schedule(50*time.Millisecond, false, func() { fired.Add(1) })
	require.NoError(t, err)
	require.True(t, p.Cancel(h))

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, fired.Load())
	assert.False(t, p.Cancel(h), "second cancel is stale")
}

func TestStaleHandleAfterReuse(t *testing.T) {
	p := NewPool(1)

	h1, err := p.Schedule(time.Hour, false, func() {})
	require.NoError(t, err)
	require.True(t, p.Cancel(h1))

	// The slot is reused; the old handle's descriptor no longer matches.
	h2, err := p.Schedule(time.Hour, false, func() {})
	require.NoError(t, err)

	assert.False(t, p.Cancel(h1), "stale handle must not touch the new timer")
	assert.True(t, p.Cancel(h2))
}

func TestPoolExhausted(t *testing.T) {
	p := NewPool(2)
	_, err := p.Schedule(time.Hour, false, func() {})
	require.NoError(t, err)
	_, err = p.Schedule(time.Hour, false, func() {})
	require.NoError(t, err)

	_, err = p.Schedule(time.Hour, false, func() {})
	assert.ErrorIs(t, err, ErrPoolExhausted)

	p.CancelAll()
	assert.Zero(t, p.Active())
	_, err = p.Schedule(time.Hour, false, func() {})
	assert.NoError(t, err)
}
