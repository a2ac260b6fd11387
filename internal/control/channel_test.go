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

package control

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shmbus/internal/relptr"
	"shmbus/internal/shm"
)

func TestChannelRoundTrip(t *testing.T) {
	name := fmt.Sprintf("test-ctl-%d", time.Now().UnixNano())
	broker, err := CreateChannel(name, DefaultRingCapacity)
	require.NoError(t, err)
	defer func() {
		broker.Close()
		broker.Unlink()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := OpenChannel(ctx, name)
	require.NoError(t, err)
	defer client.Close()

	assert.True(t, broker.ClientReady())

	// Client request -> broker.
	var req [MessageSize]byte
	KeepAlive{PID: 7}.Encode(req[:])
	require.NoError(t, client.SendRequest(ctx, req[:]))

	got := make([]byte, MessageSize)
	require.NoError(t, broker.RecvRequest(ctx, got))
	ka, err := DecodeKeepAlive(got)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), ka.PID)

	// Broker reply -> client.
	var rep [MessageSize]byte
	PortReply{Kind: KindCreatePubReply, Status: StatusOK}.Encode(rep[:])
	require.NoError(t, broker.SendReply(ctx, rep[:]))

	require.NoError(t, client.RecvReply(ctx, got))
	assert.Equal(t, KindCreatePubReply, Kind(got))
}

func TestChannelOpenTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := OpenChannel(ctx, fmt.Sprintf("test-ctl-missing-%d", time.Now().UnixNano()))
	assert.Error(t, err)
}

func TestChannelRejectsWrongSize(t *testing.T) {
	name := fmt.Sprintf("test-ctl-size-%d", time.Now().UnixNano())
	ch, err := CreateChannel(name, DefaultRingCapacity)
	require.NoError(t, err)
	defer func() {
		ch.Close()
		ch.Unlink()
	}()

	ctx := context.Background()
	assert.ErrorIs(t, ch.SendReply(ctx, make([]byte, 10)), ErrBadMessage)
	assert.ErrorIs(t, ch.RecvRequest(ctx, make([]byte, 10)), ErrBadMessage)
}

func TestGateInitOpen(t *testing.T) {
	// A unique name keeps this test clear of a live broker's gate.
	name := fmt.Sprintf("test-gate-%d", time.Now().UnixNano())
	defer shm.Remove(name)

	regBroker := relptr.NewRegistry()
	seg, err := shm.Create(name, GateSize(8), 0600)
	require.NoError(t, err)
	defer seg.Close()
	require.NoError(t, regBroker.Register(GateSegmentID, seg.Base(), seg.Size()))

	gate, err := InitGate(regBroker, seg, 8)
	require.NoError(t, err)

	// Client side: separate registry, separate mapping.
	regClient := relptr.NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clientGate, err := OpenGateAt(ctx, regClient, name)
	require.NoError(t, err)
	defer clientGate.Close(regClient)

	// Registration record flows through the inbox, doorbell wakes the
	// broker side.
	var rec [MessageSize]byte
	RegApp{AppName: "itest", PID: 1234}.Encode(rec[:])
	require.True(t, clientGate.Inbox.TryPush(rec[:]))
	clientGate.Doorbell.Signal()

	require.NoError(t, gate.Doorbell.Wait(ctx))
	buf := make([]byte, MessageSize)
	require.True(t, gate.Inbox.TryPop(buf))
	m, err := DecodeRegApp(buf)
	require.NoError(t, err)
	assert.Equal(t, "itest", m.AppName)

	// Port pools are shared: a block claimed through one mapping is gone
	// through the other.
	ref, ok := gate.PubPool.GetChunk()
	require.True(t, ok)
	assert.Equal(t, uint64(1), clientGate.PubPool.UsedChunkCount())
	gate.PubPool.FreeChunk(ref)
}
