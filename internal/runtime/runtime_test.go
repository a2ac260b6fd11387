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

package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"shmbus/internal/control"
	"shmbus/internal/shm"
)

// The full handshake against a live broker is exercised in the broker
// package's end-to-end tests; here only the failure path is covered.

func TestDialNoBroker(t *testing.T) {
	if shm.Exists(control.GateName) {
		t.Skip("a broker gate is present on this machine")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Dial(ctx, "orphan-app")
	assert.Error(t, err, "dial without a broker must fail once the deadline passes")
	assert.Less(t, time.Since(start), 5*time.Second)
}
