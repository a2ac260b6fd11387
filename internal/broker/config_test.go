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

package broker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shmbusd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pools:
  - size: 256
    count: 8
  - size: 4096
    count: 4
accessGroups:
  - name: sensors
    mode: "0660"
  - name: logging
    pools:
      - size: 128
        count: 32
discoveryIntervalMs: 50
keepAliveThresholdMs: 500
portPoolCapacity: 16
maxPublishers: 8
maxSubscribers: 8
`), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Len(t, cfg.Pools, 2)
	assert.Len(t, cfg.AccessGroups, 2)
	assert.Equal(t, 50, cfg.DiscoveryIntervalMs)
	assert.Equal(t, 500, cfg.KeepAliveThresholdMs)
	assert.Equal(t, 16, cfg.PortPoolCapacity)

	mode, err := cfg.AccessGroups[0].FileMode()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0660), mode)

	// Group-level pools override; otherwise the top-level set is inherited.
	assert.Len(t, cfg.AccessGroups[0].PoolConfig(cfg).Pools, 2)
	assert.Len(t, cfg.AccessGroups[1].PoolConfig(cfg).Pools, 1)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := DefaultConfig()
	bad.MaxPublishers = bad.PortPoolCapacity + 1
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.AccessGroups = []AccessGroup{{Name: "x", Mode: "nonsense"}}
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.AccessGroups = []AccessGroup{{Name: ""}}
	assert.Error(t, bad.Validate())
}

func TestDefaultsApplied(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte("discoveryIntervalMs: 25\n"), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.DiscoveryIntervalMs)
	assert.NotEmpty(t, cfg.Pools)
	assert.NotEmpty(t, cfg.AccessGroups)
	assert.NotZero(t, cfg.KeepAliveThresholdMs)
}
