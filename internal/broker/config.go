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
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"shmbus/internal/mempool"
)

// AccessGroup configures one shared data segment: who may map it and which
// pools it carries. An empty pool list inherits the top-level pools.
type AccessGroup struct {
	Name  string               `yaml:"name"`
	Mode  string               `yaml:"mode"`
	Pools []mempool.PoolEntry  `yaml:"pools"`
}

// Config is the broker configuration, typically loaded from a YAML file.
// Pools and segments are sized once at startup; nothing grows afterwards.
type Config struct {
	Pools                []mempool.PoolEntry `yaml:"pools"`
	AccessGroups         []AccessGroup       `yaml:"accessGroups"`
	DiscoveryIntervalMs  int                 `yaml:"discoveryIntervalMs"`
	KeepAliveThresholdMs int                 `yaml:"keepAliveThresholdMs"`
	PortPoolCapacity     int                 `yaml:"portPoolCapacity"`
	MaxPublishers        int                 `yaml:"maxPublishers"`
	MaxSubscribers       int                 `yaml:"maxSubscribers"`
}

// DefaultConfig returns a runnable single-group configuration.
func DefaultConfig() Config {
	return Config{
		Pools:                mempool.DefaultConfig().Pools,
		AccessGroups:         []AccessGroup{{Name: "default", Mode: "0600"}},
		DiscoveryIntervalMs:  100,
		KeepAliveThresholdMs: 1500,
		PortPoolCapacity:     128,
		MaxPublishers:        128,
		MaxSubscribers:       128,
	}
}

// LoadConfig reads a YAML configuration file, filling unset fields with
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if len(c.Pools) == 0 {
		c.Pools = d.Pools
	}
	if len(c.AccessGroups) == 0 {
		c.AccessGroups = d.AccessGroups
	}
	if c.DiscoveryIntervalMs <= 0 {
		c.DiscoveryIntervalMs = d.DiscoveryIntervalMs
	}
	if c.KeepAliveThresholdMs <= 0 {
		c.KeepAliveThresholdMs = d.KeepAliveThresholdMs
	}
	if c.PortPoolCapacity <= 0 {
		c.PortPoolCapacity = d.PortPoolCapacity
	}
	if c.MaxPublishers <= 0 {
		c.MaxPublishers = d.MaxPublishers
	}
	if c.MaxSubscribers <= 0 {
		c.MaxSubscribers = d.MaxSubscribers
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	for _, g := range c.AccessGroups {
		if g.Name == "" {
			return fmt.Errorf("access group with empty name")
		}
		if _, err := g.FileMode(); err != nil {
			return err
		}
		if err := g.PoolConfig(c).Validate(); err != nil {
			return fmt.Errorf("access group %q: %w", g.Name, err)
		}
	}
	if len(c.AccessGroups) == 0 {
		return fmt.Errorf("no access groups configured")
	}
	if c.MaxPublishers > c.PortPoolCapacity || c.MaxSubscribers > c.PortPoolCapacity {
		return fmt.Errorf("max ports exceed port pool capacity %d", c.PortPoolCapacity)
	}
	return nil
}

// FileMode parses the group's octal mode string, defaulting to 0600.
func (g AccessGroup) FileMode() (os.FileMode, error) {
	if g.Mode == "" {
		return 0600, nil
	}
	v, err := strconv.ParseUint(g.Mode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("access group %q: bad mode %q: %w", g.Name, g.Mode, err)
	}
	return os.FileMode(v), nil
}

// PoolConfig returns the group's pool set, inheriting the top-level pools
// when the group declares none.
func (g AccessGroup) PoolConfig(c Config) mempool.Config {
	if len(g.Pools) > 0 {
		return mempool.Config{Pools: g.Pools}
	}
	return mempool.Config{Pools: c.Pools}
}
