package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// HotConfig is a generic, hot-reloadable key/value store for operator
// tuning knobs that should not require a process restart (safety-net
// percent, stream overhead percent). Adapted from the teacher's
// pkg/config.Config: same map[string]interface{} plus watcher-channel
// design, repurposed from bonding session parameters to arbitration
// tuning parameters.
type HotConfig struct {
	mu       sync.RWMutex
	filePath string
	data     map[string]interface{}
	watchers map[string][]chan interface{}
	lastMod  time.Time
}

// NewHotConfig creates a hot-reloadable config backed by filePath.
func NewHotConfig(filePath string) *HotConfig {
	return &HotConfig{
		filePath: filePath,
		data:     make(map[string]interface{}),
		watchers: make(map[string][]chan interface{}),
	}
}

// Load reads and parses the backing file.
func (c *HotConfig) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if err != nil {
		return fmt.Errorf("read hot config: %w", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse hot config: %w", err)
	}
	c.data = parsed

	if info, err := os.Stat(c.filePath); err == nil {
		c.lastMod = info.ModTime()
	}
	return nil
}

// Save writes the current in-memory data back to the backing file.
func (c *HotConfig) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.MarshalIndent(c.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal hot config: %w", err)
	}
	if err := os.WriteFile(c.filePath, data, 0o644); err != nil {
		return fmt.Errorf("write hot config: %w", err)
	}
	return nil
}

// Get returns a single value.
func (c *HotConfig) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// Set updates a value and notifies watchers on that key, non-blocking.
func (c *HotConfig) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, existed := c.data[key]
	c.data[key] = value

	for _, ch := range c.watchers[key] {
		select {
		case ch <- value:
		default:
		}
	}

	if !existed || old != value {
		c.lastMod = time.Now()
	}
}

// Watch returns a channel that receives every future Set of key.
func (c *HotConfig) Watch(key string) <-chan interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan interface{}, 10)
	c.watchers[key] = append(c.watchers[key], ch)
	return ch
}

// CheckForUpdates reports whether the backing file has changed on disk
// since the last Load.
func (c *HotConfig) CheckForUpdates() (bool, error) {
	info, err := os.Stat(c.filePath)
	if err != nil {
		return false, fmt.Errorf("stat hot config: %w", err)
	}

	c.mu.RLock()
	lastMod := c.lastMod
	c.mu.RUnlock()

	return info.ModTime().After(lastMod), nil
}

// Reload re-Loads the file iff CheckForUpdates reports a change.
func (c *HotConfig) Reload() (bool, error) {
	changed, err := c.CheckForUpdates()
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if err := c.Load(); err != nil {
		return false, err
	}
	return true, nil
}
