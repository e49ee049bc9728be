// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML document, expanding environment references and
// applying defaults, env overrides and validation.
func Parse(data []byte) (*Config, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	raw = ExpandEnvVarsInData(raw)

	// Round-trip through YAML so the expanded tree decodes into the
	// typed config.
	expanded, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads and parses a config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("VECTOR_STORE_URL"); v != "" {
		c.VectorStoreURL = v
	}
	// LLM_PROVIDER_KEY backfills any provider left without a key.
	if key := os.Getenv("LLM_PROVIDER_KEY"); key != "" {
		for _, p := range c.LLMs {
			if p != nil && p.APIKey == "" {
				p.APIKey = key
			}
		}
	}
	c.Limits.ApplyEnv()
}

// Loader serves an atomic config snapshot and reloads it when the
// backing file changes. A reload that fails validation keeps the
// previous snapshot.
type Loader struct {
	path    string
	current atomic.Pointer[Config]

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	listeners []func(*Config)
	closed    bool
}

// NewLoader loads the file once and returns a loader holding it.
func NewLoader(path string) (*Loader, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	cfg, err := LoadFile(absPath)
	if err != nil {
		return nil, err
	}

	l := &Loader{path: absPath}
	l.current.Store(cfg)
	return l, nil
}

// Current returns the latest valid config snapshot.
func (l *Loader) Current() *Config {
	return l.current.Load()
}

// OnReload registers a callback invoked with each new snapshot.
func (l *Loader) OnReload(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Watch starts watching the config file until ctx is cancelled.
func (l *Loader) Watch(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("loader is closed")
	}
	if l.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory; editors often replace the file rather than
	// writing it in place.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	l.watcher = watcher

	go l.watchLoop(ctx, watcher)

	slog.Info("Watching config file", "path", l.path)
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var debounceTimer *time.Timer
	const debounceDelay = 100 * time.Millisecond
	configFile := filepath.Base(l.path)

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, l.reload)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Config watcher error", "error", err)
		}
	}
}

func (l *Loader) reload() {
	cfg, err := LoadFile(l.path)
	if err != nil {
		slog.Error("Config reload failed, keeping previous snapshot",
			"path", l.path, "error", err)
		return
	}
	l.current.Store(cfg)
	slog.Info("Config reloaded", "path", l.path)

	l.mu.Lock()
	listeners := make([]func(*Config), len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.watcher != nil {
		err := l.watcher.Close()
		l.watcher = nil
		return err
	}
	return nil
}
