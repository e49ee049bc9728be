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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoaderServesSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, baseYAML)

	l, err := NewLoader(path)
	require.NoError(t, err)
	defer l.Close()

	cfg := l.Current()
	require.NotNil(t, cfg)
	assert.Len(t, cfg.Agents, 2)
}

func TestLoaderMissingFile(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoaderReloadSwapsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, baseYAML)

	l, err := NewLoader(path)
	require.NoError(t, err)
	defer l.Close()

	var notified *Config
	l.OnReload(func(cfg *Config) { notified = cfg })

	writeConfigFile(t, path, baseYAML+`
  editor:
    llm: default
    instructions: You edit copy.
`)
	l.reload()

	cfg := l.Current()
	assert.Len(t, cfg.Agents, 3)
	require.NotNil(t, notified)
	assert.Same(t, cfg, notified)
}

func TestLoaderReloadKeepsSnapshotOnBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, baseYAML)

	l, err := NewLoader(path)
	require.NoError(t, err)
	defer l.Close()

	before := l.Current()
	writeConfigFile(t, path, "agents: {broken: {llm: missing}}")
	l.reload()

	assert.Same(t, before, l.Current(), "a failed reload keeps the previous snapshot")
}
