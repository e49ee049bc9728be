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

package runner

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tandem/pkg/config"
	"github.com/kadirpekel/tandem/pkg/llm"
	"github.com/kadirpekel/tandem/pkg/store"
)

func TestBuildRuntimeReleasesStoreOnFailure(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tandem.db")
	cfg := &config.Config{
		DatabaseURL: "sqlite://" + dbPath,
		LLMs: map[string]*llm.ProviderConfig{
			"default": {Type: "carrier-pigeon", Model: "x"},
		},
	}
	cfg.SetDefaults()

	_, err := BuildRuntime(cfg)
	require.Error(t, err)

	// The store handle was closed on the way out, so the database can
	// be reopened immediately.
	s, err := store.OpenSQL(cfg.DatabaseURL)
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestBuildRuntimeUnknownAgentLLM(t *testing.T) {
	cfg := &config.Config{
		LLMs: map[string]*llm.ProviderConfig{
			"default": {Type: "openai", Model: "gpt-4o", APIKey: "test"},
		},
		Agents: map[string]*config.AgentSpec{
			"helper": {LLM: "missing"},
		},
	}
	cfg.SetDefaults()

	_, err := BuildRuntime(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "helper")
}
