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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseYAML = `
llms:
  default:
    type: openai
    model: gpt-4o

agents:
  researcher:
    llm: default
    instructions: You research things.
  writer:
    llm: default
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(baseYAML))
	require.NoError(t, err)

	assert.Equal(t, "researcher", cfg.Agents["researcher"].ID)
	assert.Equal(t, "researcher", cfg.Agents["researcher"].Name)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Limits.MaxToolRounds)
	assert.Equal(t, 4, cfg.Limits.DelegationRounds())
	assert.InDelta(t, 0.90, cfg.Limits.MemoryDedupCosine, 1e-9)
}

func TestParseTeam(t *testing.T) {
	cfg, err := Parse([]byte(baseYAML + `
teams:
  newsroom:
    llm: default
    members: [researcher, writer]
`))
	require.NoError(t, err)

	team := cfg.Teams["newsroom"]
	require.NotNil(t, team)
	assert.Equal(t, "newsroom", team.ID)
	assert.True(t, team.DetermineInput(), "determine_input_for_members defaults to true")
}

func TestDetermineInputExplicitFalse(t *testing.T) {
	cfg, err := Parse([]byte(baseYAML + `
teams:
  newsroom:
    llm: default
    members: [researcher]
    determine_input_for_members: false
`))
	require.NoError(t, err)
	assert.False(t, cfg.Teams["newsroom"].DetermineInput())
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown llm",
			yaml:    "llms:\n  default:\n    type: openai\n    model: m\nagents:\n  a:\n    llm: missing\n",
			wantErr: "unknown llm provider",
		},
		{
			name:    "no agents or teams",
			yaml:    "llms:\n  default:\n    type: openai\n    model: m\n",
			wantErr: "no agents or teams",
		},
		{
			name: "unknown member",
			yaml: baseYAML + `
teams:
  newsroom:
    llm: default
    members: [ghost]
`,
			wantErr: "unknown member",
		},
		{
			name: "duplicate member",
			yaml: baseYAML + `
teams:
  newsroom:
    llm: default
    members: [researcher, researcher]
`,
			wantErr: "duplicate member",
		},
		{
			name: "respond_directly with delegate_to_all",
			yaml: baseYAML + `
teams:
  newsroom:
    llm: default
    members: [researcher]
    respond_directly: true
    delegate_to_all_members: true
`,
			wantErr: "cannot be combined",
		},
		{
			name: "agent team name clash",
			yaml: baseYAML + `
teams:
  researcher:
    llm: default
    members: [writer]
`,
			wantErr: "both an agent and a team",
		},
		{
			name: "self member",
			yaml: baseYAML + `
teams:
  newsroom:
    llm: default
    members: [newsroom]
`,
			wantErr: "own member",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMembershipCycleRejected(t *testing.T) {
	_, err := Parse([]byte(baseYAML + `
teams:
  alpha:
    llm: default
    members: [beta]
  beta:
    llm: default
    members: [alpha]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestNestedTeamsAllowed(t *testing.T) {
	_, err := Parse([]byte(baseYAML + `
teams:
  inner:
    llm: default
    members: [researcher]
  outer:
    llm: default
    members: [inner, writer]
`))
	assert.NoError(t, err)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("TEST_MODEL", "gpt-4o-mini")

	cfg, err := Parse([]byte(`
llms:
  default:
    type: openai
    model: ${TEST_MODEL}
    api_key: ${UNSET_KEY:-fallback}

agents:
  a:
    llm: default
`))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cfg.LLMs["default"].Model)
	assert.Equal(t, "fallback", cfg.LLMs["default"].APIKey)
}

func TestLimitsApplyEnv(t *testing.T) {
	t.Setenv("MAX_TOOL_ROUNDS", "3")
	t.Setenv("MEMORY_DEDUP_COSINE", "0.85")

	cfg, err := Parse([]byte(baseYAML))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Limits.MaxToolRounds)
	assert.InDelta(t, 0.85, cfg.Limits.MemoryDedupCosine, 1e-9)
}

func TestLimitsDelegationRoundsEnvZero(t *testing.T) {
	t.Setenv("MAX_DELEGATION_ROUNDS", "0")

	var l Limits
	l.ApplyEnv()
	l.SetDefaults()
	assert.Equal(t, 0, l.DelegationRounds(), "explicit zero disables delegation")
}

func TestLimitsDelegationRoundsYAMLZero(t *testing.T) {
	cfg, err := Parse([]byte(baseYAML + `
limits:
  max_delegation_rounds: 0
`))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Limits.DelegationRounds())
}

func TestDatabaseURLOverride(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite://override.db")

	cfg, err := Parse([]byte(baseYAML))
	require.NoError(t, err)
	assert.Equal(t, "sqlite://override.db", cfg.DatabaseURL)
}
