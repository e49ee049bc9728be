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

// Package config defines the runtime configuration: LLM providers,
// agents, teams, storage and operational limits. Configuration is
// loaded from YAML with environment variable expansion and can be
// hot-reloaded on file change.
package config

import (
	"fmt"
	"sort"

	"github.com/kadirpekel/tandem/pkg/embedder"
	"github.com/kadirpekel/tandem/pkg/llm"
)

// Config is the root configuration document.
type Config struct {
	// LLMs maps provider names to their configuration.
	LLMs map[string]*llm.ProviderConfig `yaml:"llms"`

	// Embedder configures the embedding provider shared by memory and
	// knowledge.
	Embedder *embedder.Config `yaml:"embedder,omitempty"`

	// Agents maps agent IDs to their specs.
	Agents map[string]*AgentSpec `yaml:"agents"`

	// Teams maps team IDs to their specs.
	Teams map[string]*TeamSpec `yaml:"teams,omitempty"`

	// DatabaseURL selects the record store. Overridden by DATABASE_URL.
	DatabaseURL string `yaml:"database_url,omitempty"`

	// VectorStoreURL selects the vector store. Overridden by
	// VECTOR_STORE_URL.
	VectorStoreURL string `yaml:"vector_store_url,omitempty"`

	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server,omitempty"`

	// Limits are the operational limits. Individual fields are
	// overridden by their environment variables.
	Limits Limits `yaml:"limits,omitempty"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// AgentSpec describes a single agent.
type AgentSpec struct {
	// ID is set from the map key during load.
	ID string `yaml:"-"`

	// Name is a human-readable display name.
	Name string `yaml:"name,omitempty"`

	// Description is shown to a leader when the agent is a team member,
	// so the leader can route tasks to it.
	Description string `yaml:"description,omitempty"`

	// LLM is the name of the provider in Config.LLMs.
	LLM string `yaml:"llm"`

	// Instructions is the agent's system prompt.
	Instructions string `yaml:"instructions,omitempty"`

	// Tools lists the registered tool names available to the agent.
	Tools []string `yaml:"tools,omitempty"`

	// Memory enables long-term memory capture and retrieval.
	Memory bool `yaml:"memory,omitempty"`

	// Knowledge enables knowledge base retrieval.
	Knowledge bool `yaml:"knowledge,omitempty"`

	// NumHistoryRuns is how many previous session runs to include in
	// the context. Zero means no history.
	NumHistoryRuns int `yaml:"num_history_runs,omitempty"`
}

// TeamSpec describes a leader and its members. Members may be agents
// or other teams.
type TeamSpec struct {
	// ID is set from the map key during load.
	ID string `yaml:"-"`

	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`

	// LLM is the leader's provider name.
	LLM string `yaml:"llm"`

	// Instructions is the leader's system prompt, prepended to the
	// built-in delegation instructions.
	Instructions string `yaml:"instructions,omitempty"`

	// Members lists agent or team IDs the leader can delegate to.
	Members []string `yaml:"members"`

	// RespondDirectly forwards the last member output verbatim instead
	// of synthesizing a leader response. Incompatible with
	// DelegateToAllMembers.
	RespondDirectly bool `yaml:"respond_directly,omitempty"`

	// DetermineInputForMembers lets the leader phrase each member's
	// task itself. When false the member receives the user input
	// verbatim. Defaults to true.
	DetermineInputForMembers *bool `yaml:"determine_input_for_members,omitempty"`

	// DelegateToAllMembers sends every delegation to all members at
	// once, ignoring the leader's member selection.
	DelegateToAllMembers bool `yaml:"delegate_to_all_members,omitempty"`

	// ShareMemberInteractions includes prior member results in
	// subsequent members' context within the same run.
	ShareMemberInteractions bool `yaml:"share_member_interactions,omitempty"`

	// AddTeamHistoryToMembers includes the session's team history in
	// member context.
	AddTeamHistoryToMembers bool `yaml:"add_team_history_to_members,omitempty"`

	// AddMemberToolsToContext lists each member's tool names in the
	// leader prompt.
	AddMemberToolsToContext bool `yaml:"add_member_tools_to_context,omitempty"`

	// NumHistoryRuns is how many previous session runs the leader sees.
	NumHistoryRuns int `yaml:"num_history_runs,omitempty"`

	Memory    bool `yaml:"memory,omitempty"`
	Knowledge bool `yaml:"knowledge,omitempty"`
}

// DetermineInput reports the effective determine_input_for_members
// value (default true).
func (t *TeamSpec) DetermineInput() bool {
	if t.DetermineInputForMembers == nil {
		return true
	}
	return *t.DetermineInputForMembers
}

// SetDefaults fills map-key IDs and defaults.
func (c *Config) SetDefaults() {
	for id, a := range c.Agents {
		if a != nil {
			a.ID = id
			if a.Name == "" {
				a.Name = id
			}
		}
	}
	for id, t := range c.Teams {
		if t != nil {
			t.ID = id
			if t.Name == "" {
				t.Name = id
			}
		}
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	c.Limits.SetDefaults()
}

// Validate checks the whole configuration for consistency.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 && len(c.Teams) == 0 {
		return fmt.Errorf("configuration defines no agents or teams")
	}

	for id, a := range c.Agents {
		if a == nil {
			return fmt.Errorf("agent %q: empty spec", id)
		}
		if a.LLM == "" {
			return fmt.Errorf("agent %q: llm is required", id)
		}
		if _, ok := c.LLMs[a.LLM]; !ok {
			return fmt.Errorf("agent %q: unknown llm provider %q", id, a.LLM)
		}
		if _, clash := c.Teams[id]; clash {
			return fmt.Errorf("%q is defined as both an agent and a team", id)
		}
	}

	for id, t := range c.Teams {
		if t == nil {
			return fmt.Errorf("team %q: empty spec", id)
		}
		if err := c.validateTeam(id, t); err != nil {
			return err
		}
	}

	return c.checkMemberCycles()
}

func (c *Config) validateTeam(id string, t *TeamSpec) error {
	if t.LLM == "" {
		return fmt.Errorf("team %q: llm is required", id)
	}
	if _, ok := c.LLMs[t.LLM]; !ok {
		return fmt.Errorf("team %q: unknown llm provider %q", id, t.LLM)
	}
	if len(t.Members) == 0 {
		return fmt.Errorf("team %q: at least one member is required", id)
	}
	if t.RespondDirectly && t.DelegateToAllMembers {
		return fmt.Errorf("team %q: respond_directly and delegate_to_all_members cannot be combined", id)
	}

	seen := make(map[string]bool, len(t.Members))
	for _, m := range t.Members {
		if seen[m] {
			return fmt.Errorf("team %q: duplicate member %q", id, m)
		}
		seen[m] = true
		_, isAgent := c.Agents[m]
		_, isTeam := c.Teams[m]
		if !isAgent && !isTeam {
			return fmt.Errorf("team %q: unknown member %q", id, m)
		}
		if m == id {
			return fmt.Errorf("team %q: cannot be its own member", id)
		}
	}
	return nil
}

// checkMemberCycles rejects team membership cycles. Nesting must form
// a DAG so delegation always terminates.
func (c *Config) checkMemberCycles() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(c.Teams))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		t, ok := c.Teams[id]
		if !ok {
			return nil // agent, always a leaf
		}
		switch state[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("team membership cycle: %v -> %s", path, id)
		}
		state[id] = visiting
		for _, m := range t.Members {
			if err := visit(m, append(path, id)); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	ids := make([]string, 0, len(c.Teams))
	for id := range c.Teams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(id, nil); err != nil {
			return err
		}
	}
	return nil
}
