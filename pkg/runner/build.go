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
	"fmt"
	"sort"

	"github.com/kadirpekel/tandem/pkg/agent"
	"github.com/kadirpekel/tandem/pkg/config"
	"github.com/kadirpekel/tandem/pkg/embedder"
	"github.com/kadirpekel/tandem/pkg/knowledge"
	"github.com/kadirpekel/tandem/pkg/llm"
	"github.com/kadirpekel/tandem/pkg/memory"
	"github.com/kadirpekel/tandem/pkg/session"
	"github.com/kadirpekel/tandem/pkg/store"
	"github.com/kadirpekel/tandem/pkg/team"
	"github.com/kadirpekel/tandem/pkg/tool"
	"github.com/kadirpekel/tandem/pkg/vector"
)

// Runtime bundles everything a server or REPL needs.
type Runtime struct {
	Config      *config.Config
	Records     store.RecordStore
	Vectors     vector.Provider
	LLMs        *llm.Registry
	Sessions    *session.Manager
	Memories    *memory.Service
	Knowledge   *knowledge.Service
	Coordinator *Coordinator
	Tools       *tool.Registry
}

// Close releases runtime resources.
func (rt *Runtime) Close() error {
	var firstErr error
	if err := rt.LLMs.Close(); err != nil {
		firstErr = err
	}
	if err := rt.Vectors.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := rt.Records.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// BuildRuntime assembles the full runtime from a validated config:
// stores, providers, subsystems, the base tool registry and every
// configured agent and team registered on a coordinator.
func BuildRuntime(cfg *config.Config) (rt *Runtime, err error) {
	records, err := store.OpenSQL(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			records.Close()
		}
	}()

	vcfg, err := vector.ParseURL(cfg.VectorStoreURL)
	if err != nil {
		return nil, err
	}
	vectors, err := vector.NewProvider(vcfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			vectors.Close()
		}
	}()

	llms := llm.NewRegistry()
	defer func() {
		if err != nil {
			llms.Close()
		}
	}()
	names := make([]string, 0, len(cfg.LLMs))
	for name := range cfg.LLMs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err = llms.CreateFromConfig(name, cfg.LLMs[name]); err != nil {
			return nil, err
		}
	}

	var emb embedder.Embedder
	if cfg.Embedder != nil {
		emb, err = embedder.NewFromConfig(cfg.Embedder)
		if err != nil {
			return nil, err
		}
	}

	rt = &Runtime{
		Config:   cfg,
		Records:  records,
		Vectors:  vectors,
		LLMs:     llms,
		Sessions: session.NewManager(records),
		Tools:    tool.NewRegistry(),
	}

	if emb != nil {
		var extractor llm.Provider
		extractor, err = extractionProvider(llms, names)
		if err != nil {
			return nil, err
		}
		rt.Memories = memory.NewService(records, emb, extractor, memory.Config{
			DedupCosine: cfg.Limits.MemoryDedupCosine,
			MergeCosine: cfg.Limits.MemoryMergeCosine,
		})
		rt.Knowledge = knowledge.NewService(records, emb, vectors, nil)
	}

	if err = registerBaseTools(rt); err != nil {
		return nil, err
	}

	rt.Coordinator = NewCoordinator(records, rt.Sessions, rt.Memories, cfg.Limits)
	if err = registerAgents(rt); err != nil {
		return nil, err
	}
	if err = registerTeams(rt); err != nil {
		return nil, err
	}
	return rt, nil
}

// extractionProvider picks the LLM used for memory extraction: the
// provider named "default" when present, the first otherwise.
func extractionProvider(llms *llm.Registry, sortedNames []string) (llm.Provider, error) {
	if p, err := llms.Get("default"); err == nil {
		return p, nil
	}
	if len(sortedNames) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	return llms.Get(sortedNames[0])
}

func registerBaseTools(rt *Runtime) error {
	if err := rt.Tools.Register(tool.NewWebRequest(nil)); err != nil {
		return err
	}
	if rt.Memories != nil {
		if err := rt.Tools.Register(memory.NewSearchTool(rt.Memories)); err != nil {
			return err
		}
	}
	if rt.Knowledge != nil {
		if err := rt.Tools.Register(knowledge.NewSearchTool(rt.Knowledge)); err != nil {
			return err
		}
	}
	return nil
}

// toolNames resolves the effective tool set of a spec: its declared
// tools plus the subsystem bridge tools its flags enable.
func toolNames(declared []string, withMemory, withKnowledge bool, rt *Runtime) []string {
	names := append([]string(nil), declared...)
	has := func(n string) bool {
		for _, existing := range names {
			if existing == n {
				return true
			}
		}
		return false
	}
	if withMemory && rt.Memories != nil && !has("memory_search") {
		names = append(names, "memory_search")
	}
	if withKnowledge && rt.Knowledge != nil && !has("knowledge_search") {
		names = append(names, "knowledge_search")
	}
	return names
}

func registerAgents(rt *Runtime) error {
	cfg := rt.Config
	for _, id := range sortedAgentIDs(cfg) {
		spec := cfg.Agents[id]
		provider, err := rt.LLMs.Get(spec.LLM)
		if err != nil {
			return fmt.Errorf("agent %q: %w", id, err)
		}
		reg, err := rt.Tools.Subset(toolNames(spec.Tools, spec.Memory, spec.Knowledge, rt))
		if err != nil {
			return fmt.Errorf("agent %q: %w", id, err)
		}
		rt.Coordinator.Register(&Entry{
			Runnable:       agent.New(spec, provider, reg, cfg.Limits),
			Memory:         spec.Memory,
			NumHistoryRuns: spec.NumHistoryRuns,
		})
	}
	return nil
}

func registerTeams(rt *Runtime) error {
	cfg := rt.Config
	for _, id := range sortedTeamIDs(cfg) {
		spec := cfg.Teams[id]
		provider, err := rt.LLMs.Get(spec.LLM)
		if err != nil {
			return fmt.Errorf("team %q: %w", id, err)
		}
		leaderTools, err := rt.Tools.Subset(toolNames(nil, spec.Memory, spec.Knowledge, rt))
		if err != nil {
			return fmt.Errorf("team %q: %w", id, err)
		}

		members := make([]team.Member, 0, len(spec.Members))
		for _, memberID := range spec.Members {
			members = append(members, memberInfo(cfg, memberID))
		}

		rt.Coordinator.Register(&Entry{
			Runnable:       team.New(spec, provider, leaderTools, members, rt.Coordinator.RunMember, cfg.Limits),
			Memory:         spec.Memory,
			NumHistoryRuns: spec.NumHistoryRuns,
		})
	}
	return nil
}

func memberInfo(cfg *config.Config, memberID string) team.Member {
	if a, ok := cfg.Agents[memberID]; ok {
		return team.Member{
			ID:          a.ID,
			Name:        a.Name,
			Description: a.Description,
			ToolNames:   a.Tools,
		}
	}
	if t, ok := cfg.Teams[memberID]; ok {
		return team.Member{ID: t.ID, Name: t.Name, Description: t.Description}
	}
	return team.Member{ID: memberID, Name: memberID}
}

func sortedAgentIDs(cfg *config.Config) []string {
	ids := make([]string, 0, len(cfg.Agents))
	for id := range cfg.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedTeamIDs(cfg *config.Config) []string {
	ids := make([]string, 0, len(cfg.Teams))
	for id := range cfg.Teams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
