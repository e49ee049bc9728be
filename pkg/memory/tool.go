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

package memory

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/kadirpekel/tandem/pkg/tool"
)

// SearchArgs are the arguments of the memory_search tool.
type SearchArgs struct {
	Query  string   `json:"query" jsonschema:"required,description=What to look for in the user's memories"`
	Topics []string `json:"topics,omitempty" jsonschema:"description=Optional topic tags to restrict the search"`
	Limit  int      `json:"limit,omitempty" jsonschema:"description=Maximum number of memories to return (default 5)"`
}

// SearchTool exposes memory search to agents. Retrieval is best-effort:
// backend failures produce an empty result with a warning, never a
// failed tool call.
type SearchTool struct {
	service *Service
}

var _ tool.Tool = (*SearchTool)(nil)

// NewSearchTool creates the memory_search tool.
func NewSearchTool(service *Service) *SearchTool {
	return &SearchTool{service: service}
}

func (t *SearchTool) Descriptor() tool.Definition {
	return tool.Definition{
		Name:        "memory_search",
		Description: "Search the user's long-term memories for relevant facts. Use topic tags to narrow the search.",
		Parameters:  tool.MustSchema[SearchArgs](),
	}
}

func (t *SearchTool) Idempotent() bool { return true }

type memoryHit struct {
	Text   string   `json:"text"`
	Topics []string `json:"topics"`
	Score  float64  `json:"score"`
}

func (t *SearchTool) Invoke(ctx context.Context, inv *tool.Invocation) (*tool.Result, error) {
	args, err := tool.DecodeArgs[SearchArgs](inv.Args)
	if err != nil {
		return tool.Fail(tool.ErrInvalidArgs, err.Error()), nil
	}
	if inv.UserID == "" {
		return tool.Fail(tool.ErrPermissionDenied, "memory search requires an attributed user"), nil
	}

	hits, err := t.service.Search(ctx, inv.UserID, args.Topics, args.Query, args.Limit)
	if err != nil {
		slog.Warn("Memory search failed, returning empty result",
			"user_id", inv.UserID, "error", err)
		return &tool.Result{
			Content:  "[]",
			Metadata: map[string]any{"warning": "memory retrieval unavailable"},
		}, nil
	}

	out := make([]memoryHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, memoryHit{Text: h.Memory.Text, Topics: h.Memory.Topics, Score: h.Score})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return tool.Fail(tool.ErrInternal, err.Error()), nil
	}
	return tool.Text(string(data)), nil
}
