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

package knowledge

import (
	"context"
	"encoding/json"

	"github.com/kadirpekel/tandem/pkg/tool"
)

// SearchArgs are the arguments of the knowledge_search tool.
type SearchArgs struct {
	Query string `json:"query" jsonschema:"required,description=What to look for in the user's knowledge base"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of chunks to return (default 5)"`
}

// SearchTool exposes knowledge search to agents.
type SearchTool struct {
	service *Service
}

var _ tool.Tool = (*SearchTool)(nil)

// NewSearchTool creates the knowledge_search tool.
func NewSearchTool(service *Service) *SearchTool {
	return &SearchTool{service: service}
}

func (t *SearchTool) Descriptor() tool.Definition {
	return tool.Definition{
		Name:        "knowledge_search",
		Description: "Search the user's knowledge base for relevant document passages.",
		Parameters:  tool.MustSchema[SearchArgs](),
	}
}

func (t *SearchTool) Idempotent() bool { return true }

func (t *SearchTool) Invoke(ctx context.Context, inv *tool.Invocation) (*tool.Result, error) {
	args, err := tool.DecodeArgs[SearchArgs](inv.Args)
	if err != nil {
		return tool.Fail(tool.ErrInvalidArgs, err.Error()), nil
	}
	if inv.UserID == "" {
		return tool.Fail(tool.ErrPermissionDenied, "knowledge search requires an attributed user"), nil
	}

	hits, err := t.service.Search(ctx, inv.UserID, args.Query, args.Limit)
	if err != nil {
		return tool.Fail(tool.ErrUpstreamUnavailable, err.Error()), nil
	}
	data, err := json.Marshal(hits)
	if err != nil {
		return tool.Fail(tool.ErrInternal, err.Error()), nil
	}
	return tool.Text(string(data)), nil
}
