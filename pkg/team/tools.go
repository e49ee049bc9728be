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

package team

import (
	"github.com/kadirpekel/tandem/pkg/tool"
)

// Synthetic tool names. These are implemented by the runtime itself and
// intercepted at the leader turn level, never registered as ordinary
// tools.
const (
	DelegateToolName = "delegate_task_to_member"
	StopToolName     = "stop_delegation"
)

// DelegateArgs are the arguments of delegate_task_to_member.
type DelegateArgs struct {
	MemberID        string `json:"member_id" jsonschema:"required,description=ID of the team member to delegate to"`
	TaskDescription string `json:"task_description" jsonschema:"required,description=The task the member should perform"`
	ExpectedOutput  string `json:"expected_output,omitempty" jsonschema:"description=What a good result looks like"`
}

// delegateDefinition describes the delegation tool to the leader LLM.
func delegateDefinition() tool.Definition {
	return tool.Definition{
		Name:        DelegateToolName,
		Description: "Delegate a task to a team member. You may call this multiple times in one turn to run members in parallel.",
		Parameters:  tool.MustSchema[DelegateArgs](),
	}
}

// stopDefinition describes the stop_delegation tool.
func stopDefinition() tool.Definition {
	return tool.Definition{
		Name:        StopToolName,
		Description: "Signal that the gathered member results are sufficient and no further delegation is needed.",
		Parameters: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"additionalProperties": false,
		},
	}
}
