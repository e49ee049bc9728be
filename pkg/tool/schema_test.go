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

package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleArgs struct {
	Query string `json:"query" jsonschema:"required,description=Search query"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Max results"`
}

func TestGenerateSchema(t *testing.T) {
	schema, err := GenerateSchema[sampleArgs]()
	require.NoError(t, err)

	assert.Equal(t, "object", schema["type"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "query")
	assert.Contains(t, props, "limit")

	required, ok := schema["required"].([]any)
	require.True(t, ok)
	assert.Contains(t, required, "query")
	assert.NotContains(t, required, "limit")
}

func TestDecodeArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]any
		want    sampleArgs
		wantErr bool
	}{
		{
			name: "full",
			args: map[string]any{"query": "go routines", "limit": float64(3)},
			want: sampleArgs{Query: "go routines", Limit: 3},
		},
		{
			name: "weakly typed number",
			args: map[string]any{"query": "x", "limit": "7"},
			want: sampleArgs{Query: "x", Limit: 7},
		},
		{
			name:    "unknown key rejected",
			args:    map[string]any{"query": "x", "bogus": true},
			wantErr: true,
		},
		{
			name: "optional omitted",
			args: map[string]any{"query": "x"},
			want: sampleArgs{Query: "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeArgs[sampleArgs](tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
