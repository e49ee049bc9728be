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
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
)

// GenerateSchema creates a JSON schema from a Go arg struct using
// struct tags.
//
// Supported tags:
//   - json:"name" - Parameter name
//   - json:",omitempty" - Optional parameter
//   - jsonschema:"required" - Explicitly mark as required
//   - jsonschema:"description=..." - Parameter description
//   - jsonschema:"enum=val1|val2" - Allowed values
//
// Example:
//
//	type Args struct {
//	    Query string `json:"query" jsonschema:"required,description=Search query"`
//	    Limit int    `json:"limit,omitempty" jsonschema:"description=Max results,default=5"`
//	}
func GenerateSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,

		// Inline everything, no $ref definitions
		ExpandedStruct: true,

		// Don't add $schema and $id
		DoNotReference: true,
	}

	schema := reflector.Reflect(new(T))

	schemaMap, err := schemaToMap(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to convert schema to map: %w", err)
	}

	// LLM providers expect a plain object schema
	if schemaMap["type"] == "object" {
		result := map[string]any{
			"type":       "object",
			"properties": schemaMap["properties"],
		}
		if required, ok := schemaMap["required"]; ok {
			result["required"] = required
		}
		if addProps, ok := schemaMap["additionalProperties"]; ok {
			result["additionalProperties"] = addProps
		}
		return result, nil
	}

	return schemaMap, nil
}

// MustSchema is GenerateSchema for statically known arg structs.
// Panics on reflection failure, which can only happen at init time.
func MustSchema[T any]() map[string]any {
	schema, err := GenerateSchema[T]()
	if err != nil {
		panic(fmt.Sprintf("tool schema generation failed: %v", err))
	}
	return schema
}

// schemaToMap converts a jsonschema.Schema to map[string]any.
func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	delete(result, "$schema")
	delete(result, "$id")

	return result, nil
}

// DecodeArgs decodes LLM-supplied arguments into a typed arg struct.
// LLMs emit numbers as float64 and are loose about types, so decoding
// is weakly typed; unknown keys are rejected to catch hallucinated
// parameters early.
func DecodeArgs[T any](args map[string]any) (T, error) {
	var out T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return out, fmt.Errorf("failed to build args decoder: %w", err)
	}
	if err := decoder.Decode(args); err != nil {
		return out, fmt.Errorf("invalid arguments: %w", err)
	}
	return out, nil
}
