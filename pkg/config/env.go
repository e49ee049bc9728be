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
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
	simple      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
	simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
}

// expandEnvVars substitutes ${VAR}, ${VAR:-default} and $VAR.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			if val := os.Getenv(parts[1]); val != "" {
				return val
			}
			return parts[2]
		}
		return match
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	return s
}

// ExpandEnvVarsInData walks a decoded YAML tree expanding environment
// references in every string leaf.
func ExpandEnvVarsInData(data any) any {
	switch v := data.(type) {
	case string:
		return expandEnvVars(v)
	case map[string]any:
		result := make(map[string]any, len(v))
		for key, value := range v {
			result[key] = ExpandEnvVarsInData(value)
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = ExpandEnvVarsInData(item)
		}
		return result
	default:
		return v
	}
}

// LoadEnvFiles loads .env.local and .env if present.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// Limits are the runtime's operational limits.
type Limits struct {
	EmbeddingDim        int     `yaml:"embedding_dim,omitempty"`
	RunTimeoutSec       int     `yaml:"run_timeout_sec,omitempty"`
	ToolTimeoutSec      int     `yaml:"tool_timeout_sec,omitempty"`
	MaxToolRounds       int     `yaml:"max_tool_rounds,omitempty"`
	MemoryDedupCosine   float64 `yaml:"memory_dedup_cosine,omitempty"`
	MemoryMergeCosine   float64 `yaml:"memory_merge_cosine,omitempty"`

	// MaxDelegationRounds is a pointer so an explicit zero survives
	// defaulting. Zero disables delegation, degenerating a team to
	// its leader.
	MaxDelegationRounds *int `yaml:"max_delegation_rounds,omitempty"`
}

// SetDefaults applies default limit values.
func (l *Limits) SetDefaults() {
	if l.EmbeddingDim == 0 {
		l.EmbeddingDim = 768
	}
	if l.RunTimeoutSec == 0 {
		l.RunTimeoutSec = 120
	}
	if l.ToolTimeoutSec == 0 {
		l.ToolTimeoutSec = 30
	}
	if l.MaxToolRounds == 0 {
		l.MaxToolRounds = 8
	}
	if l.MaxDelegationRounds == nil {
		v := 4
		l.MaxDelegationRounds = &v
	}
	if l.MemoryDedupCosine == 0 {
		l.MemoryDedupCosine = 0.90
	}
	if l.MemoryMergeCosine == 0 {
		l.MemoryMergeCosine = 0.95
	}
}

// ApplyEnv overrides limits from their environment variables.
func (l *Limits) ApplyEnv() {
	envInt("EMBEDDING_DIM", &l.EmbeddingDim)
	envInt("RUN_TIMEOUT_SEC", &l.RunTimeoutSec)
	envInt("TOOL_TIMEOUT_SEC", &l.ToolTimeoutSec)
	envInt("MAX_TOOL_ROUNDS", &l.MaxToolRounds)
	envIntOpt("MAX_DELEGATION_ROUNDS", &l.MaxDelegationRounds)
	envFloat("MEMORY_DEDUP_COSINE", &l.MemoryDedupCosine)
	envFloat("MEMORY_MERGE_COSINE", &l.MemoryMergeCosine)
}

// DelegationRounds returns the delegation round cap, defaulting to 4
// when unset. An explicit zero disables delegation.
func (l *Limits) DelegationRounds() int {
	if l.MaxDelegationRounds == nil {
		return 4
	}
	return *l.MaxDelegationRounds
}

// RunTimeout returns the run timeout as a duration.
func (l *Limits) RunTimeout() time.Duration {
	return time.Duration(l.RunTimeoutSec) * time.Second
}

// ToolTimeout returns the per-tool timeout as a duration.
func (l *Limits) ToolTimeout() time.Duration {
	return time.Duration(l.ToolTimeoutSec) * time.Second
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			*dst = v
		}
	}
}

// envIntOpt accepts zero, so the variable can switch a feature off.
func envIntOpt(name string, dst **int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			*dst = &v
		}
	}
}

func envFloat(name string, dst *float64) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			*dst = v
		}
	}
}
