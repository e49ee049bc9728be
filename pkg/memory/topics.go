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
	"regexp"
	"strings"
)

// StandardTopics is the closed set of built-in memory topics. Users may
// introduce additional topics; these are the ones the extraction prompt
// suggests.
var StandardTopics = []string{
	"preferences", "goals", "relationships", "family", "identity",
	"emotional_state", "communication_style", "behavioral_patterns",
	"work", "projects", "deadlines", "skills", "expertise", "interests",
	"hobbies", "sports", "music", "travel", "programming", "ai",
	"technology", "software", "hardware", "location", "events",
	"calendar", "history", "legal", "research", "news", "finance",
}

var topicCleaner = regexp.MustCompile(`[^a-z0-9_]+`)

// NormalizeTopic lowercases and snake_cases a topic tag.
func NormalizeTopic(topic string) string {
	t := strings.ToLower(strings.TrimSpace(topic))
	t = strings.ReplaceAll(t, " ", "_")
	t = strings.ReplaceAll(t, "-", "_")
	t = topicCleaner.ReplaceAllString(t, "")
	return strings.Trim(t, "_")
}

// NormalizeTopics normalizes and deduplicates a topic list, dropping
// empties.
func NormalizeTopics(topics []string) []string {
	seen := make(map[string]bool, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		n := NormalizeTopic(t)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// topicOverlap is the fraction of query topics present on the memory.
func topicOverlap(queryTopics, memoryTopics []string) float64 {
	if len(queryTopics) == 0 {
		return 0
	}
	set := make(map[string]bool, len(memoryTopics))
	for _, t := range memoryTopics {
		set[t] = true
	}
	matched := 0
	for _, t := range queryTopics {
		if set[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTopics))
}

// hasAnyTopic reports whether the memory carries at least one of the
// requested topics. Used as the structural prefilter.
func hasAnyTopic(queryTopics, memoryTopics []string) bool {
	if len(queryTopics) == 0 {
		return true
	}
	set := make(map[string]bool, len(memoryTopics))
	for _, t := range memoryTopics {
		set[t] = true
	}
	for _, t := range queryTopics {
		if set[t] {
			return true
		}
	}
	return false
}
