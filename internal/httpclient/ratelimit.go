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

package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// RetryHint is what a vendor's rate limit headers tell us about when to
// try again. Zero values mean the vendor gave no hint.
type RetryHint struct {
	After   time.Duration
	ResetAt time.Time
}

// HintParser extracts a RetryHint from a vendor's response headers.
type HintParser func(http.Header) RetryHint

// AnthropicHints reads Anthropic's rate limit headers. Reset times are
// RFC3339 timestamps.
func AnthropicHints(h http.Header) RetryHint {
	hint := RetryHint{After: retryAfter(h)}
	for _, name := range []string{
		"anthropic-ratelimit-requests-reset",
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-output-tokens-reset",
	} {
		if v := h.Get(name); v != "" {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				hint.ResetAt = ts
				break
			}
		}
	}
	return hint
}

// OpenAIHints reads OpenAI's rate limit headers. Reset values are unix
// seconds.
func OpenAIHints(h http.Header) RetryHint {
	hint := RetryHint{After: retryAfter(h)}
	for _, name := range []string{
		"x-ratelimit-reset-requests",
		"x-ratelimit-reset-tokens",
	} {
		if v := h.Get(name); v != "" {
			if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
				hint.ResetAt = time.Unix(unix, 0)
				break
			}
		}
	}
	return hint
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	seconds, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
