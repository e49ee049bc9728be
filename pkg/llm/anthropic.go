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

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/tandem/internal/httpclient"
)

const (
	defaultAnthropicHost    = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
	defaultAnthropicTimeout = 60 * time.Second
)

// AnthropicProvider implements Provider for the Anthropic messages API.
type AnthropicProvider struct {
	model       string
	apiKey      string
	host        string
	temperature float64
	maxTokens   int
	client      *httpclient.Client
}

var _ Provider = (*AnthropicProvider)(nil)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	Model       string
	APIKey      string
	Host        string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// NewAnthropicProvider creates an Anthropic provider from config.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic: model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	if cfg.Host == "" {
		cfg.Host = defaultAnthropicHost
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultAnthropicTimeout
	}

	return &AnthropicProvider{
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		host:        strings.TrimSuffix(cfg.Host, "/"),
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithHeaderParser(httpclient.AnthropicHints),
		),
	}, nil
}

// Wire types for the messages endpoint. Content is a list of typed
// blocks; tool results travel as user-role tool_result blocks.

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
	Error      *anthropicError  `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	ContentBlock *anthropicBlock `json:"content_block,omitempty"`
	Delta        *anthropicDelta `json:"delta,omitempty"`
	Usage        *anthropicUsage `json:"usage,omitempty"`
	Error        *anthropicError `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

func (p *AnthropicProvider) Generate(ctx context.Context, req *Request) (*Completion, error) {
	wireReq := p.buildRequest(req, false)

	httpReq, err := p.newHTTPRequest(ctx, wireReq)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("anthropic: %s", response.Error.Message)
	}

	var text strings.Builder
	var toolCalls []ToolCall
	for _, block := range response.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			raw, _ := json.Marshal(block.Input)
			toolCalls = append(toolCalls, ToolCall{
				ID:      block.ID,
				Name:    block.Name,
				Args:    block.Input,
				RawArgs: string(raw),
			})
		}
	}

	return &Completion{
		Text:      text.String(),
		ToolCalls: toolCalls,
		Usage: Usage{
			PromptTokens:     response.Usage.InputTokens,
			CompletionTokens: response.Usage.OutputTokens,
			TotalTokens:      response.Usage.InputTokens + response.Usage.OutputTokens,
		},
	}, nil
}

func (p *AnthropicProvider) GenerateStreaming(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	wireReq := p.buildRequest(req, true)

	out := make(chan StreamChunk, 100)
	go func() {
		defer close(out)
		if err := p.makeStreamingRequest(ctx, wireReq, out); err != nil {
			out <- StreamChunk{Type: ChunkError, Err: err}
			return
		}
		out <- StreamChunk{Type: ChunkDone}
	}()

	return out, nil
}

func (p *AnthropicProvider) ModelName() string {
	return p.model
}

func (p *AnthropicProvider) Close() error {
	return nil
}

func (p *AnthropicProvider) buildRequest(req *Request, stream bool) anthropicRequest {
	wireReq := anthropicRequest{
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		Stream:      stream,
	}
	if req.MaxTokens > 0 {
		wireReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		wireReq.Temperature = req.Temperature
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			// Anthropic takes system as a top-level field; multiple
			// system messages are concatenated.
			if wireReq.System != "" {
				wireReq.System += "\n\n"
			}
			wireReq.System += m.Content

		case RoleAssistant:
			msg := anthropicMessage{Role: "assistant"}
			if m.Content != "" {
				msg.Content = append(msg.Content, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				msg.Content = append(msg.Content, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Args,
				})
			}
			wireReq.Messages = append(wireReq.Messages, msg)

		case RoleTool:
			wireReq.Messages = append(wireReq.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		default:
			wireReq.Messages = append(wireReq.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	for _, def := range req.Tools {
		schema := def.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		wireReq.Tools = append(wireReq.Tools, anthropicTool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		})
	}

	// No native response_format; structured output is requested via the
	// system prompt by callers that need it.
	if req.ResponseSchema != nil {
		schema, _ := json.Marshal(req.ResponseSchema)
		if wireReq.System != "" {
			wireReq.System += "\n\n"
		}
		wireReq.System += "Respond ONLY with JSON matching this schema:\n" + string(schema)
	}

	return wireReq
}

func (p *AnthropicProvider) newHTTPRequest(ctx context.Context, wireReq anthropicRequest) (*http.Request, error) {
	jsonData, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.host+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	return httpReq, nil
}

func (p *AnthropicProvider) makeStreamingRequest(ctx context.Context, wireReq anthropicRequest, out chan<- StreamChunk) error {
	httpReq, err := p.newHTTPRequest(ctx, wireReq)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	// tool_use blocks stream as a content_block_start carrying id/name
	// followed by input_json_delta fragments.
	type pendingCall struct {
		id   string
		name string
		json strings.Builder
	}
	pending := make(map[int]*pendingCall)
	var usage Usage

	flush := func(index int) {
		pc, ok := pending[index]
		if !ok {
			return
		}
		delete(pending, index)

		raw := pc.json.String()
		args := make(map[string]any)
		if raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		out <- StreamChunk{Type: ChunkToolCall, ToolCall: &ToolCall{
			ID:      pc.id,
			Name:    pc.name,
			Args:    args,
			RawArgs: raw,
		}}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return fmt.Errorf("failed to decode streaming response: %w", err)
		}

		switch ev.Type {
		case "error":
			if ev.Error != nil {
				return fmt.Errorf("anthropic: %s", ev.Error.Message)
			}

		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				pending[ev.Index] = &pendingCall{
					id:   ev.ContentBlock.ID,
					name: ev.ContentBlock.Name,
				}
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				out <- StreamChunk{Type: ChunkText, Text: ev.Delta.Text}
			case "input_json_delta":
				if pc, ok := pending[ev.Index]; ok {
					pc.json.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			flush(ev.Index)

		case "message_start":
			if ev.Usage != nil {
				usage.PromptTokens = ev.Usage.InputTokens
			}

		case "message_delta":
			if ev.Usage != nil {
				usage.CompletionTokens = ev.Usage.OutputTokens
			}

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			out <- StreamChunk{Type: ChunkUsage, Usage: &usage}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read streaming response: %w", err)
	}

	return nil
}
