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

const defaultOpenAIHost = "https://api.openai.com/v1"

// OpenAIProvider implements Provider for the OpenAI chat completions API.
type OpenAIProvider struct {
	model       string
	apiKey      string
	host        string
	temperature float64
	maxTokens   int
	client      *httpclient.Client
}

var _ Provider = (*OpenAIProvider)(nil)

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	Model       string
	APIKey      string
	Host        string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// NewOpenAIProvider creates an OpenAI provider from config.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai: model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	if cfg.Host == "" {
		cfg.Host = defaultOpenAIHost
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &OpenAIProvider{
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		host:        strings.TrimSuffix(cfg.Host, "/"),
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithHeaderParser(httpclient.OpenAIHints),
		),
	}, nil
}

// Wire types for the chat completions endpoint.

type openAIRequest struct {
	Model          string               `json:"model"`
	Messages       []openAIMessage      `json:"messages"`
	MaxTokens      int                  `json:"max_completion_tokens,omitempty"`
	Temperature    float64              `json:"temperature,omitempty"`
	Stream         bool                 `json:"stream"`
	Tools          []openAITool         `json:"tools,omitempty"`
	ResponseFormat *openAIRespFormat    `json:"response_format,omitempty"`
	StreamOptions  *openAIStreamOptions `json:"stream_options,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIRespFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIStreamResponse struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage,omitempty"`
	Error   *openAIError         `json:"error,omitempty"`
}

type openAIStreamChoice struct {
	Delta        openAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openAIDelta struct {
	Content   string                `json:"content"`
	ToolCalls []openAIToolCallDelta `json:"tool_calls,omitempty"`
}

type openAIToolCallDelta struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Completion, error) {
	wireReq := p.buildRequest(req, false)

	resp, err := p.makeRequest(ctx, wireReq)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("openai: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: no response choices returned")
	}

	choice := resp.Choices[0]
	toolCalls, err := parseOpenAIToolCalls(choice.Message.ToolCalls)
	if err != nil {
		return nil, err
	}

	return &Completion{
		Text:      choice.Message.Content,
		ToolCalls: toolCalls,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
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

func (p *OpenAIProvider) ModelName() string {
	return p.model
}

func (p *OpenAIProvider) Close() error {
	return nil
}

func (p *OpenAIProvider) buildRequest(req *Request, stream bool) openAIRequest {
	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openAIMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			rawArgs := tc.RawArgs
			if rawArgs == "" {
				data, _ := json.Marshal(tc.Args)
				rawArgs = string(data)
			}
			msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunctionCall{
					Name:      tc.Name,
					Arguments: rawArgs,
				},
			})
		}
		messages = append(messages, msg)
	}

	wireReq := openAIRequest{
		Model:       p.model,
		Messages:    messages,
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
	if stream {
		wireReq.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}

	for _, def := range req.Tools {
		wireReq.Tools = append(wireReq.Tools, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}

	if req.ResponseSchema != nil {
		wireReq.ResponseFormat = &openAIRespFormat{
			Type: "json_schema",
			JSONSchema: &openAIJSONSchema{
				Name:   "response",
				Schema: req.ResponseSchema,
				Strict: true,
			},
		}
	}

	return wireReq
}

func (p *OpenAIProvider) newHTTPRequest(ctx context.Context, wireReq openAIRequest) (*http.Request, error) {
	jsonData, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.host+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	return httpReq, nil
}

func (p *OpenAIProvider) makeRequest(ctx context.Context, wireReq openAIRequest) (*openAIResponse, error) {
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

	var response openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response, nil
}

func (p *OpenAIProvider) makeStreamingRequest(ctx context.Context, wireReq openAIRequest, out chan<- StreamChunk) error {
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

	// Tool call fragments arrive indexed across deltas and are assembled
	// here before being surfaced whole.
	pending := make(map[int]*openAIToolCall)
	maxIndex := -1

	flushToolCalls := func() error {
		for i := 0; i <= maxIndex; i++ {
			tc, ok := pending[i]
			if !ok {
				continue
			}
			parsed, err := parseOpenAIToolCalls([]openAIToolCall{*tc})
			if err != nil {
				return err
			}
			out <- StreamChunk{Type: ChunkToolCall, ToolCall: &parsed[0]}
		}
		pending = make(map[int]*openAIToolCall)
		maxIndex = -1
		return nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var streamResp openAIStreamResponse
		if err := json.Unmarshal([]byte(data), &streamResp); err != nil {
			return fmt.Errorf("failed to decode streaming response: %w", err)
		}
		if streamResp.Error != nil {
			return fmt.Errorf("openai: %s", streamResp.Error.Message)
		}

		if streamResp.Usage != nil {
			out <- StreamChunk{Type: ChunkUsage, Usage: &Usage{
				PromptTokens:     streamResp.Usage.PromptTokens,
				CompletionTokens: streamResp.Usage.CompletionTokens,
				TotalTokens:      streamResp.Usage.TotalTokens,
			}}
		}

		if len(streamResp.Choices) == 0 {
			continue
		}
		choice := streamResp.Choices[0]

		if choice.Delta.Content != "" {
			out <- StreamChunk{Type: ChunkText, Text: choice.Delta.Content}
		}

		for _, delta := range choice.Delta.ToolCalls {
			if delta.Index > maxIndex {
				maxIndex = delta.Index
			}
			tc, ok := pending[delta.Index]
			if !ok {
				tc = &openAIToolCall{Type: "function"}
				pending[delta.Index] = tc
			}
			if delta.ID != "" {
				tc.ID = delta.ID
			}
			if delta.Function.Name != "" {
				tc.Function.Name = delta.Function.Name
			}
			tc.Function.Arguments += delta.Function.Arguments
		}

		if choice.FinishReason != "" {
			if err := flushToolCalls(); err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read streaming response: %w", err)
	}

	return flushToolCalls()
}

func parseOpenAIToolCalls(wireCalls []openAIToolCall) ([]ToolCall, error) {
	if len(wireCalls) == 0 {
		return nil, nil
	}
	result := make([]ToolCall, len(wireCalls))
	for i, tc := range wireCalls {
		args := make(map[string]any)
		if tc.Function.Arguments != "" {
			// Malformed arguments are surfaced to the agent loop as an
			// empty map with raw JSON preserved; the tool layer reports
			// invalid_args rather than the provider failing the turn.
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		result[i] = ToolCall{
			ID:      tc.ID,
			Name:    tc.Function.Name,
			Args:    args,
			RawArgs: tc.Function.Arguments,
		}
	}
	return result, nil
}
