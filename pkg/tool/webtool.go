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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kadirpekel/tandem/internal/httpclient"
)

// WebRequestArgs defines the parameters for making HTTP requests.
type WebRequestArgs struct {
	URL     string            `json:"url" jsonschema:"required,description=The URL to request"`
	Method  string            `json:"method,omitempty" jsonschema:"description=HTTP method,default=GET,enum=GET|POST|PUT|DELETE|PATCH|HEAD|OPTIONS"`
	Headers map[string]string `json:"headers,omitempty" jsonschema:"description=HTTP headers as key-value pairs"`
	Body    string            `json:"body,omitempty" jsonschema:"description=Request body (for POST PUT PATCH)"`
}

// WebRequestConfig defines configuration for the web_request tool.
type WebRequestConfig struct {
	Timeout         time.Duration
	MaxRetries      int
	MaxRequestSize  int64
	MaxResponseSize int64
	AllowedDomains  []string
	DeniedDomains   []string
	AllowedMethods  []string
	AllowRedirects  bool
	MaxRedirects    int
	UserAgent       string
}

// WebRequestTool makes HTTP requests to external services. GET requests
// are idempotent by nature; since the LLM chooses the method at call
// time, the tool as a whole is treated as non-idempotent.
type WebRequestTool struct {
	cfg *WebRequestConfig
	hc  *httpclient.Client
}

var _ Tool = (*WebRequestTool)(nil)

// NewWebRequest creates a new web_request tool.
func NewWebRequest(cfg *WebRequestConfig) *WebRequestTool {
	if cfg == nil {
		cfg = &WebRequestConfig{
			Timeout:         30 * time.Second,
			MaxRetries:      3,
			MaxRequestSize:  1048576,  // 1MB
			MaxResponseSize: 10485760, // 10MB
			AllowRedirects:  true,
			MaxRedirects:    10,
			UserAgent:       "Tandem/1.0",
		}
	}

	client := &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if !cfg.AllowRedirects {
				return http.ErrUseLastResponse
			}
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			return nil
		},
	}

	return &WebRequestTool{
		cfg: cfg,
		hc: httpclient.New(
			httpclient.WithHTTPClient(client),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}
}

func (t *WebRequestTool) Descriptor() Definition {
	return Definition{
		Name:        "web_request",
		Description: "Make HTTP requests to external APIs and web services. Supports all HTTP methods, custom headers, and request bodies.",
		Parameters:  MustSchema[WebRequestArgs](),
	}
}

func (t *WebRequestTool) Idempotent() bool {
	return false
}

func (t *WebRequestTool) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	args, err := DecodeArgs[WebRequestArgs](inv.Args)
	if err != nil {
		return Fail(ErrInvalidArgs, err.Error()), nil
	}
	if err := t.validate(args); err != nil {
		return Fail(ErrInvalidArgs, err.Error()), nil
	}

	method := "GET"
	if args.Method != "" {
		method = strings.ToUpper(args.Method)
	}

	var body io.Reader
	if args.Body != "" {
		body = bytes.NewReader([]byte(args.Body))
	}

	req, err := http.NewRequestWithContext(ctx, method, args.URL, body)
	if err != nil {
		return Fail(ErrInvalidArgs, fmt.Sprintf("failed to create request: %v", err)), nil
	}

	req.Header.Set("User-Agent", t.cfg.UserAgent)
	for k, v := range args.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Fail(ErrTimeout, "request timed out"), nil
		}
		if errors.Is(err, context.Canceled) {
			return Fail(ErrCancelled, "request cancelled"), nil
		}
		return Fail(ErrUpstreamUnavailable, fmt.Sprintf("request failed: %v", err)), nil
	}
	defer resp.Body.Close()

	limitedReader := io.LimitReader(resp.Body, t.cfg.MaxResponseSize+1)
	responseBody, err := io.ReadAll(limitedReader)
	if err != nil {
		return Fail(ErrUpstreamUnavailable, fmt.Sprintf("failed to read response: %v", err)), nil
	}

	if int64(len(responseBody)) > t.cfg.MaxResponseSize {
		return Fail(ErrInvalidArgs, fmt.Sprintf("response too large: exceeds %d bytes", t.cfg.MaxResponseSize)), nil
	}

	respHeaders := make(map[string]string)
	for k, v := range resp.Header {
		if len(v) > 0 {
			respHeaders[k] = v[0]
		}
	}

	payload, err := json.Marshal(map[string]any{
		"success":      resp.StatusCode >= 200 && resp.StatusCode < 300,
		"content":      string(responseBody),
		"url":          args.URL,
		"method":       method,
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"content_type": resp.Header.Get("Content-Type"),
		"size":         len(responseBody),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}

	return Text(string(payload)), nil
}

func (t *WebRequestTool) validate(args WebRequestArgs) error {
	parsedURL, err := url.Parse(args.URL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if err := t.validateDomain(parsedURL.Host); err != nil {
		return err
	}

	method := "GET"
	if args.Method != "" {
		method = strings.ToUpper(args.Method)
	}
	if err := t.validateMethod(method); err != nil {
		return err
	}

	if int64(len(args.Body)) > t.cfg.MaxRequestSize {
		return fmt.Errorf("request body too large: %d bytes (max: %d)",
			len(args.Body), t.cfg.MaxRequestSize)
	}

	return nil
}

func (t *WebRequestTool) validateDomain(host string) error {
	cfg := t.cfg
	if len(cfg.AllowedDomains) == 0 && len(cfg.DeniedDomains) == 0 {
		return nil
	}

	// Denied list takes precedence
	for _, denied := range cfg.DeniedDomains {
		if matchesDomain(host, denied) {
			return fmt.Errorf("domain not allowed: %s (matches deny rule: %s)", host, denied)
		}
	}

	if len(cfg.AllowedDomains) > 0 {
		for _, allowed := range cfg.AllowedDomains {
			if matchesDomain(host, allowed) {
				return nil
			}
		}
		return fmt.Errorf("domain not allowed: %s (not in allowed list)", host)
	}

	return nil
}

func (t *WebRequestTool) validateMethod(method string) error {
	if len(t.cfg.AllowedMethods) == 0 {
		return nil
	}

	for _, allowed := range t.cfg.AllowedMethods {
		if strings.EqualFold(method, allowed) {
			return nil
		}
	}

	return fmt.Errorf("HTTP method not allowed: %s (allowed: %v)", method, t.cfg.AllowedMethods)
}

func matchesDomain(host, pattern string) bool {
	// Strip port if present
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}

	if host == pattern {
		return true
	}

	// Wildcard match (e.g., "*.example.com")
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:]
		return strings.HasSuffix(host, suffix)
	}

	return false
}
