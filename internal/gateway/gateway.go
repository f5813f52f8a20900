// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package gateway performs single chat completions against upstream
// providers. The UpstreamGateway contract normalizes every provider into
// an UpstreamResult or a typed error; workflows never see provider wire
// formats.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/adaptercritic/gateway/internal/apischema/openai"
)

// CompletionRequest is one upstream chat completion. RequestOptions carries
// the caller's verbatim extra body keys (tools, temperature, ...) and is nil
// for prompt-engineered stages.
type CompletionRequest struct {
	Model          string
	BaseURL        string
	Messages       []openai.ChatMessage
	APIKeyEnv      string
	RequestOptions map[string]json.RawMessage
}

// UpstreamResult is a normalized assistant turn.
type UpstreamResult struct {
	Content      string
	Usage        openai.TokenUsage
	ToolCalls    []openai.ToolCall
	FinishReason string
}

// UpstreamGateway is the capability workflows are built on. Implementations
// must be safe for concurrent Complete calls.
type UpstreamGateway interface {
	Complete(ctx context.Context, req CompletionRequest) (*UpstreamResult, error)
}

// maxBodyPreviewChars caps response bodies carried inside errors and logs.
const maxBodyPreviewChars = 400

// ResponseFormatError reports an upstream body that does not conform to the
// expected response shape.
type ResponseFormatError struct {
	Reason       string
	Model        string
	BaseURL      string
	MessageCount int
	StatusCode   int
	BodyPreview  string
}

func (e *ResponseFormatError) Error() string {
	return fmt.Sprintf(
		"upstream response format error: reason=%s model=%s base_url=%s message_count=%d status_code=%d body=%s",
		e.Reason, e.Model, e.BaseURL, e.MessageCount, e.StatusCode, e.BodyPreview,
	)
}

// TransportError reports a failed upstream exchange: network, TLS, timeout
// or a non-2xx status. Err preserves the cause so cancellation remains
// matchable with errors.Is.
type TransportError struct {
	Model   string
	BaseURL string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream request failed: model=%s base_url=%s: %v", e.Model, e.BaseURL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// bodyPreview truncates a response body for error reporting.
func bodyPreview(body []byte) string {
	if len(body) <= maxBodyPreviewChars {
		return string(body)
	}
	return string(body[:maxBodyPreviewChars]) + "..."
}

// resolveAPIKey picks the bearer token for a call: a constructor-bound key
// wins, then the environment variable named by the stage, then the default
// environment variable. Empty means no Authorization header.
func resolveAPIKey(boundKey, stageEnv, defaultEnv string) string {
	if boundKey != "" {
		return boundKey
	}
	env := stageEnv
	if env == "" {
		env = defaultEnv
	}
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}
