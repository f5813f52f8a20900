// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/adaptercritic/gateway/internal/apischema/openai"
)

// OpenAIGateway speaks the OpenAI-compatible chat completions protocol over
// plain HTTP. It validates the response shape strictly so workflows can rely
// on the UpstreamResult invariants.
type OpenAIGateway struct {
	client           *http.Client
	apiKey           string
	defaultAPIKeyEnv string
	logger           *slog.Logger
}

// NewOpenAIGateway builds a gateway. apiKey, when non-empty, overrides any
// environment lookup. defaultAPIKeyEnv names the environment variable used
// when a stage declares none.
func NewOpenAIGateway(client *http.Client, apiKey, defaultAPIKeyEnv string, logger *slog.Logger) *OpenAIGateway {
	return &OpenAIGateway{client: client, apiKey: apiKey, defaultAPIKeyEnv: defaultAPIKeyEnv, logger: logger}
}

// Complete implements UpstreamGateway. An assistant turn with empty content
// and no tool calls is retried once with the same payload; some upstreams
// flake into empty completions that succeed on the second attempt.
func (g *OpenAIGateway) Complete(ctx context.Context, req CompletionRequest) (*UpstreamResult, error) {
	g.warnNonStringToolCallArguments(req.Messages)

	payload, err := buildCompletionBody(req)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		result, empty, emptyShaped, err := g.attempt(ctx, req, payload)
		if err != nil {
			return nil, err
		}
		if !empty {
			return result.UpstreamResult, nil
		}
		if attempt == 0 {
			g.logger.Warn("empty assistant response, retrying once",
				slog.String("model", req.Model),
				slog.String("base_url", req.BaseURL),
			)
			continue
		}
		if emptyShaped {
			return result.UpstreamResult, nil
		}
		return nil, &ResponseFormatError{
			Reason:       "assistant message has empty content and no tool calls",
			Model:        req.Model,
			BaseURL:      req.BaseURL,
			MessageCount: len(req.Messages),
			StatusCode:   result.statusCode,
			BodyPreview:  result.bodyPreview,
		}
	}
}

// attemptResult augments UpstreamResult with the response context needed
// when the empty-assistant retry gives up.
type attemptResult struct {
	*UpstreamResult
	statusCode  int
	bodyPreview string
}

func (g *OpenAIGateway) attempt(ctx context.Context, req CompletionRequest, payload []byte) (attemptResult, bool, bool, error) {
	url := strings.TrimRight(req.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return attemptResult{}, false, false, &TransportError{Model: req.Model, BaseURL: req.BaseURL, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token := resolveAPIKey(g.apiKey, req.APIKeyEnv, g.defaultAPIKeyEnv); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return attemptResult{}, false, false, &TransportError{Model: req.Model, BaseURL: req.BaseURL, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return attemptResult{}, false, false, &TransportError{Model: req.Model, BaseURL: req.BaseURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return attemptResult{}, false, false, &TransportError{
			Model:   req.Model,
			BaseURL: req.BaseURL,
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, bodyPreview(body)),
		}
	}

	return g.parseResponse(req, resp.StatusCode, body)
}

func (g *OpenAIGateway) formatError(req CompletionRequest, reason string, statusCode int, body []byte) error {
	return &ResponseFormatError{
		Reason:       reason,
		Model:        req.Model,
		BaseURL:      req.BaseURL,
		MessageCount: len(req.Messages),
		StatusCode:   statusCode,
		BodyPreview:  bodyPreview(body),
	}
}

// parseResponse validates the upstream body and extracts the assistant turn.
// The second and third return values report whether the assistant came back
// empty, and whether the raw content/tool_calls fields were legitimately
// empty-shaped rather than malformed.
func (g *OpenAIGateway) parseResponse(req CompletionRequest, statusCode int, body []byte) (attemptResult, bool, bool, error) {
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return attemptResult{}, false, false, g.formatError(req, "response body is not a JSON object", statusCode, body)
	}
	choices := root.Get("choices")
	if !choices.IsArray() || len(choices.Array()) == 0 {
		return attemptResult{}, false, false, g.formatError(req, "response missing non-empty choices", statusCode, body)
	}
	message := choices.Array()[0].Get("message")
	if !message.IsObject() {
		return attemptResult{}, false, false, g.formatError(req, "choices[0].message is not an object", statusCode, body)
	}

	toolCallsField := message.Get("tool_calls")
	var toolCalls []openai.ToolCall
	if toolCallsField.Exists() && toolCallsField.Type != gjson.Null {
		if !toolCallsField.IsArray() {
			return attemptResult{}, false, false, g.formatError(req, "tool_calls is not a list", statusCode, body)
		}
		for _, entry := range toolCallsField.Array() {
			if !entry.IsObject() {
				return attemptResult{}, false, false, g.formatError(req, "tool_calls entry is not an object", statusCode, body)
			}
			arguments := entry.Get("function.arguments")
			if arguments.Type != gjson.String {
				return attemptResult{}, false, false, g.formatError(req, "tool_call function.arguments is not a string", statusCode, body)
			}
			if !json.Valid([]byte(arguments.String())) {
				return attemptResult{}, false, false, g.formatError(req, "tool_call function.arguments is not valid JSON", statusCode, body)
			}
		}
		if len(toolCallsField.Array()) > 0 {
			if err := json.Unmarshal([]byte(toolCallsField.Raw), &toolCalls); err != nil {
				return attemptResult{}, false, false, g.formatError(req, "tool_calls is not a list of tool call objects", statusCode, body)
			}
		}
	}

	contentField := message.Get("content")
	content := extractContent(contentField)

	finishReason := choices.Array()[0].Get("finish_reason").String()
	if finishReason == "" {
		finishReason = "stop"
	}

	result := attemptResult{
		UpstreamResult: &UpstreamResult{
			Content: content,
			Usage: openai.TokenUsage{
				PromptTokens:     int(root.Get("usage.prompt_tokens").Int()),
				CompletionTokens: int(root.Get("usage.completion_tokens").Int()),
				TotalTokens:      int(root.Get("usage.total_tokens").Int()),
			},
			ToolCalls:    toolCalls,
			FinishReason: finishReason,
		},
		statusCode:  statusCode,
		bodyPreview: bodyPreview(body),
	}

	empty := content == "" && len(toolCalls) == 0
	emptyShaped := empty && contentEmptyShaped(contentField) && toolCallsEmptyShaped(toolCallsField)
	return result, empty, emptyShaped, nil
}

// extractContent reads assistant content: a string, a list of {type,text}
// parts concatenated, or empty for anything else.
func extractContent(contentField gjson.Result) string {
	switch {
	case contentField.Type == gjson.String:
		return contentField.String()
	case contentField.IsArray():
		var parts strings.Builder
		for _, part := range contentField.Array() {
			if part.Get("type").String() == "text" {
				parts.WriteString(part.Get("text").String())
			}
		}
		return parts.String()
	default:
		return ""
	}
}

func contentEmptyShaped(contentField gjson.Result) bool {
	switch {
	case !contentField.Exists(), contentField.Type == gjson.Null:
		return true
	case contentField.Type == gjson.String:
		return contentField.String() == ""
	case contentField.IsArray():
		return true
	default:
		return false
	}
}

func toolCallsEmptyShaped(toolCallsField gjson.Result) bool {
	if !toolCallsField.Exists() || toolCallsField.Type == gjson.Null {
		return true
	}
	return toolCallsField.IsArray() && len(toolCallsField.Array()) == 0
}

// buildCompletionBody assembles the outbound JSON: model and messages plus
// the caller's request options, with model/messages never duplicated.
func buildCompletionBody(req CompletionRequest) ([]byte, error) {
	body := make(map[string]json.RawMessage, len(req.RequestOptions)+2)
	for key, value := range req.RequestOptions {
		if key == "model" || key == "messages" {
			continue
		}
		body[key] = value
	}
	modelRaw, err := json.Marshal(req.Model)
	if err != nil {
		return nil, err
	}
	body["model"] = modelRaw
	messagesRaw, err := json.Marshal(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize messages: %w", err)
	}
	body["messages"] = messagesRaw
	return json.Marshal(body)
}

// warnNonStringToolCallArguments flags inbound assistant tool calls whose
// arguments are not a string. Upstreams reject those, but the caller may
// know better, so the request still goes out.
func (g *OpenAIGateway) warnNonStringToolCallArguments(messages []openai.ChatMessage) {
	for i := range messages {
		if messages[i].Role != openai.ChatMessageRoleAssistant {
			continue
		}
		raw := messages[i].RawToolCalls()
		if len(raw) == 0 {
			continue
		}
		gjson.ParseBytes(raw).ForEach(func(_, entry gjson.Result) bool {
			arguments := entry.Get("function.arguments")
			if arguments.Exists() && arguments.Type != gjson.String {
				g.logger.Warn("assistant tool_call function.arguments is not a string",
					slog.Int("message_index", i),
					slog.String("tool_call_id", entry.Get("id").String()),
				)
			}
			return true
		})
	}
}
