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
	"net/url"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicVertex "github.com/anthropics/anthropic-sdk-go/vertex"
	"github.com/tidwall/sjson"

	"github.com/adaptercritic/gateway/internal/apischema/openai"
)

// vertexDefaultMaxTokens applies when the caller sets no max_tokens; the
// Anthropic Messages API requires the field.
const vertexDefaultMaxTokens = 8192

const anthropicVersionKey = "anthropic_version"

// VertexAnthropicGateway speaks the Claude Messages API through the Vertex
// AI rawPredict endpoint, translating the OpenAI contract both ways.
type VertexAnthropicGateway struct {
	client           *http.Client
	apiKey           string
	defaultAPIKeyEnv string
	logger           *slog.Logger
}

// NewVertexAnthropicGateway builds a gateway. The bearer token resolution
// mirrors the OpenAI gateway; Vertex access tokens come from the stage's
// api_key_env.
func NewVertexAnthropicGateway(client *http.Client, apiKey, defaultAPIKeyEnv string, logger *slog.Logger) *VertexAnthropicGateway {
	return &VertexAnthropicGateway{client: client, apiKey: apiKey, defaultAPIKeyEnv: defaultAPIKeyEnv, logger: logger}
}

// vertexTarget is a parsed Vertex base_url plus the normalized model name.
type vertexTarget struct {
	endpoint string
	model    string
}

// resolveVertexTarget derives the rawPredict endpoint from the configured
// base_url. The base_url must carry /projects/<id>/ and /locations/<region>/
// segments; everything after the v1 segment is rebuilt canonically.
func resolveVertexTarget(model, baseURL string) (vertexTarget, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return vertexTarget{}, fmt.Errorf("vertex base_url must include scheme and host")
	}

	segments := make([]string, 0)
	for _, segment := range strings.Split(parsed.Path, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	projectID, err := pathSegmentAfter(segments, "projects")
	if err != nil {
		return vertexTarget{}, err
	}
	region, err := pathSegmentAfter(segments, "locations")
	if err != nil {
		return vertexTarget{}, err
	}

	basePath := "/v1"
	for i, segment := range segments {
		if segment == "v1" {
			basePath = "/" + strings.Join(segments[:i+1], "/")
			break
		}
	}

	normalizedModel := strings.TrimPrefix(model, "anthropic/")
	if normalizedModel == "" {
		return vertexTarget{}, fmt.Errorf("vertex model must not be empty")
	}

	endpoint := fmt.Sprintf("%s://%s%s/projects/%s/locations/%s/publishers/anthropic/models/%s:rawPredict",
		parsed.Scheme, parsed.Host, basePath, projectID, region, normalizedModel)
	return vertexTarget{endpoint: endpoint, model: normalizedModel}, nil
}

func pathSegmentAfter(segments []string, marker string) (string, error) {
	for i, segment := range segments {
		if segment != marker {
			continue
		}
		if i+1 >= len(segments) || segments[i+1] == "" {
			return "", fmt.Errorf("vertex base_url missing value after %q segment", marker)
		}
		return segments[i+1], nil
	}
	return "", fmt.Errorf("vertex base_url missing %q segment", marker)
}

// Complete implements UpstreamGateway.
func (g *VertexAnthropicGateway) Complete(ctx context.Context, req CompletionRequest) (*UpstreamResult, error) {
	target, err := resolveVertexTarget(req.Model, req.BaseURL)
	if err != nil {
		return nil, &TransportError{Model: req.Model, BaseURL: req.BaseURL, Err: err}
	}

	params, err := buildAnthropicParams(req)
	if err != nil {
		return nil, &TransportError{Model: req.Model, BaseURL: req.BaseURL, Err: err}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, &TransportError{Model: req.Model, BaseURL: req.BaseURL, Err: err}
	}
	body, err = sjson.SetBytes(body, anthropicVersionKey, anthropicVertex.DefaultVersion)
	if err != nil {
		return nil, &TransportError{Model: req.Model, BaseURL: req.BaseURL, Err: err}
	}

	g.logger.Debug("vertex anthropic request",
		slog.String("model", target.model),
		slog.String("endpoint", target.endpoint),
		slog.Int("message_count", len(req.Messages)),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Model: req.Model, BaseURL: req.BaseURL, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token := resolveAPIKey(g.apiKey, req.APIKeyEnv, g.defaultAPIKeyEnv); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Model: req.Model, BaseURL: req.BaseURL, Err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Model: req.Model, BaseURL: req.BaseURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{
			Model:   req.Model,
			BaseURL: req.BaseURL,
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, bodyPreview(respBody)),
		}
	}

	return g.parseVertexResponse(req, target.model, resp.StatusCode, respBody)
}

func (g *VertexAnthropicGateway) vertexFormatError(req CompletionRequest, model, reason string, statusCode int, body []byte) error {
	return &ResponseFormatError{
		Reason:       reason,
		Model:        model,
		BaseURL:      req.BaseURL,
		MessageCount: len(req.Messages),
		StatusCode:   statusCode,
		BodyPreview:  bodyPreview(body),
	}
}

func (g *VertexAnthropicGateway) parseVertexResponse(req CompletionRequest, model string, statusCode int, body []byte) (*UpstreamResult, error) {
	var message anthropic.Message
	if err := json.Unmarshal(body, &message); err != nil {
		return nil, g.vertexFormatError(req, model, "vertex anthropic response is not a valid message", statusCode, body)
	}

	var content strings.Builder
	var toolCalls []openai.ToolCall
	for i := range message.Content {
		block := &message.Content[i]
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			if block.ID == "" {
				return nil, g.vertexFormatError(req, model, "vertex anthropic tool_use block id is not a string", statusCode, body)
			}
			if block.Name == "" {
				return nil, g.vertexFormatError(req, model, "vertex anthropic tool_use block name is not a string", statusCode, body)
			}
			inputRaw, err := json.Marshal(block.Input)
			if err != nil {
				return nil, g.vertexFormatError(req, model, "vertex anthropic tool_use block input is not an object", statusCode, body)
			}
			var input map[string]any
			if err := json.Unmarshal(inputRaw, &input); err != nil || input == nil {
				return nil, g.vertexFormatError(req, model, "vertex anthropic tool_use block input is not an object", statusCode, body)
			}
			// Round-tripping through a map yields compact JSON with
			// lexicographically sorted keys.
			arguments, err := json.Marshal(input)
			if err != nil {
				return nil, g.vertexFormatError(req, model, "vertex anthropic tool_use block input is not an object", statusCode, body)
			}
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.ToolCallFunction{
					Name:      block.Name,
					Arguments: string(arguments),
				},
			})
		}
	}

	if content.Len() == 0 && len(toolCalls) == 0 {
		return nil, g.vertexFormatError(req, model, "assistant message has empty content and no tool calls", statusCode, body)
	}

	finishReason := "stop"
	switch message.StopReason {
	case anthropic.StopReasonToolUse:
		finishReason = "tool_calls"
	case anthropic.StopReasonMaxTokens:
		finishReason = "length"
	}

	promptTokens := int(message.Usage.InputTokens)
	completionTokens := int(message.Usage.OutputTokens)
	return &UpstreamResult{
		Content: content.String(),
		Usage: openai.TokenUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
	}, nil
}

// buildAnthropicParams translates the OpenAI conversation and request
// options into Anthropic Messages API params. The model is deliberately
// absent; Vertex carries it in the URL.
func buildAnthropicParams(req CompletionRequest) (*anthropic.MessageNewParams, error) {
	messages, system, err := anthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	params := &anthropic.MessageNewParams{
		Messages:  messages,
		MaxTokens: vertexDefaultMaxTokens,
		System:    system,
	}
	applyAnthropicOptions(params, req.RequestOptions)
	return params, nil
}

// anthropicMessages converts the conversation: system turns collect into
// the system blocks, tool turns become user tool_result blocks, assistant
// tool calls become tool_use blocks with parsed JSON input.
func anthropicMessages(messages []openai.ChatMessage) ([]anthropic.MessageParam, []anthropic.TextBlockParam, error) {
	var system []anthropic.TextBlockParam
	var systemParts []string
	out := make([]anthropic.MessageParam, 0, len(messages))

	for i := range messages {
		message := &messages[i]
		switch message.Role {
		case openai.ChatMessageRoleSystem:
			if text := message.ContentOrEmpty(); text != "" {
				systemParts = append(systemParts, text)
			}
		case openai.ChatMessageRoleUser:
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(message.ContentOrEmpty())},
			})
		case openai.ChatMessageRoleAssistant:
			param, err := assistantToAnthropic(message)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, param)
		case openai.ChatMessageRoleTool:
			param, err := toolToAnthropic(message)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, param)
		default:
			return nil, nil, fmt.Errorf("unsupported message role for vertex anthropic: %s", message.Role)
		}
	}

	if len(systemParts) > 0 {
		system = []anthropic.TextBlockParam{{Text: strings.Join(systemParts, "\n\n")}}
	}
	return out, system, nil
}

func assistantToAnthropic(message *openai.ChatMessage) (anthropic.MessageParam, error) {
	var blocks []anthropic.ContentBlockParamUnion
	if text := message.ContentOrEmpty(); text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(text))
	}

	toolCalls, err := message.ToolCalls()
	if err != nil {
		return anthropic.MessageParam{}, err
	}
	for i := range toolCalls {
		call := &toolCalls[i]
		var input map[string]any
		if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil || input == nil {
			return anthropic.MessageParam{}, fmt.Errorf("assistant tool_call function.arguments must decode to an object")
		}
		blocks = append(blocks, anthropic.ContentBlockParamUnion{
			OfToolUse: &anthropic.ToolUseBlockParam{
				ID:    call.ID,
				Type:  "tool_use",
				Name:  call.Function.Name,
				Input: input,
			},
		})
	}

	if blocks == nil {
		blocks = []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock("")}
	}
	return anthropic.MessageParam{Role: anthropic.MessageParamRoleAssistant, Content: blocks}, nil
}

func toolToAnthropic(message *openai.ChatMessage) (anthropic.MessageParam, error) {
	rawID := message.Extra["tool_call_id"]
	var toolCallID string
	if err := json.Unmarshal(rawID, &toolCallID); err != nil || toolCallID == "" {
		return anthropic.MessageParam{}, fmt.Errorf("tool role message requires tool_call_id")
	}
	return anthropic.MessageParam{
		Role: anthropic.MessageParamRoleUser,
		Content: []anthropic.ContentBlockParamUnion{{
			OfToolResult: &anthropic.ToolResultBlockParam{
				ToolUseID: toolCallID,
				Type:      "tool_result",
				Content: []anthropic.ToolResultBlockParamContentUnion{{
					OfText: &anthropic.TextBlockParam{Text: message.ContentOrEmpty()},
				}},
			},
		}},
	}, nil
}

// applyAnthropicOptions maps the supported OpenAI request options onto the
// Anthropic params. Unknown options are dropped; the two APIs do not share
// a full option surface.
func applyAnthropicOptions(params *anthropic.MessageNewParams, options map[string]json.RawMessage) {
	if options == nil {
		return
	}

	var maxTokens int64
	if raw, ok := options["max_tokens"]; ok && json.Unmarshal(raw, &maxTokens) == nil && maxTokens > 0 {
		params.MaxTokens = maxTokens
	}
	var temperature float64
	if raw, ok := options["temperature"]; ok && json.Unmarshal(raw, &temperature) == nil {
		params.Temperature = anthropic.Float(temperature)
	}
	var topP float64
	if raw, ok := options["top_p"]; ok && json.Unmarshal(raw, &topP) == nil {
		params.TopP = anthropic.Float(topP)
	}
	var topK int64
	if raw, ok := options["top_k"]; ok && json.Unmarshal(raw, &topK) == nil {
		params.TopK = anthropic.Int(topK)
	}
	if raw, ok := options["stop"]; ok {
		var single string
		var many []string
		if json.Unmarshal(raw, &single) == nil {
			params.StopSequences = []string{single}
		} else if json.Unmarshal(raw, &many) == nil {
			params.StopSequences = many
		}
	}
	if raw, ok := options["tools"]; ok {
		params.Tools = anthropicTools(raw)
	}
	if raw, ok := options["tool_choice"]; ok {
		if choice, ok := anthropicToolChoice(raw); ok {
			params.ToolChoice = choice
		}
	}
}

func anthropicTools(raw json.RawMessage) []anthropic.ToolUnionParam {
	var tools []struct {
		Function struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			Parameters  map[string]any `json:"parameters"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil
	}

	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		if tool.Function.Name == "" {
			continue
		}
		toolParam := anthropic.ToolParam{Name: tool.Function.Name}
		if tool.Function.Description != "" {
			toolParam.Description = anthropic.String(tool.Function.Description)
		}
		inputSchema := anthropic.ToolInputSchemaParam{}
		if properties, ok := tool.Function.Parameters["properties"].(map[string]any); ok {
			inputSchema.Properties = properties
		}
		if required, ok := tool.Function.Parameters["required"].([]any); ok {
			names := make([]string, 0, len(required))
			for _, value := range required {
				if name, ok := value.(string); ok {
					names = append(names, name)
				}
			}
			inputSchema.Required = names
		}
		toolParam.InputSchema = inputSchema
		out = append(out, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func anthropicToolChoice(raw json.RawMessage) (anthropic.ToolChoiceUnionParam, bool) {
	var choice string
	if json.Unmarshal(raw, &choice) == nil {
		switch choice {
		case "auto":
			return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}, true
		case "required":
			return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}, true
		case "none":
			return anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}, true
		}
		return anthropic.ToolChoiceUnionParam{}, false
	}

	var functionChoice struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if json.Unmarshal(raw, &functionChoice) == nil &&
		functionChoice.Type == "function" && functionChoice.Function.Name != "" {
		return anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: functionChoice.Function.Name},
		}, true
	}
	return anthropic.ToolChoiceUnionParam{}, false
}
