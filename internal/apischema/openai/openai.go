// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package openai contains the wire types for the OpenAI Chat Completions
// API surface of the gateway. Messages preserve unknown fields verbatim so
// that tool calls, tool_call_id and any vendor extensions survive the round
// trip to upstreams untouched.
package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Chat message roles accepted by the gateway.
const (
	ChatMessageRoleSystem    = "system"
	ChatMessageRoleUser      = "user"
	ChatMessageRoleAssistant = "assistant"
	ChatMessageRoleTool      = "tool"
)

// ChatMessage is a single conversation entry. Role and Content are parsed;
// every other field of the original JSON object is kept in Extra and
// re-emitted verbatim when the message is forwarded upstream.
type ChatMessage struct {
	Role    string
	Content *string
	// Extra holds all fields other than role and content, e.g. tool_calls,
	// tool_call_id, name.
	Extra map[string]json.RawMessage
}

// NewChatMessage returns a message with just a role and string content.
func NewChatMessage(role, content string) ChatMessage {
	return ChatMessage{Role: role, Content: &content}
}

// ContentOrEmpty returns the string content, or "" when content is absent.
func (m *ChatMessage) ContentOrEmpty() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Clone returns a deep-enough copy: Extra is copied so the clone can be
// mutated without aliasing the original message.
func (m *ChatMessage) Clone() ChatMessage {
	out := ChatMessage{Role: m.Role}
	if m.Content != nil {
		c := *m.Content
		out.Content = &c
	}
	if m.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// RawToolCalls returns the raw tool_calls field of the message, or nil.
func (m *ChatMessage) RawToolCalls() json.RawMessage {
	if m.Extra == nil {
		return nil
	}
	return m.Extra["tool_calls"]
}

// ToolCalls parses the tool_calls field into typed tool calls. A missing or
// null field yields (nil, nil).
func (m *ChatMessage) ToolCalls() ([]ToolCall, error) {
	raw := m.RawToolCalls()
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var calls []ToolCall
	if err := json.Unmarshal(raw, &calls); err != nil {
		return nil, fmt.Errorf("invalid tool_calls: %w", err)
	}
	return calls, nil
}

// UnmarshalJSON implements json.Unmarshaler, splitting role/content from the
// free-form remainder.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("message must be a JSON object: %w", err)
	}
	roleRaw, ok := fields["role"]
	if !ok {
		return fmt.Errorf("message missing role")
	}
	var role string
	if err := json.Unmarshal(roleRaw, &role); err != nil {
		return fmt.Errorf("message role must be a string: %w", err)
	}
	switch role {
	case ChatMessageRoleSystem, ChatMessageRoleUser, ChatMessageRoleAssistant, ChatMessageRoleTool:
	default:
		return fmt.Errorf("unsupported message role: %s", role)
	}
	m.Role = role
	delete(fields, "role")

	if contentRaw, ok := fields["content"]; ok {
		if string(contentRaw) != "null" {
			var content string
			if err := json.Unmarshal(contentRaw, &content); err != nil {
				return fmt.Errorf("message content must be a string or null: %w", err)
			}
			m.Content = &content
		}
		delete(fields, "content")
	}
	if len(fields) > 0 {
		m.Extra = fields
	}
	return nil
}

// MarshalJSON implements json.Marshaler. Absent content is dropped rather
// than serialized as null, matching the drop-none dump the upstreams expect.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(m.Extra)+2)
	for k, v := range m.Extra {
		fields[k] = v
	}
	roleRaw, err := json.Marshal(m.Role)
	if err != nil {
		return nil, err
	}
	fields["role"] = roleRaw
	if m.Content != nil {
		contentRaw, err := json.Marshal(*m.Content)
		if err != nil {
			return nil, err
		}
		fields["content"] = contentRaw
	}
	return json.Marshal(fields)
}

// ToolCall is an OpenAI function tool call attached to an assistant message.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction is the function name plus its JSON-encoded arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolTypeFunction is the only tool call type the gateway accepts.
const ToolTypeFunction = "function"

// TokenUsage counts tokens for one upstream call or an aggregate.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionRequest is the parsed inbound payload. RequestOptions holds
// every top-level key except model, messages, x_adapter_critic and
// extra_body, preserved verbatim for upstream forwarding. RawOverrides is
// the x_adapter_critic object (top-level wins over extra_body), or nil.
type ChatCompletionRequest struct {
	Model          string
	Messages       []ChatMessage
	RequestOptions map[string]json.RawMessage
	RawOverrides   json.RawMessage
}

// overridesKey is the extension field carrying per-request overrides.
const overridesKey = "x_adapter_critic"

// UnmarshalChatCompletionRequest parses an inbound chat-completions payload.
func UnmarshalChatCompletionRequest(data []byte) (*ChatCompletionRequest, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("request body must be a JSON object: %w", err)
	}
	modelRaw, ok := top["model"]
	if !ok {
		return nil, fmt.Errorf("request missing model")
	}
	req := &ChatCompletionRequest{}
	if err := json.Unmarshal(modelRaw, &req.Model); err != nil {
		return nil, fmt.Errorf("model must be a string: %w", err)
	}
	messagesRaw, ok := top["messages"]
	if !ok {
		return nil, fmt.Errorf("request missing messages")
	}
	if err := json.Unmarshal(messagesRaw, &req.Messages); err != nil {
		return nil, err
	}

	// A literal null carrier counts as absent so extra_body can still
	// supply the overrides.
	if raw := top[overridesKey]; !isJSONNull(raw) {
		req.RawOverrides = raw
	}
	if extraBodyRaw, ok := top["extra_body"]; ok {
		var extraBody map[string]json.RawMessage
		if err := json.Unmarshal(extraBodyRaw, &extraBody); err != nil {
			return nil, fmt.Errorf("extra_body must be a JSON object: %w", err)
		}
		if req.RawOverrides == nil {
			req.RawOverrides = extraBody[overridesKey]
		}
	}

	for key, value := range top {
		switch key {
		case "model", "messages", overridesKey, "extra_body":
			continue
		}
		if req.RequestOptions == nil {
			req.RequestOptions = map[string]json.RawMessage{}
		}
		req.RequestOptions[key] = value
	}
	return req, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return raw == nil || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// ChatCompletionResponse is the OpenAI-shaped response envelope, extended
// with the adapter_critic telemetry block.
type ChatCompletionResponse struct {
	ID            string                  `json:"id"`
	Object        string                  `json:"object"`
	Created       int64                   `json:"created"`
	Model         string                  `json:"model"`
	Choices       []ChatCompletionChoice  `json:"choices"`
	Usage         TokenUsage              `json:"usage"`
	AdapterCritic *AdapterCriticExtension `json:"adapter_critic,omitempty"`
}

// ObjectChatCompletion is the object discriminator of non-streaming
// responses.
const ObjectChatCompletion = "chat.completion"

// ChatCompletionChoice is the single choice emitted by the gateway.
type ChatCompletionChoice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

// ChatCompletionMessage is the assistant message of a response choice.
// Content is always present; ToolCalls only when non-empty.
type ChatCompletionMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// AdapterCriticExtension reports which workflow ran, its intermediate
// artifacts and the per-stage token accounting.
type AdapterCriticExtension struct {
	Mode         string            `json:"mode"`
	Intermediate map[string]string `json:"intermediate"`
	Tokens       TokenBreakdown    `json:"tokens"`
}

// TokenBreakdown is per-stage usage plus the aggregate.
type TokenBreakdown struct {
	Stages map[string]TokenUsage `json:"stages"`
	Total  TokenUsage            `json:"total"`
}

// ErrorResponse is the error envelope: {"detail": "..."}.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
