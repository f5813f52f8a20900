// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	anthropicVertex "github.com/anthropics/anthropic-sdk-go/vertex"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/adaptercritic/gateway/internal/apischema/openai"
)

func TestResolveVertexTarget(t *testing.T) {
	tests := []struct {
		name        string
		model       string
		baseURL     string
		expEndpoint string
		expErr      string
	}{
		{
			name:    "project base url",
			model:   "claude-sonnet-4",
			baseURL: "https://us-east5-aiplatform.googleapis.com/v1/projects/my-project/locations/us-east5",
			expEndpoint: "https://us-east5-aiplatform.googleapis.com/v1/projects/my-project/locations/us-east5" +
				"/publishers/anthropic/models/claude-sonnet-4:rawPredict",
		},
		{
			name:    "anthropic prefix stripped",
			model:   "anthropic/claude-3-5-haiku",
			baseURL: "https://aiplatform.googleapis.com/v1/projects/p/locations/global/",
			expEndpoint: "https://aiplatform.googleapis.com/v1/projects/p/locations/global" +
				"/publishers/anthropic/models/claude-3-5-haiku:rawPredict",
		},
		{
			name:    "publisher base url is rebuilt canonically",
			model:   "claude-sonnet-4",
			baseURL: "https://aiplatform.googleapis.com/v1/projects/p/locations/global/publishers/anthropic/models/other",
			expEndpoint: "https://aiplatform.googleapis.com/v1/projects/p/locations/global" +
				"/publishers/anthropic/models/claude-sonnet-4:rawPredict",
		},
		{
			name:    "missing projects segment",
			model:   "claude-sonnet-4",
			baseURL: "https://aiplatform.googleapis.com/v1/locations/global",
			expErr:  `missing "projects" segment`,
		},
		{
			name:    "missing locations segment",
			model:   "claude-sonnet-4",
			baseURL: "https://aiplatform.googleapis.com/v1/projects/p",
			expErr:  `missing "locations" segment`,
		},
		{
			name:    "no scheme",
			model:   "claude-sonnet-4",
			baseURL: "aiplatform.googleapis.com/v1/projects/p/locations/global",
			expErr:  "must include scheme and host",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			target, err := resolveVertexTarget(tc.model, tc.baseURL)
			if tc.expErr != "" {
				require.ErrorContains(t, err, tc.expErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expEndpoint, target.endpoint)
		})
	}
}

func vertexTestResponse() string {
	return `{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"content": [{"type": "text", "text": "Oslo."}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 4}
	}`
}

func TestVertexGatewayComplete(t *testing.T) {
	var lastPath string
	var lastBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastPath = r.URL.Path
		lastBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(vertexTestResponse()))
	}))
	defer server.Close()

	g := NewVertexAnthropicGateway(server.Client(), "gcp-token", "", testLogger())
	result, err := g.Complete(context.Background(), CompletionRequest{
		Model:   "anthropic/claude-sonnet-4",
		BaseURL: server.URL + "/v1/projects/p/locations/us-east5",
		Messages: []openai.ChatMessage{
			openai.NewChatMessage(openai.ChatMessageRoleSystem, "Be terse."),
			openai.NewChatMessage(openai.ChatMessageRoleSystem, "Answer in English."),
			openai.NewChatMessage(openai.ChatMessageRoleUser, "Capital of Norway?"),
		},
		RequestOptions: map[string]json.RawMessage{
			"max_tokens":  json.RawMessage(`1024`),
			"temperature": json.RawMessage(`0.5`),
		},
	})
	require.NoError(t, err)
	require.Equal(t, "Oslo.", result.Content)
	require.Equal(t, "stop", result.FinishReason)
	require.Equal(t, openai.TokenUsage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14}, result.Usage)

	require.Equal(t, "/v1/projects/p/locations/us-east5/publishers/anthropic/models/claude-sonnet-4:rawPredict", lastPath)
	body := gjson.ParseBytes(lastBody)
	require.Equal(t, anthropicVertex.DefaultVersion, body.Get("anthropic_version").String())
	require.False(t, body.Get("model").Exists())
	require.Equal(t, int64(1024), body.Get("max_tokens").Int())
	require.Equal(t, 0.5, body.Get("temperature").Float())
	require.Equal(t, "Be terse.\n\nAnswer in English.", body.Get("system.0.text").String())
	require.Equal(t, "user", body.Get("messages.0.role").String())
	require.Equal(t, "Capital of Norway?", body.Get("messages.0.content.0.text").String())
}

func TestVertexGatewayDefaultMaxTokens(t *testing.T) {
	var lastBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(vertexTestResponse()))
	}))
	defer server.Close()

	g := NewVertexAnthropicGateway(server.Client(), "gcp-token", "", testLogger())
	_, err := g.Complete(context.Background(), CompletionRequest{
		Model:    "claude-sonnet-4",
		BaseURL:  server.URL + "/v1/projects/p/locations/us-east5",
		Messages: testMessages(),
	})
	require.NoError(t, err)
	require.Equal(t, int64(vertexDefaultMaxTokens), gjson.GetBytes(lastBody, "max_tokens").Int())
}

func TestVertexGatewayToolRoundTrip(t *testing.T) {
	var lastBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{
			"id": "msg_2",
			"type": "message",
			"role": "assistant",
			"content": [
				{"type": "text", "text": "Checking."},
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"unit": "C", "city": "Oslo"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 20, "output_tokens": 8}
		}`))
	}))
	defer server.Close()

	assistant := openai.ChatMessage{Role: openai.ChatMessageRoleAssistant}
	assistantJSON := `{"role":"assistant","content":null,"tool_calls":[
		{"id":"toolu_0","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Bergen\"}"}}
	]}`
	require.NoError(t, json.Unmarshal([]byte(assistantJSON), &assistant))
	toolMsg := openai.ChatMessage{}
	require.NoError(t, json.Unmarshal([]byte(`{"role":"tool","content":"rainy","tool_call_id":"toolu_0"}`), &toolMsg))

	g := NewVertexAnthropicGateway(server.Client(), "gcp-token", "", testLogger())
	result, err := g.Complete(context.Background(), CompletionRequest{
		Model:   "claude-sonnet-4",
		BaseURL: server.URL + "/v1/projects/p/locations/us-east5",
		Messages: []openai.ChatMessage{
			openai.NewChatMessage(openai.ChatMessageRoleUser, "Weather in Oslo?"),
			assistant,
			toolMsg,
		},
		RequestOptions: map[string]json.RawMessage{
			"tools": json.RawMessage(`[{"type":"function","function":{
				"name":"get_weather",
				"description":"Current weather",
				"parameters":{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}
			}}]`),
			"tool_choice": json.RawMessage(`"auto"`),
		},
	})
	require.NoError(t, err)

	body := gjson.ParseBytes(lastBody)
	require.Equal(t, "tool_use", body.Get("messages.1.content.0.type").String())
	require.Equal(t, "toolu_0", body.Get("messages.1.content.0.id").String())
	require.Equal(t, "Bergen", body.Get("messages.1.content.0.input.city").String())
	require.Equal(t, "user", body.Get("messages.2.role").String())
	require.Equal(t, "tool_result", body.Get("messages.2.content.0.type").String())
	require.Equal(t, "toolu_0", body.Get("messages.2.content.0.tool_use_id").String())
	require.Equal(t, "rainy", body.Get("messages.2.content.0.content.0.text").String())
	require.Equal(t, "get_weather", body.Get("tools.0.name").String())
	require.Equal(t, "city", body.Get("tools.0.input_schema.required.0").String())
	require.True(t, body.Get("tool_choice").Exists())

	require.Equal(t, "Checking.", result.Content)
	require.Equal(t, "tool_calls", result.FinishReason)
	require.Len(t, result.ToolCalls, 1)
	require.Equal(t, "toolu_1", result.ToolCalls[0].ID)
	// Arguments come back compact with sorted keys.
	require.Equal(t, `{"city":"Oslo","unit":"C"}`, result.ToolCalls[0].Function.Arguments)
}

func TestVertexGatewayErrors(t *testing.T) {
	t.Run("invalid message body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		}))
		defer server.Close()

		g := NewVertexAnthropicGateway(server.Client(), "gcp-token", "", testLogger())
		_, err := g.Complete(context.Background(), CompletionRequest{
			Model:    "claude-sonnet-4",
			BaseURL:  server.URL + "/v1/projects/p/locations/us-east5",
			Messages: testMessages(),
		})
		var formatErr *ResponseFormatError
		require.ErrorAs(t, err, &formatErr)
		require.Equal(t, "vertex anthropic response is not a valid message", formatErr.Reason)
	})

	t.Run("empty assistant", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"id":"msg","type":"message","role":"assistant","content":[],"usage":{"input_tokens":1,"output_tokens":0}}`))
		}))
		defer server.Close()

		g := NewVertexAnthropicGateway(server.Client(), "gcp-token", "", testLogger())
		_, err := g.Complete(context.Background(), CompletionRequest{
			Model:    "claude-sonnet-4",
			BaseURL:  server.URL + "/v1/projects/p/locations/us-east5",
			Messages: testMessages(),
		})
		var formatErr *ResponseFormatError
		require.ErrorAs(t, err, &formatErr)
		require.Equal(t, "assistant message has empty content and no tool calls", formatErr.Reason)
	})

	t.Run("non-2xx status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "permission denied", http.StatusForbidden)
		}))
		defer server.Close()

		g := NewVertexAnthropicGateway(server.Client(), "gcp-token", "", testLogger())
		_, err := g.Complete(context.Background(), CompletionRequest{
			Model:    "claude-sonnet-4",
			BaseURL:  server.URL + "/v1/projects/p/locations/us-east5",
			Messages: testMessages(),
		})
		var transportErr *TransportError
		require.ErrorAs(t, err, &transportErr)
		require.Contains(t, transportErr.Err.Error(), "status 403")
	})

	t.Run("bad base_url fails before any request", func(t *testing.T) {
		g := NewVertexAnthropicGateway(http.DefaultClient, "gcp-token", "", testLogger())
		_, err := g.Complete(context.Background(), CompletionRequest{
			Model:    "claude-sonnet-4",
			BaseURL:  "https://aiplatform.googleapis.com/v1",
			Messages: testMessages(),
		})
		var transportErr *TransportError
		require.ErrorAs(t, err, &transportErr)
	})
}
