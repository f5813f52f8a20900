// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adaptercritic/gateway/internal/apischema/openai"
	"github.com/adaptercritic/gateway/internal/config"
	"github.com/adaptercritic/gateway/internal/gateway"
)

// scriptedGateway replays a fixed sequence of upstream results and records
// every request it sees.
type scriptedGateway struct {
	t        *testing.T
	requests []gateway.CompletionRequest
	script   []func(gateway.CompletionRequest) (*gateway.UpstreamResult, error)
}

func (g *scriptedGateway) Complete(_ context.Context, req gateway.CompletionRequest) (*gateway.UpstreamResult, error) {
	g.requests = append(g.requests, req)
	index := len(g.requests) - 1
	require.Less(g.t, index, len(g.script), "unexpected upstream call")
	return g.script[index](req)
}

func respond(result *gateway.UpstreamResult) func(gateway.CompletionRequest) (*gateway.UpstreamResult, error) {
	return func(gateway.CompletionRequest) (*gateway.UpstreamResult, error) { return result, nil }
}

func fail(err error) func(gateway.CompletionRequest) (*gateway.UpstreamResult, error) {
	return func(gateway.CompletionRequest) (*gateway.UpstreamResult, error) { return nil, err }
}

func testRuntime(mode config.Mode) *config.RuntimeConfig {
	api := config.StageTarget{Model: "api-model", BaseURL: "http://api:8000/v1"}
	secondary := &config.StageTarget{Model: "small-model", BaseURL: "http://small:8000/v1"}
	rc := &config.RuntimeConfig{
		ServedModel:         "served",
		Mode:                mode,
		API:                 api,
		AdapterSystemPrompt: "adapter prompt",
		CriticSystemPrompt:  "critic prompt",
		AdvisorSystemPrompt: "advisor prompt",
	}
	switch mode {
	case config.ModeAdapter:
		rc.Adapter = secondary
	case config.ModeCritic:
		rc.Critic = secondary
	case config.ModeAdvisor:
		rc.Advisor = secondary
	}
	return rc
}

func conversation() []openai.ChatMessage {
	return []openai.ChatMessage{
		openai.NewChatMessage(openai.ChatMessageRoleSystem, "Be terse."),
		openai.NewChatMessage(openai.ChatMessageRoleUser, "Capital of Norway?"),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func usage(prompt, completion int) openai.TokenUsage {
	return openai.TokenUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

func TestRunDirect(t *testing.T) {
	gw := &scriptedGateway{t: t, script: []func(gateway.CompletionRequest) (*gateway.UpstreamResult, error){
		respond(&gateway.UpstreamResult{Content: "Oslo.", Usage: usage(5, 2), FinishReason: "stop"}),
	}}
	options := map[string]json.RawMessage{"temperature": json.RawMessage(`0.3`)}

	output, err := Run(context.Background(), testRuntime(config.ModeDirect), conversation(), gw, options, discardLogger())
	require.NoError(t, err)

	require.Len(t, gw.requests, 1)
	require.Equal(t, "api-model", gw.requests[0].Model)
	require.Equal(t, options, gw.requests[0].RequestOptions)
	require.Equal(t, conversation(), gw.requests[0].Messages)

	require.Equal(t, "Oslo.", output.FinalText)
	require.Equal(t, map[string]string{"api": "Oslo."}, output.Intermediate)
	require.Equal(t, map[string]openai.TokenUsage{"api": usage(5, 2)}, output.StageUsage)
	require.Equal(t, "stop", output.FinishReason)
}

func TestRunDirectPropagatesError(t *testing.T) {
	upstreamErr := &gateway.TransportError{Model: "api-model", BaseURL: "http://api:8000/v1", Err: errors.New("boom")}
	gw := &scriptedGateway{t: t, script: []func(gateway.CompletionRequest) (*gateway.UpstreamResult, error){
		fail(upstreamErr),
	}}
	_, err := Run(context.Background(), testRuntime(config.ModeDirect), conversation(), gw, nil, discardLogger())
	var transportErr *gateway.TransportError
	require.ErrorAs(t, err, &transportErr)
}

func TestRunAdapterLGTM(t *testing.T) {
	gw := &scriptedGateway{t: t, script: []func(gateway.CompletionRequest) (*gateway.UpstreamResult, error){
		respond(&gateway.UpstreamResult{Content: "Oslo.", Usage: usage(5, 2), FinishReason: "stop"}),
		respond(&gateway.UpstreamResult{Content: `{"decision":"lgtm"}`, Usage: usage(7, 1), FinishReason: "stop"}),
	}}

	output, err := Run(context.Background(), testRuntime(config.ModeAdapter), conversation(), gw, nil, discardLogger())
	require.NoError(t, err)

	require.Len(t, gw.requests, 2)
	adapterReq := gw.requests[1]
	require.Equal(t, "small-model", adapterReq.Model)
	// The adapter stage only gets the forced response format, never the
	// caller's request options.
	require.Equal(t, []string{"response_format"}, mapKeys(adapterReq.RequestOptions))
	require.Contains(t, adapterReq.Messages[1].ContentOrEmpty(), "<ADAPTER_DRAFT_CONTENT>\nOslo.\n</ADAPTER_DRAFT_CONTENT>")

	require.Equal(t, "Oslo.", output.FinalText)
	require.Equal(t, "Oslo.", output.Intermediate["api_draft"])
	require.Equal(t, `{"decision":"lgtm"}`, output.Intermediate["adapter"])
	require.Equal(t, "Oslo.", output.Intermediate["final"])
	require.NotContains(t, output.Intermediate, "adapter_rejection_reason")
	require.Equal(t, usage(5, 2), output.StageUsage["api"])
	require.Equal(t, usage(7, 1), output.StageUsage["adapter"])
	require.Equal(t, "stop", output.FinishReason)
}

func TestRunAdapterPatchAccepted(t *testing.T) {
	gw := &scriptedGateway{t: t, script: []func(gateway.CompletionRequest) (*gateway.UpstreamResult, error){
		respond(&gateway.UpstreamResult{Content: "Olso.", Usage: usage(5, 2), FinishReason: "stop"}),
		respond(&gateway.UpstreamResult{
			Content: `{"decision":"patch","patches":[{"op":"replace","path":"/content","value":"Oslo."}]}`,
			Usage:   usage(7, 3),
		}),
	}}

	output, err := Run(context.Background(), testRuntime(config.ModeAdapter), conversation(), gw, nil, discardLogger())
	require.NoError(t, err)
	require.Equal(t, "Oslo.", output.FinalText)
	require.Equal(t, "Olso.", output.Intermediate["api_draft"])
	require.Equal(t, "Oslo.", output.Intermediate["final"])
}

func TestRunAdapterFallbackAfterRejections(t *testing.T) {
	badOutput := `{"decision":"patch","patches":[{"op":"replace","path":"/content","value":42}]}`
	gw := &scriptedGateway{t: t, script: []func(gateway.CompletionRequest) (*gateway.UpstreamResult, error){
		respond(&gateway.UpstreamResult{Content: "draft", Usage: usage(5, 2), FinishReason: "stop"}),
		respond(&gateway.UpstreamResult{Content: badOutput, Usage: usage(4, 1)}),
		respond(&gateway.UpstreamResult{Content: badOutput, Usage: usage(4, 1)}),
	}}
	runtime := testRuntime(config.ModeAdapter)
	runtime.MaxAdapterRetries = 1

	output, err := Run(context.Background(), runtime, conversation(), gw, nil, discardLogger())
	require.NoError(t, err)
	require.Len(t, gw.requests, 3)

	require.Equal(t, "draft", output.FinalText)
	require.Contains(t, output.Intermediate["adapter_rejection_reason"], "content must be a string")
	// Adapter usage accumulates across both attempts.
	require.Equal(t, usage(8, 2), output.StageUsage["adapter"])
}

func TestRunAdapterRetryThenAccept(t *testing.T) {
	gw := &scriptedGateway{t: t, script: []func(gateway.CompletionRequest) (*gateway.UpstreamResult, error){
		respond(&gateway.UpstreamResult{Content: "draft", Usage: usage(5, 2), FinishReason: "stop"}),
		respond(&gateway.UpstreamResult{Content: `not json`, Usage: usage(4, 1)}),
		respond(&gateway.UpstreamResult{Content: `{"decision":"lgtm"}`, Usage: usage(4, 1)}),
	}}
	runtime := testRuntime(config.ModeAdapter)
	runtime.MaxAdapterRetries = 2

	output, err := Run(context.Background(), runtime, conversation(), gw, nil, discardLogger())
	require.NoError(t, err)
	// Acceptance on the second attempt stops the loop short of the budget.
	require.Len(t, gw.requests, 3)
	require.Equal(t, "draft", output.FinalText)
	require.NotContains(t, output.Intermediate, "adapter_rejection_reason")
}

func TestRunAdapterToolCallRequired(t *testing.T) {
	draftCalls := []openai.ToolCall{{
		ID:   "call_1",
		Type: openai.ToolTypeFunction,
		Function: openai.ToolCallFunction{Name: "get_weather", Arguments: `{"city":"Oslo"}`},
	}}
	// The adapter strips the tool calls even though tool_choice demands one.
	stripOutput := `{"decision":"patch","patches":[{"op":"replace","path":"/tool_calls","value":null},{"op":"replace","path":"/content","value":"no call needed"}]}`
	gw := &scriptedGateway{t: t, script: []func(gateway.CompletionRequest) (*gateway.UpstreamResult, error){
		respond(&gateway.UpstreamResult{Content: "", ToolCalls: draftCalls, Usage: usage(5, 2), FinishReason: "tool_calls"}),
		respond(&gateway.UpstreamResult{Content: stripOutput, Usage: usage(4, 1)}),
	}}
	options := map[string]json.RawMessage{"tool_choice": json.RawMessage(`"required"`)}

	output, err := Run(context.Background(), testRuntime(config.ModeAdapter), conversation(), gw, options, discardLogger())
	require.NoError(t, err)
	require.Equal(t, "caller requires a tool call but candidate has none", output.Intermediate["adapter_rejection_reason"])
	require.Equal(t, draftCalls, output.FinalToolCalls)
	require.Equal(t, "tool_calls", output.FinishReason)

	rendered, jsonErr := json.Marshal(draftCalls)
	require.NoError(t, jsonErr)
	require.JSONEq(t, string(rendered), output.Intermediate["api_draft_tool_calls"])
}

func TestRunAdapterErrorsPropagate(t *testing.T) {
	upstreamErr := &gateway.TransportError{Model: "small-model", BaseURL: "http://small:8000/v1", Err: errors.New("down")}
	gw := &scriptedGateway{t: t, script: []func(gateway.CompletionRequest) (*gateway.UpstreamResult, error){
		respond(&gateway.UpstreamResult{Content: "draft", Usage: usage(5, 2)}),
		fail(upstreamErr),
	}}
	_, err := Run(context.Background(), testRuntime(config.ModeAdapter), conversation(), gw, nil, discardLogger())
	var transportErr *gateway.TransportError
	require.ErrorAs(t, err, &transportErr)
}

func TestRunCritic(t *testing.T) {
	gw := &scriptedGateway{t: t, script: []func(gateway.CompletionRequest) (*gateway.UpstreamResult, error){
		respond(&gateway.UpstreamResult{Content: "Olso.", Usage: usage(5, 2), FinishReason: "stop"}),
		respond(&gateway.UpstreamResult{Content: "The city name is misspelled.", Usage: usage(9, 4), FinishReason: "stop"}),
		respond(&gateway.UpstreamResult{Content: "Oslo.", Usage: usage(12, 2), FinishReason: "stop"}),
	}}
	options := map[string]json.RawMessage{"temperature": json.RawMessage(`0.3`)}

	output, err := Run(context.Background(), testRuntime(config.ModeCritic), conversation(), gw, options, discardLogger())
	require.NoError(t, err)
	require.Len(t, gw.requests, 3)

	criticReq := gw.requests[1]
	require.Equal(t, "small-model", criticReq.Model)
	require.Nil(t, criticReq.RequestOptions)
	require.Contains(t, criticReq.Messages[1].ContentOrEmpty(), "System instructions:\nBe terse.")

	finalReq := gw.requests[2]
	require.Equal(t, "api-model", finalReq.Model)
	require.Equal(t, options, finalReq.RequestOptions)
	last := finalReq.Messages[len(finalReq.Messages)-1].ContentOrEmpty()
	require.Contains(t, last, "consider this feedback from a small critic model")
	require.Contains(t, last, "The city name is misspelled.")

	require.Equal(t, "Oslo.", output.FinalText)
	require.Equal(t, "Olso.", output.Intermediate["api_draft"])
	require.Equal(t, "The city name is misspelled.", output.Intermediate["critic"])
	require.Equal(t, "Oslo.", output.Intermediate["final"])
	require.Equal(t, usage(5, 2), output.StageUsage["api_draft"])
	require.Equal(t, usage(9, 4), output.StageUsage["critic"])
	require.Equal(t, usage(12, 2), output.StageUsage["api_final"])
}

func TestRunCriticFinalPassRetrySucceeds(t *testing.T) {
	gw := &scriptedGateway{t: t, script: []func(gateway.CompletionRequest) (*gateway.UpstreamResult, error){
		respond(&gateway.UpstreamResult{Content: "draft", Usage: usage(5, 2), FinishReason: "stop"}),
		respond(&gateway.UpstreamResult{Content: "feedback", Usage: usage(3, 1), FinishReason: "stop"}),
		fail(&gateway.TransportError{Model: "api-model", Err: errors.New("flake")}),
		respond(&gateway.UpstreamResult{Content: "revised", Usage: usage(6, 2), FinishReason: "stop"}),
	}}

	output, err := Run(context.Background(), testRuntime(config.ModeCritic), conversation(), gw, nil, discardLogger())
	require.NoError(t, err)
	require.Len(t, gw.requests, 4)
	require.Equal(t, "revised", output.FinalText)
	require.NotContains(t, output.Intermediate, "final_fallback_reason")
}

func TestRunCriticFinalPassFallback(t *testing.T) {
	finalErr := &gateway.TransportError{Model: "api-model", Err: errors.New("still down")}
	gw := &scriptedGateway{t: t, script: []func(gateway.CompletionRequest) (*gateway.UpstreamResult, error){
		respond(&gateway.UpstreamResult{Content: "draft", Usage: usage(5, 2), FinishReason: "stop"}),
		respond(&gateway.UpstreamResult{Content: "feedback", Usage: usage(3, 1), FinishReason: "stop"}),
		fail(finalErr),
		fail(finalErr),
	}}

	output, err := Run(context.Background(), testRuntime(config.ModeCritic), conversation(), gw, nil, discardLogger())
	require.NoError(t, err)
	require.Len(t, gw.requests, 4)

	require.Equal(t, "draft", output.FinalText)
	require.Equal(t, "stop", output.FinishReason)
	require.Equal(t, openai.TokenUsage{}, output.StageUsage["api_final"])
	require.True(t, strings.HasPrefix(output.Intermediate["final_fallback_reason"], "api_final failed after 2 attempts:"))
	require.Contains(t, output.Intermediate["final_fallback_reason"], "still down")
}

func TestRunCriticCancelledFinalPassDoesNotRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gw := &scriptedGateway{t: t, script: []func(gateway.CompletionRequest) (*gateway.UpstreamResult, error){
		respond(&gateway.UpstreamResult{Content: "draft", Usage: usage(5, 2)}),
		respond(&gateway.UpstreamResult{Content: "feedback", Usage: usage(3, 1)}),
		func(gateway.CompletionRequest) (*gateway.UpstreamResult, error) {
			cancel()
			return nil, &gateway.TransportError{Model: "api-model", Err: context.Canceled}
		},
	}}

	_, err := Run(ctx, testRuntime(config.ModeCritic), conversation(), gw, nil, discardLogger())
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, gw.requests, 3)
}

func TestRunAdvisor(t *testing.T) {
	gw := &scriptedGateway{t: t, script: []func(gateway.CompletionRequest) (*gateway.UpstreamResult, error){
		respond(&gateway.UpstreamResult{Content: "Recall Scandinavian capitals.", Usage: usage(6, 3), FinishReason: "stop"}),
		respond(&gateway.UpstreamResult{Content: "Oslo.", Usage: usage(10, 2), FinishReason: "stop"}),
	}}
	options := map[string]json.RawMessage{"temperature": json.RawMessage(`0.3`)}

	output, err := Run(context.Background(), testRuntime(config.ModeAdvisor), conversation(), gw, options, discardLogger())
	require.NoError(t, err)
	require.Len(t, gw.requests, 2)

	advisorReq := gw.requests[0]
	require.Equal(t, "small-model", advisorReq.Model)
	require.Nil(t, advisorReq.RequestOptions)
	require.Equal(t, "advisor prompt", advisorReq.Messages[0].ContentOrEmpty())

	apiReq := gw.requests[1]
	require.Equal(t, "api-model", apiReq.Model)
	require.Equal(t, options, apiReq.RequestOptions)
	last := apiReq.Messages[len(apiReq.Messages)-1].ContentOrEmpty()
	require.Equal(t,
		"Capital of Norway?\n\n[ADVISOR_GUIDANCE]\nRecall Scandinavian capitals.\n[/ADVISOR_GUIDANCE]",
		last)

	require.Equal(t, "Oslo.", output.FinalText)
	require.Equal(t, map[string]string{
		"advisor": "Recall Scandinavian capitals.",
		"final":   "Oslo.",
	}, output.Intermediate)
	require.Equal(t, usage(6, 3), output.StageUsage["advisor"])
	require.Equal(t, usage(10, 2), output.StageUsage["api"])
}

func TestInferFinishReason(t *testing.T) {
	require.Equal(t, "tool_calls", InferFinishReason("stop", true))
	require.Equal(t, "length", InferFinishReason("length", false))
	require.Equal(t, "content_filter", InferFinishReason("content_filter", false))
	require.Equal(t, "stop", InferFinishReason("end_turn", false))
	require.Equal(t, "stop", InferFinishReason("", false))
}

func TestAggregateUsage(t *testing.T) {
	breakdown := AggregateUsage(map[string]openai.TokenUsage{
		"api_draft": usage(5, 2),
		"critic":    usage(3, 1),
		"api_final": {PromptTokens: -4, CompletionTokens: 2, TotalTokens: -2},
	})
	require.Equal(t, openai.TokenUsage{PromptTokens: 8, CompletionTokens: 5, TotalTokens: 11}, breakdown.Total)
	require.Len(t, breakdown.Stages, 3)
}

func TestRunUnsupportedMode(t *testing.T) {
	rc := testRuntime(config.ModeDirect)
	rc.Mode = config.Mode("review")
	_, err := Run(context.Background(), rc, conversation(), &scriptedGateway{t: t}, nil, discardLogger())
	require.ErrorContains(t, err, "unsupported workflow mode")
}

func mapKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	return keys
}
