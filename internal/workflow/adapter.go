// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/adaptercritic/gateway/internal/apischema/openai"
	"github.com/adaptercritic/gateway/internal/config"
	"github.com/adaptercritic/gateway/internal/edits"
	"github.com/adaptercritic/gateway/internal/gateway"
	"github.com/adaptercritic/gateway/internal/prompts"
)

// adapterResponseFormat forces the adapter upstream into the patch schema.
var adapterResponseFormat = map[string]json.RawMessage{
	"response_format": json.RawMessage(prompts.AdapterResponseFormat),
}

// runAdapter drafts with the api target, then lets the adapter stage review
// the draft through the restricted patch dialect. Each attempt applies the
// patches against the original draft; a run that never yields an acceptable
// candidate falls back to the draft untouched.
func runAdapter(
	ctx context.Context,
	runtime *config.RuntimeConfig,
	messages []openai.ChatMessage,
	gw gateway.UpstreamGateway,
	requestOptions map[string]json.RawMessage,
	logger *slog.Logger,
) (*Output, error) {
	if runtime.Adapter == nil {
		return nil, fmt.Errorf("adapter runtime is missing adapter target")
	}

	apiDraft, err := gw.Complete(ctx, stageRequest(runtime.API, messages, requestOptions))
	if err != nil {
		return nil, err
	}

	draftToolCalls, err := edits.ToolCallsToGeneric(apiDraft.ToolCalls)
	if err != nil {
		return nil, fmt.Errorf("failed to convert draft tool calls: %w", err)
	}
	draft := edits.Draft{Content: apiDraft.Content, ToolCalls: draftToolCalls}
	draftPayload, err := edits.BuildDraftPayload(draft)
	if err != nil {
		return nil, err
	}
	adapterMessages, err := prompts.BuildAdapterMessages(messages, draftPayload, runtime.AdapterSystemPrompt, requestOptions)
	if err != nil {
		return nil, err
	}

	toolCallRequired := callerRequiresToolCall(requestOptions)
	attempts := runtime.MaxAdapterRetries + 1

	var adapterUsage openai.TokenUsage
	var lastAdapterOutput string
	var rejectionReason string
	var accepted *acceptedCandidate

	for attempt := 0; attempt < attempts; attempt++ {
		adapterReview, err := gw.Complete(ctx, stageRequest(*runtime.Adapter, adapterMessages, adapterResponseFormat))
		if err != nil {
			return nil, err
		}
		adapterUsage = addUsage(adapterUsage, adapterReview.Usage)
		lastAdapterOutput = adapterReview.Content

		candidate, reason := evaluateCandidate(draft, adapterReview.Content, toolCallRequired)
		if candidate != nil {
			accepted = candidate
			break
		}
		rejectionReason = reason
		logger.Warn("adapter candidate rejected",
			slog.Int("attempt", attempt+1),
			slog.String("reason", reason),
		)
	}

	output := &Output{
		Intermediate: map[string]string{
			"api_draft": apiDraft.Content,
			"adapter":   lastAdapterOutput,
		},
		StageUsage: map[string]openai.TokenUsage{
			"api":     apiDraft.Usage,
			"adapter": adapterUsage,
		},
	}
	if len(apiDraft.ToolCalls) > 0 {
		rendered, err := json.Marshal(apiDraft.ToolCalls)
		if err != nil {
			return nil, err
		}
		output.Intermediate["api_draft_tool_calls"] = string(rendered)
	}

	if accepted != nil {
		output.FinalText = accepted.content
		output.FinalToolCalls = accepted.toolCalls
	} else {
		output.FinalText = apiDraft.Content
		output.FinalToolCalls = apiDraft.ToolCalls
		output.Intermediate["adapter_rejection_reason"] = rejectionReason
	}
	output.Intermediate["final"] = output.FinalText
	output.FinishReason = InferFinishReason(apiDraft.FinishReason, len(output.FinalToolCalls) > 0)
	return output, nil
}

type acceptedCandidate struct {
	content   string
	toolCalls []openai.ToolCall
}

// evaluateCandidate applies one adapter reply to the draft and validates
// the result. A nil candidate comes with the rejection reason.
func evaluateCandidate(draft edits.Draft, adapterOutput string, toolCallRequired bool) (*acceptedCandidate, string) {
	patched, err := edits.ApplyAdapterOutput(draft, adapterOutput)
	if err != nil {
		return nil, err.Error()
	}
	toolCalls, err := edits.ToolCallsFromGeneric(patched.ToolCalls)
	if err != nil {
		return nil, err.Error()
	}
	if patched.Content == "" && len(toolCalls) == 0 {
		return nil, "candidate has empty content and no tool calls"
	}
	if toolCallRequired && len(toolCalls) == 0 {
		return nil, "caller requires a tool call but candidate has none"
	}
	return &acceptedCandidate{content: patched.Content, toolCalls: toolCalls}, ""
}

// callerRequiresToolCall reports whether the request's tool_choice demands
// a call: the string "required" or an explicit function choice.
func callerRequiresToolCall(requestOptions map[string]json.RawMessage) bool {
	raw, ok := requestOptions["tool_choice"]
	if !ok {
		return false
	}
	choice := gjson.ParseBytes(raw)
	if choice.Type == gjson.String {
		return choice.String() == "required"
	}
	return choice.Get("type").String() == "function"
}

func addUsage(a, b openai.TokenUsage) openai.TokenUsage {
	return openai.TokenUsage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}
