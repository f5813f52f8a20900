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

	"github.com/adaptercritic/gateway/internal/apischema/openai"
	"github.com/adaptercritic/gateway/internal/config"
	"github.com/adaptercritic/gateway/internal/edits"
	"github.com/adaptercritic/gateway/internal/gateway"
	"github.com/adaptercritic/gateway/internal/prompts"
)

// criticFinalAttempts bounds the final pass: one retry after a failure,
// then fall back to the draft.
const criticFinalAttempts = 2

// runCritic drafts with the api target, collects critique from the critic
// stage and asks the api target for a revised answer. A final pass that
// fails twice degrades to the original draft rather than the whole request
// failing.
func runCritic(
	ctx context.Context,
	runtime *config.RuntimeConfig,
	messages []openai.ChatMessage,
	gw gateway.UpstreamGateway,
	requestOptions map[string]json.RawMessage,
	logger *slog.Logger,
) (*Output, error) {
	if runtime.Critic == nil {
		return nil, fmt.Errorf("critic runtime is missing critic target")
	}

	apiDraft, err := gw.Complete(ctx, stageRequest(runtime.API, messages, requestOptions))
	if err != nil {
		return nil, err
	}

	draftToolCalls, err := edits.ToolCallsToGeneric(apiDraft.ToolCalls)
	if err != nil {
		return nil, fmt.Errorf("failed to convert draft tool calls: %w", err)
	}
	draftPayload, err := edits.BuildDraftPayload(edits.Draft{Content: apiDraft.Content, ToolCalls: draftToolCalls})
	if err != nil {
		return nil, err
	}

	criticMessages, err := prompts.BuildCriticMessages(
		messages, firstSystemPrompt(messages), draftPayload, runtime.CriticSystemPrompt, requestOptions)
	if err != nil {
		return nil, err
	}
	criticFeedback, err := gw.Complete(ctx, stageRequest(*runtime.Critic, criticMessages, nil))
	if err != nil {
		return nil, err
	}

	secondPassMessages := prompts.BuildCriticSecondPassMessages(messages, draftPayload, criticFeedback.Content)

	var finalResponse *gateway.UpstreamResult
	var finalErr error
	for attempt := 0; attempt < criticFinalAttempts; attempt++ {
		finalResponse, finalErr = gw.Complete(ctx, stageRequest(runtime.API, secondPassMessages, requestOptions))
		if finalErr == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, finalErr
		}
		logger.Warn("critic final pass failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", finalErr.Error()),
		)
	}

	output := &Output{
		Intermediate: map[string]string{
			"api_draft": apiDraft.Content,
			"critic":    criticFeedback.Content,
		},
		StageUsage: map[string]openai.TokenUsage{
			"api_draft": apiDraft.Usage,
			"critic":    criticFeedback.Usage,
		},
	}
	if len(apiDraft.ToolCalls) > 0 {
		rendered, err := json.Marshal(apiDraft.ToolCalls)
		if err != nil {
			return nil, err
		}
		output.Intermediate["api_draft_tool_calls"] = string(rendered)
	}

	if finalErr != nil {
		output.FinalText = apiDraft.Content
		output.FinalToolCalls = apiDraft.ToolCalls
		output.FinishReason = apiDraft.FinishReason
		output.StageUsage["api_final"] = openai.TokenUsage{}
		output.Intermediate["final_fallback_reason"] = fmt.Sprintf(
			"api_final failed after %d attempts: %v", criticFinalAttempts, finalErr)
	} else {
		output.FinalText = finalResponse.Content
		output.FinalToolCalls = finalResponse.ToolCalls
		output.FinishReason = finalResponse.FinishReason
		output.StageUsage["api_final"] = finalResponse.Usage
	}
	output.Intermediate["final"] = output.FinalText
	return output, nil
}

func firstSystemPrompt(messages []openai.ChatMessage) string {
	for i := range messages {
		if messages[i].Role == openai.ChatMessageRoleSystem {
			return messages[i].ContentOrEmpty()
		}
	}
	return ""
}
