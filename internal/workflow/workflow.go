// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package workflow composes upstream calls into the four serving modes.
// Every workflow is a short sequential chain over the shared gateway; all
// state is request-local.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/adaptercritic/gateway/internal/apischema/openai"
	"github.com/adaptercritic/gateway/internal/config"
	"github.com/adaptercritic/gateway/internal/gateway"
	"github.com/adaptercritic/gateway/internal/prompts"
)

// Output is the result of one workflow run. Intermediate carries the
// per-stage artifacts surfaced in the adapter_critic extension; its key set
// is stable per mode.
type Output struct {
	FinalText      string
	Intermediate   map[string]string
	StageUsage     map[string]openai.TokenUsage
	FinalToolCalls []openai.ToolCall
	FinishReason   string
}

// Run dispatches a request to the workflow selected by the resolved mode.
func Run(
	ctx context.Context,
	runtime *config.RuntimeConfig,
	messages []openai.ChatMessage,
	gw gateway.UpstreamGateway,
	requestOptions map[string]json.RawMessage,
	logger *slog.Logger,
) (*Output, error) {
	switch runtime.Mode {
	case config.ModeDirect:
		return runDirect(ctx, runtime, messages, gw, requestOptions)
	case config.ModeAdapter:
		return runAdapter(ctx, runtime, messages, gw, requestOptions, logger)
	case config.ModeCritic:
		return runCritic(ctx, runtime, messages, gw, requestOptions, logger)
	case config.ModeAdvisor:
		return runAdvisor(ctx, runtime, messages, gw, requestOptions)
	default:
		return nil, fmt.Errorf("unsupported workflow mode: %s", runtime.Mode)
	}
}

// stageRequest binds a stage target to a conversation. requestOptions must
// be nil for the prompt-engineered stages.
func stageRequest(target config.StageTarget, messages []openai.ChatMessage, requestOptions map[string]json.RawMessage) gateway.CompletionRequest {
	return gateway.CompletionRequest{
		Model:          target.Model,
		BaseURL:        target.BaseURL,
		Messages:       messages,
		APIKeyEnv:      target.APIKeyEnv,
		RequestOptions: requestOptions,
	}
}

// InferFinishReason derives the reported finish reason: tool calls win,
// length and content_filter pass through, everything else is stop.
func InferFinishReason(raw string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	if raw == "length" || raw == "content_filter" {
		return raw
	}
	return "stop"
}

func runDirect(
	ctx context.Context,
	runtime *config.RuntimeConfig,
	messages []openai.ChatMessage,
	gw gateway.UpstreamGateway,
	requestOptions map[string]json.RawMessage,
) (*Output, error) {
	response, err := gw.Complete(ctx, stageRequest(runtime.API, messages, requestOptions))
	if err != nil {
		return nil, err
	}
	return &Output{
		FinalText:      response.Content,
		Intermediate:   map[string]string{"api": response.Content},
		StageUsage:     map[string]openai.TokenUsage{"api": response.Usage},
		FinalToolCalls: response.ToolCalls,
		FinishReason:   response.FinishReason,
	}, nil
}

func runAdvisor(
	ctx context.Context,
	runtime *config.RuntimeConfig,
	messages []openai.ChatMessage,
	gw gateway.UpstreamGateway,
	requestOptions map[string]json.RawMessage,
) (*Output, error) {
	if runtime.Advisor == nil {
		return nil, fmt.Errorf("advisor runtime is missing advisor target")
	}

	advisorMessages, err := prompts.BuildAdvisorMessages(messages, runtime.AdvisorSystemPrompt, requestOptions)
	if err != nil {
		return nil, err
	}
	advisorFeedback, err := gw.Complete(ctx, stageRequest(*runtime.Advisor, advisorMessages, nil))
	if err != nil {
		return nil, err
	}

	apiMessages := prompts.AppendAdvisorGuidanceToLastUserMessage(messages, advisorFeedback.Content)
	apiResponse, err := gw.Complete(ctx, stageRequest(runtime.API, apiMessages, requestOptions))
	if err != nil {
		return nil, err
	}

	return &Output{
		FinalText: apiResponse.Content,
		Intermediate: map[string]string{
			"advisor": advisorFeedback.Content,
			"final":   apiResponse.Content,
		},
		StageUsage: map[string]openai.TokenUsage{
			"advisor": advisorFeedback.Usage,
			"api":     apiResponse.Usage,
		},
		FinalToolCalls: apiResponse.ToolCalls,
		FinishReason:   apiResponse.FinishReason,
	}, nil
}
