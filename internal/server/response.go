// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package server

import (
	"github.com/adaptercritic/gateway/internal/apischema/openai"
	"github.com/adaptercritic/gateway/internal/config"
	"github.com/adaptercritic/gateway/internal/workflow"
)

// buildResponse assembles the OpenAI response envelope plus the
// adapter_critic extension. The top-level usage mirrors tokens.total so
// SDK clients see the aggregate cost.
func buildResponse(
	runtime *config.RuntimeConfig,
	output *workflow.Output,
	tokens openai.TokenBreakdown,
	responseID string,
	created int64,
) *openai.ChatCompletionResponse {
	message := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: output.FinalText,
	}
	if len(output.FinalToolCalls) > 0 {
		message.ToolCalls = output.FinalToolCalls
	}

	return &openai.ChatCompletionResponse{
		ID:      responseID,
		Object:  openai.ObjectChatCompletion,
		Created: created,
		Model:   runtime.ServedModel,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      message,
			FinishReason: workflow.InferFinishReason(output.FinishReason, len(output.FinalToolCalls) > 0),
		}},
		Usage: tokens.Total,
		AdapterCritic: &openai.AdapterCriticExtension{
			Mode:         string(runtime.Mode),
			Intermediate: output.Intermediate,
			Tokens:       tokens,
		},
	}
}
