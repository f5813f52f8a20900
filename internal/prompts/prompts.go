// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package prompts renders the deterministic messages sent to the adapter,
// critic and advisor stages. All rendering is pure string templating; the
// draft payload envelope itself is owned by the edits package and treated
// as opaque here.
package prompts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/adaptercritic/gateway/internal/apischema/openai"
)

// DefaultAdapterSystemPrompt is the built-in system prompt of the adapter
// stage. The JSON dialect it describes is enforced again by the
// response_format schema and by the edits engine.
const DefaultAdapterSystemPrompt = "You are a response editor reviewing a draft assistant reply. " +
	"Respond with a single JSON object. " +
	`If the draft is good as-is, respond {"decision": "lgtm"}. ` +
	`Otherwise respond {"decision": "patch", "patches": [{"op": "replace", "path": "...", "value": ...}, ...]}. ` +
	"Patch paths must be one of /content, /tool_calls, /tool_calls/<index>/function/name " +
	"or /tool_calls/<index>/function/arguments. " +
	"Never emit tool calls yourself; only edit the draft."

// DefaultCriticSystemPrompt is the built-in system prompt of the critic
// stage.
const DefaultCriticSystemPrompt = "You are a critique generator. " +
	"Explain what is correct, what is wrong or missing, and give exact fix instructions."

// DefaultAdvisorSystemPrompt is the built-in system prompt of the advisor
// stage.
const DefaultAdvisorSystemPrompt = "You are an advisor. " +
	"Give concise guidance on how to solve the user's request. " +
	"Never answer the request directly and never emit tool calls."

// AdapterResponseFormat is the response_format value forced onto every
// adapter call so the upstream constrains the adapter to the patch schema.
const AdapterResponseFormat = `{
  "type": "json_schema",
  "json_schema": {
    "name": "adapter_patch_response",
    "strict": true,
    "schema": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "decision": {"type": "string", "enum": ["lgtm", "patch"]},
        "patches": {
          "type": "array",
          "items": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "op": {"type": "string", "enum": ["replace"]},
              "path": {"type": "string"},
              "value": {}
            },
            "required": ["op", "path", "value"]
          }
        }
      },
      "required": ["decision"]
    }
  }
}`

// toolContractHeader opens the contract suffix appended to stage system
// prompts when the served request carries tools.
const toolContractHeader = "Authoritative tool contract for this request:"

// toolContract serializes with a stable key order.
type toolContract struct {
	Tools      json.RawMessage `json:"tools,omitempty"`
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`
}

// renderToolContract returns the contract suffix for the given request
// options, or "" when the request declares neither tools nor tool_choice.
func renderToolContract(requestOptions map[string]json.RawMessage) (string, error) {
	contract := toolContract{
		Tools:      requestOptions["tools"],
		ToolChoice: requestOptions["tool_choice"],
	}
	if contract.Tools == nil && contract.ToolChoice == nil {
		return "", nil
	}
	rendered, err := json.MarshalIndent(contract, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render tool contract: %w", err)
	}
	return "\n\n" + toolContractHeader + "\n" + string(rendered), nil
}

// systemPromptWithContract appends the tool contract to a stage system
// prompt when the request declares tools.
func systemPromptWithContract(systemPrompt string, requestOptions map[string]json.RawMessage) (string, error) {
	suffix, err := renderToolContract(requestOptions)
	if err != nil {
		return "", err
	}
	return systemPrompt + suffix, nil
}

// renderHistory flattens the conversation into "[role] content" lines.
func renderHistory(messages []openai.ChatMessage) string {
	lines := make([]string, 0, len(messages))
	for i := range messages {
		lines = append(lines, fmt.Sprintf("[%s] %s", messages[i].Role, messages[i].ContentOrEmpty()))
	}
	return strings.Join(lines, "\n")
}

// BuildAdapterMessages builds the two-message conversation sent to the
// adapter stage: its system prompt (plus tool contract) and a user message
// carrying the history and the draft payload.
func BuildAdapterMessages(
	messages []openai.ChatMessage,
	draft string,
	adapterSystemPrompt string,
	requestOptions map[string]json.RawMessage,
) ([]openai.ChatMessage, error) {
	systemPrompt, err := systemPromptWithContract(adapterSystemPrompt, requestOptions)
	if err != nil {
		return nil, err
	}
	user := fmt.Sprintf("Conversation history:\n%s\n\nLatest API draft:\n%s", renderHistory(messages), draft)
	return []openai.ChatMessage{
		openai.NewChatMessage(openai.ChatMessageRoleSystem, systemPrompt),
		openai.NewChatMessage(openai.ChatMessageRoleUser, user),
	}, nil
}

// BuildCriticMessages builds the conversation sent to the critic stage. The
// user message repeats the system instructions of the served conversation so
// the critic judges the draft against them.
func BuildCriticMessages(
	messages []openai.ChatMessage,
	systemInstructions string,
	draft string,
	criticSystemPrompt string,
	requestOptions map[string]json.RawMessage,
) ([]openai.ChatMessage, error) {
	systemPrompt, err := systemPromptWithContract(criticSystemPrompt, requestOptions)
	if err != nil {
		return nil, err
	}
	user := fmt.Sprintf(
		"System instructions:\n%s\n\nConversation history:\n%s\n\nLatest API draft:\n%s",
		systemInstructions, renderHistory(messages), draft,
	)
	return []openai.ChatMessage{
		openai.NewChatMessage(openai.ChatMessageRoleSystem, systemPrompt),
		openai.NewChatMessage(openai.ChatMessageRoleUser, user),
	}, nil
}

// BuildCriticSecondPassMessages appends a user message carrying the critic
// feedback and the prior draft to the original conversation. The feedback is
// framed as advisory so the api model keeps its own judgment.
func BuildCriticSecondPassMessages(messages []openai.ChatMessage, draft, critique string) []openai.ChatMessage {
	out := make([]openai.ChatMessage, 0, len(messages)+1)
	out = append(out, messages...)
	out = append(out, openai.NewChatMessage(openai.ChatMessageRoleUser, fmt.Sprintf(
		"Before finalizing your reply, consider this feedback from a small critic model. "+
			"Use your own judgment when applying it.\n\n"+
			"Critic feedback:\n%s\n\nPrior draft:\n%s",
		critique, draft,
	)))
	return out
}

// BuildAdvisorMessages prepends the advisor system prompt (plus tool
// contract) to the unmodified original conversation.
func BuildAdvisorMessages(
	messages []openai.ChatMessage,
	advisorSystemPrompt string,
	requestOptions map[string]json.RawMessage,
) ([]openai.ChatMessage, error) {
	systemPrompt, err := systemPromptWithContract(advisorSystemPrompt, requestOptions)
	if err != nil {
		return nil, err
	}
	out := make([]openai.ChatMessage, 0, len(messages)+1)
	out = append(out, openai.NewChatMessage(openai.ChatMessageRoleSystem, systemPrompt))
	out = append(out, messages...)
	return out, nil
}

// advisorGuidanceBlock wraps advisor feedback for injection into the served
// conversation.
func advisorGuidanceBlock(guidance string) string {
	return fmt.Sprintf("[ADVISOR_GUIDANCE]\n%s\n[/ADVISOR_GUIDANCE]", guidance)
}

// AppendAdvisorGuidanceToLastUserMessage returns a copy of the conversation
// with the guidance block appended to the last user message. When the
// conversation has no user message, a new user message carrying just the
// block is appended instead.
func AppendAdvisorGuidanceToLastUserMessage(messages []openai.ChatMessage, guidance string) []openai.ChatMessage {
	out := make([]openai.ChatMessage, len(messages))
	for i := range messages {
		out[i] = messages[i].Clone()
	}
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != openai.ChatMessageRoleUser {
			continue
		}
		content := out[i].ContentOrEmpty() + "\n\n" + advisorGuidanceBlock(guidance)
		out[i].Content = &content
		return out
	}
	return append(out, openai.NewChatMessage(openai.ChatMessageRoleUser, advisorGuidanceBlock(guidance)))
}
