// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package edits owns the adapter draft payload envelope and the restricted
// JSON-Patch dialect the adapter stage speaks. The envelope is the only
// representation of a draft the adapter and critic stages ever see, and this
// package is the only place that parses it.
package edits

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/adaptercritic/gateway/internal/apischema/openai"
)

// Draft is the working document the adapter patches: assistant content plus
// tool calls in their generic JSON form. ToolCalls is nil when the draft has
// none; an empty list never survives normalization.
type Draft struct {
	Content   string
	ToolCalls []map[string]any
}

// draftPayloadRE recognizes the full envelope. Content and tool_calls are
// non-greedy so nested markers cannot smuggle extra sections in.
var draftPayloadRE = regexp.MustCompile(
	`(?s)\A<ADAPTER_DRAFT_CONTENT>\n(.*?)\n</ADAPTER_DRAFT_CONTENT>\n` +
		`<ADAPTER_DRAFT_TOOL_CALLS>\n(.*?)\n</ADAPTER_DRAFT_TOOL_CALLS>\z`)

// allowedPatchPathRE is the whitelist of patchable locations. Tool call id
// and type are deliberately absent.
var allowedPatchPathRE = regexp.MustCompile(
	`^/(content|tool_calls|tool_calls/[0-9]+/function/(name|arguments))$`)

// ToolCallsToGeneric converts typed tool calls into the generic form the
// patch engine works on.
func ToolCallsToGeneric(calls []openai.ToolCall) ([]map[string]any, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(calls)
	if err != nil {
		return nil, err
	}
	var generic []map[string]any
	if err := unmarshalUseNumber(raw, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}

// BuildDraftPayload renders the envelope. Tool calls serialize with two-space
// indentation and lexicographically sorted keys, so equal drafts render to
// equal payloads.
func BuildDraftPayload(draft Draft) (string, error) {
	toolCalls := draft.ToolCalls
	if toolCalls == nil {
		toolCalls = []map[string]any{}
	}
	toolCallsJSON, err := json.MarshalIndent(toolCalls, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render draft tool_calls: %w", err)
	}
	return "<ADAPTER_DRAFT_CONTENT>\n" +
		draft.Content +
		"\n</ADAPTER_DRAFT_CONTENT>\n" +
		"<ADAPTER_DRAFT_TOOL_CALLS>\n" +
		string(toolCallsJSON) +
		"\n</ADAPTER_DRAFT_TOOL_CALLS>", nil
}

// ParseDraftPayload reverses BuildDraftPayload.
func ParseDraftPayload(payload string) (Draft, error) {
	match := draftPayloadRE.FindStringSubmatch(payload)
	if match == nil {
		return Draft{}, fmt.Errorf("malformed adapter draft payload")
	}
	draft := Draft{Content: match[1]}

	var toolCalls []map[string]any
	if err := unmarshalUseNumber([]byte(match[2]), &toolCalls); err != nil {
		return Draft{}, fmt.Errorf("adapter draft tool_calls must be a list of objects: %w", err)
	}
	if len(toolCalls) > 0 {
		draft.ToolCalls = toolCalls
	}
	return draft, nil
}

// Patch is one replace operation from the adapter.
type Patch struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// AdapterOutput is the parsed adapter decision.
type AdapterOutput struct {
	Decision string  `json:"decision"`
	Patches  []Patch `json:"patches"`
}

// Adapter decisions.
const (
	DecisionLGTM  = "lgtm"
	DecisionPatch = "patch"
)

// ParseAdapterOutput decodes and validates the adapter's JSON reply. Unknown
// fields are rejected, matching the strict response_format schema.
func ParseAdapterOutput(adapterOutput string) (AdapterOutput, error) {
	dec := json.NewDecoder(strings.NewReader(adapterOutput))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	var out AdapterOutput
	if err := dec.Decode(&out); err != nil {
		return AdapterOutput{}, fmt.Errorf("adapter output must be a JSON object: %w", err)
	}
	switch out.Decision {
	case DecisionLGTM:
		if len(out.Patches) > 0 {
			return AdapterOutput{}, fmt.Errorf("lgtm decision must not include patches")
		}
	case DecisionPatch:
		if len(out.Patches) == 0 {
			return AdapterOutput{}, fmt.Errorf("patch decision requires non-empty patches")
		}
	default:
		return AdapterOutput{}, fmt.Errorf("invalid adapter decision: %q", out.Decision)
	}
	return out, nil
}

// ApplyAdapterOutput applies a parsed adapter reply to the draft. An lgtm
// decision returns the draft untouched. Patches are applied in order against
// a deep copy, so a failing sequence never leaves a half-patched draft.
func ApplyAdapterOutput(draft Draft, adapterOutput string) (Draft, error) {
	out, err := ParseAdapterOutput(adapterOutput)
	if err != nil {
		return Draft{}, err
	}
	if out.Decision == DecisionLGTM {
		return draft, nil
	}

	document := map[string]any{
		"content":    draft.Content,
		"tool_calls": cloneToolCalls(draft.ToolCalls),
	}
	for _, patch := range out.Patches {
		if err := applyReplacePatch(document, patch); err != nil {
			return Draft{}, err
		}
	}
	return coercePatchedDraft(document)
}

func cloneToolCalls(calls []map[string]any) any {
	if calls == nil {
		return nil
	}
	raw, err := json.Marshal(calls)
	if err != nil {
		return nil
	}
	var clone any
	if err := unmarshalUseNumber(raw, &clone); err != nil {
		return nil
	}
	return clone
}

// decodePointerToken applies RFC 6901 unescaping: ~1 to /, then ~0 to ~.
func decodePointerToken(token string) string {
	return strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")
}

func parseArrayIndex(token, path string, size int) (int, error) {
	index, err := strconv.Atoi(token)
	if err != nil || index < 0 || index >= size {
		return 0, fmt.Errorf("path not found: %s", path)
	}
	return index, nil
}

// resolvePatchTarget walks the document to the patch location and returns
// the parent container plus the final token. Missing keys and out-of-range
// indices are errors; the patch dialect never creates structure.
func resolvePatchTarget(document any, path string) (any, any, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, nil, fmt.Errorf("unsupported patch path: %s", path)
	}
	rawTokens := strings.Split(strings.TrimPrefix(path, "/"), "/")
	tokens := make([]string, len(rawTokens))
	for i, token := range rawTokens {
		tokens[i] = decodePointerToken(token)
	}

	current := document
	for _, token := range tokens[:len(tokens)-1] {
		switch node := current.(type) {
		case []any:
			index, err := parseArrayIndex(token, path, len(node))
			if err != nil {
				return nil, nil, err
			}
			current = node[index]
		case map[string]any:
			child, ok := node[token]
			if !ok {
				return nil, nil, fmt.Errorf("path not found: %s", path)
			}
			current = child
		default:
			return nil, nil, fmt.Errorf("path not found: %s", path)
		}
	}

	finalToken := tokens[len(tokens)-1]
	switch node := current.(type) {
	case []any:
		index, err := parseArrayIndex(finalToken, path, len(node))
		if err != nil {
			return nil, nil, err
		}
		return node, index, nil
	case map[string]any:
		if _, ok := node[finalToken]; !ok {
			return nil, nil, fmt.Errorf("path not found: %s", path)
		}
		return node, finalToken, nil
	default:
		return nil, nil, fmt.Errorf("path not found: %s", path)
	}
}

func applyReplacePatch(document map[string]any, patch Patch) error {
	if patch.Op != "replace" {
		return fmt.Errorf("unsupported patch op: %s", patch.Op)
	}
	if !allowedPatchPathRE.MatchString(patch.Path) {
		return fmt.Errorf("unsupported patch path: %s", patch.Path)
	}

	target, key, err := resolvePatchTarget(document, patch.Path)
	if err != nil {
		return err
	}
	switch node := target.(type) {
	case []any:
		node[key.(int)] = patch.Value
	case map[string]any:
		node[key.(string)] = patch.Value
	}
	return nil
}

// coercePatchedDraft validates the patched document back into a Draft:
// string content, tool_calls null or a list of objects, empty list
// normalized to null.
func coercePatchedDraft(document map[string]any) (Draft, error) {
	content, ok := document["content"].(string)
	if !ok {
		return Draft{}, fmt.Errorf("adapter draft content must be a string")
	}

	draft := Draft{Content: content}
	switch toolCalls := document["tool_calls"].(type) {
	case nil:
	case []any:
		converted := make([]map[string]any, 0, len(toolCalls))
		for _, item := range toolCalls {
			object, ok := item.(map[string]any)
			if !ok {
				return Draft{}, fmt.Errorf("adapter draft tool_calls must be a list of objects or null")
			}
			converted = append(converted, object)
		}
		if len(converted) > 0 {
			draft.ToolCalls = converted
		}
	default:
		return Draft{}, fmt.Errorf("adapter draft tool_calls must be a list of objects or null")
	}
	return draft, nil
}

// ToolCallsFromGeneric converts the generic patched form back into typed
// tool calls, enforcing the OpenAI function-call shape: string id, type
// "function", string name, arguments a string parsing to a JSON object.
func ToolCallsFromGeneric(generic []map[string]any) ([]openai.ToolCall, error) {
	if generic == nil {
		return nil, nil
	}
	calls := make([]openai.ToolCall, 0, len(generic))
	for i, item := range generic {
		id, ok := item["id"].(string)
		if !ok || id == "" {
			return nil, fmt.Errorf("tool call %d: id must be a non-empty string", i)
		}
		callType, ok := item["type"].(string)
		if !ok || callType != openai.ToolTypeFunction {
			return nil, fmt.Errorf("tool call %d: type must be %q", i, openai.ToolTypeFunction)
		}
		function, ok := item["function"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tool call %d: function must be an object", i)
		}
		name, ok := function["name"].(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("tool call %d: function.name must be a non-empty string", i)
		}
		arguments, ok := function["arguments"].(string)
		if !ok {
			return nil, fmt.Errorf("tool call %d: function.arguments must be a string", i)
		}
		// json.Unmarshal leaves the map nil on a literal null, so the nil
		// check is part of the object requirement.
		var parsed map[string]any
		if err := json.Unmarshal([]byte(arguments), &parsed); err != nil || parsed == nil {
			return nil, fmt.Errorf("tool call %d: function.arguments must encode a JSON object", i)
		}
		calls = append(calls, openai.ToolCall{
			ID:   id,
			Type: callType,
			Function: openai.ToolCallFunction{
				Name:      name,
				Arguments: arguments,
			},
		})
	}
	return calls, nil
}

func unmarshalUseNumber(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
