// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package workflow

import "github.com/adaptercritic/gateway/internal/apischema/openai"

// AggregateUsage sums per-stage counts into the token breakdown. Negative
// counts from misbehaving upstreams clamp to zero so the totals stay
// monotone.
func AggregateUsage(stages map[string]openai.TokenUsage) openai.TokenBreakdown {
	var total openai.TokenUsage
	for _, usage := range stages {
		total.PromptTokens += clampNonNegative(usage.PromptTokens)
		total.CompletionTokens += clampNonNegative(usage.CompletionTokens)
		total.TotalTokens += clampNonNegative(usage.TotalTokens)
	}
	return openai.TokenBreakdown{Stages: stages, Total: total}
}

func clampNonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
