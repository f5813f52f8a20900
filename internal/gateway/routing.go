// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"context"
	"strings"
)

// RoutingGateway dispatches each completion to the OpenAI-compatible or the
// Vertex-Anthropic gateway based on the target's base_url and model.
type RoutingGateway struct {
	openaiGateway UpstreamGateway
	vertexGateway UpstreamGateway
}

// NewRoutingGateway wraps the two provider gateways.
func NewRoutingGateway(openaiGateway, vertexGateway UpstreamGateway) *RoutingGateway {
	return &RoutingGateway{openaiGateway: openaiGateway, vertexGateway: vertexGateway}
}

// Complete implements UpstreamGateway.
func (g *RoutingGateway) Complete(ctx context.Context, req CompletionRequest) (*UpstreamResult, error) {
	if IsVertexAnthropicTarget(req.Model, req.BaseURL) {
		return g.vertexGateway.Complete(ctx, req)
	}
	return g.openaiGateway.Complete(ctx, req)
}

// IsVertexAnthropicTarget reports whether a target addresses an Anthropic
// model on Vertex AI. Vertex endpoints exposing the OpenAI-compatible
// surface (/endpoints/openapi) stay on the OpenAI gateway.
func IsVertexAnthropicTarget(model, baseURL string) bool {
	normalizedBaseURL := strings.ToLower(baseURL)
	if !strings.Contains(normalizedBaseURL, "aiplatform.googleapis.com") {
		return false
	}
	if strings.Contains(normalizedBaseURL, "/publishers/anthropic/models/") {
		return true
	}
	if !strings.Contains(normalizedBaseURL, "/projects/") || !strings.Contains(normalizedBaseURL, "/locations/") {
		return false
	}
	if strings.Contains(normalizedBaseURL, "/endpoints/openapi") {
		return false
	}
	normalizedModel := strings.ToLower(model)
	return strings.HasPrefix(normalizedModel, "anthropic/") || strings.Contains(normalizedModel, "claude")
}
