// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package metrics records serving metrics following the Semantic
// Conventions for Generative AI Metrics.
// See: https://opentelemetry.io/docs/specs/semconv/gen-ai/gen-ai-metrics/
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	genaiMetricClientTokenUsage      = "gen_ai.client.token.usage" // #nosec G101: Potential hardcoded credentials
	genaiMetricServerRequestDuration = "gen_ai.server.request.duration"

	genaiAttributeOperationName = "gen_ai.operation.name"
	genaiAttributeRequestModel  = "gen_ai.request.model"
	genaiAttributeTokenType     = "gen_ai.token.type" // #nosec G101: Potential hardcoded credentials
	genaiAttributeErrorType     = "error.type"

	attributeServedModel  = "gateway.served_model"
	attributeWorkflowMode = "gateway.workflow_mode"
	attributeStage        = "gateway.stage"

	genaiOperationChat     = "chat"
	genaiTokenTypeInput    = "input"
	genaiTokenTypeOutput   = "output"
	genaiTokenTypeTotal    = "total"
	genaiErrorTypeFallback = "_OTHER"
)

// Factory registers the serving instruments once and hands out per-request
// recorders. The instruments are safe for concurrent use.
type Factory struct {
	tokenUsage     metric.Float64Histogram
	requestLatency metric.Float64Histogram
}

// NewFactory registers the serving instruments on the meter.
func NewFactory(meter metric.Meter) *Factory {
	return &Factory{
		tokenUsage: mustHistogram(meter, genaiMetricClientTokenUsage,
			metric.WithDescription("Number of tokens processed."),
			metric.WithUnit("{token}")),
		requestLatency: mustHistogram(meter, genaiMetricServerRequestDuration,
			metric.WithDescription("Time spent serving the request."),
			metric.WithUnit("s")),
	}
}

func mustHistogram(meter metric.Meter, name string, options ...metric.Float64HistogramOption) metric.Float64Histogram {
	histogram, err := meter.Float64Histogram(name, options...)
	if err != nil {
		panic(err)
	}
	return histogram
}

// StartRequest begins timing one serving request.
func (f *Factory) StartRequest(servedModel, mode string) *ChatCompletion {
	return &ChatCompletion{
		tokenUsage:     f.tokenUsage,
		requestLatency: f.requestLatency,
		requestStart:   time.Now(),
		servedModel:    servedModel,
		mode:           mode,
	}
}

// ChatCompletion records token usage and latency for one serving request.
type ChatCompletion struct {
	tokenUsage     metric.Float64Histogram
	requestLatency metric.Float64Histogram

	requestStart time.Time
	servedModel  string
	mode         string
}

func (c *ChatCompletion) baseAttributes(extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 4+len(extra))
	attrs = append(attrs,
		attribute.Key(genaiAttributeOperationName).String(genaiOperationChat),
		attribute.Key(genaiAttributeRequestModel).String(c.servedModel),
		attribute.Key(attributeServedModel).String(c.servedModel),
		attribute.Key(attributeWorkflowMode).String(c.mode),
	)
	return append(attrs, extra...)
}

// RecordStageTokenUsage records one stage's token counts.
func (c *ChatCompletion) RecordStageTokenUsage(ctx context.Context, stage string, promptTokens, completionTokens, totalTokens int) {
	attrs := c.baseAttributes(attribute.Key(attributeStage).String(stage))
	c.tokenUsage.Record(ctx, float64(promptTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeInput)))
	c.tokenUsage.Record(ctx, float64(completionTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeOutput)))
	c.tokenUsage.Record(ctx, float64(totalTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeTotal)))
}

// RecordRequestCompletion records the end-to-end latency of the request.
func (c *ChatCompletion) RecordRequestCompletion(ctx context.Context, success bool) {
	attrs := c.baseAttributes()
	if success {
		// The semantic conventions omit the error attribute for successful
		// operations.
		c.requestLatency.Record(ctx, time.Since(c.requestStart).Seconds(), metric.WithAttributes(attrs...))
		return
	}
	c.requestLatency.Record(ctx, time.Since(c.requestStart).Seconds(),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeErrorType).String(genaiErrorTypeFallback)),
	)
}
