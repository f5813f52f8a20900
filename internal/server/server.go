// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package server exposes the HTTP surface of the gateway: the OpenAI
// chat-completions endpoint, the health probe and the metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adaptercritic/gateway/internal/apischema/openai"
	"github.com/adaptercritic/gateway/internal/config"
	"github.com/adaptercritic/gateway/internal/gateway"
	"github.com/adaptercritic/gateway/internal/metrics"
	"github.com/adaptercritic/gateway/internal/workflow"
)

// Options wires a Server. Config and Gateway are required; the rest have
// working defaults.
type Options struct {
	Config  *config.AppConfig
	Gateway gateway.UpstreamGateway
	Logger  *slog.Logger
	Metrics *metrics.Factory

	// MetricsHandler, when set, serves GET /metrics.
	MetricsHandler http.Handler

	// IDProvider and TimeProvider are injectable for tests.
	IDProvider   func() string
	TimeProvider func() int64

	// DefaultAPIKeyEnv names the environment variable used for health
	// probes against targets that declare no api_key_env.
	DefaultAPIKeyEnv string

	// HealthTimeout bounds each upstream /models probe.
	HealthTimeout time.Duration

	// DebugBodyLogging turns on the request/response body preview
	// middleware.
	DebugBodyLogging bool
}

// Server handles the gateway's HTTP surface. It is immutable after New and
// safe for concurrent requests.
type Server struct {
	config           *config.AppConfig
	gateway          gateway.UpstreamGateway
	logger           *slog.Logger
	metrics          *metrics.Factory
	metricsHandler   http.Handler
	idProvider       func() string
	timeProvider     func() int64
	defaultAPIKeyEnv string
	healthClient     *http.Client
	debugBodyLogging bool
}

// DefaultIDProvider yields chat completion ids in the chatcmpl-<uuid hex>
// form.
func DefaultIDProvider() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// DefaultTimeProvider yields the created timestamp in unix seconds.
func DefaultTimeProvider() int64 {
	return time.Now().Unix()
}

// New builds a Server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IDProvider == nil {
		opts.IDProvider = DefaultIDProvider
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = DefaultTimeProvider
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	return &Server{
		config:           opts.Config,
		gateway:          opts.Gateway,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		metricsHandler:   opts.MetricsHandler,
		idProvider:       opts.IDProvider,
		timeProvider:     opts.TimeProvider,
		defaultAPIKeyEnv: opts.DefaultAPIKeyEnv,
		healthClient:     &http.Client{Timeout: opts.HealthTimeout},
		debugBodyLogging: opts.DebugBodyLogging,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.chatCompletions)
	mux.HandleFunc("GET /healthz", s.healthz)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	var handler http.Handler = mux
	if s.debugBodyLogging {
		handler = bodyPreviewMiddleware(s.logger, handler)
	}
	return handler
}

func (s *Server) chatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	request, err := openai.UnmarshalChatCompletionRequest(body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	overrides, err := config.ParseOverrides(request.RawOverrides)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	runtime, err := config.Resolve(s.config, request.Model, overrides)
	if err != nil {
		s.logger.Info("request routing failed",
			slog.String("served_model", request.Model),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid model routing or overrides")
		return
	}

	ctx := r.Context()
	var recorder *metrics.ChatCompletion
	if s.metrics != nil {
		recorder = s.metrics.StartRequest(runtime.ServedModel, string(runtime.Mode))
	}

	output, err := workflow.Run(ctx, runtime, request.Messages, s.gateway, request.RequestOptions, s.logger)
	if err != nil {
		if recorder != nil {
			recorder.RecordRequestCompletion(ctx, false)
		}
		s.writeWorkflowError(w, ctx, err)
		return
	}

	tokens := workflow.AggregateUsage(output.StageUsage)
	if recorder != nil {
		for stage, usage := range tokens.Stages {
			recorder.RecordStageTokenUsage(ctx, stage, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
		}
		recorder.RecordRequestCompletion(ctx, true)
	}

	response := buildResponse(runtime, output, tokens, s.idProvider(), s.timeProvider())
	writeJSON(w, http.StatusOK, response)
}

// writeWorkflowError maps workflow failures onto the 502 taxonomy.
// Cancellation propagates without logging.
func (s *Server) writeWorkflowError(w http.ResponseWriter, ctx context.Context, err error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}

	var formatErr *gateway.ResponseFormatError
	if errors.As(err, &formatErr) {
		s.logger.Error("upstream response format error",
			slog.String("model", formatErr.Model),
			slog.String("base_url", formatErr.BaseURL),
			slog.Int("message_count", formatErr.MessageCount),
			slog.Int("status_code", formatErr.StatusCode),
			slog.String("reason", formatErr.Reason),
			slog.String("payload", formatErr.BodyPreview),
		)
		writeError(w, http.StatusBadGateway, "upstream returned non-OpenAI response shape")
		return
	}

	var transportErr *gateway.TransportError
	if errors.As(err, &transportErr) {
		s.logger.Error("upstream request failed",
			slog.String("model", transportErr.Model),
			slog.String("base_url", transportErr.BaseURL),
			slog.String("error", transportErr.Err.Error()),
		)
		writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}

	s.logger.Error("workflow failed", slog.String("error", err.Error()))
	writeError(w, http.StatusBadGateway, "upstream request failed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, openai.ErrorResponse{Detail: detail})
}
