// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package config holds the startup configuration of the gateway and the
// per-request resolution that merges it with x_adapter_critic overrides
// into a RuntimeConfig.
//
// The configuration must stay decoupled from the HTTP layer so it can be
// tested and iterated without a running server.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/adaptercritic/gateway/internal/prompts"
)

// Mode selects which workflow a served model runs.
type Mode string

// The four workflow modes.
const (
	ModeDirect  Mode = "direct"
	ModeAdapter Mode = "adapter"
	ModeCritic  Mode = "critic"
	ModeAdvisor Mode = "advisor"
)

func (m Mode) valid() bool {
	switch m {
	case ModeDirect, ModeAdapter, ModeCritic, ModeAdvisor:
		return true
	}
	return false
}

// StageTarget names one upstream: which model to call and where.
type StageTarget struct {
	Model   string `json:"model"`
	BaseURL string `json:"base_url"`
	// APIKeyEnv optionally names the environment variable holding the
	// bearer token for this target. Empty means the gateway default.
	APIKeyEnv string `json:"api_key_env,omitempty"`
}

// Complete reports whether both routing fields are set.
func (t StageTarget) Complete() bool {
	return t.Model != "" && t.BaseURL != ""
}

// ServedModelConfig is one routing profile exposed to clients as a model
// name.
type ServedModelConfig struct {
	Mode    Mode         `json:"mode"`
	API     StageTarget  `json:"api"`
	Adapter *StageTarget `json:"adapter,omitempty"`
	Critic  *StageTarget `json:"critic,omitempty"`
	Advisor *StageTarget `json:"advisor,omitempty"`

	AdapterSystemPrompt *string `json:"adapter_system_prompt,omitempty"`
	CriticSystemPrompt  *string `json:"critic_system_prompt,omitempty"`
	AdvisorSystemPrompt *string `json:"advisor_system_prompt,omitempty"`
}

// AppConfig is the full startup configuration. It is immutable after Load
// and shared by all requests.
type AppConfig struct {
	ServedModels map[string]ServedModelConfig `json:"served_models"`
}

// Load reads the configuration file at path. YAML and JSON are both
// accepted; unknown keys are rejected.
func Load(path string) (*AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(raw)
}

// Unmarshal parses a configuration document, rejecting unknown keys.
func Unmarshal(raw []byte) (*AppConfig, error) {
	var cfg AppConfig
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.ServedModels) == 0 {
		return nil, fmt.Errorf("config must declare at least one served model")
	}
	for name, served := range cfg.ServedModels {
		if !served.Mode.valid() {
			return nil, fmt.Errorf("served model %q: invalid mode %q", name, served.Mode)
		}
		if !served.API.Complete() {
			return nil, fmt.Errorf("served model %q: api target requires model and base_url", name)
		}
	}
	return &cfg, nil
}

// AdapterCriticOverrides carries the per-request x_adapter_critic payload.
// All fields are optional; unknown keys are rejected at parse time.
type AdapterCriticOverrides struct {
	Mode              *Mode   `json:"mode,omitempty"`
	APIModel          *string `json:"api_model,omitempty"`
	APIBaseURL        *string `json:"api_base_url,omitempty"`
	AdapterModel      *string `json:"adapter_model,omitempty"`
	AdapterBaseURL    *string `json:"adapter_base_url,omitempty"`
	CriticModel       *string `json:"critic_model,omitempty"`
	CriticBaseURL     *string `json:"critic_base_url,omitempty"`
	AdvisorModel      *string `json:"advisor_model,omitempty"`
	AdvisorBaseURL    *string `json:"advisor_base_url,omitempty"`
	MaxAdapterRetries *int    `json:"max_adapter_retries,omitempty"`
}

// ParseOverrides decodes a raw x_adapter_critic object. A nil or null
// payload yields the zero overrides. Errors here are client mistakes and
// map to HTTP 422.
func ParseOverrides(raw json.RawMessage) (AdapterCriticOverrides, error) {
	var overrides AdapterCriticOverrides
	if len(raw) == 0 || string(raw) == "null" {
		return overrides, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&overrides); err != nil {
		return AdapterCriticOverrides{}, fmt.Errorf("malformed x_adapter_critic: %w", err)
	}
	if overrides.Mode != nil && !overrides.Mode.valid() {
		return AdapterCriticOverrides{}, fmt.Errorf("malformed x_adapter_critic: invalid mode %q", *overrides.Mode)
	}
	if overrides.MaxAdapterRetries != nil && *overrides.MaxAdapterRetries < 0 {
		return AdapterCriticOverrides{}, fmt.Errorf("malformed x_adapter_critic: max_adapter_retries must be >= 0")
	}
	return overrides, nil
}

// RuntimeConfig is the fully resolved per-request routing: served model,
// effective mode, one target per stage the mode needs, the effective stage
// system prompts and the adapter retry budget.
type RuntimeConfig struct {
	ServedModel string
	Mode        Mode
	API         StageTarget
	Adapter     *StageTarget
	Critic      *StageTarget
	Advisor     *StageTarget

	AdapterSystemPrompt string
	CriticSystemPrompt  string
	AdvisorSystemPrompt string

	MaxAdapterRetries int
}

// resolveStage merges a configured target with override fields. The
// override wins field-by-field. It returns nil when nothing is declared or
// when the merge leaves either routing field empty.
func resolveStage(base *StageTarget, model, baseURL *string) *StageTarget {
	if base == nil && model == nil && baseURL == nil {
		return nil
	}
	var resolved StageTarget
	if base != nil {
		resolved = *base
	}
	if model != nil {
		resolved.Model = *model
	}
	if baseURL != nil {
		resolved.BaseURL = *baseURL
	}
	if !resolved.Complete() {
		return nil
	}
	return &resolved
}

// Resolve assembles the RuntimeConfig for a request. Errors here are
// routing mistakes and map to HTTP 400.
func Resolve(cfg *AppConfig, servedModel string, overrides AdapterCriticOverrides) (*RuntimeConfig, error) {
	served, ok := cfg.ServedModels[servedModel]
	if !ok {
		return nil, fmt.Errorf("served model %q not found", servedModel)
	}

	mode := served.Mode
	if overrides.Mode != nil {
		mode = *overrides.Mode
	}

	api := resolveStage(&served.API, overrides.APIModel, overrides.APIBaseURL)
	if api == nil {
		return nil, fmt.Errorf("served model %q: api target did not resolve", servedModel)
	}

	rc := &RuntimeConfig{
		ServedModel:         servedModel,
		Mode:                mode,
		API:                 *api,
		Adapter:             resolveStage(served.Adapter, overrides.AdapterModel, overrides.AdapterBaseURL),
		Critic:              resolveStage(served.Critic, overrides.CriticModel, overrides.CriticBaseURL),
		Advisor:             resolveStage(served.Advisor, overrides.AdvisorModel, overrides.AdvisorBaseURL),
		AdapterSystemPrompt: stringOr(served.AdapterSystemPrompt, prompts.DefaultAdapterSystemPrompt),
		CriticSystemPrompt:  stringOr(served.CriticSystemPrompt, prompts.DefaultCriticSystemPrompt),
		AdvisorSystemPrompt: stringOr(served.AdvisorSystemPrompt, prompts.DefaultAdvisorSystemPrompt),
	}
	if overrides.MaxAdapterRetries != nil {
		rc.MaxAdapterRetries = *overrides.MaxAdapterRetries
	}

	// The secondary stage a non-direct mode needs falls back to the api
	// target, unless the client supplied a partial override: an override
	// that names only one of model/base_url is rejected rather than
	// silently completed.
	switch mode {
	case ModeAdapter:
		if rc.Adapter == nil {
			if overrides.AdapterModel != nil || overrides.AdapterBaseURL != nil {
				return nil, fmt.Errorf("served model %q: incomplete adapter override", servedModel)
			}
			rc.Adapter = api
		}
	case ModeCritic:
		if rc.Critic == nil {
			if overrides.CriticModel != nil || overrides.CriticBaseURL != nil {
				return nil, fmt.Errorf("served model %q: incomplete critic override", servedModel)
			}
			rc.Critic = api
		}
	case ModeAdvisor:
		if rc.Advisor == nil {
			if overrides.AdvisorModel != nil || overrides.AdvisorBaseURL != nil {
				return nil, fmt.Errorf("served model %q: incomplete advisor override", servedModel)
			}
			rc.Advisor = api
		}
	}
	return rc, nil
}

func stringOr(v *string, fallback string) string {
	if v != nil {
		return *v
	}
	return fallback
}
