// Copyright Adapter-Critic Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/adaptercritic/gateway/internal/config"
)

// healthTarget is one unique upstream probed by /healthz. Targets dedupe on
// (base_url, model, api_key_env); UsedBy lists every <served>.<stage> that
// routes to the target.
type healthTarget struct {
	Model     string
	BaseURL   string
	APIKeyEnv string
	UsedBy    []string
}

type targetStatus struct {
	Model      string   `json:"model"`
	BaseURL    string   `json:"base_url"`
	APIKeyEnv  string   `json:"api_key_env,omitempty"`
	UsedBy     []string `json:"used_by"`
	OK         bool     `json:"ok"`
	StatusCode int      `json:"status_code"`
	Error      string   `json:"error,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

type healthReport struct {
	Status     string         `json:"status"`
	Checked    int            `json:"checked"`
	Healthy    int            `json:"healthy"`
	DurationMS int64          `json:"duration_ms"`
	Targets    []targetStatus `json:"targets"`
}

// collectHealthTargets walks every served model's stages and dedupes the
// upstream tuples.
func collectHealthTargets(cfg *config.AppConfig) []healthTarget {
	type key struct {
		baseURL   string
		model     string
		apiKeyEnv string
	}
	byKey := map[key]*healthTarget{}

	for servedModel, served := range cfg.ServedModels {
		stages := []struct {
			name   string
			target *config.StageTarget
		}{
			{"api", &served.API},
			{"adapter", served.Adapter},
			{"critic", served.Critic},
			{"advisor", served.Advisor},
		}
		for _, stage := range stages {
			if stage.target == nil {
				continue
			}
			k := key{
				baseURL:   strings.TrimRight(stage.target.BaseURL, "/"),
				model:     stage.target.Model,
				apiKeyEnv: stage.target.APIKeyEnv,
			}
			entry, ok := byKey[k]
			if !ok {
				entry = &healthTarget{Model: k.model, BaseURL: k.baseURL, APIKeyEnv: k.apiKeyEnv}
				byKey[k] = entry
			}
			entry.UsedBy = append(entry.UsedBy, servedModel+"."+stage.name)
		}
	}

	targets := make([]healthTarget, 0, len(byKey))
	for _, entry := range byKey {
		sort.Strings(entry.UsedBy)
		targets = append(targets, *entry)
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].BaseURL != targets[j].BaseURL {
			return targets[i].BaseURL < targets[j].BaseURL
		}
		return targets[i].Model < targets[j].Model
	})
	return targets
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	targets := collectHealthTargets(s.config)
	results := make([]targetStatus, len(targets))

	group, ctx := errgroup.WithContext(r.Context())
	for i, target := range targets {
		group.Go(func() error {
			results[i] = s.checkTarget(ctx, target)
			return nil
		})
	}
	_ = group.Wait()

	healthy := 0
	for _, result := range results {
		if result.OK {
			healthy++
		}
	}
	report := healthReport{
		Status:     "ok",
		Checked:    len(results),
		Healthy:    healthy,
		DurationMS: time.Since(started).Milliseconds(),
		Targets:    results,
	}
	status := http.StatusOK
	if healthy != len(results) {
		report.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// checkTarget probes GET {base_url}/models and verifies the configured
// model appears in the listing, either as an id or as a root model.
func (s *Server) checkTarget(ctx context.Context, target healthTarget) targetStatus {
	started := time.Now()
	result := targetStatus{
		Model:     target.Model,
		BaseURL:   target.BaseURL,
		APIKeyEnv: target.APIKeyEnv,
		UsedBy:    target.UsedBy,
	}
	fail := func(statusCode int, message string) targetStatus {
		result.StatusCode = statusCode
		result.Error = message
		result.DurationMS = time.Since(started).Milliseconds()
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.BaseURL+"/models", nil)
	if err != nil {
		return fail(0, fmt.Sprintf("health probe failed: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if token := s.healthAPIKey(target.APIKeyEnv); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.healthClient.Do(req)
	if err != nil {
		return fail(0, fmt.Sprintf("health probe failed: %v", err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(resp.StatusCode, fmt.Sprintf("health probe failed: %v", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail(resp.StatusCode, fmt.Sprintf("/models returned status %d", resp.StatusCode))
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return fail(resp.StatusCode, "/models response is not a JSON object")
	}
	data := root.Get("data")
	if !data.IsArray() {
		return fail(resp.StatusCode, "/models response missing data list")
	}
	found := false
	for _, item := range data.Array() {
		if item.Get("id").String() == target.Model || item.Get("root").String() == target.Model {
			found = true
			break
		}
	}
	if !found {
		return fail(resp.StatusCode, "configured model not found in /models")
	}

	result.OK = true
	result.StatusCode = resp.StatusCode
	result.DurationMS = time.Since(started).Milliseconds()
	return result
}

func (s *Server) healthAPIKey(apiKeyEnv string) string {
	env := apiKeyEnv
	if env == "" {
		env = s.defaultAPIKeyEnv
	}
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}
