// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry loads and serves the gateway's tool catalog.
//
// The catalog declares every tool an agent may invoke, its sensitivity
// tier, its rate-limit category, and how the call routes to a backend.
// The baseline catalog is embedded in the binary; operators can replace
// it wholesale with a vetted override file, which is hot-reloaded on
// change (see watcher.go).
//
// # Consistency Model
//
// The registry is read-mostly. Reads take an RLock; a reload swaps the
// entire parsed catalog under the write lock, so an in-flight invocation
// sees either the old catalog or the new one, never a mixture. An invalid
// override file is logged and ignored - the last good catalog keeps
// serving (fail-closed would take the whole gateway down for a typo).
package registry

import (
	"fmt"
	"os"
	"sync"

	"github.com/AleutianAI/AleutianGateway/pkg/validation"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Catalog File Schema
// =============================================================================

// catalogFile mirrors the YAML layout of tool_catalog.yaml.
type catalogFile struct {
	Tools      []datatypes.Tool `yaml:"tools"`
	RateLimits rateLimitTable   `yaml:"rate_limits"`
}

// rateLimitTable holds the category quota table and its fallback rule.
type rateLimitTable struct {
	Default    datatypes.RateLimitRule            `yaml:"default"`
	Categories map[string]datatypes.RateLimitRule `yaml:"categories"`
}

// fallbackRule is applied when a catalog omits the default rule entirely.
// Deliberately conservative: an unconfigured category should not be a
// bypass lane.
var fallbackRule = datatypes.RateLimitRule{Max: 60, WindowMS: 60_000}

// =============================================================================
// Registry
// =============================================================================

// Registry is the in-memory tool catalog.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Reads are lock-cheap; reloads
// replace the whole catalog atomically.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]datatypes.Tool
	order    []string
	defRule  datatypes.RateLimitRule
	catRules map[string]datatypes.RateLimitRule
}

// New builds a Registry from the embedded baseline catalog.
//
// The embedded catalog is compiled into the binary, so an error here means
// the build itself is broken and the caller should treat it as fatal.
func New() (*Registry, error) {
	return NewFromBytes(EmbeddedToolCatalog)
}

// NewFromBytes builds a Registry from raw catalog YAML.
//
// Every tool entry is validated: names and categories must pass the
// validation package, the service must be a known backend, and the method
// must be a plain HTTP verb. A duplicate tool name is an error because
// later entries would silently shadow earlier ones.
func NewFromBytes(data []byte) (*Registry, error) {
	r := &Registry{}
	if err := r.replace(data); err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup returns the tool descriptor for name, if declared.
func (r *Registry) Lookup(name string) (datatypes.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Tools returns the catalog in declaration order.
func (r *Registry) Tools() []datatypes.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]datatypes.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// RateLimit returns the quota rule for a category, falling back to the
// catalog default for categories without an explicit rule.
func (r *Registry) RateLimit(category string) datatypes.RateLimitRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rule, ok := r.catRules[category]; ok {
		return rule
	}
	return r.defRule
}

// LoadFile replaces the catalog with the contents of path.
//
// The swap is all-or-nothing: if the file fails to parse or validate, the
// current catalog is left untouched and the error is returned.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read catalog file: %w", err)
	}
	if err := r.replace(data); err != nil {
		return fmt.Errorf("failed to load catalog from %s: %w", path, err)
	}
	return nil
}

// replace parses, validates, and atomically installs a new catalog.
func (r *Registry) replace(data []byte) error {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to unmarshal catalog YAML: %w", err)
	}
	if len(file.Tools) == 0 {
		return fmt.Errorf("catalog declares no tools")
	}

	tools := make(map[string]datatypes.Tool, len(file.Tools))
	order := make([]string, 0, len(file.Tools))

	for _, tool := range file.Tools {
		if err := validateTool(tool); err != nil {
			return err
		}
		if _, dup := tools[tool.Name]; dup {
			return fmt.Errorf("duplicate tool name: %q", tool.Name)
		}
		tools[tool.Name] = tool
		order = append(order, tool.Name)
	}

	defRule := file.RateLimits.Default
	if defRule.Max <= 0 || defRule.WindowMS <= 0 {
		defRule = fallbackRule
	}
	for category, rule := range file.RateLimits.Categories {
		if err := validation.ValidateCategory(category); err != nil {
			return fmt.Errorf("rate_limits: %w", err)
		}
		if rule.Max <= 0 || rule.WindowMS <= 0 {
			return fmt.Errorf("rate_limits: category %q must have positive max and window_ms", category)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = tools
	r.order = order
	r.defRule = defRule
	r.catRules = file.RateLimits.Categories
	return nil
}

// validateTool checks a single catalog entry.
func validateTool(tool datatypes.Tool) error {
	if err := validation.ValidateToolName(tool.Name); err != nil {
		return err
	}
	if err := validation.ValidateCategory(tool.Category); err != nil {
		return fmt.Errorf("tool %q: %w", tool.Name, err)
	}

	switch tool.Service {
	case "trading", "ai":
	default:
		return fmt.Errorf("tool %q: unknown service %q", tool.Name, tool.Service)
	}

	switch tool.Method {
	case "GET", "POST", "PUT", "DELETE":
	default:
		return fmt.Errorf("tool %q: unsupported method %q", tool.Name, tool.Method)
	}

	if len(tool.Path) == 0 || tool.Path[0] != '/' {
		return fmt.Errorf("tool %q: path must start with '/'", tool.Name)
	}
	return nil
}
