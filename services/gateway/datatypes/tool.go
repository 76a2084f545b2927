// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared wire and catalog types for the
// AleutianGateway tool-call gateway.
//
// These types cross package boundaries: the registry parses them from the
// embedded catalog YAML, the handlers bind them from inbound JSON, and the
// upstream client returns them as normalized call results.
package datatypes

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// Sensitivity Tiers
// =============================================================================

// Tier is the ordinal sensitivity classification of a tool.
//
// Tiers are ordered: Public < Authenticated < Sensitive < Critical.
// Tools at Sensitive or above require a confirmation token before they
// may reach a backend.
type Tier int

const (
	// TierPublic tools carry no sensitivity (e.g. market data reads).
	TierPublic Tier = iota

	// TierAuthenticated tools require only the inbound caller gate
	// (e.g. account balance reads).
	TierAuthenticated

	// TierSensitive tools can move money indirectly or mutate strategy
	// state and require a confirmation token (e.g. backtests that
	// consume paid data, strategy updates).
	TierSensitive

	// TierCritical tools commit irreversible side effects against the
	// live trading engine (e.g. order placement or cancellation).
	TierCritical
)

// tierNames maps tiers to their canonical catalog spelling.
var tierNames = map[Tier]string{
	TierPublic:        "public",
	TierAuthenticated: "authenticated",
	TierSensitive:     "sensitive",
	TierCritical:      "critical",
}

// ParseTier converts a catalog string into a Tier.
// Matching is case-insensitive. Returns an error for unknown values so a
// typo in the catalog fails at load time rather than silently downgrading
// a critical tool.
func ParseTier(s string) (Tier, error) {
	for tier, name := range tierNames {
		if strings.EqualFold(s, name) {
			return tier, nil
		}
	}
	return TierPublic, fmt.Errorf("unknown tier: %q", s)
}

// String returns the canonical lowercase name of the tier.
func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Label returns the uppercase severity label used in confirmation
// prompts shown to the human operator.
func (t Tier) Label() string {
	return strings.ToUpper(t.String())
}

// RequiresConfirmation reports whether tools at this tier need a
// confirmation token before execution.
func (t Tier) RequiresConfirmation() bool {
	return t >= TierSensitive
}

// UnmarshalYAML implements yaml.Unmarshaler so catalog files can spell
// tiers as plain strings.
func (t *Tier) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseTier(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalJSON renders the tier as its canonical string for API responses.
func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// =============================================================================
// Tool Catalog Types
// =============================================================================

// Tool describes one proxied backend operation as declared in the
// tool catalog.
type Tool struct {
	// Name is the tool identifier callers invoke (e.g. "place_order").
	Name string `yaml:"name" json:"name"`

	// Tier is the sensitivity classification.
	Tier Tier `yaml:"tier" json:"tier"`

	// Category is the rate-limit grouping. Categories are fully
	// independent quotas; market-data calls never consume a
	// real-trading budget.
	Category string `yaml:"category" json:"category"`

	// Service selects the backend base URL: "trading" or "ai".
	Service string `yaml:"service" json:"service"`

	// Method is the upstream HTTP method. Only GET is retried on 5xx.
	Method string `yaml:"method" json:"method"`

	// Path is the upstream request path, e.g. "/trading/orders".
	Path string `yaml:"path" json:"path"`

	// Description is surfaced by the catalog listing endpoint and the
	// gatectl tools command.
	Description string `yaml:"description" json:"description"`
}

// RateLimitRule is the admission quota for one category.
type RateLimitRule struct {
	// Max is the number of calls admitted inside the trailing window.
	Max int `yaml:"max" json:"max"`

	// WindowMS is the trailing window length in milliseconds.
	WindowMS int64 `yaml:"window_ms" json:"window_ms"`
}

// =============================================================================
// Inbound Request Types
// =============================================================================

// InvokeRequest is the inbound body of POST /v1/tools/:name.
type InvokeRequest struct {
	// Parameters are the tool's arguments, treated as opaque JSON.
	Parameters map[string]interface{} `json:"parameters"`

	// ConfirmToken is the confirmation token being resubmitted for a
	// sensitive or critical tool, if the caller has one.
	ConfirmToken string `json:"confirm_token" binding:"omitempty,max=128"`
}
