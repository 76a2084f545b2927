// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for caller-provided identifiers that end
// up in log lines, metric labels, and upstream request paths. Using these
// validators keeps attacker-controlled strings out of label cardinality and
// prevents path traversal through tool names.
package validation

import (
	"fmt"
	"regexp"
)

// toolNamePattern matches valid tool identifiers.
// Allows: lowercase letters, digits, underscores. Must start with a letter.
// Max length: 64 characters.
var toolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// categoryPattern matches valid rate-limit category names.
// Allows: lowercase letters, digits, hyphens (e.g. "real-trading").
var categoryPattern = regexp.MustCompile(`^[a-z][a-z0-9\-]{0,63}$`)

// ValidateToolName validates a tool identifier before it is used for
// catalog lookup, metric labels, or confirmation-token binding.
//
// Valid names:
//   - 1-64 characters
//   - Lowercase letters a-z, digits 0-9, underscores
//   - First character is a letter
//
// Returns an error if the name is invalid.
//
// Example:
//
//	if err := validation.ValidateToolName(name); err != nil {
//	    c.JSON(http.StatusNotFound, gin.H{"error": "unknown tool"})
//	    return
//	}
func ValidateToolName(name string) error {
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	if !toolNamePattern.MatchString(name) {
		return fmt.Errorf("invalid tool name: %q (must be 1-64 lowercase alphanumeric chars or underscores, starting with a letter)", name)
	}

	return nil
}

// ValidateCategory validates a rate-limit category name from the catalog.
// Categories become Prometheus label values, so the character set is kept
// deliberately narrow.
func ValidateCategory(category string) error {
	if category == "" {
		return fmt.Errorf("category cannot be empty")
	}

	if !categoryPattern.MatchString(category) {
		return fmt.Errorf("invalid category: %q (must be 1-64 lowercase alphanumeric chars or hyphens, starting with a letter)", category)
	}

	return nil
}
