// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for catalog identifiers.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxIDLength is the longest accepted id, in characters.
const MaxIDLength = 128

// idPattern matches ids that are safe as a store key segment and a URL path
// segment.
//
// Allows: any printable character except '/'
// Max length: MaxIDLength characters
var idPattern = regexp.MustCompile(`^[^/\x00-\x1f\x7f]{1,128}$`)

// ValidateID validates a product, group, option or variant id.
//
// Valid ids:
//   - 1-128 characters
//   - No '/' (ids are joined with '/' in store keys)
//   - No control characters
//   - Not "." or ".." (routers clean those out of paths)
//
// Example:
//
//	if err := validation.ValidateID(string(variantID)); err != nil {
//	    return fmt.Errorf("%w: variant %v", ErrInvalidInput, err)
//	}
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}

	if id == "." || id == ".." {
		return fmt.Errorf("invalid id %q", id)
	}

	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid id format: %q (must be 1-%d characters without '/' or control characters)", id, MaxIDLength)
	}

	return nil
}

// IsID reports whether ValidateID accepts id.
func IsID(id string) bool {
	return ValidateID(id) == nil
}

// ValidateIDs validates multiple ids.
// Returns an error listing all invalid ids if any fail validation.
func ValidateIDs[T ~string](ids []T) error {
	var invalid []string
	for _, id := range ids {
		if !IsID(string(id)) {
			invalid = append(invalid, fmt.Sprintf("%q", string(id)))
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid ids: %s", strings.Join(invalid, ", "))
	}

	return nil
}
