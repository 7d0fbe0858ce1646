// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"fmt"
	"strings"
)

// Violation records a variant linked to more than one option of a group.
type Violation struct {
	VariantID VariantID  `json:"variant_id"`
	OptionIDs []OptionID `json:"option_ids"`
}

// String renders the violation for operator-facing messages.
func (v Violation) String() string {
	ids := make([]string, len(v.OptionIDs))
	for i, id := range v.OptionIDs {
		ids[i] = string(id)
	}
	return fmt.Sprintf("variant %s linked to options [%s]", v.VariantID, strings.Join(ids, ", "))
}

// FindViolations scans every option of g and returns each variant linked to
// more than one of them. Results follow first-seen variant order; option ids
// follow g.Options order.
func FindViolations(g SelectionGroup) []Violation {
	holders := make(map[VariantID][]OptionID)
	var order []VariantID
	for _, opt := range g.Options {
		seen := make(map[VariantID]struct{}, len(opt.LinkedVariantIDs))
		for _, v := range opt.LinkedVariantIDs {
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			if _, ok := holders[v]; !ok {
				order = append(order, v)
			}
			holders[v] = append(holders[v], opt.ID)
		}
	}

	var out []Violation
	for _, v := range order {
		if len(holders[v]) > 1 {
			out = append(out, Violation{VariantID: v, OptionIDs: holders[v]})
		}
	}
	return out
}
