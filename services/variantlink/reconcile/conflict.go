// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reconcile

import (
	"slices"

	"github.com/AleutianAI/variantlink/services/variantlink/model"
)

// ConflictIndex maps a variant id to the other option of the group that
// currently holds it.
//
// # Description
//
// Built from every option of a group except the one under edit. Diffing
// uses it to classify a newly selected variant as a move.
//
// If a variant is linked to two other options at once, the later option in
// group order becomes the holder and the anomaly is recorded; callers surface
// it through Violations or Err rather than relying on the pick.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent reads.
type ConflictIndex struct {
	groupID    model.GroupID
	current    model.OptionID
	holder     map[model.VariantID]model.OptionID
	options    map[model.OptionID]model.Option
	violations []model.Violation
}

// BuildConflictIndex builds the reverse lookup for the group's options,
// skipping currentOptionID.
//
// # Inputs
//
//   - groupID: Group the options belong to (used in error reporting only).
//   - options: All options of the group in group order.
//   - currentOptionID: The option under edit; excluded from the index.
//
// # Outputs
//
//   - *ConflictIndex: Never nil. Must be rebuilt whenever the snapshot changes.
func BuildConflictIndex(groupID model.GroupID, options []model.Option, currentOptionID model.OptionID) *ConflictIndex {
	ci := &ConflictIndex{
		groupID: groupID,
		current: currentOptionID,
		holder:  make(map[model.VariantID]model.OptionID),
		options: make(map[model.OptionID]model.Option, len(options)),
	}

	all := make(map[model.VariantID][]model.OptionID)
	var order []model.VariantID

	for _, opt := range options {
		if opt.ID == currentOptionID {
			continue
		}
		ci.options[opt.ID] = opt.Clone()
		for _, v := range opt.LinkedVariantIDs {
			holders, seen := all[v]
			if slices.Contains(holders, opt.ID) {
				continue
			}
			if !seen {
				order = append(order, v)
			}
			all[v] = append(holders, opt.ID)
			ci.holder[v] = opt.ID
		}
	}

	for _, v := range order {
		if len(all[v]) > 1 {
			ci.violations = append(ci.violations, model.Violation{VariantID: v, OptionIDs: all[v]})
		}
	}
	return ci
}

// Holder returns the other option currently holding v.
func (ci *ConflictIndex) Holder(v model.VariantID) (model.Option, bool) {
	if ci == nil {
		return model.Option{}, false
	}
	id, ok := ci.holder[v]
	if !ok {
		return model.Option{}, false
	}
	return ci.options[id], true
}

// HolderID returns the id of the other option holding v.
func (ci *ConflictIndex) HolderID(v model.VariantID) (model.OptionID, bool) {
	if ci == nil {
		return "", false
	}
	id, ok := ci.holder[v]
	return id, ok
}

// Len returns the number of indexed variants.
func (ci *ConflictIndex) Len() int {
	if ci == nil {
		return 0
	}
	return len(ci.holder)
}

// CurrentOptionID returns the option the index was built for.
func (ci *ConflictIndex) CurrentOptionID() model.OptionID {
	if ci == nil {
		return ""
	}
	return ci.current
}

// Violations returns variants found in more than one other option.
func (ci *ConflictIndex) Violations() []model.Violation {
	if ci == nil {
		return nil
	}
	return slices.Clone(ci.violations)
}

// Err returns an *InvariantViolationError when violations were found, nil otherwise.
func (ci *ConflictIndex) Err() error {
	if ci == nil || len(ci.violations) == 0 {
		return nil
	}
	return &InvariantViolationError{GroupID: ci.groupID, Violations: ci.Violations()}
}
