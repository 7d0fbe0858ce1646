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
	"fmt"
	"slices"

	"github.com/AleutianAI/variantlink/services/variantlink/model"
)

// Diff is the change set that turns an option's linked set into the
// operator's desired set.
//
// ToLink and ToUnlink are disjoint. Every id under Moves is also in ToLink;
// the Moves key is the option currently holding it.
type Diff struct {
	ToLink   []model.VariantID                    `json:"to_link"`
	ToUnlink []model.VariantID                    `json:"to_unlink"`
	Moves    map[model.OptionID][]model.VariantID `json:"moves"`
}

// ComputeDiff classifies every change between initial and desired.
//
// # Description
//
//  1. ToLink = desired − initial, in desired's insertion order.
//  2. ToUnlink = initial − desired, in initial's insertion order.
//  3. Each ToLink id held by another option (per index) is also recorded
//     under that option in Moves.
//
// A variant held by another option but not desired is left alone: only the
// option under edit and the source options of detected moves are mutated.
//
// # Inputs
//
//   - initial: Linked set of the option under edit at snapshot time. Nil is empty.
//   - desired: Operator's working set. Nil is empty.
//   - index: Conflict index for the same option. Nil means no moves.
//
// # Outputs
//
//   - Diff: Depends only on the inputs. Slices and map are never nil.
func ComputeDiff(initial, desired *model.VariantSet, index *ConflictIndex) Diff {
	d := Diff{
		ToLink:   desired.Minus(initial),
		ToUnlink: initial.Minus(desired),
		Moves:    make(map[model.OptionID][]model.VariantID),
	}
	for _, v := range d.ToLink {
		if source, ok := index.HolderID(v); ok {
			d.Moves[source] = append(d.Moves[source], v)
		}
	}
	return d
}

// IsEmpty reports a no-op diff.
func (d Diff) IsEmpty() bool {
	return len(d.ToLink) == 0 && len(d.ToUnlink) == 0
}

// MoveSources returns the source options of moves, sorted for stable output.
func (d Diff) MoveSources() []model.OptionID {
	sources := make([]model.OptionID, 0, len(d.Moves))
	for id := range d.Moves {
		sources = append(sources, id)
	}
	slices.Sort(sources)
	return sources
}

// MovedCount returns the number of variants moved from other options.
func (d Diff) MovedCount() int {
	n := 0
	for _, ids := range d.Moves {
		n += len(ids)
	}
	return n
}

// IsMove reports whether v is moved from another option, and from which.
func (d Diff) IsMove(v model.VariantID) (model.OptionID, bool) {
	for source, ids := range d.Moves {
		if slices.Contains(ids, v) {
			return source, true
		}
	}
	return "", false
}

// Summary renders counts, e.g. "link 3 (2 moved), unlink 1".
func (d Diff) Summary() string {
	if d.IsEmpty() {
		return "no changes"
	}
	s := fmt.Sprintf("link %d", len(d.ToLink))
	if moved := d.MovedCount(); moved > 0 {
		s += fmt.Sprintf(" (%d moved)", moved)
	}
	return s + fmt.Sprintf(", unlink %d", len(d.ToUnlink))
}
