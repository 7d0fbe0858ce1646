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
	"slices"
)

// VariantSet is a set of variant ids that remembers insertion order.
//
// # Description
//
// Linked-variant sets are unordered by contract, but diffs computed from them
// must be reproducible. VariantSet keeps the order in which ids were first
// added so that Minus and IDs return stable slices.
//
// A nil *VariantSet behaves as an empty set for all read methods.
type VariantSet struct {
	order []VariantID
	index map[VariantID]struct{}
}

// NewVariantSet builds a set from ids, dropping duplicates and empty ids.
func NewVariantSet(ids ...VariantID) *VariantSet {
	s := &VariantSet{
		order: make([]VariantID, 0, len(ids)),
		index: make(map[VariantID]struct{}, len(ids)),
	}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id. Returns false if it was already present or empty.
func (s *VariantSet) Add(id VariantID) bool {
	if id == "" {
		return false
	}
	if s.index == nil {
		s.index = make(map[VariantID]struct{})
	}
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

// Remove deletes id. Returns false if it was absent.
func (s *VariantSet) Remove(id VariantID) bool {
	if s == nil {
		return false
	}
	if _, ok := s.index[id]; !ok {
		return false
	}
	delete(s.index, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	return true
}

// Toggle flips membership of id and reports whether it is now present.
func (s *VariantSet) Toggle(id VariantID) bool {
	if s.Contains(id) {
		s.Remove(id)
		return false
	}
	return s.Add(id)
}

// Contains reports membership.
func (s *VariantSet) Contains(id VariantID) bool {
	if s == nil {
		return false
	}
	_, ok := s.index[id]
	return ok
}

// Len returns the number of ids.
func (s *VariantSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// IDs returns a copy of the ids in insertion order. Never nil.
func (s *VariantSet) IDs() []VariantID {
	if s == nil {
		return []VariantID{}
	}
	out := make([]VariantID, len(s.order))
	copy(out, s.order)
	return out
}

// Clone returns an independent copy.
func (s *VariantSet) Clone() *VariantSet {
	if s == nil {
		return NewVariantSet()
	}
	return NewVariantSet(s.order...)
}

// Minus returns the ids of s that are not in other, in s's insertion order.
// The result is never nil.
func (s *VariantSet) Minus(other *VariantSet) []VariantID {
	out := make([]VariantID, 0)
	if s == nil {
		return out
	}
	for _, id := range s.order {
		if !other.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// Equal reports whether both sets hold the same ids, ignoring order.
func (s *VariantSet) Equal(other *VariantSet) bool {
	if s.Len() != other.Len() {
		return false
	}
	if s == nil {
		return true
	}
	for _, id := range s.order {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}
