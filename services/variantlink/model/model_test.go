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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// VariantSet Tests
// =============================================================================

func TestVariantSet_DropsDuplicatesAndEmpty(t *testing.T) {
	s := NewVariantSet("v1", "v2", "v1", "", "v3")

	assert.Equal(t, []VariantID{"v1", "v2", "v3"}, s.IDs())
	assert.Equal(t, 3, s.Len())
}

func TestVariantSet_RemoveKeepsOrder(t *testing.T) {
	s := NewVariantSet("v1", "v2", "v3")

	require.True(t, s.Remove("v2"))
	assert.False(t, s.Remove("v2"), "second remove is a no-op")
	assert.Equal(t, []VariantID{"v1", "v3"}, s.IDs())

	s.Add("v2")
	assert.Equal(t, []VariantID{"v1", "v3", "v2"}, s.IDs(), "re-added id goes to the end")
}

func TestVariantSet_Toggle(t *testing.T) {
	s := NewVariantSet()

	assert.True(t, s.Toggle("v1"))
	assert.True(t, s.Contains("v1"))
	assert.False(t, s.Toggle("v1"))
	assert.False(t, s.Contains("v1"))
}

func TestVariantSet_Minus(t *testing.T) {
	a := NewVariantSet("v1", "v2", "v3")
	b := NewVariantSet("v2")

	assert.Equal(t, []VariantID{"v1", "v3"}, a.Minus(b))
	assert.Empty(t, b.Minus(a))
	assert.NotNil(t, b.Minus(a), "Minus never returns nil")
}

func TestVariantSet_NilBehavesEmpty(t *testing.T) {
	var s *VariantSet

	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Contains("v1"))
	assert.Empty(t, s.IDs())
	assert.True(t, s.Equal(NewVariantSet()))
	assert.Equal(t, []VariantID{"v1"}, NewVariantSet("v1").Minus(s))
}

func TestVariantSet_CloneIsIndependent(t *testing.T) {
	a := NewVariantSet("v1")
	b := a.Clone()
	b.Add("v2")

	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 2, b.Len())
}

func TestVariantSet_EqualIgnoresOrder(t *testing.T) {
	assert.True(t, NewVariantSet("v1", "v2").Equal(NewVariantSet("v2", "v1")))
	assert.False(t, NewVariantSet("v1", "v2").Equal(NewVariantSet("v1", "v3")))
	assert.False(t, NewVariantSet("v1").Equal(NewVariantSet("v1", "v2")))
}

// =============================================================================
// Group Tests
// =============================================================================

func testGroup() SelectionGroup {
	return SelectionGroup{
		ID:        "color",
		ProductID: "p1",
		Name:      "Color",
		Options: []Option{
			{ID: "red", Value: "red", Label: "Red", LinkedVariantIDs: []VariantID{"v1", "v2"}},
			{ID: "blue", Value: "blue", LinkedVariantIDs: []VariantID{"v3"}},
			{ID: "green", LinkedVariantIDs: nil},
		},
	}
}

func TestSelectionGroup_CloneIsDeep(t *testing.T) {
	g := testGroup()
	c := g.Clone()
	c.Options[0].LinkedVariantIDs[0] = "changed"

	assert.Equal(t, VariantID("v1"), g.Options[0].LinkedVariantIDs[0])
}

func TestSelectionGroup_OptionLookup(t *testing.T) {
	g := testGroup()

	opt, ok := g.Option("blue")
	require.True(t, ok)
	assert.Equal(t, "blue", opt.DisplayName())
	assert.Equal(t, 1, g.OptionIndex("blue"))

	_, ok = g.Option("missing")
	assert.False(t, ok)
	assert.Equal(t, -1, g.OptionIndex("missing"))
}

func TestOption_DisplayNameFallbacks(t *testing.T) {
	assert.Equal(t, "Red", Option{ID: "r", Value: "red", Label: "Red"}.DisplayName())
	assert.Equal(t, "red", Option{ID: "r", Value: "red"}.DisplayName())
	assert.Equal(t, "r", Option{ID: "r"}.DisplayName())
}

func TestFindViolations_CleanGroup(t *testing.T) {
	assert.Empty(t, FindViolations(testGroup()))
}

func TestFindViolations_ReportsEveryHolder(t *testing.T) {
	g := testGroup()
	g.Options[1].LinkedVariantIDs = append(g.Options[1].LinkedVariantIDs, "v1")
	g.Options[2].LinkedVariantIDs = []VariantID{"v1", "v3"}

	got := FindViolations(g)

	require.Len(t, got, 2)
	assert.Equal(t, VariantID("v1"), got[0].VariantID)
	assert.Equal(t, []OptionID{"red", "blue", "green"}, got[0].OptionIDs)
	assert.Equal(t, VariantID("v3"), got[1].VariantID)
	assert.Equal(t, []OptionID{"blue", "green"}, got[1].OptionIDs)
	assert.Contains(t, got[1].String(), "blue, green")
	assert.Equal(t, []OptionID{"blue", "green"}, g.HoldersOf("v3"))
}

func TestFindViolations_DuplicateWithinOneOptionIsNotAViolation(t *testing.T) {
	g := SelectionGroup{Options: []Option{
		{ID: "a", LinkedVariantIDs: []VariantID{"v1", "v1"}},
	}}

	assert.Empty(t, FindViolations(g))
}
