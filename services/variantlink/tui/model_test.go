// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/variantlink/services/variantlink/catalog/catalogtest"
	"github.com/AleutianAI/variantlink/services/variantlink/model"
	"github.com/AleutianAI/variantlink/services/variantlink/session"
)

func fixture() *catalogtest.Fake {
	variants := []model.Variant{
		{ID: "v1", SKU: "TEE-S-RED", Name: "Small Red", Price: 19, Stock: 3},
		{ID: "v2", SKU: "TEE-M-RED", Name: "Medium Red", Price: 19, Stock: 0},
		{ID: "v3", SKU: "TEE-S-BLU", Name: "Small Blue", Price: 21, Stock: 5},
		{ID: "v4", SKU: "TEE-M-BLU", Name: "Medium Blue", Price: 21, Stock: 1},
		{ID: "v5", SKU: "TEE-L-GRN", Name: "Large Green", Price: 65, Stock: 2},
	}
	group := model.SelectionGroup{
		ID:   "color",
		Name: "Color",
		Options: []model.Option{
			{ID: "red", Label: "Red", LinkedVariantIDs: []model.VariantID{"v1", "v2"}},
			{ID: "blue", Label: "Blue", LinkedVariantIDs: []model.VariantID{"v3"}},
			{ID: "green", Label: "Green"},
		},
	}
	return catalogtest.New("tee", variants, group)
}

// loadedPicker returns a picker whose session has completed its load.
func loadedPicker(t *testing.T, f *catalogtest.Fake, option model.OptionID) (Model, *session.Session) {
	t.Helper()
	sess, err := session.New(session.Key{ProductID: "tee", GroupID: "color", OptionID: option}, f)
	require.NoError(t, err)

	m := New(context.Background(), sess)
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})
	m = update(t, m, m.Init()())
	require.Equal(t, session.StateReady, sess.State())
	return m, sess
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

// press sends k and returns the model with the command it produced.
func press(t *testing.T, m Model, k tea.KeyMsg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(k)
	return next.(Model), cmd
}

func keys(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

var (
	enter = tea.KeyMsg{Type: tea.KeyEnter}
	esc   = tea.KeyMsg{Type: tea.KeyEsc}
	down  = tea.KeyMsg{Type: tea.KeyDown}
	space = keys(" ")
)

func linkedIn(f *catalogtest.Fake, option model.OptionID) []model.VariantID {
	opt, _ := f.Group("color").Option(option)
	return opt.LinkedVariantIDs
}

// submit presses enter and, when a submit starts, runs it and feeds the result back.
func submit(t *testing.T, m Model, k tea.KeyMsg) (Model, tea.Cmd) {
	t.Helper()
	m, cmd := press(t, m, k)
	require.True(t, m.submitting, "submit did not start: %s", m.status)
	require.NotNil(t, cmd)
	next, cmd := m.Update(cmd())
	return next.(Model), cmd
}

func TestPicker_LoadShowsRows(t *testing.T) {
	m, _ := loadedPicker(t, fixture(), "blue")

	assert.Len(t, m.rows, 5)
	view := m.View()
	assert.Contains(t, view, "Color: Blue")
	assert.Contains(t, view, "TEE-S-RED")
	assert.Contains(t, view, "on Red")
}

func TestPicker_ToggleAndSubmit(t *testing.T) {
	f := fixture()
	m, _ := loadedPicker(t, f, "blue")

	for i := 0; i < 4; i++ {
		m = update(t, m, down)
	}
	row, ok := m.current()
	require.True(t, ok)
	require.Equal(t, model.VariantID("v5"), row.Variant.ID)

	m = update(t, m, space)
	assert.Contains(t, m.View(), "link 1, unlink 0")

	m, cmd := submit(t, m, enter)

	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	out := m.Outcome()
	assert.True(t, out.Submitted)
	assert.False(t, out.Cancelled)
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.OK())
	assert.Equal(t, []model.VariantID{"v3", "v5"}, linkedIn(f, "blue"))
}

func TestPicker_MoveAsksForConfirmation(t *testing.T) {
	f := fixture()
	m, _ := loadedPicker(t, f, "blue")

	m = update(t, m, space) // v1, held by red
	assert.Contains(t, m.status, "v1 will move from Red")
	assert.Contains(t, m.View(), "move from Red")

	m, cmd := press(t, m, enter)
	assert.Nil(t, cmd)
	assert.Equal(t, modeConfirm, m.mode)
	assert.Contains(t, m.View(), "1 variant(s) will be moved from other options")
	assert.Contains(t, m.View(), "Red: v1")

	m = update(t, m, keys("n"))
	assert.Equal(t, modeList, m.mode)
	assert.Empty(t, f.Calls())

	m = update(t, m, enter)
	require.Equal(t, modeConfirm, m.mode)
	m, _ = submit(t, m, keys("y"))

	assert.True(t, m.Outcome().Submitted)
	calls := f.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, catalogtest.OpUnlink, calls[0].Op)
	assert.Equal(t, model.OptionID("red"), calls[0].OptionID)
	assert.Equal(t, []model.VariantID{"v2"}, linkedIn(f, "red"))
	assert.Equal(t, []model.VariantID{"v3", "v1"}, linkedIn(f, "blue"))
}

func TestPicker_NoChanges(t *testing.T) {
	f := fixture()
	m, _ := loadedPicker(t, f, "blue")

	m, cmd := press(t, m, enter)

	assert.Nil(t, cmd)
	assert.Equal(t, "no changes", m.status)
	assert.Empty(t, f.Calls())
}

func TestPicker_QueryAndExpressionFilters(t *testing.T) {
	m, sess := loadedPicker(t, fixture(), "green")

	m = update(t, m, keys("/"))
	require.Equal(t, modeQuery, m.mode)
	m = update(t, m, keys("blue"))
	m = update(t, m, enter)
	assert.Equal(t, modeList, m.mode)
	require.Len(t, m.rows, 2)
	assert.Equal(t, "blue", sess.Filter().Query())

	m = update(t, m, keys("f"))
	require.Equal(t, modeExpression, m.mode)
	m = update(t, m, keys("stock > 4"))
	m = update(t, m, enter)
	require.Len(t, m.rows, 1)
	assert.Equal(t, model.VariantID("v3"), m.rows[0].Variant.ID)
	assert.Contains(t, m.View(), `search "blue"`)

	m = update(t, m, esc)
	assert.Len(t, m.rows, 5)
	assert.True(t, sess.Filter().IsZero())
}

func TestPicker_InvalidExpressionStaysInPrompt(t *testing.T) {
	m, sess := loadedPicker(t, fixture(), "green")

	m = update(t, m, keys("f"))
	m = update(t, m, keys("stock >"))
	m = update(t, m, enter)

	assert.Equal(t, modeExpression, m.mode)
	assert.True(t, m.statusErr)
	assert.Empty(t, sess.Filter().Expression())

	m = update(t, m, esc)
	assert.Equal(t, modeList, m.mode)
}

func TestPicker_BulkSelection(t *testing.T) {
	m, sess := loadedPicker(t, fixture(), "green")

	m = update(t, m, keys("a"))
	assert.Equal(t, "selected 2 unlinked variant(s)", m.status)
	assert.ElementsMatch(t, []model.VariantID{"v4", "v5"}, sess.Desired())

	m = update(t, m, keys("d"))
	assert.Equal(t, "deselected 2 variant(s)", m.status)
	assert.Empty(t, sess.Desired())

	m = update(t, m, space)
	m = update(t, m, keys("r"))
	assert.Equal(t, "selection reset", m.status)
	assert.False(t, sess.HasChanges())
}

func TestPicker_FailedSubmitCanBeRetried(t *testing.T) {
	f := fixture()
	f.FailNext(catalogtest.OpLink, "blue", errors.New("backend unavailable"))
	m, sess := loadedPicker(t, f, "blue")

	for i := 0; i < 4; i++ {
		m = update(t, m, down)
	}
	m = update(t, m, space)
	m, cmd := submit(t, m, enter)

	assert.Nil(t, cmd)
	assert.True(t, m.statusErr)
	assert.Contains(t, m.status, "press enter to retry")
	assert.Equal(t, session.StateFailed, sess.State())
	assert.False(t, m.Outcome().Submitted)
	assert.Error(t, m.Outcome().Err)

	// Editing is blocked until a reload or a retry.
	m = update(t, m, space)
	assert.Contains(t, m.status, "last submit failed")

	m, cmd = submit(t, m, enter)
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.True(t, m.Outcome().Submitted)
	assert.NoError(t, m.Outcome().Err)
	assert.Equal(t, []model.VariantID{"v3", "v5"}, linkedIn(f, "blue"))
}

func TestPicker_LoadFailure(t *testing.T) {
	f := fixture()
	f.FailFetch(errors.New("backend unavailable"))
	sess, err := session.New(session.Key{ProductID: "tee", GroupID: "color", OptionID: "blue"}, f)
	require.NoError(t, err)

	m := New(context.Background(), sess)
	m = update(t, m, m.Init()())

	assert.True(t, m.statusErr)
	assert.Error(t, m.Outcome().Err)
	assert.Equal(t, session.StateFailed, sess.State())
}

func TestPicker_Quit(t *testing.T) {
	m, sess := loadedPicker(t, fixture(), "blue")
	m = update(t, m, space)

	m, cmd := press(t, m, keys("q"))

	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.True(t, m.Outcome().Cancelled)
	assert.Equal(t, session.StateClosed, sess.State())
	assert.Equal(t, "Edit cancelled.\n", m.View())
}

func TestPicker_CursorStaysInBounds(t *testing.T) {
	m, _ := loadedPicker(t, fixture(), "blue")

	m = update(t, m, tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, 0, m.cursor)
	for i := 0; i < 10; i++ {
		m = update(t, m, down)
	}
	assert.Equal(t, 4, m.cursor)

	m = update(t, m, keys("/"))
	m = update(t, m, keys("TEE-S"))
	m = update(t, m, enter)
	assert.Len(t, m.rows, 2)
	assert.Equal(t, 1, m.cursor)
}
