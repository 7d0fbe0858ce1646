// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tui provides the interactive variant picker.
//
// # Description
//
// The picker drives a session.Session: it loads the snapshot, lets the
// operator toggle variants under a text or expression filter, shows which
// selections would move a variant away from another option, and submits the
// diff. A diff with moves asks for confirmation first.
//
// # Thread Safety
//
// The model is used from the bubbletea event loop only. Remote calls run in
// tea.Cmds; the session serializes them.
package tui

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/AleutianAI/variantlink/services/variantlink/reconcile"
	"github.com/AleutianAI/variantlink/services/variantlink/session"
)

// =============================================================================
// Modes
// =============================================================================

type mode int

const (
	modeList mode = iota
	modeQuery
	modeExpression
	modeConfirm
)

// =============================================================================
// Messages
// =============================================================================

type loadedMsg struct{ err error }

type submittedMsg struct {
	result reconcile.Result
	err    error
}

// =============================================================================
// Outcome
// =============================================================================

// Outcome is what the picker did before exiting.
type Outcome struct {
	// Submitted is true when an apply ran and the picker exited after it.
	Submitted bool

	// Cancelled is true when the operator quit without a successful submit.
	Cancelled bool

	// Result is the last apply, if any ran.
	Result *reconcile.Result

	// Err is the last load or submit error still standing at exit.
	Err error
}

// =============================================================================
// Model
// =============================================================================

// Model is the bubbletea model of the picker.
type Model struct {
	ctx  context.Context
	sess *session.Session
	keys KeyMap
	help help.Model

	input textinput.Model
	mode  mode

	rows   []session.Row
	cursor int
	offset int

	width  int
	height int

	loading    bool
	submitting bool
	status     string
	statusErr  bool

	outcome  Outcome
	quitting bool
}

// New creates a picker for sess. The session is loaded by Init.
func New(ctx context.Context, sess *session.Session) Model {
	in := textinput.New()
	in.CharLimit = 256

	return Model{
		ctx:     ctx,
		sess:    sess,
		keys:    DefaultKeyMap(),
		help:    help.New(),
		input:   in,
		loading: true,
		height:  24,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.loadCmd()
}

func (m Model) loadCmd() tea.Cmd {
	ctx, sess := m.ctx, m.sess
	return func() tea.Msg {
		return loadedMsg{err: sess.Load(ctx)}
	}
}

func (m Model) submitCmd() tea.Cmd {
	ctx, sess := m.ctx, m.sess
	return func() tea.Msg {
		res, err := sess.Submit(ctx)
		return submittedMsg{result: res, err: err}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.clampCursor()
		return m, nil

	case loadedMsg:
		m.loading = false
		m.refresh()
		if msg.err != nil {
			m.setError(msg.err)
			m.outcome.Err = msg.err
		} else {
			m.outcome.Err = nil
			if n := len(m.sess.Anomalies()); n > 0 {
				m.setStatus(fmt.Sprintf("warning: %d variant(s) are linked to more than one option", n))
				m.statusErr = true
			} else {
				m.setStatus("")
			}
		}
		return m, nil

	case submittedMsg:
		return m.handleSubmitted(msg)

	case tea.KeyMsg:
		switch m.mode {
		case modeQuery, modeExpression:
			return m.handleInputKey(msg)
		case modeConfirm:
			return m.handleConfirmKey(msg)
		}
		return m.handleListKey(msg)
	}
	return m, nil
}

func (m Model) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		return m.quit()
	}
	if m.loading || m.submitting {
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Up):
		m.moveCursor(-1)

	case key.Matches(msg, m.keys.Down):
		m.moveCursor(1)

	case key.Matches(msg, m.keys.Toggle):
		if row, ok := m.current(); ok {
			selected, err := m.sess.Toggle(row.Variant.ID)
			if m.check(err) {
				switch {
				case selected && row.HeldBy != "" && !row.InitiallyLinked:
					m.setStatus(fmt.Sprintf("%s will move from %s", row.Variant.ID, heldByLabel(row)))
				default:
					m.setStatus("")
				}
			}
			m.refresh()
		}

	case key.Matches(msg, m.keys.SelectAll):
		n, err := m.sess.SelectAllUnlinked()
		if m.check(err) {
			m.setStatus(fmt.Sprintf("selected %d unlinked variant(s)", n))
		}
		m.refresh()

	case key.Matches(msg, m.keys.DeselectAll):
		n, err := m.sess.DeselectAllVisible()
		if m.check(err) {
			m.setStatus(fmt.Sprintf("deselected %d variant(s)", n))
		}
		m.refresh()

	case key.Matches(msg, m.keys.Query):
		return m.openInput(modeQuery, "search: ", m.sess.Filter().Query())

	case key.Matches(msg, m.keys.Expression):
		return m.openInput(modeExpression, "expr: ", m.sess.Filter().Expression())

	case key.Matches(msg, m.keys.ClearFilter):
		_ = m.sess.SetQuery("")
		_ = m.sess.SetExpression("")
		m.setStatus("")
		m.refresh()

	case key.Matches(msg, m.keys.Reset):
		if m.check(m.sess.Reset()) {
			m.setStatus("selection reset")
		}
		m.refresh()

	case key.Matches(msg, m.keys.Reload):
		m.loading = true
		m.setStatus("reloading...")
		return m, m.loadCmd()

	case key.Matches(msg, m.keys.Submit):
		return m.startSubmit()

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	}
	return m, nil
}

func (m Model) openInput(md mode, prompt, value string) (tea.Model, tea.Cmd) {
	m.mode = md
	m.input.Prompt = prompt
	m.input.SetValue(value)
	m.input.CursorEnd()
	return m, m.input.Focus()
}

func (m Model) handleInputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.mode = modeList
		m.input.Blur()
		return m, nil

	case tea.KeyEnter:
		value := m.input.Value()
		var err error
		if m.mode == modeQuery {
			err = m.sess.SetQuery(value)
		} else {
			err = m.sess.SetExpression(value)
		}
		if err != nil {
			// Stay in the prompt so the expression can be fixed.
			m.setError(err)
			return m, nil
		}
		m.mode = modeList
		m.input.Blur()
		m.setStatus("")
		m.refresh()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) startSubmit() (tea.Model, tea.Cmd) {
	state := m.sess.State()
	if state != session.StateReady && state != session.StateFailed {
		return m, nil
	}
	diff := m.sess.Diff()
	if diff.IsEmpty() {
		m.setStatus("no changes")
		return m, nil
	}
	if diff.MovedCount() > 0 {
		m.mode = modeConfirm
		return m, nil
	}
	return m.submit()
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	m.mode = modeList
	m.submitting = true
	m.setStatus("submitting " + m.sess.Diff().Summary() + "...")
	return m, m.submitCmd()
}

func (m Model) handleConfirmKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "Y", "enter":
		return m.submit()
	case "n", "N", "esc", "q":
		m.mode = modeList
		m.setStatus("submit cancelled")
	}
	return m, nil
}

func (m Model) handleSubmitted(msg submittedMsg) (tea.Model, tea.Cmd) {
	m.submitting = false
	res := msg.result
	m.outcome.Result = &res
	m.refresh()

	if msg.err != nil {
		m.outcome.Err = msg.err
		if res.RunID != "" && res.OK() {
			m.outcome.Submitted = true
			m.setStatus("changes applied but reload failed: " + msg.err.Error() + " Press ctrl+r to reload.")
			m.statusErr = true
			return m, nil
		}
		var pe *reconcile.PhaseError
		if errors.As(msg.err, &pe) {
			m.setStatus(pe.Describe() + " Press enter to retry or ctrl+r to reload.")
			m.statusErr = true
			return m, nil
		}
		m.setError(msg.err)
		return m, nil
	}

	m.outcome.Err = nil
	m.outcome.Submitted = true
	m.quitting = true
	return m, tea.Quit
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	if m.submitting {
		// The apply runs to completion; the session closes afterwards.
		m.setStatus("waiting for submit to finish...")
		return m, nil
	}
	m.outcome.Cancelled = true
	m.quitting = true
	m.sess.Close()
	return m, tea.Quit
}

// =============================================================================
// Helpers
// =============================================================================

func (m *Model) refresh() {
	m.rows = m.sess.Visible()
	m.clampCursor()
}

func (m *Model) current() (session.Row, bool) {
	if m.cursor < 0 || m.cursor >= len(m.rows) {
		return session.Row{}, false
	}
	return m.rows[m.cursor], true
}

func (m *Model) moveCursor(delta int) {
	m.cursor += delta
	m.clampCursor()
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.rows) {
		m.cursor = len(m.rows) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
	page := m.listHeight()
	if m.cursor < m.offset {
		m.offset = m.cursor
	}
	if m.cursor >= m.offset+page {
		m.offset = m.cursor - page + 1
	}
}

// check reports err on the status line and returns whether it was nil.
func (m *Model) check(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, session.ErrNotReady) && m.sess.State() == session.StateFailed {
		m.setStatus("last submit failed; press enter to retry or ctrl+r to reload before editing")
		m.statusErr = true
		return false
	}
	m.setError(err)
	return false
}

func (m *Model) setStatus(s string) {
	m.status = s
	m.statusErr = false
}

func (m *Model) setError(err error) {
	m.status = err.Error()
	m.statusErr = true
}

// Outcome returns what the picker did. Read it from the final model.
func (m Model) Outcome() Outcome {
	return m.outcome
}

// Run runs the picker full-screen until the operator submits or quits.
func Run(ctx context.Context, sess *session.Session, opts ...tea.ProgramOption) (Outcome, error) {
	opts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)
	final, err := tea.NewProgram(New(ctx, sess), opts...).Run()
	if err != nil {
		return Outcome{}, fmt.Errorf("run picker: %w", err)
	}
	return final.(Model).Outcome(), nil
}
