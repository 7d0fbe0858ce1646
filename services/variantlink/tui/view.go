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
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/variantlink/services/variantlink/session"
)

// headerLines and footerLines are the rows around the variant list.
const (
	headerLines = 4
	footerLines = 4
)

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		if m.outcome.Submitted {
			return ""
		}
		return "Edit cancelled.\n"
	}
	if m.loading && len(m.rows) == 0 {
		return "Loading " + m.sess.Key().String() + "...\n"
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	if m.mode == modeConfirm {
		b.WriteString(m.renderConfirm())
	} else {
		b.WriteString(m.renderList())
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) listHeight() int {
	h := m.height - headerLines - footerLines
	if m.help.ShowAll {
		h -= 3
	}
	if h < 3 {
		h = 3
	}
	return h
}

func (m Model) renderHeader() string {
	opt := m.sess.Option()
	group := m.sess.Group()

	title := titleStyle.Render(fmt.Sprintf("%s: %s", group.Name, opt.DisplayName()))
	state := stateStyle(m.sess.State()).Render(string(m.sess.State()))

	var b strings.Builder
	b.WriteString(title + "  " + state + "\n")
	b.WriteString(statsStyle.Render(fmt.Sprintf("%s  ·  %d visible of %d  ·  %d selected",
		m.sess.Key(), len(m.rows), len(m.sess.Rows()), len(m.sess.Desired()))))
	b.WriteString("\n")

	f := m.sess.Filter()
	switch {
	case m.mode == modeQuery || m.mode == modeExpression:
		b.WriteString(m.input.View())
	case !f.IsZero():
		var parts []string
		if f.Query() != "" {
			parts = append(parts, fmt.Sprintf("search %q", f.Query()))
		}
		if f.Expression() != "" {
			parts = append(parts, "expr "+f.Expression())
		}
		b.WriteString(filterStyle.Render("filter: " + strings.Join(parts, ", ")))
	}
	b.WriteString("\n")
	return b.String()
}

func (m Model) renderList() string {
	if len(m.rows) == 0 {
		return statsStyle.Render("  no variants match") + "\n"
	}

	end := m.offset + m.listHeight()
	if end > len(m.rows) {
		end = len(m.rows)
	}

	var b strings.Builder
	for i := m.offset; i < end; i++ {
		b.WriteString(m.renderRow(m.rows[i], i == m.cursor))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderRow(row session.Row, focused bool) string {
	cursor := "  "
	if focused {
		cursor = cursorStyle.Render("> ")
	}

	box := "[ ]"
	if row.Selected {
		box = "[x]"
	}
	switch {
	case row.Selected && !row.InitiallyLinked:
		box = addedStyle.Render(box)
	case !row.Selected && row.InitiallyLinked:
		box = removedStyle.Render(box)
	}

	label := fmt.Sprintf("%-14s %-24s %6d in stock  %8.2f",
		truncate(row.Variant.SKU, 14), truncate(row.Variant.Name, 24), row.Variant.Stock, row.Variant.Price)

	var marks []string
	switch {
	case row.Moves():
		marks = append(marks, moveBadge.Render("move from "+heldByLabel(row)))
	case row.HeldBy != "":
		marks = append(marks, heldStyle.Render("on "+heldByLabel(row)))
	}
	if row.Changed() {
		if row.Selected {
			marks = append(marks, addedStyle.Render("+"))
		} else {
			marks = append(marks, removedStyle.Render("-"))
		}
	}

	line := cursor + box + " " + label
	if len(marks) > 0 {
		line += "  " + strings.Join(marks, " ")
	}
	return line
}

func (m Model) renderConfirm() string {
	diff := m.sess.Diff()

	var b strings.Builder
	b.WriteString(warnStyle.Render(fmt.Sprintf("%d variant(s) will be moved from other options:", diff.MovedCount())))
	b.WriteString("\n")
	group := m.sess.Group()
	for _, source := range diff.MoveSources() {
		name := string(source)
		if opt, ok := group.Option(source); ok {
			name = opt.DisplayName()
		}
		ids := diff.Moves[source]
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = string(id)
		}
		b.WriteString(fmt.Sprintf("  %s: %s\n", name, strings.Join(parts, ", ")))
	}
	b.WriteString("\n")
	b.WriteString(statsStyle.Render(diff.Summary()))
	b.WriteString("\n\n")
	b.WriteString(helpKeyStyle.Render("y") + helpDescStyle.Render(" submit  ") +
		helpKeyStyle.Render("n") + helpDescStyle.Render(" back"))
	b.WriteString("\n")
	return b.String()
}

func (m Model) renderFooter() string {
	var b strings.Builder

	diff := m.sess.Diff()
	b.WriteString(statsStyle.Render("pending: " + diff.Summary()))
	b.WriteString("\n")

	switch {
	case m.status == "":
		b.WriteString("\n")
	case m.statusErr:
		b.WriteString(errorStyle.Render(m.status) + "\n")
	default:
		b.WriteString(statusStyle.Render(m.status) + "\n")
	}

	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func heldByLabel(row session.Row) string {
	if row.HeldByName != "" {
		return row.HeldByName
	}
	return string(row.HeldBy)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// =============================================================================
// Styles
// =============================================================================

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	filterStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212"))

	cursorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212")).
			Bold(true)

	addedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	removedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	heldStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Italic(true)

	moveBadge = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Background(lipgloss.Color("58")).
			Padding(0, 1)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	helpKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	helpDescStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))
)

func stateStyle(s session.State) lipgloss.Style {
	base := lipgloss.NewStyle().Padding(0, 1)
	switch s {
	case session.StateReady:
		return base.Foreground(lipgloss.Color("42")).Background(lipgloss.Color("22"))
	case session.StateFailed:
		return base.Foreground(lipgloss.Color("196")).Background(lipgloss.Color("52"))
	default:
		return base.Foreground(lipgloss.Color("214")).Background(lipgloss.Color("58"))
	}
}
