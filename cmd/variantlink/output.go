// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/variantlink/services/variantlink/model"
)

// printer writes styled command output. Colors are dropped when w is not a
// terminal.
type printer struct {
	w io.Writer

	titleStyle   lipgloss.Style
	successStyle lipgloss.Style
	warnStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	dimStyle     lipgloss.Style
	addStyle     lipgloss.Style
	removeStyle  lipgloss.Style
	headerStyle  lipgloss.Style
}

func newPrinter(w io.Writer) *printer {
	r := lipgloss.NewRenderer(w)
	return &printer{
		w: w,

		titleStyle:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		successStyle: r.NewStyle().Foreground(lipgloss.Color("42")),
		warnStyle:    r.NewStyle().Foreground(lipgloss.Color("214")),
		errorStyle:   r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		dimStyle:     r.NewStyle().Foreground(lipgloss.Color("241")),
		addStyle:     r.NewStyle().Foreground(lipgloss.Color("42")),
		removeStyle:  r.NewStyle().Foreground(lipgloss.Color("196")),
		headerStyle:  r.NewStyle().Bold(true).Padding(0, 1),
	}
}

func (p *printer) title(s string) {
	fmt.Fprintln(p.w, p.titleStyle.Render(s))
}

func (p *printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) dim(s string) {
	fmt.Fprintln(p.w, p.dimStyle.Render(s))
}

func (p *printer) success(s string) {
	fmt.Fprintln(p.w, p.successStyle.Render("✓ ")+s)
}

func (p *printer) warn(s string) {
	fmt.Fprintln(p.w, p.warnStyle.Render("! "+s))
}

func (p *printer) errorf(format string, args ...any) {
	fmt.Fprintln(p.w, p.errorStyle.Render("Error: ")+fmt.Sprintf(format, args...))
}

func (p *printer) table(headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(p.dimStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.headerStyle
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...).
		Rows(rows...)
	fmt.Fprintln(p.w, t.String())
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// isTerminal reports whether v is a file attached to a terminal.
func isTerminal(v any) bool {
	f, ok := v.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func joinIDs[T ~string](ids []T) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}

func toVariantIDs(ids []string) []model.VariantID {
	out := make([]model.VariantID, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, model.VariantID(id))
		}
	}
	return out
}
