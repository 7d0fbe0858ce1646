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
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/variantlink/services/variantlink/model"
	"github.com/AleutianAI/variantlink/services/variantlink/reconcile"
	"github.com/AleutianAI/variantlink/services/variantlink/session"
	"github.com/AleutianAI/variantlink/services/variantlink/tui"
)

// optionFlags selects the option under edit and the changes to make.
type optionFlags struct {
	groupFlags
	option string

	selected []string
	add      []string
	remove   []string
}

func (f *optionFlags) register(cmd *cobra.Command, edits bool) {
	f.groupFlags.register(cmd)
	cmd.Flags().StringVarP(&f.option, "option", "o", "", "option id under edit (required)")
	_ = cmd.MarkFlagRequired("option")
	if !edits {
		return
	}
	cmd.Flags().StringSliceVar(&f.selected, "select", nil,
		"replace the option's linked variants with exactly these ids")
	cmd.Flags().StringSliceVar(&f.add, "add", nil, "link these variant ids")
	cmd.Flags().StringSliceVar(&f.remove, "remove", nil, "unlink these variant ids")
}

func (f optionFlags) key() session.Key {
	return session.Key{
		ProductID: model.ProductID(f.product),
		GroupID:   model.GroupID(f.group),
		OptionID:  model.OptionID(f.option),
	}
}

// openSession creates a session against the configured server.
func (a *app) openSession(flags optionFlags) (*session.Session, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}
	reconciler := reconcile.NewReconciler(client,
		reconcile.WithLogger(a.slog()),
		reconcile.WithMaxParallel(a.cfg.Reconcile.MaxParallelSourceUnlinks),
	)
	return session.New(flags.key(), client,
		session.WithLogger(a.slog()),
		session.WithReconciler(reconciler),
	)
}

// loadAndEdit loads the session and applies --select, --add and --remove in
// that order.
func (a *app) loadAndEdit(cmd *cobra.Command, flags optionFlags) (*session.Session, error) {
	sess, err := a.openSession(flags)
	if err != nil {
		return nil, err
	}
	if err := sess.Load(cmd.Context()); err != nil {
		sess.Close()
		return nil, err
	}

	if cmd.Flags().Changed("select") {
		want := make(map[model.VariantID]bool)
		for _, id := range toVariantIDs(flags.selected) {
			want[id] = true
		}
		// Desired starts as the option's current links, including ids the
		// product no longer lists as variants.
		for _, id := range sess.Desired() {
			if !want[id] {
				if err := sess.SetSelected(id, false); err != nil {
					sess.Close()
					return nil, err
				}
			}
		}
		if err := setAll(sess, toVariantIDs(flags.selected), true); err != nil {
			sess.Close()
			return nil, err
		}
	}
	if err := setAll(sess, toVariantIDs(flags.add), true); err != nil {
		sess.Close()
		return nil, err
	}
	if err := setAll(sess, toVariantIDs(flags.remove), false); err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

func setAll(sess *session.Session, ids []model.VariantID, selected bool) error {
	for _, id := range ids {
		if err := sess.SetSelected(id, selected); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
	}
	return nil
}

// =============================================================================
// diff
// =============================================================================

func newDiffCmd(a *app) *cobra.Command {
	var flags optionFlags
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Show the changes --select, --add and --remove would make",
		Long: `Diff loads the option from the server, applies the edits locally and prints
the resulting links, unlinks and moves. Nothing is changed on the server.`,
		Example: `  variantlink diff -p tee -g color -o blue --add tee-s-red --remove tee-s-blu`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.loadAndEdit(cmd, flags)
			if err != nil {
				return err
			}
			defer sess.Close()
			if flags.json {
				return a.out.json(diffReport(sess))
			}
			a.printDiff(sess)
			return nil
		},
	}
	flags.register(cmd, true)
	return cmd
}

// diffJSON is the --json form of diff.
type diffJSON struct {
	Key       string            `json:"key"`
	Diff      reconcile.Diff    `json:"diff"`
	Summary   string            `json:"summary"`
	Anomalies []model.Violation `json:"anomalies"`
}

func diffReport(sess *session.Session) diffJSON {
	diff := sess.Diff()
	anomalies := sess.Anomalies()
	if anomalies == nil {
		anomalies = []model.Violation{}
	}
	return diffJSON{
		Key:       sess.Key().String(),
		Diff:      diff,
		Summary:   diff.Summary(),
		Anomalies: anomalies,
	}
}

func (a *app) printDiff(sess *session.Session) {
	group := sess.Group()
	diff := sess.Diff()
	a.out.title(fmt.Sprintf("%s: %s (%s)", group.Name, sess.Option().DisplayName(), sess.Key()))

	for _, v := range sess.Anomalies() {
		a.out.warn(fmt.Sprintf("%s is already linked to %s", v.VariantID, joinIDs(v.OptionIDs)))
	}
	if diff.IsEmpty() {
		a.out.dim(diff.Summary())
		return
	}

	rows := make(map[model.VariantID]session.Row)
	for _, row := range sess.Rows() {
		rows[row.Variant.ID] = row
	}
	for _, id := range diff.ToLink {
		line := a.out.addStyle.Render("+ "+string(id)) + "  " + variantLabel(rows[id])
		if source, ok := diff.IsMove(id); ok {
			name := string(source)
			if opt, ok := group.Option(source); ok {
				name = opt.DisplayName()
			}
			line += a.out.warnStyle.Render("  (moves from " + name + ")")
		}
		a.out.line("%s", line)
	}
	for _, id := range diff.ToUnlink {
		a.out.line("%s", a.out.removeStyle.Render("- "+string(id))+"  "+variantLabel(rows[id]))
	}
	a.out.dim(diff.Summary())
}

func variantLabel(row session.Row) string {
	if row.Variant.ID == "" {
		return ""
	}
	return fmt.Sprintf("%s  %s", row.Variant.SKU, row.Variant.Name)
}

// =============================================================================
// apply
// =============================================================================

func newApplyCmd(a *app) *cobra.Command {
	var flags optionFlags
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply --select, --add and --remove to the option",
		Long: `Apply loads the option, applies the edits and submits them: variants moving
from another option are unlinked there first, then linked here, then variants
no longer wanted are unlinked. It exits 1 if any step fails and says what was
already changed.`,
		Example: `  variantlink apply -p tee -g color -o green --select tee-l-grn,tee-m-blu`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.loadAndEdit(cmd, flags)
			if err != nil {
				return err
			}
			defer sess.Close()

			if !flags.json {
				a.printDiff(sess)
			}
			res, err := sess.Submit(cmd.Context())
			return a.reportApply(res, err, flags.json)
		},
	}
	flags.register(cmd, true)
	return cmd
}

// reportApply prints the steps of a submit and maps its failure to an exit code.
func (a *app) reportApply(res reconcile.Result, err error, asJSON bool) error {
	if asJSON {
		if jerr := a.out.json(res); jerr != nil {
			return jerr
		}
	} else {
		for _, step := range res.Steps {
			label := fmt.Sprintf("%-13s %-10s %s  %s", step.Phase, step.OptionID,
				joinIDs(step.VariantIDs), step.Duration.Round(time.Millisecond))
			if step.Error != "" {
				a.out.line("%s", a.out.errorStyle.Render("✗ ")+label+"  "+step.Error)
			} else {
				a.out.success(label)
			}
		}
	}

	var pe *reconcile.PhaseError
	var fe *reconcile.FetchError
	switch {
	case err == nil:
		if !asJSON && res.Calls() > 0 {
			ref := "run " + res.RunID
			if res.TraceID != "" {
				ref += ", trace " + res.TraceID
			}
			a.out.success(fmt.Sprintf("applied in %s (%s)", res.Duration.Round(time.Millisecond), ref))
		}
		return nil
	case errors.As(err, &pe):
		return &CommandError{Command: "apply", ExitCode: exitFailure, Wrapped: errors.New(pe.Describe())}
	case errors.As(err, &fe) && res.RunID != "" && res.OK():
		// The links were written; only the refresh afterwards failed.
		if !asJSON {
			a.out.warn("changes applied but the option could not be reloaded: " + fe.Error())
		}
		return nil
	default:
		return &CommandError{Command: "apply", ExitCode: exitFailure, Wrapped: err}
	}
}

// =============================================================================
// edit
// =============================================================================

func newEditCmd(a *app) *cobra.Command {
	var flags optionFlags
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Pick the option's linked variants interactively",
		Long: `Edit opens a full-screen picker over the product's variants. Space toggles
a variant, "a" selects every unlinked visible variant, "d" deselects every
visible variant, "/" searches, "f" filters by expression (stock > 0 && price < 50),
"r" resets, enter submits and q cancels. Press ? for all keys.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !isTerminal(a.stdin) || !isTerminal(a.stdout) {
				return &CommandError{
					Command:  "edit",
					ExitCode: exitUsage,
					Wrapped:  errors.New("needs an interactive terminal; use diff and apply in scripts"),
				}
			}
			sess, err := a.openSession(flags)
			if err != nil {
				return err
			}
			defer sess.Close()

			out, err := tui.Run(cmd.Context(), sess, tea.WithInput(a.stdin), tea.WithOutput(a.stdout))
			if err != nil {
				return err
			}
			switch {
			case out.Cancelled:
				a.out.dim("Edit cancelled.")
				return nil
			case out.Result != nil:
				return a.reportApply(*out.Result, out.Err, false)
			case out.Err != nil:
				return &CommandError{Command: "edit", ExitCode: exitFailure, Wrapped: out.Err}
			}
			return nil
		},
	}
	flags.register(cmd, false)
	return cmd
}
