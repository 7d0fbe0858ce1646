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
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/variantlink/services/variantlink/model"
)

// groupFlags selects a selection group on the server.
type groupFlags struct {
	product string
	group   string
	json    bool
}

func (f *groupFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.product, "product", "p", "", "product id (required)")
	cmd.Flags().StringVarP(&f.group, "group", "g", "", "selection group id (required)")
	cmd.Flags().BoolVar(&f.json, "json", false, "print JSON instead of a table")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("group")
}

func newShowCmd(a *app) *cobra.Command {
	var flags groupFlags
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a group's options and their linked variants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.show(cmd, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func (a *app) show(cmd *cobra.Command, flags groupFlags) error {
	client, err := a.client()
	if err != nil {
		return err
	}
	pid, gid := model.ProductID(flags.product), model.GroupID(flags.group)

	var (
		group    model.SelectionGroup
		variants []model.Variant
	)
	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		var err error
		group, err = client.FetchGroupDetail(ctx, pid, gid)
		return err
	})
	g.Go(func() error {
		var err error
		variants, err = client.FetchAllVariants(ctx, pid)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	violations := model.FindViolations(group)

	if flags.json {
		return a.out.json(struct {
			Group      model.SelectionGroup `json:"group"`
			Variants   []model.Variant      `json:"variants"`
			Violations []model.Violation    `json:"violations"`
		}{group, variants, violations})
	}

	byID := make(map[model.VariantID]model.Variant, len(variants))
	for _, v := range variants {
		byID[v.ID] = v
	}

	a.out.title(fmt.Sprintf("%s (%s/%s)", group.Name, pid, gid))
	rows := make([][]string, 0, len(group.Options))
	for _, opt := range group.Options {
		skus := make([]string, 0, len(opt.LinkedVariantIDs))
		for _, id := range opt.LinkedVariantIDs {
			if v, ok := byID[id]; ok && v.SKU != "" {
				skus = append(skus, v.SKU)
			} else {
				skus = append(skus, string(id))
			}
		}
		rows = append(rows, []string{
			string(opt.ID),
			opt.DisplayName(),
			fmt.Sprint(len(opt.LinkedVariantIDs)),
			joinIDs(skus),
		})
	}
	a.out.table([]string{"OPTION", "LABEL", "LINKED", "VARIANTS"}, rows)

	linked := make(map[model.VariantID]bool)
	for _, opt := range group.Options {
		for _, id := range opt.LinkedVariantIDs {
			linked[id] = true
		}
	}
	a.out.dim(fmt.Sprintf("%d of %d variant(s) linked", len(linked), len(variants)))
	if len(violations) > 0 {
		a.out.warn(fmt.Sprintf("%d variant(s) linked to more than one option; run \"variantlink check\"", len(violations)))
	}
	return nil
}

func newCheckCmd(a *app) *cobra.Command {
	var flags groupFlags
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report variants linked to more than one option of a group",
		Long: `Check asks the server for variants linked to more than one option of the
group. It exits 1 when any are found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.check(cmd, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func (a *app) check(cmd *cobra.Command, flags groupFlags) error {
	client, err := a.client()
	if err != nil {
		return err
	}
	violations, err := client.Violations(cmd.Context(), model.ProductID(flags.product), model.GroupID(flags.group))
	if err != nil {
		return err
	}

	if flags.json {
		if violations == nil {
			violations = []model.Violation{}
		}
		if err := a.out.json(violations); err != nil {
			return err
		}
	} else if len(violations) == 0 {
		a.out.success(fmt.Sprintf("%s/%s: every variant is on at most one option", flags.product, flags.group))
	} else {
		rows := make([][]string, len(violations))
		for i, v := range violations {
			rows[i] = []string{string(v.VariantID), joinIDs(v.OptionIDs)}
		}
		a.out.table([]string{"VARIANT", "OPTIONS"}, rows)
	}

	if len(violations) > 0 {
		return &CommandError{
			Command:  "check",
			ExitCode: exitFailure,
			Wrapped:  fmt.Errorf("%d variant(s) linked to more than one option", len(violations)),
		}
	}
	return nil
}
