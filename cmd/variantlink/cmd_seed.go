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

	"github.com/AleutianAI/variantlink/services/variantlink/catalog"
	badgerstore "github.com/AleutianAI/variantlink/services/variantlink/storage/badger"
)

func newSeedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seed FILE",
		Short: "Load a YAML catalog fixture into the local store",
		Long: `Seed writes the products, variants and selection groups of a YAML
fixture into the store at store.path. Records with the same ids are replaced.
Links are written as given, so a fixture may carry variants linked to more
than one option; "variantlink check" reports them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fixture, err := catalog.ReadFixtureFile(args[0])
			if err != nil {
				return err
			}

			logger := a.slog()
			db, err := badgerstore.Open(a.cfg.Store.Badger(logger.With("component", "badger")))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			store := catalog.NewStore(db, catalog.WithStoreLogger(logger))
			stats, err := catalog.Seed(cmd.Context(), store, fixture)
			if err != nil {
				return err
			}
			logger.Info("catalog seeded", "file", args[0], "products", stats.Products, "links", stats.Links)

			a.out.success(fmt.Sprintf("Seeded %d product(s), %d variant(s), %d group(s), %d link(s) into %s",
				stats.Products, stats.Variants, stats.Groups, stats.Links,
				storeLocation(a.cfg.Store.InMemory, a.cfg.Store.Path)))
			return nil
		},
	}
}
