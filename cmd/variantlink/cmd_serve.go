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
	"github.com/AleutianAI/variantlink/services/variantlink/server"
	badgerstore "github.com/AleutianAI/variantlink/services/variantlink/storage/badger"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr   string
		strict bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the catalog HTTP API from the local store",
		Long: `Serve opens the Badger store at store.path and serves the catalog API
until interrupted. The store is locked while the server runs; stop it before
running "variantlink seed" against the same path.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				a.cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("strict") {
				a.cfg.Store.StrictExclusivity = strict
			}
			return a.serve(cmd)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().BoolVar(&strict, "strict", false, "reject links that would put a variant on two options (default store.strict_exclusivity)")
	return cmd
}

func (a *app) serve(cmd *cobra.Command) error {
	logger := a.slog()

	db, err := badgerstore.Open(a.cfg.Store.Badger(logger.With("component", "badger")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("close store", "error", err)
		}
	}()

	store := catalog.NewStore(db,
		catalog.WithStoreLogger(logger),
		catalog.WithStrictExclusivity(a.cfg.Store.StrictExclusivity),
	)
	srv := server.New(store, server.Config{
		Addr:         a.cfg.Server.Addr,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		ServiceName:  a.cfg.Tracing.ServiceName,
		MaxParallel:  a.cfg.Reconcile.MaxParallelSourceUnlinks,
		Logger:       logger,
	})

	logger.Info("starting variantlink server",
		"addr", a.cfg.Server.Addr,
		"store", storeLocation(a.cfg.Store.InMemory, a.cfg.Store.Path),
		"strict_exclusivity", a.cfg.Store.StrictExclusivity,
		"version", server.Version,
	)
	return srv.Run(cmd.Context())
}

func storeLocation(inMemory bool, path string) string {
	if inMemory {
		return "memory"
	}
	return path
}
