// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/variantlink/services/variantlink/model"
)

// Fixture is a YAML catalog used to seed a Store.
//
//	products:
//	  - id: tee
//	    name: Basic Tee
//	    variants:
//	      - {id: tee-s-red, sku: TEE-S-RED, price: 19.0, stock: 4}
//	    groups:
//	      - id: color
//	        name: Color
//	        affects_variant: true
//	        options:
//	          - {id: red, label: Red, linked_variant_ids: [tee-s-red]}
type Fixture struct {
	Products []FixtureProduct `yaml:"products" validate:"required,min=1,dive"`
}

// FixtureProduct is one product of a Fixture.
type FixtureProduct struct {
	ID       model.ProductID        `yaml:"id" validate:"required,excludes=/"`
	Name     string                 `yaml:"name"`
	Variants []model.Variant        `yaml:"variants" validate:"dive"`
	Groups   []model.SelectionGroup `yaml:"groups" validate:"dive"`
}

// SeedStats counts what Seed wrote.
type SeedStats struct {
	Products int `json:"products"`
	Variants int `json:"variants"`
	Groups   int `json:"groups"`
	Links    int `json:"links"`
}

var fixtureValidate = validator.New()

// ParseFixture decodes and validates a YAML fixture.
func ParseFixture(r io.Reader) (Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return Fixture{}, fmt.Errorf("%w: parse fixture: %v", ErrInvalidInput, err)
	}
	if err := fixtureValidate.Struct(f); err != nil {
		return Fixture{}, fmt.Errorf("%w: fixture: %v", ErrInvalidInput, err)
	}
	return f, nil
}

// ReadFixtureFile parses the fixture at path.
func ReadFixtureFile(path string) (Fixture, error) {
	file, err := os.Open(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("open fixture: %w", err)
	}
	defer file.Close()
	return ParseFixture(file)
}

// Seed writes every product, variant and group of f into store.
//
// Existing records with the same ids are replaced. Groups are written
// verbatim, so pre-existing double links in the fixture are preserved.
func Seed(ctx context.Context, store *Store, f Fixture) (SeedStats, error) {
	var stats SeedStats
	for _, p := range f.Products {
		if err := store.PutProduct(ctx, Product{ID: p.ID, Name: p.Name}); err != nil {
			return stats, fmt.Errorf("seed product %s: %w", p.ID, err)
		}
		stats.Products++

		if err := store.PutVariants(ctx, p.ID, p.Variants); err != nil {
			return stats, fmt.Errorf("seed variants of %s: %w", p.ID, err)
		}
		stats.Variants += len(p.Variants)

		for _, g := range p.Groups {
			g.ProductID = p.ID
			if err := store.PutGroup(ctx, g); err != nil {
				return stats, fmt.Errorf("seed group %s of %s: %w", g.ID, p.ID, err)
			}
			stats.Groups++
			for _, opt := range g.Options {
				stats.Links += opt.Linked().Len()
			}
		}
	}
	return stats, nil
}
