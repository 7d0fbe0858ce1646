// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model defines the entities that variant-to-option linking operates on.
//
// # Description
//
// A product has purchasable Variants (concrete SKUs) and SelectionGroups
// ("Color", "Storage") whose Options ("Red", "128GB") can be linked to
// variants. The only relationship mutated by this module is membership of a
// variant id in Option.LinkedVariantIDs.
//
// # Exclusivity Invariant
//
// Within one SelectionGroup a variant is linked to at most one Option. The
// invariant is scoped to the group; the same variant may be linked to one
// option in every group of the product.
//
// # Thread Safety
//
// Types in this package are plain values. VariantSet is not safe for
// concurrent mutation.
package model

import (
	"slices"
)

// ProductID identifies a product.
type ProductID string

// GroupID identifies a SelectionGroup within a product.
type GroupID string

// OptionID identifies an Option within a SelectionGroup.
type OptionID string

// VariantID identifies a Variant of a product.
type VariantID string

// =============================================================================
// Entities
// =============================================================================

// SelectionGroup is a named set of mutually related options of a product.
//
// Options are ordered; iteration order matters when a pre-existing invariant
// violation has to be resolved deterministically (see reconcile.BuildConflictIndex).
type SelectionGroup struct {
	ID             GroupID   `json:"id" yaml:"id"`
	ProductID      ProductID `json:"product_id" yaml:"product_id"`
	Name           string    `json:"name" yaml:"name"`
	Required       bool      `json:"required" yaml:"required"`
	AllowMultiple  bool      `json:"allow_multiple" yaml:"allow_multiple"`
	AffectsVariant bool      `json:"affects_variant" yaml:"affects_variant"`
	Options        []Option  `json:"options" yaml:"options"`
}

// Option is one selectable value within a SelectionGroup.
type Option struct {
	ID               OptionID    `json:"id" yaml:"id"`
	Value            string      `json:"value" yaml:"value"`
	Label            string      `json:"label" yaml:"label"`
	ColorCode        string      `json:"color_code,omitempty" yaml:"color_code,omitempty"`
	ImageURL         string      `json:"image_url,omitempty" yaml:"image_url,omitempty"`
	LinkedVariantIDs []VariantID `json:"linked_variant_ids" yaml:"linked_variant_ids"`
}

// Variant is a concrete purchasable SKU. Read-only for this module.
type Variant struct {
	ID             VariantID `json:"id" yaml:"id"`
	ProductID      ProductID `json:"product_id" yaml:"product_id"`
	SKU            string    `json:"sku" yaml:"sku"`
	Name           string    `json:"name" yaml:"name"`
	Price          float64   `json:"price" yaml:"price"`
	CompareAtPrice float64   `json:"compare_at_price,omitempty" yaml:"compare_at_price,omitempty"`
	Stock          int       `json:"stock" yaml:"stock"`
}

// DisplayName returns the label, falling back to the value and then the id.
func (o Option) DisplayName() string {
	switch {
	case o.Label != "":
		return o.Label
	case o.Value != "":
		return o.Value
	default:
		return string(o.ID)
	}
}

// Linked returns the option's linked variants as a set.
func (o Option) Linked() *VariantSet {
	return NewVariantSet(o.LinkedVariantIDs...)
}

// Clone returns a deep copy of the option.
func (o Option) Clone() Option {
	o.LinkedVariantIDs = slices.Clone(o.LinkedVariantIDs)
	return o
}

// Clone returns a deep copy of the group, including every option's links.
func (g SelectionGroup) Clone() SelectionGroup {
	if g.Options == nil {
		return g
	}
	options := make([]Option, len(g.Options))
	for i, opt := range g.Options {
		options[i] = opt.Clone()
	}
	g.Options = options
	return g
}

// Option looks up an option by id.
func (g SelectionGroup) Option(id OptionID) (Option, bool) {
	for _, opt := range g.Options {
		if opt.ID == id {
			return opt, true
		}
	}
	return Option{}, false
}

// OptionIndex returns the position of the option in g.Options, or -1.
func (g SelectionGroup) OptionIndex(id OptionID) int {
	return slices.IndexFunc(g.Options, func(o Option) bool { return o.ID == id })
}

// HoldersOf returns the options in g that currently link v, in option order.
func (g SelectionGroup) HoldersOf(v VariantID) []OptionID {
	var holders []OptionID
	for _, opt := range g.Options {
		if slices.Contains(opt.LinkedVariantIDs, v) {
			holders = append(holders, opt.ID)
		}
	}
	return holders
}
