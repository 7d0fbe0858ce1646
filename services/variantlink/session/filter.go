// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"errors"
	"fmt"
	"strings"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
)

// ErrInvalidExpression is returned by SetExpression for expressions that do
// not compile to a boolean.
var ErrInvalidExpression = errors.New("invalid filter expression")

// filterEnvSample declares the variables a filter expression may use and
// their types. Values are only used for type checking at compile time.
var filterEnvSample = map[string]any{
	"id":               "",
	"sku":              "",
	"name":             "",
	"price":            0.0,
	"compare_at_price": 0.0,
	"stock":            0,
	"selected":         false,
	"linked":           false,
	"held":             false,
	"holder":           "",
}

// Filter decides which variants are visible.
//
// A variant is visible when it matches the query (case-insensitive substring
// of id, SKU or name) and the expression, if any. The zero Filter shows
// everything.
type Filter struct {
	query      string
	expression string
	program    *exprvm.Program
}

// Query returns the text query.
func (f Filter) Query() string { return f.query }

// Expression returns the expression source.
func (f Filter) Expression() string { return f.expression }

// IsZero reports whether the filter shows everything.
func (f Filter) IsZero() bool { return f.query == "" && f.program == nil }

// withQuery returns a copy with the text query replaced.
func (f Filter) withQuery(q string) Filter {
	f.query = strings.TrimSpace(q)
	return f
}

// withExpression compiles src and returns a copy using it. An empty src
// clears the expression.
func (f Filter) withExpression(src string) (Filter, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		f.expression, f.program = "", nil
		return f, nil
	}
	program, err := exprlang.Compile(src, exprlang.Env(filterEnvSample), exprlang.AsBool())
	if err != nil {
		return f, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	f.expression, f.program = src, program
	return f, nil
}

// Match reports whether row is visible. Expression runtime errors hide the row.
func (f Filter) Match(row Row) bool {
	if f.query != "" {
		q := strings.ToLower(f.query)
		if !strings.Contains(strings.ToLower(string(row.Variant.ID)), q) &&
			!strings.Contains(strings.ToLower(row.Variant.SKU), q) &&
			!strings.Contains(strings.ToLower(row.Variant.Name), q) {
			return false
		}
	}
	if f.program == nil {
		return true
	}
	out, err := exprlang.Run(f.program, rowEnv(row))
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

func rowEnv(row Row) map[string]any {
	return map[string]any{
		"id":               string(row.Variant.ID),
		"sku":              row.Variant.SKU,
		"name":             row.Variant.Name,
		"price":            row.Variant.Price,
		"compare_at_price": row.Variant.CompareAtPrice,
		"stock":            row.Variant.Stock,
		"selected":         row.Selected,
		"linked":           row.InitiallyLinked,
		"held":             row.HeldBy != "",
		"holder":           string(row.HeldBy),
	}
}
