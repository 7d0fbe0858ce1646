// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalogtest provides an in-memory catalog.Service that records
// every call, for ordering and failure-injection tests.
package catalogtest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/AleutianAI/variantlink/services/variantlink/catalog"
	"github.com/AleutianAI/variantlink/services/variantlink/model"
)

// Op names a recorded mutation.
type Op string

const (
	OpLink   Op = "link"
	OpUnlink Op = "unlink"
)

// Call is one recorded LinkVariants/UnlinkVariants invocation.
type Call struct {
	Op         Op
	OptionID   model.OptionID
	VariantIDs []model.VariantID
}

func (c Call) String() string {
	return fmt.Sprintf("%s %s %v", c.Op, c.OptionID, c.VariantIDs)
}

type failKey struct {
	op       Op
	optionID model.OptionID
}

// Fake is an in-memory catalog.Service for one product.
//
// Strict makes LinkVariants reject a link that would double-link a variant,
// mirroring a strict catalog.Store. Failed calls are recorded but do not
// change state.
type Fake struct {
	// Strict enables exclusivity checks on link.
	Strict bool

	mu         sync.Mutex
	productID  model.ProductID
	groups     map[model.GroupID]model.SelectionGroup
	variants   []model.Variant
	calls      []Call
	failures   map[failKey][]error
	fetchErr   error
	fetchCount int
	onCall     func(Call)
}

var _ catalog.Service = (*Fake)(nil)

// New creates a Fake holding the given groups and variants of productID.
func New(productID model.ProductID, variants []model.Variant, groups ...model.SelectionGroup) *Fake {
	f := &Fake{
		productID: productID,
		groups:    make(map[model.GroupID]model.SelectionGroup),
		failures:  make(map[failKey][]error),
	}
	f.PutVariants(variants...)
	for _, g := range groups {
		f.PutGroup(g)
	}
	return f
}

// PutGroup replaces a group.
func (f *Fake) PutGroup(g model.SelectionGroup) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g = g.Clone()
	g.ProductID = f.productID
	f.groups[g.ID] = g
}

// PutVariants appends variants.
func (f *Fake) PutVariants(variants ...model.Variant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range variants {
		v.ProductID = f.productID
		f.variants = append(f.variants, v)
	}
}

// Group returns a copy of the current group state.
func (f *Fake) Group(groupID model.GroupID) model.SelectionGroup {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups[groupID].Clone()
}

// FailNext makes the next mutation of op against optionID return err.
// Multiple calls queue errors in order.
func (f *Fake) FailNext(op Op, optionID model.OptionID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := failKey{op: op, optionID: optionID}
	f.failures[k] = append(f.failures[k], err)
}

// FailFetch makes every fetch return err until cleared with nil.
func (f *Fake) FailFetch(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

// OnCall registers a hook run (outside the lock) before each mutation is applied.
func (f *Fake) OnCall(fn func(Call)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCall = fn
}

// Calls returns the recorded mutations in arrival order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// ResetCalls clears the recorded mutations.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// FetchCount returns how many FetchGroupDetail calls were served.
func (f *Fake) FetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCount
}

// FetchGroupDetail implements catalog.Reader.
func (f *Fake) FetchGroupDetail(_ context.Context, productID model.ProductID, groupID model.GroupID) (model.SelectionGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCount++
	if f.fetchErr != nil {
		return model.SelectionGroup{}, f.fetchErr
	}
	g, ok := f.groups[groupID]
	if !ok || productID != f.productID {
		return model.SelectionGroup{}, fmt.Errorf("%w: group %s", catalog.ErrNotFound, groupID)
	}
	return g.Clone(), nil
}

// FetchAllVariants implements catalog.Reader.
func (f *Fake) FetchAllVariants(_ context.Context, productID model.ProductID) ([]model.Variant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if productID != f.productID {
		return nil, fmt.Errorf("%w: product %s", catalog.ErrNotFound, productID)
	}
	return slices.Clone(f.variants), nil
}

// LinkVariants implements catalog.Linker.
func (f *Fake) LinkVariants(_ context.Context, productID model.ProductID, groupID model.GroupID, optionID model.OptionID, variantIDs []model.VariantID) error {
	return f.mutate(Call{Op: OpLink, OptionID: optionID, VariantIDs: slices.Clone(variantIDs)}, productID, groupID)
}

// UnlinkVariants implements catalog.Linker.
func (f *Fake) UnlinkVariants(_ context.Context, productID model.ProductID, groupID model.GroupID, optionID model.OptionID, variantIDs []model.VariantID) error {
	return f.mutate(Call{Op: OpUnlink, OptionID: optionID, VariantIDs: slices.Clone(variantIDs)}, productID, groupID)
}

func (f *Fake) mutate(call Call, productID model.ProductID, groupID model.GroupID) error {
	f.mu.Lock()
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)

	k := failKey{op: call.Op, optionID: call.OptionID}
	if queued := f.failures[k]; len(queued) > 0 {
		f.failures[k] = queued[1:]
		return queued[0]
	}

	g, ok := f.groups[groupID]
	if !ok || productID != f.productID {
		return fmt.Errorf("%w: group %s", catalog.ErrNotFound, groupID)
	}
	idx := g.OptionIndex(call.OptionID)
	if idx < 0 {
		return fmt.Errorf("%w: option %s", catalog.ErrNotFound, call.OptionID)
	}

	linked := g.Options[idx].Linked()
	switch call.Op {
	case OpLink:
		if f.Strict {
			for _, v := range call.VariantIDs {
				for _, holder := range g.HoldersOf(v) {
					if holder != call.OptionID {
						return fmt.Errorf("%w: variant %s is linked to option %s", catalog.ErrExclusivityConflict, v, holder)
					}
				}
			}
		}
		for _, v := range call.VariantIDs {
			linked.Add(v)
		}
	case OpUnlink:
		for _, v := range call.VariantIDs {
			linked.Remove(v)
		}
	}
	g.Options[idx].LinkedVariantIDs = linked.IDs()
	f.groups[groupID] = g
	return nil
}
