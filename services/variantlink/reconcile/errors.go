// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reconcile

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/variantlink/services/variantlink/model"
)

// Sentinel errors for reconciliation.
var (
	// ErrPhaseFailed is matched by every *PhaseError via errors.Is.
	ErrPhaseFailed = errors.New("reconcile phase failed")

	// ErrFetchFailed is matched by every *FetchError via errors.Is.
	ErrFetchFailed = errors.New("fetch of authoritative state failed")

	// ErrInvariantViolation is matched by every *InvariantViolationError via errors.Is.
	ErrInvariantViolation = errors.New("variant linked to more than one option")

	// ErrInvalidRequest indicates a Request missing product, group or option ids.
	ErrInvalidRequest = errors.New("invalid reconcile request")
)

// =============================================================================
// PhaseFailure
// =============================================================================

// PhaseError reports that one apply phase's remote call failed.
//
// # Description
//
// Carries the phase, the option(s) the failing call targeted, the variant ids
// that were in flight, the phases that completed before the failure and the
// variant ids of calls in the failing phase that did succeed. No
// compensating call is made for completed phases; the caller re-fetches and
// retries, which is safe because link/unlink are idempotent.
type PhaseError struct {
	Phase      Phase
	OptionIDs  []model.OptionID
	VariantIDs []model.VariantID
	Completed  []Phase
	// Applied holds the variant ids of calls in the failing phase that
	// succeeded. Source unlinks run concurrently, so a sibling can succeed
	// while another fails.
	Applied []model.VariantID
	Err     error
}

// Error implements the error interface.
func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s failed for option(s) %s (%d variant(s)): %v",
		e.Phase, joinOptionIDs(e.OptionIDs), len(e.VariantIDs), e.Err)
}

// Unwrap exposes the cause.
func (e *PhaseError) Unwrap() error { return e.Err }

// Is matches ErrPhaseFailed.
func (e *PhaseError) Is(target error) bool { return target == ErrPhaseFailed }

// PartiallyApplied reports whether any call, in an earlier phase or in the
// failing one, had already changed authoritative state.
func (e *PhaseError) PartiallyApplied() bool { return len(e.Completed) > 0 || len(e.Applied) > 0 }

// Describe renders the operator-facing message. It distinguishes a failure
// after moved variants were already released from their source option from a
// failure before anything changed.
func (e *PhaseError) Describe() string {
	var b strings.Builder
	switch {
	case !e.PartiallyApplied():
		b.WriteString("Nothing changed yet: ")
	case e.Phase == PhaseUnlinkSource:
		fmt.Fprintf(&b, "Some variants were moved off their previous option and are not linked to any option (%s): ",
			joinVariantIDs(e.Applied))
	case slices.Contains(e.Completed, PhaseUnlinkSource) && e.Phase == PhaseLinkTarget:
		b.WriteString("Some variants were moved off their previous option but the final link step failed: ")
	default:
		b.WriteString("Changes were partially applied (" + joinPhases(e.Completed) + " completed): ")
	}
	fmt.Fprintf(&b, "%s on option(s) %s for variant(s) %s failed: %v",
		e.Phase.Description(), joinOptionIDs(e.OptionIDs), joinVariantIDs(e.VariantIDs), e.Err)
	return b.String()
}

// =============================================================================
// FetchFailure
// =============================================================================

// FetchError reports that authoritative state could not be loaded.
// Recoverable by retrying the fetch.
type FetchError struct {
	ProductID model.ProductID
	GroupID   model.GroupID
	Err       error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch group %s of product %s: %v", e.GroupID, e.ProductID, e.Err)
}

// Unwrap exposes the cause.
func (e *FetchError) Unwrap() error { return e.Err }

// Is matches ErrFetchFailed.
func (e *FetchError) Is(target error) bool { return target == ErrFetchFailed }

// =============================================================================
// InvariantViolationDetected
// =============================================================================

// InvariantViolationError reports pre-existing double links found before
// any edit began. It indicates corrupted state upstream and must reach the
// operator.
type InvariantViolationError struct {
	GroupID    model.GroupID
	Violations []model.Violation
}

// Error implements the error interface.
func (e *InvariantViolationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("group %s has %d pre-existing invariant violation(s): %s",
		e.GroupID, len(e.Violations), strings.Join(parts, "; "))
}

// Is matches ErrInvariantViolation.
func (e *InvariantViolationError) Is(target error) bool { return target == ErrInvariantViolation }

// =============================================================================
// Helpers
// =============================================================================

func joinPhases(phases []Phase) string {
	parts := make([]string, len(phases))
	for i, p := range phases {
		parts[i] = string(p)
	}
	return strings.Join(parts, ", ")
}

func joinOptionIDs(ids []model.OptionID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}

func joinVariantIDs(ids []model.VariantID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}
