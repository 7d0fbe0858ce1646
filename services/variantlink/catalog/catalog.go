// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog provides the product catalog operations that link
// reconciliation depends on.
//
// # Description
//
// Service is the collaborator contract: two reads (group detail, all
// variants) and two idempotent writes (link, unlink). Two implementations
// exist:
//
//   - Store: the system of record, backed by BadgerDB.
//   - Client: an HTTP client for a remote Store served by the server package.
//
// # Idempotence
//
// LinkVariants on an already linked variant and UnlinkVariants on an absent
// one succeed without effect. Retrying a failed reconcile phase relies on it.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/AleutianAI/variantlink/services/variantlink/model"
)

// Sentinel errors.
var (
	// ErrNotFound indicates an unknown product, group, option or variant.
	ErrNotFound = errors.New("not found")

	// ErrExclusivityConflict indicates a link that would attach a variant to a
	// second option of the same group. Only returned by strict stores.
	ErrExclusivityConflict = errors.New("variant already linked to another option in group")

	// ErrInvalidInput indicates malformed ids or request bodies.
	ErrInvalidInput = errors.New("invalid input")
)

// Error codes carried by APIError and the server's error body.
const (
	CodeNotFound    = "not_found"
	CodeConflict    = "exclusivity_conflict"
	CodeInvalid     = "invalid_input"
	CodeInvariant   = "invariant_violation"
	CodeInternal    = "internal"
	CodeUnavailable = "unavailable"
)

// Reader loads authoritative catalog state.
type Reader interface {
	// FetchGroupDetail returns the group with every option and its current links.
	FetchGroupDetail(ctx context.Context, productID model.ProductID, groupID model.GroupID) (model.SelectionGroup, error)

	// FetchAllVariants returns every variant of the product.
	FetchAllVariants(ctx context.Context, productID model.ProductID) ([]model.Variant, error)
}

// Linker mutates option links. Both calls are idempotent.
type Linker interface {
	LinkVariants(ctx context.Context, productID model.ProductID, groupID model.GroupID, optionID model.OptionID, variantIDs []model.VariantID) error
	UnlinkVariants(ctx context.Context, productID model.ProductID, groupID model.GroupID, optionID model.OptionID, variantIDs []model.VariantID) error
}

// Service is the full collaborator contract.
type Service interface {
	Reader
	Linker
}

// APIError is a non-2xx response from the catalog HTTP API.
//
// Unwrap maps Code back onto the package sentinels so callers can use
// errors.Is(err, catalog.ErrNotFound) regardless of transport.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("catalog api: %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap returns the sentinel matching Code, if any.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case CodeNotFound:
		return ErrNotFound
	case CodeConflict:
		return ErrExclusivityConflict
	case CodeInvalid:
		return ErrInvalidInput
	}
	return nil
}

// Temporary reports whether retrying the same call may succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// StatusFor maps an error to the HTTP status and code the API reports for it.
func StatusFor(err error) (int, string) {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Status, apiErr.Code
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, ErrExclusivityConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, CodeInvalid
	}
	return http.StatusInternalServerError, CodeInternal
}
