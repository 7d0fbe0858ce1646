// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/variantlink/pkg/validation"
	"github.com/AleutianAI/variantlink/services/variantlink/model"
	"github.com/AleutianAI/variantlink/services/variantlink/reconcile"
)

// MaxVariantsPerRequest bounds variant id lists in request bodies.
const MaxVariantsPerRequest = 5000

// requestValidate is the validator instance for request bodies.
// Initialized in init() with custom validators.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()

	// Catalog ids are path segments in store keys and URLs.
	_ = requestValidate.RegisterValidation("catalogid", validateCatalogID)
}

// validateCatalogID applies validation.ValidateID.
func validateCatalogID(fl validator.FieldLevel) bool {
	return validation.IsID(fl.Field().String())
}

// validationMessage flattens validator errors into one line.
func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// =============================================================================
// Requests
// =============================================================================

// LinkRequest is the body of the link and unlink endpoints.
//
// Validation:
//   - VariantIDs: 1..MaxVariantsPerRequest unique catalog ids.
type LinkRequest struct {
	VariantIDs []model.VariantID `json:"variant_ids" validate:"required,min=1,max=5000,unique,dive,catalogid"`
}

// Validate checks the request.
func (r *LinkRequest) Validate() error {
	return requestValidate.Struct(r)
}

// ReconcileRequest is the body of the reconcile endpoint.
//
// DesiredVariantIDs is the complete set the option should link afterwards. It
// must be present; an empty list unlinks everything.
type ReconcileRequest struct {
	DesiredVariantIDs []model.VariantID `json:"desired_variant_ids" validate:"required,max=5000,unique,dive,catalogid"`
	DryRun            bool              `json:"dry_run"`
	AllowAnomalies    bool              `json:"allow_anomalies"`
}

// Validate checks the request.
func (r *ReconcileRequest) Validate() error {
	return requestValidate.Struct(r)
}

// =============================================================================
// Responses
// =============================================================================

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code.
	Code string `json:"code"`

	// Violations is set for invariant_violation errors.
	Violations []model.Violation `json:"violations,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// VariantsResponse is returned by GET .../variants.
type VariantsResponse struct {
	ProductID model.ProductID `json:"product_id"`
	Variants  []model.Variant `json:"variants"`
}

// GroupsResponse is returned by GET .../groups.
type GroupsResponse struct {
	ProductID model.ProductID        `json:"product_id"`
	Groups    []model.SelectionGroup `json:"groups"`
}

// LinkResponse is returned by the link and unlink endpoints.
type LinkResponse struct {
	Option model.Option `json:"option"`
}

// ViolationsResponse is returned by GET .../violations.
type ViolationsResponse struct {
	ProductID  model.ProductID   `json:"product_id"`
	GroupID    model.GroupID     `json:"group_id"`
	Count      int               `json:"count"`
	Violations []model.Violation `json:"violations"`
}

// ReconcileResponse is returned by the reconcile endpoint.
type ReconcileResponse struct {
	ProductID model.ProductID   `json:"product_id"`
	GroupID   model.GroupID     `json:"group_id"`
	OptionID  model.OptionID    `json:"option_id"`
	DryRun    bool              `json:"dry_run"`
	Diff      reconcile.Diff    `json:"diff"`
	Summary   string            `json:"summary"`
	Result    *reconcile.Result `json:"result,omitempty"`
	Option    *model.Option     `json:"option,omitempty"`

	// Anomalies lists pre-existing violations that were accepted via
	// allow_anomalies.
	Anomalies []model.Violation `json:"anomalies,omitempty"`

	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}
