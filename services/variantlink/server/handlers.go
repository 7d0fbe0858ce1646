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
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/variantlink/services/variantlink/catalog"
	"github.com/AleutianAI/variantlink/services/variantlink/model"
	"github.com/AleutianAI/variantlink/services/variantlink/reconcile"
)

// Handlers serves the catalog operations from a Store.
type Handlers struct {
	store      *catalog.Store
	reconciler *reconcile.Reconciler
	metrics    *reconcile.Metrics
	logger     *slog.Logger
	version    string
}

// NewHandlers creates handlers backed by store. reconciler drives the
// reconcile endpoint and should wrap the same store.
func NewHandlers(store *catalog.Store, reconciler *reconcile.Reconciler, metrics *reconcile.Metrics, version string) *Handlers {
	return &Handlers{store: store, reconciler: reconciler, metrics: metrics, logger: slog.Default(), version: version}
}

// WithLogger sets the request logger.
func (h *Handlers) WithLogger(logger *slog.Logger) *Handlers {
	if logger != nil {
		h.logger = logger
	}
	return h
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: h.version})
}

// HandleListVariants handles GET /v1/products/:productId/variants.
//
// Response:
//
//	200 OK: VariantsResponse
//	404 Not Found: unknown product
func (h *Handlers) HandleListVariants(c *gin.Context) {
	productID := model.ProductID(c.Param("productId"))

	variants, err := h.store.FetchAllVariants(c.Request.Context(), productID)
	if err != nil {
		h.fail(c, "HandleListVariants", err)
		return
	}
	c.JSON(http.StatusOK, VariantsResponse{ProductID: productID, Variants: variants})
}

// HandleListGroups handles GET /v1/products/:productId/groups.
func (h *Handlers) HandleListGroups(c *gin.Context) {
	productID := model.ProductID(c.Param("productId"))

	groups, err := h.store.ListGroups(c.Request.Context(), productID)
	if err != nil {
		h.fail(c, "HandleListGroups", err)
		return
	}
	c.JSON(http.StatusOK, GroupsResponse{ProductID: productID, Groups: groups})
}

// HandleGetGroup handles GET /v1/products/:productId/groups/:groupId.
//
// Response:
//
//	200 OK: model.SelectionGroup with every option's links
//	404 Not Found: unknown product or group
func (h *Handlers) HandleGetGroup(c *gin.Context) {
	group, err := h.store.FetchGroupDetail(c.Request.Context(),
		model.ProductID(c.Param("productId")), model.GroupID(c.Param("groupId")))
	if err != nil {
		h.fail(c, "HandleGetGroup", err)
		return
	}
	c.JSON(http.StatusOK, group)
}

// HandleLink handles POST .../options/:optionId/link.
//
// Response:
//
//	200 OK: LinkResponse with the option after the call
//	400 Bad Request: invalid body
//	404 Not Found: unknown product, group, option or variant
//	409 Conflict: strict store and a variant is linked to another option
func (h *Handlers) HandleLink(c *gin.Context) {
	h.handleMutation(c, "HandleLink", h.store.LinkVariants)
}

// HandleUnlink handles POST .../options/:optionId/unlink.
func (h *Handlers) HandleUnlink(c *gin.Context) {
	h.handleMutation(c, "HandleUnlink", h.store.UnlinkVariants)
}

type mutation func(ctx context.Context, productID model.ProductID, groupID model.GroupID, optionID model.OptionID, variantIDs []model.VariantID) error

func (h *Handlers) handleMutation(c *gin.Context, handler string, fn mutation) {
	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, handler, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		h.badRequest(c, handler, validationMessage(err))
		return
	}

	productID := model.ProductID(c.Param("productId"))
	groupID := model.GroupID(c.Param("groupId"))
	optionID := model.OptionID(c.Param("optionId"))
	ctx := c.Request.Context()

	if err := fn(ctx, productID, groupID, optionID, req.VariantIDs); err != nil {
		h.fail(c, handler, err)
		return
	}

	group, err := h.store.FetchGroupDetail(ctx, productID, groupID)
	if err != nil {
		h.fail(c, handler, err)
		return
	}
	opt, _ := group.Option(optionID)
	c.JSON(http.StatusOK, LinkResponse{Option: opt})
}

// HandleViolations handles GET /v1/products/:productId/groups/:groupId/violations.
//
// Reports every variant linked to more than one option of the group.
func (h *Handlers) HandleViolations(c *gin.Context) {
	productID := model.ProductID(c.Param("productId"))
	groupID := model.GroupID(c.Param("groupId"))

	group, err := h.store.FetchGroupDetail(c.Request.Context(), productID, groupID)
	if err != nil {
		h.fail(c, "HandleViolations", err)
		return
	}
	violations := model.FindViolations(group)
	if violations == nil {
		violations = []model.Violation{}
	}
	c.JSON(http.StatusOK, ViolationsResponse{
		ProductID:  productID,
		GroupID:    groupID,
		Count:      len(violations),
		Violations: violations,
	})
}

// HandleReconcile handles POST .../options/:optionId/reconcile.
//
// Description:
//
//	Computes the diff between the option's current links and the desired
//	set against a fresh read of the group, then applies it unless dry_run.
//	Pre-existing double links among the other options make the request fail
//	with 409 invariant_violation unless allow_anomalies is set.
//
// Response:
//
//	200 OK: ReconcileResponse (applied, dry run, or no-op)
//	400 Bad Request: invalid body
//	404 Not Found: unknown product, group, option or desired variant
//	409 Conflict: pre-existing violations, or the store rejected a link
//	5xx: a phase failed; Result and Error describe what was applied
func (h *Handlers) HandleReconcile(c *gin.Context) {
	const handler = "HandleReconcile"
	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, handler, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		h.badRequest(c, handler, validationMessage(err))
		return
	}

	productID := model.ProductID(c.Param("productId"))
	groupID := model.GroupID(c.Param("groupId"))
	optionID := model.OptionID(c.Param("optionId"))
	ctx := c.Request.Context()
	logger := h.requestLogger(c, handler).With("product_id", productID, "group_id", groupID, "option_id", optionID)

	group, err := h.store.FetchGroupDetail(ctx, productID, groupID)
	if err != nil {
		h.fail(c, handler, err)
		return
	}
	opt, ok := group.Option(optionID)
	if !ok {
		h.fail(c, handler, fmt.Errorf("%w: option %s in group %s", catalog.ErrNotFound, optionID, groupID))
		return
	}
	if err := h.checkVariantsExist(ctx, productID, req.DesiredVariantIDs); err != nil {
		h.fail(c, handler, err)
		return
	}

	index := reconcile.BuildConflictIndex(groupID, group.Options, optionID)
	violations := index.Violations()
	h.metrics.ObserveViolations(len(violations))
	if len(violations) > 0 && !req.AllowAnomalies {
		logger.Warn("reconcile refused, group has pre-existing violations", "violation_count", len(violations))
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:      index.Err().Error(),
			Code:       catalog.CodeInvariant,
			Violations: violations,
		})
		return
	}

	diff := reconcile.ComputeDiff(opt.Linked(), model.NewVariantSet(req.DesiredVariantIDs...), index)
	resp := ReconcileResponse{
		ProductID: productID,
		GroupID:   groupID,
		OptionID:  optionID,
		DryRun:    req.DryRun,
		Diff:      diff,
		Summary:   diff.Summary(),
		Anomalies: violations,
	}
	if req.DryRun {
		resp.Option = &opt
		c.JSON(http.StatusOK, resp)
		return
	}

	result := h.reconciler.Apply(ctx, reconcile.Request{
		ProductID: productID,
		GroupID:   groupID,
		OptionID:  optionID,
		Diff:      diff,
	})
	resp.Result = &result

	if reloaded, err := h.store.FetchGroupDetail(context.WithoutCancel(ctx), productID, groupID); err == nil {
		if o, ok := reloaded.Option(optionID); ok {
			resp.Option = &o
		}
	}

	if result.Err != nil {
		status, code := catalog.StatusFor(result.Err)
		resp.Error = result.Err.Error()
		if pe, ok := result.PhaseError(); ok {
			resp.Error = pe.Describe()
		}
		resp.Code = code
		logger.Error("reconcile failed", "run_id", result.RunID, "failed_phase", result.FailedPhase, "error", result.Err)
		c.JSON(status, resp)
		return
	}

	logger.Info("reconcile applied", "run_id", result.RunID, "diff", resp.Summary)
	c.JSON(http.StatusOK, resp)
}

// checkVariantsExist rejects desired ids that are not variants of the product.
// Ids already linked are not exempt: an unknown id can only be unlinked.
func (h *Handlers) checkVariantsExist(ctx context.Context, productID model.ProductID, ids []model.VariantID) error {
	if len(ids) == 0 {
		return nil
	}
	variants, err := h.store.FetchAllVariants(ctx, productID)
	if err != nil {
		return err
	}
	known := make(map[model.VariantID]struct{}, len(variants))
	for _, v := range variants {
		known[v.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			return fmt.Errorf("%w: variant %s of product %s", catalog.ErrNotFound, id, productID)
		}
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handlers) badRequest(c *gin.Context, handler, msg string) {
	h.requestLogger(c, handler).Warn("invalid request", "error", msg)
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: catalog.CodeInvalid})
}

func (h *Handlers) fail(c *gin.Context, handler string, err error) {
	status, code := catalog.StatusFor(err)
	logger := h.requestLogger(c, handler)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	} else {
		logger.Info("request rejected", "status", status, "code", code, "error", err)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

// requestLogger returns a logger tagged with the request id.
func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	return h.logger.With("request_id", getOrCreateRequestID(c), "handler", handler)
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	if id, ok := c.Get(requestIDKey); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDKey, requestID)
	c.Header("X-Request-ID", requestID)
	return requestID
}

const requestIDKey = "request_id"
