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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/variantlink/services/variantlink/model"
	"github.com/AleutianAI/variantlink/services/variantlink/telemetry"
)

const tracerName = "variantlink.reconcile"

// =============================================================================
// Phases
// =============================================================================

// Phase identifies one ordered step of an apply.
type Phase string

const (
	// PhaseUnlinkSource releases moved variants from their previous option.
	// Always runs first so a variant is never linked to two options at once.
	PhaseUnlinkSource Phase = "unlink_source"

	// PhaseLinkTarget links every ToLink variant to the option under edit.
	PhaseLinkTarget Phase = "link_target"

	// PhaseUnlinkTarget unlinks every ToUnlink variant from the option under edit.
	PhaseUnlinkTarget Phase = "unlink_target"
)

// Phases lists all phases in execution order.
var Phases = []Phase{PhaseUnlinkSource, PhaseLinkTarget, PhaseUnlinkTarget}

// Description returns a short operator-facing name.
func (p Phase) Description() string {
	switch p {
	case PhaseUnlinkSource:
		return "unlinking moved variants from their previous option"
	case PhaseLinkTarget:
		return "linking variants to the option"
	case PhaseUnlinkTarget:
		return "unlinking deselected variants from the option"
	default:
		return string(p)
	}
}

// =============================================================================
// Collaborator
// =============================================================================

// LinkClient is the remote link/unlink contract the reconciler drives.
//
// Both calls must be idempotent: linking an already linked variant and
// unlinking an absent one succeed without effect. Retry safety of a failed
// apply depends on it.
type LinkClient interface {
	LinkVariants(ctx context.Context, productID model.ProductID, groupID model.GroupID, optionID model.OptionID, variantIDs []model.VariantID) error
	UnlinkVariants(ctx context.Context, productID model.ProductID, groupID model.GroupID, optionID model.OptionID, variantIDs []model.VariantID) error
}

// =============================================================================
// Request / Result
// =============================================================================

// Request is one apply of a frozen diff against the option under edit.
type Request struct {
	ProductID model.ProductID
	GroupID   model.GroupID
	OptionID  model.OptionID
	Diff      Diff
}

func (r Request) validate() error {
	switch {
	case r.ProductID == "":
		return fmt.Errorf("%w: missing product id", ErrInvalidRequest)
	case r.GroupID == "":
		return fmt.Errorf("%w: missing group id", ErrInvalidRequest)
	case r.OptionID == "":
		return fmt.Errorf("%w: missing option id", ErrInvalidRequest)
	}
	if _, ok := r.Diff.Moves[r.OptionID]; ok {
		return fmt.Errorf("%w: option %s cannot be the source of its own move", ErrInvalidRequest, r.OptionID)
	}
	return nil
}

// Step is the outcome of a single remote call.
type Step struct {
	Phase      Phase             `json:"phase"`
	OptionID   model.OptionID    `json:"option_id"`
	VariantIDs []model.VariantID `json:"variant_ids"`
	Duration   time.Duration     `json:"duration_ns"`
	Error      string            `json:"error,omitempty"`

	err error
}

// Err returns the call's error, if any.
func (s Step) Err() error { return s.err }

// Result is the aggregated outcome of Apply.
//
// SucceededPhases lists phases whose remote calls all completed. Phases with
// nothing to do are listed in SkippedPhases and issue no calls. On failure
// FailedPhase is set, Err is a *PhaseError, and later phases were not attempted.
type Result struct {
	RunID           string        `json:"run_id"`
	TraceID         string        `json:"trace_id,omitempty"`
	SucceededPhases []Phase       `json:"succeeded_phases"`
	SkippedPhases   []Phase       `json:"skipped_phases"`
	FailedPhase     Phase         `json:"failed_phase,omitempty"`
	Steps           []Step        `json:"steps"`
	Duration        time.Duration `json:"duration_ns"`
	Error           string        `json:"error,omitempty"`

	Err error `json:"-"`
}

// OK reports a fully successful (or no-op) apply.
func (r Result) OK() bool { return r.Err == nil }

// Calls returns the number of remote calls issued.
func (r Result) Calls() int { return len(r.Steps) }

// PhaseError returns the failure as *PhaseError when the apply failed in a phase.
func (r Result) PhaseError() (*PhaseError, bool) {
	var pe *PhaseError
	if errors.As(r.Err, &pe) {
		return pe, true
	}
	return nil, false
}

// =============================================================================
// Reconciler
// =============================================================================

// Reconciler applies diffs through a LinkClient in three ordered phases.
//
// # Description
//
// Phase order is fixed: unlink moved variants from their source options,
// link ToLink to the option under edit, unlink ToUnlink from it. Phase N+1
// never starts before every call of phase N resolved. Phase 1 calls target
// distinct source options and run concurrently.
//
// On a failed call the reconciler stops; it never rolls back completed
// phases. Callers re-fetch authoritative state after Apply rather than
// computing it locally.
//
// # Thread Safety
//
// Safe for concurrent use. Each Apply is independent.
type Reconciler struct {
	client      LinkClient
	logger      *slog.Logger
	metrics     *Metrics
	maxParallel int
	now         func() time.Time
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records Prometheus metrics. Default: none.
func WithMetrics(m *Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// WithMaxParallel bounds concurrent phase-1 calls. Values < 1 mean unbounded.
func WithMaxParallel(n int) ReconcilerOption {
	return func(r *Reconciler) { r.maxParallel = n }
}

// NewReconciler creates a Reconciler driving client.
func NewReconciler(client LinkClient, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		client:      client,
		logger:      slog.Default(),
		maxParallel: 4,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply runs the diff in req.
//
// # Description
//
// An empty diff returns immediately with every phase skipped and zero remote
// calls. Cancellation of ctx is ignored once Apply starts: an apply in
// flight runs to completion so that a finished phase 1 is never abandoned
// without a recorded result. Deadlines set by the LinkClient still apply.
//
// # Outputs
//
//   - Result: Always populated. Result.Err is nil on success, a *PhaseError
//     on a failed phase, or wraps ErrInvalidRequest for malformed input.
func (r *Reconciler) Apply(ctx context.Context, req Request) Result {
	ctx = context.WithoutCancel(ctx)
	start := r.now()
	res := Result{
		RunID:           uuid.NewString(),
		SucceededPhases: []Phase{},
		SkippedPhases:   []Phase{},
		Steps:           []Step{},
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "Reconciler.Apply",
		trace.WithAttributes(
			attribute.String("run_id", res.RunID),
			attribute.String("product_id", string(req.ProductID)),
			attribute.String("group_id", string(req.GroupID)),
			attribute.String("option_id", string(req.OptionID)),
			attribute.Int("to_link", len(req.Diff.ToLink)),
			attribute.Int("to_unlink", len(req.Diff.ToUnlink)),
			attribute.Int("moved", req.Diff.MovedCount()),
		))
	defer span.End()
	res.TraceID = telemetry.TraceID(ctx)

	logger := r.logger.With(
		"run_id", res.RunID,
		"product_id", req.ProductID,
		"group_id", req.GroupID,
		"option_id", req.OptionID,
	)

	if err := req.validate(); err != nil {
		res.Err = err
		res.Error = err.Error()
		res.Duration = r.now().Sub(start)
		r.metrics.observeRun(OutcomeInvalid)
		telemetry.RecordError(span, err)
		logger.Error("reconcile request rejected", "error", err)
		return res
	}

	if req.Diff.IsEmpty() {
		res.SkippedPhases = slices.Clone(Phases)
		res.Duration = r.now().Sub(start)
		r.metrics.observeRun(OutcomeNoop)
		telemetry.SetSpanOK(span)
		logger.Debug("reconcile no-op, no remote calls issued")
		return res
	}

	logger.Info("reconcile started", "diff", req.Diff.Summary())

	for _, phase := range Phases {
		if !hasWork(phase, req.Diff) {
			res.SkippedPhases = append(res.SkippedPhases, phase)
			continue
		}

		phaseStart := r.now()
		steps := r.runPhase(ctx, phase, req)
		r.metrics.observePhase(phase, r.now().Sub(phaseStart).Seconds())
		res.Steps = append(res.Steps, steps...)

		if pe := phaseFailure(phase, steps, res.SucceededPhases); pe != nil {
			res.FailedPhase = phase
			res.Err = pe
			res.Error = pe.Error()
			res.Duration = r.now().Sub(start)
			r.metrics.observeRun(OutcomeFailed)
			telemetry.RecordError(span, pe, attribute.String("phase", string(phase)))
			logger.Error("reconcile phase failed",
				"phase", phase,
				"completed_phases", res.SucceededPhases,
				"variant_count", len(pe.VariantIDs),
				"error", pe.Err,
			)
			return res
		}

		res.SucceededPhases = append(res.SucceededPhases, phase)
		if phase == PhaseUnlinkSource {
			r.metrics.observeMoved(req.Diff.MovedCount())
		}
		logger.Debug("reconcile phase completed", "phase", phase, "calls", len(steps))
	}

	res.Duration = r.now().Sub(start)
	r.metrics.observeRun(OutcomeSuccess)
	telemetry.SetSpanOK(span)
	logger.Info("reconcile completed",
		"calls", res.Calls(),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res
}

func hasWork(phase Phase, d Diff) bool {
	switch phase {
	case PhaseUnlinkSource:
		return d.MovedCount() > 0
	case PhaseLinkTarget:
		return len(d.ToLink) > 0
	case PhaseUnlinkTarget:
		return len(d.ToUnlink) > 0
	}
	return false
}

// runPhase issues the phase's calls and returns one Step per call.
func (r *Reconciler) runPhase(ctx context.Context, phase Phase, req Request) []Step {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Reconciler."+string(phase))
	defer span.End()

	switch phase {
	case PhaseUnlinkSource:
		sources := req.Diff.MoveSources()
		steps := make([]Step, len(sources))

		var g errgroup.Group
		if r.maxParallel > 0 {
			g.SetLimit(r.maxParallel)
		}
		for i, source := range sources {
			ids := req.Diff.Moves[source]
			g.Go(func() error {
				steps[i] = r.call(ctx, phase, req, source, ids, r.client.UnlinkVariants)
				return nil
			})
		}
		_ = g.Wait()
		return steps

	case PhaseLinkTarget:
		return []Step{r.call(ctx, phase, req, req.OptionID, req.Diff.ToLink, r.client.LinkVariants)}

	case PhaseUnlinkTarget:
		return []Step{r.call(ctx, phase, req, req.OptionID, req.Diff.ToUnlink, r.client.UnlinkVariants)}
	}
	return nil
}

type linkFunc func(ctx context.Context, productID model.ProductID, groupID model.GroupID, optionID model.OptionID, variantIDs []model.VariantID) error

func (r *Reconciler) call(ctx context.Context, phase Phase, req Request, optionID model.OptionID, ids []model.VariantID, fn linkFunc) Step {
	start := r.now()
	err := fn(ctx, req.ProductID, req.GroupID, optionID, slices.Clone(ids))
	r.metrics.observeCall(phase, err)

	step := Step{
		Phase:      phase,
		OptionID:   optionID,
		VariantIDs: slices.Clone(ids),
		Duration:   r.now().Sub(start),
		err:        err,
	}
	if err != nil {
		step.Error = err.Error()
	}
	return step
}

// phaseFailure folds failed steps of one phase into a *PhaseError, or nil.
func phaseFailure(phase Phase, steps []Step, completed []Phase) *PhaseError {
	var (
		options  []model.OptionID
		variants []model.VariantID
		errs     []error
		applied  []model.VariantID
	)
	for _, s := range steps {
		if s.err == nil {
			applied = append(applied, s.VariantIDs...)
			continue
		}
		options = append(options, s.OptionID)
		variants = append(variants, s.VariantIDs...)
		errs = append(errs, s.err)
	}
	if len(errs) == 0 {
		return nil
	}
	cause := errs[0]
	if len(errs) > 1 {
		cause = errors.Join(errs...)
	}
	return &PhaseError{
		Phase:      phase,
		OptionIDs:  options,
		VariantIDs: variants,
		Completed:  slices.Clone(completed),
		Applied:    applied,
		Err:        cause,
	}
}
