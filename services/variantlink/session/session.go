// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session implements the selection session for editing which
// variants one option links.
//
// # Description
//
// A Session owns a snapshot of one selection group, the conflict index
// derived from it, and the operator's working desired set for the option
// under edit. Edits never touch the snapshot. Submit freezes the diff, runs
// it through a reconcile.Reconciler, and on success reloads the snapshot from
// the catalog instead of computing the new state locally.
//
// # States
//
//	Loading -> Ready -> Submitting -> Ready (reloaded) | Failed
//	Loading -> Failed (fetch error; Load again to retry)
//	any     -> Closed
//
// After a failed submit the desired set is kept. Calling Submit again retries
// the same frozen diff; calling Load refreshes the snapshot, keeps the desired
// set and recomputes the diff against the fresh state.
//
// # Thread Safety
//
// Safe for concurrent use. Edits during Loading or Submitting return ErrBusy.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/variantlink/services/variantlink/catalog"
	"github.com/AleutianAI/variantlink/services/variantlink/model"
	"github.com/AleutianAI/variantlink/services/variantlink/reconcile"
	"github.com/AleutianAI/variantlink/services/variantlink/telemetry"
)

const tracerName = "variantlink.session"

// Session errors.
var (
	// ErrBusy is returned while a load or submit is in flight.
	ErrBusy = errors.New("session busy")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session closed")

	// ErrNotReady is returned for edits before a successful load, or after a
	// failed submit until the snapshot is reloaded.
	ErrNotReady = errors.New("session not ready")

	// ErrNoChanges is returned by SubmitStrict when the diff is empty.
	ErrNoChanges = errors.New("no changes to submit")

	// ErrUnknownOption means the option under edit is not in the group.
	ErrUnknownOption = errors.New("option not found in group")

	// ErrUnknownVariant means a toggled id is not a variant of the product.
	ErrUnknownVariant = errors.New("variant not found in product")
)

// State is the session lifecycle state.
type State string

const (
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateSubmitting State = "submitting"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

// Key identifies the option a session edits.
type Key struct {
	ProductID model.ProductID `json:"product_id"`
	GroupID   model.GroupID   `json:"group_id"`
	OptionID  model.OptionID  `json:"option_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ProductID, k.GroupID, k.OptionID)
}

func (k Key) validate() error {
	if k.ProductID == "" || k.GroupID == "" || k.OptionID == "" {
		return fmt.Errorf("%w: incomplete session key %q", reconcile.ErrInvalidRequest, k.String())
	}
	return nil
}

// Row is one candidate variant as the operator sees it.
type Row struct {
	Variant         model.Variant  `json:"variant"`
	Selected        bool           `json:"selected"`
	InitiallyLinked bool           `json:"initially_linked"`
	HeldBy          model.OptionID `json:"held_by,omitempty"`
	HeldByName      string         `json:"held_by_name,omitempty"`
}

// Changed reports whether the row's selection differs from the snapshot.
func (r Row) Changed() bool { return r.Selected != r.InitiallyLinked }

// Moves reports whether submitting would move the variant from another option.
func (r Row) Moves() bool { return r.Selected && !r.InitiallyLinked && r.HeldBy != "" }

// Session edits the linked variants of one option.
type Session struct {
	id         string
	key        Key
	svc        catalog.Service
	reconciler *reconcile.Reconciler
	metrics    *reconcile.Metrics
	logger     *slog.Logger

	mu        sync.Mutex
	state     State
	inflight  bool
	loaded    bool
	group     model.SelectionGroup
	option    model.Option
	variants  []model.Variant
	initial   *model.VariantSet
	desired   *model.VariantSet
	index     *reconcile.ConflictIndex
	anomalies []model.Violation
	filter    Filter

	// frozen is the diff of a failed submit, retried by the next Submit.
	frozen     *reconcile.Diff
	keepWork   bool
	closing    bool
	lastResult *reconcile.Result
	lastErr    error
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReconciler sets the reconciler. Default: one driving the session's service.
func WithReconciler(r *reconcile.Reconciler) Option {
	return func(s *Session) { s.reconciler = r }
}

// WithMetrics records pre-existing violations found at load.
func WithMetrics(m *reconcile.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// New creates a session in StateLoading. Call Load before editing.
func New(key Key, svc catalog.Service, opts ...Option) (*Session, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, errors.New("catalog service must not be nil")
	}
	s := &Session{
		id:     uuid.NewString(),
		key:    key,
		svc:    svc,
		logger: slog.Default(),
		state:  StateLoading,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.reconciler == nil {
		s.reconciler = reconcile.NewReconciler(svc, reconcile.WithLogger(s.logger), reconcile.WithMetrics(s.metrics))
	}
	s.logger = s.logger.With("session_id", s.id, "product_id", key.ProductID, "group_id", key.GroupID, "option_id", key.OptionID)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Key returns the edited option's key.
func (s *Session) Key() Key { return s.key }

// =============================================================================
// Loading
// =============================================================================

// snapshot is one consistent read of the catalog.
type snapshot struct {
	group    model.SelectionGroup
	option   model.Option
	variants []model.Variant
}

// fetch loads the group and the product's variants concurrently.
func (s *Session) fetch(ctx context.Context) (snapshot, error) {
	var snap snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		group, err := s.svc.FetchGroupDetail(gctx, s.key.ProductID, s.key.GroupID)
		snap.group = group
		return err
	})
	g.Go(func() error {
		variants, err := s.svc.FetchAllVariants(gctx, s.key.ProductID)
		snap.variants = variants
		return err
	})
	if err := g.Wait(); err != nil {
		return snapshot{}, &reconcile.FetchError{ProductID: s.key.ProductID, GroupID: s.key.GroupID, Err: err}
	}

	opt, ok := snap.group.Option(s.key.OptionID)
	if !ok {
		return snapshot{}, &reconcile.FetchError{
			ProductID: s.key.ProductID,
			GroupID:   s.key.GroupID,
			Err:       fmt.Errorf("%w: %s", ErrUnknownOption, s.key.OptionID),
		}
	}
	snap.option = opt
	return snap, nil
}

// Load fetches the authoritative snapshot.
//
// # Description
//
// On success the session becomes Ready. The desired set is reset to the
// option's linked variants, except after a failed submit, where the working
// set is kept so the operator can re-diff against fresh state. On failure
// the session becomes Failed and the error is a *reconcile.FetchError.
//
// # Outputs
//
//   - error: ErrBusy, ErrClosed or a *reconcile.FetchError.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.state == StateClosed || s.closing:
		s.mu.Unlock()
		return ErrClosed
	case s.inflight:
		s.mu.Unlock()
		return ErrBusy
	}
	s.state = StateLoading
	s.inflight = true
	s.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, tracerName, "Session.Load", s.spanAttrs())
	defer span.End()

	snap, err := s.fetch(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight = false
	if s.closing {
		s.closeLocked()
		return ErrClosed
	}
	if err != nil {
		s.state = StateFailed
		s.lastErr = err
		telemetry.RecordError(span, err)
		s.logger.Warn("session load failed", "error", err)
		return err
	}
	s.apply(snap, s.keepWork)
	telemetry.SetSpanOK(span)
	return nil
}

// apply installs snap. keepDesired retains the working set. Caller holds mu.
func (s *Session) apply(snap snapshot, keepDesired bool) {
	s.group = snap.group
	s.option = snap.option
	s.variants = snap.variants
	s.initial = snap.option.Linked()
	s.index = reconcile.BuildConflictIndex(snap.group.ID, snap.group.Options, s.key.OptionID)
	s.anomalies = model.FindViolations(snap.group)
	if !keepDesired || s.desired == nil {
		s.desired = s.initial.Clone()
	}
	s.frozen = nil
	s.keepWork = false
	s.loaded = true
	s.lastErr = nil
	s.state = StateReady

	if n := len(s.index.Violations()); n > 0 {
		s.metrics.ObserveViolations(n)
		s.logger.Warn("pre-existing invariant violations in group",
			"violation_count", n,
			"error", s.index.Err(),
		)
	}
	s.logger.Debug("session loaded",
		"linked_count", s.initial.Len(),
		"desired_count", s.desired.Len(),
		"variant_count", len(s.variants),
	)
}

// =============================================================================
// Editing
// =============================================================================

// editable checks that edits are allowed. Caller holds mu.
func (s *Session) editable() error {
	switch {
	case s.state == StateClosed:
		return ErrClosed
	case s.inflight:
		return ErrBusy
	case s.state == StateReady:
		return nil
	}
	return ErrNotReady
}

// Toggle flips v in the desired set and returns whether it is now selected.
//
// Selecting a variant held by another option is allowed; it becomes a move.
func (s *Session) Toggle(v model.VariantID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editable(); err != nil {
		return false, err
	}
	if !s.knownVariant(v) {
		return false, fmt.Errorf("%w: %s", ErrUnknownVariant, v)
	}
	return s.desired.Toggle(v), nil
}

// SetSelected sets v's membership in the desired set.
func (s *Session) SetSelected(v model.VariantID, selected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editable(); err != nil {
		return err
	}
	if !s.knownVariant(v) {
		return fmt.Errorf("%w: %s", ErrUnknownVariant, v)
	}
	if selected {
		s.desired.Add(v)
	} else {
		s.desired.Remove(v)
	}
	return nil
}

// knownVariant reports whether v is a variant of the product or already
// linked to the option. Caller holds mu.
func (s *Session) knownVariant(v model.VariantID) bool {
	if s.initial.Contains(v) {
		return true
	}
	for _, variant := range s.variants {
		if variant.ID == v {
			return true
		}
	}
	return false
}

// SelectAllUnlinked selects every visible variant not held by another
// option, and returns how many were added. Held variants are only selected
// by an explicit Toggle.
func (s *Session) SelectAllUnlinked() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editable(); err != nil {
		return 0, err
	}
	added := 0
	for _, row := range s.visibleLocked() {
		if row.HeldBy != "" {
			continue
		}
		if s.desired.Add(row.Variant.ID) {
			added++
		}
	}
	return added, nil
}

// DeselectAllVisible removes every visible variant from the desired set and
// returns how many were removed.
func (s *Session) DeselectAllVisible() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editable(); err != nil {
		return 0, err
	}
	removed := 0
	for _, row := range s.visibleLocked() {
		if s.desired.Remove(row.Variant.ID) {
			removed++
		}
	}
	return removed, nil
}

// SetQuery sets the text filter.
func (s *Session) SetQuery(q string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	s.filter = s.filter.withQuery(q)
	return nil
}

// SetExpression sets the expression filter, e.g. "stock > 0 && price < 50".
// An invalid expression is rejected and the previous filter stays active.
func (s *Session) SetExpression(src string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	f, err := s.filter.withExpression(src)
	if err != nil {
		return err
	}
	s.filter = f
	return nil
}

// Filter returns the active filter.
func (s *Session) Filter() Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// Reset discards the working set back to the snapshot.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editable(); err != nil {
		return err
	}
	s.desired = s.initial.Clone()
	return nil
}

// =============================================================================
// Views
// =============================================================================

// Rows returns every candidate variant, ignoring the filter.
func (s *Session) Rows() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rowsLocked(Filter{})
}

// Visible returns the rows matching the active filter, in product order.
func (s *Session) Visible() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visibleLocked()
}

func (s *Session) visibleLocked() []Row {
	return s.rowsLocked(s.filter)
}

func (s *Session) rowsLocked(f Filter) []Row {
	if !s.loaded {
		return nil
	}
	rows := make([]Row, 0, len(s.variants))
	for _, v := range s.variants {
		row := Row{
			Variant:         v,
			Selected:        s.desired.Contains(v.ID),
			InitiallyLinked: s.initial.Contains(v.ID),
		}
		if holder, ok := s.index.Holder(v.ID); ok {
			row.HeldBy = holder.ID
			row.HeldByName = holder.DisplayName()
		}
		if f.Match(row) {
			rows = append(rows, row)
		}
	}
	return rows
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Group returns a copy of the snapshot group.
func (s *Session) Group() model.SelectionGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group.Clone()
}

// Option returns the option under edit as of the snapshot.
func (s *Session) Option() model.Option {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.option.Clone()
}

// Desired returns the working desired set in selection order.
func (s *Session) Desired() []model.VariantID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desired.IDs()
}

// Diff returns the diff Submit would apply now.
func (s *Session) Diff() reconcile.Diff {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diffLocked()
}

func (s *Session) diffLocked() reconcile.Diff {
	if s.frozen != nil {
		return *s.frozen
	}
	return reconcile.ComputeDiff(s.initial, s.desired, s.index)
}

// HasChanges reports whether the diff is non-empty.
func (s *Session) HasChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded && !s.diffLocked().IsEmpty()
}

// Conflicts returns the conflict index of the snapshot.
func (s *Session) Conflicts() *reconcile.ConflictIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Anomalies returns every pre-existing double link in the group, including
// ones involving the option under edit.
func (s *Session) Anomalies() []model.Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Violation, len(s.anomalies))
	copy(out, s.anomalies)
	return out
}

// LastResult returns the result of the most recent submit, if any.
func (s *Session) LastResult() (reconcile.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastResult == nil {
		return reconcile.Result{}, false
	}
	return *s.lastResult, true
}

// Err returns the error that put the session into StateFailed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// =============================================================================
// Submit
// =============================================================================

// Submit applies the diff.
//
// # Description
//
// From Ready, the diff is computed once and frozen. An empty diff succeeds
// immediately with no remote calls and no reload. From Failed after a failed
// submit, the frozen diff of that attempt is applied again; the link calls
// are idempotent so completed phases are no-ops.
//
// On success the snapshot is reloaded and the desired set reset to it. If
// that reload fails the apply still succeeded: the returned error is the
// *reconcile.FetchError and the session is Failed until Load.
//
// On a phase failure the session is Failed, the desired set is kept, and the
// error is a *reconcile.PhaseError.
//
// Cancelling ctx does not interrupt an apply in flight.
func (s *Session) Submit(ctx context.Context) (reconcile.Result, error) {
	return s.submit(ctx, false)
}

// SubmitStrict is Submit but returns ErrNoChanges for an empty diff.
func (s *Session) SubmitStrict(ctx context.Context) (reconcile.Result, error) {
	return s.submit(ctx, true)
}

func (s *Session) submit(ctx context.Context, strict bool) (reconcile.Result, error) {
	s.mu.Lock()
	var diff reconcile.Diff
	switch {
	case s.state == StateClosed || s.closing:
		s.mu.Unlock()
		return reconcile.Result{}, ErrClosed
	case s.inflight:
		s.mu.Unlock()
		return reconcile.Result{}, ErrBusy
	case s.state == StateFailed && s.frozen != nil:
		diff = *s.frozen
	case s.state == StateReady:
		diff = reconcile.ComputeDiff(s.initial, s.desired, s.index)
	default:
		s.mu.Unlock()
		return reconcile.Result{}, ErrNotReady
	}
	if diff.IsEmpty() && strict {
		s.mu.Unlock()
		return reconcile.Result{}, ErrNoChanges
	}
	s.state = StateSubmitting
	s.inflight = true
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Session.Submit", s.spanAttrs(),
		trace.WithAttributes(attribute.String("diff", diff.Summary())))
	defer span.End()

	req := reconcile.Request{
		ProductID: s.key.ProductID,
		GroupID:   s.key.GroupID,
		OptionID:  s.key.OptionID,
		Diff:      diff,
	}
	res := s.reconciler.Apply(ctx, req)

	if res.Err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.inflight = false
		s.lastResult = &res
		s.lastErr = res.Err
		s.frozen = &diff
		s.keepWork = true
		s.state = StateFailed
		if s.closing {
			s.closeLocked()
		}
		telemetry.RecordError(span, res.Err)
		s.logger.Warn("session submit failed", "run_id", res.RunID, "failed_phase", res.FailedPhase, "error", res.Err)
		return res, res.Err
	}

	s.mu.Lock()
	closing := s.closing
	if diff.IsEmpty() || closing {
		defer s.mu.Unlock()
		s.inflight = false
		s.lastResult = &res
		s.state = StateReady
		if closing {
			s.closeLocked()
		}
		telemetry.SetSpanOK(span)
		return res, nil
	}
	s.mu.Unlock()

	snap, err := s.fetch(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight = false
	s.lastResult = &res
	s.frozen = nil
	s.keepWork = false
	if s.closing {
		s.closeLocked()
		return res, nil
	}
	if err != nil {
		// The working set no longer describes pending work.
		s.desired = nil
		s.state = StateFailed
		s.lastErr = err
		telemetry.RecordError(span, err)
		s.logger.Warn("reload after submit failed", "run_id", res.RunID, "error", err)
		return res, err
	}
	s.apply(snap, false)
	telemetry.SetSpanOK(span)
	s.logger.Info("session submit completed", "run_id", res.RunID, "diff", diff.Summary())
	return res, nil
}

// Close discards the working set. A submit in flight runs to completion and
// the session closes when it finishes.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	if s.inflight {
		return
	}
	s.closeLocked()
}

func (s *Session) closeLocked() {
	s.state = StateClosed
	s.desired = nil
	s.frozen = nil
	s.keepWork = false
}

func (s *Session) spanAttrs() trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.String("product_id", string(s.key.ProductID)),
		attribute.String("group_id", string(s.key.GroupID)),
		attribute.String("option_id", string(s.key.OptionID)),
	)
}
