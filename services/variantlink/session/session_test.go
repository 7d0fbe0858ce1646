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
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/variantlink/services/variantlink/catalog"
	"github.com/AleutianAI/variantlink/services/variantlink/catalog/catalogtest"
	"github.com/AleutianAI/variantlink/services/variantlink/model"
	"github.com/AleutianAI/variantlink/services/variantlink/reconcile"
)

var errBackend = errors.New("backend unavailable")

func fixture() *catalogtest.Fake {
	variants := []model.Variant{
		{ID: "v1", SKU: "TEE-S-RED", Name: "Small Red", Price: 19, Stock: 3},
		{ID: "v2", SKU: "TEE-M-RED", Name: "Medium Red", Price: 19, Stock: 0},
		{ID: "v3", SKU: "TEE-S-BLU", Name: "Small Blue", Price: 21, Stock: 5},
		{ID: "v4", SKU: "TEE-M-BLU", Name: "Medium Blue", Price: 21, Stock: 1},
		{ID: "v5", SKU: "TEE-L-GRN", Name: "Large Green", Price: 65, Stock: 2},
	}
	group := model.SelectionGroup{
		ID:   "color",
		Name: "Color",
		Options: []model.Option{
			{ID: "red", Label: "Red", LinkedVariantIDs: []model.VariantID{"v1", "v2"}},
			{ID: "blue", Label: "Blue", LinkedVariantIDs: []model.VariantID{"v3"}},
			{ID: "green", Label: "Green"},
		},
	}
	return catalogtest.New("tee", variants, group)
}

func newSession(t *testing.T, f *catalogtest.Fake, option model.OptionID, opts ...Option) *Session {
	t.Helper()
	s, err := New(Key{ProductID: "tee", GroupID: "color", OptionID: option}, f, opts...)
	require.NoError(t, err)
	return s
}

func loaded(t *testing.T, f *catalogtest.Fake, option model.OptionID, opts ...Option) *Session {
	t.Helper()
	s := newSession(t, f, option, opts...)
	require.NoError(t, s.Load(context.Background()))
	require.Equal(t, StateReady, s.State())
	return s
}

func linkedIn(f *catalogtest.Fake, option model.OptionID) []model.VariantID {
	opt, _ := f.Group("color").Option(option)
	return opt.LinkedVariantIDs
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Key{ProductID: "tee", GroupID: "color"}, fixture())
	assert.ErrorIs(t, err, reconcile.ErrInvalidRequest)

	_, err = New(Key{ProductID: "tee", GroupID: "color", OptionID: "red"}, nil)
	assert.Error(t, err)
}

func TestSession_LoadSeedsDesiredFromSnapshot(t *testing.T) {
	s := loaded(t, fixture(), "red")

	assert.NotEmpty(t, s.ID())
	assert.Equal(t, []model.VariantID{"v1", "v2"}, s.Desired())
	assert.False(t, s.HasChanges())
	assert.Len(t, s.Visible(), 5)
	assert.Equal(t, "Red", s.Option().Label)
}

func TestSession_EditsBeforeLoadAreRejected(t *testing.T) {
	s := newSession(t, fixture(), "red")
	assert.Equal(t, StateLoading, s.State())

	_, err := s.Toggle("v3")
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = s.Submit(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Nil(t, s.Visible())
}

func TestSession_LoadFailureIsRecoverable(t *testing.T) {
	f := fixture()
	f.FailFetch(errBackend)
	s := newSession(t, f, "red")

	err := s.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, reconcile.ErrFetchFailed)
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, err, s.Err())

	f.FailFetch(nil)
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, StateReady, s.State())
	assert.NoError(t, s.Err())
}

func TestSession_LoadUnknownOption(t *testing.T) {
	s := newSession(t, fixture(), "purple")

	err := s.Load(context.Background())
	assert.ErrorIs(t, err, ErrUnknownOption)
	assert.ErrorIs(t, err, reconcile.ErrFetchFailed)
	assert.Equal(t, StateFailed, s.State())
}

func TestSession_ToggleDoesNotTouchSnapshot(t *testing.T) {
	s := loaded(t, fixture(), "red")

	selected, err := s.Toggle("v3")
	require.NoError(t, err)
	assert.True(t, selected)
	selected, err = s.Toggle("v1")
	require.NoError(t, err)
	assert.False(t, selected)

	assert.Equal(t, []model.VariantID{"v1", "v2"}, s.Option().LinkedVariantIDs)
	d := s.Diff()
	assert.Equal(t, []model.VariantID{"v3"}, d.ToLink)
	assert.Equal(t, []model.VariantID{"v1"}, d.ToUnlink)
	assert.Equal(t, map[model.OptionID][]model.VariantID{"blue": {"v3"}}, d.Moves)
	assert.True(t, s.HasChanges())

	_, err = s.Toggle("nope")
	assert.ErrorIs(t, err, ErrUnknownVariant)
}

func TestSession_RowsReportHolders(t *testing.T) {
	s := loaded(t, fixture(), "red")
	require.NoError(t, s.SetSelected("v3", true))

	rows := s.Visible()
	require.Len(t, rows, 5)
	byID := map[model.VariantID]Row{}
	for _, r := range rows {
		byID[r.Variant.ID] = r
	}
	assert.True(t, byID["v1"].InitiallyLinked)
	assert.Equal(t, model.OptionID("blue"), byID["v3"].HeldBy)
	assert.Equal(t, "Blue", byID["v3"].HeldByName)
	assert.True(t, byID["v3"].Moves())
	assert.True(t, byID["v3"].Changed())
	assert.False(t, byID["v1"].Changed())
	assert.Empty(t, byID["v1"].HeldBy, "the edited option is never its own holder")
}

func TestSession_SelectAllUnlinkedSkipsHeldVariants(t *testing.T) {
	s := loaded(t, fixture(), "green")

	added, err := s.SelectAllUnlinked()
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, []model.VariantID{"v4", "v5"}, s.Desired())
	assert.Empty(t, s.Diff().Moves)
}

func TestSession_BulkOpsRespectFilter(t *testing.T) {
	s := loaded(t, fixture(), "red")

	require.NoError(t, s.SetQuery("medium"))
	assert.Len(t, s.Visible(), 2)

	removed, err := s.DeselectAllVisible()
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "only v2 was selected among visible rows")
	assert.Equal(t, []model.VariantID{"v1"}, s.Desired())

	added, err := s.SelectAllUnlinked()
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.ElementsMatch(t, []model.VariantID{"v1", "v2", "v4"}, s.Desired())

	require.NoError(t, s.Reset())
	assert.Equal(t, []model.VariantID{"v1", "v2"}, s.Desired())
}

func TestSession_ExpressionFilter(t *testing.T) {
	s := loaded(t, fixture(), "red")

	require.NoError(t, s.SetExpression("stock > 0 && price < 50 && !held"))
	ids := []model.VariantID{}
	for _, r := range s.Visible() {
		ids = append(ids, r.Variant.ID)
	}
	assert.Equal(t, []model.VariantID{"v1", "v4"}, ids)

	err := s.SetExpression("stock +")
	assert.ErrorIs(t, err, ErrInvalidExpression)
	err = s.SetExpression("price")
	assert.ErrorIs(t, err, ErrInvalidExpression, "non-boolean expressions are rejected")
	assert.Equal(t, "stock > 0 && price < 50 && !held", s.Filter().Expression(), "previous filter stays active")

	require.NoError(t, s.SetExpression(""))
	assert.True(t, s.Filter().IsZero())
}

func TestSession_NoopSubmitMakesNoCallsAndNoReload(t *testing.T) {
	f := fixture()
	s := loaded(t, f, "red")
	fetches := f.FetchCount()

	res, err := s.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Calls())
	assert.Empty(t, f.Calls())
	assert.Equal(t, fetches, f.FetchCount())
	assert.Equal(t, StateReady, s.State())

	_, err = s.SubmitStrict(context.Background())
	assert.ErrorIs(t, err, ErrNoChanges)
}

func TestSession_SubmitMoveReloads(t *testing.T) {
	f := fixture()
	f.Strict = true
	s := loaded(t, f, "red")
	_, err := s.Toggle("v3")
	require.NoError(t, err)

	res, err := s.Submit(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, StateReady, s.State())

	assert.Equal(t, []catalogtest.Call{
		{Op: catalogtest.OpUnlink, OptionID: "blue", VariantIDs: []model.VariantID{"v3"}},
		{Op: catalogtest.OpLink, OptionID: "red", VariantIDs: []model.VariantID{"v3"}},
	}, f.Calls())

	// Snapshot and desired set now match the backend.
	assert.Equal(t, []model.VariantID{"v1", "v2", "v3"}, s.Option().LinkedVariantIDs)
	assert.Equal(t, s.Option().LinkedVariantIDs, s.Desired())
	assert.False(t, s.HasChanges())
	assert.Equal(t, 0, s.Conflicts().Len())

	last, ok := s.LastResult()
	require.True(t, ok)
	assert.Equal(t, res.RunID, last.RunID)
}

func TestSession_FailedSubmitKeepsDesiredAndRetries(t *testing.T) {
	f := fixture()
	f.FailNext(catalogtest.OpLink, "red", errBackend)
	s := loaded(t, f, "red")
	_, err := s.Toggle("v3")
	require.NoError(t, err)
	_, err = s.Toggle("v2")
	require.NoError(t, err)

	res, err := s.Submit(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, reconcile.PhaseLinkTarget, res.FailedPhase)
	var pe *reconcile.PhaseError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.PartiallyApplied())
	assert.Equal(t, []model.VariantID{"v1", "v3"}, s.Desired(), "working set survives the failure")

	// Edits are blocked until reload, but a direct retry is allowed.
	_, err = s.Toggle("v4")
	assert.ErrorIs(t, err, ErrNotReady)

	f.ResetCalls()
	res, err = s.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []reconcile.Phase{reconcile.PhaseUnlinkSource, reconcile.PhaseLinkTarget, reconcile.PhaseUnlinkTarget}, res.SucceededPhases)
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, []model.VariantID{"v1", "v3"}, linkedIn(f, "red"))
	assert.Empty(t, linkedIn(f, "blue"))
}

func TestSession_LoadAfterFailedSubmitKeepsDesired(t *testing.T) {
	f := fixture()
	f.FailNext(catalogtest.OpLink, "red", errBackend)
	s := loaded(t, f, "red")
	_, err := s.Toggle("v3")
	require.NoError(t, err)

	_, err = s.Submit(context.Background())
	require.Error(t, err)

	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, []model.VariantID{"v1", "v2", "v3"}, s.Desired())

	// v3 was already released from blue, so the recomputed diff has no move.
	d := s.Diff()
	assert.Equal(t, []model.VariantID{"v3"}, d.ToLink)
	assert.Empty(t, d.Moves)

	_, err = s.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.VariantID{"v1", "v2", "v3"}, linkedIn(f, "red"))
}

func TestSession_ReloadFailureAfterSuccessfulApply(t *testing.T) {
	f := fixture()
	s := loaded(t, f, "green")
	_, err := s.Toggle("v5")
	require.NoError(t, err)

	f.OnCall(func(catalogtest.Call) { f.FailFetch(errBackend) })
	res, err := s.Submit(context.Background())

	assert.True(t, res.OK(), "the apply itself succeeded")
	assert.ErrorIs(t, err, reconcile.ErrFetchFailed)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, []model.VariantID{"v5"}, linkedIn(f, "green"))

	f.OnCall(nil)
	f.FailFetch(nil)
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, []model.VariantID{"v5"}, s.Desired())
	assert.False(t, s.HasChanges())
}

func TestSession_AnomaliesAndConflicts(t *testing.T) {
	f := fixture()
	g := f.Group("color")
	g.Options[2].LinkedVariantIDs = []model.VariantID{"v3", "v1"}
	f.PutGroup(g)

	reg := prometheus.NewRegistry()
	m := reconcile.NewMetrics(reg)
	s := loaded(t, f, "red", WithMetrics(m))

	anomalies := s.Anomalies()
	require.Len(t, anomalies, 2)
	assert.Equal(t, model.VariantID("v1"), anomalies[0].VariantID)
	assert.Equal(t, model.VariantID("v3"), anomalies[1].VariantID)

	err := s.Conflicts().Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, reconcile.ErrInvariantViolation)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InvariantViolationsTotal), "only violations among other options")
}

func TestSession_CloseDiscardsWork(t *testing.T) {
	s := loaded(t, fixture(), "red")
	_, err := s.Toggle("v4")
	require.NoError(t, err)

	s.Close()
	assert.Equal(t, StateClosed, s.State())
	_, err = s.Toggle("v4")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Submit(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Load(context.Background()), ErrClosed)
}

func TestSession_CloseDuringSubmitLetsApplyFinish(t *testing.T) {
	f := fixture()
	s := loaded(t, f, "green")
	_, err := s.Toggle("v4")
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.OnCall(func(catalogtest.Call) {
		once.Do(func() { close(entered) })
		<-release
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background())
		done <- err
	}()

	<-entered
	assert.Equal(t, StateSubmitting, s.State())
	_, err = s.Toggle("v5")
	assert.ErrorIs(t, err, ErrBusy)
	s.Close()
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, []model.VariantID{"v4"}, linkedIn(f, "green"))
}

func TestSession_SubmitIgnoresCancellation(t *testing.T) {
	f := fixture()
	s := loaded(t, f, "green")
	_, err := s.Toggle("v4")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.VariantID{"v4"}, linkedIn(f, "green"))
}

func TestSession_WorksAgainstStore(t *testing.T) {
	// Any catalog.Service works; the fake satisfies the same contract as the store.
	var svc catalog.Service = fixture()
	s, err := New(Key{ProductID: "tee", GroupID: "color", OptionID: "blue"}, svc)
	require.NoError(t, err)
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, "color/blue", string(s.Key().GroupID)+"/"+string(s.Key().OptionID))
}
