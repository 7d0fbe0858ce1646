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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "variantlink"

// Run outcomes used as the "outcome" label.
const (
	OutcomeSuccess = "success"
	OutcomeNoop    = "noop"
	OutcomeFailed  = "failed"
	OutcomeInvalid = "invalid"
)

// Metrics holds the Prometheus collectors for reconciliation.
//
// # Description
//
// Created once per process (or per test with a private registry) and shared
// by every Reconciler. A nil *Metrics disables recording.
//
// # Fields
//
//   - RunsTotal: Apply calls by outcome (success, noop, failed, invalid).
//   - PhaseDurationSeconds: Wall time per executed phase.
//   - RemoteCallsTotal: Link/unlink calls by phase and status (ok, error).
//   - VariantsMovedTotal: Variants released from a source option in phase 1.
//   - InvariantViolationsTotal: Pre-existing double links observed by callers.
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	RunsTotal                *prometheus.CounterVec
	PhaseDurationSeconds     *prometheus.HistogramVec
	RemoteCallsTotal         *prometheus.CounterVec
	VariantsMovedTotal       prometheus.Counter
	InvariantViolationsTotal prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
//
// A nil reg creates unregistered collectors, which is useful in tests that
// only inspect values via testutil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "reconcile",
				Name:      "runs_total",
				Help:      "Reconciliation runs by outcome",
			},
			[]string{"outcome"},
		),
		PhaseDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "reconcile",
				Name:      "phase_duration_seconds",
				Help:      "Duration of each executed reconcile phase",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		RemoteCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "remote_calls_total",
				Help:      "Link/unlink calls issued by phase and status",
			},
			[]string{"phase", "status"},
		),
		VariantsMovedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "variants_moved_total",
				Help:      "Variants unlinked from a source option to be linked elsewhere",
			},
		),
		InvariantViolationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "invariant_violations_total",
				Help:      "Pre-existing double links detected before an edit",
			},
		),
	}
}

func (m *Metrics) observeRun(outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observePhase(phase Phase, seconds float64) {
	if m == nil {
		return
	}
	m.PhaseDurationSeconds.WithLabelValues(string(phase)).Observe(seconds)
}

func (m *Metrics) observeCall(phase Phase, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RemoteCallsTotal.WithLabelValues(string(phase), status).Inc()
}

func (m *Metrics) observeMoved(n int) {
	if m == nil || n == 0 {
		return
	}
	m.VariantsMovedTotal.Add(float64(n))
}

// ObserveViolations records pre-existing violations found by a ConflictIndex.
func (m *Metrics) ObserveViolations(n int) {
	if m == nil || n == 0 {
		return
	}
	m.InvariantViolationsTotal.Add(float64(n))
}
