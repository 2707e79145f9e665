// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package metrics carries nvwal's Prometheus instrumentation. OpMetric is
// adapted from blb's internal/server.OpMetric (used there for RPC
// handlers) to instrument the flusher's per-iteration work and the
// fsyncer's per-segment writes instead, since both are "operations" in
// the same sense: bounded units of work that can succeed, fail, or be
// deferred because the engine is momentarily too busy (e.g. waiting on a
// segment recycle).
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/wal-engine/nvwal/pkg/nverr"
)

// OpMetric tracks counts and latencies for a class of bounded operation.
// It creates three metric families: a CounterVec named `name` labeled by
// "result" (plus any caller labels), a SummaryVec named `name + "_latency"`,
// and a GaugeVec named `name + "_pending"`.
type OpMetric struct {
	name      string
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

// NewOpMetric returns a new op metric family. A second OpMetric with the
// same name shares the collectors the first one registered.
func NewOpMetric(name string, labels ...string) *OpMetric {
	labelsWithResult := append([]string{"result"}, labels...)
	return &OpMetric{
		name:      name,
		counters:  register(prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelsWithResult)).(*prometheus.CounterVec),
		latencies: register(prometheus.NewSummaryVec(prometheus.SummaryOpts{Name: name + "_latency"}, labels)).(*prometheus.SummaryVec),
		pending:   register(prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name + "_pending"}, labels)).(*prometheus.GaugeVec),
	}
}

// register adds c to the default registry and returns it, or returns the
// collector already registered with the same description.
func register(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

// Start marks that a new operation has begun and starts its latency timer.
func (m *OpMetric) Start(values ...string) *Measurer {
	lm := &Measurer{opm: m, values: values}
	lm.Result("all")
	lm.start = time.Now().UnixNano()
	lm.opm.pending.WithLabelValues(values...).Inc()
	return lm
}

// Count returns how many times Start has led to the given result.
func (m *OpMetric) Count(result string, values ...string) uint64 {
	valuesWithResult := append([]string{result}, values...)
	mtr := m.counters.WithLabelValues(valuesWithResult...)
	var value dto.Metric
	if mtr.Write(&value) != nil {
		return 0
	}
	return uint64(*value.Counter.Value)
}

// String renders a human-readable latency/failure summary.
func (m *OpMetric) String(values ...string) string {
	out := SummaryString(m.latencies.WithLabelValues(values...))
	out += fmt.Sprintf(" / %d too_busy / %d failed", m.Count("too_busy", values...), m.Count("failed", values...))
	return out
}

// Measurer is the handle returned by OpMetric.Start.
type Measurer struct {
	start  int64
	opm    *OpMetric
	values []string
}

// Failed records that the operation returned an error.
func (lm *Measurer) Failed() { lm.Result("failed") }

// TooBusy records that the operation deferred because the engine was
// occupied, e.g. the flusher waiting on a segment recycle
// (spec.md §4.2.1).
func (lm *Measurer) TooBusy() { lm.Result("too_busy") }

// Result records an arbitrary result label.
func (lm *Measurer) Result(result string) {
	lm.start = 0
	valuesWithResult := append([]string{result}, lm.values...)
	lm.opm.counters.WithLabelValues(valuesWithResult...).Inc()
}

// End records elapsed latency since Start, unless Result/Failed/TooBusy
// already suppressed it.
func (lm *Measurer) End() {
	if lm.start != 0 {
		d := time.Duration(time.Now().UnixNano() - lm.start)
		lm.opm.latencies.WithLabelValues(lm.values...).Observe(float64(d) / 1e9)
	}
	lm.opm.pending.WithLabelValues(lm.values...).Dec()
}

// EndWithError calls Failed if err is a non-nil *nverr.Error (or any
// error), then always calls End.
func (lm *Measurer) EndWithError(err error) {
	if err != nil {
		lm.Failed()
	}
	lm.End()
}

// SummaryString formats a Prometheus summary observer as plain text.
func SummaryString(obs prometheus.Observer) string {
	sum, ok := obs.(prometheus.Summary)
	if !ok {
		return ""
	}
	var value dto.Metric
	if sum.Write(&value) != nil || value.Summary == nil {
		return ""
	}
	out := fmt.Sprintf("Total count=%d;", *value.Summary.SampleCount)
	for _, q := range value.Summary.Quantile {
		out += fmt.Sprintf(" %gth=%.3f;", *q.Quantile*100, *q.Value)
	}
	return out[:len(out)-1]
}

// kindLabel renders an nverr.Kind for use as a Prometheus label value.
func kindLabel(err error) string {
	var e *nverr.Error
	if err == nil {
		return "none"
	}
	if as, ok := err.(*nverr.Error); ok {
		e = as
	}
	if e == nil {
		return "unknown"
	}
	return e.Kind.String()
}
