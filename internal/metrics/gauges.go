// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Gauges holds the engine-wide gauges described by SPEC_FULL.md §4.2/§4.3.
// Callers publish to them from the flusher and fsyncer loops; nothing
// else writes them, so no locking is needed beyond Prometheus's own
// thread-safe gauge implementation.
type Gauges struct {
	DurableEpoch         PromGauge
	ActiveSegmentWritten PromGauge
	LastSyncedDSID       PromGauge
	DiskFreeBytes        PromGauge
}

// PromGauge is the minimal surface nvwal needs from a Prometheus gauge;
// defined here so tests can substitute a fake without importing the
// client library.
type PromGauge interface {
	Set(float64)
}

// NewGauges registers and returns the engine's gauge set. A later call
// in the same process returns the gauges the first call registered.
func NewGauges() *Gauges {
	return &Gauges{
		DurableEpoch:         register(prometheus.NewGauge(prometheus.GaugeOpts{Name: "nvwal_durable_epoch"})).(prometheus.Gauge),
		ActiveSegmentWritten: register(prometheus.NewGauge(prometheus.GaugeOpts{Name: "nvwal_active_segment_written_bytes"})).(prometheus.Gauge),
		LastSyncedDSID:       register(prometheus.NewGauge(prometheus.GaugeOpts{Name: "nvwal_last_synced_dsid"})).(prometheus.Gauge),
		DiskFreeBytes:        register(prometheus.NewGauge(prometheus.GaugeOpts{Name: "nvwal_disk_free_bytes"})).(prometheus.Gauge),
	}
}
