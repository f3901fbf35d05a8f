// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package initsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	tableSyncDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "redoflow",
			Subsystem: "initsync",
			Name:      "table_sync_duration_seconds",
			Help:      "Bucketed histogram of the time spent seeding one table (s)",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 18),
		}, []string{"profile"})
	syncedRowCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "redoflow",
			Subsystem: "initsync",
			Name:      "loaded_rows_total",
			Help:      "Total count of rows bulk loaded into the target",
		}, []string{"profile", "table"})
	tableStatusCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "redoflow",
			Subsystem: "initsync",
			Name:      "tables_total",
			Help:      "Total count of seeded tables by final status",
		}, []string{"profile", "status"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(tableSyncDurationHistogram)
	registry.MustRegister(syncedRowCounter)
	registry.MustRegister(tableStatusCounter)
}
