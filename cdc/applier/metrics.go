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

package applier

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	receivedMessageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "redoflow",
			Subsystem: "applier",
			Name:      "received_messages_total",
			Help:      "Total count of stream records received by the applier",
		}, []string{"profile", "type"}) // type is the record type
	executedStatementCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "redoflow",
			Subsystem: "applier",
			Name:      "executed_statements_total",
			Help:      "Total count of statements executed on the target",
		}, []string{"profile", "kind"})
	droppedMessageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "redoflow",
			Subsystem: "applier",
			Name:      "dropped_messages_total",
			Help:      "Total count of DATA records that were not applied",
		}, []string{"profile", "reason"})
	bulkFlushHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "redoflow",
			Subsystem: "applier",
			Name:      "bulk_flush_rows",
			Help:      "Bucketed histogram of rows per bulk insert flush",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}, []string{"profile"})
	batchDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "redoflow",
			Subsystem: "applier",
			Name:      "batch_duration_seconds",
			Help:      "Bucketed histogram of the time (s) between SOB and EOB",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 20),
		}, []string{"profile"})
	applyErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "redoflow",
			Subsystem: "applier",
			Name:      "apply_errors_total",
			Help:      "Total count of failed apply attempts",
		}, []string{"profile", "kind"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(receivedMessageCounter)
	registry.MustRegister(executedStatementCounter)
	registry.MustRegister(droppedMessageCounter)
	registry.MustRegister(bulkFlushHistogram)
	registry.MustRegister(batchDurationHistogram)
	registry.MustRegister(applyErrorCounter)
}
