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

package extractor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	extractedRowCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "redoflow",
			Subsystem: "extractor",
			Name:      "extracted_rows_total",
			Help:      "Total count of change rows read from the source log",
		}, []string{"profile", "table"})
	producedMessageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "redoflow",
			Subsystem: "extractor",
			Name:      "produced_messages_total",
			Help:      "Total count of records produced to the stream",
		}, []string{"profile", "type"})
	extractDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "redoflow",
			Subsystem: "extractor",
			Name:      "run_duration_seconds",
			Help:      "Bucketed histogram of extraction run time (s)",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16),
		}, []string{"profile"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(extractedRowCounter)
	registry.MustRegister(producedMessageCounter)
	registry.MustRegister(extractDurationHistogram)
}
