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

package promutil

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestStatusServerServesMetrics(t *testing.T) {
	t.Parallel()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "redoflow",
		Subsystem: "test",
		Name:      "events_total",
		Help:      "test counter",
	})
	registry := NewRegistry(func(r *prometheus.Registry) { r.MustRegister(counter) })
	counter.Add(3)

	s, err := NewStatusServer("127.0.0.1:0", registry)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Contains(t, string(body), "redoflow_test_events_total 3")

	cancel()
	require.NoError(t, <-errCh)
}

func TestStatusServerBadAddress(t *testing.T) {
	t.Parallel()

	_, err := NewStatusServer("256.0.0.1:bad", prometheus.NewRegistry())
	require.Error(t, err)
}
