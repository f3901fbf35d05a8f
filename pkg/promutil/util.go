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
	"net"
	"net/http"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRegistry returns a registry holding the process and Go runtime
// collectors, with every given init function applied to it.
func NewRegistry(inits ...func(*prometheus.Registry)) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())
	for _, init := range inits {
		init(registry)
	}
	return registry
}

// HTTPHandlerForMetric returns the /metrics handler of gatherer.
func HTTPHandlerForMetric(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// StatusServer serves /metrics until its context is canceled.
type StatusServer struct {
	srv *http.Server
	ln  net.Listener
}

// NewStatusServer listens on addr. The listener is bound eagerly so a bad
// address fails the command before any work starts.
func NewStatusServer(addr string, gatherer prometheus.Gatherer) (*StatusServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "listen status address %s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", HTTPHandlerForMetric(gatherer))
	return &StatusServer{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}, nil
}

// Addr is the bound address.
func (s *StatusServer) Addr() string { return s.ln.Addr().String() }

// Run serves until ctx is done.
func (s *StatusServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("status server started", zap.String("addr", s.Addr()))
		errCh <- s.srv.Serve(s.ln)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("status server shutdown", zap.Error(err))
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.Trace(err)
	}
}
