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

package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Hook is run once when the process is interrupted, before it exits.
// The context passed to it is not canceled.
type Hook func(ctx context.Context, sig os.Signal)

// Handler turns an interrupt signal into an orderly shutdown: it runs the
// registered kill hooks, cancels the work context, waits for the work to
// finish or a second signal, and exits with the signal number.
type Handler struct {
	mu       sync.Mutex
	hooks    []Hook
	signaled bool
	cancel   context.CancelFunc
	done     chan struct{}
	exited   chan struct{}
	sigs     chan os.Signal
	exit     func(code int)
	stop     func()
}

// NewHandler derives the work context from parent.
func NewHandler(parent context.Context) (*Handler, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &Handler{
		cancel: cancel,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		// systemd and k8s send signals twice: graceful, then force.
		sigs: make(chan os.Signal, 2),
		exit: os.Exit,
	}, ctx
}

// OnKill registers a hook run when a signal is received.
func (h *Handler) OnKill(hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook)
}

// Start subscribes to SIGHUP, SIGINT, SIGTERM and SIGQUIT.
func (h *Handler) Start() {
	signal.Notify(h.sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	h.stop = func() { signal.Stop(h.sigs) }
	go h.loop()
}

// Done tells the handler that the work has finished. A pending shutdown
// then exits with the signal number and Done does not return; otherwise
// the handler stops listening.
func (h *Handler) Done() {
	h.mu.Lock()
	select {
	case <-h.done:
	default:
		close(h.done)
	}
	signaled := h.signaled
	h.mu.Unlock()
	if signaled {
		<-h.exited
	}
}

// Stop releases the signal subscription.
func (h *Handler) Stop() {
	h.Done()
	if h.stop != nil {
		h.stop()
	}
}

func (h *Handler) loop() {
	var sig os.Signal
	select {
	case sig = <-h.sigs:
	case <-h.done:
		return
	}
	log.Warn("got signal, prepare to shutdown", zap.Stringer("signal", sig))

	h.mu.Lock()
	h.signaled = true
	hooks := append([]Hook(nil), h.hooks...)
	h.mu.Unlock()
	for _, hook := range hooks {
		hook(context.Background(), sig)
	}
	h.cancel()

	select {
	case <-h.done:
		log.Info("shutdown complete", zap.Stringer("signal", sig))
	case second := <-h.sigs:
		log.Warn("got signal, force shutdown", zap.Stringer("signal", second))
	}
	h.exit(exitCode(sig))
	close(h.exited)
}

func exitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return int(s)
	}
	return 1
}
