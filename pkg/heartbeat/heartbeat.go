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

package heartbeat

import (
	"context"
	"time"

	cerror "github.com/pingcap/redoflow/pkg/errors"
	"go.uber.org/atomic"
)

// Status is a progress report from a long running producer.
type Status struct {
	Records int64
	LSN     string
	Done    bool
	Err     error
}

// Reporter publishes a Status every Period records, and a final one on
// Finish. Sends never block the producer for longer than the receiver.
type Reporter struct {
	ch      chan<- Status
	period  int64
	records atomic.Int64
	lsn     atomic.String
}

// NewReporter creates a Reporter that sends on ch every period records.
func NewReporter(ch chan<- Status, period int64) *Reporter {
	if period <= 0 {
		period = 1
	}
	return &Reporter{ch: ch, period: period}
}

// Tick records one processed record and publishes a heartbeat when the
// period is reached.
func (r *Reporter) Tick(ctx context.Context, lsn string) error {
	n := r.records.Inc()
	if lsn != "" {
		r.lsn.Store(lsn)
	}
	if n%r.period != 0 {
		return nil
	}
	return r.send(ctx, Status{Records: n, LSN: r.lsn.Load()})
}

// Records returns the number of records seen so far.
func (r *Reporter) Records() int64 { return r.records.Load() }

// Finish publishes the final status carrying err.
func (r *Reporter) Finish(ctx context.Context, err error) error {
	return r.send(ctx, Status{Records: r.records.Load(), LSN: r.lsn.Load(), Done: true, Err: err})
}

func (r *Reporter) send(ctx context.Context, s Status) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r.ch <- s:
		return nil
	}
}

// Wait consumes heartbeats from ch until the final status arrives. The
// timer restarts on every heartbeat; if none arrives within timeout an
// ErrExtractTimeout naming what is returned.
func Wait(ctx context.Context, ch <-chan Status, timeout time.Duration, what string) (Status, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var last Status
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-timer.C:
			return last, cerror.ErrExtractTimeout.GenWithStackByArgs(what, timeout)
		case s, ok := <-ch:
			if !ok {
				last.Done = true
				return last, nil
			}
			last = s
			if s.Done {
				return s, s.Err
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
		}
	}
}
