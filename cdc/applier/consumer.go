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
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/redoflow/pkg/audit"
	"github.com/pingcap/redoflow/pkg/config"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/kafka"
	"github.com/pingcap/redoflow/pkg/message"
	"go.uber.org/zap"
)

// Run consumes the stream until a KILL record, a fatal error or the end of
// ctx. Records are applied in offset order; offsets are committed only
// after the target was committed up to them.
func (a *Applier) Run(ctx context.Context, consumer kafka.Consumer) error {
	defer a.Close()

	if err := a.LoadProfiles(ctx); err != nil {
		return err
	}
	var hint int64
	last, err := a.store.LatestRun(ctx, a.cfg.ProfileName, a.cfg.ProfileVersion, config.ProcessApply)
	if err != nil {
		return err
	}
	if last != nil {
		hint = last.ExecutorRunID
		a.lastRunID = last.ID
	}
	start, err := kafka.Position(ctx, consumer, hint, a.cfg.Apply.SeekToEnd)
	if err != nil {
		return err
	}
	if start >= 0 {
		a.committedOffset = start
	}

	for {
		rec, err := consumer.Read(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		receivedAt := time.Now()
		m, err := a.codec.Decode(rec.Value)
		if err != nil {
			a.reportError(ctx, err, &message.Message{}, rec.Offset)
			return err
		}
		a.writeRaw(m)
		receivedMessageCounter.WithLabelValues(a.cfg.ProfileName, string(m.RecordType)).Inc()

		res, err := a.applyWithRetry(ctx, m, rec.Offset)
		if err != nil {
			return err
		}
		if a.offsetCommittable(m, res) {
			a.commitOffset(ctx, consumer, rec.Offset+1)
		}
		log.Debug("record applied",
			zap.Int64("offset", rec.Offset), zap.Stringer("result", res),
			zap.Duration("duration", time.Since(receivedAt)))
		if res == ResultKilled {
			return nil
		}
	}
}

func (a *Applier) writeRaw(m *message.Message) {
	if a.raw == nil {
		return
	}
	text, err := a.codec.Textual(m)
	if err == nil {
		err = a.raw.WriteLine(string(text))
	}
	if err != nil {
		log.Warn("write raw file failed", zap.Error(err))
	}
}

// applyWithRetry applies m, retrying failed attempts after a pause. Protocol
// and validation errors are not retried.
func (a *Applier) applyWithRetry(ctx context.Context, m *message.Message, offset int64) (Result, error) {
	retries := a.cfg.Apply.Retry
	for attempt := 0; ; attempt++ {
		var (
			res Result
			err error
		)
		if attempt > 0 {
			err = a.Recover(ctx)
		}
		if err == nil {
			res, err = a.Apply(ctx, m, offset)
		}
		if err == nil {
			return res, nil
		}
		if errors.Cause(err) == context.Canceled {
			return ResultUncommitted, err
		}
		a.reportError(ctx, err, m, offset)
		switch cerror.KindOf(err) {
		case cerror.KindProtocol, cerror.KindValidation:
			return ResultUncommitted, err
		}
		if attempt >= retries {
			return ResultUncommitted, cerror.ErrRetryExhausted.Wrap(err).GenWithStackByArgs(attempt + 1)
		}
		log.Warn("apply failed, retry after pause",
			zap.Int64("offset", offset), zap.Int("attempt", attempt+1),
			zap.Int("retries", retries), zap.Duration("pause", a.cfg.Apply.RetryPause), zap.Error(err))
		select {
		case <-ctx.Done():
			return ResultUncommitted, errors.Trace(ctx.Err())
		case <-time.After(a.cfg.Apply.RetryPause):
		}
	}
}

// offsetCommittable reports whether the consumer may commit past the record.
// It never does in do-not-commit mode, and otherwise does after a target
// commit, at the end of a batch and for KILL records.
func (a *Applier) offsetCommittable(m *message.Message, res Result) bool {
	if a.cfg.Apply.DoNotCommit {
		return false
	}
	return res != ResultUncommitted || m.RecordType == message.TypeEndOfBatch
}

// commitOffset commits next as the group's position. A failure downgrades
// the run to WARNING and does not stop the applier.
func (a *Applier) commitOffset(ctx context.Context, consumer kafka.Consumer, next int64) {
	err := consumer.Commit(ctx, next)
	if err == nil {
		return
	}
	log.Warn("commit kafka offset failed", zap.Int64("offset", next), zap.Error(err))
	runID := a.currentRunID.Load()
	if runID == 0 {
		runID = a.lastRunID
	}
	if runID == 0 {
		return
	}
	if uerr := a.store.UpdateRun(ctx, runID, map[string]interface{}{
		"status":  audit.StatusWarning,
		"comment": err.Error(),
	}); uerr != nil {
		log.Warn("mark run warning failed", zap.Error(uerr))
	}
}
