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
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/redoflow/pkg/audit"
	"github.com/pingcap/redoflow/pkg/config"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/heartbeat"
	"github.com/pingcap/redoflow/pkg/kafka"
	"github.com/pingcap/redoflow/pkg/logutil"
	"github.com/pingcap/redoflow/pkg/message"
	"github.com/pingcap/redoflow/pkg/notify"
	"github.com/pingcap/redoflow/pkg/retry"
	"github.com/pingcap/redoflow/pkg/source"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	produceMaxTries    = 3
	produceBackoffBase = 100
	produceBackoffMax  = 2000

	noNewChangesComment = "no new CDCs"
)

// Options holds the collaborators of an Extractor.
type Options struct {
	Config   *config.Config
	Store    audit.Store
	Source   source.CDC
	Producer kafka.Producer
	Codec    message.Codec
	Notifier *notify.Notifier
	// Output receives the redo of every produced change, Raw the textual
	// form of every produced record. Both are optional.
	Output *message.DebugFile
	Raw    *message.DebugFile
	// Heartbeat, when set, is ticked for every produced change.
	Heartbeat *heartbeat.Reporter
}

// Extractor reads one window of the source change log and produces it to
// the stream as a single batch.
type Extractor struct {
	cfg       *config.Config
	store     audit.Store
	source    source.CDC
	producer  kafka.Producer
	codec     message.Codec
	notifier  *notify.Notifier
	output    *message.DebugFile
	raw       *message.DebugFile
	heartbeat *heartbeat.Reporter

	currentRunID atomic.Int64
}

// Result summarizes one extraction.
type Result struct {
	RunID   int64
	Status  string
	Window  source.Window
	Records int64
	// LastLSN is the LSN of the last produced change.
	LastLSN string
}

// New creates an Extractor.
func New(o Options) *Extractor {
	return &Extractor{
		cfg:       o.Config,
		store:     o.Store,
		source:    o.Source,
		producer:  o.Producer,
		codec:     o.Codec,
		notifier:  o.Notifier,
		output:    o.Output,
		raw:       o.Raw,
		heartbeat: o.Heartbeat,
	}
}

// tableCounts tallies the produced changes of one table.
type tableCounts struct {
	name    string
	total   int64
	inserts int64
	updates int64
	deletes int64
	ddls    int64
	minLSN  string
	maxLSN  string
}

// Run performs one extraction. The run is recorded in the audit store as
// SUCCESS, WARNING when mining failed after the batch was opened, or ERROR.
func (e *Extractor) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() {
		extractDurationHistogram.WithLabelValues(e.cfg.ProfileName).Observe(time.Since(start).Seconds())
	}()

	if err := e.guard(ctx); err != nil {
		return nil, err
	}
	tables, err := e.activeTables(ctx)
	if err != nil {
		return nil, err
	}

	run := &audit.ProcessControlDO{
		ProfileName:    e.cfg.ProfileName,
		ProfileVersion: e.cfg.ProfileVersion,
		ProcessCode:    config.ProcessExtract,
		Status:         audit.StatusInProgress,
		StartTime:      start,
	}
	if err := e.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}
	e.currentRunID.Store(run.ID)
	defer e.currentRunID.Store(0)
	ctx = logutil.WithRun(ctx, e.cfg.ProfileName, e.cfg.ProfileVersion, run.ID)
	res := &Result{RunID: run.ID, Status: audit.StatusSuccess}

	if e.cfg.Extract.Kill {
		if err := e.produce(ctx, message.NewKill(message.NewBatchID())); err != nil {
			return res, e.fail(ctx, run, res, false, err)
		}
		logutil.FromContext(ctx).Info("kill record produced")
	}

	w, err := e.window(ctx)
	if err != nil {
		return res, e.fail(ctx, run, res, false, err)
	}
	res.Window = w
	if w.Max == "" {
		if err := e.producer.Flush(ctx); err != nil {
			return res, e.fail(ctx, run, res, false, err)
		}
		logutil.FromContext(ctx).Info("no new changes", zap.String("lsn", w.Min))
		return res, e.finish(ctx, run, map[string]interface{}{
			"status":  audit.StatusSuccess,
			"min_lsn": w.Min,
			"max_lsn": w.Min,
			"comment": noNewChangesComment,
		})
	}

	keys, err := e.keyColumns(ctx, tables)
	if err != nil {
		return res, e.fail(ctx, run, res, false, err)
	}
	counts, err := e.mine(ctx, w, tables, keys, res)
	err = multierr.Append(err, e.producer.Flush(ctx))
	if derr := e.insertDetails(ctx, run, counts, err); derr != nil {
		log.Warn("record table details failed", zap.Error(derr))
	}
	if err != nil {
		return res, e.fail(ctx, run, res, true, err)
	}
	logutil.FromContext(ctx).Info("extraction finished",
		zap.String("minLSN", w.Min), zap.String("maxLSN", w.Max),
		zap.Int64("records", res.Records), zap.Duration("duration", time.Since(start)))
	return res, e.finish(ctx, run, map[string]interface{}{
		"status":      audit.StatusSuccess,
		"min_lsn":     w.Min,
		"max_lsn":     w.Max,
		"total_count": res.Records,
	})
}

// guard enforces a single running extractor per profile.
func (e *Extractor) guard(ctx context.Context) error {
	last, err := e.store.LatestRun(ctx, e.cfg.ProfileName, e.cfg.ProfileVersion, config.ProcessExtract)
	if err != nil {
		return err
	}
	if last != nil && last.Status == audit.StatusInProgress {
		return cerror.ErrProcessInProgress.GenWithStackByArgs(
			config.ProcessExtract, e.cfg.ProfileName, e.cfg.ProfileVersion, last.ID)
	}
	return nil
}

// activeTables returns the active tables of the profile.
func (e *Extractor) activeTables(ctx context.Context) ([]source.TableRef, error) {
	rows, err := e.store.Profiles(ctx, e.cfg.ProfileName, e.cfg.ProfileVersion, e.cfg.TargetRegion)
	if err != nil {
		return nil, err
	}
	var (
		tables  []source.TableRef
		schemas = make(map[string]struct{})
	)
	for _, row := range rows {
		if !row.IsActive() || row.SourceSchema == "" || row.ObjectName == "" {
			continue
		}
		schemas[strings.ToUpper(row.SourceSchema)] = struct{}{}
		tables = append(tables, source.TableRef{
			Schema: strings.ToUpper(row.SourceSchema),
			Table:  strings.ToUpper(row.ObjectName),
		})
	}
	if len(schemas) == 0 || len(tables) == 0 {
		return nil, cerror.ErrEmptyProfile.GenWithStackByArgs(e.cfg.ProfileName, e.cfg.ProfileVersion)
	}
	log.Info("active tables discovered",
		zap.String("profile", e.cfg.ProfileName), zap.Int("schemas", len(schemas)), zap.Int("tables", len(tables)))
	return tables, nil
}

// window computes the LSN range to read: it starts at the end of the last
// successful run unless overridden by startscn, and ends at the newest
// available change unless overridden by endscn.
func (e *Extractor) window(ctx context.Context) (source.Window, error) {
	prev, err := e.store.LatestRun(ctx, e.cfg.ProfileName, e.cfg.ProfileVersion, config.ProcessExtract,
		audit.StatusSuccess, audit.StatusWarning)
	if err != nil {
		return source.Window{}, err
	}
	var prevMax string
	if prev != nil {
		prevMax = prev.MaxLSN
	}
	if e.cfg.Extract.StartSCN != "" {
		prevMax = e.cfg.Extract.StartSCN
	}
	w, err := e.source.Window(ctx, prevMax)
	if err != nil {
		return source.Window{}, err
	}
	if e.cfg.Extract.EndSCN != "" && w.Max != "" {
		w.Max = e.cfg.Extract.EndSCN
	}
	log.Info("extraction window",
		zap.String("previous", prevMax), zap.String("min", w.Min), zap.String("max", w.Max))
	return w, nil
}

// keyColumns returns the key columns of tables by upper case SCHEMA.TABLE.
func (e *Extractor) keyColumns(ctx context.Context, tables []source.TableRef) (map[string]string, error) {
	keys := make(map[string]string, len(tables))
	for _, t := range tables {
		k, err := e.source.KeyColumns(ctx, t)
		if err != nil {
			return nil, err
		}
		keys[strings.ToUpper(t.String())] = k
	}
	return keys, nil
}

// mine produces the changes of w as one batch. Once the SOB is out the EOB
// is always produced, carrying the count and LSN actually written.
func (e *Extractor) mine(
	ctx context.Context, w source.Window, tables []source.TableRef, keys map[string]string, res *Result,
) (map[string]*tableCounts, error) {
	reader, err := e.source.Open(ctx, w, tables)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := reader.Close(); err != nil {
			log.Warn("close change reader failed", zap.Error(err))
		}
	}()

	first, err := reader.Next(ctx)
	if err == io.EOF {
		first, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	var total int64
	if first != nil {
		total = first.Total
	}
	limit := int64(e.cfg.Extract.SampleRows)
	if limit > 0 && total > limit {
		total = limit
	}

	batchID := message.NewBatchID()
	if err := e.produce(ctx, message.NewStartOfBatch(batchID, total, w.Min)); err != nil {
		return nil, err
	}
	logutil.FromContext(ctx).Info("batch opened",
		zap.String("batch", batchID), zap.Int64("expected", total))

	counts := make(map[string]*tableCounts)
	mineErr := func() error {
		for row := first; row != nil; {
			if limit > 0 && res.Records >= limit {
				log.Info("sample row limit reached", zap.Int64("limit", limit))
				return nil
			}
			if err := e.produceChange(ctx, batchID, row, keys, res.Records+1); err != nil {
				return err
			}
			res.Records++
			res.LastLSN = row.CommitLSN
			tally(counts, row)

			next, err := reader.Next(ctx)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			row = next
		}
		return nil
	}()

	endLSN := w.Max
	if mineErr != nil {
		endLSN = res.LastLSN
	}
	// the EOB goes out even when ctx was canceled by a signal
	eobErr := e.produce(context.WithoutCancel(ctx), message.NewEndOfBatch(batchID, res.Records, endLSN))
	logutil.FromContext(ctx).Info("batch closed",
		zap.String("batch", batchID), zap.Int64("records", res.Records), zap.String("endLSN", endLSN))
	return counts, multierr.Append(mineErr, eobErr)
}

func (e *Extractor) produceChange(
	ctx context.Context, batchID string, row *source.ChangeRow, keys map[string]string, seq int64,
) error {
	m := &message.Message{
		BatchID:          batchID,
		RecordType:       message.TypeData,
		TableName:        row.TableName,
		CommitLSN:        row.CommitLSN,
		OperationCode:    row.OperationCode,
		CommitStatement:  row.SQLRedo,
		ColumnNames:      row.ColumnNames,
		ColumnValues:     row.ColumnValues,
		PrimaryKeyFields: keys[strings.ToUpper(row.Schema+"."+row.TableName)],
		StatementID:      row.StatementID,
		CommitTimestamp:  row.CommitTimestamp,
		MessageSequence:  seq,
	}
	if err := e.produce(ctx, m); err != nil {
		return err
	}
	extractedRowCounter.WithLabelValues(e.cfg.ProfileName, strings.ToLower(row.TableName)).Inc()
	if row.SQLRedo != "" {
		if err := e.output.WriteStatement(row.SQLRedo); err != nil {
			log.Warn("write output file failed", zap.Error(err))
		}
	}
	if e.heartbeat != nil {
		return e.heartbeat.Tick(ctx, row.CommitLSN)
	}
	return nil
}

func tally(counts map[string]*tableCounts, row *source.ChangeRow) {
	key := strings.ToLower(row.TableName)
	c, ok := counts[key]
	if !ok {
		c = &tableCounts{name: key}
		counts[key] = c
	}
	c.total++
	switch strings.ToUpper(row.OperationCode) {
	case "INSERT", "2":
		c.inserts++
	case "UPDATE", "4":
		c.updates++
	case "DELETE", "1":
		c.deletes++
	case "DDL":
		c.ddls++
	}
	if c.minLSN == "" {
		c.minLSN = row.CommitLSN
	}
	c.maxLSN = row.CommitLSN
}

// produce encodes m and sends it to the stream, retrying failed sends.
func (e *Extractor) produce(ctx context.Context, m *message.Message) error {
	value, err := e.codec.Encode(m)
	if err != nil {
		return err
	}
	err = retry.Do(ctx, func() error {
		return e.producer.Produce(ctx, value)
	},
		retry.WithMaxTries(produceMaxTries),
		retry.WithBackoffBaseDelay(produceBackoffBase),
		retry.WithBackoffMaxDelay(produceBackoffMax),
		retry.WithIsRetryableErr(cerror.IsRetryable),
		retry.WithOnRetry(func(attempt int, err error) {
			log.Warn("produce failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		}))
	if err != nil {
		return err
	}
	producedMessageCounter.WithLabelValues(e.cfg.ProfileName, string(m.RecordType)).Inc()
	if e.raw != nil {
		text, err := e.codec.Textual(m)
		if err == nil {
			err = e.raw.WriteLine(string(text))
		}
		if err != nil {
			log.Warn("write raw file failed", zap.Error(err))
		}
	}
	return nil
}

func (e *Extractor) insertDetails(
	ctx context.Context, run *audit.ProcessControlDO, counts map[string]*tableCounts, runErr error,
) error {
	status := audit.StatusSuccess
	if runErr != nil {
		status = audit.StatusWarning
	}
	now := time.Now()
	var errs error
	for _, c := range counts {
		errs = multierr.Append(errs, e.store.InsertDetail(context.WithoutCancel(ctx), &audit.ProcessControlDetailDO{
			RunID:       run.ID,
			ObjectName:  c.name,
			Status:      status,
			SourceCount: c.total,
			InsertCount: c.inserts,
			UpdateCount: c.updates,
			DeleteCount: c.deletes,
			AlterCount:  c.ddls,
			MinLSN:      c.minLSN,
			MaxLSN:      c.maxLSN,
			StartTime:   run.StartTime,
			EndTime:     &now,
		}))
	}
	return errs
}

func (e *Extractor) finish(ctx context.Context, run *audit.ProcessControlDO, values map[string]interface{}) error {
	now := time.Now()
	values["end_time"] = &now
	return e.store.UpdateRun(context.WithoutCancel(ctx), run.ID, values)
}

// fail records err on the run. Once the batch was opened the run ends in
// WARNING with max_lsn at the last produced change, so the next run picks
// up from there.
func (e *Extractor) fail(ctx context.Context, run *audit.ProcessControlDO, res *Result, opened bool, err error) error {
	res.Status = audit.StatusError
	values := map[string]interface{}{
		"status":      audit.StatusError,
		"comment":     err.Error(),
		"total_count": res.Records,
	}
	if opened {
		res.Status = audit.StatusWarning
		maxLSN := res.LastLSN
		if maxLSN == "" {
			maxLSN = res.Window.Min
		}
		values["status"] = audit.StatusWarning
		values["min_lsn"] = res.Window.Min
		values["max_lsn"] = maxLSN
	}
	log.Error("extraction failed",
		zap.Int64("runID", run.ID), zap.String("status", res.Status),
		zap.Int64("records", res.Records), zap.String("lastLSN", res.LastLSN), zap.Error(err))
	if uerr := e.finish(ctx, run, values); uerr != nil {
		log.Warn("record extraction failure failed", zap.Error(uerr))
	}
	e.notifier.Error(context.WithoutCancel(ctx),
		fmt.Sprintf("%s %s extract error", e.cfg.ProfileName, e.cfg.TargetRegion), err,
		map[string]string{
			"runID":   fmt.Sprint(run.ID),
			"window":  res.Window.Min + " - " + res.Window.Max,
			"records": fmt.Sprint(res.Records),
			"lastLSN": res.LastLSN,
		})
	return errors.Trace(err)
}

// MarkKilled marks the open run KILLED. It is called on interrupt signals.
func (e *Extractor) MarkKilled(ctx context.Context, reason string) {
	id := e.currentRunID.Load()
	if id == 0 {
		return
	}
	now := time.Now()
	if err := e.store.UpdateRun(ctx, id, map[string]interface{}{
		"status":   audit.StatusKilled,
		"comment":  cerror.ErrRunKilled.GenWithStackByArgs(reason).Error(),
		"end_time": &now,
	}); err != nil {
		log.Warn("mark run killed failed", zap.Int64("runID", id), zap.Error(err))
	}
}
