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
	"bufio"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/redoflow/pkg/audit"
	"github.com/pingcap/redoflow/pkg/config"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/fifo"
	"github.com/pingcap/redoflow/pkg/heartbeat"
	"github.com/pingcap/redoflow/pkg/logutil"
	"github.com/pingcap/redoflow/pkg/source"
	"github.com/pingcap/redoflow/pkg/target"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
)

// syncTable seeds the table of j and records the outcome in the audit
// store. A table missing on either side is a WARNING, any other failure an
// ERROR.
func (s *Supervisor) syncTable(
	ctx context.Context, runID int64, dir string, j job, enc *encoding.Encoder,
) *TableResult {
	start := time.Now()
	res := &TableResult{Table: j.schema + "." + j.table}

	logPath := filepath.Join(dir, j.table+".log")
	lg, closeLog, err := logutil.NewFileLogger(logPath)
	if err != nil {
		log.Warn("open table log failed", zap.String("path", logPath), zap.Error(err))
		lg, closeLog, logPath = log.L(), func() error { return nil }, ""
	}
	defer func() {
		if err := closeLog(); err != nil {
			log.Warn("close table log failed", zap.String("path", logPath), zap.Error(err))
		}
	}()
	lg = lg.With(zap.Int64("runID", runID), zap.String("table", res.Table))

	detail := &audit.ProcessControlDetailDO{
		RunID:          runID,
		ObjectSchema:   j.schema,
		ObjectName:     j.table,
		Status:         audit.StatusInProgress,
		InfoLog:        logPath,
		ErrorLog:       logPath,
		StartTime:      start,
		QueryCondition: j.condition,
	}
	if err := s.store.InsertDetail(ctx, detail); err != nil {
		lg.Warn("record table detail failed", zap.Error(err))
	}
	s.updateProfile(ctx, lg, j, map[string]interface{}{
		"last_status":       audit.StatusInProgress,
		"last_run_id":       runID,
		"last_process_code": config.ProcessInitSync,
	})

	res.Extracted, res.Loaded, res.LSN, res.Err = s.seed(ctx, lg, dir, j, enc)
	res.Duration = time.Since(start)
	switch {
	case res.Err == nil && res.Extracted != res.Loaded:
		res.Status = audit.StatusWarning
		res.Err = errors.Errorf("extracted %d rows but loaded %d", res.Extracted, res.Loaded)
	case res.Err == nil:
		res.Status = audit.StatusSuccess
	case cerror.ErrTableNotFound.Equal(res.Err):
		res.Status = audit.StatusWarning
	default:
		res.Status = audit.StatusError
	}

	var comment string
	if res.Err != nil {
		comment = res.Err.Error()
		lg.Warn("table sync failed", zap.String("status", res.Status), zap.Error(res.Err))
	} else {
		lg.Info("table sync finished", zap.Int64("rows", res.Loaded),
			zap.String("lsn", res.LSN), zap.Duration("duration", res.Duration))
	}

	now := time.Now()
	// the outcome is recorded even when the run is being killed
	wctx := context.WithoutCancel(ctx)
	if detail.ID != 0 {
		if err := s.store.UpdateDetail(wctx, detail.ID, map[string]interface{}{
			"status":           res.Status,
			"source_row_count": res.Extracted,
			"insert_row_count": res.Loaded,
			"min_lsn":          res.LSN,
			"max_lsn":          res.LSN,
			"comment":          comment,
			"end_time":         &now,
		}); err != nil {
			lg.Warn("update table detail failed", zap.Error(err))
		}
	}
	values := map[string]interface{}{"last_status": res.Status}
	if res.Status == audit.StatusSuccess && res.LSN != "" {
		values["min_lsn"] = res.LSN
		values["max_lsn"] = res.LSN
	}
	s.updateProfile(wctx, lg, j, values)

	tableSyncDurationHistogram.WithLabelValues(s.cfg.ProfileName).Observe(res.Duration.Seconds())
	tableStatusCounter.WithLabelValues(s.cfg.ProfileName, res.Status).Inc()
	syncedRowCounter.WithLabelValues(s.cfg.ProfileName, res.Table).Add(float64(res.Loaded))
	return res
}

func (s *Supervisor) updateProfile(ctx context.Context, lg *zap.Logger, j job, values map[string]interface{}) {
	if err := s.store.UpdateProfile(ctx, j.key, values); err != nil {
		lg.Warn("update source system profile failed", zap.Error(err))
	}
}

// seed prepares the target table and streams the source snapshot into it
// through a named pipe. It returns the extracted and loaded row counts and
// the last source LSN read.
func (s *Supervisor) seed(
	ctx context.Context, lg *zap.Logger, dir string, j job, enc *encoding.Encoder,
) (extracted, loaded int64, lsn string, err error) {
	cfg := s.cfg.InitSync
	srcCols, err := s.source.Columns(ctx, j.source)
	if err != nil {
		return 0, 0, "", err
	}
	exists, err := s.target.TableExists(ctx, j.schema, j.table)
	if err != nil {
		return 0, 0, "", err
	}
	if !exists {
		return 0, 0, "", cerror.ErrTableNotFound.GenWithStackByArgs(j.schema+"."+j.table, "target")
	}

	switch {
	case cfg.Truncate && j.condition == "":
		err = s.target.Truncate(ctx, j.schema, j.table)
	case cfg.Truncate || cfg.Delete:
		err = s.target.Delete(ctx, j.schema, j.table, j.condition)
	}
	if err != nil {
		return 0, 0, "", err
	}

	selectCols, copyCols, err := s.columns(ctx, lg, j, srcCols)
	if err != nil {
		return 0, 0, "", err
	}
	snap := &source.Snapshot{
		Table:      j.source,
		Columns:    selectCols,
		Condition:  j.condition,
		SampleRows: cfg.SampleRows,
		ExtractLSN: cfg.ExtractLSN,
	}

	path, err := fifo.Create(dir, j.table)
	if err != nil {
		return 0, 0, "", err
	}
	defer func() {
		if err := fifo.Remove(path); err != nil {
			lg.Warn("remove named pipe failed", zap.Error(err))
		}
	}()
	r, w, err := fifo.OpenPair(path)
	if err != nil {
		return 0, 0, "", err
	}

	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	beats := make(chan heartbeat.Status, 1)
	gate := make(chan bool, 1)
	loadDone := make(chan loadResult, 1)
	extractDone := make(chan struct{})
	reporter := heartbeat.NewReporter(beats, s.period)
	query := target.CopySQL(j.schema, j.table, copyCols, cfg.NullString)

	lg.Info("table sync started", zap.Int("columns", len(copyCols)), zap.String("pipe", path))
	go func() {
		loadDone <- s.load(tctx, lg, r, query, gate)
	}()
	go func() {
		defer close(extractDone)
		s.extract(tctx, lg, snap, w, enc, reporter)
	}()

	status, werr := heartbeat.Wait(tctx, beats, cfg.ExtractTimeout, j.schema+"."+j.table)
	if werr != nil {
		cancel()
	}
	gate <- werr == nil
	<-extractDone
	lr := <-loadDone

	extracted = reporter.Records()
	if werr != nil {
		if lr.err != nil && errors.Cause(lr.err) != context.Canceled {
			werr = multierr.Append(werr, lr.err)
		}
		return extracted, 0, "", werr
	}
	if lr.err != nil {
		return extracted, 0, "", lr.err
	}

	if cfg.Vacuum {
		if err := s.target.Vacuum(ctx, j.schema, j.table); err != nil {
			lg.Warn("vacuum failed", zap.Error(err))
		}
	}
	if cfg.Analyze {
		if err := s.target.Analyze(ctx, j.schema, j.table); err != nil {
			lg.Warn("analyze failed", zap.Error(err))
		}
	}
	return extracted, lr.rows, status.LSN, nil
}

// columns returns the source columns to select and the matching target
// columns to load, both in load order. With the target load definition
// only target columns that have a source counterpart are loaded.
func (s *Supervisor) columns(
	ctx context.Context, lg *zap.Logger, j job, srcCols []source.Column,
) ([]source.Column, []string, error) {
	if s.cfg.InitSync.LoadDefinition != config.LoadDefinitionTarget {
		names := make([]string, 0, len(srcCols))
		for _, c := range srcCols {
			names = append(names, targetName(c.Name))
		}
		return srcCols, names, nil
	}

	tgtCols, err := s.target.Columns(ctx, j.schema, j.table)
	if err != nil {
		return nil, nil, err
	}
	byName := make(map[string]source.Column, len(srcCols))
	for _, c := range srcCols {
		byName[targetName(c.Name)] = c
	}
	var (
		selectCols []source.Column
		names      []string
	)
	for _, c := range tgtCols {
		src, ok := byName[c.Name]
		if !ok {
			lg.Info("target column has no source column", zap.String("column", c.Name))
			continue
		}
		selectCols = append(selectCols, src)
		names = append(names, c.Name)
	}
	if len(selectCols) == 0 {
		return nil, nil, cerror.ErrInvalidArgument.GenWithStackByArgs(
			"no common columns between " + j.source.String() + " and " + j.schema + "." + j.table)
	}
	return selectCols, names, nil
}

// extract writes the snapshot into the pipe, then closes its write end and
// publishes the final heartbeat.
func (s *Supervisor) extract(
	ctx context.Context, lg *zap.Logger, snap *source.Snapshot, w *os.File,
	enc *encoding.Encoder, reporter *heartbeat.Reporter,
) {
	err := s.writeSnapshot(ctx, snap, w, enc, reporter)
	if cerr := w.Close(); cerr != nil {
		err = multierr.Append(err, cerror.WrapError(cerror.ErrFifo, cerr, w.Name()))
	}
	if err != nil {
		lg.Warn("extract failed", zap.Int64("rows", reporter.Records()), zap.Error(err))
	} else {
		lg.Info("extract finished", zap.Int64("rows", reporter.Records()))
	}
	if ferr := reporter.Finish(ctx, err); ferr != nil {
		lg.Debug("final heartbeat not delivered", zap.Error(ferr))
	}
}

func (s *Supervisor) writeSnapshot(
	ctx context.Context, snap *source.Snapshot, w *os.File, enc *encoding.Encoder, reporter *heartbeat.Reporter,
) error {
	rows, err := s.source.Query(ctx, snap, s.cfg.InitSync.Lock)
	if err != nil {
		return err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Warn("close snapshot failed", zap.Stringer("table", snap.Table), zap.Error(err))
		}
	}()

	bw := bufio.NewWriterSize(w, s.cfg.InitSync.BufferSize)
	rw := &recordWriter{w: bw, null: s.cfg.InitSync.NullString, enc: enc, withLSN: snap.ExtractLSN}
	dest := make([]interface{}, rows.Width())
	for {
		ok, err := rows.Next(dest)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		l, err := rw.write(dest)
		if err != nil {
			return cerror.WrapError(cerror.ErrFifo, err, w.Name())
		}
		if err := reporter.Tick(ctx, l); err != nil {
			return errors.Trace(err)
		}
	}
	return cerror.WrapError(cerror.ErrFifo, bw.Flush(), w.Name())
}

type loadResult struct {
	rows int64
	err  error
}

// load copies the pipe into the target. The load is committed only when
// the gate reports a successful extraction.
func (s *Supervisor) load(
	ctx context.Context, lg *zap.Logger, r *os.File, query string, gate <-chan bool,
) loadResult {
	loader, err := s.newLoader(ctx)
	if err != nil {
		_ = r.Close()
		return loadResult{err: err}
	}
	defer func() {
		if err := loader.Close(context.WithoutCancel(ctx)); err != nil {
			lg.Warn("close loader failed", zap.Error(err))
		}
	}()

	n, err := loader.Copy(ctx, query, bufio.NewReaderSize(r, s.cfg.InitSync.BufferSize))
	// closing the read end fails pending writes of the extractor
	_ = r.Close()
	if err != nil {
		return loadResult{rows: n, err: err}
	}
	if ok := <-gate; !ok {
		lg.Warn("load discarded", zap.Int64("rows", n))
		return loadResult{rows: n}
	}
	if err := loader.Commit(ctx); err != nil {
		return loadResult{rows: n, err: err}
	}
	lg.Info("load committed", zap.Int64("rows", n))
	return loadResult{rows: n}
}
