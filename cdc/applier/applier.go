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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pingcap/log"
	"github.com/pingcap/redoflow/pkg/audit"
	"github.com/pingcap/redoflow/pkg/config"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/logutil"
	"github.com/pingcap/redoflow/pkg/lsn"
	"github.com/pingcap/redoflow/pkg/message"
	"github.com/pingcap/redoflow/pkg/notify"
	"github.com/pingcap/redoflow/pkg/redo"
	"github.com/pingcap/redoflow/pkg/sqlrender"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Result is the outcome of applying one stream record.
type Result int

// Results.
const (
	// ResultUncommitted means the target transaction is still open, or
	// nothing had to be committed.
	ResultUncommitted Result = iota
	// ResultCommitted means the target was committed up to this record.
	ResultCommitted
	// ResultKilled means a KILL record asked the applier to stop.
	ResultKilled
)

func (r Result) String() string {
	switch r {
	case ResultCommitted:
		return "COMMITTED"
	case ResultKilled:
		return "KILLED"
	}
	return "UNCOMMITTED"
}

// Options holds the collaborators of an Applier.
type Options struct {
	Config    *config.Config
	Store     audit.Store
	Connector Connector
	Dialect   sqlrender.Dialect
	Codec     message.Codec
	Notifier  *notify.Notifier
	// Output receives every statement executed on the target, Raw every
	// received record. Both may be nil.
	Output *message.DebugFile
	Raw    *message.DebugFile
}

// Applier consumes the change stream and applies it to the target.
// Apply is not safe for concurrent use; MarkKilled may be called from any
// goroutine.
type Applier struct {
	cfg       *config.Config
	store     audit.Store
	connector Connector
	dialect   sqlrender.Dialect
	parser    *redo.Parser
	meta      *redo.MetaCols
	codec     message.Codec
	notifier  *notify.Notifier
	output    *message.DebugFile
	raw       *message.DebugFile

	// currentRunID is the audit run of the open batch, 0 between batches.
	currentRunID atomic.Int64
	lastRunID    int64

	// committedOffset is the next offset to read as of the last commit
	// point. It is stored as the recovery hint of every run.
	committedOffset int64

	appliedLSN      map[string]string
	inactiveApplied map[string]struct{}
	profiles        map[string]*audit.SourceSystemProfileDO

	batch         *batch
	bulk          *bulkBuffer
	skipRemaining int
	// started is set once the first record of the session was handled. A
	// session may start in the middle of a batch after a commit point.
	started bool
}

// New creates an Applier.
func New(o Options) (*Applier, error) {
	meta, err := o.Config.MetaColumns()
	if err != nil {
		return nil, err
	}
	a := &Applier{
		cfg:             o.Config,
		store:           o.Store,
		connector:       o.Connector,
		dialect:         o.Dialect,
		parser:          redo.NewParser(meta),
		meta:            meta,
		codec:           o.Codec,
		notifier:        o.Notifier,
		output:          o.Output,
		raw:             o.Raw,
		appliedLSN:      make(map[string]string),
		inactiveApplied: make(map[string]struct{}),
		profiles:        make(map[string]*audit.SourceSystemProfileDO),
		bulk:            newBulkBuffer(o.Config.Apply.BulkInsertLimit, o.Config.Apply.BulkBufferBytes),
		skipRemaining:   o.Config.Apply.SkipBatch,
	}
	return a, nil
}

type tableState struct {
	name   string
	detail *audit.ProcessControlDetailDO
	minLSN string
	maxLSN string
	// applied is set when at least one statement of the table reached
	// the target in this batch.
	applied bool
}

type batch struct {
	id        string
	run       *audit.ProcessControlDO
	conn      Sink
	ready     bool
	skip      bool
	startTime time.Time

	// expected is the SOB record count, -1 for a batch resumed without
	// its SOB.
	expected int64
	received int64
	executed int64
	status   string

	sinceTargetCommit int
	sinceAuditCommit  int
	// appliedOffset is the last DATA offset whose statement has been
	// executed or buffered. A retried record at or below it only redoes
	// the commit point handling.
	appliedOffset int64

	minLSN string
	maxLSN string
	tables map[string]*tableState
	order  []string

	// replay holds the statements executed since the last target commit.
	replay        []string
	lastExecuted  string
	lastCommitted string
	lastFailed    string
}

func (a *Applier) schema() string { return a.cfg.TargetSchema }

func (a *Applier) fullName(table string) string {
	return redo.FullName(a.schema(), table)
}

func (a *Applier) profileKey(table string) audit.ProfileKey {
	return audit.ProfileKey{
		ProfileName:    a.cfg.ProfileName,
		ProfileVersion: a.cfg.ProfileVersion,
		TargetRegion:   a.cfg.TargetRegion,
		ObjectName:     strings.ToLower(table),
	}
}

// LoadProfiles reads the SSP rows of the profile: the high-water marks of
// the LSN guard and the set of inactive tables that were applied before.
func (a *Applier) LoadProfiles(ctx context.Context) error {
	rows, err := a.store.Profiles(ctx, a.cfg.ProfileName, a.cfg.ProfileVersion, a.cfg.TargetRegion)
	if err != nil {
		return err
	}
	for _, row := range rows {
		key := a.fullName(row.ObjectName)
		a.profiles[key] = row
		a.appliedLSN[key] = row.MaxLSN
		if !row.IsActive() && row.IsApplied() {
			a.inactiveApplied[key] = struct{}{}
		}
	}
	log.Info("applier profiles loaded",
		zap.String("profile", a.cfg.ProfileName),
		zap.Int("tables", len(rows)),
		zap.Int("inactiveApplied", len(a.inactiveApplied)))
	return nil
}

// Apply handles one record at offset. Unsupported statements are skipped
// with a warning; every other failure is returned and leaves the applier
// ready to retry the same record after Recover.
func (a *Applier) Apply(ctx context.Context, m *message.Message, offset int64) (Result, error) {
	switch m.RecordType {
	case message.TypeKill:
		return a.kill(ctx, m, offset)
	case message.TypeStartOfBatch:
		return ResultUncommitted, a.startBatch(ctx, m, offset)
	case message.TypeData:
		return a.applyData(ctx, m, offset)
	case message.TypeEndOfBatch:
		return a.endBatch(ctx, m, offset)
	}
	return ResultUncommitted, cerror.ErrUnknownRecordType.GenWithStackByArgs(string(m.RecordType))
}

func (a *Applier) kill(ctx context.Context, m *message.Message, offset int64) (Result, error) {
	if a.batch != nil {
		return ResultUncommitted, cerror.ErrApplyProtocol.GenWithStackByArgs(
			fmt.Sprintf("KILL at offset %d inside batch %s", offset, a.batch.id))
	}
	a.started = true
	if !a.cfg.Apply.DoNotCommit {
		a.committedOffset = offset + 1
	}
	now := time.Now()
	run := &audit.ProcessControlDO{
		ProfileName:    a.cfg.ProfileName,
		ProfileVersion: a.cfg.ProfileVersion,
		ProcessCode:    config.ProcessApply,
		Status:         audit.StatusKilled,
		ExecutorRunID:  a.committedOffset,
		ExecutorStatus: audit.ExecutorCommitted,
		Comment:        "stopped by KILL record of batch " + m.BatchID,
		StartTime:      now,
		EndTime:        &now,
	}
	if err := a.store.InsertRun(ctx, run); err != nil {
		return ResultUncommitted, err
	}
	a.lastRunID = run.ID
	log.Info("kill record received, applier stops",
		zap.String("batch", m.BatchID), zap.Int64("offset", offset))
	return ResultKilled, nil
}

func (a *Applier) newBatch(id string, expected int64, startLSN string) *batch {
	return &batch{
		id:            id,
		startTime:     time.Now(),
		expected:      expected,
		status:        audit.StatusSuccess,
		skip:          a.skipRemaining > 0 && expected >= 0,
		minLSN:        startLSN,
		tables:        make(map[string]*tableState),
		appliedOffset: -1,
	}
}

func (a *Applier) startBatch(ctx context.Context, m *message.Message, offset int64) error {
	if b := a.batch; b != nil && (b.id != m.BatchID || b.ready) {
		return cerror.ErrApplyProtocol.GenWithStackByArgs(
			fmt.Sprintf("SOB of batch %s at offset %d inside batch %s", m.BatchID, offset, b.id))
	}
	if a.batch == nil {
		a.batch = a.newBatch(m.BatchID, m.RecordCount, m.CommitLSN)
	}
	a.started = true
	return a.openBatch(ctx)
}

// resumeBatch opens a batch whose SOB precedes the start offset of the
// session.
func (a *Applier) resumeBatch(ctx context.Context, m *message.Message, offset int64) error {
	if a.started {
		return cerror.ErrApplyProtocol.GenWithStackByArgs(
			fmt.Sprintf("%s of batch %s at offset %d outside a batch", m.RecordType, m.BatchID, offset))
	}
	log.Warn("session starts inside a batch, resuming it",
		zap.String("batch", m.BatchID), zap.Int64("offset", offset))
	a.batch = a.newBatch(m.BatchID, -1, "")
	a.started = true
	return a.openBatch(ctx)
}

// openBatch inserts the run of the batch and connects to the target. Both
// steps are skipped when already done, so a failed start can be retried.
func (a *Applier) openBatch(ctx context.Context) error {
	b := a.batch
	if b.run == nil {
		status := audit.StatusInProgress
		if b.skip {
			status = audit.StatusSkipped
		}
		run := &audit.ProcessControlDO{
			ProfileName:    a.cfg.ProfileName,
			ProfileVersion: a.cfg.ProfileVersion,
			ProcessCode:    config.ProcessApply,
			Status:         status,
			MinLSN:         b.minLSN,
			ExecutorRunID:  a.committedOffset,
			ExecutorStatus: audit.ExecutorUncommitted,
			StartTime:      b.startTime,
		}
		if err := a.store.InsertRun(ctx, run); err != nil {
			return err
		}
		b.run = run
		a.currentRunID.Store(run.ID)
	}
	if !b.skip && b.conn == nil {
		conn, err := a.connector.Connect(ctx)
		if err != nil {
			return err
		}
		b.conn = conn
	}
	b.ready = true
	logutil.FromContext(ctx).Info("batch started",
		zap.String("batch", b.id), zap.Int64("runID", b.run.ID),
		zap.Int64("expected", b.expected), zap.Bool("skip", b.skip))
	return nil
}

func (a *Applier) ensureBatch(ctx context.Context, m *message.Message, offset int64) error {
	if a.batch == nil {
		return a.resumeBatch(ctx, m, offset)
	}
	if a.batch.id != m.BatchID {
		return cerror.ErrApplyProtocol.GenWithStackByArgs(
			fmt.Sprintf("%s of batch %s at offset %d inside batch %s", m.RecordType, m.BatchID, offset, a.batch.id))
	}
	if !a.batch.ready {
		return a.openBatch(ctx)
	}
	return nil
}

// table returns the per-table state of the batch, creating its audit detail
// on first use.
func (a *Applier) table(ctx context.Context, key, name string) (*tableState, error) {
	b := a.batch
	ts, ok := b.tables[key]
	if !ok {
		ts = &tableState{name: name}
		b.tables[key] = ts
		b.order = append(b.order, key)
	}
	if ts.detail == nil {
		detail := &audit.ProcessControlDetailDO{
			RunID:        b.run.ID,
			ObjectSchema: a.schema(),
			ObjectName:   strings.ToLower(name),
			Status:       audit.StatusInProgress,
		}
		if err := a.store.InsertDetail(ctx, detail); err != nil {
			return nil, err
		}
		ts.detail = detail
	}
	return ts, nil
}

func (a *Applier) drop(reason string) {
	droppedMessageCounter.WithLabelValues(a.cfg.ProfileName, reason).Inc()
}

func (a *Applier) applyData(ctx context.Context, m *message.Message, offset int64) (Result, error) {
	if err := a.ensureBatch(ctx, m, offset); err != nil {
		return ResultUncommitted, err
	}
	b := a.batch
	if offset <= b.appliedOffset {
		return a.commitPoints(ctx, offset)
	}
	key := a.fullName(m.TableName)
	ts, err := a.table(ctx, key, m.TableName)
	if err != nil {
		return ResultUncommitted, err
	}

	if err := a.applyStatement(ctx, m, offset, key, ts); err != nil {
		return ResultUncommitted, err
	}
	b.appliedOffset = offset
	b.received++
	ts.detail.SourceCount++
	b.sinceTargetCommit++
	b.sinceAuditCommit++
	return a.commitPoints(ctx, offset)
}

// applyStatement runs the guards and then executes or buffers the statement
// carried by m.
func (a *Applier) applyStatement(
	ctx context.Context, m *message.Message, offset int64, key string, ts *tableState,
) error {
	b := a.batch
	switch {
	case b.skip:
		a.drop("skip")
		return nil
	case a.isInactiveApplied(key):
		a.drop("inactive")
		return nil
	case a.isReplayed(key, m.CommitLSN):
		a.drop("replayed")
		log.Debug("change below the applied lsn dropped",
			zap.String("table", key), zap.String("lsn", m.CommitLSN), zap.Int64("offset", offset))
		return nil
	}

	stmt, err := a.statement(m)
	if err != nil {
		return a.skipUnsupported(err, m, offset)
	}
	if stmt == nil {
		a.drop("ignored")
		return nil
	}

	if a.cfg.Apply.BulkApply && stmt.Kind == redo.KindInsert {
		if a.bulk.needsFlush(key, statementSize(stmt)) {
			if err := a.flush(ctx); err != nil {
				return err
			}
		}
		a.bulk.add(key, stmt, m.CommitLSN, offset)
		a.track(ts, m.CommitLSN)
		return nil
	}

	if err := a.flush(ctx); err != nil {
		return err
	}
	if stmt.Kind == redo.KindCreate {
		if err := a.registerTable(ctx, m.TableName, key); err != nil {
			return err
		}
		stmt.AddMetaColumns(a.meta)
	}
	query, err := sqlrender.Render(a.dialect, stmt, a.schema())
	if err != nil {
		return a.skipUnsupported(err, m, offset)
	}
	rows, err := a.exec(ctx, query, stmt.Kind)
	if err != nil {
		return err
	}
	switch stmt.Kind {
	case redo.KindInsert:
		ts.detail.InsertCount++
	case redo.KindUpdate:
		ts.detail.UpdateCount += rows
	case redo.KindDelete:
		ts.detail.DeleteCount += rows
	case redo.KindCreate:
		ts.detail.CreateCount++
	case redo.KindAlter:
		ts.detail.AlterCount++
	}
	a.track(ts, m.CommitLSN)
	return nil
}

func (a *Applier) isInactiveApplied(key string) bool {
	_, ok := a.inactiveApplied[key]
	return ok
}

func (a *Applier) isReplayed(key, commitLSN string) bool {
	if lsn.IsZero(commitLSN) {
		return false
	}
	high, ok := a.appliedLSN[key]
	return ok && high != "" && lsn.Compare(commitLSN, high) <= 0
}

func (a *Applier) statement(m *message.Message) (*redo.Statement, error) {
	op, err := redo.ParseOperation(m.OperationCode)
	if err != nil {
		return nil, err
	}
	switch {
	case m.CommitStatement != "":
		return a.parser.Parse(op, m.TableName, m.CommitStatement, m.PrimaryKeyFields)
	case m.ColumnNames != "":
		return a.parser.FromColumns(op, m.TableName, m.ColumnNames, m.ColumnValues, m.PrimaryKeyFields)
	}
	return nil, nil
}

func (a *Applier) skipUnsupported(err error, m *message.Message, offset int64) error {
	if cerror.KindOf(err) != cerror.KindUnsupported {
		return err
	}
	a.drop("unsupported")
	a.batch.status = audit.StatusWarning
	log.Warn("unsupported change skipped",
		zap.String("table", m.TableName), zap.String("lsn", m.CommitLSN),
		zap.Int64("offset", offset), zap.Error(err))
	return nil
}

func (a *Applier) track(ts *tableState, commitLSN string) {
	b := a.batch
	ts.applied = true
	ts.minLSN = lsn.Min(ts.minLSN, commitLSN)
	ts.maxLSN = lsn.Max(ts.maxLSN, commitLSN)
	b.minLSN = lsn.Min(b.minLSN, commitLSN)
	b.maxLSN = lsn.Max(b.maxLSN, commitLSN)
}

// registerTable tracks a table seen for the first time in a CREATE.
func (a *Applier) registerTable(ctx context.Context, table, key string) error {
	if _, ok := a.profiles[key]; ok {
		return nil
	}
	row, err := a.store.UpsertProfileOnCreate(ctx, a.profileKey(table), &audit.SourceSystemProfileDO{
		TargetSchema:    a.schema(),
		ActiveInd:       audit.IndicatorYes,
		AppliedInd:      audit.IndicatorNo,
		LastRunID:       a.batch.run.ID,
		LastProcessCode: config.ProcessApply,
	})
	if err != nil {
		return err
	}
	a.profiles[key] = row
	log.Info("new table registered", zap.String("table", key), zap.Int64("objectSeq", row.ObjectSeq))
	return nil
}

func (a *Applier) exec(ctx context.Context, query string, kind redo.StatementKind) (int64, error) {
	b := a.batch
	rows, err := b.conn.Exec(ctx, query)
	if err != nil {
		b.lastFailed = query
		return 0, err
	}
	b.replay = append(b.replay, query)
	b.lastExecuted = query
	b.executed++
	executedStatementCounter.WithLabelValues(a.cfg.ProfileName, kind.String()).Inc()
	if err := a.output.WriteStatement(query); err != nil {
		log.Warn("write output file failed", zap.Error(err))
	}
	return rows, nil
}

// flush executes the buffered INSERTs as one multi-row INSERT. The buffer
// is kept when the statement fails.
func (a *Applier) flush(ctx context.Context) error {
	if a.bulk.empty() {
		return nil
	}
	query, err := sqlrender.BuildBulkInsert(a.schema(), a.bulk.rows)
	if err != nil {
		return err
	}
	if _, err := a.exec(ctx, query, redo.KindInsert); err != nil {
		return err
	}
	if ts, ok := a.batch.tables[a.bulk.table]; ok {
		ts.detail.InsertCount += int64(a.bulk.len())
	}
	bulkFlushHistogram.WithLabelValues(a.cfg.ProfileName).Observe(float64(a.bulk.len()))
	log.Debug("bulk insert flushed",
		zap.String("table", a.bulk.table), zap.Int("rows", a.bulk.len()),
		zap.Int64("startOffset", a.bulk.startOffset), zap.Int64("maxOffset", a.bulk.maxOffset))
	a.bulk.reset()
	return nil
}

// RecoveryOffset is the offset a restart has to resume from: the earliest
// buffered record while a bulk insert is in flight.
func (a *Applier) RecoveryOffset() int64 {
	if !a.bulk.empty() {
		return a.bulk.startOffset
	}
	return a.committedOffset
}

func (a *Applier) commitPoints(ctx context.Context, offset int64) (Result, error) {
	b := a.batch
	result := ResultUncommitted
	if b.sinceTargetCommit >= a.cfg.Apply.TargetCommitPoint {
		committed, err := a.commitTarget(ctx)
		if err != nil {
			return ResultUncommitted, err
		}
		b.sinceTargetCommit = 0
		if committed {
			a.committedOffset = offset + 1
			if err := a.store.UpdateRun(ctx, b.run.ID, map[string]interface{}{
				"executor_run_id": a.committedOffset,
				"executor_status": audit.ExecutorCommitted,
				"total_count":     b.received,
				"max_lsn":         b.maxLSN,
			}); err != nil {
				return ResultUncommitted, err
			}
			result = ResultCommitted
		}
	}
	if b.sinceAuditCommit >= a.cfg.Apply.AuditCommitPoint {
		if err := a.flushAudit(ctx, audit.StatusInProgress); err != nil {
			return result, err
		}
		b.sinceAuditCommit = 0
	}
	return result, nil
}

// commitTarget flushes the bulk buffer and commits the target. It reports
// false when the do-not-commit mode kept the transaction open. A
// transaction without statements is not committed.
func (a *Applier) commitTarget(ctx context.Context) (bool, error) {
	b := a.batch
	if b.skip {
		return false, nil
	}
	if err := a.flush(ctx); err != nil {
		return false, err
	}
	if a.cfg.Apply.DoNotCommit {
		return false, nil
	}
	if len(b.replay) == 0 {
		return true, nil
	}
	if err := b.conn.Commit(ctx); err != nil {
		return false, err
	}
	b.replay = b.replay[:0]
	b.lastCommitted = b.lastExecuted
	return true, nil
}

func (a *Applier) flushAudit(ctx context.Context, tableStatus string) error {
	b := a.batch
	for _, key := range b.order {
		ts := b.tables[key]
		if ts.detail == nil {
			continue
		}
		values := map[string]interface{}{
			"source_row_count": ts.detail.SourceCount,
			"insert_row_count": ts.detail.InsertCount,
			"update_row_count": ts.detail.UpdateCount,
			"delete_row_count": ts.detail.DeleteCount,
			"create_count":     ts.detail.CreateCount,
			"alter_count":      ts.detail.AlterCount,
			"min_lsn":          ts.minLSN,
			"max_lsn":          ts.maxLSN,
			"status":           tableStatus,
		}
		if tableStatus != audit.StatusInProgress {
			now := time.Now()
			values["end_time"] = &now
		}
		if err := a.store.UpdateDetail(ctx, ts.detail.ID, values); err != nil {
			return err
		}
	}
	return a.store.UpdateRun(ctx, b.run.ID, map[string]interface{}{
		"total_count": b.received,
		"min_lsn":     b.minLSN,
		"max_lsn":     b.maxLSN,
	})
}

func (a *Applier) endBatch(ctx context.Context, m *message.Message, offset int64) (Result, error) {
	if err := a.ensureBatch(ctx, m, offset); err != nil {
		return ResultUncommitted, err
	}
	b := a.batch
	if b.expected >= 0 && m.RecordCount != b.received {
		log.Warn("record count of batch does not match",
			zap.String("batch", b.id), zap.Int64("eob", m.RecordCount),
			zap.Int64("sob", b.expected), zap.Int64("received", b.received))
	}
	b.maxLSN = lsn.Max(b.maxLSN, m.CommitLSN)

	result := ResultUncommitted
	executorStatus := audit.ExecutorUncommitted
	switch {
	case b.skip:
		a.skipRemaining--
		b.status = audit.StatusSkipped
		log.Info("batch skipped", zap.String("batch", b.id), zap.Int("remaining", a.skipRemaining))
	case a.cfg.Apply.DoNotCommit:
		if err := a.flush(ctx); err != nil {
			return ResultUncommitted, err
		}
		if b.executed > 0 {
			b.status = audit.StatusWarning
		}
	default:
		committed, err := a.commitTarget(ctx)
		if err != nil {
			return ResultUncommitted, err
		}
		if committed && b.executed > 0 {
			result = ResultCommitted
			executorStatus = audit.ExecutorCommitted
		}
		if err := a.updateHighWaterMarks(ctx); err != nil {
			return ResultUncommitted, err
		}
	}
	if !a.cfg.Apply.DoNotCommit {
		a.committedOffset = offset + 1
	}
	if err := a.finishBatch(ctx, executorStatus); err != nil {
		return ResultUncommitted, err
	}
	return result, nil
}

// updateHighWaterMarks records the highest LSN applied per table.
func (a *Applier) updateHighWaterMarks(ctx context.Context) error {
	b := a.batch
	for _, key := range b.order {
		ts := b.tables[key]
		if !ts.applied {
			continue
		}
		high := lsn.Max(a.appliedLSN[key], ts.maxLSN)
		if err := a.store.UpdateProfileMaxLSN(ctx, a.profileKey(ts.name), high, config.ProcessApply, b.run.ID); err != nil {
			return err
		}
		a.appliedLSN[key] = high
	}
	return nil
}

func (a *Applier) finishBatch(ctx context.Context, executorStatus string) error {
	b := a.batch
	if err := a.flushAudit(ctx, b.status); err != nil {
		return err
	}
	now := time.Now()
	if err := a.store.UpdateRun(ctx, b.run.ID, map[string]interface{}{
		"status":          b.status,
		"executor_run_id": a.committedOffset,
		"executor_status": executorStatus,
		"end_time":        &now,
	}); err != nil {
		return err
	}
	batchDurationHistogram.WithLabelValues(a.cfg.ProfileName).Observe(now.Sub(b.startTime).Seconds())
	logutil.FromContext(ctx).Info("batch finished",
		zap.String("batch", b.id), zap.Int64("runID", b.run.ID), zap.String("status", b.status),
		zap.Int64("received", b.received), zap.Int64("executed", b.executed),
		zap.String("executorStatus", executorStatus))
	a.lastRunID = b.run.ID
	a.currentRunID.Store(0)
	a.closeBatch()
	return nil
}

// closeBatch releases the target connection, rolling back uncommitted work.
func (a *Applier) closeBatch() {
	b := a.batch
	if b == nil {
		return
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			log.Warn("close target connection failed", zap.Error(err))
		}
	}
	a.batch = nil
}

// Recover prepares a retry of the failed record: the target transaction is
// rolled back, the connection re-established and the statements executed
// since the last commit replayed.
func (a *Applier) Recover(ctx context.Context) error {
	b := a.batch
	if b == nil || b.skip || b.run == nil {
		return nil
	}
	if b.conn != nil {
		if err := b.conn.Rollback(ctx); err != nil {
			log.Warn("rollback target transaction failed", zap.Error(err))
		}
		if err := b.conn.Close(); err != nil {
			log.Warn("close target connection failed", zap.Error(err))
		}
		b.conn = nil
	}
	conn, err := a.connector.Connect(ctx)
	if err != nil {
		return err
	}
	b.conn = conn
	for _, query := range b.replay {
		if _, err := conn.Exec(ctx, query); err != nil {
			b.lastFailed = query
			return err
		}
	}
	log.Info("target transaction replayed",
		zap.String("batch", b.id), zap.Int("statements", len(b.replay)))
	return nil
}

// MarkKilled marks the open run KILLED. It is called on interrupt signals.
func (a *Applier) MarkKilled(ctx context.Context, reason string) {
	id := a.currentRunID.Load()
	if id == 0 {
		return
	}
	now := time.Now()
	if err := a.store.UpdateRun(ctx, id, map[string]interface{}{
		"status":   audit.StatusKilled,
		"comment":  cerror.ErrRunKilled.GenWithStackByArgs(reason).Error(),
		"end_time": &now,
	}); err != nil {
		log.Warn("mark run killed failed", zap.Int64("runID", id), zap.Error(err))
	}
}

// stateDump describes the applier for error reports.
func (a *Applier) stateDump(m *message.Message, offset int64) map[string]string {
	dump := map[string]string{
		"offset":          strconv.FormatInt(offset, 10),
		"record":          m.String(),
		"committedOffset": strconv.FormatInt(a.committedOffset, 10),
		"recoveryOffset":  strconv.FormatInt(a.RecoveryOffset(), 10),
		"bufferedRows":    strconv.Itoa(a.bulk.len()),
	}
	if b := a.batch; b != nil {
		dump["batch"] = b.id
		dump["received"] = strconv.FormatInt(b.received, 10)
		dump["lastExecuted"] = b.lastExecuted
		dump["lastCommitted"] = b.lastCommitted
		dump["lastFailed"] = b.lastFailed
	}
	return dump
}

// reportError logs err, marks the open run ERROR and mails the error list.
func (a *Applier) reportError(ctx context.Context, err error, m *message.Message, offset int64) {
	kind := cerror.KindOf(err)
	applyErrorCounter.WithLabelValues(a.cfg.ProfileName, kind.String()).Inc()
	dump := a.stateDump(m, offset)
	log.Error("apply record failed",
		zap.String("kind", kind.String()), zap.Any("state", dump), zap.Error(err))

	if b := a.batch; b != nil && b.run != nil {
		// The run reads ERROR while the failure is outstanding. A batch that
		// still ends after a successful retry is finished as WARNING.
		b.status = audit.StatusWarning
		var comment strings.Builder
		comment.WriteString(err.Error())
		for _, k := range []string{"lastExecuted", "lastCommitted", "lastFailed"} {
			if v := dump[k]; v != "" {
				comment.WriteString("; " + k + ": " + v)
			}
		}
		if uerr := a.store.UpdateRun(ctx, b.run.ID, map[string]interface{}{
			"status":  audit.StatusError,
			"comment": comment.String(),
		}); uerr != nil {
			log.Warn("mark run failed", zap.Error(uerr))
		}
	}
	a.notifier.Error(ctx,
		fmt.Sprintf("%s %s apply error", a.cfg.ProfileName, a.cfg.TargetRegion), err, dump)
}

// Close releases the open batch, if any.
func (a *Applier) Close() {
	a.closeBatch()
}
