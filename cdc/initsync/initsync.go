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
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pingcap/log"
	"github.com/pingcap/redoflow/pkg/audit"
	"github.com/pingcap/redoflow/pkg/config"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/logutil"
	"github.com/pingcap/redoflow/pkg/lsn"
	"github.com/pingcap/redoflow/pkg/notify"
	"github.com/pingcap/redoflow/pkg/source"
	"github.com/pingcap/redoflow/pkg/target"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// defaultHeartbeatPeriod is the number of extracted rows between two
// heartbeats of a table extractor.
const defaultHeartbeatPeriod = 10000

// Source reads table snapshots.
type Source interface {
	Columns(ctx context.Context, t source.TableRef) ([]source.Column, error)
	Query(ctx context.Context, s *source.Snapshot, lock bool) (Rows, error)
}

// Rows is an open snapshot read.
type Rows interface {
	Next(dest []interface{}) (bool, error)
	Width() int
	Close() error
}

type dbSource struct {
	db *source.DB
}

// NewSource adapts a source database to Source.
func NewSource(db *source.DB) Source {
	return &dbSource{db: db}
}

func (s *dbSource) Columns(ctx context.Context, t source.TableRef) ([]source.Column, error) {
	return s.db.Columns(ctx, t)
}

func (s *dbSource) Query(ctx context.Context, snap *source.Snapshot, lock bool) (Rows, error) {
	rows, err := s.db.Query(ctx, snap, lock)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Target is the part of the target database used around a bulk load.
type Target interface {
	TableExists(ctx context.Context, schema, table string) (bool, error)
	Columns(ctx context.Context, schema, table string) ([]target.Column, error)
	Truncate(ctx context.Context, schema, table string) error
	Delete(ctx context.Context, schema, table, condition string) error
	Vacuum(ctx context.Context, schema, table string) error
	Analyze(ctx context.Context, schema, table string) error
}

// Loader bulk loads one table inside a transaction.
type Loader interface {
	Copy(ctx context.Context, query string, r io.Reader) (int64, error)
	Commit(ctx context.Context) error
	// Close discards an uncommitted load.
	Close(ctx context.Context) error
}

// LoaderFactory opens a Loader.
type LoaderFactory func(ctx context.Context) (Loader, error)

// NewTargetLoaderFactory returns a LoaderFactory connecting to dsn.
func NewTargetLoaderFactory(dsn string) LoaderFactory {
	return func(ctx context.Context) (Loader, error) {
		return target.NewLoader(ctx, dsn)
	}
}

// OffsetSeeker moves the applier consumer group to the end of the stream.
type OffsetSeeker interface {
	SeekToEnd(ctx context.Context) (int64, error)
}

// Options holds the collaborators of a Supervisor.
type Options struct {
	Config    *config.Config
	Store     audit.Store
	Source    Source
	Target    Target
	NewLoader LoaderFactory
	// Seeker is used when seektoend is configured.
	Seeker   OffsetSeeker
	Notifier *notify.Notifier
	// HeartbeatPeriod defaults to defaultHeartbeatPeriod rows.
	HeartbeatPeriod int64
}

// Supervisor seeds the target tables of a profile from full source
// snapshots, one table per worker.
type Supervisor struct {
	cfg       *config.Config
	store     audit.Store
	source    Source
	target    Target
	newLoader LoaderFactory
	seeker    OffsetSeeker
	notifier  *notify.Notifier
	period    int64

	currentRunID atomic.Int64
}

// New creates a Supervisor.
func New(o Options) *Supervisor {
	period := o.HeartbeatPeriod
	if period <= 0 {
		period = defaultHeartbeatPeriod
	}
	return &Supervisor{
		cfg:       o.Config,
		store:     o.Store,
		source:    o.Source,
		target:    o.Target,
		newLoader: o.NewLoader,
		seeker:    o.Seeker,
		notifier:  o.Notifier,
		period:    period,
	}
}

// TableResult is the outcome of seeding one table.
type TableResult struct {
	Table     string
	Status    string
	Extracted int64
	Loaded    int64
	LSN       string
	Duration  time.Duration
	Err       error
}

// Summary is the outcome of a run.
type Summary struct {
	RunID  int64
	Status string
	MinLSN string
	MaxLSN string
	// Offset is the stream offset the applier group was moved to, or -1.
	Offset int64
	Tables []*TableResult
}

// job is one table to seed.
type job struct {
	key       audit.ProfileKey
	source    source.TableRef
	schema    string
	table     string
	condition string
}

// Run seeds every table of the profile. It returns the summary of the run
// and an ErrInitSyncFailed when no table could be seeded.
func (s *Supervisor) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	enc, err := newEncoder(s.cfg.InitSync.ClientEncoding)
	if err != nil {
		return nil, err
	}
	jobs, err := s.jobs(ctx)
	if err != nil {
		return nil, err
	}
	runDir, err := s.cfg.RunDir(start)
	if err != nil {
		return nil, err
	}

	run := &audit.ProcessControlDO{
		ProfileName:    s.cfg.ProfileName,
		ProfileVersion: s.cfg.ProfileVersion,
		ProcessCode:    config.ProcessInitSync,
		Status:         audit.StatusInProgress,
		InfoLog:        runDir,
		ErrorLog:       runDir,
		StartTime:      start,
	}
	if err := s.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}
	s.currentRunID.Store(run.ID)
	defer s.currentRunID.Store(0)
	ctx = logutil.WithRun(ctx, s.cfg.ProfileName, s.cfg.ProfileVersion, run.ID)
	logutil.FromContext(ctx).Info("initsync started",
		zap.Int("tables", len(jobs)), zap.Int("workers", s.cfg.InitSync.NumProcesses), zap.String("dir", runDir))

	sum := &Summary{RunID: run.ID, Offset: -1, Tables: make([]*TableResult, len(jobs))}
	var g errgroup.Group
	g.SetLimit(s.cfg.InitSync.NumProcesses)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			sum.Tables[i] = s.syncTable(ctx, run.ID, runDir, j, enc)
			return nil
		})
	}
	_ = g.Wait()

	sum.Status, sum.MinLSN, sum.MaxLSN = aggregate(sum.Tables)
	comment := describe(sum.Tables)
	if len(jobs) == 0 {
		comment = "no tables to sync"
	}
	if s.cfg.InitSync.SeekToEnd && s.seeker != nil && sum.Status != audit.StatusError {
		offset, err := s.seeker.SeekToEnd(ctx)
		if err != nil {
			log.Warn("seek applier group to end failed", zap.Error(err))
			sum.Status = audit.StatusWarning
			comment += "; seek to end failed: " + err.Error()
		} else {
			sum.Offset = offset
		}
	}

	var loaded int64
	for _, r := range sum.Tables {
		loaded += r.Loaded
	}
	now := time.Now()
	values := map[string]interface{}{
		"status":      sum.Status,
		"min_lsn":     sum.MinLSN,
		"max_lsn":     sum.MaxLSN,
		"total_count": loaded,
		"comment":     comment,
		"end_time":    &now,
	}
	if sum.Offset >= 0 {
		values["executor_run_id"] = sum.Offset
	}
	if err := s.store.UpdateRun(context.WithoutCancel(ctx), run.ID, values); err != nil {
		log.Warn("update initsync run failed", zap.Error(err))
	}
	s.notifier.Summary(ctx, s.report(sum, now.Sub(start)))
	logutil.FromContext(ctx).Info("initsync finished",
		zap.String("status", sum.Status), zap.String("minLSN", sum.MinLSN), zap.String("maxLSN", sum.MaxLSN),
		zap.Int64("rows", loaded), zap.Duration("duration", now.Sub(start)))

	if sum.Status == audit.StatusError {
		err := cerror.ErrInitSyncFailed.GenWithStackByArgs(run.ID, sum.Status)
		s.notifier.Error(ctx, "InitSync failed", err, map[string]string{
			"profile": s.cfg.ProfileName,
			"version": strconv.Itoa(s.cfg.ProfileVersion),
			"comment": comment,
		})
		return sum, err
	}
	return sum, nil
}

// jobs returns the active tables of the profile. When the profile has
// none the configured table list is registered in the profile and used.
func (s *Supervisor) jobs(ctx context.Context) ([]job, error) {
	rows, err := s.store.Profiles(ctx, s.cfg.ProfileName, s.cfg.ProfileVersion, s.cfg.TargetRegion)
	if err != nil {
		return nil, err
	}
	var jobs []job
	for _, row := range rows {
		if !row.IsActive() || row.ObjectName == "" {
			continue
		}
		jobs = append(jobs, s.newJob(row))
	}
	list, err := s.cfg.InitSync.Tables()
	if err != nil {
		return nil, err
	}
	if len(jobs) > 0 {
		if len(list) > 0 {
			log.Info("profile has active tables, table list ignored", zap.Int("tables", len(jobs)))
		}
		return jobs, nil
	}
	for _, name := range list {
		parts := strings.Split(name, ".")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, cerror.ErrInvalidArgument.GenWithStackByArgs(
				fmt.Sprintf("table %q must be written as schema.table", name))
		}
		key := audit.ProfileKey{
			ProfileName:    s.cfg.ProfileName,
			ProfileVersion: s.cfg.ProfileVersion,
			TargetRegion:   s.cfg.TargetRegion,
			ObjectName:     strings.ToLower(parts[1]),
		}
		row, err := s.store.UpsertProfileOnCreate(ctx, key, &audit.SourceSystemProfileDO{
			SourceSchema: parts[0],
			TargetSchema: s.cfg.TargetSchema,
		})
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, s.newJob(row))
	}
	return jobs, nil
}

func (s *Supervisor) newJob(row *audit.SourceSystemProfileDO) job {
	schema := row.TargetSchema
	if schema == "" {
		schema = s.cfg.TargetSchema
	}
	return job{
		key:       row.Key(),
		source:    source.TableRef{Schema: row.SourceSchema, Table: row.ObjectName},
		schema:    schema,
		table:     targetName(row.ObjectName),
		condition: row.QueryCondition,
	}
}

// aggregate returns the run status and the LSN range over all tables.
func aggregate(results []*TableResult) (status, minLSN, maxLSN string) {
	if len(results) == 0 {
		return audit.StatusWarning, "", ""
	}
	var success, failed int
	for _, r := range results {
		switch r.Status {
		case audit.StatusSuccess:
			success++
		case audit.StatusError:
			failed++
		}
		if r.LSN != "" {
			minLSN = lsn.Min(minLSN, r.LSN)
			maxLSN = lsn.Max(maxLSN, r.LSN)
		}
	}
	switch {
	case success == len(results):
		status = audit.StatusSuccess
	case failed == len(results):
		status = audit.StatusError
	default:
		status = audit.StatusWarning
	}
	return status, minLSN, maxLSN
}

func describe(results []*TableResult) string {
	counts := make(map[string]int)
	for _, r := range results {
		counts[r.Status]++
	}
	return fmt.Sprintf("%d tables: %d success, %d warning, %d error", len(results),
		counts[audit.StatusSuccess], counts[audit.StatusWarning], counts[audit.StatusError])
}

func (s *Supervisor) report(sum *Summary, d time.Duration) *notify.Summary {
	r := &notify.Summary{
		Title: fmt.Sprintf("InitSync %s v%d run %d (%s)",
			s.cfg.ProfileName, s.cfg.ProfileVersion, sum.RunID, d.Round(time.Second)),
		Status:  sum.Status,
		Columns: []string{"table", "status", "extracted", "loaded", "lsn", "duration", "comment"},
	}
	for _, t := range sum.Tables {
		var comment string
		if t.Err != nil {
			comment = cerror.TruncateComment(t.Err.Error())
		}
		r.Rows = append(r.Rows, []string{
			t.Table, t.Status,
			strconv.FormatInt(t.Extracted, 10), strconv.FormatInt(t.Loaded, 10),
			t.LSN, t.Duration.Round(time.Millisecond).String(), comment,
		})
	}
	return r
}

// MarkKilled marks the running initsync KILLED.
func (s *Supervisor) MarkKilled(ctx context.Context, reason string) {
	id := s.currentRunID.Load()
	if id == 0 {
		return
	}
	now := time.Now()
	if err := s.store.UpdateRun(ctx, id, map[string]interface{}{
		"status":   audit.StatusKilled,
		"comment":  cerror.ErrRunKilled.GenWithStackByArgs(reason).Error(),
		"end_time": &now,
	}); err != nil {
		log.Warn("mark run killed failed", zap.Int64("runID", id), zap.Error(err))
	}
}

// targetName maps a source object name to the target table name.
func targetName(name string) string {
	return strings.NewReplacer("/", "_", `\`, "_").Replace(strings.ToLower(name))
}
