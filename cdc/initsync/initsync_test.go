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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/redoflow/pkg/audit"
	"github.com/pingcap/redoflow/pkg/config"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/notify"
	"github.com/pingcap/redoflow/pkg/source"
	"github.com/pingcap/redoflow/pkg/target"
	"github.com/stretchr/testify/require"
)

type fakeTable struct {
	cols []source.Column
	rows [][]interface{}
	// failAt fails the read of that row, counted from 1.
	failAt int
	// block makes the query hang until it is canceled.
	block bool
}

type fakeSource struct {
	tables map[string]*fakeTable
}

func (f *fakeSource) Columns(_ context.Context, t source.TableRef) ([]source.Column, error) {
	tbl, ok := f.tables[t.String()]
	if !ok {
		return nil, cerror.ErrTableNotFound.GenWithStackByArgs(t.String(), "source")
	}
	return tbl.cols, nil
}

func (f *fakeSource) Query(ctx context.Context, s *source.Snapshot, _ bool) (Rows, error) {
	tbl := f.tables[s.Table.String()]
	if tbl.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	width := len(s.Columns)
	if s.ExtractLSN {
		width++
	}
	return &fakeRows{table: tbl, width: width}, nil
}

type fakeRows struct {
	table *fakeTable
	width int
	pos   int
}

func (r *fakeRows) Next(dest []interface{}) (bool, error) {
	if r.pos >= len(r.table.rows) {
		return false, nil
	}
	r.pos++
	if r.pos == r.table.failAt {
		return false, cerror.ErrSourceQuery.GenWithStackByArgs()
	}
	copy(dest, r.table.rows[r.pos-1])
	return true, nil
}

func (r *fakeRows) Width() int   { return r.width }
func (r *fakeRows) Close() error { return nil }

type fakeTarget struct {
	mu        sync.Mutex
	existing  map[string]bool
	cols      map[string][]target.Column
	truncated []string
	deleted   []string
	vacuumed  []string
	analyzed  []string
}

func (f *fakeTarget) TableExists(_ context.Context, schema, table string) (bool, error) {
	return f.existing[schema+"."+table], nil
}

func (f *fakeTarget) Columns(_ context.Context, schema, table string) ([]target.Column, error) {
	return f.cols[schema+"."+table], nil
}

func (f *fakeTarget) record(list *[]string, entry string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	*list = append(*list, entry)
	return nil
}

func (f *fakeTarget) Truncate(_ context.Context, schema, table string) error {
	return f.record(&f.truncated, schema+"."+table)
}

func (f *fakeTarget) Delete(_ context.Context, schema, table, condition string) error {
	return f.record(&f.deleted, schema+"."+table+" where "+condition)
}

func (f *fakeTarget) Vacuum(_ context.Context, schema, table string) error {
	return f.record(&f.vacuumed, schema+"."+table)
}

func (f *fakeTarget) Analyze(_ context.Context, schema, table string) error {
	return f.record(&f.analyzed, schema+"."+table)
}

type fakeLoader struct {
	query     string
	data      string
	committed bool
	closed    bool
}

func (l *fakeLoader) Copy(_ context.Context, query string, r io.Reader) (int64, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	l.query, l.data = query, string(b)
	return int64(strings.Count(l.data, "\n")), nil
}

func (l *fakeLoader) Commit(context.Context) error {
	l.committed = true
	return nil
}

func (l *fakeLoader) Close(context.Context) error {
	l.closed = true
	return nil
}

type loaders struct {
	mu   sync.Mutex
	list []*fakeLoader
}

func (f *loaders) factory(context.Context) (Loader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &fakeLoader{}
	f.list = append(f.list, l)
	return l, nil
}

// byTable returns the loader that copied into schema.table.
func (f *loaders) byTable(t *testing.T, table string) *fakeLoader {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.list {
		if strings.HasPrefix(l.query, "COPY "+table+" ") {
			return l
		}
	}
	require.FailNow(t, "no load into "+table)
	return nil
}

type fakeMailer struct {
	mu    sync.Mutex
	mails []*notify.Mail
}

func (m *fakeMailer) Send(_ context.Context, mail *notify.Mail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mails = append(m.mails, mail)
	return nil
}

type fakeSeeker struct {
	offset int64
	calls  int
}

func (s *fakeSeeker) SeekToEnd(context.Context) (int64, error) {
	s.calls++
	return s.offset, nil
}

type testEnv struct {
	cfg     *config.Config
	store   *audit.GormStore
	source  *fakeSource
	target  *fakeTarget
	loaders *loaders
	mailer  *fakeMailer
	seeker  *fakeSeeker
}

func newTestEnv(t *testing.T, adjust func(*config.Config)) *testEnv {
	cfg := config.NewDefaultConfig()
	cfg.ProfileName = "p"
	cfg.TargetSchema = "ctl"
	cfg.TargetRegion = "r"
	cfg.WorkDirectory = t.TempDir()
	cfg.InitSync.NumProcesses = 2
	cfg.InitSync.BufferSize = 16
	cfg.InitSync.ExtractTimeout = 5 * time.Second
	cfg.Notify = &config.NotifyConfig{Error: []string{"oncall@example.com"}, Summary: []string{"team@example.com"}}
	if adjust != nil {
		adjust(cfg)
	}
	store, err := audit.NewMockStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &testEnv{
		cfg:     cfg,
		store:   store,
		source:  &fakeSource{tables: make(map[string]*fakeTable)},
		target:  &fakeTarget{existing: make(map[string]bool), cols: make(map[string][]target.Column)},
		loaders: &loaders{},
		mailer:  &fakeMailer{},
		seeker:  &fakeSeeker{offset: 42},
	}
}

func (e *testEnv) supervisor() *Supervisor {
	return New(Options{
		Config:          e.cfg,
		Store:           e.store,
		Source:          e.source,
		Target:          e.target,
		NewLoader:       e.loaders.factory,
		Seeker:          e.seeker,
		Notifier:        notify.NewNotifier(e.mailer, e.cfg.Notify, "[test] "),
		HeartbeatPeriod: 2,
	})
}

func profileKey(name string) audit.ProfileKey {
	return audit.ProfileKey{ProfileName: "p", ProfileVersion: 1, TargetRegion: "r", ObjectName: name}
}

// addTable registers an active profile table that exists on both sides.
func (e *testEnv) addTable(t *testing.T, name string, tbl *fakeTable) {
	_, err := e.store.UpsertProfileOnCreate(context.Background(), profileKey(name), &audit.SourceSystemProfileDO{SourceSchema: "SALES", TargetSchema: "ctl"})
	require.NoError(t, err)
	e.source.tables["SALES."+name] = tbl
	e.target.existing["ctl."+name] = true
}

func (e *testEnv) profile(t *testing.T, name string) *audit.SourceSystemProfileDO {
	row, err := e.store.Profile(context.Background(), profileKey(name))
	require.NoError(t, err)
	return row
}

func (e *testEnv) latestRun(t *testing.T) *audit.ProcessControlDO {
	run, err := e.store.LatestRun(context.Background(), "p", 1, config.ProcessInitSync)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

func threeRows() *fakeTable {
	return &fakeTable{
		cols: []source.Column{{Name: "ID", DataType: "NUMBER"}, {Name: "NAME", DataType: "VARCHAR2"}},
		rows: [][]interface{}{
			{int64(1), "a"},
			{int64(2), nil},
			{int64(3), "c"},
		},
	}
}

func TestInitSyncTwoTables(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addTable(t, "orders", threeRows())
	env.addTable(t, "items", threeRows())

	sum, err := env.supervisor().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, audit.StatusSuccess, sum.Status)
	require.Len(t, sum.Tables, 2)
	for _, r := range sum.Tables {
		require.Equal(t, audit.StatusSuccess, r.Status, r.Table)
		require.Equal(t, int64(3), r.Extracted)
		require.Equal(t, int64(3), r.Loaded)
		require.NoError(t, r.Err)
	}

	for _, table := range []string{"ctl.orders", "ctl.items"} {
		l := env.loaders.byTable(t, table)
		require.True(t, l.committed)
		require.Equal(t, "1\x02a\n2\x02\\N\n3\x02c\n", l.data)
		require.Contains(t, l.query, "( id, name )")
	}
	require.Equal(t, audit.StatusSuccess, env.profile(t, "orders").LastStatus)

	run := env.latestRun(t)
	require.Equal(t, audit.StatusSuccess, run.Status)
	require.Equal(t, int64(6), run.TotalCount)
	require.NotNil(t, run.EndTime)
	require.Equal(t, int64(-1), sum.Offset)
	require.Zero(t, env.seeker.calls)

	require.Len(t, env.mailer.mails, 1)
	mail := env.mailer.mails[0]
	require.Equal(t, []string{"team@example.com"}, mail.To)
	require.Contains(t, mail.Subject, audit.StatusSuccess)
	require.Contains(t, mail.HTML, "ctl.orders")
	require.Contains(t, mail.Text, "ctl.items")
}

func TestInitSyncExtractLSN(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.InitSync.ExtractLSN = true
		c.InitSync.SeekToEnd = true
		c.InitSync.Vacuum = true
		c.InitSync.Analyze = true
	})
	tbl := threeRows()
	for i, row := range tbl.rows {
		tbl.rows[i] = append(row, fmt.Sprint(100+i))
	}
	env.addTable(t, "orders", tbl)

	sum, err := env.supervisor().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, audit.StatusSuccess, sum.Status)
	require.Equal(t, "102", sum.Tables[0].LSN)
	require.Equal(t, "102", sum.MinLSN)
	require.Equal(t, "102", sum.MaxLSN)
	require.Equal(t, "1\x02a\n2\x02\\N\n3\x02c\n", env.loaders.byTable(t, "ctl.orders").data)

	row := env.profile(t, "orders")
	require.Equal(t, "102", row.MinLSN)
	require.Equal(t, "102", row.MaxLSN)
	require.Equal(t, config.ProcessInitSync, row.LastProcessCode)

	require.Equal(t, 1, env.seeker.calls)
	require.Equal(t, int64(42), sum.Offset)
	run := env.latestRun(t)
	require.Equal(t, int64(42), run.ExecutorRunID)
	require.Equal(t, "102", run.MaxLSN)
	require.Equal(t, []string{"ctl.orders"}, env.target.vacuumed)
	require.Equal(t, []string{"ctl.orders"}, env.target.analyzed)
}

func TestInitSyncMissingTableWarns(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addTable(t, "orders", threeRows())
	env.addTable(t, "items", threeRows())
	env.target.existing["ctl.items"] = false

	sum, err := env.supervisor().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, audit.StatusWarning, sum.Status)
	for _, r := range sum.Tables {
		if r.Table == "ctl.items" {
			require.Equal(t, audit.StatusWarning, r.Status)
			require.True(t, cerror.ErrTableNotFound.Equal(r.Err))
		} else {
			require.Equal(t, audit.StatusSuccess, r.Status)
		}
	}
	require.Equal(t, audit.StatusWarning, env.profile(t, "items").LastStatus)
	require.Equal(t, audit.StatusWarning, env.latestRun(t).Status)
}

func TestInitSyncExtractFailureDiscardsLoad(t *testing.T) {
	env := newTestEnv(t, nil)
	tbl := threeRows()
	tbl.failAt = 3
	env.addTable(t, "orders", tbl)

	sum, err := env.supervisor().Run(context.Background())
	require.Error(t, err)
	require.True(t, cerror.ErrInitSyncFailed.Equal(err))
	require.Equal(t, audit.StatusError, sum.Status)
	require.True(t, cerror.ErrSourceQuery.Equal(sum.Tables[0].Err))
	require.Equal(t, int64(2), sum.Tables[0].Extracted)

	l := env.loaders.byTable(t, "ctl.orders")
	require.False(t, l.committed)
	require.True(t, l.closed)
	require.Equal(t, audit.StatusError, env.profile(t, "orders").LastStatus)
	require.Equal(t, audit.StatusError, env.latestRun(t).Status)

	// summary plus error notification
	require.Len(t, env.mailer.mails, 2)
	require.Equal(t, []string{"oncall@example.com"}, env.mailer.mails[1].To)
}

func TestInitSyncExtractTimeout(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.InitSync.ExtractTimeout = 50 * time.Millisecond
	})
	env.addTable(t, "orders", &fakeTable{
		cols:  []source.Column{{Name: "ID", DataType: "NUMBER"}},
		block: true,
	})

	sum, err := env.supervisor().Run(context.Background())
	require.Error(t, err)
	require.Equal(t, audit.StatusError, sum.Status)
	require.True(t, cerror.ErrExtractTimeout.Equal(sum.Tables[0].Err))
	require.False(t, env.loaders.byTable(t, "ctl.orders").committed)
}

func TestInitSyncPrepareTarget(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.InitSync.Truncate = true
	})
	env.addTable(t, "orders", threeRows())
	env.addTable(t, "items", threeRows())
	require.NoError(t, env.store.UpdateProfile(context.Background(), profileKey("items"),
		map[string]interface{}{"query_condition": "ID > 1"}))

	_, err := env.supervisor().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"ctl.orders"}, env.target.truncated)
	require.Equal(t, []string{"ctl.items where ID > 1"}, env.target.deleted)
}

func TestInitSyncTargetLoadDefinition(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.InitSync.LoadDefinition = config.LoadDefinitionTarget
	})
	tbl := threeRows()
	env.addTable(t, "orders", tbl)
	env.target.cols["ctl.orders"] = []target.Column{
		{Name: "name", DataType: "text"},
		{Name: "ctl_ins_ts", DataType: "timestamp"},
	}
	// the snapshot only selects NAME
	tbl.rows = [][]interface{}{{"a"}, {"b"}}

	_, err := env.supervisor().Run(context.Background())
	require.NoError(t, err)
	l := env.loaders.byTable(t, "ctl.orders")
	require.Contains(t, l.query, "( name )")
	require.Equal(t, "a\nb\n", l.data)
}

func TestInitSyncTableList(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.InitSync.TableList = []string{"SALES.Orders"}
	})
	env.source.tables["SALES.orders"] = threeRows()
	env.target.existing["ctl.orders"] = true

	sum, err := env.supervisor().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, audit.StatusSuccess, sum.Status)
	row := env.profile(t, "orders")
	require.Equal(t, "SALES", row.SourceSchema)
	require.True(t, row.IsActive())

	env.cfg.InitSync.TableList = []string{"orders"}
	require.NoError(t, env.store.UpdateProfile(context.Background(), row.Key(),
		map[string]interface{}{"active_ind": audit.IndicatorNo}))
	_, err = env.supervisor().Run(context.Background())
	require.True(t, cerror.ErrInvalidArgument.Equal(err))
}

func TestInitSyncNoTables(t *testing.T) {
	env := newTestEnv(t, nil)
	sum, err := env.supervisor().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, audit.StatusWarning, sum.Status)
	require.Empty(t, sum.Tables)
	run := env.latestRun(t)
	require.Equal(t, audit.StatusWarning, run.Status)
	require.Equal(t, "no tables to sync", run.Comment)
}

func TestMarkKilled(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.supervisor()
	s.MarkKilled(context.Background(), "SIGTERM")

	run := &audit.ProcessControlDO{
		ProfileName:    "p",
		ProfileVersion: 1,
		ProcessCode:    config.ProcessInitSync,
		Status:         audit.StatusInProgress,
		StartTime:      time.Now(),
	}
	require.NoError(t, env.store.InsertRun(context.Background(), run))
	s.currentRunID.Store(run.ID)
	s.MarkKilled(context.Background(), "SIGTERM")
	got := env.latestRun(t)
	require.Equal(t, audit.StatusKilled, got.Status)
	require.Contains(t, got.Comment, "SIGTERM")
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		statuses []string
		expected string
	}{
		{[]string{audit.StatusSuccess, audit.StatusSuccess}, audit.StatusSuccess},
		{[]string{audit.StatusError, audit.StatusError}, audit.StatusError},
		{[]string{audit.StatusSuccess, audit.StatusError}, audit.StatusWarning},
		{[]string{audit.StatusWarning}, audit.StatusWarning},
		{nil, audit.StatusWarning},
	}
	for _, c := range cases {
		var results []*TableResult
		for i, s := range c.statuses {
			results = append(results, &TableResult{Status: s, LSN: fmt.Sprint(10 - i)})
		}
		status, _, _ := aggregate(results)
		require.Equal(t, c.expected, status, "%v", c.statuses)
	}

	_, minLSN, maxLSN := aggregate([]*TableResult{{LSN: "90"}, {LSN: ""}, {LSN: "100"}})
	require.Equal(t, "90", minLSN)
	require.Equal(t, "100", maxLSN)
}

