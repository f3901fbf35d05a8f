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
	"io"
	"testing"

	"github.com/pingcap/redoflow/pkg/audit"
	"github.com/pingcap/redoflow/pkg/config"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/heartbeat"
	"github.com/pingcap/redoflow/pkg/message"
	"github.com/pingcap/redoflow/pkg/source"
	"github.com/stretchr/testify/require"
)

type fakeCDC struct {
	window  source.Window
	prevMax string
	keys    map[string]string
	rows    []*source.ChangeRow
	// failAt makes the reader fail instead of returning that row index.
	failAt int
	opened []source.TableRef
	closed bool
}

func (f *fakeCDC) Window(_ context.Context, prevMax string) (source.Window, error) {
	f.prevMax = prevMax
	return f.window, nil
}

func (f *fakeCDC) KeyColumns(_ context.Context, t source.TableRef) (string, error) {
	if k, ok := f.keys[t.String()]; ok {
		return k, nil
	}
	return "NOPK", nil
}

func (f *fakeCDC) Open(_ context.Context, _ source.Window, tables []source.TableRef) (source.ChangeReader, error) {
	f.opened = tables
	return &fakeReader{cdc: f}, nil
}

func (f *fakeCDC) Close() error { return nil }

type fakeReader struct {
	cdc *fakeCDC
	pos int
}

func (r *fakeReader) Next(context.Context) (*source.ChangeRow, error) {
	if r.cdc.failAt > 0 && r.pos == r.cdc.failAt {
		return nil, cerror.ErrSourceQuery.GenWithStackByArgs()
	}
	if r.pos >= len(r.cdc.rows) {
		return nil, io.EOF
	}
	row := r.cdc.rows[r.pos]
	row.Total = int64(len(r.cdc.rows))
	r.pos++
	return row, nil
}

func (r *fakeReader) Close() error {
	r.cdc.closed = true
	return nil
}

type fakeProducer struct {
	values  [][]byte
	flushes int
}

func (p *fakeProducer) Produce(_ context.Context, value []byte) error {
	p.values = append(p.values, value)
	return nil
}

func (p *fakeProducer) Flush(context.Context) error {
	p.flushes++
	return nil
}

func (p *fakeProducer) Close() error { return nil }

type testEnv struct {
	cfg      *config.Config
	store    *audit.GormStore
	cdc      *fakeCDC
	producer *fakeProducer
	codec    *message.AvroCodec
}

func newTestEnv(t *testing.T) *testEnv {
	cfg := config.NewDefaultConfig()
	cfg.ProfileName = "p"
	cfg.TargetRegion = "r"
	store, err := audit.NewMockStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	codec, err := message.NewAvroCodec(message.DefaultSchema)
	require.NoError(t, err)
	return &testEnv{
		cfg:      cfg,
		store:    store,
		cdc:      &fakeCDC{window: source.Window{Min: "100", Max: "200"}, keys: map[string]string{"HR.EMP": "ID"}},
		producer: &fakeProducer{},
		codec:    codec,
	}
}

func (e *testEnv) seed(t *testing.T, table string, active bool) {
	ctx := context.Background()
	key := audit.ProfileKey{ProfileName: "p", ProfileVersion: 1, TargetRegion: "r", ObjectName: table}
	_, err := e.store.UpsertProfileOnCreate(ctx, key, &audit.SourceSystemProfileDO{SourceSchema: "hr"})
	require.NoError(t, err)
	if !active {
		require.NoError(t, e.store.UpdateProfile(ctx, key, map[string]interface{}{"active_ind": audit.IndicatorNo}))
	}
}

func (e *testEnv) extractor(hb *heartbeat.Reporter) *Extractor {
	return New(Options{
		Config:    e.cfg,
		Store:     e.store,
		Source:    e.cdc,
		Producer:  e.producer,
		Codec:     e.codec,
		Heartbeat: hb,
	})
}

func (e *testEnv) produced(t *testing.T) []*message.Message {
	var msgs []*message.Message
	for _, v := range e.producer.values {
		m, err := e.codec.Decode(v)
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
	return msgs
}

func (e *testEnv) latestRun(t *testing.T) *audit.ProcessControlDO {
	run, err := e.store.LatestRun(context.Background(), "p", 1, config.ProcessExtract)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

func changeRow(table, scn, op, redoText string) *source.ChangeRow {
	return &source.ChangeRow{Schema: "HR", TableName: table, CommitLSN: scn, OperationCode: op, SQLRedo: redoText}
}

func TestExtractBatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.seed(t, "emp", true)
	env.seed(t, "dept", true)
	env.seed(t, "old", false)
	env.cdc.rows = []*source.ChangeRow{
		changeRow("EMP", "150", "INSERT", `insert into "HR"."EMP"("ID") values ('1')`),
		changeRow("DEPT", "160", "UPDATE", `update "HR"."DEPT" set "N" = '2' where "ID" = '1'`),
		changeRow("EMP", "170", "DELETE", `delete from "HR"."EMP" where "ID" = '1'`),
	}

	res, err := env.extractor(nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, audit.StatusSuccess, res.Status)
	require.Equal(t, int64(3), res.Records)
	require.Equal(t, "170", res.LastLSN)
	require.Equal(t, "", env.cdc.prevMax)
	require.ElementsMatch(t, []source.TableRef{{Schema: "HR", Table: "EMP"}, {Schema: "HR", Table: "DEPT"}}, env.cdc.opened)
	require.True(t, env.cdc.closed)
	require.Equal(t, 1, env.producer.flushes)

	msgs := env.produced(t)
	require.Len(t, msgs, 5)
	require.Equal(t, message.TypeStartOfBatch, msgs[0].RecordType)
	require.Equal(t, int64(3), msgs[0].RecordCount)
	require.Equal(t, "100", msgs[0].CommitLSN)
	for i, m := range msgs[1:4] {
		require.Equal(t, message.TypeData, m.RecordType)
		require.Equal(t, msgs[0].BatchID, m.BatchID)
		require.Equal(t, int64(i+1), m.MessageSequence)
	}
	require.Equal(t, "ID", msgs[1].PrimaryKeyFields)
	require.Equal(t, "NOPK", msgs[2].PrimaryKeyFields)
	require.Equal(t, message.TypeEndOfBatch, msgs[4].RecordType)
	require.Equal(t, int64(3), msgs[4].RecordCount)
	require.Equal(t, "200", msgs[4].CommitLSN)

	run := env.latestRun(t)
	require.Equal(t, audit.StatusSuccess, run.Status)
	require.Equal(t, "100", run.MinLSN)
	require.Equal(t, "200", run.MaxLSN)
	require.Equal(t, int64(3), run.TotalCount)
	require.NotNil(t, run.EndTime)

	// the next run starts where this one ended
	env.cdc.window = source.Window{Min: "200"}
	env.producer.values = nil
	res, err = env.extractor(nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "200", env.cdc.prevMax)
	require.Empty(t, env.producer.values)
	run = env.latestRun(t)
	require.Equal(t, audit.StatusSuccess, run.Status)
	require.Equal(t, noNewChangesComment, run.Comment)
	require.Equal(t, "200", run.MaxLSN)
	require.Equal(t, res.RunID, run.ID)
}

func TestExtractGuards(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	_, err := env.extractor(nil).Run(context.Background())
	require.True(t, cerror.ErrEmptyProfile.Equal(err))

	env.seed(t, "emp", false)
	_, err = env.extractor(nil).Run(context.Background())
	require.True(t, cerror.ErrEmptyProfile.Equal(err))

	env.seed(t, "dept", true)
	require.NoError(t, env.store.InsertRun(context.Background(), &audit.ProcessControlDO{
		ProfileName: "p", ProfileVersion: 1, ProcessCode: config.ProcessExtract, Status: audit.StatusInProgress,
	}))
	_, err = env.extractor(nil).Run(context.Background())
	require.True(t, cerror.ErrProcessInProgress.Equal(err))
	require.Empty(t, env.producer.values)
}

func TestExtractOverridesAndKill(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.seed(t, "emp", true)
	env.cfg.Extract.Kill = true
	env.cfg.Extract.StartSCN = "120"
	env.cfg.Extract.EndSCN = "180"
	env.cdc.window = source.Window{Min: "120", Max: "200"}

	_, err := env.extractor(nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "120", env.cdc.prevMax)

	msgs := env.produced(t)
	require.Len(t, msgs, 3)
	require.Equal(t, message.TypeKill, msgs[0].RecordType)
	require.Equal(t, message.TypeStartOfBatch, msgs[1].RecordType)
	require.Equal(t, int64(0), msgs[1].RecordCount)
	require.Equal(t, "180", msgs[2].CommitLSN)
	require.Equal(t, "180", env.latestRun(t).MaxLSN)
}

func TestExtractSampleRows(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.seed(t, "emp", true)
	env.cfg.Extract.SampleRows = 2
	for _, scn := range []string{"101", "102", "103", "104"} {
		env.cdc.rows = append(env.cdc.rows, changeRow("EMP", scn, "INSERT", "insert"))
	}

	res, err := env.extractor(nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Records)
	msgs := env.produced(t)
	require.Len(t, msgs, 4)
	require.Equal(t, int64(2), msgs[0].RecordCount)
	require.Equal(t, int64(2), msgs[3].RecordCount)
}

func TestExtractFailureAfterBatchOpened(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.seed(t, "emp", true)
	env.cdc.failAt = 2
	for _, scn := range []string{"101", "102", "103"} {
		env.cdc.rows = append(env.cdc.rows, changeRow("EMP", scn, "INSERT", "insert"))
	}

	res, err := env.extractor(nil).Run(context.Background())
	require.True(t, cerror.ErrSourceQuery.Equal(err))
	require.Equal(t, audit.StatusWarning, res.Status)

	msgs := env.produced(t)
	require.Len(t, msgs, 4)
	eob := msgs[3]
	require.Equal(t, message.TypeEndOfBatch, eob.RecordType)
	require.Equal(t, int64(2), eob.RecordCount)
	require.Equal(t, "102", eob.CommitLSN)

	run := env.latestRun(t)
	require.Equal(t, audit.StatusWarning, run.Status)
	require.Equal(t, "102", run.MaxLSN)
	require.Contains(t, run.Comment, "ErrSourceQuery")

	// a warning run is a valid starting point for the next one
	env.cdc.window = source.Window{Min: "102"}
	_, err = env.extractor(nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "102", env.cdc.prevMax)
}

func TestExtractHeartbeat(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.seed(t, "emp", true)
	for _, scn := range []string{"101", "102", "103", "104"} {
		env.cdc.rows = append(env.cdc.rows, changeRow("EMP", scn, "INSERT", "insert"))
	}
	ch := make(chan heartbeat.Status, 10)
	hb := heartbeat.NewReporter(ch, 2)
	_, err := env.extractor(hb).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, ch, 2)
	s := <-ch
	require.Equal(t, int64(2), s.Records)
	require.Equal(t, "102", s.LSN)
	require.Equal(t, int64(4), hb.Records())
}

func TestMarkKilled(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ex := env.extractor(nil)
	ex.MarkKilled(context.Background(), "interrupt")

	require.NoError(t, env.store.InsertRun(context.Background(), &audit.ProcessControlDO{
		ProfileName: "p", ProfileVersion: 1, ProcessCode: config.ProcessExtract, Status: audit.StatusInProgress,
	}))
	run := env.latestRun(t)
	ex.currentRunID.Store(run.ID)
	ex.MarkKilled(context.Background(), "interrupt")
	run = env.latestRun(t)
	require.Equal(t, audit.StatusKilled, run.Status)
	require.Contains(t, run.Comment, "run killed by interrupt")
}

func TestKeyColumnsBySchema(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.cdc.keys = map[string]string{"HR.EMP": "ID", "PAYROLL.EMP": "EMP_NO,YEAR"}
	e := env.extractor(nil)
	keys, err := e.keyColumns(context.Background(), []source.TableRef{
		{Schema: "HR", Table: "EMP"}, {Schema: "PAYROLL", Table: "EMP"}, {Schema: "HR", Table: "DEPT"},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"HR.EMP":      "ID",
		"PAYROLL.EMP": "EMP_NO,YEAR",
		"HR.DEPT":     "NOPK",
	}, keys)

	const batchID = "b1"
	hr := changeRow("EMP", "150", "INSERT", `insert into "HR"."EMP"("ID") values ('1')`)
	payroll := &source.ChangeRow{Schema: "payroll", TableName: "EMP", CommitLSN: "151", OperationCode: "INSERT",
		SQLRedo: `insert into "PAYROLL"."EMP"("EMP_NO","YEAR") values ('1','2024')`}
	require.NoError(t, e.produceChange(context.Background(), batchID, hr, keys, 1))
	require.NoError(t, e.produceChange(context.Background(), batchID, payroll, keys, 2))
	msgs := env.produced(t)
	require.Len(t, msgs, 2)
	require.Equal(t, "ID", msgs[0].PrimaryKeyFields)
	require.Equal(t, "EMP_NO,YEAR", msgs[1].PrimaryKeyFields)
}
