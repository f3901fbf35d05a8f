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
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/redoflow/pkg/audit"
	"github.com/pingcap/redoflow/pkg/config"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/kafka"
	"github.com/pingcap/redoflow/pkg/message"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	executed  []string
	committed []string
	pending   []string
	commits   int
	connects  int
	// failNext fails that many upcoming Exec calls.
	failNext int
}

func (f *fakeTarget) Connect(context.Context) (Sink, error) {
	f.connects++
	return &fakeConn{t: f}, nil
}

type fakeConn struct {
	t *fakeTarget
}

func (c *fakeConn) Exec(_ context.Context, query string) (int64, error) {
	if c.t.failNext > 0 {
		c.t.failNext--
		return 0, cerror.ErrTargetExecute.GenWithStackByArgs()
	}
	c.t.executed = append(c.t.executed, query)
	c.t.pending = append(c.t.pending, query)
	return 1, nil
}

func (c *fakeConn) Commit(context.Context) error {
	c.t.committed = append(c.t.committed, c.t.pending...)
	c.t.pending = nil
	c.t.commits++
	return nil
}

func (c *fakeConn) Rollback(context.Context) error {
	c.t.pending = nil
	return nil
}

func (c *fakeConn) Close() error {
	c.t.pending = nil
	return nil
}

type testEnv struct {
	applier *Applier
	target  *fakeTarget
	store   *audit.GormStore
	codec   *message.AvroCodec
	offset  int64
}

func newTestEnv(t *testing.T, adjust func(*config.Config)) *testEnv {
	cfg := config.NewDefaultConfig()
	cfg.ProfileName = "p"
	cfg.TargetSchema = "ctl"
	cfg.TargetRegion = "r"
	cfg.Apply.RetryPause = time.Millisecond
	if adjust != nil {
		adjust(cfg)
	}
	store, err := audit.NewMockStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	dialect, err := cfg.Dialect()
	require.NoError(t, err)
	codec, err := message.NewAvroCodec(message.DefaultSchema)
	require.NoError(t, err)

	target := &fakeTarget{}
	a, err := New(Options{
		Config:    cfg,
		Store:     store,
		Connector: target,
		Dialect:   dialect,
		Codec:     codec,
	})
	require.NoError(t, err)
	return &testEnv{applier: a, target: target, store: store, codec: codec}
}

func (e *testEnv) seedProfile(t *testing.T, table, maxLSN, active, applied string) {
	ctx := context.Background()
	key := e.applier.profileKey(table)
	_, err := e.store.UpsertProfileOnCreate(ctx, key, &audit.SourceSystemProfileDO{TargetSchema: "ctl"})
	require.NoError(t, err)
	require.NoError(t, e.store.UpdateProfile(ctx, key, map[string]interface{}{
		"max_lsn":     maxLSN,
		"active_ind":  active,
		"applied_ind": applied,
	}))
}

func (e *testEnv) apply(t *testing.T, msgs ...*message.Message) []Result {
	var results []Result
	for _, m := range msgs {
		res, err := e.applier.Apply(context.Background(), m, e.offset)
		require.NoError(t, err, m.String())
		results = append(results, res)
		e.offset++
	}
	return results
}

func (e *testEnv) latestRun(t *testing.T) *audit.ProcessControlDO {
	run, err := e.store.LatestRun(context.Background(), "p", 1, config.ProcessApply)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

func sob(batch string, count int64) *message.Message {
	return message.NewStartOfBatch(batch, count, "")
}

func eob(batch string, count int64) *message.Message {
	return message.NewEndOfBatch(batch, count, "")
}

func change(batch, table, op, redoText, pks, commitLSN string) *message.Message {
	return &message.Message{
		BatchID:          batch,
		RecordType:       message.TypeData,
		TableName:        table,
		OperationCode:    op,
		CommitStatement:  redoText,
		PrimaryKeyFields: pks,
		CommitLSN:        commitLSN,
	}
}

func insertT(batch, value, commitLSN string) *message.Message {
	return change(batch, "T", "INSERT", `insert into "SYS"."T"("A") values ('`+value+`')`, "", commitLSN)
}

func TestApplyBulkInsertAtEndOfBatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *config.Config) { c.Apply.BulkApply = true })
	env.seedProfile(t, "t", "", audit.IndicatorYes, audit.IndicatorNo)
	require.NoError(t, env.applier.LoadProfiles(context.Background()))

	results := env.apply(t, sob("b1", 1), insertT("b1", "1", ""), eob("b1", 1))
	require.Equal(t, []Result{ResultUncommitted, ResultUncommitted, ResultCommitted}, results)
	require.Equal(t, []string{
		"INSERT INTO ctl.T ( A ) VALUES\n  ( '1' ) -- lsn: 0, offset: 1\n; -- lsn: 0, offset: 1",
	}, env.target.executed)
	require.Equal(t, 1, env.target.commits)

	run := env.latestRun(t)
	require.Equal(t, audit.StatusSuccess, run.Status)
	require.Equal(t, audit.ExecutorCommitted, run.ExecutorStatus)
	require.Equal(t, int64(3), run.ExecutorRunID)
	require.Equal(t, int64(1), run.TotalCount)

	profile, err := env.store.Profile(context.Background(), env.applier.profileKey("T"))
	require.NoError(t, err)
	require.Equal(t, audit.IndicatorYes, profile.AppliedInd)
	require.Equal(t, run.ID, profile.LastRunID)
	require.Equal(t, config.ProcessApply, profile.LastProcessCode)
}

func TestApplyUpdate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		target   string
		redo     string
		expected string
	}{
		{
			config.DBTypePostgres,
			`UPDATE "SYS"."T" SET "A"='9' WHERE "PK"='1'`,
			`UPDATE ctl.T SET A = '9' WHERE PK = '1'`,
		},
		{
			config.DBTypeGreenplum,
			`UPDATE "SYS"."T" SET "PK"='0', "A"='9' WHERE "PK"='1'`,
			`UPDATE ctl.T SET A = '9' WHERE PK = '1'`,
		},
	}
	for _, c := range cases {
		env := newTestEnv(t, func(cfg *config.Config) { cfg.TargetDBType = c.target })
		env.apply(t, sob("b1", 1), change("b1", "T", "UPDATE", c.redo, "PK", "10"), eob("b1", 1))
		require.Equal(t, []string{c.expected}, env.target.executed, c.target)
		require.Equal(t, []string{c.expected}, env.target.committed, c.target)
	}
}

func TestApplyInactiveAppliedTableIsDropped(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.seedProfile(t, "inactive", "", audit.IndicatorNo, audit.IndicatorYes)
	require.NoError(t, env.applier.LoadProfiles(context.Background()))

	results := env.apply(t,
		sob("b1", 1),
		change("b1", "INACTIVE", "INSERT", `insert into "SYS"."INACTIVE"("A") values ('1')`, "", "5"),
		eob("b1", 1))
	require.Equal(t, ResultUncommitted, results[2])
	require.Empty(t, env.target.executed)
	require.Equal(t, 0, env.target.commits)

	results = env.apply(t, sob("b2", 1), insertT("b2", "2", "6"), eob("b2", 1))
	require.Equal(t, ResultCommitted, results[2])
	require.Equal(t, []string{`INSERT INTO ctl.T ( A ) VALUES ( '2' )`}, env.target.executed)
	require.Equal(t, 1, env.target.commits)
}

func TestApplyLSNGuard(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.seedProfile(t, "t", "100", audit.IndicatorYes, audit.IndicatorYes)
	require.NoError(t, env.applier.LoadProfiles(context.Background()))

	env.apply(t, sob("b1", 2), insertT("b1", "old", "100"), insertT("b1", "new", "101"), eob("b1", 2))
	require.Equal(t, []string{`INSERT INTO ctl.T ( A ) VALUES ( 'new' )`}, env.target.executed)

	profile, err := env.store.Profile(context.Background(), env.applier.profileKey("t"))
	require.NoError(t, err)
	require.Equal(t, "101", profile.MaxLSN)

	// a replay of the same batch is a no-op
	env.apply(t, sob("b1", 2), insertT("b1", "old", "100"), insertT("b1", "new", "101"), eob("b1", 2))
	require.Len(t, env.target.executed, 1)
}

func TestApplyProtocolViolations(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.apply(t, sob("b1", 0))
	_, err := env.applier.Apply(context.Background(), sob("b2", 0), 1)
	require.Equal(t, cerror.KindProtocol, cerror.KindOf(err))
	_, err = env.applier.Apply(context.Background(), eob("b2", 0), 1)
	require.Equal(t, cerror.KindProtocol, cerror.KindOf(err))
	_, err = env.applier.Apply(context.Background(), message.NewKill("b1"), 1)
	require.Equal(t, cerror.KindProtocol, cerror.KindOf(err))

	env.offset = 1
	env.apply(t, eob("b1", 0))
	_, err = env.applier.Apply(context.Background(), eob("b3", 0), 2)
	require.Equal(t, cerror.KindProtocol, cerror.KindOf(err))
}

func TestApplyResumesInsideBatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.offset = 7
	results := env.apply(t, insertT("b1", "1", "3"), eob("b1", 4))
	require.Equal(t, ResultCommitted, results[1])
	require.Equal(t, []string{`INSERT INTO ctl.T ( A ) VALUES ( '1' )`}, env.target.committed)
}

func TestBulkBufferFlushRules(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *config.Config) {
		c.Apply.BulkApply = true
		c.Apply.BulkInsertLimit = 2
	})
	env.apply(t,
		sob("b1", 6),
		insertT("b1", "1", "1"),
		insertT("b1", "2", "2"),
		insertT("b1", "3", "3"),
		change("b1", "U", "INSERT", `insert into "SYS"."U"("B") values ('4')`, "", "4"),
		change("b1", "T", "DELETE", `delete from "SYS"."T" where "A" = '1'`, "", "5"),
		insertT("b1", "6", "6"),
		eob("b1", 6))
	require.Equal(t, []string{
		"INSERT INTO ctl.T ( A ) VALUES\n  ( '1' ), -- lsn: 1, offset: 1\n  ( '2' ) -- lsn: 2, offset: 2\n; -- lsn: 2, offset: 2",
		"INSERT INTO ctl.T ( A ) VALUES\n  ( '3' ) -- lsn: 3, offset: 3\n; -- lsn: 3, offset: 3",
		"INSERT INTO ctl.U ( B ) VALUES\n  ( '4' ) -- lsn: 4, offset: 4\n; -- lsn: 4, offset: 4",
		"DELETE FROM ctl.T WHERE A = '1'",
		"INSERT INTO ctl.T ( A ) VALUES\n  ( '6' ) -- lsn: 6, offset: 6\n; -- lsn: 6, offset: 6",
	}, env.target.executed)
	require.Equal(t, 1, env.target.commits)
}

func TestTargetCommitPoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *config.Config) {
		c.Apply.TargetCommitPoint = 2
		c.Apply.AuditCommitPoint = 2
	})
	results := env.apply(t, sob("b1", 3), insertT("b1", "1", "1"), insertT("b1", "2", "2"),
		insertT("b1", "3", "3"))
	require.Equal(t, []Result{ResultUncommitted, ResultUncommitted, ResultCommitted, ResultUncommitted}, results)
	require.Len(t, env.target.committed, 2)
	require.Equal(t, int64(3), env.applier.RecoveryOffset())

	run := env.latestRun(t)
	require.Equal(t, audit.StatusInProgress, run.Status)
	require.Equal(t, int64(3), run.ExecutorRunID)
	require.Equal(t, audit.ExecutorCommitted, run.ExecutorStatus)

	env.apply(t, eob("b1", 3))
	require.Len(t, env.target.committed, 3)
	require.Equal(t, 2, env.target.commits)
}

func TestRetryReplaysUncommittedStatements(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *config.Config) { c.Apply.Retry = 2 })
	env.apply(t, sob("b1", 2), insertT("b1", "1", "1"))

	env.target.failNext = 1
	res, err := env.applier.applyWithRetry(context.Background(), insertT("b1", "2", "2"), 2)
	require.NoError(t, err)
	require.Equal(t, ResultUncommitted, res)
	require.Equal(t, 2, env.target.connects)
	require.Equal(t, audit.StatusError, env.latestRun(t).Status)

	env.offset = 3
	env.apply(t, eob("b1", 2))
	require.Equal(t, []string{
		`INSERT INTO ctl.T ( A ) VALUES ( '1' )`,
		`INSERT INTO ctl.T ( A ) VALUES ( '1' )`,
		`INSERT INTO ctl.T ( A ) VALUES ( '2' )`,
	}, env.target.executed)
	require.Equal(t, []string{
		`INSERT INTO ctl.T ( A ) VALUES ( '1' )`,
		`INSERT INTO ctl.T ( A ) VALUES ( '2' )`,
	}, env.target.committed)
	// the recovered error leaves a warning on the run
	require.Equal(t, audit.StatusWarning, env.latestRun(t).Status)
}

func TestRetryExhausted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *config.Config) { c.Apply.Retry = 1 })
	env.apply(t, sob("b1", 1))
	env.target.failNext = 10
	_, err := env.applier.applyWithRetry(context.Background(), insertT("b1", "1", "1"), 1)
	require.True(t, cerror.ErrRetryExhausted.Equal(err))
	require.Equal(t, cerror.KindFatal, cerror.KindOf(err))
	require.Equal(t, audit.StatusError, env.latestRun(t).Status)
}

func TestUnsupportedChangeIsSkipped(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	results := env.apply(t,
		sob("b1", 2),
		change("b1", "T", "DDL", `ALTER TABLE "SYS"."T" DROP COLUMN "A"`, "", "1"),
		insertT("b1", "1", "2"),
		eob("b1", 2))
	require.Equal(t, ResultCommitted, results[3])
	require.Equal(t, []string{`INSERT INTO ctl.T ( A ) VALUES ( '1' )`}, env.target.executed)
	require.Equal(t, audit.StatusWarning, env.latestRun(t).Status)
}

func TestDoNotCommit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *config.Config) { c.Apply.DoNotCommit = true })
	results := env.apply(t, sob("b1", 1), insertT("b1", "1", "1"), eob("b1", 1))
	require.Equal(t, ResultUncommitted, results[2])
	require.Len(t, env.target.executed, 1)
	require.Equal(t, 0, env.target.commits)

	run := env.latestRun(t)
	require.Equal(t, audit.StatusWarning, run.Status)
	require.Equal(t, audit.ExecutorUncommitted, run.ExecutorStatus)
	require.False(t, env.applier.offsetCommittable(eob("b1", 1), results[2]))
}

func TestSkipBatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *config.Config) { c.Apply.SkipBatch = 1 })
	results := env.apply(t, sob("b1", 1), insertT("b1", "1", "1"), eob("b1", 1))
	require.Equal(t, ResultUncommitted, results[2])
	require.True(t, env.applier.offsetCommittable(eob("b1", 1), results[2]))
	require.Empty(t, env.target.executed)
	require.Equal(t, 0, env.target.connects)
	require.Equal(t, audit.StatusSkipped, env.latestRun(t).Status)

	env.apply(t, sob("b2", 1), insertT("b2", "2", "2"), eob("b2", 1))
	require.Equal(t, []string{`INSERT INTO ctl.T ( A ) VALUES ( '2' )`}, env.target.committed)
}

func TestCreateRegistersTable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *config.Config) {
		c.MetaCols = `{"insert_timestamp_column": "ctl_ins_ts"}`
	})
	env.seedProfile(t, "t", "", audit.IndicatorYes, audit.IndicatorNo)
	require.NoError(t, env.applier.LoadProfiles(context.Background()))

	env.apply(t,
		sob("b1", 1),
		change("b1", "LOG", "DDL", `CREATE TABLE "HR"."LOG" ("MSG" CLOB)`, "", "7"),
		eob("b1", 1))
	require.Len(t, env.target.executed, 1)
	require.Contains(t, env.target.executed[0], "CREATE TABLE IF NOT EXISTS ctl.LOG ( MSG TEXT, ctl_ins_ts ")

	profile, err := env.store.Profile(context.Background(), env.applier.profileKey("LOG"))
	require.NoError(t, err)
	require.NotNil(t, profile)
	require.Equal(t, int64(2), profile.ObjectSeq)
	require.Equal(t, "7", profile.MaxLSN)
	require.True(t, profile.IsActive())
}

type fakeConsumer struct {
	records   []*kafka.Record
	pos       int
	seeked    int64
	committed []int64
	commitErr error
	// exhausted runs when Read finds no more records.
	exhausted func()
}

func (c *fakeConsumer) Committed(context.Context) (int64, error) { return kafka.OffsetNone, nil }

func (c *fakeConsumer) Seek(_ context.Context, offset int64) error {
	c.seeked = offset
	return nil
}

func (c *fakeConsumer) Read(ctx context.Context) (*kafka.Record, error) {
	if c.pos >= len(c.records) {
		if c.exhausted != nil {
			c.exhausted()
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	rec := c.records[c.pos]
	c.pos++
	return rec, nil
}

func (c *fakeConsumer) Commit(_ context.Context, next int64) error {
	if c.commitErr != nil {
		return c.commitErr
	}
	c.committed = append(c.committed, next)
	return nil
}

func (c *fakeConsumer) Close() error { return nil }

func (e *testEnv) records(t *testing.T, msgs ...*message.Message) []*kafka.Record {
	var recs []*kafka.Record
	for i, m := range msgs {
		value, err := e.codec.Encode(m)
		require.NoError(t, err)
		recs = append(recs, &kafka.Record{Topic: "cdc", Offset: int64(i), Value: value})
	}
	return recs
}

func TestRunUntilKill(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	consumer := &fakeConsumer{}
	consumer.records = env.records(t,
		sob("b1", 1), insertT("b1", "1", "1"), eob("b1", 1), message.NewKill("k"))

	require.NoError(t, env.applier.Run(context.Background(), consumer))
	require.Equal(t, kafka.OffsetEarliest, consumer.seeked)
	require.Equal(t, []int64{3, 4}, consumer.committed)
	require.Len(t, env.target.committed, 1)

	run := env.latestRun(t)
	require.Equal(t, audit.StatusKilled, run.Status)
	require.Equal(t, int64(4), run.ExecutorRunID)

	// the next session resumes after the kill record
	ctx, cancel := context.WithCancel(context.Background())
	next := &fakeConsumer{exhausted: cancel}
	err := env.applier.Run(ctx, next)
	require.Equal(t, context.Canceled, errors.Cause(err))
	require.Equal(t, int64(4), next.seeked)
}

func TestRunKafkaCommitFailureWarns(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	consumer := &fakeConsumer{
		commitErr: cerror.ErrKafkaCommit.GenWithStackByArgs(3),
		exhausted: cancel,
	}
	consumer.records = env.records(t, sob("b1", 1), insertT("b1", "1", "1"), eob("b1", 1))

	err := env.applier.Run(ctx, consumer)
	require.Equal(t, context.Canceled, errors.Cause(err))
	require.Len(t, env.target.committed, 1)

	run := env.latestRun(t)
	require.Equal(t, audit.StatusWarning, run.Status)
	require.Contains(t, run.Comment, "ErrKafkaCommit")
}

func TestMarkKilled(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.applier.MarkKilled(context.Background(), "signal")
	env.apply(t, sob("b1", 1))
	env.applier.MarkKilled(context.Background(), "terminated")
	run := env.latestRun(t)
	require.Equal(t, audit.StatusKilled, run.Status)
	require.Contains(t, run.Comment, "run killed by")
}
