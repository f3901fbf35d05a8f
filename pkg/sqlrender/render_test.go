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

package sqlrender

import (
	"testing"

	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/redo"
	"github.com/stretchr/testify/require"
)

func mustDialect(t *testing.T, tag string) Dialect {
	d, err := NewDialect(tag, nil)
	require.NoError(t, err)
	return d
}

func mustParse(t *testing.T, op redo.Operation, table, text, pks string) *redo.Statement {
	stmt, err := redo.NewParser(nil).Parse(op, table, text, pks)
	require.NoError(t, err)
	require.NotNil(t, stmt)
	return stmt
}

func TestRenderDML(t *testing.T) {
	t.Parallel()

	cases := []struct {
		dialect  string
		op       redo.Operation
		text     string
		pks      string
		expected string
	}{
		{
			DialectPostgres, redo.OpInsert,
			`insert into "SYS"."T"("B","A") values ('2','1')`, "",
			`INSERT INTO ctl.T ( A, B ) VALUES ( '1', '2' )`,
		},
		{
			DialectPostgres, redo.OpUpdate,
			`UPDATE "SYS"."T" SET "A"='9' WHERE "PK"='1'`, "PK",
			`UPDATE ctl.T SET A = '9' WHERE PK = '1'`,
		},
		{
			DialectGreenplum, redo.OpUpdate,
			`UPDATE "SYS"."T" SET "PK"='0', "A"='9' WHERE "PK"='1'`, "PK",
			`UPDATE ctl.T SET A = '9' WHERE PK = '1'`,
		},
		{
			DialectPostgres, redo.OpUpdate,
			`UPDATE "SYS"."T" SET "PK"='0', "A"='9' WHERE "PK"='1'`, "PK",
			`UPDATE ctl.T SET PK = '0', A = '9' WHERE PK = '1'`,
		},
		{
			DialectPostgres, redo.OpUpdate,
			`update "SYS"."T" set "A" = NULL where "B" = 'x' and "C" IS NULL`, "",
			`UPDATE ctl.T SET A = NULL WHERE B = 'x' AND C IS NULL`,
		},
		{
			DialectPostgres, redo.OpDelete,
			`delete from "SYS"."T" where "PK" = '1' and "A" = '2' and ROWID = 'AAA'`, "PK",
			`DELETE FROM ctl.T WHERE PK = '1'`,
		},
		{
			DialectPostgres, redo.OpInsert,
			`insert into "SYS"."T"("A/B","C\D") values ('it''s','50%\n')`, "",
			`INSERT INTO ctl.T ( A_B, C_D ) VALUES ( 'it''s', '50%%\\n' )`,
		},
	}
	for _, c := range cases {
		stmt := mustParse(t, c.op, "T", c.text, c.pks)
		sql, err := Render(mustDialect(t, c.dialect), stmt, "ctl")
		require.NoError(t, err, c.text)
		require.Equal(t, c.expected, sql, c.text)
	}
}

func TestRenderMetaCols(t *testing.T) {
	t.Parallel()

	p := redo.NewParser(&redo.MetaCols{InsertTimestampColumn: "ctl_ins_ts", UpdateTimestampColumn: "ctl_upd_ts"})
	stmt, err := p.Parse(redo.OpInsert, "T", `insert into "SYS"."T"("A") values ('1')`, "")
	require.NoError(t, err)
	sql, err := Render(mustDialect(t, DialectPostgres), stmt, "ctl")
	require.NoError(t, err)
	require.Equal(t,
		`INSERT INTO ctl.T ( A, ctl_ins_ts, ctl_upd_ts ) VALUES ( '1', (SELECT CURRENT_TIMESTAMP), (SELECT CURRENT_TIMESTAMP) )`,
		sql)
}

func TestGreenplumUpdateOnlyKeys(t *testing.T) {
	t.Parallel()

	stmt := mustParse(t, redo.OpUpdate, "T", `UPDATE "SYS"."T" SET "PK"='0' WHERE "PK"='1'`, "PK")
	_, err := Render(mustDialect(t, DialectGreenplum), stmt, "ctl")
	require.Equal(t, cerror.KindUnsupported, cerror.KindOf(err))
}

func TestRenderAlter(t *testing.T) {
	t.Parallel()

	d := mustDialect(t, DialectPostgres)
	cases := []struct {
		text     string
		expected string
	}{
		{
			`ALTER TABLE "HR"."EMP" ADD ("C1" VARCHAR2(256 CHAR), "C2" NUMBER(10,2) NOT NULL)`,
			`ALTER TABLE ctl.EMP ADD COLUMN C1 VARCHAR(256), ADD COLUMN C2 NUMERIC(10,2) NOT NULL`,
		},
		{
			`ALTER TABLE "HR"."EMP" MODIFY ("C1" VARCHAR2(512) NOT NULL)`,
			`ALTER TABLE ctl.EMP ALTER COLUMN C1 TYPE VARCHAR(512), ALTER COLUMN C1 SET NOT NULL`,
		},
		{
			`ALTER TABLE "HR"."EMP" ADD ("D" DATE DEFAULT SYSDATE)`,
			`ALTER TABLE ctl.EMP ADD COLUMN D TIMESTAMP DEFAULT CURRENT_TIMESTAMP`,
		},
		{
			`ALTER TABLE "HR"."EMP" MODIFY ("C1" NULL)`,
			`ALTER TABLE ctl.EMP ALTER COLUMN C1 DROP NOT NULL`,
		},
	}
	for _, c := range cases {
		stmt := mustParse(t, redo.OpDDL, "EMP", c.text, "")
		sql, err := Render(d, stmt, "ctl")
		require.NoError(t, err, c.text)
		require.Equal(t, c.expected, sql, c.text)
	}
}

func TestRenderCreate(t *testing.T) {
	t.Parallel()

	text := `CREATE TABLE "HR"."EMP" ("ID" NUMBER(10,0) NOT NULL ENABLE, "NAME" VARCHAR2(20 BYTE), ` +
		`"HIRED" DATE, CONSTRAINT "EMP_PK" PRIMARY KEY ("ID") USING INDEX ENABLE, CONSTRAINT "EMP_UK" UNIQUE ("NAME"))`
	stmt := mustParse(t, redo.OpDDL, "EMP", text, "")

	sql, err := Render(mustDialect(t, DialectPostgres), stmt, "ctl")
	require.NoError(t, err)
	require.Equal(t, "CREATE TABLE IF NOT EXISTS ctl.EMP ( ID NUMERIC(10,0) NOT NULL, NAME VARCHAR(20), HIRED TIMESTAMP, "+
		"CONSTRAINT EMP_PK PRIMARY KEY (ID), CONSTRAINT EMP_UK UNIQUE (NAME) )", sql)

	sql, err = Render(mustDialect(t, DialectGreenplum), stmt, "ctl")
	require.NoError(t, err)
	require.Equal(t, "CREATE TABLE IF NOT EXISTS ctl.EMP ( ID NUMERIC(10,0) NOT NULL, NAME VARCHAR(20), HIRED TIMESTAMP, "+
		"CONSTRAINT EMP_PK PRIMARY KEY (ID) ) DISTRIBUTED BY (ID)", sql)

	stmt = mustParse(t, redo.OpDDL, "LOG", `CREATE TABLE "HR"."LOG" ("MSG" CLOB, "AT" TIMESTAMP(6))`, "")
	sql, err = Render(mustDialect(t, DialectGreenplum), stmt, "ctl")
	require.NoError(t, err)
	require.Equal(t, "CREATE TABLE IF NOT EXISTS ctl.LOG ( MSG TEXT, AT TIMESTAMP(6) ) DISTRIBUTED RANDOMLY", sql)
}

func TestBuildBulkInsert(t *testing.T) {
	t.Parallel()

	one := mustParse(t, redo.OpInsert, "T", `INSERT into "SYS"."T"("A") values ('1')`, "")
	sql, err := BuildBulkInsert("ctl", []BulkRow{{Statement: one, Offset: 1}})
	require.NoError(t, err)
	require.Equal(t, "INSERT INTO ctl.T ( A ) VALUES\n  ( '1' ) -- lsn: 0, offset: 1\n; -- lsn: 0, offset: 1", sql)

	two := mustParse(t, redo.OpInsert, "T", `INSERT into "SYS"."T"("A","B") values ('2','x')`, "")
	three := mustParse(t, redo.OpInsert, "T", `INSERT into "SYS"."T"("A") values ('3')`, "")
	sql, err = BuildBulkInsert("ctl", []BulkRow{
		{Statement: one, LSN: "100", Offset: 7},
		{Statement: two, LSN: "102", Offset: 8},
		{Statement: three, LSN: "101", Offset: 9},
	})
	require.NoError(t, err)
	require.Equal(t, "INSERT INTO ctl.T ( A, B ) VALUES\n"+
		"  ( '1', NULL ), -- lsn: 100, offset: 7\n"+
		"  ( '2', 'x' ), -- lsn: 102, offset: 8\n"+
		"  ( '3', NULL ) -- lsn: 101, offset: 9\n"+
		"; -- lsn: 102, offset: 9", sql)

	other := mustParse(t, redo.OpInsert, "U", `INSERT into "SYS"."U"("A") values ('1')`, "")
	_, err = BuildBulkInsert("ctl", []BulkRow{{Statement: one}, {Statement: other}})
	require.Error(t, err)
	_, err = BuildBulkInsert("ctl", nil)
	require.Error(t, err)
}

func TestParseRenderRoundTrip(t *testing.T) {
	t.Parallel()

	d := mustDialect(t, DialectPostgres)
	p := redo.NewParser(nil)
	stmts := []*redo.Statement{
		{
			Kind: redo.KindInsert, TableName: "T",
			Fields: redo.Fields{{Name: "B", Value: redo.Literal("O'Neil")}, {Name: "A", Value: redo.Null()}, {Name: "C", Value: redo.Literal("")}},
		},
		{
			Kind: redo.KindUpdate, TableName: "T",
			Set:   redo.Fields{{Name: "A", Value: redo.Literal("x, y")}, {Name: "B", Value: redo.Null()}},
			Where: redo.Fields{{Name: "PK", Value: redo.Literal("1")}, {Name: "C", Value: redo.Null()}},
		},
		{
			Kind: redo.KindDelete, TableName: "T",
			Where: redo.Fields{{Name: "PK", Value: redo.Literal("it's")}},
		},
	}
	ops := map[redo.StatementKind]redo.Operation{
		redo.KindInsert: redo.OpInsert, redo.KindUpdate: redo.OpUpdate, redo.KindDelete: redo.OpDelete,
	}
	for _, s := range stmts {
		sql, err := Render(d, s, "ctl")
		require.NoError(t, err)
		got, err := p.Parse(ops[s.Kind], "T", sql, "")
		require.NoError(t, err, sql)
		require.Equal(t, s.Fields.Sorted(), got.Fields.Sorted(), sql)
		require.Equal(t, s.Set.Sorted(), got.Set.Sorted(), sql)
		require.Equal(t, s.Where.Sorted(), got.Where.Sorted(), sql)
	}
}

func TestTypeMap(t *testing.T) {
	t.Parallel()

	m := DefaultTypeMap()
	require.Equal(t, "VARCHAR(20)", m.Map("VARCHAR2", []string{"20"}))
	require.Equal(t, "NUMERIC(38,0)", m.Map("number", []string{"*", "0"}))
	require.Equal(t, "NUMERIC", m.Map("NUMBER", nil))
	require.Equal(t, "BYTEA", m.Map("RAW", []string{"16"}))
	require.Equal(t, "TIMESTAMPTZ(6)", m.Map("TIMESTAMP WITH TIME ZONE", []string{"6"}))
	require.Equal(t, "JSONB", m.Map("JSONB", nil))

	m, err := ParseTypeMap([]byte("rules:\n  - source: number\n    target: BIGINT\n  - source: DATE\n    target: DATE\n"))
	require.NoError(t, err)
	require.Equal(t, "BIGINT", m.Map("NUMBER", []string{"10"}))
	require.Equal(t, "DATE", m.Map("DATE", nil))
	require.Equal(t, "TEXT", m.Map("CLOB", nil))

	_, err = ParseTypeMap([]byte("rules:\n  - source: NUMBER\n"))
	require.Error(t, err)
	_, err = ParseTypeMap([]byte("unknown: 1\n"))
	require.Error(t, err)

	_, err = NewDialect("mysql", m)
	require.Error(t, err)
}

func TestUnescape(t *testing.T) {
	t.Parallel()

	v := redo.Literal(`50% \ 100%%`)
	require.Equal(t, `'50% \ 100%%'`, Unescape(QuoteValue(v)))
}
