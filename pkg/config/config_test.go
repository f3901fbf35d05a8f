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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestParseDBTriple(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		input    string
		expected *DBTriple
		hasErr   bool
	}{
		{
			input:    "scott/tiger@db1:1521/ORCL",
			expected: &DBTriple{User: "scott", Password: "tiger", Host: "db1", Port: 1521, Database: "ORCL"},
		},
		{
			input:    "ctl/p@ss/w0rd@10.0.0.1:5432/dw",
			expected: &DBTriple{User: "ctl", Password: "p@ss/w0rd", Host: "10.0.0.1", Port: 5432, Database: "dw"},
		},
		{
			input:    "sa/secret@mssql/cdc",
			expected: &DBTriple{User: "sa", Password: "secret", Host: "mssql", Database: "cdc"},
		},
		{input: "", hasErr: true},
		{input: "scott@db1:1521/ORCL", hasErr: true},
		{input: "scott/tiger@db1:1521", hasErr: true},
		{input: "scott/tiger@db1:port/ORCL", hasErr: true},
	}
	for _, tc := range testCases {
		triple, err := ParseDBTriple(tc.input)
		if tc.hasErr {
			require.Error(t, err, tc.input)
			require.Equal(t, cerror.KindValidation, cerror.KindOf(err))
			continue
		}
		require.NoError(t, err, tc.input)
		require.Equal(t, tc.expected, triple)
	}
}

func TestDBTripleDSN(t *testing.T) {
	t.Parallel()

	triple, err := ParseDBTriple("ctl/pw@pg:6543/dw")
	require.NoError(t, err)
	dsn, err := triple.DSN(DBTypePostgres)
	require.NoError(t, err)
	require.Equal(t, "postgres://ctl:pw@pg:6543/dw", dsn)

	dsn, err = triple.DSN(DBTypeOracle)
	require.NoError(t, err)
	require.Equal(t, `user="ctl" password="pw" connectString="pg:6543/dw"`, dsn)

	dsn, err = triple.DSN(DBTypeMSSQL)
	require.NoError(t, err)
	require.Equal(t, "sqlserver://ctl:pw@pg:6543?database=dw", dsn)

	_, err = triple.DSN("db2")
	require.Error(t, err)
	require.Equal(t, "ctl/******@pg:6543/dw", triple.String())
}

func validConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.ProfileName = "sales"
	cfg.SourceUser = "src/pw@ora:1521/ORCL"
	cfg.TargetUser = "tgt/pw@pg:5432/dw"
	cfg.AuditUser = "ctl/pw@pg:5432/ctl"
	cfg.Kafka.Brokers = []string{"127.0.0.1:9092"}
	cfg.Kafka.Topic = "sales"
	return cfg
}

func TestValidateAndAdjust(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	require.NoError(t, cfg.ValidateAndAdjust(ProcessApply))
	require.Equal(t, "sales-default", cfg.Kafka.GroupID)

	testCases := []struct {
		name    string
		process string
		mutate  func(c *Config)
	}{
		{"no profile", ProcessApply, func(c *Config) { c.ProfileName = "" }},
		{"audit commit point", ProcessApply, func(c *Config) { c.Apply.AuditCommitPoint = 49 }},
		{"target commit point", ProcessApply, func(c *Config) { c.Apply.TargetCommitPoint = 10 }},
		{"bad target", ProcessApply, func(c *Config) { c.TargetDBType = "mysql" }},
		{"bad source", ProcessExtract, func(c *Config) { c.SourceDBType = "db2" }},
		{"bad source triple", ProcessExtract, func(c *Config) { c.SourceUser = "nope" }},
		{"no kafka topic", ProcessExtract, func(c *Config) { c.Kafka.Topic = "" }},
		{"bad metacols", ProcessApply, func(c *Config) { c.MetaCols = `{"insert_ts": "x"}` }},
		{"load definition", ProcessInitSync, func(c *Config) { c.InitSync.LoadDefinition = "both" }},
		{"delete and truncate", ProcessInitSync, func(c *Config) {
			c.InitSync.Delete = true
			c.InitSync.Truncate = true
		}},
		{"unknown process", "CDCMERGE", func(c *Config) {}},
	}
	for _, tc := range testCases {
		cfg := validConfig()
		tc.mutate(cfg)
		err := cfg.ValidateAndAdjust(tc.process)
		require.Error(t, err, tc.name)
		require.Equal(t, cerror.KindValidation, cerror.KindOf(err), tc.name)
	}

	// the target triple is not needed to extract
	cfg = validConfig()
	cfg.TargetUser = ""
	require.NoError(t, cfg.ValidateAndAdjust(ProcessExtract))
}

func TestParseMetaCols(t *testing.T) {
	t.Parallel()

	m, err := ParseMetaCols(`{"insert_timestamp_column": "ctl_ins_ts", "update_timestamp_column": "ctl_upd_ts"}`)
	require.NoError(t, err)
	require.Equal(t, "ctl_ins_ts", m.InsertTimestampColumn)
	require.Equal(t, "ctl_upd_ts", m.UpdateTimestampColumn)

	m, err = ParseMetaCols(`{}`)
	require.NoError(t, err)
	require.Nil(t, m)

	_, err = ParseMetaCols(`{"insert_timestamp_column":`)
	require.Error(t, err)
}

func TestTables(t *testing.T) {
	t.Parallel()

	f := filepath.Join(t.TempDir(), "tables.txt")
	require.NoError(t, os.WriteFile(f, []byte("# seed\nsales.orders\n\n sales.items \n"), 0o644))
	c := &InitSyncConfig{TableList: []string{"hr.emp, hr.dept"}, TableListFile: f}
	tables, err := c.Tables()
	require.NoError(t, err)
	require.Equal(t, []string{"hr.emp", "hr.dept", "sales.orders", "sales.items"}, tables)
}

func TestRunDir(t *testing.T) {
	t.Parallel()

	cfg := NewDefaultConfig()
	cfg.WorkDirectory = t.TempDir()
	now := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	dir, err := cfg.RunDir(now)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cfg.WorkDirectory, "20240301123000"), dir)
	again, err := cfg.RunDir(now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, dir, again)
}
