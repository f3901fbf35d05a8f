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
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pingcap/errors"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/kafka"
	"github.com/pingcap/redoflow/pkg/logutil"
	"github.com/pingcap/redoflow/pkg/redo"
	"github.com/pingcap/redoflow/pkg/sqlrender"
)

// Process codes recorded on audit rows.
const (
	ProcessExtract  = "CDCEXTRACT"
	ProcessApply    = "CDCAPPLY"
	ProcessInitSync = "INITSYNC"
)

// Load definition sources of InitSync column lists.
const (
	LoadDefinitionSource = "source"
	LoadDefinitionTarget = "target"
)

// MinCommitPoint is the smallest accepted audit or target commit point.
const MinCommitPoint = 50

// Config is the configuration shared by cdc-extract, cdc-apply and initsync.
type Config struct {
	ProfileName    string `toml:"profile-name" json:"profile-name"`
	ProfileVersion int    `toml:"profile-version" json:"profile-version"`

	SourceUser   string `toml:"source-user" json:"-"`
	SourceDBType string `toml:"source-db-type" json:"source-db-type"`
	TargetUser   string `toml:"target-user" json:"-"`
	TargetDBType string `toml:"target-db-type" json:"target-db-type"`
	TargetSchema string `toml:"target-schema" json:"target-schema"`
	TargetRegion string `toml:"target-region" json:"target-region"`
	AuditUser    string `toml:"audit-user" json:"-"`

	WorkDirectory string `toml:"work-directory" json:"work-directory"`
	ArraySize     int    `toml:"array-size" json:"array-size"`
	OutputFile    string `toml:"output-file" json:"output-file"`
	RawFile       string `toml:"raw-file" json:"raw-file"`
	AvroSchema    string `toml:"avro-schema" json:"avro-schema"`
	// MetaCols is the JSON text of the metadata columns mapping.
	MetaCols    string `toml:"metacols" json:"metacols"`
	DataTypeMap string `toml:"datatypemap" json:"datatypemap"`
	StatusAddr  string `toml:"status-addr" json:"status-addr"`

	Log      *logutil.Config `toml:"log" json:"log"`
	Kafka    *kafka.Options  `toml:"kafka" json:"kafka"`
	Notify   *NotifyConfig   `toml:"notify" json:"notify"`
	Extract  *ExtractConfig  `toml:"extract" json:"extract"`
	Apply    *ApplyConfig    `toml:"apply" json:"apply"`
	InitSync *InitSyncConfig `toml:"initsync" json:"initsync"`

	runDir string
}

// NotifyConfig configures mail notification.
type NotifyConfig struct {
	SMTPHost     string   `toml:"smtp-host" json:"smtp-host"`
	SMTPPort     int      `toml:"smtp-port" json:"smtp-port"`
	SMTPUser     string   `toml:"smtp-user" json:"smtp-user"`
	SMTPPassword string   `toml:"smtp-password" json:"-"`
	From         string   `toml:"from" json:"from"`
	Error        []string `toml:"error" json:"error"`
	Summary      []string `toml:"summary" json:"summary"`
}

// Enabled reports whether a mail server is configured.
func (c *NotifyConfig) Enabled() bool {
	return c != nil && c.SMTPHost != ""
}

// ExtractConfig configures cdc-extract.
type ExtractConfig struct {
	StartSCN   string `toml:"startscn" json:"startscn"`
	EndSCN     string `toml:"endscn" json:"endscn"`
	Kill       bool   `toml:"kill" json:"kill"`
	SampleRows int    `toml:"samplerows" json:"samplerows"`
}

// ApplyConfig configures cdc-apply.
type ApplyConfig struct {
	AuditCommitPoint  int  `toml:"auditcommitpoint" json:"auditcommitpoint"`
	TargetCommitPoint int  `toml:"targetcommitpoint" json:"targetcommitpoint"`
	BulkApply         bool `toml:"bulkapply" json:"bulkapply"`
	BulkInsertLimit   int  `toml:"bulkinsertlimit" json:"bulkinsertlimit"`
	// BulkBufferBytes caps the rendered size of the bulk buffer.
	BulkBufferBytes int           `toml:"bulkbufferbytes" json:"bulkbufferbytes"`
	SkipBatch       int           `toml:"skipbatch" json:"skipbatch"`
	SeekToEnd       bool          `toml:"seektoend" json:"seektoend"`
	DoNotCommit     bool          `toml:"donotcommit" json:"donotcommit"`
	Retry           int           `toml:"retry" json:"retry"`
	RetryPause      time.Duration `toml:"retrypause" json:"retrypause"`
}

// InitSyncConfig configures initsync.
type InitSyncConfig struct {
	NumProcesses   int           `toml:"numprocesses" json:"numprocesses"`
	BufferSize     int           `toml:"buffersize" json:"buffersize"`
	ExtractTimeout time.Duration `toml:"extracttimeout" json:"extracttimeout"`
	ClientEncoding string        `toml:"clientencoding" json:"clientencoding"`
	LoadDefinition string        `toml:"loaddefinition" json:"loaddefinition"`
	TableList      []string      `toml:"tablelist" json:"tablelist"`
	TableListFile  string        `toml:"tablelistfile" json:"tablelistfile"`
	ExtractLSN     bool          `toml:"extractlsn" json:"extractlsn"`
	SampleRows     int           `toml:"samplerows" json:"samplerows"`
	Lock           bool          `toml:"lock" json:"lock"`
	NullString     string        `toml:"nullstring" json:"nullstring"`
	Delete         bool          `toml:"delete" json:"delete"`
	Truncate       bool          `toml:"truncate" json:"truncate"`
	Vacuum         bool          `toml:"vacuum" json:"vacuum"`
	Analyze        bool          `toml:"analyze" json:"analyze"`
	SeekToEnd      bool          `toml:"seektoend" json:"seektoend"`
}

// NewDefaultConfig returns a configuration with default values.
func NewDefaultConfig() *Config {
	return &Config{
		ProfileVersion: 1,
		SourceDBType:   DBTypeOracle,
		TargetDBType:   DBTypePostgres,
		TargetSchema:   "public",
		TargetRegion:   "default",
		WorkDirectory:  os.TempDir(),
		ArraySize:      1000,
		Log: &logutil.Config{
			Level: "info",
		},
		Kafka:   kafka.NewOptions(),
		Notify:  &NotifyConfig{SMTPPort: 25},
		Extract: &ExtractConfig{},
		Apply: &ApplyConfig{
			AuditCommitPoint:  1000,
			TargetCommitPoint: 1000,
			BulkInsertLimit:   100,
			BulkBufferBytes:   16 << 20,
			Retry:             3,
			RetryPause:        5 * time.Second,
		},
		InitSync: &InitSyncConfig{
			NumProcesses:   4,
			BufferSize:     1 << 20,
			ExtractTimeout: 10 * time.Minute,
			ClientEncoding: "utf-8",
			LoadDefinition: LoadDefinitionSource,
			NullString:     `\N`,
		},
	}
}

// ValidateAndAdjust checks the options of process and fills derived
// defaults. Failures are validation errors.
func (c *Config) ValidateAndAdjust(process string) error {
	if c.ProfileName == "" {
		return cerror.ErrInvalidArgument.GenWithStackByArgs("profile name is required")
	}
	c.Log.Adjust()
	switch c.SourceDBType {
	case DBTypeOracle, DBTypeMSSQL, DBTypePostgres:
	default:
		return cerror.ErrUnsupportedSource.GenWithStackByArgs(c.SourceDBType)
	}
	switch c.TargetDBType {
	case DBTypePostgres, DBTypeGreenplum:
	default:
		return cerror.ErrUnsupportedTarget.GenWithStackByArgs(c.TargetDBType)
	}
	if _, err := ParseDBTriple(c.AuditUser); err != nil {
		return err
	}
	if process != ProcessApply {
		if _, err := ParseDBTriple(c.SourceUser); err != nil {
			return err
		}
	}
	if process != ProcessExtract {
		if _, err := ParseDBTriple(c.TargetUser); err != nil {
			return err
		}
	}
	if c.ArraySize <= 0 {
		return cerror.ErrInvalidArgument.GenWithStackByArgs("arraysize must be positive")
	}
	if _, err := c.MetaColumns(); err != nil {
		return err
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = strings.ToLower(c.ProfileName) + "-" + c.TargetRegion
	}

	switch process {
	case ProcessExtract:
		if c.Extract.SampleRows < 0 {
			return cerror.ErrInvalidArgument.GenWithStackByArgs("samplerows must not be negative")
		}
		return c.Kafka.Validate()
	case ProcessApply:
		a := c.Apply
		if a.AuditCommitPoint < MinCommitPoint {
			return cerror.ErrInvalidArgument.GenWithStackByArgs("auditcommitpoint must be at least 50")
		}
		if a.TargetCommitPoint < MinCommitPoint {
			return cerror.ErrInvalidArgument.GenWithStackByArgs("targetcommitpoint must be at least 50")
		}
		if a.BulkApply && a.BulkInsertLimit <= 0 {
			return cerror.ErrInvalidArgument.GenWithStackByArgs("bulkinsertlimit must be positive")
		}
		if a.Retry < 0 || a.SkipBatch < 0 {
			return cerror.ErrInvalidArgument.GenWithStackByArgs("retry and skipbatch must not be negative")
		}
		return c.Kafka.Validate()
	case ProcessInitSync:
		s := c.InitSync
		if s.NumProcesses <= 0 {
			return cerror.ErrInvalidArgument.GenWithStackByArgs("numprocesses must be positive")
		}
		if s.BufferSize <= 0 {
			return cerror.ErrInvalidArgument.GenWithStackByArgs("buffersize must be positive")
		}
		if s.ExtractTimeout <= 0 {
			return cerror.ErrInvalidArgument.GenWithStackByArgs("extracttimeout must be positive")
		}
		switch s.LoadDefinition {
		case LoadDefinitionSource, LoadDefinitionTarget:
		default:
			return cerror.ErrInvalidArgument.GenWithStackByArgs("loaddefinition must be source or target")
		}
		if s.Delete && s.Truncate {
			return cerror.ErrInvalidArgument.GenWithStackByArgs("delete and truncate are exclusive")
		}
		if s.SeekToEnd {
			return c.Kafka.Validate()
		}
		return nil
	}
	return cerror.ErrInvalidArgument.GenWithStackByArgs("unknown process " + process)
}

// MetaColumns decodes the metadata columns mapping, nil when unset.
func (c *Config) MetaColumns() (*redo.MetaCols, error) {
	if strings.TrimSpace(c.MetaCols) == "" {
		return nil, nil
	}
	return ParseMetaCols(c.MetaCols)
}

// ParseMetaCols decodes `{"insert_timestamp_column": ..., "update_timestamp_column": ...}`.
func ParseMetaCols(text string) (*redo.MetaCols, error) {
	m := &redo.MetaCols{}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(m); err != nil {
		return nil, cerror.WrapError(cerror.ErrInvalidConfig, err, "metacols")
	}
	if m.IsEmpty() {
		return nil, nil
	}
	return m, nil
}

// TypeMap returns the source to target type mapping, the built-in one
// overridden by --datatypemap.
func (c *Config) TypeMap() (*sqlrender.TypeMap, error) {
	if c.DataTypeMap == "" {
		return sqlrender.DefaultTypeMap(), nil
	}
	return sqlrender.LoadTypeMap(c.DataTypeMap)
}

// Dialect returns the target dialect.
func (c *Config) Dialect() (sqlrender.Dialect, error) {
	types, err := c.TypeMap()
	if err != nil {
		return nil, err
	}
	return sqlrender.NewDialect(c.TargetDBType, types)
}

// RunDir returns the run artifacts directory, a datetime subdirectory of
// the work directory created on first use.
func (c *Config) RunDir(now time.Time) (string, error) {
	if c.runDir != "" {
		return c.runDir, nil
	}
	dir := filepath.Join(c.WorkDirectory, now.Format("20060102150405"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Trace(err)
	}
	c.runDir = dir
	return dir, nil
}

// Tables returns the configured InitSync table list, from --tablelist and
// --tablelistfile. Blank lines and lines starting with # are ignored.
func (c *InitSyncConfig) Tables() ([]string, error) {
	var tables []string
	for _, t := range c.TableList {
		for _, name := range strings.Split(t, ",") {
			if name = strings.TrimSpace(name); name != "" {
				tables = append(tables, name)
			}
		}
	}
	if c.TableListFile == "" {
		return tables, nil
	}
	f, err := os.Open(c.TableListFile)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrInvalidConfig, err, "tablelistfile")
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tables = append(tables, line)
	}
	return tables, errors.Trace(scanner.Err())
}
