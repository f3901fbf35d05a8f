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

package factory

import (
	"time"

	"github.com/pingcap/redoflow/pkg/cmd/util"
	"github.com/pingcap/redoflow/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// ConfigFlags binds the command line options of a process. Options given
// on the command line override the config file, which overrides defaults.
type ConfigFlags struct {
	process    string
	configFile string
	// values receives the parsed flags, apply copies the visited ones
	// onto the loaded configuration.
	values *config.Config
	apply  map[string]func(dst *config.Config)
}

// NewConfigFlags returns the flags of process.
func NewConfigFlags(process string) *ConfigFlags {
	return &ConfigFlags{
		process: process,
		values:  config.NewDefaultConfig(),
		apply:   make(map[string]func(dst *config.Config)),
	}
}

func bind[T any](f *ConfigFlags, name string, field func(*config.Config) *T) *T {
	f.apply[name] = func(dst *config.Config) { *field(dst) = *field(f.values) }
	return field(f.values)
}

func (f *ConfigFlags) stringVar(fs *pflag.FlagSet, name string, field func(*config.Config) *string, usage string) {
	p := bind(f, name, field)
	fs.StringVar(p, name, *p, usage)
}

func (f *ConfigFlags) intVar(fs *pflag.FlagSet, name string, field func(*config.Config) *int, usage string) {
	p := bind(f, name, field)
	fs.IntVar(p, name, *p, usage)
}

func (f *ConfigFlags) boolVar(fs *pflag.FlagSet, name string, field func(*config.Config) *bool, usage string) {
	p := bind(f, name, field)
	fs.BoolVar(p, name, *p, usage)
}

func (f *ConfigFlags) durationVar(
	fs *pflag.FlagSet, name string, field func(*config.Config) *time.Duration, usage string,
) {
	p := bind(f, name, field)
	fs.DurationVar(p, name, *p, usage)
}

func (f *ConfigFlags) stringSliceVar(fs *pflag.FlagSet, name string, field func(*config.Config) *[]string, usage string) {
	p := bind(f, name, field)
	fs.StringSliceVar(p, name, *p, usage)
}

// AddFlags receives a *cobra.Command reference and binds the flags of the
// process to it.
func (f *ConfigFlags) AddFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.configFile, "config", "", "Path of the configuration file")

	f.stringVar(fs, "log-file", func(c *config.Config) *string { return &c.Log.File }, "log file path")
	f.stringVar(fs, "log-level", func(c *config.Config) *string { return &c.Log.Level }, "log level (etc: debug|info|warn|error)")
	f.stringVar(fs, "status-addr", func(c *config.Config) *string { return &c.StatusAddr },
		"Bind address of the metrics endpoint, empty to disable it")

	f.stringVar(fs, "profilename", func(c *config.Config) *string { return &c.ProfileName }, "Profile name")
	f.intVar(fs, "profileversion", func(c *config.Config) *int { return &c.ProfileVersion }, "Profile version")
	f.stringVar(fs, "targetregion", func(c *config.Config) *string { return &c.TargetRegion }, "Target region of the profile")
	f.stringVar(fs, "audituser", func(c *config.Config) *string { return &c.AuditUser },
		"Audit database credentials as user/password@host:port/database")
	f.stringVar(fs, "workdirectory", func(c *config.Config) *string { return &c.WorkDirectory },
		"Directory receiving the run artifacts")
	f.intVar(fs, "arraysize", func(c *config.Config) *int { return &c.ArraySize }, "Rows fetched per database round trip")
	f.stringVar(fs, "outputfile", func(c *config.Config) *string { return &c.OutputFile },
		"Write every produced or executed statement to this file")
	f.stringVar(fs, "rawfile", func(c *config.Config) *string { return &c.RawFile },
		"Write every produced or received record to this file")

	f.stringVar(fs, "smtp-host", func(c *config.Config) *string { return &c.Notify.SMTPHost }, "Mail server host")
	f.intVar(fs, "smtp-port", func(c *config.Config) *int { return &c.Notify.SMTPPort }, "Mail server port")
	f.stringVar(fs, "smtp-user", func(c *config.Config) *string { return &c.Notify.SMTPUser }, "Mail server user")
	f.stringVar(fs, "smtp-password", func(c *config.Config) *string { return &c.Notify.SMTPPassword },
		"Mail server password")
	f.stringVar(fs, "smtp-from", func(c *config.Config) *string { return &c.Notify.From }, "Mail sender address")
	f.stringSliceVar(fs, "notify-error", func(c *config.Config) *[]string { return &c.Notify.Error },
		"Recipients of error mails")
	f.stringSliceVar(fs, "notify-summary", func(c *config.Config) *[]string { return &c.Notify.Summary },
		"Recipients of summary mails")

	switch f.process {
	case config.ProcessExtract:
		f.addSourceFlags(fs)
		f.addKafkaFlags(fs)
		f.addExtractFlags(fs)
	case config.ProcessApply:
		f.addTargetFlags(fs)
		f.addKafkaFlags(fs)
		f.addApplyFlags(fs)
	case config.ProcessInitSync:
		f.addSourceFlags(fs)
		f.addTargetFlags(fs)
		f.addKafkaFlags(fs)
		f.addInitSyncFlags(fs)
	}
}

func (f *ConfigFlags) addSourceFlags(fs *pflag.FlagSet) {
	f.stringVar(fs, "sourceuser", func(c *config.Config) *string { return &c.SourceUser },
		"Source database credentials as user/password@host:port/database")
	f.stringVar(fs, "sourcedbtype", func(c *config.Config) *string { return &c.SourceDBType },
		"Source database type (oracle|mssql|postgres)")
}

func (f *ConfigFlags) addTargetFlags(fs *pflag.FlagSet) {
	f.stringVar(fs, "targetuser", func(c *config.Config) *string { return &c.TargetUser },
		"Target database credentials as user/password@host:port/database")
	f.stringVar(fs, "targetdbtype", func(c *config.Config) *string { return &c.TargetDBType },
		"Target database type (postgres|greenplum)")
	f.stringVar(fs, "targetschema", func(c *config.Config) *string { return &c.TargetSchema }, "Target schema")
}

func (f *ConfigFlags) addKafkaFlags(fs *pflag.FlagSet) {
	f.stringSliceVar(fs, "kafka-brokers", func(c *config.Config) *[]string { return &c.Kafka.Brokers },
		"Kafka bootstrap brokers")
	f.stringVar(fs, "kafka-topic", func(c *config.Config) *string { return &c.Kafka.Topic }, "Kafka topic")
	f.stringVar(fs, "kafka-group", func(c *config.Config) *string { return &c.Kafka.GroupID },
		"Kafka consumer group, defaults to <profilename>-<targetregion>")
	f.stringVar(fs, "kafka-client", func(c *config.Config) *string { return &c.Kafka.Client },
		"Kafka client library (confluent|kafka-go)")
	if f.process != config.ProcessInitSync {
		f.stringVar(fs, "avro-schema", func(c *config.Config) *string { return &c.AvroSchema },
			"Path of the Avro schema of the stream records")
	}
}

func (f *ConfigFlags) addExtractFlags(fs *pflag.FlagSet) {
	f.stringVar(fs, "startscn", func(c *config.Config) *string { return &c.Extract.StartSCN },
		"Lower bound of the extraction window")
	f.stringVar(fs, "endscn", func(c *config.Config) *string { return &c.Extract.EndSCN },
		"Upper bound of the extraction window")
	f.boolVar(fs, "kill", func(c *config.Config) *bool { return &c.Extract.Kill },
		"Send a KILL record to stop the applier and exit")
	f.intVar(fs, "samplerows", func(c *config.Config) *int { return &c.Extract.SampleRows },
		"Extract at most this many changes, 0 for all")
}

func (f *ConfigFlags) addApplyFlags(fs *pflag.FlagSet) {
	f.stringVar(fs, "metacols", func(c *config.Config) *string { return &c.MetaCols },
		`Metadata columns as {"insert_timestamp_column": ..., "update_timestamp_column": ...}`)
	f.stringVar(fs, "datatypemap", func(c *config.Config) *string { return &c.DataTypeMap },
		"Path of a YAML file overriding the data type mapping")
	f.intVar(fs, "auditcommitpoint", func(c *config.Config) *int { return &c.Apply.AuditCommitPoint },
		"Records between audit store commits")
	f.intVar(fs, "targetcommitpoint", func(c *config.Config) *int { return &c.Apply.TargetCommitPoint },
		"Records between target commits")
	f.boolVar(fs, "bulkapply", func(c *config.Config) *bool { return &c.Apply.BulkApply },
		"Group consecutive inserts into multi-row statements")
	f.intVar(fs, "bulkinsertlimit", func(c *config.Config) *int { return &c.Apply.BulkInsertLimit },
		"Rows per bulk insert")
	f.intVar(fs, "skipbatch", func(c *config.Config) *int { return &c.Apply.SkipBatch },
		"Number of batches to skip")
	f.boolVar(fs, "seektoend", func(c *config.Config) *bool { return &c.Apply.SeekToEnd },
		"Start consuming at the end of the stream")
	f.boolVar(fs, "donotcommit", func(c *config.Config) *bool { return &c.Apply.DoNotCommit },
		"Roll back the target instead of committing")
	f.intVar(fs, "retry", func(c *config.Config) *int { return &c.Apply.Retry },
		"Attempts per failed record")
	f.durationVar(fs, "retrypause", func(c *config.Config) *time.Duration { return &c.Apply.RetryPause },
		"Pause between attempts")
}

func (f *ConfigFlags) addInitSyncFlags(fs *pflag.FlagSet) {
	f.boolVar(fs, "extractlsn", func(c *config.Config) *bool { return &c.InitSync.ExtractLSN },
		"Extract the LSN of every row")
	f.intVar(fs, "samplerows", func(c *config.Config) *int { return &c.InitSync.SampleRows },
		"Seed at most this many rows per table, 0 for all")
	f.boolVar(fs, "lock", func(c *config.Config) *bool { return &c.InitSync.Lock },
		"Lock the source table while reading it")
	f.stringVar(fs, "nullstring", func(c *config.Config) *string { return &c.InitSync.NullString },
		"Representation of NULL in the load stream")
	f.boolVar(fs, "delete", func(c *config.Config) *bool { return &c.InitSync.Delete },
		"Delete the target rows matching the query condition before loading")
	f.boolVar(fs, "truncate", func(c *config.Config) *bool { return &c.InitSync.Truncate },
		"Truncate the target table before loading")
	f.boolVar(fs, "vacuum", func(c *config.Config) *bool { return &c.InitSync.Vacuum },
		"Vacuum the target table after loading")
	f.boolVar(fs, "analyze", func(c *config.Config) *bool { return &c.InitSync.Analyze },
		"Analyze the target table after loading")
	f.intVar(fs, "numprocesses", func(c *config.Config) *int { return &c.InitSync.NumProcesses },
		"Tables seeded in parallel")
	f.intVar(fs, "buffersize", func(c *config.Config) *int { return &c.InitSync.BufferSize },
		"Size in bytes of the extract and load buffers")
	f.durationVar(fs, "extracttimeout", func(c *config.Config) *time.Duration { return &c.InitSync.ExtractTimeout },
		"Maximum silence of a table extraction")
	f.stringVar(fs, "clientencoding", func(c *config.Config) *string { return &c.InitSync.ClientEncoding },
		"Encoding of the load stream")
	f.stringVar(fs, "loaddefinition", func(c *config.Config) *string { return &c.InitSync.LoadDefinition },
		"Column list taken from the source or the target table")
	f.stringSliceVar(fs, "tablelist", func(c *config.Config) *[]string { return &c.InitSync.TableList },
		"Tables to seed as schema.table, used when the profile has no active tables")
	f.stringVar(fs, "tablelistfile", func(c *config.Config) *string { return &c.InitSync.TableListFile },
		"File listing one schema.table per line")
	f.boolVar(fs, "seektoend", func(c *config.Config) *bool { return &c.InitSync.SeekToEnd },
		"Move the applier group to the end of the stream after seeding")
}

// Load builds the configuration of the process from defaults, the config
// file and the flags explicitly set on cmd, then validates it.
func (f *ConfigFlags) Load(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if f.configFile != "" {
		if err := util.StrictDecodeFile(f.configFile, "redoflow", cfg); err != nil {
			return nil, err
		}
	}
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		if apply, ok := f.apply[flag.Name]; ok {
			apply(cfg)
		}
	})
	if err := cfg.ValidateAndAdjust(f.process); err != nil {
		return nil, err
	}
	return cfg, nil
}
