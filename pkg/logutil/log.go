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

package logutil

import (
	"context"
	"os"
	"strings"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultLogLevel   = "info"
	defaultLogMaxDays = 7
	defaultLogMaxSize = 512 // MB
)

// Config serializes log related config in toml/json.
type Config struct {
	// Log level.
	Level string `toml:"level" json:"level"`
	// Log filename, leave empty to disable file log.
	File string `toml:"file" json:"file"`
	// Max size for a single file, in MB.
	FileMaxSize int `toml:"max-size" json:"max-size"`
	// Max log keep days, default is never deleting.
	FileMaxDays int `toml:"max-days" json:"max-days"`
	// Maximum number of old log files to retain.
	FileMaxBackups int `toml:"max-backups" json:"max-backups"`
	// SamplingInitial is the initial number of log entries with the same
	// message that are logged every second. Zero disables sampling.
	SamplingInitial int `toml:"sampling-initial" json:"sampling-initial"`
	// SamplingThereafter logs every Nth entry after SamplingInitial.
	SamplingThereafter int `toml:"sampling-thereafter" json:"sampling-thereafter"`
}

// Adjust adjusts config
func (cfg *Config) Adjust() {
	if len(cfg.Level) == 0 {
		cfg.Level = defaultLogLevel
	}
	if cfg.Level == "warning" {
		cfg.Level = "warn"
	}
	if cfg.FileMaxSize == 0 {
		cfg.FileMaxSize = defaultLogMaxSize
	}
	if cfg.FileMaxDays == 0 {
		cfg.FileMaxDays = defaultLogMaxDays
	}
}

// InitLogger initializes logger and replaces the global logger of pingcap/log.
func InitLogger(cfg *Config) error {
	cfg.Adjust()
	pclogConfig := &log.Config{
		Level: cfg.Level,
		File: log.FileLogConfig{
			Filename:   cfg.File,
			MaxSize:    cfg.FileMaxSize,
			MaxDays:    cfg.FileMaxDays,
			MaxBackups: cfg.FileMaxBackups,
		},
	}
	if cfg.SamplingInitial > 0 {
		pclogConfig.Sampling = &zap.SamplingConfig{
			Initial:    cfg.SamplingInitial,
			Thereafter: cfg.SamplingThereafter,
		}
	}

	logger, props, err := log.InitLogger(pclogConfig)
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

// NewFileLogger returns a logger that writes to both the global logger and
// the file at path. The returned close func syncs and closes the file.
func NewFileLogger(path string) (*zap.Logger, func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(f), log.GetLevel())
	logger := zap.New(zapcore.NewTee(log.L().Core(), fileCore))
	closeFn := func() error {
		_ = logger.Sync()
		return errors.Trace(f.Close())
	}
	return logger, closeFn, nil
}

// SetLogLevel changes the level of the global logger.
func SetLogLevel(level string) error {
	var lv zapcore.Level
	if strings.EqualFold(level, "warning") {
		level = "warn"
	}
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return errors.Trace(err)
	}
	if lv == log.GetLevel() {
		return nil
	}
	log.SetLevel(lv)
	return nil
}

// ZapErrorFilter wraps zap.Error, if err is in given filters, it returns
// zap.Error(nil).
func ZapErrorFilter(err error, filters ...error) zap.Field {
	cause := errors.Cause(err)
	for _, ferr := range filters {
		if cause == ferr {
			return zap.Error(nil)
		}
	}
	return zap.Error(err)
}

type loggerKey struct{}

// NewContextWithLogger returns a copy of ctx that carries logger.
func NewContextWithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger carried by ctx, or the global logger.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return log.L()
	}
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return logger
	}
	return log.L()
}

// WithRun returns a logger annotated with the identity of a run, used by
// every long lived component so log lines can be traced back to an audit row.
func WithRun(ctx context.Context, profile string, version int, runID int64) context.Context {
	logger := FromContext(ctx).With(
		zap.String("profile", profile),
		zap.Int("version", version),
		zap.Int64("runID", runID),
	)
	return NewContextWithLogger(ctx, logger)
}
