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

package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap/redoflow/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type loggerOption struct {
	slowThreshold                time.Duration
	ignoreTraceRecordNotFoundErr bool
}

type optionFunc func(*loggerOption)

// WithSlowThreshold sets the slow log threshold for audit statements
func WithSlowThreshold(thres time.Duration) optionFunc {
	return func(op *loggerOption) {
		op.slowThreshold = thres
	}
}

// WithIgnoreTraceRecordNotFoundErr sets if ignore 'record not found' error for trace
func WithIgnoreTraceRecordNotFoundErr() optionFunc {
	return func(op *loggerOption) {
		op.ignoreTraceRecordNotFoundErr = true
	}
}

// NewLogger returns a gorm logger writing to lg.
func NewLogger(lg *zap.Logger, opts ...optionFunc) logger.Interface {
	var op loggerOption
	for _, opt := range opts {
		opt(&op)
	}
	return &gormLogger{op: op, lg: lg.With(zap.String("component", "audit"))}
}

type gormLogger struct {
	op loggerOption
	lg *zap.Logger
}

// LogMode is a no-op, the level follows the zap logger.
func (l *gormLogger) LogMode(logger.LogLevel) logger.Interface {
	return l
}

func (l *gormLogger) Info(ctx context.Context, format string, args ...interface{}) {
	l.lg.Info(fmt.Sprintf(format, args...))
}

func (l *gormLogger) Warn(ctx context.Context, format string, args ...interface{}) {
	l.lg.Warn(fmt.Sprintf(format, args...))
}

func (l *gormLogger) Error(ctx context.Context, format string, args ...interface{}) {
	l.lg.Error(fmt.Sprintf(format, args...))
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, resFunc func() (sql string, rowsAffected int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := resFunc()
	logFunc := l.lg.Debug
	if err != nil && (!errors.Is(err, gorm.ErrRecordNotFound) || !l.op.ignoreTraceRecordNotFoundErr) {
		logFunc = l.lg.Error
	}
	fields := []zap.Field{zap.Duration("elapsed", elapsed), zap.String("sql", sql), zap.Int64("affected-rows", rows)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	logFunc("audit statement", fields...)

	if l.op.slowThreshold != 0 && elapsed > l.op.slowThreshold {
		l.lg.Warn("slow audit statement", fields...)
	}
}
