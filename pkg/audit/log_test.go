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
	"regexp"
	"testing"
	"time"

	"github.com/pingcap/log"
	"github.com/pingcap/redoflow/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func TestLoggerOpt(t *testing.T) {
	t.Parallel()

	var op loggerOption
	WithSlowThreshold(30 * time.Second)(&op)
	require.Equal(t, 30*time.Second, op.slowThreshold)

	require.False(t, op.ignoreTraceRecordNotFoundErr)
	WithIgnoreTraceRecordNotFoundErr()(&op)
	require.True(t, op.ignoreTraceRecordNotFoundErr)
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buffer zaptest.Buffer
	zapLg, _, err := log.InitLoggerWithWriteSyncer(&log.Config{Level: "warn"}, &buffer, nil)
	require.NoError(t, err)

	lg := NewLogger(zapLg, WithSlowThreshold(3*time.Second), WithIgnoreTraceRecordNotFoundErr())
	lg.Info(context.TODO(), "%s audit", "info")
	require.Equal(t, 0, len(buffer.Lines()))

	lg.Warn(context.TODO(), "%s audit", "warn")
	require.Regexp(t, regexp.QuoteMeta("warn audit"), buffer.Stripped())
	buffer.Reset()

	fc := func() (sql string, rowsAffected int64) { return "UPDATE process_control", 1 }
	lg.Trace(context.TODO(), time.Now(), fc, nil)
	require.Equal(t, 0, len(buffer.Lines()))

	lg.Trace(context.TODO(), time.Now().Add(-10*time.Second), fc, errors.New("deadlock"))
	require.Regexp(t, regexp.QuoteMeta("[ERROR]"), buffer.Stripped())
	require.Regexp(t, regexp.MustCompile(`\["slow audit statement"\].*\[elapsed=10.*s\] \[sql="UPDATE process_control"\] \[affected-rows=1\] \[error=deadlock\]`), buffer.Stripped())
	buffer.Reset()

	lg.Trace(context.TODO(), time.Now(), fc, gorm.ErrRecordNotFound)
	require.Equal(t, 0, len(buffer.Lines()))
}
