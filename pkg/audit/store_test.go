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
	"strings"
	"testing"

	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *GormStore {
	s, err := NewMockStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	latest, err := s.LatestRun(ctx, "sales", 1, "CDCAPPLY", StatusSuccess, StatusWarning)
	require.NoError(t, err)
	require.Nil(t, latest)

	first := &ProcessControlDO{
		ProfileName: "sales", ProfileVersion: 1, ProcessCode: "CDCAPPLY",
		Status: StatusInProgress, MinLSN: "100",
	}
	require.NoError(t, s.InsertRun(ctx, first))
	require.NotZero(t, first.ID)
	require.NoError(t, s.UpdateRun(ctx, first.ID, map[string]interface{}{
		"status": StatusSuccess, "max_lsn": "200", "executor_run_id": int64(17),
	}))

	second := &ProcessControlDO{
		ProfileName: "sales", ProfileVersion: 1, ProcessCode: "CDCAPPLY",
		Status: StatusInProgress, Comment: strings.Repeat("x", cerror.MaxCommentLength+10),
	}
	require.NoError(t, s.InsertRun(ctx, second))
	require.Len(t, second.Comment, cerror.MaxCommentLength)
	require.NoError(t, s.UpdateRun(ctx, second.ID, map[string]interface{}{
		"status": StatusError, "comment": strings.Repeat("y", cerror.MaxCommentLength*2),
	}))

	latest, err = s.LatestRun(ctx, "sales", 1, "CDCAPPLY", StatusSuccess, StatusWarning)
	require.NoError(t, err)
	require.Equal(t, first.ID, latest.ID)
	require.Equal(t, "100", latest.MinLSN)
	require.Equal(t, "200", latest.MaxLSN)
	require.Equal(t, int64(17), latest.ExecutorRunID)

	latest, err = s.LatestRun(ctx, "sales", 1, "CDCAPPLY")
	require.NoError(t, err)
	require.Equal(t, second.ID, latest.ID)
	require.Len(t, latest.Comment, cerror.MaxCommentLength)

	// another process code is independent
	latest, err = s.LatestRun(ctx, "sales", 1, "CDCEXTRACT")
	require.NoError(t, err)
	require.Nil(t, latest)
}

func TestDetail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	pcd := &ProcessControlDetailDO{RunID: 1, ObjectSchema: "ctl", ObjectName: "t", Status: StatusInProgress}
	require.NoError(t, s.InsertDetail(ctx, pcd))
	require.NotZero(t, pcd.ID)
	require.NoError(t, s.UpdateDetail(ctx, pcd.ID, map[string]interface{}{
		"insert_row_count": int64(3), "status": StatusSuccess,
	}))

	var got ProcessControlDetailDO
	require.NoError(t, s.db.First(&got, pcd.ID).Error)
	require.Equal(t, int64(3), got.InsertCount)
	require.Equal(t, StatusSuccess, got.Status)
}

func TestProfiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	key := ProfileKey{ProfileName: "sales", ProfileVersion: 1, TargetRegion: "dw", ObjectName: "ORDERS"}
	row, err := s.UpsertProfileOnCreate(ctx, key, &SourceSystemProfileDO{SourceSchema: "SALES", TargetSchema: "ctl"})
	require.NoError(t, err)
	require.Equal(t, int64(1), row.ObjectSeq)
	require.Equal(t, "orders", row.ObjectName)
	require.True(t, row.IsActive())
	require.False(t, row.IsApplied())

	// idempotent
	again, err := s.UpsertProfileOnCreate(ctx, key, &SourceSystemProfileDO{})
	require.NoError(t, err)
	require.Equal(t, row.ID, again.ID)
	require.Equal(t, int64(1), again.ObjectSeq)

	key2 := key
	key2.ObjectName = "items"
	row2, err := s.UpsertProfileOnCreate(ctx, key2, &SourceSystemProfileDO{})
	require.NoError(t, err)
	require.Equal(t, int64(2), row2.ObjectSeq)

	// the sequence is scoped by profile and version
	key3 := key
	key3.ProfileVersion = 2
	row3, err := s.UpsertProfileOnCreate(ctx, key3, &SourceSystemProfileDO{})
	require.NoError(t, err)
	require.Equal(t, int64(1), row3.ObjectSeq)

	require.NoError(t, s.UpdateProfileMaxLSN(ctx, key, "300", "CDCAPPLY", 9))
	got, err := s.Profile(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "300", got.MaxLSN)
	require.True(t, got.IsApplied())
	require.Equal(t, int64(9), got.LastRunID)
	require.Equal(t, "CDCAPPLY", got.LastProcessCode)
	require.NotNil(t, got.LastApplyTime)

	require.NoError(t, s.UpdateProfile(ctx, key2, map[string]interface{}{"active_ind": IndicatorNo}))
	rows, err := s.Profiles(ctx, "sales", 1, "dw")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "orders", rows[0].ObjectName)
	require.False(t, rows[1].IsActive())

	missing, err := s.Profile(ctx, ProfileKey{ProfileName: "sales", ProfileVersion: 1, TargetRegion: "dw", ObjectName: "nope"})
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestStoreCanceled(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Profiles(ctx, "sales", 1, "")
	require.Error(t, err)
	require.Equal(t, context.Canceled, cerror.Cause(err))
}
