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
	"time"

	"github.com/pingcap/log"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/retry"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MaxAuditAttempts bounds the attempts of every audit operation.
const MaxAuditAttempts = 3

// Store is the audit store used by the extractor, the applier and initsync.
type Store interface {
	// InsertRun inserts pc and fills its ID.
	InsertRun(ctx context.Context, pc *ProcessControlDO) error
	UpdateRun(ctx context.Context, id int64, values map[string]interface{}) error
	// LatestRun returns the newest run of processCode with one of statuses,
	// nil if there is none.
	LatestRun(ctx context.Context, profile string, version int, processCode string, statuses ...string) (*ProcessControlDO, error)

	InsertDetail(ctx context.Context, pcd *ProcessControlDetailDO) error
	UpdateDetail(ctx context.Context, id int64, values map[string]interface{}) error

	// Profiles returns the SSP rows of a profile ordered by object_seq.
	Profiles(ctx context.Context, profile string, version int, targetRegion string) ([]*SourceSystemProfileDO, error)
	// Profile returns one SSP row, nil if there is none.
	Profile(ctx context.Context, key ProfileKey) (*SourceSystemProfileDO, error)
	// UpsertProfileOnCreate inserts an SSP row for a newly created table. It
	// is a no-op if the row exists.
	UpsertProfileOnCreate(ctx context.Context, key ProfileKey, row *SourceSystemProfileDO) (*SourceSystemProfileDO, error)
	UpdateProfileMaxLSN(ctx context.Context, key ProfileKey, lsn string, processCode string, runID int64) error
	UpdateProfile(ctx context.Context, key ProfileKey, values map[string]interface{}) error

	Close() error
}

// GormStore implements Store on gorm. Every operation is retried on
// transient failures.
type GormStore struct {
	db          *gorm.DB
	maxAttempts int64
}

// Open connects to a Postgres audit database.
func Open(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 NewLogger(log.L(), WithSlowThreshold(time.Second), WithIgnoreTraceRecordNotFoundErr()),
	})
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrDBConnect, err, "audit")
	}
	return db, nil
}

// NewStore creates the audit tables if needed and returns the store.
func NewStore(ctx context.Context, db *gorm.DB) (*GormStore, error) {
	s := &GormStore{db: db, maxAttempts: MaxAuditAttempts}
	if err := s.withRetry(ctx, "migrate", func(tx *gorm.DB) error {
		return AutoMigrate(tx)
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *GormStore) withRetry(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	err := retry.Do(ctx, func() error {
		return fn(s.db.WithContext(ctx))
	},
		retry.WithMaxTries(s.maxAttempts),
		retry.WithBackoffBaseDelay(200),
		retry.WithBackoffMaxDelay(2000),
		retry.WithIsRetryableErr(cerror.IsRetryable),
		retry.WithOnRetry(func(attempt int, err error) {
			log.Warn("audit operation failed, retry",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			if cerror.IsConnectionError(err) {
				s.reconnect(ctx)
			}
		}))
	return cerror.WrapError(cerror.ErrAuditStore, err, op)
}

// reconnect drops idle connections so the pool dials again.
func (s *GormStore) reconnect(ctx context.Context) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return
	}
	sqlDB.SetMaxIdleConns(0)
	sqlDB.SetMaxIdleConns(2)
	if err := sqlDB.PingContext(ctx); err != nil {
		log.Warn("audit database is unreachable", zap.Error(err))
	}
}

// InsertRun implements Store.InsertRun.
func (s *GormStore) InsertRun(ctx context.Context, pc *ProcessControlDO) error {
	pc.Comment = cerror.TruncateComment(pc.Comment)
	if pc.StartTime.IsZero() {
		pc.StartTime = time.Now()
	}
	return s.withRetry(ctx, "insert run", func(tx *gorm.DB) error {
		pc.ID = 0
		return tx.Create(pc).Error
	})
}

// UpdateRun implements Store.UpdateRun.
func (s *GormStore) UpdateRun(ctx context.Context, id int64, values map[string]interface{}) error {
	truncateCommentValue(values)
	return s.withRetry(ctx, "update run", func(tx *gorm.DB) error {
		return tx.Model(&ProcessControlDO{}).Where("id = ?", id).Updates(values).Error
	})
}

// LatestRun implements Store.LatestRun.
func (s *GormStore) LatestRun(
	ctx context.Context, profile string, version int, processCode string, statuses ...string,
) (*ProcessControlDO, error) {
	var runs []*ProcessControlDO
	err := s.withRetry(ctx, "select latest run", func(tx *gorm.DB) error {
		q := tx.Where("profile_name = ? AND profile_version = ? AND process_code = ?", profile, version, processCode)
		if len(statuses) > 0 {
			q = q.Where("status IN ?", statuses)
		}
		return q.Order("id DESC").Limit(1).Find(&runs).Error
	})
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// InsertDetail implements Store.InsertDetail.
func (s *GormStore) InsertDetail(ctx context.Context, pcd *ProcessControlDetailDO) error {
	pcd.Comment = cerror.TruncateComment(pcd.Comment)
	if pcd.StartTime.IsZero() {
		pcd.StartTime = time.Now()
	}
	return s.withRetry(ctx, "insert detail", func(tx *gorm.DB) error {
		pcd.ID = 0
		return tx.Create(pcd).Error
	})
}

// UpdateDetail implements Store.UpdateDetail.
func (s *GormStore) UpdateDetail(ctx context.Context, id int64, values map[string]interface{}) error {
	truncateCommentValue(values)
	return s.withRetry(ctx, "update detail", func(tx *gorm.DB) error {
		return tx.Model(&ProcessControlDetailDO{}).Where("id = ?", id).Updates(values).Error
	})
}

// Profiles implements Store.Profiles.
func (s *GormStore) Profiles(
	ctx context.Context, profile string, version int, targetRegion string,
) ([]*SourceSystemProfileDO, error) {
	var rows []*SourceSystemProfileDO
	err := s.withRetry(ctx, "select profiles", func(tx *gorm.DB) error {
		q := tx.Where("profile_name = ? AND profile_version = ?", profile, version)
		if targetRegion != "" {
			q = q.Where("target_region = ?", targetRegion)
		}
		return q.Order("object_seq").Find(&rows).Error
	})
	return rows, err
}

func whereKey(tx *gorm.DB, key ProfileKey) *gorm.DB {
	return tx.Where("profile_name = ? AND profile_version = ? AND target_region = ? AND object_name = ?",
		key.ProfileName, key.ProfileVersion, key.TargetRegion, strings.ToLower(key.ObjectName))
}

// Profile implements Store.Profile.
func (s *GormStore) Profile(ctx context.Context, key ProfileKey) (*SourceSystemProfileDO, error) {
	var rows []*SourceSystemProfileDO
	err := s.withRetry(ctx, "select profile", func(tx *gorm.DB) error {
		return whereKey(tx, key).Limit(1).Find(&rows).Error
	})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// UpsertProfileOnCreate implements Store.UpsertProfileOnCreate. The new row
// gets object_seq = max(object_seq)+1 within the profile and version.
func (s *GormStore) UpsertProfileOnCreate(
	ctx context.Context, key ProfileKey, row *SourceSystemProfileDO,
) (*SourceSystemProfileDO, error) {
	var result *SourceSystemProfileDO
	err := s.withRetry(ctx, "upsert profile", func(tx *gorm.DB) error {
		return tx.Transaction(func(tx *gorm.DB) error {
			var existing []*SourceSystemProfileDO
			if err := whereKey(tx, key).Limit(1).Find(&existing).Error; err != nil {
				return err
			}
			if len(existing) > 0 {
				result = existing[0]
				return nil
			}
			var maxSeq int64
			if err := tx.Model(&SourceSystemProfileDO{}).
				Where("profile_name = ? AND profile_version = ?", key.ProfileName, key.ProfileVersion).
				Select("COALESCE(MAX(object_seq), 0)").Scan(&maxSeq).Error; err != nil {
				return err
			}
			newRow := *row
			newRow.ID = 0
			newRow.ProfileName = key.ProfileName
			newRow.ProfileVersion = key.ProfileVersion
			newRow.TargetRegion = key.TargetRegion
			newRow.ObjectName = strings.ToLower(key.ObjectName)
			newRow.ObjectSeq = maxSeq + 1
			if newRow.ActiveInd == "" {
				newRow.ActiveInd = IndicatorYes
			}
			if newRow.AppliedInd == "" {
				newRow.AppliedInd = IndicatorNo
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&newRow).Error; err != nil {
				return err
			}
			result = &newRow
			return nil
		})
	})
	return result, err
}

// UpdateProfileMaxLSN implements Store.UpdateProfileMaxLSN.
func (s *GormStore) UpdateProfileMaxLSN(
	ctx context.Context, key ProfileKey, lsn string, processCode string, runID int64,
) error {
	now := time.Now()
	return s.UpdateProfile(ctx, key, map[string]interface{}{
		"max_lsn":           lsn,
		"applied_ind":       IndicatorYes,
		"last_process_code": processCode,
		"last_run_id":       runID,
		"last_apply_time":   &now,
	})
}

// UpdateProfile implements Store.UpdateProfile.
func (s *GormStore) UpdateProfile(ctx context.Context, key ProfileKey, values map[string]interface{}) error {
	return s.withRetry(ctx, "update profile", func(tx *gorm.DB) error {
		return whereKey(tx.Model(&SourceSystemProfileDO{}), key).Updates(values).Error
	})
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return cerror.Trace(err)
	}
	return cerror.Trace(sqlDB.Close())
}

func truncateCommentValue(values map[string]interface{}) {
	if c, ok := values["comment"].(string); ok {
		values["comment"] = cerror.TruncateComment(c)
	}
}
