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
	"time"

	"gorm.io/gorm"
)

const (
	tableNameProcessControl       = "process_control"
	tableNameProcessControlDetail = "process_control_detail"
	tableNameSourceSystemProfile  = "source_system_profile"
)

// Run and table statuses.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusSuccess    = "SUCCESS"
	StatusWarning    = "WARNING"
	StatusError      = "ERROR"
	StatusKilled     = "KILLED"
	StatusSkipped    = "SKIPPED"
)

// Executor statuses of a run.
const (
	ExecutorCommitted   = "COMMITTED"
	ExecutorUncommitted = "UNCOMMITTED"
)

// Indicator values of SSP flags.
const (
	IndicatorYes = "Y"
	IndicatorNo  = "N"
)

// ProcessControlDO mapped from table <process_control>
type ProcessControlDO struct {
	ID             int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ProfileName    string     `gorm:"column:profile_name;type:varchar(128);not null;index:pc_profile,priority:1" json:"profile_name"`
	ProfileVersion int        `gorm:"column:profile_version;not null;index:pc_profile,priority:2" json:"profile_version"`
	ProcessCode    string     `gorm:"column:process_code;type:varchar(32);not null;index:pc_profile,priority:3" json:"process_code"`
	Status         string     `gorm:"column:status;type:varchar(32);not null" json:"status"`
	MinLSN         string     `gorm:"column:min_lsn;type:varchar(64)" json:"min_lsn"`
	MaxLSN         string     `gorm:"column:max_lsn;type:varchar(64)" json:"max_lsn"`
	ExecutorRunID  int64      `gorm:"column:executor_run_id" json:"executor_run_id"`
	ExecutorStatus string     `gorm:"column:executor_status;type:varchar(32)" json:"executor_status"`
	TotalCount     int64      `gorm:"column:total_count" json:"total_count"`
	Comment        string     `gorm:"column:comment;type:varchar(2000)" json:"comment"`
	InfoLog        string     `gorm:"column:infolog;type:varchar(512)" json:"infolog"`
	ErrorLog       string     `gorm:"column:errorlog;type:varchar(512)" json:"errorlog"`
	StartTime      time.Time  `gorm:"column:start_time;not null" json:"start_time"`
	EndTime        *time.Time `gorm:"column:end_time" json:"end_time"`
	UpdateAt       time.Time  `gorm:"column:update_at;not null;autoUpdateTime" json:"update_at"`
}

// TableName ProcessControl's table name
func (*ProcessControlDO) TableName() string {
	return tableNameProcessControl
}

// ProcessControlDetailDO mapped from table <process_control_detail>
type ProcessControlDetailDO struct {
	ID             int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RunID          int64      `gorm:"column:run_id;not null;index:pcd_run" json:"run_id"`
	ObjectSchema   string     `gorm:"column:object_schema;type:varchar(128)" json:"object_schema"`
	ObjectName     string     `gorm:"column:object_name;type:varchar(128);not null" json:"object_name"`
	Status         string     `gorm:"column:status;type:varchar(32);not null" json:"status"`
	SourceCount    int64      `gorm:"column:source_row_count" json:"source_row_count"`
	InsertCount    int64      `gorm:"column:insert_row_count" json:"insert_row_count"`
	UpdateCount    int64      `gorm:"column:update_row_count" json:"update_row_count"`
	DeleteCount    int64      `gorm:"column:delete_row_count" json:"delete_row_count"`
	CreateCount    int64      `gorm:"column:create_count" json:"create_count"`
	AlterCount     int64      `gorm:"column:alter_count" json:"alter_count"`
	MinLSN         string     `gorm:"column:min_lsn;type:varchar(64)" json:"min_lsn"`
	MaxLSN         string     `gorm:"column:max_lsn;type:varchar(64)" json:"max_lsn"`
	Comment        string     `gorm:"column:comment;type:varchar(2000)" json:"comment"`
	InfoLog        string     `gorm:"column:infolog;type:varchar(512)" json:"infolog"`
	ErrorLog       string     `gorm:"column:errorlog;type:varchar(512)" json:"errorlog"`
	StartTime      time.Time  `gorm:"column:start_time;not null" json:"start_time"`
	EndTime        *time.Time `gorm:"column:end_time" json:"end_time"`
	QueryCondition string     `gorm:"column:query_condition;type:varchar(2000)" json:"query_condition"`
}

// TableName ProcessControlDetail's table name
func (*ProcessControlDetailDO) TableName() string {
	return tableNameProcessControlDetail
}

// SourceSystemProfileDO mapped from table <source_system_profile>
type SourceSystemProfileDO struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ProfileName     string     `gorm:"column:profile_name;type:varchar(128);not null;uniqueIndex:ssp_key,priority:1" json:"profile_name"`
	ProfileVersion  int        `gorm:"column:profile_version;not null;uniqueIndex:ssp_key,priority:2" json:"profile_version"`
	TargetRegion    string     `gorm:"column:target_region;type:varchar(128);not null;uniqueIndex:ssp_key,priority:3" json:"target_region"`
	ObjectName      string     `gorm:"column:object_name;type:varchar(128);not null;uniqueIndex:ssp_key,priority:4" json:"object_name"`
	ObjectSeq       int64      `gorm:"column:object_seq;not null" json:"object_seq"`
	SourceSchema    string     `gorm:"column:source_schema;type:varchar(128)" json:"source_schema"`
	TargetSchema    string     `gorm:"column:target_schema;type:varchar(128)" json:"target_schema"`
	MinLSN          string     `gorm:"column:min_lsn;type:varchar(64)" json:"min_lsn"`
	MaxLSN          string     `gorm:"column:max_lsn;type:varchar(64)" json:"max_lsn"`
	ActiveInd       string     `gorm:"column:active_ind;type:char(1);not null" json:"active_ind"`
	AppliedInd      string     `gorm:"column:applied_ind;type:char(1);not null" json:"applied_ind"`
	LastRunID       int64      `gorm:"column:last_run_id" json:"last_run_id"`
	LastStatus      string     `gorm:"column:last_status;type:varchar(32)" json:"last_status"`
	LastProcessCode string     `gorm:"column:last_process_code;type:varchar(32)" json:"last_process_code"`
	QueryCondition  string     `gorm:"column:query_condition;type:varchar(2000)" json:"query_condition"`
	LastApplyTime   *time.Time `gorm:"column:last_apply_time" json:"last_apply_time"`
	UpdateAt        time.Time  `gorm:"column:update_at;not null;autoUpdateTime" json:"update_at"`
}

// TableName SourceSystemProfile's table name
func (*SourceSystemProfileDO) TableName() string {
	return tableNameSourceSystemProfile
}

// Key returns the guard key of the row.
func (p *SourceSystemProfileDO) Key() ProfileKey {
	return ProfileKey{
		ProfileName:    p.ProfileName,
		ProfileVersion: p.ProfileVersion,
		TargetRegion:   p.TargetRegion,
		ObjectName:     p.ObjectName,
	}
}

// IsActive reports whether the table is replicated.
func (p *SourceSystemProfileDO) IsActive() bool {
	return p.ActiveInd == IndicatorYes
}

// IsApplied reports whether the table has been applied at least once.
func (p *SourceSystemProfileDO) IsApplied() bool {
	return p.AppliedInd == IndicatorYes
}

// ProfileKey guards every SSP mutation.
type ProfileKey struct {
	ProfileName    string
	ProfileVersion int
	TargetRegion   string
	ObjectName     string
}

// AutoMigrate checks the audit tables and creates or changes the table
// structure as needed based on in-memory struct definition.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ProcessControlDO{},
		&ProcessControlDetailDO{},
		&SourceSystemProfileDO{},
	)
}
