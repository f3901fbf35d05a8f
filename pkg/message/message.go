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

// Package message defines the records exchanged between the extractor and
// the applier.
package message

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	cerror "github.com/pingcap/redoflow/pkg/errors"
)

// RecordType frames the stream into batches.
type RecordType string

// Record types.
const (
	TypeStartOfBatch RecordType = "SOB"
	TypeData         RecordType = "DATA"
	TypeEndOfBatch   RecordType = "EOB"
	TypeKill         RecordType = "KILL"
)

// ParseRecordType validates s as a record type.
func ParseRecordType(s string) (RecordType, error) {
	switch rt := RecordType(strings.ToUpper(strings.TrimSpace(s))); rt {
	case TypeStartOfBatch, TypeData, TypeEndOfBatch, TypeKill:
		return rt, nil
	}
	return "", cerror.ErrUnknownRecordType.GenWithStackByArgs(s)
}

// Message is one record of the change stream. Oracle changes carry the redo
// in CommitStatement, SQL Server changes carry ColumnNames and ColumnValues.
type Message struct {
	BatchID          string
	RecordType       RecordType
	RecordCount      int64
	TableName        string
	CommitLSN        string
	OperationCode    string
	CommitStatement  string
	ColumnNames      string
	ColumnValues     string
	PrimaryKeyFields string
	StatementID      string
	CommitTimestamp  string
	MessageSequence  int64
	MultilineFlag    bool
}

// NewBatchID returns a fresh batch identifier.
func NewBatchID() string {
	return uuid.New().String()
}

// NewStartOfBatch returns the SOB record announcing count DATA records.
func NewStartOfBatch(batchID string, count int64, startLSN string) *Message {
	return &Message{BatchID: batchID, RecordType: TypeStartOfBatch, RecordCount: count, CommitLSN: startLSN}
}

// NewEndOfBatch returns the EOB record closing a batch of count DATA records.
func NewEndOfBatch(batchID string, count int64, endLSN string) *Message {
	return &Message{BatchID: batchID, RecordType: TypeEndOfBatch, RecordCount: count, CommitLSN: endLSN}
}

// NewKill returns the poison pill that stops the applier.
func NewKill(batchID string) *Message {
	return &Message{BatchID: batchID, RecordType: TypeKill}
}

// IsControl reports whether m frames the stream rather than carrying a change.
func (m *Message) IsControl() bool {
	return m.RecordType != TypeData
}

func (m *Message) String() string {
	if m.IsControl() {
		return fmt.Sprintf("%s batch=%s count=%d lsn=%s", m.RecordType, m.BatchID, m.RecordCount, m.CommitLSN)
	}
	return fmt.Sprintf("%s batch=%s seq=%d table=%s lsn=%s op=%s",
		m.RecordType, m.BatchID, m.MessageSequence, m.TableName, m.CommitLSN, m.OperationCode)
}
