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

package applier

import (
	"github.com/pingcap/redoflow/pkg/lsn"
	"github.com/pingcap/redoflow/pkg/redo"
	"github.com/pingcap/redoflow/pkg/sqlrender"
)

// bulkBuffer holds a contiguous run of INSERTs into one table. An INSERT
// into another table, or any other statement, flushes it first, so the
// buffer never reorders changes.
type bulkBuffer struct {
	limit    int
	maxBytes int

	table string
	rows  []sqlrender.BulkRow
	bytes int

	// startOffset is the offset of the earliest buffered record. While the
	// buffer is in flight a restart has to resume from there.
	startOffset int64
	maxOffset   int64
	maxLSN      string
}

func newBulkBuffer(limit, maxBytes int) *bulkBuffer {
	return &bulkBuffer{limit: limit, maxBytes: maxBytes}
}

func (b *bulkBuffer) empty() bool {
	return len(b.rows) == 0
}

func (b *bulkBuffer) len() int {
	return len(b.rows)
}

// needsFlush reports whether the buffer must be flushed before an INSERT
// of size bytes into table is added.
func (b *bulkBuffer) needsFlush(table string, size int) bool {
	if b.empty() {
		return false
	}
	if b.table != table || len(b.rows) >= b.limit {
		return true
	}
	return b.maxBytes > 0 && b.bytes+size > b.maxBytes
}

func (b *bulkBuffer) add(table string, s *redo.Statement, l string, offset int64) {
	if b.empty() {
		b.table = table
		b.startOffset = offset
	}
	b.rows = append(b.rows, sqlrender.BulkRow{Statement: s, LSN: l, Offset: offset})
	b.bytes += statementSize(s)
	b.maxLSN = lsn.Max(b.maxLSN, l)
	if offset > b.maxOffset {
		b.maxOffset = offset
	}
}

func (b *bulkBuffer) reset() {
	b.table = ""
	b.rows = b.rows[:0]
	b.bytes = 0
	b.startOffset = 0
	b.maxOffset = 0
	b.maxLSN = ""
}

// statementSize approximates the rendered size of an INSERT row.
func statementSize(s *redo.Statement) int {
	size := 16
	for _, f := range s.Fields {
		size += len(f.Name) + len(f.Value.Literal()) + 6
	}
	return size
}
