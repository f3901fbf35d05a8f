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

package sqlrender

import (
	"sort"
	"strconv"
	"strings"

	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/lsn"
	"github.com/pingcap/redoflow/pkg/redo"
)

// BulkRow is one buffered INSERT together with its stream provenance.
type BulkRow struct {
	Statement *redo.Statement
	LSN       string
	Offset    int64
}

// BuildBulkInsert collapses INSERTs into the same table into one multi-row
// INSERT. Every row is followed by a `-- lsn: L, offset: O` comment and the
// statement ends with the highest LSN and offset of the rows.
func BuildBulkInsert(schema string, rows []BulkRow) (string, error) {
	if len(rows) == 0 {
		return "", cerror.ErrInvalidArgument.GenWithStackByArgs("empty bulk insert")
	}
	table := rows[0].Statement.TableName

	seen := make(map[string]struct{})
	var names []string
	for _, r := range rows {
		if r.Statement.Kind != redo.KindInsert || r.Statement.TableName != table {
			return "", cerror.ErrInvalidArgument.GenWithStackByArgs("bulk insert rows must be inserts into " + table)
		}
		for _, f := range r.Statement.Fields {
			if _, ok := seen[f.Name]; !ok {
				seen[f.Name] = struct{}{}
				names = append(names, f.Name)
			}
		}
	}
	sort.Strings(names)

	var (
		b         strings.Builder
		maxLSN    string
		maxOffset int64
	)
	b.Grow(len(rows) * 64)
	b.WriteString("INSERT INTO ")
	b.WriteString(TableName(schema, table))
	b.WriteByte(' ')
	writeColumns(&b, names)
	b.WriteString(" VALUES\n")
	for i, r := range rows {
		b.WriteString("  ")
		writeRow(&b, names, r.Statement.Fields)
		if i < len(rows)-1 {
			b.WriteByte(',')
		}
		writeProvenance(&b, r.LSN, r.Offset)
		b.WriteByte('\n')
		maxLSN = lsn.Max(maxLSN, r.LSN)
		if r.Offset > maxOffset {
			maxOffset = r.Offset
		}
	}
	b.WriteByte(';')
	writeProvenance(&b, maxLSN, maxOffset)
	return b.String(), nil
}

func writeProvenance(b *strings.Builder, l string, offset int64) {
	if l == "" {
		l = "0"
	}
	b.WriteString(" -- lsn: ")
	b.WriteString(l)
	b.WriteString(", offset: ")
	b.WriteString(strconv.FormatInt(offset, 10))
}
