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

package source

import (
	"context"
	"database/sql"
	"io"
	"strings"

	"github.com/pingcap/log"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/lsn"
	"github.com/pingcap/redoflow/pkg/redo"
	"go.uber.org/zap"
)

// MSSQL reads SQL Server change tables.
type MSSQL struct {
	*DB
}

const (
	mssqlMaxLSNSQL     = "SELECT CONVERT(VARCHAR(32), sys.fn_cdc_get_max_lsn(), 1)"
	mssqlMinLSNSQL     = "SELECT CONVERT(VARCHAR(32), MIN(start_lsn), 1) FROM cdc.lsn_time_mapping"
	mssqlKeyColumnsSQL = "SELECT i.name, c.name FROM sys.indexes i " +
		"JOIN sys.index_columns ic ON i.object_id = ic.object_id AND i.index_id = ic.index_id " +
		"JOIN sys.columns c ON ic.object_id = c.object_id AND ic.column_id = c.column_id " +
		"WHERE i.object_id = OBJECT_ID(@p1) AND (i.is_primary_key = 1 OR i.is_unique = 1) " +
		"ORDER BY i.is_primary_key DESC, i.index_id, ic.key_ordinal"
)

// cdc system columns preceding the captured columns.
var mssqlSystemColumns = map[string]struct{}{
	"__$start_lsn": {}, "__$end_lsn": {}, "__$seqval": {}, "__$operation": {},
	"__$update_mask": {}, "__$command_id": {}, "commit_lsn": {}, "commit_time": {},
}

// Window implements CDC.Window.
func (m *MSSQL) Window(ctx context.Context, prevMax string) (Window, error) {
	var maxLSN sql.NullString
	if err := m.db.QueryRowContext(ctx, mssqlMaxLSNSQL).Scan(&maxLSN); err != nil {
		return Window{}, cerror.WrapError(cerror.ErrSourceQuery, err)
	}
	w := Window{Min: prevMax}
	if prevMax == "" {
		var minLSN sql.NullString
		if err := m.db.QueryRowContext(ctx, mssqlMinLSNSQL).Scan(&minLSN); err != nil {
			return Window{}, cerror.WrapError(cerror.ErrSourceQuery, err)
		}
		w.Min = minLSN.String
	}
	if maxLSN.Valid && lsn.Compare(maxLSN.String, prevMax) > 0 {
		w.Max = maxLSN.String
	}
	return w, nil
}

// KeyColumns implements CDC.KeyColumns.
func (m *MSSQL) KeyColumns(ctx context.Context, t TableRef) (string, error) {
	rows, err := m.db.QueryContext(ctx, mssqlKeyColumnsSQL, t.String())
	if err != nil {
		return "", cerror.WrapError(cerror.ErrSourceQuery, err)
	}
	defer rows.Close()
	return firstKey(rows)
}

func changesFrom(t TableRef) string {
	return "FROM cdc.fn_cdc_get_all_changes_" + t.Schema + "_" + t.Table + "(" +
		"CONVERT(BINARY(10), @p1, 1), CONVERT(BINARY(10), @p2, 1), 'all')"
}

// changesSQL selects the changes of one capture instance within the window.
func changesSQL(t TableRef) string {
	return "SELECT CONVERT(VARCHAR(32), __$start_lsn, 1) AS commit_lsn, " +
		"CONVERT(VARCHAR(32), sys.fn_cdc_map_lsn_to_time(__$start_lsn), 120) AS commit_time, * " +
		changesFrom(t) + " ORDER BY __$start_lsn, __$seqval"
}

func countChangesSQL(t TableRef) string {
	return "SELECT COUNT(*) " + changesFrom(t)
}

// Open implements CDC.Open. Tables are read one after the other, each in
// LSN order.
func (m *MSSQL) Open(ctx context.Context, w Window, tables []TableRef) (ChangeReader, error) {
	if len(tables) == 0 {
		return nil, cerror.ErrInvalidArgument.GenWithStackByArgs("no table to read")
	}
	var total int64
	for _, t := range tables {
		var n int64
		if err := m.db.QueryRowContext(ctx, countChangesSQL(t), w.Min, w.Max).Scan(&n); err != nil {
			return nil, cerror.WrapError(cerror.ErrSourceQuery, err)
		}
		total += n
	}
	return &tableChain{open: m.openTable, window: w, tables: tables, total: total}, nil
}

func (m *MSSQL) openTable(ctx context.Context, w Window, t TableRef) (ChangeReader, error) {
	rows, err := m.db.QueryContext(ctx, changesSQL(t), w.Min, w.Max)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrSourceQuery, err)
	}
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, cerror.WrapError(cerror.ErrSourceQuery, err)
	}
	return &rowsReader{rows: rows, scan: func(rows *sql.Rows) (*ChangeRow, error) {
		return scanMSSQLRow(rows, cols, t)
	}}, nil
}

func scanMSSQLRow(rows *sql.Rows, cols []string, t TableRef) (*ChangeRow, error) {
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	r := &ChangeRow{Schema: t.Schema, TableName: t.Table}
	var names, vals []string
	for i, col := range cols {
		s, ok := Stringify(values[i])
		switch col {
		case "commit_lsn":
			r.CommitLSN = s
		case "commit_time":
			r.CommitTimestamp = s
		case "__$operation":
			r.OperationCode = s
		case "__$seqval":
			r.StatementID = hexString(values[i])
		}
		if _, sys := mssqlSystemColumns[col]; sys {
			continue
		}
		names = append(names, strings.ToUpper(col))
		if !ok {
			s = redo.NullToken
		}
		vals = append(vals, s)
	}
	r.ColumnNames = strings.Join(names, redo.ColumnSeparator)
	r.ColumnValues = strings.Join(vals, redo.ColumnSeparator)
	return r, nil
}

func hexString(v interface{}) string {
	b, ok := v.([]byte)
	if !ok {
		s, _ := Stringify(v)
		return s
	}
	const digits = "0123456789ABCDEF"
	out := make([]byte, 0, 2+2*len(b))
	out = append(out, '0', 'x')
	for _, c := range b {
		out = append(out, digits[c>>4], digits[c&0x0f])
	}
	return string(out)
}

// tableChain reads the tables one after the other.
type tableChain struct {
	open    func(ctx context.Context, w Window, t TableRef) (ChangeReader, error)
	window  Window
	tables  []TableRef
	total   int64
	current ChangeReader
}

func (c *tableChain) Next(ctx context.Context) (*ChangeRow, error) {
	for {
		if c.current == nil {
			if len(c.tables) == 0 {
				return nil, io.EOF
			}
			t := c.tables[0]
			c.tables = c.tables[1:]
			r, err := c.open(ctx, c.window, t)
			if err != nil {
				return nil, err
			}
			log.Debug("read change table", zap.Stringer("table", t))
			c.current = r
		}
		row, err := c.current.Next(ctx)
		if err == io.EOF {
			if err := c.current.Close(); err != nil {
				return nil, err
			}
			c.current = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		row.Total = c.total
		return row, nil
	}
}

func (c *tableChain) Close() error {
	if c.current == nil {
		return nil
	}
	return c.current.Close()
}
