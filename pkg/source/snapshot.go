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
	"strconv"
	"strings"

	"github.com/pingcap/redoflow/pkg/config"
	cerror "github.com/pingcap/redoflow/pkg/errors"
)

// Column is a source column.
type Column struct {
	Name     string
	DataType string
}

var columnsSQL = map[string]string{
	config.DBTypeOracle: "SELECT COLUMN_NAME, DATA_TYPE FROM ALL_TAB_COLUMNS " +
		"WHERE OWNER = :1 AND TABLE_NAME = :2 ORDER BY COLUMN_ID",
	config.DBTypeMSSQL: "SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS " +
		"WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2 ORDER BY ORDINAL_POSITION",
	config.DBTypePostgres: "SELECT column_name, data_type FROM information_schema.columns " +
		"WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position",
}

// Columns returns the columns of t in ordinal order. A missing table is an
// ErrTableNotFound.
func (d *DB) Columns(ctx context.Context, t TableRef) ([]Column, error) {
	n := d.normalize(t)
	rows, err := d.db.QueryContext(ctx, columnsSQL[d.dbType], n.Schema, n.Table)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrSourceQuery, err)
	}
	defer rows.Close()
	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.DataType); err != nil {
			return nil, cerror.WrapError(cerror.ErrSourceQuery, err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, cerror.WrapError(cerror.ErrSourceQuery, err)
	}
	if len(cols) == 0 {
		return nil, cerror.ErrTableNotFound.GenWithStackByArgs(t.String(), "source")
	}
	return cols, nil
}

// normalize folds unquoted identifiers the way the source database does.
func (d *DB) normalize(t TableRef) TableRef {
	switch d.dbType {
	case config.DBTypeOracle:
		return TableRef{Schema: strings.ToUpper(t.Schema), Table: strings.ToUpper(t.Table)}
	case config.DBTypePostgres:
		return TableRef{Schema: strings.ToLower(t.Schema), Table: strings.ToLower(t.Table)}
	}
	return t
}

// Snapshot is a full read of a table.
type Snapshot struct {
	Table     TableRef
	Columns   []Column
	Condition string
	// SampleRows caps the number of rows after Condition is applied.
	SampleRows int
	// ExtractLSN appends the source LSN as the last selected column.
	ExtractLSN bool
}

// stripped control characters: NUL, STX, LF, CR, GS and RS
var strippedCodes = []int{0, 2, 10, 13, 29, 30}

var characterTypes = map[string]struct{}{
	"CHAR": {}, "NCHAR": {}, "VARCHAR": {}, "VARCHAR2": {}, "NVARCHAR": {}, "NVARCHAR2": {},
	"CLOB": {}, "NCLOB": {}, "TEXT": {}, "NTEXT": {}, "LONG": {},
	"CHARACTER": {}, "CHARACTER VARYING": {},
}

func isCharacterType(dataType string) bool {
	_, ok := characterTypes[strings.ToUpper(dataType)]
	return ok
}

func (d *DB) quoteIdent(name string) string {
	if d.dbType == config.DBTypeMSSQL {
		return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *DB) quotedTable(t TableRef) string {
	n := d.normalize(t)
	return d.quoteIdent(n.Schema) + "." + d.quoteIdent(n.Table)
}

// columnExpr returns the select expression of c. Character columns have
// the stream control characters removed, MSSQL bits are read as numbers.
func (d *DB) columnExpr(c Column) string {
	expr := d.quoteIdent(c.Name)
	if d.dbType == config.DBTypeMSSQL && strings.EqualFold(c.DataType, "BIT") {
		return "CAST(" + expr + " AS TINYINT)"
	}
	if !isCharacterType(c.DataType) {
		return expr
	}
	charFunc := "CHR"
	if d.dbType == config.DBTypeMSSQL {
		charFunc = "CHAR"
		expr += " COLLATE Latin1_General_BIN"
	}
	for _, code := range strippedCodes {
		// Postgres text cannot hold NUL
		if code == 0 && d.dbType == config.DBTypePostgres {
			continue
		}
		expr = "REPLACE(" + expr + ", " + charFunc + "(" + strconv.Itoa(code) + "), '')"
	}
	return expr
}

func (d *DB) lsnExpr() string {
	switch d.dbType {
	case config.DBTypeOracle:
		return "TO_CHAR(ORA_ROWSCN)"
	case config.DBTypeMSSQL:
		return "CONVERT(VARCHAR(32), sys.fn_cdc_get_max_lsn(), 1)"
	}
	return "pg_current_wal_lsn()::text"
}

// SnapshotSQL renders the query of s.
func (d *DB) SnapshotSQL(s *Snapshot) string {
	exprs := make([]string, 0, len(s.Columns)+1)
	for _, c := range s.Columns {
		exprs = append(exprs, d.columnExpr(c))
	}
	if s.ExtractLSN {
		exprs = append(exprs, d.lsnExpr())
	}
	var b strings.Builder
	b.WriteString("SELECT ")
	if s.SampleRows > 0 && d.dbType == config.DBTypeMSSQL {
		b.WriteString("TOP " + strconv.Itoa(s.SampleRows) + " ")
	}
	b.WriteString(strings.Join(exprs, ", "))
	b.WriteString(" FROM ")
	b.WriteString(d.quotedTable(s.Table))
	b.WriteString(" WHERE 1=1")
	if cond := strings.TrimSpace(s.Condition); cond != "" {
		b.WriteString(" AND (" + cond + ")")
	}
	if s.SampleRows > 0 {
		switch d.dbType {
		case config.DBTypeOracle:
			b.WriteString(" AND ROWNUM <= " + strconv.Itoa(s.SampleRows))
		case config.DBTypePostgres:
			b.WriteString(" LIMIT " + strconv.Itoa(s.SampleRows))
		}
	}
	return b.String()
}

// SnapshotRows is an open snapshot read.
type SnapshotRows struct {
	tx   *sql.Tx
	rows *sql.Rows
	cols int
}

// snapshotTxOptions returns the options of the snapshot transaction. A
// locking read cannot be read-only, and go-mssqldb rejects read-only
// transactions altogether.
func (d *DB) snapshotTxOptions(lock bool) *sql.TxOptions {
	if d.dbType == config.DBTypeMSSQL {
		return nil
	}
	return &sql.TxOptions{ReadOnly: !lock}
}

// Query starts reading s. Oracle tables are locked in share mode for the
// duration of the read when lock is set.
func (d *DB) Query(ctx context.Context, s *Snapshot, lock bool) (*SnapshotRows, error) {
	tx, err := d.db.BeginTx(ctx, d.snapshotTxOptions(lock))
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrSourceQuery, err)
	}
	if lock && d.dbType == config.DBTypeOracle {
		stmt := "LOCK TABLE " + d.quotedTable(s.Table) + " IN SHARE MODE"
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return nil, cerror.WrapError(cerror.ErrSourceQuery, err)
		}
	}
	rows, err := tx.QueryContext(ctx, d.SnapshotSQL(s), d.fetchOptions()...)
	if err != nil {
		_ = tx.Rollback()
		return nil, cerror.WrapError(cerror.ErrSourceQuery, err)
	}
	n := len(s.Columns)
	if s.ExtractLSN {
		n++
	}
	return &SnapshotRows{tx: tx, rows: rows, cols: n}, nil
}

// Next scans the next row into dest, which is reused between calls. It
// returns false at the end of the read.
func (r *SnapshotRows) Next(dest []interface{}) (bool, error) {
	if !r.rows.Next() {
		return false, cerror.WrapError(cerror.ErrSourceQuery, r.rows.Err())
	}
	ptrs := make([]interface{}, len(dest))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return false, cerror.WrapError(cerror.ErrSourceQuery, err)
	}
	return true, nil
}

// Width returns the number of selected columns.
func (r *SnapshotRows) Width() int {
	return r.cols
}

// Close ends the read and releases the lock.
func (r *SnapshotRows) Close() error {
	err := r.rows.Close()
	if rbErr := r.tx.Rollback(); err == nil && rbErr != sql.ErrTxDone {
		err = rbErr
	}
	return cerror.Trace(err)
}
