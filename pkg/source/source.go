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
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/godror/godror"
	// database/sql drivers of the supported sources
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/pingcap/log"
	"github.com/pingcap/redoflow/pkg/config"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"go.uber.org/zap"
)

var driverNames = map[string]string{
	config.DBTypeOracle:   "godror",
	config.DBTypeMSSQL:    "sqlserver",
	config.DBTypePostgres: "pgx",
}

// ChangeRow is one change read from the source log.
type ChangeRow struct {
	Schema        string
	TableName     string
	CommitLSN     string
	OperationCode string
	// SQLRedo is set by sources that log SQL text.
	SQLRedo string
	// ColumnNames and ColumnValues are set by sources that log column
	// images, joined with redo.ColumnSeparator.
	ColumnNames     string
	ColumnValues    string
	StatementID     string
	CommitTimestamp string
	// CSF is 1 when SQLRedo continues on the next row.
	CSF int
	// Total is the number of rows of the whole read.
	Total int64
}

// ChangeReader streams change rows in log order. Next returns io.EOF after
// the last row.
type ChangeReader interface {
	Next(ctx context.Context) (*ChangeRow, error)
	Close() error
}

// TableRef names a source table.
type TableRef struct {
	Schema string
	Table  string
}

// String returns SCHEMA.TABLE.
func (t TableRef) String() string {
	return t.Schema + "." + t.Table
}

// Window is the LSN range of one extraction, both ends included.
type Window struct {
	Min string
	Max string
}

// CDC is a source that exposes its change log.
type CDC interface {
	// Window returns the range of changes available after prevMax. Max is
	// empty when there is nothing new.
	Window(ctx context.Context, prevMax string) (Window, error)
	// KeyColumns returns the comma separated upper case primary or unique
	// key columns of a table, or redo.NoPrimaryKey.
	KeyColumns(ctx context.Context, t TableRef) (string, error)
	// Open starts reading the changes of tables within w.
	Open(ctx context.Context, w Window, tables []TableRef) (ChangeReader, error)
	Close() error
}

// DB is a source database.
type DB struct {
	db     *sql.DB
	dbType string
	// arraySize is the number of rows fetched per round trip.
	arraySize int
}

// OpenDB opens a source database of dbType.
func OpenDB(ctx context.Context, dbType, dsn string) (*DB, error) {
	driver, ok := driverNames[dbType]
	if !ok {
		return nil, cerror.ErrUnsupportedSource.GenWithStackByArgs(dbType)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrDBConnect, err, dbType)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, cerror.WrapError(cerror.ErrDBConnect, err, dbType)
	}
	return NewDB(db, dbType), nil
}

// NewDB wraps an opened database.
func NewDB(db *sql.DB, dbType string) *DB {
	return &DB{db: db, dbType: dbType}
}

// Type returns the database type.
func (d *DB) Type() string {
	return d.dbType
}

// SetArraySize sets the number of rows fetched per round trip by the
// snapshot and change log reads. Only godror honors it, other drivers
// fetch with their own defaults.
func (d *DB) SetArraySize(n int) {
	d.arraySize = n
}

// fetchOptions returns the query arguments applying the array size.
func (d *DB) fetchOptions() []interface{} {
	if d.dbType != config.DBTypeOracle || d.arraySize <= 0 {
		return nil
	}
	return []interface{}{godror.FetchArraySize(d.arraySize), godror.PrefetchCount(d.arraySize + 1)}
}

// Close closes the pool.
func (d *DB) Close() error {
	return cerror.Trace(d.db.Close())
}

// NewCDC returns the change log reader of d.
func NewCDC(d *DB) (CDC, error) {
	switch d.dbType {
	case config.DBTypeOracle:
		return &Oracle{DB: d}, nil
	case config.DBTypeMSSQL:
		return &MSSQL{DB: d}, nil
	}
	return nil, cerror.ErrUnsupportedSource.GenWithStackByArgs(d.dbType + " change log")
}

// Stringify renders a scanned source value as text.
func Stringify(v interface{}) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case []byte:
		return string(x), true
	case string:
		return x, true
	case time.Time:
		return x.Format("2006-01-02 15:04:05.999999"), true
	case bool:
		if x {
			return "1", true
		}
		return "0", true
	}
	return fmt.Sprint(v), true
}

// multilineReader joins the continuation rows of a redo statement split
// over several rows. Rows are joined while CSF is 1 and the statement ID
// does not change.
type multilineReader struct {
	src     ChangeReader
	pending *ChangeRow
}

func coalesce(src ChangeReader) ChangeReader {
	return &multilineReader{src: src}
}

func (r *multilineReader) next(ctx context.Context) (*ChangeRow, error) {
	if r.pending != nil {
		row := r.pending
		r.pending = nil
		return row, nil
	}
	return r.src.Next(ctx)
}

func (r *multilineReader) Next(ctx context.Context) (*ChangeRow, error) {
	row, err := r.next(ctx)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString(row.SQLRedo)
	for row.CSF == 1 {
		cont, err := r.next(ctx)
		if err == io.EOF {
			log.Warn("redo continuation is missing", zap.String("statementID", row.StatementID))
			break
		}
		if err != nil {
			return nil, err
		}
		if cont.StatementID != row.StatementID {
			log.Warn("redo continuation has another statement id",
				zap.String("statementID", row.StatementID), zap.String("next", cont.StatementID))
			r.pending = cont
			break
		}
		b.WriteString(cont.SQLRedo)
		row.CSF = cont.CSF
	}
	row.SQLRedo = b.String()
	row.CSF = 0
	return row, nil
}

func (r *multilineReader) Close() error {
	return r.src.Close()
}

// rowsReader reads change rows from a query result.
type rowsReader struct {
	rows    *sql.Rows
	scan    func(rows *sql.Rows) (*ChangeRow, error)
	onClose func() error
}

func (r *rowsReader) Next(ctx context.Context) (*ChangeRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, cerror.Trace(err)
	}
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return nil, cerror.WrapError(cerror.ErrSourceQuery, err)
		}
		return nil, io.EOF
	}
	row, err := r.scan(r.rows)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrSourceQuery, err)
	}
	return row, nil
}

func (r *rowsReader) Close() error {
	err := r.rows.Close()
	if r.onClose != nil {
		if closeErr := r.onClose(); err == nil {
			err = closeErr
		}
	}
	return cerror.Trace(err)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
