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

package target

import (
	"context"
	"database/sql"
	"strings"

	// register the pgx database/sql driver
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pingcap/log"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/sqlrender"
	"go.uber.org/zap"
)

// DriverName is the database/sql driver used for Postgres and Greenplum.
const DriverName = "pgx"

// DB is a target database.
type DB struct {
	db *sql.DB
}

// Open opens the target database and checks it is reachable.
func Open(ctx context.Context, dsn string) (*DB, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrDBConnect, err, "target")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, cerror.WrapError(cerror.ErrDBConnect, err, "target")
	}
	return &DB{db: db}, nil
}

// NewDB wraps an opened database.
func NewDB(db *sql.DB) *DB {
	return &DB{db: db}
}

// Close closes the pool.
func (d *DB) Close() error {
	return cerror.Trace(d.db.Close())
}

// Conn is a single target connection with an open transaction. All
// statements run inside the transaction until Commit.
type Conn struct {
	conn *sql.Conn
	tx   *sql.Tx
}

// Connect takes a connection from the pool and begins a transaction.
func (d *DB) Connect(ctx context.Context) (*Conn, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrDBConnect, err, "target")
	}
	c := &Conn{conn: conn}
	if err := c.begin(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) begin(ctx context.Context) error {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return cerror.WrapError(cerror.ErrTargetExecute, err)
	}
	c.tx = tx
	return nil
}

// Exec runs a rendered statement. Rendered values carry doubled `%` and `\`
// which are restored before execution.
func (c *Conn) Exec(ctx context.Context, query string) (int64, error) {
	if c.tx == nil {
		if err := c.begin(ctx); err != nil {
			return 0, err
		}
	}
	res, err := c.tx.ExecContext(ctx, sqlrender.Unescape(query))
	if err != nil {
		return 0, cerror.WrapError(cerror.ErrTargetExecute, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return rows, nil
}

// Commit commits the transaction. The next Exec begins a new one.
func (c *Conn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Commit(); err != nil {
		return cerror.WrapError(cerror.ErrTargetCommit, err)
	}
	return nil
}

// Rollback aborts the transaction.
func (c *Conn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return cerror.WrapError(cerror.ErrTargetExecute, err)
	}
	return nil
}

// Close rolls back any uncommitted work and returns the connection.
func (c *Conn) Close() error {
	if err := c.Rollback(context.Background()); err != nil {
		log.Warn("rollback target transaction failed", zap.Error(err))
	}
	return cerror.Trace(c.conn.Close())
}

// TableExists reports whether schema.table exists.
func (d *DB) TableExists(ctx context.Context, schema, table string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2",
		strings.ToLower(schema), strings.ToLower(table)).Scan(&n)
	if err != nil {
		return false, cerror.WrapError(cerror.ErrTargetExecute, err)
	}
	return n > 0, nil
}

// Column is a target column.
type Column struct {
	Name     string
	DataType string
}

// Columns returns the columns of schema.table in ordinal order.
func (d *DB) Columns(ctx context.Context, schema, table string) ([]Column, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT column_name, data_type FROM information_schema.columns "+
			"WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position",
		strings.ToLower(schema), strings.ToLower(table))
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrTargetExecute, err)
	}
	defer rows.Close()
	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.DataType); err != nil {
			return nil, cerror.WrapError(cerror.ErrTargetExecute, err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, cerror.WrapError(cerror.ErrTargetExecute, err)
	}
	if len(cols) == 0 {
		return nil, cerror.ErrTableNotFound.GenWithStackByArgs(schema+"."+table, "target")
	}
	return cols, nil
}

func (d *DB) exec(ctx context.Context, query string) error {
	log.Info("execute on target", zap.String("sql", query))
	if _, err := d.db.ExecContext(ctx, query); err != nil {
		return cerror.WrapError(cerror.ErrTargetExecute, err)
	}
	return nil
}

// Truncate empties schema.table.
func (d *DB) Truncate(ctx context.Context, schema, table string) error {
	return d.exec(ctx, "TRUNCATE TABLE "+sqlrender.TableName(schema, table))
}

// Delete removes the rows of schema.table matching condition, all rows when
// condition is empty.
func (d *DB) Delete(ctx context.Context, schema, table, condition string) error {
	query := "DELETE FROM " + sqlrender.TableName(schema, table)
	if condition = strings.TrimSpace(condition); condition != "" {
		query += " WHERE " + condition
	}
	return d.exec(ctx, query)
}

// Vacuum vacuums schema.table.
func (d *DB) Vacuum(ctx context.Context, schema, table string) error {
	return d.exec(ctx, "VACUUM "+sqlrender.TableName(schema, table))
}

// Analyze refreshes the statistics of schema.table.
func (d *DB) Analyze(ctx context.Context, schema, table string) error {
	return d.exec(ctx, "ANALYZE "+sqlrender.TableName(schema, table))
}
