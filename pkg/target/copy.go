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
	"io"
	"strings"

	"github.com/jackc/pgx/v5"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/sqlrender"
)

// Control characters framing the bulk load stream.
const (
	FieldDelimiter = '\x02'
	QuoteChar      = '\x1d'
	EscapeChar     = '\x1e'
	RecordEnd      = '\n'
)

// CopySQL renders the COPY statement reading the delimited stream of
// columns into schema.table.
func CopySQL(schema, table string, columns []string, nullString string) string {
	var b strings.Builder
	b.WriteString("COPY ")
	b.WriteString(sqlrender.TableName(schema, strings.ToLower(table)))
	if len(columns) > 0 {
		b.WriteString(" ( ")
		b.WriteString(strings.Join(columns, ", "))
		b.WriteString(" )")
	}
	b.WriteString(` FROM STDIN DELIMITER E'\x02' CSV NULL '`)
	b.WriteString(strings.ReplaceAll(nullString, "'", "''"))
	b.WriteString(`' QUOTE E'\x1d' ESCAPE E'\x1e'`)
	return b.String()
}

// Loader bulk loads a table with COPY inside a transaction that is
// committed separately, so a failed extraction leaves no partial load.
type Loader struct {
	conn *pgx.Conn
	tx   pgx.Tx
}

// NewLoader connects to the target and begins the load transaction.
func NewLoader(ctx context.Context, dsn string) (*Loader, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrDBConnect, err, "target")
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, cerror.WrapError(cerror.ErrTargetExecute, err)
	}
	return &Loader{conn: conn, tx: tx}, nil
}

// Copy streams r into the target with the COPY statement query and returns
// the number of loaded rows.
func (l *Loader) Copy(ctx context.Context, query string, r io.Reader) (int64, error) {
	tag, err := l.tx.Conn().PgConn().CopyFrom(ctx, r, query)
	if err != nil {
		return 0, cerror.WrapError(cerror.ErrTargetExecute, err)
	}
	return tag.RowsAffected(), nil
}

// Commit commits the load.
func (l *Loader) Commit(ctx context.Context) error {
	if err := l.tx.Commit(ctx); err != nil {
		return cerror.WrapError(cerror.ErrTargetCommit, err)
	}
	return nil
}

// Rollback discards the load.
func (l *Loader) Rollback(ctx context.Context) error {
	if err := l.tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		return cerror.WrapError(cerror.ErrTargetExecute, err)
	}
	return nil
}

// Close rolls back an uncommitted load and closes the connection.
func (l *Loader) Close(ctx context.Context) error {
	_ = l.Rollback(ctx)
	return cerror.Trace(l.conn.Close(ctx))
}
