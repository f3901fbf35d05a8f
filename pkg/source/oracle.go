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
	"strings"

	"github.com/pingcap/log"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/lsn"
	"github.com/pingcap/redoflow/pkg/redo"
	"go.uber.org/zap"
)

// Oracle mines redo with LogMiner.
type Oracle struct {
	*DB
}

const (
	oracleCurrentSCNSQL = "SELECT TO_CHAR(CURRENT_SCN) FROM V$DATABASE"
	oracleFirstSCNSQL   = "SELECT TO_CHAR(MIN(FIRST_CHANGE#)) FROM V$LOG"
	oracleKeyColumnsSQL = "SELECT c.CONSTRAINT_NAME, cc.COLUMN_NAME FROM ALL_CONSTRAINTS c " +
		"JOIN ALL_CONS_COLUMNS cc ON c.OWNER = cc.OWNER AND c.CONSTRAINT_NAME = cc.CONSTRAINT_NAME " +
		"WHERE c.OWNER = :1 AND c.TABLE_NAME = :2 AND c.CONSTRAINT_TYPE IN ('P', 'U') " +
		"ORDER BY c.CONSTRAINT_TYPE, c.CONSTRAINT_NAME, cc.POSITION"
	oracleStartLogMinerSQL = "BEGIN DBMS_LOGMNR.START_LOGMNR(STARTSCN => :1, ENDSCN => :2, " +
		"OPTIONS => DBMS_LOGMNR.DICT_FROM_ONLINE_CATALOG + DBMS_LOGMNR.COMMITTED_DATA_ONLY + " +
		"DBMS_LOGMNR.NO_ROWID_IN_STMT); END;"
	oracleEndLogMinerSQL = "BEGIN DBMS_LOGMNR.END_LOGMNR; END;"
)

// Window implements CDC.Window.
func (o *Oracle) Window(ctx context.Context, prevMax string) (Window, error) {
	var current sql.NullString
	if err := o.db.QueryRowContext(ctx, oracleCurrentSCNSQL).Scan(&current); err != nil {
		return Window{}, cerror.WrapError(cerror.ErrSourceQuery, err)
	}
	w := Window{Min: prevMax}
	if prevMax == "" {
		var first sql.NullString
		if err := o.db.QueryRowContext(ctx, oracleFirstSCNSQL).Scan(&first); err != nil {
			return Window{}, cerror.WrapError(cerror.ErrSourceQuery, err)
		}
		w.Min = first.String
	}
	if current.Valid && lsn.Compare(current.String, prevMax) > 0 {
		w.Max = current.String
	}
	return w, nil
}

// KeyColumns implements CDC.KeyColumns. The primary key is preferred over
// unique keys.
func (o *Oracle) KeyColumns(ctx context.Context, t TableRef) (string, error) {
	rows, err := o.db.QueryContext(ctx, oracleKeyColumnsSQL, strings.ToUpper(t.Schema), strings.ToUpper(t.Table))
	if err != nil {
		return "", cerror.WrapError(cerror.ErrSourceQuery, err)
	}
	defer rows.Close()
	return firstKey(rows)
}

// firstKey reads (key name, column) rows and returns the columns of the
// first key.
func firstKey(rows *sql.Rows) (string, error) {
	var (
		key  string
		cols []string
	)
	for rows.Next() {
		var name, col string
		if err := rows.Scan(&name, &col); err != nil {
			return "", cerror.WrapError(cerror.ErrSourceQuery, err)
		}
		if key == "" {
			key = name
		}
		if name != key {
			break
		}
		cols = append(cols, strings.ToUpper(col))
	}
	if err := rows.Err(); err != nil {
		return "", cerror.WrapError(cerror.ErrSourceQuery, err)
	}
	if len(cols) == 0 {
		return redo.NoPrimaryKey, nil
	}
	return strings.Join(cols, ","), nil
}

// minedContentsSQL selects the redo of tables in commit order. COMMIT_SCN
// is the LSN of a row, RS_ID and SSN identify the statement across
// continuation rows, whose relative order is kept by RN. The total counts
// statements, not continuation rows.
func minedContentsSQL(tables []TableRef) string {
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		names = append(names, quoteLiteral(strings.ToUpper(t.String())))
	}
	return "SELECT SEG_OWNER, TABLE_NAME, TO_CHAR(COMMIT_SCN), OPERATION, SQL_REDO, CSF, " +
		"RS_ID || '.' || TO_CHAR(SSN), TO_CHAR(COMMIT_TIMESTAMP, 'YYYY-MM-DD HH24:MI:SS'), " +
		"COUNT(CASE WHEN CSF = 0 THEN 1 END) OVER () " +
		"FROM (SELECT c.*, ROWNUM AS RN FROM V$LOGMNR_CONTENTS c " +
		"WHERE OPERATION IN ('INSERT', 'UPDATE', 'DELETE', 'DDL') " +
		"AND SEG_OWNER || '.' || TABLE_NAME IN (" + strings.Join(names, ", ") + ")) " +
		"ORDER BY COMMIT_SCN, SCN, RS_ID, SSN, RN"
}

func scanOracleRow(rows *sql.Rows) (*ChangeRow, error) {
	var (
		r                               ChangeRow
		schema, table, scn, redoText    sql.NullString
		statementID, commitTime, opName sql.NullString
	)
	if err := rows.Scan(&schema, &table, &scn, &opName, &redoText, &r.CSF,
		&statementID, &commitTime, &r.Total); err != nil {
		return nil, err
	}
	r.Schema = schema.String
	r.TableName = table.String
	r.CommitLSN = scn.String
	r.OperationCode = opName.String
	r.SQLRedo = redoText.String
	r.StatementID = statementID.String
	r.CommitTimestamp = commitTime.String
	return &r, nil
}

// Open implements CDC.Open. The LogMiner session lives on one connection
// which is released by Close.
func (o *Oracle) Open(ctx context.Context, w Window, tables []TableRef) (ChangeReader, error) {
	if len(tables) == 0 {
		return nil, cerror.ErrInvalidArgument.GenWithStackByArgs("no table to mine")
	}
	conn, err := o.db.Conn(ctx)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrDBConnect, err, "oracle")
	}
	if _, err := conn.ExecContext(ctx, oracleStartLogMinerSQL, w.Min, w.Max); err != nil {
		_ = conn.Close()
		return nil, cerror.WrapError(cerror.ErrSourceQuery, err)
	}
	endSession := func() error {
		if _, err := conn.ExecContext(context.Background(), oracleEndLogMinerSQL); err != nil {
			log.Warn("end LogMiner session failed", zap.Error(err))
		}
		return conn.Close()
	}
	rows, err := conn.QueryContext(ctx, minedContentsSQL(tables), o.fetchOptions()...)
	if err != nil {
		_ = endSession()
		return nil, cerror.WrapError(cerror.ErrSourceQuery, err)
	}
	log.Info("LogMiner session started",
		zap.String("startSCN", w.Min), zap.String("endSCN", w.Max), zap.Int("tables", len(tables)))
	return coalesce(&rowsReader{rows: rows, scan: scanOracleRow, onClose: endSession}), nil
}
