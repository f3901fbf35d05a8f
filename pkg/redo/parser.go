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

// Package redo turns the change records mined from a source database into
// neutral statements. Oracle changes arrive as SQL redo text and are scanned
// by small state machines, SQL Server changes arrive as column name and value
// lists.
package redo

import (
	"strings"

	"github.com/pingcap/errors"
	cerror "github.com/pingcap/redoflow/pkg/errors"
)

// Operation is the normalized operation code of a change record.
type Operation string

// Operations.
const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
	OpDDL    Operation = "DDL"
	// OpIgnore marks records that carry no change to apply, such as the
	// before image of a SQL Server update.
	OpIgnore Operation = "IGNORE"
)

// NoPrimaryKey is the key list sentinel for tables without a primary or
// unique key.
const NoPrimaryKey = "NOPK"

// ParseOperation normalizes an operation code. Names are matched without
// case; numeric codes follow SQL Server CDC (1 delete, 2 insert, 3 update
// before image, 4 update after image).
func ParseOperation(code string) (Operation, error) {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "INSERT", "2":
		return OpInsert, nil
	case "UPDATE", "4":
		return OpUpdate, nil
	case "DELETE", "1":
		return OpDelete, nil
	case "DDL":
		return OpDDL, nil
	case "3":
		return OpIgnore, nil
	}
	return "", cerror.ErrUnsupportedSQL.GenWithStackByArgs("operation " + code)
}

// SplitPrimaryKeys splits a comma separated key list. The NOPK sentinel and
// an empty list both yield nil.
func SplitPrimaryKeys(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, NoPrimaryKey) {
		return nil
	}
	var pks []string
	for _, pk := range strings.Split(s, ",") {
		if pk = strings.TrimSpace(pk); pk != "" {
			pks = append(pks, strings.ToUpper(pk))
		}
	}
	return pks
}

// Parser builds statements from redo. It is safe for concurrent use.
type Parser struct {
	meta *MetaCols
}

// NewParser returns a parser that appends the given metadata columns to
// INSERT and UPDATE statements. meta may be nil.
func NewParser(meta *MetaCols) *Parser {
	return &Parser{meta: meta}
}

// Parse translates one redo string. It returns a nil statement for redo that
// is recognized but has nothing to apply, and ErrUnsupportedSQL for DDL or
// data types that cannot be replicated.
func (p *Parser) Parse(op Operation, table, text, primaryKeys string) (*Statement, error) {
	text = normalizeRedo(text)
	if text == "" || op == OpIgnore {
		return nil, nil
	}
	stmt := &Statement{TableName: table, PrimaryKeys: SplitPrimaryKeys(primaryKeys)}
	var err error
	switch op {
	case OpInsert:
		stmt.Kind = KindInsert
		stmt.Fields, err = parseInsert(text)
	case OpUpdate:
		stmt.Kind = KindUpdate
		stmt.Set, stmt.Where, err = parseUpdate(text)
		stmt.Where = filterByPrimaryKeys(stmt.Where, stmt.PrimaryKeys)
	case OpDelete:
		stmt.Kind = KindDelete
		stmt.Where, err = parseDelete(text)
		stmt.Where = filterByPrimaryKeys(stmt.Where, stmt.PrimaryKeys)
	case OpDDL:
		return p.parseDDL(stmt, text)
	default:
		return nil, cerror.ErrUnsupportedSQL.GenWithStackByArgs(text)
	}
	if err != nil {
		return nil, wrapParseError(err, table)
	}
	p.addMetaValues(stmt)
	return stmt, nil
}

func (p *Parser) parseDDL(stmt *Statement, text string) (*Statement, error) {
	words := strings.Fields(text)
	if len(words) < 2 || !strings.EqualFold(words[1], "TABLE") {
		return nil, nil
	}
	var err error
	switch strings.ToUpper(words[0]) {
	case "ALTER":
		stmt.Kind = KindAlter
		stmt.Entries, err = parseAlter(text)
	case "CREATE":
		stmt.Kind = KindCreate
		stmt.Entries, err = parseCreate(text)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, wrapParseError(err, stmt.TableName)
	}
	return stmt, nil
}

func (p *Parser) addMetaValues(stmt *Statement) {
	if p.meta.IsEmpty() {
		return
	}
	switch stmt.Kind {
	case KindInsert:
		if p.meta.InsertTimestampColumn != "" {
			stmt.Fields = stmt.Fields.set(p.meta.InsertTimestampColumn, CurrentTimestamp())
		}
		if p.meta.UpdateTimestampColumn != "" {
			stmt.Fields = stmt.Fields.set(p.meta.UpdateTimestampColumn, CurrentTimestamp())
		}
	case KindUpdate:
		if p.meta.UpdateTimestampColumn != "" {
			stmt.Set = stmt.Set.set(p.meta.UpdateTimestampColumn, CurrentTimestamp())
		}
	}
}

// FromColumns builds a statement from SQL Server change columns. names and
// values are \x02 separated and `\N` stands for NULL. UPDATE and DELETE use
// the primary keys as conditions when every key is present, else all columns.
func (p *Parser) FromColumns(op Operation, table, names, values, primaryKeys string) (*Statement, error) {
	if op == OpIgnore {
		return nil, nil
	}
	cols := strings.Split(names, ColumnSeparator)
	vals := strings.Split(values, ColumnSeparator)
	if len(cols) != len(vals) {
		return nil, cerror.ErrMalformedRedo.GenWithStackByArgs(table,
			"column names and values differ in length")
	}
	fields := make(Fields, 0, len(cols))
	for i, name := range cols {
		v := Literal(vals[i])
		if vals[i] == NullToken {
			v = Null()
		}
		fields = append(fields, Field{Name: name, Value: v})
	}
	stmt := &Statement{TableName: table, PrimaryKeys: SplitPrimaryKeys(primaryKeys)}
	switch op {
	case OpInsert:
		stmt.Kind = KindInsert
		stmt.Fields = fields
	case OpUpdate:
		stmt.Kind = KindUpdate
		stmt.Set = fields
		stmt.Where = filterByPrimaryKeys(append(Fields(nil), fields...), stmt.PrimaryKeys)
	case OpDelete:
		stmt.Kind = KindDelete
		stmt.Where = filterByPrimaryKeys(fields, stmt.PrimaryKeys)
	default:
		return nil, cerror.ErrUnsupportedSQL.GenWithStackByArgs("operation " + string(op))
	}
	p.addMetaValues(stmt)
	return stmt, nil
}

// ColumnSeparator separates column names and values of SQL Server changes.
const ColumnSeparator = "\x02"

// NullToken stands for NULL in SQL Server column values.
const NullToken = `\N`

func normalizeRedo(text string) string {
	text = strings.NewReplacer("\r", "", "\n", "").Replace(text)
	text = strings.TrimSpace(text)
	return strings.TrimSpace(strings.TrimSuffix(text, ";"))
}

func wrapParseError(err error, table string) error {
	var perr *parseError
	if cerror.As(err, &perr) {
		return cerror.ErrMalformedRedo.GenWithStackByArgs(table, perr.msg)
	}
	return errors.Trace(err)
}
