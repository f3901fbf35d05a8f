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

// Package sqlrender renders neutral statements as SQL for a target dialect.
package sqlrender

import (
	"strings"

	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/redo"
)

// CurrentTimestampSQL is emitted for the metadata timestamp sentinel.
const CurrentTimestampSQL = "(SELECT CURRENT_TIMESTAMP)"

// Dialect tags.
const (
	DialectPostgres  = "postgres"
	DialectGreenplum = "greenplum"
)

// Dialect builds target SQL for each statement kind.
type Dialect interface {
	Name() string
	BuildInsert(schema string, s *redo.Statement) (string, error)
	BuildUpdate(schema string, s *redo.Statement) (string, error)
	BuildDelete(schema string, s *redo.Statement) (string, error)
	BuildAlter(schema string, s *redo.Statement) (string, error)
	BuildCreate(schema string, s *redo.Statement) (string, error)
	MapType(dataType string, params []string) string
}

// NewDialect returns the dialect registered under tag. types may be nil, in
// which case the built-in type mapping is used.
func NewDialect(tag string, types *TypeMap) (Dialect, error) {
	if types == nil {
		types = DefaultTypeMap()
	}
	switch strings.ToLower(tag) {
	case DialectPostgres, "postgresql":
		return &postgres{types: types}, nil
	case DialectGreenplum, "gp":
		return &greenplum{postgres{types: types}}, nil
	}
	return nil, cerror.ErrUnsupportedTarget.GenWithStackByArgs(tag)
}

// Render renders s for d within schema.
func Render(d Dialect, s *redo.Statement, schema string) (string, error) {
	switch s.Kind {
	case redo.KindInsert:
		return d.BuildInsert(schema, s)
	case redo.KindUpdate:
		return d.BuildUpdate(schema, s)
	case redo.KindDelete:
		return d.BuildDelete(schema, s)
	case redo.KindAlter:
		return d.BuildAlter(schema, s)
	case redo.KindCreate:
		return d.BuildCreate(schema, s)
	}
	return "", cerror.ErrUnsupportedSQL.GenWithStackByArgs(s.Kind.String())
}

// TableName returns the qualified target table name. The table keeps the
// case it was mined with.
func TableName(schema, table string) string {
	return schema + "." + FieldName(table)
}

var fieldNameReplacer = strings.NewReplacer("/", "_", `\`, "_")

// FieldName returns the target name of a source field.
func FieldName(name string) string {
	return fieldNameReplacer.Replace(name)
}

var valueReplacer = strings.NewReplacer("'", "''", `\`, `\\`, "%", "%%")

// QuoteValue renders a field value as a SQL literal.
func QuoteValue(v redo.Value) string {
	switch {
	case v.IsNull():
		return "NULL"
	case v.IsCurrentTimestamp():
		return CurrentTimestampSQL
	}
	return "'" + valueReplacer.Replace(v.Literal()) + "'"
}

var unescapeReplacer = strings.NewReplacer("%%", "%", `\\`, `\`)

// Unescape reverses the `\` and `%` doubling of QuoteValue. It is applied
// right before a rendered statement is sent to the server, which takes
// standard conforming literals.
func Unescape(sql string) string {
	return unescapeReplacer.Replace(sql)
}

func writeAssignments(b *strings.Builder, fields redo.Fields, sep string) {
	for i, f := range fields {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(FieldName(f.Name))
		b.WriteString(" = ")
		b.WriteString(QuoteValue(f.Value))
	}
}

func writeWhere(b *strings.Builder, where redo.Fields) {
	if len(where) == 0 {
		return
	}
	b.WriteString(" WHERE ")
	for i, f := range where {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(FieldName(f.Name))
		if f.Value.IsNull() {
			b.WriteString(" IS NULL")
			continue
		}
		b.WriteString(" = ")
		b.WriteString(QuoteValue(f.Value))
	}
}

// writeRow writes `( '1', NULL )` in the order of names, NULL for missing fields.
func writeRow(b *strings.Builder, names []string, fields redo.Fields) {
	b.WriteString("( ")
	for i, name := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		v, ok := fields.Get(name)
		if !ok {
			v = redo.Null()
		}
		b.WriteString(QuoteValue(v))
	}
	b.WriteString(" )")
}

func writeColumns(b *strings.Builder, names []string) {
	b.WriteString("( ")
	for i, name := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(FieldName(name))
	}
	b.WriteString(" )")
}
