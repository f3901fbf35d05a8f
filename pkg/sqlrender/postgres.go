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
	"regexp"
	"strings"

	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/redo"
)

type postgres struct {
	types *TypeMap
}

func (d *postgres) Name() string { return DialectPostgres }

func (d *postgres) MapType(dataType string, params []string) string {
	return d.types.Map(dataType, params)
}

// BuildInsert renders `INSERT INTO s.T ( A, B ) VALUES ( '1', '2' )` with
// fields in alphabetical order.
func (d *postgres) BuildInsert(schema string, s *redo.Statement) (string, error) {
	if len(s.Fields) == 0 {
		return "", cerror.ErrUnsupportedSQL.GenWithStackByArgs("insert without fields into " + s.TableName)
	}
	names := s.Fields.Sorted().Names()
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(TableName(schema, s.TableName))
	b.WriteByte(' ')
	writeColumns(&b, names)
	b.WriteString(" VALUES ")
	writeRow(&b, names, s.Fields)
	return b.String(), nil
}

func (d *postgres) BuildUpdate(schema string, s *redo.Statement) (string, error) {
	return buildUpdate(schema, s, s.Set)
}

func buildUpdate(schema string, s *redo.Statement, set redo.Fields) (string, error) {
	if len(set) == 0 {
		return "", cerror.ErrUnsupportedSQL.GenWithStackByArgs("update without assignments on " + s.TableName)
	}
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(TableName(schema, s.TableName))
	b.WriteString(" SET ")
	writeAssignments(&b, set, ", ")
	writeWhere(&b, s.Where)
	return b.String(), nil
}

func (d *postgres) BuildDelete(schema string, s *redo.Statement) (string, error) {
	if len(s.Where) == 0 {
		return "", cerror.ErrUnsupportedSQL.GenWithStackByArgs("delete without conditions on " + s.TableName)
	}
	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(TableName(schema, s.TableName))
	writeWhere(&b, s.Where)
	return b.String(), nil
}

// BuildAlter renders ADD entries as ADD COLUMN and MODIFY entries as
// ALTER COLUMN actions of a single ALTER TABLE.
func (d *postgres) BuildAlter(schema string, s *redo.Statement) (string, error) {
	var actions []string
	for _, e := range s.Entries {
		name := FieldName(e.FieldName)
		constraints := TranslateConstraints(e.Constraints)
		switch e.Operation {
		case redo.OperationAdd:
			action := "ADD COLUMN " + name + " " + d.MapType(e.DataType, e.Params)
			if constraints != "" {
				action += " " + constraints
			}
			actions = append(actions, action)
		case redo.OperationModify:
			if e.DataType != "" {
				actions = append(actions, "ALTER COLUMN "+name+" TYPE "+d.MapType(e.DataType, e.Params))
			}
			actions = append(actions, modifyConstraintActions(name, constraints)...)
		default:
			return "", cerror.ErrUnsupportedSQL.GenWithStackByArgs("alter operation " + e.Operation)
		}
	}
	if len(actions) == 0 {
		return "", cerror.ErrUnsupportedSQL.GenWithStackByArgs("empty alter on " + s.TableName)
	}
	return "ALTER TABLE " + TableName(schema, s.TableName) + " " + strings.Join(actions, ", "), nil
}

var defaultRegexp = regexp.MustCompile(`(?i)\bDEFAULT\s+(.+)$`)

func modifyConstraintActions(name, constraints string) []string {
	upper := strings.ToUpper(constraints)
	var actions []string
	switch {
	case strings.Contains(upper, "NOT NULL"):
		actions = append(actions, "ALTER COLUMN "+name+" SET NOT NULL")
	case strings.Contains(" "+upper+" ", " NULL "):
		actions = append(actions, "ALTER COLUMN "+name+" DROP NOT NULL")
	}
	if m := defaultRegexp.FindStringSubmatch(constraints); m != nil {
		def := strings.TrimSpace(m[1])
		if i := strings.Index(strings.ToUpper(def), " NOT NULL"); i >= 0 {
			def = def[:i]
		}
		actions = append(actions, "ALTER COLUMN "+name+" SET DEFAULT "+def)
	}
	return actions
}

// BuildCreate renders CREATE TABLE IF NOT EXISTS with mapped column types.
func (d *postgres) BuildCreate(schema string, s *redo.Statement) (string, error) {
	return d.buildCreate(schema, s, func(string) bool { return true }), nil
}

func (d *postgres) buildCreate(schema string, s *redo.Statement, keepConstraint func(string) bool) string {
	var defs []string
	for _, e := range s.Entries {
		constraints := TranslateConstraints(e.Constraints)
		if e.IsConstraint() {
			if constraints != "" && keepConstraint(constraints) {
				defs = append(defs, constraints)
			}
			continue
		}
		def := FieldName(e.FieldName) + " " + d.MapType(e.DataType, e.Params)
		if constraints != "" {
			def += " " + constraints
		}
		defs = append(defs, def)
	}
	return "CREATE TABLE IF NOT EXISTS " + TableName(schema, s.TableName) + " ( " + strings.Join(defs, ", ") + " )"
}

var (
	oracleOnlyWords = map[string]struct{}{
		"ENABLE": {}, "DISABLE": {}, "VALIDATE": {}, "NOVALIDATE": {}, "RELY": {}, "NORELY": {},
	}
	usingIndexRegexp = regexp.MustCompile(`(?i)\s*USING\s+INDEX.*$`)
	sysdateRegexp    = regexp.MustCompile(`(?i)\b(SYSDATE|SYSTIMESTAMP)\b`)
)

// TranslateConstraints rewrites Oracle column or table constraint text for
// Postgres: identifier quotes and Oracle-only state keywords are dropped.
func TranslateConstraints(c string) string {
	if c == "" {
		return ""
	}
	c = usingIndexRegexp.ReplaceAllString(c, "")
	c = sysdateRegexp.ReplaceAllString(c, "CURRENT_TIMESTAMP")
	words := strings.Fields(strings.ReplaceAll(c, `"`, ""))
	kept := words[:0]
	for _, w := range words {
		if _, ok := oracleOnlyWords[strings.ToUpper(w)]; ok {
			continue
		}
		kept = append(kept, FieldName(w))
	}
	return strings.Join(kept, " ")
}

var primaryKeyRegexp = regexp.MustCompile(`(?i)PRIMARY\s+KEY\s*\(([^)]*)\)`)

// primaryKeyColumns returns the columns of the PRIMARY KEY constraint of a
// CREATE statement, or the announced key fields.
func primaryKeyColumns(s *redo.Statement) []string {
	for _, e := range s.Entries {
		m := primaryKeyRegexp.FindStringSubmatch(e.Constraints)
		if m == nil {
			continue
		}
		var cols []string
		for _, c := range strings.Split(m[1], ",") {
			if c = strings.Trim(strings.TrimSpace(c), `"`); c != "" {
				cols = append(cols, FieldName(c))
			}
		}
		if len(cols) > 0 {
			return cols
		}
	}
	for _, e := range s.Entries {
		if !e.IsConstraint() && strings.Contains(strings.ToUpper(e.Constraints), "PRIMARY KEY") {
			return []string{FieldName(e.FieldName)}
		}
	}
	cols := make([]string, 0, len(s.PrimaryKeys))
	for _, pk := range s.PrimaryKeys {
		cols = append(cols, FieldName(pk))
	}
	return cols
}
