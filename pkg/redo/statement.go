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

package redo

import (
	"sort"
	"strings"
)

// StatementKind is the kind of a neutral statement.
type StatementKind int

// Statement kinds.
const (
	KindInsert StatementKind = iota + 1
	KindUpdate
	KindDelete
	KindAlter
	KindCreate
)

func (k StatementKind) String() string {
	switch k {
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	case KindAlter:
		return "ALTER"
	case KindCreate:
		return "CREATE"
	}
	return "UNKNOWN"
}

type valueKind int

const (
	valueLiteral valueKind = iota
	valueNull
	valueCurrentTimestamp
)

// Value is a field value of a statement. It is either NULL, the
// CURRENT_TIMESTAMP metadata sentinel or a literal string.
type Value struct {
	kind valueKind
	lit  string
}

// Null returns the NULL value.
func Null() Value { return Value{kind: valueNull} }

// CurrentTimestamp returns the metadata timestamp sentinel.
func CurrentTimestamp() Value { return Value{kind: valueCurrentTimestamp} }

// Literal returns a literal value.
func Literal(s string) Value { return Value{kind: valueLiteral, lit: s} }

// IsNull reports whether v is NULL.
func (v Value) IsNull() bool { return v.kind == valueNull }

// IsCurrentTimestamp reports whether v is the metadata timestamp sentinel.
func (v Value) IsCurrentTimestamp() bool { return v.kind == valueCurrentTimestamp }

// Literal returns the literal string, empty for NULL and the sentinel.
func (v Value) Literal() string { return v.lit }

func (v Value) String() string {
	switch v.kind {
	case valueNull:
		return "NULL"
	case valueCurrentTimestamp:
		return "CURRENT_TIMESTAMP"
	}
	return "'" + v.lit + "'"
}

// Field is a named value.
type Field struct {
	Name  string
	Value Value
}

// Fields is an ordered list of fields.
type Fields []Field

// Get returns the value of the named field.
func (fs Fields) Get(name string) (Value, bool) {
	for _, f := range fs {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Has reports whether the named field is present.
func (fs Fields) Has(name string) bool {
	_, ok := fs.Get(name)
	return ok
}

// Names returns the field names in order.
func (fs Fields) Names() []string {
	names := make([]string, 0, len(fs))
	for _, f := range fs {
		names = append(names, f.Name)
	}
	return names
}

// Sorted returns a copy of fs ordered by field name.
func (fs Fields) Sorted() Fields {
	out := make(Fields, len(fs))
	copy(out, fs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// set replaces the value of an existing field or appends a new one.
func (fs Fields) set(name string, v Value) Fields {
	for i := range fs {
		if fs[i].Name == name {
			fs[i].Value = v
			return fs
		}
	}
	return append(fs, Field{Name: name, Value: v})
}

// DDL operations.
const (
	OperationAdd    = "ADD"
	OperationModify = "MODIFY"
)

// Entry is one column or constraint of an ALTER or CREATE statement.
// Constraint-only entries of a CREATE have an empty FieldName and DataType.
type Entry struct {
	Operation   string
	FieldName   string
	DataType    string
	Params      []string
	Constraints string
}

// IsConstraint reports whether e is a standalone table constraint.
func (e Entry) IsConstraint() bool {
	return e.FieldName == "" && e.DataType == ""
}

// Statement is the neutral form of a source change.
//
// Fields is used by INSERT, Set and Where by UPDATE, Where by DELETE and
// Entries by ALTER and CREATE. PrimaryKeys holds the key fields announced by
// the extractor, empty when the table has none.
type Statement struct {
	Kind        StatementKind
	TableName   string
	Fields      Fields
	Set         Fields
	Where       Fields
	PrimaryKeys []string
	Entries     []Entry
}

// FullName returns the SSP object name of the statement's table within schema.
func (s *Statement) FullName(schema string) string {
	return FullName(schema, s.TableName)
}

// FullName returns the lower-cased `schema.table` name used to key SSP rows.
func FullName(schema, table string) string {
	return strings.ToLower(schema) + "." + strings.ToLower(table)
}

// IsPrimaryKey reports whether name is one of the statement's primary keys.
func (s *Statement) IsPrimaryKey(name string) bool {
	for _, pk := range s.PrimaryKeys {
		if pk == name {
			return true
		}
	}
	return false
}

// AddMetaColumns appends the configured metadata timestamp columns to a
// CREATE statement, unless they are already defined.
func (s *Statement) AddMetaColumns(meta *MetaCols) {
	if s.Kind != KindCreate || meta == nil {
		return
	}
	for _, col := range []string{meta.InsertTimestampColumn, meta.UpdateTimestampColumn} {
		if col == "" || s.hasEntry(col) {
			continue
		}
		entry := Entry{FieldName: col, DataType: "TIMESTAMP"}
		// keep column entries ahead of table constraints
		idx := len(s.Entries)
		for i, e := range s.Entries {
			if e.IsConstraint() {
				idx = i
				break
			}
		}
		s.Entries = append(s.Entries, Entry{})
		copy(s.Entries[idx+1:], s.Entries[idx:])
		s.Entries[idx] = entry
	}
}

func (s *Statement) hasEntry(name string) bool {
	for _, e := range s.Entries {
		if strings.EqualFold(e.FieldName, name) {
			return true
		}
	}
	return false
}

// MetaCols names the target columns that are populated with the current
// timestamp on insert and update.
type MetaCols struct {
	InsertTimestampColumn string `json:"insert_timestamp_column" toml:"insert-timestamp-column"`
	UpdateTimestampColumn string `json:"update_timestamp_column" toml:"update-timestamp-column"`
}

// IsEmpty reports whether no metadata column is configured.
func (m *MetaCols) IsEmpty() bool {
	return m == nil || (m.InsertTimestampColumn == "" && m.UpdateTimestampColumn == "")
}
