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
	"regexp"
	"strings"

	cerror "github.com/pingcap/redoflow/pkg/errors"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokIdent
	tokString
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

// raw returns the token as it appeared in the statement.
func (t token) raw() string {
	switch t.kind {
	case tokString:
		return "'" + strings.ReplaceAll(t.text, "'", "''") + "'"
	case tokIdent:
		return `"` + t.text + `"`
	}
	return t.text
}

func (t token) isWord(w string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, w)
}

func tokenize(s string) ([]token, error) {
	c := newCursor(s)
	var toks []token
	for {
		c.skipSpace()
		if c.eof() {
			return toks, nil
		}
		switch ch := c.peek(); {
		case ch == '(':
			toks = append(toks, token{kind: tokLParen, text: "("})
			c.pos++
		case ch == ')':
			toks = append(toks, token{kind: tokRParen, text: ")"})
			c.pos++
		case ch == ',':
			toks = append(toks, token{kind: tokComma, text: ","})
			c.pos++
		case ch == '"':
			id, err := c.readQuoted('"')
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokIdent, text: id})
		case ch == '\'':
			lit, err := c.readQuoted('\'')
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: lit})
		case isWordByte(ch):
			toks = append(toks, token{kind: tokWord, text: c.readWord()})
		default:
			toks = append(toks, token{kind: tokWord, text: string(ch)})
			c.pos++
		}
	}
}

// supportedTypes lists the Oracle data types that can be replicated.
var supportedTypes = map[string]struct{}{
	"VARCHAR2": {}, "NVARCHAR2": {}, "VARCHAR": {}, "CHAR": {}, "NCHAR": {},
	"NUMBER": {}, "FLOAT": {}, "BINARY_FLOAT": {}, "BINARY_DOUBLE": {},
	"INTEGER": {}, "INT": {}, "SMALLINT": {}, "DECIMAL": {}, "NUMERIC": {}, "REAL": {},
	"DATE": {}, "TIMESTAMP": {},
	"TIMESTAMP WITH TIME ZONE": {}, "TIMESTAMP WITH LOCAL TIME ZONE": {},
	"CLOB": {}, "NCLOB": {}, "BLOB": {}, "RAW": {}, "LONG": {}, "LONG RAW": {},
	"ROWID": {}, "UROWID": {},
}

// characterTypes keep only their length parameter.
var characterTypes = map[string]struct{}{
	"VARCHAR2": {}, "NVARCHAR2": {}, "VARCHAR": {}, "CHAR": {}, "NCHAR": {},
}

// IsSupportedType reports whether dataType is a replicable source type.
func IsSupportedType(dataType string) bool {
	_, ok := supportedTypes[strings.ToUpper(dataType)]
	return ok
}

type alterState int

const (
	alterOperation alterState = iota
	alterFieldName
	alterDataType
	alterParams
	alterConstraints
)

// columnDef reads `name TYPE[(params)] [constraints]` definitions from a
// token stream.
type columnDef struct {
	toks []token
	i    int
}

func (d *columnDef) next() (token, bool) {
	if d.i >= len(d.toks) {
		return token{}, false
	}
	t := d.toks[d.i]
	d.i++
	return t, true
}

func (d *columnDef) peek() (token, bool) {
	if d.i >= len(d.toks) {
		return token{}, false
	}
	return d.toks[d.i], true
}

// readDataType reads a possibly multi-word type plus its parameters.
func (d *columnDef) readDataType(sql string) (string, []string, error) {
	t, ok := d.next()
	if !ok || t.kind != tokWord {
		return "", nil, malformed("missing data type")
	}
	dataType := strings.ToUpper(t.text)
	if nt, ok := d.peek(); ok && dataType == "LONG" && nt.isWord("RAW") {
		d.i++
		dataType = "LONG RAW"
	}

	var params []string
	if nt, ok := d.peek(); ok && nt.kind == tokLParen {
		d.i++
		var cur []string
		for {
			pt, ok := d.next()
			if !ok {
				return "", nil, malformed("unterminated type parameters")
			}
			if pt.kind == tokRParen || pt.kind == tokComma {
				if len(cur) > 0 {
					params = append(params, strings.Join(cur, " "))
				}
				cur = cur[:0]
				if pt.kind == tokRParen {
					break
				}
				continue
			}
			cur = append(cur, pt.text)
		}
	}
	// TIMESTAMP(6) WITH [LOCAL] TIME ZONE
	if dataType == "TIMESTAMP" {
		if nt, ok := d.peek(); ok && nt.isWord("WITH") {
			words := []string{"TIMESTAMP"}
			for d.i < len(d.toks) && d.toks[d.i].kind == tokWord {
				w := strings.ToUpper(d.toks[d.i].text)
				if w != "WITH" && w != "LOCAL" && w != "TIME" && w != "ZONE" {
					break
				}
				words = append(words, w)
				d.i++
			}
			dataType = strings.Join(words, " ")
		}
	}
	if !IsSupportedType(dataType) {
		return "", nil, cerror.ErrUnsupportedSQL.GenWithStackByArgs(sql)
	}
	if _, ok := characterTypes[dataType]; ok && len(params) > 0 {
		// VARCHAR2(256 CHAR) -> VARCHAR2(256)
		params = []string{strings.Fields(params[0])[0]}
	}
	return dataType, params, nil
}

// readConstraints collects tokens up to a comma or closing parenthesis at
// the current nesting level. The terminator is not consumed.
func (d *columnDef) readConstraints() string {
	var parts []string
	depth := 0
	for d.i < len(d.toks) {
		t := d.toks[d.i]
		if depth == 0 && (t.kind == tokComma || t.kind == tokRParen) {
			break
		}
		switch t.kind {
		case tokLParen:
			depth++
		case tokRParen:
			depth--
		}
		parts = append(parts, t.raw())
		d.i++
	}
	return joinTokens(parts)
}

func joinTokens(parts []string) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 && p != ")" && p != "," && parts[i-1] != "(" {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	return b.String()
}

// tableBody returns the statement text following `<VERB> TABLE <name>`.
func tableBody(text string) (string, error) {
	c := newCursor(text)
	if !c.seekKeyword("TABLE") {
		return "", malformed("missing TABLE keyword")
	}
	c.skipSpace()
	for {
		if c.peek() == '"' {
			if _, err := c.readQuoted('"'); err != nil {
				return "", err
			}
		} else {
			for !c.eof() && (isWordByte(c.peek()) && c.peek() != '.') {
				c.pos++
			}
		}
		if c.peek() != '.' {
			break
		}
		c.pos++
	}
	return c.s[c.pos:], nil
}

// parseAlter parses `ALTER TABLE "S"."T" ADD ("A" VARCHAR2(10), "B" NUMBER)`.
func parseAlter(text string) ([]Entry, error) {
	body, err := tableBody(text)
	if err != nil {
		return nil, err
	}
	toks, err := tokenize(body)
	if err != nil {
		return nil, err
	}
	d := &columnDef{toks: toks}

	var (
		entries []Entry
		cur     Entry
		op      string
		groups  int
	)
	st := alterOperation
	for d.i < len(d.toks) {
		switch st {
		case alterOperation:
			t, _ := d.next()
			if t.kind == tokComma {
				continue
			}
			switch {
			case t.isWord(OperationAdd):
				op = OperationAdd
			case t.isWord(OperationModify):
				op = OperationModify
			default:
				return nil, cerror.ErrUnsupportedSQL.GenWithStackByArgs(text)
			}
			if nt, ok := d.peek(); ok && nt.kind == tokLParen {
				d.i++
				groups++
			}
			st = alterFieldName
		case alterFieldName:
			t, _ := d.next()
			if t.kind != tokIdent && t.kind != tokWord {
				return nil, malformed("expected column name in alter")
			}
			cur = Entry{Operation: op, FieldName: t.text}
			st = alterDataType
		case alterDataType:
			// MODIFY may change only constraints, e.g. MODIFY ("A" NOT NULL)
			if nt, _ := d.peek(); op == OperationModify && nt.kind == tokWord && !IsSupportedType(nt.text) &&
				(nt.isWord("NOT") || nt.isWord("NULL") || nt.isWord("DEFAULT") || nt.isWord("CONSTRAINT")) {
				st = alterConstraints
				continue
			}
			dataType, params, derr := d.readDataType(text)
			if derr != nil {
				return nil, derr
			}
			cur.DataType, cur.Params = dataType, params
			st = alterParams
		case alterParams:
			// parameters are consumed with the data type
			st = alterConstraints
		case alterConstraints:
			cur.Constraints = d.readConstraints()
			entries = append(entries, cur)
			cur = Entry{}
			t, ok := d.next()
			if !ok {
				break
			}
			switch {
			case t.kind == tokComma && groups > 0:
				st = alterFieldName
			case t.kind == tokRParen && groups > 0:
				groups--
				st = alterOperation
			default:
				st = alterOperation
			}
		}
	}
	if (st == alterParams || st == alterConstraints) && cur.FieldName != "" {
		cur.Constraints = d.readConstraints()
		entries = append(entries, cur)
	}
	if st == alterFieldName || st == alterDataType {
		return nil, malformed("incomplete alter statement")
	}
	return entries, nil
}

var constraintSplitRegexp = regexp.MustCompile(`(?i),\s*(CONSTRAINT\s)`)

// parseCreate parses `CREATE TABLE "S"."T" ("A" NUMBER, CONSTRAINT "PK" PRIMARY KEY ("A"))`.
func parseCreate(text string) ([]Entry, error) {
	body, err := tableBody(text)
	if err != nil {
		return nil, err
	}
	c := newCursor(body)
	c.skipSpace()
	if c.peek() != '(' {
		return nil, malformed("create without column list")
	}
	c.pos++
	start := c.pos
	if err := c.skipToClose(); err != nil {
		return nil, err
	}
	columns := body[start : c.pos-1]

	parts := splitConstraints(columns)
	toks, err := tokenize(parts[0])
	if err != nil {
		return nil, err
	}
	d := &columnDef{toks: toks}
	var entries []Entry
	for d.i < len(d.toks) {
		t, _ := d.next()
		if t.kind == tokComma {
			continue
		}
		if t.kind != tokIdent && t.kind != tokWord {
			return nil, malformed("expected column name in create")
		}
		// inline standalone constraint without a leading comma match
		if t.isWord("CONSTRAINT") || t.isWord("PRIMARY") || t.isWord("UNIQUE") || t.isWord("FOREIGN") || t.isWord("CHECK") {
			d.i--
			entries = append(entries, Entry{Constraints: d.readConstraints()})
			continue
		}
		entry := Entry{FieldName: t.text}
		if entry.DataType, entry.Params, err = d.readDataType(text); err != nil {
			return nil, err
		}
		entry.Constraints = d.readConstraints()
		entries = append(entries, entry)
	}
	for _, p := range parts[1:] {
		ctoks, err := tokenize(p)
		if err != nil {
			return nil, err
		}
		cd := &columnDef{toks: ctoks}
		entries = append(entries, Entry{Constraints: cd.readConstraints()})
	}
	return entries, nil
}

// splitConstraints splits a column list into the column definitions followed
// by one element per trailing standalone CONSTRAINT clause.
func splitConstraints(columns string) []string {
	locs := constraintSplitRegexp.FindAllStringSubmatchIndex(columns, -1)
	parts := make([]string, 0, len(locs)+1)
	prev := 0
	for i, loc := range locs {
		if i == 0 {
			parts = append(parts, columns[:loc[0]])
		} else {
			parts = append(parts, columns[prev:loc[0]])
		}
		prev = loc[2]
	}
	parts = append(parts, columns[prev:])
	if len(locs) == 0 {
		return parts[len(parts)-1:]
	}
	return parts
}
