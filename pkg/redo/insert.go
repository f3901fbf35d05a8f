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

type insertState int

const (
	insertFieldSkip insertState = iota
	insertFields
	insertInterFieldValue
	insertValueSkip
	insertValues
	insertDone
)

// insertParser holds the buffers of one INSERT parse.
type insertParser struct {
	c      *cursor
	fields []string
	values []Value
}

// parseInsert parses `insert into "S"."T"("A","B") values ('1',NULL)`.
func parseInsert(text string) (Fields, error) {
	p := &insertParser{c: newCursor(text)}
	st := insertFieldSkip
	var err error
	for st != insertDone {
		if p.c.eof() {
			return nil, malformed("unexpected end of insert in state %d", st)
		}
		switch st {
		case insertFieldSkip:
			st = p.fieldSkip()
		case insertFields:
			st, err = p.readFields()
		case insertInterFieldValue:
			st = p.interFieldValue()
		case insertValueSkip:
			st = p.valueSkip()
		case insertValues:
			st, err = p.readValue()
		}
		if err != nil {
			return nil, err
		}
	}
	if len(p.fields) != len(p.values) {
		return nil, malformed("insert has %d fields but %d values", len(p.fields), len(p.values))
	}
	fields := make(Fields, 0, len(p.fields))
	for i, name := range p.fields {
		fields = append(fields, Field{Name: name, Value: p.values[i]})
	}
	return fields, nil
}

// fieldSkip skips the table name up to the opening of the field list.
func (p *insertParser) fieldSkip() insertState {
	ch := p.c.peek()
	if ch == '"' {
		if _, err := p.c.readQuoted('"'); err != nil {
			p.c.pos = len(p.c.s)
		}
		return insertFieldSkip
	}
	p.c.pos++
	if ch == '(' {
		return insertFields
	}
	return insertFieldSkip
}

func (p *insertParser) readFields() (insertState, error) {
	p.c.skipSpace()
	switch p.c.peek() {
	case ',':
		p.c.pos++
		return insertFields, nil
	case ')':
		p.c.pos++
		return insertInterFieldValue, nil
	}
	name, err := p.c.readIdent()
	if err != nil {
		return insertDone, err
	}
	p.fields = append(p.fields, name)
	return insertFields, nil
}

// interFieldValue skips the VALUES keyword up to the opening of the value list.
func (p *insertParser) interFieldValue() insertState {
	ch := p.c.peek()
	p.c.pos++
	if ch == '(' {
		return insertValueSkip
	}
	return insertInterFieldValue
}

func (p *insertParser) valueSkip() insertState {
	p.c.skipSpace()
	switch p.c.peek() {
	case ',':
		p.c.pos++
		return insertValueSkip
	case ')':
		p.c.pos++
		return insertDone
	}
	return insertValues
}

func (p *insertParser) readValue() (insertState, error) {
	v, err := readValue(p.c)
	if err != nil {
		return insertDone, err
	}
	p.values = append(p.values, v)
	return insertValueSkip, nil
}
