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
	"strings"
)

type updateState int

const (
	updateSetStart updateState = iota
	updateSetKey
	updateSetOperator
	updateSetValue
	updateSetDone
)

type whereState int

const (
	whereStart whereState = iota
	whereKey
	whereOperator
	whereValue
	whereDone
)

// rowIDColumn is the Oracle pseudo column that LogMiner adds to WHERE clauses.
const rowIDColumn = "ROWID"

// parseUpdate parses `update "S"."T" set "A" = '1', "B" = NULL where "PK" = '1'`.
func parseUpdate(text string) (set Fields, where Fields, err error) {
	c := newCursor(text)
	var key string
	st := updateSetStart
	for st != updateSetDone {
		switch st {
		case updateSetStart:
			if !c.seekKeyword("SET") {
				return nil, nil, malformed("update without SET")
			}
			st = updateSetKey
		case updateSetKey:
			c.skipSpace()
			if c.peek() == ',' {
				c.pos++
				continue
			}
			if c.eof() || c.keywordAt("WHERE") {
				st = updateSetDone
				continue
			}
			if key, err = c.readIdent(); err != nil {
				return nil, nil, err
			}
			st = updateSetOperator
		case updateSetOperator:
			c.skipSpace()
			if c.peek() != '=' {
				return nil, nil, malformed("expected = after %s", key)
			}
			c.pos++
			st = updateSetValue
		case updateSetValue:
			v, verr := readValue(c)
			if verr != nil {
				return nil, nil, verr
			}
			set = append(set, Field{Name: key, Value: v})
			st = updateSetKey
		}
	}
	if len(set) == 0 {
		return nil, nil, malformed("update without assignments")
	}
	if c.keywordAt("WHERE") {
		c.pos += len("WHERE")
		if where, err = parseWhere(c); err != nil {
			return nil, nil, err
		}
	}
	return set, where, nil
}

// parseDelete parses `delete from "S"."T" where "PK" = '1'`.
func parseDelete(text string) (Fields, error) {
	c := newCursor(text)
	if !c.seekKeyword("WHERE") {
		return nil, malformed("delete without WHERE")
	}
	where, err := parseWhere(c)
	if err != nil {
		return nil, err
	}
	if len(where) == 0 {
		return nil, malformed("delete without conditions")
	}
	return where, nil
}

// parseWhere parses `"A" = '1' and "B" IS NULL and ROWID = 'AAA'` from the
// cursor position. ROWID conditions are dropped.
func parseWhere(c *cursor) (Fields, error) {
	var (
		where Fields
		key   string
		err   error
	)
	st := whereStart
	for st != whereDone {
		switch st {
		case whereStart:
			c.skipSpace()
			if c.eof() {
				st = whereDone
				continue
			}
			if c.keywordAt("AND") {
				c.pos += len("AND")
				continue
			}
			st = whereKey
		case whereKey:
			if key, err = c.readIdent(); err != nil {
				return nil, err
			}
			st = whereOperator
		case whereOperator:
			c.skipSpace()
			switch {
			case c.peek() == '=':
				c.pos++
				st = whereValue
			case c.keywordAt("IS"):
				c.pos += len("IS")
				c.skipSpace()
				if !c.keywordAt("NULL") {
					return nil, malformed("unsupported IS condition on %s", key)
				}
				c.pos += len("NULL")
				where = appendCondition(where, key, Null())
				st = whereStart
			default:
				return nil, malformed("unsupported operator after %s", key)
			}
		case whereValue:
			v, verr := readValue(c)
			if verr != nil {
				return nil, verr
			}
			where = appendCondition(where, key, v)
			st = whereStart
		}
	}
	return where, nil
}

func appendCondition(where Fields, key string, v Value) Fields {
	if strings.EqualFold(key, rowIDColumn) {
		return where
	}
	return append(where, Field{Name: key, Value: v})
}

// filterByPrimaryKeys restricts where to the primary keys when every key is
// present among the conditions. Otherwise where is returned unchanged.
func filterByPrimaryKeys(where Fields, pks []string) Fields {
	if len(pks) == 0 {
		return where
	}
	for _, pk := range pks {
		if !where.Has(pk) {
			return where
		}
	}
	filtered := make(Fields, 0, len(pks))
	for _, f := range where {
		for _, pk := range pks {
			if f.Name == pk {
				filtered = append(filtered, f)
				break
			}
		}
	}
	return filtered
}
