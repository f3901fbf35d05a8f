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
	"fmt"
	"strings"
)

// specialValues are unquoted redo tokens that stand for NULL.
var specialValues = []string{"NULL", "EMPTY_CLOB()", "EMPTY_BLOB()"}

// parseError is a malformed-redo condition raised by the scanners. Parse
// converts it into ErrMalformedRedo carrying the table name.
type parseError struct {
	msg string
}

func (e *parseError) Error() string { return e.msg }

func malformed(format string, args ...interface{}) error {
	return &parseError{msg: fmt.Sprintf(format, args...)}
}

// cursor walks a redo string one byte at a time. It is created per Parse call.
type cursor struct {
	s   string
	pos int
}

func newCursor(s string) *cursor {
	return &cursor{s: s}
}

func (c *cursor) eof() bool {
	return c.pos >= len(c.s)
}

func (c *cursor) peek() byte {
	if c.eof() {
		return 0
	}
	return c.s[c.pos]
}

func (c *cursor) skipSpace() {
	for !c.eof() && isSpace(c.s[c.pos]) {
		c.pos++
	}
}

// hasPrefixFold reports whether the text at the cursor starts with p,
// ignoring case.
func (c *cursor) hasPrefixFold(p string) bool {
	if len(c.s)-c.pos < len(p) {
		return false
	}
	return strings.EqualFold(c.s[c.pos:c.pos+len(p)], p)
}

// keywordAt reports whether kw starts at the cursor as a whole word.
func (c *cursor) keywordAt(kw string) bool {
	if !c.hasPrefixFold(kw) {
		return false
	}
	end := c.pos + len(kw)
	return end >= len(c.s) || !isWordByte(c.s[end])
}

// readQuoted reads a token enclosed in q starting at the cursor. A doubled
// quote inside the token is a literal quote.
func (c *cursor) readQuoted(q byte) (string, error) {
	if c.peek() != q {
		return "", malformed("expected %c at position %d", q, c.pos)
	}
	c.pos++
	var b strings.Builder
	for !c.eof() {
		ch := c.s[c.pos]
		c.pos++
		if ch != q {
			b.WriteByte(ch)
			continue
		}
		if c.peek() == q {
			b.WriteByte(q)
			c.pos++
			continue
		}
		return b.String(), nil
	}
	return "", malformed("unterminated %c quoted token", q)
}

// readWord reads an unquoted token.
func (c *cursor) readWord() string {
	start := c.pos
	for !c.eof() && isWordByte(c.s[c.pos]) {
		c.pos++
	}
	return c.s[start:c.pos]
}

// readIdent reads a double quoted or bare identifier.
func (c *cursor) readIdent() (string, error) {
	c.skipSpace()
	if c.peek() == '"' {
		return c.readQuoted('"')
	}
	w := c.readWord()
	if w == "" {
		return "", malformed("expected identifier at position %d", c.pos)
	}
	return w, nil
}

// skipToClose advances past the ')' matching an already consumed '('.
func (c *cursor) skipToClose() error {
	depth := 1
	for !c.eof() {
		switch ch := c.s[c.pos]; ch {
		case '\'', '"':
			if _, err := c.readQuoted(ch); err != nil {
				return err
			}
			continue
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				c.pos++
				return nil
			}
		}
		c.pos++
	}
	return malformed("unbalanced parenthesis")
}

// seekKeyword moves the cursor past the next whole-word occurrence of kw
// that is outside quotes. It returns false when kw is not found.
func (c *cursor) seekKeyword(kw string) bool {
	for !c.eof() {
		ch := c.s[c.pos]
		if ch == '\'' || ch == '"' {
			if _, err := c.readQuoted(ch); err != nil {
				return false
			}
			continue
		}
		if (c.pos == 0 || !isWordByte(c.s[c.pos-1])) && c.keywordAt(kw) {
			c.pos += len(kw)
			return true
		}
		c.pos++
	}
	return false
}

// readValue reads one field value: a quoted literal, a special NULL token,
// a function call of which only the first argument is kept, or a bare token.
func readValue(c *cursor) (Value, error) {
	c.skipSpace()
	if c.eof() {
		return Value{}, malformed("missing value")
	}
	if c.peek() == '\'' {
		lit, err := c.readQuoted('\'')
		if err != nil {
			return Value{}, err
		}
		return Literal(lit), nil
	}
	for _, sv := range specialValues {
		if c.hasPrefixFold(sv) {
			end := c.pos + len(sv)
			if sv[len(sv)-1] == ')' || end >= len(c.s) || !isWordByte(c.s[end]) {
				c.pos = end
				return Null(), nil
			}
		}
	}
	word := c.readWord()
	if word == "" {
		return Value{}, malformed("unexpected %q at position %d", c.peek(), c.pos)
	}
	save := c.pos
	c.skipSpace()
	if c.peek() != '(' {
		c.pos = save
		return Literal(word), nil
	}
	// function call
	c.pos++
	c.skipSpace()
	if c.peek() == ')' {
		c.pos++
		return Literal(word + "()"), nil
	}
	v, err := readValue(c)
	if err != nil {
		return Value{}, err
	}
	if err := c.skipToClose(); err != nil {
		return Value{}, err
	}
	return v, nil
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\r' || ch == '\n'
}

func isWordByte(ch byte) bool {
	return ch == '_' || ch == '$' || ch == '#' || ch == '.' || ch == '-' || ch == '+' ||
		(ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}
