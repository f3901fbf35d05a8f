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

package initsync

import (
	"bufio"
	"strings"

	"github.com/pingcap/errors"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/source"
	"github.com/pingcap/redoflow/pkg/target"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

// newEncoder returns the encoder of the client encoding name, or nil when
// values are written as UTF-8.
func newEncoder(name string) (*encoding.Encoder, error) {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return nil, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil, cerror.ErrInvalidConfig.GenWithStackByArgs("unsupported clientencoding " + name)
	}
	if enc == unicode.UTF8 {
		return nil, nil
	}
	return encoding.ReplaceUnsupported(enc.NewEncoder()), nil
}

// recordWriter serializes snapshot rows into the pipe format: fields
// separated by FieldDelimiter, records ended by RecordEnd.
type recordWriter struct {
	w    *bufio.Writer
	null string
	enc  *encoding.Encoder
	// withLSN marks the last value of every row as the source LSN, which
	// is returned instead of written.
	withLSN bool
}

func (rw *recordWriter) write(values []interface{}) (string, error) {
	var lsn string
	if rw.withLSN && len(values) > 0 {
		lsn, _ = source.Stringify(values[len(values)-1])
		values = values[:len(values)-1]
	}
	for i, v := range values {
		if i > 0 {
			if err := rw.w.WriteByte(target.FieldDelimiter); err != nil {
				return "", errors.Trace(err)
			}
		}
		s, ok := source.Stringify(v)
		if !ok {
			s = rw.null
		} else if rw.enc != nil {
			if _, isString := v.(string); isString {
				var err error
				if s, err = rw.enc.String(s); err != nil {
					return "", errors.Trace(err)
				}
			}
		}
		if _, err := rw.w.WriteString(s); err != nil {
			return "", errors.Trace(err)
		}
	}
	if err := rw.w.WriteByte(target.RecordEnd); err != nil {
		return "", errors.Trace(err)
	}
	return strings.TrimSpace(lsn), nil
}
