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

package message

import (
	"bufio"
	"os"
	"sync"

	"github.com/pingcap/errors"
)

// DebugFile is an append-only text file receiving one entry per line. A nil
// *DebugFile discards everything, so callers need not check whether the
// file was configured.
type DebugFile struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// OpenDebugFile opens path for appending. It returns nil when path is empty.
func OpenDebugFile(path string) (*DebugFile, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Annotatef(err, "open debug file %s", path)
	}
	return &DebugFile{f: f, w: bufio.NewWriter(f)}, nil
}

// WriteLine appends line and a newline.
func (d *DebugFile) WriteLine(line string) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.w.WriteString(line); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(d.w.WriteByte('\n'))
}

// WriteStatement appends a SQL statement terminated by a semicolon.
func (d *DebugFile) WriteStatement(sql string) error {
	return d.WriteLine(sql + ";")
}

// Flush writes buffered lines to the file.
func (d *DebugFile) Flush() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Trace(d.w.Flush())
}

// Close flushes and closes the file.
func (d *DebugFile) Close() error {
	if d == nil {
		return nil
	}
	if err := d.Flush(); err != nil {
		_ = d.f.Close()
		return err
	}
	return errors.Trace(d.f.Close())
}
