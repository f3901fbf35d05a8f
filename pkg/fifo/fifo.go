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

package fifo

import (
	"os"
	"path/filepath"
	"strings"

	cerror "github.com/pingcap/redoflow/pkg/errors"
	"golang.org/x/sys/unix"
)

// Path returns the pipe path of table in dir.
func Path(dir, table string) string {
	name := strings.NewReplacer("/", "_", `\`, "_").Replace(strings.ToLower(table))
	return filepath.Join(dir, name+".fifo")
}

// Create makes a named pipe for table in dir, replacing a stale one.
func Create(dir, table string) (string, error) {
	path := Path(dir, table)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", cerror.WrapError(cerror.ErrFifo, err, path)
	}
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return "", cerror.WrapError(cerror.ErrFifo, err, path)
	}
	return path, nil
}

// OpenPair opens both ends of the pipe at path without blocking. The read
// end is opened first in non-blocking mode so that opening the write end
// finds a reader. Reads and writes block the calling goroutine only.
func OpenPair(path string) (r, w *os.File, err error) {
	r, err = os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, nil, cerror.WrapError(cerror.ErrFifo, err, path)
	}
	w, err = os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		_ = r.Close()
		return nil, nil, cerror.WrapError(cerror.ErrFifo, err, path)
	}
	return r, w, nil
}

// Remove deletes the pipe at path.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return cerror.WrapError(cerror.ErrFifo, err, path)
	}
	return nil
}

// IsFifo reports whether path is a named pipe.
func IsFifo(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode()&os.ModeNamedPipe != 0
}
