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
	"strings"

	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/redo"
)

// greenplum differs from postgres in that distribution key columns cannot
// be updated and tables declare a distribution policy.
type greenplum struct {
	postgres
}

func (d *greenplum) Name() string { return DialectGreenplum }

// BuildUpdate leaves the primary keys out of the SET clause.
func (d *greenplum) BuildUpdate(schema string, s *redo.Statement) (string, error) {
	set := make(redo.Fields, 0, len(s.Set))
	for _, f := range s.Set {
		if !s.IsPrimaryKey(f.Name) {
			set = append(set, f)
		}
	}
	if len(set) == 0 {
		return "", cerror.ErrUnsupportedSQL.GenWithStackByArgs("update of distribution key only on " + s.TableName)
	}
	return buildUpdate(schema, s, set)
}

// BuildCreate appends DISTRIBUTED BY the primary key, or DISTRIBUTED
// RANDOMLY for tables without one. Unique constraints other than the
// primary key are dropped as they must contain the distribution key.
func (d *greenplum) BuildCreate(schema string, s *redo.Statement) (string, error) {
	sql := d.buildCreate(schema, s, func(c string) bool {
		return !strings.Contains(strings.ToUpper(c), "UNIQUE")
	})
	if pks := primaryKeyColumns(s); len(pks) > 0 {
		return sql + " DISTRIBUTED BY (" + strings.Join(pks, ", ") + ")", nil
	}
	return sql + " DISTRIBUTED RANDOMLY", nil
}
