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
	"os"
	"strings"

	"github.com/pingcap/errors"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"gopkg.in/yaml.v2"
)

// TypeRule maps one source data type to a target type. When KeepParams is
// set the source parameters are carried over, e.g. NUMBER(10,2) -> NUMERIC(10,2).
type TypeRule struct {
	Source     string `yaml:"source"`
	Target     string `yaml:"target"`
	KeepParams bool   `yaml:"keep_params"`
}

// TypeMap maps source data types to target data types.
type TypeMap struct {
	rules map[string]TypeRule
}

var defaultTypeRules = []TypeRule{
	{Source: "VARCHAR2", Target: "VARCHAR", KeepParams: true},
	{Source: "NVARCHAR2", Target: "VARCHAR", KeepParams: true},
	{Source: "VARCHAR", Target: "VARCHAR", KeepParams: true},
	{Source: "CHAR", Target: "CHAR", KeepParams: true},
	{Source: "NCHAR", Target: "CHAR", KeepParams: true},
	{Source: "NUMBER", Target: "NUMERIC", KeepParams: true},
	{Source: "DECIMAL", Target: "NUMERIC", KeepParams: true},
	{Source: "NUMERIC", Target: "NUMERIC", KeepParams: true},
	{Source: "FLOAT", Target: "DOUBLE PRECISION"},
	{Source: "BINARY_FLOAT", Target: "REAL"},
	{Source: "BINARY_DOUBLE", Target: "DOUBLE PRECISION"},
	{Source: "REAL", Target: "REAL"},
	{Source: "INTEGER", Target: "INTEGER"},
	{Source: "INT", Target: "INTEGER"},
	{Source: "SMALLINT", Target: "SMALLINT"},
	{Source: "DATE", Target: "TIMESTAMP"},
	{Source: "TIMESTAMP", Target: "TIMESTAMP", KeepParams: true},
	{Source: "TIMESTAMP WITH TIME ZONE", Target: "TIMESTAMPTZ", KeepParams: true},
	{Source: "TIMESTAMP WITH LOCAL TIME ZONE", Target: "TIMESTAMPTZ", KeepParams: true},
	{Source: "CLOB", Target: "TEXT"},
	{Source: "NCLOB", Target: "TEXT"},
	{Source: "LONG", Target: "TEXT"},
	{Source: "BLOB", Target: "BYTEA"},
	{Source: "RAW", Target: "BYTEA"},
	{Source: "LONG RAW", Target: "BYTEA"},
	{Source: "ROWID", Target: "VARCHAR(18)"},
	{Source: "UROWID", Target: "VARCHAR(4000)"},
}

// DefaultTypeMap returns the built-in Oracle to Postgres mapping.
func DefaultTypeMap() *TypeMap {
	m := &TypeMap{rules: make(map[string]TypeRule, len(defaultTypeRules))}
	for _, r := range defaultTypeRules {
		m.rules[r.Source] = r
	}
	return m
}

type typeMapFile struct {
	Rules []TypeRule `yaml:"rules"`
}

// LoadTypeMap reads a YAML file of rules that override the built-in mapping:
//
//	rules:
//	  - source: NUMBER
//	    target: BIGINT
func LoadTypeMap(path string) (*TypeMap, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read datatype map %s", path)
	}
	return ParseTypeMap(content)
}

// ParseTypeMap parses YAML rules over the built-in mapping.
func ParseTypeMap(content []byte) (*TypeMap, error) {
	var f typeMapFile
	if err := yaml.UnmarshalStrict(content, &f); err != nil {
		return nil, cerror.WrapError(cerror.ErrInvalidConfig, err, "datatypemap")
	}
	m := DefaultTypeMap()
	for _, r := range f.Rules {
		if r.Source == "" || r.Target == "" {
			return nil, cerror.ErrInvalidConfig.GenWithStackByArgs("datatypemap rule needs source and target")
		}
		r.Source = strings.ToUpper(strings.TrimSpace(r.Source))
		m.rules[r.Source] = r
	}
	return m, nil
}

// Map returns the target type of dataType. Unknown types pass through.
func (m *TypeMap) Map(dataType string, params []string) string {
	dataType = strings.ToUpper(dataType)
	rule, ok := m.rules[dataType]
	if !ok {
		rule = TypeRule{Source: dataType, Target: dataType, KeepParams: true}
	}
	if !rule.KeepParams || len(params) == 0 {
		return rule.Target
	}
	ps := make([]string, len(params))
	copy(ps, params)
	// NUMBER(*,0)
	if ps[0] == "*" {
		ps[0] = "38"
	}
	return rule.Target + "(" + strings.Join(ps, ",") + ")"
}
