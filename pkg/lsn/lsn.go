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

// Package lsn compares the vendor-opaque commit positions carried by stream
// messages. Oracle SCNs are decimal integers, SQL Server LSNs are hex strings
// prefixed with 0x.
package lsn

import (
	"math/big"
	"strings"
)

// Compare returns -1, 0 or 1 when a is lower than, equal to or greater than b.
// An empty LSN is lower than any non-empty one.
func Compare(a, b string) int {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return -1
	case b == "":
		return 1
	}
	if x, ok := parse(a); ok {
		if y, ok := parse(b); ok {
			return x.Cmp(y)
		}
	}
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// Max returns the greater of a and b.
func Max(a, b string) string {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}

// Min returns the lower non-empty LSN of a and b.
func Min(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	if Compare(a, b) <= 0 {
		return a
	}
	return b
}

// IsZero reports whether l carries no position, either empty or numerically zero.
func IsZero(l string) bool {
	l = strings.TrimSpace(l)
	if l == "" {
		return true
	}
	v, ok := parse(l)
	return ok && v.Sign() == 0
}

func parse(s string) (*big.Int, bool) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	if s == "" {
		return nil, false
	}
	return new(big.Int).SetString(s, base)
}
