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

package config

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/logutil"
)

// Database types accepted by --sourcedbtype and --targetdbtype.
const (
	DBTypeOracle    = "oracle"
	DBTypeMSSQL     = "mssql"
	DBTypePostgres  = "postgres"
	DBTypeGreenplum = "greenplum"
)

// DBTriple is a `user/password@host:port/database` credential triple.
type DBTriple struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
}

// ParseDBTriple parses a credential triple. The password may contain `/`
// and `@`, the last `@` separates it from the address.
func ParseDBTriple(s string) (*DBTriple, error) {
	slash := strings.Index(s, "/")
	at := strings.LastIndex(s, "@")
	if slash <= 0 || at < slash {
		return nil, cerror.ErrInvalidDBTriple.GenWithStackByArgs(logutil.HideSensitive(s))
	}
	t := &DBTriple{User: s[:slash], Password: s[slash+1 : at]}
	addr := s[at+1:]
	dbSep := strings.Index(addr, "/")
	if dbSep < 0 {
		return nil, cerror.ErrInvalidDBTriple.GenWithStackByArgs(logutil.HideSensitive(s))
	}
	t.Database = addr[dbSep+1:]
	hostPort := addr[:dbSep]
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		t.Host = hostPort
	} else {
		t.Host = host
		if t.Port, err = strconv.Atoi(port); err != nil {
			return nil, cerror.ErrInvalidDBTriple.GenWithStackByArgs(logutil.HideSensitive(s))
		}
	}
	if t.Host == "" || t.Database == "" {
		return nil, cerror.ErrInvalidDBTriple.GenWithStackByArgs(logutil.HideSensitive(s))
	}
	return t, nil
}

func (t *DBTriple) address(defaultPort int) string {
	port := t.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// DSN returns the driver data source name of t for dbType.
func (t *DBTriple) DSN(dbType string) (string, error) {
	switch dbType {
	case DBTypeOracle:
		return `user="` + t.User + `" password="` + t.Password +
			`" connectString="` + t.address(1521) + "/" + t.Database + `"`, nil
	case DBTypeMSSQL:
		u := &url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(t.User, t.Password),
			Host:     t.address(1433),
			RawQuery: url.Values{"database": {t.Database}}.Encode(),
		}
		return u.String(), nil
	case DBTypePostgres, DBTypeGreenplum:
		u := &url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(t.User, t.Password),
			Host:   t.address(5432),
			Path:   "/" + t.Database,
		}
		return u.String(), nil
	}
	return "", cerror.ErrUnsupportedSource.GenWithStackByArgs(dbType)
}

// String returns the triple with its password masked.
func (t *DBTriple) String() string {
	addr := t.Host
	if t.Port != 0 {
		addr = t.address(t.Port)
	}
	return t.User + "/******@" + addr + "/" + t.Database
}
