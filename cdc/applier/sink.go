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

package applier

import (
	"context"

	"github.com/pingcap/redoflow/pkg/target"
)

// Sink is a target connection holding one open transaction.
type Sink interface {
	Exec(ctx context.Context, query string) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error
}

// Connector opens target connections. The applier holds at most one at a
// time, between the start and the end of a batch.
type Connector interface {
	Connect(ctx context.Context) (Sink, error)
}

type targetConnector struct {
	db *target.DB
}

// NewTargetConnector returns a Connector over a target database.
func NewTargetConnector(db *target.DB) Connector {
	return &targetConnector{db: db}
}

func (c *targetConnector) Connect(ctx context.Context) (Sink, error) {
	conn, err := c.db.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
