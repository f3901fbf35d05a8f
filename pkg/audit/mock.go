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

package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/pingcap/log"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewMockStore creates a store on a private in-memory sqlite database.
func NewMockStore() (*GormStore, error) {
	// ref:https://www.sqlite.org/inmemorydb.html
	// using dsn(file:%s?mode=memory&cache=shared) format here to
	// 1. Create different DB for different TestXXX()
	// 2. Enable DB shared for different connection
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()+".db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 NewLogger(log.L(), WithIgnoreTraceRecordNotFoundErr()),
	})
	if err != nil {
		log.L().Error("create gorm client fail", zap.Error(err))
		return nil, cerror.WrapError(cerror.ErrDBConnect, err, "sqlite")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return NewStore(ctx, db)
}
