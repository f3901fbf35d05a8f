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

package kafka

import (
	"context"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Special start positions, numerically equal to sarama's.
const (
	OffsetEarliest int64 = -2
	OffsetLatest   int64 = -1
	// OffsetNone marks the absence of a committed offset.
	OffsetNone int64 = -1001
)

// Record is a consumed stream record.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Value     []byte
}

// Consumer reads one partition of the stream in offset order.
type Consumer interface {
	// Committed returns the next offset the group should read, or OffsetNone.
	Committed(ctx context.Context) (int64, error)
	// Seek positions the consumer, offset may be OffsetEarliest or OffsetLatest.
	Seek(ctx context.Context, offset int64) error
	// Read blocks until a record is available or ctx is done.
	Read(ctx context.Context) (*Record, error)
	// Commit synchronously stores next as the group's position.
	Commit(ctx context.Context, next int64) error
	Close() error
}

// Producer appends records to the stream.
type Producer interface {
	Produce(ctx context.Context, value []byte) error
	// Flush waits for all buffered records to be delivered.
	Flush(ctx context.Context) error
	Close() error
}

// NewConsumer creates a consumer with the client named in o.
func NewConsumer(o *Options) (Consumer, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if o.Client == ClientKafkaGo {
		return newKafkaGoConsumer(o), nil
	}
	c, err := newConfluentConsumer(o)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// StartOffset decides where a consumer starts. The group's committed offset
// wins, then the recovery hint stored with the last run, then the beginning
// of the partition. seekToEnd overrides all of them.
func StartOffset(committed, hint int64, seekToEnd bool) int64 {
	switch {
	case seekToEnd:
		return OffsetLatest
	case committed >= 0:
		return committed
	case hint > 0:
		return hint
	}
	return OffsetEarliest
}

// Position resolves and applies the start offset of c.
func Position(ctx context.Context, c Consumer, hint int64, seekToEnd bool) (int64, error) {
	committed, err := c.Committed(ctx)
	if err != nil {
		return 0, err
	}
	start := StartOffset(committed, hint, seekToEnd)
	log.Info("kafka consumer start position",
		zap.Int64("committed", committed), zap.Int64("hint", hint),
		zap.Bool("seekToEnd", seekToEnd), zap.Int64("start", start))
	return start, c.Seek(ctx, start)
}
