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
	"time"

	"github.com/pingcap/errors"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/retry"
	"github.com/segmentio/kafka-go"
)

// kafkaGoConsumer reads one partition with a segmentio reader and stores
// the group position through the offset commit API, without joining the
// group.
type kafkaGoConsumer struct {
	opts   *Options
	client *kafka.Client
	reader *kafka.Reader
}

func newKafkaGoConsumer(o *Options) *kafkaGoConsumer {
	return &kafkaGoConsumer{
		opts: o,
		client: &kafka.Client{
			Addr:    kafka.TCP(o.Brokers...),
			Timeout: 10 * time.Second,
		},
	}
}

func (c *kafkaGoConsumer) Committed(ctx context.Context) (int64, error) {
	resp, err := c.client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: c.opts.GroupID,
		Topics:  map[string][]int{c.opts.Topic: {int(c.opts.Partition)}},
	})
	if err != nil {
		return OffsetNone, cerror.WrapError(cerror.ErrKafkaConsume, err)
	}
	if resp.Error != nil {
		return OffsetNone, cerror.WrapError(cerror.ErrKafkaConsume, resp.Error)
	}
	for _, p := range resp.Topics[c.opts.Topic] {
		if p.Partition != int(c.opts.Partition) {
			continue
		}
		if p.Error != nil {
			return OffsetNone, cerror.WrapError(cerror.ErrKafkaConsume, p.Error)
		}
		if p.CommittedOffset < 0 {
			return OffsetNone, nil
		}
		return p.CommittedOffset, nil
	}
	return OffsetNone, nil
}

func (c *kafkaGoConsumer) Seek(ctx context.Context, offset int64) error {
	if c.reader != nil {
		_ = c.reader.Close()
	}
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:   c.opts.Brokers,
		Topic:     c.opts.Topic,
		Partition: int(c.opts.Partition),
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	// kafka.FirstOffset and kafka.LastOffset match OffsetEarliest and OffsetLatest
	if err := c.reader.SetOffset(offset); err != nil {
		return cerror.WrapError(cerror.ErrKafkaConsume, err)
	}
	return nil
}

func (c *kafkaGoConsumer) Read(ctx context.Context) (*Record, error) {
	if c.reader == nil {
		return nil, cerror.ErrKafkaConsume.GenWithStackByArgs()
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Trace(ctx.Err())
		}
		return nil, cerror.WrapError(cerror.ErrKafkaConsume, err)
	}
	return &Record{
		Topic:     msg.Topic,
		Partition: int32(msg.Partition),
		Offset:    msg.Offset,
		Value:     msg.Value,
	}, nil
}

func (c *kafkaGoConsumer) Commit(ctx context.Context, next int64) error {
	err := retry.Do(ctx, func() error {
		resp, err := c.client.OffsetCommit(ctx, &kafka.OffsetCommitRequest{
			GroupID:      c.opts.GroupID,
			GenerationID: -1,
			Topics: map[string][]kafka.OffsetCommit{
				c.opts.Topic: {{Partition: int(c.opts.Partition), Offset: next}},
			},
		})
		if err != nil {
			return err
		}
		for _, p := range resp.Topics[c.opts.Topic] {
			if p.Error != nil {
				return p.Error
			}
		}
		return nil
	}, retry.WithMaxTries(int64(c.opts.MaxCommitRetries)), retry.WithBackoffBaseDelay(100), retry.WithBackoffMaxDelay(2000))
	return cerror.WrapError(cerror.ErrKafkaCommit, err, next)
}

func (c *kafkaGoConsumer) Close() error {
	if c.reader == nil {
		return nil
	}
	return errors.Trace(c.reader.Close())
}
