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

	"github.com/IBM/sarama"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"go.uber.org/zap"
)

// OffsetAdmin reads partition end offsets and moves a group's position.
type OffsetAdmin struct {
	opts   *Options
	client sarama.Client
}

// NewOffsetAdmin connects to the cluster.
func NewOffsetAdmin(o *Options) (*OffsetAdmin, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	config := sarama.NewConfig()
	config.ClientID = o.ClientID
	config.Consumer.Offsets.AutoCommit.Enable = false
	client, err := sarama.NewClient(o.Brokers, config)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrKafkaNewClient, err)
	}
	return &OffsetAdmin{opts: o, client: client}, nil
}

// NewestOffset returns the offset the next produced record will get.
func (a *OffsetAdmin) NewestOffset(ctx context.Context) (int64, error) {
	offset, err := a.client.GetOffset(a.opts.Topic, a.opts.Partition, sarama.OffsetNewest)
	if err != nil {
		return 0, cerror.WrapError(cerror.ErrKafkaConsume, err)
	}
	return offset, nil
}

// CommitOffset stores next as the group's position.
func (a *OffsetAdmin) CommitOffset(ctx context.Context, next int64) error {
	om, err := sarama.NewOffsetManagerFromClient(a.opts.GroupID, a.client)
	if err != nil {
		return cerror.WrapError(cerror.ErrKafkaCommit, err, next)
	}
	defer func() {
		if err := om.Close(); err != nil {
			log.Warn("close offset manager failed", zap.Error(err))
		}
	}()
	pom, err := om.ManagePartition(a.opts.Topic, a.opts.Partition)
	if err != nil {
		return cerror.WrapError(cerror.ErrKafkaCommit, err, next)
	}
	// MarkOffset never moves backwards, ResetOffset does.
	pom.ResetOffset(next, "")
	om.Commit()
	if err := pom.Close(); err != nil {
		return cerror.WrapError(cerror.ErrKafkaCommit, err, next)
	}
	return nil
}

// SeekToEnd moves the group to the end of the partition and returns the
// offset it now points at.
func (a *OffsetAdmin) SeekToEnd(ctx context.Context) (int64, error) {
	newest, err := a.NewestOffset(ctx)
	if err != nil {
		return 0, err
	}
	if err := a.CommitOffset(ctx, newest); err != nil {
		return 0, err
	}
	log.Info("kafka group moved to end of topic",
		zap.String("topic", a.opts.Topic), zap.String("group", a.opts.GroupID), zap.Int64("offset", newest))
	return newest, nil
}

// Close releases the client.
func (a *OffsetAdmin) Close() error {
	return errors.Trace(a.client.Close())
}
