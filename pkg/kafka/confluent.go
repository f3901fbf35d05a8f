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
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"github.com/pingcap/redoflow/pkg/retry"
	"go.uber.org/zap"
)

type confluentConsumer struct {
	client    *kafka.Consumer
	topic     string
	partition int32
	retries   int
}

func newConfluentConsumer(o *Options) (*confluentConsumer, error) {
	configMap := &kafka.ConfigMap{
		"bootstrap.servers": o.bootstrapServers(),
		"group.id":          o.GroupID,
		"client.id":         o.ClientID,
		// Start reading from the first message of the partition if there
		// are no previously committed offsets for this group.
		"auto.offset.reset":        "earliest",
		"enable.auto.offset.store": false,
		"enable.auto.commit":       false,
	}
	client, err := kafka.NewConsumer(configMap)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrKafkaNewClient, err)
	}
	return &confluentConsumer{
		client:    client,
		topic:     o.Topic,
		partition: o.Partition,
		retries:   o.MaxCommitRetries,
	}, nil
}

func (c *confluentConsumer) topicPartition(offset kafka.Offset) kafka.TopicPartition {
	return kafka.TopicPartition{Topic: &c.topic, Partition: c.partition, Offset: offset}
}

func (c *confluentConsumer) Committed(ctx context.Context) (int64, error) {
	tps, err := c.client.Committed([]kafka.TopicPartition{c.topicPartition(kafka.OffsetInvalid)}, 10000)
	if err != nil {
		return OffsetNone, cerror.WrapError(cerror.ErrKafkaConsume, err)
	}
	if len(tps) == 0 || tps[0].Offset < 0 {
		return OffsetNone, nil
	}
	return int64(tps[0].Offset), nil
}

// Seek assigns the partition explicitly, group rebalancing is not used.
func (c *confluentConsumer) Seek(ctx context.Context, offset int64) error {
	if err := c.client.Assign([]kafka.TopicPartition{c.topicPartition(kafka.Offset(offset))}); err != nil {
		return cerror.WrapError(cerror.ErrKafkaConsume, err)
	}
	return nil
}

func (c *confluentConsumer) Read(ctx context.Context) (*Record, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		default:
		}
		msg, err := c.client.ReadMessage(defaultReadTimeout)
		if err != nil {
			if kerr, ok := err.(kafka.Error); ok && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			return nil, cerror.WrapError(cerror.ErrKafkaConsume, err)
		}
		return &Record{
			Topic:     c.topic,
			Partition: msg.TopicPartition.Partition,
			Offset:    int64(msg.TopicPartition.Offset),
			Value:     msg.Value,
		}, nil
	}
}

func (c *confluentConsumer) Commit(ctx context.Context, next int64) error {
	err := retry.Do(ctx, func() error {
		_, err := c.client.CommitOffsets([]kafka.TopicPartition{c.topicPartition(kafka.Offset(next))})
		return err
	}, retry.WithMaxTries(int64(c.retries)), retry.WithBackoffBaseDelay(100), retry.WithBackoffMaxDelay(2000))
	return cerror.WrapError(cerror.ErrKafkaCommit, err, next)
}

func (c *confluentConsumer) Close() error {
	return errors.Trace(c.client.Close())
}

// confluentProducer writes to a single partition through librdkafka's
// bounded internal queue.
type confluentProducer struct {
	producer  *kafka.Producer
	topic     string
	partition int32

	mu          sync.Mutex
	deliveryErr error
}

// NewProducer creates a Kafka producer.
func NewProducer(o *Options) (Producer, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":            o.bootstrapServers(),
		"client.id":                    o.ClientID,
		"acks":                         "all",
		"queue.buffering.max.messages": o.QueueSize,
	})
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrKafkaNewClient, err)
	}
	return &confluentProducer{producer: producer, topic: o.Topic, partition: o.Partition}, nil
}

// Produce enqueues value. When the local queue is full it serves delivery
// reports and waits until there is room again.
func (p *confluentProducer) Produce(ctx context.Context, value []byte) error {
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: p.partition},
		Value:          value,
	}
	for {
		err := p.producer.Produce(msg, nil)
		if err == nil {
			p.poll()
			return p.lastError()
		}
		if kerr, ok := err.(kafka.Error); !ok || kerr.Code() != kafka.ErrQueueFull {
			return cerror.WrapError(cerror.ErrKafkaProduce, err)
		}
		log.Debug("kafka producer queue is full, wait for deliveries")
		p.poll()
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-time.After(defaultReadTimeout):
		}
	}
}

// poll serves the delivery reports that are ready without blocking.
func (p *confluentProducer) poll() {
	for {
		select {
		case ev := <-p.producer.Events():
			p.handleEvent(ev)
		default:
			return
		}
	}
}

func (p *confluentProducer) handleEvent(ev kafka.Event) {
	switch e := ev.(type) {
	case *kafka.Message:
		if e.TopicPartition.Error != nil {
			log.Warn("kafka delivery failed", zap.Error(e.TopicPartition.Error))
			p.mu.Lock()
			if p.deliveryErr == nil {
				p.deliveryErr = cerror.WrapError(cerror.ErrKafkaProduce, e.TopicPartition.Error)
			}
			p.mu.Unlock()
		}
	case kafka.Error:
		log.Warn("kafka producer error", zap.Error(e))
	}
}

func (p *confluentProducer) lastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deliveryErr
}

func (p *confluentProducer) Flush(ctx context.Context) error {
	deadline := time.Now().Add(defaultFlushTimeout)
	for {
		p.poll()
		if p.producer.Flush(100) == 0 && p.producer.Len() == 0 {
			p.poll()
			return p.lastError()
		}
		if time.Now().After(deadline) {
			return cerror.ErrKafkaProduce.GenWithStackByArgs()
		}
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		default:
		}
	}
}

func (p *confluentProducer) Close() error {
	err := p.Flush(context.Background())
	p.producer.Close()
	return err
}
