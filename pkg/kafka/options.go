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
	"strings"
	"time"

	cerror "github.com/pingcap/redoflow/pkg/errors"
)

// Client names accepted by --kafka-client.
const (
	ClientConfluent = "confluent"
	ClientKafkaGo   = "kafka-go"
)

const (
	defaultQueueSize    = 100000
	defaultReadTimeout  = 100 * time.Millisecond
	defaultFlushTimeout = 30 * time.Second
	// DefaultPartition is the single partition the stream is written to.
	DefaultPartition = 0
)

// Options configures producers, consumers and the offset admin.
type Options struct {
	Brokers   []string `toml:"brokers" json:"brokers"`
	Topic     string   `toml:"topic" json:"topic"`
	GroupID   string   `toml:"group" json:"group"`
	Partition int32    `toml:"partition" json:"partition"`
	ClientID  string   `toml:"client-id" json:"client-id"`
	Client    string   `toml:"client" json:"client"`
	// QueueSize bounds the number of messages buffered by the producer.
	QueueSize int `toml:"queue-size" json:"queue-size"`
	// MaxCommitRetries bounds the attempts of a synchronous offset commit.
	MaxCommitRetries int `toml:"max-commit-retries" json:"max-commit-retries"`
}

// NewOptions returns options with defaults.
func NewOptions() *Options {
	return &Options{
		Partition:        DefaultPartition,
		ClientID:         "redoflow",
		Client:           ClientConfluent,
		QueueSize:        defaultQueueSize,
		MaxCommitRetries: 3,
	}
}

// Validate checks the options required to reach a topic.
func (o *Options) Validate() error {
	if len(o.Brokers) == 0 {
		return cerror.ErrInvalidConfig.GenWithStackByArgs("kafka brokers are required")
	}
	if o.Topic == "" {
		return cerror.ErrInvalidConfig.GenWithStackByArgs("kafka topic is required")
	}
	switch o.Client {
	case ClientConfluent, ClientKafkaGo:
	default:
		return cerror.ErrInvalidConfig.GenWithStackByArgs("unknown kafka client " + o.Client)
	}
	return nil
}

func (o *Options) bootstrapServers() string {
	return strings.Join(o.Brokers, ",")
}
