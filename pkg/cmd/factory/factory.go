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

package factory

import (
	"context"
	"fmt"
	"sync"

	"github.com/pingcap/log"
	"github.com/pingcap/redoflow/pkg/audit"
	"github.com/pingcap/redoflow/pkg/config"
	"github.com/pingcap/redoflow/pkg/kafka"
	"github.com/pingcap/redoflow/pkg/message"
	"github.com/pingcap/redoflow/pkg/notify"
	"github.com/pingcap/redoflow/pkg/promutil"
	"github.com/pingcap/redoflow/pkg/source"
	"github.com/pingcap/redoflow/pkg/target"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Factory builds the collaborators of a process from its configuration.
// Everything it opens is released by Close, in reverse order.
type Factory struct {
	cfg     *config.Config
	process string

	mu      sync.Mutex
	closers []func() error
}

// New returns a factory for process.
func New(cfg *config.Config, process string) *Factory {
	return &Factory{cfg: cfg, process: process}
}

func (f *Factory) onClose(fn func() error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closers = append(f.closers, fn)
}

// Close releases every opened resource.
func (f *Factory) Close() error {
	f.mu.Lock()
	closers := f.closers
	f.closers = nil
	f.mu.Unlock()

	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, closers[i]())
	}
	return err
}

func (f *Factory) dsn(triple, dbType string) (string, error) {
	t, err := config.ParseDBTriple(triple)
	if err != nil {
		return "", err
	}
	return t.DSN(dbType)
}

// AuditStore connects to the audit database.
func (f *Factory) AuditStore(ctx context.Context) (audit.Store, error) {
	dsn, err := f.dsn(f.cfg.AuditUser, config.DBTypePostgres)
	if err != nil {
		return nil, err
	}
	db, err := audit.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	store, err := audit.NewStore(ctx, db)
	if err != nil {
		return nil, err
	}
	f.onClose(store.Close)
	return store, nil
}

// Notifier returns the mail notifier, which drops mails when no mail
// server is configured.
func (f *Factory) Notifier() *notify.Notifier {
	var mailer notify.Mailer
	if f.cfg.Notify.Enabled() {
		mailer = notify.NewSMTPMailer(f.cfg.Notify)
	}
	prefix := fmt.Sprintf("[%s %s v%d]", f.process, f.cfg.ProfileName, f.cfg.ProfileVersion)
	return notify.NewNotifier(mailer, f.cfg.Notify, prefix)
}

// Codec returns the stream record codec, with the schema of --avro-schema
// when set.
func (f *Factory) Codec() (message.Codec, error) {
	if f.cfg.AvroSchema != "" {
		return message.NewAvroCodecFromFile(f.cfg.AvroSchema)
	}
	return message.NewAvroCodec(message.DefaultSchema)
}

// DebugFiles opens --outputfile and --rawfile. Unset files are nil.
func (f *Factory) DebugFiles() (output, raw *message.DebugFile, err error) {
	if output, err = message.OpenDebugFile(f.cfg.OutputFile); err != nil {
		return nil, nil, err
	}
	if output != nil {
		f.onClose(output.Close)
	}
	if raw, err = message.OpenDebugFile(f.cfg.RawFile); err != nil {
		return nil, nil, err
	}
	if raw != nil {
		f.onClose(raw.Close)
	}
	return output, raw, nil
}

// SourceDB connects to the source database.
func (f *Factory) SourceDB(ctx context.Context) (*source.DB, error) {
	dsn, err := f.dsn(f.cfg.SourceUser, f.cfg.SourceDBType)
	if err != nil {
		return nil, err
	}
	db, err := source.OpenDB(ctx, f.cfg.SourceDBType, dsn)
	if err != nil {
		return nil, err
	}
	db.SetArraySize(f.cfg.ArraySize)
	f.onClose(db.Close)
	return db, nil
}

// TargetDSN returns the driver DSN of --targetuser.
func (f *Factory) TargetDSN() (string, error) {
	return f.dsn(f.cfg.TargetUser, f.cfg.TargetDBType)
}

// TargetDB connects to the target database.
func (f *Factory) TargetDB(ctx context.Context) (*target.DB, error) {
	dsn, err := f.TargetDSN()
	if err != nil {
		return nil, err
	}
	db, err := target.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	f.onClose(db.Close)
	return db, nil
}

// Producer creates the stream producer.
func (f *Factory) Producer() (kafka.Producer, error) {
	p, err := kafka.NewProducer(f.cfg.Kafka)
	if err != nil {
		return nil, err
	}
	f.onClose(p.Close)
	return p, nil
}

// Consumer creates the stream consumer.
func (f *Factory) Consumer() (kafka.Consumer, error) {
	c, err := kafka.NewConsumer(f.cfg.Kafka)
	if err != nil {
		return nil, err
	}
	f.onClose(c.Close)
	return c, nil
}

// OffsetAdmin creates the offset administration client of the group.
func (f *Factory) OffsetAdmin() (*kafka.OffsetAdmin, error) {
	a, err := kafka.NewOffsetAdmin(f.cfg.Kafka)
	if err != nil {
		return nil, err
	}
	f.onClose(a.Close)
	return a, nil
}

// ServeStatus exposes the metrics registered by inits on --status-addr
// until Close and returns the bound address. It does nothing when no
// address is configured.
func (f *Factory) ServeStatus(ctx context.Context, inits ...func(*prometheus.Registry)) (string, error) {
	if f.cfg.StatusAddr == "" {
		return "", nil
	}
	srv, err := promutil.NewStatusServer(f.cfg.StatusAddr, promutil.NewRegistry(inits...))
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(ctx); err != nil {
			log.Warn("status server exited", zap.Error(err))
		}
	}()
	f.onClose(func() error {
		cancel()
		<-done
		return nil
	})
	return srv.Addr(), nil
}
