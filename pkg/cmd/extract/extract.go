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

package extract

import (
	"context"
	"os"

	"github.com/pingcap/log"
	"github.com/pingcap/redoflow/cdc/extractor"
	"github.com/pingcap/redoflow/pkg/cmd/factory"
	"github.com/pingcap/redoflow/pkg/cmd/util"
	"github.com/pingcap/redoflow/pkg/config"
	"github.com/pingcap/redoflow/pkg/lifecycle"
	"github.com/pingcap/redoflow/pkg/source"
	"github.com/pingcap/redoflow/pkg/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// options defines flags for the `cdc-extract` command.
type options struct {
	flags *factory.ConfigFlags
}

// newOptions creates new options for the `cdc-extract` command.
func newOptions() *options {
	return &options{flags: factory.NewConfigFlags(config.ProcessExtract)}
}

// addFlags receives a *cobra.Command reference and binds
// the extraction flags to it.
func (o *options) addFlags(cmd *cobra.Command) {
	o.flags.AddFlags(cmd)
}

// run runs one extraction.
func (o *options) run(cmd *cobra.Command) error {
	cfg, err := o.flags.Load(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := util.InitCmd(cmd, cfg.Log)
	defer cancel()
	version.LogVersionInfo(config.ProcessExtract)

	f := factory.New(cfg, config.ProcessExtract)
	h, ctx := util.InitSignalHandling(ctx)
	err = o.extract(ctx, cmd, cfg, f, h)
	if cerr := f.Close(); cerr != nil {
		log.Warn("release resources failed", zap.Error(cerr))
	}
	h.Stop()
	return err
}

func (o *options) extract(
	ctx context.Context, cmd *cobra.Command, cfg *config.Config, f *factory.Factory, h *lifecycle.Handler,
) error {
	if _, err := f.ServeStatus(ctx, extractor.InitMetrics); err != nil {
		return err
	}
	store, err := f.AuditStore(ctx)
	if err != nil {
		return err
	}
	db, err := f.SourceDB(ctx)
	if err != nil {
		return err
	}
	cdc, err := source.NewCDC(db)
	if err != nil {
		return err
	}
	producer, err := f.Producer()
	if err != nil {
		return err
	}
	codec, err := f.Codec()
	if err != nil {
		return err
	}
	output, raw, err := f.DebugFiles()
	if err != nil {
		return err
	}

	e := extractor.New(extractor.Options{
		Config:   cfg,
		Store:    store,
		Source:   cdc,
		Producer: producer,
		Codec:    codec,
		Notifier: f.Notifier(),
		Output:   output,
		Raw:      raw,
	})
	h.OnKill(func(ctx context.Context, sig os.Signal) {
		e.MarkKilled(ctx, "signal "+sig.String())
	})

	res, err := e.Run(ctx)
	if err != nil {
		return err
	}
	log.Info("cdc-extract finished",
		zap.Int64("runID", res.RunID), zap.String("status", res.Status),
		zap.Int64("records", res.Records), zap.String("lastLSN", res.LastLSN))
	cmd.Printf("run %d %s: %d records\n", res.RunID, res.Status, res.Records)
	return nil
}

// NewCmdExtract creates the `cdc-extract` command.
func NewCmdExtract() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "cdc-extract",
		Short: "Extract one window of source changes to the stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd)
		},
	}

	o.addFlags(command)

	return command
}
