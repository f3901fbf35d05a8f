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

package apply

import (
	"context"
	"os"

	"github.com/pingcap/log"
	"github.com/pingcap/redoflow/cdc/applier"
	"github.com/pingcap/redoflow/pkg/cmd/factory"
	"github.com/pingcap/redoflow/pkg/cmd/util"
	"github.com/pingcap/redoflow/pkg/config"
	"github.com/pingcap/redoflow/pkg/lifecycle"
	"github.com/pingcap/redoflow/pkg/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// options defines flags for the `cdc-apply` command.
type options struct {
	flags *factory.ConfigFlags
}

// newOptions creates new options for the `cdc-apply` command.
func newOptions() *options {
	return &options{flags: factory.NewConfigFlags(config.ProcessApply)}
}

func (o *options) addFlags(cmd *cobra.Command) {
	o.flags.AddFlags(cmd)
}

// run consumes the stream until a KILL record, a fatal error or a signal.
func (o *options) run(cmd *cobra.Command) error {
	cfg, err := o.flags.Load(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := util.InitCmd(cmd, cfg.Log)
	defer cancel()
	version.LogVersionInfo(config.ProcessApply)

	f := factory.New(cfg, config.ProcessApply)
	h, ctx := util.InitSignalHandling(ctx)
	err = o.apply(ctx, cfg, f, h)
	if cerr := f.Close(); cerr != nil {
		log.Warn("release resources failed", zap.Error(cerr))
	}
	h.Stop()
	return err
}

func (o *options) apply(ctx context.Context, cfg *config.Config, f *factory.Factory, h *lifecycle.Handler) error {
	if _, err := f.ServeStatus(ctx, applier.InitMetrics); err != nil {
		return err
	}
	store, err := f.AuditStore(ctx)
	if err != nil {
		return err
	}
	dialect, err := cfg.Dialect()
	if err != nil {
		return err
	}
	db, err := f.TargetDB(ctx)
	if err != nil {
		return err
	}
	consumer, err := f.Consumer()
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

	a, err := applier.New(applier.Options{
		Config:    cfg,
		Store:     store,
		Connector: applier.NewTargetConnector(db),
		Dialect:   dialect,
		Codec:     codec,
		Notifier:  f.Notifier(),
		Output:    output,
		Raw:       raw,
	})
	if err != nil {
		return err
	}
	h.OnKill(func(ctx context.Context, sig os.Signal) {
		a.MarkKilled(ctx, "signal "+sig.String())
	})

	if err := a.Run(ctx, consumer); err != nil {
		return err
	}
	log.Info("cdc-apply stopped by a KILL record", zap.String("profile", cfg.ProfileName))
	return nil
}

// NewCmdApply creates the `cdc-apply` command.
func NewCmdApply() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "cdc-apply",
		Short: "Apply the change stream to the target database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd)
		},
	}

	o.addFlags(command)

	return command
}
