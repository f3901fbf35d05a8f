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

package initsync

import (
	"context"
	"os"
	"time"

	"github.com/pingcap/log"
	"github.com/pingcap/redoflow/cdc/initsync"
	"github.com/pingcap/redoflow/pkg/cmd/factory"
	"github.com/pingcap/redoflow/pkg/cmd/util"
	"github.com/pingcap/redoflow/pkg/config"
	"github.com/pingcap/redoflow/pkg/lifecycle"
	"github.com/pingcap/redoflow/pkg/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// options defines flags for the `initsync` command.
type options struct {
	flags *factory.ConfigFlags
}

// newOptions creates new options for the `initsync` command.
func newOptions() *options {
	return &options{flags: factory.NewConfigFlags(config.ProcessInitSync)}
}

func (o *options) addFlags(cmd *cobra.Command) {
	o.flags.AddFlags(cmd)
}

// run seeds the target tables of the profile.
func (o *options) run(cmd *cobra.Command) error {
	cfg, err := o.flags.Load(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := util.InitCmd(cmd, cfg.Log)
	defer cancel()
	version.LogVersionInfo(config.ProcessInitSync)

	f := factory.New(cfg, config.ProcessInitSync)
	h, ctx := util.InitSignalHandling(ctx)
	err = o.seed(ctx, cmd, cfg, f, h)
	if cerr := f.Close(); cerr != nil {
		log.Warn("release resources failed", zap.Error(cerr))
	}
	h.Stop()
	return err
}

func (o *options) seed(
	ctx context.Context, cmd *cobra.Command, cfg *config.Config, f *factory.Factory, h *lifecycle.Handler,
) error {
	if _, err := f.ServeStatus(ctx, initsync.InitMetrics); err != nil {
		return err
	}
	store, err := f.AuditStore(ctx)
	if err != nil {
		return err
	}
	src, err := f.SourceDB(ctx)
	if err != nil {
		return err
	}
	dst, err := f.TargetDB(ctx)
	if err != nil {
		return err
	}
	dsn, err := f.TargetDSN()
	if err != nil {
		return err
	}
	var seeker initsync.OffsetSeeker
	if cfg.InitSync.SeekToEnd {
		if seeker, err = f.OffsetAdmin(); err != nil {
			return err
		}
	}

	s := initsync.New(initsync.Options{
		Config:    cfg,
		Store:     store,
		Source:    initsync.NewSource(src),
		Target:    dst,
		NewLoader: initsync.NewTargetLoaderFactory(dsn),
		Seeker:    seeker,
		Notifier:  f.Notifier(),
	})
	h.OnKill(func(ctx context.Context, sig os.Signal) {
		s.MarkKilled(ctx, "signal "+sig.String())
	})

	start := time.Now()
	sum, err := s.Run(ctx)
	if sum != nil {
		for _, t := range sum.Tables {
			cmd.Printf("%-40s %-8s %d/%d\n", t.Table, t.Status, t.Loaded, t.Extracted)
		}
		log.Info("initsync finished",
			zap.Int64("runID", sum.RunID), zap.String("status", sum.Status),
			zap.Int("tables", len(sum.Tables)), zap.Duration("duration", time.Since(start)))
	}
	return err
}

// NewCmdInitSync creates the `initsync` command.
func NewCmdInitSync() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "initsync",
		Short: "Seed the target tables of a profile from the source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd)
		},
	}

	o.addFlags(command)

	return command
}
