// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

// Package process provides the shared bootstrap for slicerd commands:
// flag and environment binding, logger construction and debug endpoints.
package process

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/forge3d/slicerd/pkg/cfgstruct"
)

// Error is the default error class for the process package.
var Error = errs.Class("process")

var (
	contextMtx sync.Mutex
	contexts   = map[*cobra.Command]context.Context{}
)

// envReplacer maps flag names to environment variable names, so the flag
// "admin.api-key" is settable as ADMIN_API_KEY.
var envReplacer = strings.NewReplacer(".", "_", "-", "_")

// Bind registers the flags of config on cmd.
func Bind(cmd *cobra.Command, config interface{}) {
	cfgstruct.Bind(cmd.Flags(), config)
}

// Ctx returns the context installed for cmd by Exec. The cancel function
// is a no-op placeholder kept for call-site symmetry with WithCancel.
func Ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	contextMtx.Lock()
	defer contextMtx.Unlock()

	ctx, ok := contexts[cmd]
	if !ok {
		return context.Background(), func() {}
	}
	return ctx, func() {}
}

// Exec runs a root command with environment merging, logging and debug
// endpoints configured for every subcommand.
func Exec(cmd *cobra.Command) {
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	cmd.SilenceUsage = true
	wrapRunE(cmd)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func wrapRunE(cmd *cobra.Command) {
	if runE := cmd.RunE; runE != nil {
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			if err := mergeEnvironment(cmd); err != nil {
				return err
			}

			logger, err := NewLogger()
			if err != nil {
				return Error.Wrap(err)
			}
			defer func() { _ = logger.Sync() }()
			defer zap.ReplaceGlobals(logger)()
			defer zap.RedirectStdLog(logger)()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			contextMtx.Lock()
			contexts[cmd] = ctx
			contextMtx.Unlock()
			defer func() {
				contextMtx.Lock()
				delete(contexts, cmd)
				contextMtx.Unlock()
			}()

			if err := initDebug(logger, monkit.Default); err != nil {
				logger.Error("failed to start debug endpoints", zap.Error(err))
			}

			return runE(cmd, args)
		}
	}
	for _, child := range cmd.Commands() {
		wrapRunE(child)
	}
}

// mergeEnvironment applies environment variables and the optional config
// file to every flag the command line left unchanged. Precedence is
// flag > environment > config file > default.
func mergeEnvironment(cmd *cobra.Command) error {
	vip := viper.New()
	vip.SetEnvKeyReplacer(envReplacer)

	if cfgFlag := cmd.Flags().Lookup("config"); cfgFlag != nil && cfgFlag.Value.String() != "" {
		vip.SetConfigFile(cfgFlag.Value.String())
		if err := vip.ReadInConfig(); err != nil && !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Error.Wrap(err)
			}
		}
	}

	var failure error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || f.Name == "config" {
			return
		}
		if err := vip.BindEnv(f.Name); err != nil {
			failure = errs.Combine(failure, err)
			return
		}
		if !vip.IsSet(f.Name) {
			return
		}
		if err := f.Value.Set(vip.GetString(f.Name)); err != nil {
			failure = errs.Combine(failure, Error.New("invalid value for %s: %v", f.Name, err))
		}
	})
	return failure
}
