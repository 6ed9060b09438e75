// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmd implements the instance-store-provisioner commands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/siderolabs/instance-store-provisioner/internal/app/provisioner"
	"github.com/siderolabs/instance-store-provisioner/internal/pkg/fault"
	"github.com/siderolabs/instance-store-provisioner/pkg/constants"
	"github.com/siderolabs/instance-store-provisioner/pkg/logging"
)

var rootOptions struct {
	configPath string
	recordPath string
	mountPoint string
	lockPath   string
	unitDir    string
	fstabPath  string
	logLevel   string
	logFormat  string
}

// logger is set up once flags are parsed.
var logger *zap.Logger

// encoderOptions adapts log lines to where stderr goes.
func encoderOptions(format logging.Format, terminal, journald bool) []logging.EncoderOption {
	var opts []logging.EncoderOption

	if format == logging.FormatConsole && terminal {
		opts = append(opts, logging.WithColoredLevels())
	}

	// journald timestamps every line itself
	if journald {
		opts = append(opts, logging.WithoutTimestamp())
	}

	return opts
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "instance-store-provisioner",
	Short: "Back configured directories with local instance storage",
	Long: `Pools the ephemeral block devices attached to the instance, formats them,
and bind mounts directories of the pool over the configured target directories.

Without a subcommand, the provisioning run is performed.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		level, err := zapcore.ParseLevel(rootOptions.logLevel)
		if err != nil {
			return err
		}

		format, err := logging.ParseFormat(rootOptions.logFormat)
		if err != nil {
			return err
		}

		logger = logging.New(os.Stderr, level, format,
			encoderOptions(format, isatty.IsTerminal(os.Stderr.Fd()), os.Getenv("JOURNAL_STREAM") != "")...,
		)

		return nil
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runProvision(cmd.Context())
	},
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)

	if logger == nil {
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}

		return fault.ExitCode(err)
	}

	defer logger.Sync() //nolint:errcheck

	if err != nil {
		logger.Error("instance-store-provisioner failed", zap.String("kind", fault.Kind(err)), zap.Error(err))
	}

	return fault.ExitCode(err)
}

func newProvisioner() *provisioner.Provisioner {
	return provisioner.New(
		provisioner.WithConfigPath(rootOptions.configPath),
		provisioner.WithRecordPath(rootOptions.recordPath),
		provisioner.WithMountPoint(rootOptions.mountPoint),
		provisioner.WithLockPath(rootOptions.lockPath),
		provisioner.WithUnitDirectory(rootOptions.unitDir),
		provisioner.WithFstabPath(rootOptions.fstabPath),
	)
}

func init() {
	flags := rootCmd.PersistentFlags()

	flags.StringVar(&rootOptions.configPath, "config", constants.ConfigPath, "path to the configuration file")
	flags.StringVar(&rootOptions.recordPath, "record", constants.RecordPath, "path to the provisioning record")
	flags.StringVar(&rootOptions.mountPoint, "mountpoint", constants.PoolMountPoint, "mountpoint of the storage pool")
	flags.StringVar(&rootOptions.lockPath, "lock", constants.LockPath, "path to the lock file")
	flags.StringVar(&rootOptions.unitDir, "unit-dir", constants.SystemdUnitDirectory, "directory receiving systemd mount units")
	flags.StringVar(&rootOptions.fstabPath, "fstab", constants.FstabPath, "fstab file used with fstab persistence")
	flags.StringVar(&rootOptions.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&rootOptions.logFormat, "log-format", string(logging.FormatJSON), "log format (json, console)")
}
