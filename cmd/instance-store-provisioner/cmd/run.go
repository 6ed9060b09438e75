// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// runCmd represents the run command.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Provision instance storage (default)",
	Long:  `Discovers instance store devices, assembles and mounts the pool, and redirects the configured directories.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runProvision(cmd.Context())
	},
}

func runProvision(ctx context.Context) error {
	result, err := newProvisioner().Run(ctx, logger)
	if err != nil {
		return err
	}

	logger.Info("finished", zap.Stringer("outcome", result.Outcome))

	return nil
}

func init() {
	rootCmd.AddCommand(runCmd)
}
