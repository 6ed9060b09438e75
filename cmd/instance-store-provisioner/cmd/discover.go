// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/discovery"
)

// discoverCmd represents the discover command.
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List block devices and whether they can back the pool",
	Long:  `Enumerates and classifies block devices without changing anything.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		result, platformName, err := newProvisioner().Discover(cmd.Context(), logger)
		if err != nil {
			return err
		}

		return printDevices(cmd.OutOrStdout(), platformName, result)
	},
}

func printDevices(out io.Writer, platformName string, result *discovery.Result) error {
	fmt.Fprintf(out, "platform: %s\n\n", platformName)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)

	fmt.Fprintln(w, "DEVICE\tSIZE\tMODEL\tSERIAL\tOUTCOME\tREASON")

	for _, dev := range result.Devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			dev.Path,
			humanize.IBytes(dev.Size),
			orDash(dev.Model),
			orDash(dev.Serial),
			dev.Classification.Outcome,
			orDash(dev.Classification.Reason),
		)
	}

	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%d eligible, %s total\n", len(result.Eligible), humanize.IBytes(result.Eligible.TotalSize()))

	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

func init() {
	rootCmd.AddCommand(discoverCmd)
}
