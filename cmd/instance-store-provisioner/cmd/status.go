// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// statusCmd represents the status command.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the provisioning record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rec, err := newProvisioner().Status()
		if err != nil {
			return err
		}

		if rec == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "not provisioned")

			return nil
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)

		if err = enc.Encode(rec); err != nil {
			return err
		}

		return enc.Close()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
