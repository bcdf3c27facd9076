// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package app

import (
	"fmt"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/skysar/fleet-coordinator/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version info",
	Long:  ``,
	Run: func(cmd *cobra.Command, args []string) {
		if flagNoColor {
			color.NoColor = true
		}
		fmt.Fprintln(
			color.Output,
			fmt.Sprintf("Coordinator %s - Commit: %s - Go version: %s",
				color.BlueString(version.CoordinatorVersion),
				color.GreenString(version.Commit),
				color.RedString(runtime.Version()),
			),
		)
	},
}

func init() {
	CoordinatorCmd.AddCommand(versionCmd)
}
