// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package app implements the coordinator command line: the run
// subcommand boots the server, the rest are thin clients of its REST
// API.
package app

import (
	goerrors "errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skysar/fleet-coordinator/pkg/config"
)

// defaultConfPath is searched after the working directory when no
// config path is given on the command line.
const defaultConfPath = "/etc/skysar"

var (
	// CoordinatorCmd is the root command.
	CoordinatorCmd = &cobra.Command{
		Use:   "coordinator [command]",
		Short: "SkySAR fleet coordinator at your service.",
		Long: `
The SkySAR fleet coordinator tasks search-and-rescue drones, follows their
telemetry through missions and fans events out to operator consoles. It
serves the REST and WebSocket APIs that the other subcommands talk to.`,
		SilenceUsage: true,
	}

	confPath    string
	flagNoColor bool
)

func init() {
	CoordinatorCmd.PersistentFlags().StringVarP(&confPath, "cfgpath", "c", "", "path to the folder containing coordinator.yaml")
	CoordinatorCmd.PersistentFlags().BoolVarP(&flagNoColor, "no-color", "n", false, "disable color output")
}

// setupConfig resolves the config file search paths and loads the file.
// A missing file is fine, the defaults and SAR_ env variables cover
// every key; a file that exists but does not parse is not.
func setupConfig() error {
	if flagNoColor {
		color.NoColor = true
	}
	if confPath != "" {
		if strings.HasSuffix(confPath, ".yaml") || strings.HasSuffix(confPath, ".yml") {
			config.Coordinator.SetConfigFile(confPath)
		} else {
			config.Coordinator.AddConfigPath(confPath)
		}
	}
	config.Coordinator.AddConfigPath(".")
	config.Coordinator.AddConfigPath(defaultConfPath)

	if err := config.Load(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if goerrors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("unable to load coordinator configuration: %v", err)
	}
	return nil
}

// setupClientLogger configures logging for the client subcommands:
// silent unless SAR_LOG_LEVEL says otherwise, so command output stays
// parseable.
func setupClientLogger() {
	level := os.Getenv("SAR_LOG_LEVEL")
	if level == "" {
		level = "off"
	}
	if err := config.SetupLogger(level, "", true); err != nil {
		fmt.Printf("Cannot setup logger: %v\n", err)
	}
}
