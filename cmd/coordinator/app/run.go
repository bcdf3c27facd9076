// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skysar/fleet-coordinator/pkg/config"
	"github.com/skysar/fleet-coordinator/pkg/pidfile"
	"github.com/skysar/fleet-coordinator/pkg/status/health"
	"github.com/skysar/fleet-coordinator/pkg/supervisor"
	"github.com/skysar/fleet-coordinator/pkg/util/log"
	"github.com/skysar/fleet-coordinator/pkg/version"
)

var (
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the coordinator",
		Long:  `Runs the fleet coordinator in the foreground`,
		RunE:  run,
	}

	pidfilePath string
	simulate    bool
)

func init() {
	CoordinatorCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVarP(&simulate, "simulate", "s", false, "fly a simulated fleet instead of the dronelink gateway")
	runCmd.Flags().StringVarP(&pidfilePath, "pidfile", "p", "", "path to the pidfile")
}

func run(cmd *cobra.Command, args []string) error {
	if err := setupConfig(); err != nil {
		return err
	}

	err := config.SetupLogger(
		config.Coordinator.GetString("log_level"),
		config.Coordinator.GetString("log_file"),
		config.Coordinator.GetBool("log_to_console"),
	)
	if err != nil {
		fmt.Printf("Cannot setup logger, exiting: %v\n", err)
		return err
	}
	defer log.Flush()

	if pidfilePath != "" {
		if err := pidfile.WritePID(pidfilePath); err != nil {
			return log.Errorf("could not write pidfile: %v", err)
		}
		log.Infof("pid %d written to %q", os.Getpid(), pidfilePath)
		defer os.Remove(pidfilePath) //nolint:errcheck
	}

	log.Infof("starting fleet coordinator %s (commit %s)", version.CoordinatorVersion, version.Commit)

	sup, err := supervisor.New(supervisor.Options{Simulate: simulate})
	if err != nil {
		return log.Errorf("unable to build the coordinator: %v", err)
	}
	if err := sup.Start(); err != nil {
		return log.Errorf("unable to start the coordinator: %v", err)
	}

	// Block here until we receive a stop signal.
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	sig := <-signalCh
	log.Infof("received signal %q, shutting down", sig)

	if st := health.GetStatus(); len(st.Unhealthy) > 0 {
		log.Warnf("subsystems unhealthy at shutdown: %v", st.Unhealthy)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.Coordinator.GetDuration("shutdown_timeout"))
	defer cancel()
	sup.Stop(ctx)
	return nil
}
