// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package app

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/skysar/fleet-coordinator/pkg/emergency"
)

var (
	jsonStatus      bool
	prettyPrintJSON bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current fleet status",
	Long:  ``,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setupConfig(); err != nil {
			return err
		}
		setupClientLogger()
		return requestStatus()
	},
}

func init() {
	CoordinatorCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVarP(&jsonStatus, "json", "j", false, "print out raw json")
	statusCmd.Flags().BoolVarP(&prettyPrintJSON, "pretty-json", "p", false, "pretty print JSON")
}

func requestStatus() error {
	c := getClient()
	body, err := doGet(c, coordinatorURL()+"/api/v1/emergency/status")
	if err != nil {
		return err
	}

	if prettyPrintJSON {
		var prettyJSON bytes.Buffer
		json.Indent(&prettyJSON, body, "", "  ") //nolint:errcheck
		fmt.Println(prettyJSON.String())
		return nil
	}
	if jsonStatus {
		fmt.Println(string(body))
		return nil
	}

	var summary emergency.StatusSummary
	if err := json.Unmarshal(body, &summary); err != nil {
		return err
	}
	printStatus(summary)
	return nil
}

func printStatus(s emergency.StatusSummary) {
	fmt.Fprintln(color.Output, color.New(color.Bold).Sprint("Fleet"))
	fmt.Fprintf(color.Output, "  Drones: %d total, %s online, %s degraded, %s offline\n",
		s.DronesTotal,
		color.GreenString("%d", s.DronesOnline),
		color.YellowString("%d", s.DronesDegraded),
		color.RedString("%d", s.DronesOffline),
	)
	fmt.Fprintf(color.Output, "  Active missions: %d\n", s.ActiveMissions)

	if s.LastOutcome == nil {
		fmt.Fprintln(color.Output, "  Last emergency: none")
		return
	}
	o := s.LastOutcome
	fmt.Fprintln(color.Output, color.New(color.Bold).Sprint("Last emergency"))
	fmt.Fprintf(color.Output, "  %s by %s at %s: %s\n", o.Kind, o.OperatorID, o.StartedAt.Format("2006-01-02 15:04:05 MST"), o.Reason)
	fmt.Fprintf(color.Output, "  Targets %d, succeeded %d, failed %d, unreachable %d\n",
		len(o.Targets), len(o.Succeeded), len(o.Failed), len(o.Unreachable))
}
