// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package app

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/skysar/fleet-coordinator/pkg/fleet"
)

// droneRow mirrors the API's drone list entries.
type droneRow struct {
	fleet.DroneRecord
	Telemetry *fleet.Telemetry `json:"telemetry,omitempty"`
}

var dronesCmd = &cobra.Command{
	Use:   "drones",
	Short: "List the registered drones",
	Long:  ``,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setupConfig(); err != nil {
			return err
		}
		setupClientLogger()
		return listDrones()
	},
}

func init() {
	CoordinatorCmd.AddCommand(dronesCmd)
}

func listDrones() error {
	c := getClient()
	body, err := doGet(c, coordinatorURL()+"/api/v1/drones")
	if err != nil {
		return err
	}

	var rows []droneRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No drones registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tBATTERY\tMISSION")
	for _, row := range rows {
		battery := "-"
		if row.Telemetry != nil {
			battery = fmt.Sprintf("%.0f%%", row.Telemetry.BatteryPercent)
		}
		missionID := row.MissionID
		if missionID == "" {
			missionID = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", row.ID, row.Name, row.Status, battery, missionID)
	}
	return w.Flush()
}
