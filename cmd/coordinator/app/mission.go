// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	yaml "gopkg.in/yaml.v2"

	"github.com/skysar/fleet-coordinator/pkg/errors"
	"github.com/skysar/fleet-coordinator/pkg/fleet"
	"github.com/skysar/fleet-coordinator/pkg/mission"
)

var (
	missionCmd = &cobra.Command{
		Use:   "mission [command]",
		Short: "Submit and control search missions",
		Long:  ``,
	}

	missionFilePath string
	abortReason     string
)

func init() {
	CoordinatorCmd.AddCommand(missionCmd)

	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a mission from a yaml file",
		RunE:  clientRunE(submitMissionFile),
	}
	submitCmd.Flags().StringVarP(&missionFilePath, "file", "f", "", "path to the mission yaml file")
	missionCmd.AddCommand(submitCmd)

	missionCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE:  clientRunE(listMissions),
	})
	missionCmd.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Show one mission in full",
		Args:  cobra.ExactArgs(1),
		RunE:  clientRunE1(showMission),
	})

	abortCmd := &cobra.Command{
		Use:   "abort ID",
		Short: "Abort a mission, returning its drones home",
		Args:  cobra.ExactArgs(1),
		RunE:  clientRunE1(abortMission),
	}
	abortCmd.Flags().StringVarP(&abortReason, "reason", "r", "", "why the mission is aborted")
	missionCmd.AddCommand(abortCmd)

	missionCmd.AddCommand(&cobra.Command{
		Use:   "pause ID",
		Short: "Pause a mission in place",
		Args:  cobra.ExactArgs(1),
		RunE:  clientRunE1(pauseMission),
	})
	missionCmd.AddCommand(&cobra.Command{
		Use:   "resume ID",
		Short: "Resume a paused mission",
		Args:  cobra.ExactArgs(1),
		RunE:  clientRunE1(resumeMission),
	})
}

// clientRunE wraps a no-argument client action with the shared config
// and logger setup.
func clientRunE(action func() error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := setupConfig(); err != nil {
			return err
		}
		setupClientLogger()
		return action()
	}
}

// clientRunE1 is clientRunE for actions taking the first positional
// argument.
func clientRunE1(action func(arg string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := setupConfig(); err != nil {
			return err
		}
		setupClientLogger()
		return action(args[0])
	}
}

// missionFile is the yaml shape of a mission spec. It converts to the
// API's JSON spec; yaml.v2 does not read json tags.
type missionFile struct {
	ID                   string                           `yaml:"id"`
	Name                 string                           `yaml:"name"`
	DroneIDs             []string                         `yaml:"drone_ids"`
	Sharing              string                           `yaml:"sharing"`
	Waypoints            []missionFileWaypoint            `yaml:"waypoints"`
	PartitionedWaypoints map[string][]missionFileWaypoint `yaml:"partitioned_waypoints"`
	Params               missionFileParams                `yaml:"params"`
}

type missionFileWaypoint struct {
	Lat  float64 `yaml:"lat"`
	Lon  float64 `yaml:"lon"`
	AltM float64 `yaml:"alt_m"`
}

type missionFileParams struct {
	SearchAltitudeM   float64 `yaml:"search_altitude_m"`
	CruiseSpeedMS     float64 `yaml:"cruise_speed_ms"`
	CruiseAltitudeM   float64 `yaml:"cruise_altitude_m"`
	PrepareTimeoutSec int     `yaml:"prepare_timeout_sec"`
	TakeoffTimeoutSec int     `yaml:"takeoff_timeout_sec"`
	TransitTimeoutSec int     `yaml:"transit_timeout_sec"`
	SearchTimeoutSec  int     `yaml:"search_timeout_sec"`
	ReturnTimeoutSec  int     `yaml:"return_timeout_sec"`
	LandTimeoutSec    int     `yaml:"land_timeout_sec"`

	LowBatteryPercent       float64 `yaml:"low_battery_percent"`
	CriticalBatteryPercent  float64 `yaml:"critical_battery_percent"`
	PreflightBatteryPercent float64 `yaml:"preflight_battery_percent"`
}

// spec converts the yaml shape into the API spec.
func (f missionFile) spec() mission.Spec {
	spec := mission.Spec{
		ID:       f.ID,
		Name:     f.Name,
		DroneIDs: f.DroneIDs,
		Sharing:  mission.SharingMode(f.Sharing),
		Params: mission.Parameters{
			SearchAltitudeM:         f.Params.SearchAltitudeM,
			CruiseSpeedMS:           f.Params.CruiseSpeedMS,
			CruiseAltitudeM:         f.Params.CruiseAltitudeM,
			PrepareTimeoutSec:       f.Params.PrepareTimeoutSec,
			TakeoffTimeoutSec:       f.Params.TakeoffTimeoutSec,
			TransitTimeoutSec:       f.Params.TransitTimeoutSec,
			SearchTimeoutSec:        f.Params.SearchTimeoutSec,
			ReturnTimeoutSec:        f.Params.ReturnTimeoutSec,
			LandTimeoutSec:          f.Params.LandTimeoutSec,
			LowBatteryPercent:       f.Params.LowBatteryPercent,
			CriticalBatteryPercent:  f.Params.CriticalBatteryPercent,
			PreflightBatteryPercent: f.Params.PreflightBatteryPercent,
		},
	}
	for _, w := range f.Waypoints {
		spec.Waypoints = append(spec.Waypoints, fleet.Position{Lat: w.Lat, Lon: w.Lon, AltM: w.AltM})
	}
	if len(f.PartitionedWaypoints) > 0 {
		spec.PartitionedWaypoints = make(map[string][]fleet.Position, len(f.PartitionedWaypoints))
		for id, wps := range f.PartitionedWaypoints {
			for _, w := range wps {
				spec.PartitionedWaypoints[id] = append(spec.PartitionedWaypoints[id],
					fleet.Position{Lat: w.Lat, Lon: w.Lon, AltM: w.AltM})
			}
		}
	}
	return spec
}

func submitMissionFile() error {
	if missionFilePath == "" {
		return errors.NewValidation("mission submit needs -f with a mission yaml file")
	}
	raw, err := os.ReadFile(missionFilePath)
	if err != nil {
		return errors.NewValidation("cannot read mission file: %v", err)
	}
	var file missionFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return errors.NewValidation("cannot parse mission file: %v", err)
	}

	body, err := doPost(getClient(), coordinatorURL()+"/api/v1/missions", file.spec())
	if err != nil {
		return err
	}
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return err
	}
	var detail struct {
		MissionID string `json:"mission_id"`
	}
	json.Unmarshal(resp.Detail, &detail) //nolint:errcheck
	fmt.Printf("Mission %s submitted\n", detail.MissionID)
	return nil
}

func listMissions() error {
	body, err := doGet(getClient(), coordinatorURL()+"/api/v1/missions")
	if err != nil {
		return err
	}
	var states []mission.State
	if err := json.Unmarshal(body, &states); err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("No missions")
		return nil
	}
	sort.Slice(states, func(i, j int) bool { return states[i].StartedAt.Before(states[j].StartedAt) })

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPHASE\tPROGRESS\tDRONES")
	for _, st := range states {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%\t%d\n",
			st.ID, st.Name, st.Status, st.Phase, st.Progress*100, len(st.Drones))
	}
	return w.Flush()
}

func showMission(id string) error {
	body, err := doGet(getClient(), coordinatorURL()+"/api/v1/missions/"+id)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	json.Indent(&pretty, body, "", "  ") //nolint:errcheck
	fmt.Println(pretty.String())
	return nil
}

func abortMission(id string) error {
	payload := map[string]string{"reason": abortReason}
	if _, err := doPost(getClient(), coordinatorURL()+"/api/v1/missions/"+id+"/abort", payload); err != nil {
		return err
	}
	fmt.Printf("Mission %s abort requested\n", id)
	return nil
}

func pauseMission(id string) error {
	if _, err := doPost(getClient(), coordinatorURL()+"/api/v1/missions/"+id+"/pause", nil); err != nil {
		return err
	}
	fmt.Printf("Mission %s paused\n", id)
	return nil
}

func resumeMission(id string) error {
	if _, err := doPost(getClient(), coordinatorURL()+"/api/v1/missions/"+id+"/resume", nil); err != nil {
		return err
	}
	fmt.Printf("Mission %s resumed\n", id)
	return nil
}
