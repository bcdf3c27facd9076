// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package app

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/skysar/fleet-coordinator/pkg/emergency"
	"github.com/skysar/fleet-coordinator/pkg/errors"
)

var (
	emergencyCmd = &cobra.Command{
		Use:   "emergency [command]",
		Short: "Fleet-wide emergency actions",
		Long:  ``,
	}

	emergencyReason   string
	emergencyOperator string
	emergencyTargets  []string
	emergencyConfirm  bool
)

func init() {
	CoordinatorCmd.AddCommand(emergencyCmd)

	for _, sub := range []struct {
		use, short, endpoint string
	}{
		{"stop-all", "Stop every drone in place (loiter)", "/api/v1/emergency/stop-all"},
		{"rtl", "Send every drone home", "/api/v1/emergency/rtl"},
		{"kill", "Disarm the whole fleet in flight", "/api/v1/emergency/kill"},
	} {
		endpoint := sub.endpoint
		kill := sub.use == "kill"
		c := &cobra.Command{
			Use:   sub.use,
			Short: sub.short,
			RunE: clientRunE(func() error {
				return submitEmergency(endpoint, kill)
			}),
		}
		c.Flags().StringVarP(&emergencyReason, "reason", "r", "", "why the action is taken")
		c.Flags().StringVarP(&emergencyOperator, "operator", "o", "", "operator id for the audit trail")
		if !kill {
			c.Flags().StringSliceVarP(&emergencyTargets, "targets", "t", nil, "limit the action to these drone ids")
		} else {
			c.Flags().BoolVar(&emergencyConfirm, "confirm", false, "confirm that dropping the fleet is intended")
		}
		emergencyCmd.AddCommand(c)
	}
}

func submitEmergency(endpoint string, kill bool) error {
	if kill && !emergencyConfirm {
		return errors.NewValidation("kill drops every drone where it flies; pass --confirm to proceed")
	}

	payload := map[string]interface{}{
		"reason":      emergencyReason,
		"operator_id": emergencyOperator,
	}
	if len(emergencyTargets) > 0 {
		payload["targets"] = emergencyTargets
	}
	if kill {
		payload["confirm"] = true
	}

	body, err := doPost(getClient(), coordinatorURL()+endpoint, payload)
	if err != nil {
		return err
	}
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return err
	}
	var outcome emergency.Outcome
	if err := json.Unmarshal(resp.Detail, &outcome); err != nil {
		return err
	}
	printOutcome(outcome)
	return nil
}

func printOutcome(o emergency.Outcome) {
	fmt.Fprintf(color.Output, "%s dispatched to %d drones in %dms\n", o.Kind, len(o.Targets), o.ElapsedMS)
	if len(o.Succeeded) > 0 {
		fmt.Fprintf(color.Output, "  %s: %v\n", color.GreenString("acknowledged"), o.Succeeded)
	}
	if len(o.Failed) > 0 {
		fmt.Fprintf(color.Output, "  %s: %v\n", color.RedString("failed"), o.Failed)
	}
	if len(o.Unreachable) > 0 {
		fmt.Fprintf(color.Output, "  %s: %v\n", color.YellowString("unreachable"), o.Unreachable)
	}
	if len(o.AbortedMissions) > 0 {
		fmt.Fprintf(color.Output, "  aborted missions: %v\n", o.AbortedMissions)
	}
}
