// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package main

import (
	"os"

	"github.com/skysar/fleet-coordinator/cmd/coordinator/app"
	"github.com/skysar/fleet-coordinator/pkg/errors"
)

func main() {
	// Client subcommands surface the API's error taxonomy as exit
	// codes: 1 validation or unknown id, 2 conflict, 3 timeout,
	// 4 everything else.
	if err := app.CoordinatorCmd.Execute(); err != nil {
		os.Exit(errors.ExitCode(err))
	}
}
