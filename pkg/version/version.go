// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package version holds the build identity of the coordinator binary.
package version

import "fmt"

// CoordinatorVersion contains the version of the coordinator. It is
// populated at build time using -ldflags.
var CoordinatorVersion string

// Commit is populated with the short commit hash from which the
// coordinator was built.
var Commit string

var coordinatorVersionDefault = "0.9.0"

func init() {
	if CoordinatorVersion == "" {
		CoordinatorVersion = coordinatorVersionDefault
	}
}

// Full returns the version with the commit hash appended when known.
func Full() string {
	if Commit == "" {
		return CoordinatorVersion
	}
	return fmt.Sprintf("%s (commit %s)", CoordinatorVersion, Commit)
}
