// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

//go:build !windows

package pidfile

import "syscall"

// isProcess checks whether a process with the given pid is alive.
// Signal 0 performs the existence check without sending anything.
func isProcess(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}
