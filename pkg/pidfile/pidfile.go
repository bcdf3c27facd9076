// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package pidfile writes the coordinator pid to disk so init systems
// and operators can find the running process.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// WritePID writes the current PID to the given path. It refuses to
// overwrite a pidfile that belongs to a live process and creates the
// parent directories when missing.
func WritePID(pidFilePath string) error {
	if content, err := os.ReadFile(pidFilePath); err == nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(content)))
		if convErr == nil && isProcess(pid) {
			return fmt.Errorf("pidfile %s already exists for running process %d", pidFilePath, pid)
		}
	}

	if err := os.MkdirAll(filepath.Dir(pidFilePath), os.FileMode(0755)); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0644)
}
