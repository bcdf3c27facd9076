// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package config

import (
	"fmt"
	"strings"

	seelog "github.com/cihub/seelog"

	"github.com/skysar/fleet-coordinator/pkg/util/log"
)

const logFileMaxSize = 10 * 1024 * 1024         // 10MB
const logDateFormat = "2006-01-02 15:04:05 MST" // see time.Format for format syntax

// SetupLogger builds the seelog logger from the config values and installs
// it as the package logger.
func SetupLogger(logLevel, logFile string, logToConsole bool) error {
	configTemplate := `<seelog minlevel="%s">
    <outputs formatid="common">`
	if logToConsole {
		configTemplate += `<console />`
	}
	if logFile != "" {
		configTemplate += fmt.Sprintf(`<rollingfile type="size" filename="%s" maxsize="%d" maxrolls="1" />`, logFile, logFileMaxSize)
	}
	configTemplate += fmt.Sprintf(`</outputs>
    <formats>
        <format id="common" format="%%Date(%s) | %%LEVEL | (%%RelFile:%%Line) | %%Msg%%n"/>
    </formats>
</seelog>`, logDateFormat)
	seelogConfig := fmt.Sprintf(configTemplate, strings.ToLower(logLevel))

	logger, err := seelog.LoggerFromConfigAsString(seelogConfig)
	if err != nil {
		return err
	}
	log.SetupCoordinatorLogger(logger, logLevel)
	return nil
}
