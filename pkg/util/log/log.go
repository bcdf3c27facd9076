// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

// Package log implements the coordinator's leveled logging on top of
// seelog. Log calls issued before SetupCoordinatorLogger are buffered
// and flushed once the logger exists.
package log

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *CoordinatorLogger

	// This buffer holds log lines sent to the logger before its
	// initialization. Loading the config and resolving the log file
	// location happen first, so early lines land here.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex
	defaultStackDepth    = 3
)

// CoordinatorLogger wraps a seelog logger behind a level gate.
type CoordinatorLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	l     sync.RWMutex
}

// SetupCoordinatorLogger configures the logger singleton with a seelog interface.
func SetupCoordinatorLogger(l seelog.LoggerInterface, level string) {
	logger = &CoordinatorLogger{
		inner: l,
	}

	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}
	logger.level = lvl

	// Callers go through the exported package functions, which adds two
	// frames between the original call site and the seelog invocation.
	logger.inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck

	bufferMutex.Lock()
	bufferLogsBeforeInit = false
	defer bufferMutex.Unlock()
	for _, logLine := range logsBuffer {
		logLine()
	}
	logsBuffer = []func(){}
}

func addLogToBuffer(logHandle func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()

	logsBuffer = append(logsBuffer, logHandle)
}

func (sw *CoordinatorLogger) replaceInnerLogger(l seelog.LoggerInterface) seelog.LoggerInterface {
	sw.l.Lock()
	defer sw.l.Unlock()

	old := sw.inner
	sw.inner = l

	return old
}

func (sw *CoordinatorLogger) changeLogLevel(level string) error {
	sw.l.Lock()
	defer sw.l.Unlock()

	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return errors.New("bad log level")
	}
	sw.level = lvl
	return nil
}

func (sw *CoordinatorLogger) shouldLog(level seelog.LogLevel) bool {
	sw.l.RLock()
	shouldLog := level >= sw.level
	sw.l.RUnlock()

	return shouldLog
}

func (sw *CoordinatorLogger) trace(s string) {
	sw.l.Lock()
	defer sw.l.Unlock()
	sw.inner.Trace(s)
}

func (sw *CoordinatorLogger) debug(s string) {
	sw.l.Lock()
	defer sw.l.Unlock()
	sw.inner.Debug(s)
}

func (sw *CoordinatorLogger) info(s string) {
	sw.l.Lock()
	defer sw.l.Unlock()
	sw.inner.Info(s)
}

func (sw *CoordinatorLogger) warn(s string) error {
	sw.l.Lock()
	defer sw.l.Unlock()
	return sw.inner.Warn(s)
}

func (sw *CoordinatorLogger) error(s string) error {
	sw.l.Lock()
	defer sw.l.Unlock()
	return sw.inner.Error(s)
}

func (sw *CoordinatorLogger) critical(s string) error {
	sw.l.Lock()
	defer sw.l.Unlock()
	return sw.inner.Critical(s)
}

func (sw *CoordinatorLogger) flush() {
	sw.l.Lock()
	defer sw.l.Unlock()
	sw.inner.Flush()
}

// Trace logs at the trace level.
func Trace(v ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.TraceLvl) {
		logger.trace(fmt.Sprint(v...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Trace(v...) })
	}
}

// Tracef logs with format at the trace level.
func Tracef(format string, params ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.TraceLvl) {
		logger.trace(fmt.Sprintf(format, params...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Tracef(format, params...) })
	}
}

// Debug logs at the debug level.
func Debug(v ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.DebugLvl) {
		logger.debug(fmt.Sprint(v...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Debug(v...) })
	}
}

// Debugf logs with format at the debug level.
func Debugf(format string, params ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.DebugLvl) {
		logger.debug(fmt.Sprintf(format, params...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Debugf(format, params...) })
	}
}

// Info logs at the info level.
func Info(v ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.InfoLvl) {
		logger.info(fmt.Sprint(v...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Info(v...) })
	}
}

// Infof logs with format at the info level.
func Infof(format string, params ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.InfoLvl) {
		logger.info(fmt.Sprintf(format, params...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Infof(format, params...) })
	}
}

// Warn logs at the warn level and returns an error containing the formated log message.
func Warn(v ...interface{}) error {
	msg := fmt.Sprint(v...)
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.WarnLvl) {
		return logger.warn(msg)
	}
	if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Warn(v...) }) //nolint:errcheck
	}
	return errors.New(msg)
}

// Warnf logs with format at the warn level and returns an error containing the formated log message.
func Warnf(format string, params ...interface{}) error {
	msg := fmt.Sprintf(format, params...)
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.WarnLvl) {
		return logger.warn(msg)
	}
	if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Warnf(format, params...) }) //nolint:errcheck
	}
	return errors.New(msg)
}

// Error logs at the error level and returns an error containing the formated log message.
func Error(v ...interface{}) error {
	msg := fmt.Sprint(v...)
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.ErrorLvl) {
		return logger.error(msg)
	}
	if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Error(v...) }) //nolint:errcheck
	}
	return errors.New(msg)
}

// Errorf logs with format at the error level and returns an error containing the formated log message.
func Errorf(format string, params ...interface{}) error {
	msg := fmt.Sprintf(format, params...)
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.ErrorLvl) {
		return logger.error(msg)
	}
	if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Errorf(format, params...) }) //nolint:errcheck
	}
	return errors.New(msg)
}

// Critical logs at the critical level and returns an error containing the formated log message.
func Critical(v ...interface{}) error {
	msg := fmt.Sprint(v...)
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.CriticalLvl) {
		return logger.critical(msg)
	}
	if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Critical(v...) }) //nolint:errcheck
	}
	return errors.New(msg)
}

// Criticalf logs with format at the critical level and returns an error containing the formated log message.
func Criticalf(format string, params ...interface{}) error {
	msg := fmt.Sprintf(format, params...)
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.CriticalLvl) {
		return logger.critical(msg)
	}
	if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(func() { Criticalf(format, params...) }) //nolint:errcheck
	}
	return errors.New(msg)
}

// Flush flushes the underlying inner log.
func Flush() {
	if logger != nil && logger.inner != nil {
		logger.flush()
	}
}

// ReplaceLogger allows replacing the internal logger, returns old logger.
func ReplaceLogger(l seelog.LoggerInterface) seelog.LoggerInterface {
	if logger != nil && logger.inner != nil {
		return logger.replaceInnerLogger(l)
	}
	return nil
}

// ChangeLogLevel changes the current log level, valid levels are trace, debug,
// info, warn, error, critical and off.
func ChangeLogLevel(l seelog.LoggerInterface, level string) error {
	if logger != nil && logger.inner != nil {
		err := logger.changeLogLevel(level)
		if err != nil {
			return err
		}
		// See detailed explanation in SetupCoordinatorLogger.
		err = l.SetAdditionalStackDepth(defaultStackDepth)
		if err != nil {
			return err
		}
		logger.replaceInnerLogger(l)
		return nil
	}
	return errors.New("cannot change loglevel: logger not initialized")
}

// GetLogLevel returns the current log level.
func GetLogLevel() (seelog.LogLevel, error) {
	if logger != nil && logger.inner != nil {
		logger.l.RLock()
		defer logger.l.RUnlock()
		return logger.level, nil
	}
	return seelog.InfoLvl, errors.New("cannot get loglevel: logger not initialized")
}
