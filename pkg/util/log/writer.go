// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package log

import "strings"

// Writer is an io.Writer adapter so stdlib components that want a
// *log.Logger (the http.Server error log) feed the coordinator logger.
type Writer struct {
	logFunc func(format string, params ...interface{}) error
}

// NewErrorWriter returns a Writer logging at error level.
func NewErrorWriter() *Writer {
	return &Writer{logFunc: Errorf}
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	w.logFunc("%s", strings.TrimSpace(string(p)))
	return len(p), nil
}
