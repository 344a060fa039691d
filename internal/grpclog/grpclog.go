/*
 *
 * Copyright 2024 grpclbcore authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package grpclog mirrors grpc-go's internal/grpclog.Component pattern: a
// small named-logger facade that every package in this module pulls its
// logger from, with a pluggable backend (see grpclog/glogger).
package grpclog

import (
	"fmt"
	"log"
	"os"
)

// Logger is the backend interface every log backend must satisfy.
// The default backend wraps the standard library log package; an optional
// glog-backed implementation lives in internal/grpclog/glogger.
type Logger interface {
	Info(args ...any)
	Infof(format string, args ...any)
	Warning(args ...any)
	Warningf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)
}

var logger Logger = &stdLogger{l: log.New(os.Stderr, "", log.LstdFlags)}

// SetLogger installs l as the backend for all component loggers. It is not
// safe to call concurrently with logging calls; intended for init-time
// wiring (e.g. selecting the glog backend).
func SetLogger(l Logger) {
	if l != nil {
		logger = l
	}
}

// ComponentLogger decorates every message with the owning component's name,
// e.g. "[resolver]".
type ComponentLogger struct {
	name string
}

// Component returns a logger tagged with the given component name.
func Component(name string) *ComponentLogger {
	return &ComponentLogger{name: name}
}

func (c *ComponentLogger) prefix(format string) string {
	return "[" + c.name + "] " + format
}

func (c *ComponentLogger) Info(args ...any) {
	logger.Info(append([]any{"[" + c.name + "]"}, args...)...)
}

func (c *ComponentLogger) Infof(format string, args ...any) {
	logger.Infof(c.prefix(format), args...)
}

func (c *ComponentLogger) Warning(args ...any) {
	logger.Warning(append([]any{"[" + c.name + "]"}, args...)...)
}

func (c *ComponentLogger) Warningf(format string, args ...any) {
	logger.Warningf(c.prefix(format), args...)
}

func (c *ComponentLogger) Error(args ...any) {
	logger.Error(append([]any{"[" + c.name + "]"}, args...)...)
}

func (c *ComponentLogger) Errorf(format string, args ...any) {
	logger.Errorf(c.prefix(format), args...)
}

// Event logs a structured event name plus key/value detail fields. Event
// names are part of the external contract (spec §6): tests match on them,
// so they must be passed through unmodified rather than templated.
func (c *ComponentLogger) Event(name string, kv ...any) {
	msg := name
	for i := 0; i+1 < len(kv); i += 2 {
		msg += fmt.Sprintf(" %v=%v", kv[i], kv[i+1])
	}
	logger.Info("[" + c.name + "] " + msg)
}

type stdLogger struct {
	l *log.Logger
}

func (s *stdLogger) Info(args ...any)                 { s.l.Print(append([]any{"INFO:"}, args...)...) }
func (s *stdLogger) Infof(format string, args ...any) { s.l.Printf("INFO: "+format, args...) }
func (s *stdLogger) Warning(args ...any) {
	s.l.Print(append([]any{"WARNING:"}, args...)...)
}
func (s *stdLogger) Warningf(format string, args ...any) { s.l.Printf("WARNING: "+format, args...) }
func (s *stdLogger) Error(args ...any)                   { s.l.Print(append([]any{"ERROR:"}, args...)...) }
func (s *stdLogger) Errorf(format string, args ...any)   { s.l.Printf("ERROR: "+format, args...) }
