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

// Package glogger installs a github.com/golang/glog backed logger as the
// grpclog backend. Calling Install is the only way to opt into glog
// (importing the package alone installs nothing); the default backend
// otherwise writes to stderr via the standard library log package.
package glogger

import (
	"github.com/golang/glog"

	"github.com/grpclbcore/grpclbcore/internal/grpclog"
)

type glogLogger struct{}

// Install replaces the current grpclog backend with one that writes through
// glog, preserving glog's own verbosity/vmodule flags and log rotation.
func Install() {
	grpclog.SetLogger(&glogLogger{})
}

func (g *glogLogger) Info(args ...any)                    { glog.InfoDepth(1, args...) }
func (g *glogLogger) Infof(format string, args ...any)    { glog.Infof(format, args...) }
func (g *glogLogger) Warning(args ...any)                 { glog.WarningDepth(1, args...) }
func (g *glogLogger) Warningf(format string, args ...any) { glog.Warningf(format, args...) }
func (g *glogLogger) Error(args ...any)                   { glog.ErrorDepth(1, args...) }
func (g *glogLogger) Errorf(format string, args ...any)   { glog.Errorf(format, args...) }
