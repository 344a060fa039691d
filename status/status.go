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

// Package status implements the Status value from the data model: a gRPC
// status code plus a human-readable detail and an optional wrapped cause,
// built directly on google.golang.org/grpc/status so the codes this package
// produces are wire-compatible with gRPC without another translation layer.
package status

import (
	"fmt"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// DropMetadataKey is the trailing metadata key a dispatched RPC error must
// carry when the pick result was a Drop, so retry logic can skip retry.
const DropMetadataKey = "grpc-internal-drop-request"

// Status is (code, detail, debugException?). A Status with code OK encodes
// success and should not normally be constructed directly; use OK.
type Status struct {
	code  codes.Code
	msg   string
	cause error
}

// OK is the canonical success status.
var OK = &Status{code: codes.OK}

// New returns a Status with the given code and detail message.
func New(code codes.Code, detail string) *Status {
	return &Status{code: code, msg: detail}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(code codes.Code, format string, a ...any) *Status {
	return New(code, fmt.Sprintf(format, a...))
}

// WithCause returns a copy of s carrying the given debug exception. It is
// typically the underlying error (a DNS lookup error, a dial error) that
// produced the status, retained for logging but not for wire transmission.
func (s *Status) WithCause(cause error) *Status {
	if s == nil {
		return nil
	}
	return &Status{code: s.code, msg: s.msg, cause: cause}
}

// Code returns the status code.
func (s *Status) Code() codes.Code {
	if s == nil {
		return codes.OK
	}
	return s.code
}

// Detail returns the human-readable detail message.
func (s *Status) Detail() string {
	if s == nil {
		return ""
	}
	return s.msg
}

// Cause returns the wrapped debug exception, if any.
func (s *Status) Cause() error {
	if s == nil {
		return nil
	}
	return s.cause
}

// OKStatus reports whether s has code OK.
func (s *Status) OKStatus() bool {
	return s.Code() == codes.OK
}

func (s *Status) String() string {
	if s == nil {
		return "<nil>"
	}
	if s.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", s.code, s.msg, s.cause)
	}
	return fmt.Sprintf("%s: %s", s.code, s.msg)
}

// Err returns a gRPC status error suitable for surfacing to RPC callers. A
// nil or OK status returns nil.
func (s *Status) Err() error {
	if s == nil || s.OKStatus() {
		return nil
	}
	return grpcstatus.New(s.code, s.msg).Err()
}

// FromError builds a Status from a plain error, defaulting to Unknown if err
// is not already a gRPC status error.
func FromError(err error) *Status {
	if err == nil {
		return OK
	}
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return New(codes.Unknown, err.Error()).WithCause(err)
	}
	return New(st.Code(), st.Message())
}
