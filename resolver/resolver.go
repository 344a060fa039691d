/*
 *
 * Copyright 2017 gRPC authors.
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

// Package resolver defines the pluggable name resolution framework: the
// Resolver/Builder contract, the Target grammar, and the Address and Result
// value types a resolver produces.
//
// All APIs in this package are experimental.
package resolver

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/grpclbcore/grpclbcore/attributes"
	"github.com/grpclbcore/grpclbcore/internal/grpclog"
)

var (
	mu            sync.Mutex
	m             = make(map[string]Builder)
	defaultScheme = "passthrough"
)

// Register registers the resolver builder under its Scheme(). If multiple
// builders register under the same scheme, the last one registered wins.
// Like grpc-go's own resolver.Register, this is meant to be called during
// initialization (e.g. from an init func); the registry is guarded by a
// mutex shared with Get.
func Register(b Builder) {
	mu.Lock()
	defer mu.Unlock()
	m[b.Scheme()] = b
}

// Get returns the resolver builder registered for scheme, or nil.
func Get(scheme string) Builder {
	mu.Lock()
	defer mu.Unlock()
	return m[scheme]
}

// UnregisterForTesting removes the builder registered for scheme. Test-only.
func UnregisterForTesting(scheme string) {
	mu.Lock()
	defer mu.Unlock()
	delete(m, scheme)
}

// SetDefaultScheme overrides the scheme used when a target string doesn't
// name one. The default is "passthrough".
func SetDefaultScheme(scheme string) {
	mu.Lock()
	defer mu.Unlock()
	defaultScheme = scheme
}

// GetDefaultScheme returns the scheme used when a target string doesn't name
// one.
func GetDefaultScheme() string {
	mu.Lock()
	defer mu.Unlock()
	return defaultScheme
}

// Address is an immutable endpoint value: a host:port pair plus an
// open-ended attribute map intended for consumption by the load balancing
// policy. Two Addresses compare structurally equal via Equal, independent of
// map iteration order (attribute comparison is via attributes.Equal).
type Address struct {
	// Addr is the server address a connection will be established to, e.g.
	// "127.0.0.1:50051".
	Addr string
	// ServerName, if non-empty, overrides the hostname used for transport
	// authority/certificate verification.
	ServerName string
	// Attributes carries arbitrary balancer-facing data about this address.
	// A nil Attributes is treated as attributes.Empty.
	Attributes *attributes.Attributes
}

// Equal reports whether a and o describe the same endpoint: same Addr, same
// ServerName, and attribute-equal.
func (a Address) Equal(o Address) bool {
	return a.Addr == o.Addr && a.ServerName == o.ServerName && attributes.Equal(a.Attributes, o.Attributes)
}

func (a Address) String() string {
	return a.Addr
}

// Target is the parsed form of a dial target, per the grammar
// scheme:[//authority]/path[?query]. If the supplied target doesn't parse
// as that grammar, or names an unregistered scheme, Scheme falls back to
// GetDefaultScheme() and Endpoint holds the entire original string — the
// same fallback grpc-go itself implements.
type Target struct {
	Scheme    string
	Authority string
	Endpoint  string
}

func (t Target) String() string {
	return fmt.Sprintf("%s://%s/%s", t.Scheme, t.Authority, t.Endpoint)
}

// ParseTarget parses targetStr against the scheme:[//authority]/path[?query]
// grammar. If targetStr doesn't parse as that grammar, or names a scheme with
// no registered Builder, Scheme falls back to GetDefaultScheme() and Endpoint
// holds the entire original string — the same fallback grpc-go's own target
// parsing implements, so a bare "host:port" string (no scheme at all) parses
// without error under the default scheme. This module registers no
// "passthrough" builder, so such a target only resolves if a builder is
// registered under the default scheme (or SetDefaultScheme names one).
func ParseTarget(targetStr string) Target {
	u, err := url.Parse(targetStr)
	if err != nil || u.Scheme == "" || Get(u.Scheme) == nil {
		return Target{Scheme: GetDefaultScheme(), Endpoint: targetStr}
	}
	endpoint := strings.TrimPrefix(u.Path, "/")
	if u.RawQuery != "" {
		endpoint += "?" + u.RawQuery
	}
	return Target{Scheme: u.Scheme, Authority: u.Host, Endpoint: endpoint}
}

// BuildOptions carries additional, resolver-agnostic information for
// Builder.Build.
type BuildOptions struct {
	// DisableServiceConfig indicates the resolver should not attempt to
	// fetch or emit a service configuration.
	DisableServiceConfig bool
	// DefaultPort is used for addresses the resolver produces when the
	// target names no port of its own (used by the DNS resolver).
	DefaultPort string
	// Logger receives structured events; if nil, a package-default
	// component logger is used.
	Logger *grpclog.ComponentLogger
}

// ResolveNowOptions includes additional information for a Refresh hint. It
// is currently empty, mirroring grpc-go's resolver.ResolveNowOptions, which
// exists so new fields can be added without breaking the Resolver interface.
type ResolveNowOptions struct{}

// Listener receives results produced by a Resolver. It is the resolver's
// only upward channel: every Start precedes any call to its Listener.
type Listener func(Result)

// Resolver watches for updates on the target it was built for and invokes
// its Listener with each Result as it becomes available.
type Resolver interface {
	// Start begins resolution, invoking the configured Listener as results
	// arrive, possibly before Start returns (the static resolver delivers
	// from within Start). Calling Start twice on the same Resolver is a
	// programmer error.
	Start()
	// Refresh is a hint that the resolver should re-resolve. It may be
	// ignored, and concurrent calls may coalesce onto a single underlying
	// attempt. Calling Refresh before Start is a programmer error.
	Refresh()
	// Dispose releases all resources held by the resolver. No further
	// Listener calls are made after Dispose returns. Dispose is idempotent.
	Dispose()
}

// Builder creates a Resolver for a given Target.
type Builder interface {
	// Build creates a new resolver for the given target. listener is
	// invoked (possibly from another goroutine) with every Result the
	// resolver produces.
	Build(target Target, listener Listener, opts BuildOptions) (Resolver, error)
	// Scheme returns the URI scheme this builder handles.
	Scheme() string
}
