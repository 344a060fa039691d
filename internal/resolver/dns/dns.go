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

// Package dns implements the "dns" resolver scheme: dns:///host[:port] (a
// non-empty authority is rejected by Build), resolving the host via the
// standard net.Resolver on Start and on each Refresh and surfacing the
// A/AAAA records as addresses.
package dns

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/grpclbcore/grpclbcore/backoff"
	"github.com/grpclbcore/grpclbcore/internal/grpclog"
	"github.com/grpclbcore/grpclbcore/internal/resolver/polling"
	"github.com/grpclbcore/grpclbcore/resolver"
	"github.com/grpclbcore/grpclbcore/status"
	"google.golang.org/grpc/codes"
)

// Name is the URI scheme this resolver registers under.
const Name = "dns"

// minDNSResRate is the floor on how often re-resolution is allowed, matching
// grpc-go's own DNS resolver: DNS lookups are not free, and most nameservers
// cache records for at least this long anyway.
const minDNSResRate = 15 * time.Second

func init() {
	resolver.Register(&dnsBuilder{})
}

var logger = grpclog.Component("resolver.dns")

// NetResolver is satisfied by *net.Resolver; narrowed here so the DNS
// resolver can be driven by a fake in tests.
type NetResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// netResolverFactory lets tests install a fake NetResolver without touching
// package-level state directly.
var netResolverFactory = func() NetResolver { return net.DefaultResolver }

type dnsBuilder struct{}

func (dnsBuilder) Scheme() string { return Name }

func (dnsBuilder) Build(target resolver.Target, listener resolver.Listener, opts resolver.BuildOptions) (resolver.Resolver, error) {
	if target.Authority != "" {
		return nil, fmt.Errorf("dns resolver: non-empty authority %q is not supported", target.Authority)
	}
	if target.Endpoint == "" {
		return nil, fmt.Errorf("dns resolver: target endpoint must not be empty")
	}

	host, port, err := parseHostPort(target.Endpoint, opts.DefaultPort)
	if err != nil {
		return nil, err
	}

	l := opts.Logger
	if l == nil {
		l = logger
	}

	d := &dnsResolver{
		host:   host,
		port:   port,
		net:    netResolverFactory(),
		logger: l,
	}
	d.poller = polling.New(listener, d.resolveOnce, func() backoff.Policy { return backoff.Create() }, l)
	return d, nil
}

// parseHostPort splits endpoint into host and port, using defaultPort when
// endpoint names no port of its own. A literal IPv6 address must be bracketed
// the usual Go way ([::1]:50051 or bare [::1]).
func parseHostPort(endpoint, defaultPort string) (string, string, error) {
	host, port, err := net.SplitHostPort(endpoint)
	if err == nil {
		return host, port, nil
	}
	// No port present at all.
	if defaultPort == "" {
		return "", "", fmt.Errorf("dns resolver: target %q has no port and no default port was configured", endpoint)
	}
	if n := len(endpoint); n > 1 && endpoint[0] == '[' && endpoint[n-1] == ']' {
		endpoint = endpoint[1 : n-1]
	}
	return endpoint, defaultPort, nil
}

type dnsResolver struct {
	host, port string
	net        NetResolver
	logger     *grpclog.ComponentLogger
	poller     *polling.Resolver

	// refreshTicker and tickerDone are stopped and closed by Dispose when
	// set. Build never sets them and no option configures a refresh
	// interval, so there is no periodic re-resolution: a new lookup happens
	// only on Refresh or on the polling helper's backoff retries.
	refreshTicker *time.Ticker
	tickerDone    chan struct{}
}

func (d *dnsResolver) Start() {
	d.poller.Start()
}

func (d *dnsResolver) Refresh() {
	d.poller.Refresh()
}

func (d *dnsResolver) Dispose() {
	d.poller.Dispose()
	if d.refreshTicker != nil {
		d.refreshTicker.Stop()
		close(d.tickerDone)
	}
}

// resolveOnce performs a single lookup attempt, honoring minDNSResRate by
// sleeping out any remainder before returning control to the polling helper
// (which is the one place retry/backoff timing lives).
func (d *dnsResolver) resolveOnce(ctx context.Context, deliver func(resolver.Result)) error {
	start := time.Now()
	addrs, err := d.net.LookupHost(ctx, d.host)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		deliver(resolver.Failure(status.Newf(codes.Unavailable, "dns: lookup of %q failed", d.host).WithCause(err)))
		return waitOutMinRate(ctx, start)
	}
	if len(addrs) == 0 {
		deliver(resolver.Failure(status.Newf(codes.Unavailable, "dns: lookup of %q returned no records", d.host)))
		return waitOutMinRate(ctx, start)
	}

	result := make([]resolver.Address, 0, len(addrs))
	for _, a := range addrs {
		result = append(result, resolver.Address{Addr: net.JoinHostPort(a, d.port)})
	}
	deliver(resolver.Success(result, nil, nil, nil))
	return waitOutMinRate(ctx, start)
}

// waitOutMinRate blocks until minDNSResRate has elapsed since start, or ctx
// is canceled, whichever comes first. It always returns nil unless canceled,
// since by the time it runs the lookup itself already succeeded or failed.
func waitOutMinRate(ctx context.Context, start time.Time) error {
	remaining := minDNSResRate - time.Since(start)
	if remaining <= 0 {
		return nil
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
