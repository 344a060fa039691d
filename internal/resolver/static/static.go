/*
 *
 * Copyright 2018 gRPC authors.
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

// Package static implements two resolvers backed by a fixed, externally
// supplied address list: a registered "static" scheme builder for
// in-process tests and examples, and a Manual resolver handle (mirroring
// grpc-go's internal manual resolver) that lets a test script push new
// Results at arbitrary times.
package static

import (
	"sync"

	"github.com/grpclbcore/grpclbcore/resolver"
)

// Name is the URI scheme the builder registers under.
const Name = "static"

func init() {
	resolver.Register(&builder{})
}

// builder produces resolvers that emit a single, fixed Result on Start and
// re-emit that same Result on each Refresh (there's nothing to re-resolve).
// The address list is keyed by the target's Endpoint via Register; tests
// typically prefer Manual instead, since it lets them push new Results at
// any time.
type builder struct {
	mu        sync.Mutex
	endpoints map[string]resolver.Result
}

func (b *builder) Scheme() string { return Name }

// Register associates a fixed Result with an endpoint string, so a later
// Build(Target{Scheme: "static", Endpoint: endpoint}, ...) replays it.
func (b *builder) Register(endpoint string, result resolver.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.endpoints == nil {
		b.endpoints = make(map[string]resolver.Result)
	}
	b.endpoints[endpoint] = result
}

func (b *builder) Build(target resolver.Target, listener resolver.Listener, _ resolver.BuildOptions) (resolver.Resolver, error) {
	b.mu.Lock()
	result, ok := b.endpoints[target.Endpoint]
	b.mu.Unlock()
	if !ok {
		result = resolver.Success(nil, nil, nil, nil)
	}
	return &staticResolver{result: result, listener: listener}, nil
}

// Register associates a fixed Result with an endpoint on the package-wide
// "static" scheme builder, for use as static:///<endpoint> targets in tests
// and examples.
func Register(endpoint string, result resolver.Result) {
	resolver.Get(Name).(*builder).Register(endpoint, result)
}

type staticResolver struct {
	result   resolver.Result
	listener resolver.Listener
}

// Start delivers the fixed Result exactly once. Per the documented
// resolution of the "does a resolver with nothing new to say emit on
// Start" open question, a static, never-changing source always emits: a
// Listener that has received nothing yet cannot distinguish "no addresses"
// from "haven't looked yet".
func (r *staticResolver) Start() {
	r.listener(r.result)
}

func (r *staticResolver) Refresh() {
	r.listener(r.result)
}

func (r *staticResolver) Dispose() {}

// Manual is a resolver.Builder/Resolver combination a test drives directly:
// it pushes new Results at will via UpdateState, rather than reacting to
// Refresh. This mirrors grpc-go's internal/resolver/manual package, which
// exists for exactly this purpose — deterministic, synchronous control over
// what a balancer under test sees.
type Manual struct {
	scheme string

	mu       sync.Mutex
	listener resolver.Listener
	built    bool

	// ResolveNowCallback, if set, is invoked synchronously from Refresh.
	ResolveNowCallback func()
}

// NewManual returns a Manual resolver builder registered under scheme (the
// caller picks a scheme unlikely to collide with a real one, e.g.
// "manual-test-1").
func NewManual(scheme string) *Manual {
	return &Manual{scheme: scheme}
}

func (m *Manual) Scheme() string { return m.scheme }

func (m *Manual) Build(_ resolver.Target, listener resolver.Listener, _ resolver.BuildOptions) (resolver.Resolver, error) {
	m.mu.Lock()
	m.listener = listener
	m.built = true
	m.mu.Unlock()
	return m, nil
}

// UpdateState delivers result to whatever Listener is currently attached. It
// is a no-op, not an error, if no resolver has been built yet (a test
// pushing state before the channel is wired up loses that update, same as
// grpc-go's manual resolver).
func (m *Manual) UpdateState(result resolver.Result) {
	m.mu.Lock()
	listener := m.listener
	m.mu.Unlock()
	if listener != nil {
		listener(result)
	}
}

func (m *Manual) Start() {}

func (m *Manual) Refresh() {
	m.mu.Lock()
	cb := m.ResolveNowCallback
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (m *Manual) Dispose() {
	m.mu.Lock()
	m.listener = nil
	m.mu.Unlock()
}
