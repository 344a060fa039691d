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

package connmanager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/grpclbcore/grpclbcore/attributes"
	"github.com/grpclbcore/grpclbcore/backoff"
	"github.com/grpclbcore/grpclbcore/internal/resolver/static"
	"github.com/grpclbcore/grpclbcore/resolver"
	"github.com/grpclbcore/grpclbcore/serviceconfig"
	"github.com/grpclbcore/grpclbcore/status"
	"github.com/grpclbcore/grpclbcore/subchannel"
)

// roundRobinConfig returns a RawServiceConfig selecting the round_robin
// policy, for use as a WithDefaultServiceConfig override in tests.
func roundRobinConfig() *serviceconfig.RawServiceConfig {
	return &serviceconfig.RawServiceConfig{
		LoadBalancingConfigs: []serviceconfig.RawLoadBalancingConfig{
			{PolicyName: "round_robin", Config: []byte(`{}`)},
		},
	}
}

var schemeCounter atomic.Int64

// newManualScheme registers a fresh Manual resolver under a scheme unique
// to this test run, so concurrent tests in this package never collide on
// the process-wide resolver registry.
func newManualScheme(t *testing.T) *static.Manual {
	t.Helper()
	scheme := fmt.Sprintf("cm-test-%d", schemeCounter.Add(1))
	m := static.NewManual(scheme)
	resolver.Register(m)
	t.Cleanup(func() { resolver.UnregisterForTesting(scheme) })
	return m
}

type scriptedTransport struct {
	mu   sync.Mutex
	fail map[string]bool
	cur  *resolver.Address
}

func (tr *scriptedTransport) TryConnect(ctx context.Context, addr resolver.Address) (subchannel.ConnectResult, error) {
	tr.mu.Lock()
	bad := tr.fail[addr.Addr]
	tr.mu.Unlock()
	if bad {
		return subchannel.ConnectFailure, nil
	}
	tr.mu.Lock()
	a := addr
	tr.cur = &a
	tr.mu.Unlock()
	return subchannel.ConnectSuccess, nil
}
func (tr *scriptedTransport) Disconnect() { tr.mu.Lock(); tr.cur = nil; tr.mu.Unlock() }
func (tr *scriptedTransport) CurrentEndPoint() (resolver.Address, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.cur == nil {
		return resolver.Address{}, false
	}
	return *tr.cur, true
}
func (tr *scriptedTransport) ConnectTimeout() (time.Duration, bool) { return 0, false }
func (tr *scriptedTransport) OnRequestComplete(context.Context)     {}

func fastBackoff() backoff.Config {
	return backoff.Config{
		BaseDelay:  2 * time.Millisecond,
		Multiplier: 1.2,
		Jitter:     0,
		MaxDelay:   10 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, m *static.Manual, fail map[string]bool, opts ...Option) *ChannelManager {
	t.Helper()
	factory := func() subchannel.Transport { return &scriptedTransport{fail: fail} }
	allOpts := append([]Option{
		WithTransportFactory(factory),
		WithBackoffConfig(fastBackoff()),
	}, opts...)
	cm, err := New(m.Scheme()+":///ignored", allOpts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(cm.Dispose)
	return cm
}

// S1 — static resolver + pick-first happy path.
func TestPickReachesReadyAddress(t *testing.T) {
	m := newManualScheme(t)
	cm := newTestManager(t, m, nil)

	m.UpdateState(resolver.Success([]resolver.Address{{Addr: "10.0.0.1:1"}, {Addr: "10.0.0.1:2"}}, nil, nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := cm.Pick(ctx, true)
	if err != nil {
		t.Fatalf("Pick() error = %v", err)
	}
	if res.Address.Addr != "10.0.0.1:1" {
		t.Fatalf("Pick() address = %q, want 10.0.0.1:1", res.Address.Addr)
	}
}

// S2 — pick-first falls back past an unreachable address without
// surfacing an error to the caller.
func TestPickFallsBackAcrossAddresses(t *testing.T) {
	m := newManualScheme(t)
	cm := newTestManager(t, m, map[string]bool{"10.0.0.1:1": true})

	m.UpdateState(resolver.Success([]resolver.Address{{Addr: "10.0.0.1:1"}, {Addr: "10.0.0.1:2"}}, nil, nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := cm.Pick(ctx, true)
	if err != nil {
		t.Fatalf("Pick() error = %v", err)
	}
	if res.Address.Addr != "10.0.0.1:2" {
		t.Fatalf("Pick() address = %q, want 10.0.0.1:2", res.Address.Addr)
	}
}

// S3 — round-robin rotation across two ready subchannels.
func TestPickRoundRobinRotates(t *testing.T) {
	m := newManualScheme(t)
	cm := newTestManager(t, m, nil, WithDefaultServiceConfig(roundRobinConfig()))

	m.UpdateState(resolver.Success([]resolver.Address{{Addr: "10.0.0.1:1"}, {Addr: "10.0.0.1:2"}}, nil, nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Wait for both subchannels to settle Ready by looping picks until we
	// observe both addresses at least once.
	seen := map[string]bool{}
	var order []string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(seen) < 2 {
		res, err := cm.Pick(ctx, true)
		if err != nil {
			t.Fatalf("Pick() error = %v", err)
		}
		seen[res.Address.Addr] = true
		order = append(order, res.Address.Addr)
	}
	if len(seen) != 2 {
		t.Fatalf("round robin never reached both addresses, saw %v", order)
	}

	// Now that both are ready, three consecutive picks should rotate.
	var rotated []string
	for i := 0; i < 3; i++ {
		res, err := cm.Pick(ctx, true)
		if err != nil {
			t.Fatalf("Pick() error = %v", err)
		}
		rotated = append(rotated, res.Address.Addr)
	}
	if rotated[0] == rotated[1] && rotated[1] == rotated[2] {
		t.Fatalf("round robin picks never rotated: %v", rotated)
	}
}

// S7 — cancellation during a pick wait surfaces the caller's context error
// without mutating any subchannel state.
func TestPickCancellationSurfacesContextError(t *testing.T) {
	m := newManualScheme(t)
	cm := newTestManager(t, m, nil)

	// No resolver update delivered: the picker stays Empty/Queue forever.
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := cm.Pick(ctx, true)
	if err == nil {
		t.Fatal("Pick() error = nil, want context deadline error")
	}
}

// Service-config fallback ladder: a resolver update with neither config nor
// config-status uses the hard-coded default (pick_first unless overridden).
func TestOnResolverResultUsesHardCodedDefault(t *testing.T) {
	m := newManualScheme(t)
	cm := newTestManager(t, m, nil)

	m.UpdateState(resolver.Success([]resolver.Address{{Addr: "10.0.0.1:1"}}, attributes.Empty, nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := cm.Pick(ctx, true); err != nil {
		t.Fatalf("Pick() error = %v", err)
	}
}

// A resolver Failure before any successful resolution surfaces through the
// error picker rather than hanging forever when waitForReady is false.
func TestOnResolverResultFailurePropagatesToPick(t *testing.T) {
	m := newManualScheme(t)
	cm := newTestManager(t, m, nil)

	m.UpdateState(resolver.Failure(status.New(codes.Unavailable, "no such host")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := cm.Pick(ctx, false); err == nil {
		t.Fatal("Pick() error = nil, want failure status")
	}
}

// Dispose rejects further Picks instead of hanging.
func TestDisposeRejectsFurtherPicks(t *testing.T) {
	m := newManualScheme(t)
	cm := newTestManager(t, m, nil)
	cm.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := cm.Pick(ctx, true); err == nil {
		t.Fatal("Pick() after Dispose() error = nil, want error")
	}
}
