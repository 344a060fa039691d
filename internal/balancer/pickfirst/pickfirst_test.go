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

package pickfirst

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/grpclbcore/grpclbcore/backoff"
	"github.com/grpclbcore/grpclbcore/balancer"
	"github.com/grpclbcore/grpclbcore/connectivity"
	"github.com/grpclbcore/grpclbcore/resolver"
	"github.com/grpclbcore/grpclbcore/status"
	"github.com/grpclbcore/grpclbcore/subchannel"
)

type scriptedTransport struct {
	mu   sync.Mutex
	fail map[string]bool
	cur  *resolver.Address
}

func (t *scriptedTransport) TryConnect(ctx context.Context, addr resolver.Address) (subchannel.ConnectResult, error) {
	t.mu.Lock()
	bad := t.fail[addr.Addr]
	t.mu.Unlock()
	if bad {
		return subchannel.ConnectFailure, nil
	}
	t.mu.Lock()
	a := addr
	t.cur = &a
	t.mu.Unlock()
	return subchannel.ConnectSuccess, nil
}
func (t *scriptedTransport) Disconnect() { t.mu.Lock(); t.cur = nil; t.mu.Unlock() }
func (t *scriptedTransport) CurrentEndPoint() (resolver.Address, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return resolver.Address{}, false
	}
	return *t.cur, true
}
func (t *scriptedTransport) ConnectTimeout() (time.Duration, bool) { return 0, false }
func (t *scriptedTransport) OnRequestComplete(context.Context)     {}

func fastBackoff() backoff.Policy {
	return backoff.NewExponential(backoff.Config{
		BaseDelay:  2 * time.Millisecond,
		Multiplier: 1.2,
		Jitter:     0,
		MaxDelay:   10 * time.Millisecond,
	})
}

type fakeHelper struct {
	mu     sync.Mutex
	fail   map[string]bool
	states []balancer.State
	sc     *subchannel.Subchannel
}

func newFakeHelper(fail map[string]bool) *fakeHelper { return &fakeHelper{fail: fail} }

func (h *fakeHelper) CreateSubchannel(addrs []resolver.Address, _ balancer.NewSubchannelOptions) (*subchannel.Subchannel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sc = subchannel.New(1, addrs, &scriptedTransport{fail: h.fail}, fastBackoff, nil)
	return h.sc, nil
}

func (h *fakeHelper) UpdateState(s balancer.State) {
	h.mu.Lock()
	h.states = append(h.states, s)
	h.mu.Unlock()
}

func (h *fakeHelper) RefreshResolver() {}

func (h *fakeHelper) lastState() (balancer.State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.states) == 0 {
		return balancer.State{}, false
	}
	return h.states[len(h.states)-1], true
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// S1 — static + pick_first happy path.
func TestPickFirstReachesReady(t *testing.T) {
	h := newFakeHelper(nil)
	b := (&builder{}).Build(h, balancer.BuildOptions{})
	defer b.Dispose()

	addrs := []resolver.Address{{Addr: "10.0.0.1:1"}}
	if err := b.UpdateChannelState(balancer.ChannelState{Status: status.OK, Addresses: addrs}); err != nil {
		t.Fatalf("UpdateChannelState() error = %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		s, ok := h.lastState()
		return ok && s.ConnectivityState == connectivity.Ready
	})
}

// S2 — one bad address, one good: pick_first's single subchannel falls back
// internally and still reaches Ready.
func TestPickFirstFallsBackAcrossAddresses(t *testing.T) {
	h := newFakeHelper(map[string]bool{"10.0.0.1:1": true})
	b := (&builder{}).Build(h, balancer.BuildOptions{})
	defer b.Dispose()

	addrs := []resolver.Address{{Addr: "10.0.0.1:1"}, {Addr: "10.0.0.1:2"}}
	_ = b.UpdateChannelState(balancer.ChannelState{Status: status.OK, Addresses: addrs})

	waitUntil(t, time.Second, func() bool {
		s, ok := h.lastState()
		return ok && s.ConnectivityState == connectivity.Ready
	})
}

func TestPickFirstBadResolverStateBeforeReadyReturnsErr(t *testing.T) {
	h := newFakeHelper(nil)
	b := (&builder{}).Build(h, balancer.BuildOptions{})
	defer b.Dispose()

	err := b.UpdateChannelState(balancer.ChannelState{Status: status.New(codes.Unavailable, "nope")})
	if err != balancer.ErrBadResolverState {
		t.Fatalf("UpdateChannelState() error = %v, want ErrBadResolverState", err)
	}
}

func TestPickFirstReusesSubchannelOnAddressUpdate(t *testing.T) {
	h := newFakeHelper(nil)
	b := (&builder{}).Build(h, balancer.BuildOptions{})
	defer b.Dispose()

	_ = b.UpdateChannelState(balancer.ChannelState{Status: status.OK, Addresses: []resolver.Address{{Addr: "10.0.0.1:1"}}})
	waitUntil(t, time.Second, func() bool {
		s, ok := h.lastState()
		return ok && s.ConnectivityState == connectivity.Ready
	})
	first := h.sc

	_ = b.UpdateChannelState(balancer.ChannelState{Status: status.OK, Addresses: []resolver.Address{{Addr: "10.0.0.1:1"}, {Addr: "10.0.0.1:2"}}})
	if h.sc != first {
		t.Fatalf("UpdateChannelState() with the existing primary address still present created a new subchannel")
	}
}

func TestPickFirstDisposeShutsDownSubchannel(t *testing.T) {
	h := newFakeHelper(nil)
	b := (&builder{}).Build(h, balancer.BuildOptions{})

	_ = b.UpdateChannelState(balancer.ChannelState{Status: status.OK, Addresses: []resolver.Address{{Addr: "10.0.0.1:1"}}})
	waitUntil(t, time.Second, func() bool {
		s, ok := h.lastState()
		return ok && s.ConnectivityState == connectivity.Ready
	})

	sc := h.sc
	b.Dispose()
	b.Dispose() // idempotent
	if sc.State() != connectivity.Shutdown {
		t.Fatalf("subchannel state after Dispose() = %v, want Shutdown", sc.State())
	}
}
