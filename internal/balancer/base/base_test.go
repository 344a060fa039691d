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

package base

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/grpclbcore/grpclbcore/backoff"
	"github.com/grpclbcore/grpclbcore/balancer"
	"github.com/grpclbcore/grpclbcore/connectivity"
	"github.com/grpclbcore/grpclbcore/picker"
	"github.com/grpclbcore/grpclbcore/resolver"
	"github.com/grpclbcore/grpclbcore/status"
	"github.com/grpclbcore/grpclbcore/subchannel"
)

// scriptedTransport resolves to Ready immediately for every address unless
// the address is listed in fail, in which case it resolves to Failure.
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

// fakeHelper is a minimal balancer.ChannelControlHelper: CreateSubchannel
// produces real *subchannel.Subchannel values backed by scriptedTransport,
// UpdateState just records the latest published balancer.State.
type fakeHelper struct {
	mu           sync.Mutex
	nextID       int64
	fail         map[string]bool
	states       []balancer.State
	refreshCount int
}

func newFakeHelper(fail map[string]bool) *fakeHelper {
	return &fakeHelper{fail: fail}
}

func (h *fakeHelper) CreateSubchannel(addrs []resolver.Address, _ balancer.NewSubchannelOptions) (*subchannel.Subchannel, error) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()
	return subchannel.New(id, addrs, &scriptedTransport{fail: h.fail}, fastBackoff, nil), nil
}

func (h *fakeHelper) UpdateState(s balancer.State) {
	h.mu.Lock()
	h.states = append(h.states, s)
	h.mu.Unlock()
}

func (h *fakeHelper) RefreshResolver() {
	h.mu.Lock()
	h.refreshCount++
	h.mu.Unlock()
}

func (h *fakeHelper) lastState() (balancer.State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.states) == 0 {
		return balancer.State{}, false
	}
	return h.states[len(h.states)-1], true
}

type countingPickerBuilder struct{}

func (countingPickerBuilder) CreatePicker(ready []*subchannel.Subchannel) picker.Picker {
	return picker.NewRoundRobin(ready)
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

func TestBaseBalancerReachesReadyWithAllAddresses(t *testing.T) {
	h := newFakeHelper(nil)
	b := NewBaseBuilder("test_base", countingPickerBuilder{}).Build(h, balancer.BuildOptions{})
	defer b.Dispose()

	addrs := []resolver.Address{{Addr: "10.0.0.1:1"}, {Addr: "10.0.0.1:2"}}
	if err := b.UpdateChannelState(balancer.ChannelState{Status: status.OK, Addresses: addrs}); err != nil {
		t.Fatalf("UpdateChannelState() error = %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		s, ok := h.lastState()
		return ok && s.ConnectivityState == connectivity.Ready
	})
}

// S4 — resolver-driven address removal disposes the dropped subchannel.
func TestBaseBalancerDisposesRemovedAddresses(t *testing.T) {
	h := newFakeHelper(nil)
	b := NewBaseBuilder("test_base", countingPickerBuilder{}).Build(h, balancer.BuildOptions{})
	defer b.Dispose()

	a := resolver.Address{Addr: "10.0.0.1:1"}
	c := resolver.Address{Addr: "10.0.0.1:2"}
	_ = b.UpdateChannelState(balancer.ChannelState{Status: status.OK, Addresses: []resolver.Address{a, c}})
	waitUntil(t, time.Second, func() bool {
		s, ok := h.lastState()
		return ok && s.ConnectivityState == connectivity.Ready
	})

	bb := b.(*baseBalancer)
	bb.mu.Lock()
	var removed *subchannel.Subchannel
	for _, e := range bb.entries {
		if e.addr.Addr == c.Addr {
			removed = e.sc
		}
	}
	bb.mu.Unlock()
	if removed == nil {
		t.Fatalf("no entry found for %v before removal", c)
	}

	_ = b.UpdateChannelState(balancer.ChannelState{Status: status.OK, Addresses: []resolver.Address{a}})

	waitUntil(t, time.Second, func() bool {
		return removed.State() == connectivity.Shutdown
	})
}

func TestBaseBalancerBadResolverStateReturnsErr(t *testing.T) {
	h := newFakeHelper(nil)
	b := NewBaseBuilder("test_base", countingPickerBuilder{}).Build(h, balancer.BuildOptions{})
	defer b.Dispose()

	err := b.UpdateChannelState(balancer.ChannelState{Status: status.New(codes.Unavailable, "resolver failed")})
	if err != balancer.ErrBadResolverState {
		t.Fatalf("UpdateChannelState() error = %v, want ErrBadResolverState", err)
	}
	s, ok := h.lastState()
	if !ok || s.ConnectivityState != connectivity.TransientFailure {
		t.Fatalf("published state = %+v, %v; want TransientFailure", s, ok)
	}
}

func TestBaseBalancerDisposeIsIdempotentAndDisposesAllSubchannels(t *testing.T) {
	h := newFakeHelper(nil)
	b := NewBaseBuilder("test_base", countingPickerBuilder{}).Build(h, balancer.BuildOptions{})

	addrs := []resolver.Address{{Addr: "10.0.0.1:1"}}
	_ = b.UpdateChannelState(balancer.ChannelState{Status: status.OK, Addresses: addrs})
	waitUntil(t, time.Second, func() bool {
		s, ok := h.lastState()
		return ok && s.ConnectivityState == connectivity.Ready
	})

	bb := b.(*baseBalancer)
	bb.mu.Lock()
	var sc *subchannel.Subchannel
	for _, e := range bb.entries {
		sc = e.sc
	}
	bb.mu.Unlock()

	b.Dispose()
	b.Dispose() // idempotent

	if sc.State() != connectivity.Shutdown {
		t.Fatalf("subchannel state after Dispose() = %v, want Shutdown", sc.State())
	}
}
