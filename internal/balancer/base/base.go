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

// Package base implements the reusable "subchannels-base" balancer helper
// described in spec §4.5: one subchannel per resolved address, with a
// single customization point (CreatePicker) for turning the ready set into
// a Picker. round_robin (internal/balancer/roundrobin) is built on this.
//
// This mirrors grpc-go's real balancer/base package, which exists for
// exactly this reason: round_robin, and most other "one subconn per
// address" policies, share everything except picker construction.
package base

import (
	"sync"

	"google.golang.org/grpc/codes"

	"github.com/grpclbcore/grpclbcore/balancer"
	"github.com/grpclbcore/grpclbcore/connectivity"
	"github.com/grpclbcore/grpclbcore/internal/grpclog"
	"github.com/grpclbcore/grpclbcore/picker"
	"github.com/grpclbcore/grpclbcore/resolver"
	"github.com/grpclbcore/grpclbcore/status"
	"github.com/grpclbcore/grpclbcore/subchannel"
)

// PickerBuilder is the one customization point a subchannels-base balancer
// needs: turning the current Ready subchannel set into a Picker.
type PickerBuilder interface {
	CreatePicker(ready []*subchannel.Subchannel) picker.Picker
}

// NewBaseBuilder returns a balancer.Builder named name that builds a
// subchannels-base balancer using pb to create pickers, so "one subchannel
// per address" policies (round_robin among them) share the diffing and
// aggregation logic. This package lives under internal/, so only packages
// inside this module can import it; code outside the module cannot register
// a policy through it.
func NewBaseBuilder(name string, pb PickerBuilder) balancer.Builder {
	return &baseBuilder{name: name, pb: pb}
}

type baseBuilder struct {
	name string
	pb   PickerBuilder
}

func (b *baseBuilder) Name() string { return b.name }

func (b *baseBuilder) Build(cc balancer.ChannelControlHelper, _ balancer.BuildOptions) balancer.LoadBalancer {
	return &baseBalancer{
		cc:            cc,
		pickerBuilder: b.pb,
		logger:        grpclog.Component("balancer." + b.name),
		entries:       make(map[string]*entry),
	}
}

type entry struct {
	addr resolver.Address
	sc   *subchannel.Subchannel
	sub  *subchannel.Subscription
	st   connectivity.State
}

type baseBalancer struct {
	cc            balancer.ChannelControlHelper
	pickerBuilder PickerBuilder
	logger        *grpclog.ComponentLogger

	mu      sync.Mutex
	entries map[string]*entry // keyed by address.Addr+ServerName
	closed  bool
}

func addrKey(a resolver.Address) string { return a.ServerName + "|" + a.Addr }

func (b *baseBalancer) UpdateChannelState(s balancer.ChannelState) error {
	if s.Status == nil || s.Status.Code() != codes.OK || len(s.Addresses) == 0 {
		b.mu.Lock()
		anyReady := false
		for _, e := range b.entries {
			if e.st == connectivity.Ready {
				anyReady = true
				break
			}
		}
		b.mu.Unlock()
		if !anyReady {
			b.cc.UpdateState(balancer.State{
				ConnectivityState: connectivity.TransientFailure,
				Picker:            picker.NewErrorPicker(s.Status),
			})
		}
		return balancer.ErrBadResolverState
	}

	want := make(map[string]resolver.Address, len(s.Addresses))
	for _, a := range s.Addresses {
		want[addrKey(a)] = a
	}

	b.mu.Lock()
	// Dispose subchannels for addresses no longer present.
	for key, e := range b.entries {
		if _, ok := want[key]; !ok {
			e.sub.Unsubscribe()
			e.sc.Dispose()
			delete(b.entries, key)
		}
	}
	// Create subchannels for newly seen addresses.
	for key, addr := range want {
		if _, ok := b.entries[key]; ok {
			continue
		}
		sc, err := b.cc.CreateSubchannel([]resolver.Address{addr}, balancer.NewSubchannelOptions{})
		if err != nil {
			b.logger.Warningf("failed to create subchannel for %s: %v", addr.Addr, err)
			continue
		}
		e := &entry{addr: addr, sc: sc, st: connectivity.Idle}
		e.sub = sc.OnStateChanged(func(st connectivity.State, cause *status.Status) {
			b.handleSubchannelState(sc, st, cause)
		})
		b.entries[key] = e
		_ = sc.RequestConnection()
	}
	b.mu.Unlock()

	b.publish()
	return nil
}

func (b *baseBalancer) handleSubchannelState(sc *subchannel.Subchannel, st connectivity.State, _ *status.Status) {
	b.mu.Lock()
	for _, e := range b.entries {
		if e.sc == sc {
			e.st = st
			break
		}
	}
	b.mu.Unlock()

	if st == connectivity.Idle || st == connectivity.TransientFailure {
		b.cc.RefreshResolver()
		if st == connectivity.Idle {
			_ = sc.RequestConnection()
		}
	}
	b.publish()
}

func (b *baseBalancer) publish() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var ready []*subchannel.Subchannel
	agg := connectivity.TransientFailure
	anyConnectingOrIdle := false
	for _, e := range b.entries {
		switch e.st {
		case connectivity.Ready:
			ready = append(ready, e.sc)
		case connectivity.Connecting, connectivity.Idle:
			anyConnectingOrIdle = true
		}
	}
	b.mu.Unlock()

	var p picker.Picker
	switch {
	case len(ready) > 0:
		agg = connectivity.Ready
		p = b.pickerBuilder.CreatePicker(ready)
	case anyConnectingOrIdle:
		agg = connectivity.Connecting
		p = picker.Empty{}
	default:
		agg = connectivity.TransientFailure
		p = picker.NewErrorPicker(status.New(codes.Unavailable, "no available subchannel"))
	}
	b.cc.UpdateState(balancer.State{ConnectivityState: agg, Picker: p})
}

func (b *baseBalancer) RequestConnection() {
	b.mu.Lock()
	scs := make([]*subchannel.Subchannel, 0, len(b.entries))
	for _, e := range b.entries {
		scs = append(scs, e.sc)
	}
	b.mu.Unlock()
	for _, sc := range scs {
		_ = sc.RequestConnection()
	}
}

func (b *baseBalancer) Dispose() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	entries := b.entries
	b.entries = make(map[string]*entry)
	b.mu.Unlock()

	for _, e := range entries {
		e.sub.Unsubscribe()
		e.sc.Dispose()
	}
}
