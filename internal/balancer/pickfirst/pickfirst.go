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

// Package pickfirst registers the "pick_first" policy: a single subchannel
// populated from the whole resolved address list, letting the subchannel
// itself handle address-to-address failover during its connect loop.
package pickfirst

import (
	"sync"

	"google.golang.org/grpc/codes"

	"github.com/grpclbcore/grpclbcore/balancer"
	"github.com/grpclbcore/grpclbcore/connectivity"
	"github.com/grpclbcore/grpclbcore/internal/grpclog"
	"github.com/grpclbcore/grpclbcore/picker"
	"github.com/grpclbcore/grpclbcore/status"
	"github.com/grpclbcore/grpclbcore/subchannel"
)

// Name is the policy name registered with the balancer registry.
const Name = "pick_first"

func init() {
	balancer.Register(&builder{})
}

type builder struct{}

func (builder) Name() string { return Name }

func (builder) Build(cc balancer.ChannelControlHelper, _ balancer.BuildOptions) balancer.LoadBalancer {
	return &pickfirstBalancer{cc: cc, logger: grpclog.Component("balancer.pick_first")}
}

type pickfirstBalancer struct {
	cc     balancer.ChannelControlHelper
	logger *grpclog.ComponentLogger

	mu  sync.Mutex
	sc  *subchannel.Subchannel
	sub *subchannel.Subscription
}

func (b *pickfirstBalancer) UpdateChannelState(s balancer.ChannelState) error {
	if s.Status == nil || s.Status.Code() != codes.OK || len(s.Addresses) == 0 {
		b.mu.Lock()
		hasReady := b.sc != nil && b.sc.State() == connectivity.Ready
		b.mu.Unlock()
		if !hasReady {
			b.disposeCurrent()
			b.cc.UpdateState(balancer.State{
				ConnectivityState: connectivity.TransientFailure,
				Picker:            picker.NewErrorPicker(s.Status),
			})
		}
		return balancer.ErrBadResolverState
	}

	b.mu.Lock()
	sc := b.sc
	b.mu.Unlock()

	if sc == nil {
		newSC, err := b.cc.CreateSubchannel(s.Addresses, balancer.NewSubchannelOptions{})
		if err != nil {
			b.cc.UpdateState(balancer.State{
				ConnectivityState: connectivity.TransientFailure,
				Picker:            picker.NewErrorPicker(status.Newf(codes.Unavailable, "failed to create subchannel: %v", err)),
			})
			return err
		}
		b.mu.Lock()
		b.sc = newSC
		b.sub = newSC.OnStateChanged(b.handleSubchannelState)
		b.mu.Unlock()

		b.cc.UpdateState(balancer.State{ConnectivityState: connectivity.Idle, Picker: picker.Empty{}})
		_ = newSC.RequestConnection()
		return nil
	}
	return sc.UpdateAddresses(s.Addresses)
}

func (b *pickfirstBalancer) handleSubchannelState(st connectivity.State, cause *status.Status) {
	b.mu.Lock()
	sc := b.sc
	b.mu.Unlock()
	if sc == nil {
		return
	}

	switch st {
	case connectivity.Ready:
		b.cc.UpdateState(balancer.State{ConnectivityState: connectivity.Ready, Picker: picker.NewPickFirst(sc)})
	case connectivity.Idle:
		b.cc.UpdateState(balancer.State{ConnectivityState: connectivity.Idle, Picker: picker.NewRequestConnectionPicker(sc)})
		// Trigger a resolver refresh to recover from e.g. DNS changes.
		b.cc.RefreshResolver()
	case connectivity.Connecting:
		b.cc.UpdateState(balancer.State{ConnectivityState: connectivity.Connecting, Picker: picker.Empty{}})
	case connectivity.TransientFailure:
		b.cc.UpdateState(balancer.State{ConnectivityState: connectivity.TransientFailure, Picker: picker.NewErrorPicker(cause)})
	case connectivity.Shutdown:
		b.cc.UpdateState(balancer.State{ConnectivityState: connectivity.Shutdown, Picker: picker.Empty{}})
		b.mu.Lock()
		b.sc = nil
		b.sub = nil
		b.mu.Unlock()
	}
}

func (b *pickfirstBalancer) RequestConnection() {
	b.mu.Lock()
	sc := b.sc
	b.mu.Unlock()
	if sc != nil {
		_ = sc.RequestConnection()
	}
}

func (b *pickfirstBalancer) disposeCurrent() {
	b.mu.Lock()
	sc := b.sc
	sub := b.sub
	b.sc = nil
	b.sub = nil
	b.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if sc != nil {
		sc.Dispose()
	}
}

func (b *pickfirstBalancer) Dispose() {
	b.disposeCurrent()
}
