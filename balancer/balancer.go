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

// Package balancer defines the load-balancing policy plane: the abstract
// LoadBalancer contract, the ChannelControlHelper capability set a balancer
// uses to talk back to the connection manager, and the policy-name
// registry.
//
// All APIs in this package are experimental.
package balancer

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/grpclbcore/grpclbcore/attributes"
	"github.com/grpclbcore/grpclbcore/connectivity"
	"github.com/grpclbcore/grpclbcore/picker"
	"github.com/grpclbcore/grpclbcore/resolver"
	"github.com/grpclbcore/grpclbcore/serviceconfig"
	"github.com/grpclbcore/grpclbcore/status"
	"github.com/grpclbcore/grpclbcore/subchannel"
)

var (
	mu sync.Mutex
	m  = make(map[string]Builder)
)

// Register registers b under strings.ToLower(b.Name()). The last
// registration for a given name wins. Must only be called during
// initialization.
func Register(b Builder) {
	mu.Lock()
	defer mu.Unlock()
	m[strings.ToLower(b.Name())] = b
}

// Get returns the balancer builder registered under name (case-insensitive),
// or nil.
func Get(name string) Builder {
	mu.Lock()
	defer mu.Unlock()
	return m[strings.ToLower(name)]
}

// UnregisterForTesting removes the builder registered under name. Test-only.
func UnregisterForTesting(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(m, strings.ToLower(name))
}

// NewSubchannelOptions carries options for ChannelControlHelper.CreateSubchannel.
type NewSubchannelOptions struct{}

// ChannelControlHelper is the capability set {CreateSubchannel, UpdateState,
// RefreshResolver} the connection manager exposes to the balancer it is
// currently hosting.
type ChannelControlHelper interface {
	// CreateSubchannel creates (and the connection manager owns) a new
	// subchannel for addrs. It does not block for the connection to be
	// established; the balancer must call RequestConnection on it, or on
	// a picker that does so, to start connecting.
	CreateSubchannel(addrs []resolver.Address, opts NewSubchannelOptions) (*subchannel.Subchannel, error)
	// UpdateState publishes the balancer's current aggregated state and
	// Picker.
	UpdateState(State)
	// RefreshResolver asks the connection manager to re-resolve the
	// target. Hint only.
	RefreshResolver()
}

// BuildOptions carries additional information for Builder.Build.
type BuildOptions struct{}

// Builder creates a LoadBalancer for a ChannelControlHelper.
type Builder interface {
	Build(cc ChannelControlHelper, opts BuildOptions) LoadBalancer
	// Name returns the policy name this builder is selected by (e.g.
	// "pick_first", "round_robin").
	Name() string
}

// ConfigParser is optionally implemented by a Builder to parse a
// policy-specific loadBalancingConfig entry into a typed
// serviceconfig.LoadBalancingConfig.
type ConfigParser interface {
	ParseConfig(raw json.RawMessage) (serviceconfig.LoadBalancingConfig, error)
}

// ChannelState is the input to a balancer, per the data model: Addresses is
// nil iff Status is not OK.
type ChannelState struct {
	Status              *status.Status
	Addresses           []resolver.Address
	LoadBalancingConfig serviceconfig.LoadBalancingConfig
	Attributes          *attributes.Attributes
}

// State is the unit a balancer hands back to its ChannelControlHelper.
type State struct {
	ConnectivityState connectivity.State
	Picker            picker.Picker
}

// ErrBadResolverState may be returned by UpdateChannelState to indicate a
// problem with the provided resolver data; the connection manager responds
// by refreshing the resolver with backoff until a subsequent call succeeds.
var ErrBadResolverState = errors.New("balancer: bad resolver state")

// LoadBalancer owns the current set of subchannels for one channel and
// converts resolver results plus subchannel states into a Picker. All
// methods are called from the same goroutine/lock by the connection
// manager; Picker.Pick is not subject to that serialization and may be
// called concurrently at any time.
type LoadBalancer interface {
	// UpdateChannelState is called whenever the channel's resolved state
	// changes.
	UpdateChannelState(ChannelState) error
	// RequestConnection asks the balancer to (re)request a connection on
	// whatever subchannels are appropriate, e.g. in response to an
	// application-visible ConnectAsync call.
	RequestConnection()
	// Dispose releases all subchannels and other resources. Idempotent.
	Dispose()
}
