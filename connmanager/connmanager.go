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

// Package connmanager implements the channel mediator: it owns the
// resolver, the currently hosted LoadBalancer, the published Picker, and
// the per-call pick loop, wiring the three subsystems (resolver framework,
// subchannel FSM, balancer plane) into one addressable channel.
package connmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"

	"github.com/grpclbcore/grpclbcore/attributes"
	"github.com/grpclbcore/grpclbcore/backoff"
	"github.com/grpclbcore/grpclbcore/balancer"
	"github.com/grpclbcore/grpclbcore/connectivity"
	"github.com/grpclbcore/grpclbcore/internal/grpclog"
	"github.com/grpclbcore/grpclbcore/internal/metrics"
	internalsvcconfig "github.com/grpclbcore/grpclbcore/internal/serviceconfig"
	"github.com/grpclbcore/grpclbcore/picker"
	"github.com/grpclbcore/grpclbcore/resolver"
	"github.com/grpclbcore/grpclbcore/serviceconfig"
	"github.com/grpclbcore/grpclbcore/status"
	"github.com/grpclbcore/grpclbcore/subchannel"

	// The concrete resolver and balancer implementations live under
	// internal/..., so unlike grpc-go's resolver/dns or balancer/roundrobin
	// (which a binary blank-imports itself), nothing outside this module
	// can reach them to register. Importing them here for their init()
	// registration is what makes "dns", "static", "pick_first", and
	// "round_robin" work out of the box for every connmanager.New caller.
	_ "github.com/grpclbcore/grpclbcore/internal/balancer/pickfirst"
	_ "github.com/grpclbcore/grpclbcore/internal/balancer/roundrobin"
	_ "github.com/grpclbcore/grpclbcore/internal/resolver/dns"
	_ "github.com/grpclbcore/grpclbcore/internal/resolver/static"
)

// TransportFactory builds the subchannel.Transport a newly created
// subchannel uses for its whole lifetime. Required; there is no usable
// stdlib-only default for a real channel (see internal/transport/dialer for
// a stand-in suitable for tests and examples).
type TransportFactory func() subchannel.Transport

type options struct {
	defaultServiceConfig *serviceconfig.RawServiceConfig
	backoffConfig        backoff.Config
	logger               *grpclog.ComponentLogger
	registerer           prometheus.Registerer
	transportFactory     TransportFactory
	defaultPort          string
	disableServiceConfig bool
}

// Option configures a ChannelManager at construction time.
type Option func(*options)

// WithDefaultServiceConfig installs the hard-coded service config used by
// step 3 of the gRFC A21 ladder (resolver reports neither a config nor a
// config status). If unset, a bare pick_first config is used.
func WithDefaultServiceConfig(cfg *serviceconfig.RawServiceConfig) Option {
	return func(o *options) { o.defaultServiceConfig = cfg }
}

// WithBackoffConfig overrides the exponential backoff tunables used for
// subchannel reconnection and bad-resolver-state resolver retries.
func WithBackoffConfig(cfg backoff.Config) Option {
	return func(o *options) { o.backoffConfig = cfg }
}

// WithLogger overrides the channel's top-level component logger.
func WithLogger(l *grpclog.ComponentLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetricsRegisterer enables Prometheus instrumentation, registering this
// channel's collectors with reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithTransportFactory supplies the TransportFactory new subchannels use.
// Required unless the target scheme's resolver never produces addresses
// (uncommon). New does not check for it: without one, every
// CreateSubchannel call the balancer makes returns an error.
func WithTransportFactory(f TransportFactory) Option {
	return func(o *options) { o.transportFactory = f }
}

// WithDefaultPort sets the port resolvers (e.g. dns) use for endpoints that
// name none of their own.
func WithDefaultPort(port string) Option {
	return func(o *options) { o.defaultPort = port }
}

// WithServiceConfigDisabled disables step 1 of the gRFC A21 ladder: any
// service config the resolver returns is ignored outright.
func WithServiceConfigDisabled() Option {
	return func(o *options) { o.disableServiceConfig = true }
}

// ChannelManager is the channel mediator: ChannelControlHelper for whatever
// LoadBalancer it is currently hosting, and the PickAsync/ConnectAsync
// surface for call dispatch.
type ChannelManager struct {
	target  resolver.Target
	opts    options
	logger  *grpclog.ComponentLogger
	metrics *metrics.Recorder

	nextSubchannelID atomic.Int64

	resolverMu      sync.Mutex
	res             resolver.Resolver
	resolverStarted bool

	// balancerMu serializes every call into the hosted LoadBalancer
	// (UpdateChannelState/RequestConnection/Dispose), matching the "all
	// methods called from the same goroutine/lock" rule in spec §4.6. It is
	// distinct from stateMu so that a LoadBalancer's synchronous callback
	// into UpdateState (which only needs stateMu) never reenters this lock.
	balancerMu        sync.Mutex
	lb                balancer.LoadBalancer
	lbName            string
	previousLBConfig  *internalsvcconfig.BalancerConfig
	badStatePolicy    backoff.Policy
	badStateRetrying  bool

	// stateMu guards the published picker/state and the broadcast channel
	// PickAsync and ConnectAsync block on.
	stateMu      sync.Mutex
	curPicker    picker.Picker
	curState     connectivity.State
	nextPickerCh chan struct{}
	closed       bool
	closedCh     chan struct{}
}

// New builds a ChannelManager for targetStr, resolving its scheme against
// the resolver registry. It does not start resolution; the first Pick,
// ConnectAsync or RefreshResolver call triggers it, mirroring "on first use"
// in spec §4.6.
func New(targetStr string, opts ...Option) (*ChannelManager, error) {
	o := options{backoffConfig: backoff.DefaultConfig}
	for _, fn := range opts {
		fn(&o)
	}

	target := resolver.ParseTarget(targetStr)
	rb := resolver.Get(target.Scheme)
	if rb == nil {
		return nil, fmt.Errorf("connmanager: no resolver registered for scheme %q", target.Scheme)
	}

	logger := o.logger
	if logger == nil {
		logger = grpclog.Component("connmanager")
	}

	var rec *metrics.Recorder
	if o.registerer != nil {
		rec = metrics.New(o.registerer)
	}

	cm := &ChannelManager{
		target:       target,
		opts:         o,
		logger:       logger,
		metrics:      rec,
		curState:     connectivity.Idle,
		curPicker:    picker.Empty{},
		nextPickerCh: make(chan struct{}),
		closedCh:     make(chan struct{}),
	}

	res, err := rb.Build(target, cm.onResolverResult, resolver.BuildOptions{
		DisableServiceConfig: o.disableServiceConfig,
		DefaultPort:          o.defaultPort,
		Logger:               grpclog.Component("resolver." + target.Scheme),
	})
	if err != nil {
		return nil, fmt.Errorf("connmanager: building resolver: %w", err)
	}
	cm.res = res
	return cm, nil
}

func (cm *ChannelManager) ensureResolverStarted() {
	cm.resolverMu.Lock()
	defer cm.resolverMu.Unlock()
	if !cm.resolverStarted {
		cm.resolverStarted = true
		cm.res.Start()
	}
}

// --- balancer.ChannelControlHelper ---

func (cm *ChannelManager) CreateSubchannel(addrs []resolver.Address, _ balancer.NewSubchannelOptions) (*subchannel.Subchannel, error) {
	if cm.opts.transportFactory == nil {
		return nil, errors.New("connmanager: no TransportFactory configured")
	}
	id := cm.nextSubchannelID.Add(1)
	t := cm.opts.transportFactory()
	backoffFactory := func() backoff.Policy { return backoff.NewExponential(cm.opts.backoffConfig) }
	sc := subchannel.New(id, addrs, t, backoffFactory, grpclog.Component("subchannel"))

	if cm.metrics != nil {
		var wasReady atomic.Bool
		sc.OnStateChanged(func(st connectivity.State, _ *status.Status) {
			delta := 0
			if isReady := st == connectivity.Ready; wasReady.Swap(isReady) != isReady {
				delta = -1
				if isReady {
					delta = 1
				}
			}
			cm.metrics.RecordSubchannelState(st, delta)
		})
	}
	return sc, nil
}

func (cm *ChannelManager) UpdateState(s balancer.State) {
	cm.stateMu.Lock()
	if cm.closed {
		cm.stateMu.Unlock()
		return
	}
	cm.curState = s.ConnectivityState
	cm.curPicker = s.Picker
	ch := cm.nextPickerCh
	cm.nextPickerCh = make(chan struct{})
	cm.stateMu.Unlock()

	cm.logger.Event("ChannelPickerUpdated", "state", s.ConnectivityState.String())
	close(ch)
}

func (cm *ChannelManager) RefreshResolver() {
	cm.ensureResolverStarted()
	cm.res.Refresh()
}

// --- resolver result handling: gRFC A21 service-config ladder ---

func (cm *ChannelManager) onResolverResult(res resolver.Result) {
	cm.balancerMu.Lock()
	defer cm.balancerMu.Unlock()

	select {
	case <-cm.closedCh:
		return
	default:
	}

	var channelStatus *status.Status
	var addresses []resolver.Address
	var attrs *attributes.Attributes
	var lbConfig *internalsvcconfig.BalancerConfig

	if !res.IsSuccess() {
		channelStatus = res.FailureStatus()
		if cm.metrics != nil {
			cm.metrics.RecordResolverUpdate(metrics.ResolverOutcomeFailure)
		}
	} else {
		channelStatus = status.OK
		addresses = res.Addresses()
		attrs = res.Attributes()
		if cm.metrics != nil {
			cm.metrics.RecordResolverUpdate(metrics.ResolverOutcomeSuccess)
		}

		if cm.opts.disableServiceConfig {
			// Step 1: service config resolution disabled; ignore whatever
			// the resolver returned.
		} else {
			switch sc, scStatus := res.ServiceConfig(), res.ServiceConfigStatus(); {
			case sc != nil:
				cfg, err := internalsvcconfig.Select(sc.LoadBalancingConfigs)
				if err != nil {
					channelStatus = status.Newf(codes.Unavailable, "invalid service config: %v", err).WithCause(err)
				} else {
					lbConfig = cfg
					cm.previousLBConfig = cfg
				}
			case sc == nil && scStatus == nil:
				lbConfig = cm.hardCodedDefaultLocked()
				cm.previousLBConfig = lbConfig
				cm.logger.Event("ResolverServiceConfigNotUsed")
			case cm.previousLBConfig != nil:
				lbConfig = cm.previousLBConfig
				cm.logger.Event("ResolverServiceConfigFallback")
			default:
				channelStatus = status.Newf(codes.Unavailable, "service config resolution failed: %v", scStatus).WithCause(scStatus.Err())
			}
		}
	}

	if lbConfig == nil && channelStatus.OKStatus() {
		lbConfig = cm.hardCodedDefaultLocked()
	}

	lb := cm.ensureBalancerLocked(lbConfig)
	cm.logger.Event("ChannelStateUpdated", "status", channelStatus.String())

	var rawCfg serviceconfig.LoadBalancingConfig
	if lbConfig != nil {
		rawCfg = lbConfig.Config
	}
	err := lb.UpdateChannelState(balancer.ChannelState{
		Status:              channelStatus,
		Addresses:           addresses,
		LoadBalancingConfig: rawCfg,
		Attributes:          attrs,
	})

	if errors.Is(err, balancer.ErrBadResolverState) {
		cm.scheduleBadResolverStateRetryLocked()
	} else {
		cm.badStatePolicy = nil
		cm.badStateRetrying = false
	}
}

// hardCodedDefaultLocked returns the configured default config (step 3 of
// the A21 ladder), falling back to a bare pick_first when none was
// configured via WithDefaultServiceConfig.
func (cm *ChannelManager) hardCodedDefaultLocked() *internalsvcconfig.BalancerConfig {
	if cm.opts.defaultServiceConfig != nil {
		if cfg, err := internalsvcconfig.Select(cm.opts.defaultServiceConfig.LoadBalancingConfigs); err == nil && cfg != nil {
			return cfg
		}
	}
	return internalsvcconfig.DefaultBalancerConfig()
}

func (cm *ChannelManager) ensureBalancerLocked(cfg *internalsvcconfig.BalancerConfig) balancer.LoadBalancer {
	name := "pick_first"
	if cfg != nil && cfg.Name != "" {
		name = cfg.Name
	}
	if cm.lb != nil && cm.lbName == name {
		return cm.lb
	}
	if cm.lb != nil {
		cm.lb.Dispose()
	}
	b := balancer.Get(name)
	if b == nil {
		cm.logger.Warningf("no balancer registered for policy %q, falling back to pick_first", name)
		b = balancer.Get("pick_first")
		name = "pick_first"
	}
	cm.lb = b.Build(cm, balancer.BuildOptions{})
	cm.lbName = name
	return cm.lb
}

// scheduleBadResolverStateRetryLocked starts (if not already running) a
// backoff-gated resolver refresh loop, per spec §4.6: the connection
// manager responds to ErrBadResolverState by refreshing the resolver with
// backoff until a subsequent call succeeds. Must be called with
// balancerMu held.
func (cm *ChannelManager) scheduleBadResolverStateRetryLocked() {
	if cm.badStateRetrying {
		return
	}
	cm.badStateRetrying = true
	if cm.badStatePolicy == nil {
		cm.badStatePolicy = backoff.NewExponential(cm.opts.backoffConfig)
	}
	delay := cm.badStatePolicy.Next()

	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-cm.closedCh:
			return
		}
		cm.balancerMu.Lock()
		cm.badStateRetrying = false
		cm.balancerMu.Unlock()
		cm.RefreshResolver()
	}()
}

// --- pick loop ---

// dropError marks a status error as a Drop result per spec §6: the
// dispatched RPC error must be recognizable as non-retryable even with
// wait-for-ready. Callers that actually dispatch RPCs are expected to
// check IsDrop and attach status.DropMetadataKey to the outgoing trailer
// themselves, since trailer emission belongs to the call-dispatch layer
// (out of scope for this module, per spec §1).
type dropError struct{ err error }

func (e *dropError) Error() string { return e.err.Error() }
func (e *dropError) Unwrap() error { return e.err }

// IsDrop reports whether err originated from a picker.Drop result.
func IsDrop(err error) bool {
	var de *dropError
	return errors.As(err, &de)
}

// PickResult is the three-tuple a successful Pick returns: the bound
// subchannel, the address it is currently connected to, and an optional
// completion callback to invoke once the dispatched call terminates.
type PickResult struct {
	Subchannel *subchannel.Subchannel
	Address    resolver.Address
	OnComplete func()
}

// Pick implements the pick loop from spec §4.6. It blocks until a usable
// picker is available, ctx is canceled, or a definitive failure/drop is
// produced.
func (cm *ChannelManager) Pick(ctx context.Context, waitForReady bool) (PickResult, error) {
	cm.ensureResolverStarted()

	pickID := uuid.New().String()
	cm.logger.Event("PickStarted", "id", pickID)

	var previous picker.Picker
	for {
		cm.stateMu.Lock()
		if cm.closed {
			cm.stateMu.Unlock()
			return PickResult{}, status.New(codes.Unavailable, "connmanager: channel is shut down").Err()
		}
		cur := cm.curPicker
		waitCh := cm.nextPickerCh
		cm.stateMu.Unlock()

		if cur == nil || (previous != nil && cur == previous) {
			cm.logger.Event("PickWaiting", "id", pickID)
			select {
			case <-waitCh:
				continue
			case <-ctx.Done():
				return PickResult{}, ctx.Err()
			}
		}

		res := cur.Pick(ctx)
		switch {
		case res.IsComplete():
			sc := res.Subchannel()
			addr, ok := sc.CurrentAddress()
			if !ok {
				cm.logger.Event("PickResultSubchannelNoCurrentAddress", "id", pickID)
				previous = cur
				continue
			}
			cm.logger.Event("PickResultSuccessful", "id", pickID, "address", addr.Addr)
			if cm.metrics != nil {
				cm.metrics.RecordPickResult(metrics.PickResultComplete)
			}
			return PickResult{Subchannel: sc, Address: addr, OnComplete: res.OnComplete()}, nil

		case res.IsQueue():
			cm.logger.Event("PickResultQueued", "id", pickID)
			if cm.metrics != nil {
				cm.metrics.RecordPickResult(metrics.PickResultQueue)
			}
			previous = cur
			cm.stateMu.Lock()
			waitCh = cm.nextPickerCh
			cm.stateMu.Unlock()
			select {
			case <-waitCh:
			case <-ctx.Done():
				return PickResult{}, ctx.Err()
			}
			continue

		case res.IsFail():
			if waitForReady {
				cm.logger.Event("PickResultFailureWithWaitForReady", "id", pickID)
				previous = cur
				select {
				case <-waitCh:
				case <-ctx.Done():
					return PickResult{}, ctx.Err()
				}
				continue
			}
			cm.logger.Event("PickResultFailure", "id", pickID)
			if cm.metrics != nil {
				cm.metrics.RecordPickResult(metrics.PickResultFail)
			}
			return PickResult{}, res.Status().Err()

		case res.IsDrop():
			if cm.metrics != nil {
				cm.metrics.RecordPickResult(metrics.PickResultDrop)
			}
			return PickResult{}, &dropError{err: res.Status().Err()}

		default:
			return PickResult{}, status.New(codes.Internal, "connmanager: picker returned an invalid result").Err()
		}
	}
}

// ConnectAsync ensures the resolver is running and, if the channel is not
// already Ready, nudges the balancer to (re)connect. When waitForReady is
// true it blocks until the channel becomes Ready or ctx fires.
func (cm *ChannelManager) ConnectAsync(ctx context.Context, waitForReady bool) error {
	cm.ensureResolverStarted()

	cm.stateMu.Lock()
	ready := cm.curState == connectivity.Ready
	cm.stateMu.Unlock()
	if ready {
		return nil
	}

	cm.balancerMu.Lock()
	if cm.lb != nil {
		cm.lb.RequestConnection()
	}
	cm.balancerMu.Unlock()

	if !waitForReady {
		return nil
	}

	for {
		cm.stateMu.Lock()
		if cm.curState == connectivity.Ready {
			cm.stateMu.Unlock()
			return nil
		}
		if cm.closed {
			cm.stateMu.Unlock()
			return status.New(codes.Unavailable, "connmanager: channel is shut down").Err()
		}
		waitCh := cm.nextPickerCh
		cm.stateMu.Unlock()

		select {
		case <-waitCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// State returns the channel's current aggregated connectivity state.
func (cm *ChannelManager) State() connectivity.State {
	cm.stateMu.Lock()
	defer cm.stateMu.Unlock()
	return cm.curState
}

// Dispose tears down the balancer, every subchannel it owns, and the
// resolver, then rejects all further Pick/ConnectAsync calls. Idempotent.
func (cm *ChannelManager) Dispose() {
	cm.stateMu.Lock()
	if cm.closed {
		cm.stateMu.Unlock()
		return
	}
	cm.closed = true
	close(cm.closedCh)
	ch := cm.nextPickerCh
	cm.stateMu.Unlock()
	close(ch)

	cm.balancerMu.Lock()
	if cm.lb != nil {
		cm.lb.Dispose()
		cm.lb = nil
	}
	cm.balancerMu.Unlock()

	cm.resolverMu.Lock()
	cm.res.Dispose()
	cm.resolverMu.Unlock()
}
