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

// Package subchannel implements a logical connection to one of a set of
// equivalent addresses: the five-state connectivity FSM, bounded
// exponential-backoff reconnection across the address list, and state-change
// broadcast.
//
// A Subchannel represents one logical connection to *one of* a set of
// equivalent addresses. It tries them in order on each connect attempt
// sequence: try_on_all_addresses -> backoff -> try_on_all_addresses. A
// Subchannel owns exactly one Transport at a time.
package subchannel

import (
	"context"
	"errors"
	"sync"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/grpclbcore/grpclbcore/attributes"
	"github.com/grpclbcore/grpclbcore/backoff"
	"github.com/grpclbcore/grpclbcore/connectivity"
	"github.com/grpclbcore/grpclbcore/internal/grpclog"
	"github.com/grpclbcore/grpclbcore/resolver"
	"github.com/grpclbcore/grpclbcore/status"
)

// errAlreadyShutdown is returned by operations attempted on a disposed
// Subchannel. It is a programmer error, per spec §7, and is never recovered
// from internally.
var errAlreadyShutdown = errors.New("subchannel: already shutdown")

// StateChangeFunc is invoked synchronously, in registration order, for every
// accepted connectivity transition. It is always called outside the
// subchannel's internal lock.
type StateChangeFunc func(state connectivity.State, err *status.Status)

// Subscription is returned by OnStateChanged; Unsubscribe removes the
// registered callback. It is safe to call more than once.
type Subscription struct {
	sc *Subchannel
	id int64
}

// Unsubscribe removes the associated callback from the subchannel's
// registration list.
func (s *Subscription) Unsubscribe() {
	s.sc.removeListener(s.id)
}

type listener struct {
	id int64
	cb StateChangeFunc
}

// Subchannel is owned by a connection manager and the load balancer it
// hands the subchannel to; it owns exactly one Transport.
type Subchannel struct {
	id             int64
	transport      Transport
	backoffFactory func() backoff.Policy
	logger         *grpclog.ComponentLogger

	// connectSem is a binary semaphore: at most one connect loop may hold
	// it (and therefore be calling Transport.TryConnect) at a time.
	connectSem chan struct{}

	mu             sync.Mutex
	addresses      []resolver.Address
	state          connectivity.State
	currentAddress *resolver.Address
	attrs          *attributes.Attributes
	connectCancel  context.CancelFunc
	interrupt      chan struct{}
	listeners      []*listener
	nextListenerID int64
}

// New constructs a Subchannel in the Idle state for the given address list,
// backed by transport. backoffFactory defaults to backoff.Create if nil.
func New(id int64, addresses []resolver.Address, transport Transport, backoffFactory func() backoff.Policy, logger *grpclog.ComponentLogger) *Subchannel {
	if logger == nil {
		logger = grpclog.Component("subchannel")
	}
	if backoffFactory == nil {
		backoffFactory = func() backoff.Policy { return backoff.Create() }
	}
	sc := &Subchannel{
		id:             id,
		addresses:      append([]resolver.Address(nil), addresses...),
		transport:      transport,
		backoffFactory: backoffFactory,
		logger:         logger,
		state:          connectivity.Idle,
		attrs:          attributes.Empty,
		connectSem:     make(chan struct{}, 1),
	}
	logger.Event("SubchannelCreated", "id", id, "numAddresses", len(addresses))
	return sc
}

// ID returns the subchannel's per-channel monotone identifier.
func (s *Subchannel) ID() int64 { return s.id }

// Addresses returns a snapshot of the current address set.
func (s *Subchannel) Addresses() []resolver.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]resolver.Address(nil), s.addresses...)
}

// State returns the current connectivity state.
func (s *Subchannel) State() connectivity.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentAddress returns the address this subchannel is currently connected
// to, if state is Ready.
func (s *Subchannel) CurrentAddress() (resolver.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentAddress == nil {
		return resolver.Address{}, false
	}
	return *s.currentAddress, true
}

// Attributes returns the balancer-facing attribute map. It is mutable only
// by the owning balancer via SetAttributes; pickers must treat it as
// read-only.
func (s *Subchannel) Attributes() *attributes.Attributes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs
}

// SetAttributes replaces the balancer-facing attribute map. Only the owning
// balancer should call this.
func (s *Subchannel) SetAttributes(a *attributes.Attributes) {
	if a == nil {
		a = attributes.Empty
	}
	s.mu.Lock()
	s.attrs = a
	s.mu.Unlock()
}

// UpdateAddresses updates the address set used by this subchannel, per the
// rules in spec §4.3. It is a no-op if the set is structurally equal
// (order-insensitive) to the current one.
func (s *Subchannel) UpdateAddresses(newAddresses []resolver.Address) error {
	s.mu.Lock()
	if s.state == connectivity.Shutdown {
		s.mu.Unlock()
		return errAlreadyShutdown
	}
	if addressSetEqual(s.addresses, newAddresses) {
		s.mu.Unlock()
		return nil
	}
	old := s.state
	oldAddrs := s.addresses
	s.addresses = append([]resolver.Address(nil), newAddresses...)

	var currentStillPresent bool
	if s.currentAddress != nil {
		for _, a := range newAddresses {
			if a.Equal(*s.currentAddress) {
				currentStillPresent = true
				break
			}
		}
	}
	cancel := s.connectCancel
	s.mu.Unlock()

	switch old {
	case connectivity.Idle:
		s.logger.Event("AddressesUpdated", "id", s.id, "from", len(oldAddrs), "to", len(newAddresses))
		return nil
	case connectivity.Connecting, connectivity.TransientFailure:
		s.logger.Event("AddressesUpdatedWhileConnecting", "id", s.id)
		if cancel != nil {
			cancel()
		}
		s.transport.Disconnect()
		s.setState(connectivity.Idle, nil)
		return s.RequestConnection()
	case connectivity.Ready:
		if currentStillPresent {
			return nil
		}
		s.logger.Event("ConnectedAddressNotInUpdatedAddresses", "id", s.id)
		if cancel != nil {
			cancel()
		}
		s.transport.Disconnect()
		s.setState(connectivity.Idle, nil)
		return s.RequestConnection()
	}
	return nil
}

// RequestConnection starts connecting if Idle, or interrupts an in-progress
// backoff delay so the next attempt happens immediately otherwise.
func (s *Subchannel) RequestConnection() error {
	s.mu.Lock()
	switch s.state {
	case connectivity.Shutdown:
		s.mu.Unlock()
		return errAlreadyShutdown
	case connectivity.Idle:
		s.mu.Unlock()
		s.logger.Event("ConnectionRequested", "id", s.id)
		s.setState(connectivity.Connecting, nil)
		s.startConnectLoop()
		return nil
	default:
		s.logger.Event("ConnectionRequestedInNonIdleState", "id", s.id, "state", s.state.String())
		interrupt := s.interrupt
		s.mu.Unlock()
		if interrupt != nil {
			select {
			case interrupt <- struct{}{}:
			default:
			}
		}
		return nil
	}
}

// OnStateChanged registers cb to be invoked, synchronously and in
// registration order, on every accepted connectivity transition.
func (s *Subchannel) OnStateChanged(cb StateChangeFunc) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListenerID
	s.nextListenerID++
	s.listeners = append(s.listeners, &listener{id: id, cb: cb})
	return &Subscription{sc: s, id: id}
}

func (s *Subchannel) removeListener(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Dispose transitions the subchannel to Shutdown, cancels any connect work,
// disconnects the transport (Transport has no separate dispose step), and
// clears all registrations. Idempotent.
func (s *Subchannel) Dispose() {
	s.mu.Lock()
	if s.state == connectivity.Shutdown {
		s.mu.Unlock()
		return
	}
	s.state = connectivity.Shutdown
	s.currentAddress = nil
	cancel := s.connectCancel
	ls := append([]*listener(nil), s.listeners...)
	s.listeners = nil
	s.mu.Unlock()

	if cancel != nil {
		s.logger.Event("CancelingConnect", "id", s.id)
		cancel()
	}
	s.transport.Disconnect()
	s.logger.Event("SubchannelStateChanged", "id", s.id, "state", connectivity.Shutdown.String())
	for _, l := range ls {
		l.cb(connectivity.Shutdown, nil)
	}
}

// setState applies newState and notifies listeners outside the lock.
// Transitions to the same state, or away from Shutdown, are dropped.
func (s *Subchannel) setState(newState connectivity.State, st *status.Status) {
	s.mu.Lock()
	if s.state == connectivity.Shutdown || s.state == newState {
		s.mu.Unlock()
		return
	}
	s.state = newState
	if newState != connectivity.Ready {
		s.currentAddress = nil
	}
	ls := append([]*listener(nil), s.listeners...)
	s.mu.Unlock()

	s.logger.Event("SubchannelStateChanged", "id", s.id, "state", newState.String())
	for _, l := range ls {
		l.cb(newState, st)
	}
}

func (s *Subchannel) setReady(addr resolver.Address) {
	s.mu.Lock()
	if s.state == connectivity.Shutdown || s.state == connectivity.Ready {
		s.mu.Unlock()
		return
	}
	s.state = connectivity.Ready
	s.currentAddress = &addr
	ls := append([]*listener(nil), s.listeners...)
	s.mu.Unlock()

	s.logger.Event("SubchannelStateChanged", "id", s.id, "state", connectivity.Ready.String(), "address", addr.Addr)
	for _, l := range ls {
		l.cb(connectivity.Ready, nil)
	}
}

func (s *Subchannel) startConnectLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	interrupt := make(chan struct{}, 1)

	s.mu.Lock()
	s.connectCancel = cancel
	s.interrupt = interrupt
	s.mu.Unlock()

	go s.connectLoop(ctx, interrupt)
}

// connectLoop is the sole body that may call Transport.TryConnect, gated by
// connectSem so at most one attempt is ever in flight per subchannel.
func (s *Subchannel) connectLoop(ctx context.Context, interrupt chan struct{}) {
	select {
	case s.connectSem <- struct{}{}:
	default:
		s.logger.Event("QueuingConnect", "id", s.id)
		select {
		case s.connectSem <- struct{}{}:
		case <-ctx.Done():
			s.logger.Event("ConnectCanceled", "id", s.id)
			return
		}
	}
	defer func() { <-s.connectSem }()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Event("ConnectError", "id", s.id, "panic", r)
			s.setState(connectivity.TransientFailure, status.Newf(codes.Internal, "panic in connect loop: %v", r))
		}
	}()

	policy := s.backoffFactory()
	addrIdx := 0
	for {
		s.mu.Lock()
		if s.state == connectivity.Shutdown {
			s.mu.Unlock()
			return
		}
		addrs := s.addresses
		if len(addrs) == 0 {
			s.mu.Unlock()
			return
		}
		if addrIdx >= len(addrs) {
			addrIdx = 0
		}
		addr := addrs[addrIdx]
		s.mu.Unlock()

		s.logger.Event("ConnectingTransport", "id", s.id, "address", addr.Addr)

		connectCtx := ctx
		var timeoutCancel context.CancelFunc
		if d, ok := s.transport.ConnectTimeout(); ok {
			connectCtx, timeoutCancel = context.WithTimeout(ctx, d)
		}
		result, connErr := s.transport.TryConnect(connectCtx, addr)
		if timeoutCancel != nil {
			timeoutCancel()
		}

		if ctx.Err() != nil {
			s.logger.Event("ConnectCanceled", "id", s.id)
			return
		}

		switch result {
		case ConnectSuccess:
			s.setReady(addr)
			return
		case ConnectTimeout:
			s.setState(connectivity.Idle, status.New(codes.Unavailable, "Timeout connecting to subchannel.").WithCause(connErr))
			return
		default: // ConnectFailure
			addrIdx++
			if addrIdx < len(addrs) {
				continue
			}
			addrIdx = 0
			s.setState(connectivity.TransientFailure, status.New(codes.Unavailable, "connect attempt failed on all addresses").WithCause(connErr))

			delay := policy.Next()
			s.logger.Event("StartingConnectBackoff", "id", s.id, "delay", delay.String())
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
				s.logger.Event("ConnectBackoffComplete", "id", s.id)
			case <-interrupt:
				timer.Stop()
				policy = s.backoffFactory()
				s.logger.Event("ConnectBackoffInterrupted", "id", s.id)
			case <-ctx.Done():
				timer.Stop()
				s.logger.Event("ConnectCanceled", "id", s.id)
				return
			}
		}
	}
}

// addressSetEqual reports whether a and b contain the same addresses,
// independent of order (multiset/structural equality per spec §3 and §8
// invariant 5).
func addressSetEqual(a, b []resolver.Address) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
	for _, x := range a {
		found := false
		for i, y := range b {
			if used[i] {
				continue
			}
			if x.Equal(y) {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
