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

// Package polling implements the specialization of resolver.Resolver used
// by implementations that do periodic async work (DNS lookups, etc.): at
// most one resolve attempt in flight at a time, with concurrent Refresh
// calls coalescing onto it, and backoff-and-retry when an attempt doesn't
// deliver a successful result.
package polling

import (
	"context"
	"time"

	"github.com/grpclbcore/grpclbcore/backoff"
	"github.com/grpclbcore/grpclbcore/internal/grpclog"
	"github.com/grpclbcore/grpclbcore/resolver"
	"github.com/grpclbcore/grpclbcore/status"
)

// ResolveFunc performs one resolution attempt. It should call deliver for
// every resolver.Result it produces (typically zero or one). A non-nil
// returned error, other than ctx's own cancellation, is treated as if the
// attempt failed without delivering anything: the Resolver both surfaces a
// Failure to the listener and schedules a retry.
type ResolveFunc func(ctx context.Context, deliver func(resolver.Result)) error

// Resolver adapts a ResolveFunc into a full resolver.Resolver.
type Resolver struct {
	listener       resolver.Listener
	resolve        ResolveFunc
	backoffFactory func() backoff.Policy
	logger         *grpclog.ComponentLogger

	startOnce chan struct{} // closed once Start is called; used to panic on double-Start

	mu      chanMutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// chanMutex is a tiny mutex implemented as a 1-buffered channel so this
// package has no other dependency; behaves exactly like sync.Mutex.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}
func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

// New builds a polling Resolver. backoffFactory may be nil to disable
// retries entirely (a single failed attempt is then terminal until the next
// explicit Refresh).
func New(listener resolver.Listener, resolve ResolveFunc, backoffFactory func() backoff.Policy, logger *grpclog.ComponentLogger) *Resolver {
	if logger == nil {
		logger = grpclog.Component("resolver")
	}
	return &Resolver{
		listener:       listener,
		resolve:        resolve,
		backoffFactory: backoffFactory,
		logger:         logger,
		startOnce:      make(chan struct{}, 1),
		mu:             newChanMutex(),
	}
}

// Start begins resolution. Calling it twice is a programmer error.
func (r *Resolver) Start() {
	select {
	case r.startOnce <- struct{}{}:
	default:
		panic("polling: Start called more than once")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.ctx = ctx
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	go r.runLoop(ctx)
}

// Refresh is a hint to re-resolve; it coalesces onto any in-flight attempt.
func (r *Resolver) Refresh() {
	r.mu.Lock()
	if r.ctx == nil {
		r.mu.Unlock()
		panic("polling: Refresh called before Start")
	}
	if r.running {
		r.mu.Unlock()
		r.logger.Event("ResolverRefreshIgnored")
		return
	}
	r.running = true
	ctx := r.ctx
	r.mu.Unlock()

	r.logger.Event("ResolverRefreshRequested")
	go r.runLoop(ctx)
}

// Dispose cancels any in-flight resolution and backoff sleep.
func (r *Resolver) Dispose() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Resolver) runLoop(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	var policy backoff.Policy
	for {
		if ctx.Err() != nil {
			return
		}

		deliveredOK := false
		deliver := func(res resolver.Result) {
			if res.IsSuccess() {
				deliveredOK = true
			}
			r.listener(res)
		}

		err := r.resolve(ctx, deliver)
		if ctx.Err() != nil {
			// Cancellation is never logged as an error and never treated
			// as a channel failure; it only ends this attempt.
			return
		}

		if err != nil {
			r.logger.Event("ResolverRefreshError", "err", err.Error())
			r.listener(resolver.Failure(status.FromError(err).WithCause(err)))
		} else if deliveredOK {
			return
		}

		if r.backoffFactory == nil {
			return
		}
		if policy == nil {
			policy = r.backoffFactory()
		}
		delay := policy.Next()
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}
