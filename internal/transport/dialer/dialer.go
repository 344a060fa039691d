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

// Package dialer provides a minimal subchannel.Transport backed by a plain
// net.Dialer TCP handshake. It exists so the rest of this module (and its
// tests) have something concrete to connect with; it speaks no RPC framing
// of any kind and is not a substitute for a real HTTP/2 transport. A
// production channel implementation would supply its own Transport per
// spec §4.7 instead.
package dialer

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/grpclbcore/grpclbcore/internal/grpclog"
	"github.com/grpclbcore/grpclbcore/resolver"
	"github.com/grpclbcore/grpclbcore/subchannel"
)

var logger = grpclog.Component("transport.dialer")

// Transport is a subchannel.Transport that dials raw TCP connections.
type Transport struct {
	dialer  net.Dialer
	timeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	current *resolver.Address
}

// New returns a Transport whose TryConnect attempts are bounded by timeout
// when non-zero; a zero timeout means "no transport-enforced timeout" (the
// subchannel's connect context is used as-is).
func New(timeout time.Duration) *Transport {
	return &Transport{timeout: timeout}
}

func (t *Transport) ConnectTimeout() (time.Duration, bool) {
	if t.timeout <= 0 {
		return 0, false
	}
	return t.timeout, true
}

func (t *Transport) TryConnect(ctx context.Context, address resolver.Address) (subchannel.ConnectResult, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", address.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return subchannel.ConnectTimeout, ctx.Err()
		}
		logger.Event("DialFailed", "address", address.Addr, "err", err.Error())
		return subchannel.ConnectFailure, err
	}

	t.mu.Lock()
	t.conn = conn
	a := address
	t.current = &a
	t.mu.Unlock()

	logger.Event("DialSucceeded", "address", address.Addr)
	return subchannel.ConnectSuccess, nil
}

func (t *Transport) Disconnect() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.current = nil
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (t *Transport) CurrentEndPoint() (resolver.Address, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return resolver.Address{}, false
	}
	return *t.current, true
}

// OnRequestComplete is a no-op: this transport does no RPC dispatch of its
// own, so it has no stream-count or reachability heuristic to update.
func (t *Transport) OnRequestComplete(context.Context) {}
