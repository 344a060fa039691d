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

package subchannel

import (
	"context"
	"time"

	"github.com/grpclbcore/grpclbcore/resolver"
)

// ConnectResult is the outcome of a single Transport.TryConnect attempt.
type ConnectResult int

const (
	// ConnectSuccess indicates the transport connected. The subchannel
	// transitions to Ready and stops trying further addresses.
	ConnectSuccess ConnectResult = iota
	// ConnectTimeout indicates ConnectTimeout elapsed before the attempt
	// completed. The subchannel transitions to Idle rather than continuing
	// to the next address or backing off.
	ConnectTimeout
	// ConnectFailure indicates the attempt failed for a reason other than
	// timeout. The subchannel tries the next address, if any, or backs off
	// once the whole address list has been exhausted.
	ConnectFailure
)

func (r ConnectResult) String() string {
	switch r {
	case ConnectSuccess:
		return "Success"
	case ConnectTimeout:
		return "Timeout"
	case ConnectFailure:
		return "Failure"
	default:
		return "Unknown"
	}
}

// Transport is the boundary between a Subchannel and the real transport
// layer (HTTP/2 framing, TLS — explicitly out of scope for this module; see
// internal/transport/dialer for a minimal stand-in). A Subchannel owns
// exactly one Transport instance for its whole lifetime, reusing it across
// every address it tries and every backoff retry, until Dispose.
type Transport interface {
	// TryConnect attempts to connect to address. It suspends until the
	// attempt resolves or ctx is canceled, in which case it must return
	// promptly with ctx.Err() as the error and the result is ignored.
	TryConnect(ctx context.Context, address resolver.Address) (ConnectResult, error)
	// Disconnect drops the current connection synchronously, if any.
	Disconnect()
	// CurrentEndPoint returns the address this transport is connected to,
	// and whether it is currently connected at all.
	CurrentEndPoint() (resolver.Address, bool)
	// ConnectTimeout returns the per-attempt timeout to enforce, if the
	// transport wants one enforced on its behalf via the connect context.
	ConnectTimeout() (time.Duration, bool)
	// OnRequestComplete notifies the transport that an RPC dispatched
	// through it has terminated, for stream-counting/address-reachability
	// heuristics. completionCtx carries whatever per-call detail the
	// transport wants (e.g. success/failure), out of scope for this
	// module to define further.
	OnRequestComplete(completionCtx context.Context)
}
