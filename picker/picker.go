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

// Package picker defines the per-call pick decision objects: the Picker
// interface and the four-variant PickResult it returns, plus the four
// standard pickers (pick-first, round-robin, empty, error) used throughout
// the balancer plane.
package picker

import (
	"context"
	"sync/atomic"

	"github.com/grpclbcore/grpclbcore/status"
	"github.com/grpclbcore/grpclbcore/subchannel"
)

// resultKind tags which of the four PickResult variants a value holds.
type resultKind int

const (
	kindComplete resultKind = iota
	kindQueue
	kindFail
	kindDrop
)

// Result is the tagged outcome of a Pick call. Exactly one of the
// constructors (Complete, Queue, Fail, Drop) should be used to build one;
// the zero value is an invalid Result.
type Result struct {
	kind       resultKind
	subchannel *subchannel.Subchannel
	onComplete func()
	status     *status.Status
}

// Complete returns a Result carrying a bound subchannel and an optional
// completion callback, invoked by the caller when the RPC the pick was for
// terminates.
func Complete(sc *subchannel.Subchannel, onComplete func()) Result {
	return Result{kind: kindComplete, subchannel: sc, onComplete: onComplete}
}

// Queue returns a Result asking the caller to wait for the next Picker.
func Queue() Result {
	return Result{kind: kindQueue}
}

// Fail returns a Result that fails the call with st. Retryable via
// wait-for-ready.
func Fail(st *status.Status) Result {
	return Result{kind: kindFail, status: st}
}

// Drop returns a Result that rejects the call with st. Never retried, even
// with wait-for-ready; retry layers must honor the drop marker (see
// status.DropMetadataKey).
func Drop(st *status.Status) Result {
	return Result{kind: kindDrop, status: st}
}

// IsComplete reports whether r is a Complete result.
func (r Result) IsComplete() bool { return r.kind == kindComplete }

// IsQueue reports whether r is a Queue result.
func (r Result) IsQueue() bool { return r.kind == kindQueue }

// IsFail reports whether r is a Fail result.
func (r Result) IsFail() bool { return r.kind == kindFail }

// IsDrop reports whether r is a Drop result.
func (r Result) IsDrop() bool { return r.kind == kindDrop }

// Subchannel returns the bound subchannel of a Complete result.
func (r Result) Subchannel() *subchannel.Subchannel { return r.subchannel }

// OnComplete returns the completion callback of a Complete result, if any.
func (r Result) OnComplete() func() { return r.onComplete }

// Status returns the status of a Fail or Drop result.
func (r Result) Status() *status.Status { return r.status }

// Picker is a pure function of whatever state it captured at construction
// time; Pick must not mutate that state, so two concurrent Pick calls on the
// same Picker always observe the same internal state (spec §8 invariant 6).
type Picker interface {
	Pick(ctx context.Context) Result
}

// Empty always returns Queue. Used while the balancer has no usable
// subchannel yet but expects one soon (e.g. Connecting).
type Empty struct{}

func (Empty) Pick(context.Context) Result { return Queue() }

// Error always returns Fail(st) (or Drop(st), via NewDropPicker) for every
// pick, until a new Picker is published.
type Error struct {
	st   *status.Status
	drop bool
}

// NewErrorPicker returns a Picker that fails every pick with st.
func NewErrorPicker(st *status.Status) *Error { return &Error{st: st} }

// NewDropPicker returns a Picker that drops every pick with st.
func NewDropPicker(st *status.Status) *Error { return &Error{st: st, drop: true} }

func (e *Error) Pick(context.Context) Result {
	if e.drop {
		return Drop(e.st)
	}
	return Fail(e.st)
}

// PickFirst holds exactly one subchannel and always returns it Complete.
type PickFirst struct {
	sc *subchannel.Subchannel
	// requestOnPick, when true, calls sc.RequestConnection() as a side
	// effect of Pick before returning — used for the Idle-state variant
	// that nudges the subchannel to start connecting.
	requestOnPick bool
}

// NewPickFirst returns a picker that always hands back sc.
func NewPickFirst(sc *subchannel.Subchannel) *PickFirst {
	return &PickFirst{sc: sc}
}

// NewRequestConnectionPicker returns a picker used while sc is Idle: Pick
// triggers sc.RequestConnection() as a side effect, then still returns
// Complete so the call queues behind the subchannel's own connect loop.
func NewRequestConnectionPicker(sc *subchannel.Subchannel) *PickFirst {
	return &PickFirst{sc: sc, requestOnPick: true}
}

func (p *PickFirst) Pick(context.Context) Result {
	if p.requestOnPick {
		_ = p.sc.RequestConnection()
	}
	return Complete(p.sc, nil)
}

// RoundRobin holds a fixed, immutable snapshot of Ready subchannels and
// hands them out in round-robin order via an atomic counter.
type RoundRobin struct {
	subchannels []*subchannel.Subchannel
	next        uint32
}

// NewRoundRobin returns a round-robin picker over the given (non-empty)
// subchannel list. The slice is copied so later mutation by the caller
// cannot affect this picker's immutability guarantee.
func NewRoundRobin(subchannels []*subchannel.Subchannel) *RoundRobin {
	cp := make([]*subchannel.Subchannel, len(subchannels))
	copy(cp, subchannels)
	return &RoundRobin{subchannels: cp}
}

func (r *RoundRobin) Pick(context.Context) Result {
	if len(r.subchannels) == 0 {
		return Queue()
	}
	idx := atomic.AddUint32(&r.next, 1) - 1
	sc := r.subchannels[idx%uint32(len(r.subchannels))]
	return Complete(sc, nil)
}
