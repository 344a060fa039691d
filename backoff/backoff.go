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

// Package backoff produces the monotone-ish exponential delay sequence used
// by subchannel reconnection and resolver retry, built on
// github.com/cenkalti/backoff/v4's ExponentialBackOff rather than
// hand-rolled multiplier/jitter math.
package backoff

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config carries the tunables for the canonical exponential-with-jitter
// sequence. The zero Config is replaced with DefaultConfig by NewExponential.
type Config struct {
	// BaseDelay is the amount of time to wait before retrying the first time.
	BaseDelay time.Duration
	// Multiplier is the factor by which the delay grows on each attempt.
	Multiplier float64
	// Jitter is the factor by which a delay is randomized; the actual delay
	// is uniform in [delay*(1-Jitter), delay*(1+Jitter)].
	Jitter float64
	// MaxDelay is the upper bound on any generated delay.
	MaxDelay time.Duration
}

// DefaultConfig is the canonical algorithm from the spec: multiplier ~1.6,
// initial base ~1s, cap ~120s, uniform jitter in [0.8, 1.2].
var DefaultConfig = Config{
	BaseDelay:  1.0 * time.Second,
	Multiplier: 1.6,
	Jitter:     0.2,
	MaxDelay:   120 * time.Second,
}

// maxInt32Millis is the practical cap so that a returned duration fits in
// whatever delay primitive (e.g. a timer expecting int32 milliseconds)
// ultimately consumes it.
const maxInt32Millis = time.Duration(math.MaxInt32) * time.Millisecond

// Policy produces a single attempt's worth of backoff state. Next is called
// once per failed attempt; it is not safe for concurrent use by multiple
// goroutines attempting the same logical retry loop (callers use one Policy
// per in-flight retry sequence).
type Policy interface {
	// Next returns the delay to wait before the next retry.
	Next() time.Duration
}

// Create returns a fresh exponential Policy using DefaultConfig. Resetting
// backoff state (e.g. after a successful connection) is done by discarding
// the old Policy and calling Create again, rather than mutating one in
// place.
func Create() Policy {
	return NewExponential(DefaultConfig)
}

type exponential struct {
	b *backoff.ExponentialBackOff
}

// NewExponential builds a Policy from cfg, clamping MaxDelay (and any
// individual returned duration) to fit int32 milliseconds.
func NewExponential(cfg Config) Policy {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig.BaseDelay
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = DefaultConfig.Multiplier
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = DefaultConfig.Jitter
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	if cfg.MaxDelay > maxInt32Millis {
		cfg.MaxDelay = maxInt32Millis
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.Jitter
	b.MaxInterval = cfg.MaxDelay
	// MaxElapsedTime is the cenkalti/backoff concept of "give up"; this
	// subsystem's retry loops never give up on their own, only on explicit
	// cancellation, so disable it.
	b.MaxElapsedTime = 0
	b.Reset()
	return &exponential{b: b}
}

func (e *exponential) Next() time.Duration {
	d := e.b.NextBackOff()
	if d == backoff.Stop {
		// Unreachable with MaxElapsedTime == 0, but clamp defensively.
		d = e.b.MaxInterval
	}
	if d > maxInt32Millis {
		d = maxInt32Millis
	}
	return d
}
