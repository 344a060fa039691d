/*
 *
 * Copyright 2020 gRPC authors.
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

// Package serviceconfig declares the shared value types a resolver and a
// balancer both need without either depending on the other: the
// LoadBalancingConfig marker interface a balancer's ConfigParser produces,
// and the RawServiceConfig shape a resolver is handed (already parsed from
// JSON text by the caller — this package never touches JSON source text).
package serviceconfig

import "encoding/json"

// LoadBalancingConfig is implemented by a balancer's parsed, policy-specific
// configuration. It carries no methods: it exists only so the type system
// distinguishes "a balancer config" from an arbitrary value.
type LoadBalancingConfig interface{}

// RawLoadBalancingConfig is one entry of a service config's
// loadBalancingConfig list: a policy name plus its still-raw, policy
// specific JSON. Selection among competing entries (first registered policy
// wins) and parsing of Config happens in internal/serviceconfig, since it
// needs the balancer registry.
type RawLoadBalancingConfig struct {
	PolicyName string
	Config     json.RawMessage
}

// MethodConfig carries the non-retry per-method policy fields accepted by
// this module. Retry/hedging policy evaluation is out of scope (spec §1);
// the fields are stored for the caller's benefit but never interpreted
// here.
type MethodConfig struct {
	WaitForReady *bool
	Timeout      *float64 // seconds
	MaxReqSize   *int
	MaxRespSize  *int
}

// RawServiceConfig is the parsed structure a resolver may attach to a
// successful Result: an ordered candidate list of load balancing configs and
// a list of method configs. It is "parsed" in the sense spec §1 uses the
// word: the caller has already turned JSON text into this Go value; this
// package does no text parsing.
type RawServiceConfig struct {
	LoadBalancingConfigs []RawLoadBalancingConfig
	MethodConfigs        []MethodConfig
}
