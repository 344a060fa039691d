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

// Package serviceconfig implements the balancer-config selection step of the
// gRFC A21 service-config ladder: picking the first loadBalancingConfig
// entry whose policy name is registered, and parsing its policy-specific
// config via that policy's balancer.ConfigParser, if it has one.
//
// This is adapted from the teacher's BalancerConfig.UnmarshalJSON, which did
// the same selection directly against raw JSON text. Full service-config
// JSON text parsing is out of scope for this module (spec §1); callers hand
// this package an already-parsed candidate list
// (serviceconfig.RawLoadBalancingConfig), so only the "pick a policy, then
// parse its own small JSON blob" step lives here.
package serviceconfig

import (
	"fmt"

	"github.com/grpclbcore/grpclbcore/balancer"
	"github.com/grpclbcore/grpclbcore/internal/grpclog"
	extsvcconfig "github.com/grpclbcore/grpclbcore/serviceconfig"
)

var logger = grpclog.Component("serviceconfig")

// BalancerConfig wraps the resolved policy name and its parsed config.
type BalancerConfig struct {
	Name   string
	Config extsvcconfig.LoadBalancingConfig
}

// DefaultBalancerConfig is the hard-coded config used by step 3 of the A21
// ladder when a resolver reports no service config and no
// ServiceConfigStatus — "pick_first" is the long-standing gRPC default.
func DefaultBalancerConfig() *BalancerConfig {
	return &BalancerConfig{Name: "pick_first"}
}

// Select walks candidates in order and returns the first whose PolicyName is
// a registered balancer. If that builder implements balancer.ConfigParser,
// its raw config is parsed; if parsing fails, the whole selection fails (the
// service config is considered invalid, matching the teacher's
// "If the config for the first supported policy is invalid, the whole
// service config is invalid" rule). A name with no registered builder is
// skipped with a warning, not an error — "unknown policy names are ignored
// with a warning" per spec §6.
func Select(candidates []extsvcconfig.RawLoadBalancingConfig) (*BalancerConfig, error) {
	for _, c := range candidates {
		builder := balancer.Get(c.PolicyName)
		if builder == nil {
			logger.Event("ResolverUnsupportedLoadBalancingConfig", "policy", c.PolicyName)
			continue
		}
		parser, ok := builder.(balancer.ConfigParser)
		if !ok {
			if len(c.Config) > 0 && string(c.Config) != "{}" {
				logger.Warningf("non-empty balancer configuration %q for policy %q, but it does not implement ParseConfig", string(c.Config), c.PolicyName)
			}
			return &BalancerConfig{Name: c.PolicyName}, nil
		}
		cfg, err := parser.ParseConfig(c.Config)
		if err != nil {
			return nil, fmt.Errorf("invalid loadBalancingConfig for policy %q: %w", c.PolicyName, err)
		}
		return &BalancerConfig{Name: c.PolicyName, Config: cfg}, nil
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return nil, fmt.Errorf("invalid loadBalancingConfig: no supported policies found among %d candidates", len(candidates))
}
