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

package resolver

import (
	"github.com/grpclbcore/grpclbcore/attributes"
	"github.com/grpclbcore/grpclbcore/serviceconfig"
	"github.com/grpclbcore/grpclbcore/status"
)

// Result is a tagged value of either Success or Failure; it is never
// constructed directly outside of this package's Success/Failure
// constructors, which enforce the invariants from the data model:
// Failure.Status is never OK, and a Success's ServiceConfigStatus may carry
// any code only if ServiceConfig is non-nil when that code is OK.
type Result struct {
	ok bool // true for Success, false for Failure

	addresses []Address
	attrs     *attributes.Attributes

	serviceConfig       *serviceconfig.RawServiceConfig
	serviceConfigStatus *status.Status

	failureStatus *status.Status
}

// Success builds a successful resolution result. serviceConfig and
// serviceConfigStatus are both optional; passing a non-nil
// serviceConfigStatus with code OK without a serviceConfig is a programmer
// error (it violates the data-model invariant) and panics, since it can
// only arise from a resolver construction bug, not from any external input.
func Success(addresses []Address, attrs *attributes.Attributes, serviceConfig *serviceconfig.RawServiceConfig, serviceConfigStatus *status.Status) Result {
	if serviceConfigStatus != nil && serviceConfigStatus.OKStatus() && serviceConfig == nil {
		panic("resolver: Success called with an OK serviceConfigStatus but no serviceConfig")
	}
	if attrs == nil {
		attrs = attributes.Empty
	}
	return Result{
		ok:                  true,
		addresses:           addresses,
		attrs:               attrs,
		serviceConfig:       serviceConfig,
		serviceConfigStatus: serviceConfigStatus,
	}
}

// Failure builds a failed resolution result. st must not be an OK status;
// passing one panics, matching the invariant that Failure.status is never
// OK.
func Failure(st *status.Status) Result {
	if st == nil || st.OKStatus() {
		panic("resolver: Failure called with a nil or OK status")
	}
	return Result{ok: false, failureStatus: st}
}

// IsSuccess reports whether r is a Success result.
func (r Result) IsSuccess() bool { return r.ok }

// Addresses returns the resolved address set. Only meaningful when
// IsSuccess is true.
func (r Result) Addresses() []Address { return r.addresses }

// Attributes returns resolver-level attributes. Only meaningful when
// IsSuccess is true.
func (r Result) Attributes() *attributes.Attributes { return r.attrs }

// ServiceConfig returns the parsed service config, if any. Only meaningful
// when IsSuccess is true.
func (r Result) ServiceConfig() *serviceconfig.RawServiceConfig { return r.serviceConfig }

// ServiceConfigStatus returns the status describing why no ServiceConfig was
// produced (or confirming one was), if any. Only meaningful when IsSuccess
// is true.
func (r Result) ServiceConfigStatus() *status.Status { return r.serviceConfigStatus }

// FailureStatus returns the failure status. Only meaningful when IsSuccess
// is false.
func (r Result) FailureStatus() *status.Status { return r.failureStatus }
