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

// Package roundrobin registers the "round_robin" policy: a subchannels-base
// balancer (internal/balancer/base) whose CreatePicker returns a
// picker.RoundRobin over the current Ready set.
package roundrobin

import (
	"github.com/grpclbcore/grpclbcore/balancer"
	"github.com/grpclbcore/grpclbcore/internal/balancer/base"
	"github.com/grpclbcore/grpclbcore/picker"
	"github.com/grpclbcore/grpclbcore/subchannel"
)

// Name is the policy name registered with the balancer registry.
const Name = "round_robin"

func init() {
	balancer.Register(base.NewBaseBuilder(Name, pickerBuilder{}))
}

type pickerBuilder struct{}

func (pickerBuilder) CreatePicker(ready []*subchannel.Subchannel) picker.Picker {
	return picker.NewRoundRobin(ready)
}
