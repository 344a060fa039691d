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

package connectivity

import "testing"

func TestStringCoversAllValues(t *testing.T) {
	cases := map[State]string{
		Idle:             "IDLE",
		Connecting:       "CONNECTING",
		Ready:            "READY",
		TransientFailure: "TRANSIENT_FAILURE",
		Shutdown:         "SHUTDOWN",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestShutdownIsTerminalByConvention(t *testing.T) {
	// Shutdown has the highest ordinal; callers that treat it as terminal
	// rely only on the documented contract, not this ordering, but the
	// enum should not silently grow a value after it.
	if Shutdown <= Ready {
		t.Fatalf("Shutdown (%d) is not ordered after Ready (%d)", Shutdown, Ready)
	}
}
