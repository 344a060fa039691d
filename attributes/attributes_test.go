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

package attributes

import "testing"

var (
	weightKey = NewKey[int]("weight")
	nameKey   = NewKey[string]("name")
)

func TestWithValueAndValue(t *testing.T) {
	a := WithValue(Empty, weightKey, 3)
	v, ok := Value(a, weightKey)
	if !ok || v != 3 {
		t.Fatalf("Value() = %v, %v; want 3, true", v, ok)
	}
	if _, ok := Value(a, nameKey); ok {
		t.Fatalf("Value(nameKey) found on an Attributes that never set it")
	}
}

func TestWithValueDoesNotMutateSource(t *testing.T) {
	a := New(weightKey, 1)
	b := WithValue(a, weightKey, 2)
	if v, _ := Value(a, weightKey); v != 1 {
		t.Fatalf("WithValue mutated its source: a now has weight %d", v)
	}
	if v, _ := Value(b, weightKey); v != 2 {
		t.Fatalf("Value(b) = %d, want 2", v)
	}
}

func TestEmptyIsNeverMutated(t *testing.T) {
	_ = WithValue(Empty, weightKey, 5)
	if _, ok := Value(Empty, weightKey); ok {
		t.Fatalf("Empty was mutated by WithValue")
	}
}

func TestEqual(t *testing.T) {
	a := New(weightKey, 1, nameKey, "x")
	b := New(nameKey, "x", weightKey, 1)
	if !Equal(a, b) {
		t.Fatalf("Equal(a, b) = false, want true (same pairs, different insertion order)")
	}

	c := New(weightKey, 2, nameKey, "x")
	if Equal(a, c) {
		t.Fatalf("Equal(a, c) = true, want false (differing weight)")
	}

	if !Equal(nil, Empty) {
		t.Fatalf("Equal(nil, Empty) = false, want true")
	}
}

func TestNewOddArgsPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("New with an odd number of arguments did not panic")
		}
	}()
	New(weightKey, 1, nameKey)
}
