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

// Package attributes defines an immutable, open-ended map carried alongside
// resolver addresses and subchannels for consumption by load balancing
// policies.
//
// All APIs in this package are experimental.
package attributes

import "fmt"

// Key is a strongly typed attribute key. The phantom type parameter T fixes
// the value type returned by Value, so callers never need a type assertion.
type Key[T any] struct {
	name string
}

// NewKey returns a new attribute key named name. name is only used for
// debugging (String). Keys compare by pointer identity, so two NewKey calls
// with the same name still yield distinct keys; the supported usage pattern
// is one NewKey call assigned to a package-level var.
func NewKey[T any](name string) *Key[T] {
	return &Key[T]{name: name}
}

func (k *Key[T]) String() string {
	if k == nil {
		return "<nil>"
	}
	return k.name
}

// Attributes is an immutable key/value store. The zero value is not valid;
// use Empty or New. WithValue never modifies its argument, so the shared
// Empty sentinel is never populated: adding a value to Empty yields a new
// Attributes that no other caller observes.
type Attributes struct {
	m map[any]any
}

// Empty is the sentinel empty Attributes instance. Calling WithValue on it
// returns a freshly allocated Attributes rather than mutating the sentinel;
// Empty itself is never mutated.
var Empty = &Attributes{}

// New returns a new Attributes containing the given key/value pair. kv must
// have an even number of elements, alternating key, value.
func New(kv ...any) *Attributes {
	if len(kv)%2 != 0 {
		panic(fmt.Sprintf("attributes.New called with an odd number of arguments: %d", len(kv)))
	}
	a := &Attributes{m: make(map[any]any, len(kv)/2)}
	for i := 0; i < len(kv); i += 2 {
		a.m[kv[i]] = kv[i+1]
	}
	return a
}

// WithValue returns a new Attributes containing all the values of a plus the
// given key/value pair. It does not modify a. It is the only supported way
// to add a value to an existing Attributes; in particular, a (and Empty)
// must never be mutated in place, since they may be shared across addresses
// and subchannels.
func WithValue[T any](a *Attributes, key *Key[T], value T) *Attributes {
	if a == nil {
		a = Empty
	}
	n := &Attributes{m: make(map[any]any, len(a.m)+1)}
	for k, v := range a.m {
		n.m[k] = v
	}
	n.m[key] = value
	return n
}

// Value returns the value associated with key, and whether it was present.
// The zero value of T is returned if key is not present or a is nil.
func Value[T any](a *Attributes, key *Key[T]) (T, bool) {
	var zero T
	if a == nil || key == nil {
		return zero, false
	}
	v, ok := a.m[key]
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Equal reports whether a and o contain the same set of keys with values
// that either compare == or implement an Equal(any) bool method that
// reports they are equal. This mirrors grpc-go's attributes.Equal, which
// resolver.Address structural equality relies on.
func Equal(a, o *Attributes) bool {
	if a == nil {
		a = Empty
	}
	if o == nil {
		o = Empty
	}
	if len(a.m) != len(o.m) {
		return false
	}
	for k, v := range a.m {
		ov, ok := o.m[k]
		if !ok {
			return false
		}
		if eq, ok := v.(interface{ Equal(any) bool }); ok {
			if !eq.Equal(ov) {
				return false
			}
			continue
		}
		if v != ov {
			return false
		}
	}
	return true
}
