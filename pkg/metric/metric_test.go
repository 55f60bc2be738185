// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// reset clears global metric state for tests.
func reset() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	allMetrics = make(map[string]customUint64Metric)
}

const (
	fooDescription     = "Foo!"
	barDescription     = "Bar Baz"
	counterDescription = "Counter"
)

func TestInitialize(t *testing.T) {
	defer reset()

	_, err := NewUint64Metric("/foo", fooDescription)
	if err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}

	_, err = NewUint64Metric("/bar", barDescription)
	if err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}

	Initialize()

	if _, err := NewUint64Metric("/baz", "late"); err != ErrInitializationDone {
		t.Errorf("NewUint64Metric after Initialize got err %v want %v", err, ErrInitializationDone)
	}
}

func TestNameInUse(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/foo", fooDescription); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if _, err := NewUint64Metric("/foo", fooDescription); err != ErrNameInUse {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrNameInUse)
	}
}

func TestNoAllowedValues(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/foo", fooDescription, NewField("empty")); err != ErrFieldHasNoAllowedValues {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrFieldHasNoAllowedValues)
	}
}

func TestFieldValues(t *testing.T) {
	defer reset()

	m := MustCreateNewUint64Metric("/faults", counterDescription,
		NewField("outcome", "demand", "cow"),
		NewField("cpu", "0", "1"))
	m.Increment("demand", "1")
	m.IncrementBy(3, "cow", "0")

	if got := m.Value("demand", "1"); got != 1 {
		t.Errorf("Value(demand, 1) = %d, want 1", got)
	}
	if got := m.Value("cow", "0"); got != 3 {
		t.Errorf("Value(cow, 0) = %d, want 3", got)
	}
	if got := m.Value("demand", "0"); got != 0 {
		t.Errorf("Value(demand, 0) = %d, want 0", got)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("Increment with disallowed value did not panic")
		}
	}()
	m.Increment("bogus", "0")
}

func TestValues(t *testing.T) {
	defer reset()

	c := MustCreateNewUint64Metric("/counter", counterDescription, NewField("kind", "a", "b"))
	c.Increment("b")
	MustRegisterCustomUint64Metric("/gauge", false /* cumulative */, barDescription, func(...string) uint64 { return 42 })

	want := []Snapshot{
		{
			Metadata: Metadata{
				Name:        "/counter",
				Description: counterDescription,
				Cumulative:  true,
				Fields:      []Field{NewField("kind", "a", "b")},
			},
			Samples: []Sample{
				{Fields: map[string]string{"kind": "a"}, Value: 0},
				{Fields: map[string]string{"kind": "b"}, Value: 1},
			},
		},
		{
			Metadata: Metadata{Name: "/gauge", Description: barDescription},
			Samples:  []Sample{{Value: 42}},
		},
	}
	if diff := cmp.Diff(want, Values(), cmp.AllowUnexported(Field{})); diff != "" {
		t.Errorf("Values() mismatch (-want +got):\n%s", diff)
	}
}
