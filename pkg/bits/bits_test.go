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

package bits

import "testing"

func TestIsPowerOfTwo(t *testing.T) {
	for _, tc := range []struct {
		v    uint32
		want bool
	}{
		{0, false},
		{1, true},
		{2, true},
		{3, false},
		{4096, true},
		{4097, false},
		{1 << 31, true},
	} {
		if got := IsPowerOfTwo(tc.v); got != tc.want {
			t.Errorf("IsPowerOfTwo(%#x): got %v, wanted %v", tc.v, got, tc.want)
		}
	}
}

func TestAlign(t *testing.T) {
	for _, tc := range []struct {
		v    uint32
		down uint32
		up   uint32
		upOK bool
	}{
		{0, 0, 0, true},
		{1, 0, 0x1000, true},
		{0x1000, 0x1000, 0x1000, true},
		{0x1fff, 0x1000, 0x2000, true},
		{0xfffff001, 0xfffff000, 0, false},
	} {
		if got := AlignDown(tc.v, 0x1000); got != tc.down {
			t.Errorf("AlignDown(%#x): got %#x, wanted %#x", tc.v, got, tc.down)
		}
		got, ok := AlignUp(tc.v, 0x1000)
		if ok != tc.upOK {
			t.Errorf("AlignUp(%#x): got ok %v, wanted %v", tc.v, ok, tc.upOK)
		}
		if ok && got != tc.up {
			t.Errorf("AlignUp(%#x): got %#x, wanted %#x", tc.v, got, tc.up)
		}
	}
}

func TestMask(t *testing.T) {
	if got, want := Mask[uint32](0, 1, 2, 9), uint32(0x207); got != want {
		t.Errorf("Mask: got %#x, wanted %#x", got, want)
	}
	if !IsOn(uint32(0x207), MaskOf[uint32](9)) {
		t.Errorf("IsOn(0x207, bit 9) = false")
	}
	if IsAnyOn(uint32(0x207), Mask[uint32](3, 4)) {
		t.Errorf("IsAnyOn(0x207, bits 3,4) = true")
	}
}
