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

// Package hostarch describes the simulated machine's virtual address space:
// 32-bit addresses, 4 KiB pages, and the fixed layout boundaries shared by the
// kernel and every user address space.
package hostarch

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/bits"
)

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page in bytes.
	PageSize = 1 << PageShift

	// KernBase is the first virtual address of the kernel half. Addresses at
	// or above KernBase are never user-accessible.
	KernBase Addr = 0x80000000

	// MMapBase is the lowest address handed out by mmap regions.
	MMapBase Addr = 0x60000000
)

// Addr represents a virtual address.
type Addr uint32

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint32(v))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return bits.AlignDown(v, PageSize)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	return bits.AlignUp(v, PageSize)
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("hostarch.Addr(%v).RoundUp() wraps", v))
	}
	return addr
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint32 {
	return uint32(v & (PageSize - 1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// IsUser returns true if v lies below KernBase.
func (v Addr) IsUser() bool {
	return v < KernBase
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range.
func (v Addr) AddLength(length uint32) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint32) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// PageRoundDown rounds a byte length down to a page multiple.
func PageRoundDown(n uint32) uint32 {
	return bits.AlignDown(n, uint32(PageSize))
}

// PageRoundUp rounds a byte length up to a page multiple. ok is false if the
// result would overflow.
func PageRoundUp(n uint32) (uint32, bool) {
	return bits.AlignUp(n, uint32(PageSize))
}
