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

package mm

import (
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/fs"
)

// kernelStart is the end of the user address space.
const kernelStart = hostarch.KernBase

// MapFlags are mmap region flags.
type MapFlags uint32

// Region flags.
const (
	// MapAnonymous regions are zero-filled on first touch.
	MapAnonymous MapFlags = 0x4

	// MapFixed regions are placed exactly at the requested address.
	MapFixed MapFlags = 0x8

	validFlags = MapAnonymous | MapFixed
)

// String implements fmt.Stringer.String.
func (f MapFlags) String() string {
	var s string
	if f&MapFixed != 0 {
		s += "F"
	} else {
		s += "-"
	}
	if f&MapAnonymous != 0 {
		s += "A"
	} else {
		s += "-"
	}
	return s
}

// Region is one mmap region.
type Region struct {
	// Start is page aligned.
	Start hostarch.Addr

	// Length is page aligned and non-zero.
	Length uint32

	Flags MapFlags

	// File backs non-anonymous regions; the region holds a reference on it.
	File *fs.File

	// Offset is the file offset mapped at Start.
	Offset int64

	// Resident is the number of pages currently present.
	Resident uint32
}

// Range returns the addresses covered by r.
func (r *Region) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.Start, End: r.Start + hostarch.Addr(r.Length)}
}

// Anonymous returns true if r is not file-backed.
func (r *Region) Anonymous() bool {
	return r.Flags&MapAnonymous != 0
}

// String implements fmt.Stringer.String.
func (r *Region) String() string {
	return fmt.Sprintf("%v %v resident=%d", r.Range(), r.Flags, r.Resident)
}

func (r *Region) dropFile() {
	if r.File != nil {
		r.File.DecRef()
		r.File = nil
	}
}

func newRegionTree() *btree.BTreeG[*Region] {
	return btree.NewG(4, func(a, b *Region) bool {
		return a.Start < b.Start
	})
}

// findRegionLocked returns the region containing addr, or nil.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) findRegionLocked(addr hostarch.Addr) *Region {
	var found *Region
	mm.regions.DescendLessOrEqual(&Region{Start: addr}, func(r *Region) bool {
		found = r
		return false
	})
	if found == nil || !found.Range().Contains(addr) {
		return nil
	}
	return found
}

// overlapsLocked returns true if ar intersects any region.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) overlapsLocked(ar hostarch.AddrRange) bool {
	overlaps := false
	mm.regions.DescendLessOrEqual(&Region{Start: ar.Start}, func(r *Region) bool {
		overlaps = r.Range().Overlaps(ar)
		return false
	})
	if overlaps {
		return true
	}
	mm.regions.AscendGreaterOrEqual(&Region{Start: ar.Start}, func(r *Region) bool {
		overlaps = r.Range().Overlaps(ar)
		return false
	})
	return overlaps
}

// findAvailableLocked returns the lowest page-aligned address at or above
// from where length bytes fit below kernelStart without touching a region.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) findAvailableLocked(from hostarch.Addr, length uint32) (hostarch.Addr, bool) {
	candidate := from
	mm.regions.Ascend(func(r *Region) bool {
		if r.Range().End <= candidate {
			return true
		}
		if end, ok := candidate.AddLength(length); ok && end <= r.Start {
			return false
		}
		candidate = r.Range().End
		return true
	})
	end, ok := candidate.AddLength(length)
	if !ok || end > kernelStart {
		return 0, false
	}
	return candidate, true
}
