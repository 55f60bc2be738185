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

// Package mm provides a memory management subsystem for one process: its
// page tables, its table of mmap regions, and the page fault handling that
// populates them lazily and resolves copy-on-write sharing after fork.
//
// Lock order:
//
//	mm.MemoryManager.mu
//	  fs.Inode content lock
//	    pgalloc.Allocator.mu
package mm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// DefaultMaxRegions is the region table capacity of a process.
const DefaultMaxRegions = 16

// ErrUnreferencedFrame is returned for a copy-on-write fault whose frame has
// no references in the ledger. The page table and the ledger disagree, so
// the process cannot continue.
var ErrUnreferencedFrame = errors.New("copy-on-write fault on an unreferenced frame")

var (
	pageFaults = metric.MustCreateNewUint64Metric("/memory/page_faults", "Number of user page faults, by outcome.",
		metric.NewField("outcome", "demand_paged", "promoted", "cloned", "spurious", "killed"))
	cowShared = metric.MustCreateNewUint64Metric("/memory/cow_shared_pages", "Number of pages shared copy-on-write by fork.")
)

// MemoryManager implements a virtual address space.
type MemoryManager struct {
	alloc *pgalloc.Allocator

	// kernel is the kernel page table whose upper half every address space
	// shares. It is immutable.
	kernel *pagetables.PageTables

	// maxRegions bounds regions. It is immutable.
	maxRegions int

	// mu protects the fields below.
	mu sync.Mutex

	// pt is nil once the MemoryManager has been released.
	pt *pagetables.PageTables

	// regions is ordered by Region.Start and never holds overlapping
	// regions.
	regions *btree.BTreeG[*Region]
}

// NewMemoryManager returns a MemoryManager with an empty user address space
// on top of the kernel page tables.
func NewMemoryManager(alloc *pgalloc.Allocator, kernel *pagetables.PageTables, maxRegions int) (*MemoryManager, error) {
	if maxRegions <= 0 {
		panic(fmt.Sprintf("mm: invalid region table size %d", maxRegions))
	}
	pt, err := pagetables.NewWithUpper(alloc, kernel, kernelStart)
	if err != nil {
		return nil, err
	}
	return &MemoryManager{
		alloc:      alloc,
		kernel:     kernel,
		maxRegions: maxRegions,
		pt:         pt,
		regions:    newRegionTree(),
	}, nil
}

// PageTables returns the address space's page tables, for loading into a
// CPU. It returns nil after Release.
func (mm *MemoryManager) PageTables() *pagetables.PageTables {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.pt
}

// invalidateLocked drops stale translations of mm on the calling CPU. Other
// CPUs are not told.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) invalidateLocked(ctx context.Context) {
	if tlb := pagetables.TLBFromContext(ctx); tlb != nil {
		tlb.Reload(mm.pt)
	}
}

// Release tears down the address space: every resident frame and page table
// page is returned, and every region's file reference dropped. mm must not
// be used afterwards.
func (mm *MemoryManager) Release(ctx context.Context) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.pt == nil {
		return
	}
	mm.invalidateLocked(ctx)
	mm.pt.Release(mm.alloc.Release)
	mm.pt = nil
	mm.regions.Ascend(func(r *Region) bool {
		r.dropFile()
		return true
	})
	mm.regions.Clear(false)
}
