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

// Package pagetables provides the two-level x86 page tables of the simulated
// machine, and the per-CPU translation cache that sits in front of them.
package pagetables

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// Allocator provides frames for page table pages.
type Allocator interface {
	// Allocate returns a frame with a single reference.
	Allocate() (pgalloc.Frame, bool)

	// Release drops a reference to the frame.
	Release(f pgalloc.Frame)

	// Bytes returns the direct map of the frame.
	Bytes(f pgalloc.Frame) []byte
}

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate page table pages.
	Allocator Allocator

	// root is the frame of the page directory.
	root pgalloc.Frame

	// upperSharedPageTables represents a read-only shared upper
	// of the Pagetable. When it is not nil, the upper is not
	// allowed to be modified.
	upperSharedPageTables *PageTables

	// upperStart is the start address of the pagetable upper.
	upperStart hostarch.Addr
}

// New returns new PageTables.
func New(a Allocator) (*PageTables, error) {
	p := &PageTables{Allocator: a}
	root, err := p.newTable()
	if err != nil {
		return nil, err
	}
	p.root = root
	return p, nil
}

// NewWithUpper returns new PageTables whose directory entries at and above
// upperStart are copied from upperSharedPageTables.
//
// upperSharedPageTables must already be fully populated in that range; later
// changes to it are not propagated, and p never modifies it.
func NewWithUpper(a Allocator, upperSharedPageTables *PageTables, upperStart hostarch.Addr) (*PageTables, error) {
	if upperStart&(pdeSize-1) != 0 {
		panic(fmt.Sprintf("pagetables: upper start %v is not directory aligned", upperStart))
	}
	p, err := New(a)
	if err != nil {
		return nil, err
	}
	p.upperSharedPageTables = upperSharedPageTables
	p.upperStart = upperStart
	src := upperSharedPageTables.directory()
	dst := p.directory()
	copy(dst[pdeIndex(upperStart):], src[pdeIndex(upperStart):])
	return p, nil
}

// Root returns the frame holding the page directory, the value a CPU would
// load into cr3.
func (p *PageTables) Root() pgalloc.Frame {
	return p.root
}

func (p *PageTables) directory() *PTEs {
	return p.tableOf(p.root)
}

// newTable allocates and zeroes a page table page.
func (p *PageTables) newTable() (pgalloc.Frame, error) {
	f, ok := p.Allocator.Allocate()
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	clear(p.Allocator.Bytes(f))
	return f, nil
}

// isShared returns true if addr falls in the borrowed upper range.
func (p *PageTables) isShared(addr hostarch.Addr) bool {
	return p.upperSharedPageTables != nil && addr >= p.upperStart
}

// Lookup returns the entry for addr, or nil if addr has no second-level
// table. It never allocates.
func (p *PageTables) Lookup(addr hostarch.Addr) *PTE {
	pde := &p.directory()[pdeIndex(addr)]
	if !pde.Valid() {
		return nil
	}
	return &p.tableOf(pde.Frame())[pteIndex(addr)]
}

// LookupOrCreate returns the entry for addr, allocating the second-level
// table if needed. It returns ENOMEM if that allocation fails.
func (p *PageTables) LookupOrCreate(addr hostarch.Addr) (*PTE, error) {
	pde := &p.directory()[pdeIndex(addr)]
	if !pde.Valid() {
		if p.isShared(addr) {
			panic(fmt.Sprintf("pagetables: allocating in shared upper range at %v", addr))
		}
		table, err := p.newTable()
		if err != nil {
			return nil, err
		}
		pde.setDirectory(table)
	}
	return &p.tableOf(pde.Frame())[pteIndex(addr)], nil
}

// Map installs length/PageSize consecutive entries starting at addr, pointing
// at consecutive frames starting at frame.
//
// Map panics if addr or length is unaligned, or if any target entry is
// already present. On ENOMEM, entries installed so far are left in place.
func (p *PageTables) Map(addr hostarch.Addr, length uint32, frame pgalloc.Frame, opts MapOpts) error {
	if !addr.IsPageAligned() || length%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("pagetables: unaligned mapping %v+%#x", addr, length))
	}
	if uint64(addr)+uint64(length) > 1<<32 {
		panic(fmt.Sprintf("pagetables: mapping %v+%#x wraps", addr, length))
	}
	for i := uint32(0); i < length/hostarch.PageSize; i++ {
		va := addr + hostarch.Addr(i<<pteShift)
		pte, err := p.LookupOrCreate(va)
		if err != nil {
			return err
		}
		if pte.Valid() {
			panic(fmt.Sprintf("pagetables: remap of %v, currently %v", va, pte))
		}
		pte.Set(frame+pgalloc.Frame(i), opts)
	}
	return nil
}

// Unmap clears the entry for addr and returns the frame it pointed to. The
// frame's reference is not dropped.
func (p *PageTables) Unmap(addr hostarch.Addr) (pgalloc.Frame, bool) {
	pte := p.Lookup(addr)
	if pte == nil || !pte.Valid() {
		return 0, false
	}
	f := pte.Frame()
	pte.Clear()
	return f, true
}

// Translate walks the tables for addr. ok is false if no present entry maps
// it.
func (p *PageTables) Translate(addr hostarch.Addr) (pa uint32, opts MapOpts, ok bool) {
	pte := p.Lookup(addr)
	if pte == nil || !pte.Valid() {
		return 0, MapOpts{}, false
	}
	return pte.Frame().Addr() + addr.PageOffset(), pte.Opts(), true
}

// ForEachUser calls fn for every present entry below hostarch.KernBase, in
// ascending address order.
func (p *PageTables) ForEachUser(fn func(addr hostarch.Addr, pte *PTE)) {
	dir := p.directory()
	for i := 0; i < pdeIndex(hostarch.KernBase); i++ {
		if !dir[i].Valid() {
			continue
		}
		table := p.tableOf(dir[i].Frame())
		for j := range table {
			if table[j].Valid() {
				fn(hostarch.Addr(i)<<pdeShift|hostarch.Addr(j)<<pteShift, &table[j])
			}
		}
	}
}

// Release tears down p. fn is called with the frame of every present entry
// below hostarch.KernBase and must drop that reference. All user page table
// pages and the directory are returned to the allocator; shared upper tables
// are left alone. p must not be used afterwards.
func (p *PageTables) Release(fn func(pgalloc.Frame)) {
	dir := p.directory()
	for i := 0; i < pdeIndex(hostarch.KernBase); i++ {
		if !dir[i].Valid() || p.isShared(hostarch.Addr(i)<<pdeShift) {
			continue
		}
		tf := dir[i].Frame()
		table := p.tableOf(tf)
		for j := range table {
			if table[j].Valid() {
				fn(table[j].Frame())
			}
			table[j].Clear()
		}
		dir[i].Clear()
		p.Allocator.Release(tf)
	}
	p.Allocator.Release(p.root)
	p.root = 0
}

// NewKernel builds the kernel page tables: the direct map of physical memory
// [0, physTop) at hostarch.KernBase, writable and not user-accessible.
func NewKernel(a Allocator, physTop uint32) (*PageTables, error) {
	if uint64(physTop) > uint64(^uint32(0)-uint32(hostarch.KernBase))+1 {
		panic(fmt.Sprintf("pagetables: physical memory %#x does not fit the kernel half", physTop))
	}
	p, err := New(a)
	if err != nil {
		return nil, err
	}
	if err := p.Map(hostarch.KernBase, physTop, 0, MapOpts{AccessType: hostarch.ReadWrite}); err != nil {
		return nil, err
	}
	return p, nil
}
