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

package pagetables

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

const (
	testKernEnd = 16 * hostarch.PageSize
	testPhysTop = 256 * hostarch.PageSize
)

func newTestAllocator(t *testing.T) *pgalloc.Allocator {
	t.Helper()
	mem, err := pgalloc.NewPhysicalMemory(testPhysTop)
	if err != nil {
		t.Fatalf("NewPhysicalMemory got err %v want nil", err)
	}
	t.Cleanup(func() { mem.Destroy() })
	a := pgalloc.New(mem, testKernEnd)
	a.EnableLocking()
	a.InitLocked(testKernEnd, testPhysTop)
	return a
}

// budgetAllocator fails once budget frames have been handed out.
type budgetAllocator struct {
	*pgalloc.Allocator
	budget int
}

func (b *budgetAllocator) Allocate() (pgalloc.Frame, bool) {
	if b.budget == 0 {
		return 0, false
	}
	b.budget--
	return b.Allocator.Allocate()
}

type mapping struct {
	addr  hostarch.Addr
	frame pgalloc.Frame
	opts  MapOpts
}

func checkMappings(t *testing.T, pt *PageTables, want []mapping) {
	t.Helper()
	var got []mapping
	pt.ForEachUser(func(addr hostarch.Addr, pte *PTE) {
		got = append(got, mapping{addr, pte.Frame(), pte.Opts()})
	})
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(mapping{})); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

var (
	userRW  = MapOpts{AccessType: hostarch.ReadWrite, User: true}
	userRO  = MapOpts{AccessType: hostarch.Read, User: true}
	userCOW = MapOpts{AccessType: hostarch.Read, User: true, CopyOnWrite: true}
)

func TestPTE(t *testing.T) {
	for _, opts := range []MapOpts{userRW, userRO, userCOW, {AccessType: hostarch.ReadWrite}} {
		var p PTE
		p.Set(42, opts)
		if !p.Valid() {
			t.Errorf("Set(%v) left entry invalid", opts)
		}
		if got := p.Frame(); got != 42 {
			t.Errorf("Frame() = %v, want frame 42", got)
		}
		if got := p.Opts(); got != opts {
			t.Errorf("Opts() = %v, want %v", got, opts)
		}
	}

	var p PTE
	p.Set(42, userRW)
	p.Set(42, MapOpts{})
	if p.Raw() != 0 {
		t.Errorf("Set with no access left %#x, want 0", p.Raw())
	}

	defer func() {
		if recover() == nil {
			t.Errorf("Set with Write and CopyOnWrite did not panic")
		}
	}()
	p.Set(42, MapOpts{AccessType: hostarch.ReadWrite, CopyOnWrite: true})
}

func TestMapAndUnmap(t *testing.T) {
	a := newTestAllocator(t)
	pt, err := New(a)
	if err != nil {
		t.Fatalf("New got err %v want nil", err)
	}

	if err := pt.Map(0x400000, 2*hostarch.PageSize, 100, userRW); err != nil {
		t.Fatalf("Map got err %v want nil", err)
	}
	if err := pt.Map(0x60000000, hostarch.PageSize, 200, userCOW); err != nil {
		t.Fatalf("Map got err %v want nil", err)
	}
	checkMappings(t, pt, []mapping{
		{0x400000, 100, userRW},
		{0x401000, 101, userRW},
		{0x60000000, 200, userCOW},
	})

	pa, opts, ok := pt.Translate(0x401abc)
	if !ok || pa != 101<<hostarch.PageShift|0xabc || opts != userRW {
		t.Errorf("Translate(0x401abc) = %#x, %v, %t", pa, opts, ok)
	}
	if pte := pt.Lookup(0x10000000); pte != nil {
		t.Errorf("Lookup of untouched directory entry = %v, want nil", pte)
	}

	f, ok := pt.Unmap(0x400000)
	if !ok || f != 100 {
		t.Errorf("Unmap = %v, %t, want frame 100, true", f, ok)
	}
	if _, ok := pt.Unmap(0x400000); ok {
		t.Errorf("second Unmap succeeded")
	}

	defer func() {
		if recover() == nil {
			t.Errorf("remap did not panic")
		}
	}()
	pt.Map(0x401000, hostarch.PageSize, 7, userRO)
}

func TestLookupOrCreate(t *testing.T) {
	a := newTestAllocator(t)
	pt, err := New(a)
	if err != nil {
		t.Fatalf("New got err %v want nil", err)
	}
	if pte := pt.Lookup(0x60001000); pte != nil {
		t.Fatalf("Lookup before LookupOrCreate = %v, want nil", pte)
	}
	free := a.FreeCount()
	pte, err := pt.LookupOrCreate(0x60001000)
	if err != nil {
		t.Fatalf("LookupOrCreate got err %v want nil", err)
	}
	if pte == nil || pte.Valid() {
		t.Fatalf("LookupOrCreate = %v, want an empty entry", pte)
	}
	if got := a.FreeCount(); got != free-1 {
		t.Errorf("FreeCount = %d, want %d after creating one table", got, free-1)
	}
	again, err := pt.LookupOrCreate(0x60001000)
	if err != nil || again != pte {
		t.Errorf("second LookupOrCreate = %p, %v; want %p, nil", again, err, pte)
	}
	if got := pt.Lookup(0x60001000); got != pte {
		t.Errorf("Lookup = %p, want %p", got, pte)
	}
	if got := a.FreeCount(); got != free-1 {
		t.Errorf("FreeCount = %d, want %d; existing table was reallocated", got, free-1)
	}
}

func TestLookupOrCreateOutOfMemory(t *testing.T) {
	b := &budgetAllocator{Allocator: newTestAllocator(t), budget: 1}
	pt, err := New(b)
	if err != nil {
		t.Fatalf("New got err %v want nil", err)
	}
	if _, err := pt.LookupOrCreate(0x60000000); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("LookupOrCreate got err %v want %v", err, linuxerr.ENOMEM)
	}
	if _, err := New(b); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("New got err %v want %v", err, linuxerr.ENOMEM)
	}
}

func TestUpperShared(t *testing.T) {
	a := newTestAllocator(t)
	kpt, err := NewKernel(a, testPhysTop)
	if err != nil {
		t.Fatalf("NewKernel got err %v want nil", err)
	}
	pt, err := NewWithUpper(a, kpt, hostarch.KernBase)
	if err != nil {
		t.Fatalf("NewWithUpper got err %v want nil", err)
	}

	pa, opts, ok := pt.Translate(hostarch.KernBase + 0x5123)
	if !ok || pa != 0x5123 {
		t.Errorf("Translate(KernBase+0x5123) = %#x, %t, want 0x5123, true", pa, ok)
	}
	if opts.User || !opts.AccessType.Write {
		t.Errorf("kernel mapping opts = %v, want writable supervisor", opts)
	}
	checkMappings(t, pt, nil)

	free := a.FreeCount()
	if err := pt.Map(0x1000, hostarch.PageSize, 50, userRW); err != nil {
		t.Fatalf("Map got err %v want nil", err)
	}
	var released []pgalloc.Frame
	pt.Release(func(f pgalloc.Frame) { released = append(released, f) })
	if diff := cmp.Diff([]pgalloc.Frame{50}, released); diff != "" {
		t.Errorf("released frames mismatch (-want +got):\n%s", diff)
	}
	// The directory and the one user table are returned; kernel tables stay.
	if got, want := a.FreeCount(), free+1; got != want {
		t.Errorf("FreeCount = %d, want %d", got, want)
	}
	if _, _, ok := kpt.Translate(hostarch.KernBase + 0x5123); !ok {
		t.Errorf("kernel mapping lost after releasing a user address space")
	}
}

func TestTLB(t *testing.T) {
	a := newTestAllocator(t)
	pt, err := New(a)
	if err != nil {
		t.Fatalf("New got err %v want nil", err)
	}
	if err := pt.Map(0x60000000, hostarch.PageSize, 77, userCOW); err != nil {
		t.Fatalf("Map got err %v want nil", err)
	}

	tlb := NewTLB()
	if _, ok := tlb.Translate(0x60000000, hostarch.Read, true); ok {
		t.Errorf("Translate succeeded with nothing loaded")
	}
	tlb.Load(pt)
	if pa, ok := tlb.Translate(0x60000010, hostarch.Read, true); !ok || pa != 77<<hostarch.PageShift|0x10 {
		t.Errorf("read Translate = %#x, %t", pa, ok)
	}
	if _, ok := tlb.Translate(0x60000010, hostarch.Write, true); ok {
		t.Errorf("write to copy-on-write page did not fault")
	}

	// Promote the entry behind the TLB's back: the cached translation is
	// stale until reloaded.
	pt.Lookup(0x60000000).Set(77, userRW)
	if _, ok := tlb.Translate(0x60000010, hostarch.Write, true); ok {
		t.Errorf("stale translation permitted write")
	}
	other, err := New(a)
	if err != nil {
		t.Fatalf("New got err %v want nil", err)
	}
	tlb.Reload(other)
	if tlb.Len() == 0 {
		t.Errorf("Reload of an unloaded table flushed the TLB")
	}
	tlb.Reload(pt)
	if _, ok := tlb.Translate(0x60000010, hostarch.Write, true); !ok {
		t.Errorf("write faulted after Reload")
	}

	if _, ok := tlb.Translate(hostarch.KernBase, hostarch.Read, true); ok {
		t.Errorf("unmapped kernel address translated")
	}

	ctx := WithTLB(context.Background(), tlb)
	if got := TLBFromContext(ctx); got != tlb {
		t.Errorf("TLBFromContext = %p, want %p", got, tlb)
	}
	if got := TLBFromContext(context.Background()); got != nil {
		t.Errorf("TLBFromContext of empty context = %p, want nil", got)
	}
}
