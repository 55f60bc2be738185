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

// Package pgalloc contains the physical page allocator: a LIFO free list of
// frames plus the per-frame reference count ledger that decides when a frame
// may return to it.
//
// The allocator is brought up in two phases. Early in boot, before any other
// CPU runs, InitUnlocked registers the frames already reachable through the
// boot page tables. EnableLocking then switches every entry point to take
// the allocator lock, after which InitLocked registers the rest of memory.
package pgalloc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/metric"
)

// JunkByte fills every frame returned to the free list, so that stale
// references read obviously bad data.
const JunkByte = 0x01

// Free list link values. noFrame marks a frame that is not on the free list;
// listEnd terminates the list.
const (
	noFrame = ^uint32(0)
	listEnd = noFrame - 1
)

var (
	framesAllocated = metric.MustCreateNewUint64Metric("/memory/frames_allocated", "Number of frames handed out by the page allocator.")
	framesFreed     = metric.MustCreateNewUint64Metric("/memory/frames_freed", "Number of frames returned to the free list.")
	allocFailures   = metric.MustCreateNewUint64Metric("/memory/frame_allocation_failures", "Number of allocations that found the free list empty.")
)

// Stats is a point-in-time view of the allocator.
type Stats struct {
	// Total is the number of frames ever registered.
	Total uint64
	// Free is the number of frames on the free list.
	Free uint64
	// Allocated and Freed count successful Allocate calls and returns to the
	// free list.
	Allocated uint64
	Freed     uint64
	// Failures counts Allocate calls that found the free list empty.
	Failures uint64
}

// Allocator hands out physical frames.
type Allocator struct {
	mem *PhysicalMemory

	// kernEnd is the first physical address past the kernel image. Frames
	// below it are never managed.
	kernEnd uint32

	// locking is set by EnableLocking and never cleared.
	locking atomic.Bool

	// mu protects the fields below once locking is set.
	mu sync.Mutex

	ledger

	// next links free frames, indexed by frame number. head is the top of
	// the free list, or listEnd.
	next []uint32
	head uint32

	stats Stats
}

// New returns an allocator managing frames of mem at or above kernEnd. No
// frame is free until registered with InitUnlocked or InitLocked.
func New(mem *PhysicalMemory, kernEnd uint32) *Allocator {
	if !hostarch.Addr(kernEnd).IsPageAligned() || kernEnd > mem.Top() {
		panic(fmt.Sprintf("kernel end %#x must be page aligned and at most %#x", kernEnd, mem.Top()))
	}
	next := make([]uint32, mem.Top()>>hostarch.PageShift)
	for i := range next {
		next[i] = noFrame
	}
	return &Allocator{
		mem:     mem,
		kernEnd: kernEnd,
		ledger:  newLedger(),
		next:    next,
		head:    listEnd,
	}
}

func (a *Allocator) lock() {
	if a.locking.Load() {
		a.mu.Lock()
	}
}

func (a *Allocator) unlock() {
	if a.locking.Load() {
		a.mu.Unlock()
	}
}

// KernEnd returns the lowest managed physical address.
func (a *Allocator) KernEnd() uint32 {
	return a.kernEnd
}

// PhysTop returns the first physical address past the end of memory.
func (a *Allocator) PhysTop() uint32 {
	return a.mem.Top()
}

// Memory returns the physical memory backing a.
func (a *Allocator) Memory() *PhysicalMemory {
	return a.mem
}

// Bytes returns the direct map of f.
func (a *Allocator) Bytes(f Frame) []byte {
	return a.mem.Bytes(f)
}

// InitUnlocked registers the frames in [start, end) during early boot.
//
// Preconditions: EnableLocking has not been called; no other goroutine uses
// a.
func (a *Allocator) InitUnlocked(start, end uint32) {
	if a.locking.Load() {
		panic("pgalloc: InitUnlocked after EnableLocking")
	}
	a.registerRange(start, end)
}

// EnableLocking switches a to locked operation. It is irreversible.
func (a *Allocator) EnableLocking() {
	a.locking.Store(true)
}

// InitLocked registers the frames in [start, end) once locking is enabled.
func (a *Allocator) InitLocked(start, end uint32) {
	if !a.locking.Load() {
		panic("pgalloc: InitLocked before EnableLocking")
	}
	a.lock()
	defer a.unlock()
	a.registerRange(start, end)
}

// registerRange pushes every whole frame in [start, end) onto the free list
// in ascending order.
func (a *Allocator) registerRange(start, end uint32) {
	first, ok := hostarch.PageRoundUp(start)
	if !ok || first < a.kernEnd || end > a.mem.Top() || first > end {
		panic(fmt.Sprintf("pgalloc: bad registration range [%#x, %#x), managed memory is [%#x, %#x)", start, end, a.kernEnd, a.mem.Top()))
	}
	for pa := uint64(first); pa+hostarch.PageSize <= uint64(end); pa += hostarch.PageSize {
		f := FrameOf(uint32(pa))
		if a.refCountLocked(f) != 0 || a.next[f] != noFrame {
			panic(fmt.Sprintf("pgalloc: registering %v twice", f))
		}
		a.freeLocked(f)
		a.stats.Total++
	}
}

// freeLocked junk-fills f and pushes it on the free list.
func (a *Allocator) freeLocked(f Frame) {
	fill(a.mem.Bytes(f), JunkByte)
	a.next[f] = a.head
	a.head = uint32(f)
	a.stats.Free++
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// Allocate pops a frame off the free list and sets its reference count to
// exactly one. It returns false if no frame is free. The frame's contents are
// unspecified.
func (a *Allocator) Allocate() (Frame, bool) {
	a.lock()
	if a.head == listEnd {
		a.stats.Failures++
		a.unlock()
		allocFailures.Increment()
		return 0, false
	}
	f := Frame(a.head)
	a.head = a.next[f]
	a.next[f] = noFrame
	a.setLocked(f, 1)
	a.stats.Free--
	a.stats.Allocated++
	a.unlock()
	framesAllocated.Increment()
	return f, true
}

// IncRef adds a reference to f.
func (a *Allocator) IncRef(f Frame) {
	a.lock()
	defer a.unlock()
	a.incRefLocked(f)
}

// RefCount returns the reference count of f.
func (a *Allocator) RefCount(f Frame) uint8 {
	a.lock()
	defer a.unlock()
	return a.refCountLocked(f)
}

// Release drops one reference to f. When the last reference goes, the frame
// is junk-filled and returned to the free list.
//
// Release panics if f is outside managed memory or already free.
func (a *Allocator) Release(f Frame) {
	a.checkManaged(f.Addr())
	a.lock()
	refs, ok := a.decRefLocked(f)
	if !ok {
		a.unlock()
		panic(fmt.Sprintf("pgalloc: releasing free %v", f))
	}
	if refs > 0 {
		a.unlock()
		return
	}
	a.freeLocked(f)
	a.stats.Freed++
	a.unlock()
	framesFreed.Increment()
}

// ReleaseAddr is Release for a raw physical address, which must be page
// aligned.
func (a *Allocator) ReleaseAddr(pa uint32) {
	if !hostarch.Addr(pa).IsPageAligned() {
		panic(fmt.Sprintf("pgalloc: releasing unaligned physical address %#x", pa))
	}
	a.Release(FrameOf(pa))
}

func (a *Allocator) checkManaged(pa uint32) {
	if pa < a.kernEnd || pa >= a.mem.Top() {
		panic(fmt.Sprintf("pgalloc: physical address %#x outside managed memory [%#x, %#x)", pa, a.kernEnd, a.mem.Top()))
	}
}

// FreeCount returns the number of frames on the free list.
func (a *Allocator) FreeCount() uint64 {
	a.lock()
	defer a.unlock()
	return a.stats.Free
}

// FreeList returns the free list from head to tail.
func (a *Allocator) FreeList() []Frame {
	a.lock()
	defer a.unlock()
	frames := make([]Frame, 0, a.stats.Free)
	for f := a.head; f != listEnd; f = a.next[f] {
		frames = append(frames, Frame(f))
	}
	return frames
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.lock()
	defer a.unlock()
	return a.stats
}

// LogStats logs the allocator counters at debug level.
func (a *Allocator) LogStats() {
	if !log.IsLogging(log.Debug) {
		return
	}
	s := a.Stats()
	log.Debugf("pgalloc: %d/%d frames free, %d allocated, %d freed, %d failed allocations", s.Free, s.Total, s.Allocated, s.Freed, s.Failures)
}
