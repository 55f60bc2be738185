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

package pgalloc

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/hostarch"
)

// Frame is a physical frame number.
type Frame uint32

// FrameOf returns the frame containing physical address pa.
func FrameOf(pa uint32) Frame {
	return Frame(pa >> hostarch.PageShift)
}

// Addr returns the physical address of the first byte of f.
func (f Frame) Addr() uint32 {
	return uint32(f) << hostarch.PageShift
}

// String implements fmt.Stringer.String.
func (f Frame) String() string {
	return fmt.Sprintf("frame %#x", f.Addr())
}

// PhysicalMemory is the simulated machine's RAM: a host anonymous mapping
// covering physical addresses [0, Top).
type PhysicalMemory struct {
	arena []byte
}

// NewPhysicalMemory maps top bytes of physical memory. top must be page
// aligned and non-zero.
func NewPhysicalMemory(top uint32) (*PhysicalMemory, error) {
	if top == 0 || !hostarch.Addr(top).IsPageAligned() {
		return nil, fmt.Errorf("physical memory size %#x is not a positive multiple of the page size", top)
	}
	arena, err := unix.Mmap(-1, 0, int(top), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mapping %#x bytes of physical memory: %w", top, err)
	}
	return &PhysicalMemory{arena: arena}, nil
}

// Top returns the first physical address past the end of memory.
func (p *PhysicalMemory) Top() uint32 {
	return uint32(len(p.arena))
}

// Bytes returns the direct map of frame f. It panics if f is not backed by
// physical memory.
func (p *PhysicalMemory) Bytes(f Frame) []byte {
	off := uint64(f.Addr())
	if off+hostarch.PageSize > uint64(len(p.arena)) {
		panic(fmt.Sprintf("%v beyond physical memory top %#x", f, len(p.arena)))
	}
	return p.arena[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Slice returns the direct map of the physical range [pa, pa+length).
func (p *PhysicalMemory) Slice(pa, length uint32) []byte {
	end := uint64(pa) + uint64(length)
	if end > uint64(len(p.arena)) {
		panic(fmt.Sprintf("physical range [%#x, %#x) beyond top %#x", pa, end, len(p.arena)))
	}
	return p.arena[pa:end:end]
}

// Destroy unmaps the arena. p must not be used afterwards.
func (p *PhysicalMemory) Destroy() error {
	if p.arena == nil {
		return nil
	}
	err := unix.Munmap(p.arena)
	p.arena = nil
	return err
}
