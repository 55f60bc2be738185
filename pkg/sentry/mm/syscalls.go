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
	"context"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/fs"
)

// MMapOpts specifies a memory mapping.
type MMapOpts struct {
	// Addr is the requested address. With MapFixed it is mandatory, otherwise
	// it is a hint.
	Addr hostarch.Addr

	// Length is rounded up to a page multiple.
	Length uint32

	Flags MapFlags

	// File backs the mapping unless Flags has MapAnonymous. MMap takes its
	// own reference.
	File *fs.File

	// Offset is the page-aligned file offset mapped at the region start.
	Offset int64
}

// MMap establishes a memory mapping. No frame is allocated; pages are
// populated by faults.
func (mm *MemoryManager) MMap(ctx context.Context, opts MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 || opts.Flags&^validFlags != 0 {
		return 0, linuxerr.EINVAL
	}
	length, ok := hostarch.PageRoundUp(opts.Length)
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	opts.Length = length

	if opts.Flags&MapAnonymous != 0 {
		opts.File = nil
		opts.Offset = 0
	} else {
		if opts.File == nil {
			return 0, linuxerr.EBADF
		}
		if opts.Offset < 0 || opts.Offset%hostarch.PageSize != 0 {
			return 0, linuxerr.EINVAL
		}
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.pt == nil {
		return 0, linuxerr.EFAULT
	}
	if mm.regions.Len() >= mm.maxRegions {
		return 0, linuxerr.ENOMEM
	}

	var addr hostarch.Addr
	if opts.Flags&MapFixed != 0 {
		ar, ok := opts.Addr.ToRange(opts.Length)
		if !ok || !opts.Addr.IsPageAligned() || ar.Start < hostarch.MMapBase || ar.End > kernelStart {
			return 0, linuxerr.EINVAL
		}
		if mm.overlapsLocked(ar) {
			return 0, linuxerr.EEXIST
		}
		addr = ar.Start
	} else {
		from := opts.Addr.RoundDown()
		if from < hostarch.MMapBase {
			from = hostarch.MMapBase
		}
		addr, ok = mm.findAvailableLocked(from, opts.Length)
		if !ok && from != hostarch.MMapBase {
			addr, ok = mm.findAvailableLocked(hostarch.MMapBase, opts.Length)
		}
		if !ok {
			return 0, linuxerr.ENOMEM
		}
	}

	r := &Region{
		Start:  addr,
		Length: opts.Length,
		Flags:  opts.Flags,
		File:   opts.File,
		Offset: opts.Offset,
	}
	if r.File != nil {
		r.File.IncRef()
	}
	mm.regions.ReplaceOrInsert(r)
	if log.IsLogging(log.Debug) {
		log.Debugf("mm: mapped %v", r)
	}
	return addr, nil
}

// MUnmap removes the region containing addr. Every resident page is
// unmapped and its frame reference dropped.
func (mm *MemoryManager) MUnmap(ctx context.Context, addr hostarch.Addr) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.pt == nil {
		return linuxerr.EFAULT
	}
	r := mm.findRegionLocked(addr)
	if r == nil {
		return linuxerr.EINVAL
	}
	ar := r.Range()
	for va := ar.Start; va < ar.End; va += hostarch.PageSize {
		if f, ok := mm.pt.Unmap(va); ok {
			mm.alloc.Release(f)
		}
	}
	mm.regions.Delete(r)
	r.dropFile()
	mm.invalidateLocked(ctx)
	if log.IsLogging(log.Debug) {
		log.Debugf("mm: unmapped %v", r)
	}
	return nil
}

// RegionInfo describes one region.
type RegionInfo struct {
	Addr         hostarch.Addr
	Length       uint32
	NLoadedPages uint32
}

// WmapInfo describes the region table.
type WmapInfo struct {
	TotalMMaps int
	Regions    []RegionInfo
}

// QueryRegions returns the regions in address order.
func (mm *MemoryManager) QueryRegions() WmapInfo {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	info := WmapInfo{TotalMMaps: mm.regions.Len()}
	mm.regions.Ascend(func(r *Region) bool {
		info.Regions = append(info.Regions, RegionInfo{
			Addr:         r.Start,
			Length:       r.Length,
			NLoadedPages: r.Resident,
		})
		return true
	})
	return info
}

// VA2PA translates addr through the page tables. ok is false if addr is not
// mapped by a present entry.
func (mm *MemoryManager) VA2PA(addr hostarch.Addr) (uint32, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.pt == nil {
		return 0, false
	}
	pa, _, ok := mm.pt.Translate(addr)
	return pa, ok
}
