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

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
)

// Fork returns a copy of mm for a child process. No page is copied: every
// writable page becomes read-only copy-on-write in both address spaces, and
// every present frame gains a reference for the child.
func (mm *MemoryManager) Fork(ctx context.Context) (*MemoryManager, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	mm2, err := NewMemoryManager(mm.alloc, mm.kernel, mm.maxRegions)
	if err != nil {
		return nil, err
	}
	if mm.pt == nil {
		return mm2, nil
	}

	var (
		shared  uint64
		copyErr error
	)
	mm.pt.ForEachUser(func(addr hostarch.Addr, pte *pagetables.PTE) {
		if copyErr != nil {
			return
		}
		f := pte.Frame()
		opts := pte.Opts()
		if opts.AccessType.Write || opts.CopyOnWrite {
			opts = pagetables.MapOpts{
				AccessType:  hostarch.Read,
				User:        opts.User,
				CopyOnWrite: true,
			}
			pte.Set(f, opts)
		}
		cpte, err := mm2.pt.LookupOrCreate(addr)
		if err != nil {
			copyErr = err
			return
		}
		cpte.Set(f, opts)
		mm.alloc.IncRef(f)
		shared++
	})
	// Parent entries lost write access.
	mm.invalidateLocked(ctx)
	if copyErr != nil {
		mm2.Release(ctx)
		return nil, copyErr
	}
	cowShared.IncrementBy(shared)

	mm.regions.Ascend(func(r *Region) bool {
		r2 := *r
		if r2.File != nil {
			r2.File.IncRef()
		}
		r2.Resident = 0
		ar := r2.Range()
		for va := ar.Start; va < ar.End; va += hostarch.PageSize {
			if pte := mm2.pt.Lookup(va); pte != nil && pte.Valid() {
				r2.Resident++
			}
		}
		mm2.regions.ReplaceOrInsert(&r2)
		return true
	})
	return mm2, nil
}
