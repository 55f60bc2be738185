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
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
)

// privateOpts are the permissions of a page owned by exactly one process.
var privateOpts = pagetables.MapOpts{
	AccessType: hostarch.ReadWrite,
	User:       true,
}

// handleCOWLocked resolves a write to the copy-on-write page at page.
//
// Preconditions: mm.mu is locked; pte is present, user and copy-on-write.
func (mm *MemoryManager) handleCOWLocked(ctx context.Context, page hostarch.Addr, pte *pagetables.PTE) (FaultOutcome, error) {
	old := pte.Frame()
	switch refs := mm.alloc.RefCount(old); refs {
	case 0:
		log.Warningf("Copy-on-write fault at %v on unreferenced %v", page, old)
		return 0, ErrUnreferencedFrame
	case 1:
		// Every other sharer has already copied or exited.
		pte.Set(old, privateOpts)
		mm.invalidateLocked(ctx)
		return FaultPromoted, nil
	}

	f, ok := mm.alloc.Allocate()
	if !ok {
		log.Warningf("Out of memory copying %v for a write at %v", old, page)
		return 0, linuxerr.ENOMEM
	}
	copy(mm.alloc.Bytes(f), mm.alloc.Bytes(old))
	pte.Set(f, privateOpts)
	// Sharers may have dropped references since RefCount, so this can be
	// the last one.
	mm.alloc.Release(old)
	mm.invalidateLocked(ctx)
	return FaultCloned, nil
}
