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
	"fmt"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
)

// FaultOutcome is how a page fault was resolved.
type FaultOutcome int

// Fault outcomes.
const (
	// FaultDemandPaged: a frame was allocated and populated for an mmap
	// region.
	FaultDemandPaged FaultOutcome = iota

	// FaultPromoted: a copy-on-write page had a single owner and was made
	// writable in place.
	FaultPromoted

	// FaultCloned: a shared copy-on-write page was copied into a private
	// frame.
	FaultCloned

	// FaultSpurious: the entry already allowed the access; a stale
	// translation was dropped.
	FaultSpurious
)

// String implements fmt.Stringer.String.
func (o FaultOutcome) String() string {
	switch o {
	case FaultDemandPaged:
		return "demand_paged"
	case FaultPromoted:
		return "promoted"
	case FaultCloned:
		return "cloned"
	case FaultSpurious:
		return "spurious"
	default:
		return fmt.Sprintf("FaultOutcome(%d)", int(o))
	}
}

type faultKind int

const (
	faultNoMapping faultKind = iota
	faultCOW
	faultIllegal
	faultSpurious
)

// classify decides how to handle an access of type at to page given its
// entry, which may be nil. A non-present entry with other bits set means the
// page tables are corrupt, and classify panics.
func classify(page hostarch.Addr, pte *pagetables.PTE, at hostarch.AccessType) faultKind {
	if pte == nil || pte.Raw() == 0 {
		return faultNoMapping
	}
	if !pte.Valid() {
		panic(fmt.Sprintf("mm: corrupt page table entry %#08x for %v", pte.Raw(), page))
	}
	opts := pte.Opts()
	switch {
	case !opts.User:
		return faultIllegal
	case opts.AccessType.SupersetOf(at):
		return faultSpurious
	case opts.CopyOnWrite:
		return faultCOW
	default:
		return faultIllegal
	}
}

// HandleUserFault resolves a user page fault at addr for an access of type
// at. Any error is fatal to the process; the caller kills it.
func (mm *MemoryManager) HandleUserFault(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType) (FaultOutcome, error) {
	page := addr.RoundDown()

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.pt == nil {
		return 0, linuxerr.EFAULT
	}

	var (
		pte     = mm.pt.Lookup(page)
		outcome FaultOutcome
		err     error
	)
	switch classify(page, pte, at) {
	case faultNoMapping:
		outcome, err = mm.handleDemandLocked(page)
	case faultCOW:
		outcome, err = mm.handleCOWLocked(ctx, page, pte)
	case faultSpurious:
		mm.invalidateLocked(ctx)
		outcome = FaultSpurious
	case faultIllegal:
		err = linuxerr.EFAULT
	}
	if err != nil {
		pageFaults.Increment("killed")
		return 0, err
	}
	pageFaults.Increment(outcome.String())
	return outcome, nil
}
