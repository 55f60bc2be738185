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
	"math"

	"gvisor.dev/vmcore/pkg/log"
)

// maxFrames is the number of frames in a 32-bit physical address space.
const maxFrames = 1 << 20

// pinnedRefs is the saturated reference count. A frame that reaches it is
// never decremented or freed again.
const pinnedRefs = math.MaxUint8

// ledger holds one reference count per physical frame. Zero means free.
//
// All methods require the allocator's mu, or the allocator to still be in the
// unlocked boot phase.
type ledger struct {
	refs []uint8
}

func newLedger() ledger {
	return ledger{refs: make([]uint8, maxFrames)}
}

func checkFrame(f Frame) {
	if f >= maxFrames {
		panic(fmt.Sprintf("%v outside the physical frame space", f))
	}
}

// refCountLocked returns the reference count of f.
func (l *ledger) refCountLocked(f Frame) uint8 {
	checkFrame(f)
	return l.refs[f]
}

// setLocked sets the reference count of f to exactly n.
func (l *ledger) setLocked(f Frame, n uint8) {
	checkFrame(f)
	l.refs[f] = n
}

// incRefLocked increments the reference count of f, saturating at
// pinnedRefs.
func (l *ledger) incRefLocked(f Frame) {
	checkFrame(f)
	switch l.refs[f] {
	case pinnedRefs:
		return
	case pinnedRefs - 1:
		log.Warningf("%v reference count saturated; frame is pinned and will never be freed", f)
	}
	l.refs[f]++
}

// decRefLocked decrements the reference count of f and returns the new
// count. ok is false if f had no references, in which case the count is left
// untouched and the caller must treat the release as a fatal error.
func (l *ledger) decRefLocked(f Frame) (refs uint8, ok bool) {
	checkFrame(f)
	switch l.refs[f] {
	case 0:
		return 0, false
	case pinnedRefs:
		return pinnedRefs, true
	}
	l.refs[f]--
	return l.refs[f], true
}
