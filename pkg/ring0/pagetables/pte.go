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
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// Hardware bits of a page table or directory entry.
const (
	present     PTE = 1 << 0
	writable    PTE = 1 << 1
	user        PTE = 1 << 2
	copyOnWrite PTE = 1 << 9 // Software-available bit.

	frameMask PTE = 0xfffff000
)

// Geometry of the two-level tables.
const (
	entriesPerTable = 1024
	pdeShift        = 22
	pteShift        = hostarch.PageShift
	pteIndexMask    = entriesPerTable - 1

	// pdeSize is the span of one directory entry.
	pdeSize = 1 << pdeShift
)

// pdeIndex returns the directory index of addr.
func pdeIndex(addr hostarch.Addr) int {
	return int(addr >> pdeShift)
}

// pteIndex returns the second-level index of addr.
func pteIndex(addr hostarch.Addr) int {
	return int(addr>>pteShift) & pteIndexMask
}

// MapOpts are the decoded permissions of an entry.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// User indicates the page is user-accessible.
	User bool

	// CopyOnWrite marks a read-only page whose frame is shared after fork.
	// It is mutually exclusive with write access.
	CopyOnWrite bool
}

// String implements fmt.Stringer.String.
func (o MapOpts) String() string {
	s := o.AccessType.String()
	if o.User {
		s += "u"
	} else {
		s += "-"
	}
	if o.CopyOnWrite {
		s += "c"
	} else {
		s += "-"
	}
	return s
}

// PTE is a page table entry in hardware format.
type PTE uint32

// PTEs is a page table or page directory.
type PTEs [entriesPerTable]PTE

// Clear clears this PTE.
func (p *PTE) Clear() {
	*p = 0
}

// Valid returns true iff this entry is present.
func (p *PTE) Valid() bool {
	return *p&present != 0
}

// Raw returns the hardware word.
func (p *PTE) Raw() uint32 {
	return uint32(*p)
}

// Frame returns the frame this entry points to.
func (p *PTE) Frame() pgalloc.Frame {
	return pgalloc.FrameOf(uint32(*p & frameMask))
}

// Opts returns the decoded permissions.
//
// Precondition: p.Valid().
func (p *PTE) Opts() MapOpts {
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:  true,
			Write: *p&writable != 0,
		},
		User:        *p&user != 0,
		CopyOnWrite: *p&copyOnWrite != 0,
	}
}

// Set sets this PTE value. A zero access type clears the entry.
//
// Set panics if opts asks for a writable copy-on-write page.
func (p *PTE) Set(frame pgalloc.Frame, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	if opts.AccessType.Write && opts.CopyOnWrite {
		panic(fmt.Sprintf("pagetables: writable copy-on-write mapping of %v", frame))
	}
	v := PTE(frame.Addr()) | present
	if opts.AccessType.Write {
		v |= writable
	}
	if opts.User {
		v |= user
	}
	if opts.CopyOnWrite {
		v |= copyOnWrite
	}
	*p = v
}

// setDirectory points a directory entry at a page table. Directory entries
// are maximally permissive; the second level decides.
func (p *PTE) setDirectory(table pgalloc.Frame) {
	*p = PTE(table.Addr()) | present | writable | user
}

// String implements fmt.Stringer.String.
func (p *PTE) String() string {
	if !p.Valid() {
		return fmt.Sprintf("not present (%#x)", uint32(*p))
	}
	return fmt.Sprintf("%v %v", p.Frame(), p.Opts())
}
