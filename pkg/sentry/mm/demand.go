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
	"io"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/fs"
)

// handleDemandLocked populates the unmapped page at page from the region
// covering it.
//
// Preconditions: mm.mu is locked; page has no entry.
func (mm *MemoryManager) handleDemandLocked(page hostarch.Addr) (FaultOutcome, error) {
	r := mm.findRegionLocked(page)
	if r == nil {
		return 0, linuxerr.EFAULT
	}

	f, ok := mm.alloc.Allocate()
	if !ok {
		log.Warningf("Out of memory paging in %v of %v", page, r)
		return 0, linuxerr.ENOMEM
	}
	buf := mm.alloc.Bytes(f)
	clear(buf)

	if !r.Anonymous() {
		if r.File == nil || r.File.Type != fs.FileInode || r.File.Inode == nil {
			log.Warningf("Region %v is not backed by an inode", r)
			mm.alloc.Release(f)
			return 0, linuxerr.EBADF
		}
		off := r.Offset + int64(page-r.Start)
		if err := readPage(r.File.Inode, buf, off); err != nil {
			log.Warningf("Reading %v at offset %#x failed: %v", r, off, err)
			mm.alloc.Release(f)
			return 0, linuxerr.EIO
		}
	}

	pte, err := mm.pt.LookupOrCreate(page)
	if err != nil {
		mm.alloc.Release(f)
		return 0, err
	}
	pte.Set(f, privateOpts)
	r.Resident++
	return FaultDemandPaged, nil
}

// readPage fills buf from inode at off. Bytes past end of file stay zero.
func readPage(inode fs.Inode, buf []byte, off int64) error {
	if err := inode.Lock(); err != nil {
		return err
	}
	defer inode.Unlock()
	if _, err := inode.ReadAt(buf, off); err != nil && err != io.EOF {
		return err
	}
	return nil
}
