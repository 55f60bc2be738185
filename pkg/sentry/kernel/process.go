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

package kernel

import (
	"context"
	"errors"
	"sync/atomic"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/fs"
	"gvisor.dev/vmcore/pkg/sentry/mm"
)

// ErrKilled is returned for operations on a process that has been killed.
var ErrKilled = errors.New("process killed")

// ErrIdle is returned for process operations on a CPU with nothing running.
var ErrIdle = errors.New("no process running")

// Process is a user process: an address space and a descriptor table.
type Process struct {
	k      *Kernel
	pid    PID
	parent PID

	mm      *mm.MemoryManager
	fdTable *FDTable

	killed atomic.Bool
}

// PID returns the process ID.
func (p *Process) PID() PID {
	return p.pid
}

// Parent returns the parent's process ID, or 0 for an initial process.
func (p *Process) Parent() PID {
	return p.parent
}

// MemoryManager returns the process's address space.
func (p *Process) MemoryManager() *mm.MemoryManager {
	return p.mm
}

// FDTable returns the process's descriptor table.
func (p *Process) FDTable() *FDTable {
	return p.fdTable
}

// Killed returns true once the process has been terminated.
func (p *Process) Killed() bool {
	return p.killed.Load()
}

// Open installs file in the descriptor table, taking over the caller's
// reference.
func (p *Process) Open(file *fs.File) (int32, error) {
	fd, err := p.fdTable.NewFD(file)
	if err != nil {
		file.DecRef()
	}
	return fd, err
}

// Close removes fd.
func (p *Process) Close(fd int32) error {
	return p.fdTable.Remove(fd)
}

// Wmap creates a memory region. fd names the backing file unless flags
// include mm.MapAnonymous, in which case it is ignored.
func (p *Process) Wmap(ctx context.Context, addr hostarch.Addr, length uint32, flags mm.MapFlags, fd int32) (hostarch.Addr, error) {
	if p.Killed() {
		return 0, ErrKilled
	}
	opts := mm.MMapOpts{
		Addr:   addr,
		Length: length,
		Flags:  flags,
	}
	if flags&mm.MapAnonymous == 0 {
		opts.File = p.fdTable.Get(fd)
		if opts.File == nil {
			return 0, linuxerr.EBADF
		}
	}
	return p.mm.MMap(ctx, opts)
}

// WmapOffset is Wmap for a file-backed region whose first page maps file
// offset off.
func (p *Process) WmapOffset(ctx context.Context, addr hostarch.Addr, length uint32, flags mm.MapFlags, fd int32, off int64) (hostarch.Addr, error) {
	if p.Killed() {
		return 0, ErrKilled
	}
	if flags&mm.MapAnonymous != 0 {
		return 0, linuxerr.EINVAL
	}
	file := p.fdTable.Get(fd)
	if file == nil {
		return 0, linuxerr.EBADF
	}
	return p.mm.MMap(ctx, mm.MMapOpts{
		Addr:   addr,
		Length: length,
		Flags:  flags,
		File:   file,
		Offset: off,
	})
}

// Wunmap removes the region containing addr.
func (p *Process) Wunmap(ctx context.Context, addr hostarch.Addr) error {
	if p.Killed() {
		return ErrKilled
	}
	return p.mm.MUnmap(ctx, addr)
}

// GetWmapInfo describes the process's regions.
func (p *Process) GetWmapInfo() mm.WmapInfo {
	return p.mm.QueryRegions()
}

// VA2PA translates a virtual address of the process.
func (p *Process) VA2PA(addr hostarch.Addr) (uint32, bool) {
	return p.mm.VA2PA(addr)
}
