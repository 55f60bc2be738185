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
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/mm"
)

// HandlePageFault is the page fault trap for the running process. On error
// the process is terminated and the error returned.
func (c *CPU) HandlePageFault(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType) error {
	p := c.Current()
	if p == nil {
		panic(fmt.Sprintf("cpu%d: page fault at %v with no process", c.id, addr))
	}
	if p.Killed() {
		return ErrKilled
	}
	outcome, err := p.mm.HandleUserFault(c.Context(ctx), addr, at)
	if err != nil {
		c.k.segfaults.Warningf("pid %d: Segmentation Fault at %v (%v) on cpu%d: %v", p.pid, addr, at, c.id, err)
		c.k.Terminate(p.pid)
		return err
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("pid %d: %v fault at %v on cpu%d: %v", p.pid, at, addr, c.id, outcome)
	}
	return nil
}

// maxFaultRetries bounds how often one page may fault during a single copy.
// A resolved fault is retried once to pick up the new entry; a spurious one
// after a TLB flush.
const maxFaultRetries = 3

// translate resolves addr for the running process, taking page faults as a
// user-mode access would.
func (c *CPU) translate(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType) (uint32, error) {
	for i := 0; ; i++ {
		if pa, ok := c.tlb.Translate(addr, at, true); ok {
			return pa, nil
		}
		if i == maxFaultRetries {
			panic(fmt.Sprintf("cpu%d: fault at %v (%v) not resolved after %d attempts", c.id, addr, at, i))
		}
		if err := c.HandlePageFault(ctx, addr, at); err != nil {
			return 0, err
		}
	}
}

// copyUser moves data between b and user memory at addr, page by page.
func (c *CPU) copyUser(ctx context.Context, addr hostarch.Addr, b []byte, at hostarch.AccessType) (int, error) {
	p := c.Current()
	if p == nil {
		return 0, ErrIdle
	}
	if p.Killed() {
		return 0, ErrKilled
	}
	if _, ok := addr.AddLength(uint32(len(b))); !ok {
		return 0, fmt.Errorf("copy of %d bytes at %v wraps", len(b), addr)
	}
	done := 0
	for done < len(b) {
		va := addr + hostarch.Addr(done)
		pa, err := c.translate(ctx, va, at)
		if err != nil {
			return done, err
		}
		n := int(hostarch.PageSize - va.PageOffset())
		if n > len(b)-done {
			n = len(b) - done
		}
		mem := c.k.mem.Slice(pa, uint32(n))
		if at.Write {
			copy(mem, b[done:done+n])
		} else {
			copy(b[done:done+n], mem)
		}
		done += n
	}
	return done, nil
}

// CopyOut writes src to user memory at addr as the running process would,
// faulting pages in as needed.
func (c *CPU) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	return c.copyUser(ctx, addr, src, hostarch.Write)
}

// CopyIn reads user memory at addr into dst as the running process would.
func (c *CPU) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	return c.copyUser(ctx, addr, dst, hostarch.Read)
}

// Wmap runs Process.Wmap for the current process.
func (c *CPU) Wmap(ctx context.Context, addr hostarch.Addr, length uint32, flags mm.MapFlags, fd int32) (hostarch.Addr, error) {
	p := c.Current()
	if p == nil {
		return 0, ErrIdle
	}
	return p.Wmap(c.Context(ctx), addr, length, flags, fd)
}

// Wunmap runs Process.Wunmap for the current process.
func (c *CPU) Wunmap(ctx context.Context, addr hostarch.Addr) error {
	p := c.Current()
	if p == nil {
		return ErrIdle
	}
	return p.Wunmap(c.Context(ctx), addr)
}

// Fork forks the current process.
func (c *CPU) Fork(ctx context.Context) (*Process, error) {
	p := c.Current()
	if p == nil {
		return nil, ErrIdle
	}
	return c.k.Fork(c.Context(ctx), p)
}

// Exit tears down the current process and leaves the CPU idle.
func (c *CPU) Exit(ctx context.Context) {
	if p := c.Current(); p != nil {
		c.k.Exit(c.Context(ctx), p)
	}
}
