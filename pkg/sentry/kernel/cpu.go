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
	"sync/atomic"

	"gvisor.dev/vmcore/pkg/ring0/pagetables"
)

// CPU is one processor. A CPU must be driven by a single goroutine at a
// time; only Current may be called from elsewhere.
type CPU struct {
	k   *Kernel
	id  int
	tlb *pagetables.TLB

	current atomic.Pointer[Process]
}

func newCPU(k *Kernel, id int) *CPU {
	c := &CPU{
		k:   k,
		id:  id,
		tlb: pagetables.NewTLB(),
	}
	c.tlb.Load(k.kernel)
	return c
}

// ID returns the CPU number.
func (c *CPU) ID() int {
	return c.id
}

// TLB returns the CPU's translation cache.
func (c *CPU) TLB() *pagetables.TLB {
	return c.tlb
}

// Current returns the running process, or nil.
func (c *CPU) Current() *Process {
	return c.current.Load()
}

// Switch makes p the running process and loads its page tables. A nil p
// leaves only the kernel mapped.
func (c *CPU) Switch(p *Process) {
	c.current.Store(p)
	if p == nil {
		c.tlb.Load(c.k.kernel)
		return
	}
	c.tlb.Load(p.mm.PageTables())
}

type contextID int

const (
	// CtxCPU is a Context.Value key for the *CPU a call runs on.
	CtxCPU contextID = iota
)

// Context returns ctx annotated with c and its TLB.
func (c *CPU) Context(ctx context.Context) context.Context {
	return pagetables.WithTLB(context.WithValue(ctx, CtxCPU, c), c.tlb)
}

// CPUFromContext returns the CPU carried by ctx, or nil.
func CPUFromContext(ctx context.Context) *CPU {
	if v := ctx.Value(CtxCPU); v != nil {
		return v.(*CPU)
	}
	return nil
}
