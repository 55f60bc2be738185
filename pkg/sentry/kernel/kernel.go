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

// Package kernel provides the simulated machine around the memory manager:
// physical memory and its allocator, the kernel page tables, CPUs, and
// processes with their descriptor tables.
//
// Lock order:
//
//	Kernel.mu
//	  mm.MemoryManager.mu
package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gvisor.dev/vmcore/pkg/cleanup"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// Config describes the machine.
type Config struct {
	// PhysTop is the size of physical memory.
	PhysTop uint32

	// KernEnd is the first physical address past the kernel image. Memory
	// below it is never allocated.
	KernEnd uint32

	// EarlyTop bounds the memory registered before locking is enabled. The
	// kernel page tables are built from it.
	EarlyTop uint32

	// CPUs is the number of CPUs.
	CPUs int

	// MaxRegions is the per-process mmap region limit.
	MaxRegions int

	// MaxFDs is the per-process descriptor table size.
	MaxFDs int

	// SegfaultLogInterval rate limits segmentation fault reports.
	SegfaultLogInterval time.Duration
}

// DefaultConfig returns the default machine: 16 MiB of memory with a 2 MiB
// kernel image.
func DefaultConfig() Config {
	return Config{
		PhysTop:             16 << 20,
		KernEnd:             2 << 20,
		EarlyTop:            4 << 20,
		CPUs:                2,
		MaxRegions:          mm.DefaultMaxRegions,
		MaxFDs:              DefaultMaxFDs,
		SegfaultLogInterval: 100 * time.Millisecond,
	}
}

// Validate checks c for consistency.
func (c *Config) Validate() error {
	for _, v := range []struct {
		name string
		addr uint32
	}{{"phys-top", c.PhysTop}, {"kern-end", c.KernEnd}, {"early-top", c.EarlyTop}} {
		if !hostarch.Addr(v.addr).IsPageAligned() {
			return fmt.Errorf("%s %#x is not page aligned", v.name, v.addr)
		}
	}
	if !(c.KernEnd < c.EarlyTop && c.EarlyTop <= c.PhysTop) {
		return fmt.Errorf("need kern-end %#x < early-top %#x <= phys-top %#x", c.KernEnd, c.EarlyTop, c.PhysTop)
	}
	if uint64(c.PhysTop) > 1<<32-uint64(hostarch.KernBase) {
		return fmt.Errorf("phys-top %#x does not fit above the kernel base %v", c.PhysTop, hostarch.KernBase)
	}
	if c.CPUs < 1 {
		return fmt.Errorf("need at least one CPU, got %d", c.CPUs)
	}
	if c.MaxRegions < 1 || c.MaxFDs < 1 {
		return fmt.Errorf("region limit %d and descriptor limit %d must be positive", c.MaxRegions, c.MaxFDs)
	}
	return nil
}

// PID is a process identifier.
type PID int32

// Kernel is the simulated machine.
type Kernel struct {
	conf   Config
	mem    *pgalloc.PhysicalMemory
	alloc  *pgalloc.Allocator
	kernel *pagetables.PageTables
	cpus   []*CPU

	// segfaults reports killed processes without flooding the log.
	segfaults log.Logger

	// mu protects the fields below.
	mu        sync.Mutex
	processes map[PID]*Process
	nextPID   PID
}

// New boots a Kernel.
func New(conf Config) (*Kernel, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	mem, err := pgalloc.NewPhysicalMemory(conf.PhysTop)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { mem.Destroy() })
	defer cu.Clean()

	alloc := pgalloc.New(mem, conf.KernEnd)
	alloc.InitUnlocked(conf.KernEnd, conf.EarlyTop)
	kpt, err := pagetables.NewKernel(alloc, conf.PhysTop)
	if err != nil {
		return nil, fmt.Errorf("building kernel page tables from [%#x, %#x): %w", conf.KernEnd, conf.EarlyTop, err)
	}
	alloc.EnableLocking()
	alloc.InitLocked(conf.EarlyTop, conf.PhysTop)

	k := &Kernel{
		conf:      conf,
		mem:       mem,
		alloc:     alloc,
		kernel:    kpt,
		segfaults: log.BasicRateLimitedLogger(conf.SegfaultLogInterval),
		processes: make(map[PID]*Process),
		nextPID:   1,
	}
	for i := 0; i < conf.CPUs; i++ {
		k.cpus = append(k.cpus, newCPU(k, i))
	}
	cu.Release()
	log.Infof("Booted: %d MiB physical memory, %d frames free, %d CPUs", conf.PhysTop>>20, alloc.FreeCount(), conf.CPUs)
	return k, nil
}

// Destroy releases the machine's physical memory. k must not be used
// afterwards.
func (k *Kernel) Destroy() error {
	return k.mem.Destroy()
}

// Config returns the configuration k was booted with.
func (k *Kernel) Config() Config {
	return k.conf
}

// Allocator returns the page allocator.
func (k *Kernel) Allocator() *pgalloc.Allocator {
	return k.alloc
}

// KernelPageTables returns the page tables shared by every address space's
// kernel half.
func (k *Kernel) KernelPageTables() *pagetables.PageTables {
	return k.kernel
}

// CPU returns CPU i.
func (k *Kernel) CPU(i int) *CPU {
	return k.cpus[i]
}

// NumCPUs returns the number of CPUs.
func (k *Kernel) NumCPUs() int {
	return len(k.cpus)
}

// Current returns the process running on CPU cpu, or nil.
func (k *Kernel) Current(cpu int) *Process {
	return k.cpus[cpu].Current()
}

// NewProcess creates a process with an empty address space.
func (k *Kernel) NewProcess() (*Process, error) {
	m, err := mm.NewMemoryManager(k.alloc, k.kernel, k.conf.MaxRegions)
	if err != nil {
		return nil, err
	}
	return k.addProcess(0, m, NewFDTable(k.conf.MaxFDs)), nil
}

func (k *Kernel) addProcess(parent PID, m *mm.MemoryManager, fdTable *FDTable) *Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := &Process{
		k:       k,
		pid:     k.nextPID,
		parent:  parent,
		mm:      m,
		fdTable: fdTable,
	}
	k.nextPID++
	k.processes[p.pid] = p
	return p
}

// Fork creates a child of p sharing its pages copy-on-write and its open
// files. ctx carries the calling CPU.
func (k *Kernel) Fork(ctx context.Context, p *Process) (*Process, error) {
	if p.Killed() {
		return nil, ErrKilled
	}
	m, err := p.mm.Fork(ctx)
	if err != nil {
		return nil, err
	}
	child := k.addProcess(p.pid, m, p.fdTable.Fork())
	log.Debugf("pid %d forked pid %d", p.pid, child.pid)
	return child, nil
}

// Exit tears p down, returning all of its memory and files. ctx carries the
// calling CPU, which stops running p.
//
// Preconditions: p is not current on any other CPU.
func (k *Kernel) Exit(ctx context.Context, p *Process) {
	k.mu.Lock()
	if _, ok := k.processes[p.pid]; !ok {
		k.mu.Unlock()
		return
	}
	delete(k.processes, p.pid)
	k.mu.Unlock()

	if c := CPUFromContext(ctx); c != nil && c.Current() == p {
		c.Switch(nil)
	}
	p.mm.Release(ctx)
	p.fdTable.Release()
	log.Debugf("pid %d exited", p.pid)
}

// Terminate marks the process pid as killed. Its next memory access fails,
// and its owner is expected to Exit it. It returns false if no such process
// exists.
func (k *Kernel) Terminate(pid PID) bool {
	k.mu.Lock()
	p, ok := k.processes[pid]
	k.mu.Unlock()
	if !ok {
		return false
	}
	p.killed.Store(true)
	return true
}

// Process returns the live process pid, or nil.
func (k *Kernel) Process(pid PID) *Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.processes[pid]
}

// PIDs returns the live processes in ascending order.
func (k *Kernel) PIDs() []PID {
	k.mu.Lock()
	pids := make([]PID, 0, len(k.processes))
	for pid := range k.processes {
		pids = append(pids, pid)
	}
	k.mu.Unlock()
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}
