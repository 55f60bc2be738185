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
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/fs"
	"gvisor.dev/vmcore/pkg/sentry/mm"
)

func testConfig() Config {
	conf := DefaultConfig()
	conf.PhysTop = 4 << 20
	conf.KernEnd = 1 << 20
	conf.EarlyTop = 2 << 20
	conf.CPUs = 4
	return conf
}

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	k, err := New(testConfig())
	if err != nil {
		t.Fatalf("New got err %v want nil", err)
	}
	t.Cleanup(func() {
		if err := k.Destroy(); err != nil {
			t.Errorf("Destroy got err %v want nil", err)
		}
	})
	return k
}

// spawn starts a process on cpu.
func spawn(t *testing.T, k *Kernel, cpu int) (*CPU, *Process) {
	t.Helper()
	p, err := k.NewProcess()
	if err != nil {
		t.Fatalf("NewProcess got err %v want nil", err)
	}
	c := k.CPU(cpu)
	c.Switch(p)
	return c, p
}

func TestConfigValidate(t *testing.T) {
	for _, test := range []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "unaligned", mutate: func(c *Config) { c.KernEnd++ }, wantErr: true},
		{name: "kernel past early", mutate: func(c *Config) { c.KernEnd = c.EarlyTop }, wantErr: true},
		{name: "early past top", mutate: func(c *Config) { c.EarlyTop = c.PhysTop + hostarch.PageSize }, wantErr: true},
		{name: "too much memory", mutate: func(c *Config) { c.PhysTop = 0x80001000 }, wantErr: true},
		{name: "no cpus", mutate: func(c *Config) { c.CPUs = 0 }, wantErr: true},
		{name: "no regions", mutate: func(c *Config) { c.MaxRegions = 0 }, wantErr: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			conf := DefaultConfig()
			test.mutate(&conf)
			if err := conf.Validate(); (err != nil) != test.wantErr {
				t.Errorf("Validate got err %v, want error: %t", err, test.wantErr)
			}
		})
	}
}

func TestLazyAnonymousMapping(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	c, p := spawn(t, k, 0)
	free := k.Allocator().FreeCount()

	addr, err := c.Wmap(ctx, 0x60000000, 4096, mm.MapFixed|mm.MapAnonymous, -1)
	if err != nil {
		t.Fatalf("Wmap got err %v want nil", err)
	}
	if addr != 0x60000000 {
		t.Errorf("Wmap got %v want 0x60000000", addr)
	}
	if info := p.GetWmapInfo(); info.Regions[0].NLoadedPages != 0 {
		t.Errorf("NLoadedPages before touch = %d, want 0", info.Regions[0].NLoadedPages)
	}
	if got := k.Allocator().FreeCount(); got != free {
		t.Errorf("Wmap allocated %d frames", free-got)
	}

	if _, err := c.CopyOut(ctx, addr, []byte{'A'}); err != nil {
		t.Fatalf("CopyOut got err %v want nil", err)
	}
	buf := make([]byte, 2)
	if _, err := c.CopyIn(ctx, addr, buf); err != nil {
		t.Fatalf("CopyIn got err %v want nil", err)
	}
	if buf[0] != 'A' || buf[1] != 0 {
		t.Errorf("CopyIn got %q, want \"A\\x00\"", buf)
	}

	want := mm.WmapInfo{TotalMMaps: 1, Regions: []mm.RegionInfo{{Addr: addr, Length: 4096, NLoadedPages: 1}}}
	if diff := cmp.Diff(want, p.GetWmapInfo()); diff != "" {
		t.Errorf("GetWmapInfo mismatch (-want +got):\n%s", diff)
	}

	pa, ok := p.VA2PA(addr + 0x123)
	if !ok || pa&(hostarch.PageSize-1) != 0x123 || pa < k.Config().KernEnd {
		t.Errorf("VA2PA = %#x, %t", pa, ok)
	}
	if _, ok := p.VA2PA(addr + hostarch.PageSize); ok {
		t.Errorf("VA2PA of an unmapped page succeeded")
	}
}

func TestKernelAccessKills(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	free := k.Allocator().FreeCount()
	c, p := spawn(t, k, 1)

	if _, err := c.CopyOut(ctx, hostarch.KernBase+1, []byte("x")); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyOut to kernel got err %v want %v", err, linuxerr.EFAULT)
	}
	if !p.Killed() {
		t.Errorf("process survived a write to kernel memory")
	}
	if _, err := c.Wmap(ctx, 0, hostarch.PageSize, mm.MapAnonymous, -1); err != ErrKilled {
		t.Errorf("Wmap on killed process got err %v want %v", err, ErrKilled)
	}

	c.Exit(ctx)
	if c.Current() != nil {
		t.Errorf("CPU still running an exited process")
	}
	if k.Process(p.PID()) != nil {
		t.Errorf("exited process still registered")
	}
	if got := k.Allocator().FreeCount(); got != free {
		t.Errorf("FreeCount after exit = %d, want %d", got, free)
	}
}

func TestFileBackedWmap(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	c, p := spawn(t, k, 0)

	contents := bytes.Repeat([]byte("0123456789abcdef"), 300)
	fd, err := p.Open(fs.NewFile(fs.NewMemInode(contents)))
	if err != nil {
		t.Fatalf("Open got err %v want nil", err)
	}
	addr, err := c.Wmap(ctx, 0, uint32(len(contents)), 0, fd)
	if err != nil {
		t.Fatalf("Wmap got err %v want nil", err)
	}
	if addr != hostarch.MMapBase {
		t.Errorf("Wmap got %v want %v", addr, hostarch.MMapBase)
	}

	got := make([]byte, len(contents))
	if _, err := c.CopyIn(ctx, addr, got); err != nil {
		t.Fatalf("CopyIn got err %v want nil", err)
	}
	if !bytes.Equal(got, contents) {
		t.Errorf("mapped contents differ from the file")
	}
	if n := p.GetWmapInfo().Regions[0].NLoadedPages; n != 2 {
		t.Errorf("NLoadedPages = %d, want 2", n)
	}

	// Closing the descriptor does not affect the mapping.
	if err := p.Close(fd); err != nil {
		t.Fatalf("Close got err %v want nil", err)
	}
	tail := make([]byte, 4)
	if _, err := c.CopyIn(ctx, addr+hostarch.Addr(len(contents)), tail); err != nil {
		t.Fatalf("CopyIn past end of file got err %v want nil", err)
	}
	if !bytes.Equal(tail, make([]byte, 4)) {
		t.Errorf("bytes past end of file = %q, want zeroes", tail)
	}

	if _, err := c.Wmap(ctx, 0, hostarch.PageSize, 0, fd); !linuxerr.Equals(linuxerr.EBADF, err) {
		t.Errorf("Wmap of closed fd got err %v want %v", err, linuxerr.EBADF)
	}
}

func TestPipeBackedWmapKills(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	c, p := spawn(t, k, 0)

	fd, err := p.Open(fs.NewPipeFile())
	if err != nil {
		t.Fatalf("Open got err %v want nil", err)
	}
	addr, err := c.Wmap(ctx, 0, hostarch.PageSize, 0, fd)
	if err != nil {
		t.Fatalf("Wmap got err %v want nil", err)
	}
	if _, err := c.CopyIn(ctx, addr, make([]byte, 1)); !linuxerr.Equals(linuxerr.EBADF, err) {
		t.Errorf("CopyIn got err %v want %v", err, linuxerr.EBADF)
	}
	if !p.Killed() {
		t.Errorf("process survived a fault on a pipe mapping")
	}
}

func TestUnmapThenAccess(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	c, p := spawn(t, k, 0)

	addr, err := c.Wmap(ctx, 0, 3*hostarch.PageSize, mm.MapAnonymous, -1)
	if err != nil {
		t.Fatalf("Wmap got err %v want nil", err)
	}
	if _, err := c.CopyOut(ctx, addr, make([]byte, 3*hostarch.PageSize)); err != nil {
		t.Fatalf("CopyOut got err %v want nil", err)
	}
	free := k.Allocator().FreeCount()
	if err := c.Wunmap(ctx, addr); err != nil {
		t.Fatalf("Wunmap got err %v want nil", err)
	}
	if got := k.Allocator().FreeCount(); got != free+3 {
		t.Errorf("Wunmap returned %d frames, want 3", got-free)
	}
	if _, err := c.CopyIn(ctx, addr+hostarch.PageSize, make([]byte, 1)); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyIn after Wunmap got err %v want %v", err, linuxerr.EFAULT)
	}
	if !p.Killed() {
		t.Errorf("process survived an access to an unmapped region")
	}
}

func TestFork(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	c, parent := spawn(t, k, 0)

	addr, err := c.Wmap(ctx, 0, hostarch.PageSize, mm.MapAnonymous, -1)
	if err != nil {
		t.Fatalf("Wmap got err %v want nil", err)
	}
	if _, err := c.CopyOut(ctx, addr, []byte("parent")); err != nil {
		t.Fatalf("CopyOut got err %v want nil", err)
	}
	fd, err := parent.Open(fs.NewFile(fs.NewMemInode(nil)))
	if err != nil {
		t.Fatalf("Open got err %v want nil", err)
	}

	child, err := c.Fork(ctx)
	if err != nil {
		t.Fatalf("Fork got err %v want nil", err)
	}
	if child.Parent() != parent.PID() {
		t.Errorf("child parent = %d, want %d", child.Parent(), parent.PID())
	}
	if child.FDTable().Get(fd) != parent.FDTable().Get(fd) {
		t.Errorf("child does not share fd %d", fd)
	}
	ppa, _ := parent.VA2PA(addr)
	cpa, _ := child.VA2PA(addr)
	if ppa != cpa {
		t.Errorf("child maps %#x, parent %#x, want shared", cpa, ppa)
	}

	cc := k.CPU(1)
	cc.Switch(child)
	if _, err := cc.CopyOut(ctx, addr, []byte("child")); err != nil {
		t.Fatalf("child CopyOut got err %v want nil", err)
	}
	buf := make([]byte, 6)
	if _, err := c.CopyIn(ctx, addr, buf); err != nil {
		t.Fatalf("parent CopyIn got err %v want nil", err)
	}
	if string(buf) != "parent" {
		t.Errorf("parent sees %q after child write", buf)
	}
	if diff := cmp.Diff([]PID{parent.PID(), child.PID()}, k.PIDs()); diff != "" {
		t.Errorf("PIDs mismatch (-want +got):\n%s", diff)
	}
}

// TestConcurrentCopyOnWrite forks children that share every page of their
// parent and runs them on all CPUs at once. Each child overwrites the shared
// pages; the parent must never see the writes and every frame must be
// returned once all have exited.
func TestConcurrentCopyOnWrite(t *testing.T) {
	const (
		pages            = 8
		childrenPerCPU   = 4
		sharedPageLength = pages * hostarch.PageSize
	)
	k := newTestKernel(t)
	ctx := context.Background()
	free := k.Allocator().FreeCount()

	pc, parent := spawn(t, k, 0)
	addr, err := pc.Wmap(ctx, 0, sharedPageLength, mm.MapAnonymous, -1)
	if err != nil {
		t.Fatalf("Wmap got err %v want nil", err)
	}
	pattern := bytes.Repeat([]byte{'P'}, sharedPageLength)
	if _, err := pc.CopyOut(ctx, addr, pattern); err != nil {
		t.Fatalf("CopyOut got err %v want nil", err)
	}

	var children [][]*Process
	for cpu := 1; cpu < k.NumCPUs(); cpu++ {
		var procs []*Process
		for i := 0; i < childrenPerCPU; i++ {
			child, err := pc.Fork(ctx)
			if err != nil {
				t.Fatalf("Fork got err %v want nil", err)
			}
			procs = append(procs, child)
		}
		children = append(children, procs)
	}

	var g errgroup.Group
	for i, procs := range children {
		procs := procs
		c := k.CPU(i + 1)
		g.Go(func() error {
			for _, child := range procs {
				c.Switch(child)
				got := make([]byte, sharedPageLength)
				if _, err := c.CopyIn(ctx, addr, got); err != nil {
					return fmt.Errorf("pid %d: CopyIn: %w", child.PID(), err)
				}
				if !bytes.Equal(got, pattern) {
					return fmt.Errorf("pid %d: inherited contents differ", child.PID())
				}
				mine := bytes.Repeat([]byte{byte('a' + child.PID()%26)}, sharedPageLength)
				if _, err := c.CopyOut(ctx, addr, mine); err != nil {
					return fmt.Errorf("pid %d: CopyOut: %w", child.PID(), err)
				}
				if _, err := c.CopyIn(ctx, addr, got); err != nil {
					return fmt.Errorf("pid %d: CopyIn: %w", child.PID(), err)
				}
				if !bytes.Equal(got, mine) {
					return fmt.Errorf("pid %d: own writes lost", child.PID())
				}
				c.Exit(ctx)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, sharedPageLength)
	if _, err := pc.CopyIn(ctx, addr, got); err != nil {
		t.Fatalf("parent CopyIn got err %v want nil", err)
	}
	if !bytes.Equal(got, pattern) {
		t.Errorf("parent contents changed by children")
	}
	// Every child copied or exited; the parent is the sole owner again.
	if _, err := pc.CopyOut(ctx, addr, got); err != nil {
		t.Fatalf("parent CopyOut got err %v want nil", err)
	}
	if parent.Killed() {
		t.Errorf("parent pid %d killed by children's faults", parent.PID())
	}
	if info := parent.GetWmapInfo(); info.Regions[0].NLoadedPages != pages {
		t.Errorf("parent NLoadedPages = %d, want %d", info.Regions[0].NLoadedPages, pages)
	}

	pc.Exit(ctx)
	if got := k.Allocator().FreeCount(); got != free {
		t.Errorf("FreeCount after all exits = %d, want %d", got, free)
	}
	if pids := k.PIDs(); len(pids) != 0 {
		t.Errorf("live processes after exits: %v", pids)
	}
}

func TestTerminateUnknown(t *testing.T) {
	k := newTestKernel(t)
	if k.Terminate(42) {
		t.Errorf("Terminate of unknown pid succeeded")
	}
}

func TestIdleCPU(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	c := k.CPU(1)
	if _, err := c.Wmap(ctx, hostarch.MMapBase, hostarch.PageSize, mm.MapAnonymous|mm.MapFixed, -1); err != ErrIdle {
		t.Errorf("Wmap got err %v want %v", err, ErrIdle)
	}
	if err := c.Wunmap(ctx, hostarch.MMapBase); err != ErrIdle {
		t.Errorf("Wunmap got err %v want %v", err, ErrIdle)
	}
	if _, err := c.Fork(ctx); err != ErrIdle {
		t.Errorf("Fork got err %v want %v", err, ErrIdle)
	}
	if _, err := c.CopyIn(ctx, hostarch.MMapBase, make([]byte, 1)); err != ErrIdle {
		t.Errorf("CopyIn got err %v want %v", err, ErrIdle)
	}
	c.Exit(ctx)
	if pids := k.PIDs(); len(pids) != 0 {
		t.Errorf("live processes: %v", pids)
	}
}
