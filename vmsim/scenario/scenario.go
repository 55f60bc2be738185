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

// Package scenario runs scripted memory workloads against a simulated
// kernel. A scenario is a YAML list of steps; each step acts on the process
// running on one CPU and states what it expects to happen.
package scenario

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/fs"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/pkg/sentry/mm"
)

// Scenario is a named sequence of steps.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Steps       []Step `yaml:"steps"`

	// dir resolves host file paths; it is the directory of the scenario
	// file.
	dir string
}

// Step is a single operation. Which fields apply depends on Op:
//
//	spawn    new process on CPU, bound to As
//	switch   run Process on CPU; an empty Process idles the CPU
//	fork     fork the current process, child bound to As
//	exit     tear down the current process
//	open     install File, descriptor bound to As
//	close    close FD
//	wmap     map Length bytes at At with Flags, FD and Offset; result bound to As
//	wunmap   unmap the region containing At
//	write    copy Data to At
//	read     copy Length bytes (or len(Expect.Data)) from At
//	wmapinfo query the current process's regions
//	va2pa    translate At
//	frames   compare free frames with the count at boot
//
// Addresses are written as "base[+offset]", where base is a number, a
// region name bound by wmap, "kernbase" or "mmapbase".
type Step struct {
	Op      string   `yaml:"op"`
	CPU     int      `yaml:"cpu"`
	Process string   `yaml:"process"`
	As      string   `yaml:"as"`
	At      string   `yaml:"at"`
	Length  uint32   `yaml:"length"`
	Flags   []string `yaml:"flags"`
	FD      string   `yaml:"fd"`
	Offset  int64    `yaml:"offset"`
	File    *File    `yaml:"file"`
	Data    string   `yaml:"data"`
	Expect  Expect   `yaml:"expect"`
}

// File describes a file to open. Exactly one of Contents, Host and Pipe is
// set.
type File struct {
	// Contents is the data of an in-memory file, repeated Repeat times.
	Contents string `yaml:"contents"`
	Repeat   int    `yaml:"repeat"`

	// Host is a host file path, relative to the scenario file.
	Host string `yaml:"host"`

	// Pipe opens a pipe, which cannot back a mapping.
	Pipe bool `yaml:"pipe"`
}

// Expect is what a step must produce. Zero fields are not checked, except
// Error: a step with no expected error must succeed.
type Expect struct {
	// Error is an errno name such as "EINVAL", or "killed" for an
	// operation by a terminated process.
	Error string `yaml:"error"`

	// Killed requires the process that ran the step to have been
	// terminated by it.
	Killed bool `yaml:"killed"`

	At          string `yaml:"at"`
	Data        string `yaml:"data"`
	TotalMMaps  *int   `yaml:"total_mmaps"`
	LoadedPages []int  `yaml:"loaded_pages"`
	Mapped      *bool  `yaml:"mapped"`
	FreeDelta   *int   `yaml:"free_delta"`
}

// Parse decodes a scenario. Unknown keys are rejected.
func Parse(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding scenario: %w", err)
	}
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("scenario %q has no steps", s.Name)
	}
	return &s, nil
}

// Load reads the scenario at path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	s.dir = filepath.Dir(path)
	return s, nil
}

// runner holds the names bound while a scenario runs.
type runner struct {
	s         *Scenario
	k         *kernel.Kernel
	baseline  uint64
	processes map[string]*kernel.Process
	fds       map[string]int32
	regions   map[string]hostarch.Addr
}

// Run executes s on k, stopping at the first step whose outcome differs from
// its expectation. k should be freshly booted: frames steps compare against
// its free count at the time Run is called.
func (s *Scenario) Run(ctx context.Context, k *kernel.Kernel) error {
	r := &runner{
		s:         s,
		k:         k,
		baseline:  k.Allocator().FreeCount(),
		processes: make(map[string]*kernel.Process),
		fds:       make(map[string]int32),
		regions:   make(map[string]hostarch.Addr),
	}
	for i := range s.Steps {
		step := &s.Steps[i]
		log.Debugf("Scenario %q step %d: %s on cpu%d", s.Name, i, step.Op, step.CPU)
		if err := r.step(ctx, step); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
	}
	return nil
}

func (r *runner) step(ctx context.Context, step *Step) error {
	if step.CPU < 0 || step.CPU >= r.k.NumCPUs() {
		return fmt.Errorf("no cpu%d", step.CPU)
	}
	cpu := r.k.CPU(step.CPU)
	cur := cpu.Current()
	switch step.Op {
	case "spawn", "switch", "frames":
	default:
		if cur == nil {
			return fmt.Errorf("no process on cpu%d", step.CPU)
		}
	}

	var err error
	switch step.Op {
	case "spawn":
		var p *kernel.Process
		if p, err = r.k.NewProcess(); err == nil {
			r.bindProcess(step.As, p)
			cpu.Switch(p)
		}
	case "switch":
		var p *kernel.Process
		if step.Process != "" {
			if p = r.processes[step.Process]; p == nil {
				return fmt.Errorf("unknown process %q", step.Process)
			}
		}
		cpu.Switch(p)
	case "fork":
		var child *kernel.Process
		if child, err = cpu.Fork(ctx); err == nil {
			r.bindProcess(step.As, child)
		}
	case "exit":
		cpu.Exit(ctx)
	case "open":
		var file *fs.File
		if file, err = r.open(step.File); err != nil {
			return err
		}
		var fd int32
		if fd, err = cur.Open(file); err == nil && step.As != "" {
			r.fds[step.As] = fd
		}
	case "close":
		var fd int32
		if fd, err = r.fd(step.FD); err != nil {
			return err
		}
		err = cur.Close(fd)
	case "wmap":
		err = r.wmap(ctx, cpu, cur, step)
	case "wunmap":
		var addr hostarch.Addr
		if addr, err = r.addr(step.At); err != nil {
			return err
		}
		err = cpu.Wunmap(ctx, addr)
	case "write":
		var addr hostarch.Addr
		if addr, err = r.addr(step.At); err != nil {
			return err
		}
		_, err = cpu.CopyOut(ctx, addr, []byte(step.Data))
	case "read":
		err = r.read(ctx, cpu, step)
	case "wmapinfo":
		if err := checkInfo(cur.GetWmapInfo(), step.Expect); err != nil {
			return err
		}
	case "va2pa":
		var addr hostarch.Addr
		if addr, err = r.addr(step.At); err != nil {
			return err
		}
		pa, ok := cur.VA2PA(addr)
		log.Debugf("va2pa(%v) = %#x, %t", addr, pa, ok)
		if m := step.Expect.Mapped; m != nil && *m != ok {
			return fmt.Errorf("va2pa(%v) mapped %t, want %t", addr, ok, *m)
		}
	case "frames":
		delta := int(r.k.Allocator().FreeCount()) - int(r.baseline)
		if d := step.Expect.FreeDelta; d != nil && *d != delta {
			return fmt.Errorf("free frames changed by %d since boot, want %d", delta, *d)
		}
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}

	if got := errorName(err); got != step.Expect.Error {
		if step.Expect.Error == "" {
			return fmt.Errorf("unexpected error: %w", err)
		}
		return fmt.Errorf("got error %q (%v), want %q", got, err, step.Expect.Error)
	}
	if step.Expect.Killed && (cur == nil || !cur.Killed()) {
		return fmt.Errorf("process survived")
	}
	return nil
}

func (r *runner) bindProcess(name string, p *kernel.Process) {
	if name != "" {
		r.processes[name] = p
	}
}

func (r *runner) fd(name string) (int32, error) {
	fd, ok := r.fds[name]
	if !ok {
		// A literal descriptor number.
		n, err := strconv.ParseInt(name, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("unknown fd %q", name)
		}
		fd = int32(n)
	}
	return fd, nil
}

func (r *runner) open(f *File) (*fs.File, error) {
	switch {
	case f == nil:
		return nil, fmt.Errorf("open needs a file")
	case f.Pipe:
		return fs.NewPipeFile(), nil
	case f.Host != "":
		path := f.Host
		if !filepath.IsAbs(path) {
			path = filepath.Join(r.s.dir, path)
		}
		inode, err := fs.OpenHost(path)
		if err != nil {
			return nil, err
		}
		return fs.NewFile(inode), nil
	default:
		n := f.Repeat
		if n == 0 {
			n = 1
		}
		return fs.NewFile(fs.NewMemInode([]byte(strings.Repeat(f.Contents, n)))), nil
	}
}

func (r *runner) wmap(ctx context.Context, cpu *kernel.CPU, p *kernel.Process, step *Step) error {
	addr, err := r.addr(step.At)
	if err != nil {
		return err
	}
	var flags mm.MapFlags
	for _, f := range step.Flags {
		switch f {
		case "fixed":
			flags |= mm.MapFixed
		case "anonymous":
			flags |= mm.MapAnonymous
		default:
			return fmt.Errorf("unknown flag %q", f)
		}
	}
	fd := int32(-1)
	if step.FD != "" {
		if fd, err = r.fd(step.FD); err != nil {
			return err
		}
	}

	var got hostarch.Addr
	if step.Offset != 0 {
		got, err = p.WmapOffset(cpu.Context(ctx), addr, step.Length, flags, fd, step.Offset)
	} else {
		got, err = cpu.Wmap(ctx, addr, step.Length, flags, fd)
	}
	if err != nil {
		return err
	}
	if step.As != "" {
		r.regions[step.As] = got
	}
	if step.Expect.At != "" {
		want, err := r.addr(step.Expect.At)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("mapped at %v, want %v", got, want)
		}
	}
	return nil
}

func (r *runner) read(ctx context.Context, cpu *kernel.CPU, step *Step) error {
	addr, err := r.addr(step.At)
	if err != nil {
		return err
	}
	n := int(step.Length)
	if n == 0 {
		n = len(step.Expect.Data)
	}
	buf := make([]byte, n)
	if _, err := cpu.CopyIn(ctx, addr, buf); err != nil {
		return err
	}
	if step.Expect.Data != "" && string(buf) != step.Expect.Data {
		return fmt.Errorf("read %q at %v, want %q", buf, addr, step.Expect.Data)
	}
	return nil
}

func checkInfo(info mm.WmapInfo, want Expect) error {
	if want.TotalMMaps != nil && info.TotalMMaps != *want.TotalMMaps {
		return fmt.Errorf("total mmaps %d, want %d", info.TotalMMaps, *want.TotalMMaps)
	}
	if want.LoadedPages == nil {
		return nil
	}
	got := make([]int, len(info.Regions))
	for i, region := range info.Regions {
		got[i] = int(region.NLoadedPages)
	}
	if !slices.Equal(got, want.LoadedPages) {
		return fmt.Errorf("loaded pages %v, want %v", got, want.LoadedPages)
	}
	return nil
}

// addr evaluates an address expression.
func (r *runner) addr(expr string) (hostarch.Addr, error) {
	if expr == "" {
		return 0, nil
	}
	base, off, hasOff := strings.Cut(expr, "+")
	base = strings.TrimSpace(base)

	var addr hostarch.Addr
	switch base {
	case "kernbase":
		addr = hostarch.KernBase
	case "mmapbase":
		addr = hostarch.MMapBase
	default:
		if region, ok := r.regions[base]; ok {
			addr = region
			break
		}
		n, err := strconv.ParseUint(base, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("bad address %q", expr)
		}
		addr = hostarch.Addr(n)
	}
	if hasOff {
		n, err := strconv.ParseUint(strings.TrimSpace(off), 0, 32)
		if err != nil {
			return 0, fmt.Errorf("bad offset in %q", expr)
		}
		addr += hostarch.Addr(n)
	}
	return addr, nil
}

// errorName returns the name an expectation uses for err.
func errorName(err error) string {
	switch {
	case err == nil:
		return ""
	case err == kernel.ErrKilled:
		return "killed"
	case err == kernel.ErrIdle:
		return "idle"
	default:
		return unix.ErrnoName(linuxerr.ToUnix(err))
	}
}
