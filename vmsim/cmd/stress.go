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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/vmsim/config"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts stressOpts
}

type stressOpts struct {
	// children are forked per CPU, other than the parent's.
	children int
	pages    int
	rounds   int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "fork children sharing copy-on-write pages and run them on every CPU"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - boots a kernel, maps and fills pages in a parent process, then
forks children that overwrite the pages concurrently on CPUs 1..N-1. Fails if
any process sees another's data or if frames are leaked.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.children, "children", 4, "children forked per CPU.")
	f.IntVar(&s.opts.pages, "pages", 8, "pages shared by the parent.")
	f.IntVar(&s.opts.rounds, "rounds", 1, "number of fork and exit rounds.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.opts.children < 1 || s.opts.pages < 1 || s.opts.rounds < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	k, err := boot(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer k.Destroy()

	start := time.Now()
	if err := stress(ctx, k, s.opts); err != nil {
		Infof("FAIL: %v", err)
		return subcommands.ExitFailure
	}
	Infof("PASS: %d rounds of %d children on %d CPUs in %v", s.opts.rounds, s.opts.children*(k.NumCPUs()-1), k.NumCPUs(), time.Since(start))
	if err := writeMetrics(conf, k); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// stress runs the workload on k. The parent runs on CPU 0 and children on the
// remaining CPUs, one goroutine per CPU.
func stress(ctx context.Context, k *kernel.Kernel, opts stressOpts) error {
	if k.NumCPUs() < 2 {
		return fmt.Errorf("need at least 2 CPUs, have %d", k.NumCPUs())
	}
	free := k.Allocator().FreeCount()
	length := uint32(opts.pages) * hostarch.PageSize

	pc := k.CPU(0)
	parent, err := k.NewProcess()
	if err != nil {
		return err
	}
	pc.Switch(parent)
	addr, err := pc.Wmap(ctx, 0, length, mm.MapAnonymous, -1)
	if err != nil {
		return fmt.Errorf("parent wmap: %w", err)
	}
	pattern := bytes.Repeat([]byte("parent!"), int(length)/7+1)[:length]
	if _, err := pc.CopyOut(ctx, addr, pattern); err != nil {
		return fmt.Errorf("parent write: %w", err)
	}

	for round := 0; round < opts.rounds; round++ {
		children := make([][]*kernel.Process, k.NumCPUs())
		for cpu := 1; cpu < k.NumCPUs(); cpu++ {
			for i := 0; i < opts.children; i++ {
				child, err := pc.Fork(ctx)
				if err != nil {
					return fmt.Errorf("round %d: fork: %w", round, err)
				}
				children[cpu] = append(children[cpu], child)
			}
		}

		var g errgroup.Group
		for cpu := 1; cpu < k.NumCPUs(); cpu++ {
			c, procs := k.CPU(cpu), children[cpu]
			g.Go(func() error {
				for _, child := range procs {
					c.Switch(child)
					err := runChild(ctx, c, addr, pattern)
					c.Exit(ctx)
					if err != nil {
						return fmt.Errorf("round %d: pid %d on cpu%d: %w", round, child.PID(), c.ID(), err)
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		got := make([]byte, length)
		if _, err := pc.CopyIn(ctx, addr, got); err != nil {
			return fmt.Errorf("parent read: %w", err)
		}
		if !bytes.Equal(got, pattern) {
			return fmt.Errorf("round %d: parent memory changed by children", round)
		}
		log.Debugf("Stress round %d done, %d frames free", round, k.Allocator().FreeCount())
	}

	pc.Exit(ctx)
	if got := k.Allocator().FreeCount(); got != free {
		return fmt.Errorf("%d frames leaked", int64(free)-int64(got))
	}
	return nil
}

// runChild checks the inherited contents, then overwrites them and checks the
// child sees its own data.
func runChild(ctx context.Context, c *kernel.CPU, addr hostarch.Addr, pattern []byte) error {
	got := make([]byte, len(pattern))
	if _, err := c.CopyIn(ctx, addr, got); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if !bytes.Equal(got, pattern) {
		return fmt.Errorf("inherited contents differ")
	}
	mine := bytes.Repeat([]byte(fmt.Sprintf("pid %d ", c.Current().PID())), len(pattern))[:len(pattern)]
	if _, err := c.CopyOut(ctx, addr, mine); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if _, err := c.CopyIn(ctx, addr, got); err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	if !bytes.Equal(got, mine) {
		return fmt.Errorf("own writes lost")
	}
	return nil
}
