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
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/vmsim/config"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct{}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the memory layout and allocator state of a booted kernel"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout - boots a kernel with the global flags and prints its memory layout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Layout) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	k, err := boot(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer k.Destroy()

	if err := printLayout(os.Stdout, k); err != nil {
		Fatalf("printing layout: %v", err)
	}
	if err := writeMetrics(conf, k); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func printLayout(out io.Writer, k *kernel.Kernel) error {
	conf := k.Config()
	stats := k.Allocator().Stats()

	w := tabwriter.NewWriter(out, 12, 1, 3, ' ', 0)
	fmt.Fprint(w, "SPACE\tSTART\tEND\tCONTENTS\n")
	for _, r := range []struct {
		space, what string
		start, end  uint64
	}{
		{"physical", "kernel image", 0, uint64(conf.KernEnd)},
		{"physical", "early frames", uint64(conf.KernEnd), uint64(conf.EarlyTop)},
		{"physical", "frames", uint64(conf.EarlyTop), uint64(conf.PhysTop)},
		{"virtual", "user", 0, uint64(hostarch.MMapBase)},
		{"virtual", "mmap regions", uint64(hostarch.MMapBase), uint64(hostarch.KernBase)},
		{"virtual", "kernel (physical direct map)", uint64(hostarch.KernBase), uint64(hostarch.KernBase) + uint64(conf.PhysTop)},
	} {
		fmt.Fprintf(w, "%s\t%#08x\t%#08x\t%s\n", r.space, r.start, r.end, r.what)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\n%d CPUs, %d of %d frames free, %d allocated, %d freed, %d failures\n",
		k.NumCPUs(), stats.Free, stats.Total, stats.Allocated, stats.Freed, stats.Failures)
	return err
}
