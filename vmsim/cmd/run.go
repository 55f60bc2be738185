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

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/vmsim/config"
	"gvisor.dev/vmcore/vmsim/scenario"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	keepGoing bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run scenario files against a freshly booted kernel"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario.yaml>... - boots a kernel for each scenario and runs its steps.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.keepGoing, "keep-going", false, "run every scenario even after one fails.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	failed := 0
	for _, path := range f.Args() {
		if err := r.runOne(ctx, conf, path); err != nil {
			failed++
			Infof("FAIL %s: %v", path, err)
			if !r.keepGoing {
				break
			}
			continue
		}
		Infof("PASS %s", path)
	}
	if failed > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (r *Run) runOne(ctx context.Context, conf *config.Config, path string) error {
	s, err := scenario.Load(path)
	if err != nil {
		return err
	}
	k, err := boot(conf)
	if err != nil {
		return err
	}
	defer k.Destroy()

	if err := s.Run(ctx, k); err != nil {
		return fmt.Errorf("scenario %q: %w", s.Name, err)
	}
	return writeMetrics(conf, k)
}
