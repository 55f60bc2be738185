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

// Package cmd holds implementations of the vmsim commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/prometheus"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/vmsim/config"
)

// Fatalf logs the same message to the log and to stderr and exits with
// status 128.
func Fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

// Infof writes message to stdout and to the log.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// boot creates a kernel from conf.
func boot(conf *config.Config) (*kernel.Kernel, error) {
	k, err := kernel.New(conf.KernelConfig())
	if err != nil {
		return nil, fmt.Errorf("booting kernel: %w", err)
	}
	k.Allocator().LogStats()
	return k, nil
}

// allocatorSnapshots reports the allocator state as gauges.
func allocatorSnapshots(s pgalloc.Stats) []metric.Snapshot {
	gauge := func(name, description string, v uint64) metric.Snapshot {
		return metric.Snapshot{
			Metadata: metric.Metadata{Name: name, Description: description},
			Samples:  []metric.Sample{{Value: v}},
		}
	}
	return []metric.Snapshot{
		gauge("/memory/frames_free", "Number of frames on the free list.", s.Free),
		gauge("/memory/frames_total", "Number of frames registered with the allocator.", s.Total),
	}
}

// writeMetrics exports all metrics and the state of k to the file named by
// conf.MetricsFile, if any.
func writeMetrics(conf *config.Config, k *kernel.Kernel) error {
	if conf.MetricsFile == "" {
		return nil
	}
	var w io.Writer = os.Stdout
	if conf.MetricsFile != "-" {
		f, err := os.Create(conf.MetricsFile)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	snaps := append(metric.Values(), allocatorSnapshots(k.Allocator().Stats())...)
	n, err := prometheus.Write(w, prometheus.ExportOptions{ExporterPrefix: conf.MetricsPrefix}, snaps)
	if err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	log.Infof("Wrote %d bytes of Prometheus metric data to %q", n, conf.MetricsFile)
	return nil
}
