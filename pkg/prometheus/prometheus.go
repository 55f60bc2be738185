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

// Package prometheus exports metric snapshots in the Prometheus text
// exposition format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package prometheus

import (
	"fmt"
	"io"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"gvisor.dev/vmcore/pkg/metric"
)

// ExportOptions contains options that affect the exported data.
type ExportOptions struct {
	// ExporterPrefix is prepended to all metric names.
	ExporterPrefix string
}

// Name converts a metric name such as "/memory/page_faults" into a valid
// Prometheus metric name.
func Name(prefix, name string) string {
	name = strings.TrimPrefix(name, "/")
	name = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
	return prefix + name
}

// Family converts a metric snapshot into a Prometheus metric family.
func Family(options ExportOptions, s metric.Snapshot) *dto.MetricFamily {
	typ := dto.MetricType_GAUGE
	if s.Cumulative {
		typ = dto.MetricType_COUNTER
	}
	mf := &dto.MetricFamily{
		Name: proto.String(Name(options.ExporterPrefix, s.Name)),
		Type: typ.Enum(),
	}
	if s.Description != "" {
		mf.Help = proto.String(s.Description)
	}
	for _, sample := range s.Samples {
		m := &dto.Metric{Label: labelPairs(sample.Fields)}
		v := float64(sample.Value)
		if s.Cumulative {
			m.Counter = &dto.Counter{Value: proto.Float64(v)}
		} else {
			m.Gauge = &dto.Gauge{Value: proto.Float64(v)}
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

// labelPairs returns the labels ordered by name.
func labelPairs(fields map[string]string) []*dto.LabelPair {
	if len(fields) == 0 {
		return nil
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]*dto.LabelPair, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, &dto.LabelPair{
			Name:  proto.String(name),
			Value: proto.String(fields[name]),
		})
	}
	return pairs
}

// Write writes the given snapshots to w and returns the number of bytes
// written.
func Write(w io.Writer, options ExportOptions, snaps []metric.Snapshot) (int, error) {
	var written int
	for _, s := range snaps {
		n, err := expfmt.MetricFamilyToText(w, Family(options, s))
		written += n
		if err != nil {
			return written, fmt.Errorf("writing metric %q: %w", s.Name, err)
		}
	}
	return written, nil
}
