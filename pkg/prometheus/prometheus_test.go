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

package prometheus

import (
	"bytes"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"gvisor.dev/vmcore/pkg/metric"
)

func TestName(t *testing.T) {
	for _, test := range []struct {
		prefix string
		name   string
		want   string
	}{
		{"", "/memory/page_faults", "memory_page_faults"},
		{"vmsim_", "/memory/free-frames", "vmsim_memory_free_frames"},
		{"", "plain", "plain"},
	} {
		if got := Name(test.prefix, test.name); got != test.want {
			t.Errorf("Name(%q, %q) = %q, want %q", test.prefix, test.name, got, test.want)
		}
	}
}

func TestWriteRoundTrip(t *testing.T) {
	snaps := []metric.Snapshot{
		{
			Metadata: metric.Metadata{
				Name:        "/memory/page_faults",
				Description: "Resolved page faults.",
				Cumulative:  true,
			},
			Samples: []metric.Sample{
				{Fields: map[string]string{"outcome": "demand_paged"}, Value: 3},
				{Fields: map[string]string{"outcome": "cloned"}, Value: 1},
			},
		},
		{
			Metadata: metric.Metadata{Name: "/memory/free_frames"},
			Samples:  []metric.Sample{{Value: 3070}},
		},
	}

	var buf bytes.Buffer
	n, err := Write(&buf, ExportOptions{ExporterPrefix: "vmsim_"}, snaps)
	if err != nil {
		t.Fatalf("Write got err %v want nil", err)
	}
	if n != buf.Len() {
		t.Errorf("Write returned %d bytes, buffer holds %d", n, buf.Len())
	}

	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("TextToMetricFamilies got err %v want nil", err)
	}

	faults, ok := parsed["vmsim_memory_page_faults"]
	if !ok {
		t.Fatalf("missing page fault family in %v", parsed)
	}
	if faults.GetType() != dto.MetricType_COUNTER {
		t.Errorf("page fault type = %v, want COUNTER", faults.GetType())
	}
	if faults.GetHelp() != "Resolved page faults." {
		t.Errorf("page fault help = %q", faults.GetHelp())
	}
	got := make(map[string]float64)
	for _, m := range faults.GetMetric() {
		got[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
	}
	if got["demand_paged"] != 3 || got["cloned"] != 1 {
		t.Errorf("page fault values = %v", got)
	}

	free, ok := parsed["vmsim_memory_free_frames"]
	if !ok {
		t.Fatalf("missing free frame family in %v", parsed)
	}
	if free.GetType() != dto.MetricType_GAUGE || free.GetMetric()[0].GetGauge().GetValue() != 3070 {
		t.Errorf("free frames = %v", free)
	}
}
