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

package log

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
	limit int
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	if w.limit > 0 && len(w.lines) >= w.limit {
		return len(bytes), nil
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"*** Dropped 2 log messages ***\n",
		"line 2\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %v, expected: %v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %v, expected: %v", i, l, expected[i])
		}
	}
}

func TestCaller(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{Writer: &Writer{Next: tw}}
	bl := &BasicLogger{
		Emitter: e,
		Level:   Debug,
	}
	bl.Debugf("testing...\n") // Just for file/line.
	if len(tw.lines) != 1 {
		t.Errorf("expected 1 line, got %d", len(tw.lines))
	}
	if !strings.Contains(tw.lines[0], "log_test.go") {
		t.Errorf("expected log_test.go, got %q", tw.lines[0])
	}
}

func BenchmarkGoogleLogging(b *testing.B) {
	tw := &testWriter{
		limit: 1, // Only record one message.
	}
	e := GoogleEmitter{Writer: &Writer{Next: tw}}
	bl := &BasicLogger{
		Emitter: e,
		Level:   Debug,
	}
	for i := 0; i < b.N; i++ {
		bl.Debugf("hello %d, %d, %d", 1, 2, 3)
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{
		Emitter: &Writer{Next: tw},
		Level:   Info,
	}
	bl.Debugf("hidden")
	bl.Infof("shown")
	bl.Warningf("shown")
	if got, want := len(tw.lines), 2; got != want {
		t.Fatalf("got %d lines, want %d: %v", got, want, tw.lines)
	}
	bl.SetLevel(Warning)
	if bl.IsLogging(Info) {
		t.Errorf("IsLogging(Info) = true at level Warning")
	}
}

func TestMultiEmitter(t *testing.T) {
	a, b := &testWriter{}, &testWriter{}
	m := MultiEmitter{&Writer{Next: a}, &Writer{Next: b}}
	m.Emit(0, Info, time.Now(), "fault at %#x", 0x60000000)
	for i, tw := range []*testWriter{a, b} {
		if len(tw.lines) != 1 || tw.lines[0] != "fault at 0x60000000\n" {
			t.Errorf("emitter %d got %q", i, tw.lines)
		}
	}
}

func TestWriterTerminatesLines(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	n, err := w.Write([]byte("no newline"))
	if err != nil || n != len("no newline") {
		t.Fatalf("Write = %d, %v; want %d, nil", n, err, len("no newline"))
	}
	if _, err := w.Write(nil); err != nil {
		t.Fatalf("Write(nil) got err %v want nil", err)
	}
	want := []string{"no newline\n", "\n"}
	if len(tw.lines) != len(want) || tw.lines[0] != want[0] || tw.lines[1] != want[1] {
		t.Errorf("lines = %q, want %q", tw.lines, want)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{
		Emitter: &Writer{Next: tw},
		Level:   Info,
	}
	rl := RateLimitedLogger(bl, time.Hour)
	for i := 0; i < 10; i++ {
		rl.Infof("pid %d: segmentation fault", i)
	}
	// Filtered statements do not use up the budget.
	rl.Debugf("hidden")
	if got := len(tw.lines); got != 1 {
		t.Fatalf("got %d lines, want 1: %q", got, tw.lines)
	}

	rl.(*rateLimitedLogger).limit.SetLimit(rate.Inf)
	rl.Warningf("pid %d: segmentation fault", 10)
	want := []string{
		"pid 0: segmentation fault\n",
		"pid 10: segmentation fault (9 similar messages suppressed)\n",
	}
	if len(tw.lines) != len(want) || tw.lines[0] != want[0] || tw.lines[1] != want[1] {
		t.Errorf("lines = %q, want %q", tw.lines, want)
	}
}

func TestLogrusEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogrusEmitter(&Writer{Next: &buf})
	e.Emit(0, Warning, time.Now(), "out of memory")
	out := buf.String()
	if !strings.Contains(out, "level=warning") || !strings.Contains(out, `msg="out of memory"`) {
		t.Errorf("unexpected logrus output %q", out)
	}
}
