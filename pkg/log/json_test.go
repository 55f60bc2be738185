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
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLevelText(t *testing.T) {
	for _, tc := range []struct {
		level Level
		name  string
	}{
		{Warning, "warning"},
		{Info, "info"},
		{Debug, "debug"},
	} {
		b, err := tc.level.MarshalText()
		if err != nil {
			t.Fatalf("%v.MarshalText got err %v want nil", tc.level, err)
		}
		if string(b) != tc.name {
			t.Errorf("%v.MarshalText = %q, want %q", tc.level, b, tc.name)
		}
		var got Level
		if err := got.UnmarshalText(b); err != nil || got != tc.level {
			t.Errorf("UnmarshalText(%q) = %v, %v; want %v, nil", b, got, err, tc.level)
		}
	}
	if _, err := Level(7).MarshalText(); err == nil {
		t.Errorf("MarshalText of level 7 got nil error")
	}
}

func TestLevelUnmarshalJSON(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: `"warning"`, want: Warning},
		{in: `"debug"`, want: Debug},
		{in: `1`, want: Info},
		{in: `2`, want: Debug},
		{in: `3`, wantErr: true},
		{in: `"trace"`, wantErr: true},
		{in: `true`, wantErr: true},
	} {
		var got Level
		err := json.Unmarshal([]byte(tc.in), &got)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Unmarshal(%s) = %v, want error", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("Unmarshal(%s) = %v, %v; want %v, nil", tc.in, got, err, tc.want)
		}
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{Writer: &Writer{Next: &buf}}
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e.Emit(0, Warning, ts, "frame %d pinned", 7)

	out := buf.String()
	if !strings.HasSuffix(out, "}\n") || strings.Count(out, "\n") != 1 {
		t.Fatalf("JSONEmitter wrote %q, want one terminated line", out)
	}
	if !strings.Contains(out, `"level":"warning"`) {
		t.Errorf("JSONEmitter wrote %q, want level by name", out)
	}
	var got jsonLog
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("json.Unmarshal(%q): %v", out, err)
	}
	if got.Level != Warning || !got.Time.Equal(ts) || got.Msg != "frame 7 pinned" {
		t.Errorf("got %+v", got)
	}
	if !strings.HasPrefix(got.Caller, "json_test.go:") {
		t.Errorf("Caller = %q, want json_test.go:<line>", got.Caller)
	}
}
