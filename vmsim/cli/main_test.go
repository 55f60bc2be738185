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

package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/pkg/log"
)

func TestNewEmitter(t *testing.T) {
	for _, test := range []struct {
		format string
		want   string
	}{
		{format: "text", want: "] hello 42"},
		{format: "json", want: `"level":"info","caller":"main_test.go:`},
		{format: "logrus", want: "msg=\"hello 42\""},
	} {
		t.Run(test.format, func(t *testing.T) {
			var b bytes.Buffer
			newEmitter(test.format, &b).Emit(0, log.Info, time.Now(), "hello %d", 42)
			if !strings.Contains(b.String(), test.want) {
				t.Errorf("%s emitter wrote %q, want it to contain %q", test.format, b.String(), test.want)
			}
		})
	}
}

func TestNewEmitterInvalid(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("newEmitter did not panic on an unknown format")
		}
	}()
	newEmitter("xml", &bytes.Buffer{})
}

func TestCommands(t *testing.T) {
	names := make(map[string]bool)
	forEachCmd(func(cmd subcommands.Command, _ string) {
		if names[cmd.Name()] {
			t.Errorf("command %q registered twice", cmd.Name())
		}
		names[cmd.Name()] = true
	})
	for _, want := range []string{"run", "stress", "layout", "help", "flags"} {
		if !names[want] {
			t.Errorf("command %q not registered", want)
		}
	}
}
