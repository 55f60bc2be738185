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

// Package cleanup unwinds partially constructed state on error paths.
//
// Usage:
//
//	cu := cleanup.Make(func() { mem.Destroy() })
//	defer cu.Clean()
//	if err := step(); err != nil {
//		return err // mem is destroyed.
//	}
//	cu.Release()
//	return nil // mem is kept.
package cleanup

// Cleanup holds functions to run, in reverse order of addition, unless
// released first.
type Cleanup struct {
	cleaners []func()
}

// Make returns a Cleanup that runs f.
func Make(f func()) Cleanup {
	return Cleanup{cleaners: []func(){f}}
}

// Add adds f to the functions run by Clean.
func (c *Cleanup) Add(f func()) {
	c.cleaners = append(c.cleaners, f)
}

// Clean runs every function, last added first, and forgets them.
func (c *Cleanup) Clean() {
	for i := len(c.cleaners) - 1; i >= 0; i-- {
		c.cleaners[i]()
	}
	c.cleaners = nil
}

// Release forgets the functions so that Clean does nothing, and returns a
// function that runs them instead.
func (c *Cleanup) Release() func() {
	old := c.cleaners
	c.cleaners = nil
	return func() {
		cu := Cleanup{cleaners: old}
		cu.Clean()
	}
}
