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

package kernel

import (
	"bytes"
	"fmt"
	"sync"

	"gvisor.dev/vmcore/pkg/bitmap"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/sentry/fs"
)

// DefaultMaxFDs is the size of a process's descriptor table.
const DefaultMaxFDs = 16

// FDTable is used to manage File references. The table holds one reference
// on every installed file.
type FDTable struct {
	// mu protects below.
	mu sync.Mutex

	// files is indexed by descriptor; nil slots are free.
	files []*fs.File

	// used has a bit set for every installed descriptor.
	used bitmap.Bitmap
}

// NewFDTable returns an empty table with room for size descriptors.
func NewFDTable(size int) *FDTable {
	return &FDTable{
		files: make([]*fs.File, size),
		used:  bitmap.New(uint32(size)),
	}
}

// NewFD installs file at the lowest free descriptor, taking over the caller's
// reference. It returns EMFILE if the table is full.
func (f *FDTable) NewFD(file *fs.File) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fd, err := f.used.FirstZero(0)
	if err != nil {
		return -1, linuxerr.EMFILE
	}
	f.files[fd] = file
	f.used.Add(fd)
	return int32(fd), nil
}

// Get returns the file at fd, or nil. The returned file is only valid while
// the caller holds a reference or the table keeps it installed.
func (f *FDTable) Get(fd int32) *fs.File {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fd < 0 || int(fd) >= len(f.files) {
		return nil
	}
	return f.files[fd]
}

// Remove uninstalls fd and drops the table's reference. It returns EBADF if
// fd is not installed.
func (f *FDTable) Remove(fd int32) error {
	f.mu.Lock()
	if fd < 0 || int(fd) >= len(f.files) || f.files[fd] == nil {
		f.mu.Unlock()
		return linuxerr.EBADF
	}
	file := f.files[fd]
	f.files[fd] = nil
	f.used.Remove(uint32(fd))
	f.mu.Unlock()
	file.DecRef()
	return nil
}

// Fork returns a copy of f sharing every file.
func (f *FDTable) Fork() *FDTable {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := &FDTable{
		files: make([]*fs.File, len(f.files)),
		used:  f.used.Clone(),
	}
	f.used.ForEach(func(fd uint32) {
		file := f.files[fd]
		file.IncRef()
		clone.files[fd] = file
	})
	return clone
}

// Release drops every installed file.
func (f *FDTable) Release() {
	f.mu.Lock()
	files := f.files
	f.files = make([]*fs.File, len(files))
	f.used = bitmap.New(uint32(len(files)))
	f.mu.Unlock()
	for _, file := range files {
		if file != nil {
			file.DecRef()
		}
	}
}

// Size returns the number of installed descriptors.
func (f *FDTable) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.used.Count())
}

// String is a stringer for FDTable.
func (f *FDTable) String() string {
	var b bytes.Buffer
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used.ForEach(func(fd uint32) {
		fmt.Fprintf(&b, "\tfd:%d => %v\n", fd, f.files[fd].Type)
	})
	return b.String()
}
