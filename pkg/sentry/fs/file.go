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

// Package fs is the file layer consumed by memory mappings: open files, and
// the inodes that back file-mapped pages.
package fs

import (
	"fmt"
	"sync/atomic"
)

// FileType is the kind of object a File refers to.
type FileType int

// File types.
const (
	// FileNone is an unused file.
	FileNone FileType = iota

	// FilePipe is one end of a pipe. It cannot back a mapping.
	FilePipe

	// FileInode is a regular file backed by an Inode.
	FileInode

	// FileDevice is a character device. It cannot back a mapping.
	FileDevice
)

// String implements fmt.Stringer.String.
func (t FileType) String() string {
	switch t {
	case FileNone:
		return "none"
	case FilePipe:
		return "pipe"
	case FileInode:
		return "inode"
	case FileDevice:
		return "device"
	default:
		return fmt.Sprintf("FileType(%d)", int(t))
	}
}

// File is an open file handle. It is reference counted; the creator holds the
// first reference.
type File struct {
	// Type is immutable.
	Type FileType

	// Inode backs the file if Type is FileInode, and is nil otherwise.
	Inode Inode

	refs atomic.Int64
}

// NewFile returns a File of type FileInode with one reference.
func NewFile(inode Inode) *File {
	return newFile(FileInode, inode)
}

// NewPipeFile returns a pipe end with one reference.
func NewPipeFile() *File {
	return newFile(FilePipe, nil)
}

// NewDeviceFile returns a device file with one reference.
func NewDeviceFile() *File {
	return newFile(FileDevice, nil)
}

func newFile(t FileType, inode Inode) *File {
	f := &File{Type: t, Inode: inode}
	f.refs.Store(1)
	return f
}

// IncRef adds a reference.
func (f *File) IncRef() {
	if v := f.refs.Add(1); v <= 1 {
		panic(fmt.Sprintf("fs: IncRef on dead file, refs now %d", v))
	}
}

// DecRef drops a reference, releasing the inode with the last one.
func (f *File) DecRef() {
	switch v := f.refs.Add(-1); {
	case v < 0:
		panic("fs: DecRef on dead file")
	case v == 0 && f.Inode != nil:
		f.Inode.Release()
	}
}

// ReadRefs returns the current reference count.
func (f *File) ReadRefs() int64 {
	return f.refs.Load()
}
