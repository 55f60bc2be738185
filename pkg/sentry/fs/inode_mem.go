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

package fs

import (
	"errors"
	"io"
	"sync"
)

var errNegativeOffset = errors.New("negative offset")

// MemInode is an inode whose contents live in memory. WriteAt and Size take
// the content lock themselves and must not be called with it held.
type MemInode struct {
	mu   sync.Mutex
	data []byte
}

// NewMemInode returns an inode holding a copy of data.
func NewMemInode(data []byte) *MemInode {
	return &MemInode{data: append([]byte(nil), data...)}
}

// Lock implements Inode.Lock.
func (i *MemInode) Lock() error {
	i.mu.Lock()
	return nil
}

// Unlock implements Inode.Unlock.
func (i *MemInode) Unlock() {
	i.mu.Unlock()
}

// ReadAt implements Inode.ReadAt.
func (i *MemInode) ReadAt(dst []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeOffset
	}
	if off >= int64(len(i.data)) {
		return 0, io.EOF
	}
	n := copy(dst, i.data[off:])
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt replaces contents at off, growing the inode as needed.
func (i *MemInode) WriteAt(src []byte, off int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if end := off + int64(len(src)); end > int64(len(i.data)) {
		i.data = append(i.data, make([]byte, end-int64(len(i.data)))...)
	}
	copy(i.data[off:], src)
}

// Size implements Inode.Size.
func (i *MemInode) Size() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return int64(len(i.data))
}

// Release implements Inode.Release.
func (*MemInode) Release() {}
