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
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"gvisor.dev/vmcore/pkg/log"
)

// HostInode is an inode backed by a host file. Its content lock is a shared
// advisory lock on the host file, so host processes writing the file under
// an exclusive flock never race a page-in.
type HostInode struct {
	file *os.File
	lock *flock.Flock
}

// OpenHost opens the host file at path read-only.
func OpenHost(path string) (*HostInode, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%q is not a regular file", path)
	}
	return &HostInode{
		file: f,
		lock: flock.NewFlock(path),
	}, nil
}

// Lock implements Inode.Lock.
func (i *HostInode) Lock() error {
	if err := i.lock.RLock(); err != nil {
		return fmt.Errorf("locking %q: %w", i.lock.Path(), err)
	}
	return nil
}

// Unlock implements Inode.Unlock.
func (i *HostInode) Unlock() {
	if err := i.lock.Unlock(); err != nil {
		log.Warningf("Unlocking %q failed: %v", i.lock.Path(), err)
	}
}

// ReadAt implements Inode.ReadAt.
func (i *HostInode) ReadAt(dst []byte, off int64) (int, error) {
	return i.file.ReadAt(dst, off)
}

// Size implements Inode.Size.
func (i *HostInode) Size() int64 {
	fi, err := i.file.Stat()
	if err != nil {
		return 0
	}
	return fi.Size()
}

// Release implements Inode.Release.
func (i *HostInode) Release() {
	if err := i.file.Close(); err != nil {
		log.Warningf("Closing %q failed: %v", i.file.Name(), err)
	}
}
