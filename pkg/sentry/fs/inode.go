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

// Inode is the file contents behind a FileInode file.
type Inode interface {
	// Lock takes the inode's content lock. It may fail if the backing store
	// cannot be locked.
	Lock() error

	// Unlock releases the content lock.
	Unlock()

	// ReadAt reads up to len(dst) bytes at off. It follows io.ReaderAt, except
	// that a short read at end of file returns io.EOF alongside the bytes
	// read.
	//
	// Precondition: the content lock is held.
	ReadAt(dst []byte, off int64) (int, error)

	// Size returns the current file size in bytes.
	Size() int64

	// Release is called when the last File referring to the inode goes away.
	Release()
}
