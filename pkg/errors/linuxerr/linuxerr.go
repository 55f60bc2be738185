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

// Package linuxerr contains syscall error codes exported as error interface
// pointers. This allows for fast comparison and return operations comparable
// to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/errors"
)

// The following errors are semantically identical to the unix.Errno of the
// same name. Since the types are distinct they are not directly comparable;
// use Equals or ToUnix to bridge the two.
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(unix.EPERM, "operation not permitted")
	ENOENT                = errors.New(unix.ENOENT, "no such file or directory")
	ESRCH                 = errors.New(unix.ESRCH, "no such process")
	EIO                   = errors.New(unix.EIO, "I/O error")
	EBADF                 = errors.New(unix.EBADF, "bad file number")
	EAGAIN                = errors.New(unix.EAGAIN, "try again")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EACCES                = errors.New(unix.EACCES, "permission denied")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EBUSY                 = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST                = errors.New(unix.EEXIST, "file exists")
	ENODEV                = errors.New(unix.ENODEV, "no such device")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	ENFILE                = errors.New(unix.ENFILE, "file table overflow")
	EMFILE                = errors.New(unix.EMFILE, "too many open files")
	ENOSPC                = errors.New(unix.ENOSPC, "no space left on device")
	ENOSYS                = errors.New(unix.ENOSYS, "invalid system call number")
)

var errnoTable = map[unix.Errno]*errors.Error{
	unix.EPERM:  EPERM,
	unix.ENOENT: ENOENT,
	unix.ESRCH:  ESRCH,
	unix.EIO:    EIO,
	unix.EBADF:  EBADF,
	unix.EAGAIN: EAGAIN,
	unix.ENOMEM: ENOMEM,
	unix.EACCES: EACCES,
	unix.EFAULT: EFAULT,
	unix.EBUSY:  EBUSY,
	unix.EEXIST: EEXIST,
	unix.ENODEV: ENODEV,
	unix.EINVAL: EINVAL,
	unix.ENFILE: ENFILE,
	unix.EMFILE: EMFILE,
	unix.ENOSPC: ENOSPC,
	unix.ENOSYS: ENOSYS,
}

// ErrorFromUnix returns the *errors.Error for the given unix.Errno, or nil
// if errno is zero or unknown.
func ErrorFromUnix(errno unix.Errno) *errors.Error {
	if errno == 0 {
		return noError
	}
	return errnoTable[errno]
}

// ToError converts an *errors.Error to an error, preserving nil.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts an error to a unix.Errno. Errors that do not carry an errno
// convert to EIO; nil converts to 0.
func ToUnix(e error) unix.Errno {
	if e == nil {
		return 0
	}
	var err *errors.Error
	if goerrors.As(e, &err) {
		return err.Errno()
	}
	var errno unix.Errno
	if goerrors.As(e, &errno) {
		return errno
	}
	return unix.EIO
}

// Equals compares a linuxerr to a given error. It also unwraps wrapped
// errors, so a fmt.Errorf("...: %w", EFAULT) still equals EFAULT.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	if e == noError {
		return false
	}
	return ToUnix(err) == e.Errno()
}
