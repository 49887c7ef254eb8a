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

// Package linuxerr contains syscall error codes exported as an error interface
// pointers. This allows for fast comparison and return operations comparable
// to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/gpusvm/pkg/errors"
)

// The following errors are semantically identical to Errno of type unix.Errno
// or sycall.Errno. However, since the type are distinct ( these are
// *errors.Error), they are not directly comparable. However, the Errno method
// returns an Errno number such that the error can be compared to unix/syscall.Errno
// (e.g. unix.Errno(EPERM.Errno()) == unix.EPERM is true). Converting unix/syscall.Errno
// to the errors should be done via the lookup methods provided.
var (
	ENOENT = errors.New(unix.ENOENT, "no such file or directory")
	ESRCH  = errors.New(unix.ESRCH, "no such process")
	EIO    = errors.New(unix.EIO, "I/O error")
	EAGAIN = errors.New(unix.EAGAIN, "try again")
	ENOMEM = errors.New(unix.ENOMEM, "out of memory")
	EFAULT = errors.New(unix.EFAULT, "bad address")
	EBUSY  = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST = errors.New(unix.EEXIST, "file exists")
	ENODEV = errors.New(unix.ENODEV, "no such device")
	EINVAL = errors.New(unix.EINVAL, "invalid argument")
	ENOSPC = errors.New(unix.ENOSPC, "no space left on device")
	ERANGE = errors.New(unix.ERANGE, "math result not representable")
)

// EWOULDBLOCK is an alias of EAGAIN, as on Linux.
var EWOULDBLOCK = EAGAIN

// errNotValidError is returned by ToError for errnos that have no sentinel.
var errNotValidError = errors.New(unix.Errno(0xffff), "not a valid error")

var errnoTable = map[unix.Errno]*errors.Error{
	unix.ENOENT: ENOENT,
	unix.ESRCH:  ESRCH,
	unix.EIO:    EIO,
	unix.EAGAIN: EAGAIN,
	unix.ENOMEM: ENOMEM,
	unix.EFAULT: EFAULT,
	unix.EBUSY:  EBUSY,
	unix.EEXIST: EEXIST,
	unix.ENODEV: ENODEV,
	unix.EINVAL: EINVAL,
	unix.ENOSPC: ENOSPC,
	unix.ERANGE: ERANGE,
}

// ErrorFromUnix returns the sentinel *errors.Error for the given errno. A zero
// errno maps to nil.
func ErrorFromUnix(err unix.Errno) error {
	if err == 0 {
		return nil
	}
	if e, ok := errnoTable[err]; ok {
		return e
	}
	return errNotValidError
}

// ToUnix converts e to its unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	return e.Errno()
}

// Equals compares a linuxerr to a given error. It matches the sentinel
// itself, any error that wraps it, and the corresponding unix.Errno.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	if e == nil {
		return false
	}
	var le *errors.Error
	if goerrors.As(err, &le) {
		return le.Errno() == e.Errno()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno == e.Errno()
	}
	return false
}
