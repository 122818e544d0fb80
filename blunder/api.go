// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to attach an errno-style status to a Go error
// while still conforming to the Go error interface. The cache layer reports
// every failure through one of the FsError values below so that consumers
// (and the completion callbacks of their retrievals) can dispatch on the
// status rather than on the text of the error.
//
// This package is currently implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
//   From merry godoc:
//     You can add any context information to an error with `e = merry.WithValue(e, "code", 12345)`
//     You can retrieve that value with `v, _ := merry.Value(e, "code").(int)`
//
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"
)

// FsError is the errno-compatible status carried by errors produced by the
// cache layer and by its backends.
//
// NOTE: unix.Errno is used here because they are errno constants that exist in Go-land.
//       We need to cast it to an int to get the errno value.
//
type FsError int

const (
	NotFoundError     FsError = FsError(int(unix.ENOENT))       // No such object
	IOError           FsError = FsError(int(unix.EIO))          // Backing store I/O error
	TryAgainError     FsError = FsError(int(unix.EAGAIN))       // Backend asks for the lookup to be requeued
	OutOfMemoryError  FsError = FsError(int(unix.ENOMEM))       // Out of memory
	DevBusyError      FsError = FsError(int(unix.EBUSY))        // Duplicate cookie
	FileExistsError   FsError = FsError(int(unix.EEXIST))       // Tag already bound to a live cache
	InvalidArgError   FsError = FsError(int(unix.EINVAL))       // Invalid argument
	NoSpaceError      FsError = FsError(int(unix.ENOSPC))       // Backing store is full
	NameTooLongError  FsError = FsError(int(unix.ENAMETOOLONG)) // Index key larger than the backend accepts
	NoDataError       FsError = FsError(int(unix.ENODATA))      // Page allocated but holds no data
	NoBufsError       FsError = FsError(int(unix.ENOBUFS))      // No cache available or object not usable
	CancelledError    FsError = FsError(int(unix.ECANCELED))    // Operation cancelled
	NotSupportedError FsError = FsError(int(unix.ENOTSUP))      // Operation not supported by backend
)

// Errors that map to constants already defined above
const (
	NoCacheError        FsError = NoBufsError
	ObjectDeadError     FsError = NoBufsError
	StoreLimitError     FsError = NoBufsError
	WithdrawnError      FsError = CancelledError
	DuplicateCookie     FsError = DevBusyError
	TagBoundError       FsError = FileExistsError
	KeyTooLongError     FsError = NameTooLongError
	PageNotCachedError  FsError = NoDataError
	LookupRequeueError  FsError = TryAgainError
	BackendFailureError FsError = IOError
)

// SuccessError is the FsError of a nil error
const SuccessError FsError = 0

// Default errno values for success and failure
const successErrno = 0
const failureErrno = -1

// Value returns the int value for the specified FsError constant
func (err FsError) Value() int {
	return int(err)
}

// String returns the errno text of the FsError
func (err FsError) String() string {
	if SuccessError == err {
		return "success"
	}
	return unix.Errno(err).Error()
}

// NewError creates a new merry/blunder.FsError-annotated error using the given
// format string and arguments.
func NewError(errValue FsError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", int(errValue))
}

// AddError is used to add FS error detail to a Go error.
//
// NOTE: By default merry will replace the old errno value with the new.
//
func AddError(e error, errValue FsError) error {
	if nil == e {
		return merry.New("regular error").WithValue("errno", int(errValue))
	}

	return merry.WrapSkipping(e, 1).WithValue("errno", int(errValue))
}

// Errno extracts errno from the error, if it was previously wrapped.
// Otherwise a default value is returned.
//
func Errno(e error) int {
	var (
		errno = failureErrno
		tmp   interface{}
	)

	if nil == e {
		return successErrno
	}

	tmp = merry.Value(e, "errno")
	if nil != tmp {
		errno = tmp.(int)
	}

	return errno
}

// ErrorString returns the error text followed by its errno value (if set).
func ErrorString(e error) string {
	var (
		errPlusVal string
		tmp        interface{}
	)

	if nil == e {
		return ""
	}

	errPlusVal = e.Error()

	tmp = merry.Value(e, "errno")
	if nil != tmp {
		errPlusVal = fmt.Sprintf("%s. Error Value: %v", errPlusVal, tmp.(int))
	}

	return errPlusVal
}

// Is checks if an error matches a particular FsError
//
// NOTE: Because the value of the underlying errno is used to do this check, one cannot
//       use this API to distinguish between FsErrors that use the same errno value
//       (e.g. NoCacheError vs ObjectDeadError).
//
func Is(e error, theError FsError) bool {
	return Errno(e) == theError.Value()
}

// IsNot checks if an error is NOT a particular FsError
func IsNot(e error, theError FsError) bool {
	return Errno(e) != theError.Value()
}

// IsSuccess checks if an error is the success FsError
func IsSuccess(e error) bool {
	return Errno(e) == successErrno
}

// IsNotSuccess checks if an error is NOT the success FsError
func IsNotSuccess(e error) bool {
	return Errno(e) != successErrno
}

// Location returns the file and line number of the code that generated the error.
// Returns zero values if e has no stacktrace.
func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}

// Details wraps merry.Details, which returns all error details including stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}
