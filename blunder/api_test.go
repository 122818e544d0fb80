// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blunder

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestValues(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(int(unix.ENOBUFS), NoBufsError.Value())
	assert.Equal(int(unix.ECANCELED), WithdrawnError.Value())
	assert.Equal(int(unix.EBUSY), DuplicateCookie.Value())
	assert.Equal(NoBufsError, StoreLimitError)
	assert.Equal("success", SuccessError.String())
}

func TestNewError(t *testing.T) {
	assert := assert.New(t)

	err := NewError(NoDataError, "page %d not cached", 7)
	assert.Equal("page 7 not cached", err.Error())
	assert.True(Is(err, NoDataError))
	assert.True(IsNot(err, NoBufsError))
	assert.True(IsNotSuccess(err))
	assert.Equal(int(unix.ENODATA), Errno(err))
	assert.Contains(ErrorString(err), fmt.Sprintf("Error Value: %v", int(unix.ENODATA)))

	file, line := Location(err)
	assert.NotEqual("", file)
	assert.NotEqual(0, line)
}

func TestAddError(t *testing.T) {
	assert := assert.New(t)

	plain := fmt.Errorf("disk went away")
	assert.Equal(failureErrno, Errno(plain))

	err := AddError(plain, IOError)
	assert.True(Is(err, IOError))

	err = AddError(err, CancelledError)
	assert.True(Is(err, CancelledError))

	err = AddError(nil, NoSpaceError)
	assert.NotNil(err)
	assert.True(Is(err, NoSpaceError))

	assert.True(IsSuccess(nil))
	assert.Equal("", ErrorString(nil))
}
