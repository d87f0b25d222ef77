// Copyright 2024 the overfs Authors
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

package fusefs

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/overfs/overfs/pkg/fserror"
)

func TestErrno(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want fuse.Status
	}{
		{nil, fuse.OK},
		{fserror.ErrNotFound, fuse.ENOENT},
		{fserror.ErrPermissionDenied, fuse.EPERM},
		{fserror.ErrAlreadyExists, fuse.Status(unix.EEXIST)},
		{fserror.ErrNotADirectory, fuse.ENOTDIR},
		{fserror.ErrIsADirectory, fuse.Status(unix.EISDIR)},
		{fserror.ErrNotEmpty, fuse.Status(unix.ENOTEMPTY)},
		{fserror.ErrReadOnlyLayer, fuse.EROFS},
		{fserror.ErrIdentityMismatch, fuse.Status(unix.ESTALE)},
		{fserror.ErrMountBusy, fuse.EBUSY},
		{&fserror.CopyUpError{Path: "a/b", Err: unix.ENOSPC}, fuse.EIO},
		{fs.ErrNotExist, fuse.ENOENT},
		{fs.ErrPermission, fuse.EACCES},
		{unix.EXDEV, fuse.Status(unix.EXDEV)},
		{&fs.PathError{Op: "rename", Path: "d", Err: unix.EXDEV}, fuse.Status(unix.EXDEV)},
		{errors.New("opaque failure"), fuse.EIO},
	} {
		require.Equal(t, tc.want, errno(tc.err), "err=%v", tc.err)
	}
}

func TestErrnoUnwrapsWrappedSentinels(t *testing.T) {
	err := fmt.Errorf("resolve 42: %w", fserror.ErrIdentityMismatch)
	require.Equal(t, fuse.Status(unix.ESTALE), errno(err))
}
