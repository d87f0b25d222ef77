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
	"io/fs"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/overfs/overfs/pkg/fserror"
)

// errno translates engine errors into wire status codes. Identity
// mismatches surface as ESTALE so the kernel drops the cached entry and
// re-looks-up; a failed copy-up is an I/O error from the client's point of
// view, whatever went wrong underneath.
func errno(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}

	var cue *fserror.CopyUpError
	if errors.As(err, &cue) {
		return fuse.EIO
	}

	switch {
	case errors.Is(err, fserror.ErrNotFound):
		return fuse.ENOENT
	case errors.Is(err, fserror.ErrPermissionDenied):
		return fuse.EPERM
	case errors.Is(err, fserror.ErrAlreadyExists):
		return fuse.Status(unix.EEXIST)
	case errors.Is(err, fserror.ErrNotADirectory):
		return fuse.ENOTDIR
	case errors.Is(err, fserror.ErrIsADirectory):
		return fuse.Status(unix.EISDIR)
	case errors.Is(err, fserror.ErrNotEmpty):
		return fuse.Status(unix.ENOTEMPTY)
	case errors.Is(err, fserror.ErrReadOnlyLayer):
		return fuse.EROFS
	case errors.Is(err, fserror.ErrIdentityMismatch):
		return fuse.Status(unix.ESTALE)
	case errors.Is(err, fserror.ErrMountBusy):
		return fuse.EBUSY
	case errors.Is(err, fs.ErrNotExist):
		return fuse.ENOENT
	case errors.Is(err, fs.ErrPermission):
		return fuse.EACCES
	case errors.Is(err, fs.ErrExist):
		return fuse.Status(unix.EEXIST)
	}

	var eno unix.Errno
	if errors.As(err, &eno) {
		return fuse.Status(eno)
	}
	return fuse.EIO
}
