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

package union

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync/atomic"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"golang.org/x/sys/unix"

	"github.com/overfs/overfs/pkg/fserror"
	"github.com/overfs/overfs/pkg/identity"
	"github.com/overfs/overfs/pkg/platform"
)

var copyUpSeq atomic.Uint64

// tmpName yields a scratch name inside the writable layer. The marker prefix
// keeps the in-flight object out of merged listings; the final rename makes
// the real name appear in one step.
func tmpName() string {
	return fmt.Sprintf("%s.tmp.%d.%d", whiteoutPrefix, os.Getpid(), copyUpSeq.Add(1))
}

// ensureWritable promotes the object behind ent into the writable layer
// ahead of its first mutation. It runs at most once per object lifetime:
// later calls observe the writable backing and return immediately. On
// failure the read-only source and the previous identity mapping are left
// untouched and the caller's operation fails with a CopyUpFailure.
func (e *Engine) ensureWritable(ctx context.Context, ent *identity.Entry) error {
	if ent.Backing().LayerIdx == 0 {
		return nil
	}
	parent, name := e.ids.Parent(ent)
	if parent == nil {
		// The root is the writable layer root by construction.
		return nil
	}
	// Ancestor chain first; each level takes its own identity lock.
	if err := e.ensureWritable(ctx, parent); err != nil {
		return err
	}

	ent.Lock()
	defer ent.Unlock()
	if ent.Backing().LayerIdx == 0 {
		// Another operation won the race; copy-up is idempotent.
		return nil
	}

	ctx, span := otel.Tracer("overfs").Start(ctx, "copyUp")
	defer span.End()

	src := ent.Backing().Handle
	a, err := e.fs.Stat(src)
	if err != nil {
		return &fserror.CopyUpError{Path: e.ids.Path(ent), Err: err}
	}

	upperDir, err := e.walkLayer(0, e.ids.Path(parent))
	if err != nil {
		return &fserror.CopyUpError{Path: e.ids.Path(ent), Err: err}
	}
	defer e.fs.Close(upperDir)

	nh, err := e.materialize(upperDir, name, src, a)
	if err != nil {
		return &fserror.CopyUpError{Path: e.ids.Path(ent), Err: err}
	}
	if err := e.ids.SwapBacking(ent, identity.Backing{LayerIdx: 0, Handle: nh}); err != nil {
		e.fs.Close(nh)
		return &fserror.CopyUpError{Path: e.ids.Path(ent), Err: err}
	}

	clog.FromContext(ctx).Debug("copied up", "path", e.ids.Path(ent), "size", a.Size)
	return nil
}

// materialize creates the writable-layer copy of the object and returns an
// identity handle to it. Directories are created in place (mkdir is already
// atomic for our purposes); everything else is built under a temporary name
// and renamed onto the final one in a single step.
func (e *Engine) materialize(upperDir platform.Handle, name string, src platform.Handle, a platform.Attr) (platform.Handle, error) {
	if a.Mode&unix.S_IFMT == unix.S_IFDIR {
		if err := e.fs.MkdirAt(upperDir, name, a.Mode&0o7777); err != nil && !errors.Is(err, fs.ErrExist) {
			return platform.NoHandle, err
		}
		nh, err := e.fs.OpenAt(upperDir, name)
		if err != nil {
			return platform.NoHandle, err
		}
		if err := e.copyMetadata(nh, src, a); err != nil {
			e.fs.Close(nh)
			return platform.NoHandle, err
		}
		return nh, nil
	}

	tmp := tmpName()
	cleanup := func(err error) (platform.Handle, error) {
		_ = e.fs.UnlinkAt(upperDir, tmp, false)
		return platform.NoHandle, err
	}

	switch a.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		if err := e.copyContent(upperDir, tmp, src, a); err != nil {
			return cleanup(err)
		}
	case unix.S_IFLNK:
		target, err := e.fs.Readlink(src)
		if err != nil {
			return platform.NoHandle, err
		}
		if err := e.fs.SymlinkAt(target, upperDir, tmp); err != nil {
			return cleanup(err)
		}
	case unix.S_IFCHR, unix.S_IFBLK, unix.S_IFIFO, unix.S_IFSOCK:
		if err := e.fs.MknodAt(upperDir, tmp, a.Mode, a.Rdev); err != nil {
			return cleanup(err)
		}
	default:
		return platform.NoHandle, fmt.Errorf("unsupported file type %o", a.Mode&unix.S_IFMT)
	}

	th, err := e.fs.OpenAt(upperDir, tmp)
	if err != nil {
		return cleanup(err)
	}
	if err := e.copyMetadata(th, src, a); err != nil {
		e.fs.Close(th)
		return cleanup(err)
	}
	if a.Mode&unix.S_IFMT == unix.S_IFLNK {
		// A symlink's timestamps cannot be set through the identity
		// handle without following the link; set them by name instead.
		if err := e.fs.UtimesNanoAt(upperDir, tmp, a.Atime, a.Mtime); err != nil {
			e.fs.Close(th)
			return cleanup(err)
		}
	}
	if err := e.fs.RenameAt(upperDir, tmp, upperDir, name); err != nil {
		e.fs.Close(th)
		return cleanup(err)
	}
	return th, nil
}

// copyContent streams the full content of a regular file into upperDir/tmp.
func (e *Engine) copyContent(upperDir platform.Handle, tmp string, src platform.Handle, a platform.Attr) error {
	dst, err := e.fs.OpenFileAt(upperDir, tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer dst.Close()

	sf, err := e.fs.Reopen(src, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer sf.Close()

	n, err := io.Copy(dst, sf)
	if err != nil {
		return err
	}
	if n != a.Size {
		// The snapshot stat and the content disagree; a concurrent writer
		// on the "read-only" layer would explain it. Surface rather than
		// promote a torn copy.
		return fmt.Errorf("short copy: %d of %d bytes", n, a.Size)
	}
	return nil
}

// copyMetadata carries mode, ownership, timestamps and extended attributes
// from the read-only source snapshot onto the new writable-layer object.
// Ownership and privileged xattr namespaces degrade gracefully when the
// process lacks the needed capabilities.
func (e *Engine) copyMetadata(dst platform.Handle, src platform.Handle, a platform.Attr) error {
	isLink := a.Mode&unix.S_IFMT == unix.S_IFLNK

	if !isLink {
		if err := e.fs.Chmod(dst, a.Mode&0o7777); err != nil {
			return err
		}
	}
	if err := e.fs.Chown(dst, int(a.UID), int(a.GID)); err != nil && !errors.Is(err, unix.EPERM) && !errors.Is(err, unix.EINVAL) {
		return err
	}

	if !isLink {
		names, err := e.fs.Listxattr(src)
		if err != nil && !xattrUnsupported(err) {
			return err
		}
		for _, attr := range names {
			v, err := e.fs.Getxattr(src, attr)
			if err != nil {
				if xattrUnsupported(err) || errors.Is(err, unix.EPERM) {
					continue
				}
				return err
			}
			if err := e.fs.Setxattr(dst, attr, v, 0); err != nil {
				if xattrUnsupported(err) || errors.Is(err, unix.EPERM) {
					continue
				}
				return err
			}
		}

		// Timestamps last, so the metadata writes above do not disturb them.
		if err := e.fs.UtimesNano(dst, a.Atime, a.Mtime); err != nil {
			return err
		}
	}
	return nil
}

func xattrUnsupported(err error) bool {
	return errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENODATA) || errors.Is(err, unix.ENOTSUP)
}
