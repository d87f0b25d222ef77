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
	"io/fs"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/overfs/overfs/pkg/fserror"
	"github.com/overfs/overfs/pkg/identity"
	"github.com/overfs/overfs/pkg/platform"
)

// SetAttrReq carries the attribute changes of a setattr operation; nil
// fields are left alone.
type SetAttrReq struct {
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	Size  *int64
	Atime *time.Time
	Mtime *time.Time
}

// upperDirOf guarantees the directory entry exists in the writable layer
// (copying up ancestors as needed) and opens its writable-layer handle.
func (e *Engine) upperDirOf(ctx context.Context, pe *identity.Entry) (platform.Handle, error) {
	if err := e.ensureWritable(ctx, pe); err != nil {
		return platform.NoHandle, err
	}
	return e.walkLayer(0, e.ids.Path(pe))
}

// lowerDefines reports whether any read-only layer still defines name as a
// real entry, honoring lower-layer whiteouts. It decides whether a deletion
// needs a whiteout marker or a plain unlink suffices.
func (e *Engine) lowerDefines(dirs []layerDir, name string) (bool, error) {
	for _, d := range dirs {
		if d.idx == 0 {
			continue
		}
		_, err := e.fs.StatAt(d.h, name)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		if e.hasWhiteout(d.h, name) {
			return false, nil
		}
	}
	return false, nil
}

// Create opens (and if absent, creates) parent/name for content I/O. A name
// already visible from a lower layer is opened with copy-up semantics, not
// shadowed by an empty file.
func (e *Engine) Create(ctx context.Context, parent uint64, name string, flags int, mode uint32) (*identity.Entry, platform.Attr, *File, error) {
	pe, err := e.resolve(parent)
	if err != nil {
		return nil, platform.Attr{}, nil, err
	}
	if isMarkerName(name) {
		return nil, platform.Attr{}, nil, fserror.ErrPermissionDenied
	}

	upperDir, err := e.upperDirOf(ctx, pe)
	if err != nil {
		return nil, platform.Attr{}, nil, err
	}
	defer e.fs.Close(upperDir)

	pe.Lock()
	defer pe.Unlock()

	dirs, err := e.layerDirs(e.ids.Path(pe))
	if err != nil {
		return nil, platform.Attr{}, nil, err
	}
	defer e.closeDirs(dirs)

	d, a, found, err := e.findInDirs(dirs, name)
	if err != nil {
		return nil, platform.Attr{}, nil, err
	}
	if found {
		if flags&os.O_EXCL != 0 {
			return nil, platform.Attr{}, nil, fserror.ErrAlreadyExists
		}
		if a.Mode&unix.S_IFMT == unix.S_IFDIR {
			return nil, platform.Attr{}, nil, fserror.ErrIsADirectory
		}
		h, err := e.fs.OpenAt(d.h, name)
		if err != nil {
			return nil, platform.Attr{}, nil, err
		}
		ent, err := e.ids.Register(d.idx, h, pe, name)
		if err != nil {
			return nil, platform.Attr{}, nil, err
		}
		f, err := e.openRegistered(ctx, ent, flags)
		if err != nil {
			e.ids.Forget(ent.ID, 1)
			return nil, platform.Attr{}, nil, err
		}
		na, err := e.fs.Stat(ent.Backing().Handle)
		if err != nil {
			f.Close()
			e.ids.Forget(ent.ID, 1)
			return nil, platform.Attr{}, nil, err
		}
		return ent, na, f, nil
	}

	// Append mode is dropped here too: all content I/O is positional, and
	// an O_APPEND descriptor rejects WriteAt.
	f, err := e.fs.OpenFileAt(upperDir, name, (flags|os.O_CREATE)&^os.O_APPEND, mode)
	if err != nil {
		return nil, platform.Attr{}, nil, err
	}
	if err := e.clearWhiteout(upperDir, name); err != nil {
		f.Close()
		_ = e.fs.UnlinkAt(upperDir, name, false)
		return nil, platform.Attr{}, nil, err
	}
	h, err := e.fs.OpenAt(upperDir, name)
	if err != nil {
		f.Close()
		return nil, platform.Attr{}, nil, err
	}
	ent, err := e.ids.Register(0, h, pe, name)
	if err != nil {
		f.Close()
		return nil, platform.Attr{}, nil, err
	}
	na, err := e.fs.Stat(ent.Backing().Handle)
	if err != nil {
		f.Close()
		e.ids.Forget(ent.ID, 1)
		return nil, platform.Attr{}, nil, err
	}
	return ent, na, &File{f: f}, nil
}

// openRegistered is Open for an entry already in hand, used by Create's
// existing-object path. The caller holds the parent lock, so this must not
// re-lock it; copy-up locks only the child entry.
func (e *Engine) openRegistered(ctx context.Context, ent *identity.Entry, flags int) (*File, error) {
	if writeFlags(flags) {
		if err := e.ensureWritable(ctx, ent); err != nil {
			return nil, err
		}
	}
	f, err := e.fs.Reopen(ent.Backing().Handle, flags&^(os.O_APPEND|os.O_CREATE|os.O_EXCL))
	if err != nil {
		return nil, err
	}
	return &File{f: f}, nil
}

// Mkdir creates a directory under parent. Creating over a whiteout marks
// the new directory opaque, so the deleted lower-layer contents stay dead.
func (e *Engine) Mkdir(ctx context.Context, parent uint64, name string, mode uint32) (*identity.Entry, platform.Attr, error) {
	pe, err := e.resolve(parent)
	if err != nil {
		return nil, platform.Attr{}, err
	}
	if isMarkerName(name) {
		return nil, platform.Attr{}, fserror.ErrPermissionDenied
	}

	upperDir, err := e.upperDirOf(ctx, pe)
	if err != nil {
		return nil, platform.Attr{}, err
	}
	defer e.fs.Close(upperDir)

	pe.Lock()
	defer pe.Unlock()

	dirs, err := e.layerDirs(e.ids.Path(pe))
	if err != nil {
		return nil, platform.Attr{}, err
	}
	defer e.closeDirs(dirs)

	if _, _, found, err := e.findInDirs(dirs, name); err != nil {
		return nil, platform.Attr{}, err
	} else if found {
		return nil, platform.Attr{}, fserror.ErrAlreadyExists
	}

	overWhiteout := e.hasWhiteout(upperDir, name)

	if err := e.fs.MkdirAt(upperDir, name, mode); err != nil {
		return nil, platform.Attr{}, err
	}
	h, err := e.fs.OpenAt(upperDir, name)
	if err != nil {
		return nil, platform.Attr{}, err
	}
	if overWhiteout {
		// The fresh directory shadows a deleted lower-layer name; without
		// opacity the old contents would bleed back into the merge.
		if err := e.setOpaque(h); err != nil {
			e.fs.Close(h)
			return nil, platform.Attr{}, err
		}
		if err := e.clearWhiteout(upperDir, name); err != nil {
			e.fs.Close(h)
			return nil, platform.Attr{}, err
		}
	}
	ent, err := e.ids.Register(0, h, pe, name)
	if err != nil {
		return nil, platform.Attr{}, err
	}
	a, err := e.fs.Stat(ent.Backing().Handle)
	if err != nil {
		e.ids.Forget(ent.ID, 1)
		return nil, platform.Attr{}, err
	}
	return ent, a, nil
}

// Unlink removes the non-directory parent/name from the merged view. The
// writable-layer entry, if any, is unlinked; a lower-layer definition is
// masked with a whiteout.
func (e *Engine) Unlink(ctx context.Context, parent uint64, name string) error {
	pe, err := e.resolve(parent)
	if err != nil {
		return err
	}
	if isMarkerName(name) {
		return fserror.ErrNotFound
	}

	dirs, err := e.layerDirs(e.ids.Path(pe))
	if err != nil {
		return err
	}
	defer e.closeDirs(dirs)

	d, a, found, err := e.findInDirs(dirs, name)
	if err != nil {
		return err
	}
	if !found {
		return fserror.ErrNotFound
	}
	if a.Mode&unix.S_IFMT == unix.S_IFDIR {
		return fserror.ErrIsADirectory
	}
	masked, err := e.lowerDefines(dirs, name)
	if err != nil {
		return err
	}

	upperDir, err := e.upperDirOf(ctx, pe)
	if err != nil {
		return err
	}
	defer e.fs.Close(upperDir)

	pe.Lock()
	defer pe.Unlock()

	if d.idx == 0 {
		if err := e.fs.UnlinkAt(upperDir, name, false); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if masked {
		return e.writeWhiteout(upperDir, name)
	}
	return nil
}

// Rmdir removes the directory parent/name. The merged view of the directory
// must be empty; bookkeeping markers inside the writable-layer copy do not
// count as content.
func (e *Engine) Rmdir(ctx context.Context, parent uint64, name string) error {
	pe, err := e.resolve(parent)
	if err != nil {
		return err
	}
	if isMarkerName(name) {
		return fserror.ErrNotFound
	}

	dirs, err := e.layerDirs(e.ids.Path(pe))
	if err != nil {
		return err
	}
	defer e.closeDirs(dirs)

	d, a, found, err := e.findInDirs(dirs, name)
	if err != nil {
		return err
	}
	if !found {
		return fserror.ErrNotFound
	}
	if a.Mode&unix.S_IFMT != unix.S_IFDIR {
		return fserror.ErrNotADirectory
	}

	childPath := joinPath(e.ids.Path(pe), name)
	childDirs, err := e.layerDirs(childPath)
	if err != nil {
		return err
	}
	merged, err := e.mergeList(childDirs)
	e.closeDirs(childDirs)
	if err != nil {
		return err
	}
	if len(merged) > 0 {
		return fserror.ErrNotEmpty
	}

	masked, err := e.lowerDefines(dirs, name)
	if err != nil {
		return err
	}

	upperDir, err := e.upperDirOf(ctx, pe)
	if err != nil {
		return err
	}
	defer e.fs.Close(upperDir)

	pe.Lock()
	defer pe.Unlock()

	if d.idx == 0 {
		if err := e.removeUpperDir(upperDir, name); err != nil {
			return err
		}
	}
	if masked {
		return e.writeWhiteout(upperDir, name)
	}
	return nil
}

// removeUpperDir unlinks a writable-layer directory whose merged view is
// empty, clearing any marker files it still holds.
func (e *Engine) removeUpperDir(upperDir platform.Handle, name string) error {
	child, err := e.fs.OpenAt(upperDir, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	ents, err := e.fs.ReadDir(child)
	if err != nil {
		e.fs.Close(child)
		return err
	}
	for _, ent := range ents {
		if !isMarkerName(ent.Name) {
			e.fs.Close(child)
			return fserror.ErrNotEmpty
		}
		if err := e.fs.UnlinkAt(child, ent.Name, false); err != nil {
			e.fs.Close(child)
			return err
		}
	}
	e.fs.Close(child)
	return e.fs.UnlinkAt(upperDir, name, true)
}

// Rename moves parent/name to newParent/newName. A directory still merging
// lower-layer contents cannot be moved in one step; that case reports EXDEV
// and the client falls back to copy-and-delete, exactly as it does for the
// kernel union filesystem.
func (e *Engine) Rename(ctx context.Context, parent uint64, name string, newParent uint64, newName string, flags uint32) error {
	if flags&(unix.RENAME_EXCHANGE|unix.RENAME_WHITEOUT) != 0 {
		return &fs.PathError{Op: "rename", Path: name, Err: unix.EINVAL}
	}
	pe, err := e.resolve(parent)
	if err != nil {
		return err
	}
	npe, err := e.resolve(newParent)
	if err != nil {
		return err
	}
	if isMarkerName(name) || isMarkerName(newName) {
		return fserror.ErrPermissionDenied
	}

	srcEnt, srcAttr, err := e.Lookup(ctx, parent, name)
	if err != nil {
		return err
	}
	defer e.ids.Forget(srcEnt.ID, 1)
	srcIsDir := srcAttr.Mode&unix.S_IFMT == unix.S_IFDIR

	if srcIsDir {
		childDirs, err := e.layerDirs(joinPath(e.ids.Path(pe), name))
		if err != nil {
			return err
		}
		contributing := len(childDirs)
		upperBacked := contributing > 0 && childDirs[0].idx == 0
		e.closeDirs(childDirs)
		if !upperBacked || contributing > 1 {
			return &fs.PathError{Op: "rename", Path: name, Err: unix.EXDEV}
		}
	} else {
		if err := e.ensureWritable(ctx, srcEnt); err != nil {
			return err
		}
	}

	upperNew, err := e.upperDirOf(ctx, npe)
	if err != nil {
		return err
	}
	defer e.fs.Close(upperNew)
	upperOld, err := e.walkLayer(0, e.ids.Path(pe))
	if err != nil {
		return err
	}
	defer e.fs.Close(upperOld)

	lockPair(pe, npe)
	defer unlockPair(pe, npe)

	srcDirs, err := e.layerDirs(e.ids.Path(pe))
	if err != nil {
		return err
	}
	defer e.closeDirs(srcDirs)
	dstDirs, err := e.layerDirs(e.ids.Path(npe))
	if err != nil {
		return err
	}
	defer e.closeDirs(dstDirs)

	dT, aT, tFound, err := e.findInDirs(dstDirs, newName)
	if err != nil {
		return err
	}
	if tFound {
		if flags&unix.RENAME_NOREPLACE != 0 {
			return fserror.ErrAlreadyExists
		}
		tIsDir := aT.Mode&unix.S_IFMT == unix.S_IFDIR
		switch {
		case tIsDir && !srcIsDir:
			return fserror.ErrIsADirectory
		case !tIsDir && srcIsDir:
			return fserror.ErrNotADirectory
		case tIsDir:
			tChild, err := e.layerDirs(joinPath(e.ids.Path(npe), newName))
			if err != nil {
				return err
			}
			merged, err := e.mergeList(tChild)
			e.closeDirs(tChild)
			if err != nil {
				return err
			}
			if len(merged) > 0 {
				return fserror.ErrNotEmpty
			}
		}
		if dT.idx == 0 {
			if tIsDir {
				if err := e.removeUpperDir(upperNew, newName); err != nil {
					return err
				}
			} else if err := e.fs.UnlinkAt(upperNew, newName, false); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
	}

	if err := e.fs.RenameAt(upperOld, name, upperNew, newName); err != nil {
		return err
	}
	if err := e.clearWhiteout(upperNew, newName); err != nil {
		return err
	}

	maskedOld, err := e.lowerDefines(srcDirs, name)
	if err != nil {
		return err
	}
	if maskedOld {
		if err := e.writeWhiteout(upperOld, name); err != nil {
			return err
		}
	}

	maskedNew, err := e.lowerDefines(dstDirs, newName)
	if err != nil {
		return err
	}
	if srcIsDir && maskedNew {
		// Rename-replace over a lower-layer directory name: without
		// opacity its contents would merge into the moved directory.
		moved, err := e.fs.OpenAt(upperNew, newName)
		if err != nil {
			return err
		}
		err = e.setOpaque(moved)
		e.fs.Close(moved)
		if err != nil {
			return err
		}
	}

	e.ids.Rename(srcEnt, npe, newName)
	return nil
}

// Link creates newParent/newName as a hard link to the object behind id.
func (e *Engine) Link(ctx context.Context, id uint64, newParent uint64, newName string) (*identity.Entry, platform.Attr, error) {
	ent, err := e.resolve(id)
	if err != nil {
		return nil, platform.Attr{}, err
	}
	npe, err := e.resolve(newParent)
	if err != nil {
		return nil, platform.Attr{}, err
	}
	if isMarkerName(newName) {
		return nil, platform.Attr{}, fserror.ErrPermissionDenied
	}
	// Hard links can only exist inside one layer; pull the source up first.
	if err := e.ensureWritable(ctx, ent); err != nil {
		return nil, platform.Attr{}, err
	}
	srcParent, srcName := e.ids.Parent(ent)
	if srcParent == nil {
		return nil, platform.Attr{}, fserror.ErrPermissionDenied
	}
	upperSrc, err := e.walkLayer(0, e.ids.Path(srcParent))
	if err != nil {
		return nil, platform.Attr{}, err
	}
	defer e.fs.Close(upperSrc)

	upperNew, err := e.upperDirOf(ctx, npe)
	if err != nil {
		return nil, platform.Attr{}, err
	}
	defer e.fs.Close(upperNew)

	npe.Lock()
	defer npe.Unlock()

	dstDirs, err := e.layerDirs(e.ids.Path(npe))
	if err != nil {
		return nil, platform.Attr{}, err
	}
	defer e.closeDirs(dstDirs)
	if _, _, found, err := e.findInDirs(dstDirs, newName); err != nil {
		return nil, platform.Attr{}, err
	} else if found {
		return nil, platform.Attr{}, fserror.ErrAlreadyExists
	}

	if err := e.fs.LinkAt(upperSrc, srcName, upperNew, newName); err != nil {
		return nil, platform.Attr{}, err
	}
	if err := e.clearWhiteout(upperNew, newName); err != nil {
		return nil, platform.Attr{}, err
	}
	h, err := e.fs.OpenAt(upperNew, newName)
	if err != nil {
		return nil, platform.Attr{}, err
	}
	le, err := e.ids.Register(0, h, npe, newName)
	if err != nil {
		return nil, platform.Attr{}, err
	}
	a, err := e.fs.Stat(le.Backing().Handle)
	if err != nil {
		e.ids.Forget(le.ID, 1)
		return nil, platform.Attr{}, err
	}
	return le, a, nil
}

// Symlink creates parent/name pointing at target.
func (e *Engine) Symlink(ctx context.Context, parent uint64, name, target string) (*identity.Entry, platform.Attr, error) {
	return e.createNode(ctx, parent, name, func(upperDir platform.Handle) error {
		return e.fs.SymlinkAt(target, upperDir, name)
	})
}

// Mknod creates a special file parent/name.
func (e *Engine) Mknod(ctx context.Context, parent uint64, name string, mode uint32, rdev uint64) (*identity.Entry, platform.Attr, error) {
	return e.createNode(ctx, parent, name, func(upperDir platform.Handle) error {
		return e.fs.MknodAt(upperDir, name, mode, rdev)
	})
}

// createNode is the shared visibility-check/create/register path of Symlink
// and Mknod.
func (e *Engine) createNode(ctx context.Context, parent uint64, name string, create func(platform.Handle) error) (*identity.Entry, platform.Attr, error) {
	pe, err := e.resolve(parent)
	if err != nil {
		return nil, platform.Attr{}, err
	}
	if isMarkerName(name) {
		return nil, platform.Attr{}, fserror.ErrPermissionDenied
	}
	upperDir, err := e.upperDirOf(ctx, pe)
	if err != nil {
		return nil, platform.Attr{}, err
	}
	defer e.fs.Close(upperDir)

	pe.Lock()
	defer pe.Unlock()

	dirs, err := e.layerDirs(e.ids.Path(pe))
	if err != nil {
		return nil, platform.Attr{}, err
	}
	defer e.closeDirs(dirs)
	if _, _, found, err := e.findInDirs(dirs, name); err != nil {
		return nil, platform.Attr{}, err
	} else if found {
		return nil, platform.Attr{}, fserror.ErrAlreadyExists
	}

	if err := create(upperDir); err != nil {
		return nil, platform.Attr{}, err
	}
	if err := e.clearWhiteout(upperDir, name); err != nil {
		return nil, platform.Attr{}, err
	}
	h, err := e.fs.OpenAt(upperDir, name)
	if err != nil {
		return nil, platform.Attr{}, err
	}
	ent, err := e.ids.Register(0, h, pe, name)
	if err != nil {
		return nil, platform.Attr{}, err
	}
	a, err := e.fs.Stat(ent.Backing().Handle)
	if err != nil {
		e.ids.Forget(ent.ID, 1)
		return nil, platform.Attr{}, err
	}
	return ent, a, nil
}

// SetAttr applies metadata changes, copying the object up first.
func (e *Engine) SetAttr(ctx context.Context, id uint64, req SetAttrReq) (platform.Attr, error) {
	ent, err := e.resolve(id)
	if err != nil {
		return platform.Attr{}, err
	}
	if err := e.ensureWritable(ctx, ent); err != nil {
		return platform.Attr{}, err
	}

	ent.Lock()
	defer ent.Unlock()

	h := ent.Backing().Handle
	cur, err := e.fs.Stat(h)
	if err != nil {
		return platform.Attr{}, err
	}

	if req.Mode != nil && cur.Mode&unix.S_IFMT != unix.S_IFLNK {
		if err := e.fs.Chmod(h, *req.Mode&0o7777); err != nil {
			return platform.Attr{}, err
		}
	}
	if req.UID != nil || req.GID != nil {
		uid, gid := -1, -1
		if req.UID != nil {
			uid = int(*req.UID)
		}
		if req.GID != nil {
			gid = int(*req.GID)
		}
		if err := e.fs.Chown(h, uid, gid); err != nil {
			return platform.Attr{}, err
		}
	}
	if req.Size != nil {
		if err := e.fs.Truncate(h, *req.Size); err != nil {
			return platform.Attr{}, err
		}
	}
	if req.Atime != nil || req.Mtime != nil {
		atime, mtime := cur.Atime, cur.Mtime
		if req.Atime != nil {
			atime = *req.Atime
		}
		if req.Mtime != nil {
			mtime = *req.Mtime
		}
		if err := e.fs.UtimesNano(h, atime, mtime); err != nil {
			return platform.Attr{}, err
		}
	}
	return e.fs.Stat(h)
}

// SetXattr sets an extended attribute, copying the object up first.
func (e *Engine) SetXattr(ctx context.Context, id uint64, attr string, data []byte, flags int) error {
	ent, err := e.resolve(id)
	if err != nil {
		return err
	}
	if err := e.ensureWritable(ctx, ent); err != nil {
		return err
	}
	return e.fs.Setxattr(ent.Backing().Handle, attr, data, flags)
}

// RemoveXattr removes an extended attribute, copying the object up first.
func (e *Engine) RemoveXattr(ctx context.Context, id uint64, attr string) error {
	ent, err := e.resolve(id)
	if err != nil {
		return err
	}
	if err := e.ensureWritable(ctx, ent); err != nil {
		return err
	}
	return e.fs.Removexattr(ent.Backing().Handle, attr)
}

func joinPath(dir, name string) string {
	if dir == "." || dir == "" {
		return name
	}
	return dir + "/" + name
}

// lockPair takes two identity locks in a stable order so concurrent renames
// between the same pair of directories cannot deadlock.
func lockPair(a, b *identity.Entry) {
	if a == b {
		a.Lock()
		return
	}
	if a.ID < b.ID {
		a.Lock()
		b.Lock()
	} else {
		b.Lock()
		a.Lock()
	}
}

func unlockPair(a, b *identity.Entry) {
	if a == b {
		a.Unlock()
		return
	}
	a.Unlock()
	b.Unlock()
}
