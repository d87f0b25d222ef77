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

// Package platform defines the narrow syscall capability surface consumed by
// the engine. Every operation is expressed relative to an open handle rather
// than an absolute path, so a rename or symlink swap happening between two
// calls cannot redirect the second call to a different object. The core never
// branches on the platform; it talks to these interfaces only.
package platform

import (
	"os"
	"time"
)

// Handle is a stable reference to a file or directory. It stays valid across
// renames of the object and of any of its ancestors, and is independently
// ref-counted by the OS (closing one handle never invalidates another).
type Handle struct {
	fd int
}

// NoHandle is the zero value returned alongside errors.
var NoHandle = Handle{fd: -1}

// Fd exposes the raw descriptor for adapters that need it (FUSE passthrough
// reads). Callers must not close it.
func (h Handle) Fd() int { return h.fd }

// Valid reports whether the handle refers to an open object.
func (h Handle) Valid() bool { return h.fd >= 0 }

// Key identifies the real underlying object of a handle. Two handles with
// equal keys refer to the same object at the time the keys were derived; a
// recycled inode number changes nothing here because keys are always
// re-derived from live handles, never cached across validation.
type Key struct {
	Dev uint64
	Ino uint64
}

// Attr is the stat result of a handle, in wire-friendly units.
type Attr struct {
	Key     Key
	Mode    uint32 // raw unix mode, including file type bits
	Nlink   uint64
	UID     uint32
	GID     uint32
	Rdev    uint64
	Size    int64
	Blocks  int64
	BlkSize int64
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
}

// Dirent is one directory entry: name, type bits and inode number.
type Dirent struct {
	Name string
	Mode uint32 // file type bits only (S_IFMT masked)
	Ino  uint64
}

// StatFS describes the filesystem holding a handle.
type StatFS struct {
	BlockSize  int64
	Blocks     uint64
	BlocksFree uint64
	BlocksAvl  uint64
	Files      uint64
	FilesFree  uint64
	NameLen    uint64
}

// FS is the filesystem capability surface. One implementation exists per
// platform; tests may substitute fakes.
type FS interface {
	// OpenRoot opens a directory by absolute path. This is the only
	// path-addressed open; everything else is handle-relative.
	OpenRoot(path string) (Handle, error)

	// OpenAt opens an identity handle (no content access) for dir/name
	// without following a final symlink.
	OpenAt(dir Handle, name string) (Handle, error)

	// OpenFileAt opens dir/name for content I/O with the given open flags,
	// creating it with mode if flags request creation.
	OpenFileAt(dir Handle, name string, flags int, mode uint32) (*os.File, error)

	// Reopen derives a content-I/O file from an identity handle.
	Reopen(h Handle, flags int) (*os.File, error)

	Stat(h Handle) (Attr, error)
	StatAt(dir Handle, name string) (Attr, error)

	// StableKey returns the object key of a handle plus, where the platform
	// supports it, an opaque kernel handle whose bytes survive inode-number
	// comparison across reuse. A nil byte slice with a nil error means the
	// platform degraded to key-only identity; callers must treat that as a
	// working, weaker mode rather than a failure.
	StableKey(h Handle) (Key, []byte, error)

	MkdirAt(dir Handle, name string, mode uint32) error
	UnlinkAt(dir Handle, name string, removeDir bool) error
	RenameAt(oldDir Handle, oldName string, newDir Handle, newName string) error
	SymlinkAt(target string, dir Handle, name string) error
	LinkAt(oldDir Handle, oldName string, newDir Handle, newName string) error
	MknodAt(dir Handle, name string, mode uint32, dev uint64) error
	ReadlinkAt(dir Handle, name string) (string, error)
	Readlink(h Handle) (string, error)

	ReadDir(h Handle) ([]Dirent, error)

	Getxattr(h Handle, attr string) ([]byte, error)
	Setxattr(h Handle, attr string, data []byte, flags int) error
	Listxattr(h Handle) ([]string, error)
	Removexattr(h Handle, attr string) error

	Chmod(h Handle, mode uint32) error
	Chown(h Handle, uid, gid int) error
	UtimesNano(h Handle, atime, mtime time.Time) error

	// UtimesNanoAt sets timestamps on dir/name without following a final
	// symlink, which UtimesNano cannot express through a handle.
	UtimesNanoAt(dir Handle, name string, atime, mtime time.Time) error
	Truncate(h Handle, size int64) error

	StatFS(h Handle) (StatFS, error)

	Close(h Handle) error
}

// Mounter is the mount/unmount capability consumed by the bind-mount
// lifecycle manager. Canonicalize is part of the same surface because the
// manager's containment check must resolve paths with exactly the semantics
// of the mount table it manipulates.
type Mounter interface {
	// BindMount grafts source onto target (recursively). A read-only graft
	// is established atomically from the caller's point of view: the target
	// never transiently accepts writes after BindMount returns.
	BindMount(source, target string, readOnly bool) error

	// Unmount detaches target. The lazy form must only ever be used after a
	// fresh containment check; it is the caller's job to enforce that.
	Unmount(target string, lazy bool) error

	// Canonicalize resolves symlinks and dot-dot components, returning an
	// absolute path with no links left in it.
	Canonicalize(path string) (string, error)
}
