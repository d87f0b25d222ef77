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

package platform

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// linuxFS implements FS on top of the *at syscall family. Identity handles
// are O_PATH descriptors; content and metadata access goes through the
// /proc/self/fd indirection, the same trick FUSE passthrough servers use to
// upgrade an O_PATH descriptor without re-traversing any path.
type linuxFS struct{}

// New returns the platform filesystem capability.
func New() FS { return linuxFS{} }

func procPath(fd int) string {
	return "/proc/self/fd/" + strconv.Itoa(fd)
}

func (linuxFS) OpenRoot(path string) (Handle, error) {
	fd, err := unix.Open(path, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return NoHandle, &fs.PathError{Op: "open", Path: path, Err: err}
	}
	return Handle{fd: fd}, nil
}

func (linuxFS) OpenAt(dir Handle, name string) (Handle, error) {
	fd, err := unix.Openat(dir.fd, name, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return NoHandle, &fs.PathError{Op: "openat", Path: name, Err: err}
	}
	return Handle{fd: fd}, nil
}

func (linuxFS) OpenFileAt(dir Handle, name string, flags int, mode uint32) (*os.File, error) {
	fd, err := unix.Openat(dir.fd, name, flags|unix.O_NOFOLLOW|unix.O_CLOEXEC, mode)
	if err != nil {
		return nil, &fs.PathError{Op: "openat", Path: name, Err: err}
	}
	return os.NewFile(uintptr(fd), name), nil
}

func (linuxFS) Reopen(h Handle, flags int) (*os.File, error) {
	// The proc link resolves to the open inode, not to whatever currently
	// lives at the original path.
	fd, err := unix.Open(procPath(h.fd), (flags&^unix.O_NOFOLLOW)|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &fs.PathError{Op: "reopen", Path: procPath(h.fd), Err: err}
	}
	return os.NewFile(uintptr(fd), procPath(h.fd)), nil
}

func attrFromStat(st *unix.Stat_t) Attr {
	return Attr{
		Key:     Key{Dev: uint64(st.Dev), Ino: st.Ino},
		Mode:    uint32(st.Mode),
		Nlink:   uint64(st.Nlink),
		UID:     st.Uid,
		GID:     st.Gid,
		Rdev:    uint64(st.Rdev),
		Size:    st.Size,
		Blocks:  st.Blocks,
		BlkSize: int64(st.Blksize),
		Atime:   time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Mtime:   time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		Ctime:   time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
	}
}

func (linuxFS) Stat(h Handle) (Attr, error) {
	var st unix.Stat_t
	if err := unix.Fstat(h.fd, &st); err != nil {
		return Attr{}, &fs.PathError{Op: "fstat", Path: procPath(h.fd), Err: err}
	}
	return attrFromStat(&st), nil
}

func (linuxFS) StatAt(dir Handle, name string) (Attr, error) {
	var st unix.Stat_t
	if err := unix.Fstatat(dir.fd, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return Attr{}, &fs.PathError{Op: "fstatat", Path: name, Err: err}
	}
	return attrFromStat(&st), nil
}

func (l linuxFS) StableKey(h Handle) (Key, []byte, error) {
	a, err := l.Stat(h)
	if err != nil {
		return Key{}, nil, err
	}
	fh, _, err := unix.NameToHandleAt(h.fd, "", unix.AT_EMPTY_PATH)
	if err != nil {
		// Filesystems without export support (tmpfs on some kernels,
		// overlayfs, FUSE) cannot produce kernel handles. Degrade to
		// key-only identity; the store re-validates by key instead.
		if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOSYS) {
			return a.Key, nil, nil
		}
		return Key{}, nil, fmt.Errorf("name_to_handle_at: %w", err)
	}
	return a.Key, fh.Bytes(), nil
}

func (linuxFS) MkdirAt(dir Handle, name string, mode uint32) error {
	return wrapAt("mkdirat", name, unix.Mkdirat(dir.fd, name, mode))
}

func (linuxFS) UnlinkAt(dir Handle, name string, removeDir bool) error {
	var flags int
	if removeDir {
		flags = unix.AT_REMOVEDIR
	}
	return wrapAt("unlinkat", name, unix.Unlinkat(dir.fd, name, flags))
}

func (linuxFS) RenameAt(oldDir Handle, oldName string, newDir Handle, newName string) error {
	return wrapAt("renameat", oldName, unix.Renameat(oldDir.fd, oldName, newDir.fd, newName))
}

func (linuxFS) SymlinkAt(target string, dir Handle, name string) error {
	return wrapAt("symlinkat", name, unix.Symlinkat(target, dir.fd, name))
}

func (linuxFS) LinkAt(oldDir Handle, oldName string, newDir Handle, newName string) error {
	return wrapAt("linkat", newName, unix.Linkat(oldDir.fd, oldName, newDir.fd, newName, 0))
}

func (linuxFS) MknodAt(dir Handle, name string, mode uint32, dev uint64) error {
	return wrapAt("mknodat", name, unix.Mknodat(dir.fd, name, mode, int(dev)))
}

func (linuxFS) ReadlinkAt(dir Handle, name string) (string, error) {
	buf := make([]byte, unix.PathMax)
	n, err := unix.Readlinkat(dir.fd, name, buf)
	if err != nil {
		return "", &fs.PathError{Op: "readlinkat", Path: name, Err: err}
	}
	return string(buf[:n]), nil
}

func (linuxFS) Readlink(h Handle) (string, error) {
	// An empty path reads the link the O_PATH descriptor itself refers to.
	buf := make([]byte, unix.PathMax)
	n, err := unix.Readlinkat(h.fd, "", buf)
	if err != nil {
		return "", &fs.PathError{Op: "readlinkat", Path: procPath(h.fd), Err: err}
	}
	return string(buf[:n]), nil
}

func (linuxFS) ReadDir(h Handle) ([]Dirent, error) {
	// O_PATH descriptors cannot be read; take a real directory fd relative
	// to the handle.
	fd, err := unix.Openat(h.fd, ".", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &fs.PathError{Op: "openat", Path: ".", Err: err}
	}
	f := os.NewFile(uintptr(fd), procPath(fd))
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	out := make([]Dirent, 0, len(entries))
	for _, e := range entries {
		d := Dirent{Name: e.Name(), Mode: typeBits(e.Type())}
		if info, err := e.Info(); err == nil {
			if st, ok := info.Sys().(*syscall.Stat_t); ok {
				d.Ino = st.Ino
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func (linuxFS) Getxattr(h Handle, attr string) ([]byte, error) {
	p := procPath(h.fd)
	sz, err := unix.Getxattr(p, attr, nil)
	if err != nil {
		return nil, err
	}
	if sz == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, sz)
	n, err := unix.Getxattr(p, attr, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (linuxFS) Setxattr(h Handle, attr string, data []byte, flags int) error {
	return unix.Setxattr(procPath(h.fd), attr, data, flags)
}

func (linuxFS) Listxattr(h Handle) ([]string, error) {
	p := procPath(h.fd)
	sz, err := unix.Listxattr(p, nil)
	if err != nil {
		return nil, err
	}
	if sz == 0 {
		return nil, nil
	}
	buf := make([]byte, sz)
	n, err := unix.Listxattr(p, buf)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, name := range splitNul(buf[:n]) {
		names = append(names, name)
	}
	return names, nil
}

func (linuxFS) Removexattr(h Handle, attr string) error {
	return unix.Removexattr(procPath(h.fd), attr)
}

func (linuxFS) Chmod(h Handle, mode uint32) error {
	return unix.Chmod(procPath(h.fd), mode)
}

func (linuxFS) Chown(h Handle, uid, gid int) error {
	return unix.Fchownat(h.fd, "", uid, gid, unix.AT_EMPTY_PATH)
}

func (linuxFS) UtimesNano(h Handle, atime, mtime time.Time) error {
	ts := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, procPath(h.fd), ts, 0)
}

func (linuxFS) UtimesNanoAt(dir Handle, name string, atime, mtime time.Time) error {
	ts := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	return unix.UtimesNanoAt(dir.fd, name, ts, unix.AT_SYMLINK_NOFOLLOW)
}

func (linuxFS) Truncate(h Handle, size int64) error {
	return unix.Truncate(procPath(h.fd), size)
}

func (linuxFS) StatFS(h Handle) (StatFS, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(procPath(h.fd), &st); err != nil {
		return StatFS{}, err
	}
	return StatFS{
		BlockSize:  int64(st.Bsize),
		Blocks:     st.Blocks,
		BlocksFree: st.Bfree,
		BlocksAvl:  st.Bavail,
		Files:      st.Files,
		FilesFree:  st.Ffree,
		NameLen:    uint64(st.Namelen),
	}, nil
}

func (linuxFS) Close(h Handle) error {
	if h.fd < 0 {
		return nil
	}
	return unix.Close(h.fd)
}

func wrapAt(op, name string, err error) error {
	if err != nil {
		return &fs.PathError{Op: op, Path: name, Err: err}
	}
	return nil
}

func splitNul(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == 0 {
			if i > start {
				out = append(out, string(b[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(b) {
		out = append(out, string(b[start:]))
	}
	return out
}

func typeBits(m fs.FileMode) uint32 {
	switch m.Type() {
	case fs.ModeDir:
		return unix.S_IFDIR
	case fs.ModeSymlink:
		return unix.S_IFLNK
	case fs.ModeNamedPipe:
		return unix.S_IFIFO
	case fs.ModeSocket:
		return unix.S_IFSOCK
	case fs.ModeDevice:
		return unix.S_IFBLK
	case fs.ModeDevice | fs.ModeCharDevice:
		return unix.S_IFCHR
	case fs.ModeCharDevice:
		return unix.S_IFCHR
	default:
		return unix.S_IFREG
	}
}

// linuxMounter implements Mounter with mount(2)/umount2(2).
type linuxMounter struct{}

// NewMounter returns the platform mount capability.
func NewMounter() Mounter { return linuxMounter{} }

func (linuxMounter) BindMount(source, target string, readOnly bool) error {
	if err := unix.Mount(source, target, "none", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount %s onto %s: %w", source, target, err)
	}
	if readOnly {
		// A bind mount ignores MS_RDONLY at creation; the read-only flag
		// has to be set with a remount of the new mount.
		flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
		if err := unix.Mount("", target, "", flags, ""); err != nil {
			_ = unix.Unmount(target, 0)
			return fmt.Errorf("remount %s read-only: %w", target, err)
		}
	}
	return nil
}

func (linuxMounter) Unmount(target string, lazy bool) error {
	var flags int
	if lazy {
		flags = unix.MNT_DETACH
	}
	return unix.Unmount(target, flags)
}

func (linuxMounter) Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
