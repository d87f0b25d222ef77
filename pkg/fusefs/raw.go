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

// Package fusefs adapts the union engine to the FUSE wire protocol. It
// implements the raw request interface directly: the engine's identity store
// already speaks the protocol's nodeid/lookup-count model, so the higher
// level node abstractions would only duplicate it.
package fusefs

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/overfs/overfs/pkg/identity"
	"github.com/overfs/overfs/pkg/platform"
	"github.com/overfs/overfs/pkg/union"
)

const attrTimeout = time.Second

// Raw serves FUSE requests from a union engine. Requests arrive on
// arbitrary goroutines; the engine and the handle tables are the only shared
// state.
type Raw struct {
	fuse.RawFileSystem

	ctx    context.Context
	engine *union.Engine

	mu     sync.Mutex
	nextFh uint64
	files  map[uint64]*union.File
	dirs   map[uint64]*dirStream
}

// dirStream is one open directory: a listing snapshot taken at open time.
// Offsets index into the snapshot, so a client seeking back to zero replays
// the same listing rather than a torn mix of two generations.
type dirStream struct {
	entries []fuse.DirEntry
}

// NewRaw builds the protocol adapter. ctx carries the logger and outlives
// individual requests.
func NewRaw(ctx context.Context, engine *union.Engine) *Raw {
	return &Raw{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		ctx:           ctx,
		engine:        engine,
		files:         make(map[uint64]*union.File),
		dirs:          make(map[uint64]*dirStream),
	}
}

func (r *Raw) String() string { return "overfs" }

func fillAttr(a platform.Attr, out *fuse.Attr) {
	out.Ino = a.Key.Ino
	out.Size = uint64(a.Size)
	out.Blocks = uint64(a.Blocks)
	out.Blksize = uint32(a.BlkSize)
	out.Mode = a.Mode
	out.Nlink = uint32(a.Nlink)
	out.Owner = fuse.Owner{Uid: a.UID, Gid: a.GID}
	out.Rdev = uint32(a.Rdev)
	out.Atime = uint64(a.Atime.Unix())
	out.Atimensec = uint32(a.Atime.Nanosecond())
	out.Mtime = uint64(a.Mtime.Unix())
	out.Mtimensec = uint32(a.Mtime.Nanosecond())
	out.Ctime = uint64(a.Ctime.Unix())
	out.Ctimensec = uint32(a.Ctime.Nanosecond())
}

func (r *Raw) fillEntry(ent *identity.Entry, a platform.Attr, out *fuse.EntryOut) {
	out.NodeId = ent.ID
	out.Generation = ent.Generation
	fillAttr(a, &out.Attr)
	out.SetEntryTimeout(attrTimeout)
	out.SetAttrTimeout(attrTimeout)
}

func (r *Raw) registerFile(f *union.File) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextFh++
	r.files[r.nextFh] = f
	return r.nextFh
}

func (r *Raw) file(fh uint64) *union.File {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.files[fh]
}

func (r *Raw) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	ent, a, err := r.engine.Lookup(r.ctx, header.NodeId, name)
	if err != nil {
		return errno(err)
	}
	r.fillEntry(ent, a, out)
	return fuse.OK
}

func (r *Raw) Forget(nodeid, nlookup uint64) {
	r.engine.Forget(nodeid, nlookup)
}

func (r *Raw) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	a, err := r.engine.GetAttr(r.ctx, input.NodeId)
	if err != nil {
		return errno(err)
	}
	fillAttr(a, &out.Attr)
	out.SetTimeout(attrTimeout)
	return fuse.OK
}

func (r *Raw) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	var req union.SetAttrReq
	if mode, ok := input.GetMode(); ok {
		req.Mode = &mode
	}
	if uid, ok := input.GetUID(); ok {
		req.UID = &uid
	}
	if gid, ok := input.GetGID(); ok {
		req.GID = &gid
	}
	if sz, ok := input.GetSize(); ok {
		ssz := int64(sz)
		req.Size = &ssz
	}
	if at, ok := input.GetATime(); ok {
		req.Atime = &at
	}
	if mt, ok := input.GetMTime(); ok {
		req.Mtime = &mt
	}
	a, err := r.engine.SetAttr(r.ctx, input.NodeId, req)
	if err != nil {
		return errno(err)
	}
	fillAttr(a, &out.Attr)
	out.SetTimeout(attrTimeout)
	return fuse.OK
}

func (r *Raw) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	ent, a, err := r.engine.Mknod(r.ctx, input.NodeId, name, input.Mode, uint64(input.Rdev))
	if err != nil {
		return errno(err)
	}
	r.fillEntry(ent, a, out)
	return fuse.OK
}

func (r *Raw) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	ent, a, err := r.engine.Mkdir(r.ctx, input.NodeId, name, input.Mode)
	if err != nil {
		return errno(err)
	}
	r.fillEntry(ent, a, out)
	return fuse.OK
}

func (r *Raw) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return errno(r.engine.Unlink(r.ctx, header.NodeId, name))
}

func (r *Raw) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return errno(r.engine.Rmdir(r.ctx, header.NodeId, name))
}

func (r *Raw) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName, newName string) fuse.Status {
	return errno(r.engine.Rename(r.ctx, input.NodeId, oldName, input.Newdir, newName, input.Flags))
}

func (r *Raw) Link(cancel <-chan struct{}, input *fuse.LinkIn, name string, out *fuse.EntryOut) fuse.Status {
	ent, a, err := r.engine.Link(r.ctx, input.Oldnodeid, input.NodeId, name)
	if err != nil {
		return errno(err)
	}
	r.fillEntry(ent, a, out)
	return fuse.OK
}

func (r *Raw) Symlink(cancel <-chan struct{}, header *fuse.InHeader, target, name string, out *fuse.EntryOut) fuse.Status {
	ent, a, err := r.engine.Symlink(r.ctx, header.NodeId, name, target)
	if err != nil {
		return errno(err)
	}
	r.fillEntry(ent, a, out)
	return fuse.OK
}

func (r *Raw) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	target, err := r.engine.Readlink(r.ctx, header.NodeId)
	if err != nil {
		return nil, errno(err)
	}
	return []byte(target), fuse.OK
}

func (r *Raw) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	ent, a, f, err := r.engine.Create(r.ctx, input.NodeId, name, int(input.Flags), input.Mode)
	if err != nil {
		return errno(err)
	}
	r.fillEntry(ent, a, &out.EntryOut)
	out.Fh = r.registerFile(f)
	return fuse.OK
}

func (r *Raw) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	f, err := r.engine.Open(r.ctx, input.NodeId, int(input.Flags))
	if err != nil {
		return errno(err)
	}
	out.Fh = r.registerFile(f)
	return fuse.OK
}

func (r *Raw) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	f := r.file(input.Fh)
	if f == nil {
		return nil, fuse.EBADF
	}
	return fuse.ReadResultFd(f.Fd(), int64(input.Offset), int(input.Size)), fuse.OK
}

func (r *Raw) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	f := r.file(input.Fh)
	if f == nil {
		return 0, fuse.EBADF
	}
	n, err := f.WriteAt(data, int64(input.Offset))
	return uint32(n), errno(err)
}

func (r *Raw) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	// Writes go straight to the backing file; there is no dirty state to
	// push on close.
	return fuse.OK
}

func (r *Raw) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	f := r.file(input.Fh)
	if f == nil {
		return fuse.EBADF
	}
	return errno(f.Fsync())
}

func (r *Raw) Fallocate(cancel <-chan struct{}, input *fuse.FallocateIn) fuse.Status {
	f := r.file(input.Fh)
	if f == nil {
		return fuse.EBADF
	}
	return errno(f.Fallocate(input.Mode, int64(input.Offset), int64(input.Length)))
}

func (r *Raw) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	r.mu.Lock()
	f := r.files[input.Fh]
	delete(r.files, input.Fh)
	r.mu.Unlock()
	if f != nil {
		f.Close()
	}
}

func (r *Raw) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	merged, err := r.engine.ReadDirMerged(r.ctx, input.NodeId)
	if err != nil {
		return errno(err)
	}
	entries := make([]fuse.DirEntry, 0, len(merged)+2)
	self, err := r.engine.GetAttr(r.ctx, input.NodeId)
	if err != nil {
		return errno(err)
	}
	entries = append(entries,
		fuse.DirEntry{Name: ".", Mode: fuse.S_IFDIR, Ino: self.Key.Ino},
		fuse.DirEntry{Name: "..", Mode: fuse.S_IFDIR, Ino: self.Key.Ino},
	)
	for _, m := range merged {
		entries = append(entries, fuse.DirEntry{Name: m.Name, Mode: m.Mode, Ino: m.Ino})
	}

	r.mu.Lock()
	r.nextFh++
	out.Fh = r.nextFh
	r.dirs[out.Fh] = &dirStream{entries: entries}
	r.mu.Unlock()
	return fuse.OK
}

func (r *Raw) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	r.mu.Lock()
	ds := r.dirs[input.Fh]
	r.mu.Unlock()
	if ds == nil {
		return fuse.EBADF
	}
	for i := int(input.Offset); i < len(ds.entries); i++ {
		if !out.AddDirEntry(ds.entries[i]) {
			break
		}
	}
	return fuse.OK
}

func (r *Raw) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	r.mu.Lock()
	ds := r.dirs[input.Fh]
	r.mu.Unlock()
	if ds == nil {
		return fuse.EBADF
	}
	for i := int(input.Offset); i < len(ds.entries); i++ {
		de := ds.entries[i]
		eo := out.AddDirLookupEntry(de)
		if eo == nil {
			break
		}
		if de.Name == "." || de.Name == ".." {
			continue
		}
		ent, a, err := r.engine.Lookup(r.ctx, input.NodeId, de.Name)
		if err != nil {
			// The name disappeared after the snapshot; leave the entry
			// without a lookup and let the client re-resolve it.
			continue
		}
		r.fillEntry(ent, a, eo)
	}
	return fuse.OK
}

func (r *Raw) ReleaseDir(input *fuse.ReleaseIn) {
	r.mu.Lock()
	delete(r.dirs, input.Fh)
	r.mu.Unlock()
}

func (r *Raw) StatFs(cancel <-chan struct{}, input *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	st, err := r.engine.StatFS(r.ctx, input.NodeId)
	if err != nil {
		return errno(err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.BlocksFree
	out.Bavail = st.BlocksAvl
	out.Files = st.Files
	out.Ffree = st.FilesFree
	out.Bsize = uint32(st.BlockSize)
	out.NameLen = uint32(st.NameLen)
	out.Frsize = uint32(st.BlockSize)
	return fuse.OK
}

func (r *Raw) GetXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string, dest []byte) (uint32, fuse.Status) {
	data, err := r.engine.GetXattr(r.ctx, header.NodeId, attr)
	if err != nil {
		return 0, errno(err)
	}
	if len(dest) == 0 {
		return uint32(len(data)), fuse.OK
	}
	if len(dest) < len(data) {
		return uint32(len(data)), fuse.ERANGE
	}
	copy(dest, data)
	return uint32(len(data)), fuse.OK
}

func (r *Raw) ListXAttr(cancel <-chan struct{}, header *fuse.InHeader, dest []byte) (uint32, fuse.Status) {
	names, err := r.engine.ListXattr(r.ctx, header.NodeId)
	if err != nil {
		return 0, errno(err)
	}
	var sb strings.Builder
	for _, n := range names {
		sb.WriteString(n)
		sb.WriteByte(0)
	}
	data := sb.String()
	if len(dest) == 0 {
		return uint32(len(data)), fuse.OK
	}
	if len(dest) < len(data) {
		return uint32(len(data)), fuse.ERANGE
	}
	copy(dest, data)
	return uint32(len(data)), fuse.OK
}

func (r *Raw) SetXAttr(cancel <-chan struct{}, input *fuse.SetXAttrIn, attr string, data []byte) fuse.Status {
	return errno(r.engine.SetXattr(r.ctx, input.NodeId, attr, data, int(input.Flags)))
}

func (r *Raw) RemoveXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string) fuse.Status {
	return errno(r.engine.RemoveXattr(r.ctx, header.NodeId, attr))
}
