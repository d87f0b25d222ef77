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

// Package union implements the layered union view over a stack of read-only
// layers plus one writable layer: identifier-addressed lookup, merged
// directory listing with whiteout and opacity rules, and lazy copy-up of
// lower-layer objects ahead of their first mutation.
package union

import (
	"context"
	"fmt"
	"os"

	"github.com/chainguard-dev/clog"
	"github.com/overfs/overfs/pkg/fserror"
	"github.com/overfs/overfs/pkg/identity"
	"github.com/overfs/overfs/pkg/layer"
	"github.com/overfs/overfs/pkg/platform"
	"golang.org/x/sys/unix"
)

// Engine is the union-filesystem core. One instance serves one layer stack;
// it is safe for concurrent use, with operations on distinct identities
// proceeding without mutual blocking.
type Engine struct {
	fs    platform.FS
	stack *layer.Stack
	ids   *identity.Store
}

// New builds an engine over an opened layer stack.
func New(fs platform.FS, stack *layer.Stack) (*Engine, error) {
	root, err := fs.OpenAt(stack.Writable().Root, ".")
	if err != nil {
		return nil, fmt.Errorf("cloning writable root handle: %w", err)
	}
	ids, err := identity.NewStore(fs, root)
	if err != nil {
		fs.Close(root)
		return nil, err
	}
	return &Engine{fs: fs, stack: stack, ids: ids}, nil
}

// Store exposes the identity store for protocol adapters.
func (e *Engine) Store() *identity.Store { return e.ids }

// resolve maps a protocol identifier to a live entry.
func (e *Engine) resolve(id uint64) (*identity.Entry, error) {
	return e.ids.Resolve(id)
}

// walkLayer opens relpath inside one layer, component by component relative
// to the layer root.
func (e *Engine) walkLayer(idx int, relpath string) (platform.Handle, error) {
	h, err := e.fs.OpenAt(e.stack.At(idx).Root, ".")
	if err != nil {
		return platform.NoHandle, err
	}
	if relpath == "." || relpath == "" {
		return h, nil
	}
	for _, comp := range splitPath(relpath) {
		nh, err := e.fs.OpenAt(h, comp)
		e.fs.Close(h)
		if err != nil {
			return platform.NoHandle, err
		}
		h = nh
	}
	return h, nil
}

func splitPath(p string) []string {
	if p == "." || p == "" {
		return nil
	}
	var comps []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				comps = append(comps, p[start:i])
			}
			start = i + 1
		}
	}
	return comps
}

// Lookup resolves name within the directory identified by parent, scanning
// layers in priority order, and registers (or re-references) the identity of
// the result.
func (e *Engine) Lookup(ctx context.Context, parent uint64, name string) (*identity.Entry, platform.Attr, error) {
	pe, err := e.resolve(parent)
	if err != nil {
		return nil, platform.Attr{}, err
	}
	if isMarkerName(name) {
		return nil, platform.Attr{}, fserror.ErrNotFound
	}
	dirs, err := e.layerDirs(e.ids.Path(pe))
	if err != nil {
		return nil, platform.Attr{}, err
	}
	defer e.closeDirs(dirs)

	d, a, found, err := e.findInDirs(dirs, name)
	if err != nil {
		return nil, platform.Attr{}, err
	}
	if !found {
		return nil, platform.Attr{}, fserror.ErrNotFound
	}
	h, err := e.fs.OpenAt(d.h, name)
	if err != nil {
		return nil, platform.Attr{}, err
	}
	ent, err := e.ids.Register(d.idx, h, pe, name)
	if err != nil {
		return nil, platform.Attr{}, err
	}
	return ent, a, nil
}

// Forget releases n protocol references to an identifier.
func (e *Engine) Forget(id, n uint64) {
	e.ids.Forget(id, n)
}

// GetAttr stats the object behind an identifier.
func (e *Engine) GetAttr(ctx context.Context, id uint64) (platform.Attr, error) {
	ent, err := e.resolve(id)
	if err != nil {
		return platform.Attr{}, err
	}
	return e.fs.Stat(ent.Backing().Handle)
}

// ReadDirMerged computes the full merged listing of a directory. The result
// is a finite snapshot; callers may hold it and re-request at will.
func (e *Engine) ReadDirMerged(ctx context.Context, id uint64) ([]MergedEntry, error) {
	ent, err := e.resolve(id)
	if err != nil {
		return nil, err
	}
	a, err := e.fs.Stat(ent.Backing().Handle)
	if err != nil {
		return nil, err
	}
	if a.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, fserror.ErrNotADirectory
	}
	dirs, err := e.layerDirs(e.ids.Path(ent))
	if err != nil {
		return nil, err
	}
	defer e.closeDirs(dirs)
	return e.mergeList(dirs)
}

// Readlink reads the target of a symlink identity.
func (e *Engine) Readlink(ctx context.Context, id uint64) (string, error) {
	ent, err := e.resolve(id)
	if err != nil {
		return "", err
	}
	return e.fs.Readlink(ent.Backing().Handle)
}

// writeFlags reports whether an open requests mutation of file content.
func writeFlags(flags int) bool {
	if flags&(os.O_WRONLY|os.O_RDWR|os.O_TRUNC|os.O_APPEND) != 0 {
		return true
	}
	return false
}

// Open opens an identity for content I/O. An open that can mutate content
// triggers copy-up first, so the returned handle always refers to either a
// read-only snapshot or the writable-layer copy.
func (e *Engine) Open(ctx context.Context, id uint64, flags int) (*File, error) {
	ent, err := e.resolve(id)
	if err != nil {
		return nil, err
	}
	if writeFlags(flags) {
		if err := e.ensureWritable(ctx, ent); err != nil {
			return nil, err
		}
	}
	// The kernel supplies explicit offsets for append-mode writes; keep the
	// descriptor plain so positional writes stay positional.
	f, err := e.fs.Reopen(ent.Backing().Handle, flags&^os.O_APPEND)
	if err != nil {
		return nil, err
	}
	return &File{f: f}, nil
}

// GetXattr reads one extended attribute from the backing object.
func (e *Engine) GetXattr(ctx context.Context, id uint64, attr string) ([]byte, error) {
	ent, err := e.resolve(id)
	if err != nil {
		return nil, err
	}
	return e.fs.Getxattr(ent.Backing().Handle, attr)
}

// ListXattr lists extended attribute names on the backing object.
func (e *Engine) ListXattr(ctx context.Context, id uint64) ([]string, error) {
	ent, err := e.resolve(id)
	if err != nil {
		return nil, err
	}
	return e.fs.Listxattr(ent.Backing().Handle)
}

// StatFS reports the filesystem statistics of the writable layer, which is
// where all new data lands.
func (e *Engine) StatFS(ctx context.Context, id uint64) (platform.StatFS, error) {
	return e.fs.StatFS(e.stack.Writable().Root)
}

// Close releases every identity handle. The protocol loop must be stopped.
func (e *Engine) Close(ctx context.Context) {
	if n := e.ids.Live(); n > 1 {
		clog.FromContext(ctx).Debug("closing engine with live identities", "count", n)
	}
	e.ids.Close()
}
