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
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/overfs/overfs/pkg/platform"
	"golang.org/x/sys/unix"
)

// MergedEntry is one name in a merged directory listing.
type MergedEntry struct {
	Name  string
	Mode  uint32 // file type bits
	Ino   uint64
	Layer int // priority index of the defining layer
}

// layerDir is an open directory handle in one contributing layer.
type layerDir struct {
	idx int
	h   platform.Handle
}

func (e *Engine) closeDirs(dirs []layerDir) {
	for _, d := range dirs {
		e.fs.Close(d.h)
	}
}

// layerDirs opens, for the merged directory at relpath, the directory in
// every layer that contributes to its view, in priority order. The walk
// applies the whiteout and opacity rules at every component: a layer where a
// component is missing drops out; a whiteout or a non-directory entry cuts
// that layer and everything below it; an opaque directory keeps its layer
// but cuts everything below. The caller closes the returned handles.
func (e *Engine) layerDirs(relpath string) ([]layerDir, error) {
	var dirs []layerDir
	for i := 0; i < e.stack.Len(); i++ {
		h, err := e.fs.OpenAt(e.stack.At(i).Root, ".")
		if err != nil {
			e.closeDirs(dirs)
			return nil, fmt.Errorf("opening layer %d root: %w", i, err)
		}
		dirs = append(dirs, layerDir{idx: i, h: h})
		if e.isOpaque(h) {
			// An opaque root keeps its own layer and cuts everything
			// below, same as the per-component rule in the walk; for the
			// writable layer that devolves to plain passthrough.
			break
		}
	}

	if relpath == "." || relpath == "" {
		return dirs, nil
	}

	for _, comp := range strings.Split(relpath, "/") {
		next := make([]layerDir, 0, len(dirs))
		cut := false
		var walkErr error
		for _, d := range dirs {
			if cut || walkErr != nil {
				e.fs.Close(d.h)
				continue
			}
			a, err := e.fs.StatAt(d.h, comp)
			switch {
			case err == nil && a.Mode&unix.S_IFMT == unix.S_IFDIR:
				nh, oerr := e.fs.OpenAt(d.h, comp)
				if oerr != nil {
					if !errors.Is(oerr, fs.ErrNotExist) {
						walkErr = oerr
					}
				} else {
					if e.isOpaque(nh) {
						cut = true
					}
					next = append(next, layerDir{idx: d.idx, h: nh})
				}
			case err == nil:
				// A non-directory definition shadows everything below.
				cut = true
			case errors.Is(err, fs.ErrNotExist):
				if e.hasWhiteout(d.h, comp) {
					cut = true
				}
			default:
				walkErr = err
			}
			e.fs.Close(d.h)
		}
		if walkErr != nil {
			e.closeDirs(next)
			return nil, walkErr
		}
		dirs = next
		if len(dirs) == 0 {
			return nil, nil
		}
	}
	return dirs, nil
}

// findInDirs resolves name against contributing directories in priority
// order. The first layer defining the name decides: a real entry wins, a
// whiteout means absent, and no further layer is consulted either way.
func (e *Engine) findInDirs(dirs []layerDir, name string) (layerDir, platform.Attr, bool, error) {
	for _, d := range dirs {
		a, err := e.fs.StatAt(d.h, name)
		if err == nil {
			return d, a, true, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return layerDir{}, platform.Attr{}, false, err
		}
		if e.hasWhiteout(d.h, name) {
			return layerDir{}, platform.Attr{}, false, nil
		}
	}
	return layerDir{}, platform.Attr{}, false, nil
}

// mergeList computes the merged listing of the contributing directories.
// Entries of higher-priority layers claim their names; whiteout markers
// claim without being emitted; marker names never surface. Output is sorted
// by name so repeated listings of an unchanged directory are identical.
func (e *Engine) mergeList(dirs []layerDir) ([]MergedEntry, error) {
	claimed := make(map[string]bool)
	var out []MergedEntry
	for _, d := range dirs {
		ents, err := e.fs.ReadDir(d.h)
		if err != nil {
			return nil, fmt.Errorf("listing layer %d: %w", d.idx, err)
		}
		for _, ent := range ents {
			if isMarkerName(ent.Name) {
				if ent.Name != opaqueMarker {
					claimed[strings.TrimPrefix(ent.Name, whiteoutPrefix)] = true
				}
				continue
			}
			if claimed[ent.Name] {
				continue
			}
			claimed[ent.Name] = true
			out = append(out, MergedEntry{
				Name:  ent.Name,
				Mode:  ent.Mode,
				Ino:   ent.Ino,
				Layer: d.idx,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
