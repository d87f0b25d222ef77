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

// Package layer models the ordered stack of directory trees the union view
// is merged from: exactly one writable layer at priority 0 and any number of
// read-only lower layers at increasing priorities. The stack is immutable
// after Open; only the writable layer's contents ever change.
package layer

import (
	"errors"
	"fmt"
	"os"

	"github.com/overfs/overfs/pkg/fserror"
	"github.com/overfs/overfs/pkg/platform"
)

// Layer is one directory subtree participating in the merge.
type Layer struct {
	Root     platform.Handle
	Path     string
	ReadOnly bool
	Priority int
}

// Stack owns the layer root handles for the process lifetime.
type Stack struct {
	fs     platform.FS
	layers []Layer
}

// Open opens the writable layer plus the lower layers in merge priority
// order (lowers[0] is the highest-priority lower layer). Every path must be
// an existing directory.
func Open(fs platform.FS, upper string, lowers []string) (*Stack, error) {
	s := &Stack{fs: fs}
	add := func(path string, ro bool) error {
		h, err := fs.OpenRoot(path)
		if err != nil {
			s.Close()
			return fmt.Errorf("opening layer %s: %w", path, err)
		}
		s.layers = append(s.layers, Layer{
			Root:     h,
			Path:     path,
			ReadOnly: ro,
			Priority: len(s.layers),
		})
		return nil
	}
	if err := add(upper, false); err != nil {
		return nil, err
	}
	if err := probeWritable(fs, s.layers[0].Root); err != nil {
		s.Close()
		return nil, fmt.Errorf("layer %s: %w", upper, err)
	}
	for _, p := range lowers {
		if err := add(p, true); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// probeWritable checks that the priority-0 layer actually accepts writes.
// A directory on a read-only filesystem would otherwise pass Open and fail
// much later, mid copy-up. The probe name carries the ".wh." marker prefix
// so it can never surface in a merged listing even if cleanup fails.
func probeWritable(fs platform.FS, root platform.Handle) error {
	name := fmt.Sprintf(".wh..tmp.probe.%d", os.Getpid())
	f, err := fs.OpenFileAt(root, name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %w", fserror.ErrReadOnlyLayer, err)
	}
	f.Close()
	return fs.UnlinkAt(root, name, false)
}

// Len is the total number of layers including the writable one.
func (s *Stack) Len() int { return len(s.layers) }

// Writable returns the priority-0 layer.
func (s *Stack) Writable() Layer { return s.layers[0] }

// At returns the layer at the given priority index.
func (s *Stack) At(i int) Layer { return s.layers[i] }

// Close releases all layer root handles.
func (s *Stack) Close() error {
	var errs []error
	for _, l := range s.layers {
		if err := s.fs.Close(l.Root); err != nil {
			errs = append(errs, fmt.Errorf("closing layer %s: %w", l.Path, err))
		}
	}
	s.layers = nil
	return errors.Join(errs...)
}
