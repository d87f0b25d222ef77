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
	"io/fs"
	"os"
	"strings"

	"github.com/overfs/overfs/pkg/platform"
)

// Deletions and opacity are persisted as conventional filesystem artifacts
// in the writable layer, using the AUFS naming convention that container
// image layers already carry: a whiteout for NAME is an empty marker file
// ".wh.NAME" in the same directory, and an opaque directory holds a marker
// named ".wh..wh..opq". The union view is therefore fully reconstructible
// from the layer directories alone, and layers unpacked straight from image
// tarballs participate without translation.
const (
	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opq"
)

// whiteoutName returns the marker name recording deletion of name.
func whiteoutName(name string) string { return whiteoutPrefix + name }

// isMarkerName reports whether name is reserved for union bookkeeping and
// must never surface in a merged view, nor be accepted from clients.
func isMarkerName(name string) bool { return strings.HasPrefix(name, whiteoutPrefix) }

// hasWhiteout reports whether dir records a deletion of name.
func (e *Engine) hasWhiteout(dir platform.Handle, name string) bool {
	_, err := e.fs.StatAt(dir, whiteoutName(name))
	return err == nil
}

// isOpaque reports whether dir blocks all lower-layer contents beneath it.
func (e *Engine) isOpaque(dir platform.Handle) bool {
	_, err := e.fs.StatAt(dir, opaqueMarker)
	return err == nil
}

// setOpaque marks a writable-layer directory opaque.
func (e *Engine) setOpaque(dir platform.Handle) error {
	f, err := e.fs.OpenFileAt(dir, opaqueMarker, os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return err
	}
	return f.Close()
}

// writeWhiteout records deletion of name in the writable-layer dir.
func (e *Engine) writeWhiteout(dir platform.Handle, name string) error {
	f, err := e.fs.OpenFileAt(dir, whiteoutName(name), os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return err
	}
	return f.Close()
}

// clearWhiteout removes a deletion record, if present. Called when the name
// is recreated.
func (e *Engine) clearWhiteout(dir platform.Handle, name string) error {
	err := e.fs.UnlinkAt(dir, whiteoutName(name), false)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
