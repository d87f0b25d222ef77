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

// Package tarx unpacks layer tarballs into layer directories. Whiteout and
// opacity marker files inside the archive are extracted as the plain files
// they are, so an unpacked container layer works as a read-only layer with
// its deletions intact.
package tarx

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/klauspost/pgzip"
	"golang.org/x/sys/unix"
)

// Unpack extracts a gzip-compressed tar stream beneath dest. Entry names
// are confined to dest; an entry that would escape it fails the unpack.
func Unpack(ctx context.Context, r io.Reader, dest string) error {
	log := clog.FromContext(ctx)

	gz, err := pgzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	n := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		if err := extract(tr, hdr, dest); err != nil {
			return fmt.Errorf("extracting %s: %w", hdr.Name, err)
		}
		n++
	}
	log.Info("unpacked layer", "dest", dest, "entries", n)
	return nil
}

// UnpackFile extracts a layer tarball file beneath dest.
func UnpackFile(ctx context.Context, path, dest string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Unpack(ctx, f, dest)
}

// confine resolves an archive entry name to a path under dest, rejecting
// absolute names and names that walk out of the tree.
func confine(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry escapes destination")
	}
	return filepath.Join(dest, clean), nil
}

func extract(tr *tar.Reader, hdr *tar.Header, dest string) error {
	target, err := confine(dest, hdr.Name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	mode := uint32(hdr.Mode & 0o7777)
	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, os.FileMode(mode)); err != nil {
			return err
		}
	case tar.TypeReg:
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(mode))
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	case tar.TypeSymlink:
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return err
		}
	case tar.TypeLink:
		src, err := confine(dest, hdr.Linkname)
		if err != nil {
			return err
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := os.Link(src, target); err != nil {
			return err
		}
	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		var typ uint32
		switch hdr.Typeflag {
		case tar.TypeChar:
			typ = unix.S_IFCHR
		case tar.TypeBlock:
			typ = unix.S_IFBLK
		default:
			typ = unix.S_IFIFO
		}
		dev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
		if err := unix.Mknod(target, typ|mode, int(dev)); err != nil {
			// Device nodes need privileges; a layer without them still
			// merges, just with those nodes missing.
			if errors.Is(err, unix.EPERM) {
				return nil
			}
			return err
		}
	default:
		// PAX headers and other metadata entries carry no filesystem object.
		return nil
	}

	if hdr.Typeflag != tar.TypeSymlink {
		if err := os.Chown(target, hdr.Uid, hdr.Gid); err != nil && !errors.Is(err, unix.EPERM) {
			return err
		}
		if err := os.Chtimes(target, hdr.AccessTime, hdr.ModTime); err != nil {
			return err
		}
	}
	return nil
}
