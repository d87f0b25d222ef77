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

package tarx

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name     string
	typeflag byte
	content  string
	linkname string
	mode     int64
}

func buildArchive(t *testing.T, entries []entry) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     mode,
			Size:     int64(len(e.content)),
			Linkname: e.linkname,
			ModTime:  time.Unix(1700000000, 0),
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.content != "" {
			_, err := tw.Write([]byte(e.content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return &buf
}

func TestUnpackLayer(t *testing.T) {
	buf := buildArchive(t, []entry{
		{name: "etc/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "etc/hostname", typeflag: tar.TypeReg, content: "layerhost\n"},
		{name: "bin/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "bin/sh", typeflag: tar.TypeReg, content: "#!", mode: 0o755},
		{name: "bin/bash", typeflag: tar.TypeSymlink, linkname: "sh"},
	})

	dest := t.TempDir()
	require.NoError(t, Unpack(context.Background(), buf, dest))

	got, err := os.ReadFile(filepath.Join(dest, "etc", "hostname"))
	require.NoError(t, err)
	require.Equal(t, "layerhost\n", string(got))

	fi, err := os.Stat(filepath.Join(dest, "bin", "sh"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), fi.Mode().Perm())

	target, err := os.Readlink(filepath.Join(dest, "bin", "bash"))
	require.NoError(t, err)
	require.Equal(t, "sh", target)
}

func TestUnpackKeepsWhiteoutMarkers(t *testing.T) {
	buf := buildArchive(t, []entry{
		{name: "app/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "app/.wh.removed.txt", typeflag: tar.TypeReg},
		{name: "app/.wh..wh..opq", typeflag: tar.TypeReg},
	})

	dest := t.TempDir()
	require.NoError(t, Unpack(context.Background(), buf, dest))

	// Markers land on disk as the ordinary files they are in the archive.
	fi, err := os.Stat(filepath.Join(dest, "app", ".wh.removed.txt"))
	require.NoError(t, err)
	require.True(t, fi.Mode().IsRegular())
	_, err = os.Stat(filepath.Join(dest, "app", ".wh..wh..opq"))
	require.NoError(t, err)
}

func TestUnpackRejectsEscapingEntries(t *testing.T) {
	for _, name := range []string{"../evil.txt", "a/../../evil.txt", "/abs.txt"} {
		buf := buildArchive(t, []entry{
			{name: name, typeflag: tar.TypeReg, content: "x"},
		})
		err := Unpack(context.Background(), buf, t.TempDir())
		require.Error(t, err, "entry %q must not unpack", name)
	}
}

func TestUnpackHardLink(t *testing.T) {
	buf := buildArchive(t, []entry{
		{name: "orig.txt", typeflag: tar.TypeReg, content: "data"},
		{name: "link.txt", typeflag: tar.TypeLink, linkname: "orig.txt"},
	})

	dest := t.TempDir()
	require.NoError(t, Unpack(context.Background(), buf, dest))

	got, err := os.ReadFile(filepath.Join(dest, "link.txt"))
	require.NoError(t, err)
	require.Equal(t, "data", string(got))
}

func TestUnpackFileMissing(t *testing.T) {
	err := UnpackFile(context.Background(), filepath.Join(t.TempDir(), "nope.tgz"), t.TempDir())
	require.Error(t, err)
}
