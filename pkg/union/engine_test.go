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

package union_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/overfs/overfs/pkg/fserror"
	"github.com/overfs/overfs/pkg/identity"
	"github.com/overfs/overfs/pkg/layer"
	"github.com/overfs/overfs/pkg/platform"
	"github.com/overfs/overfs/pkg/union"
)

// writeTree materializes a file tree beneath dir. Keys are slash paths; a
// trailing slash makes a directory, anything else a regular file with the
// value as content.
func writeTree(t *testing.T, dir string, tree map[string]string) {
	t.Helper()
	for path, content := range tree {
		full := filepath.Join(dir, filepath.FromSlash(path))
		if strings.HasSuffix(path, "/") {
			require.NoError(t, os.MkdirAll(full, 0o755))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

type testMount struct {
	engine *union.Engine
	upper  string
	lowers []string
}

// newTestMount builds an engine over a fresh upper plus the given lower
// trees, highest priority first.
func newTestMount(t *testing.T, upperTree map[string]string, lowerTrees ...map[string]string) *testMount {
	t.Helper()
	root := t.TempDir()
	upper := filepath.Join(root, "upper")
	require.NoError(t, os.Mkdir(upper, 0o755))
	writeTree(t, upper, upperTree)

	var lowers []string
	for i, tree := range lowerTrees {
		lower := filepath.Join(root, "lower"+string(rune('0'+i)))
		require.NoError(t, os.Mkdir(lower, 0o755))
		writeTree(t, lower, tree)
		lowers = append(lowers, lower)
	}

	pfs := platform.New()
	stack, err := layer.Open(pfs, upper, lowers)
	require.NoError(t, err)
	engine, err := union.New(pfs, stack)
	require.NoError(t, err)
	t.Cleanup(func() {
		engine.Close(context.Background())
		stack.Close()
	})
	return &testMount{engine: engine, upper: upper, lowers: lowers}
}

func (m *testMount) lookup(t *testing.T, parent uint64, name string) (*identity.Entry, platform.Attr) {
	t.Helper()
	ent, a, err := m.engine.Lookup(context.Background(), parent, name)
	require.NoError(t, err)
	return ent, a
}

func (m *testMount) names(t *testing.T, id uint64) []string {
	t.Helper()
	merged, err := m.engine.ReadDirMerged(context.Background(), id)
	require.NoError(t, err)
	names := make([]string, len(merged))
	for i, e := range merged {
		names[i] = e.Name
	}
	return names
}

func (m *testMount) readFile(t *testing.T, id uint64) string {
	t.Helper()
	f, err := m.engine.Open(context.Background(), id, os.O_RDONLY)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 4096)
	n, err := f.ReadAt(buf, 0)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestLookupPriority(t *testing.T) {
	m := newTestMount(t,
		map[string]string{"both.txt": "upper"},
		map[string]string{"both.txt": "mid", "mid-only.txt": "mid"},
		map[string]string{"both.txt": "bottom", "bottom-only.txt": "bottom"},
	)

	ent, _ := m.lookup(t, identity.RootID, "both.txt")
	require.Equal(t, "upper", m.readFile(t, ent.ID))

	ent, _ = m.lookup(t, identity.RootID, "mid-only.txt")
	require.Equal(t, "mid", m.readFile(t, ent.ID))

	ent, _ = m.lookup(t, identity.RootID, "bottom-only.txt")
	require.Equal(t, "bottom", m.readFile(t, ent.ID))
}

func TestLookupAbsent(t *testing.T) {
	m := newTestMount(t, nil, map[string]string{"a.txt": "a"})
	_, _, err := m.engine.Lookup(context.Background(), identity.RootID, "nope.txt")
	require.ErrorIs(t, err, fserror.ErrNotFound)
}

func TestMergedListing(t *testing.T) {
	m := newTestMount(t,
		map[string]string{"c.txt": "upper"},
		map[string]string{"a.txt": "mid", "c.txt": "mid"},
		map[string]string{"b.txt": "bottom"},
	)
	got := m.names(t, identity.RootID)
	want := []string{"a.txt", "b.txt", "c.txt"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged listing mismatch (-want, +got):\n%s", diff)
	}

	// Re-listing an unchanged directory yields the identical result.
	again := m.names(t, identity.RootID)
	if diff := cmp.Diff(got, again); diff != "" {
		t.Errorf("listing not stable (-first, +second):\n%s", diff)
	}
}

func TestWhiteoutHidesLowerFile(t *testing.T) {
	m := newTestMount(t,
		map[string]string{".wh.gone.txt": ""},
		map[string]string{"gone.txt": "lower", "kept.txt": "lower"},
	)
	_, _, err := m.engine.Lookup(context.Background(), identity.RootID, "gone.txt")
	require.ErrorIs(t, err, fserror.ErrNotFound)
	require.Equal(t, []string{"kept.txt"}, m.names(t, identity.RootID))
}

func TestOpaqueDirectoryCutsLowerContents(t *testing.T) {
	m := newTestMount(t,
		map[string]string{"dir/visible.txt": "upper", "dir/.wh..wh..opq": ""},
		map[string]string{"dir/secret.txt": "lower"},
	)
	dir, _ := m.lookup(t, identity.RootID, "dir")
	require.Equal(t, []string{"visible.txt"}, m.names(t, dir.ID))
	_, _, err := m.engine.Lookup(context.Background(), dir.ID, "secret.txt")
	require.ErrorIs(t, err, fserror.ErrNotFound)
}

func TestMarkerNamesNeverResolve(t *testing.T) {
	m := newTestMount(t, map[string]string{".wh.x": ""}, nil)
	_, _, err := m.engine.Lookup(context.Background(), identity.RootID, ".wh.x")
	require.ErrorIs(t, err, fserror.ErrNotFound)
	_, _, err = m.engine.Lookup(context.Background(), identity.RootID, ".wh..wh..opq")
	require.ErrorIs(t, err, fserror.ErrNotFound)
}

func TestCopyUpOnWriteOpen(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, nil, map[string]string{"dir/file.txt": "original"})

	dir, _ := m.lookup(t, identity.RootID, "dir")
	ent, _ := m.lookup(t, dir.ID, "file.txt")

	f, err := m.engine.Open(ctx, ent.ID, os.O_WRONLY)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("CHANGED!"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// The write landed in the writable layer.
	got, err := os.ReadFile(filepath.Join(m.upper, "dir", "file.txt"))
	require.NoError(t, err)
	require.Equal(t, "CHANGED!", string(got))

	// The read-only source is byte-identical to what it was.
	lower, err := os.ReadFile(filepath.Join(m.lowers[0], "dir", "file.txt"))
	require.NoError(t, err)
	require.Equal(t, "original", string(lower))

	// The merged view serves the new content under the same identity.
	require.Equal(t, "CHANGED!", m.readFile(t, ent.ID))
}

func TestCopyUpRunsOnce(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, nil, map[string]string{"file.txt": "data"})
	ent, _ := m.lookup(t, identity.RootID, "file.txt")

	f, err := m.engine.Open(ctx, ent.ID, os.O_RDWR)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("DATA"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var st1 unix.Stat_t
	require.NoError(t, unix.Stat(filepath.Join(m.upper, "file.txt"), &st1))

	// A second writable open reuses the promoted copy instead of clobbering
	// it with a fresh snapshot of the lower file.
	f, err = m.engine.Open(ctx, ent.ID, os.O_WRONLY)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var st2 unix.Stat_t
	require.NoError(t, unix.Stat(filepath.Join(m.upper, "file.txt"), &st2))
	require.Equal(t, st1.Ino, st2.Ino)
	require.Equal(t, "DATA", m.readFile(t, ent.ID))
}

func TestReadOnlyOpenDoesNotCopyUp(t *testing.T) {
	m := newTestMount(t, nil, map[string]string{"file.txt": "data"})
	ent, _ := m.lookup(t, identity.RootID, "file.txt")
	require.Equal(t, "data", m.readFile(t, ent.ID))
	_, err := os.Stat(filepath.Join(m.upper, "file.txt"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestUnlinkLowerLeavesWhiteout(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, nil, map[string]string{"doomed.txt": "lower"})

	require.NoError(t, m.engine.Unlink(ctx, identity.RootID, "doomed.txt"))

	_, _, err := m.engine.Lookup(ctx, identity.RootID, "doomed.txt")
	require.ErrorIs(t, err, fserror.ErrNotFound)
	require.Empty(t, m.names(t, identity.RootID))

	// The deletion is recorded in the writable layer, not applied below.
	_, err = os.Stat(filepath.Join(m.upper, ".wh.doomed.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(m.lowers[0], "doomed.txt"))
	require.NoError(t, err)
}

func TestUnlinkUpperOnlyLeavesNoWhiteout(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, map[string]string{"mine.txt": "upper"}, nil)

	require.NoError(t, m.engine.Unlink(ctx, identity.RootID, "mine.txt"))
	_, err := os.Stat(filepath.Join(m.upper, ".wh.mine.txt"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestCreateOverWhiteoutRevives(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, nil, map[string]string{"x.txt": "old"})

	require.NoError(t, m.engine.Unlink(ctx, identity.RootID, "x.txt"))

	ent, _, f, err := m.engine.Create(ctx, identity.RootID, "x.txt", os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("new"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Equal(t, "new", m.readFile(t, ent.ID))
	_, err = os.Stat(filepath.Join(m.upper, ".wh.x.txt"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestCreateExclusiveOnLowerVisibleName(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, nil, map[string]string{"taken.txt": "lower"})
	_, _, _, err := m.engine.Create(ctx, identity.RootID, "taken.txt", os.O_WRONLY|os.O_EXCL, 0o644)
	require.ErrorIs(t, err, fserror.ErrAlreadyExists)
}

func TestMkdirOverWhiteoutIsOpaque(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, nil, map[string]string{"dir/inside.txt": "lower"})

	// Deleting the merged directory then recreating the name must not bring
	// the old contents back.
	dir, _ := m.lookup(t, identity.RootID, "dir")
	require.NoError(t, m.engine.Unlink(ctx, dir.ID, "inside.txt"))
	require.NoError(t, m.engine.Rmdir(ctx, identity.RootID, "dir"))

	nd, _, err := m.engine.Mkdir(ctx, identity.RootID, "dir", 0o755)
	require.NoError(t, err)
	require.Empty(t, m.names(t, nd.ID))
}

func TestRmdirMergedNonEmpty(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, map[string]string{"dir/": ""}, map[string]string{"dir/busy.txt": "lower"})
	err := m.engine.Rmdir(ctx, identity.RootID, "dir")
	require.ErrorIs(t, err, fserror.ErrNotEmpty)
}

func TestRenameUpperFile(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, map[string]string{"old.txt": "data"}, nil)

	require.NoError(t, m.engine.Rename(ctx, identity.RootID, "old.txt", identity.RootID, "new.txt", 0))

	_, _, err := m.engine.Lookup(ctx, identity.RootID, "old.txt")
	require.ErrorIs(t, err, fserror.ErrNotFound)
	ent, _ := m.lookup(t, identity.RootID, "new.txt")
	require.Equal(t, "data", m.readFile(t, ent.ID))
}

func TestRenameLowerFileLeavesWhiteout(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, nil, map[string]string{"old.txt": "data"})

	require.NoError(t, m.engine.Rename(ctx, identity.RootID, "old.txt", identity.RootID, "new.txt", 0))

	require.Equal(t, []string{"new.txt"}, m.names(t, identity.RootID))
	_, err := os.Stat(filepath.Join(m.upper, ".wh.old.txt"))
	require.NoError(t, err)
}

func TestRenameMergedDirectoryIsEXDEV(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, nil, map[string]string{"dir/file.txt": "lower"})
	err := m.engine.Rename(ctx, identity.RootID, "dir", identity.RootID, "moved", 0)
	require.ErrorIs(t, err, unix.EXDEV)
}

func TestRenameNoReplace(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, map[string]string{"a.txt": "a", "b.txt": "b"}, nil)
	err := m.engine.Rename(ctx, identity.RootID, "a.txt", identity.RootID, "b.txt", unix.RENAME_NOREPLACE)
	require.ErrorIs(t, err, fserror.ErrAlreadyExists)
}

func TestSymlinkAndReadlink(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, nil, nil)
	ent, a, err := m.engine.Symlink(ctx, identity.RootID, "link", "target/path")
	require.NoError(t, err)
	require.Equal(t, uint32(unix.S_IFLNK), a.Mode&unix.S_IFMT)

	got, err := m.engine.Readlink(ctx, ent.ID)
	require.NoError(t, err)
	require.Equal(t, "target/path", got)
}

func TestSetAttrCopiesUp(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, nil, map[string]string{"file.txt": "data"})
	ent, _ := m.lookup(t, identity.RootID, "file.txt")

	mode := uint32(0o640)
	a, err := m.engine.SetAttr(ctx, ent.ID, union.SetAttrReq{Mode: &mode})
	require.NoError(t, err)
	require.Equal(t, mode, a.Mode&0o7777)

	fi, err := os.Stat(filepath.Join(m.upper, "file.txt"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o640), fi.Mode().Perm())

	fi, err = os.Stat(filepath.Join(m.lowers[0], "file.txt"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o644), fi.Mode().Perm())
}

func TestTruncateViaSetAttr(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, nil, map[string]string{"file.txt": "some longer content"})
	ent, _ := m.lookup(t, identity.RootID, "file.txt")

	size := int64(4)
	a, err := m.engine.SetAttr(ctx, ent.ID, union.SetAttrReq{Size: &size})
	require.NoError(t, err)
	require.Equal(t, size, a.Size)
	require.Equal(t, "some", m.readFile(t, ent.ID))
}

func TestPassthroughWithoutLowers(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, map[string]string{"plain.txt": "upper"})

	ent, _ := m.lookup(t, identity.RootID, "plain.txt")
	require.Equal(t, "upper", m.readFile(t, ent.ID))

	nd, _, err := m.engine.Mkdir(ctx, identity.RootID, "dir", 0o755)
	require.NoError(t, err)
	require.NoError(t, m.engine.Rmdir(ctx, identity.RootID, "dir"))
	_ = nd

	require.NoError(t, m.engine.Unlink(ctx, identity.RootID, "plain.txt"))
	require.Empty(t, m.names(t, identity.RootID))
}

func TestNestedCopyUpPromotesAncestors(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, nil, map[string]string{"a/b/c.txt": "deep"})

	a, _ := m.lookup(t, identity.RootID, "a")
	b, _ := m.lookup(t, a.ID, "b")
	c, _ := m.lookup(t, b.ID, "c.txt")

	f, err := m.engine.Open(ctx, c.ID, os.O_WRONLY)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("DEEP"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fi, err := os.Stat(filepath.Join(m.upper, "a", "b"))
	require.NoError(t, err)
	require.True(t, fi.IsDir())

	// Directories copied up for the ancestor chain are plain directories,
	// not opaque ones; their lower siblings must stay visible.
	require.Equal(t, []string{"b"}, m.names(t, a.ID))
}

func TestHardLinkCopiesUpSource(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, nil, map[string]string{"orig.txt": "data"})
	ent, _ := m.lookup(t, identity.RootID, "orig.txt")

	le, la, err := m.engine.Link(ctx, ent.ID, identity.RootID, "link.txt")
	require.NoError(t, err)
	require.Equal(t, uint64(2), la.Nlink)
	require.Equal(t, "data", m.readFile(t, le.ID))

	var st1, st2 unix.Stat_t
	require.NoError(t, unix.Stat(filepath.Join(m.upper, "orig.txt"), &st1))
	require.NoError(t, unix.Stat(filepath.Join(m.upper, "link.txt"), &st2))
	require.Equal(t, st1.Ino, st2.Ino)
}

func TestCreateWithAppendFlag(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, nil, nil)

	// Append-mode opens are common (log files); content I/O stays
	// positional, so the flag must not poison the returned handle.
	_, _, f, err := m.engine.Create(ctx, identity.RootID, "log.txt", os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("AAAA"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := os.ReadFile(filepath.Join(m.upper, "log.txt"))
	require.NoError(t, err)
	require.Equal(t, "AAAA", string(got))
}

func TestCreateAppendOnExistingLowerFile(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, nil, map[string]string{"log.txt": "old"})

	_, _, f, err := m.engine.Create(ctx, identity.RootID, "log.txt", os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("NEW"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestOpaqueLowerRootCutsDeeperLayers(t *testing.T) {
	m := newTestMount(t, nil,
		map[string]string{".wh..wh..opq": "", "keep.txt": "kept"},
		map[string]string{"leak.txt": "leak"},
	)
	require.Equal(t, []string{"keep.txt"}, m.names(t, identity.RootID))
	_, _, err := m.engine.Lookup(context.Background(), identity.RootID, "leak.txt")
	require.ErrorIs(t, err, fserror.ErrNotFound)
}

func TestSymlinkCopyUpKeepsTimestamps(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, nil, map[string]string{"target.txt": "x"})

	link := filepath.Join(m.lowers[0], "link")
	require.NoError(t, os.Symlink("target.txt", link))
	mt := time.Unix(1234500000, 0)
	ts := []unix.Timespec{unix.NsecToTimespec(mt.UnixNano()), unix.NsecToTimespec(mt.UnixNano())}
	require.NoError(t, unix.UtimesNanoAt(unix.AT_FDCWD, link, ts, unix.AT_SYMLINK_NOFOLLOW))

	// Renaming a lower-backed symlink promotes it into the writable layer.
	require.NoError(t, m.engine.Rename(ctx, identity.RootID, "link", identity.RootID, "link2", 0))

	fi, err := os.Lstat(filepath.Join(m.upper, "link2"))
	require.NoError(t, err)
	require.True(t, fi.ModTime().Equal(mt), "mtime %v, want %v", fi.ModTime(), mt)
}

// setXattrOrSkip sets a user xattr on path, skipping the test on
// filesystems without user xattr support.
func setXattrOrSkip(t *testing.T, path, attr string, value []byte) {
	t.Helper()
	err := unix.Setxattr(path, attr, value, 0)
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOTSUP) {
		t.Skipf("user xattrs not supported under %s", filepath.Dir(path))
	}
	require.NoError(t, err)
}

func TestCopyUpCarriesXattrs(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, nil, map[string]string{"file.txt": "data"})
	setXattrOrSkip(t, filepath.Join(m.lowers[0], "file.txt"), "user.origin", []byte("lower"))

	ent, _ := m.lookup(t, identity.RootID, "file.txt")
	f, err := m.engine.Open(ctx, ent.ID, os.O_WRONLY)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := m.engine.GetXattr(ctx, ent.ID, "user.origin")
	require.NoError(t, err)
	require.Equal(t, []byte("lower"), got)

	buf := make([]byte, 16)
	n, err := unix.Getxattr(filepath.Join(m.upper, "file.txt"), "user.origin", buf)
	require.NoError(t, err)
	require.Equal(t, "lower", string(buf[:n]))
}

func TestSetXattrCopiesUp(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, nil, map[string]string{"file.txt": "data"})
	canary := filepath.Join(m.upper, "canary")
	require.NoError(t, os.WriteFile(canary, nil, 0o600))
	setXattrOrSkip(t, canary, "user.canary", nil)
	require.NoError(t, os.Remove(canary))

	ent, _ := m.lookup(t, identity.RootID, "file.txt")
	require.NoError(t, m.engine.SetXattr(ctx, ent.ID, "user.note", []byte("v1"), 0))
	require.Equal(t, 0, ent.Backing().LayerIdx)

	got, err := m.engine.GetXattr(ctx, ent.ID, "user.note")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	// The read-only source did not grow the attribute.
	buf := make([]byte, 16)
	_, err = unix.Getxattr(filepath.Join(m.lowers[0], "file.txt"), "user.note", buf)
	require.Error(t, err)

	require.NoError(t, m.engine.RemoveXattr(ctx, ent.ID, "user.note"))
	_, err = m.engine.GetXattr(ctx, ent.ID, "user.note")
	require.Error(t, err)
}
