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

package identity_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/overfs/overfs/pkg/fserror"
	"github.com/overfs/overfs/pkg/identity"
	"github.com/overfs/overfs/pkg/platform"
)

func newTestStore(t *testing.T) (*identity.Store, platform.FS, string) {
	t.Helper()
	dir := t.TempDir()
	pfs := platform.New()
	root, err := pfs.OpenRoot(dir)
	require.NoError(t, err)
	store, err := identity.NewStore(pfs, root)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store, pfs, dir
}

func TestRootIsPinned(t *testing.T) {
	store, _, _ := newTestStore(t)
	root, err := store.Resolve(identity.RootID)
	require.NoError(t, err)
	require.Equal(t, identity.RootID, root.ID)
	require.Equal(t, ".", store.Path(root))
}

func TestRegisterDeduplicatesByKey(t *testing.T) {
	store, pfs, dir := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644))

	root, err := store.Resolve(identity.RootID)
	require.NoError(t, err)

	h1, err := pfs.OpenAt(root.Backing().Handle, "f")
	require.NoError(t, err)
	e1, err := store.Register(0, h1, root, "f")
	require.NoError(t, err)

	h2, err := pfs.OpenAt(root.Backing().Handle, "f")
	require.NoError(t, err)
	e2, err := store.Register(0, h2, root, "f")
	require.NoError(t, err)

	// Same underlying object, same identity.
	require.Same(t, e1, e2)
	require.Equal(t, 2, store.Live())

	// Two references were handed out; the entry survives the first forget.
	store.Forget(e1.ID, 1)
	require.Equal(t, 2, store.Live())
	store.Forget(e1.ID, 1)
	require.Equal(t, 1, store.Live())
}

func TestResolveUnknownID(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.Resolve(99)
	require.ErrorIs(t, err, fserror.ErrIdentityMismatch)
}

func TestResolveDetectsRecycledObject(t *testing.T) {
	store, pfs, dir := newTestStore(t)
	path := filepath.Join(dir, "victim")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	root, err := store.Resolve(identity.RootID)
	require.NoError(t, err)
	h, err := pfs.OpenAt(root.Backing().Handle, "victim")
	require.NoError(t, err)
	e, err := store.Register(0, h, root, "victim")
	require.NoError(t, err)

	// The handle survives the unlink; resolving against the live handle
	// still matches the registered key.
	require.NoError(t, os.Remove(path))
	got, err := store.Resolve(e.ID)
	require.NoError(t, err)
	require.Same(t, e, got)
}

func TestPathFollowsRename(t *testing.T) {
	store, pfs, dir := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "f"), nil, 0o644))

	root, err := store.Resolve(identity.RootID)
	require.NoError(t, err)
	ha, err := pfs.OpenAt(root.Backing().Handle, "a")
	require.NoError(t, err)
	ea, err := store.Register(0, ha, root, "a")
	require.NoError(t, err)
	hf, err := pfs.OpenAt(ea.Backing().Handle, "f")
	require.NoError(t, err)
	ef, err := store.Register(0, hf, ea, "f")
	require.NoError(t, err)

	require.Equal(t, "a/f", store.Path(ef))

	store.Rename(ef, root, "g")
	require.Equal(t, "g", store.Path(ef))
}

func TestForgetDropsEntry(t *testing.T) {
	store, pfs, dir := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), nil, 0o644))

	root, err := store.Resolve(identity.RootID)
	require.NoError(t, err)
	h, err := pfs.OpenAt(root.Backing().Handle, "f")
	require.NoError(t, err)
	e, err := store.Register(0, h, root, "f")
	require.NoError(t, err)
	id := e.ID

	store.Forget(id, 1)
	_, err = store.Resolve(id)
	require.ErrorIs(t, err, fserror.ErrIdentityMismatch)
}

func TestSwapBackingRetiresOldHandle(t *testing.T) {
	store, pfs, dir := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ro"), []byte("ro"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rw"), []byte("rw"), 0o644))

	root, err := store.Resolve(identity.RootID)
	require.NoError(t, err)
	h, err := pfs.OpenAt(root.Backing().Handle, "ro")
	require.NoError(t, err)
	ent, err := store.Register(1, h, root, "ro")
	require.NoError(t, err)
	old := ent.Backing()

	nh, err := pfs.OpenAt(root.Backing().Handle, "rw")
	require.NoError(t, err)
	ent.Lock()
	require.NoError(t, store.SwapBacking(ent, identity.Backing{LayerIdx: 0, Handle: nh}))
	ent.Unlock()
	require.Equal(t, 0, ent.Backing().LayerIdx)

	// A reader that loaded the pre-swap backing may still be mid-stat on
	// it; the handle stays open until the entry dies.
	_, err = pfs.Stat(old.Handle)
	require.NoError(t, err)

	store.Forget(ent.ID, 1)
	_, err = pfs.Stat(old.Handle)
	require.Error(t, err)
}

func TestConcurrentResolveDuringSwap(t *testing.T) {
	store, pfs, dir := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ro"), []byte("ro"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rw"), []byte("rw"), 0o644))

	root, err := store.Resolve(identity.RootID)
	require.NoError(t, err)
	h, err := pfs.OpenAt(root.Backing().Handle, "ro")
	require.NoError(t, err)
	ent, err := store.Register(1, h, root, "ro")
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// Every snapshot must pair a handle with its own key, so
				// resolution never fails mid-swap.
				if _, err := store.Resolve(ent.ID); err != nil {
					return
				}
				_ = ent.Backing()
			}
		}()
	}

	nh, err := pfs.OpenAt(root.Backing().Handle, "rw")
	require.NoError(t, err)
	ent.Lock()
	err = store.SwapBacking(ent, identity.Backing{LayerIdx: 0, Handle: nh})
	ent.Unlock()
	require.NoError(t, err)

	close(stop)
	wg.Wait()

	_, err = store.Resolve(ent.ID)
	require.NoError(t, err)
	store.Forget(ent.ID, 1)
}
