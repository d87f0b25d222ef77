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

// Package identity maps protocol-visible 64-bit object identifiers to
// backing-layer locations. Identity is derived from live handles, never from
// paths, so it survives renames and cannot be redirected by a concurrent
// path swap. Entries are ref-counted by client lookups and destroyed when
// the count drops to zero.
package identity

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/overfs/overfs/pkg/fserror"
	"github.com/overfs/overfs/pkg/platform"
)

// RootID is the protocol identifier of the filesystem root.
const RootID uint64 = 1

// Backing locates the real object behind an identity: the index of the
// defining layer (0 is the writable layer) and an open handle into it.
type Backing struct {
	LayerIdx int
	Handle   platform.Handle
}

// Entry is one live object identity.
type Entry struct {
	// ID is immutable for the lifetime of the entry and never reused for a
	// different backing object while the entry is live.
	ID uint64

	// Generation disambiguates reuse of the same protocol ID slot across
	// entry lifetimes, the way NFS-style generation numbers do.
	Generation uint64

	// mu serializes the copy-up backing swap and structural mutations of
	// this object. Content I/O does not take it.
	mu sync.Mutex

	// Tree position, maintained by the engine on lookup/rename. The root
	// has a nil parent. Guarded by the store lock.
	parent *Entry
	name   string

	// bmu guards the backing location fields below. Readers resolving
	// attributes or content do not take mu, so the copy-up swap must be
	// ordered against them separately.
	bmu     sync.RWMutex
	key     platform.Key
	stable  []byte // kernel file handle bytes; nil in degraded mode
	backing Backing
	retired Backing // pre-copy-up backing, held open until the entry dies

	refs int64
}

// Lock serializes mutating operations against this identity.
func (e *Entry) Lock() { e.mu.Lock() }

// Unlock releases Lock.
func (e *Entry) Unlock() { e.mu.Unlock() }

// Backing returns the current backing location. The returned handle stays
// open for the entry's lifetime even if a copy-up swaps the backing after
// this read; callers that need the value to stay coherent across a mutation
// must hold the entry lock.
func (e *Entry) Backing() Backing {
	e.bmu.RLock()
	defer e.bmu.RUnlock()
	return e.backing
}

// Key returns the object key the entry was registered under.
func (e *Entry) Key() platform.Key {
	e.bmu.RLock()
	defer e.bmu.RUnlock()
	return e.key
}

// Store owns all live identities. It holds non-owning references into the
// layer stack; the open handles it carries are released when entries die.
type Store struct {
	fs platform.FS

	mu     sync.Mutex
	nextID uint64
	gen    uint64
	byID   map[uint64]*Entry
	byKey  map[platform.Key]*Entry
}

// NewStore creates an empty store and registers the root entry for the given
// writable-layer root handle.
func NewStore(fs platform.FS, root platform.Handle) (*Store, error) {
	s := &Store{
		fs:     fs,
		nextID: RootID,
		byID:   make(map[uint64]*Entry),
		byKey:  make(map[platform.Key]*Entry),
	}
	key, stable, err := fs.StableKey(root)
	if err != nil {
		return nil, fmt.Errorf("deriving root identity: %w", err)
	}
	e := &Entry{
		ID:      RootID,
		key:     key,
		stable:  stable,
		refs:    1, // the root is pinned for the process lifetime
		backing: Backing{LayerIdx: 0, Handle: root},
		retired: Backing{Handle: platform.NoHandle},
	}
	s.byID[RootID] = e
	s.byKey[key] = e
	s.nextID = RootID + 1
	return s, nil
}

// Register allocates an identity for (layer, handle), or returns the
// existing one if the object key is already tracked, bumping its reference
// count either way. On dedupe the passed handle is closed: the store keeps
// exactly one handle per live object.
func (s *Store) Register(layerIdx int, h platform.Handle, parent *Entry, name string) (*Entry, error) {
	key, stable, err := s.fs.StableKey(h)
	if err != nil {
		s.fs.Close(h)
		return nil, fmt.Errorf("deriving identity key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.byKey[key]; ok {
		// Same real object. If the kernel handle bytes disagree the inode
		// number was recycled under us; the cached entry is poison.
		if e.stable != nil && stable != nil && !bytes.Equal(e.stable, stable) {
			s.fs.Close(h)
			return nil, fmt.Errorf("register %q: %w", name, fserror.ErrIdentityMismatch)
		}
		e.refs++
		e.parent = parent
		e.name = name
		s.fs.Close(h)
		return e, nil
	}

	s.gen++
	e := &Entry{
		ID:         s.nextID,
		Generation: s.gen,
		parent:     parent,
		name:       name,
		key:        key,
		stable:     stable,
		refs:       1,
		backing:    Backing{LayerIdx: layerIdx, Handle: h},
		retired:    Backing{Handle: platform.NoHandle},
	}
	s.nextID++
	s.byID[e.ID] = e
	s.byKey[key] = e
	return e, nil
}

// Resolve maps an identifier back to its entry, re-validating that the held
// handle still refers to the object it was registered for. A recycled or
// unknown identifier fails with ErrIdentityMismatch and is never trusted.
func (s *Store) Resolve(id uint64) (*Entry, error) {
	s.mu.Lock()
	e, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("resolve %d: %w", id, fserror.ErrIdentityMismatch)
	}
	// Snapshot the handle and its expected key together, so a concurrent
	// copy-up swap cannot pair one backing's handle with the other's key.
	e.bmu.RLock()
	h, key := e.backing.Handle, e.key
	e.bmu.RUnlock()
	a, err := s.fs.Stat(h)
	if err != nil {
		return nil, fmt.Errorf("resolve %d: %w", id, err)
	}
	if a.Key != key {
		return nil, fmt.Errorf("resolve %d: key %v became %v: %w", id, key, a.Key, fserror.ErrIdentityMismatch)
	}
	return e, nil
}

// Forget decrements the reference count by n and destroys the entry when it
// reaches zero, releasing its open handle.
func (s *Store) Forget(id uint64, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok || id == RootID {
		return
	}
	e.refs -= int64(n)
	if e.refs > 0 {
		return
	}
	delete(s.byID, id)
	if cur, ok := s.byKey[e.key]; ok && cur == e {
		delete(s.byKey, e.key)
	}
	s.fs.Close(e.backing.Handle)
	if e.retired.Handle != platform.NoHandle {
		s.fs.Close(e.retired.Handle)
	}
}

// SwapBacking atomically replaces the backing reference of an entry after a
// completed copy-up, re-keying the store to the new object. The caller must
// hold the entry lock. The old handle is retired, not closed: a reader that
// loaded the previous Backing may still be mid-fstat on it, so it stays open
// until the entry dies. Copy-up runs at most once per entry, so at most one
// handle is ever retired.
func (s *Store) SwapBacking(e *Entry, b Backing) error {
	key, stable, err := s.fs.StableKey(b.Handle)
	if err != nil {
		return fmt.Errorf("re-keying after copy-up: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.byKey[e.key]; ok && cur == e {
		delete(s.byKey, e.key)
	}
	e.bmu.Lock()
	e.retired = e.backing
	e.backing = b
	e.key = key
	e.stable = stable
	e.bmu.Unlock()
	s.byKey[key] = e
	return nil
}

// Rename records the new tree position of an entry.
func (s *Store) Rename(e *Entry, parent *Entry, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.parent = parent
	e.name = name
}

// Path reconstructs the layer-relative path of an entry ("." for the root).
// Hard links collapse onto whichever name the entry was last looked up by.
func (s *Store) Path(e *Entry) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.parent == nil {
		return "."
	}
	var parts []string
	for cur := e; cur.parent != nil; cur = cur.parent {
		parts = append(parts, cur.name)
	}
	// reverse into a path
	out := ""
	for i := len(parts) - 1; i >= 0; i-- {
		if out == "" {
			out = parts[i]
		} else {
			out += "/" + parts[i]
		}
	}
	return out
}

// Parent returns the recorded parent entry and name.
func (s *Store) Parent(e *Entry) (*Entry, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.parent, e.name
}

// Live reports the number of live identities, for shutdown diagnostics.
func (s *Store) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Close releases every held handle. Only valid after the protocol loop has
// stopped dispatching.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.byID {
		s.fs.Close(e.backing.Handle)
		if e.retired.Handle != platform.NoHandle {
			s.fs.Close(e.retired.Handle)
		}
		delete(s.byID, id)
	}
	s.byKey = make(map[platform.Key]*Entry)
}
