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

// Package bind manages the lifecycle of bind mounts placed under a managed
// root directory. Every detach re-derives the mount target from scratch and
// refuses to touch anything that is not a strict descendant of the root, so
// a stale record can never unmount a path outside the tree it manages.
package bind

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"golang.org/x/sys/unix"

	"github.com/overfs/overfs/pkg/fserror"
	"github.com/overfs/overfs/pkg/platform"
)

// State tracks where a mount record is in its lifecycle.
type State int

const (
	StateUnmounted State = iota
	StateMounting
	StateMounted
	StateUnmounting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnmounted:
		return "unmounted"
	case StateMounting:
		return "mounting"
	case StateMounted:
		return "mounted"
	case StateUnmounting:
		return "unmounting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Mount is one managed bind mount.
type Mount struct {
	// Name is the target path relative to the managed root.
	Name string
	// Source is the canonicalized bind source captured at attach time.
	Source string
	// ReadOnly marks mounts remounted read-only after binding.
	ReadOnly bool

	state State
}

// State reports the record's lifecycle state. Callers must hold the
// manager's lock indirectly via Mounts().
func (m *Mount) State() State { return m.state }

// Manager owns the bind mounts beneath one root directory. Attach order is
// remembered so DetachAll can unwind in reverse.
type Manager struct {
	mounter platform.Mounter
	root    string // canonicalized at construction

	mu     sync.Mutex
	mounts []*Mount
}

// NewManager canonicalizes root and returns a manager for the bind mounts
// beneath it. The root must already exist.
func NewManager(mounter platform.Mounter, root string) (*Manager, error) {
	croot, err := mounter.Canonicalize(root)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing mount root: %w", err)
	}
	fi, err := os.Stat(croot)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("mount root %s: %w", croot, fserror.ErrNotADirectory)
	}
	return &Manager{mounter: mounter, root: croot}, nil
}

// Root returns the canonicalized managed root.
func (m *Manager) Root() string { return m.root }

// Mounts returns a snapshot of the current records in attach order.
func (m *Manager) Mounts() []Mount {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Mount, len(m.mounts))
	for i, rec := range m.mounts {
		out[i] = *rec
	}
	return out
}

// validName rejects names that could step outside the managed root. The
// containment check at detach time is the real guard; this keeps obviously
// bad configuration from ever creating a record.
func validName(name string) error {
	if name == "" || name == "." {
		return fmt.Errorf("empty mount name")
	}
	if filepath.IsAbs(name) {
		return fmt.Errorf("mount name %q is absolute", name)
	}
	for _, comp := range strings.Split(filepath.ToSlash(name), "/") {
		if comp == ".." {
			return fmt.Errorf("mount name %q escapes the mount root", name)
		}
	}
	return nil
}

// Attach bind-mounts source at root/name, creating the target directory if
// needed. The source path is canonicalized exactly once, here; the resolved
// path is what gets mounted and recorded.
func (m *Manager) Attach(ctx context.Context, name, source string, readOnly bool) error {
	ctx, span := otel.Tracer("overfs").Start(ctx, "bind.Attach")
	defer span.End()
	log := clog.FromContext(ctx)

	if err := validName(name); err != nil {
		return err
	}
	csource, err := m.mounter.Canonicalize(source)
	if err != nil {
		return fmt.Errorf("canonicalizing bind source %s: %w", source, err)
	}
	fi, err := os.Stat(csource)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("bind source %s: %w", csource, fserror.ErrNotADirectory)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.mounts {
		if rec.Name == name && rec.state != StateUnmounted {
			return fmt.Errorf("mount %q: %w", name, fserror.ErrAlreadyExists)
		}
	}

	rec := &Mount{Name: name, Source: csource, ReadOnly: readOnly, state: StateMounting}
	m.mounts = append(m.mounts, rec)

	target := filepath.Join(m.root, filepath.FromSlash(name))
	if err := os.MkdirAll(target, 0o755); err != nil {
		rec.state = StateFailed
		return fmt.Errorf("creating mount target: %w", err)
	}
	if err := m.mounter.BindMount(csource, target, readOnly); err != nil {
		rec.state = StateFailed
		return fmt.Errorf("binding %s at %s: %w", csource, target, err)
	}
	rec.state = StateMounted
	log.Info("attached bind mount", "name", name, "source", csource, "read-only", readOnly)
	return nil
}

// Detach unmounts root/name. The target is re-canonicalized at call time and
// must resolve to a strict descendant of the (also re-canonicalized) root;
// otherwise the record is left alone and a ContainmentError is returned. The
// unmount itself is non-lazy first, with exactly one lazy retry if the mount
// is busy.
func (m *Manager) Detach(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.mounts {
		if rec.Name == name && rec.state == StateMounted {
			return m.detachLocked(ctx, rec)
		}
	}
	return fmt.Errorf("mount %q: %w", name, fserror.ErrNotFound)
}

func (m *Manager) detachLocked(ctx context.Context, rec *Mount) error {
	ctx, span := otel.Tracer("overfs").Start(ctx, "bind.Detach")
	defer span.End()
	log := clog.FromContext(ctx).With("name", rec.Name)

	rec.state = StateUnmounting

	// Nothing from attach time is trusted here. Both paths are re-resolved
	// against the live filesystem so a root or target swapped since attach
	// fails containment instead of unmounting whatever sits there now.
	croot, err := m.mounter.Canonicalize(m.root)
	if err != nil {
		rec.state = StateFailed
		return fmt.Errorf("re-canonicalizing mount root: %w", err)
	}
	target, err := m.mounter.Canonicalize(filepath.Join(m.root, filepath.FromSlash(rec.Name)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The target vanished; there is nothing mounted to detach.
			rec.state = StateUnmounted
			log.Debug("detach target gone")
			return nil
		}
		rec.state = StateFailed
		return fmt.Errorf("re-canonicalizing detach target: %w", err)
	}
	if !strictDescendant(croot, target) {
		rec.state = StateFailed
		cerr := &fserror.ContainmentError{Mount: rec.Name, Target: target, Root: croot}
		log.Error("refusing detach outside mount root", "target", target, "root", croot)
		return cerr
	}

	err = m.mounter.Unmount(target, false)
	if errors.Is(err, unix.EBUSY) {
		// One lazy retry. The mount point detaches from the tree now and the
		// kernel finishes the teardown when the last user goes away.
		log.Warn("mount busy, detaching lazily")
		err = m.mounter.Unmount(target, true)
	}
	switch {
	case err == nil, errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOENT):
		// EINVAL and ENOENT mean nothing (any longer) mounted there.
		rec.state = StateUnmounted
		log.Info("detached bind mount")
		return nil
	case errors.Is(err, unix.EBUSY):
		rec.state = StateFailed
		return fmt.Errorf("unmounting %s: %w", target, fserror.ErrMountBusy)
	default:
		rec.state = StateFailed
		return fmt.Errorf("unmounting %s: %w", target, err)
	}
}

// DetachAll unwinds every mounted record in reverse attach order. One failed
// detach does not stop the rest; all errors are reported together.
func (m *Manager) DetachAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for i := len(m.mounts) - 1; i >= 0; i-- {
		rec := m.mounts[i]
		if rec.state != StateMounted {
			continue
		}
		if err := m.detachLocked(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("detaching %q: %w", rec.Name, err))
		}
	}
	return errors.Join(errs...)
}

// strictDescendant reports whether path lies strictly below root. The root
// itself does not qualify; unmounting the root is never what a bind record
// describes.
func strictDescendant(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}
