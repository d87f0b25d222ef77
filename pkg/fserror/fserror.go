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

// Package fserror defines the error taxonomy shared by the engine components.
// Errors are wrapped with fmt.Errorf("...: %w", ...) as they propagate and
// only translated to protocol failure codes at the FUSE boundary.
package fserror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("no such file or directory")
	ErrPermissionDenied = errors.New("permission denied")
	ErrAlreadyExists    = errors.New("file already exists")
	ErrNotADirectory    = errors.New("not a directory")
	ErrIsADirectory     = errors.New("is a directory")
	ErrNotEmpty         = errors.New("directory not empty")
	ErrReadOnlyLayer    = errors.New("read-only layer")

	// ErrIdentityMismatch reports that a cached handle no longer refers to
	// the object it was registered for, e.g. because the underlying inode
	// number was recycled. Callers must re-resolve, never trust the handle.
	ErrIdentityMismatch = errors.New("stale identity: cached handle disagrees with live object")

	// ErrMountBusy reports that an unmount target is busy. It is the only
	// error in the taxonomy that triggers a (single) retry.
	ErrMountBusy = errors.New("mount target busy")
)

// CopyUpError wraps the underlying I/O cause of a failed copy-up. The
// read-only source and the previous identity mapping are guaranteed
// untouched when one of these is returned.
type CopyUpError struct {
	Path string
	Err  error
}

func (e *CopyUpError) Error() string {
	return fmt.Sprintf("copy-up of %s failed: %v", e.Path, e.Err)
}

func (e *CopyUpError) Unwrap() error { return e.Err }

// ContainmentError reports that a bind mount's canonicalized target escaped
// the managed mountpoint root. It is security relevant: the unmount syscall
// was skipped and the mount left exactly as found.
type ContainmentError struct {
	Mount  string
	Target string
	Root   string
}

func (e *ContainmentError) Error() string {
	return fmt.Sprintf("bind mount %q: canonicalized target %s is outside mountpoint root %s, refusing to unmount",
		e.Mount, e.Target, e.Root)
}

// ConfigError reports a malformed layer-stack or bind-mount specification.
// Configuration errors are fatal at startup, before any mount occurs.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
