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
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// File is an open content handle returned by Open/Create. All I/O is
// positional; the protocol supplies explicit offsets.
type File struct {
	f *os.File
}

// ReadAt reads up to len(p) bytes at off. A short read at end of file is
// reported with n < len(p) and no error.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.f.ReadAt(p, off)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// WriteAt writes p at off.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	return f.f.WriteAt(p, off)
}

// Fsync flushes file content (and metadata) to stable storage.
func (f *File) Fsync() error {
	return f.f.Sync()
}

// Fallocate manipulates file space per fallocate(2).
func (f *File) Fallocate(mode uint32, off, length int64) error {
	return unix.Fallocate(int(f.f.Fd()), mode, off, length)
}

// Fd exposes the descriptor for zero-copy protocol reads.
func (f *File) Fd() uintptr { return f.f.Fd() }

// Close releases the handle.
func (f *File) Close() error {
	return f.f.Close()
}
