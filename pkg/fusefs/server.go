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

package fusefs

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/overfs/overfs/pkg/union"
)

// ServerOptions tunes the protocol server.
type ServerOptions struct {
	// Debug dumps the raw request stream to the log.
	Debug bool
	// AllowOther lets users other than the mounting one through. It needs
	// user_allow_other in fuse.conf when running unprivileged.
	AllowOther bool
	// FsName is the device column reported for the mount.
	FsName string
}

// Server is a mounted filesystem: the protocol loop plus the engine behind
// it.
type Server struct {
	srv    *fuse.Server
	engine *union.Engine
	mount  string
}

// Mount wires the engine to a kernel mountpoint and starts serving in the
// background. The returned server is live once Mount returns.
func Mount(ctx context.Context, engine *union.Engine, mountpoint string, opts ServerOptions) (*Server, error) {
	raw := NewRaw(ctx, engine)
	fsName := opts.FsName
	if fsName == "" {
		fsName = "overfs"
	}
	srv, err := fuse.NewServer(raw, mountpoint, &fuse.MountOptions{
		Name:       "overfs",
		FsName:     fsName,
		AllowOther: opts.AllowOther,
		Debug:      opts.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("mounting at %s: %w", mountpoint, err)
	}
	go srv.Serve()
	if err := srv.WaitMount(); err != nil {
		return nil, fmt.Errorf("waiting for mount at %s: %w", mountpoint, err)
	}
	clog.FromContext(ctx).Info("mounted", "mountpoint", mountpoint)
	return &Server{srv: srv, engine: engine, mount: mountpoint}, nil
}

// Wait blocks until the filesystem is unmounted.
func (s *Server) Wait() {
	s.srv.Wait()
}

// Unmount detaches the mountpoint and stops the protocol loop. The engine's
// handles are released once the loop has drained.
func (s *Server) Unmount(ctx context.Context) error {
	if err := s.srv.Unmount(); err != nil {
		return fmt.Errorf("unmounting %s: %w", s.mount, err)
	}
	s.srv.Wait()
	s.engine.Close(ctx)
	clog.FromContext(ctx).Info("unmounted", "mountpoint", s.mount)
	return nil
}
