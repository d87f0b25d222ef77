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

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/overfs/overfs/pkg/bind"
	"github.com/overfs/overfs/pkg/config"
	"github.com/overfs/overfs/pkg/fusefs"
	"github.com/overfs/overfs/pkg/layer"
	"github.com/overfs/overfs/pkg/platform"
	"github.com/overfs/overfs/pkg/union"
)

func mount() *cobra.Command {
	var debug bool
	var allowOther bool

	cmd := &cobra.Command{
		Use:   "mount",
		Short: "Mount the merged view described by a YAML config file",
		Long: `Mount the merged view described by a YAML config file.

The command blocks until the mount is interrupted or unmounted
externally, then detaches its bind mounts and tears the mount down.
`,
		Example: `  overfs mount config.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return MountCmd(cmd.Context(), args[0], debug, allowOther)
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "dump the raw request stream to the log")
	cmd.Flags().BoolVar(&allowOther, "allow-other", false, "let other users access the mount (needs user_allow_other in fuse.conf)")
	return cmd
}

func MountCmd(ctx context.Context, configPath string, debug, allowOther bool) error {
	ctx, span := otel.Tracer("overfs").Start(ctx, "mount")
	defer span.End()
	log := clog.FromContext(ctx)

	var cfg config.Config
	if err := cfg.Load(configPath); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Summarize(log.Debugf)

	pfs := platform.New()
	stack, err := layer.Open(pfs, cfg.Upper, cfg.Lower)
	if err != nil {
		return fmt.Errorf("opening layer stack: %w", err)
	}
	engine, err := union.New(pfs, stack)
	if err != nil {
		stack.Close()
		return err
	}

	srv, err := fusefs.Mount(ctx, engine, cfg.Mountpoint, fusefs.ServerOptions{
		Debug:      debug,
		AllowOther: allowOther,
	})
	if err != nil {
		engine.Close(ctx)
		stack.Close()
		return err
	}

	binds, err := bind.NewManager(platform.NewMounter(), cfg.Mountpoint)
	if err == nil {
		for _, b := range cfg.Binds {
			if err = binds.Attach(ctx, b.Name, b.Source, b.ReadOnly); err != nil {
				break
			}
		}
	}
	if err != nil {
		// Partial setup never stays mounted.
		teardown := context.WithoutCancel(ctx)
		if binds != nil {
			if derr := binds.DetachAll(teardown); derr != nil {
				log.Error("detaching bind mounts during rollback", "error", derr)
			}
		}
		if uerr := srv.Unmount(teardown); uerr != nil {
			log.Error("unmounting during rollback", "error", uerr)
		}
		stack.Close()
		return err
	}

	served := make(chan struct{})
	go func() {
		srv.Wait()
		close(served)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		teardown := context.WithoutCancel(ctx)
		derr := binds.DetachAll(teardown)
		uerr := srv.Unmount(teardown)
		return errors.Join(derr, uerr, stack.Close())
	case <-served:
		// Unmounted externally (fusermount -u); the kernel mount is gone
		// but the binds and the engine's handles are still ours to release.
		log.Info("mount detached externally")
		derr := binds.DetachAll(ctx)
		engine.Close(ctx)
		return errors.Join(derr, stack.Close())
	}
}
