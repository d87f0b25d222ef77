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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/overfs/overfs/pkg/tarx"
)

func unpack() *cobra.Command {
	var dest string
	var jobs int

	cmd := &cobra.Command{
		Use:   "unpack",
		Short: "Unpack layer tarballs into layer directories",
		Long: `Unpack layer tarballs into layer directories.

Each archive is extracted into its own directory beneath --dest, named
after the archive. Whiteout marker files inside the archives are kept as
files, so the resulting directories can be used directly as read-only
layers.
`,
		Example: `  overfs unpack --dest ./layers base.tar.gz app.tar.gz`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return UnpackCmd(cmd.Context(), dest, jobs, args)
		},
	}

	cmd.Flags().StringVarP(&dest, "dest", "d", ".", "directory to hold the layer directories")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 4, "number of archives to unpack in parallel")
	return cmd
}

func UnpackCmd(ctx context.Context, dest string, jobs int, archives []string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	dirs := make(map[string]bool)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for _, archive := range archives {
		dir := filepath.Join(dest, layerDirName(archive))
		if dirs[dir] {
			return fmt.Errorf("archives %q collide on layer directory %s", archive, dir)
		}
		dirs[dir] = true

		archive := archive
		g.Go(func() error {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			if err := tarx.UnpackFile(ctx, archive, dir); err != nil {
				return fmt.Errorf("unpacking %s: %w", archive, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func layerDirName(archive string) string {
	base := filepath.Base(archive)
	for _, suffix := range []string{".tar.gz", ".tgz", ".tar"} {
		if strings.HasSuffix(base, suffix) {
			return strings.TrimSuffix(base, suffix)
		}
	}
	return base
}
