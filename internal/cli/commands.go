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
	"log/slog"
	"os"

	"github.com/chainguard-dev/clog/slag"
	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"sigs.k8s.io/release-utils/version"
)

func New() *cobra.Command {
	var verbose int
	var quiet bool
	level := slag.Level(slog.LevelInfo)

	cmd := &cobra.Command{
		Use:               "overfs",
		Short:             "User-space union filesystem",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if quiet {
				level = slag.Level(slog.LevelError)
			} else if verbose > 0 {
				if verbose == 1 {
					level = slag.Level(slog.LevelDebug)
				} else {
					level = slag.Level(slog.LevelDebug - 1)
				}
			}

			slog.SetDefault(slog.New(charmlog.NewWithOptions(os.Stderr, charmlog.Options{
				ReportTimestamp: true,
				Level:           charmlog.Level(level),
			})))
		},
	}

	cmd.AddCommand(mount())
	cmd.AddCommand(showConfig())
	cmd.AddCommand(unpack())
	cmd.AddCommand(version.Version())

	cmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "Print more information (can be specified twice)")
	cmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Print less information")
	return cmd
}
