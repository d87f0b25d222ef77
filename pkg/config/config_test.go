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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/overfs/overfs/pkg/fserror"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mountpoint: /mnt/union
upper: /var/lib/overfs/upper
lower:
  - /var/lib/overfs/layers/app
  - /var/lib/overfs/layers/base
binds:
  - name: data
    source: /srv/data
  - name: cache/pkg
    source: /var/cache/pkg
    read-only: true
`), 0o644))

	var cfg Config
	require.NoError(t, cfg.Load(path))
	require.NoError(t, cfg.Validate())

	require.Equal(t, "/mnt/union", cfg.Mountpoint)
	require.Equal(t, "/var/lib/overfs/upper", cfg.Upper)
	require.Equal(t, []string{"/var/lib/overfs/layers/app", "/var/lib/overfs/layers/base"}, cfg.Lower)
	require.Len(t, cfg.Binds, 2)
	require.True(t, cfg.Binds[1].ReadOnly)
}

func TestLoadMissingFile(t *testing.T) {
	var cfg Config
	require.Error(t, cfg.Load(filepath.Join(t.TempDir(), "nope.yaml")))
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mountpoint: [unclosed"), 0o644))
	var cfg Config
	require.Error(t, cfg.Load(path))
}

func TestValidate(t *testing.T) {
	valid := Config{
		Mountpoint: "/mnt/union",
		Upper:      "/upper",
		Lower:      []string{"/lower"},
		Binds:      []Bind{{Name: "data", Source: "/srv/data"}},
	}

	for _, tc := range []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty mountpoint", func(c *Config) { c.Mountpoint = "" }, "mountpoint"},
		{"relative mountpoint", func(c *Config) { c.Mountpoint = "mnt" }, "mountpoint"},
		{"empty upper", func(c *Config) { c.Upper = "" }, "upper"},
		{"relative lower", func(c *Config) { c.Lower = []string{"layers/base"} }, "lower[0]"},
		{"empty bind name", func(c *Config) { c.Binds[0].Name = "" }, "binds[0].name"},
		{"absolute bind name", func(c *Config) { c.Binds[0].Name = "/data" }, "binds[0].name"},
		{"escaping bind name", func(c *Config) { c.Binds[0].Name = "a/../../etc" }, "binds[0].name"},
		{"relative bind source", func(c *Config) { c.Binds[0].Source = "srv/data" }, "binds[0].source"},
		{
			"duplicate bind name",
			func(c *Config) { c.Binds = append(c.Binds, Bind{Name: "data", Source: "/other"}) },
			"binds[1].name",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			cfg.Lower = append([]string(nil), valid.Lower...)
			cfg.Binds = append([]Bind(nil), valid.Binds...)
			tc.mutate(&cfg)

			err := cfg.Validate()
			var cerr *fserror.ConfigError
			require.ErrorAs(t, err, &cerr)
			require.Equal(t, tc.field, cerr.Field)
		})
	}

	require.NoError(t, valid.Validate())
}
