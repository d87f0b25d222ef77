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

// Package config defines the mount configuration file format.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/overfs/overfs/pkg/fserror"
)

type Bind struct {
	// Required: The mount name, a relative path beneath the mountpoint
	Name string `json:"name" yaml:"name"`
	// Required: The absolute host path bound at the mount name
	Source string `json:"source" yaml:"source"`
	// Optional: Remount the bind read-only after attaching
	ReadOnly bool `json:"read-only,omitempty" yaml:"read-only,omitempty"`
}

type Config struct {
	// Required: The directory where the merged view is mounted
	Mountpoint string `json:"mountpoint" yaml:"mountpoint"`
	// Required: The writable layer directory
	Upper string `json:"upper" yaml:"upper"`
	// Optional: Read-only layer directories, highest priority first
	Lower []string `json:"lower,omitempty" yaml:"lower,omitempty"`
	// Optional: Bind mounts placed beneath the mountpoint after mounting
	Binds []Bind `json:"binds,omitempty" yaml:"binds,omitempty"`
}

// Load reads and parses a configuration file.
func (c *Config) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}
	return nil
}

// Validate does preflight checks on a configuration.
func (c *Config) Validate() error {
	if err := requireAbs("mountpoint", c.Mountpoint); err != nil {
		return err
	}
	if err := requireAbs("upper", c.Upper); err != nil {
		return err
	}
	for i, l := range c.Lower {
		if err := requireAbs(fmt.Sprintf("lower[%d]", i), l); err != nil {
			return err
		}
	}
	seen := make(map[string]bool)
	for i, b := range c.Binds {
		field := fmt.Sprintf("binds[%d]", i)
		if b.Name == "" {
			return &fserror.ConfigError{Field: field + ".name", Err: errors.New("must not be empty")}
		}
		if filepath.IsAbs(b.Name) {
			return &fserror.ConfigError{Field: field + ".name", Err: errors.New("must be relative to the mountpoint")}
		}
		for _, comp := range strings.Split(filepath.ToSlash(b.Name), "/") {
			if comp == ".." {
				return &fserror.ConfigError{Field: field + ".name", Err: errors.New("must not escape the mountpoint")}
			}
		}
		if seen[b.Name] {
			return &fserror.ConfigError{Field: field + ".name", Err: fmt.Errorf("duplicate mount name %q", b.Name)}
		}
		seen[b.Name] = true
		if err := requireAbs(field+".source", b.Source); err != nil {
			return err
		}
	}
	return nil
}

func requireAbs(field, path string) error {
	if path == "" {
		return &fserror.ConfigError{Field: field, Err: errors.New("must not be empty")}
	}
	if !filepath.IsAbs(path) {
		return &fserror.ConfigError{Field: field, Err: fmt.Errorf("%q is not an absolute path", path)}
	}
	return nil
}

// Summarize logs the effective configuration.
func (c *Config) Summarize(logf func(format string, args ...any)) {
	logf("mount configuration:")
	logf("  mountpoint: %s", c.Mountpoint)
	logf("  upper:      %s", c.Upper)
	logf("  lower:      %v", c.Lower)
	for _, b := range c.Binds {
		logf("  bind: %s <- %s (read-only=%v)", b.Name, b.Source, b.ReadOnly)
	}
}
