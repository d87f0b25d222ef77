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

package layer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/overfs/overfs/pkg/fserror"
	"github.com/overfs/overfs/pkg/platform"
)

func TestOpenStack(t *testing.T) {
	root := t.TempDir()
	upper := filepath.Join(root, "upper")
	lowerA := filepath.Join(root, "a")
	lowerB := filepath.Join(root, "b")
	for _, d := range []string{upper, lowerA, lowerB} {
		require.NoError(t, os.Mkdir(d, 0o755))
	}

	s, err := Open(platform.New(), upper, []string{lowerA, lowerB})
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, 3, s.Len())
	require.False(t, s.Writable().ReadOnly)
	require.Equal(t, upper, s.Writable().Path)
	require.True(t, s.At(1).ReadOnly)
	require.Equal(t, lowerA, s.At(1).Path)
	require.Equal(t, lowerB, s.At(2).Path)
}

func TestOpenStackMissingLayer(t *testing.T) {
	root := t.TempDir()
	upper := filepath.Join(root, "upper")
	require.NoError(t, os.Mkdir(upper, 0o755))

	_, err := Open(platform.New(), upper, []string{filepath.Join(root, "missing")})
	require.Error(t, err)
}

func TestOpenStackReadOnlyUpper(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory write bits")
	}
	root := t.TempDir()
	upper := filepath.Join(root, "upper")
	require.NoError(t, os.Mkdir(upper, 0o555))
	t.Cleanup(func() { _ = os.Chmod(upper, 0o755) })

	_, err := Open(platform.New(), upper, nil)
	require.ErrorIs(t, err, fserror.ErrReadOnlyLayer)
}

func TestOpenStackNoLowers(t *testing.T) {
	upper := t.TempDir()
	s, err := Open(platform.New(), upper, nil)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, 1, s.Len())
}
