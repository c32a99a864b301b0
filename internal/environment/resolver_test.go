package environment

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/turtacn/Phoenix/pkg/errors"
)

func mkdirs(t *testing.T, base string, dirs ...string) {
	t.Helper()
	for _, d := range dirs {
		require.NoError(t, os.MkdirAll(filepath.Join(base, d), 0o755))
	}
}

func TestResolve_ProbesVenvBeforeDotVenv(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	mkdirs(t, base, "venv/bin", ".venv/bin")

	env, err := Resolver{BaseDir: base}.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "venv"), env.Dir)
	assert.Equal(t, filepath.Join(base, "venv", "bin"), env.BinDir)
}

func TestResolve_FallsBackToDotVenv(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	mkdirs(t, base, ".venv/bin")

	env, err := Resolver{BaseDir: base}.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, ".venv"), env.Dir)
}

func TestResolve_BinBeforeScripts(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	mkdirs(t, base, "env/bin", "env/Scripts")

	for i := 0; i < 3; i++ {
		env, err := Resolver{BaseDir: base}.Resolve("env")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(base, "env", "bin"), env.BinDir)
	}
}

func TestResolve_ScriptsWhenNoBin(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	mkdirs(t, base, "env/Scripts")

	env, err := Resolver{BaseDir: base}.Resolve("env/")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "env", "Scripts"), env.BinDir)
	assert.Equal(t, filepath.Join(base, "env"), env.Dir)
}

func TestResolve_Errors(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	mkdirs(t, base, "empty")
	require.NoError(t, os.WriteFile(filepath.Join(base, "file"), nil, 0o644))

	tests := []struct {
		name     string
		explicit string
		contains string
	}{
		{"missing explicit", "nope", "'nope' not found"},
		{"explicit is a file", "file", "'file' not found"},
		{"no bin dir", "empty", "please ensure setup is correct"},
		{"no candidates", "", "please create one"},
	}
	for _, tt := range tests {
		_, err := Resolver{BaseDir: base}.Resolve(tt.explicit)
		require.Error(t, err, tt.name)
		assert.Equal(t, perrors.ErrCodeConfigInvalid, perrors.CodeOf(err), tt.name)
		assert.Contains(t, err.Error(), tt.contains, tt.name)
	}
}

func TestActivate(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	mkdirs(t, base, "venv/bin")
	env := Environment{Dir: filepath.Join(base, "venv"), BinDir: filepath.Join(base, "venv", "bin")}

	out := env.Activate([]string{"HOME=/root", "PATH=/usr/bin", "VIRTUAL_ENV=/old"})

	assert.Contains(t, out, "HOME=/root")
	assert.Contains(t, out, "VIRTUAL_ENV="+env.Dir)
	assert.Contains(t, out, "PATH="+env.BinDir+string(os.PathListSeparator)+"/usr/bin")
	for _, kv := range out {
		assert.NotEqual(t, "VIRTUAL_ENV=/old", kv)
	}
}

func TestCommand_ResolvesBareNameInBinDir(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	mkdirs(t, base, "venv/bin")
	py := filepath.Join(base, "venv", "bin", "python")
	require.NoError(t, os.WriteFile(py, []byte("#!/bin/sh\n"), 0o755))
	env := Environment{Dir: filepath.Join(base, "venv"), BinDir: filepath.Join(base, "venv", "bin")}

	assert.Equal(t, []string{py, "-m", "bot"}, env.Command([]string{"python", "-m", "bot"}))
	assert.Equal(t, []string{"git", "pull"}, env.Command([]string{"git", "pull"}))
	assert.Equal(t, []string{"./run.sh"}, env.Command([]string{"./run.sh"}))
	assert.Empty(t, env.Command(nil))
	assert.False(t, strings.HasPrefix(env.Command([]string{"sh"})[0], base))
}
