package runner

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUnit(job string, platform Platform) ExecutionUnit {
	return ExecutionUnit{Job: &Job{Name: job, Platforms: []Platform{platform}}, Platform: platform}
}

func TestArenaIsolatesUnits(t *testing.T) {
	arena := NewArena(t.TempDir())

	linux, err := arena.Acquire(testUnit("test", "linux"), map[string]string{"A": "1"})
	require.NoError(t, err)
	windows, err := arena.Acquire(testUnit("test", "windows"), map[string]string{"A": "1"})
	require.NoError(t, err)
	assert.Equal(t, 2, arena.Active())

	assert.NotEqual(t, linux.Workspace, windows.Workspace)
	assert.DirExists(t, linux.Workspace)
	assert.Contains(t, filepath.Base(filepath.Dir(linux.Workspace)), "matrixgo-test-linux-")

	linux.Setenv("A", "2")
	linux.PrependPath("/opt/rust/bin")
	assert.Equal(t, "2", linux.Getenv("A"))
	assert.Equal(t, "1", windows.Getenv("A"))
	assert.NotContains(t, envValue(windows.Environ(nil), "PATH"), "/opt/rust/bin")

	require.NoError(t, arena.Release(linux))
	assert.NoDirExists(t, linux.Workspace)
	assert.DirExists(t, windows.Workspace)
	assert.Equal(t, 1, arena.Active())

	require.NoError(t, arena.Release(windows))
	assert.Zero(t, arena.Active())
}

func TestArenaKeepWorkspaces(t *testing.T) {
	arena := NewArena(t.TempDir())
	arena.KeepWorkspaces(true)

	env, err := arena.Acquire(testUnit("fmt", "macos"), nil)
	require.NoError(t, err)
	require.NoError(t, arena.Release(env))
	assert.DirExists(t, env.Workspace)
	assert.Zero(t, arena.Active())
}

func TestEnvironLayering(t *testing.T) {
	t.Setenv("MATRIXGO_TEST_HOST", "host")
	t.Setenv("MATRIXGO_TEST_OVERRIDE", "host")

	arena := NewArena(t.TempDir())
	env, err := arena.Acquire(testUnit("test", "linux"), map[string]string{
		"MATRIXGO_TEST_OVERRIDE": "base",
		"MATRIXGO_TEST_BASE":     "base",
	})
	require.NoError(t, err)
	defer arena.Release(env)

	env.Setenv("MATRIXGO_TEST_VAR", "exported")
	env.PrependPath("/first")
	env.PrependPath("/second")

	environ := env.Environ(map[string]string{"MATRIXGO_TEST_VAR": "step"})

	assert.Equal(t, "host", envValue(environ, "MATRIXGO_TEST_HOST"))
	assert.Equal(t, "base", envValue(environ, "MATRIXGO_TEST_OVERRIDE"))
	assert.Equal(t, "base", envValue(environ, "MATRIXGO_TEST_BASE"))
	assert.Equal(t, "step", envValue(environ, "MATRIXGO_TEST_VAR"))
	assert.Equal(t, env.Workspace, envValue(environ, "MATRIXGO_WORKSPACE"))

	path := filepath.SplitList(envValue(environ, "PATH"))
	require.GreaterOrEqual(t, len(path), 2)
	assert.Equal(t, []string{"/second", "/first"}, path[:2])

	keys := make([]string, 0, len(environ))
	for _, kv := range environ {
		k, _, _ := strings.Cut(kv, "=")
		keys = append(keys, k)
	}
	assert.IsIncreasing(t, keys)
}

func TestEnvironPrependsToExactPathKey(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("environment keys are case-insensitive on windows")
	}
	t.Setenv("PATH", "/usr/bin")

	arena := NewArena(t.TempDir())
	env, err := arena.Acquire(testUnit("test", "linux"), nil)
	require.NoError(t, err)
	defer arena.Release(env)

	env.PrependPath("/tool")
	environ := env.Environ(map[string]string{"Path": "/opt/other"})

	assert.Equal(t, "/tool"+string(os.PathListSeparator)+"/usr/bin", envValue(environ, "PATH"))
	assert.Equal(t, "/opt/other", envValue(environ, "Path"))
}

func TestAbsorbFiles(t *testing.T) {
	arena := NewArena(t.TempDir())
	env, err := arena.Acquire(testUnit("test", "linux"), nil)
	require.NoError(t, err)
	defer arena.Release(env)

	require.NoError(t, os.WriteFile(env.envFile, []byte("# toolchain\nRUSTUP_TOOLCHAIN=nightly\nQUOTED=\"a b\"\n"), 0644))
	require.NoError(t, os.WriteFile(env.pathFile, []byte("bin\n\n/abs/bin\n"), 0644))

	require.NoError(t, env.absorbFiles())
	assert.Equal(t, "nightly", env.Getenv("RUSTUP_TOOLCHAIN"))
	assert.Equal(t, "a b", env.Getenv("QUOTED"))
	assert.Equal(t, []string{filepath.Clean("/abs/bin"), filepath.Join(env.Workspace, "bin")}, env.paths)

	data, err := os.ReadFile(env.envFile)
	require.NoError(t, err)
	assert.Empty(t, data)
	data, err = os.ReadFile(env.pathFile)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "release-build", sanitize("release-build"))
	assert.Equal(t, "cargotest", sanitize("cargo test"))
	assert.Equal(t, "unit", sanitize("../"))
}
