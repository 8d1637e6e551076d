package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dot5enko/rmfs/manager"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	return newApp().Run(append([]string{"rmfs", "--log-level", "warn"}, args...))
}

func TestCommandsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "store.img")

	require.NoError(t, run(t, "--image", img, "--size", "16KiB", "format"))

	info, err := os.Stat(img)
	require.NoError(t, err)
	require.Equal(t, int64(16*1024), info.Size())

	hostA := filepath.Join(dir, "a.db")
	hostB := filepath.Join(dir, "b.idx")
	require.NoError(t, os.WriteFile(hostA, []byte("record store data"), 0o644))
	require.NoError(t, os.WriteFile(hostB, make([]byte, 700), 0o644))

	require.NoError(t, run(t, "--image", img, "put", hostA, hostB))
	require.NoError(t, run(t, "--image", img, "mv", "a.db", "rms.a.db"))
	require.NoError(t, run(t, "--image", img, "ls", "rms."))

	out := filepath.Join(dir, "out.db")
	require.NoError(t, run(t, "--image", img, "get", "rms.a.db", out))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, []byte("record store data"), got)

	require.NoError(t, run(t, "--image", img, "rm", "b.idx"))
	require.NoError(t, run(t, "--image", img, "compact"))
	require.NoError(t, run(t, "--image", img, "stat"))
	require.NoError(t, run(t, "--image", img, "stat", "--metrics"))
	require.NoError(t, run(t, "--image", img, "dump"))

	snap := filepath.Join(dir, "store.rmfi")
	require.NoError(t, run(t, "--image", img, "export", snap))

	restored := filepath.Join(dir, "restored.img")
	require.NoError(t, run(t, "--image", restored, "import", snap))

	mem, err := os.ReadFile(restored)
	require.NoError(t, err)
	vol, err := manager.Open(mem, manager.DefaultConfig())
	require.NoError(t, err)
	require.True(t, vol.Exists("rms.a.db"))
	require.False(t, vol.Exists("b.idx"))
}

func TestPutRejectsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "store.img")
	require.NoError(t, run(t, "--image", img, "--size", "8KiB", "format"))

	host := filepath.Join(dir, "big.bin")
	require.NoError(t, os.WriteFile(host, make([]byte, 2048), 0o644))

	require.Error(t, run(t, "--image", img, "put", "--max-size", "1KiB", host))
	require.Error(t, run(t, "--image", img, "get", "big.bin"))
}

func TestMissingImageNeedsSize(t *testing.T) {
	img := filepath.Join(t.TempDir(), "none.img")
	require.Error(t, run(t, "--image", img, "ls"))
}
