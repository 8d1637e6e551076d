package manager

import (
	"fmt"
	"io/fs"
	"testing"

	"github.com/dot5enko/rmfs/manager/layout"
	"github.com/stretchr/testify/require"
)

func TestOpenValidatesConfig(t *testing.T) {
	_, err := Open(make([]byte, 64), Config{Start: 0})
	require.Error(t, err)

	_, err = Open(make([]byte, 64), Config{Start: DefaultStart, Size: 128})
	require.Error(t, err)

	_, err = Open(make([]byte, 16), DefaultConfig())
	require.ErrorIs(t, err, layout.ErrRegionTooSmall)

	v, err := Open(make([]byte, 4096), Config{Start: DefaultStart, Size: 1024})
	require.NoError(t, err)
	require.Len(t, v.Region(), 1024)
	require.Equal(t, uint32(DefaultStart), v.Start())
}

func TestRenameKeepsIdentifierAndSize(t *testing.T) {
	v, mem := newVolume(t, 4096)
	writeFile(t, v, "a.db", content(50, 1))

	before, err := v.Stat("a.db")
	require.NoError(t, err)

	require.NoError(t, v.Rename("a.db", "b.db"))

	after, err := v.Stat("b.db")
	require.NoError(t, err)
	require.Equal(t, before.ID, after.ID)
	require.Equal(t, before.Size, after.Size)
	require.Equal(t, before.Capacity, after.Capacity)

	_, err = v.Open("a.db")
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, v.Exists("a.db"))

	v = reopen(t, v, mem)
	require.Equal(t, content(50, 1), readFile(t, v, "b.db"))

	require.ErrorIs(t, v.Rename("missing", "x"), ErrNotFound)
	require.ErrorIs(t, v.Rename("b.db", ""), ErrInvalidName)
	require.NoError(t, v.Rename("b.db", "b.db"))
}

func TestRenameReplacesTarget(t *testing.T) {
	v, _ := newVolume(t, 4096)
	writeFile(t, v, "new.lst", content(20, 1))
	writeFile(t, v, "old.lst", content(30, 2))

	replaced, err := v.Stat("old.lst")
	require.NoError(t, err)
	moved, err := v.Stat("new.lst")
	require.NoError(t, err)

	require.NoError(t, v.Rename("new.lst", "old.lst"))

	info, err := v.Stat("old.lst")
	require.NoError(t, err)
	require.Equal(t, moved.ID, info.ID)
	require.Equal(t, content(20, 1), readFile(t, v, "old.lst"))

	for _, d := range v.Descriptors() {
		require.NotEqual(t, replaced.ID, d.NameID, "blocks of the replaced file are freed")
	}
	requireConsistent(t, v)

	f, err := v.Open("old.lst")
	require.NoError(t, err)
	writeFile(t, v, "third", []byte("x"))
	require.ErrorIs(t, v.Rename("third", "old.lst"), ErrBusy)
	require.NoError(t, f.Close())
}

func TestUnlink(t *testing.T) {
	v, _ := newVolume(t, 4096)
	writeFile(t, v, "keep", content(300, 1))
	writeFile(t, v, "drop", content(600, 2))

	info, err := v.Stat("drop")
	require.NoError(t, err)

	require.NoError(t, v.Unlink("drop"))
	require.False(t, v.Exists("drop"))
	require.ErrorIs(t, v.Unlink("drop"), ErrNotFound)

	for _, d := range v.Descriptors() {
		require.NotEqual(t, info.ID, d.NameID)
	}
	require.Len(t, v.Descriptors(), 1, "the trailing block went back to the gap")

	f, err := v.Open("keep")
	require.NoError(t, err)
	require.ErrorIs(t, v.Unlink("keep"), ErrBusy)
	require.ErrorIs(t, v.Truncate("keep", 0), ErrBusy)
	require.NoError(t, f.Close())

	// identifiers are never handed out twice
	writeFile(t, v, "drop", content(10, 3))
	again, err := v.Stat("drop")
	require.NoError(t, err)
	require.Greater(t, again.ID, info.ID)
}

func TestHandleTableLimit(t *testing.T) {
	v, _ := newVolume(t, 8192)

	var files []*File
	for i := range MaxOpenFiles {
		f, err := v.Create(fmt.Sprintf("f%d", i))
		require.NoError(t, err)
		files = append(files, f)
	}

	_, err := v.Create("one-too-many")
	require.ErrorIs(t, err, ErrTooManyOpenFiles)
	require.False(t, v.Exists("one-too-many"))

	require.NoError(t, files[3].Close())

	f, err := v.Create("one-too-many")
	require.NoError(t, err)
	files[3] = f

	stats, err := v.Stats()
	require.NoError(t, err)
	require.Equal(t, MaxOpenFiles, stats.OpenFiles)
	require.Equal(t, 1, stats.Handles.Rejected)

	for _, f := range files {
		require.NoError(t, f.Close())
	}
}

func TestFinalizeClosesFiles(t *testing.T) {
	v, mem := newVolume(t, 4096)

	f, err := v.Create("pending")
	require.NoError(t, err)
	_, err = f.Write(content(20, 1))
	require.NoError(t, err)

	require.NoError(t, v.Finalize())

	_, err = f.Write([]byte("x"))
	require.ErrorIs(t, err, fs.ErrClosed)
	_, err = v.Open("pending")
	require.ErrorIs(t, err, ErrVolumeClosed)
	require.ErrorIs(t, v.Finalize(), ErrVolumeClosed)
	require.False(t, v.Exists("pending"))

	reopened, err := Open(mem, DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, content(20, 1), readFile(t, reopened, "pending"))
}

func TestSyncPersistsOpenSizes(t *testing.T) {
	v, mem := newVolume(t, 4096)

	f, err := v.Create("q")
	require.NoError(t, err)
	_, err = f.Write(content(30, 1))
	require.NoError(t, err)

	require.NoError(t, v.Sync())

	snapshot, err := Open(append([]byte(nil), mem...), DefaultConfig())
	require.NoError(t, err)

	info, err := snapshot.Stat("q")
	require.NoError(t, err)
	require.Equal(t, uint32(30), info.Size)
	require.Equal(t, content(30, 1), readFile(t, snapshot, "q"))

	require.NoError(t, f.Close())
}

func TestListAndCompact(t *testing.T) {
	v, _ := newVolume(t, 8192)

	for _, name := range []string{"rms.1.db", "rms.1.idx", "other.ss", "rms.2.db", "rms.2.idx"} {
		writeFile(t, v, name, content(10, 1))
	}

	listed, err := v.List("rms.")
	require.NoError(t, err)
	require.Len(t, listed, 4)
	require.Equal(t, "rms.2.idx", listed[0].Name)

	all, err := v.List("")
	require.NoError(t, err)
	require.Len(t, all, 5)

	require.NoError(t, v.Unlink("rms.1.idx"))
	require.NoError(t, v.Unlink("other.ss"))

	used := v.UsedSpace()
	free := v.FreeSpace()

	reclaimed, err := v.Compact()
	require.NoError(t, err)
	require.Positive(t, reclaimed)
	require.Less(t, v.UsedSpace(), used)
	require.Equal(t, free+reclaimed, v.FreeSpace())

	listed, err = v.List("rms.")
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for _, info := range listed {
		require.Equal(t, content(10, 1), readFile(t, v, info.Name))
	}

	stats, err := v.Stats()
	require.NoError(t, err)
	require.Equal(t, 3, stats.Names.LiveRecords)
	require.Zero(t, stats.Names.Tombstones)
	require.Equal(t, v.ID(), stats.ID)
}
