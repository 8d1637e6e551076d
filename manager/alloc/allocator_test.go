package alloc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"testing"

	"github.com/dot5enko/rmfs/bits"
	rio "github.com/dot5enko/rmfs/io"
	"github.com/dot5enko/rmfs/manager/catalog"
	"github.com/dot5enko/rmfs/manager/layout"
	"github.com/dot5enko/rmfs/schema"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	acc    *rio.Accessor
	layout *layout.Layout
	names  *catalog.Catalog
	alloc  *Allocator
}

func newFixture(t testing.TB, size int) *fixture {
	acc, err := rio.NewAccessor(make([]byte, size), 0x1000)
	require.NoError(t, err)

	return openFixture(t, acc)
}

func openFixture(t testing.TB, acc *rio.Accessor) *fixture {
	l, err := layout.Initialize(acc, slog.Default())
	require.NoError(t, err)

	names := catalog.New(acc, l)

	a, err := New(acc, l, names, slog.Default())
	require.NoError(t, err)

	return &fixture{acc: acc, layout: l, names: names, alloc: a}
}

func (f *fixture) id(t testing.TB, name string) uint16 {
	_, id, err := f.names.LookupByString(name)
	require.NoError(t, err)
	return id
}

func (f *fixture) head(t testing.TB, name string) int {
	idx, ok := f.alloc.FindFirst(f.id(t, name))
	require.True(t, ok, "no blocks for %q", name)
	return idx
}

func (f *fixture) free(t testing.TB, name string) {
	id := f.id(t, name)
	require.NoError(t, f.alloc.FreeByID(id))
	require.NoError(t, f.names.DeleteByID(id))
}

func (f *fixture) readChain(t testing.TB, idx int, n int) []byte {
	out := make([]byte, 0, n)
	for i, d := range f.alloc.Chain(idx) {
		chunk := make([]byte, min(int(d.BlockSize), n-len(out)))
		require.NoError(t, f.alloc.ReadPayload(i, 0, chunk))
		out = append(out, chunk...)
		if len(out) == n {
			break
		}
	}
	return out
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%251)
	}
	return out
}

func TestAllocateAppends(t *testing.T) {
	f := newFixture(t, 4096)
	start := f.layout.DataStart()

	data := pattern(100, 1)
	off, err := f.alloc.Allocate(100, "a.jad", data, schema.InstallDescriptor)
	require.NoError(t, err)
	require.Equal(t, start, off)

	off, err = f.alloc.Allocate(30, "b", nil, schema.NormalFile)
	require.NoError(t, err)
	require.Equal(t, start+schema.BlockHeaderSize+100, off)

	blocks := f.alloc.Descriptors()
	require.Len(t, blocks, 2)
	require.Equal(t, uint32(32), blocks[1].BlockSize, "capacity is rounded to 4 bytes")
	require.Equal(t, schema.InstallDescriptor, blocks[0].ContentType())
	require.Equal(t, uint32(100), blocks[0].DataSize)
	require.Equal(t, blocks[1].End(), f.layout.DataAreaEnd)

	require.Equal(t, data, f.readChain(t, f.head(t, "a.jad"), len(data)))
	require.NoError(t, f.alloc.Check())
}

func TestAllocateGrowsLastBlockOfSameFile(t *testing.T) {
	f := newFixture(t, 4096)

	_, err := f.alloc.Allocate(100, "a", nil, schema.NormalFile)
	require.NoError(t, err)
	_, err = f.alloc.Allocate(50, "a", nil, schema.NormalFile)
	require.NoError(t, err)

	blocks := f.alloc.Descriptors()
	require.Len(t, blocks, 1)
	require.Equal(t, uint32(152), blocks[0].BlockSize)
	require.NoError(t, f.alloc.Check())
}

func TestAllocateGrowKeepsEarlierPayload(t *testing.T) {
	f := newFixture(t, 4096)

	first, second := pattern(100, 1), pattern(48, 200)

	_, err := f.alloc.Allocate(100, "a", first, schema.NormalFile)
	require.NoError(t, err)
	_, err = f.alloc.Allocate(48, "a", second, schema.NormalFile)
	require.NoError(t, err)

	blocks := f.alloc.Descriptors()
	require.Len(t, blocks, 1)
	require.Equal(t, uint32(148), blocks[0].BlockSize)
	require.Equal(t, uint32(148), blocks[0].DataSize)

	got := f.readChain(t, f.head(t, "a"), 148)
	require.Equal(t, first, got[:100])
	require.Equal(t, second, got[100:])
	require.NoError(t, f.alloc.Check())
}

func TestBestFitPicksSmallestHole(t *testing.T) {
	f := newFixture(t, 4096)
	start := f.layout.DataStart()

	for _, it := range []struct {
		name string
		size uint32
	}{{"a", 200}, {"s1", 8}, {"b", 64}, {"s2", 8}, {"c", 100}} {
		_, err := f.alloc.Allocate(it.size, it.name, nil, schema.NormalFile)
		require.NoError(t, err)
	}

	f.free(t, "a")
	f.free(t, "b")
	end := f.layout.DataAreaEnd

	off, err := f.alloc.Allocate(48, "x", nil, schema.NormalFile)
	require.NoError(t, err)
	require.Equal(t, start+240, off, "the 64 byte hole leaves the least")
	require.Equal(t, 5, f.alloc.Count(), "a 16 byte leftover is not split off")

	off, err = f.alloc.Allocate(100, "y", nil, schema.NormalFile)
	require.NoError(t, err)
	require.Equal(t, start, off)
	require.Equal(t, end, f.layout.DataAreaEnd)

	blocks := f.alloc.Descriptors()
	require.Len(t, blocks, 6)
	require.Equal(t, uint32(100), blocks[0].BlockSize)
	require.False(t, blocks[1].InUse())
	require.Equal(t, start+116, blocks[1].Offset)
	require.Equal(t, uint32(84), blocks[1].BlockSize)

	require.NoError(t, f.alloc.Check())
}

func TestFreeCoalescesCompletely(t *testing.T) {
	f := newFixture(t, 4096)

	for i := range 5 {
		_, err := f.alloc.Allocate(32, fmt.Sprintf("f%d", i), nil, schema.NormalFile)
		require.NoError(t, err)
	}

	f.free(t, "f1")
	f.free(t, "f3")
	f.free(t, "f2")

	blocks := f.alloc.Descriptors()
	require.Len(t, blocks, 3)
	require.False(t, blocks[1].InUse())
	require.Equal(t, uint32(3*32+2*schema.BlockHeaderSize), blocks[1].BlockSize)
	require.NoError(t, f.alloc.Check())

	f.free(t, "f4")
	require.Equal(t, 1, f.alloc.Count())
	require.Equal(t, blocks[1].Offset, f.layout.DataAreaEnd)

	f.free(t, "f0")
	require.Zero(t, f.alloc.Count())
	require.Equal(t, f.layout.DataStart(), f.layout.DataAreaEnd)
	require.NoError(t, f.alloc.Check())
}

func TestFreeingAllButLastLeavesOneHole(t *testing.T) {
	f := newFixture(t, 4096)

	for i := range 6 {
		_, err := f.alloc.Allocate(uint32(20+i*8), fmt.Sprintf("f%d", i), nil, schema.NormalFile)
		require.NoError(t, err)
	}

	for _, name := range []string{"f2", "f0", "f4", "f1", "f3"} {
		f.free(t, name)
		require.NoError(t, f.alloc.Check())
	}

	blocks := f.alloc.Descriptors()
	require.Len(t, blocks, 2)
	require.False(t, blocks[0].InUse())
	require.True(t, blocks[1].InUse())
}

func TestInstallTempNeedsExactHole(t *testing.T) {
	f := newFixture(t, 8192)

	_, err := f.alloc.Allocate(100, "a.jad", nil, schema.ContentTypeFor("a.jad"))
	require.NoError(t, err)
	_, err = f.alloc.Allocate(5000, "b.jar", nil, schema.ContentTypeFor("b.jar"))
	require.NoError(t, err)

	require.NoError(t, f.alloc.Free(f.head(t, "a.jad")))
	before := f.alloc.Descriptors()

	_, err = f.alloc.Allocate(schema.MaxInstallTempSize, "c.tmp", nil, schema.ContentTypeFor("c.tmp"))
	require.ErrorIs(t, err, ErrNoSpace)

	require.Equal(t, before, f.alloc.Descriptors())
	_, _, err = f.names.LookupByString("c.tmp")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestInstallTempReusesScratch(t *testing.T) {
	f := newFixture(t, 16384)

	_, err := f.alloc.Allocate(schema.MaxInstallTempSize, "t.tmp", nil, schema.InstallTemp)
	require.NoError(t, err)
	_, err = f.alloc.Allocate(10, "x", nil, schema.NormalFile)
	require.NoError(t, err)

	scratch := f.head(t, "t.tmp")
	offset := f.alloc.Descriptors()[scratch].Offset
	f.free(t, "t.tmp")

	off, err := f.alloc.Allocate(100, "u.tmp", nil, schema.InstallTemp)
	require.NoError(t, err)
	require.Equal(t, offset, off)

	d, err := f.alloc.Descriptor(f.head(t, "u.tmp"))
	require.NoError(t, err)
	require.Equal(t, uint32(schema.MaxInstallTempSize), d.BlockSize, "scratch is never split")
}

func TestTableExhaustion(t *testing.T) {
	f := newFixture(t, 8192)

	for i := range MaxDescriptors {
		_, err := f.alloc.Allocate(16, fmt.Sprintf("f%02d", i), pattern(16, byte(i)), schema.NormalFile)
		require.NoError(t, err)
	}

	before := f.alloc.Descriptors()
	end := f.layout.DataAreaEnd

	_, err := f.alloc.Allocate(16, "overflow", pattern(16, 0xee), schema.NormalFile)
	require.ErrorIs(t, err, ErrTableFull)

	require.Equal(t, before, f.alloc.Descriptors())
	require.Equal(t, end, f.layout.DataAreaEnd)
	require.NoError(t, f.alloc.Check())

	_, _, err = f.names.LookupByString("overflow")
	require.ErrorIs(t, err, catalog.ErrNotFound)

	for i := range MaxDescriptors {
		name := fmt.Sprintf("f%02d", i)
		require.Equal(t, pattern(16, byte(i)), f.readChain(t, f.head(t, name), 16), name)
	}

	stats := f.alloc.Stats()
	require.Equal(t, uint64(1), stats.Failures)
	require.Equal(t, uint64(MaxDescriptors), stats.Allocations)
}

// fragmented builds two 100 byte holes separated by live blocks.
func fragmented(t *testing.T) *fixture {
	f := newFixture(t, 1024)

	for _, it := range []struct {
		name string
		size uint32
	}{{"a", 100}, {"b", 20}, {"c", 100}, {"d", 20}} {
		_, err := f.alloc.Allocate(it.size, it.name, nil, schema.NormalFile)
		require.NoError(t, err)
	}

	f.free(t, "a")
	f.free(t, "c")

	return f
}

func TestLinkedAllocation(t *testing.T) {
	f := fragmented(t)
	start := f.layout.DataStart()

	data := pattern(800, 7)
	off, err := f.alloc.Allocate(800, "e", data, schema.NormalFile)
	require.NoError(t, err)
	require.Equal(t, start, off)

	var chain []Descriptor
	for _, d := range f.alloc.Chain(f.head(t, "e")) {
		chain = append(chain, d)
	}

	require.Len(t, chain, 3)
	require.False(t, chain[0].Continuation())
	require.True(t, chain[1].Continuation())
	require.True(t, chain[2].Continuation())
	require.Equal(t, uint32(600), chain[2].BlockSize)
	require.Equal(t, chain[2].End(), f.layout.DataAreaEnd)

	var total uint32
	for _, d := range chain {
		require.Equal(t, d.BlockSize, d.DataSize)
		total += d.BlockSize
	}
	require.Equal(t, uint32(800), total)

	require.Equal(t, data, f.readChain(t, f.head(t, "e"), len(data)))
	require.NoError(t, f.alloc.Check())
}

func TestLinkedAllocationFailsWithoutMutation(t *testing.T) {
	f := fragmented(t)

	before := f.alloc.Descriptors()
	end := f.layout.DataAreaEnd
	snapshot := bytes.Clone(f.acc.Bytes()[:end-f.layout.Start])

	_, err := f.alloc.Allocate(900, "big", pattern(900, 3), schema.NormalFile)
	require.ErrorIs(t, err, ErrNoSpace)

	require.Equal(t, before, f.alloc.Descriptors())
	require.Equal(t, end, f.layout.DataAreaEnd)
	require.Equal(t, snapshot, f.acc.Bytes()[:end-f.layout.Start], "no partial writes")

	_, _, err = f.names.LookupByString("big")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestSplit(t *testing.T) {
	f := newFixture(t, 4096)

	_, err := f.alloc.Allocate(256, "a", pattern(256, 1), schema.NormalFile)
	require.NoError(t, err)
	_, err = f.alloc.Allocate(40, "b", nil, schema.NormalFile)
	require.NoError(t, err)

	require.NoError(t, f.alloc.Split(0, 62))

	blocks := f.alloc.Descriptors()
	require.Len(t, blocks, 3)
	require.Equal(t, uint32(64), blocks[0].BlockSize)
	require.Equal(t, uint32(64), blocks[0].DataSize)
	require.False(t, blocks[1].InUse())
	require.Equal(t, uint32(256-64-schema.BlockHeaderSize), blocks[1].BlockSize)

	end := f.layout.DataAreaEnd
	require.NoError(t, f.alloc.Split(2, 8))
	require.Equal(t, end-32, f.layout.DataAreaEnd, "splitting the last block gives space back")

	require.ErrorIs(t, f.alloc.Split(9, 4), ErrInvalidIndex)
	require.NoError(t, f.alloc.Check())
}

func TestTruncateChainLowersDataSizeWithoutSplit(t *testing.T) {
	f := newFixture(t, 4096)

	_, err := f.alloc.Allocate(100, "a", pattern(100, 1), schema.NormalFile)
	require.NoError(t, err)
	_, err = f.alloc.Allocate(40, "b", nil, schema.NormalFile)
	require.NoError(t, err)

	// the 8 byte leftover is too small to carve out
	require.NoError(t, f.alloc.TruncateChain(f.head(t, "a"), 90))

	blocks := f.alloc.Descriptors()
	require.Len(t, blocks, 2)
	require.Equal(t, uint32(100), blocks[0].BlockSize)
	require.Equal(t, uint32(90), blocks[0].DataSize)
	require.Equal(t, pattern(90, 1), f.readChain(t, 0, 90))

	// a cut past the live bytes leaves them as they are
	require.NoError(t, f.alloc.TruncateChain(f.head(t, "a"), 96))
	b, err := f.alloc.Descriptor(0)
	require.NoError(t, err)
	require.Equal(t, uint32(90), b.DataSize)
	require.NoError(t, f.alloc.Check())
}

func TestAppendLinked(t *testing.T) {
	f := newFixture(t, 4096)

	_, err := f.alloc.Allocate(256, "a", nil, schema.NormalFile)
	require.NoError(t, err)
	_, err = f.alloc.Allocate(40, "b", nil, schema.NormalFile)
	require.NoError(t, err)
	require.NoError(t, f.alloc.Split(0, 64))

	// absorbs the free neighbour and splits off what is not needed
	require.NoError(t, f.alloc.AppendLinked(0, nil, 100))
	blocks := f.alloc.Descriptors()
	require.Len(t, blocks, 3)
	require.Equal(t, uint32(164), blocks[0].BlockSize)
	require.False(t, blocks[1].InUse())
	require.Equal(t, uint32(256-164-schema.BlockHeaderSize), blocks[1].BlockSize)

	// last block grows into the gap
	end := f.layout.DataAreaEnd
	tail := pattern(64, 9)
	require.NoError(t, f.alloc.AppendLinked(2, tail, 64))
	b, err := f.alloc.Descriptor(2)
	require.NoError(t, err)
	require.Equal(t, uint32(104), b.BlockSize)
	require.Equal(t, end+64, f.layout.DataAreaEnd)

	got := make([]byte, 64)
	require.NoError(t, f.alloc.ReadPayload(2, 40, got))
	require.Equal(t, tail, got)

	// no room next to the tail, a continuation block is linked
	data := pattern(200, 4)
	require.NoError(t, f.alloc.AppendLinked(0, data, 200))

	var chain []Descriptor
	for _, d := range f.alloc.Chain(f.head(t, "a")) {
		chain = append(chain, d)
	}
	require.Len(t, chain, 2)
	require.Equal(t, chain[0].BlockSize, chain[0].DataSize)
	require.True(t, chain[1].Continuation())
	require.Equal(t, uint32(200), chain[1].BlockSize)
	require.Equal(t, uint32(200), chain[1].DataSize, "the continuation holds the appended bytes")

	got = make([]byte, 200)
	i, ok := f.alloc.FindByOffset(chain[1].Offset)
	require.True(t, ok)
	require.NoError(t, f.alloc.ReadPayload(i, 0, got))
	require.Equal(t, data, got)

	require.NoError(t, f.alloc.Check())
}

func TestRebuildFromRegion(t *testing.T) {
	f := newFixture(t, 4096)

	for i := range 4 {
		_, err := f.alloc.Allocate(uint32(50*(i+1)), fmt.Sprintf("f%d", i), pattern(10, byte(i)), schema.NormalFile)
		require.NoError(t, err)
	}
	f.free(t, "f1")
	require.NoError(t, f.layout.Persist())

	reopened := openFixture(t, f.acc)
	require.False(t, reopened.layout.Fresh)
	require.Equal(t, f.alloc.Descriptors(), reopened.alloc.Descriptors())
	require.Equal(t, pattern(10, 2), reopened.readChain(t, reopened.head(t, "f2"), 10))
	require.NoError(t, reopened.alloc.Check())
}

func TestRebuildCapsTable(t *testing.T) {
	f := newFixture(t, 4096)
	const blocks = MaxDescriptors + 5

	var buf [schema.BlockHeaderSize]byte
	addr := f.layout.DataStart()
	for i := range blocks {
		header := schema.BlockHeader{
			Flag:      schema.MakeFlag(true, false, schema.NormalFile),
			NameID:    uint16(i + 1),
			BlockSize: 16,
		}
		bw := bits.NewEncodeBuffer(buf[:], binary.LittleEndian)
		_, err := header.WriteTo(&bw)
		require.NoError(t, err)
		require.NoError(t, f.acc.Write(buf[:], addr))
		addr = header.End(addr)
	}
	f.layout.DataAreaEnd = addr
	require.NoError(t, f.layout.Persist())

	reopened := openFixture(t, f.acc)
	require.Equal(t, MaxDescriptors, reopened.alloc.Count())
	require.True(t, reopened.alloc.Stats().Unmirrored)
	require.NoError(t, reopened.alloc.Check())

	// the last mirrored block is not the last one in the region
	require.NoError(t, reopened.alloc.Free(MaxDescriptors-1))
	require.Equal(t, addr, reopened.layout.DataAreaEnd)
	require.Equal(t, MaxDescriptors, reopened.alloc.Count())
}

func TestRebuildRejectsCorruptBlock(t *testing.T) {
	f := newFixture(t, 1024)

	_, err := f.alloc.Allocate(40, "a", nil, schema.NormalFile)
	require.NoError(t, err)
	require.NoError(t, f.layout.Persist())

	// capacity running past the data area end
	binary.LittleEndian.PutUint32(f.acc.Bytes()[schema.RegionHeaderSize+8:], 4000)

	l, err := layout.Initialize(f.acc, slog.Default())
	require.NoError(t, err)
	_, err = New(f.acc, l, catalog.New(f.acc, l), slog.Default())
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestRandomSequencesKeepInvariants(t *testing.T) {
	f := newFixture(t, 16384)
	rng := rand.New(rand.NewPCG(7, 11))

	var live []string

	for step := range 600 {
		if len(live) > 0 && rng.IntN(3) == 0 {
			pick := rng.IntN(len(live))
			f.free(t, live[pick])
			live = append(live[:pick], live[pick+1:]...)
		} else {
			name := fmt.Sprintf("f%d", step)
			size := rng.Uint32N(900) + 1

			_, err := f.alloc.Allocate(size, name, pattern(int(size), byte(step)), schema.NormalFile)
			if err == nil {
				live = append(live, name)
				require.Equal(t, pattern(int(size), byte(step)), f.readChain(t, f.head(t, name), int(size)))
			} else {
				// tombstones left by deleted names eat into the gap as well
				require.True(t, errorsIsAny(err, ErrNoSpace, ErrTableFull, catalog.ErrNoSpace), "unexpected error %v", err)
			}
		}

		require.NoError(t, f.alloc.Check(), "step %d", step)

		for _, d := range f.alloc.Descriptors() {
			if d.InUse() {
				require.LessOrEqual(t, d.DataSize, d.BlockSize)
			}
		}
	}
}

func errorsIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func BenchmarkAllocateFree(b *testing.B) {
	f := newFixture(b, 64*1024)

	for i := range 20 {
		_, err := f.alloc.Allocate(uint32(64+i*16), fmt.Sprintf("keep%d", i), nil, schema.NormalFile)
		require.NoError(b, err)
	}

	const id = 0xbeef
	for b.Loop() {
		idx, err := f.alloc.AllocateID(id, 300, schema.NormalFile)
		if err != nil {
			b.Fatal(err)
		}
		if err := f.alloc.Free(idx); err != nil {
			b.Fatal(err)
		}
	}
}

func TestCheckDetectsBrokenLinks(t *testing.T) {
	f := newFixture(t, 4096)

	_, err := f.alloc.Allocate(32, "a", nil, schema.NormalFile)
	require.NoError(t, err)
	_, err = f.alloc.Allocate(32, "b", nil, schema.NormalFile)
	require.NoError(t, err)
	require.NoError(t, f.alloc.Check())

	orphan := &f.alloc.blocks.items[1]
	orphan.Flag = schema.MakeFlag(true, true, schema.NormalFile)
	require.ErrorIs(t, f.alloc.Check(), ErrInconsistent)

	orphan.NameID = f.alloc.blocks.items[0].NameID
	f.alloc.blocks.items[0].Next = orphan.Offset
	require.NoError(t, f.alloc.Check())

	f.alloc.blocks.items[0].Next = 0
	orphan.Flag = schema.MakeFlag(true, false, schema.NormalFile)
	orphan.Next = orphan.Offset
	require.ErrorIs(t, f.alloc.Check(), ErrInconsistent)
}
