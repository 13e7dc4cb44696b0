package ufsck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCreatedAt = int32(1600000000)

func newTestBuilder(t *testing.T, p Params) (*Builder, *MemStore) {
	t.Helper()

	if p.Time == 0 {
		p.Time = testCreatedAt
	}

	store := NewMemStore(p.ImageBytes())
	b, err := NewBuilder(store, p)
	require.NoError(t, err, "failed to create builder")

	return b, store
}

func TestBuilderGeometry(t *testing.T) {
	b, _ := newTestBuilder(t, Params{})
	g := b.Geometry()

	assert.Equal(t, int32(8192), g.Bsize)
	assert.Equal(t, int32(4), g.Ncg)
	assert.Equal(t, int32(64), g.Ncyl)
	assert.Equal(t, int32(256), g.Spc)
	assert.Equal(t, int32(2), g.Nspf)
	assert.Equal(t, int32(1), g.Fsbtodb)
	assert.Equal(t, int32(16), g.Sblkno)
	assert.Equal(t, int32(24), g.Cblkno)
	assert.Equal(t, int32(32), g.Iblkno)
	assert.Equal(t, int32(64), g.Dblkno)
	assert.Equal(t, int32(1024), g.Cgsize)
	assert.Equal(t, int32(64), g.Csaddr)
	assert.Equal(t, int32(64), g.Cssize)

	assert.Equal(t, int64(8192*1024), Params{}.ImageBytes())
}

func TestBuilderRejectsBadParams(t *testing.T) {
	tests := []struct {
		name string
		p    Params
	}{
		{"fragment size", Params{Fsize: 1000}},
		{"fragments per block", Params{Frag: 3}},
		{"too many fragments per block", Params{Frag: 16}},
		{"uneven cylinders", Params{Cpg: 3}},
		{"group too small", Params{Fpg: 64, Cpg: 1}},
		{"last group too small", Params{Size: 2048 + 40}},
		{"unsupported format", Params{PostblFormat: 2}},
		{"legacy group too large", Params{PostblFormat: PostblLegacy, Ipg: 4096}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder(NewMemStore(tt.p.ImageBytes()), tt.p)
			assert.Error(t, err)
		})
	}
}

func TestBuilderInitialState(t *testing.T) {
	b, _ := newTestBuilder(t, Params{})
	g := b.Geometry()
	blocks := b.Blocks()

	inodes := b.Inodes()
	assert.Equal(t, InodeDirectory, inodes[RootIno])
	assert.Equal(t, InodeUnused, inodes[RootIno+1])

	for c := 0; c < int(g.Ncg); c++ {
		base := g.cgbase(c)
		assert.True(t, blocks.Allocated(base), "group %d boot area", c)
		assert.True(t, blocks.Allocated(base+int64(g.Dblkno)-1), "group %d inode blocks", c)
	}

	// Summary area and root directory share the first data block.
	assert.True(t, blocks.Allocated(64))
	assert.True(t, blocks.Allocated(65))
	assert.False(t, blocks.Allocated(66))
	assert.False(t, blocks.Allocated(2048+64))
}

func TestBuilderAllocation(t *testing.T) {
	b, _ := newTestBuilder(t, Params{})

	ino, err := b.AllocInode(InodeRegular)
	require.NoError(t, err)
	assert.Equal(t, int64(3), ino)

	// Small runs fill the broken block before breaking a new one.
	f, err := b.AllocFrags(2)
	require.NoError(t, err)
	assert.Equal(t, int64(66), f)

	f, err = b.AllocFrags(3)
	require.NoError(t, err)
	assert.Equal(t, int64(68), f)

	f, err = b.AllocFrags(4)
	require.NoError(t, err)
	assert.Equal(t, int64(72), f, "no run of 4 left in the first block")

	blk, err := b.AllocBlock()
	require.NoError(t, err)
	assert.Equal(t, int64(80), blk)

	blk, err = b.AllocFrags(8)
	require.NoError(t, err)
	assert.Equal(t, int64(88), blk)

	require.NoError(t, b.FreeFrags(80, 8))
	blk, err = b.AllocBlock()
	require.NoError(t, err)
	assert.Equal(t, int64(80), blk, "freed block is reused")

	_, err = b.AllocFrags(0)
	assert.Error(t, err)
	_, err = b.AllocFrags(9)
	assert.Error(t, err)
	assert.Error(t, b.FreeFrags(8190, 4))
}

func TestBuilderInodes(t *testing.T) {
	b, _ := newTestBuilder(t, Params{Ipg: 8, Size: 2048})

	_, err := b.AllocInode(InodeUnused)
	assert.Error(t, err)

	assert.Error(t, b.SetInode(1, InodeRegular), "reserved")
	assert.Error(t, b.SetInode(8, InodeRegular), "out of range")

	for want := int64(3); want < 8; want++ {
		ino, err := b.AllocInode(InodeDirectory)
		require.NoError(t, err)
		assert.Equal(t, want, ino)
	}

	_, err = b.AllocInode(InodeRegular)
	assert.Error(t, err, "out of inodes")

	require.NoError(t, b.FreeInode(5))
	ino, err := b.AllocInode(InodeRegular)
	require.NoError(t, err)
	assert.Equal(t, int64(5), ino)
}

func TestBuilderOutOfBlocks(t *testing.T) {
	b, _ := newTestBuilder(t, Params{Size: 2048})

	// 2048 fragments less 64 of metadata and a broken first data block.
	for i := 0; i < 247; i++ {
		_, err := b.AllocBlock()
		require.NoError(t, err, "block %d", i)
	}

	_, err := b.AllocBlock()
	assert.Error(t, err)

	f, err := b.AllocFrags(6)
	require.NoError(t, err)
	assert.Equal(t, int64(66), f)

	_, err = b.AllocFrags(1)
	assert.Error(t, err)
}

func TestBuilderWrite(t *testing.T) {
	b, store := newTestBuilder(t, Params{})
	require.NoError(t, b.Write())

	sb, err := ReadSuperblock(store)
	require.NoError(t, err)

	assert.Equal(t, b.Geometry(), sb.Geometry())
	assert.Equal(t, Csum{Ndir: 1, Nbfree: 991, Nifree: 1021, Nffree: 6}, sb.Totals())
	assert.False(t, sb.NeedsCheck())

	g := b.Geometry()
	_, csums, err := readCsums(store, g)
	require.NoError(t, err)
	assert.Equal(t, []Csum{
		{Ndir: 1, Nbfree: 247, Nifree: 253, Nffree: 6},
		{Nbfree: 248, Nifree: 256},
		{Nbfree: 248, Nifree: 256},
		{Nbfree: 248, Nifree: 256},
	}, csums)

	codec, err := newCodec(g)
	require.NoError(t, err)

	raw, err := store.ReadBlock(g.fsbtodb(g.cgtod(0)), int(g.Cgsize))
	require.NoError(t, err)
	cg, err := codec.decode(raw)
	require.NoError(t, err)

	assert.Equal(t, testCreatedAt, cg.Header.Time)
	assert.Equal(t, int32(1), cg.Header.Frsum[6])
	assert.Equal(t, int32(2048), cg.Header.Ndblk)

	// Every group carries a superblock copy.
	for c := 0; c < int(g.Ncg); c++ {
		raw, err := store.ReadBlock(g.fsbtodb(g.cgstart(c)+int64(g.Sblkno)), superblockLen)
		require.NoError(t, err)

		copySB, err := DecodeSuperblock(raw)
		require.NoError(t, err, "group %d", c)
		assert.Equal(t, sb.Totals(), copySB.Totals())
	}
}
