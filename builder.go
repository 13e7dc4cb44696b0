package ufsck

import (
	"fmt"
	"math"
	"time"

	"github.com/ansel1/merry"
)

// Params describes a filesystem for the Builder to lay out. Zero fields take
// the defaults of a small 4.4BSD newfs: 1K fragments, 8K blocks, 16
// cylinders and 2048 fragments per group, 256 inodes per group, four
// groups, 8 rotational positions and the dynamic postbl format.
type Params struct {
	Fsize        int32 // fragment size, a power of two multiple of 512
	Frag         int32 // fragments per block
	Fpg          int32 // fragments per group
	Ipg          int32 // inodes per group
	Cpg          int32 // cylinders per group
	Size         int32 // fragments in the filesystem
	Nrpos        int32 // rotational positions, as recorded in the superblock
	PostblFormat int32 // PostblDynamic or PostblLegacy
	Time         int32 // creation time; zero means now
	Debug        bool
}

func (p Params) withDefaults() Params {
	if p.Fsize == 0 {
		p.Fsize = 1024
	}
	if p.Frag == 0 {
		p.Frag = 8
	}
	if p.Fpg == 0 {
		p.Fpg = 2048
	}
	if p.Ipg == 0 {
		p.Ipg = 256
	}
	if p.Cpg == 0 {
		p.Cpg = 16
	}
	if p.Size == 0 {
		p.Size = 4 * p.Fpg
	}
	if p.Nrpos == 0 {
		p.Nrpos = 8
	}
	if p.PostblFormat == 0 {
		p.PostblFormat = PostblDynamic
	}
	if p.Time == 0 {
		p.Time = int32(time.Now().Unix())
	}

	return p
}

// ImageBytes returns the size of the image the parameters describe.
func (p Params) ImageBytes() int64 {
	p = p.withDefaults()
	return int64(p.Size) * int64(p.Fsize)
}

// geometry derives the complete geometry the way newfs does, with one track
// per cylinder, no interleave and no cylinder group staggering.
func (p Params) geometry() (Geometry, error) {
	p = p.withDefaults()

	nspf := p.Fsize / devBsize
	shift := ilog2(nspf)
	switch {
	case p.Fsize%devBsize != 0 || shift < 0:
		return Geometry{}, merry.Prependf(ErrBadGeometry, "fragment size %d", p.Fsize)
	case ilog2(p.Frag) < 0 || p.Frag > MaxFrag:
		return Geometry{}, merry.Prependf(ErrBadGeometry, "%d fragments per block", p.Frag)
	case p.Cpg <= 0 || int64(p.Fpg)*int64(nspf)%int64(p.Cpg) != 0:
		return Geometry{}, merry.Prependf(ErrBadGeometry, "%d fragments do not divide into %d cylinders", p.Fpg, p.Cpg)
	}

	g := Geometry{
		Fsize:        p.Fsize,
		Bsize:        p.Fsize * p.Frag,
		Frag:         p.Frag,
		Fpg:          p.Fpg,
		Ipg:          p.Ipg,
		Cpg:          p.Cpg,
		Ncg:          howmany(p.Size, p.Fpg),
		Size:         p.Size,
		Nrpos:        p.Nrpos,
		Nspf:         nspf,
		Interleave:   1,
		Cgmask:       -1,
		Fsbtodb:      int32(shift),
		PostblFormat: p.PostblFormat,
	}

	g.Spc = p.Fpg * nspf / p.Cpg
	g.Nsect = g.Spc
	g.Npsect = g.Spc
	g.Ncyl = int32(howmany(int64(p.Size)*int64(nspf), int64(g.Spc)))

	g.Sblkno = roundup(howmany(superblockOff+superblockLen, p.Fsize), p.Frag)
	g.Cblkno = g.Sblkno + roundup(howmany(superblockLen, p.Fsize), p.Frag)

	// Size the group block from its own layout.
	g.Cgsize = math.MaxInt32
	l, err := LayoutFor(g)
	if err != nil {
		return Geometry{}, err
	}

	g.Cgsize = roundup(int32(l.Size()), p.Fsize)
	g.Iblkno = g.Cblkno + roundup(howmany(g.Cgsize, p.Fsize), p.Frag)
	g.Dblkno = g.Iblkno + roundup(howmany(p.Ipg*dinodeSize, p.Fsize), p.Frag)
	g.Csaddr = g.Dblkno
	g.Cssize = g.Ncg * csumSize

	for c := 0; c < int(g.Ncg); c++ {
		dmin := g.cgstart(c) + int64(g.Dblkno)
		if c == 0 {
			dmin += int64(g.summaryFrags())
		}

		if _, dmax := g.groupFrags(c); dmax <= dmin {
			return Geometry{}, merry.Prependf(ErrBadGeometry, "group %d has no room for data", c)
		}
	}

	if err := g.validate(); err != nil {
		return Geometry{}, err
	}

	return g, nil
}

// summaryFrags returns the fragments taken by the summary area.
func (g Geometry) summaryFrags() int32 {
	return howmany(g.Cssize, g.Fsize)
}

// Builder lays out a fresh UFS filesystem on a BlockStore. It keeps the
// allocation state in memory, in the same form the checker takes it (one
// classification per inode and one bit per fragment), so callers can build
// an image, damage it, and check it against what the builder knows.
type Builder struct {
	store BlockStore
	geo   Geometry
	codec cgCodec
	time  int32
	debug bool

	inodes    []InodeState
	blocks    *RoaringMap
	nextInode int64
}

// NewBuilder creates a builder for a filesystem described by p. Nothing is
// written until Write. Group metadata, the summary area and the root
// directory are allocated up front.
func NewBuilder(store BlockStore, p Params) (*Builder, error) {
	p = p.withDefaults()

	geo, err := p.geometry()
	if err != nil {
		return nil, err
	}

	codec, err := newCodec(geo)
	if err != nil {
		return nil, err
	}

	b := &Builder{
		store:     store,
		geo:       geo,
		codec:     codec,
		time:      p.Time,
		debug:     p.Debug,
		inodes:    make([]InodeState, geo.inodes()),
		blocks:    NewRoaringMap(int64(geo.Size)),
		nextInode: RootIno + 1,
	}

	b.reserveMetadata()

	if err := b.SetInode(RootIno, InodeDirectory); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	if _, err := b.AllocFrags(1); err != nil {
		return nil, fmt.Errorf("failed to allocate root directory block: %w", err)
	}

	return b, nil
}

// Geometry returns the geometry of the filesystem being built.
func (b *Builder) Geometry() Geometry {
	return b.geo
}

// Inodes returns a copy of the inode classification.
func (b *Builder) Inodes() []InodeState {
	return append([]InodeState(nil), b.inodes...)
}

// Blocks returns a copy of the fragment allocation map.
func (b *Builder) Blocks() *RoaringMap {
	return b.blocks.Clone()
}
