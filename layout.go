package ufsck

import (
	"fmt"

	"github.com/ansel1/merry"
)

// Region is a byte range within a cylinder group buffer.
type Region struct {
	Off int
	Len int
}

// End returns the offset just past the region.
func (r Region) End() int {
	return r.Off + r.Len
}

// CGLayout holds the byte positions of every part of a cylinder group for one
// postbl format. All offsets are derived from the geometry, never from the
// offset fields stored in a group, so a corrupted group cannot steer the
// checker into the wrong bytes.
type CGLayout struct {
	Format int32

	Header    Region // fixed fields, compared field by field
	Btot      Region // per-cylinder free block totals
	Rotpos    Region // per-cylinder, per-rotational-position free blocks
	InodeMap  Region // inodes in use
	BlockMap  Region // free fragments
	MagicOff  int    // where cg_magic lives
	Cylinders int    // rows of the btot and rotpos tables
	Nrpos     int    // columns of the rotpos table
	InodeBits int64
	BlockBits int64
}

// Summary returns the region covering both summary tables.
func (l CGLayout) Summary() Region {
	return Region{Off: l.Btot.Off, Len: l.Rotpos.End() - l.Btot.Off}
}

// Size returns the number of bytes the layout occupies.
func (l CGLayout) Size() int {
	end := l.BlockMap.End()
	if l.MagicOff+4 > end {
		end = l.MagicOff + 4
	}

	return end
}

// LayoutFor computes the cylinder group layout declared by the geometry.
//
// Legacy groups (struct ocg) have fixed tables of 32 cylinders by 8
// rotational positions whatever the superblock says. Dynamic groups (struct
// cg) size their tables from fs_cpg, fs_nrpos and fs_ipg. Dynamic groups with
// a cluster summary are not supported.
func LayoutFor(g Geometry) (CGLayout, error) {
	var l CGLayout

	switch g.PostblFormat {
	case PostblLegacy:
		if g.Cpg > legacyMaxCpg || g.Ipg > legacyMaxIpg {
			return l, merry.Prependf(ErrBadGeometry, "legacy group with cpg %d ipg %d", g.Cpg, g.Ipg)
		}

		l = CGLayout{
			Format:    PostblLegacy,
			Header:    Region{Off: 0, Len: ocgHeaderLen},
			Btot:      Region{Off: ocgBtotOff, Len: legacyMaxCpg * 4},
			Rotpos:    Region{Off: ocgBOff, Len: legacyMaxCpg * legacyNrpos * 2},
			InodeMap:  Region{Off: ocgIusedOff, Len: ocgIusedLen},
			BlockMap:  Region{Off: ocgFreeOff, Len: int(howmany(g.Fpg, 8))},
			MagicOff:  ocgMagicOff,
			Cylinders: legacyMaxCpg,
			Nrpos:     legacyNrpos,
		}

	case PostblDynamic:
		if g.ContigSumSize != 0 {
			return l, merry.Prependf(ErrUnsupportedLayout, "cluster summary size %d", g.ContigSumSize)
		}

		if g.Nrpos <= 0 {
			return l, merry.Prependf(ErrBadGeometry, "fs_nrpos %d", g.Nrpos)
		}

		btotoff := cgHeaderLen
		boff := btotoff + int(g.Cpg)*4
		iusedoff := boff + int(g.Cpg)*int(g.Nrpos)*2
		freeoff := iusedoff + int(howmany(g.Ipg, 8))
		nextfreeoff := freeoff + int(howmany(g.Fpg, 8))

		l = CGLayout{
			Format:    PostblDynamic,
			Header:    Region{Off: 0, Len: cgHeaderLen},
			Btot:      Region{Off: btotoff, Len: boff - btotoff},
			Rotpos:    Region{Off: boff, Len: iusedoff - boff},
			InodeMap:  Region{Off: iusedoff, Len: freeoff - iusedoff},
			BlockMap:  Region{Off: freeoff, Len: nextfreeoff - freeoff},
			MagicOff:  cgMagicOff,
			Cylinders: int(g.Cpg),
			Nrpos:     int(g.Nrpos),
		}

	default:
		return l, merry.Prependf(ErrUnsupportedLayout, "postbl format %d", g.PostblFormat)
	}

	l.InodeBits = int64(g.Ipg)
	l.BlockBits = int64(g.Fpg)

	if l.Size() > int(g.Cgsize) {
		return l, merry.Prependf(ErrBadGeometry, "cylinder group needs %d bytes, fs_cgsize is %d", l.Size(), g.Cgsize)
	}

	return l, nil
}

// withLegacyRotation returns the geometry a legacy group is computed with:
// its tables always have 8 rotational positions. The receiver is a copy,
// so the superblock's own fs_nrpos is left alone.
func (g Geometry) withLegacyRotation() Geometry {
	g.Nrpos = legacyNrpos
	return g
}

// String returns a human-readable description of the layout.
func (l CGLayout) String() string {
	format := "legacy"
	if l.Format == PostblDynamic {
		format = "dynamic"
	}

	return fmt.Sprintf(`Cylinder Group Layout (%s):
  Header: %d+%d
  Block totals: %d+%d
  Rotational positions: %d+%d (%d x %d)
  Inode map: %d+%d
  Block map: %d+%d
  Magic at: %d`,
		format,
		l.Header.Off, l.Header.Len,
		l.Btot.Off, l.Btot.Len,
		l.Rotpos.Off, l.Rotpos.Len, l.Cylinders, l.Nrpos,
		l.InodeMap.Off, l.InodeMap.Len,
		l.BlockMap.Off, l.BlockMap.Len,
		l.MagicOff)
}
