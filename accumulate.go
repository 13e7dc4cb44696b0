package ufsck

import "github.com/ansel1/merry"

// InodeState is the upstream classification of one inode.
type InodeState uint8

const (
	InodeUnused InodeState = iota
	InodeRegular
	InodeDirectory
	InodeDirectoryRef // directory with extra references found by the link pass
)

func (s InodeState) String() string {
	switch s {
	case InodeUnused:
		return "unused"
	case InodeRegular:
		return "regular"
	case InodeDirectory:
		return "directory"
	case InodeDirectoryRef:
		return "directory+ref"
	default:
		return "invalid"
	}
}

// Accumulate computes cylinder group cgx from the inode classification and
// the block map: counts, maps, per-cylinder tables and the fragment
// histogram. Fields that cannot be derived (time and rotors) are left zero.
//
// Fragments at or past fs_size are treated as allocated, so a short last
// block never shows up as free space.
func Accumulate(cgx int, g Geometry, inodes []InodeState, blocks BlockMap) (*CylinderGroup, error) {
	codec, err := newCodec(g)
	if err != nil {
		return nil, err
	}

	if err := checkInput(g, inodes, blocks); err != nil {
		return nil, err
	}

	if cgx < 0 || cgx >= int(g.Ncg) {
		return nil, merry.Prependf(ErrInconsistentInput, "cylinder group %d of %d", cgx, g.Ncg)
	}

	return accumulate(cgx, codec, inodes, blocks), nil
}

// checkInput makes sure the upstream tables cover the whole filesystem.
func checkInput(g Geometry, inodes []InodeState, blocks BlockMap) error {
	if int64(len(inodes)) < g.inodes() {
		return merry.Prependf(ErrInconsistentInput, "%d inode states for %d inodes", len(inodes), g.inodes())
	}

	if blocks == nil || blocks.Len() < int64(g.Size) {
		var n int64
		if blocks != nil {
			n = blocks.Len()
		}
		return merry.Prependf(ErrInconsistentInput, "block map of %d fragments for %d", n, g.Size)
	}

	return nil
}

// accumulate is Accumulate for an already validated run. The result has the
// shape of the codec's layout.
func accumulate(cgx int, codec cgCodec, inodes []InodeState, blocks BlockMap) *CylinderGroup {
	g := codec.Geometry()
	l := codec.Layout()
	cg := newCylinderGroup(l)

	dbase, dmax := g.groupFrags(cgx)

	h := &cg.Header
	h.Magic = CGMagic
	h.Cgx = int32(cgx)
	h.Ncyl = int16(g.groupCylinders(cgx))
	h.Niblk = int16(g.Ipg)
	h.Ndblk = int32(dmax - dbase)
	h.Cs.Nifree = g.Ipg

	if l.Format == PostblDynamic {
		h.Btotoff = int32(l.Btot.Off)
		h.Boff = int32(l.Rotpos.Off)
		h.Iusedoff = int32(l.InodeMap.Off)
		h.Freeoff = int32(l.BlockMap.Off)
		h.Nextfreeoff = int32(l.BlockMap.End())
	}

	accumulateInodes(cgx, g, cg, inodes)
	accumulateBlocks(g, cg, blocks, dbase, dmax)

	return cg
}

// accumulateInodes marks every classified inode of the group in the inode
// map and counts directories.
func accumulateInodes(cgx int, g Geometry, cg *CylinderGroup, inodes []InodeState) {
	h := &cg.Header

	use := func(i int64) {
		if !cg.InodesUsed.Test(i) {
			cg.InodesUsed.Set(i)
			h.Cs.Nifree--
		}
	}

	first := int64(cgx) * int64(g.Ipg)
	for i := int64(0); i < int64(g.Ipg); i++ {
		switch inodes[first+i] {
		case InodeDirectory, InodeDirectoryRef:
			h.Cs.Ndir++
			use(i)
		case InodeRegular:
			use(i)
		}
	}

	// Inodes 0 and 1 are never handed out.
	if cgx == 0 {
		for i := int64(0); i < RootIno && i < int64(g.Ipg); i++ {
			use(i)
		}
	}
}

// accumulateBlocks walks the group one block at a time, recording free
// fragments in the block map and the counts derived from them.
func accumulateBlocks(g Geometry, cg *CylinderGroup, blocks BlockMap, dbase, dmax int64) {
	h := &cg.Header
	frag := int64(g.Frag)
	size := int64(g.Size)

	for i, d := int64(0), dbase; d < dmax; d, i = d+frag, i+frag {
		free := int32(0)
		for j := int64(0); j < frag; j++ {
			if d+j >= size || blocks.Allocated(d+j) {
				continue
			}

			cg.BlocksFree.Set(i + j)
			free++
		}

		switch {
		case free == g.Frag:
			h.Cs.Nbfree++
			cyl := g.cbtocylno(i)
			cg.Btot[cyl]++
			cg.Blks(cyl)[g.cbtorpos(i)]++

		case free > 0:
			h.Cs.Nffree += free
			fragacct(int(g.Frag), cg.BlocksFree.frags(i, int(g.Frag)), &h.Frsum, 1)
		}
	}
}

var (
	around = [MaxFrag + 1]uint{0x3, 0x7, 0xf, 0x1f, 0x3f, 0x7f, 0xff, 0x1ff, 0x3ff}
	inside = [MaxFrag + 1]uint{0x0, 0x2, 0x6, 0xe, 0x1e, 0x3e, 0x7e, 0xfe, 0x1fe}
)

// fragacct adds cnt to fraglist[n] for every maximal run of n free fragments
// in fragmap, the free map of one block (bit j set: fragment j free). Runs
// never extend into neighbouring blocks.
func fragacct(frag int, fragmap uint, fraglist *[MaxFrag]int32, cnt int32) {
	fragmap <<= 1
	for siz := 1; siz < frag; siz++ {
		field := around[siz]
		subfield := inside[siz]
		for pos := siz; pos <= frag; pos++ {
			if fragmap&field == subfield {
				fraglist[siz] += cnt
				pos += siz
				field <<= uint(siz)
				subfield <<= uint(siz)
			}
			field <<= 1
			subfield <<= 1
		}
	}
}
