package ufsck

import (
	"fmt"
)

// Write lays the filesystem out on the store: every cylinder group, then
// the summary area, then the primary superblock and its copies. All counts
// are computed from the builder's allocation state, so a freshly written
// image checks clean.
func (b *Builder) Write() error {
	csums, err := b.writeGroups()
	if err != nil {
		return err
	}

	if err := b.writeSummary(csums); err != nil {
		return err
	}

	return b.writeSuperblock(Aggregate(csums))
}

// writeGroups encodes and writes each cylinder group block.
func (b *Builder) writeGroups() ([]Csum, error) {
	g := b.geo
	csums := make([]Csum, g.Ncg)

	for c := range csums {
		cg := accumulate(c, b.codec, b.inodes, b.blocks)
		cg.Header.Time = b.time

		buf := make([]byte, g.Cgsize)
		if err := b.codec.encode(cg, buf, regionAll); err != nil {
			return nil, fmt.Errorf("failed to encode cylinder group %d: %w", c, err)
		}

		if err := b.store.WriteBlock(g.fsbtodb(g.cgtod(c)), buf); err != nil {
			return nil, fmt.Errorf("failed to write cylinder group %d: %w", c, err)
		}

		csums[c] = cg.Header.Cs
	}

	if b.debug {
		fmt.Printf("✓ Cylinder groups written (%d groups, %s)\n", g.Ncg, b.codec.Layout().String())
	}

	return csums, nil
}

// writeSummary writes the per-group summary table at fs_csaddr.
func (b *Builder) writeSummary(csums []Csum) error {
	g := b.geo
	buf := &buffer{
		blkno: g.fsbtodb(int64(g.Csaddr)),
		data:  make([]byte, roundup(g.Cssize, g.Fsize)),
		dirty: true,
	}

	if err := encodeCsums(buf, csums); err != nil {
		return err
	}

	if _, err := buf.flush(b.store); err != nil {
		return fmt.Errorf("failed to write cylinder group summary: %w", err)
	}

	return nil
}

// writeSuperblock writes the primary superblock at SBOFF and a copy at the
// start of every group.
func (b *Builder) writeSuperblock(totals Csum) error {
	sb := &Superblock{
		sb:  b.superblock(totals),
		raw: make([]byte, superblockLen),
	}

	raw, err := sb.Bytes()
	if err != nil {
		return err
	}

	if err := b.store.WriteBlock(superblockBlk, raw); err != nil {
		return fmt.Errorf("failed to write primary superblock: %w", err)
	}

	g := b.geo
	for c := 0; c < int(g.Ncg); c++ {
		blkno := g.fsbtodb(g.cgstart(c) + int64(g.Sblkno))
		if err := b.store.WriteBlock(blkno, raw); err != nil {
			return fmt.Errorf("failed to write superblock copy for group %d: %w", c, err)
		}
	}

	if b.debug {
		fmt.Printf("✓ Superblock written (groups: %d, fragments: %d, free: %s)\n",
			g.Ncg, g.Size, totals.String())
	}

	return nil
}

// superblock fills in struct fs for the builder's geometry.
func (b *Builder) superblock(totals Csum) superblock {
	g := b.geo

	bshift := int32(ilog2(g.Bsize))
	fshift := int32(ilog2(g.Fsize))

	return superblock{
		Sblkno:        g.Sblkno,
		Cblkno:        g.Cblkno,
		Iblkno:        g.Iblkno,
		Dblkno:        g.Dblkno,
		Cgoffset:      g.Cgoffset,
		Cgmask:        g.Cgmask,
		Time:          b.time,
		Size:          g.Size,
		Dsize:         b.dataFrags(),
		Ncg:           g.Ncg,
		Bsize:         g.Bsize,
		Fsize:         g.Fsize,
		Frag:          g.Frag,
		Minfree:       10,
		Rps:           60,
		Bmask:         ^(g.Bsize - 1),
		Fmask:         ^(g.Fsize - 1),
		Bshift:        bshift,
		Fshift:        fshift,
		Maxcontig:     1,
		Maxbpg:        g.Bsize / 4,
		Fragshift:     int32(ilog2(g.Frag)),
		Fsbtodb:       g.Fsbtodb,
		Sbsize:        superblockLen,
		Nindir:        g.Bsize / 4,
		Inopb:         g.Bsize / dinodeSize,
		Nspf:          g.Nspf,
		Npsect:        g.Npsect,
		Interleave:    g.Interleave,
		Trackskew:     g.Trackskew,
		Csaddr:        g.Csaddr,
		Cssize:        g.Cssize,
		Cgsize:        g.Cgsize,
		Ntrak:         1,
		Nsect:         g.Nsect,
		Spc:           g.Spc,
		Ncyl:          g.Ncyl,
		Cpg:           g.Cpg,
		Ipg:           g.Ipg,
		Fpg:           g.Fpg,
		Cstotal:       totals,
		Clean:         1,
		Maxsymlinklen: 60,
		Inodefmt:      2,
		Qbmask:        int64(g.Bsize - 1),
		Qfmask:        int64(g.Fsize - 1),
		Postblformat:  g.PostblFormat,
		Nrpos:         g.Nrpos,
		Magic:         fsMagic,
	}
}

// dataFrags returns fs_dsize, the fragments left after group metadata and
// the summary area.
func (b *Builder) dataFrags() int32 {
	g := b.geo

	var n int64
	for c := 0; c < int(g.Ncg); c++ {
		_, dmax := g.groupFrags(c)
		n += dmax - (g.cgstart(c) + int64(g.Dblkno))
	}

	return int32(n) - g.summaryFrags()
}
