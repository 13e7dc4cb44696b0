package ufsck

import (
	"fmt"
)

// reserveMetadata marks each group's boot area, superblock copy, group
// block and inode blocks as allocated, plus the summary area in group 0.
func (b *Builder) reserveMetadata() {
	g := b.geo

	for c := 0; c < int(g.Ncg); c++ {
		base := g.cgbase(c)
		b.blocks.Mark(base, g.cgstart(c)+int64(g.Dblkno)-base)
	}

	b.blocks.Mark(int64(g.Csaddr), int64(g.summaryFrags()))
}

// SetInode records the classification of inode ino. Inodes below RootIno
// are reserved and cannot be set.
func (b *Builder) SetInode(ino int64, state InodeState) error {
	if ino < RootIno || ino >= int64(len(b.inodes)) {
		return fmt.Errorf("inode %d out of range [%d, %d)", ino, RootIno, len(b.inodes))
	}

	b.inodes[ino] = state
	return nil
}

// AllocInode allocates the lowest free inode number and classifies it.
func (b *Builder) AllocInode(state InodeState) (int64, error) {
	if state == InodeUnused {
		return 0, fmt.Errorf("cannot allocate an inode as %s", state)
	}

	for ino := b.nextInode; ino < int64(len(b.inodes)); ino++ {
		if b.inodes[ino] != InodeUnused {
			continue
		}

		b.inodes[ino] = state
		b.nextInode = ino + 1
		return ino, nil
	}

	return 0, fmt.Errorf("out of inodes: %d", len(b.inodes))
}

// FreeInode marks inode ino unused.
func (b *Builder) FreeInode(ino int64) error {
	if err := b.SetInode(ino, InodeUnused); err != nil {
		return err
	}

	if ino < b.nextInode {
		b.nextInode = ino
	}

	return nil
}

// blockFree counts the free fragments of the block starting at d. Fragments
// past the end of the filesystem count as allocated.
func (b *Builder) blockFree(d int64) int {
	n := 0
	for j := int64(0); j < int64(b.geo.Frag); j++ {
		if d+j < int64(b.geo.Size) && !b.blocks.Allocated(d+j) {
			n++
		}
	}

	return n
}

// AllocBlock allocates the first completely free block and returns the
// address of its first fragment.
func (b *Builder) AllocBlock() (int64, error) {
	frag := int64(b.geo.Frag)

	for d := int64(0); d+frag <= int64(b.geo.Size); d += frag {
		if b.blockFree(d) == int(frag) {
			b.blocks.Mark(d, frag)
			return d, nil
		}
	}

	return 0, fmt.Errorf("out of blocks")
}

// AllocFrags allocates n contiguous fragments within one block. Like the
// kernel allocator it prefers a run inside an already broken block and only
// breaks up a free block when no such run exists.
func (b *Builder) AllocFrags(n int) (int64, error) {
	frag := int64(b.geo.Frag)
	switch {
	case n < 1 || int64(n) > frag:
		return 0, fmt.Errorf("cannot allocate %d fragments in blocks of %d", n, frag)
	case int64(n) == frag:
		return b.AllocBlock()
	}

	for d := int64(0); d < int64(b.geo.Size); d += frag {
		free := b.blockFree(d)
		if free == int(frag) || free < n {
			continue
		}

		if start, ok := b.findRun(d, n); ok {
			b.blocks.Mark(start, int64(n))
			return start, nil
		}
	}

	d, err := b.AllocBlock()
	if err != nil {
		return 0, fmt.Errorf("out of fragments: need %d", n)
	}

	b.blocks.Unmark(d+int64(n), frag-int64(n))
	return d, nil
}

// findRun looks for n free fragments in a row inside the block at d.
func (b *Builder) findRun(d int64, n int) (int64, bool) {
	run := 0
	for j := int64(0); j < int64(b.geo.Frag) && d+j < int64(b.geo.Size); j++ {
		if b.blocks.Allocated(d + j) {
			run = 0
			continue
		}

		run++
		if run == n {
			return d + j - int64(n) + 1, true
		}
	}

	return 0, false
}

// FreeFrags marks n fragments starting at start free.
func (b *Builder) FreeFrags(start int64, n int) error {
	if start < 0 || n < 0 || start+int64(n) > int64(b.geo.Size) {
		return fmt.Errorf("fragments [%d, %d) out of range", start, start+int64(n))
	}

	b.blocks.Unmark(start, int64(n))
	return nil
}
