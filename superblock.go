package ufsck

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ansel1/merry"
)

// Geometry holds the filesystem parameters the checker needs, taken from the
// superblock once per run. It is passed by value and never mutated; the
// legacy codec works on an adjusted copy.
type Geometry struct {
	Fsize int32 // fragment size in bytes
	Bsize int32 // block size in bytes
	Frag  int32 // fragments per block
	Fpg   int32 // fragments per group
	Ipg   int32 // inodes per group
	Cpg   int32 // cylinders per group
	Ncg   int32 // number of cylinder groups
	Ncyl  int32 // cylinders in the filesystem
	Size  int32 // fragments in the filesystem

	// Rotational layout
	Nrpos      int32
	Spc        int32 // sectors per cylinder
	Nspf       int32 // sectors per fragment
	Nsect      int32
	Npsect     int32
	Trackskew  int32
	Interleave int32

	// Cylinder group placement
	Cgsize   int32
	Sblkno   int32
	Cblkno   int32
	Iblkno   int32
	Dblkno   int32
	Cgoffset int32
	Cgmask   int32
	Fsbtodb  int32

	// Summary area
	Csaddr int32
	Cssize int32

	PostblFormat  int32
	ContigSumSize int32
}

// Superblock is a decoded superblock together with the raw sector buffer it
// came from, so that fields the checker does not interpret survive a write.
type Superblock struct {
	sb  superblock
	raw []byte
}

// ReadSuperblock loads and validates the primary superblock.
func ReadSuperblock(store BlockStore) (*Superblock, error) {
	raw, err := store.ReadBlock(superblockBlk, superblockLen)
	if err != nil {
		return nil, merry.Prepend(merry.Wrap(err), "read superblock")
	}

	return DecodeSuperblock(raw)
}

// DecodeSuperblock decodes a superblock from an SBSIZE buffer.
func DecodeSuperblock(raw []byte) (*Superblock, error) {
	if len(raw) < superblockHeaderLen {
		return nil, merry.Prependf(ErrBadSuperblock, "short superblock buffer (%d bytes)", len(raw))
	}

	s := &Superblock{raw: raw}
	if err := binary.Read(bytes.NewReader(raw[:superblockHeaderLen]), binary.LittleEndian, &s.sb); err != nil {
		return nil, fmt.Errorf("failed to decode superblock: %w", err)
	}

	if s.sb.Magic != fsMagic {
		return nil, merry.Prependf(ErrBadSuperblock, "magic %#x", s.sb.Magic)
	}

	return s, nil
}

// encode writes the decoded fields back over the raw buffer.
func (s *Superblock) encode() error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &s.sb); err != nil {
		return fmt.Errorf("failed to encode superblock: %w", err)
	}

	copy(s.raw, buf.Bytes())
	return nil
}

// Bytes returns the encoded superblock buffer.
func (s *Superblock) Bytes() ([]byte, error) {
	if err := s.encode(); err != nil {
		return nil, err
	}

	return s.raw, nil
}

// Totals returns the persisted cumulative summary (fs_cstotal).
func (s *Superblock) Totals() Csum {
	return s.sb.Cstotal
}

// NeedsCheck reports whether the superblock-modified flag is set.
func (s *Superblock) NeedsCheck() bool {
	return s.sb.Fmod != 0
}

// ReadOnly reports whether the read-only mount flag is set.
func (s *Superblock) ReadOnly() bool {
	return s.sb.Ronly != 0
}

// Geometry extracts the checker's view of the filesystem parameters.
func (s *Superblock) Geometry() Geometry {
	sb := &s.sb
	return Geometry{
		Fsize:         sb.Fsize,
		Bsize:         sb.Bsize,
		Frag:          sb.Frag,
		Fpg:           sb.Fpg,
		Ipg:           sb.Ipg,
		Cpg:           sb.Cpg,
		Ncg:           sb.Ncg,
		Ncyl:          sb.Ncyl,
		Size:          sb.Size,
		Nrpos:         sb.Nrpos,
		Spc:           sb.Spc,
		Nspf:          sb.Nspf,
		Nsect:         sb.Nsect,
		Npsect:        sb.Npsect,
		Trackskew:     sb.Trackskew,
		Interleave:    sb.Interleave,
		Cgsize:        sb.Cgsize,
		Sblkno:        sb.Sblkno,
		Cblkno:        sb.Cblkno,
		Iblkno:        sb.Iblkno,
		Dblkno:        sb.Dblkno,
		Cgoffset:      sb.Cgoffset,
		Cgmask:        sb.Cgmask,
		Fsbtodb:       sb.Fsbtodb,
		Csaddr:        sb.Csaddr,
		Cssize:        sb.Cssize,
		PostblFormat:  sb.Postblformat,
		ContigSumSize: sb.ContigSumSize,
	}
}

// validate rejects geometries that would make the address arithmetic
// divide by zero, run past the filesystem or index past the per-cylinder
// tables. Legacy groups always use 8 rotational positions, so fs_nrpos is
// not required there.
func (g Geometry) validate() error {
	switch {
	case g.Frag < 1 || g.Frag > MaxFrag:
		return merry.Prependf(ErrBadGeometry, "fs_frag %d", g.Frag)
	case g.Fpg <= 0 || g.Fpg%g.Frag != 0:
		return merry.Prependf(ErrBadGeometry, "fs_fpg %d", g.Fpg)
	case g.Ipg <= 0, g.Cpg <= 0, g.Ncg <= 0:
		return merry.Prependf(ErrBadGeometry, "ipg %d cpg %d ncg %d", g.Ipg, g.Cpg, g.Ncg)
	case g.Spc <= 0 || g.Nsect <= 0 || g.Npsect <= 0 || g.Nspf <= 0:
		return merry.Prependf(ErrBadGeometry, "spc %d nsect %d npsect %d nspf %d", g.Spc, g.Nsect, g.Npsect, g.Nspf)
	case g.Size <= 0 || int64(g.Size) > int64(g.Ncg)*int64(g.Fpg):
		return merry.Prependf(ErrBadGeometry, "fs_size %d exceeds %d groups of %d", g.Size, g.Ncg, g.Fpg)
	case int64(g.Fpg)*int64(g.Nspf) > int64(g.Cpg)*int64(g.Spc):
		return merry.Prependf(ErrBadGeometry, "%d fragments do not fit %d cylinders of %d sectors", g.Fpg, g.Cpg, g.Spc)
	case g.Npsect < g.Nsect || g.Trackskew < 0 || g.Interleave < 0:
		return merry.Prependf(ErrBadGeometry, "nsect %d npsect %d trackskew %d interleave %d", g.Nsect, g.Npsect, g.Trackskew, g.Interleave)
	case g.Nrpos <= 0 && g.PostblFormat != PostblLegacy:
		return merry.Prependf(ErrBadGeometry, "fs_nrpos %d", g.Nrpos)
	case g.Fsbtodb < 0 || g.Fsbtodb > 31 || g.Cgoffset < 0:
		return merry.Prependf(ErrBadGeometry, "fsbtodb %d cgoffset %d", g.Fsbtodb, g.Cgoffset)
	}

	return nil
}

// fsbtodb converts a fragment address to a DEV_BSIZE block address.
func (g Geometry) fsbtodb(frag int64) int64 {
	return frag << g.Fsbtodb
}

// cgbase returns the first fragment of group c.
func (g Geometry) cgbase(c int) int64 {
	return int64(g.Fpg) * int64(c)
}

// cgstart returns the start of group c's metadata, staggered by fs_cgoffset.
func (g Geometry) cgstart(c int) int64 {
	return g.cgbase(c) + int64(g.Cgoffset)*int64(int32(c)&^g.Cgmask)
}

// cgtod returns the fragment address of group c's cylinder group block.
func (g Geometry) cgtod(c int) int64 {
	return g.cgstart(c) + int64(g.Cblkno)
}

// GroupOffset returns the byte offset of group c's cylinder group block in
// the image.
func (g Geometry) GroupOffset(c int) int64 {
	return g.fsbtodb(g.cgtod(c)) * devBsize
}

// cbtocylno returns the cylinder, relative to its group, holding the
// fragment at group offset bno.
func (g Geometry) cbtocylno(bno int64) int {
	return int(bno * int64(g.Nspf) / int64(g.Spc))
}

// cbtorpos returns the rotational position of the fragment at group
// offset bno.
func (g Geometry) cbtorpos(bno int64) int {
	sect := bno * int64(g.Nspf) % int64(g.Spc)
	pos := sect/int64(g.Nsect)*int64(g.Trackskew) + sect%int64(g.Nsect)*int64(g.Interleave)
	return int(pos % int64(g.Nsect) * int64(g.Nrpos) / int64(g.Npsect))
}

// groupFrags returns group c's fragment range [dbase, dmax).
func (g Geometry) groupFrags(c int) (int64, int64) {
	dbase := g.cgbase(c)
	dmax := dbase + int64(g.Fpg)
	if dmax > int64(g.Size) {
		dmax = int64(g.Size)
	}

	return dbase, dmax
}

// groupCylinders returns cg_ncyl for group c. The last group gets
// fs_ncyl % fs_cpg, as newfs writes it.
func (g Geometry) groupCylinders(c int) int32 {
	if c == int(g.Ncg)-1 {
		return g.Ncyl % g.Cpg
	}

	return g.Cpg
}

// inodes returns the number of inode numbers the filesystem has.
func (g Geometry) inodes() int64 {
	return int64(g.Ncg) * int64(g.Ipg)
}

// String returns a human-readable description of the geometry.
func (g Geometry) String() string {
	format := "legacy"
	if g.PostblFormat == PostblDynamic {
		format = "dynamic"
	}

	return fmt.Sprintf(`Filesystem Geometry:
  Fragment size: %d (frag %d, block %d)
  Fragments: %d in %d groups of %d
  Inodes per group: %d
  Cylinders: %d, %d per group
  Rotational positions: %d
  Cylinder group block: %d bytes, %s format`,
		g.Fsize, g.Frag, g.Bsize,
		g.Size, g.Ncg, g.Fpg,
		g.Ipg,
		g.Ncyl, g.Cpg,
		g.Nrpos,
		g.Cgsize, format)
}

// readCsums loads the per-group summary table from the summary area.
func readCsums(store BlockStore, g Geometry) (*buffer, []Csum, error) {
	size := int(roundup(g.Cssize, g.Fsize))
	if int64(size) < int64(g.Ncg)*csumSize {
		return nil, nil, merry.Prependf(ErrBadGeometry, "summary area of %d bytes for %d groups", size, g.Ncg)
	}

	blkno := g.fsbtodb(int64(g.Csaddr))
	data, err := store.ReadBlock(blkno, size)
	if err != nil {
		return nil, nil, merry.Prepend(merry.Wrap(err), "read cylinder group summary")
	}

	csums := make([]Csum, g.Ncg)
	if err := binary.Read(bytes.NewReader(data[:int(g.Ncg)*csumSize]), binary.LittleEndian, csums); err != nil {
		return nil, nil, fmt.Errorf("failed to decode cylinder group summary: %w", err)
	}

	return &buffer{blkno: blkno, data: data}, csums, nil
}

// encodeCsums writes the summary table back into its buffer.
func encodeCsums(b *buffer, csums []Csum) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, csums); err != nil {
		return fmt.Errorf("failed to encode cylinder group summary: %w", err)
	}

	copy(b.data, buf.Bytes())
	return nil
}
