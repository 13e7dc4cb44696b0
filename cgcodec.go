package ufsck

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ansel1/merry"
)

// CGHeader is the fixed part of a cylinder group, in a form common to both
// layouts. Legacy groups have no offset, cluster or spare fields (they stay
// zero), keep cg_rlink where dynamic groups keep cg_magic, and store their
// magic number after the inode map.
type CGHeader struct {
	Link   int32
	Rlink  int32
	Magic  int32
	Time   int32
	Cgx    int32
	Ncyl   int16
	Niblk  int16
	Ndblk  int32
	Cs     Csum
	Rotor  int32
	Frotor int32
	Irotor int32
	Frsum  [MaxFrag]int32

	Btotoff       int32
	Boff          int32
	Iusedoff      int32
	Freeoff       int32
	Nextfreeoff   int32
	Clustersumoff int32
	Clusteroff    int32
	Nclusterblks  int32
	Sparecon      [13]int32
}

// CylinderGroup is a decoded cylinder group, either read from disk or
// computed by Accumulate.
type CylinderGroup struct {
	Header CGHeader

	// Btot holds the free block count of each cylinder.
	Btot []int32

	// Rotpos holds free block counts per cylinder and rotational position,
	// row-major; see Blks.
	Rotpos []int16

	InodesUsed *Bitmap // set bit: inode in use
	BlocksFree *Bitmap // set bit: fragment free

	layout CGLayout
}

// newCylinderGroup returns an all-zero group shaped for l.
func newCylinderGroup(l CGLayout) *CylinderGroup {
	return &CylinderGroup{
		Btot:       make([]int32, l.Cylinders),
		Rotpos:     make([]int16, l.Cylinders*l.Nrpos),
		InodesUsed: BitmapOf(make([]byte, l.InodeMap.Len), l.InodeBits),
		BlocksFree: BitmapOf(make([]byte, l.BlockMap.Len), l.BlockBits),
		layout:     l,
	}
}

// Blks returns the rotational-position row of cylinder cyl.
func (cg *CylinderGroup) Blks(cyl int) []int16 {
	n := cg.layout.Nrpos
	return cg.Rotpos[cyl*n : (cyl+1)*n]
}

// Layout returns the layout the group was decoded with or built for.
func (cg *CylinderGroup) Layout() CGLayout {
	return cg.layout
}

// regionSet selects parts of a cylinder group buffer to encode.
type regionSet uint8

const (
	regionHeader regionSet = 1 << iota
	regionSummary
	regionMaps

	regionAll = regionHeader | regionSummary | regionMaps
)

// cgCodec reads and writes cylinder groups of one postbl format. A run
// selects its codec once from the geometry.
type cgCodec interface {
	// Layout returns the byte layout the codec works with.
	Layout() CGLayout

	// Geometry returns the geometry groups are computed against, which may
	// differ from the superblock's (legacy groups force 8 positions).
	Geometry() Geometry

	checkMagic(buf []byte) bool
	decode(buf []byte) (*CylinderGroup, error)
	encode(cg *CylinderGroup, buf []byte, regions regionSet) error
}

// newCodec validates the geometry and returns the codec for its format.
func newCodec(g Geometry) (cgCodec, error) {
	if err := g.validate(); err != nil {
		return nil, err
	}

	if g.PostblFormat == PostblLegacy {
		g = g.withLegacyRotation()
	}

	l, err := LayoutFor(g)
	if err != nil {
		return nil, err
	}

	base := tableCodec{layout: l, geo: g}
	if l.Format == PostblLegacy {
		return &legacyCodec{base}, nil
	}

	return &dynamicCodec{base}, nil
}

// tableCodec handles the summary tables and maps, which are placed by the
// layout alone and are encoded the same way in both formats.
type tableCodec struct {
	layout CGLayout
	geo    Geometry
}

func (c *tableCodec) Layout() CGLayout {
	return c.layout
}

func (c *tableCodec) Geometry() Geometry {
	return c.geo
}

func (c *tableCodec) checkSize(buf []byte) error {
	if len(buf) < c.layout.Size() {
		return merry.Prependf(ErrBadGeometry, "cylinder group buffer of %d bytes, layout needs %d", len(buf), c.layout.Size())
	}

	return nil
}

func readInt32(buf []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(buf[off:]))
}

func putInt32(buf []byte, off int, v int32) {
	binary.LittleEndian.PutUint32(buf[off:], uint32(v))
}

func (c *tableCodec) decodeTables(buf []byte, cg *CylinderGroup) error {
	l := c.layout

	if err := binary.Read(bytes.NewReader(buf[l.Btot.Off:l.Btot.End()]), binary.LittleEndian, cg.Btot); err != nil {
		return fmt.Errorf("failed to decode block totals: %w", err)
	}

	if err := binary.Read(bytes.NewReader(buf[l.Rotpos.Off:l.Rotpos.End()]), binary.LittleEndian, cg.Rotpos); err != nil {
		return fmt.Errorf("failed to decode rotational position table: %w", err)
	}

	copy(cg.InodesUsed.Bytes(), buf[l.InodeMap.Off:l.InodeMap.End()])
	copy(cg.BlocksFree.Bytes(), buf[l.BlockMap.Off:l.BlockMap.End()])

	return nil
}

func (c *tableCodec) encodeSummary(buf []byte, cg *CylinderGroup) error {
	l := c.layout

	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, cg.Btot); err != nil {
		return fmt.Errorf("failed to encode block totals: %w", err)
	}

	if err := binary.Write(&b, binary.LittleEndian, cg.Rotpos); err != nil {
		return fmt.Errorf("failed to encode rotational position table: %w", err)
	}

	copy(buf[l.Btot.Off:l.Btot.End()], b.Bytes()[:l.Btot.Len])
	copy(buf[l.Rotpos.Off:l.Rotpos.End()], b.Bytes()[l.Btot.Len:])

	return nil
}

func (c *tableCodec) encodeMaps(buf []byte, cg *CylinderGroup) {
	l := c.layout

	copy(buf[l.InodeMap.Off:l.InodeMap.End()], cg.InodesUsed.Bytes())
	copy(buf[l.BlockMap.Off:l.BlockMap.End()], cg.BlocksFree.Bytes())
}

// dynamicCodec handles struct cg.
type dynamicCodec struct {
	tableCodec
}

func (c *dynamicCodec) checkMagic(buf []byte) bool {
	return len(buf) >= cgMagicOff+4 && readInt32(buf, cgMagicOff) == CGMagic
}

func (c *dynamicCodec) decode(buf []byte) (*CylinderGroup, error) {
	if err := c.checkSize(buf); err != nil {
		return nil, err
	}

	var h cgHeaderDisk
	if err := binary.Read(bytes.NewReader(buf[:cgHeaderLen]), binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("failed to decode cylinder group header: %w", err)
	}

	cg := newCylinderGroup(c.layout)
	cg.Header = CGHeader{
		Link:          h.Firstfield,
		Magic:         h.Magic,
		Time:          h.Time,
		Cgx:           h.Cgx,
		Ncyl:          h.Ncyl,
		Niblk:         h.Niblk,
		Ndblk:         h.Ndblk,
		Cs:            h.Cs,
		Rotor:         h.Rotor,
		Frotor:        h.Frotor,
		Irotor:        h.Irotor,
		Frsum:         h.Frsum,
		Btotoff:       h.Btotoff,
		Boff:          h.Boff,
		Iusedoff:      h.Iusedoff,
		Freeoff:       h.Freeoff,
		Nextfreeoff:   h.Nextfreeoff,
		Clustersumoff: h.Clustersumoff,
		Clusteroff:    h.Clusteroff,
		Nclusterblks:  h.Nclusterblks,
		Sparecon:      h.Sparecon,
	}

	if err := c.decodeTables(buf, cg); err != nil {
		return nil, err
	}

	return cg, nil
}

func (c *dynamicCodec) encode(cg *CylinderGroup, buf []byte, regions regionSet) error {
	if err := c.checkSize(buf); err != nil {
		return err
	}

	if regions&regionHeader != 0 {
		hd := &cg.Header
		h := cgHeaderDisk{
			Firstfield:    hd.Link,
			Magic:         hd.Magic,
			Time:          hd.Time,
			Cgx:           hd.Cgx,
			Ncyl:          hd.Ncyl,
			Niblk:         hd.Niblk,
			Ndblk:         hd.Ndblk,
			Cs:            hd.Cs,
			Rotor:         hd.Rotor,
			Frotor:        hd.Frotor,
			Irotor:        hd.Irotor,
			Frsum:         hd.Frsum,
			Btotoff:       hd.Btotoff,
			Boff:          hd.Boff,
			Iusedoff:      hd.Iusedoff,
			Freeoff:       hd.Freeoff,
			Nextfreeoff:   hd.Nextfreeoff,
			Clustersumoff: hd.Clustersumoff,
			Clusteroff:    hd.Clusteroff,
			Nclusterblks:  hd.Nclusterblks,
			Sparecon:      hd.Sparecon,
		}

		var b bytes.Buffer
		if err := binary.Write(&b, binary.LittleEndian, &h); err != nil {
			return fmt.Errorf("failed to encode cylinder group header: %w", err)
		}

		copy(buf[:cgHeaderLen], b.Bytes())
	}

	if regions&regionSummary != 0 {
		if err := c.encodeSummary(buf, cg); err != nil {
			return err
		}
	}

	if regions&regionMaps != 0 {
		c.encodeMaps(buf, cg)
	}

	return nil
}

// legacyCodec handles struct ocg.
type legacyCodec struct {
	tableCodec
}

func (c *legacyCodec) checkMagic(buf []byte) bool {
	return len(buf) >= ocgMagicOff+4 && readInt32(buf, ocgMagicOff) == CGMagic
}

func (c *legacyCodec) decode(buf []byte) (*CylinderGroup, error) {
	if err := c.checkSize(buf); err != nil {
		return nil, err
	}

	var h ocgHeaderDisk
	if err := binary.Read(bytes.NewReader(buf[:ocgHeaderLen]), binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("failed to decode cylinder group header: %w", err)
	}

	cg := newCylinderGroup(c.layout)
	cg.Header = CGHeader{
		Link:   h.Link,
		Rlink:  h.Rlink,
		Magic:  readInt32(buf, ocgMagicOff),
		Time:   h.Time,
		Cgx:    h.Cgx,
		Ncyl:   h.Ncyl,
		Niblk:  h.Niblk,
		Ndblk:  h.Ndblk,
		Cs:     h.Cs,
		Rotor:  h.Rotor,
		Frotor: h.Frotor,
		Irotor: h.Irotor,
		Frsum:  h.Frsum,
	}

	if err := c.decodeTables(buf, cg); err != nil {
		return nil, err
	}

	return cg, nil
}

func (c *legacyCodec) encode(cg *CylinderGroup, buf []byte, regions regionSet) error {
	if err := c.checkSize(buf); err != nil {
		return err
	}

	if regions&regionHeader != 0 {
		hd := &cg.Header
		h := ocgHeaderDisk{
			Link:   hd.Link,
			Rlink:  hd.Rlink,
			Time:   hd.Time,
			Cgx:    hd.Cgx,
			Ncyl:   hd.Ncyl,
			Niblk:  hd.Niblk,
			Ndblk:  hd.Ndblk,
			Cs:     hd.Cs,
			Rotor:  hd.Rotor,
			Frotor: hd.Frotor,
			Irotor: hd.Irotor,
			Frsum:  hd.Frsum,
		}

		var b bytes.Buffer
		if err := binary.Write(&b, binary.LittleEndian, &h); err != nil {
			return fmt.Errorf("failed to encode cylinder group header: %w", err)
		}

		copy(buf[:ocgHeaderLen], b.Bytes())
	}

	if regions&regionSummary != 0 {
		if err := c.encodeSummary(buf, cg); err != nil {
			return err
		}
	}

	// The magic number sits between the two maps.
	if regions&regionMaps != 0 {
		c.encodeMaps(buf, cg)
		putInt32(buf, ocgMagicOff, cg.Header.Magic)
	}

	return nil
}
