// Package ufsck verifies and repairs the allocation summaries of a UFS/FFS
// filesystem image: the per-cylinder-group free counts, inode and block
// bitmaps, rotational-position tables and fragment histograms, and the
// superblock's cumulative totals.
//
// The checker does not discover allocation state on its own. Earlier passes
// classify every inode and mark every occupied fragment; the checker takes
// those results, recomputes each cylinder group from scratch and compares
// the result with what is stored on disk.
//
// Example usage:
//
//	img, err := ufsck.Open(ufsck.WithImagePath("disk.img"))
//	if err != nil {
//		return err
//	}
//	defer img.Close()
//
//	report, err := img.Check(ctx, inodes, blocks, ufsck.WithPreen(true))
//	if err != nil {
//		return err
//	}
//	for _, d := range report.Divergences {
//		fmt.Println(d)
//	}
package ufsck

const (
	// Device geometry
	devBsize      = 512 // DEV_BSIZE, unit of BlockStore addresses
	superblockOff = 8192 // SBOFF
	superblockLen = 8192 // SBSIZE
	superblockBlk = superblockOff / devBsize

	// Magic numbers
	fsMagic = 0x011954
	CGMagic = 0x090255

	// Postbl formats (fs_postblformat)
	PostblLegacy  = -1 // FS_42POSTBLFMT: static struct ocg
	PostblDynamic = 1  // FS_DYNAMICPOSTBLFMT: variable length struct cg

	// Limits
	MaxFrag      = 8 // largest fragments-per-block, length of cg_frsum
	legacyMaxCpg = 32
	legacyNrpos  = 8
	legacyMaxIpg = 2048 // 256 byte cg_iused

	// RootIno is the first inode that is not reserved. Inodes below it
	// are always allocated in group 0.
	RootIno = 2

	dinodeSize = 128

	csumSize = 16 // sizeof(struct csum)

	// Sizes of the fixed cylinder group headers
	cgHeaderLen  = 168 // offsetof(struct cg, cg_space)
	ocgHeaderLen = 84  // offsetof(struct ocg, cg_btot)

	// struct ocg fixed regions
	ocgBtotOff   = 84
	ocgBOff      = ocgBtotOff + legacyMaxCpg*4
	ocgIusedOff  = ocgBOff + legacyMaxCpg*legacyNrpos*2
	ocgIusedLen  = legacyMaxIpg / 8
	ocgMagicOff  = ocgIusedOff + ocgIusedLen
	ocgFreeOff   = ocgMagicOff + 4
	cgMagicOff   = 4 // offsetof(struct cg, cg_magic)
	maxMountName = 512
)

// ============================================================================
// On-disk structures (must match the 4.4BSD layout exactly)
// ============================================================================

// Csum is the summary triple kept per group and for the whole filesystem:
// directories, free blocks, free inodes and free fragments. The field order
// is the on-disk order of struct csum.
type Csum struct {
	Ndir   int32 // 0x00: number of directories
	Nbfree int32 // 0x04: number of free blocks
	Nifree int32 // 0x08: number of free inodes
	Nffree int32 // 0x0C: number of free frags
}

// superblock mirrors the fixed part of struct fs (1376 bytes). Only the
// geometry, the summary totals and the state flags are interpreted; every
// other field is carried through unchanged on write-back.
type superblock struct {
	Firstfield    int32                 // 0x000
	Unused1       int32                 // 0x004
	Sblkno        int32                 // 0x008: offset of super-block in cg
	Cblkno        int32                 // 0x00C: offset of cyl-block in cg
	Iblkno        int32                 // 0x010: offset of inode-blocks in cg
	Dblkno        int32                 // 0x014: offset of first data after cg
	Cgoffset      int32                 // 0x018: cylinder group offset in cylinder
	Cgmask        int32                 // 0x01C: used to calc mod fs_ntrak
	Time          int32                 // 0x020: last time written
	Size          int32                 // 0x024: number of fragments in fs
	Dsize         int32                 // 0x028: number of data fragments in fs
	Ncg           int32                 // 0x02C: number of cylinder groups
	Bsize         int32                 // 0x030: size of basic blocks in fs
	Fsize         int32                 // 0x034: size of frag blocks in fs
	Frag          int32                 // 0x038: number of frags in a block
	Minfree       int32                 // 0x03C
	Rotdelay      int32                 // 0x040
	Rps           int32                 // 0x044
	Bmask         int32                 // 0x048
	Fmask         int32                 // 0x04C
	Bshift        int32                 // 0x050
	Fshift        int32                 // 0x054
	Maxcontig     int32                 // 0x058
	Maxbpg        int32                 // 0x05C
	Fragshift     int32                 // 0x060
	Fsbtodb       int32                 // 0x064: fsbtodb and dbtofsb shift constant
	Sbsize        int32                 // 0x068
	Csmask        int32                 // 0x06C
	Csshift       int32                 // 0x070
	Nindir        int32                 // 0x074
	Inopb         int32                 // 0x078
	Nspf          int32                 // 0x07C: DEV_BSIZE sectors per frag
	Optim         int32                 // 0x080
	Npsect        int32                 // 0x084: sectors per track incl. spares
	Interleave    int32                 // 0x088: hardware sector interleave
	Trackskew     int32                 // 0x08C: sector 0 skew, per track
	Headswitch    int32                 // 0x090
	Trkseek       int32                 // 0x094
	Csaddr        int32                 // 0x098: blk addr of cyl grp summary area
	Cssize        int32                 // 0x09C: size of cyl grp summary area
	Cgsize        int32                 // 0x0A0: cylinder group size
	Ntrak         int32                 // 0x0A4
	Nsect         int32                 // 0x0A8: sectors per track
	Spc           int32                 // 0x0AC: sectors per cylinder
	Ncyl          int32                 // 0x0B0: cylinders in file system
	Cpg           int32                 // 0x0B4: cylinders per group
	Ipg           int32                 // 0x0B8: inodes per group
	Fpg           int32                 // 0x0BC: blocks per group * fs_frag
	Cstotal       Csum                  // 0x0C0: cylinder summary information
	Fmod          int8                  // 0x0D0: super block modified flag
	Clean         int8                  // 0x0D1
	Ronly         int8                  // 0x0D2: mounted read-only flag
	Flags         int8                  // 0x0D3
	Fsmnt         [maxMountName]byte    // 0x0D4: name mounted on
	Cgrotor       int32                 // 0x2D4
	Csp           [32]int32             // 0x2D8: in-core pointers, meaningless on disk
	Cpc           int32                 // 0x358
	Opostbl       [16][8]int16          // 0x35C: old rotation block list head
	Sparecon      [50]int32             // 0x45C
	ContigSumSize int32                 // 0x524: size of cluster summary array
	Maxsymlinklen int32                 // 0x528
	Inodefmt      int32                 // 0x52C
	Maxfilesize   uint64                // 0x530
	Qbmask        int64                 // 0x538
	Qfmask        int64                 // 0x540
	State         int32                 // 0x548
	Postblformat  int32                 // 0x54C: format of positional layout tables
	Nrpos         int32                 // 0x550: number of rotational positions
	Postbloff     int32                 // 0x554
	Rotbloff      int32                 // 0x558
	Magic         int32                 // 0x55C: magic number
}

// superblockHeaderLen is binary.Size(superblock{}).
const superblockHeaderLen = 0x560

// cgHeaderDisk is the fixed part of the dynamic struct cg.
type cgHeaderDisk struct {
	Firstfield    int32          // 0x00
	Magic         int32          // 0x04
	Time          int32          // 0x08
	Cgx           int32          // 0x0C
	Ncyl          int16          // 0x10
	Niblk         int16          // 0x12
	Ndblk         int32          // 0x14
	Cs            Csum           // 0x18
	Rotor         int32          // 0x28
	Frotor        int32          // 0x2C
	Irotor        int32          // 0x30
	Frsum         [MaxFrag]int32 // 0x34
	Btotoff       int32          // 0x54
	Boff          int32          // 0x58
	Iusedoff      int32          // 0x5C
	Freeoff       int32          // 0x60
	Nextfreeoff   int32          // 0x64
	Clustersumoff int32          // 0x68
	Clusteroff    int32          // 0x6C
	Nclusterblks  int32          // 0x70
	Sparecon      [13]int32      // 0x74
}

// ocgHeaderDisk is the fixed part of the legacy struct ocg, up to cg_btot.
// Its magic lives after the inode map at ocgMagicOff.
type ocgHeaderDisk struct {
	Link   int32          // 0x00
	Rlink  int32          // 0x04
	Time   int32          // 0x08
	Cgx    int32          // 0x0C
	Ncyl   int16          // 0x10
	Niblk  int16          // 0x12
	Ndblk  int32          // 0x14
	Cs     Csum           // 0x18
	Rotor  int32          // 0x28
	Frotor int32          // 0x2C
	Irotor int32          // 0x30
	Frsum  [MaxFrag]int32 // 0x34
}
