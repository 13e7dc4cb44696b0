package ufsck

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var freshTotals = Csum{Ndir: 1, Nbfree: 991, Nifree: 1021, Nffree: 6}

// checkContext holds a written image together with the allocation state
// it was built from, so tests can damage the image and check it again.
type checkContext struct {
	t       *testing.T
	builder *Builder
	store   *MemStore
	geo     Geometry
	codec   cgCodec
}

func newCheckContext(t *testing.T, p Params) *checkContext {
	t.Helper()

	b, store := newTestBuilder(t, p)
	require.NoError(t, b.Write(), "failed to write image")
	store.ResetWrites()

	codec, err := newCodec(b.Geometry())
	require.NoError(t, err)

	return &checkContext{
		t:       t,
		builder: b,
		store:   store,
		geo:     b.Geometry(),
		codec:   codec,
	}
}

func (tc *checkContext) check(opts ...Option) (*Report, error) {
	return tc.checkWith(context.Background(), opts...)
}

func (tc *checkContext) checkWith(ctx context.Context, opts ...Option) (*Report, error) {
	tc.t.Helper()

	c, err := NewChecker(tc.store, opts...)
	require.NoError(tc.t, err, "failed to load superblock")

	return c.Check(ctx, tc.builder.Inodes(), tc.builder.Blocks())
}

func (tc *checkContext) groupAddr(cgx int) int64 {
	return tc.geo.fsbtodb(tc.geo.cgtod(cgx))
}

func (tc *checkContext) rawGroup(cgx int) []byte {
	tc.t.Helper()

	raw, err := tc.store.ReadBlock(tc.groupAddr(cgx), int(tc.geo.Cgsize))
	require.NoError(tc.t, err)

	return raw
}

func (tc *checkContext) group(cgx int) *CylinderGroup {
	tc.t.Helper()

	cg, err := tc.codec.decode(tc.rawGroup(cgx))
	require.NoError(tc.t, err)

	return cg
}

// patchRaw rewrites group cgx's buffer in place.
func (tc *checkContext) patchRaw(cgx int, patch func(raw []byte)) {
	tc.t.Helper()

	raw := tc.rawGroup(cgx)
	patch(raw)
	require.NoError(tc.t, tc.store.WriteBlock(tc.groupAddr(cgx), raw))
	tc.store.ResetWrites()
}

// patchGroup decodes group cgx, lets patch modify it and encodes it over
// the same buffer.
func (tc *checkContext) patchGroup(cgx int, patch func(cg *CylinderGroup)) {
	tc.t.Helper()

	tc.patchRaw(cgx, func(raw []byte) {
		cg, err := tc.codec.decode(raw)
		require.NoError(tc.t, err)

		patch(cg)
		require.NoError(tc.t, tc.codec.encode(cg, raw, regionAll))
	})
}

func (tc *checkContext) csums() []Csum {
	tc.t.Helper()

	_, csums, err := readCsums(tc.store, tc.geo)
	require.NoError(tc.t, err)

	return csums
}

func (tc *checkContext) patchCsum(cgx int, patch func(cs *Csum)) {
	tc.t.Helper()

	buf, csums, err := readCsums(tc.store, tc.geo)
	require.NoError(tc.t, err)

	patch(&csums[cgx])
	require.NoError(tc.t, encodeCsums(buf, csums))
	require.NoError(tc.t, tc.store.WriteBlock(buf.blkno, buf.data))
	tc.store.ResetWrites()
}

func (tc *checkContext) superblock() *Superblock {
	tc.t.Helper()

	sb, err := ReadSuperblock(tc.store)
	require.NoError(tc.t, err)

	return sb
}

func (tc *checkContext) patchSuperblock(patch func(sb *superblock)) {
	tc.t.Helper()

	sb := tc.superblock()
	patch(&sb.sb)

	raw, err := sb.Bytes()
	require.NoError(tc.t, err)
	require.NoError(tc.t, tc.store.WriteBlock(superblockBlk, raw))
	tc.store.ResetWrites()
}

func TestCheckFreshImage(t *testing.T) {
	tc := newCheckContext(t, Params{})
	id := uuid.New()

	report, err := tc.check(WithPreen(true), WithRunID(id))
	require.NoError(t, err)

	assert.Equal(t, StatusClean, report.Status)
	assert.Equal(t, id, report.RunID)
	assert.Empty(t, report.Divergences)
	assert.Empty(t, report.GroupErrors)
	assert.Empty(t, report.Written)
	assert.Empty(t, tc.store.Writes())

	require.Len(t, report.Groups, 4)
	assert.Equal(t, Csum{Ndir: 1, Nbfree: 247, Nifree: 253, Nffree: 6}, report.Groups[0])
	assert.Equal(t, Csum{Nbfree: 248, Nifree: 256}, report.Groups[3])
	assert.Equal(t, freshTotals, report.Totals)
	assert.Equal(t, "clean", report.String())
}

func TestCheckRepairsBitmaps(t *testing.T) {
	tc := newCheckContext(t, Params{})
	tc.patchGroup(2, func(cg *CylinderGroup) {
		cg.BlocksFree.Clear(100)
		cg.InodesUsed.Set(10)
	})

	report, err := tc.check(WithPreen(true))
	require.NoError(t, err)

	require.Len(t, report.Divergences, 1)
	d := report.Divergences[0]
	assert.Equal(t, KindBitmaps, d.Kind)
	assert.Equal(t, 2, d.Group)
	assert.True(t, d.Fixed)
	assert.Equal(t, []string{"inosused", "blksfree"}, d.Fields)

	assert.Equal(t, StatusRepaired, report.Status)
	assert.Equal(t, []int64{tc.groupAddr(2)}, report.Written)
	assert.Equal(t, report.Written, tc.store.Writes())

	cg := tc.group(2)
	assert.True(t, cg.BlocksFree.Test(100))
	assert.False(t, cg.InodesUsed.Test(10))

	// A second run finds nothing.
	tc.store.ResetWrites()
	report, err = tc.check(WithPreen(true))
	require.NoError(t, err)
	assert.Equal(t, StatusClean, report.Status)
	assert.Empty(t, tc.store.Writes())
}

func TestCheckRepairsSummaryEntry(t *testing.T) {
	tc := newCheckContext(t, Params{})
	tc.patchCsum(0, func(cs *Csum) { cs.Nbfree = 0 })

	report, err := tc.check(WithPreen(true))
	require.NoError(t, err)

	require.Equal(t, []DivergenceKind{KindGroupCounts}, kinds(report.Divergences))
	assert.Equal(t, []string{"nbfree"}, report.Divergences[0].Fields)
	assert.Equal(t, "FREE BLK COUNTS FOR CG 0 WRONG IN SUPERBLOCK (FIXED)", report.Divergences[0].String())

	// Only the summary area is written; the group itself was correct.
	assert.Equal(t, []int64{tc.geo.fsbtodb(int64(tc.geo.Csaddr))}, tc.store.Writes())
	assert.Equal(t, int32(247), tc.csums()[0].Nbfree)
}

func TestCheckDeclinedLeavesImageUntouched(t *testing.T) {
	tc := newCheckContext(t, Params{})
	tc.patchGroup(1, func(cg *CylinderGroup) { cg.BlocksFree.Clear(500) })
	tc.patchCsum(3, func(cs *Csum) { cs.Nifree = 1 })
	before := tc.store.Bytes()

	report, err := tc.check()
	require.NoError(t, err)

	assert.Equal(t, []DivergenceKind{KindBitmaps, KindGroupCounts}, kinds(report.Divergences))
	assert.Equal(t, 2, report.Declined())
	assert.Zero(t, report.Repaired())
	assert.Equal(t, StatusUnrepaired, report.Status)
	assert.Equal(t, "unrepaired: 2 declined, 0 groups unchecked", report.String())

	assert.Empty(t, report.Written)
	assert.Empty(t, tc.store.Writes())
	assert.Equal(t, before, tc.store.Bytes())
}

func TestCheckConfirm(t *testing.T) {
	tc := newCheckContext(t, Params{})
	tc.patchGroup(1, func(cg *CylinderGroup) { cg.Btot[0]++ })
	tc.patchGroup(2, func(cg *CylinderGroup) { cg.Header.Ndblk = 1 })

	var asked []DivergenceKind
	report, err := tc.check(WithConfirm(func(d Divergence) bool {
		asked = append(asked, d.Kind)
		return d.Group == 2
	}))
	require.NoError(t, err)

	assert.Equal(t, []DivergenceKind{KindRotationalSummary, KindGroupHeader}, asked)
	assert.False(t, report.Divergences[0].Fixed)
	assert.True(t, report.Divergences[1].Fixed)
	assert.Equal(t, []int64{tc.groupAddr(2)}, tc.store.Writes())
	assert.Equal(t, int32(2048), tc.group(2).Header.Ndblk)
	assert.Equal(t, StatusUnrepaired, report.Status)
}

func TestCheckResetsRotors(t *testing.T) {
	tc := newCheckContext(t, Params{})
	tc.patchGroup(1, func(cg *CylinderGroup) {
		cg.Header.Rotor = 5000
		cg.Header.Irotor = 300
	})

	report, err := tc.check(WithPreen(true))
	require.NoError(t, err)

	require.Equal(t, []DivergenceKind{KindRotor, KindRotor}, kinds(report.Divergences))
	assert.Equal(t, []string{"rotor"}, report.Divergences[0].Fields)
	assert.Equal(t, []string{"irotor"}, report.Divergences[1].Fields)

	assert.Equal(t, []int64{tc.groupAddr(1)}, tc.store.Writes())

	h := tc.group(1).Header
	assert.Zero(t, h.Rotor)
	assert.Zero(t, h.Irotor)
	assert.Equal(t, testCreatedAt, h.Time, "time is kept")
}

func TestCheckRepairsTotals(t *testing.T) {
	damage := func(sb *superblock) {
		sb.Cstotal.Nffree = 0
		sb.Fmod = 1
		sb.Ronly = 1
	}

	t.Run("all repaired", func(t *testing.T) {
		tc := newCheckContext(t, Params{})
		tc.patchSuperblock(damage)

		c, err := NewChecker(tc.store, WithPreen(true))
		require.NoError(t, err)
		assert.True(t, c.Superblock().NeedsCheck())

		report, err := c.Check(context.Background(), tc.builder.Inodes(), tc.builder.Blocks())
		require.NoError(t, err)

		require.Equal(t, []DivergenceKind{KindTotals}, kinds(report.Divergences))
		assert.Equal(t, []string{"nffree"}, report.Divergences[0].Fields)
		assert.Equal(t, []int64{int64(superblockBlk)}, tc.store.Writes())

		sb := tc.superblock()
		assert.Equal(t, freshTotals, sb.Totals())
		assert.False(t, sb.NeedsCheck())
		assert.False(t, sb.ReadOnly())
		assert.False(t, c.Superblock().NeedsCheck())
	})

	t.Run("other divergences declined", func(t *testing.T) {
		tc := newCheckContext(t, Params{})
		tc.patchSuperblock(damage)
		tc.patchGroup(3, func(cg *CylinderGroup) { cg.BlocksFree.Clear(2000) })

		report, err := tc.check(WithConfirm(func(d Divergence) bool {
			return d.Kind == KindTotals
		}))
		require.NoError(t, err)

		assert.Equal(t, []DivergenceKind{KindBitmaps, KindTotals}, kinds(report.Divergences))
		assert.Equal(t, []int64{int64(superblockBlk)}, tc.store.Writes())

		sb := tc.superblock()
		assert.Equal(t, freshTotals, sb.Totals())
		assert.True(t, sb.NeedsCheck(), "flags stay while the bitmap is wrong")
		assert.True(t, sb.ReadOnly())
	})
}

func TestCheckMixedDamageIsIdempotent(t *testing.T) {
	tests := []struct {
		name string
		p    Params
	}{
		{"dynamic", Params{}},
		{"legacy", Params{PostblFormat: PostblLegacy, Nrpos: 4}},
		{"short last group", Params{Size: 3*2048 + 500}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newCheckContext(t, tt.p)
			last := int(tc.geo.Ncg) - 1

			tc.patchGroup(0, func(cg *CylinderGroup) {
				cg.Header.Rotor = 5000
				cg.Header.Frsum[3] = 9
				cg.Header.Sparecon[2] = 7
			})
			tc.patchGroup(1, func(cg *CylinderGroup) { cg.Btot[1]-- })
			tc.patchGroup(last, func(cg *CylinderGroup) { cg.BlocksFree.Clear(100) })
			tc.patchCsum(0, func(cs *Csum) { cs.Nbfree = 0 })
			tc.patchSuperblock(func(sb *superblock) {
				sb.Cstotal.Nffree = 0
				sb.Fmod = 1
			})

			report, err := tc.check(WithPreen(true))
			require.NoError(t, err)
			require.Equal(t, StatusRepaired, report.Status)
			assert.Zero(t, report.Declined())
			assert.Contains(t, kinds(report.Divergences), KindRotor)
			assert.Contains(t, kinds(report.Divergences), KindTotals)

			tc.store.ResetWrites()
			report, err = tc.check(WithPreen(true))
			require.NoError(t, err)

			assert.Empty(t, report.Divergences)
			assert.Equal(t, StatusClean, report.Status)
			assert.Empty(t, tc.store.Writes())
			assert.False(t, tc.superblock().NeedsCheck())
		})
	}
}

func TestCheckRejectsCorruptGeometry(t *testing.T) {
	for name, patch := range map[string]func(sb *superblock){
		"cylinders overflow": func(sb *superblock) { sb.Spc /= 2 },
		"short tracks":       func(sb *superblock) { sb.Npsect = sb.Nsect / 2 },
		"negative shift":     func(sb *superblock) { sb.Fsbtodb = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			tc := newCheckContext(t, Params{})
			tc.patchSuperblock(patch)

			var err error
			require.NotPanics(t, func() {
				_, err = tc.check(WithPreen(true))
			})
			assert.ErrorIs(t, err, ErrBadGeometry)
			assert.Empty(t, tc.store.Writes())
		})
	}
}

func TestCheckUnsupportedLayout(t *testing.T) {
	for name, patch := range map[string]func(sb *superblock){
		"cluster summary": func(sb *superblock) { sb.ContigSumSize = 1 },
		"postbl format":   func(sb *superblock) { sb.Postblformat = 2 },
	} {
		t.Run(name, func(t *testing.T) {
			tc := newCheckContext(t, Params{})
			tc.patchSuperblock(patch)
			tc.patchCsum(0, func(cs *Csum) { cs.Ndir = 9 })

			report, err := tc.check(WithPreen(true))
			assert.ErrorIs(t, err, ErrUnsupportedLayout)
			require.NotNil(t, report)
			assert.Equal(t, StatusUnsupportedLayout, report.Status)
			assert.Empty(t, report.Divergences)
			assert.Empty(t, tc.store.Writes())
		})
	}
}

func TestCheckBadMagic(t *testing.T) {
	tc := newCheckContext(t, Params{})
	tc.patchRaw(1, func(raw []byte) { putInt32(raw, cgMagicOff, 0) })
	tc.patchGroup(2, func(cg *CylinderGroup) { cg.BlocksFree.Clear(100) })
	before := tc.rawGroup(1)

	report, err := tc.check(WithPreen(true))
	require.NoError(t, err)

	require.Len(t, report.GroupErrors, 1)
	assert.ErrorIs(t, report.GroupErrors[0], ErrBadMagic)
	cgx, ok := GroupOf(report.GroupErrors[0])
	require.True(t, ok)
	assert.Equal(t, 1, cgx)

	// The other groups are still checked and repaired.
	assert.Equal(t, []DivergenceKind{KindBitmaps}, kinds(report.Divergences))
	assert.Equal(t, []int64{tc.groupAddr(2)}, tc.store.Writes())
	assert.Equal(t, before, tc.rawGroup(1))

	// The unreadable group still counts toward the totals.
	assert.Equal(t, freshTotals, report.Totals)
	assert.Equal(t, StatusUnrepaired, report.Status)
	assert.Equal(t, "unrepaired: 0 declined, 1 groups unchecked", report.String())
}

func TestCheckInconsistentInput(t *testing.T) {
	tc := newCheckContext(t, Params{})
	tc.patchCsum(0, func(cs *Csum) { cs.Ndir = 9 })

	c, err := NewChecker(tc.store, WithPreen(true))
	require.NoError(t, err)

	_, err = c.Check(context.Background(), tc.builder.Inodes()[:10], tc.builder.Blocks())
	assert.ErrorIs(t, err, ErrInconsistentInput)

	_, err = c.Check(context.Background(), tc.builder.Inodes(), NewRoaringMap(100))
	assert.ErrorIs(t, err, ErrInconsistentInput)

	_, err = c.Check(context.Background(), tc.builder.Inodes(), nil)
	assert.ErrorIs(t, err, ErrInconsistentInput)

	assert.Empty(t, tc.store.Writes())
}

func TestCheckLegacyLayout(t *testing.T) {
	tc := newCheckContext(t, Params{PostblFormat: PostblLegacy, Nrpos: 4})

	report, err := tc.check(WithPreen(true))
	require.NoError(t, err)
	require.Equal(t, StatusClean, report.Status, "fresh legacy image")

	tc.patchGroup(0, func(cg *CylinderGroup) {
		cg.Btot[0] = 0
		cg.Blks(1)[3] = 7
	})

	report, err = tc.check(WithPreen(true))
	require.NoError(t, err)

	require.Equal(t, []DivergenceKind{KindRotationalSummary}, kinds(report.Divergences))
	assert.Equal(t, []string{"btot[0]", "b[1][3]"}, report.Divergences[0].Fields)
	assert.Equal(t, []int64{tc.groupAddr(0)}, tc.store.Writes())

	expected, err := Accumulate(0, tc.geo, tc.builder.Inodes(), tc.builder.Blocks())
	require.NoError(t, err)

	cg := tc.group(0)
	assert.Equal(t, expected.Btot, cg.Btot)
	assert.Equal(t, expected.Rotpos, cg.Rotpos)
	assert.Equal(t, int32(4), tc.superblock().Geometry().Nrpos, "fs_nrpos is left alone")
}

func TestCheckCancelled(t *testing.T) {
	tc := newCheckContext(t, Params{})
	tc.patchGroup(0, func(cg *CylinderGroup) { cg.BlocksFree.Clear(70) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := tc.checkWith(ctx, WithPreen(true))
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Empty(t, report.Groups)
	assert.Empty(t, tc.store.Writes())
}

func TestCheckKeepsBytesOutsideRegions(t *testing.T) {
	tc := newCheckContext(t, Params{})
	l := tc.codec.Layout()
	require.Less(t, l.Size(), int(tc.geo.Cgsize))

	tc.patchRaw(2, func(raw []byte) { raw[len(raw)-1] = 0xA5 })
	tc.patchGroup(2, func(cg *CylinderGroup) { cg.BlocksFree.Clear(100) })

	before := tc.rawGroup(2)

	_, err := tc.check(WithPreen(true))
	require.NoError(t, err)

	after := tc.rawGroup(2)
	assert.Equal(t, byte(0xA5), after[len(after)-1])

	// Only the block map changed.
	m := l.BlockMap
	assert.Equal(t, before[:m.Off], after[:m.Off])
	assert.Equal(t, before[m.End():], after[m.End():])
	assert.NotEqual(t, before[m.Off:m.End()], after[m.Off:m.End()])
}

func TestCheckConservation(t *testing.T) {
	b, store := newTestBuilder(t, Params{})
	for i := 0; i < 5; i++ {
		_, err := b.AllocInode(InodeDirectory)
		require.NoError(t, err)
		_, err = b.AllocFrags(i + 1)
		require.NoError(t, err)
	}
	for i := 0; i < 300; i++ {
		_, err := b.AllocBlock()
		require.NoError(t, err)
	}
	require.NoError(t, b.Write())

	codec, err := newCodec(b.Geometry())
	require.NoError(t, err)
	tc := &checkContext{t: t, builder: b, store: store, geo: b.Geometry(), codec: codec}

	tc.patchCsum(0, func(cs *Csum) { *cs = Csum{} })
	tc.patchGroup(1, func(cg *CylinderGroup) { cg.Header.Cs.Nbfree = 0 })
	tc.patchSuperblock(func(sb *superblock) { sb.Cstotal = Csum{} })

	report, err := tc.check(WithPreen(true))
	require.NoError(t, err)
	assert.Equal(t, StatusRepaired, report.Status)

	g := tc.geo
	inodes := b.Inodes()
	blocks := b.Blocks()

	for c, cs := range report.Groups {
		dbase, dmax := g.groupFrags(c)
		var used int64
		for f := dbase; f < dmax; f++ {
			if blocks.Allocated(f) {
				used++
			}
		}
		assert.Equal(t, dmax-dbase, int64(cs.Nbfree)*int64(g.Frag)+int64(cs.Nffree)+used, "fragments in group %d", c)

		var iused int64
		for i := 0; i < int(g.Ipg); i++ {
			ino := int64(c)*int64(g.Ipg) + int64(i)
			if inodes[ino] != InodeUnused || ino < RootIno {
				iused++
			}
		}
		assert.Equal(t, int64(g.Ipg), int64(cs.Nifree)+iused, "inodes in group %d", c)
	}

	assert.Equal(t, Aggregate(report.Groups), report.Totals)
	assert.Equal(t, report.Totals, tc.superblock().Totals())
	assert.Equal(t, report.Groups, tc.csums())
	assert.Equal(t, int32(6), report.Totals.Ndir)
}

func TestCheckLogs(t *testing.T) {
	tc := newCheckContext(t, Params{})
	tc.patchGroup(2, func(cg *CylinderGroup) { cg.BlocksFree.Clear(100) })

	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	id := uuid.New()

	_, err := tc.check(WithLogger(logger), WithRunID(id))
	require.NoError(t, err)

	logged := out.String()
	assert.Contains(t, logged, "BLKS OR INOS MISSING IN CG 2 BIT MAPS")
	assert.Contains(t, logged, "blksfree")
	assert.Contains(t, logged, id.String())
	assert.Contains(t, logged, "status=unrepaired")
}

// failingStore refuses every write.
type failingStore struct {
	*MemStore
}

func (failingStore) WriteBlock(int64, []byte) error {
	return errors.New("device is write protected")
}

func TestCheckWriteError(t *testing.T) {
	tc := newCheckContext(t, Params{})
	tc.patchGroup(1, func(cg *CylinderGroup) { cg.BlocksFree.Clear(100) })

	c, err := NewChecker(failingStore{tc.store}, WithPreen(true))
	require.NoError(t, err)

	_, err = c.Check(context.Background(), tc.builder.Inodes(), tc.builder.Blocks())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write back")

	cgx, ok := GroupOf(err)
	require.True(t, ok)
	assert.Equal(t, 1, cgx)
}
