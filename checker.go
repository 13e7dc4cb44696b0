package ufsck

import (
	"context"
	"io"
	"log/slog"

	"github.com/ansel1/merry"
	"github.com/google/uuid"
)

// Checker verifies and repairs the allocation summaries of one filesystem.
// It is not safe for concurrent use: a run owns every buffer it loads.
type Checker struct {
	store  BlockStore
	sb     *Superblock
	policy Policy
	logger *slog.Logger
	runID  uuid.UUID
}

// NewChecker loads the superblock from store and applies the options.
func NewChecker(store BlockStore, opts ...Option) (*Checker, error) {
	sb, err := ReadSuperblock(store)
	if err != nil {
		return nil, err
	}

	c := &Checker{
		store:  store,
		sb:     sb,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		runID:  uuid.New(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Superblock returns the superblock the checker works on. After a run it
// reflects any repair made to the totals and flags.
func (c *Checker) Superblock() *Superblock {
	return c.sb
}

// run is the state of one Check call.
type run struct {
	*Checker

	log    *slog.Logger
	codec  cgCodec
	inodes []InodeState
	blocks BlockMap

	csbuf  *buffer
	csums  []Csum
	report *Report
}

// Check compares every cylinder group with what inodes and blocks say it
// should hold, then compares the superblock totals, repairing what the
// policy allows. Groups are processed in index order and each group buffer
// is written before the next one is read; the summary area and the
// superblock go last.
//
// Unsupported layouts and inconsistent input are rejected before anything
// is written. A group with a bad magic number is recorded in the report and
// skipped. Read and write failures abort the run.
func (c *Checker) Check(ctx context.Context, inodes []InodeState, blocks BlockMap) (*Report, error) {
	report := &Report{RunID: c.runID}
	geo := c.sb.Geometry()
	log := c.logger.With("run", c.runID.String())

	codec, err := newCodec(geo)
	if err != nil {
		if merry.Is(err, ErrUnsupportedLayout) {
			report.Status = StatusUnsupportedLayout
			log.Warn("unsupported cylinder group layout", "postblformat", geo.PostblFormat, "contigsumsize", geo.ContigSumSize)
		}
		return report, err
	}

	if err := checkInput(geo, inodes, blocks); err != nil {
		return report, err
	}

	csbuf, csums, err := readCsums(c.store, geo)
	if err != nil {
		return report, err
	}

	r := &run{
		Checker: c,
		log:     log,
		codec:   codec,
		inodes:  inodes,
		blocks:  blocks,
		csbuf:   csbuf,
		csums:   csums,
		report:  report,
	}

	log.Info("checking cylinder groups", "groups", geo.Ncg, "layout", codec.Layout().String())

	for cgx := 0; cgx < int(geo.Ncg); cgx++ {
		if err := ctx.Err(); err != nil {
			if ferr := r.flushCsums(); ferr != nil {
				return report, ferr
			}
			report.finish()
			return report, err
		}

		cs, err := r.checkGroup(cgx)
		report.Groups = append(report.Groups, cs)
		if err != nil {
			if !merry.Is(err, ErrBadMagic) {
				return report, err
			}
			log.Error("cylinder group not checked", "group", cgx, "error", err)
			report.GroupErrors = append(report.GroupErrors, err)
		}
	}

	if err := r.checkTotals(); err != nil {
		return report, err
	}

	report.finish()
	log.Info("check finished", "status", report.Status.String(), "repaired", report.Repaired(), "declined", report.Declined())

	return report, nil
}

// resolve asks the policy about d, applies it if allowed and records it.
func (r *run) resolve(d Divergence, apply func(Divergence)) {
	if r.policy.Resolve(d) == Fix {
		apply(d)
		d.Fixed = true
	}

	r.report.Divergences = append(r.report.Divergences, d)
	r.log.Warn(d.String(),
		"group", d.Group,
		"kind", d.Kind.String(),
		"fields", d.Fields,
		"persisted", d.Persisted,
		"computed", d.Computed,
		"fixed", d.Fixed,
	)
}

// checkGroup loads, recomputes, compares and repairs one cylinder group. It
// returns the computed summary even when the stored group is unusable.
func (r *run) checkGroup(cgx int) (Csum, error) {
	geo := r.codec.Geometry()
	computed := accumulate(cgx, r.codec, r.inodes, r.blocks)

	blkno := geo.fsbtodb(geo.cgtod(cgx))
	data, err := r.store.ReadBlock(blkno, int(geo.Cgsize))
	if err != nil {
		return computed.Header.Cs, groupError(merry.Prepend(merry.Wrap(err), "read cylinder group"), cgx)
	}

	if !r.codec.checkMagic(data) {
		return computed.Header.Cs, groupError(ErrBadMagic, cgx)
	}

	persisted, err := r.codec.decode(data)
	if err != nil {
		return computed.Header.Cs, groupError(err, cgx)
	}

	// Not derivable from the inputs.
	computed.Header.Link = persisted.Header.Link
	computed.Header.Rlink = persisted.Header.Rlink
	computed.Header.Time = persisted.Header.Time
	computed.Header.Rotor = persisted.Header.Rotor
	computed.Header.Frotor = persisted.Header.Frotor
	computed.Header.Irotor = persisted.Header.Irotor

	rep := &groupRepair{
		cgx:       cgx,
		computed:  computed,
		persisted: persisted,
		csums:     r.csums,
	}

	for _, d := range checkRotors(cgx, computed) {
		r.resolve(d, rep.apply)
	}

	for _, d := range CompareGroup(cgx, computed, persisted, r.csums[cgx]) {
		r.resolve(d, rep.apply)
	}

	if rep.csumsDirty {
		r.csbuf.dirty = true
	}

	if rep.regions != 0 {
		if err := r.codec.encode(persisted, data, rep.regions); err != nil {
			return computed.Header.Cs, groupError(err, cgx)
		}

		b := &buffer{blkno: blkno, data: data, dirty: true}
		if err := r.flush(b); err != nil {
			return computed.Header.Cs, groupError(err, cgx)
		}
	}

	r.log.Debug("cylinder group checked", "group", cgx, "summary", computed.Header.Cs.String())

	return computed.Header.Cs, nil
}

// checkTotals compares the aggregated group summaries with fs_cstotal and
// writes back the summary area and the superblock as needed.
func (r *run) checkTotals() error {
	totals := Aggregate(r.report.Groups)
	r.report.Totals = totals

	sbdirty := false
	if d, ok := CompareTotals(totals, r.sb.Totals()); ok {
		r.resolve(d, func(Divergence) {
			consistent := r.report.Declined() == 0 && len(r.report.GroupErrors) == 0
			applyTotals(r.sb, totals, consistent)
			sbdirty = true
		})
	}

	if err := r.flushCsums(); err != nil {
		return err
	}

	if !sbdirty {
		return nil
	}

	if err := r.sb.encode(); err != nil {
		return err
	}

	return r.flush(&buffer{blkno: superblockBlk, data: r.sb.raw, dirty: true})
}

// flushCsums writes the summary area if any entry was repaired.
func (r *run) flushCsums() error {
	if !r.csbuf.dirty {
		return nil
	}

	if err := encodeCsums(r.csbuf, r.csums); err != nil {
		return err
	}

	return r.flush(r.csbuf)
}

func (r *run) flush(b *buffer) error {
	blkno := b.blkno
	written, err := b.flush(r.store)
	if err != nil {
		return merry.Prepend(merry.Wrap(err), "write back")
	}

	if written {
		r.report.Written = append(r.report.Written, blkno)
	}

	return nil
}
