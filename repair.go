package ufsck

// Decision is the outcome of resolving a divergence.
type Decision int

const (
	Skip Decision = iota
	Fix
)

func (d Decision) String() string {
	if d == Fix {
		return "fix"
	}

	return "skip"
}

// Policy decides which divergences get repaired. In preen mode everything
// is fixed without asking; otherwise Confirm is asked about each one, and a
// nil Confirm declines them all (a dry run).
type Policy struct {
	Preen   bool
	Confirm func(Divergence) bool
}

// Resolve decides what to do about d.
func (p Policy) Resolve(d Divergence) Decision {
	if p.Preen {
		return Fix
	}

	if p.Confirm != nil && p.Confirm(d) {
		return Fix
	}

	return Skip
}

// groupRepair applies fixes for one cylinder group. It tracks which regions
// of the group buffer changed, so only those are re-encoded.
type groupRepair struct {
	cgx       int
	computed  *CylinderGroup
	persisted *CylinderGroup
	csums     []Csum

	regions    regionSet
	csumsDirty bool
}

// apply copies the computed value of the divergent region over the stored
// one. Nothing outside that region is touched.
func (r *groupRepair) apply(d Divergence) {
	switch d.Kind {
	case KindRotor:
		for _, f := range d.Fields {
			switch f {
			case "rotor":
				r.computed.Header.Rotor = 0
				r.persisted.Header.Rotor = 0
			case "frotor":
				r.computed.Header.Frotor = 0
				r.persisted.Header.Frotor = 0
			case "irotor":
				r.computed.Header.Irotor = 0
				r.persisted.Header.Irotor = 0
			}
		}
		r.regions |= regionHeader

	case KindGroupCounts:
		r.csums[r.cgx] = r.computed.Header.Cs
		r.csumsDirty = true

	case KindBitmaps:
		copy(r.persisted.InodesUsed.Bytes(), r.computed.InodesUsed.Bytes())
		copy(r.persisted.BlocksFree.Bytes(), r.computed.BlocksFree.Bytes())
		r.regions |= regionMaps

	case KindRotationalSummary:
		copy(r.persisted.Btot, r.computed.Btot)
		copy(r.persisted.Rotpos, r.computed.Rotpos)
		r.regions |= regionSummary

	case KindGroupHeader:
		r.persisted.Header = r.computed.Header
		r.regions |= regionHeader
	}
}

// applyTotals stores the recomputed totals in the superblock. When every
// divergence of the run was fixed the filesystem is known to be consistent,
// and the modified and read-only flags are cleared.
func applyTotals(sb *Superblock, totals Csum, consistent bool) {
	sb.sb.Cstotal = totals
	if consistent {
		sb.sb.Fmod = 0
		sb.sb.Ronly = 0
	}
}
