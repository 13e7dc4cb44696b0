package ufsck

import (
	"fmt"
	"strings"
)

// GlobalGroup is the Group of a divergence found in the superblock totals.
const GlobalGroup = -1

// DivergenceKind classifies a mismatch between computed and stored data.
// Several kinds may be reported for the same group in one run.
type DivergenceKind int

const (
	// KindRotor: a rotor, frotor or irotor is past the end of its group.
	KindRotor DivergenceKind = iota

	// KindGroupCounts: the superblock's summary entry for the group is
	// wrong.
	KindGroupCounts

	// KindBitmaps: the group's inode or block map is wrong.
	KindBitmaps

	// KindRotationalSummary: the per-cylinder or per-rotational-position
	// free block tables are wrong.
	KindRotationalSummary

	// KindGroupHeader: some other field of the fixed group header is wrong.
	KindGroupHeader

	// KindTotals: the superblock's cumulative totals are wrong.
	KindTotals
)

func (k DivergenceKind) String() string {
	switch k {
	case KindRotor:
		return "rotor"
	case KindGroupCounts:
		return "group-counts"
	case KindBitmaps:
		return "bitmaps"
	case KindRotationalSummary:
		return "rotational-summary"
	case KindGroupHeader:
		return "group-header"
	case KindTotals:
		return "totals"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Divergence is one detected mismatch. Persisted and Computed describe the
// differing values for the report; Fields names what differs.
type Divergence struct {
	Kind      DivergenceKind
	Group     int
	Fields    []string
	Persisted string
	Computed  string
	Fixed     bool
}

// String returns the warning the way fsck prints it.
func (d Divergence) String() string {
	var msg string
	switch d.Kind {
	case KindRotor:
		msg = fmt.Sprintf("ILLEGAL %s VALUE IN CG %d", strings.ToUpper(strings.Join(d.Fields, ",")), d.Group)
	case KindGroupCounts:
		msg = fmt.Sprintf("FREE BLK COUNTS FOR CG %d WRONG IN SUPERBLOCK", d.Group)
	case KindBitmaps:
		msg = fmt.Sprintf("BLKS OR INOS MISSING IN CG %d BIT MAPS", d.Group)
	case KindRotationalSummary:
		msg = fmt.Sprintf("SUMMARY INFORMATION FOR CG %d BAD", d.Group)
	case KindGroupHeader:
		msg = fmt.Sprintf("CYLINDER GROUP %d BAD", d.Group)
	case KindTotals:
		msg = "TOTAL FREE BLK COUNTS WRONG IN SUPERBLOCK"
	default:
		msg = d.Kind.String()
	}

	if d.Fixed {
		msg += " (FIXED)"
	}

	return msg
}

// Detail returns the differing fields with their old and new values.
func (d Divergence) Detail() string {
	return fmt.Sprintf("%s: %s -> %s", strings.Join(d.Fields, ","), d.Persisted, d.Computed)
}

func (c Csum) String() string {
	return fmt.Sprintf("{ndir %d nbfree %d nifree %d nffree %d}", c.Ndir, c.Nbfree, c.Nifree, c.Nffree)
}

// Add returns the field-wise sum of two summaries.
func (c Csum) Add(o Csum) Csum {
	return Csum{
		Ndir:   c.Ndir + o.Ndir,
		Nbfree: c.Nbfree + o.Nbfree,
		Nifree: c.Nifree + o.Nifree,
		Nffree: c.Nffree + o.Nffree,
	}
}

// csumFields names the fields in which two summaries differ.
func csumFields(a, b Csum) []string {
	var f []string
	if a.Ndir != b.Ndir {
		f = append(f, "ndir")
	}
	if a.Nbfree != b.Nbfree {
		f = append(f, "nbfree")
	}
	if a.Nifree != b.Nifree {
		f = append(f, "nifree")
	}
	if a.Nffree != b.Nffree {
		f = append(f, "nffree")
	}

	return f
}

// checkRotors reports allocation cursors past the end of the group. The
// computed group must already carry the persisted cursor values.
func checkRotors(cgx int, computed *CylinderGroup) []Divergence {
	h := &computed.Header

	var divs []Divergence
	check := func(name string, v, limit int32) {
		if v > limit {
			divs = append(divs, Divergence{
				Kind:      KindRotor,
				Group:     cgx,
				Fields:    []string{name},
				Persisted: fmt.Sprint(v),
				Computed:  "0",
			})
		}
	}

	check("rotor", h.Rotor, h.Ndblk)
	check("frotor", h.Frotor, h.Ndblk)
	check("irotor", h.Irotor, int32(h.Niblk))

	return divs
}

// CompareGroup diffs a computed group against the stored one and against
// the superblock's summary entry for it. Each kind is reported at most once.
func CompareGroup(cgx int, computed, persisted *CylinderGroup, summary Csum) []Divergence {
	var divs []Divergence

	if f := csumFields(summary, computed.Header.Cs); f != nil {
		divs = append(divs, Divergence{
			Kind:      KindGroupCounts,
			Group:     cgx,
			Fields:    f,
			Persisted: summary.String(),
			Computed:  computed.Header.Cs.String(),
		})
	}

	if d, ok := compareMaps(cgx, computed, persisted); ok {
		divs = append(divs, d)
	}

	if d, ok := compareSummary(cgx, computed, persisted); ok {
		divs = append(divs, d)
	}

	if f := headerFields(persisted.Header, computed.Header); f != nil {
		divs = append(divs, Divergence{
			Kind:      KindGroupHeader,
			Group:     cgx,
			Fields:    f,
			Persisted: headerValues(persisted.Header, f),
			Computed:  headerValues(computed.Header, f),
		})
	}

	return divs
}

// CompareTotals diffs the aggregated totals against fs_cstotal.
func CompareTotals(computed, persisted Csum) (Divergence, bool) {
	f := csumFields(persisted, computed)
	if f == nil {
		return Divergence{}, false
	}

	return Divergence{
		Kind:      KindTotals,
		Group:     GlobalGroup,
		Fields:    f,
		Persisted: persisted.String(),
		Computed:  computed.String(),
	}, true
}

// compareMaps compares the inode and block maps byte for byte.
func compareMaps(cgx int, computed, persisted *CylinderGroup) (Divergence, bool) {
	var f []string
	var before, after []string

	if !computed.InodesUsed.Equal(persisted.InodesUsed) {
		f = append(f, "inosused")
		before = append(before, fmt.Sprintf("%d inodes used", persisted.InodesUsed.Count()))
		after = append(after, fmt.Sprintf("%d inodes used", computed.InodesUsed.Count()))
	}

	if !computed.BlocksFree.Equal(persisted.BlocksFree) {
		f = append(f, "blksfree")
		before = append(before, fmt.Sprintf("%d frags free", persisted.BlocksFree.Count()))
		after = append(after, fmt.Sprintf("%d frags free", computed.BlocksFree.Count()))
	}

	if f == nil {
		return Divergence{}, false
	}

	return Divergence{
		Kind:      KindBitmaps,
		Group:     cgx,
		Fields:    f,
		Persisted: strings.Join(before, ", "),
		Computed:  strings.Join(after, ", "),
	}, true
}

// compareSummary compares the per-cylinder tables entry by entry.
func compareSummary(cgx int, computed, persisted *CylinderGroup) (Divergence, bool) {
	var f []string
	var before, after []string

	for cyl := range computed.Btot {
		if computed.Btot[cyl] != persisted.Btot[cyl] {
			f = append(f, fmt.Sprintf("btot[%d]", cyl))
			before = append(before, fmt.Sprint(persisted.Btot[cyl]))
			after = append(after, fmt.Sprint(computed.Btot[cyl]))
		}
	}

	n := computed.layout.Nrpos
	for i := range computed.Rotpos {
		if computed.Rotpos[i] != persisted.Rotpos[i] {
			f = append(f, fmt.Sprintf("b[%d][%d]", i/n, i%n))
			before = append(before, fmt.Sprint(persisted.Rotpos[i]))
			after = append(after, fmt.Sprint(computed.Rotpos[i]))
		}
	}

	if f == nil {
		return Divergence{}, false
	}

	return Divergence{
		Kind:      KindRotationalSummary,
		Group:     cgx,
		Fields:    f,
		Persisted: strings.Join(before, ","),
		Computed:  strings.Join(after, ","),
	}, true
}

// headerField reads one named header field for comparison and reporting.
type headerField struct {
	name string
	get  func(h *CGHeader) any
}

var headerFieldTable = []headerField{
	{"link", func(h *CGHeader) any { return h.Link }},
	{"rlink", func(h *CGHeader) any { return h.Rlink }},
	{"magic", func(h *CGHeader) any { return h.Magic }},
	{"time", func(h *CGHeader) any { return h.Time }},
	{"cgx", func(h *CGHeader) any { return h.Cgx }},
	{"ncyl", func(h *CGHeader) any { return h.Ncyl }},
	{"niblk", func(h *CGHeader) any { return h.Niblk }},
	{"ndblk", func(h *CGHeader) any { return h.Ndblk }},
	{"cs", func(h *CGHeader) any { return h.Cs }},
	{"rotor", func(h *CGHeader) any { return h.Rotor }},
	{"frotor", func(h *CGHeader) any { return h.Frotor }},
	{"irotor", func(h *CGHeader) any { return h.Irotor }},
	{"frsum", func(h *CGHeader) any { return h.Frsum }},
	{"btotoff", func(h *CGHeader) any { return h.Btotoff }},
	{"boff", func(h *CGHeader) any { return h.Boff }},
	{"iusedoff", func(h *CGHeader) any { return h.Iusedoff }},
	{"freeoff", func(h *CGHeader) any { return h.Freeoff }},
	{"nextfreeoff", func(h *CGHeader) any { return h.Nextfreeoff }},
	{"clustersumoff", func(h *CGHeader) any { return h.Clustersumoff }},
	{"clusteroff", func(h *CGHeader) any { return h.Clusteroff }},
	{"nclusterblks", func(h *CGHeader) any { return h.Nclusterblks }},
	{"sparecon", func(h *CGHeader) any { return h.Sparecon }},
}

// headerFields names the header fields in which a and b differ.
func headerFields(a, b CGHeader) []string {
	if a == b {
		return nil
	}

	var f []string
	for _, hf := range headerFieldTable {
		if hf.get(&a) != hf.get(&b) {
			f = append(f, hf.name)
		}
	}

	return f
}

func headerValues(h CGHeader, fields []string) string {
	var vals []string
	for _, name := range fields {
		for _, hf := range headerFieldTable {
			if hf.name == name {
				vals = append(vals, fmt.Sprintf("%s=%v", name, hf.get(&h)))
			}
		}
	}

	return strings.Join(vals, " ")
}
