package ufsck

import (
	"fmt"

	"github.com/google/uuid"
)

// Status is the overall outcome of a check.
type Status int

const (
	// StatusClean: nothing diverged.
	StatusClean Status = iota

	// StatusRepaired: divergences were found and all of them were fixed.
	StatusRepaired

	// StatusUnrepaired: some divergence was declined or some group could
	// not be checked; the filesystem still needs checking.
	StatusUnrepaired

	// StatusUnsupportedLayout: the cylinder group format is not supported
	// and nothing was examined.
	StatusUnsupportedLayout
)

func (s Status) String() string {
	switch s {
	case StatusClean:
		return "clean"
	case StatusRepaired:
		return "repaired"
	case StatusUnrepaired:
		return "unrepaired"
	case StatusUnsupportedLayout:
		return "unsupported layout"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Report is the result of one check run.
type Report struct {
	RunID  uuid.UUID
	Status Status

	// Divergences in the order they were found, each marked Fixed if the
	// policy applied it.
	Divergences []Divergence

	// GroupErrors holds groups that could not be checked at all, such as
	// groups with a bad magic number. GroupOf recovers the index.
	GroupErrors []error

	// Groups holds the computed summary of every group, Totals their sum.
	Groups []Csum
	Totals Csum

	// Written lists the block addresses that were written back.
	Written []int64
}

// Repaired returns the number of divergences that were fixed.
func (r *Report) Repaired() int {
	n := 0
	for _, d := range r.Divergences {
		if d.Fixed {
			n++
		}
	}

	return n
}

// Declined returns the number of divergences left in place.
func (r *Report) Declined() int {
	return len(r.Divergences) - r.Repaired()
}

// finish derives the status from the collected results.
func (r *Report) finish() {
	switch {
	case r.Status == StatusUnsupportedLayout:
	case r.Declined() > 0 || len(r.GroupErrors) > 0:
		r.Status = StatusUnrepaired
	case r.Repaired() > 0:
		r.Status = StatusRepaired
	default:
		r.Status = StatusClean
	}
}

// String summarises the report in one line.
func (r *Report) String() string {
	switch r.Status {
	case StatusRepaired:
		return fmt.Sprintf("repaired %d", r.Repaired())
	case StatusUnrepaired:
		return fmt.Sprintf("unrepaired: %d declined, %d groups unchecked", r.Declined(), len(r.GroupErrors))
	default:
		return r.Status.String()
	}
}
