package ufsck

import "github.com/ansel1/merry"

var (
	// ErrUnsupportedLayout is returned for postbl formats this checker cannot
	// decode, and for dynamic layouts that carry a cluster summary.
	ErrUnsupportedLayout = merry.New("unsupported cylinder group layout")

	// ErrBadGeometry means the superblock describes a group that does not
	// fit its own layout (cylinder group larger than fs_cgsize, legacy
	// tables overflowing, zero divisors).
	ErrBadGeometry = merry.New("inconsistent filesystem geometry")

	// ErrBadSuperblock means the superblock magic number is wrong.
	ErrBadSuperblock = merry.New("bad superblock magic number")

	// ErrBadMagic means a cylinder group failed its magic number check.
	ErrBadMagic = merry.New("bad cylinder group magic number")

	// ErrInconsistentInput means the inode classification table or the
	// block map does not cover the filesystem.
	ErrInconsistentInput = merry.New("inconsistent input")
)

type errorKey string

const groupKey errorKey = "group"

// groupError attaches the cylinder group index to err.
func groupError(err error, cgx int) error {
	return merry.WithValue(merry.Prependf(err, "cg %d", cgx), groupKey, cgx)
}

// GroupOf returns the cylinder group an error was raised for.
func GroupOf(err error) (int, bool) {
	cgx, ok := merry.Value(err, groupKey).(int)
	return cgx, ok
}
