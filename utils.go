package ufsck

import "golang.org/x/exp/constraints"

// howmany returns the number of y-sized units needed to hold x.
func howmany[T constraints.Integer](x, y T) T {
	return (x + y - 1) / y
}

// roundup rounds x up to a multiple of y.
func roundup[T constraints.Integer](x, y T) T {
	return howmany(x, y) * y
}

// ilog2 returns log2 of a power of two, or -1 if x is not one.
func ilog2[T constraints.Integer](x T) int {
	if x <= 0 || x&(x-1) != 0 {
		return -1
	}

	n := 0
	for x > 1 {
		x >>= 1
		n++
	}

	return n
}
