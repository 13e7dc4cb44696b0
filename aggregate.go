package ufsck

// Aggregate folds per-group summaries into filesystem totals.
func Aggregate(groups []Csum) Csum {
	var total Csum
	for _, cs := range groups {
		total = total.Add(cs)
	}

	return total
}
