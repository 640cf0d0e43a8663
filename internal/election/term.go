package election

// TermIsGreater reports whether term a is strictly newer than term b. Terms are compared as integers; a higher term
// always wins.
func TermIsGreater(a, b uint64) bool {
	return a > b
}

// HasMajority reports whether granted votes form a strict majority of a cluster of clusterSize servers. granted must
// only count votes actually received in the current candidacy, the candidate's own vote included.
func HasMajority(granted, clusterSize int) bool {
	return granted*2 > clusterSize
}
