package kernels

// Gather copies data[idx[k]] into dst[k] for every k. dst must be at least as
// long as idx.
func Gather(dst, data []float64, idx []int) {
	dst = dst[:len(idx)]
	n := len(idx) - len(idx)%4
	for k := 0; k < n; k += 4 {
		dst[k] = data[idx[k]]
		dst[k+1] = data[idx[k+1]]
		dst[k+2] = data[idx[k+2]]
		dst[k+3] = data[idx[k+3]]
	}
	for k := n; k < len(idx); k++ {
		dst[k] = data[idx[k]]
	}
}

// ScatterAdd accumulates vals[k] into data[idx[k]] in increasing k. Duplicate
// indices are additive.
func ScatterAdd(data []float64, idx []int, vals []float64) {
	vals = vals[:len(idx)]
	for k, i := range idx {
		data[i] += vals[k]
	}
}

// Group lists, in increasing order, the positions of one data index in an
// ordered destination list.
type Group struct {
	Index     int
	Positions []int32
}

// GroupIndices groups the positions of idx by data index. Groups appear in the
// order their index first occurs.
func GroupIndices(idx []int) []Group {
	slot := make(map[int]int, len(idx))
	var groups []Group
	for k, i := range idx {
		g, ok := slot[i]
		if !ok {
			g = len(groups)
			slot[i] = g
			groups = append(groups, Group{Index: i})
		}
		groups[g].Positions = append(groups[g].Positions, int32(k))
	}
	return groups
}

// GroupedScatterAdd accumulates vals into data one group at a time. Within a
// group the contributions are added in position order, so the result is
// bitwise identical to ScatterAdd over the same list. Distinct groups touch
// distinct indices and may be processed concurrently.
func GroupedScatterAdd(data []float64, groups []Group, vals []float64) {
	for _, g := range groups {
		sum := data[g.Index]
		for _, p := range g.Positions {
			sum += vals[p]
		}
		data[g.Index] = sum
	}
}

// PartitionGroups splits groups into at most parts contiguous runs holding
// roughly equal numbers of positions.
func PartitionGroups(groups []Group, parts int) [][]Group {
	if parts < 1 {
		parts = 1
	}
	total := 0
	for _, g := range groups {
		total += len(g.Positions)
	}
	per := (total + parts - 1) / parts

	out := make([][]Group, 0, parts)
	start, filled := 0, 0
	for i, g := range groups {
		filled += len(g.Positions)
		if filled >= per && len(out) < parts-1 {
			out = append(out, groups[start:i+1])
			start, filled = i+1, 0
		}
	}
	if start < len(groups) {
		out = append(out, groups[start:])
	}
	return out
}
