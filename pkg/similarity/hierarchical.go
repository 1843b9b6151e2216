package similarity

import "math"

// HierarchicalPartition groups vectors by average-linkage agglomerative
// clustering on cosine distance. It searches for the smallest group count at
// which every group with more than one member has a mean pairwise similarity of
// at least minIntra. If no count in the search range qualifies it cuts the tree
// at min(fallbackK, n) groups.
func HierarchicalPartition(vectors [][]float32, minIntra float64, fallbackK int) ([]int, error) {
	if err := checkDims(vectors); err != nil {
		return nil, err
	}
	n := len(vectors)
	sim := make([][]float64, n)
	for i := range sim {
		sim[i] = make([]float64, n)
		for j := range sim[i] {
			sim[i][j] = CosineSimilarity(vectors[i], vectors[j])
		}
	}
	merges := averageLinkage(sim)

	var best []int
	lo, hi := 1, n
	for lo < hi {
		k := (lo + hi) / 2
		labels := cutTree(n, merges, k)
		if groupsCohesive(labels, sim, minIntra) {
			best, hi = labels, k
		} else {
			lo = k + 1
		}
	}
	if best == nil {
		k := fallbackK
		if k <= 0 || k > n {
			k = n
		}
		best = cutTree(n, merges, k)
	}
	return canonicalLabels(best), nil
}

type merge struct{ a, b int }

// averageLinkage returns the n-1 merges of the dendrogram in order. Cluster
// ids are the index of their lowest original member.
func averageLinkage(sim [][]float64) []merge {
	n := len(sim)
	members := make(map[int][]int, n)
	for i := 0; i < n; i++ {
		members[i] = []int{i}
	}

	merges := make([]merge, 0, n-1)
	for len(members) > 1 {
		ba, bb, bestDist := -1, -1, math.Inf(1)
		for a := 0; a < n; a++ {
			ma, ok := members[a]
			if !ok {
				continue
			}
			for b := a + 1; b < n; b++ {
				mb, ok := members[b]
				if !ok {
					continue
				}
				if d := averageDistance(ma, mb, sim); d < bestDist {
					ba, bb, bestDist = a, b, d
				}
			}
		}
		members[ba] = append(members[ba], members[bb]...)
		delete(members, bb)
		merges = append(merges, merge{a: ba, b: bb})
	}
	return merges
}

func averageDistance(a, b []int, sim [][]float64) float64 {
	var sum float64
	for _, i := range a {
		for _, j := range b {
			sum += 1 - sim[i][j]
		}
	}
	return sum / float64(len(a)*len(b))
}

// cutTree replays the first n-k merges and labels each point by its root.
func cutTree(n int, merges []merge, k int) []int {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	find := func(x int) int {
		for parent[x] != x {
			x = parent[x]
		}
		return x
	}
	for i := 0; i < n-k && i < len(merges); i++ {
		parent[find(merges[i].b)] = find(merges[i].a)
	}
	labels := make([]int, n)
	for i := range labels {
		labels[i] = find(i)
	}
	return labels
}

func groupsCohesive(labels []int, sim [][]float64, minIntra float64) bool {
	groups := make(map[int][]int)
	for i, l := range labels {
		groups[l] = append(groups[l], i)
	}
	for _, idx := range groups {
		if len(idx) <= 1 {
			continue
		}
		var sum float64
		pairs := 0
		for x := 0; x < len(idx); x++ {
			for y := x + 1; y < len(idx); y++ {
				sum += sim[idx[x]][idx[y]]
				pairs++
			}
		}
		if sum/float64(pairs) < minIntra {
			return false
		}
	}
	return true
}
