package similarity

import (
	"fmt"
	"math"
	"math/rand"
)

const (
	kmeansRestarts      = 10
	kmeansMaxIterations = 300
)

// Partition groups vectors into k groups with k-means (k-means++ seeding,
// several restarts, lowest inertia wins). The same seed always yields the
// same labels. Labels are numbered by first appearance, so the first vector is
// always in group 0. When k exceeds the vector count it is lowered to it.
func Partition(vectors [][]float32, k int, seed int64) ([]int, error) {
	if err := checkDims(vectors); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidK, k)
	}
	n := len(vectors)
	if k > n {
		k = n
	}
	if k == 1 {
		return make([]int, n), nil
	}

	points := toFloat64(vectors)
	rng := rand.New(rand.NewSource(seed))

	var best []int
	bestInertia := math.Inf(1)
	for r := 0; r < kmeansRestarts; r++ {
		labels, inertia := kmeansOnce(points, k, rng)
		if inertia < bestInertia {
			best, bestInertia = labels, inertia
		}
	}
	return canonicalLabels(best), nil
}

func kmeansOnce(points [][]float64, k int, rng *rand.Rand) ([]int, float64) {
	centers := seedCenters(points, k, rng)
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = -1
	}

	for iter := 0; iter < kmeansMaxIterations; iter++ {
		changed := false
		for i, p := range points {
			c := nearestCenter(p, centers)
			if c != labels[i] {
				labels[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}
		centers = recomputeCenters(points, labels, k)
		fillEmpty(points, labels, centers)
	}
	fillEmpty(points, labels, centers)

	var inertia float64
	for i, p := range points {
		inertia += sqDist(p, centers[labels[i]])
	}
	return labels, inertia
}

// seedCenters picks initial centers with k-means++ D² sampling.
func seedCenters(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	centers := make([][]float64, 0, k)
	centers = append(centers, clone64(points[rng.Intn(len(points))]))

	dist := make([]float64, len(points))
	for len(centers) < k {
		var total float64
		for i, p := range points {
			dist[i] = sqDist(p, centers[nearestCenter(p, centers)])
			total += dist[i]
		}
		if total == 0 {
			centers = append(centers, clone64(points[rng.Intn(len(points))]))
			continue
		}
		target := rng.Float64() * total
		pick := len(points) - 1
		for i, d := range dist {
			target -= d
			if target <= 0 {
				pick = i
				break
			}
		}
		centers = append(centers, clone64(points[pick]))
	}
	return centers
}

func recomputeCenters(points [][]float64, labels []int, k int) [][]float64 {
	dim := len(points[0])
	centers := make([][]float64, k)
	counts := make([]int, k)
	for c := range centers {
		centers[c] = make([]float64, dim)
	}
	for i, p := range points {
		c := labels[i]
		counts[c]++
		for d, x := range p {
			centers[c][d] += x
		}
	}
	for c := range centers {
		if counts[c] == 0 {
			continue
		}
		for d := range centers[c] {
			centers[c][d] /= float64(counts[c])
		}
	}
	return centers
}

// fillEmpty moves the point farthest from its center into every empty group,
// taking it only from groups that keep at least one member.
func fillEmpty(points [][]float64, labels []int, centers [][]float64) {
	k := len(centers)
	for {
		counts := make([]int, k)
		for _, l := range labels {
			if l >= 0 {
				counts[l]++
			}
		}
		empty := -1
		for c, n := range counts {
			if n == 0 {
				empty = c
				break
			}
		}
		if empty < 0 {
			return
		}
		far, farDist := -1, -1.0
		for i, p := range points {
			if counts[labels[i]] < 2 {
				continue
			}
			if d := sqDist(p, centers[labels[i]]); d > farDist {
				far, farDist = i, d
			}
		}
		if far < 0 {
			return
		}
		labels[far] = empty
		centers[empty] = clone64(points[far])
	}
}

func nearestCenter(p []float64, centers [][]float64) int {
	best, bestDist := 0, math.Inf(1)
	for c, center := range centers {
		if d := sqDist(p, center); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func canonicalLabels(labels []int) []int {
	mapping := make(map[int]int)
	out := make([]int, len(labels))
	for i, l := range labels {
		m, ok := mapping[l]
		if !ok {
			m = len(mapping)
			mapping[l] = m
		}
		out[i] = m
	}
	return out
}

// GroupCount returns the number of distinct labels.
func GroupCount(labels []int) int {
	seen := make(map[int]bool)
	for _, l := range labels {
		seen[l] = true
	}
	return len(seen)
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

func toFloat64(vectors [][]float32) [][]float64 {
	out := make([][]float64, len(vectors))
	for i, v := range vectors {
		out[i] = make([]float64, len(v))
		for j, x := range v {
			out[i][j] = float64(x)
		}
	}
	return out
}

func clone64(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
