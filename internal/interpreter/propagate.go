package interpreter

// propagate spreads scores from labeled points to unlabeled points of the
// same cluster through eps-neighbourhoods. Each pass lets an unlabeled point
// take the highest score among its labeled or already reached neighbours
// when that beats its own. Passes stop at a fixed point or after iterations
// passes; the number of passes run is returned. Scores only grow and never
// exceed the highest labeled score of the cluster.
func propagate(labels []int, nbrs [][]int, scores []float64, origin []bool, iterations int) int {
	known := append([]bool(nil), origin...)
	for pass := 0; pass < iterations; pass++ {
		next := append([]float64(nil), scores...)
		reached := append([]bool(nil), known...)
		changed := false
		for i, l := range labels {
			if l == noise || origin[i] {
				continue
			}
			best := scores[i]
			for _, j := range nbrs[i] {
				if j != i && labels[j] == l && known[j] && scores[j] > best {
					best = scores[j]
				}
			}
			if best > scores[i] {
				next[i] = best
				reached[i] = true
				changed = true
			}
		}
		copy(scores, next)
		known = reached
		if !changed {
			return pass
		}
	}
	return iterations
}
