package interpreter

import (
	"sync"

	"gonum.org/v1/gonum/floats"
)

const (
	unvisited = -2
	noise     = -1
)

// neighbourhoods returns, for every vector, the indices of all vectors within
// eps (itself included) in ascending order. Rows are split across workers;
// each worker writes only the rows it owns.
func neighbourhoods(vectors [][]float64, eps float64, workers int) [][]int {
	out := make([][]int, len(vectors))
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan int, workers*4)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				var row []int
				for j, v := range vectors {
					if floats.Distance(vectors[i], v, 2) <= eps {
						row = append(row, j)
					}
				}
				out[i] = row
			}
		}()
	}
	for i := range vectors {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return out
}

// dbscan labels vectors with dense cluster ids in order of discovery, or -1
// for noise. weights holds the multiplicity of every vector, nil meaning one
// each. A point is core when the summed weight of its eps-neighbourhood,
// itself included, reaches minSamples.
func dbscan(vectors [][]float64, weights []int, eps float64, minSamples, workers int) ([]int, [][]int) {
	nbrs := neighbourhoods(vectors, eps, workers)
	core := make([]bool, len(vectors))
	for i, row := range nbrs {
		total := 0
		for _, j := range row {
			total += weight(weights, j)
		}
		core[i] = total >= minSamples
	}

	labels := make([]int, len(vectors))
	for i := range labels {
		labels[i] = unvisited
	}

	cluster := 0
	for i := range vectors {
		if labels[i] != unvisited {
			continue
		}
		if !core[i] {
			labels[i] = noise
			continue
		}
		labels[i] = cluster
		queue := append([]int(nil), nbrs[i]...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] == noise {
				labels[j] = cluster
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			if core[j] {
				queue = append(queue, nbrs[j]...)
			}
		}
		cluster++
	}
	return labels, nbrs
}

func weight(weights []int, i int) int {
	if weights == nil {
		return 1
	}
	return weights[i]
}

// centroid returns the weighted mean of the given vectors.
func centroid(vectors [][]float64, weights []int) []float64 {
	if len(vectors) == 0 {
		return nil
	}
	out := make([]float64, len(vectors[0]))
	total := 0
	for i, v := range vectors {
		w := weight(weights, i)
		floats.AddScaled(out, float64(w), v)
		total += w
	}
	floats.Scale(1/float64(total), out)
	return out
}
