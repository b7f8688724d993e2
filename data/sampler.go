package data

import "math/rand"

// Batches partitions the indices 0..n-1 into consecutive batches of
// batchSize. The last batch is kept even when short.
func Batches(n, batchSize int, shuffle bool, rng *rand.Rand) [][]int {
	if n <= 0 || batchSize <= 0 {
		return nil
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if shuffle {
		rng.Shuffle(n, func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	batches := make([][]int, 0, (n+batchSize-1)/batchSize)
	for start := 0; start < n; start += batchSize {
		end := start + batchSize
		if end > n {
			end = n
		}
		batches = append(batches, order[start:end:end])
	}
	return batches
}

// Limit keeps at most k batches. k <= 0 keeps all of them.
func Limit(batches [][]int, k int) [][]int {
	if k <= 0 || k >= len(batches) {
		return batches
	}
	return batches[:k]
}
