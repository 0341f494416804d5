package batch

// DefaultMaxConcurrent is used when a caller passes a non-positive bound.
const DefaultMaxConcurrent = 3

// WorkerCount returns min(maxConcurrent, n), substituting the default bound
// for non-positive values.
func WorkerCount(n, maxConcurrent int) int {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if n < maxConcurrent {
		return n
	}
	return maxConcurrent
}

// Stripe partitions the indices [0, n) across WorkerCount(n, maxConcurrent)
// workers. Worker i receives i, i+W, i+2W, ... in increasing order.
func Stripe(n, maxConcurrent int) [][]int {
	w := WorkerCount(n, maxConcurrent)
	stripes := make([][]int, w)
	for i := 0; i < w; i++ {
		for idx := i; idx < n; idx += w {
			stripes[i] = append(stripes[i], idx)
		}
	}
	return stripes
}
