package report

import "sort"

type Stats struct {
	Count  int
	Min    int
	Max    int
	Mean   float64
	Median float64
}

// Distribution summarizes values. The zero Stats is returned for no input.
func Distribution(values []int) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	sorted := append([]int(nil), values...)
	sort.Ints(sorted)

	var sum int
	for _, v := range sorted {
		sum += v
	}
	n := len(sorted)
	s := Stats{
		Count: n,
		Min:   sorted[0],
		Max:   sorted[n-1],
		Mean:  float64(sum) / float64(n),
	}
	if n%2 == 1 {
		s.Median = float64(sorted[n/2])
	} else {
		s.Median = float64(sorted[n/2-1]+sorted[n/2]) / 2
	}
	return s
}

// Dimensions returns the distinct vector lengths, ascending.
func Dimensions(vectors [][]float32) []int {
	seen := map[int]bool{}
	for _, v := range vectors {
		seen[len(v)] = true
	}
	out := make([]int, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}
